package graphdesc

import "errors"

var (
	ErrUnsupportedFormat = errors.New("graphdesc: unsupported format")
	ErrFailedToParseJSON = errors.New("graphdesc: failed to parse JSON description")
	ErrFailedToParseYAML = errors.New("graphdesc: failed to parse YAML description")
	ErrFailedToEncode    = errors.New("graphdesc: failed to encode description")
	ErrInvalid           = errors.New("graphdesc: invalid description")
)
