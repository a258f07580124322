// Package graphdesc is the serializable shape of a state graph, as written
// by diagram editors and read by code generators. Actions and conditions
// are opaque references resolved by the host.
package graphdesc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format selects the encoding of a description
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFromPath picks the format from a file extension
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(path), ".")) {
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

// Description is a whole graph
type Description struct {
	Name        string           `json:"name,omitempty" yaml:"name,omitempty"`
	States      []StateSpec      `json:"states" yaml:"states"`
	Transitions []TransitionSpec `json:"transitions" yaml:"transitions"`
}

// StateSpec describes one state. When ID is empty the state is
// referenced by its Name. A superstate carries the description of the
// submachine it runs while active.
type StateSpec struct {
	ID           string `json:"id,omitempty" yaml:"id,omitempty"`
	Name         string `json:"name,omitempty" yaml:"name,omitempty"`
	IsInitial    bool   `json:"is_initial,omitempty" yaml:"is_initial,omitempty"`
	IsFinal      bool   `json:"is_final,omitempty" yaml:"is_final,omitempty"`
	EntryAction  string `json:"entry_action,omitempty" yaml:"entry_action,omitempty"`
	ExitAction   string `json:"exit_action,omitempty" yaml:"exit_action,omitempty"`
	DuringAction string `json:"during_action,omitempty" yaml:"during_action,omitempty"`
	Description  string `json:"description,omitempty" yaml:"description,omitempty"`

	IsSuperstate bool         `json:"is_superstate,omitempty" yaml:"is_superstate,omitempty"`
	SubMachine   *Description `json:"sub_fsm_data,omitempty" yaml:"sub_fsm_data,omitempty"`
}

// HasSubMachine reports whether the state is a superstate with a
// submachine to run. A superstate without submachine states behaves as a
// plain state.
func (s StateSpec) HasSubMachine() bool {
	return s.IsSuperstate && s.SubMachine != nil && len(s.SubMachine.States) > 0
}

// Key returns the identifier transitions use to reference the state
func (s StateSpec) Key() string {
	if s.ID != "" {
		return s.ID
	}
	return s.Name
}

// TransitionSpec describes one transition. Event may hold several
// space-separated aliases; an empty event makes the transition event-less.
type TransitionSpec struct {
	Source    string `json:"source" yaml:"source"`
	Target    string `json:"target" yaml:"target"`
	Event     string `json:"event,omitempty" yaml:"event,omitempty"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
	Unless    string `json:"unless,omitempty" yaml:"unless,omitempty"`
	Action    string `json:"action,omitempty" yaml:"action,omitempty"`
	Internal  bool   `json:"internal,omitempty" yaml:"internal,omitempty"`
}

// ParseJSON decodes a JSON description
func ParseJSON(data []byte) (*Description, error) {
	var d Description
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, errors.Join(ErrFailedToParseJSON, err)
	}
	return &d, nil
}

// ParseYAML decodes a YAML description
func ParseYAML(data []byte) (*Description, error) {
	var d Description
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, errors.Join(ErrFailedToParseYAML, err)
	}
	return &d, nil
}

// Decode reads a description in the given format
func Decode(r io.Reader, format Format) (*Description, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	switch format {
	case FormatJSON:
		return ParseJSON(data)
	case FormatYAML:
		return ParseYAML(data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// Encode writes the description in the given format
func (d *Description) Encode(w io.Writer, format Format) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(d); err != nil {
			return errors.Join(ErrFailedToEncode, err)
		}
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(d); err != nil {
			return errors.Join(ErrFailedToEncode, err)
		}
		if err := enc.Close(); err != nil {
			return errors.Join(ErrFailedToEncode, err)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	return nil
}

// Marshal returns the encoded description
func (d *Description) Marshal(format Format) ([]byte, error) {
	var buf bytes.Buffer
	if err := d.Encode(&buf, format); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// State returns the state referenced by key
func (d *Description) State(key string) (StateSpec, bool) {
	for _, s := range d.States {
		if s.Key() == key {
			return s, true
		}
	}
	return StateSpec{}, false
}

// Validate checks the structural rules a description must satisfy before
// it can be built: unique state keys, exactly one initial state, and
// transitions that reference declared states. Submachines are checked the
// same way.
func (d *Description) Validate() error {
	var errs []error
	seen := make(map[string]bool, len(d.States))
	initials := 0

	for i, s := range d.States {
		key := s.Key()
		if key == "" {
			errs = append(errs, fmt.Errorf("%w: state #%d has neither id nor name", ErrInvalid, i))
			continue
		}
		if seen[key] {
			errs = append(errs, fmt.Errorf("%w: duplicate state '%s'", ErrInvalid, key))
		}
		seen[key] = true
		if s.IsInitial {
			initials++
		}
		if s.HasSubMachine() {
			if err := s.SubMachine.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("submachine of state '%s': %w", key, err))
			}
		}
	}

	switch {
	case len(d.States) == 0:
		errs = append(errs, fmt.Errorf("%w: no states", ErrInvalid))
	case initials == 0:
		errs = append(errs, fmt.Errorf("%w: no initial state", ErrInvalid))
	case initials > 1:
		errs = append(errs, fmt.Errorf("%w: %d initial states", ErrInvalid, initials))
	}

	for i, t := range d.Transitions {
		if !seen[t.Source] {
			errs = append(errs, fmt.Errorf("%w: transition #%d has unknown source '%s'", ErrInvalid, i, t.Source))
		}
		if !seen[t.Target] {
			errs = append(errs, fmt.Errorf("%w: transition #%d has unknown target '%s'", ErrInvalid, i, t.Target))
		}
		if t.Internal && t.Source != t.Target {
			errs = append(errs, fmt.Errorf("%w: internal transition #%d leaves '%s'", ErrInvalid, i, t.Source))
		}
	}

	return errors.Join(errs...)
}
