package fsm

import (
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/samuel-1-avson/fsm/pkg/logging"
)

const (
	// DefaultMaxInternalSteps caps the event-less cascade after a commit
	DefaultMaxInternalSteps = 100

	tracerName = "github.com/samuel-1-avson/fsm"
)

// Option configures a graph when it is built
type Option func(*options)

type options struct {
	registry          *Registry
	logger            *slog.Logger
	tracer            trace.Tracer
	maxInternalSteps  int
	initialEntry      bool
	haltOnActionError bool
	splitReferences   bool
	observers         []Observer
}

func defaultOptions() *options {
	return &options{
		logger:           logging.Discard(),
		tracer:           otel.Tracer(tracerName),
		maxInternalSteps: DefaultMaxInternalSteps,
		initialEntry:     true,
	}
}

// WithRegistry sets the table named callbacks and conventions resolve against
func WithRegistry(reg *Registry) Option {
	return func(o *options) {
		o.registry = reg
	}
}

// WithLogger sets the structured logger. Nil restores the discarding default.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = logging.Discard()
		}
		o.logger = logger
	}
}

// WithTracer sets the tracer used for dispatch spans
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithMaxInternalSteps sets how many event-less steps may follow one
// dispatch before it fails with a loop error. Values below one are ignored.
func WithMaxInternalSteps(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxInternalSteps = n
		}
	}
}

// WithInitialEntry controls whether the initial state's entry callbacks run
// when an instance starts
func WithInitialEntry(run bool) Option {
	return func(o *options) {
		o.initialEntry = run
	}
}

// WithHaltOnActionError halts an instance on its first action failure.
// A halted instance rejects every dispatch with ErrHalted until Reset.
func WithHaltOnActionError() Option {
	return func(o *options) {
		o.haltOnActionError = true
	}
}

// WithSplitReferences makes BuildMachine read every action and condition
// field of a description as a whitespace-separated list of names, run in
// order. By default a field is one opaque reference such as
// "displayTime > 0".
func WithSplitReferences() Option {
	return func(o *options) {
		o.splitReferences = true
	}
}

// WithObserver adds an observer notified by every instance of the graph
func WithObserver(observer Observer) Option {
	return func(o *options) {
		if observer != nil {
			o.observers = append(o.observers, observer)
		}
	}
}

// StartOption configures a single instance
type StartOption func(*startOptions)

type startOptions struct {
	id        string
	observers []Observer
}

// WithInstanceID sets the instance identifier instead of a generated one
func WithInstanceID(id string) StartOption {
	return func(o *startOptions) {
		o.id = id
	}
}

// WithInstanceObserver adds an observer for this instance only
func WithInstanceObserver(observer Observer) StartOption {
	return func(o *startOptions) {
		if observer != nil {
			o.observers = append(o.observers, observer)
		}
	}
}
