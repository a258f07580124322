// Package observers provides observers for monitoring state machine instances
package observers

import (
	"log/slog"

	"github.com/samuel-1-avson/fsm"
	"github.com/samuel-1-avson/fsm/pkg/logging"
)

// LoggingObserver writes instance lifecycle events to a structured logger.
// Transitions and state changes are logged at info level, guard and action
// details at debug level.
type LoggingObserver struct {
	fsm.BaseObserver
	logger *slog.Logger
}

// NewLoggingObserver creates a logging observer. A nil logger falls back to
// slog.Default.
func NewLoggingObserver(logger *slog.Logger) *LoggingObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{logger: logger}
}

// NewDefaultLoggingObserver logs at info level as text to stderr
func NewDefaultLoggingObserver() *LoggingObserver {
	cfg := logging.DefaultConfig()
	cfg.Component = "statemachine"
	return NewLoggingObserver(logging.New(cfg))
}

func (o *LoggingObserver) with(ctx fsm.Context) *slog.Logger {
	if inst := ctx.Instance(); inst != nil {
		return o.logger.With("graph", inst.Graph().Name(), "instance", inst.ID())
	}
	return o.logger
}

func eventName(ev *fsm.Event) string {
	if ev == nil || ev.Name == "" {
		return "(internal)"
	}
	return ev.Name
}

// OnStateEnter logs state entry
func (o *LoggingObserver) OnStateEnter(state string, ctx fsm.Context) {
	o.with(ctx).InfoContext(ctx, "entering state", "state", state)
}

// OnStateExit logs state exit
func (o *LoggingObserver) OnStateExit(state string, ctx fsm.Context) {
	o.with(ctx).InfoContext(ctx, "exiting state", "state", state)
}

// OnTransition logs committed transitions
func (o *LoggingObserver) OnTransition(from string, to string, event *fsm.Event, ctx fsm.Context) {
	o.with(ctx).InfoContext(ctx, "transition", "from", from, "to", to, "event", eventName(event))
}

func (o *LoggingObserver) OnGuardEvaluation(t *fsm.Transition, event *fsm.Event, result bool, ctx fsm.Context) {
	o.with(ctx).DebugContext(ctx, "guards evaluated", "transition", t.String(), "event", eventName(event), "passed", result)
}

func (o *LoggingObserver) OnActionExecution(spec *fsm.CallbackSpec, state string, event *fsm.Event, ctx fsm.Context) {
	o.with(ctx).DebugContext(ctx, "running callback",
		"slot", spec.Slot.String(),
		"callback", spec.Name,
		"convention", spec.Convention,
		"state", state,
		"event", eventName(event),
	)
}

// OnEventRejected logs events no transition accepted
func (o *LoggingObserver) OnEventRejected(event *fsm.Event, reason string, ctx fsm.Context) {
	o.with(ctx).WarnContext(ctx, "event rejected", "event", eventName(event), "reason", reason)
}

// OnError logs dispatch errors
func (o *LoggingObserver) OnError(err error, ctx fsm.Context) {
	o.with(ctx).ErrorContext(ctx, "dispatch error", "error", err, "code", fsm.GetErrorCode(err).String())
}

func (o *LoggingObserver) OnInstanceStarted(ctx fsm.Context) {
	o.with(ctx).InfoContext(ctx, "instance started", "state", ctx.Instance().CurrentStateID())
}

func (o *LoggingObserver) OnInstanceReset(ctx fsm.Context) {
	o.with(ctx).InfoContext(ctx, "instance reset", "state", ctx.Instance().CurrentStateID())
}
