package fsm

import (
	"time"

	"github.com/google/uuid"
)

// Event is one delivery of a named trigger with an optional payload.
// An empty name denotes an internal event-less step.
type Event struct {
	ID        string
	Name      string
	Data      any
	Timestamp time.Time
}

// NewEvent creates a new event with the given name and payload
func NewEvent(name string, data any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Name:      name,
		Data:      data,
		Timestamp: time.Now(),
	}
}

// IsInternal reports whether this is an event-less step
func (e *Event) IsInternal() bool {
	return e.Name == ""
}

// DispatchPhase is the stage of the dispatch protocol reached by a call
type DispatchPhase int

const (
	PhaseIdle DispatchPhase = iota
	PhaseMatching
	PhaseGuardChecking
	PhaseExecuting
	PhaseCommitted
	PhaseRejected
	PhaseAborted
)

func (p DispatchPhase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseMatching:
		return "matching"
	case PhaseGuardChecking:
		return "guard_checking"
	case PhaseExecuting:
		return "executing"
	case PhaseCommitted:
		return "committed"
	case PhaseRejected:
		return "rejected"
	case PhaseAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// DispatchResult represents the result of dispatching an event
type DispatchResult struct {
	Committed     bool
	Event         string
	PreviousState string
	NewState      string
	Transition    *Transition
	Phase         DispatchPhase
	InternalSteps int
}

func newDispatchResult(event, state string) *DispatchResult {
	return &DispatchResult{
		Event:         event,
		PreviousState: state,
		NewState:      state,
		Phase:         PhaseIdle,
	}
}

// StateChanged reports whether the instance ended in a different state
func (r *DispatchResult) StateChanged() bool {
	return r.PreviousState != r.NewState
}

// Rejected reports whether no transition accepted the event
func (r *DispatchResult) Rejected() bool {
	return r.Phase == PhaseRejected
}
