package fsm

import (
	"errors"
	"fmt"
)

// ErrorCode represents specific error conditions in the state machine
type ErrorCode int

const (
	// No error occurred
	ErrCodeNone ErrorCode = iota
	// Graph definition is invalid
	ErrCodeInvalidDefinition
	// No transition matched the event in the current state
	ErrCodeTransitionNotAllowed
	// A guard callback failed while being evaluated
	ErrCodeGuardFailed
	// An action callback failed
	ErrCodeActionFailed
	// Event-less cascade exceeded the internal step cap
	ErrCodeTransitionLoop
	// Instance is halted after an action failure
	ErrCodeHalted
	// A callback tried to mutate the instance that is running it
	ErrCodeReentrantDispatch
)

// String returns a short name for the code
func (c ErrorCode) String() string {
	switch c {
	case ErrCodeNone:
		return "none"
	case ErrCodeInvalidDefinition:
		return "invalid_definition"
	case ErrCodeTransitionNotAllowed:
		return "transition_not_allowed"
	case ErrCodeGuardFailed:
		return "guard_failed"
	case ErrCodeActionFailed:
		return "action_failed"
	case ErrCodeTransitionLoop:
		return "transition_loop"
	case ErrCodeHalted:
		return "halted"
	case ErrCodeReentrantDispatch:
		return "reentrant_dispatch"
	default:
		return "unknown"
	}
}

var (
	// ErrInvalidDefinition is matched by every DefinitionError
	ErrInvalidDefinition = errors.New("invalid state machine definition")

	// ErrInvalidTransition is matched by every TransitionError
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrGuardFailed is matched by every GuardError
	ErrGuardFailed = errors.New("guard evaluation failed")

	// ErrTransitionLoop is matched by every LoopError
	ErrTransitionLoop = errors.New("transition loop")

	// ErrHalted is returned when dispatching into a halted instance
	ErrHalted = errors.New("instance halted after action error")

	// ErrReentrantDispatch is returned when a callback dispatches into,
	// steps or resets the instance that is running it
	ErrReentrantDispatch = errors.New("instance is already dispatching")
)

// DefinitionError is raised while a graph is declared or built.
type DefinitionError struct {
	Component string
	Issue     string
}

func (e *DefinitionError) Error() string {
	if e.Component == "" {
		return fmt.Sprintf("definition error: %s", e.Issue)
	}
	return fmt.Sprintf("definition error in %s: %s", e.Component, e.Issue)
}

// Is reports whether target is ErrInvalidDefinition
func (e *DefinitionError) Is(target error) bool {
	return target == ErrInvalidDefinition
}

// NewDefinitionError creates a new definition error
func NewDefinitionError(component, issue string) *DefinitionError {
	return &DefinitionError{
		Component: component,
		Issue:     issue,
	}
}

// TransitionError reports that no transition accepted an event in the
// current state. It is recoverable: the instance is left untouched.
type TransitionError struct {
	From   string
	Event  string
	Reason string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("transition error [%s on %s]: %s", e.From, e.Event, e.Reason)
}

// Is reports whether target is ErrInvalidTransition
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// NewNoTransitionError creates a new no transition found error
func NewNoTransitionError(from, event string) *TransitionError {
	return &TransitionError{
		From:   from,
		Event:  event,
		Reason: fmt.Sprintf("no transition for event '%s' in current state '%s'", event, from),
	}
}

// NewEmptyEventError rejects a dispatch without an event name. Event-less
// transitions are only taken by the cascade and by Step.
func NewEmptyEventError(from string) *TransitionError {
	return &TransitionError{
		From:   from,
		Reason: "event name cannot be empty, use Step for event-less transitions",
	}
}

// GuardError wraps a failure raised by a guard callback
type GuardError struct {
	From        string
	To          string
	Event       string
	Guard       string
	OriginalErr error
}

func (e *GuardError) Error() string {
	if e.Guard != "" {
		return fmt.Sprintf("guard '%s' failed [%s->%s on %s]: %v", e.Guard, e.From, e.To, e.Event, e.OriginalErr)
	}
	return fmt.Sprintf("guard failed [%s->%s on %s]: %v", e.From, e.To, e.Event, e.OriginalErr)
}

func (e *GuardError) Unwrap() error {
	return e.OriginalErr
}

// Is reports whether target is ErrGuardFailed
func (e *GuardError) Is(target error) bool {
	return target == ErrGuardFailed
}

// NewGuardError creates a new guard error
func NewGuardError(from, to, event, guard string, err error) *GuardError {
	return &GuardError{
		From:        from,
		To:          to,
		Event:       event,
		Guard:       guard,
		OriginalErr: err,
	}
}

// ActionError represents action execution errors
type ActionError struct {
	Action      string
	Slot        Slot
	State       string
	OriginalErr error
}

func (e *ActionError) Error() string {
	if e.OriginalErr != nil {
		return fmt.Sprintf("%s action '%s' failed in state '%s': %v", e.Slot, e.Action, e.State, e.OriginalErr)
	}
	return fmt.Sprintf("%s action '%s' failed in state '%s'", e.Slot, e.Action, e.State)
}

func (e *ActionError) Unwrap() error {
	return e.OriginalErr
}

// NewActionError creates a new action execution error
func NewActionError(action string, slot Slot, state string, err error) *ActionError {
	return &ActionError{
		Action:      action,
		Slot:        slot,
		State:       state,
		OriginalErr: err,
	}
}

// LoopError is returned when event-less transitions keep matching past the
// configured internal step cap.
type LoopError struct {
	State    string
	MaxSteps int
}

func (e *LoopError) Error() string {
	return fmt.Sprintf("transition loop: event-less transitions still matching in state '%s' after %d internal steps", e.State, e.MaxSteps)
}

// Is reports whether target is ErrTransitionLoop
func (e *LoopError) Is(target error) bool {
	return target == ErrTransitionLoop
}

// NewLoopError creates a new loop guard error
func NewLoopError(state string, maxSteps int) *LoopError {
	return &LoopError{
		State:    state,
		MaxSteps: maxSteps,
	}
}

// IsDefinitionError checks if an error is or wraps a DefinitionError
func IsDefinitionError(err error) bool {
	return errors.Is(err, ErrInvalidDefinition)
}

// IsTransitionError checks if an error is or wraps a TransitionError
func IsTransitionError(err error) bool {
	var e *TransitionError
	return errors.As(err, &e)
}

// IsGuardError checks if an error is or wraps a GuardError
func IsGuardError(err error) bool {
	var e *GuardError
	return errors.As(err, &e)
}

// IsActionError checks if an error is or wraps an ActionError
func IsActionError(err error) bool {
	var e *ActionError
	return errors.As(err, &e)
}

// IsLoopError checks if an error is or wraps a LoopError
func IsLoopError(err error) bool {
	var e *LoopError
	return errors.As(err, &e)
}

// GetErrorCode returns the error code for known error types
func GetErrorCode(err error) ErrorCode {
	var (
		defErr    *DefinitionError
		transErr  *TransitionError
		guardErr  *GuardError
		actionErr *ActionError
		loopErr   *LoopError
	)
	switch {
	case err == nil:
		return ErrCodeNone
	case errors.As(err, &defErr):
		return ErrCodeInvalidDefinition
	case errors.As(err, &transErr):
		return ErrCodeTransitionNotAllowed
	case errors.As(err, &guardErr):
		return ErrCodeGuardFailed
	case errors.As(err, &loopErr):
		return ErrCodeTransitionLoop
	case errors.Is(err, ErrHalted):
		return ErrCodeHalted
	case errors.Is(err, ErrReentrantDispatch):
		return ErrCodeReentrantDispatch
	case errors.As(err, &actionErr):
		return ErrCodeActionFailed
	default:
		return ErrCodeNone
	}
}
