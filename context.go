package fsm

import (
	"context"
)

// Context provides access to data and information during callback execution
type Context interface {
	context.Context

	Get(key string) (any, bool)
	Set(key string, value any)
	GetAll() map[string]any

	Instance() *Instance
	Event() *Event
	EventName() string
	EventData() any

	Source() *State
	Target() *State
	Transition() *Transition
}

// callbackContext implements Context for one callback invocation scope
type callbackContext struct {
	context.Context
	instance   *Instance
	event      *Event
	source     *State
	target     *State
	transition *Transition
}

func newCallbackContext(parent context.Context, inst *Instance, event *Event, t *Transition, source *State) *callbackContext {
	if parent == nil {
		parent = context.Background()
	}
	ctx := &callbackContext{
		Context:    parent,
		instance:   inst,
		event:      event,
		source:     source,
		transition: t,
	}
	if t != nil {
		ctx.target = t.target
	}
	return ctx
}

// Get retrieves an instance variable
func (ctx *callbackContext) Get(key string) (any, bool) {
	return ctx.instance.Get(key)
}

// Set stores an instance variable
func (ctx *callbackContext) Set(key string, value any) {
	ctx.instance.Set(key, value)
}

// GetAll returns a copy of all instance variables
func (ctx *callbackContext) GetAll() map[string]any {
	return ctx.instance.Vars()
}

func (ctx *callbackContext) Instance() *Instance {
	return ctx.instance
}

func (ctx *callbackContext) Event() *Event {
	return ctx.event
}

// EventName returns the name of the event being processed, empty for
// event-less steps
func (ctx *callbackContext) EventName() string {
	if ctx.event != nil {
		return ctx.event.Name
	}
	return ""
}

// EventData returns the payload of the event being processed
func (ctx *callbackContext) EventData() any {
	if ctx.event != nil {
		return ctx.event.Data
	}
	return nil
}

func (ctx *callbackContext) Source() *State {
	return ctx.source
}

func (ctx *callbackContext) Target() *State {
	return ctx.target
}

func (ctx *callbackContext) Transition() *Transition {
	return ctx.transition
}

// GetEventDataAs attempts to cast event data to T
func GetEventDataAs[T any](ctx Context) (T, bool) {
	v, ok := ctx.EventData().(T)
	return v, ok
}

// GetAs retrieves an instance variable as T
func GetAs[T any](ctx Context, key string) (T, bool) {
	var zero T
	raw, ok := ctx.Get(key)
	if !ok {
		return zero, false
	}
	v, ok := raw.(T)
	return v, ok
}
