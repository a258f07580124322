package fsm

import (
	"fmt"
	"sync"
)

// Observer represents an entity that observes instance lifecycle
type Observer interface {
	// OnTransition is called once a transition has committed
	OnTransition(from string, to string, event *Event, ctx Context)

	// OnStateEnter is called when entering a state, including the initial one
	OnStateEnter(state string, ctx Context)
}

// ExtendedObserver provides additional optional observation methods
type ExtendedObserver interface {
	Observer

	// OnStateExit is called when exiting a state
	OnStateExit(state string, ctx Context)

	// OnGuardEvaluation is called after a candidate's guards were evaluated
	OnGuardEvaluation(t *Transition, event *Event, result bool, ctx Context)

	// OnEventRejected is called when no transition accepts an event
	OnEventRejected(event *Event, reason string, ctx Context)

	// OnError is called when a dispatch fails with an error
	OnError(err error, ctx Context)

	// OnActionExecution is called before every action callback runs
	OnActionExecution(spec *CallbackSpec, state string, event *Event, ctx Context)

	// OnInstanceStarted is called once the instance reached its initial state
	OnInstanceStarted(ctx Context)

	// OnInstanceReset is called after the instance was reset
	OnInstanceReset(ctx Context)
}

// BaseObserver provides a default implementation with no-op methods
type BaseObserver struct{}

func (o *BaseObserver) OnTransition(from string, to string, event *Event, ctx Context) {}

func (o *BaseObserver) OnStateEnter(state string, ctx Context) {}

func (o *BaseObserver) OnStateExit(state string, ctx Context) {}

func (o *BaseObserver) OnGuardEvaluation(t *Transition, event *Event, result bool, ctx Context) {}

func (o *BaseObserver) OnEventRejected(event *Event, reason string, ctx Context) {}

func (o *BaseObserver) OnError(err error, ctx Context) {}

func (o *BaseObserver) OnActionExecution(spec *CallbackSpec, state string, event *Event, ctx Context) {
}

func (o *BaseObserver) OnInstanceStarted(ctx Context) {}

func (o *BaseObserver) OnInstanceReset(ctx Context) {}

// ObserverManager manages a collection of observers. A panicking observer
// is reported through OnError and never interrupts a dispatch. Observers
// may be added or removed while a notification is running.
type ObserverManager struct {
	mutex     sync.RWMutex
	observers []Observer
}

// NewObserverManager creates a new observer manager
func NewObserverManager(observers ...Observer) *ObserverManager {
	om := &ObserverManager{observers: make([]Observer, 0, len(observers))}
	for _, o := range observers {
		om.AddObserver(o)
	}
	return om
}

// AddObserver adds an observer to the manager
func (om *ObserverManager) AddObserver(observer Observer) {
	if observer == nil {
		return
	}
	om.mutex.Lock()
	defer om.mutex.Unlock()
	om.observers = append(om.observers, observer)
}

// RemoveObserver removes an observer from the manager
func (om *ObserverManager) RemoveObserver(observer Observer) {
	om.mutex.Lock()
	defer om.mutex.Unlock()
	for i, obs := range om.observers {
		if obs == observer {
			om.observers = append(om.observers[:i:i], om.observers[i+1:]...)
			break
		}
	}
}

// Len returns the number of registered observers
func (om *ObserverManager) Len() int {
	om.mutex.RLock()
	defer om.mutex.RUnlock()
	return len(om.observers)
}

func (om *ObserverManager) each(hook string, ctx Context, fn func(o Observer)) {
	om.mutex.RLock()
	observers := make([]Observer, len(om.observers))
	copy(observers, om.observers)
	om.mutex.RUnlock()

	for _, observer := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					if extObs, ok := observer.(ExtendedObserver); ok && hook != "OnError" {
						func() {
							defer func() { recover() }()
							extObs.OnError(fmt.Errorf("observer panic in %s: %v", hook, r), ctx)
						}()
					}
				}
			}()
			fn(observer)
		}()
	}
}

func (om *ObserverManager) eachExtended(hook string, ctx Context, fn func(o ExtendedObserver)) {
	om.each(hook, ctx, func(o Observer) {
		if extObs, ok := o.(ExtendedObserver); ok {
			fn(extObs)
		}
	})
}

// NotifyTransition notifies all observers of a committed transition
func (om *ObserverManager) NotifyTransition(from string, to string, event *Event, ctx Context) {
	om.each("OnTransition", ctx, func(o Observer) { o.OnTransition(from, to, event, ctx) })
}

// NotifyStateEnter notifies all observers of state entry
func (om *ObserverManager) NotifyStateEnter(state string, ctx Context) {
	om.each("OnStateEnter", ctx, func(o Observer) { o.OnStateEnter(state, ctx) })
}

// NotifyStateExit notifies all observers of state exit
func (om *ObserverManager) NotifyStateExit(state string, ctx Context) {
	om.eachExtended("OnStateExit", ctx, func(o ExtendedObserver) { o.OnStateExit(state, ctx) })
}

// NotifyGuardEvaluation notifies all observers of guard evaluation
func (om *ObserverManager) NotifyGuardEvaluation(t *Transition, event *Event, result bool, ctx Context) {
	om.eachExtended("OnGuardEvaluation", ctx, func(o ExtendedObserver) { o.OnGuardEvaluation(t, event, result, ctx) })
}

// NotifyEventRejected notifies all observers of event rejection
func (om *ObserverManager) NotifyEventRejected(event *Event, reason string, ctx Context) {
	om.eachExtended("OnEventRejected", ctx, func(o ExtendedObserver) { o.OnEventRejected(event, reason, ctx) })
}

// NotifyError notifies all observers of errors
func (om *ObserverManager) NotifyError(err error, ctx Context) {
	om.eachExtended("OnError", ctx, func(o ExtendedObserver) { o.OnError(err, ctx) })
}

// NotifyActionExecution notifies all observers that an action is about to run
func (om *ObserverManager) NotifyActionExecution(spec *CallbackSpec, state string, event *Event, ctx Context) {
	om.eachExtended("OnActionExecution", ctx, func(o ExtendedObserver) { o.OnActionExecution(spec, state, event, ctx) })
}

// NotifyInstanceStarted notifies all observers that an instance has started
func (om *ObserverManager) NotifyInstanceStarted(ctx Context) {
	om.eachExtended("OnInstanceStarted", ctx, func(o ExtendedObserver) { o.OnInstanceStarted(ctx) })
}

// NotifyInstanceReset notifies all observers that an instance was reset
func (om *ObserverManager) NotifyInstanceReset(ctx Context) {
	om.eachExtended("OnInstanceReset", ctx, func(o ExtendedObserver) { o.OnInstanceReset(ctx) })
}
