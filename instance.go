package fsm

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Instance is one running execution of a Graph with its own current state
// and variables. Dispatch calls are serialized per instance.
//
// Callbacks and observers may query the instance that is running them
// (AllowedEvents, CanDispatch, Halted...) as long as they pass the Context
// they were given. Dispatch, TryDispatch, Step and Reset called that way
// fail with ErrReentrantDispatch. A callback that calls back with an
// unrelated context blocks until its own dispatch returns, which never
// happens.
type Instance struct {
	id        string
	graph     *Graph
	logger    *slog.Logger
	observers *ObserverManager

	mu      sync.Mutex
	current atomic.Pointer[State]
	halted  atomic.Pointer[ActionError]
	child   atomic.Pointer[Instance]

	varsMu   sync.RWMutex
	vars     map[string]any
	initVars map[string]any

	viewsMu sync.Mutex
	views   []*InstanceState
}

// InstanceState is an instance's view of one shared state
type InstanceState struct {
	instance *Instance
	state    *State
}

// State returns the shared state
func (v *InstanceState) State() *State {
	return v.state
}

// ID returns the state id
func (v *InstanceState) ID() string {
	return v.state.id
}

// IsActive reports whether the instance is currently in this state
func (v *InstanceState) IsActive() bool {
	return v.instance.current.Load() == v.state
}

func newInstance(g *Graph, vars map[string]any, opts ...StartOption) *Instance {
	so := &startOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(so)
		}
	}
	if so.id == "" {
		so.id = uuid.New().String()
	}

	inst := &Instance{
		id:        so.id,
		graph:     g,
		observers: NewObserverManager(append(append([]Observer{}, g.opts.observers...), so.observers...)...),
		vars:      maps.Clone(vars),
		initVars:  maps.Clone(vars),
		views:     make([]*InstanceState, len(g.states)),
	}
	if inst.vars == nil {
		inst.vars = make(map[string]any)
	}
	inst.logger = g.opts.logger.With("graph", g.name, "instance", inst.id)
	inst.current.Store(g.initial)
	return inst
}

// ID returns the instance identifier
func (i *Instance) ID() string {
	return i.id
}

// Graph returns the graph the instance runs
func (i *Instance) Graph() *Graph {
	return i.graph
}

// CurrentState returns the active state
func (i *Instance) CurrentState() *State {
	return i.current.Load()
}

// CurrentStateID returns the id of the active state
func (i *Instance) CurrentStateID() string {
	return i.current.Load().id
}

// State returns the instance view of a state, nil for unknown ids. Views
// are created on first use and cached per instance.
func (i *Instance) State(id string) *InstanceState {
	s, ok := i.graph.byID[id]
	if !ok {
		return nil
	}

	i.viewsMu.Lock()
	defer i.viewsMu.Unlock()
	if v := i.views[s.index]; v != nil {
		return v
	}
	v := &InstanceState{instance: i, state: s}
	i.views[s.index] = v
	return v
}

// IsIn reports whether the instance is currently in the given state
func (i *Instance) IsIn(id string) bool {
	return i.CurrentStateID() == id
}

// SubInstance returns the instance run by the active superstate, nil when
// the current state has no submachine. Events meant for the submachine are
// dispatched into it directly.
func (i *Instance) SubInstance() *Instance {
	return i.child.Load()
}

// StatePath returns the current state id, followed by the path of the
// active submachine in parentheses: "processing (sub_working)".
func (i *Instance) StatePath() string {
	id := i.CurrentStateID()
	if child := i.child.Load(); child != nil {
		return id + " (" + child.StatePath() + ")"
	}
	return id
}

// LeafStateID returns the id of the innermost active state
func (i *Instance) LeafStateID() string {
	if child := i.child.Load(); child != nil {
		return child.LeafStateID()
	}
	return i.CurrentStateID()
}

// Get returns an instance variable
func (i *Instance) Get(key string) (any, bool) {
	i.varsMu.RLock()
	defer i.varsMu.RUnlock()
	v, ok := i.vars[key]
	return v, ok
}

// Set stores an instance variable
func (i *Instance) Set(key string, value any) {
	i.varsMu.Lock()
	defer i.varsMu.Unlock()
	i.vars[key] = value
}

// Vars returns a copy of the instance variables
func (i *Instance) Vars() map[string]any {
	i.varsMu.RLock()
	defer i.varsMu.RUnlock()
	return maps.Clone(i.vars)
}

// Halted returns the action error that halted the instance, nil while it
// is running
func (i *Instance) Halted() error {
	if e := i.halted.Load(); e != nil {
		return e
	}
	return nil
}

// AddObserver adds an observer to this instance. Observers added during a
// dispatch are notified from the next notification on.
func (i *Instance) AddObserver(observer Observer) {
	i.observers.AddObserver(observer)
}

// RemoveObserver removes an observer from this instance
func (i *Instance) RemoveObserver(observer Observer) {
	i.observers.RemoveObserver(observer)
}

// Dispatch delivers an event. When no transition accepts it, or the event
// name is empty, the call fails with a *TransitionError matching
// ErrInvalidTransition. Guard, action and
// loop errors are returned as they are; errors raised after the commit come
// with a result whose Committed field is set.
func (i *Instance) Dispatch(ctx context.Context, event string, data any) (*DispatchResult, error) {
	return i.run(ctx, NewEvent(event, data), modeCommand)
}

// TryDispatch is like Dispatch but reports a rejection only through the
// result. An empty event name is still an error.
func (i *Instance) TryDispatch(ctx context.Context, event string, data any) (*DispatchResult, error) {
	return i.run(ctx, NewEvent(event, data), modeTry)
}

// Step runs the current state's during callbacks and steps the active
// submachine, then takes any event-less transitions that hold.
func (i *Instance) Step(ctx context.Context) (*DispatchResult, error) {
	return i.run(ctx, NewEvent("", nil), modeStep)
}

// CanDispatch reports whether the event would be accepted in the current
// state. Only guards run; nothing is mutated. An optional payload is shown
// to the guards.
func (i *Instance) CanDispatch(ctx context.Context, event string, data ...any) bool {
	if event == "" {
		return false
	}
	var payload any
	if len(data) > 0 {
		payload = data[0]
	}

	if !i.dispatching(ctx) {
		i.mu.Lock()
		defer i.mu.Unlock()
	}
	if i.halted.Load() != nil {
		return false
	}
	t, err := i.selectTransition(ctx, i.current.Load(), NewEvent(event, payload), false)
	return err == nil && t != nil
}

// AllowedEvents returns the events the current state would accept right
// now, in declaration order. Every alias of a transition is checked on its
// own. An event whose guard fails with an error is left out and logged.
func (i *Instance) AllowedEvents(ctx context.Context) []string {
	if !i.dispatching(ctx) {
		i.mu.Lock()
		defer i.mu.Unlock()
	}
	if i.halted.Load() != nil {
		return nil
	}

	cur := i.current.Load()
	var events []string
	decided := make(map[string]bool)
	for _, t := range cur.transitions {
		for _, ev := range t.events {
			if decided[ev] {
				continue
			}
			out := t.evaluateGuards(newCallbackContext(ctx, i, NewEvent(ev, nil), t, cur))
			switch {
			case out.err != nil:
				decided[ev] = true
				i.logger.WarnContext(ctx, "guard failed while listing allowed events",
					"event", ev,
					"state", cur.id,
					"guard", out.failed.label(),
					"error", out.err,
				)
			case out.passed:
				decided[ev] = true
				events = append(events, ev)
			}
		}
	}
	return events
}

// Reset returns the instance to the initial state with its start variables
// and clears a halt. Initial entry callbacks and event-less transitions run
// as they do on Start.
func (i *Instance) Reset(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if i.dispatching(ctx) {
		return i.reentrant("reset")
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	ctx = i.markDispatching(ctx)

	i.varsMu.Lock()
	i.vars = maps.Clone(i.initVars)
	if i.vars == nil {
		i.vars = make(map[string]any)
	}
	i.varsMu.Unlock()

	i.halted.Store(nil)
	i.child.Store(nil)
	i.current.Store(i.graph.initial)
	i.logger.DebugContext(ctx, "instance reset", "state", i.graph.initial.id)

	err := i.enterInitial(ctx, "fsm.reset")
	i.observers.NotifyInstanceReset(newCallbackContext(ctx, i, nil, nil, i.graph.initial))
	return err
}

type dispatchingKey struct{}

// dispatchFrame links the instances whose dispatch is running on a context,
// innermost first
type dispatchFrame struct {
	inst *Instance
	next *dispatchFrame
}

func (i *Instance) markDispatching(ctx context.Context) context.Context {
	next, _ := ctx.Value(dispatchingKey{}).(*dispatchFrame)
	return context.WithValue(ctx, dispatchingKey{}, &dispatchFrame{inst: i, next: next})
}

// dispatching reports whether ctx comes from a callback of this instance
func (i *Instance) dispatching(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	f, _ := ctx.Value(dispatchingKey{}).(*dispatchFrame)
	for ; f != nil; f = f.next {
		if f.inst == i {
			return true
		}
	}
	return false
}

func (i *Instance) reentrant(op string) error {
	return fmt.Errorf("%w: %s called from a callback of instance '%s' in state '%s'", ErrReentrantDispatch, op, i.id, i.CurrentStateID())
}
