package fsm

import (
	"fmt"
	"sort"
)

// ActionFunc performs a side effect during a transition or on entry/exit.
// Returning an error aborts the pipeline at that point.
type ActionFunc func(ctx Context) error

// GuardFunc represents a guard condition function
type GuardFunc func(ctx Context) bool

// GuardErrFunc is a guard that can fail instead of answering.
type GuardErrFunc func(ctx Context) (bool, error)

// Slot identifies where a callback runs.
type Slot int

const (
	SlotValidators Slot = iota
	SlotBefore
	SlotCond
	SlotUnless
	SlotOn
	SlotAfter
	SlotEntry
	SlotExit
	SlotDuring
)

func (s Slot) String() string {
	switch s {
	case SlotValidators:
		return "validators"
	case SlotBefore:
		return "before"
	case SlotCond:
		return "cond"
	case SlotUnless:
		return "unless"
	case SlotOn:
		return "on"
	case SlotAfter:
		return "after"
	case SlotEntry:
		return "entry"
	case SlotExit:
		return "exit"
	case SlotDuring:
		return "during"
	default:
		return fmt.Sprintf("slot(%d)", int(s))
	}
}

// IsGuard reports whether callbacks in this slot are boolean predicates.
func (s Slot) IsGuard() bool {
	return s == SlotCond || s == SlotUnless
}

const (
	// PriorityDefault is the priority of callbacks declared without one.
	PriorityDefault = 0

	// PriorityConvention is given to callbacks discovered by naming
	// convention. Generic conventions (on_enter_state, before_transition...)
	// use PriorityConvention+1 so the specific ones run first. Convention
	// callbacks always run after the explicitly declared ones.
	PriorityConvention = 1 << 20
)

// Callback is either a directly supplied function or a name resolved against
// a Registry when the graph is built.
type Callback struct {
	name     string
	action   ActionFunc
	guard    GuardErrFunc
	priority int
}

// Action wraps an action function as a callback.
func Action(fn ActionFunc) Callback {
	return Callback{action: fn}
}

// Guard wraps a boolean guard as a callback.
func Guard(fn GuardFunc) Callback {
	if fn == nil {
		return Callback{}
	}
	return Callback{guard: func(ctx Context) (bool, error) { return fn(ctx), nil }}
}

// GuardE wraps a fallible guard as a callback.
func GuardE(fn GuardErrFunc) Callback {
	return Callback{guard: fn}
}

// Named refers to a callback registered under name in the Registry.
func Named(name string) Callback {
	return Callback{name: name}
}

// WithPriority returns a copy of the callback with the given priority.
// Lower values run earlier.
func (c Callback) WithPriority(priority int) Callback {
	c.priority = priority
	return c
}

// WithName labels a function callback for logs and errors.
func (c Callback) WithName(name string) Callback {
	c.name = name
	return c
}

// Name returns the callback name, if any.
func (c Callback) Name() string {
	return c.name
}

// IsNamed reports whether the callback still needs to be resolved.
func (c Callback) IsNamed() bool {
	return c.action == nil && c.guard == nil && c.name != ""
}

func (c Callback) isZero() bool {
	return c.action == nil && c.guard == nil && c.name == ""
}

// CallbackSpec is a callback resolved for a particular slot.
type CallbackSpec struct {
	Slot       Slot
	Name       string
	Priority   int
	Convention bool

	action ActionFunc
	guard  GuardErrFunc
	seq    int
}

// resolve binds a declared callback to a slot, looking named callbacks up
// in the registry.
func resolveCallback(cb Callback, slot Slot, reg *Registry) (*CallbackSpec, error) {
	spec := &CallbackSpec{Slot: slot, Name: cb.name, Priority: cb.priority}

	switch {
	case slot.IsGuard() && cb.guard != nil:
		spec.guard = cb.guard
	case !slot.IsGuard() && cb.action != nil:
		spec.action = cb.action
	case cb.action != nil || cb.guard != nil:
		return nil, NewDefinitionError(cb.name, fmt.Sprintf("callback kind does not fit slot %s", slot))
	case cb.name == "":
		return nil, NewDefinitionError("callback", fmt.Sprintf("empty callback in slot %s", slot))
	case slot.IsGuard():
		guard, ok := reg.lookupGuard(cb.name)
		if !ok {
			return nil, NewDefinitionError(cb.name, fmt.Sprintf("unresolvable guard reference in slot %s", slot))
		}
		spec.guard = guard
	default:
		action, ok := reg.lookupAction(cb.name)
		if !ok {
			return nil, NewDefinitionError(cb.name, fmt.Sprintf("unresolvable action reference in slot %s", slot))
		}
		spec.action = action
	}

	return spec, nil
}

func (s *CallbackSpec) label() string {
	if s.Name != "" {
		return s.Name
	}
	return fmt.Sprintf("%s#%d", s.Slot, s.seq)
}

// run executes an action callback, recovering panics.
func (s *CallbackSpec) run(ctx Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action panic: %v", r)
		}
	}()

	return s.action(ctx)
}

// check evaluates a guard callback, recovering panics.
func (s *CallbackSpec) check(ctx Context) (result bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = false
			err = fmt.Errorf("guard panic: %v", r)
		}
	}()

	return s.guard(ctx)
}

// CallbackGroup holds the callbacks of one slot in execution order.
type CallbackGroup struct {
	slot     Slot
	declared []Callback
	specs    []*CallbackSpec
}

func newCallbackGroup(slot Slot) *CallbackGroup {
	return &CallbackGroup{slot: slot}
}

// Slot returns the slot served by the group.
func (g *CallbackGroup) Slot() Slot {
	return g.slot
}

// Len returns the number of resolved callbacks.
func (g *CallbackGroup) Len() int {
	if g == nil {
		return 0
	}
	return len(g.specs)
}

// Specs returns the resolved callbacks in execution order.
func (g *CallbackGroup) Specs() []*CallbackSpec {
	if g == nil {
		return nil
	}
	out := make([]*CallbackSpec, len(g.specs))
	copy(out, g.specs)
	return out
}

// Names returns the names of declared named callbacks, used when describing
// the graph.
func (g *CallbackGroup) Names() []string {
	if g == nil {
		return nil
	}
	var names []string
	for _, cb := range g.declared {
		if cb.name != "" {
			names = append(names, cb.name)
		}
	}
	return names
}

func (g *CallbackGroup) declare(cbs ...Callback) {
	for _, cb := range cbs {
		if !cb.isZero() {
			g.declared = append(g.declared, cb)
		}
	}
}

func (g *CallbackGroup) clone() *CallbackGroup {
	if g == nil {
		return nil
	}
	c := &CallbackGroup{slot: g.slot}
	c.declared = append(c.declared, g.declared...)
	c.specs = append(c.specs, g.specs...)
	return c
}

// resolve turns the declared callbacks into specs. Convention callbacks are
// appended separately by addConvention.
func (g *CallbackGroup) resolve(reg *Registry) error {
	g.specs = nil
	for _, cb := range g.declared {
		spec, err := resolveCallback(cb, g.slot, reg)
		if err != nil {
			return err
		}
		g.add(spec)
	}
	return nil
}

func (g *CallbackGroup) addConvention(name string, priority int, action ActionFunc) {
	g.add(&CallbackSpec{
		Slot:       g.slot,
		Name:       name,
		Priority:   priority,
		Convention: true,
		action:     action,
	})
}

func (g *CallbackGroup) add(spec *CallbackSpec) {
	spec.seq = len(g.specs)
	g.specs = append(g.specs, spec)
}

// sort puts every explicit callback before the convention ones, whatever
// their priority, then orders by ascending priority and declaration order.
func (g *CallbackGroup) sort() {
	sort.SliceStable(g.specs, func(i, j int) bool {
		a, b := g.specs[i], g.specs[j]
		if a.Convention != b.Convention {
			return !a.Convention
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.seq < b.seq
	})
}

// runAll executes every action in order and stops at the first failure.
func (g *CallbackGroup) runAll(ctx Context, notify func(spec *CallbackSpec)) (*CallbackSpec, error) {
	if g == nil {
		return nil, nil
	}
	for _, spec := range g.specs {
		if notify != nil {
			notify(spec)
		}
		if err := spec.run(ctx); err != nil {
			return spec, err
		}
	}
	return nil, nil
}
