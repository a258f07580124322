package fsm

import "sort"

// Registry is the host's method table. Named callbacks and naming
// conventions are resolved against it once, when the graph is built.
type Registry struct {
	actions map[string]ActionFunc
	guards  map[string]GuardErrFunc
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		actions: make(map[string]ActionFunc),
		guards:  make(map[string]GuardErrFunc),
	}
}

// Action registers an action under name. Like a nil guard, a nil action
// leaves the name unresolvable.
func (r *Registry) Action(name string, fn ActionFunc) *Registry {
	r.actions[name] = fn
	return r
}

// Guard registers a boolean guard under name. A nil guard leaves the name
// unresolvable, so building a graph that references it fails.
func (r *Registry) Guard(name string, fn GuardFunc) *Registry {
	if fn == nil {
		r.guards[name] = nil
		return r
	}
	r.guards[name] = func(ctx Context) (bool, error) { return fn(ctx), nil }
	return r
}

// GuardE registers a fallible guard under name
func (r *Registry) GuardE(name string, fn GuardErrFunc) *Registry {
	r.guards[name] = fn
	return r
}

// Names returns every registered name, sorted.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(r.actions)+len(r.guards))
	for name := range r.actions {
		seen[name] = struct{}{}
	}
	for name := range r.guards {
		seen[name] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) lookupAction(name string) (ActionFunc, bool) {
	if r == nil {
		return nil, false
	}
	fn, ok := r.actions[name]
	return fn, ok && fn != nil
}

func (r *Registry) lookupGuard(name string) (GuardErrFunc, bool) {
	if r == nil {
		return nil, false
	}
	fn, ok := r.guards[name]
	return fn, ok && fn != nil
}

// Convention names looked up in the registry at build time.
const (
	conventionEnterPrefix      = "on_enter_"
	conventionExitPrefix       = "on_exit_"
	conventionDuringPrefix     = "during_"
	conventionBeforePrefix     = "before_"
	conventionOnPrefix         = "on_"
	conventionAfterPrefix      = "after_"
	conventionEnterState       = "on_enter_state"
	conventionExitState        = "on_exit_state"
	conventionBeforeTransition = "before_transition"
	conventionOnTransition     = "on_transition"
	conventionAfterTransition  = "after_transition"
)

// bindConventions attaches convention callbacks to every state and
// transition of the graph.
func (r *Registry) bindConventions(states []*State) {
	if r == nil {
		return
	}
	for _, s := range states {
		r.bindState(s.entry, conventionEnterPrefix+s.id, conventionEnterState)
		r.bindState(s.exit, conventionExitPrefix+s.id, conventionExitState)
		if fn, ok := r.lookupAction(conventionDuringPrefix + s.id); ok {
			s.during.addConvention(conventionDuringPrefix+s.id, PriorityConvention, fn)
		}

		for _, t := range s.transitions {
			r.bindTransition(t.groups[SlotBefore], conventionBeforePrefix, conventionBeforeTransition, t.events)
			r.bindTransition(t.groups[SlotOn], conventionOnPrefix, conventionOnTransition, t.events)
			r.bindTransition(t.groups[SlotAfter], conventionAfterPrefix, conventionAfterTransition, t.events)
		}
	}
}

func (r *Registry) bindState(g *CallbackGroup, specific, generic string) {
	if fn, ok := r.lookupAction(specific); ok {
		g.addConvention(specific, PriorityConvention, fn)
	}
	if fn, ok := r.lookupAction(generic); ok {
		g.addConvention(generic, PriorityConvention+1, fn)
	}
}

func (r *Registry) bindTransition(g *CallbackGroup, prefix, generic string, events []string) {
	for _, ev := range events {
		name := prefix + ev
		if fn, ok := r.lookupAction(name); ok {
			g.addConvention(name, PriorityConvention, fn)
		}
	}
	if fn, ok := r.lookupAction(generic); ok {
		g.addConvention(generic, PriorityConvention+1, fn)
	}
}
