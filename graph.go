package fsm

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/samuel-1-avson/fsm/pkg/graphdesc"
)

// Graph is a built, immutable state graph. It is safe to share between
// goroutines; every Start creates an independent Instance.
type Graph struct {
	name    string
	states  []*State
	byID    map[string]*State
	initial *State
	opts    *options
}

// Name returns the graph name
func (g *Graph) Name() string {
	return g.name
}

// States returns the states in declaration order
func (g *Graph) States() []*State {
	return slices.Clone(g.states)
}

// State returns a state by id
func (g *Graph) State(id string) (*State, bool) {
	s, ok := g.byID[id]
	return s, ok
}

// Initial returns the initial state
func (g *Graph) Initial() *State {
	return g.initial
}

// Events returns every event name used by the graph, sorted
func (g *Graph) Events() []string {
	seen := make(map[string]struct{})
	for _, s := range g.states {
		for _, t := range s.transitions {
			for _, ev := range t.events {
				seen[ev] = struct{}{}
			}
		}
	}
	events := make([]string, 0, len(seen))
	for ev := range seen {
		events = append(events, ev)
	}
	sort.Strings(events)
	return events
}

func (g *Graph) transitionCount() int {
	n := 0
	for _, s := range g.states {
		n += len(s.transitions)
	}
	return n
}

// Describe returns the serializable description of the graph. Callbacks
// are described by name; unnamed function callbacks are omitted. Several
// names in one slot are joined with a space, which only BuildMachine with
// WithSplitReferences reads back as separate references.
func (g *Graph) Describe() *graphdesc.Description {
	d := &graphdesc.Description{Name: g.name}
	for _, s := range g.states {
		spec := graphdesc.StateSpec{
			ID:           s.id,
			Name:         s.name,
			IsInitial:    s.initial,
			IsFinal:      s.final,
			EntryAction:  strings.Join(s.entry.Names(), " "),
			ExitAction:   strings.Join(s.exit.Names(), " "),
			DuringAction: strings.Join(s.during.Names(), " "),
		}
		if s.sub != nil {
			spec.IsSuperstate = true
			spec.SubMachine = s.sub.Describe()
		}
		d.States = append(d.States, spec)
	}
	for _, s := range g.states {
		for _, t := range s.transitions {
			d.Transitions = append(d.Transitions, graphdesc.TransitionSpec{
				Source:    t.source.id,
				Target:    t.target.id,
				Event:     strings.Join(t.events, " "),
				Condition: strings.Join(t.groups[SlotCond].Names(), " "),
				Unless:    strings.Join(t.groups[SlotUnless].Names(), " "),
				Action:    strings.Join(t.groups[SlotOn].Names(), " "),
				Internal:  t.internal,
			})
		}
	}
	return d
}

// Start creates an instance in the initial state. Unless disabled with
// WithInitialEntry(false), the initial state's entry callbacks run first;
// then any event-less transitions that hold are taken.
func (g *Graph) Start(ctx context.Context, vars map[string]any, opts ...StartOption) (*Instance, error) {
	inst := newInstance(g, vars, opts...)
	if err := inst.start(ctx); err != nil {
		return inst, err
	}
	return inst, nil
}

// BuildMachine builds a graph from a serializable description. Every
// action and condition field is one reference resolved against reg, unless
// WithSplitReferences is given. Entry and exit actions are bound to their
// states. A state with a submachine description becomes a superstate whose
// submachine is built with the same registry and options.
func BuildMachine(desc *graphdesc.Description, reg *Registry, opts ...Option) (*Graph, error) {
	if desc == nil {
		return nil, NewDefinitionError("description", "description cannot be nil")
	}

	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	refs := func(field string) []Callback {
		return references(field, o.splitReferences)
	}

	b := NewBuilder(desc.Name, append([]Option{WithRegistry(reg)}, opts...)...)
	for _, spec := range desc.States {
		var stateOpts []StateOption
		if spec.Name != "" {
			stateOpts = append(stateOpts, DisplayName(spec.Name))
		}
		if spec.IsInitial {
			stateOpts = append(stateOpts, Initial())
		}
		if spec.IsFinal {
			stateOpts = append(stateOpts, Final())
		}
		if spec.HasSubMachine() {
			sub := *spec.SubMachine
			if sub.Name == "" {
				sub.Name = spec.Key()
			}
			g, err := BuildMachine(&sub, reg, opts...)
			if err != nil {
				b.fail(fmt.Errorf("submachine of state %s: %w", spec.Key(), err))
			} else {
				stateOpts = append(stateOpts, SubMachine(g))
			}
		}

		s := b.State(spec.Key(), stateOpts...)
		s.OnEnter(refs(spec.EntryAction)...)
		s.OnExit(refs(spec.ExitAction)...)
		s.During(refs(spec.DuringAction)...)
	}

	for _, spec := range desc.Transitions {
		src, ok := b.Lookup(spec.Source)
		if !ok {
			b.fail(NewDefinitionError("transition "+spec.Source+" -> "+spec.Target, "unknown source state"))
			continue
		}
		dst, ok := b.Lookup(spec.Target)
		if !ok {
			b.fail(NewDefinitionError("transition "+spec.Source+" -> "+spec.Target, "unknown target state"))
			continue
		}

		list := src.To(dst).
			On(spec.Event).
			When(refs(spec.Condition)...).
			Unless(refs(spec.Unless)...).
			Do(refs(spec.Action)...)
		if spec.Internal {
			list.Internal()
		}
	}

	return b.Build()
}

// references turns a description field into named callbacks. Surrounding
// whitespace is never part of a name.
func references(field string, split bool) []Callback {
	if split {
		var cbs []Callback
		for _, name := range strings.Fields(field) {
			cbs = append(cbs, Named(name))
		}
		return cbs
	}
	if ref := strings.TrimSpace(field); ref != "" {
		return []Callback{Named(ref)}
	}
	return nil
}
