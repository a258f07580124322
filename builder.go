package fsm

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Builder collects state and transition declarations and builds them into
// an immutable Graph. Declaration errors are collected and reported by
// Build, so a fluent chain never has to stop to check an error.
type Builder struct {
	name      string
	opts      []Option
	states    []*State
	byID      map[string]*State
	wildcards []*Transition
	errs      []error
	sealed    bool
	graph     *Graph
}

// NewBuilder creates a builder for a graph with the given name
func NewBuilder(name string, opts ...Option) *Builder {
	return &Builder{
		name: name,
		opts: opts,
		byID: make(map[string]*State),
	}
}

// State declares a state. An empty id is derived from the DisplayName
// option. Declaring the same id twice is a definition error.
func (b *Builder) State(id string, opts ...StateOption) *State {
	if b.sealed {
		panic(NewDefinitionError("builder "+b.name, "graph already built, cannot declare states"))
	}

	s := newState(b, id)
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			b.fail(err)
		}
	}
	if s.id == "" {
		s.id = deriveID(s.name)
	}
	if s.id == "" {
		b.fail(NewDefinitionError("state", "state id cannot be empty"))
		return s
	}
	if _, exists := b.byID[s.id]; exists {
		b.fail(NewDefinitionError(s.label(), "state identifier collision"))
		return s
	}

	b.byID[s.id] = s
	b.states = append(b.states, s)
	return s
}

// Lookup returns a declared state by id
func (b *Builder) Lookup(id string) (*State, bool) {
	s, ok := b.byID[id]
	return s, ok
}

// Configure applies further options to an already declared state.
// Rebinding its name or value to something else is a definition error.
func (b *Builder) Configure(id string, opts ...StateOption) *State {
	s, ok := b.byID[id]
	if !ok {
		b.fail(NewDefinitionError("state "+id, "state not declared"))
		return newState(b, id)
	}
	s.checkMutable()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			b.fail(err)
		}
	}
	return s
}

func (b *Builder) fail(err error) {
	if err != nil {
		b.errs = append(b.errs, err)
	}
}

// Build validates the declarations and produces the graph. Every
// definition problem found is returned, joined into one error. Building
// twice returns the same graph.
func (b *Builder) Build() (*Graph, error) {
	if b.sealed {
		return b.graph, nil
	}
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}

	if err := b.checkInitial(); err != nil {
		return nil, err
	}
	if err := b.checkOwnership(); err != nil {
		return nil, err
	}
	b.expandWildcards()
	if err := b.checkFinal(); err != nil {
		return nil, err
	}

	o := defaultOptions()
	for _, opt := range b.opts {
		if opt != nil {
			opt(o)
		}
	}

	if err := b.resolve(o.registry); err != nil {
		return nil, err
	}
	o.registry.bindConventions(b.states)
	b.sortGroups()

	var initial *State
	for i, s := range b.states {
		s.index = i
		if s.initial {
			initial = s
		}
	}

	b.sealed = true
	b.graph = &Graph{
		name:    b.name,
		states:  slices.Clone(b.states),
		byID:    b.byID,
		initial: initial,
		opts:    o,
	}

	o.logger.Debug("graph built",
		"graph", b.name,
		"states", len(b.states),
		"transitions", b.graph.transitionCount(),
	)
	return b.graph, nil
}

// MustBuild is like Build but panics on definition errors
func (b *Builder) MustBuild() *Graph {
	g, err := b.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build graph %s: %v", b.name, err))
	}
	return g
}

func (b *Builder) checkInitial() error {
	var initials []string
	for _, s := range b.states {
		if s.initial {
			initials = append(initials, s.id)
		}
	}
	switch len(initials) {
	case 1:
		return nil
	case 0:
		return NewDefinitionError("graph "+b.name, "no initial state defined")
	default:
		return NewDefinitionError("graph "+b.name, "multiple initial states: "+strings.Join(initials, ", "))
	}
}

func (b *Builder) checkOwnership() error {
	var errs []error
	for _, s := range b.states {
		for _, t := range s.transitions {
			if t.target.owner != b || b.byID[t.target.id] != t.target {
				errs = append(errs, NewDefinitionError(t.String(), "target state is not declared in this graph"))
			}
		}
	}
	for _, w := range b.wildcards {
		if w.target.owner != b || b.byID[w.target.id] != w.target {
			errs = append(errs, NewDefinitionError(w.String(), "target state is not declared in this graph"))
		}
	}
	return errors.Join(errs...)
}

// expandWildcards turns every FromAny declaration into concrete transitions
// from each other non-final state lacking a transition for its events.
func (b *Builder) expandWildcards() {
	for _, w := range b.wildcards {
		for _, s := range b.states {
			if s == w.target || s.final {
				continue
			}

			var opts []TransitionOption
			if len(w.events) == 0 {
				if slices.ContainsFunc(s.transitions, (*Transition).IsEventless) {
					continue
				}
			} else {
				missing := s.missingEvents(w.events)
				if len(missing) == 0 {
					continue
				}
				opts = append(opts, WithEvents(missing...))
			}

			t, err := w.CopyWith(append(opts, WithSource(s))...)
			if err != nil {
				b.fail(err)
				continue
			}
			s.transitions = append(s.transitions, t)
		}
	}
	b.wildcards = nil
}

func (s *State) missingEvents(events []string) []string {
	var missing []string
	for _, ev := range events {
		handled := slices.ContainsFunc(s.transitions, func(t *Transition) bool {
			return t.Matches(ev)
		})
		if !handled {
			missing = append(missing, ev)
		}
	}
	return missing
}

func (b *Builder) checkFinal() error {
	var errs []error
	errs = append(errs, b.errs...)
	for _, s := range b.states {
		if s.final && len(s.transitions) > 0 {
			errs = append(errs, NewDefinitionError(s.label(), "final state cannot have outgoing transitions"))
		}
	}
	return errors.Join(errs...)
}

func (b *Builder) resolve(reg *Registry) error {
	var errs []error
	for _, s := range b.states {
		for _, g := range []*CallbackGroup{s.entry, s.exit, s.during} {
			if err := g.resolve(reg); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", s.label(), err))
			}
		}
		for _, t := range s.transitions {
			for _, slot := range transitionSlots {
				if err := t.groups[slot].resolve(reg); err != nil {
					errs = append(errs, fmt.Errorf("transition %s: %w", t, err))
				}
			}
		}
	}
	return errors.Join(errs...)
}

func (b *Builder) sortGroups() {
	for _, s := range b.states {
		s.entry.sort()
		s.exit.sort()
		s.during.sort()
		for _, t := range s.transitions {
			for _, g := range t.groups {
				g.sort()
			}
		}
	}
}
