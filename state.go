package fsm

import (
	"fmt"
	"slices"
	"strings"
	"unicode"
)

// State is a named node of the graph. It owns its outgoing transitions and
// its entry, exit and during callbacks. States are shared read-only by every
// instance once the graph is built.
type State struct {
	id       string
	name     string
	value    any
	hasValue bool
	initial  bool
	final    bool

	entry  *CallbackGroup
	exit   *CallbackGroup
	during *CallbackGroup
	sub    *Graph

	transitions []*Transition
	index       int
	owner       *Builder
}

// StateOption configures a state when it is declared
type StateOption func(*State) error

// Initial marks the state the machine starts in
func Initial() StateOption {
	return func(s *State) error {
		s.initial = true
		return nil
	}
}

// Final marks a terminal state. Final states have no outgoing transitions.
func Final() StateOption {
	return func(s *State) error {
		s.final = true
		return nil
	}
}

// DisplayName sets the human readable name. When the state is declared
// with an empty id, the id is derived from this name.
func DisplayName(name string) StateOption {
	return func(s *State) error {
		if s.name != "" && s.name != name {
			return NewDefinitionError(s.label(), fmt.Sprintf("name already bound to '%s'", s.name))
		}
		s.name = name
		return nil
	}
}

// WithValue attaches an external value used when the state is serialized
func WithValue(value any) StateOption {
	return func(s *State) error {
		if s.hasValue {
			return NewDefinitionError(s.label(), "value already bound")
		}
		s.value = value
		s.hasValue = true
		return nil
	}
}

// SubMachine makes the state a superstate. Entering it starts an instance
// of g, every dispatch and step taken in the state steps that instance,
// and leaving the state drops it.
func SubMachine(g *Graph) StateOption {
	return func(s *State) error {
		if g == nil {
			return NewDefinitionError(s.label(), "submachine graph cannot be nil")
		}
		if s.sub != nil && s.sub != g {
			return NewDefinitionError(s.label(), "submachine already bound")
		}
		s.sub = g
		return nil
	}
}

func newState(owner *Builder, id string) *State {
	return &State{
		id:     id,
		entry:  newCallbackGroup(SlotEntry),
		exit:   newCallbackGroup(SlotExit),
		during: newCallbackGroup(SlotDuring),
		index:  -1,
		owner:  owner,
	}
}

func (s *State) label() string {
	if s.id != "" {
		return "state " + s.id
	}
	if s.name != "" {
		return "state " + s.name
	}
	return "state"
}

func (s *State) sealed() bool {
	return s.owner != nil && s.owner.sealed
}

func (s *State) checkMutable() {
	if s.sealed() {
		panic(NewDefinitionError(s.label(), "graph already built, states are immutable"))
	}
}

// ID returns the state identifier
func (s *State) ID() string {
	return s.id
}

// Name returns the display name, defaulting to the id
func (s *State) Name() string {
	if s.name == "" {
		return s.id
	}
	return s.name
}

// Value returns the external value, defaulting to the id
func (s *State) Value() any {
	if !s.hasValue {
		return s.id
	}
	return s.value
}

// IsInitial reports whether the machine starts in this state
func (s *State) IsInitial() bool {
	return s.initial
}

// IsFinal reports whether this is a terminal state
func (s *State) IsFinal() bool {
	return s.final
}

// IsSuperstate reports whether the state runs a submachine
func (s *State) IsSuperstate() bool {
	return s.sub != nil
}

// SubMachine returns the graph run while the state is active, nil for
// plain states
func (s *State) SubMachine() *Graph {
	return s.sub
}

// Transitions returns the outgoing transitions in declaration order
func (s *State) Transitions() []*Transition {
	return slices.Clone(s.transitions)
}

// Entry returns the entry callbacks
func (s *State) Entry() *CallbackGroup {
	return s.entry
}

// Exit returns the exit callbacks
func (s *State) Exit() *CallbackGroup {
	return s.exit
}

// DuringActions returns the callbacks run at the start of every step
// taken while this state is active
func (s *State) DuringActions() *CallbackGroup {
	return s.during
}

// OnEnter adds entry callbacks
func (s *State) OnEnter(cbs ...Callback) *State {
	s.checkMutable()
	s.entry.declare(cbs...)
	return s
}

// OnExit adds exit callbacks
func (s *State) OnExit(cbs ...Callback) *State {
	s.checkMutable()
	s.exit.declare(cbs...)
	return s
}

// During adds callbacks run at the start of every dispatch and step taken
// while this state is active
func (s *State) During(cbs ...Callback) *State {
	s.checkMutable()
	s.during.declare(cbs...)
	return s
}

// To declares one transition per target from this state.
func (s *State) To(targets ...*State) *TransitionList {
	s.checkMutable()
	list := newTransitionList(s.owner)
	if s.final {
		s.owner.fail(NewDefinitionError(s.label(), "final state cannot have outgoing transitions"))
		return list
	}
	if len(targets) == 0 {
		s.owner.fail(NewDefinitionError(s.label(), "transition declared without a target"))
		return list
	}

	for _, target := range targets {
		t, err := NewTransition(s, target)
		if err != nil {
			s.owner.fail(err)
			continue
		}
		s.transitions = append(s.transitions, t)
		list.items = append(list.items, t)
	}
	return list
}

// ToItself declares a self-transition. Combine with Internal to skip the
// state's entry and exit callbacks.
func (s *State) ToItself() *TransitionList {
	return s.To(s)
}

// From declares a transition from each source into this state.
func (s *State) From(sources ...*State) *TransitionList {
	s.checkMutable()
	list := newTransitionList(s.owner)
	if len(sources) == 0 {
		s.owner.fail(NewDefinitionError(s.label(), "transition declared without a source"))
		return list
	}
	for _, src := range sources {
		if src == nil {
			s.owner.fail(NewDefinitionError(s.label(), "source state cannot be nil"))
			continue
		}
		list = list.Union(src.To(s))
	}
	return list
}

// FromAny declares a transition into this state from every other non-final
// state. The declaration is expanded when the graph is built, skipping
// states that already handle the event explicitly.
func (s *State) FromAny() *TransitionList {
	s.checkMutable()
	template := &Transition{
		target: s,
		groups: make(map[Slot]*CallbackGroup, len(transitionSlots)),
	}
	for _, slot := range transitionSlots {
		template.groups[slot] = newCallbackGroup(slot)
	}
	s.owner.wildcards = append(s.owner.wildcards, template)
	return newTransitionList(s.owner, template)
}

func (s *State) String() string {
	return s.id
}

// deriveID turns a display name into a lower snake case identifier
func deriveID(name string) string {
	var b strings.Builder
	underscore := false
	for _, r := range strings.TrimSpace(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
			underscore = false
			continue
		}
		if !underscore && b.Len() > 0 {
			b.WriteByte('_')
			underscore = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}
