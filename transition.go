package fsm

import (
	"fmt"
	"slices"
	"strings"
)

var transitionSlots = []Slot{SlotValidators, SlotBefore, SlotCond, SlotUnless, SlotOn, SlotAfter}

// Transition is one edge of the graph: a source, a target, the events that
// trigger it, its guards and its ordered actions. A transition with no
// events is event-less and is tried automatically after every commit.
type Transition struct {
	source   *State
	target   *State
	events   []string
	internal bool
	groups   map[Slot]*CallbackGroup
}

// TransitionOption configures a transition built with NewTransition or
// CopyWith
type TransitionOption func(*Transition)

// WithEvents sets the triggering events. Each argument may hold several
// space-separated aliases.
func WithEvents(events ...string) TransitionOption {
	return func(t *Transition) {
		t.events = splitEvents(events...)
	}
}

// WithInternal marks the transition as internal
func WithInternal(internal bool) TransitionOption {
	return func(t *Transition) {
		t.internal = internal
	}
}

// WithSource overrides the source state
func WithSource(source *State) TransitionOption {
	return func(t *Transition) {
		t.source = source
	}
}

// WithTarget overrides the target state
func WithTarget(target *State) TransitionOption {
	return func(t *Transition) {
		t.target = target
	}
}

// WithCallbacks replaces the callbacks of one transition slot
func WithCallbacks(slot Slot, cbs ...Callback) TransitionOption {
	return func(t *Transition) {
		g, ok := t.groups[slot]
		if !ok {
			return
		}
		fresh := newCallbackGroup(g.slot)
		fresh.declare(cbs...)
		t.groups[slot] = fresh
	}
}

// NewTransition creates a transition from source to target. It fails with a
// definition error when an internal transition leaves its source.
func NewTransition(source, target *State, opts ...TransitionOption) (*Transition, error) {
	t := &Transition{
		source: source,
		target: target,
		groups: make(map[Slot]*CallbackGroup, len(transitionSlots)),
	}
	for _, slot := range transitionSlots {
		t.groups[slot] = newCallbackGroup(slot)
	}
	for _, opt := range opts {
		opt(t)
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Transition) validate() error {
	if t.target == nil {
		return NewDefinitionError("transition", "target state cannot be nil")
	}
	if t.source == nil {
		return NewDefinitionError("transition", "source state cannot be nil")
	}
	if t.internal && t.source != t.target {
		return NewDefinitionError(t.String(), "internal transition must have identical source and target")
	}
	return nil
}

// CopyWith returns a structurally independent copy of the transition with
// the given overrides applied. Callback specs are shared unless overridden.
func (t *Transition) CopyWith(opts ...TransitionOption) (*Transition, error) {
	c := t.clone()
	for _, opt := range opts {
		opt(c)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (t *Transition) clone() *Transition {
	c := &Transition{
		source:   t.source,
		target:   t.target,
		events:   slices.Clone(t.events),
		internal: t.internal,
		groups:   make(map[Slot]*CallbackGroup, len(t.groups)),
	}
	for slot, g := range t.groups {
		c.groups[slot] = g.clone()
	}
	return c
}

// Matches reports whether the event triggers this transition. The empty
// event name only matches event-less transitions.
func (t *Transition) Matches(event string) bool {
	if event == "" {
		return len(t.events) == 0
	}
	return slices.Contains(t.events, event)
}

// Source returns the source state
func (t *Transition) Source() *State {
	return t.source
}

// Target returns the target state
func (t *Transition) Target() *State {
	return t.target
}

// Events returns the event aliases
func (t *Transition) Events() []string {
	return slices.Clone(t.events)
}

// Internal reports whether entry and exit callbacks are skipped
func (t *Transition) Internal() bool {
	return t.internal
}

// IsEventless reports whether the transition has no triggering event
func (t *Transition) IsEventless() bool {
	return len(t.events) == 0
}

// IsSelf reports whether source and target are the same state
func (t *Transition) IsSelf() bool {
	return t.source == t.target
}

// Callbacks returns the callback group for a slot, nil for slots a
// transition does not have
func (t *Transition) Callbacks(slot Slot) *CallbackGroup {
	return t.groups[slot]
}

func (t *Transition) String() string {
	src, dst := "*", "?"
	if t.source != nil {
		src = t.source.id
	}
	if t.target != nil {
		dst = t.target.id
	}
	if len(t.events) == 0 {
		return fmt.Sprintf("%s -> %s (event-less)", src, dst)
	}
	return fmt.Sprintf("%s -> %s on %s", src, dst, strings.Join(t.events, "|"))
}

func splitEvents(events ...string) []string {
	var out []string
	for _, e := range events {
		for _, name := range strings.Fields(e) {
			if !slices.Contains(out, name) {
				out = append(out, name)
			}
		}
	}
	return out
}

// TransitionList is the set of transitions produced by one declaration. Its
// methods apply to every member, so a declaration to several targets keeps
// identical guards and actions unless a member is overridden through For.
type TransitionList struct {
	owner *Builder
	items []*Transition
}

func newTransitionList(owner *Builder, items ...*Transition) *TransitionList {
	return &TransitionList{owner: owner, items: items}
}

func (l *TransitionList) mutate(fn func(t *Transition)) *TransitionList {
	if l.owner != nil && l.owner.sealed {
		panic(NewDefinitionError("transition", "graph already built, transitions are immutable"))
	}
	for _, t := range l.items {
		fn(t)
	}
	return l
}

// On sets the triggering events
func (l *TransitionList) On(events ...string) *TransitionList {
	names := splitEvents(events...)
	return l.mutate(func(t *Transition) {
		t.events = slices.Clone(names)
	})
}

// When adds cond guards. All of them must hold.
func (l *TransitionList) When(cbs ...Callback) *TransitionList {
	return l.addCallbacks(SlotCond, cbs)
}

// Unless adds unless guards. None of them may hold.
func (l *TransitionList) Unless(cbs ...Callback) *TransitionList {
	return l.addCallbacks(SlotUnless, cbs)
}

// Validate adds validators, run first and able to abort the transition
func (l *TransitionList) Validate(cbs ...Callback) *TransitionList {
	return l.addCallbacks(SlotValidators, cbs)
}

// Before adds callbacks run before the source is exited
func (l *TransitionList) Before(cbs ...Callback) *TransitionList {
	return l.addCallbacks(SlotBefore, cbs)
}

// Do adds the transition's own actions
func (l *TransitionList) Do(cbs ...Callback) *TransitionList {
	return l.addCallbacks(SlotOn, cbs)
}

// After adds callbacks run once the target has been entered
func (l *TransitionList) After(cbs ...Callback) *TransitionList {
	return l.addCallbacks(SlotAfter, cbs)
}

func (l *TransitionList) addCallbacks(slot Slot, cbs []Callback) *TransitionList {
	return l.mutate(func(t *Transition) {
		t.groups[slot].declare(cbs...)
	})
}

// Internal marks every member internal. Members whose target differs from
// their source are reported as definition errors when the graph is built.
func (l *TransitionList) Internal() *TransitionList {
	return l.mutate(func(t *Transition) {
		if t.source == nil || t.source != t.target {
			l.owner.fail(NewDefinitionError(t.String(), "internal transition must have identical source and target"))
			return
		}
		t.internal = true
	})
}

// For returns the members targeting the given state, for per-target overrides
func (l *TransitionList) For(target *State) *TransitionList {
	sub := newTransitionList(l.owner)
	for _, t := range l.items {
		if t.target == target {
			sub.items = append(sub.items, t)
		}
	}
	return sub
}

// Union combines lists so several declarations can share one event
// registration. Duplicates are dropped.
func (l *TransitionList) Union(others ...*TransitionList) *TransitionList {
	out := newTransitionList(l.owner, slices.Clone(l.items)...)
	for _, o := range others {
		for _, t := range o.items {
			if !slices.Contains(out.items, t) {
				out.items = append(out.items, t)
			}
		}
	}
	return out
}

// Transitions returns the members of the list
func (l *TransitionList) Transitions() []*Transition {
	return slices.Clone(l.items)
}

// Len returns the number of members
func (l *TransitionList) Len() int {
	return len(l.items)
}
