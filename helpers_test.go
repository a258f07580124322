package fsm

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestObserver captures every observer notification
type TestObserver struct {
	mutex        sync.RWMutex
	Transitions  []TransitionEvent
	StateEnters  []string
	StateExits   []string
	EventRejects []string
	Errors       []error
	Actions      []string
	Guards       []GuardEvent
	Started      int
	Resets       int
}

type TransitionEvent struct {
	From  string
	To    string
	Event string
}

type GuardEvent struct {
	Transition string
	Result     bool
}

func NewTestObserver() *TestObserver {
	return &TestObserver{}
}

func (o *TestObserver) OnTransition(from string, to string, event *Event, ctx Context) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	name := ""
	if event != nil {
		name = event.Name
	}
	o.Transitions = append(o.Transitions, TransitionEvent{From: from, To: to, Event: name})
}

func (o *TestObserver) OnStateEnter(state string, ctx Context) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.StateEnters = append(o.StateEnters, state)
}

func (o *TestObserver) OnStateExit(state string, ctx Context) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.StateExits = append(o.StateExits, state)
}

func (o *TestObserver) OnGuardEvaluation(t *Transition, event *Event, result bool, ctx Context) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.Guards = append(o.Guards, GuardEvent{Transition: t.String(), Result: result})
}

func (o *TestObserver) OnEventRejected(event *Event, reason string, ctx Context) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.EventRejects = append(o.EventRejects, event.Name)
}

func (o *TestObserver) OnError(err error, ctx Context) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.Errors = append(o.Errors, err)
}

func (o *TestObserver) OnActionExecution(spec *CallbackSpec, state string, event *Event, ctx Context) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.Actions = append(o.Actions, spec.Name)
}

func (o *TestObserver) OnInstanceStarted(ctx Context) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.Started++
}

func (o *TestObserver) OnInstanceReset(ctx Context) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.Resets++
}

func (o *TestObserver) TransitionCount() int {
	o.mutex.RLock()
	defer o.mutex.RUnlock()
	return len(o.Transitions)
}

func (o *TestObserver) LastTransition() *TransitionEvent {
	o.mutex.RLock()
	defer o.mutex.RUnlock()
	if len(o.Transitions) == 0 {
		return nil
	}
	return &o.Transitions[len(o.Transitions)-1]
}

// callLog records callback invocations in order
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) record(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, name)
}

func (l *callLog) Calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = nil
}

// action returns a named callback that records its name
func (l *callLog) action(name string) Callback {
	return Action(func(ctx Context) error {
		l.record(name)
		return nil
	}).WithName(name)
}

// failing returns a named callback that records its name and fails
func (l *callLog) failing(name string, err error) Callback {
	return Action(func(ctx Context) error {
		l.record(name)
		return err
	}).WithName(name)
}

// guard returns a named guard that records its name and answers result
func (l *callLog) guard(name string, result bool) Callback {
	return Guard(func(ctx Context) bool {
		l.record(name)
		return result
	}).WithName(name)
}

var errBoom = errors.New("boom")

// startInstance builds the graph and starts an instance, failing the test
// on any error
func startInstance(t *testing.T, b *Builder, vars map[string]any, opts ...StartOption) *Instance {
	t.Helper()
	g, err := b.Build()
	require.NoError(t, err)
	inst, err := g.Start(context.Background(), vars, opts...)
	require.NoError(t, err)
	return inst
}

// AssertState checks the instance is in the expected state
func AssertState(t *testing.T, inst *Instance, expected string) {
	t.Helper()
	require.Equal(t, expected, inst.CurrentStateID(), "unexpected current state")
}

// createSimpleGraph is idle -start-> running -stop-> stopped -reset-> idle
func createSimpleGraph(opts ...Option) *Builder {
	b := NewBuilder("simple", opts...)
	idle := b.State("idle", Initial())
	running := b.State("running")
	stopped := b.State("stopped")
	idle.To(running).On("start")
	running.To(stopped).On("stop")
	stopped.To(idle).On("reset")
	return b
}
