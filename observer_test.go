package fsm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ ExtendedObserver = (*BaseObserver)(nil)
var _ ExtendedObserver = (*TestObserver)(nil)

// lifecycleObserver implements only the base Observer interface
type lifecycleObserver struct {
	enters []string
}

func (o *lifecycleObserver) OnTransition(from string, to string, event *Event, ctx Context) {}

func (o *lifecycleObserver) OnStateEnter(state string, ctx Context) {
	o.enters = append(o.enters, state)
}

func TestObserverManager_AddRemove(t *testing.T) {
	first := NewTestObserver()
	second := NewTestObserver()
	om := NewObserverManager(first, nil, second)
	assert.Equal(t, 2, om.Len())

	ctx := newCallbackContext(context.Background(), nil, nil, nil, nil)
	om.NotifyStateEnter("a", ctx)
	om.RemoveObserver(first)
	om.NotifyStateEnter("b", ctx)
	om.AddObserver(nil)

	assert.Equal(t, 1, om.Len())
	assert.Equal(t, []string{"a"}, first.StateEnters)
	assert.Equal(t, []string{"a", "b"}, second.StateEnters)
}

func TestObserverManager_BaseObserversSkipExtendedHooks(t *testing.T) {
	basic := &lifecycleObserver{}
	inst := startInstance(t, createSimpleGraph(WithObserver(basic)), nil)

	_, err := inst.TryDispatch(context.Background(), "missing", nil)
	require.NoError(t, err)
	_, err = inst.Dispatch(context.Background(), "start", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"idle", "running"}, basic.enters)
}

func TestObserverManager_PanicInOnErrorIsSwallowed(t *testing.T) {
	om := NewObserverManager(errorPanicker{NewTestObserver()})
	ctx := newCallbackContext(context.Background(), nil, nil, nil, nil)
	assert.NotPanics(t, func() { om.NotifyError(errBoom, ctx) })
}

type errorPanicker struct {
	*TestObserver
}

func (o errorPanicker) OnError(err error, ctx Context) {
	panic("again")
}
