package fsm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestDispatch_SimpleGraph(t *testing.T) {
	inst := startInstance(t, createSimpleGraph(), nil)
	ctx := context.Background()
	AssertState(t, inst, "idle")

	res, err := inst.Dispatch(ctx, "start", nil)
	require.NoError(t, err)
	assert.True(t, res.Committed)
	assert.True(t, res.StateChanged())
	assert.Equal(t, "idle", res.PreviousState)
	assert.Equal(t, "running", res.NewState)
	assert.Equal(t, "start", res.Event)
	assert.Equal(t, PhaseCommitted, res.Phase)
	require.NotNil(t, res.Transition)
	assert.Equal(t, "running", res.Transition.Target().ID())

	_, err = inst.Dispatch(ctx, "stop", nil)
	require.NoError(t, err)
	_, err = inst.Dispatch(ctx, "reset", nil)
	require.NoError(t, err)
	AssertState(t, inst, "idle")
}

func TestDispatch_RejectionModes(t *testing.T) {
	ctx := context.Background()

	t.Run("dispatch raises", func(t *testing.T) {
		inst := startInstance(t, createSimpleGraph(), nil)
		res, err := inst.Dispatch(ctx, "stop", nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.True(t, IsTransitionError(err))
		assert.Equal(t, ErrCodeTransitionNotAllowed, GetErrorCode(err))
		assert.Contains(t, err.Error(), "no transition for event 'stop' in current state 'idle'")
		assert.True(t, res.Rejected())
		assert.False(t, res.Committed)
		AssertState(t, inst, "idle")
	})

	t.Run("try dispatch reports", func(t *testing.T) {
		inst := startInstance(t, createSimpleGraph(), nil)
		res, err := inst.TryDispatch(ctx, "stop", nil)
		require.NoError(t, err)
		assert.True(t, res.Rejected())
		assert.False(t, res.Committed)
		assert.Equal(t, "idle", res.NewState)

		res, err = inst.TryDispatch(ctx, "start", nil)
		require.NoError(t, err)
		assert.True(t, res.Committed)
		AssertState(t, inst, "running")
	})

	t.Run("empty event name is refused in both modes", func(t *testing.T) {
		b := NewBuilder("eventless")
		a := b.State("a", Initial())
		c := b.State("c")
		a.To(c).When(Guard(func(ctx Context) bool {
			ready, _ := GetAs[bool](ctx, "ready")
			return ready
		}))
		inst := startInstance(t, b, nil)
		inst.Set("ready", true)

		res, err := inst.Dispatch(ctx, "", nil)
		require.ErrorIs(t, err, ErrInvalidTransition)
		assert.True(t, IsTransitionError(err))
		assert.True(t, res.Rejected())
		assert.False(t, res.Committed)

		res, err = inst.TryDispatch(ctx, "", nil)
		require.ErrorIs(t, err, ErrInvalidTransition)
		assert.False(t, res.Committed)
		assert.False(t, inst.CanDispatch(ctx, ""))
		AssertState(t, inst, "a")

		res, err = inst.Step(ctx)
		require.NoError(t, err)
		assert.True(t, res.Committed)
		AssertState(t, inst, "c")
	})
}

func TestDispatch_FirstMatchWins(t *testing.T) {
	log := &callLog{}
	b := NewBuilder("first")
	a := b.State("a", Initial())
	x := b.State("x")
	y := b.State("y")
	z := b.State("z")
	a.To(x).On("go").When(log.guard("to_x", false))
	a.To(y).On("go").When(log.guard("to_y", true))
	a.To(z).On("go").When(log.guard("to_z", true))

	for range 3 {
		g, err := b.Build()
		require.NoError(t, err)
		inst, err := g.Start(context.Background(), nil)
		require.NoError(t, err)
		log.Reset()

		res, err := inst.Dispatch(context.Background(), "go", nil)
		require.NoError(t, err)
		assert.Equal(t, "y", res.NewState)
		assert.Equal(t, []string{"to_x", "to_y"}, log.Calls())
	}
}

func TestDispatch_GuardSemantics(t *testing.T) {
	ctx := context.Background()

	t.Run("cond short circuits", func(t *testing.T) {
		log := &callLog{}
		b := NewBuilder("cond")
		a := b.State("a", Initial())
		c := b.State("c")
		a.To(c).On("go").When(log.guard("first", false), log.guard("second", true))

		inst := startInstance(t, b, nil)
		res, err := inst.TryDispatch(ctx, "go", nil)
		require.NoError(t, err)
		assert.True(t, res.Rejected())
		assert.Equal(t, []string{"first"}, log.Calls())
	})

	t.Run("unless blocks on true", func(t *testing.T) {
		log := &callLog{}
		b := NewBuilder("unless")
		a := b.State("a", Initial())
		c := b.State("c")
		a.To(c).On("go").When(log.guard("cond", true)).Unless(log.guard("blocked", true), log.guard("never", false))

		inst := startInstance(t, b, nil)
		res, err := inst.TryDispatch(ctx, "go", nil)
		require.NoError(t, err)
		assert.True(t, res.Rejected())
		assert.Equal(t, []string{"cond", "blocked"}, log.Calls())
	})

	t.Run("guards see the payload", func(t *testing.T) {
		b := NewBuilder("payload")
		a := b.State("a", Initial())
		c := b.State("c")
		a.To(c).On("go").When(Guard(func(ctx Context) bool {
			n, ok := GetEventDataAs[int](ctx)
			return ok && n > 10
		}))

		inst := startInstance(t, b, nil)
		res, err := inst.TryDispatch(ctx, "go", 3)
		require.NoError(t, err)
		assert.True(t, res.Rejected())
		_, err = inst.Dispatch(ctx, "go", 11)
		require.NoError(t, err)
		AssertState(t, inst, "c")
	})

	t.Run("guard error aborts", func(t *testing.T) {
		log := &callLog{}
		b := NewBuilder("guard-error")
		a := b.State("a", Initial())
		c := b.State("c")
		a.To(c).On("go").
			When(GuardE(func(ctx Context) (bool, error) { return false, errBoom }).WithName("broken")).
			Do(log.action("never"))

		inst := startInstance(t, b, nil)
		res, err := inst.Dispatch(ctx, "go", nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrGuardFailed)
		assert.ErrorIs(t, err, errBoom)
		assert.True(t, IsGuardError(err))
		assert.Equal(t, PhaseAborted, res.Phase)
		assert.False(t, res.Committed)
		assert.Empty(t, log.Calls())
		AssertState(t, inst, "a")
	})
}

func TestDispatch_PipelineOrder(t *testing.T) {
	log := &callLog{}
	b := NewBuilder("pipeline")
	a := b.State("a", Initial()).OnExit(log.action("exit_a"))
	c := b.State("c").OnEnter(log.action("enter_c"))
	a.To(c).On("go").
		When(log.guard("cond", true)).
		Unless(log.guard("unless", false)).
		Validate(log.action("validate")).
		Before(log.action("before")).
		Do(log.action("on")).
		After(log.action("after"))

	inst := startInstance(t, b, nil)
	_, err := inst.Dispatch(context.Background(), "go", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"cond", "unless", "validate", "before", "exit_a", "on", "enter_c", "after"}, log.Calls())
}

func TestDispatch_CallbacksSeeTransition(t *testing.T) {
	b := NewBuilder("context")
	a := b.State("a", Initial())
	c := b.State("c")

	var seen []string
	a.To(c).On("go").Do(Action(func(ctx Context) error {
		seen = append(seen, ctx.EventName(), ctx.Source().ID(), ctx.Target().ID(), ctx.Instance().CurrentStateID())
		ctx.Set("visited", true)
		return nil
	}))

	inst := startInstance(t, b, nil)
	_, err := inst.Dispatch(context.Background(), "go", nil)
	require.NoError(t, err)
	// on actions run before the commit
	assert.Equal(t, []string{"go", "a", "c", "a"}, seen)
	v, ok := inst.Get("visited")
	require.True(t, ok)
	assert.Equal(t, true, v)
}

func TestDispatch_InternalTransitionSkipsEntryExit(t *testing.T) {
	log := &callLog{}
	b := NewBuilder("internal")
	a := b.State("a", Initial()).
		OnEnter(log.action("enter_a")).
		OnExit(log.action("exit_a"))
	a.ToItself().On("tick").Internal().Do(log.action("tick"))
	a.ToItself().On("bounce").Do(log.action("bounce"))

	inst := startInstance(t, b, nil)
	log.Reset()

	res, err := inst.Dispatch(context.Background(), "tick", nil)
	require.NoError(t, err)
	assert.True(t, res.Committed)
	assert.False(t, res.StateChanged())
	assert.Equal(t, []string{"tick"}, log.Calls())

	log.Reset()
	_, err = inst.Dispatch(context.Background(), "bounce", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"exit_a", "bounce", "enter_a"}, log.Calls())
}

func TestDispatch_FailureBeforeCommitIsAtomic(t *testing.T) {
	for _, slot := range []string{"validate", "before", "exit", "on"} {
		t.Run(slot, func(t *testing.T) {
			log := &callLog{}
			b := NewBuilder("atomic")
			a := b.State("a", Initial())
			c := b.State("c").OnEnter(log.action("enter_c"))
			list := a.To(c).On("go").After(log.action("after"))

			failing := log.failing(slot, errBoom)
			switch slot {
			case "validate":
				list.Validate(failing)
			case "before":
				list.Before(failing)
			case "exit":
				a.OnExit(failing)
			case "on":
				list.Do(failing)
			}

			obs := NewTestObserver()
			inst := startInstance(t, b, nil, WithInstanceObserver(obs))
			res, err := inst.Dispatch(context.Background(), "go", nil)

			require.Error(t, err)
			assert.ErrorIs(t, err, errBoom)
			assert.True(t, IsActionError(err))
			assert.False(t, res.Committed)
			assert.Equal(t, PhaseAborted, res.Phase)
			assert.NotContains(t, log.Calls(), "enter_c")
			assert.NotContains(t, log.Calls(), "after")
			assert.Equal(t, 0, obs.TransitionCount())
			AssertState(t, inst, "a")
		})
	}
}

func TestDispatch_FailureAfterCommit(t *testing.T) {
	t.Run("entry", func(t *testing.T) {
		log := &callLog{}
		b := NewBuilder("entry-fails")
		a := b.State("a", Initial())
		c := b.State("c").OnEnter(log.failing("enter_c", errBoom))
		a.To(c).On("go").After(log.action("after"))

		inst := startInstance(t, b, nil)
		res, err := inst.Dispatch(context.Background(), "go", nil)
		require.Error(t, err)

		var actionErr *ActionError
		require.True(t, errors.As(err, &actionErr))
		assert.Equal(t, SlotEntry, actionErr.Slot)
		assert.Equal(t, "enter_c", actionErr.Action)
		assert.Equal(t, "c", actionErr.State)
		assert.True(t, res.Committed)
		assert.Equal(t, "c", res.NewState)
		assert.NotContains(t, log.Calls(), "after")
		AssertState(t, inst, "c")
	})

	t.Run("after", func(t *testing.T) {
		b := NewBuilder("after-fails")
		a := b.State("a", Initial())
		c := b.State("c")
		a.To(c).On("go").After(Action(func(ctx Context) error { return errBoom }))

		inst := startInstance(t, b, nil)
		res, err := inst.Dispatch(context.Background(), "go", nil)
		require.ErrorIs(t, err, errBoom)
		assert.True(t, res.Committed)
		AssertState(t, inst, "c")
	})
}

func TestDispatch_EventlessCascade(t *testing.T) {
	b := NewBuilder("cascade")
	a := b.State("a", Initial())
	c := b.State("c")
	d := b.State("d")
	e := b.State("e")
	a.To(c).On("go")
	c.To(d)
	d.To(e).When(Guard(func(ctx Context) bool {
		ok, _ := GetAs[bool](ctx, "ready")
		return ok
	}))

	inst := startInstance(t, b, map[string]any{"ready": true})
	res, err := inst.Dispatch(context.Background(), "go", nil)
	require.NoError(t, err)
	assert.Equal(t, "a", res.PreviousState)
	assert.Equal(t, "e", res.NewState)
	assert.Equal(t, 2, res.InternalSteps)
	assert.Equal(t, "c", res.Transition.Target().ID())

	other := startInstance(t, b, nil)
	res, err = other.Dispatch(context.Background(), "go", nil)
	require.NoError(t, err)
	assert.Equal(t, "d", res.NewState)
	assert.Equal(t, 1, res.InternalSteps)
}

func TestDispatch_EventlessCascadeOnStart(t *testing.T) {
	b := NewBuilder("boot")
	boot := b.State("boot", Initial())
	ready := b.State("ready")
	boot.To(ready)

	inst := startInstance(t, b, nil)
	AssertState(t, inst, "ready")
}

func TestDispatch_LoopGuard(t *testing.T) {
	b := NewBuilder("loop", WithMaxInternalSteps(5))
	a := b.State("a", Initial())
	x := b.State("x")
	y := b.State("y")
	a.To(x).On("go")
	x.To(y)
	y.To(x)

	inst := startInstance(t, b, nil)
	res, err := inst.Dispatch(context.Background(), "go", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransitionLoop)

	var loopErr *LoopError
	require.True(t, errors.As(err, &loopErr))
	assert.Equal(t, 5, loopErr.MaxSteps)
	assert.Equal(t, 5, res.InternalSteps)
	assert.Equal(t, PhaseAborted, res.Phase)
	assert.True(t, res.Committed)
	AssertState(t, inst, "y")
}

func TestDispatch_LoopGuardAllowsExactlyTheLimit(t *testing.T) {
	b := NewBuilder("chain", WithMaxInternalSteps(2))
	a := b.State("a", Initial())
	c := b.State("c")
	d := b.State("d")
	e := b.State("e")
	a.To(c).On("go")
	c.To(d)
	d.To(e)

	inst := startInstance(t, b, nil)
	res, err := inst.Dispatch(context.Background(), "go", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.InternalSteps)
	AssertState(t, inst, "e")
}

func TestInstance_CanDispatch(t *testing.T) {
	log := &callLog{}
	b := NewBuilder("can")
	a := b.State("a", Initial())
	c := b.State("c").OnEnter(log.action("enter_c"))
	a.To(c).On("go").
		When(Guard(func(ctx Context) bool {
			n, _ := GetEventDataAs[int](ctx)
			return n > 0
		})).
		Do(log.action("on"))

	inst := startInstance(t, b, nil)
	ctx := context.Background()
	log.Reset()

	assert.False(t, inst.CanDispatch(ctx, "go"))
	assert.True(t, inst.CanDispatch(ctx, "go", 5))
	assert.False(t, inst.CanDispatch(ctx, "missing", 5))
	assert.False(t, inst.CanDispatch(ctx, ""))
	assert.Empty(t, log.Calls())
	AssertState(t, inst, "a")
}

func TestInstance_AllowedEvents(t *testing.T) {
	b := NewBuilder("allowed")
	a := b.State("a", Initial())
	c := b.State("c")
	a.To(c).On("start")
	a.To(c).On("stop pause").When(Guard(func(ctx Context) bool { return false }))
	a.To(c).On("x y start")

	inst := startInstance(t, b, nil)
	assert.Equal(t, []string{"start", "x", "y"}, inst.AllowedEvents(context.Background()))

	_, err := inst.Dispatch(context.Background(), "x", nil)
	require.NoError(t, err)
	assert.Empty(t, inst.AllowedEvents(context.Background()))
}

func TestInstance_HaltOnActionError(t *testing.T) {
	ctx := context.Background()
	fail := true
	b := NewBuilder("halt", WithHaltOnActionError())
	a := b.State("a", Initial())
	c := b.State("c")
	a.To(c).On("go").Do(Action(func(ctx Context) error {
		if fail {
			return errBoom
		}
		return nil
	}).WithName("flaky"))
	a.To(c).On("check").Validate(Action(func(ctx Context) error { return errBoom }))

	inst := startInstance(t, b, nil)

	_, err := inst.Dispatch(ctx, "check", nil)
	require.ErrorIs(t, err, errBoom)
	assert.Nil(t, inst.Halted(), "validators never halt")

	_, err = inst.Dispatch(ctx, "go", nil)
	require.ErrorIs(t, err, errBoom)
	require.NotNil(t, inst.Halted())

	fail = false
	res, err := inst.Dispatch(ctx, "go", nil)
	require.ErrorIs(t, err, ErrHalted)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, ErrCodeHalted, GetErrorCode(err))
	assert.Equal(t, PhaseAborted, res.Phase)
	assert.False(t, inst.CanDispatch(ctx, "go"))
	assert.Nil(t, inst.AllowedEvents(ctx))

	_, err = inst.Step(ctx)
	require.ErrorIs(t, err, ErrHalted)

	require.NoError(t, inst.Reset(ctx))
	assert.Nil(t, inst.Halted())
	_, err = inst.Dispatch(ctx, "go", nil)
	require.NoError(t, err)
	AssertState(t, inst, "c")
}

func TestInstance_ActionErrorWithoutHalt(t *testing.T) {
	b := NewBuilder("nohalt")
	a := b.State("a", Initial())
	c := b.State("c")
	a.To(c).On("go").Do(Action(func(ctx Context) error { return errBoom }))

	inst := startInstance(t, b, nil)
	_, err := inst.Dispatch(context.Background(), "go", nil)
	require.ErrorIs(t, err, errBoom)
	assert.Nil(t, inst.Halted())
	assert.True(t, inst.CanDispatch(context.Background(), "go"))
}

func TestInstance_StepRunsDuring(t *testing.T) {
	ctx := context.Background()
	log := &callLog{}
	b := NewBuilder("step")
	a := b.State("a", Initial()).During(log.action("tick"))
	c := b.State("c")
	a.To(c).When(Guard(func(ctx Context) bool {
		ready, _ := GetAs[bool](ctx, "ready")
		return ready
	}))
	a.ToItself().On("poke").Internal()

	inst := startInstance(t, b, nil)
	assert.Empty(t, log.Calls(), "during does not run on start")

	res, err := inst.Step(ctx)
	require.NoError(t, err)
	assert.False(t, res.Committed)
	assert.Equal(t, 0, res.InternalSteps)
	assert.Equal(t, []string{"tick"}, log.Calls())

	_, err = inst.Dispatch(ctx, "poke", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"tick", "tick"}, log.Calls())

	inst.Set("ready", true)
	res, err = inst.Step(ctx)
	require.NoError(t, err)
	assert.True(t, res.Committed)
	assert.Equal(t, 1, res.InternalSteps)
	assert.Equal(t, PhaseCommitted, res.Phase)
	assert.Equal(t, "c", res.NewState)
	assert.Equal(t, []string{"tick", "tick", "tick"}, log.Calls())
}

func TestInstance_DuringFailureAborts(t *testing.T) {
	b := NewBuilder("during-fails", WithHaltOnActionError())
	a := b.State("a", Initial()).During(Action(func(ctx Context) error { return errBoom }))
	c := b.State("c")
	a.To(c).On("go")

	inst := startInstance(t, b, nil)
	res, err := inst.Dispatch(context.Background(), "go", nil)
	require.ErrorIs(t, err, errBoom)

	var actionErr *ActionError
	require.True(t, errors.As(err, &actionErr))
	assert.Equal(t, SlotDuring, actionErr.Slot)
	assert.False(t, res.Committed)
	assert.NotNil(t, inst.Halted())
	AssertState(t, inst, "a")
}

func TestInstance_ConventionOrdering(t *testing.T) {
	log := &callLog{}
	reg := NewRegistry()
	for _, name := range []string{
		"before_go", "before_transition",
		"on_exit_a", "on_exit_state",
		"on_go", "on_transition",
		"on_enter_c", "on_enter_state",
		"after_go", "after_transition",
	} {
		reg.Action(name, func(ctx Context) error {
			log.record(name)
			return nil
		})
	}

	b := NewBuilder("conventions", WithRegistry(reg))
	a := b.State("a", Initial()).OnExit(log.action("exit_explicit"))
	c := b.State("c")
	a.To(c).On("go").
		Before(log.action("before_explicit")).
		Do(log.action("on_explicit"))

	inst := startInstance(t, b, nil)
	assert.Equal(t, []string{"on_enter_state"}, log.Calls(), "generic entry convention runs for the initial state")
	log.Reset()

	_, err := inst.Dispatch(context.Background(), "go", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"before_explicit", "before_go", "before_transition",
		"exit_explicit", "on_exit_a", "on_exit_state",
		"on_explicit", "on_go", "on_transition",
		"on_enter_c", "on_enter_state",
		"after_go", "after_transition",
	}, log.Calls())
}

func TestInstance_ConventionsRunAfterHighPriorityExplicit(t *testing.T) {
	log := &callLog{}
	reg := NewRegistry().Action("on_enter_c", func(ctx Context) error {
		log.record("convention")
		return nil
	})

	b := NewBuilder("late-explicit", WithRegistry(reg))
	a := b.State("a", Initial())
	c := b.State("c").OnEnter(log.action("explicit").WithPriority(PriorityConvention + 5))
	a.To(c).On("go")

	inst := startInstance(t, b, nil)
	_, err := inst.Dispatch(context.Background(), "go", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"explicit", "convention"}, log.Calls())
}

func TestInstance_Independence(t *testing.T) {
	g, err := createSimpleGraph().Build()
	require.NoError(t, err)
	ctx := context.Background()

	vars := map[string]any{"count": 1}
	first, err := g.Start(ctx, vars, WithInstanceID("first"))
	require.NoError(t, err)
	second, err := g.Start(ctx, vars)
	require.NoError(t, err)

	assert.Equal(t, "first", first.ID())
	assert.NotEmpty(t, second.ID())
	assert.NotEqual(t, first.ID(), second.ID())

	_, err = first.Dispatch(ctx, "start", nil)
	require.NoError(t, err)
	first.Set("count", 2)
	vars["count"] = 99

	AssertState(t, first, "running")
	AssertState(t, second, "idle")
	v, _ := second.Get("count")
	assert.Equal(t, 1, v)
	v, _ = first.Get("count")
	assert.Equal(t, 2, v)
	assert.Same(t, first.Graph(), second.Graph())
}

func TestInstance_StateViews(t *testing.T) {
	inst := startInstance(t, createSimpleGraph(), nil)
	idle := inst.State("idle")
	running := inst.State("running")
	require.NotNil(t, idle)
	assert.Same(t, idle, inst.State("idle"))
	assert.Nil(t, inst.State("nope"))

	assert.True(t, idle.IsActive())
	assert.False(t, running.IsActive())
	assert.True(t, inst.IsIn("idle"))

	_, err := inst.Dispatch(context.Background(), "start", nil)
	require.NoError(t, err)
	assert.False(t, idle.IsActive())
	assert.True(t, running.IsActive())
	assert.Equal(t, "running", running.ID())
	assert.Same(t, inst.CurrentState(), running.State())
}

func TestInstance_InitialEntry(t *testing.T) {
	for _, run := range []bool{true, false} {
		log := &callLog{}
		b := NewBuilder("initial", WithInitialEntry(run))
		b.State("a", Initial()).OnEnter(log.action("enter_a"))

		obs := NewTestObserver()
		inst := startInstance(t, b, nil, WithInstanceObserver(obs))
		if run {
			assert.Equal(t, []string{"enter_a"}, log.Calls())
		} else {
			assert.Empty(t, log.Calls())
		}
		assert.Equal(t, []string{"a"}, obs.StateEnters)
		assert.Equal(t, 1, obs.Started)
		AssertState(t, inst, "a")
	}
}

func TestInstance_InitialEntryFailure(t *testing.T) {
	b := NewBuilder("broken-start")
	b.State("a", Initial()).OnEnter(Action(func(ctx Context) error { return errBoom }))
	g, err := b.Build()
	require.NoError(t, err)

	inst, err := g.Start(context.Background(), nil)
	require.ErrorIs(t, err, errBoom)
	require.NotNil(t, inst)
	AssertState(t, inst, "a")
}

func TestInstance_Reset(t *testing.T) {
	log := &callLog{}
	b := NewBuilder("reset")
	a := b.State("a", Initial()).OnEnter(log.action("enter_a"))
	c := b.State("c")
	a.To(c).On("go").Do(Action(func(ctx Context) error {
		ctx.Set("dirty", true)
		return nil
	}))

	obs := NewTestObserver()
	inst := startInstance(t, b, map[string]any{"seed": 7}, WithInstanceObserver(obs))
	_, err := inst.Dispatch(context.Background(), "go", nil)
	require.NoError(t, err)

	require.NoError(t, inst.Reset(context.Background()))
	AssertState(t, inst, "a")
	assert.Equal(t, map[string]any{"seed": 7}, inst.Vars())
	assert.Equal(t, []string{"enter_a", "enter_a"}, log.Calls())
	assert.Equal(t, 1, obs.Resets)
}

func TestInstance_ObserverNotifications(t *testing.T) {
	obs := NewTestObserver()
	b := createSimpleGraph(WithObserver(obs))
	idle, _ := b.Lookup("idle")
	running, _ := b.Lookup("running")
	idle.To(running).On("guarded").When(Guard(func(ctx Context) bool { return true }).WithName("ok"))

	inst := startInstance(t, b, nil)
	ctx := context.Background()
	assert.Equal(t, 1, obs.Started)

	_, err := inst.Dispatch(ctx, "start", nil)
	require.NoError(t, err)
	assert.Equal(t, TransitionEvent{From: "idle", To: "running", Event: "start"}, *obs.LastTransition())
	assert.Equal(t, []string{"idle"}, obs.StateExits)
	assert.Equal(t, []string{"idle", "running"}, obs.StateEnters)
	assert.Empty(t, obs.Guards, "unguarded transitions are not reported")

	_, err = inst.TryDispatch(ctx, "bogus", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"bogus"}, obs.EventRejects)
	assert.Empty(t, obs.Errors)

	_, err = inst.Dispatch(ctx, "bogus", nil)
	require.Error(t, err)
	require.Len(t, obs.Errors, 1)
	assert.True(t, IsTransitionError(obs.Errors[0]))

	require.NoError(t, inst.Reset(ctx))
	_, err = inst.Dispatch(ctx, "guarded", nil)
	require.NoError(t, err)
	require.Len(t, obs.Guards, 1)
	assert.Equal(t, GuardEvent{Transition: "idle -> running on guarded", Result: true}, obs.Guards[0])
	assert.Equal(t, 2, obs.TransitionCount())
}

func TestInstance_ActionNotifications(t *testing.T) {
	log := &callLog{}
	obs := NewTestObserver()
	b := NewBuilder("actions")
	a := b.State("a", Initial())
	c := b.State("c").OnEnter(log.action("enter_c"))
	a.To(c).On("go").Do(log.action("act"))

	inst := startInstance(t, b, nil)
	inst.AddObserver(obs)
	_, err := inst.Dispatch(context.Background(), "go", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"act", "enter_c"}, obs.Actions)

	inst.RemoveObserver(obs)
	require.NoError(t, inst.Reset(context.Background()))
	assert.Equal(t, 0, obs.Resets)
}

type panickingObserver struct {
	*TestObserver
}

func (o panickingObserver) OnTransition(from string, to string, event *Event, ctx Context) {
	panic("observer exploded")
}

func TestInstance_ObserverPanicIsIsolated(t *testing.T) {
	bad := panickingObserver{NewTestObserver()}
	good := NewTestObserver()
	inst := startInstance(t, createSimpleGraph(WithObserver(bad), WithObserver(good)), nil)

	res, err := inst.Dispatch(context.Background(), "start", nil)
	require.NoError(t, err)
	assert.True(t, res.Committed)
	assert.Equal(t, 1, good.TransitionCount())
	require.Len(t, bad.Errors, 1)
	assert.Contains(t, bad.Errors[0].Error(), "observer panic in OnTransition: observer exploded")
}

func TestInstance_ConcurrentDispatch(t *testing.T) {
	b := NewBuilder("counter")
	a := b.State("a", Initial())
	a.ToItself().On("inc").Internal().Do(Action(func(ctx Context) error {
		n, _ := GetAs[int](ctx, "n")
		ctx.Set("n", n+1)
		return nil
	}))

	inst := startInstance(t, b, map[string]any{"n": 0})
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := inst.Dispatch(context.Background(), "inc", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	n, _ := inst.Get("n")
	assert.Equal(t, 50, n)
}

type recordedSpan struct {
	noop.Span
	name   string
	attrs  []attribute.KeyValue
	status codes.Code
	ended  bool
}

func (s *recordedSpan) SetAttributes(kv ...attribute.KeyValue) {
	s.attrs = append(s.attrs, kv...)
}

func (s *recordedSpan) SetStatus(code codes.Code, description string) {
	s.status = code
}

func (s *recordedSpan) End(options ...trace.SpanEndOption) {
	s.ended = true
}

func (s *recordedSpan) attr(key string) (attribute.Value, bool) {
	for _, kv := range s.attrs {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

type recordingTracer struct {
	trace.Tracer
	spans []*recordedSpan
}

func (r *recordingTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	cfg := trace.NewSpanStartConfig(opts...)
	span := &recordedSpan{name: name, attrs: cfg.Attributes()}
	r.spans = append(r.spans, span)
	return ctx, span
}

func TestInstance_TracingSpans(t *testing.T) {
	tracer := &recordingTracer{}
	inst := startInstance(t, createSimpleGraph(WithTracer(tracer)), nil, WithInstanceID("traced"))
	ctx := context.Background()

	_, err := inst.Dispatch(ctx, "start", nil)
	require.NoError(t, err)
	_, err = inst.Dispatch(ctx, "bogus", nil)
	require.Error(t, err)
	_, err = inst.Step(ctx)
	require.NoError(t, err)

	require.Len(t, tracer.spans, 4)
	names := make([]string, 0, len(tracer.spans))
	for _, s := range tracer.spans {
		names = append(names, s.name)
		assert.True(t, s.ended)
	}
	assert.Equal(t, []string{"fsm.start", "fsm.dispatch", "fsm.dispatch", "fsm.step"}, names)

	ok := tracer.spans[1]
	v, found := ok.attr("fsm.instance")
	require.True(t, found)
	assert.Equal(t, "traced", v.AsString())
	v, _ = ok.attr("fsm.event")
	assert.Equal(t, "start", v.AsString())
	v, _ = ok.attr("fsm.target")
	assert.Equal(t, "running", v.AsString())
	v, _ = ok.attr("fsm.committed")
	assert.True(t, v.AsBool())
	assert.Equal(t, codes.Unset, ok.status)

	rejected := tracer.spans[2]
	assert.Equal(t, codes.Error, rejected.status)
	v, _ = rejected.attr("fsm.phase")
	assert.Equal(t, PhaseRejected.String(), v.AsString())
}

func TestInstance_AllowedEventsChecksEveryAlias(t *testing.T) {
	b := NewBuilder("aliases")
	a := b.State("a", Initial())
	c := b.State("c")
	a.To(c).On("left right").When(Guard(func(ctx Context) bool {
		return ctx.EventName() == "right"
	}))
	a.To(c).On("broken").When(GuardE(func(ctx Context) (bool, error) {
		return false, errBoom
	}))
	a.To(c).On("broken left")

	inst := startInstance(t, b, nil)
	ctx := context.Background()
	assert.Equal(t, []string{"right", "left"}, inst.AllowedEvents(ctx))
	assert.True(t, inst.CanDispatch(ctx, "left"))
	assert.False(t, inst.CanDispatch(ctx, "broken"))
}

func TestInstance_QueriesFromCallbacks(t *testing.T) {
	b := NewBuilder("reentrant")
	a := b.State("a", Initial())
	c := b.State("c")
	d := b.State("d")
	c.To(d).On("next")

	var (
		allowed       []string
		canGo         bool
		halted        error
		dispatchErr   error
		resetErr      error
		stepErr       error
		currentInside string
	)
	extra := NewTestObserver()
	a.To(c).On("go").Do(Action(func(ctx Context) error {
		inst := ctx.Instance()
		allowed = inst.AllowedEvents(ctx)
		canGo = inst.CanDispatch(ctx, "go")
		halted = inst.Halted()
		currentInside = inst.CurrentStateID()
		inst.AddObserver(extra)
		_, dispatchErr = inst.Dispatch(ctx, "next", nil)
		_, stepErr = inst.Step(ctx)
		resetErr = inst.Reset(ctx)
		return nil
	}))
	c.OnEnter(Action(func(ctx Context) error {
		allowed = append(allowed, ctx.Instance().AllowedEvents(ctx)...)
		return nil
	}))

	inst := startInstance(t, b, nil)
	done := make(chan error, 1)
	go func() {
		_, err := inst.Dispatch(context.Background(), "go", nil)
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch blocked on a query made from its own callback")
	}

	assert.Equal(t, []string{"go", "next"}, allowed)
	assert.True(t, canGo)
	assert.NoError(t, halted)
	assert.Equal(t, "a", currentInside)
	for _, err := range []error{dispatchErr, stepErr, resetErr} {
		require.ErrorIs(t, err, ErrReentrantDispatch)
		assert.Equal(t, ErrCodeReentrantDispatch, GetErrorCode(err))
	}
	AssertState(t, inst, "c")
	assert.Equal(t, []string{"c"}, extra.StateEnters)

	_, err := inst.Dispatch(context.Background(), "next", nil)
	require.NoError(t, err)
	AssertState(t, inst, "d")
}
