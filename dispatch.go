package fsm

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type dispatchMode int

const (
	modeCommand dispatchMode = iota
	modeTry
	modeStep
)

func (m dispatchMode) String() string {
	switch m {
	case modeCommand:
		return "dispatch"
	case modeTry:
		return "try_dispatch"
	case modeStep:
		return "step"
	default:
		return "unknown"
	}
}

func (i *Instance) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	attrs = append([]attribute.KeyValue{
		attribute.String("fsm.graph", i.graph.name),
		attribute.String("fsm.instance", i.id),
	}, attrs...)
	return i.graph.opts.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, res *DispatchResult, err error) {
	if res != nil {
		span.SetAttributes(
			attribute.String("fsm.target", res.NewState),
			attribute.Bool("fsm.committed", res.Committed),
			attribute.String("fsm.phase", res.Phase.String()),
			attribute.Int("fsm.internal_steps", res.InternalSteps),
		)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (i *Instance) start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	ctx = i.markDispatching(ctx)

	err := i.enterInitial(ctx, "fsm.start")
	i.observers.NotifyInstanceStarted(newCallbackContext(ctx, i, nil, nil, i.graph.initial))
	return err
}

// enterInitial runs the initial state's entry callbacks when configured,
// then the event-less cascade. Callers hold i.mu.
func (i *Instance) enterInitial(ctx context.Context, spanName string) error {
	initial := i.graph.initial
	ctx, span := i.startSpan(ctx, spanName, attribute.String("fsm.source", initial.id))
	res := newDispatchResult("", initial.id)

	cctx := newCallbackContext(ctx, i, nil, nil, initial)
	if i.graph.opts.initialEntry {
		if spec, err := initial.entry.runAll(cctx, i.actionNotifier(initial, nil, cctx)); err != nil {
			err = i.actionFailed(ctx, spec, initial, err)
			res.Phase = PhaseAborted
			endSpan(span, res, err)
			return err
		}
	}
	if err := i.enterSubMachine(ctx, initial); err != nil {
		res.Phase = PhaseAborted
		endSpan(span, res, err)
		return err
	}
	i.observers.NotifyStateEnter(initial.id, cctx)
	i.logger.DebugContext(ctx, "instance entered initial state", "state", initial.id)

	err := i.cascade(ctx, res)
	if err != nil {
		i.observers.NotifyError(err, cctx)
	}
	endSpan(span, res, err)
	return err
}

func (i *Instance) run(ctx context.Context, ev *Event, mode dispatchMode) (*DispatchResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if i.dispatching(ctx) {
		res := newDispatchResult(ev.Name, i.CurrentStateID())
		res.Phase = PhaseAborted
		return res, i.reentrant(mode.String())
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	ctx = i.markDispatching(ctx)

	src := i.current.Load()
	ctx, span := i.startSpan(ctx, "fsm."+mode.String(),
		attribute.String("fsm.event", ev.Name),
		attribute.String("fsm.event_id", ev.ID),
		attribute.String("fsm.source", src.id),
	)
	res := newDispatchResult(ev.Name, src.id)

	err := i.dispatchLocked(ctx, ev, res, mode)
	res.NewState = i.current.Load().id
	if err != nil {
		i.observers.NotifyError(err, newCallbackContext(ctx, i, ev, res.Transition, src))
		i.logger.DebugContext(ctx, "dispatch failed",
			"event", ev.Name,
			"state", src.id,
			"phase", res.Phase.String(),
			"committed", res.Committed,
			"error", err,
		)
	}
	endSpan(span, res, err)
	return res, err
}

func (i *Instance) dispatchLocked(ctx context.Context, ev *Event, res *DispatchResult, mode dispatchMode) error {
	src := i.current.Load()
	if mode != modeStep && ev.Name == "" {
		res.Phase = PhaseRejected
		return NewEmptyEventError(src.id)
	}
	if halted := i.halted.Load(); halted != nil {
		res.Phase = PhaseAborted
		return fmt.Errorf("%w: %w", ErrHalted, halted)
	}

	if err := i.runDuring(ctx, ev, src); err != nil {
		res.Phase = PhaseAborted
		return err
	}
	if err := i.stepSubMachine(ctx, src); err != nil {
		res.Phase = PhaseAborted
		return err
	}

	if mode == modeStep {
		err := i.cascade(ctx, res)
		if res.InternalSteps > 0 && err == nil {
			res.Phase = PhaseCommitted
		}
		return err
	}

	committed, err := i.fire(ctx, ev, res)
	if err != nil {
		return err
	}
	if !committed {
		reason := fmt.Sprintf("no transition for event '%s' in current state '%s'", ev.Name, src.id)
		i.observers.NotifyEventRejected(ev, reason, newCallbackContext(ctx, i, ev, nil, src))
		i.logger.DebugContext(ctx, "event rejected", "event", ev.Name, "state", src.id)
		if mode == modeCommand {
			return NewNoTransitionError(src.id, ev.Name)
		}
		return nil
	}

	i.logger.DebugContext(ctx, "transition committed",
		"event", ev.Name,
		"from", src.id,
		"to", res.Transition.target.id,
		"internal", res.Transition.internal,
	)
	return i.cascade(ctx, res)
}

func (i *Instance) runDuring(ctx context.Context, ev *Event, s *State) error {
	if s.during.Len() == 0 {
		return nil
	}
	cctx := newCallbackContext(ctx, i, ev, nil, s)
	if spec, err := s.during.runAll(cctx, i.actionNotifier(s, ev, cctx)); err != nil {
		return i.actionFailed(ctx, spec, s, err)
	}
	return nil
}

// fire resolves one transition for the event in the current state and runs
// its pipeline. It reports whether the state pointer was committed.
func (i *Instance) fire(ctx context.Context, ev *Event, res *DispatchResult) (bool, error) {
	src := i.current.Load()

	res.Phase = PhaseGuardChecking
	t, err := i.selectTransition(ctx, src, ev, true)
	if err != nil {
		res.Phase = PhaseAborted
		return false, err
	}
	if t == nil {
		res.Phase = PhaseRejected
		return false, nil
	}

	res.Phase = PhaseExecuting
	if res.Transition == nil {
		res.Transition = t
	}
	return i.execute(ctx, ev, t, res)
}

// selectTransition returns the first transition of s, in declaration
// order, that matches the event and whose guards hold.
func (i *Instance) selectTransition(ctx context.Context, s *State, ev *Event, notify bool) (*Transition, error) {
	for _, t := range s.transitions {
		if !t.Matches(ev.Name) {
			continue
		}
		cctx := newCallbackContext(ctx, i, ev, t, s)
		out := t.evaluateGuards(cctx)
		if notify && t.hasGuards() {
			i.observers.NotifyGuardEvaluation(t, ev, out.passed, cctx)
		}
		if out.err != nil {
			return nil, NewGuardError(s.id, t.target.id, ev.Name, out.failed.label(), out.err)
		}
		if out.passed {
			return t, nil
		}
	}
	return nil, nil
}

// execute runs validators, before, exit, on, commit, entry and after in
// that order. Nothing is mutated unless everything up to the commit
// succeeded.
func (i *Instance) execute(ctx context.Context, ev *Event, t *Transition, res *DispatchResult) (bool, error) {
	src, dst := t.source, t.target
	cctx := newCallbackContext(ctx, i, ev, t, src)
	notify := i.actionNotifier(src, ev, cctx)

	if spec, err := t.groups[SlotValidators].runAll(cctx, notify); err != nil {
		res.Phase = PhaseAborted
		return false, NewActionError(spec.label(), SlotValidators, src.id, err)
	}

	pre := []*CallbackGroup{t.groups[SlotBefore]}
	if !t.internal {
		pre = append(pre, src.exit)
	}
	pre = append(pre, t.groups[SlotOn])
	for _, g := range pre {
		if spec, err := g.runAll(cctx, notify); err != nil {
			res.Phase = PhaseAborted
			return false, i.actionFailed(ctx, spec, src, err)
		}
	}
	if !t.internal {
		i.observers.NotifyStateExit(src.id, cctx)
	}

	if !t.internal && i.child.Swap(nil) != nil {
		i.logger.DebugContext(ctx, "submachine stopped", "state", src.id)
	}
	i.current.Store(dst)
	res.Committed = true
	res.NewState = dst.id
	res.Phase = PhaseCommitted
	i.observers.NotifyTransition(src.id, dst.id, ev, cctx)

	notify = i.actionNotifier(dst, ev, cctx)
	if !t.internal {
		if spec, err := dst.entry.runAll(cctx, notify); err != nil {
			return true, i.actionFailed(ctx, spec, dst, err)
		}
		if err := i.enterSubMachine(ctx, dst); err != nil {
			return true, err
		}
		i.observers.NotifyStateEnter(dst.id, cctx)
	}
	if spec, err := t.groups[SlotAfter].runAll(cctx, notify); err != nil {
		return true, i.actionFailed(ctx, spec, dst, err)
	}
	return true, nil
}

// cascade takes event-less transitions until none holds. Taking more than
// the configured number of them fails with a loop error.
func (i *Instance) cascade(ctx context.Context, res *DispatchResult) error {
	limit := i.graph.opts.maxInternalSteps
	for {
		cur := i.current.Load()
		ev := NewEvent("", nil)

		if res.InternalSteps >= limit {
			t, err := i.selectTransition(ctx, cur, ev, false)
			if err != nil {
				return err
			}
			if t != nil {
				res.Phase = PhaseAborted
				return NewLoopError(cur.id, limit)
			}
			return nil
		}

		step := newDispatchResult("", cur.id)
		committed, err := i.fire(ctx, ev, step)
		if err != nil {
			if step.Committed {
				res.Committed = true
				res.InternalSteps++
			}
			res.Phase = step.Phase
			return err
		}
		if !committed {
			return nil
		}
		res.Committed = true
		res.InternalSteps++
		res.NewState = step.NewState
		if res.Transition == nil {
			res.Transition = step.Transition
		}
		res.Phase = PhaseCommitted
	}
}

func (i *Instance) actionNotifier(s *State, ev *Event, cctx Context) func(*CallbackSpec) {
	if i.observers.Len() == 0 {
		return nil
	}
	return func(spec *CallbackSpec) {
		i.observers.NotifyActionExecution(spec, s.id, ev, cctx)
	}
}

// actionFailed wraps an action failure and halts the instance when
// configured to.
func (i *Instance) actionFailed(ctx context.Context, spec *CallbackSpec, s *State, err error) error {
	actionErr := NewActionError(spec.label(), spec.Slot, s.id, err)
	if i.graph.opts.haltOnActionError {
		i.halt(ctx, actionErr)
	}
	return actionErr
}

func (i *Instance) halt(ctx context.Context, err *ActionError) {
	i.halted.Store(err)
	i.logger.WarnContext(ctx, "instance halted", "state", err.State, "action", err.Action, "error", err.OriginalErr)
}

// SubCompletedVar names the variable set to true once the submachine of
// the state reaches a final state. It is reset to false on every entry.
func SubCompletedVar(stateID string) string {
	return stateID + "_sub_completed"
}

const subMachineAction = "submachine"

// enterSubMachine starts the submachine of a superstate that was just
// entered. Its instance id is the parent id and the state id joined by a
// slash.
func (i *Instance) enterSubMachine(ctx context.Context, s *State) error {
	if s.sub == nil {
		return nil
	}
	i.Set(SubCompletedVar(s.id), false)

	child, err := s.sub.Start(ctx, nil, WithInstanceID(i.id+"/"+s.id))
	if err != nil {
		actionErr := NewActionError(subMachineAction, SlotEntry, s.id, err)
		if i.graph.opts.haltOnActionError {
			i.halt(ctx, actionErr)
		}
		return actionErr
	}
	i.child.Store(child)
	i.logger.DebugContext(ctx, "submachine started", "state", s.id, "substate", child.CurrentStateID())
	i.checkSubCompleted(ctx, s, child)
	return nil
}

// stepSubMachine steps the active submachine. A halted submachine halts
// its parent.
func (i *Instance) stepSubMachine(ctx context.Context, s *State) error {
	child := i.child.Load()
	if child == nil {
		return nil
	}
	if _, err := child.Step(ctx); err != nil {
		actionErr := NewActionError(subMachineAction, SlotDuring, s.id, err)
		if child.Halted() != nil || i.graph.opts.haltOnActionError {
			i.halt(ctx, actionErr)
		}
		return actionErr
	}
	i.checkSubCompleted(ctx, s, child)
	return nil
}

func (i *Instance) checkSubCompleted(ctx context.Context, s *State, child *Instance) {
	if !child.CurrentState().final {
		return
	}
	if done, _ := i.Get(SubCompletedVar(s.id)); done == true {
		return
	}
	i.Set(SubCompletedVar(s.id), true)
	i.logger.DebugContext(ctx, "submachine completed", "state", s.id, "substate", child.CurrentStateID())
}
