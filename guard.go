package fsm

// guardOutcome is the result of evaluating one transition's guard set
type guardOutcome struct {
	passed bool
	failed *CallbackSpec
	err    error
}

// evaluateGuards checks cond (all true) then unless (all false). cond stops
// at the first false and unless at the first true; a failing guard stops
// evaluation with its error.
func (t *Transition) evaluateGuards(ctx Context) guardOutcome {
	for _, spec := range t.groups[SlotCond].specs {
		ok, err := spec.check(ctx)
		if err != nil {
			return guardOutcome{failed: spec, err: err}
		}
		if !ok {
			return guardOutcome{}
		}
	}

	for _, spec := range t.groups[SlotUnless].specs {
		ok, err := spec.check(ctx)
		if err != nil {
			return guardOutcome{failed: spec, err: err}
		}
		if ok {
			return guardOutcome{}
		}
	}

	return guardOutcome{passed: true}
}

// hasGuards reports whether eligibility depends on callbacks
func (t *Transition) hasGuards() bool {
	return t.groups[SlotCond].Len() > 0 || t.groups[SlotUnless].Len() > 0
}
