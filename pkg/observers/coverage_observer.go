package observers

import (
	"fmt"
	"sync"

	"github.com/samuel-1-avson/fsm"
)

// CoverageObserver tracks which states and transitions of a graph were
// exercised, and records transitions that the graph does not declare.
type CoverageObserver struct {
	fsm.BaseObserver

	expectedStates     []string
	visitedStates      map[string]bool
	allowedTransitions map[string]map[string]bool
	takenTransitions   map[string]map[string]bool
	violations         []string
	mutex              sync.RWMutex
}

// NewCoverageObserver creates a coverage observer for the graph
func NewCoverageObserver(g *fsm.Graph) *CoverageObserver {
	o := &CoverageObserver{
		visitedStates:      make(map[string]bool),
		allowedTransitions: make(map[string]map[string]bool),
		takenTransitions:   make(map[string]map[string]bool),
	}
	for _, s := range g.States() {
		o.expectedStates = append(o.expectedStates, s.ID())
		for _, t := range s.Transitions() {
			if o.allowedTransitions[s.ID()] == nil {
				o.allowedTransitions[s.ID()] = make(map[string]bool)
			}
			o.allowedTransitions[s.ID()][t.Target().ID()] = true
		}
	}
	return o
}

// OnStateEnter marks the state visited
func (o *CoverageObserver) OnStateEnter(state string, ctx fsm.Context) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.visitedStates[state] = true
}

// OnTransition marks the pair taken and flags undeclared ones
func (o *CoverageObserver) OnTransition(from string, to string, event *fsm.Event, ctx fsm.Context) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if !o.allowedTransitions[from][to] {
		name := "(internal)"
		if event != nil && event.Name != "" {
			name = event.Name
		}
		o.violations = append(o.violations, fmt.Sprintf("undeclared transition from '%s' to '%s' on event '%s'", from, to, name))
	}
	if o.takenTransitions[from] == nil {
		o.takenTransitions[from] = make(map[string]bool)
	}
	o.takenTransitions[from][to] = true
	o.visitedStates[to] = true
}

// GetUnvisitedStates returns the states never entered, in declaration order
func (o *CoverageObserver) GetUnvisitedStates() []string {
	o.mutex.RLock()
	defer o.mutex.RUnlock()

	var unvisited []string
	for _, state := range o.expectedStates {
		if !o.visitedStates[state] {
			unvisited = append(unvisited, state)
		}
	}
	return unvisited
}

// GetUntakenTransitions returns declared from->to pairs never taken
func (o *CoverageObserver) GetUntakenTransitions() []string {
	o.mutex.RLock()
	defer o.mutex.RUnlock()

	var untaken []string
	for _, from := range o.expectedStates {
		for _, to := range o.expectedStates {
			if o.allowedTransitions[from][to] && !o.takenTransitions[from][to] {
				untaken = append(untaken, from+"->"+to)
			}
		}
	}
	return untaken
}

// GetViolations returns every undeclared transition observed
func (o *CoverageObserver) GetViolations() []string {
	o.mutex.RLock()
	defer o.mutex.RUnlock()

	result := make([]string, len(o.violations))
	copy(result, o.violations)
	return result
}

// HasViolations returns whether any violations occurred
func (o *CoverageObserver) HasViolations() bool {
	o.mutex.RLock()
	defer o.mutex.RUnlock()
	return len(o.violations) > 0
}

// Reset clears everything observed so far
func (o *CoverageObserver) Reset() {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	o.visitedStates = make(map[string]bool)
	o.takenTransitions = make(map[string]map[string]bool)
	o.violations = nil
}
