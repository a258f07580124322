package observers

import (
	"maps"
	"sync"
	"time"

	"github.com/samuel-1-avson/fsm"
)

// MetricsObserver collects metrics about instance execution. One observer
// may be shared by every instance of a graph.
type MetricsObserver struct {
	fsm.BaseObserver

	stateVisits      map[string]int
	stateTimeSpent   map[string]time.Duration
	eventCounts      map[string]int
	transitionCounts map[string]int
	rejectedCounts   map[string]int
	errorCount       int
	lastStateEntry   map[string]time.Time
	now              func() time.Time
	mutex            sync.RWMutex
}

// NewMetricsObserver creates a new metrics observer
func NewMetricsObserver() *MetricsObserver {
	o := &MetricsObserver{now: time.Now}
	o.Reset()
	return o
}

// entryKey keys entry times per instance so shared observers do not mix
// up concurrent instances
func entryKey(state string, ctx fsm.Context) string {
	if inst := ctx.Instance(); inst != nil {
		return inst.ID() + "/" + state
	}
	return state
}

// OnStateEnter records state entry metrics
func (o *MetricsObserver) OnStateEnter(state string, ctx fsm.Context) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	o.stateVisits[state]++
	o.lastStateEntry[entryKey(state, ctx)] = o.now()
}

// OnStateExit records state exit metrics
func (o *MetricsObserver) OnStateExit(state string, ctx fsm.Context) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	key := entryKey(state, ctx)
	if entryTime, ok := o.lastStateEntry[key]; ok {
		o.stateTimeSpent[state] += o.now().Sub(entryTime)
		delete(o.lastStateEntry, key)
	}
}

// OnTransition records transition and event metrics
func (o *MetricsObserver) OnTransition(from string, to string, event *fsm.Event, ctx fsm.Context) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	o.transitionCounts[from+"->"+to]++
	if event != nil && event.Name != "" {
		o.eventCounts[event.Name]++
	}
}

// OnEventRejected records rejected events
func (o *MetricsObserver) OnEventRejected(event *fsm.Event, reason string, ctx fsm.Context) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if event != nil {
		o.rejectedCounts[event.Name]++
	}
}

// OnError records error metrics
func (o *MetricsObserver) OnError(err error, ctx fsm.Context) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	o.errorCount++
}

// GetStateVisitCounts returns the number of times each state was entered
func (o *MetricsObserver) GetStateVisitCounts() map[string]int {
	o.mutex.RLock()
	defer o.mutex.RUnlock()
	return maps.Clone(o.stateVisits)
}

// GetStateTimeSpent returns the time spent in each state, counting only
// completed visits
func (o *MetricsObserver) GetStateTimeSpent() map[string]time.Duration {
	o.mutex.RLock()
	defer o.mutex.RUnlock()
	return maps.Clone(o.stateTimeSpent)
}

// GetEventCounts returns the number of times each event fired a transition
func (o *MetricsObserver) GetEventCounts() map[string]int {
	o.mutex.RLock()
	defer o.mutex.RUnlock()
	return maps.Clone(o.eventCounts)
}

// GetTransitionCounts returns the number of times each from->to pair occurred
func (o *MetricsObserver) GetTransitionCounts() map[string]int {
	o.mutex.RLock()
	defer o.mutex.RUnlock()
	return maps.Clone(o.transitionCounts)
}

// GetRejectedCounts returns the number of rejections per event
func (o *MetricsObserver) GetRejectedCounts() map[string]int {
	o.mutex.RLock()
	defer o.mutex.RUnlock()
	return maps.Clone(o.rejectedCounts)
}

// GetErrorCount returns the number of errors
func (o *MetricsObserver) GetErrorCount() int {
	o.mutex.RLock()
	defer o.mutex.RUnlock()
	return o.errorCount
}

// Reset resets all metrics
func (o *MetricsObserver) Reset() {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	o.stateVisits = make(map[string]int)
	o.stateTimeSpent = make(map[string]time.Duration)
	o.eventCounts = make(map[string]int)
	o.transitionCounts = make(map[string]int)
	o.rejectedCounts = make(map[string]int)
	o.errorCount = 0
	o.lastStateEntry = make(map[string]time.Time)
}
