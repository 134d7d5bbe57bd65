package cpu

import (
	"container/heap"
)

// DefaultSliceLength is the largest number of cycles run between timer
// advances when no event is due sooner.
const DefaultSliceLength = 20000

// EventFunc runs when a scheduled event is due. late is how many cycles past
// its deadline the event fired.
type EventFunc func(late int64)

type event struct {
	when     int64
	order    uint64
	name     string
	callback EventFunc
}

type eventQueue []*event

func (q eventQueue) Len() int { return len(q) }
func (q eventQueue) Less(i, j int) bool {
	if q[i].when != q[j].when {
		return q[i].when < q[j].when
	}
	return q[i].order < q[j].order
}
func (q eventQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *eventQueue) Push(x any)   { *q = append(*q, x.(*event)) }
func (q *eventQueue) Pop() any {
	old := *q
	e := old[len(old)-1]
	*q = old[:len(old)-1]
	return e
}

// Timer tracks global guest time and hands the dispatcher cycle budgets
// through the downcount register.
type Timer struct {
	state       *State
	now         int64
	slice       int32
	maxSlice    int32
	events      eventQueue
	order       uint64
	decPeriod   int64
	exceptions  *ExceptionController
	decrementer bool
}

func NewTimer(state *State, maxSlice int32) *Timer {
	if maxSlice <= 0 {
		maxSlice = DefaultSliceLength
	}
	return &Timer{state: state, maxSlice: maxSlice}
}

// Ticks returns the current guest time in cycles, including the part of the
// running slice already consumed.
func (t *Timer) Ticks() int64 {
	return t.now + int64(t.slice-t.state.Downcount())
}

// Schedule queues callback to run delay cycles from now.
func (t *Timer) Schedule(delay int64, name string, callback EventFunc) {
	t.order++
	heap.Push(&t.events, &event{when: t.Ticks() + delay, order: t.order, name: name, callback: callback})
	// Shorten the running slice so the event fires on time.
	if remaining := int64(t.state.Downcount()); delay < remaining {
		t.state.SetDowncount(int32(max(delay, 0)))
		t.slice -= int32(remaining - max(delay, 0))
	}
}

// Pending returns the number of queued events.
func (t *Timer) Pending() int { return len(t.events) }

// Advance closes the running slice, fires due events and opens a new slice.
// The dispatcher calls it whenever the downcount has run out.
func (t *Timer) Advance() {
	t.now += int64(t.slice - t.state.Downcount())
	t.slice = 0
	t.state.SetDowncount(0)

	for len(t.events) > 0 && t.events[0].when <= t.now {
		e := heap.Pop(&t.events).(*event)
		e.callback(t.now - e.when)
	}

	next := int64(t.maxSlice)
	if len(t.events) > 0 {
		next = min(next, t.events[0].when-t.now)
	}
	t.slice = int32(max(next, 1))
	t.state.SetDowncount(t.slice)
}

// EnableDecrementer raises a decrementer exception every period cycles.
func (t *Timer) EnableDecrementer(exceptions *ExceptionController, period int64) {
	if period <= 0 || t.decrementer {
		return
	}
	t.exceptions = exceptions
	t.decPeriod = period
	t.decrementer = true
	t.Schedule(period, "decrementer", t.fireDecrementer)
}

func (t *Timer) fireDecrementer(late int64) {
	t.state.Raise(ExceptionDecrementer)
	t.Schedule(max(t.decPeriod-late, 1), "decrementer", t.fireDecrementer)
}
