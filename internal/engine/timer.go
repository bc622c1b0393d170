package engine

import (
	"container/heap"
	"time"
)

// Timer is one pending deadline in a TimerQueue.
type Timer struct {
	index    int // position in the heap, -1 once fired or cancelled
	seq      uint64
	deadline time.Time
	owner    any
	onExpire func(owner any)
	stopped  bool
}

func (t *Timer) Deadline() time.Time {
	return t.deadline
}

// Pending reports whether t is still waiting to fire.
func (t *Timer) Pending() bool {
	return t != nil && t.index >= 0
}

type timerHeap []*Timer

func (h timerHeap) Len() int {
	return len(h)
}

// ties on deadline fall back to insertion order
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil // avoid memory leak
	t.index = -1
	*h = old[0 : n-1]
	return t
}

// TimerQueue is a min-heap of deadlines. It is not safe for concurrent use:
// the event loop is its only caller.
type TimerQueue struct {
	h     timerHeap
	seq   uint64
	clock func() time.Time
}

// NewTimerQueue returns an empty queue reading time from clock, or from
// time.Now when clock is nil.
func NewTimerQueue(clock func() time.Time) *TimerQueue {
	if clock == nil {
		clock = time.Now
	}
	q := &TimerQueue{clock: clock}
	heap.Init(&q.h)
	return q
}

func (q *TimerQueue) Now() time.Time {
	return q.clock()
}

// Schedule arms a timer firing d from now.
func (q *TimerQueue) Schedule(owner any, d time.Duration, onExpire func(owner any)) *Timer {
	q.seq++
	t := &Timer{
		seq:      q.seq,
		deadline: q.clock().Add(d),
		owner:    owner,
		onExpire: onExpire,
	}
	heap.Push(&q.h, t)
	return t
}

// Cancel removes t. Cancelling a nil, fired or already cancelled timer is a no-op.
func (q *TimerQueue) Cancel(t *Timer) {
	if t == nil {
		return
	}
	t.stopped = true
	if t.index < 0 || t.index >= len(q.h) || q.h[t.index] != t {
		return
	}
	heap.Remove(&q.h, t.index)
}

// NextDeadline returns the time left until the earliest deadline, clamped at
// zero, and false when nothing is pending.
func (q *TimerQueue) NextDeadline() (time.Duration, bool) {
	if len(q.h) == 0 {
		return 0, false
	}
	d := q.h[0].deadline.Sub(q.clock())
	if d < 0 {
		d = 0
	}
	return d, true
}

// ProcessExpired fires every timer whose deadline is not after now, in
// deadline order, and returns how many fired. Timers scheduled by the
// callbacks themselves wait for the next call.
func (q *TimerQueue) ProcessExpired(now time.Time) int {
	limit := q.seq
	fired := 0
	var later []*Timer
	for len(q.h) > 0 {
		t := q.h[0]
		if t.deadline.After(now) {
			break
		}
		heap.Pop(&q.h)
		if t.seq > limit {
			later = append(later, t)
			continue
		}
		fired++
		if t.onExpire != nil {
			t.onExpire(t.owner)
		}
	}
	for _, t := range later {
		if !t.stopped {
			heap.Push(&q.h, t)
		}
	}
	return fired
}

func (q *TimerQueue) Len() int {
	return len(q.h)
}
