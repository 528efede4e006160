// Package reactor provides the single-threaded event loop that drives the
// protocol engine: fd readiness callbacks, one-shot timers and functions
// posted from other goroutines all run on the loop goroutine.
package reactor

import (
	"container/heap"
	"time"
)

// Scheduler arms one-shot callbacks. Callbacks run on the reactor goroutine
// and AfterFunc must only be called from it.
type Scheduler interface {
	// Now returns the scheduler's clock.
	Now() time.Time

	// AfterFunc runs fn once after d. A zero delay runs fn on the next tick,
	// never synchronously. The returned function cancels a pending call.
	AfterFunc(d time.Duration, fn func()) (cancel func())
}

// Executor runs functions on the reactor goroutine from any goroutine.
type Executor interface {
	// Post queues fn without waiting.
	Post(fn func())
}

// Timer is a re-armable one-shot timer bound to a Scheduler.
type Timer struct {
	s      Scheduler
	fn     func()
	cancel func()
	gen    uint64
}

// NewTimer returns a stopped timer that calls fn when it fires.
func NewTimer(s Scheduler, fn func()) *Timer {
	return &Timer{s: s, fn: fn}
}

// Reset cancels any pending expiry and arms the timer to fire after d.
func (t *Timer) Reset(d time.Duration) {
	t.Stop()
	gen := t.gen
	t.cancel = t.s.AfterFunc(d, func() {
		if t.gen != gen {
			return
		}
		t.cancel = nil
		t.fn()
	})
}

// Stop cancels a pending expiry.
func (t *Timer) Stop() {
	t.gen++
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

// Armed reports whether an expiry is pending.
func (t *Timer) Armed() bool { return t.cancel != nil }

type timerEntry struct {
	when  time.Time
	seq   uint64
	fn    func()
	index int
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// timerQueue orders pending callbacks by deadline, FIFO among equal
// deadlines.
type timerQueue struct {
	h   timerHeap
	seq uint64
}

func (q *timerQueue) add(when time.Time, fn func()) func() {
	q.seq++
	e := &timerEntry{when: when, seq: q.seq, fn: fn}
	heap.Push(&q.h, e)
	return func() {
		if e.index >= 0 {
			heap.Remove(&q.h, e.index)
		}
	}
}

func (q *timerQueue) len() int { return q.h.Len() }

func (q *timerQueue) next() (time.Time, bool) {
	if q.h.Len() == 0 {
		return time.Time{}, false
	}
	return q.h[0].when, true
}

// popDue removes and returns the earliest callback due at now.
func (q *timerQueue) popDue(now time.Time) (func(), bool) {
	if q.h.Len() == 0 || q.h[0].when.After(now) {
		return nil, false
	}
	e := heap.Pop(&q.h).(*timerEntry)
	return e.fn, true
}

// runDue fires callbacks due at now, including ones armed while running
// with a deadline not after now. limit bounds the work of one tick.
func (q *timerQueue) runDue(now time.Time, limit int) int {
	n := 0
	for n < limit {
		fn, ok := q.popDue(now)
		if !ok {
			break
		}
		fn()
		n++
	}
	return n
}
