package reactor

import (
	"time"
)

// Manual is a deterministic Scheduler and Executor for tests. Time only
// moves when Advance is called.
type Manual struct {
	now    time.Time
	q      timerQueue
	posted []func()
}

// NewManual returns a Manual clock starting at a fixed instant.
func NewManual() *Manual {
	return &Manual{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (m *Manual) Now() time.Time { return m.now }

func (m *Manual) AfterFunc(d time.Duration, fn func()) func() {
	if d < 0 {
		d = 0
	}
	return m.q.add(m.now.Add(d), fn)
}

// Post queues fn for the next Advance.
func (m *Manual) Post(fn func()) { m.posted = append(m.posted, fn) }

// Pending returns the number of armed timers.
func (m *Manual) Pending() int { return m.q.len() }

// Advance moves the clock forward by d, firing posted functions and every
// timer whose deadline is reached, in deadline order. Advance(0) fires
// callbacks scheduled for the current instant.
func (m *Manual) Advance(d time.Duration) {
	target := m.now.Add(d)
	for {
		for len(m.posted) > 0 {
			fn := m.posted[0]
			m.posted = m.posted[1:]
			fn()
		}
		when, ok := m.q.next()
		if !ok || when.After(target) {
			break
		}
		if when.After(m.now) {
			m.now = when
		}
		if fn, ok := m.q.popDue(m.now); ok {
			fn()
		}
	}
	m.now = target
}
