package reactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManualOrdersTimers(t *testing.T) {
	m := NewManual()
	var got []string
	m.AfterFunc(3*time.Second, func() { got = append(got, "c") })
	m.AfterFunc(time.Second, func() { got = append(got, "a") })
	m.AfterFunc(time.Second, func() { got = append(got, "b") })

	m.Advance(999 * time.Millisecond)
	assert.Empty(t, got)

	m.Advance(time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, got)

	m.Advance(5 * time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Equal(t, 0, m.Pending())
}

func TestManualZeroDelayRunsOnNextTick(t *testing.T) {
	m := NewManual()
	fired := false
	m.AfterFunc(0, func() { fired = true })
	assert.False(t, fired)
	m.Advance(0)
	assert.True(t, fired)
}

func TestManualChainedTimersSeeTheirDeadline(t *testing.T) {
	m := NewManual()
	start := m.Now()
	var at []time.Duration
	var tick func()
	tick = func() {
		at = append(at, m.Now().Sub(start))
		if len(at) < 4 {
			m.AfterFunc(3*time.Second, tick)
		}
	}
	m.AfterFunc(3*time.Second, tick)
	m.Advance(time.Minute)
	assert.Equal(t, []time.Duration{3 * time.Second, 6 * time.Second, 9 * time.Second, 12 * time.Second}, at)
}

func TestCancel(t *testing.T) {
	m := NewManual()
	fired := false
	cancel := m.AfterFunc(time.Second, func() { fired = true })
	cancel()
	cancel()
	m.Advance(2 * time.Second)
	assert.False(t, fired)
}

func TestTimerReset(t *testing.T) {
	m := NewManual()
	count := 0
	tm := NewTimer(m, func() { count++ })
	assert.False(t, tm.Armed())

	tm.Reset(time.Second)
	assert.True(t, tm.Armed())
	m.Advance(500 * time.Millisecond)
	tm.Reset(time.Second)
	m.Advance(700 * time.Millisecond)
	assert.Equal(t, 0, count)
	m.Advance(300 * time.Millisecond)
	assert.Equal(t, 1, count)
	assert.False(t, tm.Armed())

	tm.Reset(time.Second)
	tm.Stop()
	m.Advance(time.Hour)
	assert.Equal(t, 1, count)
}

func TestManualPost(t *testing.T) {
	m := NewManual()
	ran := false
	m.Post(func() { ran = true })
	assert.False(t, ran)
	m.Advance(0)
	assert.True(t, ran)
}
