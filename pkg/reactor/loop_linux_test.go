//go:build linux

package reactor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type runningLoop struct {
	*Loop
	cancel  context.CancelFunc
	stopped chan struct{}
	err     error
}

func startLoop(t *testing.T) *runningLoop {
	t.Helper()
	l, err := NewLoop()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	rl := &runningLoop{Loop: l, cancel: cancel, stopped: make(chan struct{})}
	go func() {
		rl.err = l.Run(ctx)
		close(rl.stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-rl.stopped
		l.Close()
	})
	return rl
}

func TestLoopReadable(t *testing.T) {
	l := startLoop(t)

	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	got := make(chan string, 1)
	require.NoError(t, l.Call(context.Background(), func() {
		err := l.RegisterReadable(fds[0], func() {
			buf := make([]byte, 64)
			n, _ := unix.Read(fds[0], buf)
			if n > 0 {
				got <- string(buf[:n])
			}
		})
		assert.NoError(t, err)
	}))

	_, err := unix.Write(fds[1], []byte("ping"))
	require.NoError(t, err)

	select {
	case s := <-got:
		assert.Equal(t, "ping", s)
	case <-time.After(2 * time.Second):
		t.Fatal("readable callback not invoked")
	}

	require.NoError(t, l.Call(context.Background(), func() {
		assert.NoError(t, l.Unregister(fds[0]))
	}))
}

func TestLoopTimersAndPost(t *testing.T) {
	l := startLoop(t)

	fired := make(chan time.Duration, 1)
	start := time.Now()
	l.Post(func() {
		l.AfterFunc(30*time.Millisecond, func() { fired <- time.Since(start) })
	})

	select {
	case d := <-fired:
		assert.GreaterOrEqual(t, d, 30*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestLoopStopsOnCancel(t *testing.T) {
	l := startLoop(t)
	l.cancel()
	select {
	case <-l.stopped:
		assert.ErrorIs(t, l.err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
	ran := false
	assert.ErrorIs(t, l.Call(context.Background(), func() { ran = true }), ErrClosed)
	assert.False(t, ran)
}
