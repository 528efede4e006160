package tcp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lateCaller queues functions and runs them only when drained, like a
// loop that is busy when the caller's context ends.
type lateCaller struct{ queued []func() }

func (c *lateCaller) Call(ctx context.Context, fn func()) error {
	c.queued = append(c.queued, fn)
	return ctx.Err()
}

func (c *lateCaller) drain() {
	for len(c.queued) > 0 {
		fn := c.queued[0]
		c.queued = c.queued[1:]
		fn()
	}
}

func TestDialAfterDeadlineOpensNothing(t *testing.T) {
	h := newHarness()
	loop := &lateCaller{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c, err := Dial(ctx, loop, h.demux, agentIP, serverAddr)
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, c)

	loop.drain()
	h.clock.Advance(0)
	assert.Equal(t, 0, h.demux.Metrics().Endpoints)
	assert.Empty(t, h.out.take())
}
