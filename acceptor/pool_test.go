package acceptor_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vanterhall/httpengine/acceptor"
)

type countingAccepter struct {
	calls int64
	delay time.Duration
}

func (c *countingAccepter) Accept(ctx context.Context, id int) error {
	atomic.AddInt64(&c.calls, 1)
	select {
	case <-time.After(c.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestPool_AllAcceptorsRun(t *testing.T) {
	accepter := &countingAccepter{delay: 5 * time.Millisecond}
	pool := acceptor.New(accepter, acceptor.Config{Size: 4})
	pool.Start(context.Background())

	assert.Eventually(t, func() bool {
		return atomic.LoadInt64(&accepter.calls) >= 4
	}, time.Second, time.Millisecond)

	assert.True(t, pool.Stop(time.Second))
}

func TestPool_StopReturnsPromptlyWhenLongAcceptHonorsCancel(t *testing.T) {
	accepter := &countingAccepter{delay: time.Hour}
	pool := acceptor.New(accepter, acceptor.Config{Size: 1})
	pool.Start(context.Background())

	assert.Eventually(t, func() bool {
		return atomic.LoadInt64(&accepter.calls) >= 1
	}, time.Second, time.Millisecond)

	// Accept respects ctx cancellation in this fake, so Stop should still
	// observe a prompt, successful shutdown.
	assert.True(t, pool.Stop(time.Second))
}
