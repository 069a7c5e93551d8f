package channel_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanterhall/httpengine/channel"
)

type fakeTransport struct {
	mu        sync.Mutex
	sent      [][]byte
	completed int
	aborted   error
}

func (t *fakeTransport) Send(buf []byte, last bool, cb func(error)) {
	t.mu.Lock()
	t.sent = append(t.sent, append([]byte(nil), buf...))
	t.mu.Unlock()
	cb(nil)
}

func (t *fakeTransport) Abort(err error) {
	t.mu.Lock()
	t.aborted = err
	t.mu.Unlock()
}

func (t *fakeTransport) Completed() {
	t.mu.Lock()
	t.completed++
	t.mu.Unlock()
}

func newTestChannel(handler channel.Handler) (*channel.Channel, *fakeTransport) {
	tp := &fakeTransport{}
	ch := channel.NewChannel("test", tp, handler, channel.Hooks{}, 4096, 4096)
	return ch, tp
}

func TestChannel_SynchronousRequestCompletesOnce(t *testing.T) {
	var handled int
	h := channel.HandlerFunc(func(ch *channel.Channel) {
		handled++
		require.NoError(t, ch.Output.Write([]byte("ok"), true))
	})
	ch, tp := newTestChannel(h)

	ch.OnRequest(&channel.ExchangeRequest{Method: "GET", Target: "/"})

	assert.Equal(t, 1, handled)
	assert.Equal(t, 1, tp.completed)
	require.Len(t, tp.sent, 1)
	assert.Equal(t, "ok", string(tp.sent[0]))
}

func TestChannel_BadMessageDispatchesWithError(t *testing.T) {
	var seenErr error
	h := channel.HandlerFunc(func(ch *channel.Channel) {
		seenErr = ch.Err()
		require.NoError(t, ch.Output.Write(nil, true))
	})
	ch, tp := newTestChannel(h)

	ch.OnBadMessage(channel.NewBadMessageError(400, "malformed request line"))

	require.Error(t, seenErr)
	assert.Equal(t, 400, ch.Response().Status)
	assert.Equal(t, 1, tp.completed)
}

func TestChannel_AsyncCompleteFinishesResponseLater(t *testing.T) {
	var asyncComplete func() error
	h := channel.HandlerFunc(func(ch *channel.Channel) {
		ch.StartAsync(nil, 0)
		asyncComplete = func() error {
			require.NoError(t, ch.Output.Write([]byte("later"), true))
			return ch.AsyncComplete()
		}
	})
	ch, tp := newTestChannel(h)

	ch.OnRequest(&channel.ExchangeRequest{Method: "GET", Target: "/async"})
	assert.Equal(t, 0, tp.completed, "async cycle must not complete until AsyncComplete is called")

	require.NotNil(t, asyncComplete)
	require.NoError(t, asyncComplete())

	assert.Equal(t, 1, tp.completed)
	require.Len(t, tp.sent, 1)
	assert.Equal(t, "later", string(tp.sent[0]))
}

func TestChannel_UnhandledRequestCompletesWithNotFound(t *testing.T) {
	h := channel.HandlerFunc(func(ch *channel.Channel) {
		// Deliberately does nothing: no write, no SetHandled.
	})
	ch, tp := newTestChannel(h)

	ch.OnRequest(&channel.ExchangeRequest{Method: "GET", Target: "/nope"})

	assert.Equal(t, 404, ch.Response().Status)
	assert.Equal(t, 1, tp.completed)
}

func TestChannel_SetHandledSuppressesNotFoundEvenWithoutWrite(t *testing.T) {
	h := channel.HandlerFunc(func(ch *channel.Channel) {
		ch.SetHandled()
	})
	ch, tp := newTestChannel(h)

	ch.OnRequest(&channel.ExchangeRequest{Method: "GET", Target: "/empty-but-handled"})

	assert.Equal(t, 200, ch.Response().Status)
	assert.Equal(t, 1, tp.completed)
}

func TestChannel_DispatcherTypeReflectsDispatchPath(t *testing.T) {
	var seen []channel.DispatcherType
	var redispatch func() error
	h := channel.HandlerFunc(func(ch *channel.Channel) {
		seen = append(seen, ch.Request().Dispatcher)
		switch len(seen) {
		case 1:
			ch.StartAsync(context.Background(), 0)
			redispatch = func() error { return ch.AsyncDispatch(context.Background(), "/again") }
		case 2:
			require.NoError(t, ch.Output.Write([]byte("done"), true))
		}
	})
	ch, _ := newTestChannel(h)

	ch.OnRequest(&channel.ExchangeRequest{Method: "GET", Target: "/async"})
	require.NotNil(t, redispatch)
	require.NoError(t, redispatch())

	require.Len(t, seen, 2)
	assert.Equal(t, channel.DispatcherRequest, seen[0])
	assert.Equal(t, channel.DispatcherAsync, seen[1])
}

func TestChannel_AsyncListenerOnCompleteFires(t *testing.T) {
	var completed int
	listener := stubAsyncListener{onComplete: func(*channel.AsyncEvent) { completed++ }}

	h := channel.HandlerFunc(func(ch *channel.Channel) {
		ch.StartAsync(nil, 0, listener)
		require.NoError(t, ch.AsyncComplete())
	})
	ch, _ := newTestChannel(h)

	ch.OnRequest(&channel.ExchangeRequest{Method: "GET", Target: "/async-listener"})

	assert.Equal(t, 1, completed)
}

type stubAsyncListener struct {
	onComplete func(*channel.AsyncEvent)
}

func (stubAsyncListener) OnTimeout(*channel.AsyncEvent)           {}
func (stubAsyncListener) OnError(*channel.AsyncEvent, error)      {}
func (stubAsyncListener) OnStartAsync(*channel.AsyncEvent)        {}
func (s stubAsyncListener) OnComplete(event *channel.AsyncEvent) {
	if s.onComplete != nil {
		s.onComplete(event)
	}
}

func TestChannel_RecycleResetsInputForNextRequest(t *testing.T) {
	var bodies []string
	h := channel.HandlerFunc(func(ch *channel.Channel) {
		buf := make([]byte, 16)
		n, _ := ch.Input.Read(buf)
		bodies = append(bodies, string(buf[:n]))
		require.NoError(t, ch.Output.Write([]byte("ok"), true))
	})
	ch, _ := newTestChannel(h)

	ch.OnContent([]byte("first"), func(error) {})
	ch.OnContentComplete()
	ch.OnRequest(&channel.ExchangeRequest{Method: "GET", Target: "/1"})

	require.NoError(t, ch.Recycle())

	// Without ResetForRequest, Input would still be in its terminal EOF
	// state from the first request and reject this content outright.
	ch.OnContent([]byte("second"), func(error) {})
	ch.OnContentComplete()
	ch.OnRequest(&channel.ExchangeRequest{Method: "GET", Target: "/2"})

	assert.Equal(t, []string{"first", "second"}, bodies)
}

func TestChannel_MetricsHooksFireOnBytesAndFlush(t *testing.T) {
	var arrived, consumed, written, flushes int
	h := channel.HandlerFunc(func(ch *channel.Channel) {
		buf := make([]byte, 16)
		n, _ := ch.Input.Read(buf)
		_ = n
		require.NoError(t, ch.Output.Write([]byte("reply"), true))
	})
	tp := &fakeTransport{}
	ch := channel.NewChannel("test", tp, h, channel.Hooks{
		OnBytesArrived:  func(n int) { arrived += n },
		OnBytesConsumed: func(n int) { consumed += n },
		OnBytesWritten:  func(n int) { written += n },
		OnFlush:         func() { flushes++ },
	}, 4096, 4096)

	ch.OnContent([]byte("hello"), func(error) {})
	ch.OnContentComplete()
	ch.OnRequest(&channel.ExchangeRequest{Method: "GET", Target: "/metrics"})

	assert.Equal(t, 5, arrived)
	assert.Equal(t, 5, consumed)
	assert.Equal(t, 5, written)
	assert.Equal(t, 1, flushes)
}

func TestChannel_RecycleAllowsNextRequest(t *testing.T) {
	var count int
	h := channel.HandlerFunc(func(ch *channel.Channel) {
		count++
		require.NoError(t, ch.Output.Write([]byte("x"), true))
	})
	ch, tp := newTestChannel(h)

	ch.OnRequest(&channel.ExchangeRequest{Method: "GET", Target: "/1"})
	require.NoError(t, ch.Recycle())
	ch.OnRequest(&channel.ExchangeRequest{Method: "GET", Target: "/2"})

	assert.Equal(t, 2, count)
	assert.Equal(t, 2, tp.completed)
}
