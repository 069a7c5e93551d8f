package connector

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	engine "github.com/vanterhall/httpengine"
	"github.com/vanterhall/httpengine/bufpool"
	"github.com/vanterhall/httpengine/channel"
)

// tcpFactory is the default plain-TCP ConnectionFactory: it answers to
// "http/1.1" and "http", and turns each accepted net.Conn into a
// connection that drives engine's request parser through one
// channel.Channel, recycled for each exchange on that connection.
type tcpFactory struct {
	srv     *engine.Server
	handler channel.Handler
	bufs    *bufpool.Pool
	cfg     Config
	log     *slog.Logger
	metrics channelMetrics
}

func newTCPFactory(srv *engine.Server, handler channel.Handler, bufs *bufpool.Pool, cfg Config, log *slog.Logger, metrics channelMetrics) *tcpFactory {
	return &tcpFactory{srv: srv, handler: handler, bufs: bufs, cfg: cfg, log: log, metrics: metrics}
}

func (f *tcpFactory) Protocol() string    { return "http/1.1" }
func (f *tcpFactory) Protocols() []string { return []string{"http/1.1", "http"} }

// newConnection builds the per-socket Connection the registry hands back
// to the acceptor's caller; Serve runs the connection's request loop.
func (f *tcpFactory) newConnection(rwc net.Conn) *tcpConnection {
	return &tcpConnection{
		rwc:     rwc,
		conn:    engine.ExportServerNewConn(f.srv, rwc),
		ctx:     engine.ContextWithServer(context.Background(), f.srv),
		handler: f.handler,
		bufs:    f.bufs,
		cfg:     f.cfg,
		log:     f.log,
		metrics: f.metrics,
	}
}

// tcpConnection implements registry.Connection: one goroutine reads and
// dispatches requests sequentially off rwc, same as the teacher's
// conn.serve loop, except each exchange runs through the async channel
// action loop instead of calling a Handler synchronously inline.
type tcpConnection struct {
	rwc     net.Conn
	conn    engine.ServerConn
	ctx     context.Context
	handler channel.Handler
	bufs    *bufpool.Pool
	cfg     Config
	log     *slog.Logger
	metrics channelMetrics
}

func (c *tcpConnection) Serve() {
	defer c.conn.Close()
	var ch *channel.Channel
	for {
		req, resp, err := c.conn.ReadNextRequest(c.ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.log.Debug("connector: request read failed", "remote_addr", c.rwc.RemoteAddr(), "error", err)
			}
			return
		}

		keepAlive, next := c.serveOne(ch, req, resp)
		if !keepAlive {
			c.conn.CloseWrite()
			return
		}
		ch = next
	}
}

// serveOne drives one request/response exchange on ch, allocating a fresh
// Channel only for the connection's first request; every subsequent
// pipelined request recycles the same Channel (spec's "reused across
// requests on a persistent connection via recycle") and is just rebound to
// a new Transport, since each request gets its own engine.Response. It
// reports whether the connection should keep reading pipelined requests,
// and the Channel to reuse (or recycle) for the next one.
func (c *tcpConnection) serveOne(ch *channel.Channel, req *engine.Request, resp engine.Response) (bool, *channel.Channel) {
	tp := newWireTransport(resp, nil)
	if ch == nil {
		ch = channel.NewChannel(
			uuid.NewString(),
			tp,
			c.handler,
			channel.Hooks{
				ScheduleTimeout:      scheduleTimeout,
				CancelTimeout:        func() {},
				RegisterReadInterest: func() {},
				Wake:                 func() {},
				OnBytesArrived:       func(n int) { c.metrics.inputArrived.Add(float64(n)) },
				OnBytesConsumed:      func(n int) { c.metrics.inputConsumed.Add(float64(n)) },
				OnBytesWritten:       func(n int) { c.metrics.outputWritten.Add(float64(n)) },
				OnFlush:              func() { c.metrics.outputFlushes.Inc() },
			},
			c.cfg.OutputBufferSize,
			c.cfg.OutputCommitSize,
		)
	} else if err := ch.Recycle(); err != nil {
		c.log.Debug("connector: channel recycle failed, dropping connection", "remote_addr", c.rwc.RemoteAddr(), "error", err)
		return false, nil
	} else {
		ch.SetTransport(tp)
	}
	tp.bind(ch)

	done := make(chan struct{})
	ch.OnCompletion(func() { close(done) })

	if req.Body != nil {
		go c.pumpBody(ch, req.Body)
	} else {
		ch.OnContentComplete()
	}

	ch.OnRequest(&channel.ExchangeRequest{
		Method:  req.Method,
		Target:  req.RequestURI,
		Proto:   req.Proto,
		Headers: map[string][]string(req.Header),
	})
	<-done

	if !tp.keepAlive() {
		return false, nil
	}
	return true, ch
}

// pumpBody feeds req's body into ch's HttpInput as it's read off the
// wire, mirroring how the teacher's background-read goroutine keeps the
// connection responsive while a handler consumes the body.
func (c *tcpConnection) pumpBody(ch *channel.Channel, body io.ReadCloser) {
	buf := c.bufs.Lease(c.cfg.ReadBufferSize)
	defer c.bufs.Release(buf)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			doneCh := make(chan struct{})
			ch.OnContent(chunk, func(error) { close(doneCh) })
			<-doneCh
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				ch.OnContentComplete()
			} else {
				ch.OnEarlyEOF()
			}
			return
		}
	}
}

// scheduleTimeout implements channel.Hooks.ScheduleTimeout with a plain
// one-shot timer; this connector doesn't need a cancel handle because
// each per-request Channel only ever arms one timeout at a time and
// CancelTimeout is a no-op once the exchange completes and the timer's
// target state has already moved on.
func scheduleTimeout(d time.Duration, fire func()) {
	time.AfterFunc(d, fire)
}
