// Package connector composes the Connection Factory Registry, the
// Acceptor Pool, and the shared buffer pool into a runnable network
// endpoint: binding a listener, accepting connections, and handing each
// to the registered protocol's ConnectionFactory.
package connector

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	engine "github.com/vanterhall/httpengine"
	"github.com/vanterhall/httpengine/acceptor"
	"github.com/vanterhall/httpengine/bufpool"
	"github.com/vanterhall/httpengine/channel"
	"github.com/vanterhall/httpengine/internal/logging"
	"github.com/vanterhall/httpengine/registry"
)

// Connector owns one bound listener, its acceptor pool, and the protocol
// registry that turns accepted connections into running Connections.
type Connector struct {
	name     string
	cfg      Config
	log      *slog.Logger
	registry *registry.Registry
	pool     *acceptor.Pool
	bufs     *bufpool.Pool
	srv      *engine.Server

	listener net.Listener

	acceptedTotal prometheus.Counter
	activeConns   prometheus.Gauge
	chMetrics     channelMetrics
}

// channelMetrics are the byte-level counters threaded into every Channel
// this connector creates, via channel.Hooks' OnBytes*/OnFlush callbacks
// (channel itself stays free of a direct Prometheus dependency, unlike
// bufpool.Pool, which registers its own collectors).
type channelMetrics struct {
	inputArrived  prometheus.Counter
	inputConsumed prometheus.Counter
	outputWritten prometheus.Counter
	outputFlushes prometheus.Counter
}

func newChannelMetrics() channelMetrics {
	return channelMetrics{
		inputArrived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "httpengine_channel_input_bytes_arrived_total",
			Help: "Total request body bytes handed to Input by the parser.",
		}),
		inputConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "httpengine_channel_input_bytes_consumed_total",
			Help: "Total request body bytes read out of Input by handlers.",
		}),
		outputWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "httpengine_channel_output_bytes_written_total",
			Help: "Total response bytes flushed by Output.",
		}),
		outputFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "httpengine_channel_output_flushes_total",
			Help: "Total number of Output flushes (aggregated or direct).",
		}),
	}
}

func (m channelMetrics) register(reg *prometheus.Registry) {
	if reg == nil {
		return
	}
	reg.MustRegister(m.inputArrived, m.inputConsumed, m.outputWritten, m.outputFlushes)
}

// New builds a Connector bound to handler for every accepted HTTP/1.1
// connection. reg may be nil to skip metrics registration.
func New(handler channel.Handler, cfg Config, reg *prometheus.Registry, log *slog.Logger) (*Connector, error) {
	if log == nil {
		log = slog.Default()
	}

	var registerer prometheus.Registerer
	if reg != nil {
		registerer = reg
	}

	c := &Connector{
		name:     "connector-" + uuid.NewString(),
		cfg:      cfg,
		log:      log,
		registry: &registry.Registry{},
		bufs:     bufpool.New(registerer),
		srv: &engine.Server{
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
			ReadTimeout:       cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       cfg.IdleTimeout,
			MaxHeaderBytes:    cfg.MaxHeaderBytes,
			ErrorLog:          logging.StdLogger(log, slog.LevelError),
		},
		acceptedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "httpengine_connector_accepted_total",
			Help: "Total connections accepted by this connector.",
		}),
		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "httpengine_connector_active_connections",
			Help: "Connections currently being served by this connector.",
		}),
	}
	if reg != nil {
		reg.MustRegister(c.acceptedTotal, c.activeConns)
	}
	c.chMetrics = newChannelMetrics()
	c.chMetrics.register(reg)

	factory := newTCPFactory(c.srv, handler, c.bufs, cfg, log, c.chMetrics)
	if err := c.registry.AddFirst(factory); err != nil {
		return nil, err
	}

	c.pool = acceptor.New(c, acceptor.Config{
		Size:        cfg.AcceptorCount,
		StopTimeout: cfg.AcceptorStopTimeout,
		Logger:      log,
	})
	return c, nil
}

// Name satisfies registry.Connector.
func (c *Connector) Name() string { return c.name }

// Start binds the listener and launches the acceptor pool. It returns
// once the listener is bound; acceptors run until Stop is called. ctx
// being done does not close the listener, so an acceptor blocked in the
// listener's Accept stays there until Stop.
func (c *Connector) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", c.cfg.Addr)
	if err != nil {
		return err
	}
	if tcpLn, ok := ln.(*net.TCPListener); ok {
		ln = engine.NewKeepAliveListener(tcpLn)
	}
	c.listener = ln
	c.registry.SetRunning(true)
	c.pool.Start(ctx)
	c.log.Info("connector: listening", "addr", ln.Addr().String())
	return nil
}

// Stop stops accepting new connections and waits up to the configured
// timeout for in-flight acceptors to exit.
func (c *Connector) Stop() bool {
	// Close the listener first: acceptors blocked in Accept only return
	// once it is closed, so the pool can then drain within its timeout.
	if c.listener != nil {
		c.listener.Close()
	}
	stopped := c.pool.Stop(c.cfg.AcceptorStopTimeout)
	c.registry.SetRunning(false)
	return stopped
}

// Accept implements acceptor.Accepter: it blocks on the listener and
// hands each accepted socket to the default protocol's ConnectionFactory.
func (c *Connector) Accept(ctx context.Context, id int) error {
	nc, err := c.listener.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, net.ErrClosed) {
			return acceptor.ErrClosedByInterrupt
		}
		return err
	}

	c.acceptedTotal.Inc()
	factory, ok := c.registry.Get(c.registry.DefaultProtocol())
	if !ok {
		nc.Close()
		return nil
	}
	tcp, ok := factory.(*tcpFactory)
	if !ok {
		nc.Close()
		return nil
	}

	conn := tcp.newConnection(nc)
	c.activeConns.Inc()
	go func() {
		defer c.activeConns.Dec()
		conn.Serve()
	}()
	return nil
}
