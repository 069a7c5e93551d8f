package channel

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// Handler processes one request/response cycle on a Channel. It is invoked
// from the action loop for DISPATCH, ASYNC_DISPATCH and ERROR_DISPATCH
// actions; the engine's routing/handler-chain concerns live above this
// package and only need to satisfy this interface.
type Handler interface {
	HandleRequest(ch *Channel)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ch *Channel)

func (f HandlerFunc) HandleRequest(ch *Channel) { f(ch) }

// Transport is the egress abstraction a Channel commits its response
// through (spec §4.7): a thin wrapper over the connection's wire writer.
type Transport interface {
	// Send writes a response head (on first call per response) or body
	// bytes, invoking cb exactly once when the bytes are durably written
	// or have failed.
	Send(buf []byte, last bool, cb func(error))
	// Abort tears down the underlying connection after an unrecoverable
	// failure; no further Send calls are valid afterward.
	Abort(err error)
	// Completed signals normal end-of-response on a persistent transport,
	// allowing pipelined reuse.
	Completed()
}

// ErrMaxErrorDispatchDepth bounds the number of ERROR_DISPATCH cycles the
// loop will run for one request before giving up and aborting (spec §7:
// an error handler that itself errors must not loop forever).
var ErrMaxErrorDispatchDepth = errors.New("channel: exceeded maximum error-dispatch depth")

const maxErrorDispatchDepth = 4

// Channel drives one logical request/response exchange (and, on a
// persistent connection, the sequence of them) through the action loop
// described in spec §4.3. It owns the per-exchange State, Input and
// Output, and is handed to the Handler for the duration of a dispatch.
type Channel struct {
	ID string

	state  *State
	Input  *Input
	Output *Output

	transport Transport
	handler   Handler

	committed int32 // atomic flag: 0 = not yet committed, 1 = committed
	handled   int32 // atomic flag: 0 = not yet handled, 1 = handled (spec §4.3 COMPLETE row)

	request  *ExchangeRequest
	response *ExchangeResponse
	lastErr  error

	onCompleteOnce []func()
}

// DispatcherType records which of the three dispatch paths (spec §4.3)
// produced the current call into the Handler: an ordinary request, an
// async redispatch, or an error dispatch following a failure.
type DispatcherType int

const (
	DispatcherRequest DispatcherType = iota
	DispatcherAsync
	DispatcherError
)

func (d DispatcherType) String() string {
	switch d {
	case DispatcherAsync:
		return "ASYNC"
	case DispatcherError:
		return "ERROR"
	default:
		return "REQUEST"
	}
}

// ExchangeRequest is the minimal request metadata the action loop and
// handler need; the engine's richer parsed-request type is layered above
// this and adapted down to it.
type ExchangeRequest struct {
	Method     string
	Target     string
	Proto      string
	Headers    map[string][]string
	Dispatcher DispatcherType
}

// ExchangeResponse is the response the Handler populates before the first
// byte commits; Status/Headers are immutable after Commit.
type ExchangeResponse struct {
	Status  int
	Headers map[string][]string
}

// NewChannel builds a Channel bound to transport and handler. hooks wires
// the State machine to the owning connector's scheduler and read-interest
// registration.
func NewChannel(id string, transport Transport, handler Handler, hooks Hooks, bufferSize, commitSize int) *Channel {
	ch := &Channel{
		ID:        id,
		transport: transport,
		handler:   handler,
		request:   &ExchangeRequest{},
		response:  &ExchangeResponse{Status: 200, Headers: map[string][]string{}},
	}
	ch.state = New(hooks)
	ch.Input = NewInput(nil, InputHooks{
		RegisterReadInterest: hooks.RegisterReadInterest,
		IsCommitted:          ch.IsCommitted,
		Abort:                ch.abortFromInput,
		OnArrived:            hooks.OnBytesArrived,
		OnConsumed:           hooks.OnBytesConsumed,
	})
	ch.Output = NewOutput(bufferSize, commitSize, OutputHooks{
		Flush:       ch.flushToTransport,
		Abort:       ch.abortFromOutput,
		Wake:        hooks.Wake,
		MarkHandled: ch.markHandled,
		OnWritten:   hooks.OnBytesWritten,
		OnFlush:     hooks.OnFlush,
	})
	return ch
}

func (ch *Channel) abortFromInput(err error)  { ch.transport.Abort(err) }
func (ch *Channel) abortFromOutput(err error) { ch.transport.Abort(err) }

func (ch *Channel) flushToTransport(buf []byte, last bool, cb func(error)) {
	atomic.StoreInt32(&ch.committed, 1)
	ch.transport.Send(buf, last, cb)
}

// IsCommitted reports whether any response bytes have been flushed yet.
func (ch *Channel) IsCommitted() bool { return atomic.LoadInt32(&ch.committed) == 1 }

func (ch *Channel) markHandled() { atomic.StoreInt32(&ch.handled, 1) }

// IsHandled reports whether the handler has produced (or explicitly
// claimed) a response for the current exchange. A Handler that returns
// without writing anything and without calling SetHandled leaves this
// false, and completeLocked falls back to a 404 (spec §4.3 COMPLETE row).
func (ch *Channel) IsHandled() bool { return atomic.LoadInt32(&ch.handled) == 1 }

// SetHandled lets a Handler claim the exchange explicitly (e.g. after
// setting Status/Headers with no body) without that being inferred only
// from a subsequent Output.Write.
func (ch *Channel) SetHandled() { ch.markHandled() }

// Request returns the current exchange's request metadata.
func (ch *Channel) Request() *ExchangeRequest { return ch.request }

// Response returns the current exchange's response metadata. Mutating it
// after Commit has no effect on what was already flushed.
func (ch *Channel) Response() *ExchangeResponse { return ch.response }

// State exposes the underlying lifecycle state machine (for async
// servlet-style APIs layered on top: startAsync, dispatch, complete).
func (ch *Channel) State() *State { return ch.state }

// OnRequest is the parser event that begins a new exchange: it resets
// per-request state and starts the action loop via the DISPATCH action.
func (ch *Channel) OnRequest(req *ExchangeRequest) {
	ch.request = req
	ch.response = &ExchangeResponse{Status: 200, Headers: map[string][]string{}}
	ch.lastErr = nil
	atomic.StoreInt32(&ch.committed, 0)
	atomic.StoreInt32(&ch.handled, 0)
	action := ch.state.StartRequest()
	ch.runFirst(action)
}

// OnContent delivers one chunk of request body bytes from the parser.
func (ch *Channel) OnContent(data []byte, onDone func(error)) {
	ch.Input.AddContent(NewContent(data, onDone))
}

// OnContentComplete and OnRequestComplete are distinguished in the parser
// (trailers may arrive between them) but both simply mark the input EOF
// for this package's purposes; trailer handling lives above this layer.
func (ch *Channel) OnContentComplete() { ch.Input.SetEOF() }
func (ch *Channel) OnRequestComplete() {}

// OnEarlyEOF marks the peer having closed mid-body.
func (ch *Channel) OnEarlyEOF() { ch.Input.SetEarlyEOF() }

// OnBadMessage routes a parse failure that arrives before any request was
// successfully dispatched: it starts a fresh exchange carrying the error
// so the handler (or a wrapping error-page layer) can render it via Err().
func (ch *Channel) OnBadMessage(err error) {
	ch.request = &ExchangeRequest{}
	status := statusForError(err)
	ch.response = &ExchangeResponse{Status: status, Headers: map[string][]string{}}
	ch.lastErr = err
	atomic.StoreInt32(&ch.committed, 0)
	atomic.StoreInt32(&ch.handled, 0)
	action := ch.state.StartRequest()
	ch.runFirst(action)
}

// Err returns the failure that led to the current dispatch, if any (set
// by OnBadMessage, or by a handler/async-listener path that called
// State.OnError and is now running an ERROR_DISPATCH).
func (ch *Channel) Err() error { return ch.lastErr }

// OnReadPossible/OnWritePossible relay transport readiness into the state
// machine, waking a parked action loop if needed.
func (ch *Channel) OnReadPossible() {
	if ch.state.OnReadPossible() {
		ch.Run()
	}
}

func (ch *Channel) OnWritePossible() {
	ch.state.OnWritePossible()
	ch.Run()
}

// Run resumes the action loop from wherever State.Unhandle says it should
// go next: a parked ASYNC_WAIT being woken by a read/write callback or an
// async dispatch/complete request. Entry points that just started a fresh
// dispatch (OnRequest, OnBadMessage) use runFirst instead, since their
// first action comes from StartRequest rather than Unhandle.
func (ch *Channel) Run() {
	if !ch.state.Handling() {
		return
	}
	ch.loopFromUnhandle()
}

// runFirst processes action (the result of StartRequest) before falling
// into the ordinary Unhandle-driven loop.
func (ch *Channel) runFirst(action Action) {
	if !ch.state.Handling() {
		return
	}
	if ch.process(action) {
		return
	}
	ch.loopFromUnhandle()
}

func (ch *Channel) loopFromUnhandle() {
	for {
		action := ch.state.Unhandle()
		if ch.process(action) {
			return
		}
		if !ch.state.Handling() {
			return
		}
	}
}

// process executes the side effects of one action and reports whether the
// loop should stop running (WAIT or TERMINATED, including an aborted
// error-dispatch depth overrun).
func (ch *Channel) process(action Action) (stop bool) {
	switch action {
	case ActionDispatch:
		ch.request.Dispatcher = DispatcherRequest
		ch.invokeHandler()
		return false
	case ActionAsyncDispatch:
		ch.request.Dispatcher = DispatcherAsync
		ch.invokeHandler()
		return false
	case ActionErrorDispatch:
		if ch.state.IncErrorDispatchDepth() > maxErrorDispatchDepth {
			ch.transport.Abort(ErrMaxErrorDispatchDepth)
			return true
		}
		ch.request.Dispatcher = DispatcherError
		ch.invokeHandler()
		return false
	case ActionReadCallback:
		ch.Input.Run()
		return false
	case ActionWriteCallback:
		ch.Output.Run()
		return false
	case ActionComplete:
		ch.completeLocked()
		return true
	default: // ActionWait, ActionTerminated
		return true
	}
}

func (ch *Channel) invokeHandler() {
	if ch.handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			var err error
			if e, ok := r.(error); ok {
				err = e
			} else {
				err = errors.New("channel: handler panicked")
			}
			ch.lastErr = err
			ch.state.OnError(err)
		}
	}()
	ch.handler.HandleRequest(ch)
}

// completeLocked implements the spec §4.3 COMPLETE row: if the exchange
// was never committed and the handler never claimed it (via a write or
// SetHandled), the response becomes a 404 before anything is flushed.
// It then closes the output (flushing any still-aggregated bytes, or an
// empty buffer, as the final write if no final write was made yet), marks
// the state COMPLETED, fires OnComplete on any registered async listeners,
// runs the Channel's own completion callbacks and tells the transport the
// exchange is done.
func (ch *Channel) completeLocked() {
	if !ch.IsCommitted() && !ch.IsHandled() {
		ch.response.Status = 404
	}
	_ = ch.Output.Close()
	event, listeners := ch.state.CompleteDispatch()
	for _, l := range listeners {
		l.OnComplete(event)
	}
	for _, fn := range ch.onCompleteOnce {
		fn()
	}
	ch.onCompleteOnce = nil
	ch.transport.Completed()
}

// OnCompletion registers fn to run once, when the current exchange
// completes (spec's async listener OnComplete analogue for non-async
// requests too).
func (ch *Channel) OnCompletion(fn func()) {
	ch.onCompleteOnce = append(ch.onCompleteOnce, fn)
}

// Recycle prepares the Channel for the next request on a persistent
// connection.
func (ch *Channel) Recycle() error {
	if err := ch.state.Recycle(); err != nil {
		return err
	}
	ch.Output.ResetForRequest()
	ch.Input.ResetForRequest()
	return nil
}

// SetTransport rebinds the Channel to a new Transport, for a persistent
// connection that hands a fresh egress wrapper to each pipelined request
// (e.g. one tied to a new response writer) while reusing the Channel
// itself across Recycle calls.
func (ch *Channel) SetTransport(t Transport) { ch.transport = t }

// StartAsync begins an async cycle with a default timeout, matching the
// servlet-style startAsync/dispatch/complete continuation model (spec
// §4.4, §9 design notes).
func (ch *Channel) StartAsync(ctx context.Context, timeout time.Duration, listeners ...AsyncListener) *AsyncEvent {
	return ch.state.StartAsync(ctx, timeout.Milliseconds(), listeners...)
}

// AsyncDispatch requests the async cycle redispatch to path, waking the
// action loop to run it.
func (ch *Channel) AsyncDispatch(ctx context.Context, path string) error {
	if err := ch.state.Dispatch(ctx, path); err != nil {
		return err
	}
	ch.Run()
	return nil
}

// AsyncComplete requests the async cycle end and the response finish.
func (ch *Channel) AsyncComplete() error {
	if err := ch.state.Complete(); err != nil {
		return err
	}
	ch.Run()
	return nil
}
