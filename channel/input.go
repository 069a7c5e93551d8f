package channel

import (
	"errors"
	"io"
	"sync"
	"time"
)

// InputState is HttpInput's lifecycle (spec §4.6).
type InputState int

const (
	StreamState InputState = iota
	AsyncState
	EOFState
	AEOFState
	EarlyEOFState
	ErrorInputState
)

// Content is one buffer of inbound body bytes, produced by the parser or
// by an interceptor transform. onDone is invoked exactly once, by
// Succeeded or Failed, whichever happens first.
type Content struct {
	Data     []byte
	Sentinel bool // EOF marker; never delivered as bytes to the caller

	once   sync.Once
	onDone func(error)
}

// NewContent wraps data with a completion callback.
func NewContent(data []byte, onDone func(error)) *Content {
	return &Content{Data: data, onDone: onDone}
}

func (c *Content) Succeeded() { c.finish(nil) }
func (c *Content) Failed(err error) {
	if err == nil {
		err = errors.New("content failed")
	}
	c.finish(err)
}

func (c *Content) finish(err error) {
	c.once.Do(func() {
		if c.onDone != nil {
			c.onDone(err)
		}
	})
}

// Interceptor is an input-pipeline transform stage. Intercept is called
// repeatedly for one raw Content: each call may emit zero or more
// transformed Content items, and reports whether raw has been fully
// consumed (only then may the raw buffer be succeeded upstream). Passing
// raw == nil asks the interceptor to drain any buffered output with no new
// input.
type Interceptor interface {
	Intercept(raw *Content) (transformed []*Content, rawConsumed bool)
}

// IdentityInterceptor passes raw content through unchanged, in one call —
// used to validate byte-for-byte purity (spec invariant 9).
type IdentityInterceptor struct{}

func (IdentityInterceptor) Intercept(raw *Content) ([]*Content, bool) {
	if raw == nil {
		return nil, true
	}
	return []*Content{raw}, true
}

// ReadListener receives async read notifications (servlet-style).
type ReadListener interface {
	OnDataAvailable()
	OnAllDataRead()
	OnError(err error)
}

// InputHooks lets the owning channel observe and react to input-side
// events without Input depending on the channel package.
type InputHooks struct {
	RegisterReadInterest func()
	IsCommitted          func() bool
	Abort                func(error)
	// OnArrived / OnConsumed report byte counts to an external metrics sink
	// as they occur; nil skips reporting.
	OnArrived  func(n int)
	OnConsumed func(n int)
}

// Input is the inbound content queue (spec §4.6).
type Input struct {
	mu   sync.Mutex
	cond *sync.Cond

	state InputState
	err   error

	raw         []*Content // content not yet passed through the interceptor
	transformed []*Content // interceptor output not yet delivered

	interceptor Interceptor

	consumed int64
	arrived  int64

	firstByteAt time.Time
	haveFirst   bool

	minRequestDataRate float64 // bytes/sec; 0 disables the guard
	blockingTimeout    time.Duration

	readListener ReadListener

	hooks InputHooks
}

// NewInput builds an Input in STREAM state. If interceptor is nil, raw
// content is delivered unchanged.
func NewInput(interceptor Interceptor, hooks InputHooks) *Input {
	if interceptor == nil {
		interceptor = IdentityInterceptor{}
	}
	in := &Input{interceptor: interceptor, hooks: hooks}
	in.cond = sync.NewCond(&in.mu)
	return in
}

// ResetForRequest prepares the Input for reuse on the next request of a
// persistent connection: back to STREAM state with empty queues, cleared
// counters and rate-guard timestamps, and no read listener attached.
func (in *Input) ResetForRequest() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.state = StreamState
	in.err = nil
	in.raw = nil
	in.transformed = nil
	in.consumed = 0
	in.arrived = 0
	in.haveFirst = false
	in.firstByteAt = time.Time{}
	in.readListener = nil
}

// Configure sets the minimum ingress rate (bytes/sec, 0 disables) and the
// blocking-read timeout (0 disables) per spec §4.6.
func (in *Input) Configure(minRequestDataRate float64, blockingTimeout time.Duration) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.minRequestDataRate = minRequestDataRate
	in.blockingTimeout = blockingTimeout
}

// AddContent enqueues raw content arriving from the parser. After EOF (or
// in an error state), it fails immediately rather than being queued.
func (in *Input) AddContent(c *Content) {
	in.mu.Lock()
	switch in.state {
	case EOFState, AEOFState, EarlyEOFState, ErrorInputState:
		in.mu.Unlock()
		c.Failed(errors.New("input: content added after terminal state"))
		return
	}
	if !in.haveFirst && !c.Sentinel {
		in.firstByteAt = time.Now()
		in.haveFirst = true
	}
	in.arrived += int64(len(c.Data))
	if in.hooks.OnArrived != nil && len(c.Data) > 0 {
		in.hooks.OnArrived(len(c.Data))
	}
	in.raw = append(in.raw, c)
	in.drainLocked()
	async := in.state == AsyncState
	listener := in.readListener
	hasOutput := len(in.transformed) > 0
	in.cond.Broadcast()
	in.mu.Unlock()

	if async && listener != nil && hasOutput {
		// Notified via Run() on the action loop's next READ_CALLBACK;
		// nothing to invoke directly here.
		_ = listener
	}
}

// drainLocked pushes every queued raw Content through the interceptor
// chain until each is fully consumed, accumulating transformed output.
// Callers must hold mu.
func (in *Input) drainLocked() {
	for len(in.raw) > 0 {
		next := in.raw[0]
		out, consumedFlag := in.interceptor.Intercept(next)
		in.transformed = append(in.transformed, out...)
		if consumedFlag {
			in.raw = in.raw[1:]
			if !next.Sentinel {
				next.Succeeded()
			}
		} else {
			break
		}
	}
}

// setTerminalLocked moves to a terminal state, draining any remaining interceptor
// output first. Callers must hold mu.
func (in *Input) setTerminalLocked(state InputState, err error) {
	in.drainLocked()
	// Ask the interceptor to flush buffered output with no new raw input.
	for {
		out, _ := in.interceptor.Intercept(nil)
		if len(out) == 0 {
			break
		}
		in.transformed = append(in.transformed, out...)
	}
	in.state = state
	in.err = err
	in.cond.Broadcast()
}

// SetEOF marks the end of the body. In STREAM mode this is a terminal EOF
// a blocked Read observes directly; in ASYNC mode it becomes AEOF, awaiting
// the run() call that delivers OnAllDataRead.
func (in *Input) SetEOF() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.state == AsyncState {
		in.setTerminalLocked(AEOFState, io.EOF)
		return
	}
	in.setTerminalLocked(EOFState, io.EOF)
}

// SetEarlyEOF marks the peer having closed mid-body.
func (in *Input) SetEarlyEOF() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.setTerminalLocked(EarlyEOFState, EarlyEOFError{})
}

// SetError marks the stream permanently failed.
func (in *Input) SetError(err error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.setTerminalLocked(ErrorInputState, err)
}

// checkRateLocked implements the minimum ingress rate guard (spec §4.6).
// Callers must hold mu.
func (in *Input) checkRateLocked() error {
	if in.minRequestDataRate <= 0 || !in.haveFirst {
		return nil
	}
	elapsed := time.Since(in.firstByteAt)
	if elapsed <= 0 {
		return nil
	}
	required := in.minRequestDataRate * elapsed.Seconds()
	if float64(in.arrived) >= required {
		return nil
	}
	if in.hooks.IsCommitted != nil && in.hooks.IsCommitted() {
		if in.hooks.Abort != nil {
			in.hooks.Abort(errors.New("input: minimum data rate not met"))
		}
	}
	return NewBadMessageError(408, "request body arrived below the minimum data rate")
}

// Read implements the STREAM (blocking) and ASYNC (non-blocking) read
// paths. In STREAM mode it always returns >=1 bytes or an error/EOF; in
// ASYNC mode it returns (0, nil) when no data is ready yet and registers
// read interest.
func (in *Input) Read(p []byte) (int, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if err := in.checkRateLocked(); err != nil {
		return 0, err
	}

	n, err, drained := in.takeLocked(p)
	if drained {
		return n, err
	}

	switch in.state {
	case AsyncState:
		if in.hooks.RegisterReadInterest != nil {
			in.hooks.RegisterReadInterest()
		}
		return 0, nil
	default:
		return in.blockingReadLocked(p)
	}
}

// takeLocked copies as much transformed data into p as available and
// reports whether the read is already resolved (data copied, or a
// terminal state with nothing left to deliver).
func (in *Input) takeLocked(p []byte) (n int, err error, resolved bool) {
	for len(in.transformed) > 0 {
		head := in.transformed[0]
		if head.Sentinel {
			in.transformed = in.transformed[1:]
			continue
		}
		if len(head.Data) == 0 {
			head.Succeeded()
			in.transformed = in.transformed[1:]
			continue
		}
		copied := copy(p, head.Data)
		head.Data = head.Data[copied:]
		in.consumed += int64(copied)
		if in.hooks.OnConsumed != nil && copied > 0 {
			in.hooks.OnConsumed(copied)
		}
		if len(head.Data) == 0 {
			head.Succeeded()
			in.transformed = in.transformed[1:]
		}
		return copied, nil, true
	}
	switch in.state {
	case EOFState, AEOFState:
		return 0, io.EOF, true
	case EarlyEOFState, ErrorInputState:
		return 0, in.err, true
	}
	return 0, nil, false
}

func (in *Input) blockingReadLocked(p []byte) (int, error) {
	deadline := time.Time{}
	if in.blockingTimeout > 0 {
		deadline = time.Now().Add(in.blockingTimeout)
	}
	for {
		n, err, resolved := in.takeLocked(p)
		if resolved {
			return n, err
		}
		if deadline.IsZero() {
			in.cond.Wait()
			continue
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, TimeoutError{Reason: "blocking read"}
		}
		if !in.waitWithTimeoutLocked(remaining) {
			return 0, TimeoutError{Reason: "blocking read"}
		}
	}
}

// waitWithTimeoutLocked waits on cond for up to d, returning false if the
// deadline elapses with no intervening signal. sync.Cond has no native
// timed wait, so a timer drives a spurious Broadcast at the deadline and
// the caller re-checks its own condition after waking either way.
func (in *Input) waitWithTimeoutLocked(d time.Duration) bool {
	deadline := time.Now().Add(d)
	timer := time.AfterFunc(d, func() {
		in.mu.Lock()
		in.cond.Broadcast()
		in.mu.Unlock()
	})
	defer timer.Stop()

	in.cond.Wait()
	return time.Now().Before(deadline)
}

// SetReadListener arms async mode: STREAM -> ASYNC, then schedules exactly
// one of OnAllDataRead / OnDataAvailable / OnError based on the current
// terminal/data state, or registers read interest if neither applies yet.
func (in *Input) SetReadListener(l ReadListener) {
	in.mu.Lock()
	priorState := in.state
	if priorState == StreamState {
		in.state = AsyncState
	}
	in.readListener = l
	hasData := len(in.transformed) > 0
	err := in.err
	in.mu.Unlock()

	switch {
	case priorState == ErrorInputState || priorState == EarlyEOFState:
		l.OnError(err)
	case priorState == EOFState || priorState == AEOFState:
		l.OnAllDataRead()
	case hasData:
		// Delivered via the next Run() call from the action loop.
	default:
		if in.hooks.RegisterReadInterest != nil {
			in.hooks.RegisterReadInterest()
		}
	}
}

// Run is invoked from the action loop on READ_CALLBACK. It calls exactly
// one of OnError / OnAllDataRead / OnDataAvailable, routing any panic from
// the listener back through OnError.
func (in *Input) Run() {
	in.mu.Lock()
	listener := in.readListener
	hasData := len(in.transformed) > 0
	state := in.state
	err := in.err
	in.mu.Unlock()

	if listener == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			listener.OnError(errors.New("input: read listener panicked"))
		}
	}()

	switch {
	case state == ErrorInputState || state == EarlyEOFState:
		listener.OnError(err)
	case state == AEOFState && !hasData:
		listener.OnAllDataRead()
	default:
		listener.OnDataAvailable()
	}
}

// State returns the current lifecycle state.
func (in *Input) State() InputState {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

// Counters returns bytes arrived (from the parser) and bytes consumed (by
// the caller) so far.
func (in *Input) Counters() (arrived, consumed int64) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.arrived, in.consumed
}
