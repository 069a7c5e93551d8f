package channel

import (
	"errors"
	"sync"
)

// OutputState is HttpOutput's write-path state machine (spec §4.5).
type OutputState int

const (
	OutOpen OutputState = iota
	OutAsync
	OutReady
	OutPending
	OutUnready
	OutError
	OutClosed
)

func (s OutputState) String() string {
	switch s {
	case OutOpen:
		return "OPEN"
	case OutAsync:
		return "ASYNC"
	case OutReady:
		return "READY"
	case OutPending:
		return "PENDING"
	case OutUnready:
		return "UNREADY"
	case OutError:
		return "ERROR"
	default:
		return "CLOSED"
	}
}

// WriteListener receives async write-readiness notifications.
type WriteListener interface {
	OnWritePossible() error
	OnError(err error)
}

// OutputHooks are the downstream operations HttpOutput drives. Flush hands
// a buffer to the next interceptor (or the Transport, for the terminal
// link); Abort is called when a pending/unready async write is closed out
// from under it.
type OutputHooks struct {
	Flush func(buf []byte, last bool, cb func(error))
	Abort func(error)
	Wake  func()
	// MarkHandled is called once a caller has actually written through
	// Write/WriteAsync, so the owning Channel can tell a handled-but-
	// uncommitted exchange apart from one nobody touched (spec §4.3
	// COMPLETE row's 404 fallback).
	MarkHandled func()
	// OnWritten / OnFlush report byte counts and flush events to an
	// external metrics sink as they occur; nil skips reporting.
	OnWritten func(n int)
	OnFlush   func()
}

var (
	errOutputTerminal      = errors.New("output: write after close/error")
	errOutputAsyncNotReady = errors.New("output: isReady not called before write")
	errOutputPending       = errors.New("output: write while a previous async write is still pending")
)

// Output is the outbound byte sink with aggregation buffering and an async
// write state machine (spec §4.5).
type Output struct {
	mu sync.Mutex

	state     OutputState
	aggregate []byte

	bufferSize int
	commitSize int

	flushedFinal bool

	writeListener WriteListener
	hooks         OutputHooks

	written int64
	flushes int64
}

// NewOutput builds an Output with the given aggregation buffer size and
// commit-size threshold (writes at or above commitSize bypass aggregation
// and flush directly, sliced to bufferSize chunks).
func NewOutput(bufferSize, commitSize int, hooks OutputHooks) *Output {
	if commitSize > bufferSize {
		commitSize = bufferSize
	}
	if bufferSize <= 0 {
		bufferSize = 8192
	}
	if commitSize <= 0 {
		commitSize = bufferSize
	}
	return &Output{state: OutOpen, bufferSize: bufferSize, commitSize: commitSize, hooks: hooks}
}

// ResetForRequest prepares the Output for reuse on the next request of a
// persistent connection.
func (o *Output) ResetForRequest() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = OutOpen
	o.aggregate = o.aggregate[:0]
	o.flushedFinal = false
	o.writeListener = nil
}

func (o *Output) flushLocked(buf []byte, last bool) error {
	done := make(chan error, 1)
	cb := func(err error) { done <- err }
	cp := append([]byte(nil), buf...)
	o.flushes++
	o.written += int64(len(cp))
	if last {
		o.flushedFinal = true
	}
	if o.hooks.OnWritten != nil && len(cp) > 0 {
		o.hooks.OnWritten(len(cp))
	}
	if o.hooks.OnFlush != nil {
		o.hooks.OnFlush()
	}
	o.mu.Unlock()
	o.hooks.Flush(cp, last, cb)
	err := <-done
	o.mu.Lock()
	return err
}

// Write performs a synchronous, blocking write (usage mode (a)/(b) in
// spec §4.5). Writes at or above commitSize bypass the aggregate and
// flush directly, sliced into bufferSize chunks so oversized allocations
// are never retained (spec "Large writes").
func (o *Output) Write(p []byte, last bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch o.state {
	case OutOpen:
	case OutError, OutClosed:
		return errOutputTerminal
	default:
		return errOutputAsyncNotReady
	}
	if o.hooks.MarkHandled != nil {
		o.hooks.MarkHandled()
	}

	for len(p) > 0 {
		if len(p) >= o.commitSize {
			if len(o.aggregate) > 0 {
				if err := o.flushLocked(o.aggregate, false); err != nil {
					return err
				}
				o.aggregate = o.aggregate[:0]
			}
			chunk := p
			if len(chunk) > o.bufferSize {
				chunk = chunk[:o.bufferSize]
			}
			p = p[len(chunk):]
			if err := o.flushLocked(chunk, last && len(p) == 0); err != nil {
				return err
			}
			continue
		}
		room := o.bufferSize - len(o.aggregate)
		n := len(p)
		if n > room {
			n = room
		}
		o.aggregate = append(o.aggregate, p[:n]...)
		p = p[n:]
		if len(o.aggregate) >= o.bufferSize {
			if err := o.flushLocked(o.aggregate, last && len(p) == 0); err != nil {
				return err
			}
			o.aggregate = o.aggregate[:0]
		}
	}
	if last && !o.flushedFinal {
		if err := o.flushLocked(o.aggregate, true); err != nil {
			return err
		}
		o.aggregate = o.aggregate[:0]
	}
	return nil
}

// Flush forces any aggregated bytes to the next stage without marking the
// response complete.
func (o *Output) Flush() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.aggregate) == 0 {
		return nil
	}
	err := o.flushLocked(o.aggregate, false)
	o.aggregate = o.aggregate[:0]
	return err
}

// SetWriteListener arms the async write path: OPEN -> READY, and the
// write listener is notified (via Run, through the action loop's
// WRITE_CALLBACK) that it may write.
func (o *Output) SetWriteListener(wl WriteListener) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != OutOpen {
		return errors.New("output: setWriteListener only valid from OPEN")
	}
	o.state = OutReady
	o.writeListener = wl
	if o.hooks.Wake != nil {
		o.hooks.Wake()
	}
	return nil
}

// IsReady reports whether a write may proceed without blocking, per the
// table in spec §4.5. PENDING/UNREADY report false and PENDING moves to
// UNREADY (the caller is now expected to wait for OnWritePossible).
func (o *Output) IsReady() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch o.state {
	case OutOpen, OutReady, OutError, OutClosed:
		return true
	case OutAsync:
		o.state = OutReady
		return true
	case OutPending:
		o.state = OutUnready
		return false
	default: // OutUnready
		return false
	}
}

// WriteAsync performs a non-blocking write from the READY state,
// transitioning to PENDING while the flush is outstanding.
func (o *Output) WriteAsync(p []byte, last bool) error {
	o.mu.Lock()
	switch o.state {
	case OutReady:
	case OutPending, OutUnready:
		o.mu.Unlock()
		return errOutputPending
	case OutError, OutClosed:
		o.mu.Unlock()
		return errOutputTerminal
	default:
		o.mu.Unlock()
		return errOutputAsyncNotReady
	}
	o.state = OutPending
	cp := append([]byte(nil), p...)
	markHandled := o.hooks.MarkHandled
	o.mu.Unlock()
	if markHandled != nil {
		markHandled()
	}

	o.hooks.Flush(cp, last, func(err error) {
		o.onAsyncWriteComplete(err)
	})
	return nil
}

// onAsyncWriteComplete is the async write completion callback: PENDING ->
// ASYNC on success, UNREADY -> READY (and the writer is woken) on
// success; any error moves to ERROR and notifies the write listener.
func (o *Output) onAsyncWriteComplete(err error) {
	o.mu.Lock()
	if err != nil {
		o.state = OutError
		listener := o.writeListener
		o.mu.Unlock()
		if listener != nil {
			listener.OnError(err)
		}
		return
	}
	wasUnready := o.state == OutUnready
	if wasUnready {
		o.state = OutReady
	} else {
		o.state = OutAsync
	}
	wake := wasUnready && o.hooks.Wake != nil
	o.mu.Unlock()
	if wake {
		o.hooks.Wake()
	}
}

// Run is invoked by the action loop on WRITE_CALLBACK: it calls the write
// listener's OnWritePossible, routing a returned or panicking error to
// OnError.
func (o *Output) Run() {
	o.mu.Lock()
	listener := o.writeListener
	o.mu.Unlock()
	if listener == nil {
		return
	}
	var caught error
	func() {
		defer func() {
			if r := recover(); r != nil {
				caught = errors.New("output: write listener panicked")
			}
		}()
		caught = listener.OnWritePossible()
	}()
	if caught != nil {
		o.mu.Lock()
		o.state = OutError
		o.mu.Unlock()
		listener.OnError(caught)
	}
}

// Close flushes and marks the output CLOSED. A PENDING or UNREADY async
// write in flight is aborted rather than waited on.
func (o *Output) Close() error {
	o.mu.Lock()
	state := o.state
	if state == OutClosed {
		o.mu.Unlock()
		return nil
	}
	if state == OutPending || state == OutUnready {
		o.state = OutClosed
		abort := o.hooks.Abort
		o.mu.Unlock()
		if abort != nil {
			abort(errors.New("output: closed while an async write was pending"))
		}
		return nil
	}
	last := !o.flushedFinal
	buf := o.aggregate
	o.aggregate = nil
	o.state = OutClosed
	if last {
		err := o.flushLocked(buf, true)
		o.mu.Unlock()
		return err
	}
	o.mu.Unlock()
	return nil
}

// ResetBuffer discards unflushed aggregated bytes. It fails if anything
// has already been flushed (the response is effectively committed).
func (o *Output) ResetBuffer() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.flushes > 0 {
		return errors.New("output: resetBuffer after commit")
	}
	o.aggregate = o.aggregate[:0]
	return nil
}

// State returns the current OutputState.
func (o *Output) State() OutputState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Stats returns total bytes written and flush count, for metrics/tests.
func (o *Output) Stats() (written, flushes int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.written, o.flushes
}
