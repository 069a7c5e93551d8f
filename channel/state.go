// Package channel implements the per-connection HTTP/1.1 channel: the
// action loop, the async lifecycle state machine, and the input/output
// pipelines described in the engine's core specification.
package channel

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DispatchState is the primary axis of the channel's lifecycle.
type DispatchState int32

const (
	Idle DispatchState = iota
	Dispatched
	Thrown
	AsyncWait
	AsyncWoken
	AsyncIO
	AsyncErrorState
	Completing
	Completed
	Upgraded
)

func (d DispatchState) String() string {
	switch d {
	case Idle:
		return "IDLE"
	case Dispatched:
		return "DISPATCHED"
	case Thrown:
		return "THROWN"
	case AsyncWait:
		return "ASYNC_WAIT"
	case AsyncWoken:
		return "ASYNC_WOKEN"
	case AsyncIO:
		return "ASYNC_IO"
	case AsyncErrorState:
		return "ASYNC_ERROR"
	case Completing:
		return "COMPLETING"
	case Completed:
		return "COMPLETED"
	case Upgraded:
		return "UPGRADED"
	default:
		return "UNKNOWN"
	}
}

// AsyncMode is the secondary axis: whether/how async processing is engaged.
type AsyncMode int32

const (
	NotAsync AsyncMode = iota
	Started
	DispatchAsync
	CompleteAsync
	Expiring
	Expired
	Erroring
	Errored
)

// Action is what the channel's action loop should do next, as returned by
// Unhandle.
type Action int

const (
	ActionTerminated Action = iota
	ActionDispatch
	ActionAsyncDispatch
	ActionErrorDispatch
	ActionReadCallback
	ActionWriteCallback
	ActionAsyncError
	ActionComplete
	ActionWait
)

func (a Action) String() string {
	switch a {
	case ActionDispatch:
		return "DISPATCH"
	case ActionAsyncDispatch:
		return "ASYNC_DISPATCH"
	case ActionErrorDispatch:
		return "ERROR_DISPATCH"
	case ActionReadCallback:
		return "READ_CALLBACK"
	case ActionWriteCallback:
		return "WRITE_CALLBACK"
	case ActionAsyncError:
		return "ASYNC_ERROR"
	case ActionComplete:
		return "COMPLETE"
	case ActionWait:
		return "WAIT"
	default:
		return "TERMINATED"
	}
}

// AsyncListener receives lifecycle notifications for an async cycle
// (started with StartAsync). Listener invocations always happen outside
// the state's lock, from a snapshot taken while holding it.
type AsyncListener interface {
	OnTimeout(event *AsyncEvent)
	OnError(event *AsyncEvent, cause error)
	OnStartAsync(event *AsyncEvent)
	OnComplete(event *AsyncEvent)
}

// AsyncEvent carries the context of one async cycle: the dispatch target
// set by Dispatch, and (once an error occurs) the failure and the status
// code it maps to.
type AsyncEvent struct {
	Ctx        context.Context
	Path       string
	Err        error
	StatusCode int
}

// ErrBadAsyncState is returned by Dispatch/Complete when called outside an
// active async cycle (async mode not in {Started, Expiring, Erroring, Errored}).
var ErrBadAsyncState = errors.New("channel: dispatch/complete called outside an active async cycle")

// Hooks are callbacks the owning Channel supplies so State can drive
// scheduling, read-interest registration and re-entry without depending on
// the Channel type (avoiding an import cycle and keeping the pure state
// machine independently testable).
type Hooks struct {
	// ScheduleTimeout arms a one-shot timer; fire is called at most once
	// when it expires (never called if CancelTimeout runs first).
	ScheduleTimeout func(d time.Duration, fire func())
	// CancelTimeout stops any timer armed by ScheduleTimeout.
	CancelTimeout func()
	// RegisterReadInterest asks the transport to notify via OnReadPossible
	// when bytes are available.
	RegisterReadInterest func()
	// Wake schedules the action loop to run again (e.g. on another
	// goroutine), used whenever a background event (timeout, read/write
	// readiness) wakes a channel parked in ASYNC_WAIT.
	Wake func()

	// OnBytesArrived / OnBytesConsumed report Input byte-count events to an
	// external metrics sink (e.g. a Prometheus counter's Add method); nil
	// skips reporting.
	OnBytesArrived  func(n int)
	OnBytesConsumed func(n int)
	// OnBytesWritten / OnFlush report Output write-path events the same way.
	OnBytesWritten func(n int)
	OnFlush        func()
}

// State is the channel's async lifecycle state machine (spec §4.4). All
// fields are guarded by mu; listener callbacks always run outside the lock
// from a snapshot, per the design note warning against calling into
// handlers while holding the state lock.
type State struct {
	mu sync.Mutex

	dispatch DispatchState
	async    AsyncMode

	initial           bool
	asyncReadPossible bool
	asyncReadUnready  bool
	asyncWrite        bool

	timeoutMs int64
	event     *AsyncEvent
	listeners []AsyncListener

	errorDispatchDepth int
	handlingActive     bool

	hooks Hooks
}

// New builds a State in the IDLE/NOT_ASYNC state.
func New(hooks Hooks) *State {
	return &State{hooks: hooks}
}

// Snapshot is a consistent, lock-free view of the state pair for logging
// and tests.
type Snapshot struct {
	Dispatch DispatchState
	Async    AsyncMode
}

func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{Dispatch: s.dispatch, Async: s.async}
}

// StartRequest transitions IDLE -> DISPATCHED and returns the initial
// DISPATCH action. Called once per request when the parser signals a new
// request has arrived (onRequest).
func (s *State) StartRequest() Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatch = Dispatched
	s.async = NotAsync
	s.initial = true
	return ActionDispatch
}

// Handling marks that the calling goroutine now owns the action loop for
// this channel; it fails fast (returns false) if another goroutine is
// already running it, which would violate the single-owner invariant.
func (s *State) Handling() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handlingActive {
		return false
	}
	s.handlingActive = true
	return true
}

// Unhandle is called at the bottom of each action-loop iteration. It
// decides the next Action from the current (dispatch, async) pair per the
// transition table in spec §4.4, and — for dispatch states that resolve to
// ASYNC_WAIT — arms the timeout and read-interest hooks before returning.
func (s *State) Unhandle() Action {
	s.mu.Lock()
	s.handlingActive = false

	switch s.dispatch {
	case Thrown:
		s.dispatch = Dispatched
		s.mu.Unlock()
		return ActionErrorDispatch

	case Dispatched, AsyncIO, AsyncWoken:
		if s.dispatch == AsyncWoken {
			s.dispatch = Dispatched
		}
		action := s.resolveDispatchedLocked()
		s.mu.Unlock()
		return action

	default:
		// COMPLETING/COMPLETED/UPGRADED/ASYNC_WAIT/ASYNC_ERROR should not
		// reach Unhandle; treat defensively as terminal rather than loop.
		s.mu.Unlock()
		return ActionTerminated
	}
}

// resolveDispatchedLocked implements the STARTED/COMPLETE/DISPATCH/EXPIRED
// branches of the transition table. Callers must hold mu.
func (s *State) resolveDispatchedLocked() Action {
	switch s.async {
	case NotAsync:
		s.dispatch = Completing
		return ActionComplete

	case Started:
		if s.asyncReadPossible && !s.asyncReadUnready {
			s.dispatch = AsyncIO
			return ActionReadCallback
		}
		if s.asyncWrite {
			s.dispatch = AsyncIO
			return ActionWriteCallback
		}
		s.dispatch = AsyncWait
		if s.hooks.ScheduleTimeout != nil && s.timeoutMs > 0 {
			s.hooks.ScheduleTimeout(time.Duration(s.timeoutMs)*time.Millisecond, s.onTimeoutFired)
		}
		if s.asyncReadUnready && s.hooks.RegisterReadInterest != nil {
			s.hooks.RegisterReadInterest()
		}
		return ActionWait

	case CompleteAsync:
		s.dispatch = Completing
		return ActionComplete

	case DispatchAsync:
		// The redispatched handler call runs as an ordinary (non-async)
		// dispatch unless it calls StartAsync again: if it returns without
		// doing so, the next Unhandle sees NotAsync and completes
		// implicitly, matching the dispatch-then-implicit-complete
		// contract spec §4.4 describes for ASYNC_DISPATCH.
		s.dispatch = Dispatched
		s.async = NotAsync
		return ActionAsyncDispatch

	case Expired, Errored:
		s.dispatch = Dispatched
		return ActionErrorDispatch

	default:
		// Expiring/Erroring: a listener is still deciding; park and wait
		// for it to call Dispatch/Complete or fall through to Expired/Errored.
		s.dispatch = AsyncWait
		return ActionWait
	}
}

// StartAsync begins an async cycle: NOT_ASYNC -> STARTED, arming timeoutMs
// for the eventual timeout and recording listeners (invoked in the order
// given, outside the lock, at OnStartAsync time and at later lifecycle
// points).
func (s *State) StartAsync(ctx context.Context, timeoutMs int64, listeners ...AsyncListener) *AsyncEvent {
	s.mu.Lock()
	s.async = Started
	s.timeoutMs = timeoutMs
	s.event = &AsyncEvent{Ctx: ctx}
	s.listeners = append([]AsyncListener(nil), listeners...)
	event := s.event
	snapshot := append([]AsyncListener(nil), s.listeners...)
	s.mu.Unlock()

	for _, l := range snapshot {
		l.OnStartAsync(event)
	}
	return event
}

// AddListener registers an additional listener on the current async cycle.
func (s *State) AddListener(l AsyncListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Dispatch requests an async redispatch to path once the current handler
// chain unwinds. Valid only while async is STARTED/EXPIRING/ERRORING/ERRORED.
func (s *State) Dispatch(ctx context.Context, path string) error {
	s.mu.Lock()
	if !asyncActive(s.async) {
		s.mu.Unlock()
		return ErrBadAsyncState
	}
	s.cancelTimeoutLocked()
	s.async = DispatchAsync
	if s.event != nil {
		s.event.Ctx = ctx
		s.event.Path = path
	}
	wake := s.dispatch == AsyncWait
	if wake {
		s.dispatch = AsyncWoken
	}
	s.mu.Unlock()
	if wake && s.hooks.Wake != nil {
		s.hooks.Wake()
	}
	return nil
}

// Complete requests the async cycle end and the response be finished.
func (s *State) Complete() error {
	s.mu.Lock()
	if !asyncActive(s.async) {
		s.mu.Unlock()
		return ErrBadAsyncState
	}
	s.cancelTimeoutLocked()
	s.async = CompleteAsync
	wake := s.dispatch == AsyncWait
	if wake {
		s.dispatch = AsyncWoken
	}
	s.mu.Unlock()
	if wake && s.hooks.Wake != nil {
		s.hooks.Wake()
	}
	return nil
}

func asyncActive(m AsyncMode) bool {
	switch m {
	case Started, Expiring, Erroring, Errored:
		return true
	default:
		return false
	}
}

func (s *State) cancelTimeoutLocked() {
	if s.hooks.CancelTimeout != nil {
		s.hooks.CancelTimeout()
	}
}

// onTimeoutFired runs on the scheduler's goroutine when the armed timeout
// expires. STARTED -> EXPIRING, fires OnTimeout on every listener in
// order (outside the lock), then EXPIRING -> EXPIRED unless a listener
// already moved async to DISPATCH/COMPLETE (via Dispatch/Complete), or a
// listener panicked, which maps to ERRORING.
func (s *State) onTimeoutFired() {
	s.mu.Lock()
	if s.async != Started {
		s.mu.Unlock()
		return
	}
	s.async = Expiring
	event := s.event
	snapshot := append([]AsyncListener(nil), s.listeners...)
	s.mu.Unlock()

	panicked := invokeTimeoutListeners(snapshot, event)

	s.mu.Lock()
	if s.async == Expiring {
		if panicked {
			s.async = Erroring
		} else {
			s.async = Expired
		}
	}
	wake := s.async != Expiring && s.dispatch == AsyncWait
	if wake {
		s.dispatch = AsyncWoken
	}
	s.mu.Unlock()
	if wake && s.hooks.Wake != nil {
		s.hooks.Wake()
	}
}

func invokeTimeoutListeners(listeners []AsyncListener, event *AsyncEvent) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
		}
	}()
	for _, l := range listeners {
		l.OnTimeout(event)
	}
	return false
}

// Read/write readiness notifications (spec §4.4).

func (s *State) OnReadUnready() {
	s.mu.Lock()
	s.asyncReadUnready = true
	s.asyncReadPossible = false
	register := s.dispatch == AsyncWait && s.hooks.RegisterReadInterest != nil
	s.mu.Unlock()
	if register {
		s.hooks.RegisterReadInterest()
	}
}

func (s *State) OnReadPossible() (wake bool) {
	s.mu.Lock()
	s.asyncReadPossible = true
	if s.dispatch == AsyncWait && s.asyncReadUnready {
		s.dispatch = AsyncWoken
		wake = true
	}
	s.mu.Unlock()
	if wake && s.hooks.Wake != nil {
		s.hooks.Wake()
	}
	return wake
}

func (s *State) OnReadReady() {
	s.mu.Lock()
	s.asyncReadPossible = true
	s.asyncReadUnready = true
	wake := s.dispatch == AsyncWait
	if wake {
		s.dispatch = AsyncWoken
	}
	s.mu.Unlock()
	if wake && s.hooks.Wake != nil {
		s.hooks.Wake()
	}
}

func (s *State) OnReadEOF() {
	s.mu.Lock()
	wake := s.dispatch == AsyncWait
	if wake {
		s.dispatch = AsyncWoken
		s.asyncReadPossible = true
		s.asyncReadUnready = true
	}
	s.mu.Unlock()
	if wake && s.hooks.Wake != nil {
		s.hooks.Wake()
	}
}

func (s *State) OnWritePossible() {
	s.mu.Lock()
	s.asyncWrite = true
	wake := s.dispatch == AsyncWait
	if wake {
		s.dispatch = AsyncWoken
	}
	s.mu.Unlock()
	if wake && s.hooks.Wake != nil {
		s.hooks.Wake()
	}
}

// statusForError maps a failure to an HTTP status the error dispatch
// should report, per spec §7: bad-message errors keep their own status,
// Unavailable maps to 404/503, anything else is 500.
func statusForError(err error) int {
	var bad *BadMessageError
	if errors.As(err, &bad) {
		return bad.Status
	}
	var unavail *UnavailableError
	if errors.As(err, &unavail) {
		if unavail.Permanent {
			return 404
		}
		return 503
	}
	return 500
}

// OnError handles a failure raised during dispatch or async processing
// (spec §4.4 / §7). If async hasn't started and we're mid-dispatch, the
// failure becomes THROWN so the next Unhandle turns it into an
// ERROR_DISPATCH. Otherwise it's routed to the async error listeners.
func (s *State) OnError(err error) {
	s.mu.Lock()
	if s.async == NotAsync && s.dispatch == Dispatched {
		s.dispatch = Thrown
		s.mu.Unlock()
		return
	}
	s.async = Erroring
	event := s.event
	if event == nil {
		event = &AsyncEvent{}
		s.event = event
	}
	event.Err = err
	event.StatusCode = statusForError(err)
	snapshot := append([]AsyncListener(nil), s.listeners...)
	s.mu.Unlock()

	for _, l := range snapshot {
		l.OnError(event, err)
	}

	s.mu.Lock()
	if s.async == Erroring {
		s.async = Errored
	}
	wake := s.dispatch == AsyncWait
	if wake {
		s.dispatch = AsyncWoken
	}
	s.mu.Unlock()
	if wake && s.hooks.Wake != nil {
		s.hooks.Wake()
	}
}

// ErrRecycleWhileActive is returned by Recycle when the channel is still
// mid-dispatch or mid-async-io.
var ErrRecycleWhileActive = errors.New("channel: cannot recycle while dispatched or performing async I/O")

// Recycle resets the state for reuse on a persistent connection's next
// request. Forbidden while DISPATCHED or ASYNC_IO.
func (s *State) Recycle() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dispatch == Dispatched || s.dispatch == AsyncIO {
		return ErrRecycleWhileActive
	}
	s.cancelTimeoutLocked()
	s.resetLocked()
	return nil
}

// ErrUpgradeFromActiveState is returned by Upgrade outside IDLE/COMPLETED.
var ErrUpgradeFromActiveState = errors.New("channel: upgrade requires idle or completed state")

// Upgrade transitions to UPGRADED, a terminal state used when the
// connection is handed off to a different protocol handler.
func (s *State) Upgrade() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dispatch != Idle && s.dispatch != Completed {
		return ErrUpgradeFromActiveState
	}
	s.cancelTimeoutLocked()
	s.resetLocked()
	s.dispatch = Upgraded
	return nil
}

func (s *State) resetLocked() {
	s.dispatch = Idle
	s.async = NotAsync
	s.initial = false
	s.asyncReadPossible = false
	s.asyncReadUnready = false
	s.asyncWrite = false
	s.timeoutMs = 0
	s.event = nil
	s.listeners = nil
	s.errorDispatchDepth = 0
}

// CompleteDispatch is called by the action loop once it has produced the
// COMPLETE action's side effects; it moves COMPLETING -> COMPLETED and
// returns the async event and a snapshot of any registered listeners, so
// the caller can fire OnComplete on each of them outside the lock (nil,
// nil if this exchange never went async).
func (s *State) CompleteDispatch() (event *AsyncEvent, listeners []AsyncListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dispatch == Completing {
		s.dispatch = Completed
	}
	if len(s.listeners) == 0 {
		return nil, nil
	}
	return s.event, append([]AsyncListener(nil), s.listeners...)
}

// IncErrorDispatchDepth increments and returns the loop-depth counter used
// to bound repeated ERROR_DISPATCH cycles (spec §4.3/§7).
func (s *State) IncErrorDispatchDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorDispatchDepth++
	return s.errorDispatchDepth
}
