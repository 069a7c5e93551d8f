// Package acceptor implements the dedicated-thread pool that blocks on
// accepting new transport connections and hands each to a ConnectionFactory.
//
// Acceptors are cooperative with a running/accepting flag pair: the pool can
// be started but told not to accept (useful while the connector finishes
// binding listeners), and stopped gracefully with a bounded wait.
package acceptor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Accepter is the abstract blocking accept operation a connector supplies.
// It must block until a connection arrives, the pool is told to stop
// accepting, or an error occurs. id is the acceptor's slot index, handed
// through so implementations can tag logs/metrics per acceptor.
type Accepter interface {
	Accept(ctx context.Context, id int) error
}

// FailureAction is what an acceptor should do after Accept returns an
// error.
type FailureAction int

const (
	// ActionContinue sleeps briefly (to avoid a tight spin) and retries.
	ActionContinue FailureAction = iota
	// ActionStop exits the acceptor loop entirely.
	ActionStop
)

// spinDelay is how long an acceptor sleeps after a continuable failure,
// to avoid a tight spin on a persistently failing accept.
const spinDelay = time.Second

// ErrClosedByInterrupt marks an accept failure caused by an interrupted,
// now-closed listener; the default failure policy treats it as terminal.
var ErrClosedByInterrupt = errors.New("acceptor: listener closed by interrupt")

// Pool owns a fixed number of acceptor goroutines, each repeatedly calling
// Accept while the pool is running and accepting.
type Pool struct {
	size      int
	accepter  Accepter
	log       *slog.Logger
	priorityDelta int

	mu         sync.Mutex
	cond       *sync.Cond
	running    bool
	accepting  bool
	tasks      []*Task

	group  *errgroup.Group
	cancel context.CancelFunc
}

// Task records the bookkeeping for a single acceptor slot.
type Task struct {
	ID    int
	alive bool
}

// Alive reports whether this task's goroutine is currently inside an
// Accept call (false while parked waiting for the accepting flag or
// sleeping after a failed Accept).
func (t *Task) Alive() bool {
	return t.alive
}

// Config configures a new Pool.
type Config struct {
	// Size is the number of acceptor goroutines. Must be >= 1.
	Size int
	// PriorityDelta offsets acceptor goroutine scheduling priority; kept
	// for parity with the spec's configurable delta. Go has no portable
	// thread-priority knob, so the value is only stored on the Pool; it is
	// neither applied to the goroutines nor exposed through Task.
	PriorityDelta int
	// StopTimeout is not read by New; Stop takes the timeout it waits
	// for as its own argument.
	StopTimeout time.Duration
	Logger      *slog.Logger
}

// New builds a Pool of cfg.Size acceptors driving accepter.
func New(accepter Accepter, cfg Config) *Pool {
	if cfg.Size < 1 {
		cfg.Size = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	p := &Pool{
		size:          cfg.Size,
		accepter:      accepter,
		log:           cfg.Logger,
		priorityDelta: cfg.PriorityDelta,
	}
	p.cond = sync.NewCond(&p.mu)
	p.tasks = make([]*Task, cfg.Size)
	for i := range p.tasks {
		p.tasks[i] = &Task{ID: i}
	}
	return p
}

// Start launches the pool's acceptor goroutines and begins accepting.
func (p *Pool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	group, gctx := errgroup.WithContext(ctx)
	p.group = group

	p.mu.Lock()
	p.running = true
	p.accepting = true
	p.mu.Unlock()
	p.cond.Broadcast()

	for _, task := range p.tasks {
		task := task
		group.Go(func() error {
			p.run(gctx, task)
			return nil
		})
	}
}

// SetAccepting toggles whether parked acceptors should resume calling
// Accept. Acceptors already blocked inside Accept are unaffected until
// their current call returns.
func (p *Pool) SetAccepting(accepting bool) {
	p.mu.Lock()
	p.accepting = accepting
	p.mu.Unlock()
	p.cond.Broadcast()
}

func (p *Pool) run(ctx context.Context, task *Task) {
	for {
		p.mu.Lock()
		for p.running && !p.accepting {
			p.cond.Wait()
		}
		running := p.running
		p.mu.Unlock()
		if !running {
			return
		}

		task.alive = true
		err := p.accepter.Accept(ctx, task.ID)
		task.alive = false

		if err == nil {
			continue
		}
		switch p.classifyFailure(ctx, err) {
		case ActionContinue:
			select {
			case <-time.After(spinDelay):
			case <-ctx.Done():
				return
			}
			continue
		case ActionStop:
			return
		}
	}
}

// classifyFailure implements the failure handler policy from spec §4.2:
// context cancellation is treated as an expected shutdown signal
// (continue; run's spin-delay wait then sees ctx done and returns);
// ErrClosedByInterrupt is terminal; anything else is logged and retried.
func (p *Pool) classifyFailure(ctx context.Context, err error) FailureAction {
	if errors.Is(err, context.Canceled) {
		return ActionContinue
	}
	if errors.Is(err, ErrClosedByInterrupt) {
		return ActionStop
	}
	p.log.Warn("acceptor: accept failed", "error", err)
	return ActionContinue
}

// Stop signals every acceptor to exit, interrupts in-flight Accept calls
// via context cancellation, and waits up to stopTimeout for them to
// finish, giving up (returning false) if the timeout elapses first.
func (p *Pool) Stop(stopTimeout time.Duration) bool {
	p.mu.Lock()
	p.running = false
	p.accepting = false
	p.mu.Unlock()
	p.cond.Broadcast()

	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		if p.group != nil {
			p.group.Wait()
		}
		close(done)
	}()

	if stopTimeout <= 0 {
		<-done
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(stopTimeout):
		return false
	}
}

// Tasks returns the pool's acceptor slots for liveness inspection.
func (p *Pool) Tasks() []*Task {
	return p.tasks
}
