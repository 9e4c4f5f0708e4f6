package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// SingleThread runs queued actions one at a time, in FIFO order, on a
// dedicated goroutine started by Run.
//
// The queue is unbounded so that actions queueing further actions never block.
// Thread-safety: Queue is safe from any goroutine; Run must be called once.
type SingleThread struct {
	name    string
	mu      sync.Mutex
	actions []func()
	closed  bool
	signal  chan struct{} // buffered, size 1; coalesces wake-ups
	active  atomic.Bool
	idle    *sync.Cond
	running bool
	onPanic func(r any)
	owner   atomic.Int64 // goroutine id of Run, 0 when not running
}

// NewSingleThread creates a scheduler. Actions run only once Run is called.
func NewSingleThread(name string) *SingleThread {
	s := &SingleThread{
		name:    name,
		actions: make([]func(), 0, 64),
		signal:  make(chan struct{}, 1),
	}
	s.idle = sync.NewCond(&s.mu)
	return s
}

// Name returns the scheduler name used in logs.
func (s *SingleThread) Name() string { return s.name }

// Queue implements Scheduler. Actions queued after Close are dropped.
func (s *SingleThread) Queue(action func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		slog.Debug("scheduler closed, dropping action", "scheduler", s.name)
		return
	}
	s.actions = append(s.actions, action)

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// IsActive implements Scheduler. It reports true only on the Run goroutine
// while an action executes.
func (s *SingleThread) IsActive() bool {
	return s.active.Load() && s.owner.Load() == goid()
}

// SetPanicHandler replaces the default logging of a panicking action. fn
// runs on the scheduler goroutine while the scheduler is still active, so it
// may tear down entities. Safe to call while Run is executing.
func (s *SingleThread) SetPanicHandler(fn func(r any)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPanic = fn
}

// OutOfOrderExecution implements Scheduler.
func (s *SingleThread) OutOfOrderExecution() bool { return false }

// Len returns the number of actions waiting to run.
func (s *SingleThread) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.actions)
}

// tryDequeue pops the front action without blocking.
func (s *SingleThread) tryDequeue() (func(), bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.actions) == 0 {
		s.running = false
		s.idle.Broadcast()
		return nil, false
	}
	a := s.actions[0]
	s.actions[0] = nil
	if len(s.actions) == 1 {
		s.actions = s.actions[:0]
	} else {
		s.actions = s.actions[1:]
	}
	s.running = true
	return a, true
}

// Run executes actions until ctx is cancelled or Close is called and the
// queue drains. A panicking action goes to the panic handler, or is logged,
// and does not stop the loop.
func (s *SingleThread) Run(ctx context.Context) error {
	s.owner.Store(goid())
	defer s.owner.Store(0)
	for {
		for {
			a, ok := s.tryDequeue()
			if !ok {
				break
			}
			s.execute(a)
		}

		s.mu.Lock()
		done := s.closed && len(s.actions) == 0
		s.mu.Unlock()
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.signal:
		}
	}
}

func (s *SingleThread) execute(a func()) {
	s.active.Store(true)
	defer s.active.Store(false)
	defer func() {
		if r := recover(); r != nil {
			s.mu.Lock()
			fn := s.onPanic
			s.mu.Unlock()
			if fn != nil {
				fn(r)
				return
			}
			slog.Error("scheduled action panicked", "scheduler", s.name, "panic", r)
		}
	}()
	a()
}

// WaitIdle blocks until the queue is empty and no action is running.
// It must not be called from the scheduler goroutine.
func (s *SingleThread) WaitIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.actions) > 0 || s.running {
		s.idle.Wait()
	}
}

// Close stops accepting actions. Run returns once the queue is drained.
func (s *SingleThread) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	select {
	case s.signal <- struct{}{}:
	default:
	}
}
