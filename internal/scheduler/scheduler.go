// Package scheduler implements the execution contexts entities dispatch onto.
//
// A Scheduler queues actions for execution. Entities bind, unbind and apply
// remote changes only while their scheduler is active; the check is an
// assertion in the rd package, not a soft warning.
//
// Implementations:
//   - Synchronous runs actions inline on the caller's goroutine.
//   - Inline runs actions on the caller's goroutine and is active only
//     inside them; async entities apply received changes with it.
//   - SingleThread runs actions in FIFO order on one dedicated goroutine.
//   - Manual holds actions until Flush, for deterministic tests.
package scheduler

import "sync/atomic"

// Scheduler queues actions for execution.
type Scheduler interface {
	// Queue submits action for execution.
	Queue(action func())
	// IsActive reports whether the caller is running inside one of the
	// scheduler's actions. For SingleThread this means the Run goroutine
	// while an action executes; a busy loop does not make other goroutines
	// active. Synchronous and Manual count every caller as scheduled.
	IsActive() bool
	// OutOfOrderExecution reports whether queued actions may run in an order
	// different from submission.
	OutOfOrderExecution() bool
}

// Synchronous executes every action immediately on the calling goroutine.
// It is always active.
var Synchronous Scheduler = synchronous{}

type synchronous struct{}

func (synchronous) Queue(action func())       { action() }
func (synchronous) IsActive() bool            { return true }
func (synchronous) OutOfOrderExecution() bool { return false }

// Inline executes actions immediately but is only active while one of its
// actions is running. Async entities apply their wire messages with it,
// directly on the receiving goroutine.
type Inline struct {
	active atomic.Int32
}

// Queue implements Scheduler.
func (s *Inline) Queue(action func()) {
	s.active.Add(1)
	defer s.active.Add(-1)
	action()
}

// IsActive implements Scheduler.
func (s *Inline) IsActive() bool { return s.active.Load() > 0 }

// OutOfOrderExecution implements Scheduler.
func (s *Inline) OutOfOrderExecution() bool { return true }

// Invoke queues fn on s and blocks until it has run. It must not be called
// from an action already running on s, unless s executes inline.
func Invoke(s Scheduler, fn func()) {
	done := make(chan struct{})
	s.Queue(func() {
		defer close(done)
		fn()
	})
	<-done
}
