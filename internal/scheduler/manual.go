package scheduler

import "sync"

// Manual collects actions until Flush runs them on the caller's goroutine.
// It reports itself active at all times, so tests may bind entities from the
// test goroutine directly.
type Manual struct {
	mu      sync.Mutex
	actions []func()
}

// NewManual creates an empty manual scheduler.
func NewManual() *Manual {
	return &Manual{}
}

// Queue implements Scheduler.
func (m *Manual) Queue(action func()) {
	m.mu.Lock()
	m.actions = append(m.actions, action)
	m.mu.Unlock()
}

// IsActive implements Scheduler.
func (m *Manual) IsActive() bool { return true }

// OutOfOrderExecution implements Scheduler.
func (m *Manual) OutOfOrderExecution() bool { return false }

// Pending returns the number of queued actions.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.actions)
}

// Flush runs queued actions, including ones queued while flushing, until
// none remain. It returns the number of actions run.
func (m *Manual) Flush() int {
	n := 0
	for {
		m.mu.Lock()
		if len(m.actions) == 0 {
			m.mu.Unlock()
			return n
		}
		a := m.actions[0]
		m.actions[0] = nil
		m.actions = m.actions[1:]
		m.mu.Unlock()

		a()
		n++
	}
}
