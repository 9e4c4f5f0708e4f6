// Package lifetime implements cancellation scopes.
//
// A Lifetime is alive until Terminate is called. Termination runs the
// registered callbacks in reverse registration order, exactly once, and
// cascades into nested lifetimes. Termination is idempotent.
package lifetime

import (
	"context"
	"sync"
)

type status int

const (
	alive status = iota
	terminating
	terminated
)

// Lifetime is a cancellation scope with termination callbacks.
//
// Thread-safety: all methods are safe for concurrent use. Callbacks run on
// the goroutine that calls Terminate, without any lock held.
type Lifetime struct {
	mu      sync.Mutex
	status  status
	eternal bool
	actions []*action
	live    int
	done    chan struct{}
}

type action struct {
	fn func()
}

var eternal = &Lifetime{eternal: true}

// Eternal returns the lifetime that never terminates.
func Eternal() *Lifetime {
	return eternal
}

// New creates a fresh, alive lifetime.
func New() *Lifetime {
	return &Lifetime{done: make(chan struct{})}
}

// Terminated returns a lifetime that is already terminated.
func Terminated() *Lifetime {
	l := New()
	l.Terminate()
	return l
}

// IsEternal reports whether l is the eternal lifetime.
func (l *Lifetime) IsEternal() bool {
	return l.eternal
}

// IsAlive reports whether termination has not started.
func (l *Lifetime) IsAlive() bool {
	if l.eternal {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status == alive
}

// Done returns a channel closed once termination has finished.
// The eternal lifetime returns nil, which blocks forever in a select.
func (l *Lifetime) Done() <-chan struct{} {
	return l.done
}

// OnTermination registers fn to run on termination. It returns false, without
// registering, when termination has already started.
func (l *Lifetime) OnTermination(fn func()) bool {
	_, ok := l.add(fn)
	return ok
}

// add registers fn and returns a handle to unregister it.
func (l *Lifetime) add(fn func()) (*action, bool) {
	if l.eternal {
		return nil, true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.status != alive {
		return nil, false
	}
	a := &action{fn: fn}
	l.actions = append(l.actions, a)
	l.live++
	return a, true
}

// remove unregisters a previously added action.
func (l *Lifetime) remove(a *action) {
	if l.eternal || a == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if a.fn == nil || l.status != alive {
		return
	}
	a.fn = nil
	l.live--
	if l.live*2 < len(l.actions) {
		kept := l.actions[:0]
		for _, x := range l.actions {
			if x.fn != nil {
				kept = append(kept, x)
			}
		}
		for i := len(kept); i < len(l.actions); i++ {
			l.actions[i] = nil
		}
		l.actions = kept
	}
}

// Terminate ends the lifetime and runs its callbacks in reverse order.
// Calling Terminate again, or on the eternal lifetime, does nothing.
func (l *Lifetime) Terminate() {
	if l.eternal {
		return
	}
	l.mu.Lock()
	if l.status != alive {
		l.mu.Unlock()
		return
	}
	l.status = terminating
	actions := l.actions
	l.actions = nil
	l.mu.Unlock()

	for i := len(actions) - 1; i >= 0; i-- {
		if fn := actions[i].fn; fn != nil {
			fn()
		}
	}

	l.mu.Lock()
	l.status = terminated
	l.mu.Unlock()
	close(l.done)
}

// ExecuteIfAlive runs fn only while l is alive and reports whether it ran.
func (l *Lifetime) ExecuteIfAlive(fn func()) bool {
	if !l.IsAlive() {
		return false
	}
	fn()
	return true
}

// Bracket runs onOpen if l is alive and arranges for onClose to run on
// termination. If l terminates between the two steps, onClose runs at once.
// It reports whether onOpen ran.
func (l *Lifetime) Bracket(onOpen, onClose func()) bool {
	if !l.IsAlive() {
		return false
	}
	onOpen()
	if !l.OnTermination(onClose) {
		onClose()
	}
	return true
}

// Nested creates a child lifetime that terminates with l. Terminating the
// child first detaches it from l.
func (l *Lifetime) Nested() *Lifetime {
	child := New()
	l.attach(child)
	return child
}

// attach makes child terminate when l does.
func (l *Lifetime) attach(child *Lifetime) {
	a, ok := l.add(child.Terminate)
	if !ok {
		child.Terminate()
		return
	}
	if a != nil {
		child.OnTermination(func() { l.remove(a) })
	}
}

// Intersect returns a lifetime that terminates as soon as any of the given
// lifetimes does. Eternal inputs are ignored; with no mortal inputs the
// result is a fresh lifetime that only terminates explicitly.
func Intersect(lifetimes ...*Lifetime) *Lifetime {
	res := New()
	for _, l := range lifetimes {
		if l == nil || l.eternal {
			continue
		}
		l.attach(res)
	}
	return res
}

// Context returns a context cancelled when l terminates.
func (l *Lifetime) Context() context.Context {
	if l.eternal {
		return context.Background()
	}
	ctx, cancel := context.WithCancel(context.Background())
	if !l.OnTermination(cancel) {
		cancel()
	}
	return ctx
}

// Sequential hands out one nested lifetime at a time: starting the next one
// terminates the previous one first.
type Sequential struct {
	mu      sync.Mutex
	parent  *Lifetime
	current *Lifetime
}

// NewSequential creates a Sequential whose lifetimes nest in parent.
func NewSequential(parent *Lifetime) *Sequential {
	return &Sequential{parent: parent}
}

// Next terminates the current lifetime and returns a new one.
func (s *Sequential) Next() *Lifetime {
	s.mu.Lock()
	prev := s.current
	s.current = nil
	s.mu.Unlock()
	if prev != nil {
		prev.Terminate()
	}

	next := s.parent.Nested()
	s.mu.Lock()
	s.current = next
	s.mu.Unlock()
	return next
}

// TerminateCurrent ends the current lifetime, if any.
func (s *Sequential) TerminateCurrent() {
	s.mu.Lock()
	prev := s.current
	s.current = nil
	s.mu.Unlock()
	if prev != nil {
		prev.Terminate()
	}
}
