package reactive

import (
	"sync"

	"github.com/roach88/rdsync/internal/lifetime"
)

// Property holds at most one value and notifies subscribers when it changes.
// Setting a value equal to the current one is not a change.
type Property[T any] struct {
	mu     sync.Mutex
	value  T
	has    bool
	change Signal[T]
}

// NewProperty creates a property holding v.
func NewProperty[T any](v T) *Property[T] {
	return &Property[T]{value: v, has: true}
}

// NewOptProperty creates an empty property.
func NewOptProperty[T any]() *Property[T] {
	return &Property[T]{}
}

// Get returns the current value and whether one is set.
func (p *Property[T]) Get() (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value, p.has
}

// Value returns the current value, or the zero value when unset.
func (p *Property[T]) Value() T {
	v, _ := p.Get()
	return v
}

// HasValue reports whether a value is set.
func (p *Property[T]) HasValue() bool {
	_, ok := p.Get()
	return ok
}

// Set stores v and reports whether that was a change.
func (p *Property[T]) Set(v T) bool {
	p.mu.Lock()
	if p.has && Equal(p.value, v) {
		p.mu.Unlock()
		return false
	}
	p.value, p.has = v, true
	p.mu.Unlock()

	p.change.Fire(v)
	return true
}

// SetIfEmpty stores v only when no value is set and reports whether it did.
func (p *Property[T]) SetIfEmpty(v T) bool {
	p.mu.Lock()
	if p.has {
		p.mu.Unlock()
		return false
	}
	p.value, p.has = v, true
	p.mu.Unlock()

	p.change.Fire(v)
	return true
}

// Change subscribes fn to future changes only.
func (p *Property[T]) Change(lt *lifetime.Lifetime, fn func(T)) {
	p.change.Advise(lt, fn)
}

// Advise calls fn with the current value, if any, then on every change.
func (p *Property[T]) Advise(lt *lifetime.Lifetime, fn func(T)) {
	if !lt.IsAlive() {
		return
	}
	p.change.Advise(lt, fn)
	if v, ok := p.Get(); ok {
		fn(v)
	}
}

// View calls fn for every value with a lifetime that ends when the value is
// replaced or lt terminates.
func (p *Property[T]) View(lt *lifetime.Lifetime, fn func(*lifetime.Lifetime, T)) {
	seq := lifetime.NewSequential(lt)
	p.Advise(lt, func(v T) {
		fn(seq.Next(), v)
	})
}
