package rd

import (
	"github.com/roach88/rdsync/internal/lifetime"
	"github.com/roach88/rdsync/internal/scheduler"
)

// NewAsyncProperty creates a property that may be read and written from
// any goroutine. Received values are applied on the goroutine that reads
// the wire, not on the protocol scheduler.
func NewAsyncProperty[T any](ser Serializer[T], v T) *Property[T] {
	p := NewProperty(ser, v)
	p.makeAsync()
	return p
}

// NewAsyncMap creates a map that may be used from any goroutine. Received
// changes are applied on the goroutine that reads the wire. Values should be
// plain data: nested entities still bind on the protocol scheduler.
func NewAsyncMap[K comparable, V any](keySer Serializer[K], valSer Serializer[V]) *Map[K, V] {
	m := NewMap(keySer, valSer)
	m.makeAsync()
	return m
}

// NewAsyncSet creates a set that may be used from any goroutine. Received
// changes are applied on the goroutine that reads the wire.
func NewAsyncSet[T comparable](ser Serializer[T]) *Set[T] {
	s := NewSet(ser)
	s.makeAsync()
	return s
}

// makeAsync lifts the scheduler check and applies received changes inline.
// Concurrent writers are ordered by the entity's own lock; subscribers may
// run on any goroutine, so they should not block.
func (r *reactiveBase) makeAsync() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.async = true
	r.wireScheduler = &scheduler.Inline{}
}

// IsAsync reports whether the entity may be used off the protocol scheduler.
func (b *bindableBase) IsAsync() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.async
}

// AdviseOn subscribes fn through advise and delivers every event on sched,
// dropping events that arrive after lt ends. It moves the events of an
// async entity onto the goroutine that owns the subscriber:
//
//	rd.AdviseOn(lt, proto.Scheduler(), set.Advise, func(e reactive.SetEvent[string]) { ... })
func AdviseOn[E any](lt *lifetime.Lifetime, sched scheduler.Scheduler, advise func(*lifetime.Lifetime, func(E)), fn func(E)) {
	advise(lt, func(e E) {
		sched.Queue(func() {
			if lt.IsAlive() {
				fn(e)
			}
		})
	})
}
