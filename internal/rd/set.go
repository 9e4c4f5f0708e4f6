package rd

import (
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/roach88/rdsync/internal/buffer"
	"github.com/roach88/rdsync/internal/lifetime"
	"github.com/roach88/rdsync/internal/reactive"
	"github.com/roach88/rdsync/internal/rdid"
)

// Set is a replicated set. Each delta travels as [int32 kind][value] and is
// applied by the peer unconditionally.
type Set[T comparable] struct {
	reactiveBase
	ser Serializer[T]

	// mu orders compound updates; items is itself thread-safe.
	mu     sync.Mutex
	items  mapset.Set[T]
	change reactive.Signal[reactive.SetEvent[T]]
}

// NewSet creates an empty set whose elements are written with ser.
func NewSet[T comparable](ser Serializer[T]) *Set[T] {
	s := &Set[T]{ser: ser, items: mapset.NewSet[T]()}
	s.hooks = s
	return s
}

func (s *Set[T]) identifyChildren(rdid.Identities, rdid.RdId) {}

func (s *Set[T]) preInit(lt *lifetime.Lifetime, proto *Protocol) {
	s.preInitReactive(lt, proto)
}

func (s *Set[T]) init(_ *lifetime.Lifetime, proto *Protocol) {
	for _, v := range s.items.ToSlice() {
		s.send(proto, s.writeDelta(proto, reactive.Add, v))
	}
}

func (s *Set[T]) writeDelta(proto *Protocol, kind reactive.AddRemove, v T) func(*buffer.Buffer) {
	return func(b *buffer.Buffer) {
		b.WriteEnum(int(kind))
		s.ser.Write(proto.ctx, b, v)
		trace(s.logger(), "set send", "kind", kind)
	}
}

// Add inserts v and reports whether it was absent.
func (s *Set[T]) Add(v T) bool {
	s.assertBoundThreading()
	return s.apply(reactive.Add, v, true)
}

// Remove deletes v and reports whether it was present.
func (s *Set[T]) Remove(v T) bool {
	s.assertBoundThreading()
	return s.apply(reactive.Remove, v, true)
}

func (s *Set[T]) apply(kind reactive.AddRemove, v T, local bool) bool {
	s.mu.Lock()
	changed := false
	if kind == reactive.Add {
		changed = s.items.Add(v)
	} else if s.items.Contains(v) {
		s.items.Remove(v)
		changed = true
	}
	s.mu.Unlock()
	if !changed {
		return false
	}

	if local {
		if proto := s.Protocol(); proto != nil {
			s.sendIfBound(s.writeDelta(proto, kind, v))
		}
	}
	s.change.Fire(reactive.SetEvent[T]{Kind: kind, Value: v})
	return true
}

// Contains reports whether v is present.
func (s *Set[T]) Contains(v T) bool {
	return s.items.Contains(v)
}

// Len returns the number of elements.
func (s *Set[T]) Len() int {
	return s.items.Cardinality()
}

// Values returns the elements in no particular order.
func (s *Set[T]) Values() []T {
	return s.items.ToSlice()
}

// Advise calls fn with an Add for every current element, then with every
// change until lt ends.
func (s *Set[T]) Advise(lt *lifetime.Lifetime, fn func(reactive.SetEvent[T])) {
	if !lt.IsAlive() {
		return
	}
	s.change.Advise(lt, fn)
	for _, v := range s.items.ToSlice() {
		fn(reactive.SetEvent[T]{Kind: reactive.Add, Value: v})
	}
}

// OnWireReceived implements Wireable.
func (s *Set[T]) OnWireReceived(b *buffer.Buffer, d *Dispatch) {
	kind := reactive.AddRemove(b.ReadEnum(2))
	v := s.ser.Read(d.proto.ctx, b)
	if s.decodeFailed(b) {
		return
	}
	trace(s.logger(), "set received", "kind", kind)
	d.Run(s.scheduler(d.proto), func() {
		s.apply(kind, v, false)
	})
}
