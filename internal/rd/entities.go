package rd

import (
	"fmt"

	"github.com/roach88/rdsync/internal/buffer"
	"github.com/roach88/rdsync/internal/rdid"
)

// Nested entities travel by id: the receiver creates a fresh entity with
// that id, and its state follows on the entity's own id once it is bound.
// Properties also carry their value inline, so the new entity starts with it.

// PropertySerializer writes a property as [id][bool has][value?].
func PropertySerializer[T any](inner Serializer[T]) Serializer[*Property[T]] {
	return propertySerializer[T]{inner: inner}
}

type propertySerializer[T any] struct {
	inner Serializer[T]
}

func (s propertySerializer[T]) Read(ctx *SerializationCtx, b *buffer.Buffer) *Property[T] {
	id := rdid.Read(b)
	p := NewOptProperty(s.inner)
	if b.ReadBool() {
		p.value.Set(s.inner.Read(ctx, b))
	}
	p.withID(id)
	return p
}

func (s propertySerializer[T]) Write(ctx *SerializationCtx, b *buffer.Buffer, p *Property[T]) {
	p.RdID().Write(b)
	v, ok := p.Get()
	b.WriteBool(ok)
	if ok {
		s.inner.Write(ctx, b, v)
	}
}

// entitySerializer writes only the entity's id.
type entitySerializer[E interface{ RdID() rdid.RdId }] struct {
	create func() E
	assign func(E, rdid.RdId)
}

func (s entitySerializer[E]) Read(_ *SerializationCtx, b *buffer.Buffer) E {
	e := s.create()
	s.assign(e, rdid.Read(b))
	return e
}

func (s entitySerializer[E]) Write(_ *SerializationCtx, b *buffer.Buffer, e E) {
	e.RdID().Write(b)
}

// ListSerializer writes a list as its id.
func ListSerializer[T any](inner Serializer[T]) Serializer[*List[T]] {
	return entitySerializer[*List[T]]{
		create: func() *List[T] { return NewList(inner) },
		assign: func(l *List[T], id rdid.RdId) { l.withID(id) },
	}
}

// MapSerializer writes a map as its id.
func MapSerializer[K comparable, V any](keySer Serializer[K], valSer Serializer[V]) Serializer[*Map[K, V]] {
	return entitySerializer[*Map[K, V]]{
		create: func() *Map[K, V] { return NewMap(keySer, valSer) },
		assign: func(m *Map[K, V], id rdid.RdId) { m.withID(id) },
	}
}

// SetSerializer writes a set as its id.
func SetSerializer[T comparable](inner Serializer[T]) Serializer[*Set[T]] {
	return entitySerializer[*Set[T]]{
		create: func() *Set[T] { return NewSet(inner) },
		assign: func(s *Set[T], id rdid.RdId) { s.withID(id) },
	}
}

// SignalSerializer writes a signal as its id.
func SignalSerializer[T any](inner Serializer[T]) Serializer[*Signal[T]] {
	return entitySerializer[*Signal[T]]{
		create: func() *Signal[T] { return NewSignal(inner) },
		assign: func(s *Signal[T], id rdid.RdId) { s.withID(id) },
	}
}

// CallSerializer writes a call as its id.
func CallSerializer[Req, Res any](reqSer Serializer[Req], resSer Serializer[Res]) Serializer[*Call[Req, Res]] {
	return entitySerializer[*Call[Req, Res]]{
		create: func() *Call[Req, Res] { return NewCall(reqSer, resSer) },
		assign: func(c *Call[Req, Res], id rdid.RdId) { c.withID(id) },
	}
}

// Interned writes values through root: [intern id], or [-1][value] while
// the value has no id yet. The peer must bind a root at the same location.
func Interned[T comparable](root *InternRoot[T], inner Serializer[T]) Serializer[T] {
	return interned[T]{root: root, inner: inner}
}

type interned[T comparable] struct {
	root  *InternRoot[T]
	inner Serializer[T]
}

func (s interned[T]) Read(ctx *SerializationCtx, b *buffer.Buffer) T {
	id := readInternID(b)
	if !id.IsValid() {
		return s.inner.Read(ctx, b)
	}
	v, ok := s.root.TryUnIntern(id)
	if !ok {
		b.Fail(fmt.Errorf("%w: %d at %s", ErrUnknownInternID, id, s.root.Location()))
	}
	return v
}

func (s interned[T]) Write(ctx *SerializationCtx, b *buffer.Buffer, v T) {
	id := s.root.Intern(v)
	writeInternID(b, id)
	if !id.IsValid() {
		s.inner.Write(ctx, b, v)
	}
}
