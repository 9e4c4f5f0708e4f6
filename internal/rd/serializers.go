package rd

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/rdsync/internal/buffer"
	"github.com/roach88/rdsync/internal/rdid"
)

// Serializer reads and writes values of one type.
//
// Read reports malformed input through the buffer's sticky error; callers
// check b.Err() once after decoding a whole message.
type Serializer[T any] interface {
	Read(ctx *SerializationCtx, b *buffer.Buffer) T
	Write(ctx *SerializationCtx, b *buffer.Buffer, v T)
}

// Marshaller is a Serializer with a registry id, so that values can be
// written polymorphically and context definitions can name their type.
type Marshaller[T any] interface {
	Serializer[T]
	ID() rdid.RdId
}

// SerializationCtx is passed to every serializer call.
type SerializationCtx struct {
	Serializers *Serializers
}

type funcMarshaller[T any] struct {
	id    rdid.RdId
	read  func(*SerializationCtx, *buffer.Buffer) T
	write func(*SerializationCtx, *buffer.Buffer, T)
}

func (m funcMarshaller[T]) ID() rdid.RdId { return m.id }

func (m funcMarshaller[T]) Read(ctx *SerializationCtx, b *buffer.Buffer) T {
	return m.read(ctx, b)
}

func (m funcMarshaller[T]) Write(ctx *SerializationCtx, b *buffer.Buffer, v T) {
	m.write(ctx, b, v)
}

// NewMarshaller builds a marshaller from a pair of functions.
func NewMarshaller[T any](id rdid.RdId, read func(*SerializationCtx, *buffer.Buffer) T, write func(*SerializationCtx, *buffer.Buffer, T)) Marshaller[T] {
	return funcMarshaller[T]{id: id, read: read, write: write}
}

func primitive[T any](id int64, read func(*buffer.Buffer) T, write func(*buffer.Buffer, T)) Marshaller[T] {
	return funcMarshaller[T]{
		id:    rdid.RdId(id),
		read:  func(_ *SerializationCtx, b *buffer.Buffer) T { return read(b) },
		write: func(_ *SerializationCtx, b *buffer.Buffer, v T) { write(b, v) },
	}
}

// Unit is the value of void-typed signals and calls.
type Unit struct{}

// Built-in marshallers. The ids are fixed and shared with every peer.
var (
	Int8      = primitive[int8](1, (*buffer.Buffer).ReadInt8, (*buffer.Buffer).WriteInt8)
	Int16     = primitive[int16](2, (*buffer.Buffer).ReadInt16, (*buffer.Buffer).WriteInt16)
	Int32     = primitive[int32](3, (*buffer.Buffer).ReadInt32, (*buffer.Buffer).WriteInt32)
	Int64     = primitive[int64](4, (*buffer.Buffer).ReadInt64, (*buffer.Buffer).WriteInt64)
	Float32   = primitive[float32](5, (*buffer.Buffer).ReadFloat32, (*buffer.Buffer).WriteFloat32)
	Float64   = primitive[float64](6, (*buffer.Buffer).ReadFloat64, (*buffer.Buffer).WriteFloat64)
	Bool      = primitive[bool](8, (*buffer.Buffer).ReadBool, (*buffer.Buffer).WriteBool)
	Void      = primitive[Unit](9, func(*buffer.Buffer) Unit { return Unit{} }, func(*buffer.Buffer, Unit) {})
	String    = primitive[string](10, (*buffer.Buffer).ReadString, (*buffer.Buffer).WriteString)
	UUID      = primitive[uuid.UUID](11, (*buffer.Buffer).ReadUUID, (*buffer.Buffer).WriteUUID)
	ID        = primitive[rdid.RdId](14, rdid.Read, func(b *buffer.Buffer, id rdid.RdId) { id.Write(b) })
	ByteArray = primitive[[]byte](31, (*buffer.Buffer).ReadByteArray, (*buffer.Buffer).WriteByteArray)
)

// Nullable wraps s so that nil pointers travel as a false presence flag.
func Nullable[T any](s Serializer[T]) Serializer[*T] {
	return nullable[T]{inner: s}
}

type nullable[T any] struct {
	inner Serializer[T]
}

func (n nullable[T]) Read(ctx *SerializationCtx, b *buffer.Buffer) *T {
	if !b.ReadBool() {
		return nil
	}
	v := n.inner.Read(ctx, b)
	return &v
}

func (n nullable[T]) Write(ctx *SerializationCtx, b *buffer.Buffer, v *T) {
	b.WriteBool(v != nil)
	if v != nil {
		n.inner.Write(ctx, b, *v)
	}
}

// Enum serializes an enumeration with count members as its int32 ordinal.
func Enum[T ~int](count int) Serializer[T] {
	return enum[T]{count: count}
}

type enum[T ~int] struct {
	count int
}

func (e enum[T]) Read(_ *SerializationCtx, b *buffer.Buffer) T {
	return T(b.ReadEnum(e.count))
}

func (e enum[T]) Write(_ *SerializationCtx, b *buffer.Buffer, v T) {
	b.WriteEnum(int(v))
}

// SliceOf serializes a slice as an int32 count followed by the elements.
func SliceOf[T any](s Serializer[T]) Serializer[[]T] {
	return slice[T]{inner: s}
}

type slice[T any] struct {
	inner Serializer[T]
}

func (s slice[T]) Read(ctx *SerializationCtx, b *buffer.Buffer) []T {
	n := b.ReadInt32()
	if n < 0 {
		b.Fail(fmt.Errorf("%w: slice length %d", buffer.ErrInvalidLength, n))
		return nil
	}
	out := make([]T, 0, min(int(n), b.Remaining()))
	for i := int32(0); i < n && b.Err() == nil; i++ {
		out = append(out, s.inner.Read(ctx, b))
	}
	return out
}

func (s slice[T]) Write(ctx *SerializationCtx, b *buffer.Buffer, v []T) {
	b.WriteInt32(int32(len(v)))
	for _, x := range v {
		s.inner.Write(ctx, b, x)
	}
}

// ErrUnknownTypeID is recorded on the buffer when a polymorphic value names a
// marshaller id that is not registered.
var ErrUnknownTypeID = errors.New("rd: unknown marshaller id")

// AnyMarshaller is the type-erased view of a registered Marshaller.
type AnyMarshaller interface {
	ID() rdid.RdId
	Type() reflect.Type
	ReadAny(ctx *SerializationCtx, b *buffer.Buffer) any
	WriteAny(ctx *SerializationCtx, b *buffer.Buffer, v any)
}

type erased[T any] struct {
	m Marshaller[T]
}

func (e erased[T]) ID() rdid.RdId      { return e.m.ID() }
func (e erased[T]) Type() reflect.Type { return reflect.TypeFor[T]() }

func (e erased[T]) ReadAny(ctx *SerializationCtx, b *buffer.Buffer) any {
	return e.m.Read(ctx, b)
}

func (e erased[T]) WriteAny(ctx *SerializationCtx, b *buffer.Buffer, v any) {
	e.m.Write(ctx, b, v.(T))
}

// Erase returns the type-erased view of m.
func Erase[T any](m Marshaller[T]) AnyMarshaller {
	return erased[T]{m: m}
}

// Serializers is the registry of marshallers known to a protocol.
//
// Thread-safety: safe for concurrent use.
type Serializers struct {
	mu     sync.RWMutex
	byID   map[rdid.RdId]AnyMarshaller
	byType map[reflect.Type]AnyMarshaller
}

// NewSerializers creates a registry holding the built-in marshallers.
func NewSerializers() *Serializers {
	s := &Serializers{
		byID:   make(map[rdid.RdId]AnyMarshaller),
		byType: make(map[reflect.Type]AnyMarshaller),
	}
	for _, m := range []AnyMarshaller{
		Erase(Int8), Erase(Int16), Erase(Int32), Erase(Int64),
		Erase(Float32), Erase(Float64), Erase(Bool), Erase(Void),
		Erase(String), Erase(UUID), Erase(ID), Erase(ByteArray),
	} {
		if err := s.RegisterAny(m); err != nil {
			panic(err)
		}
	}
	return s
}

// Register adds m to s. Registering the same type twice under one id is a
// no-op; a different type under a taken id is an error.
func Register[T any](s *Serializers, m Marshaller[T]) error {
	return s.RegisterAny(Erase(m))
}

// RegisterAny adds a type-erased marshaller.
func (s *Serializers) RegisterAny(m AnyMarshaller) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byID[m.ID()]; ok && existing.Type() != m.Type() {
		return &ProtocolError{
			Code:    ErrCodeSerializerConflict,
			Message: fmt.Sprintf("can't register %s with id %s, already registered: %s", m.Type(), m.ID(), existing.Type()),
		}
	}
	s.byID[m.ID()] = m
	s.byType[m.Type()] = m
	return nil
}

// Lookup returns the marshaller registered under id.
func (s *Serializers) Lookup(id rdid.RdId) (AnyMarshaller, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[id]
	return m, ok
}

// LookupType returns the marshaller registered for t.
func (s *Serializers) LookupType(t reflect.Type) (AnyMarshaller, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byType[t]
	return m, ok
}

// Polymorphic serializes values of any registered type as
// [type id][int32 length][payload]. nil is written as the null id alone.
var Polymorphic Serializer[any] = polymorphic{}

type polymorphic struct{}

func (polymorphic) Read(ctx *SerializationCtx, b *buffer.Buffer) any {
	id := rdid.Read(b)
	if id.IsNull() || b.Err() != nil {
		return nil
	}
	size := int(b.ReadInt32())
	if size < 0 || size > b.Remaining() {
		b.Fail(fmt.Errorf("%w: polymorphic payload of %d bytes", buffer.ErrInvalidLength, size))
		return nil
	}
	m, ok := ctx.Serializers.Lookup(id)
	if !ok {
		b.ReadRaw(size)
		b.Fail(fmt.Errorf("%w: %s", ErrUnknownTypeID, id))
		return nil
	}
	return m.ReadAny(ctx, b)
}

func (polymorphic) Write(ctx *SerializationCtx, b *buffer.Buffer, v any) {
	if v == nil {
		rdid.Null.Write(b)
		return
	}
	m, ok := ctx.Serializers.LookupType(reflect.TypeOf(v))
	if !ok {
		violation(ErrCodeUnknownType, "", rdid.Null, "no marshaller registered for %T", v)
	}
	m.ID().Write(b)
	lengthAt := b.Len()
	b.WriteInt32(0)
	start := b.Len()
	m.WriteAny(ctx, b, v)
	b.PutInt32At(lengthAt, int32(b.Len()-start))
}

// anyOf adapts a type-erased marshaller to Marshaller[any]. Used for
// contexts announced by the peer under keys this side never declared.
type anyOf struct {
	m AnyMarshaller
}

func (a anyOf) ID() rdid.RdId { return a.m.ID() }

func (a anyOf) Read(ctx *SerializationCtx, b *buffer.Buffer) any {
	return a.m.ReadAny(ctx, b)
}

func (a anyOf) Write(ctx *SerializationCtx, b *buffer.Buffer, v any) {
	a.m.WriteAny(ctx, b, v)
}
