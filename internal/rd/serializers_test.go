package rd_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rdsync/internal/buffer"
	"github.com/roach88/rdsync/internal/rd"
	"github.com/roach88/rdsync/internal/rdid"
)

type point struct {
	X, Y int32
}

var pointMarshaller = rd.NewMarshaller(rdid.Null.Mix("point"),
	func(_ *rd.SerializationCtx, b *buffer.Buffer) point {
		return point{X: b.ReadInt32(), Y: b.ReadInt32()}
	},
	func(_ *rd.SerializationCtx, b *buffer.Buffer, p point) {
		b.WriteInt32(p.X)
		b.WriteInt32(p.Y)
	})

func roundTrip[T any](t *testing.T, ctx *rd.SerializationCtx, s rd.Serializer[T], v T) T {
	t.Helper()
	b := buffer.New()
	s.Write(ctx, b, v)
	r := buffer.FromBytes(b.Bytes())
	got := s.Read(ctx, r)
	require.NoError(t, r.Err())
	assert.Zero(t, r.Remaining(), "reader must consume the whole value")
	return got
}

func TestSerializers_Builtins(t *testing.T) {
	ctx := &rd.SerializationCtx{Serializers: rd.NewSerializers()}
	id := uuid.New()

	assert.Equal(t, "héllo", roundTrip(t, ctx, rd.String, "héllo"))
	assert.Equal(t, int64(-7), roundTrip(t, ctx, rd.Int64, -7))
	assert.Equal(t, id, roundTrip(t, ctx, rd.UUID, id))
	assert.Equal(t, []int32{1, 2, 3}, roundTrip(t, ctx, rd.SliceOf(rd.Int32), []int32{1, 2, 3}))

	five := int32(5)
	assert.Equal(t, &five, roundTrip(t, ctx, rd.Nullable(rd.Int32), &five))
	assert.Nil(t, roundTrip(t, ctx, rd.Nullable(rd.Int32), nil))
}

func TestSerializers_RegisterConflict(t *testing.T) {
	s := rd.NewSerializers()
	require.NoError(t, rd.Register(s, pointMarshaller))
	require.NoError(t, rd.Register(s, pointMarshaller), "re-registering the same type is a no-op")

	clash := rd.NewMarshaller(pointMarshaller.ID(),
		func(*rd.SerializationCtx, *buffer.Buffer) string { return "" },
		func(*rd.SerializationCtx, *buffer.Buffer, string) {})
	err := rd.Register(s, clash)

	var pe *rd.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, rd.ErrCodeSerializerConflict, pe.Code)
}

func TestSerializers_PolymorphicRoundTrip(t *testing.T) {
	s := rd.NewSerializers()
	require.NoError(t, rd.Register(s, pointMarshaller))
	ctx := &rd.SerializationCtx{Serializers: s}

	assert.Equal(t, point{X: 3, Y: -4}, roundTrip[any](t, ctx, rd.Polymorphic, point{X: 3, Y: -4}))
	assert.Equal(t, "text", roundTrip[any](t, ctx, rd.Polymorphic, "text"))
	assert.Nil(t, roundTrip[any](t, ctx, rd.Polymorphic, nil))
}

func TestSerializers_PolymorphicUnknownID(t *testing.T) {
	writer := rd.NewSerializers()
	require.NoError(t, rd.Register(writer, pointMarshaller))
	b := buffer.New()
	rd.Polymorphic.Write(&rd.SerializationCtx{Serializers: writer}, b, point{X: 1, Y: 2})

	r := buffer.FromBytes(b.Bytes())
	got := rd.Polymorphic.Read(&rd.SerializationCtx{Serializers: rd.NewSerializers()}, r)

	assert.Nil(t, got)
	assert.ErrorIs(t, r.Err(), rd.ErrUnknownTypeID)
}

func TestSerializers_PolymorphicUnregisteredTypePanics(t *testing.T) {
	ctx := &rd.SerializationCtx{Serializers: rd.NewSerializers()}

	err := rd.Recover(func() { rd.Polymorphic.Write(ctx, buffer.New(), point{}) })

	require.NotNil(t, err)
	assert.Equal(t, rd.ErrCodeUnknownType, err.Code)
}

func TestSerializers_EnumRejectsOutOfRange(t *testing.T) {
	type color int
	s := rd.Enum[color](3)
	b := buffer.New()
	b.WriteInt32(5)

	r := buffer.FromBytes(b.Bytes())
	s.Read(nil, r)

	assert.Error(t, r.Err())
}
