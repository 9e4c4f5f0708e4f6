package buffer

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer_FixedWidthLittleEndian(t *testing.T) {
	b := New()
	b.WriteBool(true)
	b.WriteInt16(0x0102)
	b.WriteInt32(0x01020304)
	b.WriteInt64(-2)

	assert.Equal(t, []byte{
		1,
		0x02, 0x01,
		0x04, 0x03, 0x02, 0x01,
		0xfe, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	}, b.Bytes())
}

func TestBuffer_StringIsUTF16WithUnitCount(t *testing.T) {
	b := New()
	b.WriteString("hé😀")

	// h, é, and a surrogate pair: four code units.
	assert.Equal(t, []byte{
		4, 0, 0, 0,
		'h', 0,
		0xe9, 0,
		0x3d, 0xd8, 0x00, 0xde,
	}, b.Bytes())

	r := FromBytes(b.Bytes())
	assert.Equal(t, "hé😀", r.ReadString())
	require.NoError(t, r.Err())
	assert.Zero(t, r.Remaining())
}

func TestBuffer_NullableString(t *testing.T) {
	b := New()
	b.WriteNullableString(nil)
	s := ""
	b.WriteNullableString(&s)

	r := FromBytes(b.Bytes())
	assert.Nil(t, r.ReadNullableString())
	got := r.ReadNullableString()
	require.NotNil(t, got)
	assert.Equal(t, "", *got)
	require.NoError(t, r.Err())
}

func TestBuffer_ReadRoundTrip(t *testing.T) {
	id := uuid.MustParse("0190a1b2-c3d4-7e5f-8a9b-0c1d2e3f4a5b")

	b := New()
	b.WriteInt8(-3)
	b.WriteFloat32(1.5)
	b.WriteFloat64(-0.25)
	b.WriteByteArray([]byte{9, 8, 7})
	b.WriteEnum(2)
	b.WriteUUID(id)

	r := FromBytes(b.Bytes())
	assert.Equal(t, int8(-3), r.ReadInt8())
	assert.Equal(t, float32(1.5), r.ReadFloat32())
	assert.Equal(t, -0.25, r.ReadFloat64())
	assert.Equal(t, []byte{9, 8, 7}, r.ReadByteArray())
	assert.Equal(t, 2, r.ReadEnum(3))
	assert.Equal(t, id, r.ReadUUID())
	require.NoError(t, r.Err())
}

func TestBuffer_UnderflowIsSticky(t *testing.T) {
	r := FromBytes([]byte{1, 2})

	assert.Zero(t, r.ReadInt32())
	assert.True(t, errors.Is(r.Err(), ErrUnderflow))

	// Later reads stay zero and keep the first error.
	assert.False(t, r.ReadBool())
	assert.True(t, errors.Is(r.Err(), ErrUnderflow))
}

func TestBuffer_InvalidLengths(t *testing.T) {
	b := New()
	b.WriteInt32(-7)
	r := FromBytes(b.Bytes())
	assert.Nil(t, r.ReadByteArray())
	assert.True(t, errors.Is(r.Err(), ErrInvalidLength))

	b = New()
	b.WriteInt32(-2)
	r = FromBytes(b.Bytes())
	assert.Nil(t, r.ReadNullableString())
	assert.True(t, errors.Is(r.Err(), ErrInvalidLength))
}

func TestBuffer_EnumOutOfRange(t *testing.T) {
	b := New()
	b.WriteEnum(5)
	r := FromBytes(b.Bytes())
	assert.Equal(t, 0, r.ReadEnum(2))
	assert.Error(t, r.Err())
}

func TestBuffer_PutInt32At(t *testing.T) {
	b := New()
	b.WriteInt32(0)
	b.WriteInt64(7)
	b.PutInt32At(0, int32(b.Len()-4))

	r := FromBytes(b.Bytes())
	assert.Equal(t, int32(8), r.ReadInt32())
}
