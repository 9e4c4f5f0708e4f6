// Package buffer implements the primitive binary encoding shared by every
// rdsync peer.
//
// All integers are fixed width and little-endian. Strings are an int32
// count of UTF-16 code units (-1 for a null string) followed by the units
// in UTF-16LE. Byte arrays are an int32 length followed by the bytes.
//
// Reads never panic. The first decode failure is recorded and every later
// read returns a zero value; callers check Err once after decoding a message.
package buffer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"golang.org/x/text/encoding/unicode"
)

// ErrUnderflow is recorded when a read runs past the end of the data.
var ErrUnderflow = errors.New("buffer: read past end of data")

// ErrInvalidLength is recorded when a length prefix is negative or too large.
var ErrInvalidLength = errors.New("buffer: invalid length prefix")

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// Buffer is a growable byte buffer with a read cursor.
type Buffer struct {
	data []byte
	pos  int
	err  error
}

// New returns an empty buffer for writing.
func New() *Buffer {
	return &Buffer{data: make([]byte, 0, 64)}
}

// FromBytes returns a buffer positioned at the start of data for reading.
// The buffer does not copy data.
func FromBytes(data []byte) *Buffer {
	return &Buffer{data: data}
}

// Bytes returns the written bytes.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Len returns the total number of bytes held.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Position returns the read cursor.
func (b *Buffer) Position() int {
	return b.pos
}

// Remaining returns the number of unread bytes.
func (b *Buffer) Remaining() int {
	return len(b.data) - b.pos
}

// Rest returns the unread bytes without consuming them.
func (b *Buffer) Rest() []byte {
	return b.data[b.pos:]
}

// Err returns the first decode failure, if any.
func (b *Buffer) Err() error {
	return b.err
}

// Fail records err as a decode failure unless an earlier one exists.
// Serializers use it for values that are well-formed bytes but invalid.
func (b *Buffer) Fail(err error) {
	b.fail(err)
}

// fail records err unless an earlier failure exists.
func (b *Buffer) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// take consumes n bytes, or records ErrUnderflow.
func (b *Buffer) take(n int) []byte {
	if b.err != nil {
		return nil
	}
	if n < 0 || b.pos+n > len(b.data) {
		b.fail(fmt.Errorf("%w: need %d bytes at %d, have %d", ErrUnderflow, n, b.pos, len(b.data)-b.pos))
		return nil
	}
	p := b.data[b.pos : b.pos+n]
	b.pos += n
	return p
}

// WriteRaw appends p as is.
func (b *Buffer) WriteRaw(p []byte) {
	b.data = append(b.data, p...)
}

// ReadRaw consumes n bytes.
func (b *Buffer) ReadRaw(n int) []byte {
	return b.take(n)
}

// WriteBool appends a one-byte boolean.
func (b *Buffer) WriteBool(v bool) {
	if v {
		b.data = append(b.data, 1)
	} else {
		b.data = append(b.data, 0)
	}
}

// ReadBool consumes a one-byte boolean.
func (b *Buffer) ReadBool() bool {
	p := b.take(1)
	return p != nil && p[0] != 0
}

// WriteInt8 appends a signed byte.
func (b *Buffer) WriteInt8(v int8) {
	b.data = append(b.data, byte(v))
}

// ReadInt8 consumes a signed byte.
func (b *Buffer) ReadInt8() int8 {
	p := b.take(1)
	if p == nil {
		return 0
	}
	return int8(p[0])
}

// WriteInt16 appends a little-endian int16.
func (b *Buffer) WriteInt16(v int16) {
	b.data = binary.LittleEndian.AppendUint16(b.data, uint16(v))
}

// ReadInt16 consumes a little-endian int16.
func (b *Buffer) ReadInt16() int16 {
	p := b.take(2)
	if p == nil {
		return 0
	}
	return int16(binary.LittleEndian.Uint16(p))
}

// WriteInt32 appends a little-endian int32.
func (b *Buffer) WriteInt32(v int32) {
	b.data = binary.LittleEndian.AppendUint32(b.data, uint32(v))
}

// ReadInt32 consumes a little-endian int32.
func (b *Buffer) ReadInt32() int32 {
	p := b.take(4)
	if p == nil {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(p))
}

// PutInt32At overwrites four bytes at offset. Used to patch length prefixes.
func (b *Buffer) PutInt32At(offset int, v int32) {
	binary.LittleEndian.PutUint32(b.data[offset:offset+4], uint32(v))
}

// WriteInt64 appends a little-endian int64.
func (b *Buffer) WriteInt64(v int64) {
	b.data = binary.LittleEndian.AppendUint64(b.data, uint64(v))
}

// ReadInt64 consumes a little-endian int64.
func (b *Buffer) ReadInt64() int64 {
	p := b.take(8)
	if p == nil {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(p))
}

// WriteFloat32 appends an IEEE-754 float32.
func (b *Buffer) WriteFloat32(v float32) {
	b.data = binary.LittleEndian.AppendUint32(b.data, math.Float32bits(v))
}

// ReadFloat32 consumes an IEEE-754 float32.
func (b *Buffer) ReadFloat32() float32 {
	return math.Float32frombits(uint32(b.ReadInt32()))
}

// WriteFloat64 appends an IEEE-754 float64.
func (b *Buffer) WriteFloat64(v float64) {
	b.data = binary.LittleEndian.AppendUint64(b.data, math.Float64bits(v))
}

// ReadFloat64 consumes an IEEE-754 float64.
func (b *Buffer) ReadFloat64() float64 {
	return math.Float64frombits(uint64(b.ReadInt64()))
}

// WriteString appends s as UTF-16LE with a code unit count prefix.
func (b *Buffer) WriteString(s string) {
	enc, err := utf16le.NewEncoder().Bytes([]byte(s))
	if err != nil {
		// The encoder only fails on malformed input it cannot replace.
		enc = nil
	}
	b.WriteInt32(int32(len(enc) / 2))
	b.data = append(b.data, enc...)
}

// WriteNullableString appends s, or the -1 null marker when s is nil.
func (b *Buffer) WriteNullableString(s *string) {
	if s == nil {
		b.WriteInt32(-1)
		return
	}
	b.WriteString(*s)
}

// ReadNullableString consumes a string that may be null.
func (b *Buffer) ReadNullableString() *string {
	n := b.ReadInt32()
	if b.err != nil {
		return nil
	}
	if n < -1 {
		b.fail(fmt.Errorf("%w: string length %d", ErrInvalidLength, n))
		return nil
	}
	if n == -1 {
		return nil
	}
	p := b.take(int(n) * 2)
	if p == nil {
		return nil
	}
	dec, err := utf16le.NewDecoder().Bytes(p)
	if err != nil {
		b.fail(fmt.Errorf("buffer: decode utf-16: %w", err))
		return nil
	}
	s := string(dec)
	return &s
}

// ReadString consumes a string. A null string reads as "".
func (b *Buffer) ReadString() string {
	s := b.ReadNullableString()
	if s == nil {
		return ""
	}
	return *s
}

// WriteByteArray appends p with an int32 length prefix.
func (b *Buffer) WriteByteArray(p []byte) {
	b.WriteInt32(int32(len(p)))
	b.data = append(b.data, p...)
}

// ReadByteArray consumes a length-prefixed byte array. The result is a copy.
func (b *Buffer) ReadByteArray() []byte {
	n := b.ReadInt32()
	if b.err != nil {
		return nil
	}
	if n < 0 {
		b.fail(fmt.Errorf("%w: byte array length %d", ErrInvalidLength, n))
		return nil
	}
	p := b.take(int(n))
	if p == nil {
		return nil
	}
	out := make([]byte, len(p))
	copy(out, p)
	return out
}

// WriteEnum appends an enum ordinal as int32.
func (b *Buffer) WriteEnum(ordinal int) {
	b.WriteInt32(int32(ordinal))
}

// ReadEnum consumes an enum ordinal, recording an error if it is outside [0, count).
func (b *Buffer) ReadEnum(count int) int {
	v := int(b.ReadInt32())
	if b.err == nil && (v < 0 || v >= count) {
		b.fail(fmt.Errorf("buffer: enum ordinal %d out of range [0,%d)", v, count))
		return 0
	}
	return v
}

// WriteUUID appends u as its most and least significant halves, each an int64.
func (b *Buffer) WriteUUID(u uuid.UUID) {
	b.WriteInt64(int64(binary.BigEndian.Uint64(u[0:8])))
	b.WriteInt64(int64(binary.BigEndian.Uint64(u[8:16])))
}

// ReadUUID consumes a UUID written by WriteUUID.
func (b *Buffer) ReadUUID() uuid.UUID {
	var u uuid.UUID
	binary.BigEndian.PutUint64(u[0:8], uint64(b.ReadInt64()))
	binary.BigEndian.PutUint64(u[8:16], uint64(b.ReadInt64()))
	return u
}
