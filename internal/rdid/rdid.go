// Package rdid implements entity identifiers for the rdsync protocol.
//
// Two disjoint id spaces exist:
//   - Dynamic ids come from a sequential counter. Client ids are even,
//     server ids are odd, and neither ever carries the high bit.
//   - Stable ids are a deterministic hash of a parent id and a key.
//     They always carry the high bit (StableMask).
//
// The hash is bit-reproducible across implementations sharing a wire:
// strings fold UTF-16 code units as acc*31+c, integers fold as acc*31+(v+1),
// starting from the parent id.
package rdid

import (
	"fmt"
	"strconv"
	"unicode/utf16"

	"github.com/roach88/rdsync/internal/buffer"
)

// RdId identifies an entity on both sides of a wire.
type RdId int64

const (
	// Null marks an unassigned id.
	Null RdId = 0

	// MaxStaticID bounds manually assigned ids. Dynamic ids start here.
	MaxStaticID = 1_000_000

	// StableMask is the high bit carried by every stable id.
	StableMask RdId = -1 << 63

	// defaultHashInitial seeds hashes that have no parent.
	defaultHashInitial int64 = 19
)

// IsNull reports whether the id is unassigned.
func (id RdId) IsNull() bool {
	return id == Null
}

// IsStable reports whether the id belongs to the stable (hashed) space.
func (id RdId) IsStable() bool {
	return id&StableMask != 0
}

// NotNull returns id, panicking when it is Null.
func (id RdId) NotNull() RdId {
	if id.IsNull() {
		panic("rdid: id is null")
	}
	return id
}

// String formats the id as an unsigned decimal, matching the wire peers.
func (id RdId) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Write encodes the id as a little-endian int64.
func (id RdId) Write(b *buffer.Buffer) {
	b.WriteInt64(int64(id))
}

// Read decodes an id written by Write.
func Read(b *buffer.Buffer) RdId {
	return RdId(b.ReadInt64())
}

// Parse reads an id from its decimal form. Both signed and unsigned
// spellings are accepted.
func Parse(s string) (RdId, error) {
	if u, err := strconv.ParseUint(s, 10, 64); err == nil {
		return RdId(u), nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return Null, fmt.Errorf("parse rdid %q: %w", s, err)
	}
	return RdId(v), nil
}

// HashString folds s into initial the same way every wire peer does.
func HashString(s string, initial int64) int64 {
	acc := initial
	for _, c := range utf16.Encode([]rune(s)) {
		acc = acc*31 + int64(c)
	}
	return acc
}

// HashInt32 folds v into initial.
func HashInt32(v int32, initial int64) int64 {
	return initial*31 + int64(v+1)
}

// HashInt64 folds v into initial.
func HashInt64(v int64, initial int64) int64 {
	return initial*31 + (v + 1)
}

// DefaultHash hashes a string with no parent.
func DefaultHash(s string) int64 {
	return HashString(s, defaultHashInitial)
}

// mixString combines a parent id with a string key without the stable mask.
func mixString(parent RdId, key string) RdId {
	return RdId(HashString(key, int64(parent)))
}

func mixInt32(parent RdId, key int32) RdId {
	return RdId(HashInt32(key, int64(parent)))
}

func mixInt64(parent RdId, key int64) RdId {
	return RdId(HashInt64(key, int64(parent)))
}

// Mix derives a stable child id of parent for a string key.
func (id RdId) Mix(key string) RdId {
	return StableMask | mixString(id, key)
}

// MixInt32 derives a stable child id of parent for an int key.
func (id RdId) MixInt32(key int32) RdId {
	return StableMask | mixInt32(id, key)
}

// MixInt64 derives a stable child id of parent for a long key.
func (id RdId) MixInt64(key int64) RdId {
	return StableMask | mixInt64(id, key)
}
