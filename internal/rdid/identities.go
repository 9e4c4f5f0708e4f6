package rdid

import "sync/atomic"

// IdKind selects which half of the dynamic id space an allocator owns.
type IdKind int

const (
	// Client allocates even dynamic ids and is the master side.
	Client IdKind = iota
	// Server allocates odd dynamic ids.
	Server
)

// String returns "client" or "server".
func (k IdKind) String() string {
	switch k {
	case Client:
		return "client"
	case Server:
		return "server"
	default:
		return "unknown"
	}
}

// Identities allocates dynamic ids and derives stable ones.
type Identities interface {
	// Kind reports which half of the dynamic space this allocator owns.
	Kind() IdKind
	// Next returns a fresh dynamic id. The parent is accepted for call-site
	// symmetry but does not influence the result.
	Next(parent RdId) RdId
	// Mix derives a stable id for key under parent.
	Mix(parent RdId, key string) RdId
	// MixInt32 derives a stable id for an int key under parent.
	MixInt32(parent RdId, key int32) RdId
	// MixInt64 derives a stable id for a long key under parent.
	MixInt64(parent RdId, key int64) RdId
}

// SequentialIdentities hands out dynamic ids from a counter that steps by 2,
// so client and server never collide without coordination.
//
// Thread-safety: safe for concurrent use (atomic operations).
type SequentialIdentities struct {
	kind IdKind
	seq  atomic.Int64
}

// NewSequentialIdentities creates an allocator for the given side.
// Client ids start at MaxStaticID, server ids at MaxStaticID+1.
func NewSequentialIdentities(kind IdKind) *SequentialIdentities {
	s := &SequentialIdentities{kind: kind}
	start := int64(MaxStaticID)
	if kind == Server {
		start++
	}
	s.seq.Store(start)
	return s
}

// Kind implements Identities.
func (s *SequentialIdentities) Kind() IdKind {
	return s.kind
}

// Next implements Identities.
func (s *SequentialIdentities) Next(RdId) RdId {
	return RdId(s.seq.Add(2) - 2)
}

// Current returns the id the next call to Next will produce.
func (s *SequentialIdentities) Current() RdId {
	return RdId(s.seq.Load())
}

// Mix implements Identities.
func (s *SequentialIdentities) Mix(parent RdId, key string) RdId {
	return parent.Mix(key)
}

// MixInt32 implements Identities.
func (s *SequentialIdentities) MixInt32(parent RdId, key int32) RdId {
	return parent.MixInt32(key)
}

// MixInt64 implements Identities.
func (s *SequentialIdentities) MixInt64(parent RdId, key int64) RdId {
	return parent.MixInt64(key)
}
