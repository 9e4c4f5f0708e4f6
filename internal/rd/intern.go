package rd

import (
	"errors"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/roach88/rdsync/internal/buffer"
	"github.com/roach88/rdsync/internal/lifetime"
	"github.com/roach88/rdsync/internal/rdid"
)

// ErrUnknownInternID is recorded on the buffer when a message references an
// intern id that was never announced.
var ErrUnknownInternID = errors.New("rd: unknown intern id")

// InternID names an interned value within one InternRoot. Even ids were
// allocated locally, odd ids by the peer.
type InternID int32

// InvalidInternID marks a value that is not interned.
const InvalidInternID InternID = -1

// IsValid reports whether id names a value.
func (id InternID) IsValid() bool { return id >= 0 }

// IsLocal reports whether id was allocated on this side.
func (id InternID) IsLocal() bool { return id&1 == 0 }

// writeInternID flips the ownership bit so the peer reads the id as its
// remote id.
func writeInternID(b *buffer.Buffer, id InternID) {
	if !id.IsValid() {
		b.WriteInt32(int32(InvalidInternID))
		return
	}
	b.WriteInt32(int32(id ^ 1))
}

func readInternID(b *buffer.Buffer) InternID {
	id := InternID(b.ReadInt32())
	if id < 0 {
		return InvalidInternID
	}
	return id
}

// internEntry holds the local and, once learned, the remote id of a value.
type internEntry struct {
	id    atomic.Int32
	extra atomic.Int32
}

func newInternEntry(id, extra InternID) *internEntry {
	e := &internEntry{}
	e.id.Store(int32(id))
	e.extra.Store(int32(extra))
	return e
}

// InternRoot assigns small ids to values so that repeated values travel as
// four bytes. Interning sends [value][id] once; the peer stores the pair
// directly on the receiving goroutine.
//
// Thread-safety: all methods are safe for concurrent use.
type InternRoot[T comparable] struct {
	reactiveBase
	ser Serializer[T]

	counter atomic.Int32
	direct  *xsync.MapOf[InternID, T]
	inverse *xsync.MapOf[T, *internEntry]
}

// NewInternRoot creates an intern root for values written with ser.
func NewInternRoot[T comparable](ser Serializer[T]) *InternRoot[T] {
	r := &InternRoot[T]{
		ser:     ser,
		direct:  xsync.NewMapOf[InternID, T](),
		inverse: xsync.NewMapOf[T, *internEntry](),
	}
	r.hooks = r
	r.async = true
	r.ownMessages = true
	return r
}

func (r *InternRoot[T]) identifyChildren(rdid.Identities, rdid.RdId) {}

func (r *InternRoot[T]) preInit(lt *lifetime.Lifetime, proto *Protocol) {
	r.direct.Clear()
	r.inverse.Clear()
	r.counter.Store(0)
	r.preInitReactive(lt, proto)
}

func (r *InternRoot[T]) init(*lifetime.Lifetime, *Protocol) {}

// Intern returns the id of v, allocating one and announcing it to the peer
// if needed. It returns InvalidInternID while another goroutine is
// interning the same value, or when the root is not bound.
func (r *InternRoot[T]) Intern(v T) InternID {
	if e, ok := r.inverse.Load(v); ok {
		return InternID(e.id.Load())
	}
	_, _, _, proto, _ := r.snapshot()
	if proto == nil {
		return InvalidInternID
	}

	entry := newInternEntry(InvalidInternID, InvalidInternID)
	if actual, loaded := r.inverse.LoadOrStore(v, entry); loaded {
		return InternID(actual.id.Load())
	}

	id := InternID(r.counter.Add(1) * 2)
	r.direct.Store(id, v)
	r.send(proto, func(b *buffer.Buffer) {
		r.ser.Write(proto.ctx, b, v)
		writeInternID(b, id)
	})
	entry.id.Store(int32(id))
	trace(r.logger(), "interned", "intern_id", id)
	return id
}

// TryGetInterned returns the id of v if it is already interned.
func (r *InternRoot[T]) TryGetInterned(v T) InternID {
	if e, ok := r.inverse.Load(v); ok {
		return InternID(e.id.Load())
	}
	return InvalidInternID
}

// UnIntern returns the value for id. It panics if id is unknown, which
// means the value was removed or never announced.
func (r *InternRoot[T]) UnIntern(id InternID) T {
	v, ok := r.direct.Load(id)
	if !ok {
		violation(ErrCodeUnknownInternID, r.Location(), r.RdID(), "value for intern id %d was removed or never interned", id)
	}
	return v
}

// TryUnIntern returns the value for id, if known.
func (r *InternRoot[T]) TryUnIntern(id InternID) (T, bool) {
	return r.direct.Load(id)
}

// Remove forgets v and every id it is known under.
func (r *InternRoot[T]) Remove(v T) {
	e, ok := r.inverse.LoadAndDelete(v)
	if !ok {
		return
	}
	r.direct.Delete(InternID(e.id.Load()))
	if extra := InternID(e.extra.Load()); extra.IsValid() {
		r.direct.Delete(extra)
	}
}

// Len returns the number of ids currently resolvable.
func (r *InternRoot[T]) Len() int {
	return r.direct.Size()
}

// OnWireReceived stores a value announced by the peer. It is applied
// immediately so that the message that follows can reference it.
func (r *InternRoot[T]) OnWireReceived(b *buffer.Buffer, _ *Dispatch) {
	proto := r.Protocol()
	if proto == nil {
		return
	}
	v := r.ser.Read(proto.ctx, b)
	id := readInternID(b)
	if r.decodeFailed(b) {
		return
	}
	if !id.IsValid() || id.IsLocal() {
		r.logger().Error("peer announced an intern id it does not own", "intern_id", id)
		return
	}

	r.direct.Store(id, v)
	if actual, loaded := r.inverse.LoadOrStore(v, newInternEntry(id, InvalidInternID)); loaded {
		actual.extra.Store(int32(id))
	}
	trace(r.logger(), "received interned value", "intern_id", id)
}
