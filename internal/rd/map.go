package rd

import (
	"fmt"
	"slices"
	"sync"

	"github.com/roach88/rdsync/internal/buffer"
	"github.com/roach88/rdsync/internal/lifetime"
	"github.com/roach88/rdsync/internal/reactive"
	"github.com/roach88/rdsync/internal/rdid"
)

// MapOp tags map deltas. The ordinals are part of the wire format.
type MapOp int32

const (
	MapAdd MapOp = iota
	MapUpdate
	MapRemove
	MapAck
)

func (o MapOp) String() string {
	switch o {
	case MapAdd:
		return "Add"
	case MapUpdate:
		return "Update"
	case MapRemove:
		return "Remove"
	case MapAck:
		return "Ack"
	default:
		return fmt.Sprintf("MapOp(%d)", int32(o))
	}
}

const mapVersionedShift = 8

// Map is a replicated key-value map.
//
// Each delta travels as [int32 versioned<<8|op]([int64 version])[key][value?].
// A master versions its writes and remembers them as pending until the peer
// acknowledges; while a key is pending, unversioned writes to it from the
// slave are dropped. Without a master both sides apply whatever arrives.
type Map[K comparable, V any] struct {
	reactiveBase
	keySer Serializer[K]
	valSer Serializer[V]

	mu     sync.Mutex
	keys   []K
	values map[K]V
	lts    map[K]*lifetime.Lifetime
	dirty  bool
	change reactive.Signal[reactive.MapEvent[K, V]]

	// pendingMu guards the acknowledgement table.
	pendingMu   sync.Mutex
	nextVersion int64
	pending     map[K]int64
}

// NewMap creates an empty map.
func NewMap[K comparable, V any](keySer Serializer[K], valSer Serializer[V]) *Map[K, V] {
	m := &Map[K, V]{
		keySer:  keySer,
		valSer:  valSer,
		values:  make(map[K]V),
		pending: make(map[K]int64),
	}
	m.hooks = m
	return m
}

func (m *Map[K, V]) identifyChildren(ids rdid.Identities, id rdid.RdId) {
	for _, v := range m.snapshotValues() {
		identifyValue(v, ids, id)
	}
}

func (m *Map[K, V]) snapshotValues() []V {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]V, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, m.values[k])
	}
	return out
}

func (m *Map[K, V]) preInit(lt *lifetime.Lifetime, proto *Protocol) {
	m.preInitReactive(lt, proto)
}

func (m *Map[K, V]) init(lt *lifetime.Lifetime, proto *Protocol) {
	m.mu.Lock()
	keys := slices.Clone(m.keys)
	dirty := m.dirty
	m.dirty = false
	m.lts = make(map[K]*lifetime.Lifetime, len(keys))
	type entry struct {
		k   K
		v   V
		vlt *lifetime.Lifetime
	}
	entries := make([]entry, 0, len(keys))
	for _, k := range keys {
		vlt := lt.Nested()
		m.lts[k] = vlt
		entries = append(entries, entry{k: k, v: m.values[k], vlt: vlt})
	}
	m.mu.Unlock()

	for _, e := range entries {
		preBindValue(e.vlt, e.v, m, keyName(e.k))
		if dirty {
			m.sendDelta(proto, MapAdd, e.k, e.v)
		}
		bindValue(e.v)
	}
}

func keyName[K comparable](k K) string {
	return fmt.Sprintf("[%v]", k)
}

func (m *Map[K, V]) sendDelta(proto *Protocol, op MapOp, k K, v V) {
	master := m.IsMaster()
	header := int32(op)
	var version int64
	if master {
		header |= 1 << mapVersionedShift
		m.pendingMu.Lock()
		m.nextVersion++
		version = m.nextVersion
		m.pending[k] = version
		m.pendingMu.Unlock()
	}

	m.send(proto, func(b *buffer.Buffer) {
		b.WriteInt32(header)
		if master {
			b.WriteInt64(version)
		}
		m.keySer.Write(proto.ctx, b, k)
		if op != MapRemove {
			m.valSer.Write(proto.ctx, b, v)
		}
	})
	trace(m.logger(), "map send", "op", op, "version", version, "key", k)
}

// Get returns the value for k.
func (m *Map[K, V]) Get(k K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[k]
	return v, ok
}

// Len returns the number of entries.
func (m *Map[K, V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}

// Keys returns the keys in insertion order.
func (m *Map[K, V]) Keys() []K {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.keys)
}

// Pending returns the version awaiting acknowledgement for k.
func (m *Map[K, V]) Pending(k K) (int64, bool) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	v, ok := m.pending[k]
	return v, ok
}

// Set stores v under k. Storing a value equal to the current one is not a
// change and sends nothing. It reports whether the map changed.
func (m *Map[K, V]) Set(k K, v V) bool {
	m.assertBoundThreading()
	cur, exists := m.Get(k)
	if exists && reactive.Equal(cur, v) {
		return false
	}
	op := MapAdd
	if exists {
		op = MapUpdate
	}
	m.local(op, k, v)
	return true
}

// Remove deletes k and reports whether it was present.
func (m *Map[K, V]) Remove(k K) bool {
	m.assertBoundThreading()
	if _, ok := m.Get(k); !ok {
		return false
	}
	var zero V
	m.local(MapRemove, k, zero)
	return true
}

// Clear removes every entry.
func (m *Map[K, V]) Clear() {
	for _, k := range m.Keys() {
		m.Remove(k)
	}
}

func (m *Map[K, V]) local(op MapOp, k K, v V) {
	_, _, state, proto, lt := m.snapshot()
	if state != Bound {
		m.mu.Lock()
		m.dirty = true
		m.mu.Unlock()
		m.apply(op, k, v, nil)
		return
	}

	var vlt *lifetime.Lifetime
	if op != MapRemove {
		identifyValue(v, proto.identities, m.RdID())
		vlt = lt.Nested()
		preBindValue(vlt, v, m, keyName(k))
	}
	m.sendDelta(proto, op, k, v)
	m.apply(op, k, v, vlt)
	bindValue(v)
}

// apply mutates the entries and fires the change. Whether a put is an Add
// or an Update is decided by the local state.
func (m *Map[K, V]) apply(op MapOp, k K, v V, vlt *lifetime.Lifetime) {
	var ev reactive.MapEvent[K, V]
	var dead *lifetime.Lifetime

	m.mu.Lock()
	old, exists := m.values[k]
	switch op {
	case MapAdd, MapUpdate:
		if exists && reactive.Equal(old, v) {
			m.mu.Unlock()
			if vlt != nil {
				vlt.Terminate()
			}
			return
		}
		if exists {
			ev = reactive.MapEvent[K, V]{Op: reactive.OpUpdate, Key: k, Old: old, New: v}
		} else {
			m.keys = append(m.keys, k)
			ev = reactive.MapEvent[K, V]{Op: reactive.OpAdd, Key: k, New: v}
		}
		m.values[k] = v
		if m.lts != nil {
			dead = m.lts[k]
			if vlt != nil {
				m.lts[k] = vlt
			}
		}
	case MapRemove:
		if !exists {
			m.mu.Unlock()
			return
		}
		delete(m.values, k)
		if i := slices.Index(m.keys, k); i >= 0 {
			m.keys = slices.Delete(m.keys, i, i+1)
		}
		if m.lts != nil {
			dead = m.lts[k]
			delete(m.lts, k)
		}
		ev = reactive.MapEvent[K, V]{Op: reactive.OpRemove, Key: k, Old: old}
	}
	m.mu.Unlock()

	if dead != nil {
		dead.Terminate()
	}
	m.change.Fire(ev)
}

// Advise calls fn with an Add for every current entry, then with every
// change until lt ends.
func (m *Map[K, V]) Advise(lt *lifetime.Lifetime, fn func(reactive.MapEvent[K, V])) {
	if !lt.IsAlive() {
		return
	}
	m.change.Advise(lt, fn)
	for _, k := range m.Keys() {
		if v, ok := m.Get(k); ok {
			fn(reactive.MapEvent[K, V]{Op: reactive.OpAdd, Key: k, New: v})
		}
	}
}

// OnWireReceived implements Wireable.
func (m *Map[K, V]) OnWireReceived(b *buffer.Buffer, d *Dispatch) {
	header := b.ReadInt32()
	versioned := header>>mapVersionedShift != 0
	op := MapOp(header & (1<<mapVersionedShift - 1))
	var version int64
	if versioned {
		version = b.ReadInt64()
	}
	k := m.keySer.Read(d.proto.ctx, b)

	if op == MapAck {
		if m.decodeFailed(b) {
			return
		}
		m.receiveAck(versioned, version, k)
		return
	}

	var v V
	isPut := op == MapAdd || op == MapUpdate
	if isPut {
		v = m.valSer.Read(d.proto.ctx, b)
	}
	if m.decodeFailed(b) {
		return
	}
	if op > MapAck {
		m.logger().Error("dropping map delta with unknown op", "op", op)
		return
	}

	master := m.IsMaster()
	m.pendingMu.Lock()
	_, hasPending := m.pending[k]
	m.pendingMu.Unlock()

	if versioned || !master || !hasPending {
		trace(m.logger(), "map received", "op", op, "version", version, "key", k)
		var vlt *lifetime.Lifetime
		if isPut {
			vlt = d.lt.Nested()
			preBindValue(vlt, v, m, keyName(k))
		}
		d.Run(m.scheduler(d.proto), func() {
			m.apply(op, k, v, vlt)
			bindValue(v)
		})
	} else {
		trace(m.logger(), "map delta rejected, local write pending", "op", op, "key", k)
	}

	if versioned {
		m.send(d.proto, func(b *buffer.Buffer) {
			b.WriteInt32(1<<mapVersionedShift | int32(MapAck))
			b.WriteInt64(version)
			m.keySer.Write(d.proto.ctx, b, k)
		})
		trace(m.logger(), "map ack sent", "version", version, "key", k)
		if master {
			m.logger().Error("both ends are masters")
		}
	}
}

func (m *Map[K, V]) receiveAck(versioned bool, version int64, k K) {
	if !versioned || !m.IsMaster() {
		m.logger().Error("map ack ignored", "versioned", versioned, "master", m.IsMaster(), "version", version, "key", k)
		return
	}

	m.pendingMu.Lock()
	pending, ok := m.pending[k]
	if ok && pending == version {
		delete(m.pending, k)
	}
	m.pendingMu.Unlock()

	switch {
	case !ok:
		m.logger().Debug("map ack without pending write", "version", version, "key", k)
	case pending < version:
		m.logger().Debug("map ack newer than pending write", "pending", pending, "version", version, "key", k)
	default:
		trace(m.logger(), "map ack received", "version", version, "pending", pending, "key", k)
	}
}
