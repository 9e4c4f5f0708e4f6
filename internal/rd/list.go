package rd

import (
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/roach88/rdsync/internal/buffer"
	"github.com/roach88/rdsync/internal/lifetime"
	"github.com/roach88/rdsync/internal/reactive"
	"github.com/roach88/rdsync/internal/rdid"
)

const listVersionShift = 2

// List is a replicated sequence.
//
// Each delta travels as [int64 op|version<<2][int32 index][value?]. Both
// sides share one version counter starting at 1, so the list tolerates one
// writer at a time: a delta whose version is not the next expected one is a
// fatal ErrCodeVersionConflict.
type List[T any] struct {
	reactiveBase
	ser Serializer[T]

	mu          sync.Mutex
	items       []T
	lts         []*lifetime.Lifetime
	nextVersion int64
	dirty       bool
	change      reactive.Signal[reactive.ListEvent[T]]
}

// NewList creates an empty list whose elements are written with ser.
func NewList[T any](ser Serializer[T]) *List[T] {
	l := &List[T]{ser: ser, nextVersion: 1}
	l.hooks = l
	return l
}

func (l *List[T]) identifyChildren(ids rdid.Identities, id rdid.RdId) {
	l.mu.Lock()
	items := slices.Clone(l.items)
	l.mu.Unlock()
	for _, v := range items {
		identifyValue(v, ids, id)
	}
}

func (l *List[T]) preInit(lt *lifetime.Lifetime, proto *Protocol) {
	l.preInitReactive(lt, proto)
}

func (l *List[T]) init(lt *lifetime.Lifetime, proto *Protocol) {
	l.mu.Lock()
	items := slices.Clone(l.items)
	dirty := l.dirty
	l.dirty = false
	l.lts = make([]*lifetime.Lifetime, len(items))
	for i := range items {
		l.lts[i] = lt.Nested()
	}
	lts := slices.Clone(l.lts)
	l.mu.Unlock()

	for i, v := range items {
		preBindValue(lts[i], v, l, elementName(i))
		if dirty {
			l.sendDelta(proto, reactive.OpAdd, i, v)
		}
		bindValue(v)
	}
}

func elementName(i int) string {
	return "[" + strconv.Itoa(i) + "]"
}

func (l *List[T]) sendDelta(proto *Protocol, op reactive.CollectionOp, index int, v T) {
	l.mu.Lock()
	version := l.nextVersion
	l.nextVersion++
	l.mu.Unlock()

	l.send(proto, func(b *buffer.Buffer) {
		b.WriteInt64(int64(op) | version<<listVersionShift)
		b.WriteInt32(int32(index))
		if op != reactive.OpRemove {
			l.ser.Write(proto.ctx, b, v)
		}
	})
	trace(l.logger(), "list send", "op", op, "version", version, "index", index)
}

// Len returns the number of elements.
func (l *List[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// Get returns the element at i.
func (l *List[T]) Get(i int) T {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.items[i]
}

// Values returns a copy of the elements.
func (l *List[T]) Values() []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.items)
}

// NextVersion returns the version the next delta will carry.
func (l *List[T]) NextVersion() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextVersion
}

// Add appends v.
func (l *List[T]) Add(v T) {
	l.Insert(l.Len(), v)
}

// Insert places v at index i.
func (l *List[T]) Insert(i int, v T) {
	l.local(reactive.OpAdd, i, v)
}

// Set replaces the element at index i.
func (l *List[T]) Set(i int, v T) {
	l.local(reactive.OpUpdate, i, v)
}

// RemoveAt deletes the element at index i and returns it.
func (l *List[T]) RemoveAt(i int) T {
	old := l.Get(i)
	var zero T
	l.local(reactive.OpRemove, i, zero)
	return old
}

// Clear removes every element, last first.
func (l *List[T]) Clear() {
	for n := l.Len(); n > 0; n-- {
		l.RemoveAt(n - 1)
	}
}

func (l *List[T]) local(op reactive.CollectionOp, i int, v T) {
	l.assertBoundThreading()
	switch n := l.Len(); {
	case op == reactive.OpAdd:
		i = min(max(i, 0), n)
	case i < 0 || i >= n:
		panic(fmt.Sprintf("rd: list %s index %d out of range [0,%d)", op, i, n))
	}
	_, _, state, proto, _ := l.snapshot()
	if state != Bound {
		l.mu.Lock()
		l.dirty = true
		l.mu.Unlock()
		l.apply(op, i, v, nil)
		return
	}

	var vlt *lifetime.Lifetime
	if op != reactive.OpRemove {
		identifyValue(v, proto.identities, l.RdID())
		vlt = l.BindLifetime().Nested()
		preBindValue(vlt, v, l, elementName(i))
	}
	l.sendDelta(proto, op, i, v)
	l.apply(op, i, v, vlt)
	bindValue(v)
}

// apply mutates the elements and fires the change. vlt is the binding
// lifetime of an added or updated value, nil when unbound.
func (l *List[T]) apply(op reactive.CollectionOp, i int, v T, vlt *lifetime.Lifetime) {
	var old T
	var dead *lifetime.Lifetime

	l.mu.Lock()
	bound := l.lts != nil || vlt != nil
	switch op {
	case reactive.OpAdd:
		if i < 0 || i > len(l.items) {
			i = len(l.items)
		}
		l.items = slices.Insert(l.items, i, v)
		if bound {
			l.lts = slices.Insert(l.lts, i, vlt)
		}
	case reactive.OpUpdate:
		if i < 0 || i >= len(l.items) {
			l.mu.Unlock()
			panic(fmt.Sprintf("rd: list update index %d out of range [0,%d)", i, len(l.items)))
		}
		old = l.items[i]
		l.items[i] = v
		if bound && i < len(l.lts) {
			dead = l.lts[i]
			l.lts[i] = vlt
		}
	case reactive.OpRemove:
		if i < 0 || i >= len(l.items) {
			l.mu.Unlock()
			panic(fmt.Sprintf("rd: list remove index %d out of range [0,%d)", i, len(l.items)))
		}
		old = l.items[i]
		l.items = slices.Delete(l.items, i, i+1)
		if bound && i < len(l.lts) {
			dead = l.lts[i]
			l.lts = slices.Delete(l.lts, i, i+1)
		}
	}
	l.mu.Unlock()

	if dead != nil {
		dead.Terminate()
	}
	l.change.Fire(reactive.ListEvent[T]{Op: op, Index: i, Old: old, New: v})
}

// Advise calls fn with an Add for every current element, then with every
// change until lt ends.
func (l *List[T]) Advise(lt *lifetime.Lifetime, fn func(reactive.ListEvent[T])) {
	if !lt.IsAlive() {
		return
	}
	l.change.Advise(lt, fn)
	for i, v := range l.Values() {
		fn(reactive.ListEvent[T]{Op: reactive.OpAdd, Index: i, New: v})
	}
}

// OnWireReceived implements Wireable.
func (l *List[T]) OnWireReceived(b *buffer.Buffer, d *Dispatch) {
	header := b.ReadInt64()
	op := reactive.CollectionOp(header & (1<<listVersionShift - 1))
	version := header >> listVersionShift
	index := int(b.ReadInt32())
	var v T
	if op != reactive.OpRemove {
		v = l.ser.Read(d.proto.ctx, b)
	}
	if l.decodeFailed(b) {
		return
	}
	if op > reactive.OpRemove {
		l.logger().Error("dropping list delta with unknown op", "op", int(op))
		return
	}

	var vlt *lifetime.Lifetime
	if op != reactive.OpRemove {
		vlt = d.lt.Nested()
		preBindValue(vlt, v, l, elementName(index))
	}

	d.Run(l.scheduler(d.proto), func() {
		l.mu.Lock()
		expected := l.nextVersion
		if version != expected {
			l.mu.Unlock()
			violation(ErrCodeVersionConflict, l.Location(), l.RdID(), "list delta version %d, expected %d", version, expected)
		}
		n := len(l.items)
		if !indexInRange(op, index, n) {
			l.mu.Unlock()
			if vlt != nil {
				vlt.Terminate()
			}
			violation(ErrCodeIndexOutOfRange, l.Location(), l.RdID(), "list %s index %d out of range for length %d", op, index, n)
		}
		l.nextVersion++
		l.mu.Unlock()

		trace(l.logger(), "list received", "op", op, "version", version, "index", index)
		l.apply(op, index, v, vlt)
		bindValue(v)
	})
}

// indexInRange reports whether a delta's index fits a list of length n.
func indexInRange(op reactive.CollectionOp, i, n int) bool {
	if op == reactive.OpAdd {
		return i >= 0 && i <= n
	}
	return i >= 0 && i < n
}
