package rd

import (
	"sync"

	"github.com/roach88/rdsync/internal/buffer"
	"github.com/roach88/rdsync/internal/lifetime"
	"github.com/roach88/rdsync/internal/reactive"
	"github.com/roach88/rdsync/internal/rdid"
)

// Property is a replicated single value.
//
// Every local change is sent as [int32 masterVersion][value]; the master
// side increments masterVersion before sending. A master rejects incoming
// values whose version is older than its own, so its last local write wins
// over stale echoes from the slave.
type Property[T any] struct {
	reactiveBase
	ser Serializer[T]

	mu            sync.Mutex
	masterVersion int32
	dirty         bool
	value         *reactive.Property[T]
	valueLts      *lifetime.Sequential
}

// NewProperty creates a property holding v. Both peers are expected to
// construct it with the same v, so v itself is not sent on bind; values
// set before bind are.
func NewProperty[T any](ser Serializer[T], v T) *Property[T] {
	p := &Property[T]{ser: ser, value: reactive.NewProperty(v)}
	p.hooks = p
	return p
}

// NewOptProperty creates an empty property.
func NewOptProperty[T any](ser Serializer[T]) *Property[T] {
	p := &Property[T]{ser: ser, value: reactive.NewOptProperty[T]()}
	p.hooks = p
	return p
}

func (p *Property[T]) identifyChildren(ids rdid.Identities, id rdid.RdId) {
	if v, ok := p.value.Get(); ok {
		identifyValue(v, ids, id)
	}
}

func (p *Property[T]) preInit(lt *lifetime.Lifetime, proto *Protocol) {
	p.preInitReactive(lt, proto)
	p.mu.Lock()
	p.valueLts = lifetime.NewSequential(lt)
	p.mu.Unlock()
}

func (p *Property[T]) init(_ *lifetime.Lifetime, proto *Protocol) {
	v, ok := p.value.Get()
	if !ok {
		return
	}
	p.mu.Lock()
	dirty := p.dirty
	p.dirty = false
	p.mu.Unlock()

	vlt := p.nextValueLifetime()
	preBindValue(vlt, v, p, "$")
	if dirty {
		p.sendValue(proto, v)
	}
	bindValue(v)
}

func (p *Property[T]) nextValueLifetime() *lifetime.Lifetime {
	p.mu.Lock()
	seq := p.valueLts
	p.mu.Unlock()
	return seq.Next()
}

func (p *Property[T]) sendValue(proto *Protocol, v T) {
	master := p.IsMaster()
	p.mu.Lock()
	if master {
		p.masterVersion++
	}
	version := p.masterVersion
	p.mu.Unlock()

	p.send(proto, func(b *buffer.Buffer) {
		b.WriteInt32(version)
		p.ser.Write(proto.ctx, b, v)
	})
	trace(p.logger(), "property send", "version", version)
}

// Get returns the current value and whether one is set.
func (p *Property[T]) Get() (T, bool) { return p.value.Get() }

// Value returns the current value, or the zero value when unset.
func (p *Property[T]) Value() T { return p.value.Value() }

// HasValue reports whether a value is set.
func (p *Property[T]) HasValue() bool { return p.value.HasValue() }

// MasterVersion returns the version of the last accepted write.
func (p *Property[T]) MasterVersion() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.masterVersion
}

// Set changes the value. Setting an equal value is not a change and sends
// nothing.
func (p *Property[T]) Set(v T) bool {
	p.assertBoundThreading()
	if cur, ok := p.value.Get(); ok && reactive.Equal(cur, v) {
		return false
	}

	_, _, state, proto, _ := p.snapshot()
	if state != Bound {
		p.mu.Lock()
		p.dirty = true
		p.mu.Unlock()
		return p.value.Set(v)
	}

	vlt := p.nextValueLifetime()
	identifyValue(v, proto.identities, p.RdID())
	preBindValue(vlt, v, p, "$")
	p.sendValue(proto, v)
	changed := p.value.Set(v)
	bindValue(v)
	return changed
}

// Change subscribes fn to future changes.
func (p *Property[T]) Change(lt *lifetime.Lifetime, fn func(T)) {
	p.value.Change(lt, fn)
}

// Advise calls fn with the current value, if any, then on every change.
func (p *Property[T]) Advise(lt *lifetime.Lifetime, fn func(T)) {
	p.value.Advise(lt, fn)
}

// View calls fn for every value with a lifetime that ends when the value is
// replaced.
func (p *Property[T]) View(lt *lifetime.Lifetime, fn func(*lifetime.Lifetime, T)) {
	p.value.View(lt, fn)
}

// OnWireReceived implements Wireable.
func (p *Property[T]) OnWireReceived(b *buffer.Buffer, d *Dispatch) {
	version := b.ReadInt32()
	v := p.ser.Read(d.proto.ctx, b)
	if p.decodeFailed(b) {
		return
	}

	master := p.IsMaster()
	p.mu.Lock()
	rejected := master && version < p.masterVersion
	p.mu.Unlock()
	if rejected {
		trace(p.logger(), "property rejected stale version", "version", version, "master_version", p.MasterVersion())
		return
	}

	vlt := d.lt.Nested()
	preBindValue(vlt, v, p, "$")
	d.Run(p.scheduler(d.proto), func() {
		p.mu.Lock()
		if master && version < p.masterVersion {
			p.mu.Unlock()
			vlt.Terminate()
			trace(p.logger(), "property rejected stale version", "version", version)
			return
		}
		p.masterVersion = version
		p.mu.Unlock()

		trace(p.logger(), "property received", "version", version)
		seq := p.nextValueLifetime()
		seq.OnTermination(vlt.Terminate)
		p.value.Set(v)
		bindValue(v)
	})
}
