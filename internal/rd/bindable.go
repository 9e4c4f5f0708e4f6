package rd

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/roach88/rdsync/internal/lifetime"
	"github.com/roach88/rdsync/internal/rdid"
)

// BindState is an entity's position in the bind lifecycle.
type BindState int

const (
	// NotBound entities have no parent and do not touch the wire.
	NotBound BindState = iota
	// PreBound entities know their parent and receive messages but have
	// not yet emitted their initial state.
	PreBound
	// Bound entities mirror every local change.
	Bound
)

func (s BindState) String() string {
	switch s {
	case NotBound:
		return "NotBound"
	case PreBound:
		return "PreBound"
	case Bound:
		return "Bound"
	default:
		return fmt.Sprintf("BindState(%d)", int(s))
	}
}

// Dynamic is anything an entity can be bound under: a Protocol or another
// bound entity.
type Dynamic interface {
	// Protocol returns the protocol the node is bound to, or nil.
	Protocol() *Protocol
	// Location returns the node's dotted path.
	Location() string
}

// Bindable is an entity with an id and a bind lifecycle.
type Bindable interface {
	Dynamic
	RdID() rdid.RdId
	BindState() BindState
	// Identify assigns id, and ids derived from it to nested entities.
	Identify(ids rdid.Identities, id rdid.RdId)
	// PreBind attaches the entity to parent under name for as long as lt
	// is alive.
	PreBind(lt *lifetime.Lifetime, parent Dynamic, name string)
	// Bind completes binding. It must follow PreBind.
	Bind()
}

// bindHooks are implemented by each concrete entity.
type bindHooks interface {
	preInit(lt *lifetime.Lifetime, proto *Protocol)
	init(lt *lifetime.Lifetime, proto *Protocol)
	identifyChildren(ids rdid.Identities, id rdid.RdId)
}

const unboundLocation = "<<not bound>>"

// bindableBase carries the id and lifecycle state shared by all entities.
//
// INVARIANTS:
//   - id is assigned at most once per bind cycle and never to Null
//   - parent, proto and lt are set together in PreBind and cleared together
//     when lt terminates
type bindableBase struct {
	hooks bindHooks

	mu       sync.Mutex
	id       rdid.RdId
	location string
	state    BindState
	parent   Dynamic
	proto    *Protocol
	lt       *lifetime.Lifetime

	// async entities may be touched from any goroutine.
	async bool
}

// RdID returns the entity's id, or Null before Identify.
func (b *bindableBase) RdID() rdid.RdId {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.id
}

// Location returns the entity's dotted path.
func (b *bindableBase) Location() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.location == "" {
		return unboundLocation
	}
	return b.location
}

// Protocol returns the protocol the entity is bound to, or nil.
func (b *bindableBase) Protocol() *Protocol {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.proto
}

// BindState returns the current lifecycle state.
func (b *bindableBase) BindState() BindState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// BindLifetime returns the lifetime the entity is bound for, or nil.
func (b *bindableBase) BindLifetime() *lifetime.Lifetime {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lt
}

func (b *bindableBase) snapshot() (rdid.RdId, string, BindState, *Protocol, *lifetime.Lifetime) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.id, b.location, b.state, b.proto, b.lt
}

// Identify implements Bindable.
func (b *bindableBase) Identify(ids rdid.Identities, id rdid.RdId) {
	if id.IsNull() {
		violation(ErrCodeNullID, b.Location(), id, "cannot identify with the null id")
	}
	b.mu.Lock()
	if !b.id.IsNull() {
		prev := b.id
		b.mu.Unlock()
		violation(ErrCodeAlreadyIdentified, b.Location(), prev, "already identified, cannot assign %s", id)
	}
	b.id = id
	b.mu.Unlock()
	b.hooks.identifyChildren(ids, id)
}

// withID assigns an id read from the wire. Nested ids arrive with the
// nested values, so no children are identified.
func (b *bindableBase) withID(id rdid.RdId) {
	b.mu.Lock()
	b.id = id
	b.mu.Unlock()
}

// PreBind implements Bindable. It may run on the receiving goroutine, so it
// does not check the scheduler.
func (b *bindableBase) PreBind(lt *lifetime.Lifetime, parent Dynamic, name string) {
	proto := parent.Protocol()
	if proto == nil {
		violation(ErrCodeBindState, b.Location(), b.RdID(), "parent %s is not bound", parent.Location())
	}

	b.mu.Lock()
	if b.parent != nil {
		loc, id := b.location, b.id
		b.mu.Unlock()
		violation(ErrCodeBindState, loc, id, "already bound to %s", parent.Location())
	}
	if b.id.IsNull() {
		b.mu.Unlock()
		violation(ErrCodeNullID, parent.Location()+"."+name, rdid.Null, "entity must be identified before binding")
	}
	b.mu.Unlock()

	lt.Bracket(func() {
		b.mu.Lock()
		b.parent, b.proto, b.lt = parent, proto, lt
		b.location = parent.Location() + "." + name
		b.mu.Unlock()

		b.hooks.preInit(lt, proto)

		b.mu.Lock()
		b.state = PreBound
		b.mu.Unlock()
	}, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.parent, b.proto, b.lt = nil, nil, nil
		b.location = ""
		b.id = rdid.Null
		b.state = NotBound
	})
}

// Bind implements Bindable.
func (b *bindableBase) Bind() {
	id, loc, state, proto, lt := b.snapshot()
	if state != PreBound {
		violation(ErrCodeBindState, loc, id, "bind requires state %s, was %s", PreBound, state)
	}
	b.assertThreading(proto)

	lt.ExecuteIfAlive(func() {
		b.hooks.init(lt, proto)
		b.mu.Lock()
		b.state = Bound
		b.mu.Unlock()
	})
}

// assertThreading panics unless the protocol scheduler is active.
func (b *bindableBase) assertThreading(proto *Protocol) {
	if b.async || proto == nil {
		return
	}
	if !proto.scheduler.IsActive() {
		violation(ErrCodeWrongScheduler, b.Location(), b.RdID(), "must be called on the protocol scheduler")
	}
}

// assertBoundThreading checks the scheduler for local mutations, which are
// free before binding.
func (b *bindableBase) assertBoundThreading() {
	b.assertThreading(b.Protocol())
}

// asBindable reports whether v is a non-nil entity.
func asBindable(v any) (Bindable, bool) {
	e, ok := v.(Bindable)
	if !ok {
		return nil, false
	}
	rv := reflect.ValueOf(e)
	if rv.Kind() == reflect.Pointer && rv.IsNil() {
		return nil, false
	}
	return e, true
}

// identifyValue gives a bindable v the next dynamic id under parent. Plain
// values allocate nothing.
func identifyValue(v any, ids rdid.Identities, parent rdid.RdId) {
	if e, ok := asBindable(v); ok {
		e.Identify(ids, ids.Next(parent))
	}
}

func preBindValue(lt *lifetime.Lifetime, v any, parent Dynamic, name string) {
	if e, ok := asBindable(v); ok {
		e.PreBind(lt, parent, name)
	}
}

func bindValue(v any) {
	if e, ok := asBindable(v); ok && e.BindState() == PreBound {
		e.Bind()
	}
}
