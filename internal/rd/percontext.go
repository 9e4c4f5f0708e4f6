package rd

import (
	"fmt"
	"slices"
	"sync"

	"github.com/roach88/rdsync/internal/lifetime"
	"github.com/roach88/rdsync/internal/reactive"
	"github.com/roach88/rdsync/internal/rdid"
	"github.com/roach88/rdsync/internal/scheduler"
)

// PerContextMap keeps one entity per value of a heavy context.
//
// Every value in the context's replicated value set gets an entity from the
// factory. The entity's id is mixed from the map's id and the value, so both
// peers bind matching entities without exchanging ids, and it stays bound
// under "[value]" until the value leaves the set. The map itself sends no
// messages.
//
// Before bind, Get creates entities on demand. Those whose value is not in
// the value set when the map binds are dropped.
type PerContextMap[K comparable, V Bindable] struct {
	bindableBase
	key     *Context[K]
	factory func(master bool) V

	mu             sync.Mutex
	masterOverride *bool
	keys           []K
	values         map[K]V
	lts            map[K]*lifetime.Lifetime
	change         reactive.Signal[reactive.MapEvent[K, V]]
}

// NewPerContextMap creates a map over the values of key, which must be a
// heavy context. factory builds the entity for one value; master is the
// role the entity should take.
func NewPerContextMap[K comparable, V Bindable](key *Context[K], factory func(master bool) V) *PerContextMap[K, V] {
	if !key.Heavy() {
		panic(fmt.Sprintf("rd: per-context map needs a heavy context, %q is light", key.Key()))
	}
	m := &PerContextMap[K, V]{
		key:     key,
		factory: factory,
		values:  make(map[K]V),
		lts:     make(map[K]*lifetime.Lifetime),
	}
	m.hooks = m
	return m
}

// Context returns the key the map is indexed by.
func (m *PerContextMap[K, V]) Context() *Context[K] { return m.key }

// SetMaster overrides the role handed to the factory once bound.
func (m *PerContextMap[K, V]) SetMaster(master bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.masterOverride = &master
}

func (m *PerContextMap[K, V]) identifyChildren(rdid.Identities, rdid.RdId) {}

func (m *PerContextMap[K, V]) preInit(*lifetime.Lifetime, *Protocol) {}

func (m *PerContextMap[K, V]) init(lt *lifetime.Lifetime, proto *Protocol) {
	set, ok := ValueSet(proto.contexts, m.key)
	if !ok {
		violation(ErrCodeUnknownContext, m.Location(), m.RdID(), "context %q is registered with another value type", m.key.Key())
	}

	lt.OnTermination(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.keys = nil
		clear(m.values)
		clear(m.lts)
	})

	m.mu.Lock()
	var dropped []reactive.MapEvent[K, V]
	for _, k := range slices.Clone(m.keys) {
		if !set.Contains(k) {
			dropped = append(dropped, reactive.MapEvent[K, V]{Op: reactive.OpRemove, Key: k, Old: m.values[k]})
			m.deleteLocked(k)
		}
	}
	m.mu.Unlock()
	for _, e := range dropped {
		m.change.Fire(e)
	}

	// Remote values arrive on the goroutine reading the wire. The entity is
	// pre-bound there so the peer's first message to it is not lost; binding
	// and notification happen on the protocol scheduler.
	set.Advise(lt, func(e reactive.SetEvent[K]) {
		if e.Kind == reactive.Add {
			m.attach(lt, proto, e.Value)
		} else {
			m.detach(proto, e.Value)
		}
	})
}

func (m *PerContextMap[K, V]) attach(lt *lifetime.Lifetime, proto *Protocol, k K) {
	m.mu.Lock()
	if _, ok := m.lts[k]; ok {
		m.mu.Unlock()
		return
	}
	v, existed := m.values[k]
	if !existed {
		master := proto.IsMaster()
		if m.masterOverride != nil {
			master = *m.masterOverride
		}
		v = m.factory(master)
		m.values[k] = v
		m.keys = append(m.keys, k)
	}
	vlt := lt.Nested()
	m.lts[k] = vlt
	m.mu.Unlock()

	v.Identify(proto.identities, proto.identities.Mix(m.RdID(), fmt.Sprint(k)))
	v.PreBind(vlt, m, keyName(k))

	onScheduler(proto.scheduler, func() {
		if !vlt.IsAlive() {
			return
		}
		bindValue(v)
		if !existed {
			m.change.Fire(reactive.MapEvent[K, V]{Op: reactive.OpAdd, Key: k, New: v})
		}
	})
}

func (m *PerContextMap[K, V]) detach(proto *Protocol, k K) {
	m.mu.Lock()
	vlt, ok := m.lts[k]
	v := m.values[k]
	if ok {
		m.deleteLocked(k)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	onScheduler(proto.scheduler, func() {
		vlt.Terminate()
		m.change.Fire(reactive.MapEvent[K, V]{Op: reactive.OpRemove, Key: k, Old: v})
	})
}

// deleteLocked forgets k. Callers hold mu.
func (m *PerContextMap[K, V]) deleteLocked(k K) {
	delete(m.values, k)
	delete(m.lts, k)
	if i := slices.Index(m.keys, k); i >= 0 {
		m.keys = slices.Delete(m.keys, i, i+1)
	}
}

// Get returns the entity for context value k. Before bind it creates one
// on demand.
func (m *PerContextMap[K, V]) Get(k K) (V, bool) {
	if m.BindState() != NotBound {
		m.assertBoundThreading()
		m.mu.Lock()
		defer m.mu.Unlock()
		v, ok := m.values[k]
		return v, ok
	}

	m.mu.Lock()
	v, ok := m.values[k]
	if !ok {
		v = m.factory(false)
		m.values[k] = v
		m.keys = append(m.keys, k)
	}
	m.mu.Unlock()
	if !ok {
		m.change.Fire(reactive.MapEvent[K, V]{Op: reactive.OpAdd, Key: k, New: v})
	}
	return v, true
}

// ForCurrentContext returns the entity for the context's current value.
func (m *PerContextMap[K, V]) ForCurrentContext() (V, error) {
	k, ok := m.key.Value()
	if !ok {
		var zero V
		return zero, fmt.Errorf("rd: context %q has no value", m.key.Key())
	}
	v, ok := m.Get(k)
	if !ok {
		return v, fmt.Errorf("rd: %s has no value for %s=%v", m.Location(), m.key.Key(), k)
	}
	return v, nil
}

// Keys returns the context values with an entity, in the order they were
// added.
func (m *PerContextMap[K, V]) Keys() []K {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.keys)
}

// Len returns the number of entities.
func (m *PerContextMap[K, V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}

// Advise calls fn with an Add for every current entity, then with every
// Add and Remove until lt ends.
func (m *PerContextMap[K, V]) Advise(lt *lifetime.Lifetime, fn func(reactive.MapEvent[K, V])) {
	if !lt.IsAlive() {
		return
	}
	m.change.Advise(lt, fn)
	m.mu.Lock()
	current := make([]reactive.MapEvent[K, V], 0, len(m.keys))
	for _, k := range m.keys {
		current = append(current, reactive.MapEvent[K, V]{Op: reactive.OpAdd, Key: k, New: m.values[k]})
	}
	m.mu.Unlock()
	for _, e := range current {
		fn(e)
	}
}

// onScheduler runs fn now when s is active on this goroutine, otherwise
// queues it.
func onScheduler(s scheduler.Scheduler, fn func()) {
	if s.IsActive() {
		fn()
		return
	}
	s.Queue(fn)
}
