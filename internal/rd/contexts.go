package rd

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/roach88/rdsync/internal/buffer"
	"github.com/roach88/rdsync/internal/lifetime"
	"github.com/roach88/rdsync/internal/rdid"
	"github.com/roach88/rdsync/internal/reactive"
)

// ContextKey is the type-erased view of a Context.
type ContextKey interface {
	// Key is the name both peers know the context by.
	Key() string
	// Heavy contexts intern their values.
	Heavy() bool
	marshallerID() rdid.RdId
	newHandler() contextHandler
	current() (any, bool)
	install(v any, has bool) (restore func())
}

// Context is an ambient value, such as a request id or a tenant, that is
// written into the header of every message sent while it is set and
// installed on the receiving side around the apply of that message.
//
// The current value is process-wide: Set and With affect every goroutine.
// Received values are installed only while the receiving apply runs on the
// scheduler.
type Context[T comparable] struct {
	key   string
	heavy bool
	m     Marshaller[T]

	mu    sync.Mutex
	value T
	has   bool
}

// NewContext declares a context. m must be registered with the peer's
// serializers if the peer has not declared the same key.
func NewContext[T comparable](key string, heavy bool, m Marshaller[T]) *Context[T] {
	return &Context[T]{key: key, heavy: heavy, m: m}
}

// Key implements ContextKey.
func (c *Context[T]) Key() string { return c.key }

// Heavy implements ContextKey.
func (c *Context[T]) Heavy() bool { return c.heavy }

// Marshaller returns the value marshaller.
func (c *Context[T]) Marshaller() Marshaller[T] { return c.m }

func (c *Context[T]) marshallerID() rdid.RdId { return c.m.ID() }

// Value returns the current value, if set.
func (c *Context[T]) Value() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.has
}

// Set makes v the current value.
func (c *Context[T]) Set(v T) {
	c.mu.Lock()
	c.value, c.has = v, true
	c.mu.Unlock()
}

// Clear unsets the current value.
func (c *Context[T]) Clear() {
	c.mu.Lock()
	var zero T
	c.value, c.has = zero, false
	c.mu.Unlock()
}

// With runs fn with v as the current value and restores the previous one.
func (c *Context[T]) With(v T, fn func()) {
	restore := c.install(v, true)
	defer restore()
	fn()
}

func (c *Context[T]) current() (any, bool) {
	return c.Value()
}

func (c *Context[T]) install(v any, has bool) func() {
	c.mu.Lock()
	prev, prevHas := c.value, c.has
	if has {
		c.value, c.has = v.(T), true
	} else {
		var zero T
		c.value, c.has = zero, false
	}
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.value, c.has = prev, prevHas
		c.mu.Unlock()
	}
}

func (c *Context[T]) newHandler() contextHandler {
	if c.heavy {
		return newHeavyHandler(c)
	}
	return &lightHandler[T]{c: c}
}

// MessageContext holds the context values decoded from one message header.
type MessageContext struct {
	values []contextValue
}

type contextValue struct {
	key   ContextKey
	value any
	has   bool
}

// Value returns the decoded value of the context named key.
func (m MessageContext) Value(key string) (any, bool) {
	for _, v := range m.values {
		if v.key.Key() == key {
			return v.value, v.has
		}
	}
	return nil, false
}

// Len returns the number of decoded values.
func (m MessageContext) Len() int { return len(m.values) }

// Update runs fn with the decoded values installed as current.
func (m MessageContext) Update(fn func()) {
	for i := range m.values {
		v := m.values[i]
		restore := v.key.install(v.value, v.has)
		defer restore()
	}
	fn()
}

// contextHandler writes and reads the header value of one context.
type contextHandler interface {
	context() ContextKey
	writeValue(ctx *SerializationCtx, b *buffer.Buffer)
	readValue(ctx *SerializationCtx, b *buffer.Buffer) (any, bool)
	bindUnder(lt *lifetime.Lifetime, c *Contexts, ids rdid.Identities)
}

// lightHandler writes [bool present][value] into every header.
type lightHandler[T comparable] struct {
	c *Context[T]
}

func (h *lightHandler[T]) context() ContextKey { return h.c }

func (h *lightHandler[T]) writeValue(ctx *SerializationCtx, b *buffer.Buffer) {
	v, ok := h.c.Value()
	b.WriteBool(ok)
	if ok {
		h.c.m.Write(ctx, b, v)
	}
}

func (h *lightHandler[T]) readValue(ctx *SerializationCtx, b *buffer.Buffer) (any, bool) {
	if !b.ReadBool() {
		return nil, false
	}
	return h.c.m.Read(ctx, b), true
}

func (h *lightHandler[T]) bindUnder(*lifetime.Lifetime, *Contexts, rdid.Identities) {}

// heavyHandler keeps the values in use in a replicated set and writes each
// as its intern id, falling back to the inline value when it has no id yet.
type heavyHandler[T comparable] struct {
	bindableBase
	c      *Context[T]
	values *Set[T]
	intern *InternRoot[T]
}

func newHeavyHandler[T comparable](c *Context[T]) *heavyHandler[T] {
	h := &heavyHandler[T]{
		c:      c,
		values: NewSet[T](c.m),
		intern: NewInternRoot[T](c.m),
	}
	h.hooks = h
	h.async = true
	h.values.makeAsync()
	h.values.ownMessages = true
	return h
}

func (h *heavyHandler[T]) context() ContextKey { return h.c }

func (h *heavyHandler[T]) identifyChildren(ids rdid.Identities, id rdid.RdId) {
	h.values.Identify(ids, id.Mix("ValueSet"))
	h.intern.Identify(ids, id.Mix("InternRoot"))
}

func (h *heavyHandler[T]) preInit(lt *lifetime.Lifetime, _ *Protocol) {
	h.values.PreBind(lt, h, "ValueSet")
	h.intern.PreBind(lt, h, "InternRoot")
}

func (h *heavyHandler[T]) init(lt *lifetime.Lifetime, _ *Protocol) {
	h.intern.Bind()
	h.values.Bind()
	h.values.Advise(lt, func(e reactive.SetEvent[T]) {
		if e.Kind == reactive.Add {
			h.intern.Intern(e.Value)
		} else {
			h.intern.Remove(e.Value)
		}
	})
}

func (h *heavyHandler[T]) bindUnder(lt *lifetime.Lifetime, c *Contexts, ids rdid.Identities) {
	h.Identify(ids, c.RdID().Mix(h.c.key))
	h.PreBind(lt, c, h.c.key)
	h.Bind()
}

func (h *heavyHandler[T]) writeValue(ctx *SerializationCtx, b *buffer.Buffer) {
	v, ok := h.c.Value()
	if !ok {
		writeInternID(b, InvalidInternID)
		b.WriteBool(false)
		return
	}
	if !h.values.Contains(v) {
		h.values.Add(v)
	}
	id := h.intern.Intern(v)
	writeInternID(b, id)
	if !id.IsValid() {
		b.WriteBool(true)
		h.c.m.Write(ctx, b, v)
	}
}

func (h *heavyHandler[T]) readValue(ctx *SerializationCtx, b *buffer.Buffer) (any, bool) {
	id := readInternID(b)
	if !id.IsValid() {
		if !b.ReadBool() {
			return nil, false
		}
		return h.c.m.Read(ctx, b), true
	}
	v, ok := h.intern.TryUnIntern(id)
	if !ok {
		b.Fail(fmt.Errorf("%w: context %q intern id %d", ErrUnknownInternID, h.c.key, id))
		return nil, false
	}
	return v, true
}

// Contexts is the entity that announces context definitions to the peer and
// encodes the context header of every message.
//
// Header layout: [int16 count] followed by one value per context this side
// has announced, in announcement order. The receiver decodes with the
// definitions the sender announced, so both sides must see definitions
// before the messages that use them; definitions are sent without a header.
type Contexts struct {
	reactiveBase

	handlers *xsync.MapOf[string, contextHandler]

	// orderMu serializes registration so definitions are sent in the order
	// they become part of the header.
	orderMu sync.Mutex
	order   []contextHandler
	bound   bool

	toWrite     atomic.Pointer[[]contextHandler]
	counterpart atomic.Pointer[[]contextHandler]
}

func newContexts() *Contexts {
	c := &Contexts{handlers: xsync.NewMapOf[string, contextHandler]()}
	c.hooks = c
	c.async = true
	c.ownMessages = true
	empty := []contextHandler{}
	c.toWrite.Store(&empty)
	c.counterpart.Store(&empty)
	return c
}

func (c *Contexts) identifyChildren(rdid.Identities, rdid.RdId) {}

func (c *Contexts) preInit(lt *lifetime.Lifetime, proto *Protocol) {
	c.preInitReactive(lt, proto)
}

func (c *Contexts) init(lt *lifetime.Lifetime, proto *Protocol) {
	c.orderMu.Lock()
	defer c.orderMu.Unlock()
	for _, h := range c.order {
		c.activate(lt, proto, h)
	}
	c.bound = true
	lt.OnTermination(func() {
		c.orderMu.Lock()
		c.bound = false
		c.orderMu.Unlock()
	})
}

// activate binds h, announces it and adds it to outgoing headers.
// Callers hold orderMu.
func (c *Contexts) activate(lt *lifetime.Lifetime, proto *Protocol, h contextHandler) {
	key := h.context()
	h.bindUnder(lt, c, proto.identities)

	c.send(proto, func(b *buffer.Buffer) {
		b.WriteString(key.Key())
		b.WriteBool(key.Heavy())
		key.marshallerID().Write(b)
	})

	next := append(append([]contextHandler(nil), *c.toWrite.Load()...), h)
	c.toWrite.Store(&next)
	c.logger().Debug("context announced", "key", key.Key(), "heavy", key.Heavy())
}

// Register adds key to the contexts written by this side. Registering a
// key that is already known does nothing.
func (c *Contexts) Register(key ContextKey) {
	c.ensureHandler(key)
}

func (c *Contexts) ensureHandler(key ContextKey) contextHandler {
	if h, ok := c.handlers.Load(key.Key()); ok {
		return h
	}
	c.orderMu.Lock()
	defer c.orderMu.Unlock()
	h, loaded := c.handlers.LoadOrStore(key.Key(), key.newHandler())
	if loaded {
		return h
	}
	c.order = append(c.order, h)
	if c.bound {
		_, _, _, proto, lt := c.snapshot()
		c.activate(lt, proto, h)
	}
	return h
}

// Registered returns the keys of all known contexts in registration order.
func (c *Contexts) Registered() []string {
	c.orderMu.Lock()
	defer c.orderMu.Unlock()
	keys := make([]string, 0, len(c.order))
	for _, h := range c.order {
		keys = append(keys, h.context().Key())
	}
	return keys
}

// Lookup returns the context registered under key. Contexts announced by
// the peer under keys this side never declared hold values of type any.
func (c *Contexts) Lookup(key string) (ContextKey, bool) {
	h, ok := c.handlers.Load(key)
	if !ok {
		return nil, false
	}
	return h.context(), true
}

// ValueSet returns the replicated set of values in use for a heavy context.
// Adding a value ahead of use interns it on both sides.
func ValueSet[T comparable](c *Contexts, key *Context[T]) (*Set[T], bool) {
	h, ok := c.ensureHandler(key).(*heavyHandler[T])
	if !ok {
		return nil, false
	}
	return h.values, true
}

// OnWireReceived reads a context definition. Definitions are applied on the
// receiving goroutine so that the next message header can use them.
func (c *Contexts) OnWireReceived(b *buffer.Buffer, _ *Dispatch) {
	key := b.ReadString()
	heavy := b.ReadBool()
	mid := rdid.Read(b)
	if c.decodeFailed(b) {
		return
	}

	h, ok := c.handlers.Load(key)
	if !ok {
		proto := c.Protocol()
		if proto == nil {
			return
		}
		m, found := proto.serializers.Lookup(mid)
		if !found {
			c.logger().Error("peer announced a context with an unknown marshaller", "key", key, "marshaller", mid)
			return
		}
		h = c.ensureHandler(NewContext[any](key, heavy, anyOf{m: m}))
	}

	next := append(append([]contextHandler(nil), *c.counterpart.Load()...), h)
	c.counterpart.Store(&next)
	trace(c.logger(), "context definition received", "key", key, "heavy", heavy)
}

// writeCurrentMessageContext writes the header for an outgoing message.
func (c *Contexts) writeCurrentMessageContext(b *buffer.Buffer, withoutContexts bool) {
	if withoutContexts {
		b.WriteInt16(0)
		return
	}
	handlers := *c.toWrite.Load()
	b.WriteInt16(int16(len(handlers)))
	_, _, _, proto, _ := c.snapshot()
	var ctx *SerializationCtx
	if proto != nil {
		ctx = proto.ctx
	}
	for _, h := range handlers {
		h.writeValue(ctx, b)
	}
}

// readContext decodes the header of an incoming message.
func (c *Contexts) readContext(b *buffer.Buffer) (MessageContext, error) {
	n := int(b.ReadInt16())
	if err := b.Err(); err != nil {
		return MessageContext{}, err
	}
	if n == 0 {
		return MessageContext{}, nil
	}
	handlers := *c.counterpart.Load()
	if n > len(handlers) {
		return MessageContext{}, &ProtocolError{
			Code:     ErrCodeUnknownContext,
			Message:  fmt.Sprintf("header has %d values, peer announced %d contexts", n, len(handlers)),
			Location: c.Location(),
		}
	}
	_, _, _, proto, _ := c.snapshot()
	var ctx *SerializationCtx
	if proto != nil {
		ctx = proto.ctx
	}
	values := make([]contextValue, 0, n)
	for _, h := range handlers[:n] {
		v, has := h.readValue(ctx, b)
		values = append(values, contextValue{key: h.context(), value: v, has: has})
	}
	if err := b.Err(); err != nil {
		return MessageContext{}, err
	}
	return MessageContext{values: values}, nil
}
