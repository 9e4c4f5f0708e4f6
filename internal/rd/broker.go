package rd

import (
	"log/slog"
	"sync"

	"github.com/roach88/rdsync/internal/buffer"
	"github.com/roach88/rdsync/internal/lifetime"
	"github.com/roach88/rdsync/internal/rdid"
	"github.com/roach88/rdsync/internal/scheduler"
)

// MessageBroker routes inbound messages to the entity subscribed to their
// id.
//
// Thread-safety: Dispatch runs on the receiving goroutine; AdviseOn may run
// anywhere. Subscriptions are guarded by one lock.
type MessageBroker struct {
	logger *slog.Logger

	mu         sync.Mutex
	subs       map[rdid.RdId]*brokerEntry
	delivering bool
	queue      []queuedMessage
}

type brokerEntry struct {
	lt     *lifetime.Lifetime
	entity Wireable
}

type queuedMessage struct {
	id  rdid.RdId
	buf *buffer.Buffer
}

// NewMessageBroker creates a broker. With queueMessages set, inbound
// messages are held until StartDeliveringMessages.
func NewMessageBroker(queueMessages bool, logger *slog.Logger) *MessageBroker {
	return &MessageBroker{
		logger:     logger,
		subs:       make(map[rdid.RdId]*brokerEntry),
		delivering: !queueMessages,
	}
}

// StartDeliveringMessages replays held messages in arrival order, including
// ones that arrive during the replay, then switches to direct delivery.
func (m *MessageBroker) StartDeliveringMessages() {
	for {
		m.mu.Lock()
		if m.delivering {
			m.mu.Unlock()
			return
		}
		if len(m.queue) == 0 {
			m.delivering = true
			m.mu.Unlock()
			return
		}
		queue := m.queue
		m.queue = nil
		m.mu.Unlock()

		for _, msg := range queue {
			m.deliver(msg.id, msg.buf)
		}
	}
}

// Dispatch routes one message. b is positioned after the id.
func (m *MessageBroker) Dispatch(id rdid.RdId, b *buffer.Buffer) {
	m.mu.Lock()
	if !m.delivering {
		m.queue = append(m.queue, queuedMessage{id: id, buf: b})
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.deliver(id, b)
}

func (m *MessageBroker) deliver(id rdid.RdId, b *buffer.Buffer) {
	m.mu.Lock()
	entry, ok := m.subs[id]
	m.mu.Unlock()
	if !ok || !entry.lt.IsAlive() {
		trace(m.logger, "no handler for message", "id", id)
		return
	}

	proto := entry.entity.Protocol()
	if proto == nil {
		trace(m.logger, "no protocol for message", "id", id)
		return
	}

	msgCtx, err := proto.contexts.readContext(b)
	if err != nil {
		m.logger.Error("dropping message with bad context header", "id", id, "error", err)
		return
	}

	entry.entity.OnWireReceived(b, &Dispatch{
		lt:     entry.lt,
		id:     id,
		proto:  proto,
		msgCtx: msgCtx,
	})
}

// AdviseOn subscribes entity to its id for as long as lt is alive. A second
// live subscription for the same id panics.
func (m *MessageBroker) AdviseOn(lt *lifetime.Lifetime, entity Wireable) {
	if !lt.IsAlive() {
		return
	}
	id := entity.RdID()
	if id.IsNull() {
		violation(ErrCodeNullID, entity.Location(), id, "cannot subscribe with the null id")
	}

	entry := &brokerEntry{lt: lt, entity: entity}
	m.mu.Lock()
	if prev, ok := m.subs[id]; ok && prev.lt.IsAlive() {
		m.mu.Unlock()
		violation(ErrCodeDuplicateSubscription, entity.Location(), id, "id already subscribed by %s", prev.entity.Location())
	}
	m.subs[id] = entry
	m.mu.Unlock()

	lt.OnTermination(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.subs[id] == entry {
			delete(m.subs, id)
		}
	})
}

// Subscribed reports whether id has a live subscriber.
func (m *MessageBroker) Subscribed(id rdid.RdId) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.subs[id]
	return ok && e.lt.IsAlive()
}

// Dispatch hands a decoded message to its entity's scheduler.
type Dispatch struct {
	lt     *lifetime.Lifetime
	id     rdid.RdId
	proto  *Protocol
	msgCtx MessageContext
}

// Lifetime returns the subscription lifetime.
func (d *Dispatch) Lifetime() *lifetime.Lifetime { return d.lt }

// ID returns the message's target id.
func (d *Dispatch) ID() rdid.RdId { return d.id }

// Context returns the message's decoded context values.
func (d *Dispatch) Context() MessageContext { return d.msgCtx }

// Run queues action on s, or the protocol scheduler when s is nil. The
// action is skipped if the subscription ends first, and runs with the
// message's context values installed.
func (d *Dispatch) Run(s scheduler.Scheduler, action func()) {
	d.RunIn(nil, s, action)
}

// RunIn is Run, additionally skipped once lt ends.
func (d *Dispatch) RunIn(lt *lifetime.Lifetime, s scheduler.Scheduler, action func()) {
	alive := func() bool {
		return d.lt.IsAlive() && (lt == nil || lt.IsAlive())
	}
	if !alive() {
		trace(d.proto.logger, "subscription ended before dispatch", "id", d.id)
		return
	}
	if s == nil {
		s = d.proto.scheduler
	}
	s.Queue(func() {
		if !alive() {
			trace(d.proto.logger, "subscription ended before apply", "id", d.id)
			return
		}
		d.msgCtx.Update(action)
	})
}
