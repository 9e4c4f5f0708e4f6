package rd

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/roach88/rdsync/internal/buffer"
	"github.com/roach88/rdsync/internal/lifetime"
	"github.com/roach88/rdsync/internal/rdid"
)

// Wireable is an entity that receives messages addressed to its id.
type Wireable interface {
	RdID() rdid.RdId
	Location() string
	Protocol() *Protocol
	// OnWireReceived decodes one payload. It runs on the receiving
	// goroutine and normally hands the apply to d.
	OnWireReceived(b *buffer.Buffer, d *Dispatch)
}

// Wire carries entity messages between the two peers.
type Wire interface {
	// Send writes a message with the current context header.
	Send(id rdid.RdId, write func(*buffer.Buffer))
	// SendWithoutContexts writes a message with an empty context header.
	SendWithoutContexts(id rdid.RdId, write func(*buffer.Buffer))
	// Advise routes messages for entity.RdID() to entity while lt is alive.
	Advise(lt *lifetime.Lifetime, entity Wireable)
	// SetContexts installs the header codec. Called once by NewProtocol.
	SetContexts(c *Contexts)
}

// Transport moves whole frames to the peer.
type Transport interface {
	Transmit(frame []byte) error
}

// FrameObserver sees every frame a FrameWire sends or receives.
type FrameObserver interface {
	FrameSent(id rdid.RdId, frame []byte)
	FrameReceived(id rdid.RdId, frame []byte)
}

// FrameWire is a Wire that frames each message as
// [int64 id][context header][payload] and hands it to a Transport.
//
// Each Send builds its frame in a fresh buffer with no lock held, so
// messages sent while writing another (interned context values) leave
// first.
//
// Frames sent before Connect, or after Disconnect, are kept and transmitted
// in order on the next Connect.
type FrameWire struct {
	broker   *MessageBroker
	contexts atomic.Pointer[Contexts]
	logger   *slog.Logger

	mu        sync.Mutex
	transport Transport
	backlog   [][]byte
	observers []FrameObserver
}

// WireOption configures a FrameWire.
type WireOption func(*FrameWire)

// WithWireLogger sets the wire's logger.
func WithWireLogger(l *slog.Logger) WireOption {
	return func(w *FrameWire) { w.logger = l }
}

// WithObserver adds a frame observer.
func WithObserver(o FrameObserver) WireOption {
	return func(w *FrameWire) { w.observers = append(w.observers, o) }
}

// NewFrameWire creates an unconnected wire. Received messages are queued
// until the protocol using the wire starts delivery.
func NewFrameWire(opts ...WireOption) *FrameWire {
	w := &FrameWire{logger: slog.Default()}
	for _, opt := range opts {
		opt(w)
	}
	w.broker = NewMessageBroker(true, w.logger)
	return w
}

// Broker returns the wire's message broker.
func (w *FrameWire) Broker() *MessageBroker {
	return w.broker
}

// StartDeliveringMessages releases queued inbound messages.
func (w *FrameWire) StartDeliveringMessages() {
	w.broker.StartDeliveringMessages()
}

// AddObserver adds a frame observer after construction.
func (w *FrameWire) AddObserver(o FrameObserver) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.observers = append(slices.Clip(w.observers), o)
}

// Connect attaches t and flushes the backlog through it.
func (w *FrameWire) Connect(t Transport) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, frame := range w.backlog {
		if err := t.Transmit(frame); err != nil {
			w.logger.Warn("backlog transmit failed", "error", err)
		}
	}
	w.backlog = nil
	w.transport = t
}

// Disconnect detaches the transport. Later sends are kept for the next
// Connect.
func (w *FrameWire) Disconnect() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.transport = nil
}

// SetContexts implements Wire.
func (w *FrameWire) SetContexts(c *Contexts) {
	w.contexts.Store(c)
}

// Advise implements Wire.
func (w *FrameWire) Advise(lt *lifetime.Lifetime, entity Wireable) {
	w.broker.AdviseOn(lt, entity)
}

// Send implements Wire.
func (w *FrameWire) Send(id rdid.RdId, write func(*buffer.Buffer)) {
	w.send(id, write, false)
}

// SendWithoutContexts implements Wire.
func (w *FrameWire) SendWithoutContexts(id rdid.RdId, write func(*buffer.Buffer)) {
	w.send(id, write, true)
}

func (w *FrameWire) send(id rdid.RdId, write func(*buffer.Buffer), withoutContexts bool) {
	b := buffer.New()
	id.NotNull().Write(b)
	if c := w.contexts.Load(); c != nil {
		c.writeCurrentMessageContext(b, withoutContexts)
	} else {
		b.WriteInt16(0)
	}
	write(b)
	frame := b.Bytes()

	w.mu.Lock()
	t := w.transport
	observers := w.observers
	if t == nil {
		w.backlog = append(w.backlog, frame)
	}
	w.mu.Unlock()

	for _, o := range observers {
		o.FrameSent(id, frame)
	}
	if t == nil {
		trace(w.logger, "frame queued until connect", "id", id, "bytes", len(frame))
		return
	}
	if err := t.Transmit(frame); err != nil {
		w.logger.Warn("transmit failed", "id", id, "error", err)
	}
}

// Receive decodes one inbound frame and routes it to its subscriber.
func (w *FrameWire) Receive(frame []byte) {
	b := buffer.FromBytes(frame)
	id := rdid.Read(b)
	if err := b.Err(); err != nil {
		w.logger.Warn("dropping short frame", "bytes", len(frame), "error", err)
		return
	}
	if id.IsNull() {
		trace(w.logger, "dropping frame for null id")
		return
	}

	w.mu.Lock()
	observers := w.observers
	w.mu.Unlock()
	for _, o := range observers {
		o.FrameReceived(id, frame)
	}

	w.broker.Dispatch(id, b)
}
