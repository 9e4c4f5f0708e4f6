package rd

import (
	"log/slog"
	"sync"

	"github.com/roach88/rdsync/internal/lifetime"
	"github.com/roach88/rdsync/internal/rdid"
	"github.com/roach88/rdsync/internal/scheduler"
)

// ContextsID is the id both peers assign to the context definitions entity.
var ContextsID = rdid.Null.Mix("ProtocolContextHandler")

// Protocol is the root of one peer's entity tree.
//
// Thread-safety model:
//   - Bind, unbind and local changes of non-async entities must run on
//     Scheduler(); violations panic with ErrCodeWrongScheduler
//   - Wire I/O happens on the transport's goroutines; received changes are
//     applied on the scheduler
type Protocol struct {
	name        string
	identities  rdid.Identities
	scheduler   scheduler.Scheduler
	wire        Wire
	lifetime    *lifetime.Lifetime
	serializers *Serializers
	ctx         *SerializationCtx
	contexts    *Contexts
	logger      *slog.Logger

	initialContexts []ContextKey

	failOnce sync.Once
	failed   chan struct{}
	failErr  *ProtocolError
}

// Option configures a Protocol.
type Option func(*Protocol)

// WithLogger sets the protocol's logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Protocol) { p.logger = l }
}

// WithSerializers sets the marshaller registry.
func WithSerializers(s *Serializers) Option {
	return func(p *Protocol) { p.serializers = s }
}

// WithContexts registers contexts before the protocol is bound, so their
// definitions are the first messages sent.
func WithContexts(keys ...ContextKey) Option {
	return func(p *Protocol) { p.initialContexts = append(p.initialContexts, keys...) }
}

// NewProtocol binds a protocol named name to wire for the duration of lt.
// Client identities make this side the master.
func NewProtocol(name string, ids rdid.Identities, sched scheduler.Scheduler, wire Wire, lt *lifetime.Lifetime, opts ...Option) *Protocol {
	p := &Protocol{
		name:       name,
		identities: ids,
		scheduler:  sched,
		wire:       wire,
		lifetime:   lt,
		logger:     slog.Default(),
		failed:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.serializers == nil {
		p.serializers = NewSerializers()
	}
	p.logger = p.logger.With("protocol", name)
	p.ctx = &SerializationCtx{Serializers: p.serializers}

	p.contexts = newContexts()
	for _, key := range p.initialContexts {
		p.contexts.Register(key)
	}
	wire.SetContexts(p.contexts)
	p.contexts.Identify(ids, ContextsID)
	p.contexts.PreBind(lt, p, "ProtocolContextHandler")
	p.contexts.Bind()

	if d, ok := wire.(interface{ StartDeliveringMessages() }); ok {
		d.StartDeliveringMessages()
	}

	p.logger.Debug("protocol started", "kind", ids.Kind(), "master", p.IsMaster())
	return p
}

// Protocol implements Dynamic.
func (p *Protocol) Protocol() *Protocol { return p }

// Location implements Dynamic.
func (p *Protocol) Location() string { return p.name }

// Name returns the protocol name.
func (p *Protocol) Name() string { return p.name }

// Identities returns the id generator.
func (p *Protocol) Identities() rdid.Identities { return p.identities }

// Scheduler returns the default scheduler.
func (p *Protocol) Scheduler() scheduler.Scheduler { return p.scheduler }

// Wire returns the wire.
func (p *Protocol) Wire() Wire { return p.wire }

// Lifetime returns the protocol lifetime.
func (p *Protocol) Lifetime() *lifetime.Lifetime { return p.lifetime }

// Serializers returns the marshaller registry.
func (p *Protocol) Serializers() *Serializers { return p.serializers }

// SerializationContext returns the context passed to serializers.
func (p *Protocol) SerializationContext() *SerializationCtx { return p.ctx }

// Contexts returns the context propagation entity.
func (p *Protocol) Contexts() *Contexts { return p.contexts }

// Logger returns the protocol logger.
func (p *Protocol) Logger() *slog.Logger { return p.logger }

// IsMaster reports whether this side wins version conflicts by default.
func (p *Protocol) IsMaster() bool {
	return p.identities.Kind() == rdid.Client
}

// Bind binds an identified top-level entity under name for the protocol
// lifetime.
func (p *Protocol) Bind(e Bindable, name string) {
	e.PreBind(p.lifetime, p, name)
	e.Bind()
}

// BindStatic identifies e with the stable id derived from name, which both
// peers compute identically, and binds it.
func (p *Protocol) BindStatic(e Bindable, name string) {
	e.Identify(p.identities, p.identities.Mix(rdid.Null, name))
	p.Bind(e, name)
}

// HandlePanic is a scheduler panic handler. A ProtocolError means the
// replicas have diverged: it is recorded, the protocol lifetime is
// terminated and Failed is closed. Other panics are logged.
//
// It must run on the scheduler goroutine.
func (p *Protocol) HandlePanic(r any) {
	pe, ok := r.(*ProtocolError)
	if !ok {
		p.logger.Error("scheduled action panicked", "panic", r)
		return
	}
	p.failOnce.Do(func() {
		p.logger.Error("protocol violation, terminating", "code", pe.Code, "error", pe)
		p.failErr = pe
		defer close(p.failed)
		p.lifetime.Terminate()
	})
}

// Failed is closed once a protocol violation has terminated the protocol
// lifetime.
func (p *Protocol) Failed() <-chan struct{} { return p.failed }

// Err returns the violation that terminated the protocol, or nil.
func (p *Protocol) Err() error {
	select {
	case <-p.failed:
		return p.failErr
	default:
		return nil
	}
}
