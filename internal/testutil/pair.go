package testutil

import (
	"log/slog"
	"testing"

	"github.com/roach88/rdsync/internal/lifetime"
	"github.com/roach88/rdsync/internal/rd"
	"github.com/roach88/rdsync/internal/rdid"
	"github.com/roach88/rdsync/internal/scheduler"
	"github.com/roach88/rdsync/internal/testwire"
)

// Pair is a client and a server protocol joined by a testwire.Pair.
//
// The client uses Client identities and is the master side.
type Pair struct {
	Lifetime *lifetime.Lifetime
	Wires    *testwire.Pair
	Client   *rd.Protocol
	Server   *rd.Protocol
}

type pairConfig struct {
	clientScheduler scheduler.Scheduler
	serverScheduler scheduler.Scheduler
	clientOpts      []rd.Option
	serverOpts      []rd.Option
	wireOpts        []rd.WireOption
	logger          *slog.Logger
	autoFlush       bool
}

// PairOption configures NewPair.
type PairOption func(*pairConfig)

// WithSchedulers sets the protocol schedulers. The default is
// scheduler.Synchronous on both sides.
func WithSchedulers(client, server scheduler.Scheduler) PairOption {
	return func(c *pairConfig) {
		c.clientScheduler, c.serverScheduler = client, server
	}
}

// WithClientOptions adds options to the client protocol.
func WithClientOptions(opts ...rd.Option) PairOption {
	return func(c *pairConfig) { c.clientOpts = append(c.clientOpts, opts...) }
}

// WithServerOptions adds options to the server protocol.
func WithServerOptions(opts ...rd.Option) PairOption {
	return func(c *pairConfig) { c.serverOpts = append(c.serverOpts, opts...) }
}

// WithWireOptions adds options to both wires.
func WithWireOptions(opts ...rd.WireOption) PairOption {
	return func(c *pairConfig) { c.wireOpts = append(c.wireOpts, opts...) }
}

// WithLogger logs both protocols to l instead of discarding.
func WithLogger(l *slog.Logger) PairOption {
	return func(c *pairConfig) { c.logger = l }
}

// WithAutoFlush delivers frames as soon as they are sent.
func WithAutoFlush() PairOption {
	return func(c *pairConfig) { c.autoFlush = true }
}

// NewPair builds both protocols and delivers the frames they exchange on
// startup. The pair's lifetime ends with the test.
func NewPair(t testing.TB, opts ...PairOption) *Pair {
	t.Helper()
	lt := lifetime.New()
	t.Cleanup(lt.Terminate)
	return Connect(lt, opts...)
}

// Connect is NewPair for use outside tests. The pair lives until lt ends.
func Connect(lt *lifetime.Lifetime, opts ...PairOption) *Pair {
	cfg := pairConfig{
		clientScheduler: scheduler.Synchronous,
		serverScheduler: scheduler.Synchronous,
		logger:          rd.DiscardLogger(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	wires := testwire.NewPair(append([]rd.WireOption{rd.WithWireLogger(cfg.logger)}, cfg.wireOpts...)...)
	if cfg.autoFlush {
		wires.SetAutoFlush(true)
	}

	client := rd.NewProtocol("client", rdid.NewSequentialIdentities(rdid.Client), cfg.clientScheduler, wires.Client, lt,
		append([]rd.Option{rd.WithLogger(cfg.logger)}, cfg.clientOpts...)...)
	server := rd.NewProtocol("server", rdid.NewSequentialIdentities(rdid.Server), cfg.serverScheduler, wires.Server, lt,
		append([]rd.Option{rd.WithLogger(cfg.logger)}, cfg.serverOpts...)...)
	wires.ProcessAll()

	return &Pair{Lifetime: lt, Wires: wires, Client: client, Server: server}
}

// BindStatic binds client and server under the same static name and
// delivers the resulting frames.
func (p *Pair) BindStatic(name string, client, server rd.Bindable) {
	p.Client.BindStatic(client, name)
	p.Server.BindStatic(server, name)
	p.Wires.ProcessAll()
}

// Flush delivers every pending frame in both directions.
func (p *Pair) Flush() int {
	return p.Wires.ProcessAll()
}
