package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/rdsync/internal/capture"
	"github.com/roach88/rdsync/internal/config"
	"github.com/roach88/rdsync/internal/lifetime"
	"github.com/roach88/rdsync/internal/metrics"
	"github.com/roach88/rdsync/internal/model"
	"github.com/roach88/rdsync/internal/rd"
	"github.com/roach88/rdsync/internal/rdid"
	"github.com/roach88/rdsync/internal/scheduler"
)

// peer is one protocol with the sample model bound, running on its own
// scheduler goroutine.
type peer struct {
	Name     string
	Sched    *scheduler.SingleThread
	Wire     *rd.FrameWire
	Protocol *rd.Protocol
	Model    *model.Model
	Lifetime *lifetime.Lifetime

	recorder *capture.Recorder
	logger   *slog.Logger
}

type peerOptions struct {
	Name    string
	Role    string
	Logger  *slog.Logger
	Metrics *metrics.Registry // optional
	Capture *capture.Store    // optional

	// Setup runs on the scheduler before the model is bound.
	Setup func(m *model.Model, lt *lifetime.Lifetime)
}

// startPeer builds the wire and protocol and binds the model. The peer
// lives until Close is called. ctx only bounds capture setup.
func startPeer(ctx context.Context, o peerOptions) (*peer, error) {
	p := &peer{
		Name:     o.Name,
		Sched:    scheduler.NewSingleThread(o.Name),
		Lifetime: lifetime.New(),
		logger:   o.Logger,
	}

	wireOpts := []rd.WireOption{rd.WithWireLogger(o.Logger)}
	if o.Metrics != nil {
		wireOpts = append(wireOpts, rd.WithObserver(o.Metrics.Observer(o.Name)))
	}
	if o.Capture != nil {
		rec, err := o.Capture.NewRecorder(ctx, o.Name, o.Role, o.Logger)
		if err != nil {
			return nil, fmt.Errorf("start capture: %w", err)
		}
		p.recorder = rec
		wireOpts = append(wireOpts, rd.WithObserver(rec))
		o.Logger.Info("capturing frames", "session", rec.Session().ID)
	}
	p.Wire = rd.NewFrameWire(wireOpts...)

	kind := rdid.Server
	if o.Role == config.RoleClient {
		kind = rdid.Client
	}

	// Run stops on Close, not on ctx.
	go p.Sched.Run(context.Background())

	var bindErr *rd.ProtocolError
	scheduler.Invoke(p.Sched, func() {
		bindErr = rd.Recover(func() {
			p.Protocol = rd.NewProtocol(o.Name, rdid.NewSequentialIdentities(kind), p.Sched, p.Wire, p.Lifetime,
				rd.WithLogger(o.Logger), model.ContextOption())
			p.Model = model.New()
			if o.Setup != nil {
				o.Setup(p.Model, p.Lifetime)
			}
			p.Model.Bind(p.Protocol)
		})
	})
	if bindErr != nil {
		p.Close()
		return nil, fmt.Errorf("bind model: %w", bindErr)
	}
	// A violation in a received change ends the protocol.
	p.Sched.SetPanicHandler(p.Protocol.HandlePanic)
	return p, nil
}

// Do runs fn on the peer's scheduler and waits for it.
func (p *peer) Do(fn func()) {
	scheduler.Invoke(p.Sched, fn)
}

// Close ends the protocol lifetime, stops the scheduler and finishes the
// capture session.
func (p *peer) Close() {
	p.Do(p.Lifetime.Terminate)
	p.Sched.Close()
	if p.recorder != nil {
		if err := p.recorder.Close(); err != nil {
			p.logger.Warn("capture close failed", "error", err)
		}
		p.logger.Info("capture finished", "session", p.recorder.Session().ID, "frames", p.recorder.Count())
	}
}
