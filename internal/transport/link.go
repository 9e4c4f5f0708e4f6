package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/rdsync/internal/rd"
)

// Link is a connected transport.
type Link interface {
	rd.Transport
	// Serve delivers inbound frames to receive on its own goroutine until ctx
	// ends or the link fails. It returns ctx.Err() after cancellation and the
	// failure otherwise.
	Serve(ctx context.Context, receive func(frame []byte)) error
	// Close tears the connection down. Safe to call more than once.
	Close() error
	// RemoteAddr describes the peer for logs.
	RemoteAddr() string
}

// Options configures a link.
type Options struct {
	// PingInterval is the heartbeat period. The peer is declared silent
	// after three missed intervals. Zero disables heartbeats.
	PingInterval time.Duration
	// MaxFrame bounds inbound and outbound frames.
	MaxFrame int
	// Logger receives link diagnostics.
	Logger *slog.Logger
}

// DefaultOptions returns a 5s heartbeat and DefaultMaxFrame.
func DefaultOptions() Options {
	return Options{PingInterval: 5 * time.Second, MaxFrame: DefaultMaxFrame}
}

func (o Options) withDefaults() Options {
	if o.MaxFrame <= 0 {
		o.MaxFrame = DefaultMaxFrame
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

func (o Options) silence() time.Duration {
	return 3 * o.PingInterval
}

// Attach connects link to wire, pumps inbound frames into it and detaches
// when Serve returns. The link is closed on return.
func Attach(ctx context.Context, wire *rd.FrameWire, link Link) error {
	wire.Connect(link)
	defer link.Close()
	defer wire.Disconnect()
	return link.Serve(ctx, wire.Receive)
}
