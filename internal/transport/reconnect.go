package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/rdsync/internal/rd"
)

// DialFunc opens a new link.
type DialFunc func(ctx context.Context) (Link, error)

// BackoffPolicy configures redial delays.
type BackoffPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxElapsed stops redialing after this long without a connection.
	// Zero retries forever.
	MaxElapsed time.Duration
}

// DefaultBackoff retries from 100ms up to 5s, forever.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{InitialInterval: 100 * time.Millisecond, MaxInterval: 5 * time.Second}
}

func (p BackoffPolicy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.MaxElapsedTime = p.MaxElapsed
	b.Reset()
	return b
}

// Reconnector keeps Wire attached to a link produced by Dial.
type Reconnector struct {
	Wire    *rd.FrameWire
	Dial    DialFunc
	Backoff BackoffPolicy
	Logger  *slog.Logger
	// OnConnect, if set, runs after each successful dial.
	OnConnect func(Link)
}

// Run dials, serves the link until it fails, and dials again. It returns
// ctx.Err() when ctx ends, or the last dial error once the backoff policy
// gives up.
func (r *Reconnector) Run(ctx context.Context) error {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for {
		attempt := 0
		link, err := backoff.RetryWithData(func() (Link, error) {
			attempt++
			l, err := r.Dial(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil, backoff.Permanent(ctx.Err())
				}
				logger.Debug("dial failed", "attempt", attempt, "error", err)
				return nil, err
			}
			return l, nil
		}, backoff.WithContext(r.Backoff.newBackOff(), ctx))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		logger.Info("link established", "remote", link.RemoteAddr(), "attempts", attempt)
		if r.OnConnect != nil {
			r.OnConnect(link)
		}
		err = Attach(ctx, r.Wire, link)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("link lost, redialing", "remote", link.RemoteAddr(), "error", err)
	}
}
