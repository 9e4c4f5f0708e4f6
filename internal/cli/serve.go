package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/rdsync/internal/capture"
	"github.com/roach88/rdsync/internal/config"
	"github.com/roach88/rdsync/internal/lifetime"
	"github.com/roach88/rdsync/internal/metrics"
	"github.com/roach88/rdsync/internal/model"
	"github.com/roach88/rdsync/internal/reactive"
	"github.com/roach88/rdsync/internal/transport"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen      string
	Mode        string
	Capture     string
	MetricsAddr string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept peers and serve the sample model",
		Long: `Listen for peers and bind the sample model for each connection.

Every connection gets its own protocol. The server answers echo calls,
sets status to "ready" and fires a welcome event. Frames are captured to
SQLite when --capture is set.

Example:
  rdsync serve --listen 127.0.0.1:7337
  rdsync serve --mode websocket --metrics-addr :9090
  rdsync serve --config rdsync.yaml --capture ./frames.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides network.address)")
	cmd.Flags().StringVar(&opts.Mode, "mode", "", "transport: tcp or websocket (overrides network.mode)")
	cmd.Flags().StringVar(&opts.Capture, "capture", "", "SQLite file to capture frames into (overrides capture.path)")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "Prometheus listen address (overrides metrics.address)")

	return cmd
}

func (o *ServeOptions) apply(cfg *config.Config) {
	cfg.Role = config.RoleServer
	if o.Listen != "" {
		cfg.Network.Address = o.Listen
	}
	if o.Mode != "" {
		cfg.Network.Mode = o.Mode
	}
	if o.Capture != "" {
		cfg.Capture.Path = o.Capture
	}
	if o.MetricsAddr != "" {
		cfg.Metrics.Address = o.MetricsAddr
	}
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	opts.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid config", err)
	}
	logger := opts.logger(cfg, cmd.ErrOrStderr())

	ctx, cancel := signalContext(cmd.Context(), logger)
	defer cancel()

	srv := &server{cfg: cfg, logger: logger}
	if cfg.Capture.Path != "" {
		st, err := capture.Open(cfg.Capture.Path)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open capture store", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				logger.Error("error closing capture store", "error", closeErr)
			}
		}()
		srv.capture = st
	}

	ln, err := net.Listen("tcp", cfg.Network.Address)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Address != "" {
		srv.metrics = metrics.NewRegistry()
		g.Go(func() error { return srv.metrics.Serve(ctx, cfg.Metrics.Address) })
		logger.Info("metrics endpoint started", "addr", cfg.Metrics.Address)
	}
	g.Go(func() error { return srv.Serve(ctx, ln) })

	logger.Info("server starting", "addr", ln.Addr().String(), "mode", cfg.Network.Mode, "name", cfg.Name)
	fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s (%s). Press Ctrl-C to stop.\n", ln.Addr(), cfg.Network.Mode)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "server error", err)
	}
	logger.Info("server stopped gracefully")
	return nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context, logger *slog.Logger) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// server binds a fresh model for every accepted link.
type server struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *metrics.Registry // optional
	capture *capture.Store    // optional

	conns  atomic.Int64
	active sync.WaitGroup
}

// Serve accepts links on ln until ctx ends. The listener is closed on
// return.
func (s *server) Serve(ctx context.Context, ln net.Listener) error {
	opts := s.cfg.Network.LinkOptions(s.logger)
	if s.cfg.Network.Mode == config.ModeWebSocket {
		return s.serveWebSocket(ctx, ln, opts)
	}
	return s.serveTCP(ctx, ln, opts)
}

func (s *server) serveTCP(ctx context.Context, ln net.Listener, opts transport.Options) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		ln.Close()
		return nil
	})
	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("accept: %w", err)
			}
			g.Go(func() error {
				s.handle(ctx, transport.NewStreamLink(conn, opts))
				return nil
			})
		}
	})
	return g.Wait()
}

func (s *server) serveWebSocket(ctx context.Context, ln net.Listener, opts transport.Options) error {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.Network.Path, transport.WebSocketHandler(opts, func(_ *http.Request, l *transport.WebSocketLink) {
		s.handle(ctx, l)
	}))
	httpSrv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- httpSrv.Serve(ln) }()

	select {
	case err := <-errc:
		return fmt.Errorf("websocket server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := httpSrv.Shutdown(shutdownCtx)
	// Upgraded connections are not tracked by Shutdown.
	s.active.Wait()
	if err != nil {
		return err
	}
	return ctx.Err()
}

// handle serves one link until it fails, the protocol ends or ctx ends.
func (s *server) handle(ctx context.Context, link transport.Link) {
	s.active.Add(1)
	defer s.active.Done()
	n := s.conns.Add(1)
	name := fmt.Sprintf("%s-%d", s.cfg.Name, n)
	logger := s.logger.With("conn", n, "remote", link.RemoteAddr())

	p, err := startPeer(ctx, peerOptions{
		Name:    name,
		Role:    config.RoleServer,
		Logger:  logger,
		Metrics: s.metrics,
		Capture: s.capture,
		Setup: func(m *model.Model, lt *lifetime.Lifetime) {
			m.ServeEcho(logger)
			m.Entries.Advise(lt, func(e reactive.MapEvent[string, string]) {
				logger.Info("entries changed", "event", e.String())
			})
			m.Events.Advise(lt, func(v string) {
				logger.Info("event", "value", v)
			})
		},
	})
	if err != nil {
		logger.Error("peer setup failed", "error", err)
		link.Close()
		return
	}
	defer p.Close()

	p.Do(func() {
		p.Model.Status.Set("ready")
		p.Model.Events.Fire("welcome " + link.RemoteAddr())
	})

	if s.metrics != nil {
		defer s.metrics.LinkUp(s.cfg.Network.Mode)()
	}
	logger.Info("peer connected")
	linkCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.Lifetime.Context(), cancel)
	defer stop()
	err = transport.Attach(linkCtx, p.Wire, link)
	if perr := p.Protocol.Err(); perr != nil {
		logger.Warn("peer dropped on protocol violation", "error", perr)
		return
	}
	if ctx.Err() != nil {
		logger.Info("peer closed on shutdown")
		return
	}
	logger.Info("peer disconnected", "error", err)
}
