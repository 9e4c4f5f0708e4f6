package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/rdsync/internal/config"
	"github.com/roach88/rdsync/internal/lifetime"
	"github.com/roach88/rdsync/internal/metrics"
	"github.com/roach88/rdsync/internal/model"
	"github.com/roach88/rdsync/internal/rd"
	"github.com/roach88/rdsync/internal/reactive"
	"github.com/roach88/rdsync/internal/transport"
)

// ConnectOptions holds flags for the connect command.
type ConnectOptions struct {
	*RootOptions
	Address     string
	Mode        string
	MetricsAddr string
	Tenant      string
	Status      string
	Entries     []string // key=value
	Fire        []string
	Calls       []string
	Once        bool
}

// SyncEvent is one line of connect output.
type SyncEvent struct {
	Entity string `json:"entity"`
	Event  string `json:"event"`
	Result string `json:"result,omitempty"`
}

// NewConnectCommand creates the connect command.
func NewConnectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ConnectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect to a server and print model changes",
		Long: `Connect to an rdsync server as the client peer, bind the sample model
and print every change to status, entries and events.

Writes given by --status, --entry and --fire are sent once bound. Each
--call runs an echo call with a fresh request id, and --tenant sets the
tenant context for those calls. The link is redialed with backoff.

With --once the command exits after its writes and calls are acknowledged.

Example:
  rdsync connect --address 127.0.0.1:7337
  rdsync connect --entry color=blue --call hello --tenant acme --once
  rdsync connect --mode websocket --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnect(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Address, "address", "", "server address (overrides network.address)")
	cmd.Flags().StringVar(&opts.Mode, "mode", "", "transport: tcp or websocket (overrides network.mode)")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "Prometheus listen address (overrides metrics.address)")
	cmd.Flags().StringVar(&opts.Tenant, "tenant", "", "tenant context for calls")
	cmd.Flags().StringVar(&opts.Status, "status", "", "status value to set")
	cmd.Flags().StringArrayVar(&opts.Entries, "entry", nil, "key=value to put into entries (repeatable)")
	cmd.Flags().StringArrayVar(&opts.Fire, "fire", nil, "event to fire (repeatable)")
	cmd.Flags().StringArrayVar(&opts.Calls, "call", nil, "echo request to send (repeatable)")
	cmd.Flags().BoolVar(&opts.Once, "once", false, "exit after writes and calls complete")

	return cmd
}

func (o *ConnectOptions) apply(cfg *config.Config) {
	cfg.Role = config.RoleClient
	if o.Address != "" {
		cfg.Network.Address = o.Address
	}
	if o.Mode != "" {
		cfg.Network.Mode = o.Mode
	}
	if o.MetricsAddr != "" {
		cfg.Metrics.Address = o.MetricsAddr
	}
}

func parseEntries(pairs []string) ([][2]string, error) {
	entries := make([][2]string, 0, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("entry %q is not key=value", kv)
		}
		entries = append(entries, [2]string{k, v})
	}
	return entries, nil
}

// lockedWriter serializes writes from the scheduler and command goroutines.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func runConnect(opts *ConnectOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	opts.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid config", err)
	}
	entries, err := parseEntries(opts.Entries)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid flags", err)
	}
	errOut := &lockedWriter{w: cmd.ErrOrStderr()}
	logger := opts.logger(cfg, errOut)

	formatter := opts.formatter(cmd)
	formatter.Writer = &lockedWriter{w: cmd.OutOrStdout()}
	formatter.ErrWriter = errOut
	emit := func(entity, event string) {
		formatter.Line(SyncEvent{Entity: entity, Event: event}, "%s: %s", entity, event)
	}

	ctx, cancel := signalContext(cmd.Context(), logger)
	defer cancel()

	var reg *metrics.Registry
	if cfg.Metrics.Address != "" {
		reg = metrics.NewRegistry()
	}

	p, err := startPeer(ctx, peerOptions{
		Name:    cfg.Name,
		Role:    config.RoleClient,
		Logger:  logger,
		Metrics: reg,
		Setup: func(m *model.Model, lt *lifetime.Lifetime) {
			m.Status.Advise(lt, func(v string) { emit(model.StatusName, v) })
			m.Entries.Advise(lt, func(e reactive.MapEvent[string, string]) { emit(model.EntriesName, e.String()) })
			m.Events.Advise(lt, func(v string) { emit(model.EventsName, v) })
			m.Calls.Advise(lt, func(e reactive.MapEvent[string, *rd.Property[int32]]) {
				if e.Op != reactive.OpAdd {
					return
				}
				entity := fmt.Sprintf("%s[%s]", model.CallsName, e.Key)
				e.New.Change(lt, func(n int32) { emit(entity, strconv.Itoa(int(n))) })
			})
		},
	})
	if err != nil {
		return WrapExitError(ExitFailure, "failed to start protocol", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if reg != nil {
		g.Go(func() error { return reg.Serve(gctx, cfg.Metrics.Address) })
	}

	linkOpts := cfg.Network.LinkOptions(logger)
	var down func()
	r := &transport.Reconnector{
		Wire:    p.Wire,
		Backoff: cfg.Network.Backoff(),
		Logger:  logger,
		Dial: func(ctx context.Context) (transport.Link, error) {
			if cfg.Network.Mode == config.ModeWebSocket {
				return transport.DialWebSocket(ctx, "ws://"+cfg.Network.Address+cfg.Network.Path, linkOpts)
			}
			return transport.DialTCP(ctx, cfg.Network.Address, linkOpts)
		},
		OnConnect: func(l transport.Link) {
			formatter.VerboseLog("connected to %s", l.RemoteAddr())
			if reg != nil {
				if down != nil {
					down()
				}
				down = reg.LinkUp(cfg.Network.Mode)
			}
		},
	}
	g.Go(func() error { return r.Run(gctx) })
	g.Go(func() error {
		select {
		case <-p.Protocol.Failed():
			return p.Protocol.Err()
		case <-gctx.Done():
			return nil
		}
	})

	actionErr := runActions(p, opts, entries, cfg, formatter)
	if actionErr != nil || opts.Once {
		cancel()
	}

	err = g.Wait()
	if down != nil {
		down()
	}
	p.Close()
	if perr := p.Protocol.Err(); perr != nil {
		_ = formatter.Error(ErrCodeProtocol, "protocol violation", perr.Error())
		return WrapExitError(ExitFailure, "protocol violation", perr)
	}
	if actionErr != nil {
		return actionErr
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "connection failed", err)
	}
	return nil
}

// runActions applies the requested writes and calls in flag order: status,
// entries, events, then calls. With --once and no calls, an empty echo
// call acknowledges the writes.
func runActions(p *peer, opts *ConnectOptions, entries [][2]string, cfg config.Config, formatter *OutputFormatter) error {
	p.Do(func() {
		if opts.Status != "" {
			p.Model.Status.Set(opts.Status)
		}
		for _, kv := range entries {
			p.Model.Entries.Set(kv[0], kv[1])
		}
		for _, v := range opts.Fire {
			p.Model.Events.Fire(v)
		}
	})

	calls := opts.Calls
	barrier := opts.Once && len(calls) == 0
	if barrier {
		calls = []string{""}
	}
	for _, req := range calls {
		res, err := echo(p, req, opts.Tenant, cfg)
		if err != nil {
			_ = formatter.Error(ErrCodeCall, fmt.Sprintf("echo %q failed", req), err.Error())
			return WrapExitError(ExitFailure, "call failed", err)
		}
		if !barrier {
			formatter.Line(
				SyncEvent{Entity: model.EchoName, Event: req, Result: res},
				"%s: %s -> %s", model.EchoName, req, res)
		}
	}
	return nil
}

// echo runs one echo call on the scheduler with a fresh request id.
func echo(p *peer, req, tenant string, cfg config.Config) (string, error) {
	var res string
	var err error
	p.Do(func() {
		model.RequestID.With(model.NewRequestID(), func() {
			if tenant == "" {
				res, err = p.Model.Echo.Sync(req, cfg.RpcTimeouts())
				return
			}
			model.Tenant.With(tenant, func() {
				res, err = p.Model.Echo.Sync(req, cfg.RpcTimeouts())
			})
		})
	})
	return res, err
}
