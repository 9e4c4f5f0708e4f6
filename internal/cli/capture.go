package cli

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/rdsync/internal/capture"
	"github.com/roach88/rdsync/internal/config"
	"github.com/roach88/rdsync/internal/rd"
	"github.com/roach88/rdsync/internal/rdid"
)

// CaptureOptions holds flags shared by the capture subcommands.
type CaptureOptions struct {
	*RootOptions
	Database string
}

// SessionInfo describes one capture session.
type SessionInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	StartedAt time.Time `json:"started_at"`
}

// FrameInfo describes one captured frame.
type FrameInfo struct {
	Seq       int64  `json:"seq"`
	Direction string `json:"direction"`
	EntityID  string `json:"entity_id"`
	Size      int    `json:"size"`
	Contexts  int    `json:"contexts"`
}

// StatInfo is the traffic of one entity id.
type StatInfo struct {
	EntityID string `json:"entity_id"`
	Sent     int    `json:"sent"`
	Received int    `json:"received"`
	Bytes    int64  `json:"bytes"`
}

// ReplayResult is the model state rebuilt from a session.
type ReplayResult struct {
	Session string            `json:"session"`
	Frames  int               `json:"frames"`
	Status  string            `json:"status"`
	Entries map[string]string `json:"entries"`
}

// NewCaptureCommand creates the capture command and its subcommands.
func NewCaptureCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CaptureOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Inspect and replay captured frames",
		Long: `Inspect frames recorded by "rdsync serve --capture".

Examples:
  rdsync capture sessions --db ./frames.db
  rdsync capture frames --db ./frames.db <session> --direction received
  rdsync capture stats --db ./frames.db <session>
  rdsync capture replay --db ./frames.db <session>`,
	}
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to capture SQLite database (required)")
	_ = cmd.MarkPersistentFlagRequired("db")

	cmd.AddCommand(newCaptureSessionsCommand(opts))
	cmd.AddCommand(newCaptureFramesCommand(opts))
	cmd.AddCommand(newCaptureStatsCommand(opts))
	cmd.AddCommand(newCaptureReplayCommand(opts))
	cmd.AddCommand(newCaptureDeleteCommand(opts))
	return cmd
}

// withStore opens the database for the duration of fn.
func (o *CaptureOptions) withStore(fn func(context.Context, *capture.Store) error) error {
	st, err := capture.Open(o.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open capture database", err)
	}
	defer st.Close()
	return fn(context.Background(), st)
}

func sessionError(err error) error {
	if errors.Is(err, capture.ErrSessionNotFound) {
		return WrapExitError(ExitCommandError, "unknown session", err)
	}
	return WrapExitError(ExitCommandError, "failed to read capture", err)
}

func newCaptureSessionsCommand(opts *CaptureOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "sessions",
		Short:         "List capture sessions",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(func(ctx context.Context, st *capture.Store) error {
				sessions, err := st.Sessions(ctx)
				if err != nil {
					return sessionError(err)
				}
				infos := make([]SessionInfo, 0, len(sessions))
				var b strings.Builder
				for _, s := range sessions {
					infos = append(infos, SessionInfo{ID: s.ID, Name: s.Name, Role: s.Role, StartedAt: s.StartedAt})
					fmt.Fprintf(&b, "%s  %-6s  %s  %s\n", s.ID, s.Role, s.StartedAt.Format(time.RFC3339), s.Name)
				}
				if len(sessions) == 0 {
					b.WriteString("No sessions found.\n")
				}
				return opts.formatter(cmd).Result(infos, b.String())
			})
		},
	}
}

func newCaptureFramesCommand(opts *CaptureOptions) *cobra.Command {
	var filter capture.FrameFilter
	var entity string

	cmd := &cobra.Command{
		Use:           "frames <session>",
		Short:         "List the frames of a session",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if filter.Direction != "" && filter.Direction != capture.Sent && filter.Direction != capture.Received {
				return NewExitError(ExitCommandError, fmt.Sprintf("direction must be %q or %q", capture.Sent, capture.Received))
			}
			if entity != "" {
				id, err := rdid.Parse(entity)
				if err != nil {
					return WrapExitError(ExitCommandError, "invalid entity id", err)
				}
				filter.EntityID = id
			}
			return opts.withStore(func(ctx context.Context, st *capture.Store) error {
				if _, err := st.ReadSession(ctx, args[0]); err != nil {
					return sessionError(err)
				}
				frames, err := st.ReadFrames(ctx, args[0], filter)
				if err != nil {
					return sessionError(err)
				}
				infos := make([]FrameInfo, 0, len(frames))
				var b strings.Builder
				for _, f := range frames {
					info := FrameInfo{
						Seq:       f.Seq,
						Direction: f.Direction,
						EntityID:  f.EntityID.String(),
						Size:      f.Size,
						Contexts:  f.ContextCount(),
					}
					infos = append(infos, info)
					fmt.Fprintf(&b, "%6d  %-8s  %20s  %6d bytes  %d ctx\n",
						info.Seq, info.Direction, info.EntityID, info.Size, info.Contexts)
				}
				if len(frames) == 0 {
					b.WriteString("  (no frames)\n")
				}
				return opts.formatter(cmd).Result(infos, b.String())
			})
		},
	}
	cmd.Flags().StringVar(&filter.Direction, "direction", "", "sent or received")
	cmd.Flags().StringVar(&entity, "entity", "", "only frames for this entity id")
	cmd.Flags().IntVar(&filter.Limit, "limit", 0, "maximum frames to list")
	return cmd
}

func newCaptureStatsCommand(opts *CaptureOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "stats <session>",
		Short:         "Summarize traffic per entity",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(func(ctx context.Context, st *capture.Store) error {
				sess, err := st.ReadSession(ctx, args[0])
				if err != nil {
					return sessionError(err)
				}
				stats, err := st.Stats(ctx, sess.ID)
				if err != nil {
					return sessionError(err)
				}
				infos := make([]StatInfo, 0, len(stats))
				var b strings.Builder
				fmt.Fprintf(&b, "Session %s (%s, %s)\n", sess.ID, sess.Name, sess.Role)
				fmt.Fprintln(&b, "=== Entities ===")
				for _, s := range stats {
					infos = append(infos, StatInfo{EntityID: s.EntityID.String(), Sent: s.Sent, Received: s.Received, Bytes: s.Bytes})
					fmt.Fprintf(&b, "  %20s  sent %-5d received %-5d %d bytes\n", s.EntityID, s.Sent, s.Received, s.Bytes)
				}
				if len(stats) == 0 {
					fmt.Fprintln(&b, "  (no frames)")
				}
				return opts.formatter(cmd).Result(infos, b.String())
			})
		},
	}
}

func newCaptureReplayCommand(opts *CaptureOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <session>",
		Short: "Rebuild the sample model from a session",
		Long: `Feed the frames a session received into a fresh protocol with the sample
model bound, then print the resulting status and entries.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(func(ctx context.Context, st *capture.Store) error {
				result, err := replaySession(ctx, st, args[0])
				if err != nil {
					return err
				}
				var b strings.Builder
				fmt.Fprintf(&b, "Replayed %d frames from %s\n", result.Frames, result.Session)
				fmt.Fprintf(&b, "status: %s\n", result.Status)
				keys := make([]string, 0, len(result.Entries))
				for k := range result.Entries {
					keys = append(keys, k)
				}
				slices.Sort(keys)
				for _, k := range keys {
					fmt.Fprintf(&b, "entries[%s]: %s\n", k, result.Entries[k])
				}
				return opts.formatter(cmd).Result(result, b.String())
			})
		},
	}
}

// replaySession binds the model on a protocol with the session's role and
// delivers the received frames. Outbound traffic stays in the unconnected
// wire's backlog.
func replaySession(ctx context.Context, st *capture.Store, id string) (ReplayResult, error) {
	sess, err := st.ReadSession(ctx, id)
	if err != nil {
		return ReplayResult{}, sessionError(err)
	}
	role := config.RoleServer
	if sess.Role == config.RoleClient {
		role = config.RoleClient
	}
	p, err := startPeer(ctx, peerOptions{Name: sess.Name, Role: role, Logger: rd.DiscardLogger()})
	if err != nil {
		return ReplayResult{}, WrapExitError(ExitFailure, "failed to start protocol", err)
	}
	defer p.Close()

	n, err := st.Replay(ctx, sess.ID, p.Wire)
	if err != nil {
		return ReplayResult{}, sessionError(err)
	}

	result := ReplayResult{Session: sess.ID, Frames: n, Entries: map[string]string{}}
	p.Do(func() {
		result.Status = p.Model.Status.Value()
		for _, k := range p.Model.Entries.Keys() {
			if v, ok := p.Model.Entries.Get(k); ok {
				result.Entries[k] = v
			}
		}
	})
	return result, nil
}

func newCaptureDeleteCommand(opts *CaptureOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "delete <session>",
		Short:         "Delete a session and its frames",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(func(ctx context.Context, st *capture.Store) error {
				if _, err := st.ReadSession(ctx, args[0]); err != nil {
					return sessionError(err)
				}
				if err := st.DeleteSession(ctx, args[0]); err != nil {
					return WrapExitError(ExitFailure, "failed to delete session", err)
				}
				return opts.formatter(cmd).Result(
					map[string]string{"deleted": args[0]},
					fmt.Sprintf("Deleted session %s\n", args[0]))
			})
		},
	}
}
