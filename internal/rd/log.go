package rd

import (
	"context"
	"io"
	"log/slog"
)

// LevelTrace is below slog.LevelDebug. Per-message chatter (sends,
// receives, rejected stale versions) is logged at this level.
const LevelTrace = slog.LevelDebug - 4

func trace(l *slog.Logger, msg string, args ...any) {
	if l.Enabled(context.Background(), LevelTrace) {
		l.Log(context.Background(), LevelTrace, msg, args...)
	}
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
