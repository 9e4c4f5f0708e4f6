package cli

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rdsync/internal/capture"
	"github.com/roach88/rdsync/internal/config"
	"github.com/roach88/rdsync/internal/rd"
)

// startServer serves the sample model on a loopback port, capturing into
// st when it is not nil. The returned func stops the server and waits for
// every connection to finish.
func startServer(t *testing.T, mode string, st *capture.Store) (addr string, stop func()) {
	t.Helper()
	cfg := config.Default()
	cfg.Name = "test-server"
	cfg.Network.Mode = mode

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &server{cfg: cfg, logger: rd.DiscardLogger(), capture: st}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	var once bool
	stop = func() {
		if once {
			return
		}
		once = true
		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	}
	t.Cleanup(stop)
	return ln.Addr().String(), stop
}

func TestConnect_OnceAgainstServer(t *testing.T) {
	addr, _ := startServer(t, config.ModeTCP, nil)

	out, err := execute(t, "connect", "--address", addr,
		"--entry", "color=blue", "--fire", "ping",
		"--call", "hi", "--tenant", "acme", "--once")
	require.NoError(t, err, out)

	assert.Contains(t, out, "status: starting\n")
	assert.Contains(t, out, "entries: Add color:blue\n")
	assert.Contains(t, out, "events: ping\n")
	assert.Contains(t, out, "echo: hi -> acme: hi\n")
	assert.Contains(t, out, "calls[acme]: 1\n")
}

func TestConnect_JSONOverWebSocket(t *testing.T) {
	addr, _ := startServer(t, config.ModeWebSocket, nil)

	out, err := execute(t, "connect", "--mode", "websocket", "--address", addr,
		"--call", "one", "--call", "two", "--once", "--format", "json")
	require.NoError(t, err, out)

	var results []SyncEvent
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		var ev SyncEvent
		require.NoError(t, json.Unmarshal([]byte(line), &ev), line)
		if ev.Entity == "echo" {
			results = append(results, ev)
		}
	}
	assert.Equal(t, []SyncEvent{
		{Entity: "echo", Event: "one", Result: "one"},
		{Entity: "echo", Event: "two", Result: "two"},
	}, results)
}

func TestServe_CapturesAndReplays(t *testing.T) {
	db := filepath.Join(t.TempDir(), "frames.db")
	st, err := capture.Open(db)
	require.NoError(t, err)

	addr, stop := startServer(t, config.ModeTCP, st)
	_, err = execute(t, "connect", "--address", addr,
		"--status", "done", "--entry", "color=blue", "--entry", "size=xl", "--once")
	require.NoError(t, err)
	stop()

	sessions, err := st.Sessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "test-server-1", sessions[0].Name)
	assert.Equal(t, config.RoleServer, sessions[0].Role)
	id := sessions[0].ID
	require.NoError(t, st.Close())

	out, err := execute(t, "capture", "sessions", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, id)

	out, err = execute(t, "capture", "replay", "--db", db, id)
	require.NoError(t, err)
	assert.Contains(t, out, "status: done\n")
	assert.Contains(t, out, "entries[color]: blue\n")
	assert.Contains(t, out, "entries[size]: xl\n")

	out, err = execute(t, "capture", "stats", "--db", db, id)
	require.NoError(t, err)
	assert.Contains(t, out, "=== Entities ===")

	out, err = execute(t, "capture", "frames", "--db", db, id, "--direction", "received", "--format", "json")
	require.NoError(t, err)
	var resp struct {
		Data []FrameInfo `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.NotEmpty(t, resp.Data)
	for _, f := range resp.Data {
		assert.Equal(t, capture.Received, f.Direction)
	}

	_, err = execute(t, "capture", "delete", "--db", db, id)
	require.NoError(t, err)
	_, err = execute(t, "capture", "replay", "--db", db, id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown session")
}
