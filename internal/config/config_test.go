package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rdsync/internal/rd"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, ModeTCP, cfg.Network.Mode)
	assert.Equal(t, rd.DefaultTimeouts.Error, cfg.RpcTimeouts().Error)
}

func TestParse_OverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
name: edge
role: client
network:
  mode: websocket
  address: 10.0.0.1:9000
  heartbeat: 250ms
  dial:
    max_elapsed: 1m
timeouts:
  warn: 1s
  error: 10s
log:
  level: trace
`))
	require.NoError(t, err)

	assert.Equal(t, "edge", cfg.Name)
	assert.Equal(t, RoleClient, cfg.Role)
	assert.Equal(t, ModeWebSocket, cfg.Network.Mode)
	assert.Equal(t, "/rd", cfg.Network.Path, "unset keys keep their defaults")
	assert.Equal(t, 250*time.Millisecond, cfg.Network.Heartbeat)
	assert.Equal(t, time.Minute, cfg.Network.Backoff().MaxElapsed)
	assert.Equal(t, 100*time.Millisecond, cfg.Network.Backoff().InitialInterval)
	assert.Equal(t, 10*time.Second, cfg.RpcTimeouts().Error)

	opts := cfg.Network.LinkOptions(nil)
	assert.Equal(t, 250*time.Millisecond, opts.PingInterval)
	assert.Equal(t, cfg.Network.MaxFrame, opts.MaxFrame)

	level, err := ParseLevel(cfg.Log.Level)
	require.NoError(t, err)
	assert.Equal(t, rd.LevelTrace, level)
}

func TestParse_EmptyDocumentUsesDefaults(t *testing.T) {
	cfg, err := Parse(nil)

	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("name: x\nnetwrok:\n  mode: tcp\n"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "netwrok")
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Role = "peer"
	cfg.Network.Mode = "udp"
	cfg.Timeouts.Warn = time.Hour
	cfg.Log.Level = "loud"

	err := cfg.Validate()

	require.Error(t, err)
	for _, want := range []string{"role", "network.mode", "timeouts.warn", "log.level"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLoad_ReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rdsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: from-file\ncapture:\n  path: frames.db\n"), 0o644))

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Name)
	assert.Equal(t, "frames.db", cfg.Capture.Path)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))

	assert.ErrorIs(t, err, os.ErrNotExist)
}
