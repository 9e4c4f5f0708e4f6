// Package config loads rdsync process configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/rdsync/internal/rd"
	"github.com/roach88/rdsync/internal/transport"
)

// Roles.
const (
	RoleClient = "client"
	RoleServer = "server"
)

// Network modes.
const (
	ModeTCP       = "tcp"
	ModeWebSocket = "websocket"
)

// Config is the top-level configuration file.
type Config struct {
	// Name labels the protocol in logs, metrics and capture sessions.
	Name string `yaml:"name"`
	// Role is "client" (master side, even ids) or "server".
	Role     string   `yaml:"role"`
	Network  Network  `yaml:"network"`
	Timeouts Timeouts `yaml:"timeouts"`
	Capture  Capture  `yaml:"capture"`
	Metrics  Metrics  `yaml:"metrics"`
	Log      Log      `yaml:"log"`
}

// Network selects the transport.
type Network struct {
	Mode    string `yaml:"mode"`
	Address string `yaml:"address"`
	// Path is the WebSocket endpoint path.
	Path      string        `yaml:"path"`
	Heartbeat time.Duration `yaml:"heartbeat"`
	MaxFrame  int           `yaml:"max_frame"`
	Dial      Dial          `yaml:"dial"`
}

// Dial configures client reconnect backoff.
type Dial struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	// MaxElapsed gives up redialing after this long. Zero never gives up.
	MaxElapsed time.Duration `yaml:"max_elapsed"`
}

// Timeouts are the default call timeouts.
type Timeouts struct {
	Warn  time.Duration `yaml:"warn"`
	Error time.Duration `yaml:"error"`
}

// Capture enables frame capture when Path is set.
type Capture struct {
	Path string `yaml:"path"`
}

// Metrics enables the Prometheus endpoint when Address is set.
type Metrics struct {
	Address string `yaml:"address"`
}

// Log configures the process logger.
type Log struct {
	// Level is trace, debug, info, warn or error.
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Name: "rdsync",
		Role: RoleServer,
		Network: Network{
			Mode:      ModeTCP,
			Address:   "127.0.0.1:7337",
			Path:      "/rd",
			Heartbeat: 5 * time.Second,
			MaxFrame:  16 * 1024 * 1024,
			Dial: Dial{
				InitialInterval: 100 * time.Millisecond,
				MaxInterval:     5 * time.Second,
			},
		},
		Timeouts: Timeouts{
			Warn:  rd.DefaultTimeouts.Warn,
			Error: rd.DefaultTimeouts.Error,
		},
		Log: Log{Level: "info"},
	}
}

// Load reads path over the defaults. Unknown keys are an error.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks field values.
func (c Config) Validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if c.Role != RoleClient && c.Role != RoleServer {
		errs = append(errs, fmt.Errorf("role must be %q or %q, got %q", RoleClient, RoleServer, c.Role))
	}
	switch c.Network.Mode {
	case ModeTCP:
	case ModeWebSocket:
		if !strings.HasPrefix(c.Network.Path, "/") {
			errs = append(errs, fmt.Errorf("network.path must start with /, got %q", c.Network.Path))
		}
	default:
		errs = append(errs, fmt.Errorf("network.mode must be %q or %q, got %q", ModeTCP, ModeWebSocket, c.Network.Mode))
	}
	if c.Network.Address == "" {
		errs = append(errs, errors.New("network.address is required"))
	}
	if c.Network.Heartbeat < 0 {
		errs = append(errs, errors.New("network.heartbeat must not be negative"))
	}
	if c.Network.MaxFrame <= 0 {
		errs = append(errs, errors.New("network.max_frame must be positive"))
	}
	if c.Network.Dial.MaxInterval > 0 && c.Network.Dial.InitialInterval > c.Network.Dial.MaxInterval {
		errs = append(errs, errors.New("network.dial.initial_interval exceeds max_interval"))
	}
	if c.Timeouts.Error <= 0 {
		errs = append(errs, errors.New("timeouts.error must be positive"))
	}
	if c.Timeouts.Warn > c.Timeouts.Error {
		errs = append(errs, errors.New("timeouts.warn exceeds timeouts.error"))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// RpcTimeouts returns the call timeouts.
func (c Config) RpcTimeouts() *rd.RpcTimeouts {
	return &rd.RpcTimeouts{Warn: c.Timeouts.Warn, Error: c.Timeouts.Error}
}

// ParseLevel maps a level name to a slog level. "trace" is rd.LevelTrace.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "trace":
		return rd.LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("log.level %q is not one of trace, debug, info, warn, error", name)
	}
}

// LinkOptions returns transport options for the network section.
func (n Network) LinkOptions(logger *slog.Logger) transport.Options {
	return transport.Options{PingInterval: n.Heartbeat, MaxFrame: n.MaxFrame, Logger: logger}
}

// Backoff returns the client redial policy.
func (n Network) Backoff() transport.BackoffPolicy {
	return transport.BackoffPolicy{
		InitialInterval: n.Dial.InitialInterval,
		MaxInterval:     n.Dial.MaxInterval,
		MaxElapsed:      n.Dial.MaxElapsed,
	}
}
