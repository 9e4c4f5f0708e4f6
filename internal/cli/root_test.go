package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "rdsync", cmd.Use)
	assert.Contains(t, cmd.Long, "rdsync serve")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"serve"}, {"connect"}, {"test"}, {"validate"},
		{"capture", "sessions"}, {"capture", "frames"}, {"capture", "stats"},
		{"capture", "replay"}, {"capture", "delete"},
		{"id", "mix"}, {"id", "next"},
	}

	for _, path := range commands {
		name := path[len(path)-1]
		t.Run(name, func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err, "Command %v should exist", path)
			require.NotNil(t, subCmd)
			assert.Equal(t, name, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)

	require.NotNil(t, cmd.PersistentFlags().Lookup("trace"))
}

func TestServeCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	serveCmd, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)

	for _, name := range []string{"listen", "mode", "capture", "metrics-addr"} {
		flag := serveCmd.Flags().Lookup(name)
		require.NotNil(t, flag, name)
		assert.Equal(t, "", flag.DefValue, "%s falls back to the config file", name)
	}
}

func TestConnectCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	connectCmd, _, err := cmd.Find([]string{"connect"})
	require.NoError(t, err)

	for _, name := range []string{"address", "mode", "tenant", "status", "entry", "fire", "call", "once"} {
		require.NotNil(t, connectCmd.Flags().Lookup(name), name)
	}
	assert.Equal(t, "false", connectCmd.Flags().Lookup("once").DefValue)
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "id", "mix", "status", "--format", "yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestServe_InvalidConfigIsCommandError(t *testing.T) {
	_, err := execute(t, "serve", "--mode", "udp")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "network.mode")
}

func TestConnect_RejectsMalformedEntry(t *testing.T) {
	_, err := execute(t, "connect", "--entry", "novalue")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), `"novalue" is not key=value`)
}

func TestParseEntries(t *testing.T) {
	entries, err := parseEntries([]string{"a=1", "b=", "c=x=y"})
	require.NoError(t, err)
	assert.Equal(t, [][2]string{{"a", "1"}, {"b", ""}, {"c", "x=y"}}, entries)

	_, err = parseEntries([]string{"=1"})
	assert.Error(t, err)
}
