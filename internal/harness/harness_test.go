package harness

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestScenarios runs every scenario under testdata against its golden log.
func TestScenarios(t *testing.T) {
	files, err := filepath.Glob("testdata/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, file := range files {
		t.Run(filepath.Base(file), func(t *testing.T) {
			scenario, err := LoadScenario(file)
			require.NoError(t, err)

			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestRun_ReportsFailedAssertions(t *testing.T) {
	scenario := mustParse(t, `
name: wrong_value
description: Expects a value the steps never set.
entities:
  - {name: status, kind: property, initial: idle}
steps:
  - {side: client, do: set, entity: status, value: ready}
  - flush: true
assertions:
  - {type: state, entity: status, value: done}
  - {type: log_contains, event: "server.status: set done"}
`)

	result, err := Run(scenario)

	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], `client.status = "done"`)
	assert.Contains(t, result.Errors[1], "not found in log")
}

func TestRun_UnexpectedViolationFails(t *testing.T) {
	scenario := mustParse(t, `
name: surprise
description: A list conflict nobody declared.
entities:
  - {name: items, kind: list}
steps:
  - {side: client, do: add, entity: items, value: a}
  - {side: server, do: add, entity: items, value: b}
  - flush: true
assertions:
  - {type: log_count, event: "violation: VERSION_CONFLICT", count: 1}
`)

	result, err := Run(scenario)

	require.NoError(t, err)
	assert.Equal(t, []string{"VERSION_CONFLICT"}, result.Violations)
	assert.False(t, result.Pass)
	assert.Contains(t, result.Errors[0], "violations = [VERSION_CONFLICT], want []")
}

func TestRun_StateIsKeyedBySide(t *testing.T) {
	scenario := mustParse(t, `
name: state
description: The server only sees the item after a flush.
entities:
  - {name: tags, kind: set}
steps:
  - {side: client, do: add, entity: tags, value: a}
assertions:
  - {type: state, side: client, entity: tags, items: [a]}
  - {type: state, side: server, entity: tags, empty: true}
`)

	result, err := Run(scenario)

	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, []string{"a"}, result.State["client.tags"].Items)
	assert.Empty(t, result.State["server.tags"].Items)
}

func TestParseScenario_Validation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unknown field",
			yaml: "name: x\ndescription: d\nentitys: []\n",
			want: "field entitys not found",
		},
		{
			name: "unknown kind",
			yaml: base("{name: q, kind: queue}", "{side: client, do: add, entity: q, value: v}"),
			want: `unknown kind "queue"`,
		},
		{
			name: "unknown entity",
			yaml: base("{name: p, kind: property}", "{side: client, do: set, entity: other, value: v}"),
			want: `unknown entity "other"`,
		},
		{
			name: "bad side",
			yaml: base("{name: p, kind: property}", "{side: both, do: set, entity: p, value: v}"),
			want: "side must be",
		},
		{
			name: "unsupported op",
			yaml: base("{name: p, kind: property}", "{side: client, do: add, entity: p, value: v}"),
			want: `does not support "add"`,
		},
		{
			name: "map without key",
			yaml: base("{name: m, kind: map}", "{side: client, do: set, entity: m, value: v}"),
			want: "map set requires key",
		},
		{
			name: "list without index",
			yaml: base("{name: l, kind: list}", "{side: client, do: remove, entity: l}"),
			want: "list remove requires index",
		},
		{
			name: "call without handler",
			yaml: base("{name: c, kind: call}", "{side: client, do: call, entity: c, value: v}"),
			want: "call handler must be one of",
		},
		{
			name: "flush with side",
			yaml: base("{name: p, kind: property}", "{flush: true, side: client}"),
			want: "flush takes no other fields",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseScenario_SetupRejectsFlushAndCalls(t *testing.T) {
	_, err := ParseScenario([]byte(base("{name: p, kind: property}", "flush: true") + "setup:\n  - flush: true\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "setup[0]: flush is not allowed before bind")

	_, err = ParseScenario([]byte(base("{name: c, kind: call, handler: echo}", "flush: true") +
		"setup:\n  - {side: client, do: call, entity: c, value: v}\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "calls require a bound entity")
}

func TestStep_String(t *testing.T) {
	two := 2
	tests := []struct {
		step Step
		want string
	}{
		{Step{Flush: true}, "flush"},
		{Step{Side: "client", Do: "set", Entity: "status", Value: "ready"}, "client set status=ready"},
		{Step{Side: "server", Do: "set", Entity: "m", Key: "a", Value: "1"}, "server set m[a]=1"},
		{Step{Side: "server", Do: "remove", Entity: "m", Key: "a"}, "server remove m[a]"},
		{Step{Side: "client", Do: "insert", Entity: "l", Index: &two, Value: "x"}, "client insert l[2]=x"},
		{Step{Side: "client", Do: "clear", Entity: "l"}, "client clear l"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.step.String())
	}
}

func TestGoldenFiles(t *testing.T) {
	dir := t.TempDir()
	scenarioFile := filepath.Join(dir, "case.yaml")
	path := GoldenPath(scenarioFile)
	assert.Equal(t, filepath.Join(dir, "golden", "case.golden"), path)

	result := &Result{Log: "0001 bind: x\n"}
	_, err := CompareGolden(path, result)
	require.Error(t, err, "missing golden file")

	require.NoError(t, WriteGolden(path, result))
	match, err := CompareGolden(path, result)
	require.NoError(t, err)
	assert.True(t, match)

	match, err = CompareGolden(path, &Result{Log: "0001 bind: y\n"})
	require.NoError(t, err)
	assert.False(t, match)
}

func mustParse(t *testing.T, doc string) *Scenario {
	t.Helper()
	s, err := ParseScenario([]byte(strings.TrimSpace(doc)))
	require.NoError(t, err)
	return s
}

// base builds a minimal scenario around one entity and one step.
func base(entity, step string) string {
	return "name: x\ndescription: d\nentities:\n  - " + entity +
		"\nsteps:\n  - " + step +
		"\nassertions:\n  - {type: log_count, event: e, count: 0}\n"
}
