package harness

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/roach88/rdsync/internal/lifetime"
	"github.com/roach88/rdsync/internal/rd"
	"github.com/roach88/rdsync/internal/testutil"
)

// Harness executes one scenario over a fresh protocol pair.
type Harness struct {
	pair     *testutil.Pair
	events   *testutil.EventLog
	entities map[string][2]entity
	logger   *slog.Logger
}

// side indexes the per-peer pair of adapters.
func side(name string) int {
	if name == SideServer {
		return 1
	}
	return 0
}

// Option configures Run.
type Option func(*Harness)

// WithLogger sends protocol logs to l. They are discarded by default.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// Run executes a scenario and returns the result.
//
// Each scenario runs on its own pair of protocols whose lifetime ends when
// Run returns. Execution flow:
//  1. Create every entity on both sides and advise it into the event log
//  2. Run setup steps against the unbound entities
//  3. Bind every entity under its name and deliver the bind traffic
//  4. Run steps, recording protocol violations instead of aborting
//  5. Evaluate assertions
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	h := &Harness{
		events:   testutil.NewEventLog(),
		entities: make(map[string][2]entity, len(scenario.Entities)),
		logger:   rd.DiscardLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}

	lt := lifetime.New()
	defer lt.Terminate()
	h.pair = testutil.Connect(lt, testutil.WithLogger(h.logger))

	for _, decl := range scenario.Entities {
		pair := [2]entity{newEntity(decl), newEntity(decl)}
		pair[0].advise(lt, h.events, SideClient+"."+decl.Name)
		pair[1].advise(lt, h.events, SideServer+"."+decl.Name)
		h.entities[decl.Name] = pair
	}

	result := NewResult()
	var violations []string

	for _, step := range scenario.Setup {
		h.events.Record("setup", "%s", step)
		if code := h.execute(step); code != "" {
			violations = append(violations, code)
		}
	}

	for _, decl := range scenario.Entities {
		pair := h.entities[decl.Name]
		h.events.Record("bind", "%s", decl.Name)
		err := rd.Recover(func() {
			h.pair.BindStatic(decl.Name, pair[0].bindable(), pair[1].bindable())
		})
		if err != nil {
			return nil, fmt.Errorf("bind %s: %w", decl.Name, err)
		}
	}

	for _, step := range scenario.Steps {
		h.events.Record("step", "%s", step)
		if code := h.execute(step); code != "" {
			violations = append(violations, code)
		}
	}

	result.Log = h.events.String()
	result.Violations = violations
	for name, pair := range h.entities {
		result.State[SideClient+"."+name] = pair[0].snapshot()
		result.State[SideServer+"."+name] = pair[1].snapshot()
	}

	if !slices.Equal(violations, scenario.Violations) {
		result.AddError(fmt.Sprintf("violations = %v, want %v", violations, scenario.Violations))
	}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(errMsg)
	}
	return result, nil
}

// execute runs one step and returns the code of the protocol violation it
// raised, if any.
func (h *Harness) execute(step Step) string {
	err := rd.Recover(func() {
		if step.Flush {
			h.pair.Flush()
			return
		}
		h.entities[step.Entity][side(step.Side)].apply(h.pair.Lifetime, step)
	})
	if err == nil {
		return ""
	}
	h.events.Record("violation", "%s", err.Code)
	return string(err.Code)
}
