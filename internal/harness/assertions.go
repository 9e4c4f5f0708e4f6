package harness

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// AssertionError is returned when an assertion fails.
// It includes the event log to help debug the failure.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Expected string // Human-readable expected outcome
	Actual   string // Human-readable actual outcome
	Log      []string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Log) > 0 {
		fmt.Fprintf(&buf, "\nEvent log:\n")
		for _, line := range e.Log {
			fmt.Fprintf(&buf, "  %s\n", line)
		}
	}
	return buf.String()
}

// EvaluateAssertions runs all assertions against a result.
// Returns the error messages of the failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	lines := logLines(result.Log)
	var errs []string
	for _, a := range assertions {
		var err error
		switch a.Type {
		case AssertState:
			err = assertState(result, a)
		case AssertLogContains:
			err = assertLogContains(lines, a)
		case AssertLogOrder:
			err = assertLogOrder(lines, a)
		case AssertLogCount:
			err = assertLogCount(lines, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}

func logLines(log string) []string {
	log = strings.TrimSuffix(log, "\n")
	if log == "" {
		return nil
	}
	return strings.Split(log, "\n")
}

// assertState compares an entity's final state on one or both sides.
func assertState(result *Result, a Assertion) error {
	sides := []string{SideClient, SideServer}
	if a.Side != "" {
		sides = []string{a.Side}
	}
	for _, side := range sides {
		key := side + "." + a.Entity
		got, ok := result.State[key]
		if !ok {
			return &AssertionError{Type: AssertState, Expected: key, Actual: "no such entity"}
		}
		if err := compareState(key, got, a); err != nil {
			return err
		}
	}
	return nil
}

func compareState(key string, got EntityState, a Assertion) error {
	fail := func(expected, actual string) error {
		return &AssertionError{
			Type:     AssertState,
			Expected: fmt.Sprintf("%s %s", key, expected),
			Actual:   actual,
		}
	}

	if a.Empty {
		if got.Value != nil || len(got.Items) > 0 || len(got.Entries) > 0 {
			return fail("empty", describe(got))
		}
		return nil
	}
	if a.Value != nil {
		if got.Value == nil {
			return fail(fmt.Sprintf("= %q", *a.Value), "unset")
		}
		if *got.Value != *a.Value {
			return fail(fmt.Sprintf("= %q", *a.Value), fmt.Sprintf("%q", *got.Value))
		}
	}
	if a.Items != nil && !slices.Equal(got.Items, a.Items) {
		return fail(fmt.Sprintf("items %v", a.Items), fmt.Sprintf("%v", got.Items))
	}
	if a.Entries != nil && !maps.Equal(got.Entries, a.Entries) {
		return fail(fmt.Sprintf("entries %v", a.Entries), fmt.Sprintf("%v", got.Entries))
	}
	return nil
}

func describe(s EntityState) string {
	switch {
	case s.Value != nil:
		return fmt.Sprintf("%q", *s.Value)
	case len(s.Items) > 0:
		return fmt.Sprintf("items %v", s.Items)
	case len(s.Entries) > 0:
		return fmt.Sprintf("entries %v", s.Entries)
	default:
		return "empty"
	}
}

// assertLogContains checks that some line ends with the event.
func assertLogContains(lines []string, a Assertion) error {
	if slices.ContainsFunc(lines, func(l string) bool { return strings.HasSuffix(l, a.Event) }) {
		return nil
	}
	return &AssertionError{
		Type:     AssertLogContains,
		Expected: fmt.Sprintf("event %q", a.Event),
		Actual:   "not found in log",
		Log:      lines,
	}
}

// assertLogOrder checks that the events appear in order. Other events may
// appear in between.
func assertLogOrder(lines []string, a Assertion) error {
	next := 0
	for _, l := range lines {
		if next < len(a.Events) && strings.HasSuffix(l, a.Events[next]) {
			next++
		}
	}
	if next == len(a.Events) {
		return nil
	}
	return &AssertionError{
		Type:     AssertLogOrder,
		Expected: fmt.Sprintf("events in order %v", a.Events),
		Actual:   fmt.Sprintf("%q not found after %q", a.Events[next], a.Events[:next]),
		Log:      lines,
	}
}

// assertLogCount checks that exactly Count lines end with the event.
func assertLogCount(lines []string, a Assertion) error {
	n := 0
	for _, l := range lines {
		if strings.HasSuffix(l, a.Event) {
			n++
		}
	}
	if n == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertLogCount,
		Expected: fmt.Sprintf("%d occurrences of %q", a.Count, a.Event),
		Actual:   fmt.Sprintf("%d occurrences", n),
		Log:      lines,
	}
}
