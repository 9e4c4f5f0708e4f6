package harness

import (
	"bytes"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Scenario defines a sync scenario.
// Entities are created on both peers, Setup runs against the unbound
// entities, every entity is bound under its static name, and then Steps run.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Entities are bound in declaration order, client side first.
	Entities []EntityDecl `yaml:"entities"`

	// Setup steps mutate entities before bind. Their changes reach the peer
	// through the pre-bind flush.
	Setup []Step `yaml:"setup,omitempty"`

	// Steps run after every entity is bound.
	Steps []Step `yaml:"steps"`

	// Violations lists the protocol error codes the steps are expected to
	// raise, in order. Any other violation fails the scenario.
	Violations []string `yaml:"violations,omitempty"`

	// Assertions validate the final state and the event log.
	Assertions []Assertion `yaml:"assertions"`
}

// EntityDecl declares one entity. Every value type is string.
type EntityDecl struct {
	Name string `yaml:"name"`

	// Kind is property, list, map, set, signal or call.
	Kind string `yaml:"kind"`

	// Initial is the starting value of a property on both sides. A property
	// without one starts empty.
	Initial *string `yaml:"initial,omitempty"`

	// Handler is the handler a call runs on both sides: echo, upper or fail.
	Handler string `yaml:"handler,omitempty"`
}

// Step is either a flush or one operation on one side.
type Step struct {
	// Flush delivers every pending frame in both directions.
	Flush bool `yaml:"flush,omitempty"`

	// Side is client or server.
	Side string `yaml:"side,omitempty"`

	// Do is the operation: set, add, insert, remove, clear, fire or call.
	Do string `yaml:"do,omitempty"`

	Entity string `yaml:"entity,omitempty"`
	Key    string `yaml:"key,omitempty"`
	Value  string `yaml:"value,omitempty"`

	// Index is the list position for insert, set and remove.
	Index *int `yaml:"index,omitempty"`
}

func (s Step) String() string {
	if s.Flush {
		return "flush"
	}
	target := s.Entity
	switch {
	case s.Key != "":
		target = fmt.Sprintf("%s[%s]", s.Entity, s.Key)
	case s.Index != nil:
		target = fmt.Sprintf("%s[%d]", s.Entity, *s.Index)
	}
	if s.Value != "" {
		return fmt.Sprintf("%s %s %s=%s", s.Side, s.Do, target, s.Value)
	}
	return fmt.Sprintf("%s %s %s", s.Side, s.Do, target)
}

// Assertion validates final state or the event log.
type Assertion struct {
	// Type specifies the assertion type:
	// - "state": an entity's final state on Side, on both sides when empty
	// - "log_contains": some event line ends with Event
	// - "log_order": events appear in order, not necessarily adjacent
	// - "log_count": exactly Count lines end with Event
	Type string `yaml:"type"`

	Side   string `yaml:"side,omitempty"`
	Entity string `yaml:"entity,omitempty"`

	// Value is the expected property value, or the last call result.
	Value *string `yaml:"value,omitempty"`

	// Items are the expected list elements in order, or set elements in
	// any order.
	Items []string `yaml:"items,omitempty"`

	// Entries are the expected map contents. Extra keys fail.
	Entries map[string]string `yaml:"entries,omitempty"`

	// Empty expects an empty collection or an unset property.
	Empty bool `yaml:"empty,omitempty"`

	Event  string   `yaml:"event,omitempty"`
	Events []string `yaml:"events,omitempty"`
	Count  int      `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertState       = "state"
	AssertLogContains = "log_contains"
	AssertLogOrder    = "log_order"
	AssertLogCount    = "log_count"
)

// Entity kinds.
const (
	KindProperty = "property"
	KindList     = "list"
	KindMap      = "map"
	KindSet      = "set"
	KindSignal   = "signal"
	KindCall     = "call"
)

// Peer names.
const (
	SideClient = "client"
	SideServer = "server"
)

// ops lists the operations each kind accepts.
var ops = map[string][]string{
	KindProperty: {"set"},
	KindList:     {"add", "insert", "set", "remove", "clear"},
	KindMap:      {"set", "remove", "clear"},
	KindSet:      {"add", "remove"},
	KindSignal:   {"fire"},
	KindCall:     {"call"},
}

var handlers = []string{"echo", "upper", "fail"}

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected so that typos surface as errors.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and that steps
// and assertions only reference declared entities.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Entities) == 0 {
		return fmt.Errorf("entities list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	kinds := make(map[string]string, len(s.Entities))
	for i, e := range s.Entities {
		if e.Name == "" {
			return fmt.Errorf("entities[%d]: name is required", i)
		}
		if _, dup := kinds[e.Name]; dup {
			return fmt.Errorf("entities[%d]: duplicate name %q", i, e.Name)
		}
		if _, ok := ops[e.Kind]; !ok {
			return fmt.Errorf("entities[%d]: unknown kind %q", i, e.Kind)
		}
		if e.Initial != nil && e.Kind != KindProperty {
			return fmt.Errorf("entities[%d]: initial only applies to properties", i)
		}
		if e.Kind == KindCall && !slices.Contains(handlers, e.Handler) {
			return fmt.Errorf("entities[%d]: call handler must be one of %v, got %q", i, handlers, e.Handler)
		}
		kinds[e.Name] = e.Kind
	}

	for i, step := range s.Setup {
		if step.Flush {
			return fmt.Errorf("setup[%d]: flush is not allowed before bind", i)
		}
		if kinds[step.Entity] == KindCall {
			return fmt.Errorf("setup[%d]: calls require a bound entity", i)
		}
		if err := validateStep(step, kinds); err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
	}
	for i, step := range s.Steps {
		if err := validateStep(step, kinds); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, a, kinds); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(step Step, kinds map[string]string) error {
	if step.Flush {
		if step.Side != "" || step.Do != "" || step.Entity != "" {
			return fmt.Errorf("flush takes no other fields")
		}
		return nil
	}
	if step.Side != SideClient && step.Side != SideServer {
		return fmt.Errorf("side must be %q or %q, got %q", SideClient, SideServer, step.Side)
	}
	kind, ok := kinds[step.Entity]
	if !ok {
		return fmt.Errorf("unknown entity %q", step.Entity)
	}
	if !slices.Contains(ops[kind], step.Do) {
		return fmt.Errorf("%s %q does not support %q (want one of %v)", kind, step.Entity, step.Do, ops[kind])
	}
	if kind == KindMap && step.Do != "clear" && step.Key == "" {
		return fmt.Errorf("map %s requires key", step.Do)
	}
	if kind == KindList && step.Do != "add" && step.Do != "clear" {
		if step.Index == nil {
			return fmt.Errorf("list %s requires index", step.Do)
		}
		if *step.Index < 0 {
			return fmt.Errorf("index must not be negative")
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a Assertion, kinds map[string]string) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertState:
		kind, ok := kinds[a.Entity]
		if !ok {
			return fmt.Errorf("assertions[%d]: unknown entity %q", index, a.Entity)
		}
		if a.Side != "" && a.Side != SideClient && a.Side != SideServer {
			return fmt.Errorf("assertions[%d]: side must be %q or %q", index, SideClient, SideServer)
		}
		if kind == KindSignal {
			return fmt.Errorf("assertions[%d]: signals have no state, use log assertions", index)
		}
		if a.Value == nil && a.Items == nil && a.Entries == nil && !a.Empty {
			return fmt.Errorf("assertions[%d]: state needs value, items, entries or empty", index)
		}
	case AssertLogContains:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for log_contains", index)
		}
	case AssertLogOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for log_order", index)
		}
	case AssertLogCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for log_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for log_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
