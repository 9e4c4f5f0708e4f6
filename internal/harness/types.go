package harness

// EntityState is one entity's final state on one side.
type EntityState struct {
	// Value is a property's value or a call's last result, nil when unset.
	Value *string `json:"value,omitempty"`

	// Items are list elements in order, or set elements sorted.
	Items []string `json:"items,omitempty"`

	// Entries are map contents.
	Entries map[string]string `json:"entries,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if the violations and every assertion matched.
	Pass bool `json:"pass"`

	// Log is the event log, one line per event.
	Log string `json:"log"`

	// Violations are the protocol error codes raised by steps, in order.
	Violations []string `json:"violations,omitempty"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// State holds final entity states keyed by "<side>.<entity>".
	State map[string]EntityState `json:"state,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Errors: []string{},
		State:  make(map[string]EntityState),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
