package harness

import "encoding/json"

// TraceEvent records one executed step and what it observed.
type TraceEvent struct {
	Step   int             `json:"step"`
	Op     string          `json:"op"`
	Table  string          `json:"table,omitempty"`
	Key    string          `json:"key,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall success. True if every assertion holds.
	Pass bool `json:"pass"`

	// Trace contains one event per step, in order. Timestamps and
	// mutation IDs are left out so traces compare across runs.
	Trace []TraceEvent `json:"trace"`

	// Errors contains assertion failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// addTrace appends the event for step i. result is marshaled to JSON; a
// marshal failure is recorded as the event error.
func (r *Result) addTrace(i int, s Step, result any, err error) {
	ev := TraceEvent{Step: i + 1, Op: s.Op, Table: s.Table, Key: s.Key}
	if err != nil {
		ev.Error = err.Error()
	} else if result != nil {
		raw, merr := json.Marshal(result)
		if merr != nil {
			ev.Error = merr.Error()
		} else {
			ev.Result = raw
		}
	}
	r.Trace = append(r.Trace, ev)
}
