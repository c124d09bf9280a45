package harness

import "github.com/roach88/punchsync/internal/punch"

// Step outcomes besides the dedup verdicts.
const (
	CaseOK    = "ok"
	CaseError = "error"
)

// TraceEvent records one executed flow step.
type TraceEvent struct {
	Step   int            `json:"step"`
	Invoke string         `json:"invoke"`
	Args   map[string]any `json:"args,omitempty"`
	Case   string         `json:"case"`
	Result map[string]any `json:"result,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace has one event per flow step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors describes every failed expectation.
	Errors []string `json:"errors,omitempty"`

	// Attendance is every attendance record after the flow, ordered by
	// date then employee.
	Attendance []punch.AttendanceRecord `json:"attendance"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends a step outcome to the trace.
func (r *Result) AddTrace(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}
