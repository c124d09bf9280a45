package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/punchsync/internal/reconcile"
)

// Scenario is a scripted day at a site: a directory, the punches devices
// deliver and the administrative steps taken, plus what must hold afterwards.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Now is the fixed wall clock the scenario runs at (RFC 3339).
	// Defaults to DefaultNow.
	Now string `yaml:"now,omitempty"`

	// OvernightGrace overrides the overnight checkout window, e.g. "0s"
	// to disable overnight attribution.
	OvernightGrace string `yaml:"overnight_grace,omitempty"`

	// Setup seeds the directory before the flow runs.
	// Actions: org, employee, device, mapping.
	Setup []ActionStep `yaml:"setup,omitempty"`

	// Flow is executed in order.
	// Actions: punch, map, reresolve, amend, advance.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the trace and final state.
	Assertions []Assertion `yaml:"assertions"`
}

// DefaultNow is the scenario clock when Now is empty.
const DefaultNow = "2025-03-02T00:00:00Z"

// ActionStep seeds one directory entry.
type ActionStep struct {
	Action string         `yaml:"action"`
	Args   map[string]any `yaml:"args"`
}

// FlowStep performs one action and optionally checks its outcome.
type FlowStep struct {
	Invoke string         `yaml:"invoke"`
	Args   map[string]any `yaml:"args"`

	// Expect checks the step outcome. If nil, any outcome but "error" passes.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies the expected outcome of a flow step.
type ExpectClause struct {
	// Case is the outcome: accepted, duplicate, ok or error.
	Case string `yaml:"case"`

	// Result is a subset match against the step result.
	Result map[string]any `yaml:"result,omitempty"`
}

// Assertion validates the trace or the final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Invoke and Args select trace steps (trace_contains, trace_count).
	Invoke string         `yaml:"invoke,omitempty"`
	Args   map[string]any `yaml:"args,omitempty"`
	// Case narrows trace_count to steps with this outcome.
	Case string `yaml:"case,omitempty"`

	// Employee and Date select an attendance record (attendance).
	Employee string `yaml:"employee,omitempty"`
	Date     string `yaml:"date,omitempty"`

	// Table and Where select rows (final_state, row_count).
	Table string         `yaml:"table,omitempty"`
	Where map[string]any `yaml:"where,omitempty"`

	// Expect holds expected field values (attendance, final_state).
	Expect map[string]any `yaml:"expect,omitempty"`

	// Count is the expected number of matches (trace_count, row_count).
	Count int `yaml:"count,omitempty"`
}

// Assertion types.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceCount    = "trace_count"
	AssertAttendance    = "attendance"
	AssertFinalState    = "final_state"
	AssertRowCount      = "row_count"
)

// Setup actions.
const (
	SetupOrg      = "org"
	SetupEmployee = "employee"
	SetupDevice   = "device"
	SetupMapping  = "mapping"
)

// Flow actions.
const (
	InvokePunch     = "punch"
	InvokeMap       = "map"
	InvokeReresolve = "reresolve"
	InvokeAmend     = "amend"
	InvokeAdvance   = "advance"
)

var (
	setupActions = map[string]bool{SetupOrg: true, SetupEmployee: true, SetupDevice: true, SetupMapping: true}
	flowActions  = map[string]bool{InvokePunch: true, InvokeMap: true, InvokeReresolve: true, InvokeAmend: true, InvokeAdvance: true}
)

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected so typos do not silently weaken a scenario.
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

// LoadScenarios loads every *.yaml scenario in dir, sorted by file name.
func LoadScenarios(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	scenarios := make([]*Scenario, 0, len(paths))
	for _, path := range paths {
		s, err := LoadScenario(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

// clockStart returns the scenario's fixed clock reading.
func (s *Scenario) clockStart() (time.Time, error) {
	now := s.Now
	if now == "" {
		now = DefaultNow
	}
	t, err := time.Parse(time.RFC3339, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("now: %w", err)
	}
	return t.UTC(), nil
}

// grace returns the overnight checkout window.
func (s *Scenario) grace() (time.Duration, error) {
	if s.OvernightGrace == "" {
		return reconcile.DefaultOvernightGrace, nil
	}
	d, err := time.ParseDuration(s.OvernightGrace)
	if err != nil {
		return 0, fmt.Errorf("overnight_grace: %w", err)
	}
	return d, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if _, err := s.clockStart(); err != nil {
		return err
	}
	if _, err := s.grace(); err != nil {
		return err
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Setup {
		if !setupActions[step.Action] {
			return fmt.Errorf("setup[%d]: unknown action %q", i, step.Action)
		}
		if step.Args == nil {
			return fmt.Errorf("setup[%d]: args is required", i)
		}
	}

	for i, step := range s.Flow {
		if !flowActions[step.Invoke] {
			return fmt.Errorf("flow[%d]: unknown action %q", i, step.Invoke)
		}
		if step.Args == nil {
			return fmt.Errorf("flow[%d]: args is required (use {} if no args)", i)
		}
		if step.Expect != nil && step.Expect.Case == "" {
			return fmt.Errorf("flow[%d].expect: case is required", i)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertTraceContains:
		if a.Invoke == "" {
			return fmt.Errorf("assertions[%d]: invoke is required for trace_contains", index)
		}
	case AssertTraceCount:
		if a.Invoke == "" {
			return fmt.Errorf("assertions[%d]: invoke is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertAttendance:
		if a.Employee == "" || a.Date == "" {
			return fmt.Errorf("assertions[%d]: employee and date are required for attendance", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	case AssertRowCount:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for row_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
