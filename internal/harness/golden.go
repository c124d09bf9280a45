package harness

import (
	"strconv"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/punchsync/internal/punch"
)

// Snapshot captures a scenario's trace and resulting attendance.
type Snapshot struct {
	ScenarioName string
	Trace        []TraceEvent
	Attendance   []punch.AttendanceRecord
}

// toCanonicalMap converts the snapshot for punch.MarshalCanonical, which
// only accepts maps, slices and primitives. Hours are rendered with two
// decimals since canonical JSON carries no floats; store-assigned row ids and
// update times are left out.
func (s *Snapshot) toCanonicalMap() map[string]any {
	trace := make([]any, len(s.Trace))
	for i, event := range s.Trace {
		m := map[string]any{
			"step":   event.Step,
			"invoke": event.Invoke,
			"case":   event.Case,
		}
		if len(event.Args) > 0 {
			m["args"] = canonicalValue(event.Args)
		}
		if len(event.Result) > 0 {
			m["result"] = canonicalValue(event.Result)
		}
		trace[i] = m
	}

	attendance := make([]any, len(s.Attendance))
	for i, rec := range s.Attendance {
		attendance[i] = canonicalValue(recordFields(rec))
	}

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         trace,
		"attendance":    attendance,
	}
}

// canonicalValue drops nulls and renders floats as fixed-point strings.
func canonicalValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			if elem == nil {
				continue
			}
			out[k] = canonicalValue(elem)
		}
		return out
	case []any:
		out := make([]any, 0, len(val))
		for _, elem := range val {
			if elem != nil {
				out = append(out, canonicalValue(elem))
			}
		}
		return out
	case float64:
		return strconv.FormatFloat(val, 'f', 2, 64)
	default:
		return val
	}
}

// MarshalSnapshot renders a result as canonical JSON.
func MarshalSnapshot(name string, result *Result) ([]byte, error) {
	snapshot := Snapshot{
		ScenarioName: name,
		Trace:        result.Trace,
		Attendance:   result.Attendance,
	}
	return punch.MarshalCanonical(snapshot.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := MarshalSnapshot(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
