package harness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/punchsync/internal/punch"
)

// TestScenarios runs every scenario in testdata/scenarios against its golden
// snapshot. To regenerate the snapshots:
//
//	go test ./internal/harness -run TestScenarios -update
func TestScenarios(t *testing.T) {
	scenarios, err := LoadScenarios("testdata/scenarios")
	require.NoError(t, err)
	require.NotEmpty(t, scenarios)

	for _, scenario := range scenarios {
		t.Run(scenario.Name, func(t *testing.T) {
			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "scenario errors: %v", result.Errors)
		})
	}
}

func TestMarshalSnapshot_Deterministic(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/deferred_resolution.yaml")
	require.NoError(t, err)

	first, err := Run(scenario)
	require.NoError(t, err)
	second, err := Run(scenario)
	require.NoError(t, err)

	json1, err := MarshalSnapshot(scenario.Name, first)
	require.NoError(t, err)
	json2, err := MarshalSnapshot(scenario.Name, second)
	require.NoError(t, err)
	require.Equal(t, string(json1), string(json2), "canonical JSON must be deterministic")
}

func TestMarshalSnapshot_Format(t *testing.T) {
	in := time.Date(2025, 3, 1, 5, 0, 0, 0, time.UTC)
	result := NewResult()
	result.AddTrace(TraceEvent{
		Step:   0,
		Invoke: InvokePunch,
		Args:   map[string]any{"user": 7, "note": nil},
		Case:   "accepted",
		Result: map[string]any{"event_id": "ev-0001", "processed": true},
	})
	result.Attendance = []punch.AttendanceRecord{{
		EmployeeID: "e1",
		Date:       "2025-03-01",
		ClockIn:    &in,
		Status:     punch.StatusPresent,
		TotalHours: 1.0 / 3,
	}}

	data, err := MarshalSnapshot("format", result)
	require.NoError(t, err)

	s := string(data)
	assert.Contains(t, s, `"scenario_name":"format"`)
	assert.Contains(t, s, `"args":{"user":7}`, "null args are dropped")
	assert.Contains(t, s, `"result":{"event_id":"ev-0001","processed":true}`)
	assert.Contains(t, s, `"clock_in":"2025-03-01T05:00:00Z","clock_out":""`)
	assert.Contains(t, s, `"total_hours":"0.33"`)
}

func TestCanonicalValue(t *testing.T) {
	got := canonicalValue(map[string]any{
		"hours":  8.5,
		"count":  2,
		"absent": nil,
		"list":   []any{1.25, nil, "x"},
	})

	assert.Equal(t, map[string]any{
		"hours": "8.50",
		"count": 2,
		"list":  []any{"1.25", "x"},
	}, got)
}
