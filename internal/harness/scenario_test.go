package harness

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalScenario = `
name: minimal
description: "One punch"
flow:
  - invoke: punch
    args: { device: D1, user: "7", kind: checkin, timestamp: "2025-03-01T09:00:00Z" }
assertions:
  - type: trace_count
    invoke: punch
    count: 1
`

func writeScenario(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadScenario_ValidFile(t *testing.T) {
	scenario, err := LoadScenario(writeScenario(t, minimalScenario))
	require.NoError(t, err)

	assert.Equal(t, "minimal", scenario.Name)
	assert.Equal(t, "One punch", scenario.Description)
	assert.Empty(t, scenario.Setup)
	require.Len(t, scenario.Flow, 1)
	assert.Equal(t, InvokePunch, scenario.Flow[0].Invoke)
	assert.Equal(t, "7", scenario.Flow[0].Args["user"])
	assert.Nil(t, scenario.Flow[0].Expect)
	require.Len(t, scenario.Assertions, 1)
	assert.Equal(t, 1, scenario.Assertions[0].Count)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario("/nonexistent/scenario.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestParseScenario_MalformedYAML(t *testing.T) {
	_, err := ParseScenario([]byte("name: [unterminated"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_Validation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "missing_name",
			yaml: `
description: x
flow: [{invoke: punch, args: {}}]
assertions: [{type: trace_count, invoke: punch}]
`,
			wantErr: "name is required",
		},
		{
			name: "missing_description",
			yaml: `
name: x
flow: [{invoke: punch, args: {}}]
assertions: [{type: trace_count, invoke: punch}]
`,
			wantErr: "description is required",
		},
		{
			name: "missing_flow",
			yaml: `
name: x
description: x
assertions: [{type: trace_count, invoke: punch}]
`,
			wantErr: "flow list is required",
		},
		{
			name: "missing_assertions",
			yaml: `
name: x
description: x
flow: [{invoke: punch, args: {}}]
`,
			wantErr: "assertions list is required",
		},
		{
			name: "bad_now",
			yaml: `
name: x
description: x
now: yesterday
flow: [{invoke: punch, args: {}}]
assertions: [{type: trace_count, invoke: punch}]
`,
			wantErr: "now:",
		},
		{
			name: "bad_grace",
			yaml: `
name: x
description: x
overnight_grace: four hours
flow: [{invoke: punch, args: {}}]
assertions: [{type: trace_count, invoke: punch}]
`,
			wantErr: "overnight_grace:",
		},
		{
			name: "unknown_setup_action",
			yaml: `
name: x
description: x
setup: [{action: shift, args: {}}]
flow: [{invoke: punch, args: {}}]
assertions: [{type: trace_count, invoke: punch}]
`,
			wantErr: `setup[0]: unknown action "shift"`,
		},
		{
			name: "setup_missing_args",
			yaml: `
name: x
description: x
setup: [{action: org}]
flow: [{invoke: punch, args: {}}]
assertions: [{type: trace_count, invoke: punch}]
`,
			wantErr: "setup[0]: args is required",
		},
		{
			name: "unknown_flow_action",
			yaml: `
name: x
description: x
flow: [{invoke: checkin, args: {}}]
assertions: [{type: trace_count, invoke: punch}]
`,
			wantErr: `flow[0]: unknown action "checkin"`,
		},
		{
			name: "flow_missing_args",
			yaml: `
name: x
description: x
flow: [{invoke: punch}]
assertions: [{type: trace_count, invoke: punch}]
`,
			wantErr: "flow[0]: args is required",
		},
		{
			name: "expect_missing_case",
			yaml: `
name: x
description: x
flow: [{invoke: punch, args: {}, expect: {result: {processed: true}}}]
assertions: [{type: trace_count, invoke: punch}]
`,
			wantErr: "flow[0].expect: case is required",
		},
		{
			name: "attendance_missing_date",
			yaml: `
name: x
description: x
flow: [{invoke: punch, args: {}}]
assertions: [{type: attendance, employee: e1}]
`,
			wantErr: "employee and date are required",
		},
		{
			name: "final_state_missing_expect",
			yaml: `
name: x
description: x
flow: [{invoke: punch, args: {}}]
assertions: [{type: final_state, table: attendance}]
`,
			wantErr: "expect is required for final_state",
		},
		{
			name: "row_count_missing_table",
			yaml: `
name: x
description: x
flow: [{invoke: punch, args: {}}]
assertions: [{type: row_count, count: 1}]
`,
			wantErr: "table is required for row_count",
		},
		{
			name: "negative_trace_count",
			yaml: `
name: x
description: x
flow: [{invoke: punch, args: {}}]
assertions: [{type: trace_count, invoke: punch, count: -1}]
`,
			wantErr: "count must be non-negative",
		},
		{
			name: "unknown_assertion_type",
			yaml: `
name: x
description: x
flow: [{invoke: punch, args: {}}]
assertions: [{type: trace_order}]
`,
			wantErr: `unknown assertion type "trace_order"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid scenario")
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseScenario_UnknownFieldsRejected(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "typo_assertion_singular",
			yaml: `
name: test
description: Test typo
flow: [{invoke: punch, args: {}}]
assertion: [{type: trace_count, invoke: punch}]
`,
			wantErr: "field assertion not found",
		},
		{
			name: "typo_in_flow_step",
			yaml: `
name: test
description: Test typo
flow: [{invok: punch, args: {}}]
assertions: [{type: trace_count, invoke: punch}]
`,
			wantErr: "field invok not found",
		},
		{
			name: "unknown_top_level_field",
			yaml: `
name: test
description: Test typo
timezone: UTC
flow: [{invoke: punch, args: {}}]
assertions: [{type: trace_count, invoke: punch}]
`,
			wantErr: "field timezone not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseScenario_ArgTypes(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: types
description: YAML scalars keep their types
flow:
  - invoke: punch
    args: { device: D1, user: 42, code: 0, timestamp: 1740819600, flag: true }
    expect:
      case: accepted
      result: { processed: false }
assertions:
  - type: trace_count
    invoke: punch
    count: 1
`))
	require.NoError(t, err)

	a := scenario.Flow[0].Args
	assert.Equal(t, 42, a["user"])
	assert.Equal(t, 0, a["code"])
	assert.Equal(t, 1740819600, a["timestamp"])
	assert.Equal(t, true, a["flag"])
	require.NotNil(t, scenario.Flow[0].Expect)
	assert.Equal(t, "accepted", scenario.Flow[0].Expect.Case)
	assert.Equal(t, false, scenario.Flow[0].Expect.Result["processed"])
}

func TestScenario_Defaults(t *testing.T) {
	s := &Scenario{}

	start, err := s.clockStart()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC), start)

	grace, err := s.grace()
	require.NoError(t, err)
	assert.Equal(t, 4*time.Hour, grace)

	s.Now = "2025-03-01T12:00:00+03:00"
	s.OvernightGrace = "0s"
	start, err = s.clockStart()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC), start)
	grace, err = s.grace()
	require.NoError(t, err)
	assert.Zero(t, grace)
}

func TestArgs(t *testing.T) {
	a := args{"user": 42, "name": "Front", "flag": true, "breaks": "30", "nil": nil}

	assert.True(t, a.has("user"))
	assert.False(t, a.has("nil"))
	assert.False(t, a.has("missing"))

	assert.Equal(t, "42", a.str("user"))
	assert.Equal(t, "Front", a.str("name"))
	assert.Equal(t, "", a.str("missing"))
	assert.Equal(t, "push", a.strOr("source", "push"))

	assert.Equal(t, 42, a.num("user"))
	assert.Equal(t, 30, a.num("breaks"))
	assert.True(t, a.boolOr("flag", false))
	assert.True(t, a.boolOr("active", true))
}

func TestArgs_Timestamp(t *testing.T) {
	nairobi, err := time.LoadLocation("Africa/Nairobi")
	require.NoError(t, err)

	a := args{
		"naive": "2025-03-01 08:00:00",
		"zoned": "2025-03-01T08:00:00Z",
		"epoch": 1740819600,
	}

	ts, err := a.timestamp("naive", nairobi)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 1, 5, 0, 0, 0, time.UTC), ts.UTC())

	ts, err = a.timestamp("zoned", nairobi)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC), ts.UTC())

	ts, err = a.timestamp("epoch", nairobi)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC), ts)

	_, err = a.timestamp("missing", nairobi)
	assert.ErrorContains(t, err, "missing is required")
}

func TestArgs_Amendment(t *testing.T) {
	am := args{"break_minutes": 45, "notes": "lunch"}.amendment()
	require.NotNil(t, am.BreakMinutes)
	assert.Equal(t, 45, *am.BreakMinutes)
	require.NotNil(t, am.Notes)
	assert.Equal(t, "lunch", *am.Notes)
	assert.Nil(t, am.Status)

	m := args{"org": "acme", "employee": "e1", "device": "D1", "device_user": 7}.mapping()
	assert.Equal(t, "acme", m.OrgID)
	assert.Equal(t, "e1", m.EmployeeID)
	assert.Equal(t, "D1", m.DeviceID)
	assert.Equal(t, "7", m.DeviceUserID)
	assert.Empty(t, m.GlobalUserID)
}

func TestAssertionConstants(t *testing.T) {
	assert.Equal(t, "trace_contains", AssertTraceContains)
	assert.Equal(t, "trace_count", AssertTraceCount)
	assert.Equal(t, "attendance", AssertAttendance)
	assert.Equal(t, "final_state", AssertFinalState)
	assert.Equal(t, "row_count", AssertRowCount)
}

// TestLoadScenarios validates the scenario files in testdata/scenarios.
func TestLoadScenarios(t *testing.T) {
	scenarios, err := LoadScenarios("testdata/scenarios")
	require.NoError(t, err)

	names := make([]string, len(scenarios))
	for i, s := range scenarios {
		names[i] = s.Name
	}
	assert.Equal(t, []string{"acme_duplicate", "deferred_resolution", "out_of_order", "overnight", "overnight_out_of_order"}, names)
}
