// Package harness runs scripted attendance scenarios end to end through the
// ingestion pipeline and checks the outcome.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: acme_day
//	description: "A mapped device user works a full day"
//	now: "2025-03-01T18:00:00Z"
//	setup:
//	  - action: org
//	    args: { id: acme, timezone: Africa/Nairobi }
//	  - action: employee
//	    args: { id: e1, org: acme, code: EMP-1 }
//	  - action: device
//	    args: { id: D1, org: acme }
//	  - action: mapping
//	    args: { org: acme, employee: e1, device: D1, device_user: 7 }
//	flow:
//	  - invoke: punch
//	    args: { device: D1, user: 7, kind: checkin, timestamp: "2025-03-01 08:00:00" }
//	    expect:
//	      case: accepted
//	      result: { processed: true, employee_id: e1 }
//	assertions:
//	  - type: attendance
//	    employee: e1
//	    date: "2025-03-01"
//	    expect: { clock_in: "2025-03-01T05:00:00Z", total_hours: 0 }
//
// Flow actions are punch, map (upsert a mapping, then re-resolve),
// reresolve, amend and advance (move the fixed clock).
//
// # Assertion Types
//
//   - trace_contains: a flow step with the action and args (subset) ran
//   - trace_count: an action ran exactly N times, optionally with a given case
//   - attendance: an employee-day holds the expected fields
//   - final_state: exactly one row of a table matches and holds the values
//   - row_count: exactly N rows of a table match
//
// # Deterministic Testing
//
// Every scenario runs in a fresh in-memory database under a fixed clock with
// sequential event ids (ev-0001, ev-0002, ...), so results can be compared
// against golden snapshots with RunWithGolden.
package harness
