package harness

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/roach88/punchsync/internal/store"
)

// validIdentifier matches SQL column names. Identifiers cannot be bound as
// parameters, so anything else is refused before interpolation.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// stateTables are the tables final_state and row_count may query.
var stateTables = map[string]bool{
	"organizations":     true,
	"employees":         true,
	"devices":           true,
	"identity_mappings": true,
	"punch_events":      true,
	"attendance":        true,
	"ingestion_errors":  true,
}

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %v -> %s\n", event.Step, event.Invoke, event.Args, event.Case)
		}
	}
	return buf.String()
}

// assertTraceContains checks for a step with the given action whose args
// contain the expected args.
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, event := range trace {
		if event.Invoke == assertion.Invoke && matchArgs(event.Args, assertion.Args) {
			if assertion.Case == "" || assertion.Case == event.Case {
				return nil
			}
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("%s with args %v", assertion.Invoke, assertion.Args),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceCount checks how many steps of an action (and case, if given) ran.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Invoke != assertion.Invoke {
			continue
		}
		if assertion.Case != "" && event.Case != assertion.Case {
			continue
		}
		count++
	}

	if count != assertion.Count {
		what := assertion.Invoke
		if assertion.Case != "" {
			what += " (" + assertion.Case + ")"
		}
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, what),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertAttendance checks one employee-day against expected fields.
// clock_in and clock_out compare as RFC 3339 UTC; "" means unset.
func assertAttendance(result *Result, assertion Assertion) error {
	for _, rec := range result.Attendance {
		if rec.EmployeeID != assertion.Employee || rec.Date != assertion.Date {
			continue
		}
		fields := recordFields(rec)
		for key, want := range assertion.Expect {
			got, ok := fields[key]
			if !ok {
				return fmt.Errorf("attendance assertion: unknown field %q", key)
			}
			if !looseEqual(want, got) {
				return &AssertionError{
					Type:     AssertAttendance,
					Expected: fmt.Sprintf("%s %s: %s = %v", assertion.Employee, assertion.Date, key, want),
					Actual:   fmt.Sprintf("%s = %v", key, got),
					Trace:    result.Trace,
				}
			}
		}
		return nil
	}
	return &AssertionError{
		Type:     AssertAttendance,
		Expected: fmt.Sprintf("attendance for %s on %s", assertion.Employee, assertion.Date),
		Actual:   "no record",
		Trace:    result.Trace,
	}
}

// assertFinalState checks that exactly one row of a table matches where and
// holds the expected values (subset match).
func assertFinalState(ctx context.Context, st *store.Store, assertion Assertion) error {
	rows, columns, err := queryState(ctx, st, "*", assertion)
	if err != nil {
		return err
	}
	defer rows.Close()

	whereDesc := formatWhereClause(assertion.Where)
	if !rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row in %s where %s", assertion.Table, whereDesc),
			Actual:   "row not found",
		}
	}

	values := make([]any, len(columns))
	valuePtrs := make([]any, len(columns))
	for i := range values {
		valuePtrs[i] = &values[i]
	}
	if err := rows.Scan(valuePtrs...); err != nil {
		return fmt.Errorf("scan row: %w", err)
	}

	if rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one row in %s where %s", assertion.Table, whereDesc),
			Actual:   "multiple rows matched (assertion is ambiguous)",
		}
	}

	actualRow := make(map[string]any, len(columns))
	for i, col := range columns {
		actualRow[col] = values[i]
	}

	keys := sortedKeys(assertion.Expect)
	for _, key := range keys {
		expectedValue := assertion.Expect[key]
		actualValue, exists := actualRow[key]
		if !exists {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("field %q not present in result columns: %v", key, columns),
			}
		}
		if !stateValuesEqual(expectedValue, actualValue) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q = %v (type %T)", key, expectedValue, expectedValue),
				Actual:   fmt.Sprintf("field %q = %v (type %T)", key, actualValue, actualValue),
			}
		}
	}
	return nil
}

// assertRowCount checks how many rows of a table match where.
func assertRowCount(ctx context.Context, st *store.Store, assertion Assertion) error {
	rows, _, err := queryState(ctx, st, "COUNT(*)", assertion)
	if err != nil {
		return err
	}
	defer rows.Close()

	var count int
	if rows.Next() {
		if err := rows.Scan(&count); err != nil {
			return fmt.Errorf("scan count: %w", err)
		}
	}
	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertRowCount,
			Expected: fmt.Sprintf("%d rows in %s where %s", assertion.Count, assertion.Table, formatWhereClause(assertion.Where)),
			Actual:   fmt.Sprintf("%d rows", count),
		}
	}
	return nil
}

func queryState(ctx context.Context, st *store.Store, selection string, assertion Assertion) (*sql.Rows, []string, error) {
	if !stateTables[assertion.Table] {
		return nil, nil, fmt.Errorf("%s: unknown table %q", assertion.Type, assertion.Table)
	}
	whereSQL, whereArgs, err := buildWhereClause(assertion.Where)
	if err != nil {
		return nil, nil, err
	}

	query := fmt.Sprintf("SELECT %s FROM %s", selection, assertion.Table)
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}

	rows, err := st.DB().QueryContext(ctx, query, whereArgs...)
	if err != nil {
		return nil, nil, &AssertionError{
			Type:     assertion.Type,
			Expected: fmt.Sprintf("query table %s", assertion.Table),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}
	columns, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, nil, fmt.Errorf("get columns: %w", err)
	}
	return rows, columns, nil
}

// buildWhereClause constructs a parameterized WHERE clause. A nil value
// matches SQL NULL. Keys are sorted for determinism.
func buildWhereClause(where map[string]any) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, nil
	}

	keys := sortedKeys(where)
	clauses := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for _, key := range keys {
		if !validIdentifier.MatchString(key) {
			return "", nil, fmt.Errorf("invalid column name %q in where clause: must match pattern %s", key, validIdentifier.String())
		}
		if where[key] == nil {
			clauses = append(clauses, key+" IS NULL")
			continue
		}
		clauses = append(clauses, key+" = ?")
		args = append(args, toSQLValue(where[key]))
	}
	return strings.Join(clauses, " AND "), args, nil
}

func toSQLValue(v any) any {
	switch val := v.(type) {
	case bool:
		if val {
			return int64(1)
		}
		return int64(0)
	case string, int, int64, float64:
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}

func formatWhereClause(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}
	keys := sortedKeys(where)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// stateValuesEqual compares an expected YAML value with a SQLite column
// value. SQLite stores booleans as integers and may return text as bytes.
func stateValuesEqual(expected, actual any) bool {
	if b, ok := actual.([]byte); ok {
		actual = string(b)
	}
	if exp, ok := expected.(bool); ok {
		switch act := actual.(type) {
		case bool:
			return exp == act
		case int64:
			return exp == (act != 0)
		}
		return false
	}
	return looseEqual(expected, actual)
}

// looseEqual compares numbers by value regardless of their Go type.
func looseEqual(expected, actual any) bool {
	if expected == nil || actual == nil {
		return expected == nil && actual == nil
	}
	if e, ok := number(expected); ok {
		a, ok := number(actual)
		return ok && e == a
	}
	return reflect.DeepEqual(expected, actual)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// matchArgs checks that actual contains every expected key with an equal value.
func matchArgs(actual, expected map[string]any) bool {
	for key, want := range expected {
		got, ok := actual[key]
		if !ok || !looseEqual(want, got) {
			return false
		}
	}
	return true
}

// AssertionContext provides database access for state assertions.
type AssertionContext struct {
	Store *store.Store
	Ctx   context.Context
}

// EvaluateAssertions evaluates all assertions and returns a message per failure.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error
		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertAttendance:
			err = assertAttendance(result, assertion)
		case AssertFinalState, AssertRowCount:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: %s requires database context", i, assertion.Type)
			} else if assertion.Type == AssertFinalState {
				err = assertFinalState(actx.Ctx, actx.Store, assertion)
			} else {
				err = assertRowCount(actx.Ctx, actx.Store, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}
	return errors
}
