package harness

import (
	"fmt"
	"strconv"
	"time"

	"github.com/roach88/punchsync/internal/punch"
	"github.com/roach88/punchsync/internal/reconcile"
)

// args reads YAML-decoded step arguments.
type args map[string]any

func (a args) has(key string) bool {
	v, ok := a[key]
	return ok && v != nil
}

// str renders scalars as strings so device user ids may be written as
// numbers, the way terminals report them.
func (a args) str(key string) string {
	switch v := a[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case int:
		return strconv.Itoa(v)
	case time.Time:
		return v.Format(time.RFC3339)
	default:
		return fmt.Sprint(v)
	}
}

func (a args) strOr(key, def string) string {
	if !a.has(key) {
		return def
	}
	return a.str(key)
}

func (a args) num(key string) int {
	switch v := a[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

func (a args) boolOr(key string, def bool) bool {
	if v, ok := a[key].(bool); ok {
		return v
	}
	return def
}

// timestamp accepts an ISO-8601 string, read in loc when naive, or epoch seconds.
func (a args) timestamp(key string, loc *time.Location) (time.Time, error) {
	switch v := a[key].(type) {
	case int:
		return time.Unix(int64(v), 0).UTC(), nil
	case time.Time:
		return v.UTC(), nil
	case nil:
		return time.Time{}, fmt.Errorf("%s is required", key)
	}
	return punch.ParseTimestampString(a.str(key), loc)
}

func (a args) mapping() punch.IdentityMapping {
	return punch.IdentityMapping{
		OrgID:        a.str("org"),
		EmployeeID:   a.str("employee"),
		DeviceID:     a.str("device"),
		DeviceUserID: a.str("device_user"),
		GlobalUserID: a.str("global_user"),
	}
}

func (a args) amendment() reconcile.AttendanceAmendment {
	var am reconcile.AttendanceAmendment
	if a.has("break_minutes") {
		n := a.num("break_minutes")
		am.BreakMinutes = &n
	}
	if a.has("status") {
		s := punch.Status(a.str("status"))
		am.Status = &s
	}
	if a.has("notes") {
		n := a.str("notes")
		am.Notes = &n
	}
	return am
}
