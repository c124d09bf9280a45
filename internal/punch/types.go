package punch

import (
	"fmt"
	"time"
	// Organization zones must resolve on hosts without a zoneinfo database.
	_ "time/tzdata"
)

// EventKind classifies a punch.
type EventKind string

const (
	KindCheckIn  EventKind = "checkin"
	KindCheckOut EventKind = "checkout"
	KindUnknown  EventKind = "unknown"
)

// ParseEventKind accepts the wire spellings used by terminals and relays.
func ParseEventKind(s string) (EventKind, error) {
	switch s {
	case "checkin", "check_in", "in":
		return KindCheckIn, nil
	case "checkout", "check_out", "out":
		return KindCheckOut, nil
	case "unknown", "":
		return KindUnknown, nil
	default:
		return "", fmt.Errorf("unknown event kind %q", s)
	}
}

// Status is the attendance status of a day.
type Status string

const (
	StatusPresent Status = "present"
	StatusAbsent  Status = "absent"
	StatusLate    Status = "late"
	StatusHalfDay Status = "half_day"
)

// ValidStatuses lists the accepted attendance statuses.
var ValidStatuses = map[Status]bool{
	StatusPresent: true,
	StatusAbsent:  true,
	StatusLate:    true,
	StatusHalfDay: true,
}

// Source records which path delivered a punch.
type Source string

const (
	SourcePush   Source = "push"
	SourcePoll   Source = "poll"
	SourceStream Source = "stream"
	SourceReplay Source = "replay"
)

// DeviceMode selects how punchsync talks to a terminal.
type DeviceMode string

const (
	// ModePush devices deliver events to the ingestion gateway themselves.
	ModePush DeviceMode = "push"
	// ModePoll devices are fetched periodically from their last pull cursor.
	ModePoll DeviceMode = "poll"
	// ModeStream devices hold a live connection and report punches as they happen.
	ModeStream DeviceMode = "stream"
)

// ValidModes lists the accepted device modes.
var ValidModes = map[DeviceMode]bool{
	ModePush:   true,
	ModePoll:   true,
	ModeStream: true,
}

// Deactivation reasons.
const (
	DeactivatedBySilence = "silence"
	DeactivatedByAdmin   = "admin"
)

// DefaultBrand and DefaultPort match the most common terminal in the field.
const (
	DefaultBrand = "zkteco"
	DefaultPort  = 4370
)

// Organization owns devices, employees and the time zone attendance dates are taken in.
type Organization struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Timezone string `json:"timezone"`
}

// Location returns the organization's time zone, falling back to UTC.
func (o Organization) Location() *time.Location {
	return LoadLocation(o.Timezone)
}

// Employee is the externally owned directory entry punches resolve to.
type Employee struct {
	ID     string `json:"id"`
	OrgID  string `json:"org_id"`
	Code   string `json:"code"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// Device is a registered terminal.
type Device struct {
	ID             string     `json:"id"`
	OrgID          string     `json:"org_id"`
	Name           string     `json:"name"`
	Brand          string     `json:"brand"`
	Model          string     `json:"model,omitempty"`
	Serial         string     `json:"serial,omitempty"`
	Address        string     `json:"address,omitempty"`
	Port           int        `json:"port,omitempty"`
	APIKey         string     `json:"api_key,omitempty"`
	SigningSecret  string     `json:"-"`
	CommKey        string     `json:"-"`
	Timezone       string     `json:"timezone,omitempty"`
	Mode           DeviceMode `json:"mode"`
	Active         bool       `json:"active"`
	DeactivatedBy  string     `json:"deactivated_by,omitempty"`
	LastSeen       *time.Time `json:"last_seen,omitempty"`
	LastPullCursor *time.Time `json:"last_pull_cursor,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// HasSigningSecret reports whether pushes from this device may carry a signature.
func (d Device) HasSigningSecret() bool {
	return d.SigningSecret != ""
}

// Managed reports whether the connection manager owns a worker for this device.
func (d Device) Managed() bool {
	switch d.Mode {
	case ModePoll:
		return d.Address != ""
	case ModeStream:
		return true
	default:
		return false
	}
}

// IdentityMapping maps a device-local or global user id to an employee.
// DeviceID is empty for organization-wide mappings.
type IdentityMapping struct {
	ID           int64     `json:"id"`
	OrgID        string    `json:"org_id"`
	DeviceID     string    `json:"device_id,omitempty"`
	DeviceUserID string    `json:"device_user_id,omitempty"`
	GlobalUserID string    `json:"global_user_id,omitempty"`
	EmployeeID   string    `json:"employee_id"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// RawPunchEvent is an immutable punch as delivered by a transport.
// EmployeeID, AttendanceID and Processed are set once, when reconciliation succeeds.
type RawPunchEvent struct {
	ID              string    `json:"id"`
	OrgID           string    `json:"org_id"`
	DeviceID        string    `json:"device_id,omitempty"`
	DeviceUserID    string    `json:"device_user_id"`
	Kind            EventKind `json:"kind"`
	Timestamp       time.Time `json:"timestamp"`
	ExternalEventID string    `json:"external_event_id,omitempty"`
	Source          Source    `json:"source"`
	Payload         string    `json:"payload,omitempty"`
	Fingerprint     string    `json:"fingerprint"`
	ReceivedAt      time.Time `json:"received_at"`
	EmployeeID      string    `json:"employee_id,omitempty"`
	AttendanceID    int64     `json:"attendance_id,omitempty"`
	Processed       bool      `json:"processed"`
}

// DateLayout is the calendar date format used for attendance keys.
const DateLayout = "2006-01-02"

// AttendanceRecord is the authoritative record of one employee on one local date.
// ClockIn and ClockOut are instants presented in the organization's time zone.
type AttendanceRecord struct {
	ID           int64      `json:"id"`
	EmployeeID   string     `json:"employee_id"`
	Date         string     `json:"date"`
	ClockIn      *time.Time `json:"clock_in,omitempty"`
	ClockOut     *time.Time `json:"clock_out,omitempty"`
	BreakMinutes int        `json:"break_minutes"`
	Status       Status     `json:"status"`
	TotalHours   float64    `json:"total_hours"`
	Notes        string     `json:"notes,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// IngestionError is a rejected push payload kept for operator inspection.
type IngestionError struct {
	ID        int64     `json:"id"`
	DeviceID  string    `json:"device_id,omitempty"`
	Reason    string    `json:"reason"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// LoadLocation resolves an IANA zone name, returning UTC for empty or unknown names.
func LoadLocation(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}
