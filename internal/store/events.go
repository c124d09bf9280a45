package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/punchsync/internal/punch"
)

const eventColumns = `id, org_id, device_id, device_user_id, kind, occurred_at, external_event_id,
	source, payload, fingerprint, received_at, employee_id, attendance_id, processed`

func scanEvent(row interface{ Scan(...any) error }) (punch.RawPunchEvent, error) {
	var ev punch.RawPunchEvent
	var deviceID, employeeID sql.NullString
	var attendanceID sql.NullInt64
	var kind, source, occurredAt, receivedAt string
	var processed int
	err := row.Scan(&ev.ID, &ev.OrgID, &deviceID, &ev.DeviceUserID, &kind, &occurredAt, &ev.ExternalEventID,
		&source, &ev.Payload, &ev.Fingerprint, &receivedAt, &employeeID, &attendanceID, &processed)
	if err != nil {
		return ev, err
	}
	ev.DeviceID = deviceID.String
	ev.EmployeeID = employeeID.String
	ev.AttendanceID = attendanceID.Int64
	ev.Kind = punch.EventKind(kind)
	ev.Source = punch.Source(source)
	ev.Processed = processed == 1
	if ev.Timestamp, err = parseTime(occurredAt); err != nil {
		return ev, fmt.Errorf("occurred_at: %w", err)
	}
	if ev.ReceivedAt, err = parseTime(receivedAt); err != nil {
		return ev, fmt.Errorf("received_at: %w", err)
	}
	return ev, nil
}

// InsertEvent appends a punch event. Returns inserted=false when an event
// with the same fingerprint already exists; that is not an error.
//
// Uses ON CONFLICT(fingerprint) DO NOTHING so two concurrent deliveries of the
// same punch cannot both insert. Other constraint violations still fail.
func (s *Store) InsertEvent(ctx context.Context, ev punch.RawPunchEvent) (inserted bool, err error) {
	if ev.Fingerprint == "" {
		return false, fmt.Errorf("insert event: fingerprint is required")
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO punch_events
		(id, org_id, device_id, device_user_id, kind, occurred_at, external_event_id,
		 source, payload, fingerprint, received_at, processed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(fingerprint) DO NOTHING
	`,
		ev.ID,
		ev.OrgID,
		nullString(ev.DeviceID),
		ev.DeviceUserID,
		string(ev.Kind),
		formatTime(ev.Timestamp),
		ev.ExternalEventID,
		string(ev.Source),
		ev.Payload,
		ev.Fingerprint,
		formatTime(ev.ReceivedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert event: rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

// GetEvent returns the event with the given id.
func (s *Store) GetEvent(ctx context.Context, id string) (punch.RawPunchEvent, error) {
	ev, err := scanEvent(s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM punch_events WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ev, fmt.Errorf("event %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return ev, fmt.Errorf("get event: %w", err)
	}
	return ev, nil
}

// EventByFingerprint returns the stored event for a fingerprint.
func (s *Store) EventByFingerprint(ctx context.Context, fingerprint string) (punch.RawPunchEvent, error) {
	ev, err := scanEvent(s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM punch_events WHERE fingerprint = ?`, fingerprint))
	if errors.Is(err, sql.ErrNoRows) {
		return ev, fmt.Errorf("fingerprint %q: %w", fingerprint, ErrNotFound)
	}
	if err != nil {
		return ev, fmt.Errorf("event by fingerprint: %w", err)
	}
	return ev, nil
}

// MarkProcessed records the reconciliation outcome of an event. It applies
// at most once: returns false if the event was already processed.
func (s *Store) MarkProcessed(ctx context.Context, eventID, employeeID string, attendanceID int64) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE punch_events SET employee_id = ?, attendance_id = ?, processed = 1
		WHERE id = ? AND processed = 0
	`, employeeID, attendanceID, eventID)
	if err != nil {
		return false, fmt.Errorf("mark processed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark processed: rows affected: %w", err)
	}
	return n == 1, nil
}

// UnprocessedEvents returns an organization's events that have not been
// reconciled yet, oldest punch first. A zero limit means no limit.
func (s *Store) UnprocessedEvents(ctx context.Context, orgID string, limit int) ([]punch.RawPunchEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM punch_events
		WHERE org_id = ? AND processed = 0
		ORDER BY occurred_at ASC, id ASC`
	args := []any{orgID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryEvents(ctx, "unprocessed events", query, args...)
}

// EventFilter narrows RecentEvents.
type EventFilter struct {
	OrgID      string
	DeviceID   string
	EmployeeID string
	// Unprocessed restricts results to events not yet reconciled.
	Unprocessed bool
	Limit       int
}

// RecentEvents returns events newest-received first.
func (s *Store) RecentEvents(ctx context.Context, f EventFilter) ([]punch.RawPunchEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM punch_events WHERE 1 = 1`
	var args []any
	if f.OrgID != "" {
		query += ` AND org_id = ?`
		args = append(args, f.OrgID)
	}
	if f.DeviceID != "" {
		query += ` AND device_id = ?`
		args = append(args, f.DeviceID)
	}
	if f.EmployeeID != "" {
		query += ` AND employee_id = ?`
		args = append(args, f.EmployeeID)
	}
	if f.Unprocessed {
		query += ` AND processed = 0`
	}
	query += ` ORDER BY received_at DESC, id DESC`
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	return s.queryEvents(ctx, "recent events", query, args...)
}

func (s *Store) queryEvents(ctx context.Context, op, query string, args ...any) ([]punch.RawPunchEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var events []punch.RawPunchEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// CountEvents returns the number of stored events of an organization.
func (s *Store) CountEvents(ctx context.Context, orgID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM punch_events WHERE org_id = ?`, orgID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// RecordIngestionError stores a rejected push payload.
func (s *Store) RecordIngestionError(ctx context.Context, e punch.IngestionError) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ingestion_errors (device_id, reason, payload, created_at)
		VALUES (?, ?, ?, ?)
	`, e.DeviceID, e.Reason, e.Payload, formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("record ingestion error: %w", err)
	}
	return nil
}

// ListIngestionErrors returns the most recent rejected payloads.
func (s *Store) ListIngestionErrors(ctx context.Context, limit int) ([]punch.IngestionError, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, reason, payload, created_at
		FROM ingestion_errors ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list ingestion errors: %w", err)
	}
	defer rows.Close()

	var out []punch.IngestionError
	for rows.Next() {
		var e punch.IngestionError
		var createdAt string
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.Reason, &e.Payload, &createdAt); err != nil {
			return nil, fmt.Errorf("list ingestion errors: %w", err)
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("list ingestion errors: created_at: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
