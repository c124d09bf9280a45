package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/punchsync/internal/punch"
)

// attendanceSelect joins the organization time zone so clock times are
// returned in local time.
const attendanceSelect = `
	SELECT a.id, a.employee_id, a.date, a.clock_in, a.clock_out, a.break_minutes,
	       a.status, a.total_hours, a.notes, a.updated_at, o.timezone
	FROM attendance a
	JOIN employees e ON e.id = a.employee_id
	JOIN organizations o ON o.id = e.org_id`

func scanAttendance(row interface{ Scan(...any) error }) (punch.AttendanceRecord, error) {
	var rec punch.AttendanceRecord
	var clockIn, clockOut sql.NullString
	var status, updatedAt, tz string
	err := row.Scan(&rec.ID, &rec.EmployeeID, &rec.Date, &clockIn, &clockOut, &rec.BreakMinutes,
		&status, &rec.TotalHours, &rec.Notes, &updatedAt, &tz)
	if err != nil {
		return rec, err
	}
	rec.Status = punch.Status(status)
	loc := punch.LoadLocation(tz)
	if rec.ClockIn, err = parseLocalTime(clockIn, loc); err != nil {
		return rec, fmt.Errorf("clock_in: %w", err)
	}
	if rec.ClockOut, err = parseLocalTime(clockOut, loc); err != nil {
		return rec, fmt.Errorf("clock_out: %w", err)
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return rec, fmt.Errorf("updated_at: %w", err)
	}
	return rec, nil
}

// AttendanceMutation edits a day's record in place. exists is false when the
// record is being created by this call.
type AttendanceMutation func(rec *punch.AttendanceRecord, exists bool) error

// UpdateAttendance runs a read-modify-write of one (employee, date) record
// inside a single immediate transaction and returns the stored record.
// The record is created if it does not exist.
func (s *Store) UpdateAttendance(ctx context.Context, employeeID, date string, mutate AttendanceMutation) (punch.AttendanceRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return punch.AttendanceRecord{}, fmt.Errorf("update attendance: begin tx: %w", err)
	}
	defer tx.Rollback()

	rec, err := scanAttendance(tx.QueryRowContext(ctx,
		attendanceSelect+` WHERE a.employee_id = ? AND a.date = ?`, employeeID, date))
	exists := true
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
		rec = punch.AttendanceRecord{EmployeeID: employeeID, Date: date}
	} else if err != nil {
		return rec, fmt.Errorf("update attendance: %w", err)
	}

	if err := mutate(&rec, exists); err != nil {
		return rec, err
	}
	rec.EmployeeID = employeeID
	rec.Date = date
	rec.UpdatedAt = time.Now().UTC()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO attendance
		(employee_id, date, clock_in, clock_out, break_minutes, status, total_hours, notes, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(employee_id, date) DO UPDATE SET
			clock_in = excluded.clock_in,
			clock_out = excluded.clock_out,
			break_minutes = excluded.break_minutes,
			status = excluded.status,
			total_hours = excluded.total_hours,
			notes = excluded.notes,
			updated_at = excluded.updated_at
	`,
		employeeID, date, formatNullTime(rec.ClockIn), formatNullTime(rec.ClockOut), rec.BreakMinutes,
		string(rec.Status), rec.TotalHours, rec.Notes, formatTime(rec.UpdatedAt),
	)
	if err != nil {
		return rec, fmt.Errorf("update attendance: write: %w", err)
	}

	if err := tx.QueryRowContext(ctx,
		`SELECT id FROM attendance WHERE employee_id = ? AND date = ?`, employeeID, date).Scan(&rec.ID); err != nil {
		return rec, fmt.Errorf("update attendance: reload id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return rec, fmt.Errorf("update attendance: commit: %w", err)
	}
	return rec, nil
}

// GetAttendance returns the record of an employee on a date (YYYY-MM-DD).
func (s *Store) GetAttendance(ctx context.Context, employeeID, date string) (punch.AttendanceRecord, error) {
	rec, err := scanAttendance(s.db.QueryRowContext(ctx,
		attendanceSelect+` WHERE a.employee_id = ? AND a.date = ?`, employeeID, date))
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("attendance %s/%s: %w", employeeID, date, ErrNotFound)
	}
	if err != nil {
		return rec, fmt.Errorf("get attendance: %w", err)
	}
	return rec, nil
}

// AttendanceFilter narrows ListAttendance. From and To are inclusive dates.
type AttendanceFilter struct {
	OrgID      string
	EmployeeID string
	From       string
	To         string
}

// ListAttendance returns records ordered by date then employee.
func (s *Store) ListAttendance(ctx context.Context, f AttendanceFilter) ([]punch.AttendanceRecord, error) {
	query := attendanceSelect + ` WHERE 1 = 1`
	var args []any
	if f.OrgID != "" {
		query += ` AND e.org_id = ?`
		args = append(args, f.OrgID)
	}
	if f.EmployeeID != "" {
		query += ` AND a.employee_id = ?`
		args = append(args, f.EmployeeID)
	}
	if f.From != "" {
		query += ` AND a.date >= ?`
		args = append(args, f.From)
	}
	if f.To != "" {
		query += ` AND a.date <= ?`
		args = append(args, f.To)
	}
	query += ` ORDER BY a.date, a.employee_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list attendance: %w", err)
	}
	defer rows.Close()

	var records []punch.AttendanceRecord
	for rows.Next() {
		rec, err := scanAttendance(rows)
		if err != nil {
			return nil, fmt.Errorf("list attendance: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountAttendance returns how many records exist for an employee.
func (s *Store) CountAttendance(ctx context.Context, employeeID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM attendance WHERE employee_id = ?`, employeeID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count attendance: %w", err)
	}
	return n, nil
}
