// Package reconcile folds resolved punches into one attendance record per
// employee per organization-local calendar date.
//
// Boundaries are monotonic: a check-in can only move clock-in earlier and a
// check-out can only move clock-out later, so replays and out-of-order
// delivery converge on the same record.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/punchsync/internal/punch"
	"github.com/roach88/punchsync/internal/store"
)

// DefaultOvernightGrace is how long after local midnight a lone checkout is
// still credited to the previous day's shift.
const DefaultOvernightGrace = 4 * time.Hour

// DefaultLockStripes bounds the number of employee locks held in memory.
const DefaultLockStripes = 64

// ErrInvalidAmendment is returned for amendments with out-of-range values.
var ErrInvalidAmendment = errors.New("invalid amendment")

// Store is the attendance persistence used by the reconciler.
type Store interface {
	OrganizationForEmployee(ctx context.Context, employeeID string) (punch.Organization, error)
	GetAttendance(ctx context.Context, employeeID, date string) (punch.AttendanceRecord, error)
	UpdateAttendance(ctx context.Context, employeeID, date string, mutate store.AttendanceMutation) (punch.AttendanceRecord, error)
}

// Options configures a Reconciler.
type Options struct {
	// OvernightGrace enables overnight attribution when positive.
	OvernightGrace time.Duration
	LockStripes    int
	// RetryMaxElapsed bounds retries of a busy database. Zero uses 10s.
	RetryMaxElapsed time.Duration
	Log             *slog.Logger
}

// Reconciler applies punches to attendance records.
//
// Thread-safety: safe for concurrent use. Updates for one employee are
// serialized by a striped lock; the store transaction serializes across
// processes sharing the database file.
type Reconciler struct {
	store        Store
	grace        time.Duration
	stripes      []sync.Mutex
	retryElapsed time.Duration
	log          *slog.Logger
}

// New creates a reconciler.
func New(st Store, opts Options) *Reconciler {
	if opts.LockStripes <= 0 {
		opts.LockStripes = DefaultLockStripes
	}
	if opts.RetryMaxElapsed <= 0 {
		opts.RetryMaxElapsed = 10 * time.Second
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Reconciler{
		store:        st,
		grace:        opts.OvernightGrace,
		stripes:      make([]sync.Mutex, opts.LockStripes),
		retryElapsed: opts.RetryMaxElapsed,
		log:          opts.Log,
	}
}

// lock takes the stripe of an employee. Locking per employee rather than per
// (employee, date) also covers overnight attribution, which reads one day and
// writes another.
func (r *Reconciler) lock(employeeID string) func() {
	h := fnv.New32a()
	h.Write([]byte(employeeID))
	mu := &r.stripes[h.Sum32()%uint32(len(r.stripes))]
	mu.Lock()
	return mu.Unlock
}

// Apply folds one punch into the employee's attendance and returns the
// stored record.
func (r *Reconciler) Apply(ctx context.Context, emp punch.Employee, kind punch.EventKind, ts time.Time) (punch.AttendanceRecord, error) {
	unlock := r.lock(emp.ID)
	defer unlock()

	org, err := r.store.OrganizationForEmployee(ctx, emp.ID)
	if err != nil {
		return punch.AttendanceRecord{}, fmt.Errorf("reconcile: %w", err)
	}
	local := ts.In(org.Location()).Truncate(time.Second)
	date := local.Format(punch.DateLayout)

	var nextDate string
	var carried *time.Time
	switch kind {
	case punch.KindCheckOut:
		date, err = r.attributeCheckout(ctx, emp.ID, local, date)
	case punch.KindCheckIn:
		nextDate, carried, err = r.strandedCheckout(ctx, emp.ID, local)
	}
	if err != nil {
		return punch.AttendanceRecord{}, fmt.Errorf("reconcile: %w", err)
	}

	rec, err := r.update(ctx, emp.ID, date, func(rec *punch.AttendanceRecord, exists bool) error {
		if !exists {
			rec.Status = punch.StatusPresent
		}
		switch kind {
		case punch.KindCheckIn:
			if rec.ClockIn == nil || local.Before(*rec.ClockIn) {
				rec.ClockIn = &local
			}
			if carried != nil && (rec.ClockOut == nil || carried.After(*rec.ClockOut)) {
				rec.ClockOut = carried
			}
		case punch.KindCheckOut:
			if rec.ClockOut == nil || local.After(*rec.ClockOut) {
				rec.ClockOut = &local
			}
		}
		rec.TotalHours = TotalHours(rec.ClockIn, rec.ClockOut, rec.BreakMinutes)
		return nil
	})
	if err != nil {
		return rec, fmt.Errorf("reconcile: %w", err)
	}

	// The shift's own day is written first, so an interrupted carry leaves
	// the checkout on both days rather than on neither.
	if carried != nil {
		_, err := r.update(ctx, emp.ID, nextDate, func(next *punch.AttendanceRecord, exists bool) error {
			if !exists {
				next.Status = punch.StatusPresent
			}
			if next.ClockIn == nil && next.ClockOut != nil && next.ClockOut.Equal(*carried) {
				next.ClockOut = nil
			}
			next.TotalHours = TotalHours(next.ClockIn, next.ClockOut, next.BreakMinutes)
			return nil
		})
		if err != nil {
			return rec, fmt.Errorf("reconcile: clear %s: %w", nextDate, err)
		}
		r.log.Info("overnight checkout carried back",
			"employee", emp.ID,
			"from", nextDate,
			"to", date,
			"clock_out", carried.Format(time.RFC3339),
		)
	}

	r.log.Debug("attendance updated",
		"employee", emp.ID,
		"date", date,
		"kind", kind,
		"total_hours", rec.TotalHours,
	)
	return rec, nil
}

// attributeCheckout returns the date a checkout belongs to. A checkout shortly
// after midnight on a day without a clock-in closes the previous day's shift
// when that shift was opened before it.
func (r *Reconciler) attributeCheckout(ctx context.Context, employeeID string, local time.Time, date string) (string, error) {
	if r.grace <= 0 {
		return date, nil
	}
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())
	if local.Sub(midnight) >= r.grace {
		return date, nil
	}

	today, err := r.store.GetAttendance(ctx, employeeID, date)
	switch {
	case err == nil && today.ClockIn != nil:
		return date, nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return "", err
	}

	prevDate := midnight.AddDate(0, 0, -1).Format(punch.DateLayout)
	prev, err := r.store.GetAttendance(ctx, employeeID, prevDate)
	if errors.Is(err, store.ErrNotFound) {
		return date, nil
	}
	if err != nil {
		return "", err
	}
	if prev.ClockIn == nil || !prev.ClockIn.Before(local) {
		return date, nil
	}
	return prevDate, nil
}

// strandedCheckout is the inverse of attributeCheckout for a checkout that
// arrived before its check-in. It returns the next local date and, when that
// day holds only a clock-out inside the grace window that is later than
// local, that clock-out.
func (r *Reconciler) strandedCheckout(ctx context.Context, employeeID string, local time.Time) (string, *time.Time, error) {
	if r.grace <= 0 {
		return "", nil, nil
	}
	midnight := time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, local.Location())
	nextDate := midnight.Format(punch.DateLayout)

	next, err := r.store.GetAttendance(ctx, employeeID, nextDate)
	if errors.Is(err, store.ErrNotFound) {
		return nextDate, nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	if next.ClockIn != nil || next.ClockOut == nil {
		return nextDate, nil, nil
	}
	out := *next.ClockOut
	if out.Sub(midnight) >= r.grace || !out.After(local) {
		return nextDate, nil, nil
	}
	return nextDate, &out, nil
}

// AttendanceAmendment is an administrative edit. Nil fields are left as is.
type AttendanceAmendment struct {
	BreakMinutes *int          `json:"break_minutes,omitempty"`
	Status       *punch.Status `json:"status,omitempty"`
	Notes        *string       `json:"notes,omitempty"`
}

// Amend applies an administrative edit to an employee's day, creating the
// record if needed, and recomputes the total.
func (r *Reconciler) Amend(ctx context.Context, employeeID, date string, a AttendanceAmendment) (punch.AttendanceRecord, error) {
	if _, err := time.Parse(punch.DateLayout, date); err != nil {
		return punch.AttendanceRecord{}, fmt.Errorf("%w: date %q", ErrInvalidAmendment, date)
	}
	if a.BreakMinutes != nil && (*a.BreakMinutes < 0 || *a.BreakMinutes > 24*60) {
		return punch.AttendanceRecord{}, fmt.Errorf("%w: break minutes %d", ErrInvalidAmendment, *a.BreakMinutes)
	}
	if a.Status != nil && !punch.ValidStatuses[*a.Status] {
		return punch.AttendanceRecord{}, fmt.Errorf("%w: status %q", ErrInvalidAmendment, *a.Status)
	}

	unlock := r.lock(employeeID)
	defer unlock()

	rec, err := r.update(ctx, employeeID, date, func(rec *punch.AttendanceRecord, exists bool) error {
		if !exists {
			rec.Status = punch.StatusPresent
		}
		if a.BreakMinutes != nil {
			rec.BreakMinutes = *a.BreakMinutes
		}
		if a.Status != nil {
			rec.Status = *a.Status
		}
		if a.Notes != nil {
			rec.Notes = *a.Notes
		}
		rec.TotalHours = TotalHours(rec.ClockIn, rec.ClockOut, rec.BreakMinutes)
		return nil
	})
	if err != nil {
		return rec, fmt.Errorf("amend: %w", err)
	}
	r.log.Info("attendance amended", "employee", employeeID, "date", date)
	return rec, nil
}

// update runs a store update, retrying while the database is busy.
func (r *Reconciler) update(ctx context.Context, employeeID, date string, mutate store.AttendanceMutation) (punch.AttendanceRecord, error) {
	var rec punch.AttendanceRecord
	attempts := 0
	op := func() error {
		attempts++
		var err error
		rec, err = r.store.UpdateAttendance(ctx, employeeID, date, mutate)
		if err == nil {
			return nil
		}
		if store.IsBusy(err) {
			r.log.Debug("attendance busy, retrying", "employee", employeeID, "date", date, "attempt", attempts)
			return err
		}
		return backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = r.retryElapsed
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return rec, err
	}
	return rec, nil
}

// TotalHours is clock-out minus clock-in minus the break, in hours rounded to
// two decimals. A clock-out earlier than the clock-in is taken to be on the
// next day. Never negative; zero while either boundary is missing.
func TotalHours(clockIn, clockOut *time.Time, breakMinutes int) float64 {
	if clockIn == nil || clockOut == nil {
		return 0
	}
	d := clockOut.Sub(*clockIn)
	if d < 0 {
		d += 24 * time.Hour
	}
	d -= time.Duration(breakMinutes) * time.Minute
	if d <= 0 {
		return 0
	}
	return math.Round(d.Hours()*100) / 100
}
