// Package dedup guarantees at-most-once processing of punch events.
//
// The fingerprint insert is the only idempotency boundary in punchsync: the
// same physical punch delivered twice (terminal retransmission, overlapping
// poll windows, manual replay) is admitted once and reported as a duplicate
// afterwards.
package dedup

import (
	"context"
	"fmt"

	"github.com/roach88/punchsync/internal/punch"
)

// Verdict is the outcome of admitting an event.
type Verdict string

const (
	Accepted  Verdict = "accepted"
	Duplicate Verdict = "duplicate"
)

// EventLog is the append-only punch event store.
type EventLog interface {
	InsertEvent(ctx context.Context, ev punch.RawPunchEvent) (bool, error)
	EventByFingerprint(ctx context.Context, fingerprint string) (punch.RawPunchEvent, error)
}

// Admission reports the verdict and the stored event. For a duplicate, Event
// is the previously stored copy, including its processed flag.
type Admission struct {
	Verdict Verdict
	Event   punch.RawPunchEvent
}

// Deduplicator fingerprints and atomically admits events.
type Deduplicator struct {
	events EventLog
	ids    punch.IDGenerator
	clock  punch.Clock
}

// New creates a deduplicator. Nil ids and clock default to UUIDv7 and the system clock.
func New(events EventLog, ids punch.IDGenerator, clock punch.Clock) *Deduplicator {
	if ids == nil {
		ids = punch.UUIDv7Generator{}
	}
	if clock == nil {
		clock = punch.SystemClock{}
	}
	return &Deduplicator{events: events, ids: ids, clock: clock}
}

// Admit computes the event fingerprint and inserts it. A fingerprint that
// already exists yields Duplicate, never an error.
func (d *Deduplicator) Admit(ctx context.Context, ev punch.RawPunchEvent) (Admission, error) {
	ev.Timestamp = ev.Timestamp.UTC()
	if ev.Kind == "" {
		ev.Kind = punch.KindUnknown
	}
	fp, err := punch.EventFingerprint(ev)
	if err != nil {
		return Admission{}, fmt.Errorf("admit: %w", err)
	}
	ev.Fingerprint = fp
	if ev.ID == "" {
		ev.ID = d.ids.Generate()
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = d.clock.Now().UTC()
	}
	ev.Processed = false
	ev.EmployeeID = ""
	ev.AttendanceID = 0

	inserted, err := d.events.InsertEvent(ctx, ev)
	if err != nil {
		return Admission{}, fmt.Errorf("admit: %w", err)
	}
	if inserted {
		return Admission{Verdict: Accepted, Event: ev}, nil
	}

	existing, err := d.events.EventByFingerprint(ctx, fp)
	if err != nil {
		return Admission{}, fmt.Errorf("admit: load duplicate: %w", err)
	}
	return Admission{Verdict: Duplicate, Event: existing}, nil
}
