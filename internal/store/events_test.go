package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/punchsync/internal/punch"
)

func TestInsertEvent_DuplicateFingerprint(t *testing.T) {
	s := createTestStore(t)
	seedDirectory(t, s)
	createTestDevice(t, s, "d1")
	ctx := context.Background()

	ts := time.Date(2025, 3, 1, 9, 2, 0, 0, time.UTC)
	ev := createTestEvent("ev-1", "d1", "7", punch.KindCheckIn, ts)

	inserted, err := s.InsertEvent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, inserted)

	// Same fingerprint under a different id is a no-op, not an error.
	dup := ev
	dup.ID = "ev-2"
	inserted, err = s.InsertEvent(ctx, dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	n, err := s.CountEvents(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := s.EventByFingerprint(ctx, ev.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, "ev-1", stored.ID)
	assert.Equal(t, "d1", stored.DeviceID)
	assert.True(t, ts.Equal(stored.Timestamp))
	assert.False(t, stored.Processed)
}

func TestInsertEvent_ConcurrentDeliveriesInsertOnce(t *testing.T) {
	s := createTestStore(t)
	seedDirectory(t, s)
	ctx := context.Background()

	ts := time.Date(2025, 3, 1, 9, 2, 0, 0, time.UTC)
	const workers = 16

	var wg sync.WaitGroup
	results := make([]bool, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := createTestEvent(punch.UUIDv7Generator{}.Generate(), "", "7", punch.KindCheckIn, ts)
			results[i], errs[i] = s.InsertEvent(ctx, ev)
		}(i)
	}
	wg.Wait()

	inserted := 0
	for i := range results {
		require.NoError(t, errs[i])
		if results[i] {
			inserted++
		}
	}
	assert.Equal(t, 1, inserted, "exactly one delivery may win")
}

func TestInsertEvent_RequiresFingerprint(t *testing.T) {
	s := createTestStore(t)
	seedDirectory(t, s)

	_, err := s.InsertEvent(context.Background(), punch.RawPunchEvent{ID: "x", OrgID: "acme"})
	assert.Error(t, err)
}

func TestMarkProcessed_OnlyOnce(t *testing.T) {
	s := createTestStore(t)
	seedDirectory(t, s)
	ctx := context.Background()

	ts := time.Date(2025, 3, 1, 9, 2, 0, 0, time.UTC)
	_, err := s.InsertEvent(ctx, createTestEvent("ev-1", "", "EMP-1", punch.KindCheckIn, ts))
	require.NoError(t, err)

	rec, err := s.UpdateAttendance(ctx, "e1", "2025-03-01", func(rec *punch.AttendanceRecord, exists bool) error {
		rec.Status = punch.StatusPresent
		return nil
	})
	require.NoError(t, err)

	ok, err := s.MarkProcessed(ctx, "ev-1", "e1", rec.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.MarkProcessed(ctx, "ev-1", "e2", rec.ID)
	require.NoError(t, err)
	assert.False(t, ok, "processed is set exactly once")

	ev, err := s.GetEvent(ctx, "ev-1")
	require.NoError(t, err)
	assert.True(t, ev.Processed)
	assert.Equal(t, "e1", ev.EmployeeID)
	assert.Equal(t, rec.ID, ev.AttendanceID)
}

func TestUnprocessedEvents_OldestFirst(t *testing.T) {
	s := createTestStore(t)
	seedDirectory(t, s)
	ctx := context.Background()

	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	_, err := s.InsertEvent(ctx, createTestEvent("late", "", "7", punch.KindCheckOut, base.Add(8*time.Hour)))
	require.NoError(t, err)
	_, err = s.InsertEvent(ctx, createTestEvent("early", "", "7", punch.KindCheckIn, base))
	require.NoError(t, err)

	events, err := s.UnprocessedEvents(ctx, "acme", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "early", events[0].ID)
	assert.Equal(t, "late", events[1].ID)

	limited, err := s.UnprocessedEvents(ctx, "acme", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestRecentEvents_Filters(t *testing.T) {
	s := createTestStore(t)
	seedDirectory(t, s)
	createTestDevice(t, s, "d1")
	ctx := context.Background()

	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	_, err := s.InsertEvent(ctx, createTestEvent("a", "d1", "7", punch.KindCheckIn, base))
	require.NoError(t, err)
	_, err = s.InsertEvent(ctx, createTestEvent("b", "", "7", punch.KindCheckIn, base.Add(time.Minute)))
	require.NoError(t, err)

	events, err := s.RecentEvents(ctx, EventFilter{OrgID: "acme"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "b", events[0].ID, "newest received first")

	events, err = s.RecentEvents(ctx, EventFilter{DeviceID: "d1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "a", events[0].ID)
}

func TestIngestionErrors(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.RecordIngestionError(ctx, punch.IngestionError{DeviceID: "d1", Reason: "stale", Payload: "{}", CreatedAt: now}))
	require.NoError(t, s.RecordIngestionError(ctx, punch.IngestionError{DeviceID: "d1", Reason: "future", Payload: "{}", CreatedAt: now}))

	errs, err := s.ListIngestionErrors(ctx, 10)
	require.NoError(t, err)
	require.Len(t, errs, 2)
	assert.Equal(t, "future", errs[0].Reason)
}

func TestGetEvent_NotFound(t *testing.T) {
	s := createTestStore(t)
	_, err := s.GetEvent(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}
