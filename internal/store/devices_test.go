package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/punchsync/internal/punch"
)

func TestCreateDevice_Defaults(t *testing.T) {
	s := createTestStore(t)
	seedDirectory(t, s)
	ctx := context.Background()

	d, err := s.CreateDevice(ctx, punch.Device{OrgID: "acme", Name: "Front door"})
	require.NoError(t, err)

	assert.NotEmpty(t, d.ID)
	assert.True(t, strings.HasPrefix(d.APIKey, punch.APIKeyPrefix))
	assert.Equal(t, punch.DefaultBrand, d.Brand)
	assert.Equal(t, punch.DefaultPort, d.Port)
	assert.Equal(t, punch.ModePush, d.Mode)
	assert.True(t, d.Active)

	byKey, err := s.DeviceByAPIKey(ctx, d.APIKey)
	require.NoError(t, err)
	assert.Equal(t, d.ID, byKey.ID)

	_, err = s.DeviceByAPIKey(ctx, "psk_wrong")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestCreateDevice_RejectsInvalidMode(t *testing.T) {
	s := createTestStore(t)
	seedDirectory(t, s)

	_, err := s.CreateDevice(context.Background(), punch.Device{OrgID: "acme", Mode: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestUpdateDevice_AdminDeactivation(t *testing.T) {
	s := createTestStore(t)
	seedDirectory(t, s)
	d := createTestDevice(t, s, "d1")
	ctx := context.Background()

	inactive := false
	addr := "10.0.0.7"
	mode := punch.ModePoll
	updated, err := s.UpdateDevice(ctx, d.ID, DeviceUpdate{Active: &inactive, Address: &addr, Mode: &mode})
	require.NoError(t, err)
	assert.False(t, updated.Active)
	assert.Equal(t, punch.DeactivatedByAdmin, updated.DeactivatedBy)
	assert.Equal(t, "10.0.0.7", updated.Address)
	assert.Equal(t, punch.ModePoll, updated.Mode)
	assert.Equal(t, d.APIKey, updated.APIKey)

	// Contact does not undo an admin deactivation.
	c, err := s.TouchDevice(ctx, d.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, c.Reactivated)
	got, err := s.GetDevice(ctx, d.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)

	rotated, err := s.UpdateDevice(ctx, d.ID, DeviceUpdate{RotateAPIKey: true})
	require.NoError(t, err)
	assert.NotEqual(t, d.APIKey, rotated.APIKey)
}

func TestTouchDevice_ReactivatesAfterSilence(t *testing.T) {
	s := createTestStore(t)
	seedDirectory(t, s)
	d := createTestDevice(t, s, "d1")
	ctx := context.Background()

	t0 := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	_, err := s.TouchDevice(ctx, d.ID, t0)
	require.NoError(t, err)

	changed, err := s.MarkDeviceSilent(ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.MarkDeviceSilent(ctx, d.ID)
	require.NoError(t, err)
	assert.False(t, changed, "already inactive")

	c, err := s.TouchDevice(ctx, d.ID, t0.Add(10*time.Minute))
	require.NoError(t, err)
	assert.True(t, c.Reactivated)
	assert.Equal(t, 10*time.Minute, c.Gap)

	got, err := s.GetDevice(ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, got.Active)
	assert.Empty(t, got.DeactivatedBy)
	require.NotNil(t, got.LastSeen)
	assert.True(t, t0.Add(10*time.Minute).Equal(*got.LastSeen))
}

func TestTouchDevice_NeverMovesLastSeenBackwards(t *testing.T) {
	s := createTestStore(t)
	seedDirectory(t, s)
	d := createTestDevice(t, s, "d1")
	ctx := context.Background()

	t0 := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	_, err := s.TouchDevice(ctx, d.ID, t0)
	require.NoError(t, err)
	_, err = s.TouchDevice(ctx, d.ID, t0.Add(-time.Hour))
	require.NoError(t, err)

	got, err := s.GetDevice(ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, t0.Equal(*got.LastSeen))
}

func TestAdvanceCursor_Monotonic(t *testing.T) {
	s := createTestStore(t)
	seedDirectory(t, s)
	d := createTestDevice(t, s, "d1")
	ctx := context.Background()

	t0 := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.AdvanceCursor(ctx, d.ID, t0))
	require.NoError(t, s.AdvanceCursor(ctx, d.ID, t0.Add(-time.Minute)))

	got, err := s.GetDevice(ctx, d.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastPullCursor)
	assert.True(t, t0.Equal(*got.LastPullCursor))

	require.NoError(t, s.AdvanceCursor(ctx, d.ID, t0.Add(time.Minute)))
	got, err = s.GetDevice(ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, t0.Add(time.Minute).Equal(*got.LastPullCursor))
}

func TestDeleteDevice_KeepsHistory(t *testing.T) {
	s := createTestStore(t)
	seedDirectory(t, s)
	d := createTestDevice(t, s, "d1")
	ctx := context.Background()

	_, err := s.UpsertMapping(ctx, punch.IdentityMapping{OrgID: "acme", DeviceID: d.ID, DeviceUserID: "7", EmployeeID: "e1"})
	require.NoError(t, err)

	ts := time.Date(2025, 3, 1, 9, 2, 0, 0, time.UTC)
	_, err = s.InsertEvent(ctx, createTestEvent("ev-1", d.ID, "7", punch.KindCheckIn, ts))
	require.NoError(t, err)
	rec, err := s.UpdateAttendance(ctx, "e1", "2025-03-01", func(rec *punch.AttendanceRecord, _ bool) error {
		rec.Status = punch.StatusPresent
		return nil
	})
	require.NoError(t, err)
	_, err = s.MarkProcessed(ctx, "ev-1", "e1", rec.ID)
	require.NoError(t, err)

	require.NoError(t, s.DeleteDevice(ctx, d.ID))

	_, err = s.GetDevice(ctx, d.ID)
	assert.True(t, errors.Is(err, ErrNotFound))

	ev, err := s.GetEvent(ctx, "ev-1")
	require.NoError(t, err)
	assert.Empty(t, ev.DeviceID, "device reference is nulled")
	assert.True(t, ev.Processed)

	mappings, err := s.ListMappings(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, mappings, 1, "mapping is detached, not deleted")
	assert.Empty(t, mappings[0].DeviceID)

	_, err = s.GetAttendance(ctx, "e1", "2025-03-01")
	require.NoError(t, err)

	assert.True(t, errors.Is(s.DeleteDevice(ctx, d.ID), ErrNotFound))
}
