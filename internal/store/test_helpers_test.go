package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/punchsync/internal/punch"
)

// createTestStore creates a new store in a temporary directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// seedDirectory creates organization "acme" (Africa/Nairobi) with employees
// e1 (code "EMP-1") and e2 (code "EMP-2").
func seedDirectory(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	if err := s.UpsertOrganization(ctx, punch.Organization{ID: "acme", Name: "Acme", Timezone: "Africa/Nairobi"}); err != nil {
		t.Fatalf("UpsertOrganization() failed: %v", err)
	}
	for _, emp := range []punch.Employee{
		{ID: "e1", OrgID: "acme", Code: "EMP-1", Name: "Ada", Active: true},
		{ID: "e2", OrgID: "acme", Code: "EMP-2", Name: "Bo", Active: true},
	} {
		if err := s.UpsertEmployee(ctx, emp); err != nil {
			t.Fatalf("UpsertEmployee() failed: %v", err)
		}
	}
}

// createTestDevice registers a push device for acme.
func createTestDevice(t *testing.T, s *Store, id string) punch.Device {
	t.Helper()
	d, err := s.CreateDevice(context.Background(), punch.Device{ID: id, OrgID: "acme", Name: id})
	if err != nil {
		t.Fatalf("CreateDevice() failed: %v", err)
	}
	return d
}

// createTestEvent builds an event with its fingerprint computed.
func createTestEvent(id, deviceID, userID string, kind punch.EventKind, ts time.Time) punch.RawPunchEvent {
	return punch.RawPunchEvent{
		ID:           id,
		OrgID:        "acme",
		DeviceID:     deviceID,
		DeviceUserID: userID,
		Kind:         kind,
		Timestamp:    ts,
		Source:       punch.SourcePush,
		Fingerprint:  punch.MustFingerprint("acme", deviceID, userID, kind, ts),
		ReceivedAt:   ts,
	}
}
