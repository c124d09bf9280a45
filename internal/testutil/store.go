package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/punchsync/internal/punch"
	"github.com/roach88/punchsync/internal/store"
)

// NewStore opens a store in a temporary directory, closed on cleanup.
func NewStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "punchsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// Acme fixture identifiers.
const (
	AcmeOrg      = "acme"
	AcmeTimezone = "Africa/Nairobi"
	AcmeEmployee = "e1"
	AcmeCode     = "EMP-1"
	AcmeDevice   = "D1"
	AcmeUserID   = "7"
)

// SeedAcme creates organization "acme" (Africa/Nairobi), employee e1 with
// code EMP-1, employee e2 with code EMP-2, push device D1 and a mapping of D1
// user "7" to e1. Returns the device with its generated API key.
func SeedAcme(t *testing.T, st *store.Store) punch.Device {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, st.UpsertOrganization(ctx, punch.Organization{ID: AcmeOrg, Name: "Acme", Timezone: AcmeTimezone}))
	require.NoError(t, st.UpsertEmployee(ctx, punch.Employee{ID: AcmeEmployee, OrgID: AcmeOrg, Code: AcmeCode, Name: "Ada", Active: true}))
	require.NoError(t, st.UpsertEmployee(ctx, punch.Employee{ID: "e2", OrgID: AcmeOrg, Code: "EMP-2", Name: "Bo", Active: true}))

	dev, err := st.CreateDevice(ctx, punch.Device{ID: AcmeDevice, OrgID: AcmeOrg, Name: "Front door"})
	require.NoError(t, err)

	_, err = st.UpsertMapping(ctx, punch.IdentityMapping{
		OrgID:        AcmeOrg,
		DeviceID:     AcmeDevice,
		DeviceUserID: AcmeUserID,
		EmployeeID:   AcmeEmployee,
	})
	require.NoError(t, err)
	return dev
}
