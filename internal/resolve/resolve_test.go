package resolve

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/punchsync/internal/punch"
	"github.com/roach88/punchsync/internal/testutil"
)

func TestResolve_DeviceMapping(t *testing.T) {
	st := testutil.NewStore(t)
	testutil.SeedAcme(t, st)
	r := New(st, nil)

	res, err := r.Resolve(context.Background(), "acme", "D1", "7")
	require.NoError(t, err)
	assert.True(t, res.Resolved)
	assert.Equal(t, "e1", res.Employee.ID)
	assert.Equal(t, MatchDevice, res.Via)
}

func TestResolve_GlobalMappingWithoutDevice(t *testing.T) {
	st := testutil.NewStore(t)
	testutil.SeedAcme(t, st)
	ctx := context.Background()

	_, err := st.UpsertMapping(ctx, punch.IdentityMapping{OrgID: "acme", GlobalUserID: "cloud-9", EmployeeID: "e2"})
	require.NoError(t, err)

	res, err := New(st, nil).Resolve(ctx, "acme", "", "cloud-9")
	require.NoError(t, err)
	assert.True(t, res.Resolved)
	assert.Equal(t, "e2", res.Employee.ID)
	assert.Equal(t, MatchGlobal, res.Via)
}

func TestResolve_DeviceMappingWinsOverGlobal(t *testing.T) {
	st := testutil.NewStore(t)
	testutil.SeedAcme(t, st)
	ctx := context.Background()

	// Global "7" points at e2, but D1's own enrollment of "7" is e1.
	_, err := st.UpsertMapping(ctx, punch.IdentityMapping{OrgID: "acme", GlobalUserID: "7", EmployeeID: "e2"})
	require.NoError(t, err)

	res, err := New(st, nil).Resolve(ctx, "acme", "D1", "7")
	require.NoError(t, err)
	assert.Equal(t, "e1", res.Employee.ID)

	res, err = New(st, nil).Resolve(ctx, "acme", "", "7")
	require.NoError(t, err)
	assert.Equal(t, "e2", res.Employee.ID)
}

func TestResolve_EmployeeCode(t *testing.T) {
	st := testutil.NewStore(t)
	testutil.SeedAcme(t, st)

	res, err := New(st, nil).Resolve(context.Background(), "acme", "D1", "EMP-2")
	require.NoError(t, err)
	assert.True(t, res.Resolved)
	assert.Equal(t, "e2", res.Employee.ID)
	assert.Equal(t, MatchCode, res.Via)
}

func TestResolve_UnresolvedIsNotAnError(t *testing.T) {
	st := testutil.NewStore(t)
	testutil.SeedAcme(t, st)

	res, err := New(st, nil).Resolve(context.Background(), "acme", "D1", "999")
	require.NoError(t, err)
	assert.False(t, res.Resolved)
	assert.Equal(t, MatchNone, res.Via)

	res, err = New(st, nil).Resolve(context.Background(), "acme", "D1", "")
	require.NoError(t, err)
	assert.False(t, res.Resolved)
}

func TestResolve_InactiveEmployeeStaysUnresolved(t *testing.T) {
	st := testutil.NewStore(t)
	testutil.SeedAcme(t, st)
	ctx := context.Background()

	require.NoError(t, st.UpsertEmployee(ctx, punch.Employee{ID: "e1", OrgID: "acme", Code: "EMP-1", Active: false}))

	res, err := New(st, nil).Resolve(ctx, "acme", "D1", "7")
	require.NoError(t, err)
	assert.False(t, res.Resolved, "mapping to an inactive employee must not fall through")

	res, err = New(st, nil).Resolve(ctx, "acme", "", "EMP-1")
	require.NoError(t, err)
	assert.False(t, res.Resolved)
}

func TestResolve_OtherOrganizationIsolated(t *testing.T) {
	st := testutil.NewStore(t)
	testutil.SeedAcme(t, st)
	ctx := context.Background()

	require.NoError(t, st.UpsertOrganization(ctx, punch.Organization{ID: "globex"}))

	res, err := New(st, nil).Resolve(ctx, "globex", "", "EMP-1")
	require.NoError(t, err)
	assert.False(t, res.Resolved)
}

type failingDirectory struct{ Directory }

func (failingDirectory) LookupDeviceMapping(context.Context, string, string, string) (string, error) {
	return "", errors.New("disk on fire")
}

func TestResolve_StorageErrorsPropagate(t *testing.T) {
	_, err := New(failingDirectory{}, nil).Resolve(context.Background(), "acme", "D1", "7")
	assert.Error(t, err)
}
