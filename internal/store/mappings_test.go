package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/punchsync/internal/punch"
)

func TestUpsertMapping_CorrectionReplaces(t *testing.T) {
	s := createTestStore(t)
	seedDirectory(t, s)
	d := createTestDevice(t, s, "d1")
	ctx := context.Background()

	first, err := s.UpsertMapping(ctx, punch.IdentityMapping{OrgID: "acme", DeviceID: d.ID, DeviceUserID: "7", EmployeeID: "e1"})
	require.NoError(t, err)

	second, err := s.UpsertMapping(ctx, punch.IdentityMapping{OrgID: "acme", DeviceID: d.ID, DeviceUserID: "7", EmployeeID: "e2"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "correction updates the same row")

	emp, err := s.LookupDeviceMapping(ctx, "acme", d.ID, "7")
	require.NoError(t, err)
	assert.Equal(t, "e2", emp)

	all, err := s.ListMappings(ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestUpsertMapping_Global(t *testing.T) {
	s := createTestStore(t)
	seedDirectory(t, s)
	ctx := context.Background()

	_, err := s.UpsertMapping(ctx, punch.IdentityMapping{OrgID: "acme", GlobalUserID: "cloud-42", EmployeeID: "e1"})
	require.NoError(t, err)

	emp, err := s.LookupGlobalMapping(ctx, "acme", "cloud-42")
	require.NoError(t, err)
	assert.Equal(t, "e1", emp)

	_, err = s.UpsertMapping(ctx, punch.IdentityMapping{OrgID: "acme", GlobalUserID: "cloud-42", EmployeeID: "e2"})
	require.NoError(t, err)

	emp, err = s.LookupGlobalMapping(ctx, "acme", "cloud-42")
	require.NoError(t, err)
	assert.Equal(t, "e2", emp)

	all, err := s.ListMappings(ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestUpsertMapping_GlobalIDMovesToDeviceMapping(t *testing.T) {
	s := createTestStore(t)
	seedDirectory(t, s)
	d := createTestDevice(t, s, "d1")
	ctx := context.Background()

	_, err := s.UpsertMapping(ctx, punch.IdentityMapping{OrgID: "acme", GlobalUserID: "g-1", EmployeeID: "e1"})
	require.NoError(t, err)

	m, err := s.UpsertMapping(ctx, punch.IdentityMapping{OrgID: "acme", DeviceID: d.ID, DeviceUserID: "7", GlobalUserID: "g-1", EmployeeID: "e1"})
	require.NoError(t, err)
	assert.Equal(t, d.ID, m.DeviceID)
	assert.Equal(t, "g-1", m.GlobalUserID)

	all, err := s.ListMappings(ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, all, 1, "the global-only row is reused")
}

func TestUpsertMapping_Validation(t *testing.T) {
	s := createTestStore(t)
	seedDirectory(t, s)
	d := createTestDevice(t, s, "d1")
	ctx := context.Background()

	require.NoError(t, s.UpsertOrganization(ctx, punch.Organization{ID: "globex"}))
	require.NoError(t, s.UpsertEmployee(ctx, punch.Employee{ID: "x1", OrgID: "globex", Code: "X", Active: true}))

	_, err := s.UpsertMapping(ctx, punch.IdentityMapping{OrgID: "acme", EmployeeID: "e1"})
	assert.ErrorIs(t, err, ErrInvalid, "a key is required")

	_, err = s.UpsertMapping(ctx, punch.IdentityMapping{OrgID: "acme", DeviceID: d.ID, DeviceUserID: "7", EmployeeID: "x1"})
	assert.ErrorIs(t, err, ErrInvalid, "employee of another organization")

	_, err = s.UpsertMapping(ctx, punch.IdentityMapping{OrgID: "acme", DeviceID: d.ID, DeviceUserID: "7", EmployeeID: "ghost"})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLookupMapping_NotFound(t *testing.T) {
	s := createTestStore(t)
	seedDirectory(t, s)

	_, err := s.LookupDeviceMapping(context.Background(), "acme", "d1", "7")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = s.LookupGlobalMapping(context.Background(), "acme", "7")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestDeleteMapping(t *testing.T) {
	s := createTestStore(t)
	seedDirectory(t, s)
	ctx := context.Background()

	m, err := s.UpsertMapping(ctx, punch.IdentityMapping{OrgID: "acme", GlobalUserID: "g", EmployeeID: "e1"})
	require.NoError(t, err)
	require.NoError(t, s.DeleteMapping(ctx, m.ID))
	assert.True(t, errors.Is(s.DeleteMapping(ctx, m.ID), ErrNotFound))
}
