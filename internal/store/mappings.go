package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/punchsync/internal/punch"
)

const mappingColumns = `id, org_id, device_id, device_user_id, global_user_id, employee_id, updated_at`

func scanMapping(row interface{ Scan(...any) error }) (punch.IdentityMapping, error) {
	var m punch.IdentityMapping
	var deviceID, deviceUserID, globalUserID sql.NullString
	var updatedAt string
	if err := row.Scan(&m.ID, &m.OrgID, &deviceID, &deviceUserID, &globalUserID, &m.EmployeeID, &updatedAt); err != nil {
		return m, err
	}
	m.DeviceID = deviceID.String
	m.DeviceUserID = deviceUserID.String
	m.GlobalUserID = globalUserID.String
	t, err := parseTime(updatedAt)
	if err != nil {
		return m, fmt.Errorf("updated_at: %w", err)
	}
	m.UpdatedAt = t
	return m, nil
}

// UpsertMapping creates or corrects an identity mapping. A correction
// replaces the employee of the existing (device, device user) or global
// mapping; it never creates a second row for the same key. Claiming a global
// user id removes it from any other mapping in the organization.
func (s *Store) UpsertMapping(ctx context.Context, m punch.IdentityMapping) (punch.IdentityMapping, error) {
	hasDeviceKey := m.DeviceID != "" && m.DeviceUserID != ""
	if !hasDeviceKey && m.GlobalUserID == "" {
		return m, fmt.Errorf("upsert mapping: %w: need device and device user id, or a global user id", ErrInvalid)
	}
	if m.DeviceID == "" && m.DeviceUserID != "" && m.GlobalUserID == "" {
		return m, fmt.Errorf("upsert mapping: %w: device user id without a device needs a global user id", ErrInvalid)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return m, fmt.Errorf("upsert mapping: begin tx: %w", err)
	}
	defer tx.Rollback()

	var empOrg string
	err = tx.QueryRowContext(ctx, `SELECT org_id FROM employees WHERE id = ?`, m.EmployeeID).Scan(&empOrg)
	if errors.Is(err, sql.ErrNoRows) {
		return m, fmt.Errorf("employee %q: %w", m.EmployeeID, ErrNotFound)
	}
	if err != nil {
		return m, fmt.Errorf("upsert mapping: %w", err)
	}
	if empOrg != m.OrgID {
		return m, fmt.Errorf("upsert mapping: %w: employee %q belongs to organization %q", ErrInvalid, m.EmployeeID, empOrg)
	}

	if m.DeviceID != "" {
		var devOrg string
		err = tx.QueryRowContext(ctx, `SELECT org_id FROM devices WHERE id = ?`, m.DeviceID).Scan(&devOrg)
		if errors.Is(err, sql.ErrNoRows) {
			return m, fmt.Errorf("device %q: %w", m.DeviceID, ErrNotFound)
		}
		if err != nil {
			return m, fmt.Errorf("upsert mapping: %w", err)
		}
		if devOrg != m.OrgID {
			return m, fmt.Errorf("upsert mapping: %w: device %q belongs to organization %q", ErrInvalid, m.DeviceID, devOrg)
		}
	}

	var targetID int64
	if hasDeviceKey {
		err = tx.QueryRowContext(ctx, `
			SELECT id FROM identity_mappings
			WHERE org_id = ? AND device_id = ? AND device_user_id = ?
		`, m.OrgID, m.DeviceID, m.DeviceUserID).Scan(&targetID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return m, fmt.Errorf("upsert mapping: %w", err)
		}
	}
	if targetID == 0 && m.GlobalUserID != "" {
		var deviceID sql.NullString
		var id int64
		err = tx.QueryRowContext(ctx, `
			SELECT id, device_id FROM identity_mappings
			WHERE org_id = ? AND global_user_id = ?
		`, m.OrgID, m.GlobalUserID).Scan(&id, &deviceID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return m, fmt.Errorf("upsert mapping: %w", err)
		}
		// A global row can be reused unless it is bound to another device key.
		if id != 0 && (!hasDeviceKey || !deviceID.Valid) {
			targetID = id
		}
	}

	if m.GlobalUserID != "" {
		if err := releaseGlobalUserID(ctx, tx, m.OrgID, m.GlobalUserID, targetID); err != nil {
			return m, err
		}
	}

	now := formatTime(time.Now())
	if targetID == 0 {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO identity_mappings (org_id, device_id, device_user_id, global_user_id, employee_id, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, m.OrgID, nullString(m.DeviceID), nullString(m.DeviceUserID), nullString(m.GlobalUserID), m.EmployeeID, now)
		if err != nil {
			return m, fmt.Errorf("upsert mapping: insert: %w", err)
		}
		if targetID, err = result.LastInsertId(); err != nil {
			return m, fmt.Errorf("upsert mapping: last insert id: %w", err)
		}
	} else {
		_, err := tx.ExecContext(ctx, `
			UPDATE identity_mappings SET
				device_id = COALESCE(?, device_id),
				device_user_id = COALESCE(?, device_user_id),
				global_user_id = COALESCE(?, global_user_id),
				employee_id = ?,
				updated_at = ?
			WHERE id = ?
		`, nullString(m.DeviceID), nullString(m.DeviceUserID), nullString(m.GlobalUserID), m.EmployeeID, now, targetID)
		if err != nil {
			return m, fmt.Errorf("upsert mapping: update: %w", err)
		}
	}

	stored, err := scanMapping(tx.QueryRowContext(ctx,
		`SELECT `+mappingColumns+` FROM identity_mappings WHERE id = ?`, targetID))
	if err != nil {
		return m, fmt.Errorf("upsert mapping: reload: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return m, fmt.Errorf("upsert mapping: commit: %w", err)
	}
	return stored, nil
}

// releaseGlobalUserID removes a global user id from every mapping except keep.
// Rows that only existed for that global id are deleted.
func releaseGlobalUserID(ctx context.Context, tx *sql.Tx, orgID, globalUserID string, keep int64) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM identity_mappings
		WHERE org_id = ? AND global_user_id = ? AND id != ?
		  AND (device_id IS NULL OR device_user_id IS NULL)
	`, orgID, globalUserID, keep)
	if err != nil {
		return fmt.Errorf("upsert mapping: release global id: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE identity_mappings SET global_user_id = NULL
		WHERE org_id = ? AND global_user_id = ? AND id != ?
	`, orgID, globalUserID, keep)
	if err != nil {
		return fmt.Errorf("upsert mapping: release global id: %w", err)
	}
	return nil
}

// LookupDeviceMapping returns the employee mapped to a device-local user id.
func (s *Store) LookupDeviceMapping(ctx context.Context, orgID, deviceID, deviceUserID string) (string, error) {
	var employeeID string
	err := s.db.QueryRowContext(ctx, `
		SELECT employee_id FROM identity_mappings
		WHERE org_id = ? AND device_id = ? AND device_user_id = ?
	`, orgID, deviceID, deviceUserID).Scan(&employeeID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup device mapping: %w", err)
	}
	return employeeID, nil
}

// LookupGlobalMapping returns the employee mapped to an organization-wide user id.
func (s *Store) LookupGlobalMapping(ctx context.Context, orgID, globalUserID string) (string, error) {
	var employeeID string
	err := s.db.QueryRowContext(ctx, `
		SELECT employee_id FROM identity_mappings
		WHERE org_id = ? AND global_user_id = ?
	`, orgID, globalUserID).Scan(&employeeID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup global mapping: %w", err)
	}
	return employeeID, nil
}

// ListMappings returns an organization's mappings ordered by id.
func (s *Store) ListMappings(ctx context.Context, orgID string) ([]punch.IdentityMapping, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+mappingColumns+` FROM identity_mappings WHERE org_id = ? ORDER BY id`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	defer rows.Close()

	var mappings []punch.IdentityMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("list mappings: %w", err)
		}
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}

// DeleteMapping removes a mapping by id.
func (s *Store) DeleteMapping(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM identity_mappings WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete mapping: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete mapping: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("mapping %d: %w", id, ErrNotFound)
	}
	return nil
}
