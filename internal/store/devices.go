package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/punchsync/internal/punch"
)

const deviceColumns = `id, org_id, name, brand, model, serial, address, port, api_key,
	signing_secret, comm_key, timezone, mode, active, deactivated_by,
	last_seen, last_pull_cursor, created_at`

func scanDevice(row interface{ Scan(...any) error }) (punch.Device, error) {
	var d punch.Device
	var mode string
	var active int
	var lastSeen, cursor sql.NullString
	var createdAt string
	err := row.Scan(&d.ID, &d.OrgID, &d.Name, &d.Brand, &d.Model, &d.Serial, &d.Address, &d.Port,
		&d.APIKey, &d.SigningSecret, &d.CommKey, &d.Timezone, &mode, &active, &d.DeactivatedBy,
		&lastSeen, &cursor, &createdAt)
	if err != nil {
		return d, err
	}
	d.Mode = punch.DeviceMode(mode)
	d.Active = active == 1
	if d.LastSeen, err = parseNullTime(lastSeen); err != nil {
		return d, fmt.Errorf("last_seen: %w", err)
	}
	if d.LastPullCursor, err = parseNullTime(cursor); err != nil {
		return d, fmt.Errorf("last_pull_cursor: %w", err)
	}
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return d, fmt.Errorf("created_at: %w", err)
	}
	return d, nil
}

// CreateDevice registers a device. Empty ID and APIKey are generated; the
// stored device (with its key) is returned.
func (s *Store) CreateDevice(ctx context.Context, d punch.Device) (punch.Device, error) {
	if d.OrgID == "" {
		return d, fmt.Errorf("create device: %w: organization is required", ErrInvalid)
	}
	if d.ID == "" {
		d.ID = punch.UUIDv7Generator{}.Generate()
	}
	if d.APIKey == "" {
		d.APIKey = punch.GenerateAPIKey()
	}
	if d.Brand == "" {
		d.Brand = punch.DefaultBrand
	}
	if d.Port == 0 {
		d.Port = punch.DefaultPort
	}
	if d.Mode == "" {
		d.Mode = punch.ModePush
	}
	if !punch.ValidModes[d.Mode] {
		return d, fmt.Errorf("create device: %w: mode %q", ErrInvalid, d.Mode)
	}
	d.Active = true
	d.DeactivatedBy = ""
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices
		(id, org_id, name, brand, model, serial, address, port, api_key,
		 signing_secret, comm_key, timezone, mode, active, deactivated_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, '', ?)
	`,
		d.ID, d.OrgID, d.Name, d.Brand, d.Model, d.Serial, d.Address, d.Port, d.APIKey,
		d.SigningSecret, d.CommKey, d.Timezone, string(d.Mode), formatTime(d.CreatedAt),
	)
	if err != nil {
		return d, fmt.Errorf("create device: %w", err)
	}
	return d, nil
}

// GetDevice returns the device with the given id.
func (s *Store) GetDevice(ctx context.Context, id string) (punch.Device, error) {
	d, err := scanDevice(s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return d, fmt.Errorf("device %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return d, fmt.Errorf("get device: %w", err)
	}
	return d, nil
}

// DeviceByAPIKey looks up a device by its inbound key.
func (s *Store) DeviceByAPIKey(ctx context.Context, key string) (punch.Device, error) {
	d, err := scanDevice(s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE api_key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return d, fmt.Errorf("device key: %w", ErrNotFound)
	}
	if err != nil {
		return d, fmt.Errorf("device by key: %w", err)
	}
	return d, nil
}

// ListDevices returns devices ordered by creation; an empty orgID lists all.
func (s *Store) ListDevices(ctx context.Context, orgID string) ([]punch.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices`
	var args []any
	if orgID != "" {
		query += ` WHERE org_id = ?`
		args = append(args, orgID)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []punch.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("list devices: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// DeviceUpdate carries the administrator-editable fields of a device.
// Nil fields are left unchanged.
type DeviceUpdate struct {
	Name          *string
	Address       *string
	Port          *int
	CommKey       *string
	SigningSecret *string
	Timezone      *string
	Mode          *punch.DeviceMode
	Active        *bool
	RotateAPIKey  bool
}

// UpdateDevice applies an administrative update and returns the stored device.
// Deactivating here is an admin deactivation; only an admin reverses it.
func (s *Store) UpdateDevice(ctx context.Context, id string, u DeviceUpdate) (punch.Device, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return punch.Device{}, fmt.Errorf("update device: begin tx: %w", err)
	}
	defer tx.Rollback()

	d, err := scanDevice(tx.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return d, fmt.Errorf("device %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return d, fmt.Errorf("update device: %w", err)
	}

	if u.Name != nil {
		d.Name = *u.Name
	}
	if u.Address != nil {
		d.Address = *u.Address
	}
	if u.Port != nil {
		d.Port = *u.Port
	}
	if u.CommKey != nil {
		d.CommKey = *u.CommKey
	}
	if u.SigningSecret != nil {
		d.SigningSecret = *u.SigningSecret
	}
	if u.Timezone != nil {
		d.Timezone = *u.Timezone
	}
	if u.Mode != nil {
		if !punch.ValidModes[*u.Mode] {
			return d, fmt.Errorf("update device: %w: mode %q", ErrInvalid, *u.Mode)
		}
		d.Mode = *u.Mode
	}
	if u.Active != nil {
		d.Active = *u.Active
		if d.Active {
			d.DeactivatedBy = ""
		} else {
			d.DeactivatedBy = punch.DeactivatedByAdmin
		}
	}
	if u.RotateAPIKey {
		d.APIKey = punch.GenerateAPIKey()
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE devices SET
			name = ?, address = ?, port = ?, comm_key = ?, signing_secret = ?,
			timezone = ?, mode = ?, active = ?, deactivated_by = ?, api_key = ?
		WHERE id = ?
	`, d.Name, d.Address, d.Port, d.CommKey, d.SigningSecret,
		d.Timezone, string(d.Mode), boolInt(d.Active), d.DeactivatedBy, d.APIKey, id)
	if err != nil {
		return d, fmt.Errorf("update device: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return d, fmt.Errorf("update device: commit: %w", err)
	}
	return d, nil
}

// DeleteDevice removes a device from the registry. Identity mappings are
// detached and historical events lose their device reference; punches and
// attendance are kept.
func (s *Store) DeleteDevice(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete device: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE identity_mappings SET device_id = NULL WHERE device_id = ?`, id); err != nil {
		return fmt.Errorf("delete device: detach mappings: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE punch_events SET device_id = NULL WHERE device_id = ?`, id); err != nil {
		return fmt.Errorf("delete device: detach events: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete device: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("device %q: %w", id, ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete device: commit: %w", err)
	}
	return nil
}

// Contact describes the effect of a successful device contact.
type Contact struct {
	// Reactivated is true when the contact ended a silence deactivation.
	Reactivated bool
	// Gap is the time since the previous contact, when one was recorded.
	Gap time.Duration
}

// TouchDevice records a successful contact at the given time. A device that
// was deactivated for silence becomes active again; admin deactivation is kept.
func (s *Store) TouchDevice(ctx context.Context, id string, at time.Time) (Contact, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Contact{}, fmt.Errorf("touch device: begin tx: %w", err)
	}
	defer tx.Rollback()

	var deactivatedBy string
	var lastSeen sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT deactivated_by, last_seen FROM devices WHERE id = ?`, id).
		Scan(&deactivatedBy, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return Contact{}, fmt.Errorf("device %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return Contact{}, fmt.Errorf("touch device: %w", err)
	}

	var c Contact
	prev, err := parseNullTime(lastSeen)
	if err != nil {
		return c, fmt.Errorf("touch device: last_seen: %w", err)
	}
	if prev != nil && at.After(*prev) {
		c.Gap = at.Sub(*prev)
	}
	if prev != nil && prev.After(at) {
		at = *prev
	}

	if deactivatedBy == punch.DeactivatedBySilence {
		c.Reactivated = true
		_, err = tx.ExecContext(ctx, `
			UPDATE devices SET last_seen = ?, active = 1, deactivated_by = '' WHERE id = ?
		`, formatTime(at), id)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE devices SET last_seen = ? WHERE id = ?`, formatTime(at), id)
	}
	if err != nil {
		return c, fmt.Errorf("touch device: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return c, fmt.Errorf("touch device: commit: %w", err)
	}
	return c, nil
}

// MarkDeviceSilent deactivates an active device after its silence window.
// Returns false if the device was already inactive.
func (s *Store) MarkDeviceSilent(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE devices SET active = 0, deactivated_by = ?
		WHERE id = ? AND active = 1
	`, punch.DeactivatedBySilence, id)
	if err != nil {
		return false, fmt.Errorf("mark device silent: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark device silent: rows affected: %w", err)
	}
	return n == 1, nil
}

// AdvanceCursor moves a device's poll high-water mark forward. It never
// moves the cursor backwards.
func (s *Store) AdvanceCursor(ctx context.Context, id string, cursor time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE devices SET last_pull_cursor = ?
		WHERE id = ? AND (last_pull_cursor IS NULL OR last_pull_cursor < ?)
	`, formatTime(cursor), id, formatTime(cursor))
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}
