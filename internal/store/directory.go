package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/punchsync/internal/punch"
)

// UpsertOrganization creates or updates an organization.
func (s *Store) UpsertOrganization(ctx context.Context, org punch.Organization) error {
	if org.ID == "" {
		return fmt.Errorf("upsert organization: %w: id is required", ErrInvalid)
	}
	tz := org.Timezone
	if tz == "" {
		tz = "UTC"
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return fmt.Errorf("upsert organization: invalid timezone %q: %w", tz, err)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO organizations (id, name, timezone, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, timezone = excluded.timezone
	`, org.ID, org.Name, tz, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("upsert organization: %w", err)
	}
	return nil
}

// GetOrganization returns the organization with the given id.
func (s *Store) GetOrganization(ctx context.Context, id string) (punch.Organization, error) {
	var org punch.Organization
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, timezone FROM organizations WHERE id = ?
	`, id).Scan(&org.ID, &org.Name, &org.Timezone)
	if errors.Is(err, sql.ErrNoRows) {
		return org, fmt.Errorf("organization %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return org, fmt.Errorf("get organization: %w", err)
	}
	return org, nil
}

// ListOrganizations returns all organizations ordered by id.
func (s *Store) ListOrganizations(ctx context.Context) ([]punch.Organization, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, timezone FROM organizations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list organizations: %w", err)
	}
	defer rows.Close()

	var orgs []punch.Organization
	for rows.Next() {
		var org punch.Organization
		if err := rows.Scan(&org.ID, &org.Name, &org.Timezone); err != nil {
			return nil, fmt.Errorf("list organizations: %w", err)
		}
		orgs = append(orgs, org)
	}
	return orgs, rows.Err()
}

// UpsertEmployee creates or updates a directory entry.
func (s *Store) UpsertEmployee(ctx context.Context, emp punch.Employee) error {
	if emp.ID == "" || emp.OrgID == "" || emp.Code == "" {
		return fmt.Errorf("upsert employee: %w: id, org and code are required", ErrInvalid)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO employees (id, org_id, code, name, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			code = excluded.code,
			name = excluded.name,
			active = excluded.active
	`, emp.ID, emp.OrgID, emp.Code, emp.Name, boolInt(emp.Active), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("upsert employee: %w", err)
	}
	return nil
}

const employeeColumns = `id, org_id, code, name, active`

func scanEmployee(row interface{ Scan(...any) error }) (punch.Employee, error) {
	var emp punch.Employee
	var active int
	if err := row.Scan(&emp.ID, &emp.OrgID, &emp.Code, &emp.Name, &active); err != nil {
		return emp, err
	}
	emp.Active = active == 1
	return emp, nil
}

// GetEmployee returns the employee with the given id.
func (s *Store) GetEmployee(ctx context.Context, id string) (punch.Employee, error) {
	emp, err := scanEmployee(s.db.QueryRowContext(ctx,
		`SELECT `+employeeColumns+` FROM employees WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return emp, fmt.Errorf("employee %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return emp, fmt.Errorf("get employee: %w", err)
	}
	return emp, nil
}

// EmployeeByCode finds an employee by its organization-visible identifier.
func (s *Store) EmployeeByCode(ctx context.Context, orgID, code string) (punch.Employee, error) {
	emp, err := scanEmployee(s.db.QueryRowContext(ctx,
		`SELECT `+employeeColumns+` FROM employees WHERE org_id = ? AND code = ?`, orgID, code))
	if errors.Is(err, sql.ErrNoRows) {
		return emp, fmt.Errorf("employee %s/%s: %w", orgID, code, ErrNotFound)
	}
	if err != nil {
		return emp, fmt.Errorf("employee by code: %w", err)
	}
	return emp, nil
}

// ListEmployees returns the employees of an organization ordered by code.
func (s *Store) ListEmployees(ctx context.Context, orgID string) ([]punch.Employee, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+employeeColumns+` FROM employees WHERE org_id = ? ORDER BY code`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list employees: %w", err)
	}
	defer rows.Close()

	var emps []punch.Employee
	for rows.Next() {
		emp, err := scanEmployee(rows)
		if err != nil {
			return nil, fmt.Errorf("list employees: %w", err)
		}
		emps = append(emps, emp)
	}
	return emps, rows.Err()
}

// OrganizationForEmployee returns the organization an employee belongs to.
func (s *Store) OrganizationForEmployee(ctx context.Context, employeeID string) (punch.Organization, error) {
	var org punch.Organization
	err := s.db.QueryRowContext(ctx, `
		SELECT o.id, o.name, o.timezone
		FROM organizations o JOIN employees e ON e.org_id = o.id
		WHERE e.id = ?
	`, employeeID).Scan(&org.ID, &org.Name, &org.Timezone)
	if errors.Is(err, sql.ErrNoRows) {
		return org, fmt.Errorf("employee %q: %w", employeeID, ErrNotFound)
	}
	if err != nil {
		return org, fmt.Errorf("organization for employee: %w", err)
	}
	return org, nil
}
