// Package resolve maps device-local user identifiers to employees.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/punchsync/internal/punch"
	"github.com/roach88/punchsync/internal/store"
)

// Directory is the read side of identity mappings and the employee directory.
type Directory interface {
	LookupDeviceMapping(ctx context.Context, orgID, deviceID, deviceUserID string) (string, error)
	LookupGlobalMapping(ctx context.Context, orgID, globalUserID string) (string, error)
	EmployeeByCode(ctx context.Context, orgID, code string) (punch.Employee, error)
	GetEmployee(ctx context.Context, id string) (punch.Employee, error)
}

// Match names the rule that resolved an identity.
type Match string

const (
	MatchNone   Match = ""
	MatchDevice Match = "device"
	MatchGlobal Match = "global"
	MatchCode   Match = "code"
)

// Result is the outcome of a resolution. Resolved is false when no rule
// matched; that is not an error.
type Result struct {
	Employee punch.Employee
	Resolved bool
	Via      Match
}

// Resolver applies the resolution order:
//  1. exact (organization, device, deviceUserId) mapping
//  2. (organization, globalUserId = deviceUserId) mapping
//  3. active employee whose organization-visible code equals deviceUserId
type Resolver struct {
	dir Directory
	log *slog.Logger
}

// New creates a resolver.
func New(dir Directory, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{dir: dir, log: log}
}

// Resolve maps a punch's identity to an employee. deviceID may be empty for
// punches relayed without device context.
func (r *Resolver) Resolve(ctx context.Context, orgID, deviceID, deviceUserID string) (Result, error) {
	if deviceUserID == "" {
		return Result{}, nil
	}

	if deviceID != "" {
		id, err := r.dir.LookupDeviceMapping(ctx, orgID, deviceID, deviceUserID)
		if err == nil {
			return r.mapped(ctx, orgID, id, MatchDevice)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return Result{}, fmt.Errorf("resolve: %w", err)
		}
	}

	id, err := r.dir.LookupGlobalMapping(ctx, orgID, deviceUserID)
	if err == nil {
		return r.mapped(ctx, orgID, id, MatchGlobal)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return Result{}, fmt.Errorf("resolve: %w", err)
	}

	emp, err := r.dir.EmployeeByCode(ctx, orgID, deviceUserID)
	if errors.Is(err, store.ErrNotFound) {
		return Result{}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("resolve: %w", err)
	}
	if !emp.Active {
		r.log.Debug("code matches inactive employee", "org", orgID, "employee", emp.ID)
		return Result{}, nil
	}
	return Result{Employee: emp, Resolved: true, Via: MatchCode}, nil
}

// mapped loads the employee a mapping points to. A mapping is authoritative:
// when its employee is inactive or in another organization the punch stays
// unresolved rather than falling through to weaker rules.
func (r *Resolver) mapped(ctx context.Context, orgID, employeeID string, via Match) (Result, error) {
	emp, err := r.dir.GetEmployee(ctx, employeeID)
	if errors.Is(err, store.ErrNotFound) {
		r.log.Warn("mapping points to missing employee", "org", orgID, "employee", employeeID, "via", via)
		return Result{}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("resolve: %w", err)
	}
	if emp.OrgID != orgID || !emp.Active {
		r.log.Debug("mapping points to unusable employee",
			"org", orgID, "employee", employeeID, "active", emp.Active, "employee_org", emp.OrgID)
		return Result{}, nil
	}
	return Result{Employee: emp, Resolved: true, Via: via}, nil
}
