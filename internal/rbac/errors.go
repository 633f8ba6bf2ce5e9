package rbac

import (
	"fmt"

	"github.com/buildtrack/buildtrack/internal/platform/httpx"
)

var (
	// ErrNotFound indicates that the requested record does not exist.
	ErrNotFound = fmt.Errorf("rbac: %w", httpx.ErrNotFound)
	// ErrCompanyNotFound is raised when an authorization check names an unknown company.
	ErrCompanyNotFound = fmt.Errorf("rbac: company %w", httpx.ErrNotFound)
	// ErrUserNotFound is raised when an authorization check names an unknown user.
	ErrUserNotFound = fmt.Errorf("rbac: user %w", httpx.ErrNotFound)
	// ErrRoleInUse blocks deleting a role still referenced by active memberships.
	ErrRoleInUse = fmt.Errorf("rbac: role referenced by active memberships: %w", httpx.ErrConflict)
	// ErrLastAdminRole blocks removing the only admin role of a company.
	ErrLastAdminRole = fmt.Errorf("rbac: company must keep at least one admin role: %w", httpx.ErrConflict)
	// ErrInvalidPermission rejects tuples outside the catalog.
	ErrInvalidPermission = fmt.Errorf("rbac: invalid permission: %w", httpx.ErrValidation)
	// ErrInvalidStatus rejects a membership transition from the wrong status.
	ErrInvalidStatus = fmt.Errorf("rbac: invalid membership status: %w", httpx.ErrConflict)
	// ErrRoleCompanyMismatch rejects assigning a role owned by another company.
	ErrRoleCompanyMismatch = fmt.Errorf("rbac: role belongs to another company: %w", httpx.ErrValidation)
	// ErrDuplicate reports a unique constraint hit (role name, membership pair).
	ErrDuplicate = fmt.Errorf("rbac: %w", httpx.ErrDuplicate)
	// ErrForbidden reports an actor lacking the structural role for an operation.
	ErrForbidden = fmt.Errorf("rbac: %w", httpx.ErrForbidden)
	// ErrValidation covers malformed input.
	ErrValidation = fmt.Errorf("rbac: %w", httpx.ErrValidation)
)

func invalidPermission(p Permission) error {
	return fmt.Errorf("%w: %s", ErrInvalidPermission, p)
}
