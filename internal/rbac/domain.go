package rbac

import (
	"fmt"
	"strings"
	"time"
)

// Resource identifies a tenant-scoped area of the product.
type Resource string

// Action identifies what is done to a Resource.
type Action string

const (
	ResourceProjects    Resource = "projects"
	ResourceExpenses    Resource = "expenses"
	ResourceContractors Resource = "contractors"
	ResourceReports     Resource = "reports"
	ResourceUsers       Resource = "users"
	ResourceCompany     Resource = "company"
	ResourceBilling     Resource = "billing"
)

const (
	ActionView    Action = "view"
	ActionCreate  Action = "create"
	ActionEdit    Action = "edit"
	ActionDelete  Action = "delete"
	ActionApprove Action = "approve"
	ActionExport  Action = "export"
)

// Permission is one grantable (resource, action) tuple.
type Permission struct {
	Resource Resource `json:"resource"`
	Action   Action   `json:"action"`
}

// Perm is shorthand for building a Permission.
func Perm(resource Resource, action Action) Permission {
	return Permission{Resource: resource, Action: action}
}

// String renders the canonical "resource.action" form.
func (p Permission) String() string {
	return string(p.Resource) + "." + string(p.Action)
}

// Valid reports whether both halves belong to the catalog.
func (p Permission) Valid() bool {
	return validResources[p.Resource] && validActions[p.Action]
}

// ParsePermission parses "resource.action".
func ParsePermission(raw string) (Permission, error) {
	resource, action, ok := strings.Cut(strings.ToLower(strings.TrimSpace(raw)), ".")
	if !ok {
		return Permission{}, fmt.Errorf("%w: %q", ErrInvalidPermission, raw)
	}
	p := Perm(Resource(resource), Action(action))
	if !p.Valid() {
		return Permission{}, fmt.Errorf("%w: %q", ErrInvalidPermission, raw)
	}
	return p, nil
}

// StructuralRole names the role flags that gate structural operations.
// They are independent of granular permissions.
type StructuralRole string

const (
	StructuralAdmin      StructuralRole = "admin"
	StructuralSupervisor StructuralRole = "supervisor"
	StructuralTeamMember StructuralRole = "team_member"
)

// Role is a named bundle of permissions owned by one company.
type Role struct {
	ID           int64        `json:"id"`
	CompanyID    int64        `json:"company_id"`
	Name         string       `json:"name"`
	Description  string       `json:"description"`
	IsAdmin      bool         `json:"is_admin"`
	IsSupervisor bool         `json:"is_supervisor"`
	IsTeamMember bool         `json:"is_team_member"`
	Permissions  []Permission `json:"permissions"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Grants reports whether the role owns p exactly. A nil role grants nothing.
func (r *Role) Grants(p Permission) bool {
	if r == nil {
		return false
	}
	for _, owned := range r.Permissions {
		if owned == p {
			return true
		}
	}
	return false
}

// HasStructural reports whether the role carries the structural flag.
func (r *Role) HasStructural(kind StructuralRole) bool {
	if r == nil {
		return false
	}
	switch kind {
	case StructuralAdmin:
		return r.IsAdmin
	case StructuralSupervisor:
		return r.IsSupervisor
	case StructuralTeamMember:
		return r.IsTeamMember
	default:
		return false
	}
}

// MembershipStatus tracks the lifecycle of a membership.
type MembershipStatus string

const (
	MembershipActive    MembershipStatus = "active"
	MembershipInvited   MembershipStatus = "invited"
	MembershipSuspended MembershipStatus = "suspended"
	MembershipLeft      MembershipStatus = "left"
)

// Valid reports whether s is a known status.
func (s MembershipStatus) Valid() bool {
	switch s {
	case MembershipActive, MembershipInvited, MembershipSuspended, MembershipLeft:
		return true
	}
	return false
}

// Membership binds a user to a company. Role is nil for roleless members.
type Membership struct {
	ID              int64            `json:"id"`
	UserID          int64            `json:"user_id"`
	CompanyID       int64            `json:"company_id"`
	RoleID          *int64           `json:"role_id,omitempty"`
	Role            *Role            `json:"role,omitempty"`
	Status          MembershipStatus `json:"status"`
	InvitedBy       *int64           `json:"invited_by,omitempty"`
	InvitationToken string           `json:"-"`
	JoinedAt        *time.Time       `json:"joined_at,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// IsActive reports whether the membership currently grants authorization.
func (m *Membership) IsActive() bool {
	return m != nil && m.Status == MembershipActive
}

// HasPermission is the membership-level permission check.
func (m *Membership) HasPermission(resource Resource, action Action) bool {
	if !m.IsActive() {
		return false
	}
	return m.Role.Grants(Perm(resource, action))
}

// HasStructuralRole is the membership-level structural check.
func (m *Membership) HasStructuralRole(kind StructuralRole) bool {
	if !m.IsActive() {
		return false
	}
	return m.Role.HasStructural(kind)
}

// IsCompanyAdmin reports role.is_admin for an active membership.
func IsCompanyAdmin(m *Membership) bool { return m.HasStructuralRole(StructuralAdmin) }

// IsCompanySupervisor reports role.is_supervisor for an active membership.
func IsCompanySupervisor(m *Membership) bool { return m.HasStructuralRole(StructuralSupervisor) }

// IsTeamMember reports role.is_team_member for an active membership.
func IsTeamMember(m *Membership) bool { return m.HasStructuralRole(StructuralTeamMember) }
