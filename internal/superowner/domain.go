package superowner

import (
	"fmt"
	"slices"
	"time"

	"github.com/buildtrack/buildtrack/internal/platform/httpx"
)

// DelegationLevel describes the scope a super owner was delegated.
type DelegationLevel string

const (
	LevelFull              DelegationLevel = "full"
	LevelCompanyManagement DelegationLevel = "company_management"
	LevelUserManagement    DelegationLevel = "user_management"
	LevelBillingManagement DelegationLevel = "billing_management"
	LevelReadOnly          DelegationLevel = "read_only"
)

// Valid reports whether l is a known level.
func (l DelegationLevel) Valid() bool {
	switch l {
	case LevelFull, LevelCompanyManagement, LevelUserManagement, LevelBillingManagement, LevelReadOnly:
		return true
	}
	return false
}

// Capability names one platform-wide flag.
type Capability string

const (
	CapManageCompanies     Capability = "manage_companies"
	CapManageUsers         Capability = "manage_users"
	CapActivateAccounts    Capability = "activate_accounts"
	CapAccessAdminPanel    Capability = "access_admin_panel"
	CapDelegatePermissions Capability = "delegate_permissions"
	CapManageBilling       Capability = "manage_billing"
	CapViewAnalytics       Capability = "view_analytics"
)

// AllCapabilities lists every flag in display order.
func AllCapabilities() []Capability {
	return []Capability{
		CapManageCompanies, CapManageUsers, CapActivateAccounts, CapAccessAdminPanel,
		CapDelegatePermissions, CapManageBilling, CapViewAnalytics,
	}
}

// SuperOwner is a platform operator overlaid on a user. Its rights come from
// its own flags and never from company memberships.
type SuperOwner struct {
	ID                  int64           `json:"id"`
	UserID              int64           `json:"user_id"`
	IsPrimaryOwner      bool            `json:"is_primary_owner"`
	DelegationLevel     DelegationLevel `json:"delegation_level"`
	ManageCompanies     bool            `json:"can_manage_companies"`
	ManageUsers         bool            `json:"can_manage_users"`
	ActivateAccounts    bool            `json:"can_activate_accounts"`
	AccessAdminPanel    bool            `json:"can_access_admin_panel"`
	DelegatePermissions bool            `json:"can_delegate_permissions"`
	ManageBilling       bool            `json:"can_manage_billing"`
	ViewAnalytics       bool            `json:"can_view_system_analytics"`
	AllowedCompanies    []int64         `json:"allowed_companies"`
	IsActive            bool            `json:"is_active"`
	CreatedBy           *int64          `json:"created_by,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

func (o *SuperOwner) flag(c Capability) *bool {
	switch c {
	case CapManageCompanies:
		return &o.ManageCompanies
	case CapManageUsers:
		return &o.ManageUsers
	case CapActivateAccounts:
		return &o.ActivateAccounts
	case CapAccessAdminPanel:
		return &o.AccessAdminPanel
	case CapDelegatePermissions:
		return &o.DelegatePermissions
	case CapManageBilling:
		return &o.ManageBilling
	case CapViewAnalytics:
		return &o.ViewAnalytics
	}
	return nil
}

// Has reports whether the owner is active and holds c.
func (o SuperOwner) Has(c Capability) bool {
	if !o.IsActive {
		return false
	}
	f := o.flag(c)
	return f != nil && *f
}

// Capabilities lists the granted flags. Inactive owners hold none.
func (o SuperOwner) Capabilities() []Capability {
	out := []Capability{}
	for _, c := range AllCapabilities() {
		if o.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

// Grant sets c. Unknown capabilities are ignored.
func (o *SuperOwner) Grant(c Capability) {
	if f := o.flag(c); f != nil {
		*f = true
	}
}

// CanManageCompany applies the manage_companies flag and the allowed_companies
// scope. An empty scope means every company.
func (o SuperOwner) CanManageCompany(companyID int64) bool {
	if !o.Has(CapManageCompanies) {
		return false
	}
	return len(o.AllowedCompanies) == 0 || slices.Contains(o.AllowedCompanies, companyID)
}

// ManageableCompanies filters all down to the companies the owner may manage.
func (o SuperOwner) ManageableCompanies(all []int64) []int64 {
	out := []int64{}
	for _, id := range all {
		if o.CanManageCompany(id) {
			out = append(out, id)
		}
	}
	return out
}

// forcePrimary grants everything a primary owner must hold and returns what
// it had to change.
func (o *SuperOwner) forcePrimary() []string {
	var forced []string
	if o.DelegationLevel != LevelFull {
		forced = append(forced, "delegation_level")
		o.DelegationLevel = LevelFull
	}
	for _, c := range AllCapabilities() {
		if f := o.flag(c); !*f {
			forced = append(forced, string(c))
			*f = true
		}
	}
	if !o.IsActive {
		forced = append(forced, "is_active")
		o.IsActive = true
	}
	return forced
}

var (
	// ErrNotFound indicates the super owner does not exist.
	ErrNotFound = fmt.Errorf("superowner: %w", httpx.ErrNotFound)
	// ErrValidation covers malformed input.
	ErrValidation = fmt.Errorf("superowner: %w", httpx.ErrValidation)
	// ErrPrimaryOwner blocks revoking the primary owner.
	ErrPrimaryOwner = fmt.Errorf("superowner: primary owner cannot be revoked: %w", httpx.ErrConflict)
	// ErrPrimaryTaken reports a concurrent writer that already holds the primary slot.
	ErrPrimaryTaken = fmt.Errorf("superowner: another primary owner exists: %w", httpx.ErrConflict)
	// ErrForbidden reports a missing capability.
	ErrForbidden = fmt.Errorf("superowner: %w", httpx.ErrForbidden)
)
