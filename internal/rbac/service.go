package rbac

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Invalidator drops cached authorization state for a company.
type Invalidator interface {
	Bump(ctx context.Context, companyID int64) error
}

// ProfilePort exposes the user profile fields membership flows depend on.
type ProfilePort interface {
	LastCompany(ctx context.Context, userID int64) (int64, error)
	SetLastCompany(ctx context.Context, userID, companyID int64) error
	AccountActive(ctx context.Context, userID int64) (bool, error)
}

// Service orchestrates role management and the membership lifecycle.
type Service struct {
	repo     RepositoryPort
	engine   *Engine
	profiles ProfilePort
	cache    Invalidator
	logger   *slog.Logger
	now      func() time.Time
}

// NewService constructs the service. cache may be nil.
func NewService(repo RepositoryPort, engine *Engine, profiles ProfilePort, cache Invalidator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, engine: engine, profiles: profiles, cache: cache, logger: logger, now: time.Now}
}

// WithNow overrides the clock, used by tests.
func (s *Service) WithNow(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// Engine exposes the authorization engine the service was built with.
func (s *Service) Engine() *Engine { return s.engine }

// RoleInput describes a role to create.
type RoleInput struct {
	CompanyID    int64
	Name         string
	Description  string
	IsAdmin      bool
	IsSupervisor bool
	IsTeamMember bool
	Permissions  []Permission
}

// CreateRole inserts a role with a validated permission set.
func (s *Service) CreateRole(ctx context.Context, input RoleInput) (Role, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" || input.CompanyID <= 0 {
		return Role{}, fmt.Errorf("%w: role name and company required", ErrValidation)
	}
	perms, err := normalizePermissions(input.Permissions)
	if err != nil {
		return Role{}, err
	}
	role := Role{
		CompanyID:    input.CompanyID,
		Name:         name,
		Description:  strings.TrimSpace(input.Description),
		IsAdmin:      input.IsAdmin,
		IsSupervisor: input.IsSupervisor,
		IsTeamMember: input.IsTeamMember,
		Permissions:  perms,
	}
	var created Role
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		created, err = tx.CreateRole(ctx, role)
		return err
	})
	if err != nil {
		return Role{}, err
	}
	s.invalidate(ctx, role.CompanyID)
	return created, nil
}

// GetRole fetches a role with its permissions.
func (s *Service) GetRole(ctx context.Context, id int64) (Role, error) {
	return s.repo.GetRole(ctx, id)
}

// ListRoles returns the company's roles.
func (s *Service) ListRoles(ctx context.Context, companyID int64) ([]Role, error) {
	return s.repo.ListRoles(ctx, companyID)
}

// SetRolePermissions replaces the role's permission set.
func (s *Service) SetRolePermissions(ctx context.Context, roleID int64, perms []Permission) error {
	normalized, err := normalizePermissions(perms)
	if err != nil {
		return err
	}
	var companyID int64
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		role, err := tx.LockRole(ctx, roleID)
		if err != nil {
			return err
		}
		companyID = role.CompanyID
		return tx.ReplaceRolePermissions(ctx, roleID, normalized)
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, companyID)
	return nil
}

// RoleFlags carries the mutable role attributes.
type RoleFlags struct {
	Name         string
	Description  string
	IsAdmin      bool
	IsSupervisor bool
	IsTeamMember bool
}

// UpdateRole rewrites name and flags. Clearing is_admin on the company's
// last admin role fails with ErrLastAdminRole.
func (s *Service) UpdateRole(ctx context.Context, roleID int64, flags RoleFlags) (Role, error) {
	name := strings.TrimSpace(flags.Name)
	if name == "" {
		return Role{}, fmt.Errorf("%w: role name required", ErrValidation)
	}
	var updated Role
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		role, err := tx.LockRole(ctx, roleID)
		if err != nil {
			return err
		}
		if role.IsAdmin && !flags.IsAdmin {
			if err := ensureAnotherAdmin(ctx, tx, role); err != nil {
				return err
			}
		}
		role.Name = name
		role.Description = strings.TrimSpace(flags.Description)
		role.IsAdmin = flags.IsAdmin
		role.IsSupervisor = flags.IsSupervisor
		role.IsTeamMember = flags.IsTeamMember
		if err := tx.UpdateRoleFlags(ctx, role); err != nil {
			return err
		}
		updated = role
		return nil
	})
	if err != nil {
		return Role{}, err
	}
	s.invalidate(ctx, updated.CompanyID)
	return updated, nil
}

// DeleteRole removes a role. It is rejected before any row changes when an
// active membership still references the role or when it is the company's
// last admin role.
func (s *Service) DeleteRole(ctx context.Context, roleID int64) error {
	var companyID int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		role, err := tx.LockRole(ctx, roleID)
		if err != nil {
			return err
		}
		companyID = role.CompanyID
		active, err := tx.CountActiveMembershipsForRole(ctx, roleID)
		if err != nil {
			return err
		}
		if active > 0 {
			return fmt.Errorf("%w: %d active", ErrRoleInUse, active)
		}
		if role.IsAdmin {
			if err := ensureAnotherAdmin(ctx, tx, role); err != nil {
				return err
			}
		}
		return tx.DeleteRole(ctx, roleID)
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, companyID)
	return nil
}

func ensureAnotherAdmin(ctx context.Context, tx TxRepository, role Role) error {
	admins, err := tx.LockAdminRoles(ctx, role.CompanyID)
	if err != nil {
		return err
	}
	for _, id := range admins {
		if id != role.ID {
			return nil
		}
	}
	return ErrLastAdminRole
}

// AddMemberInput adds an existing, activated user to a company.
type AddMemberInput struct {
	ActorID   int64
	CompanyID int64
	UserID    int64
	RoleID    *int64
}

// AddMember creates an active membership. The actor must be an admin or
// supervisor of the company.
func (s *Service) AddMember(ctx context.Context, input AddMemberInput) (Membership, error) {
	if err := s.requireManager(ctx, input.ActorID, input.CompanyID); err != nil {
		return Membership{}, err
	}
	if s.profiles != nil {
		active, err := s.profiles.AccountActive(ctx, input.UserID)
		if err != nil {
			return Membership{}, err
		}
		if !active {
			return Membership{}, fmt.Errorf("%w: account not activated", ErrValidation)
		}
	}
	now := s.now()
	actor := input.ActorID
	m := Membership{
		UserID:    input.UserID,
		CompanyID: input.CompanyID,
		RoleID:    input.RoleID,
		Status:    MembershipActive,
		InvitedBy: &actor,
		JoinedAt:  &now,
	}
	return s.createMembership(ctx, m)
}

// InviteInput creates a pending invitation for a user.
type InviteInput struct {
	ActorID   int64
	CompanyID int64
	UserID    int64
	RoleID    *int64
}

// Invite creates an invited membership carrying a one-time token.
func (s *Service) Invite(ctx context.Context, input InviteInput) (Membership, error) {
	if err := s.requireManager(ctx, input.ActorID, input.CompanyID); err != nil {
		return Membership{}, err
	}
	token, err := newInvitationToken()
	if err != nil {
		return Membership{}, err
	}
	actor := input.ActorID
	m := Membership{
		UserID:          input.UserID,
		CompanyID:       input.CompanyID,
		RoleID:          input.RoleID,
		Status:          MembershipInvited,
		InvitedBy:       &actor,
		InvitationToken: token,
	}
	return s.createMembership(ctx, m)
}

func (s *Service) createMembership(ctx context.Context, m Membership) (Membership, error) {
	var created Membership
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if m.RoleID != nil {
			role, err := tx.LockRole(ctx, *m.RoleID)
			if err != nil {
				return err
			}
			if role.CompanyID != m.CompanyID {
				return ErrRoleCompanyMismatch
			}
		}
		var err error
		created, err = tx.CreateMembership(ctx, m)
		return err
	})
	if err != nil {
		return Membership{}, err
	}
	s.invalidate(ctx, m.CompanyID)
	return created, nil
}

// AcceptInvitation activates the invited membership. Only the invited user
// may redeem the token.
func (s *Service) AcceptInvitation(ctx context.Context, token string, userID int64) (Membership, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Membership{}, ErrNotFound
	}
	var accepted Membership
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		m, err := tx.LockMembershipByToken(ctx, token)
		if err != nil {
			return err
		}
		if m.UserID != userID {
			return fmt.Errorf("%w: invitation belongs to another user", ErrForbidden)
		}
		if m.Status != MembershipInvited {
			return fmt.Errorf("%w: %s", ErrInvalidStatus, m.Status)
		}
		now := s.now()
		m.Status = MembershipActive
		m.JoinedAt = &now
		m.InvitationToken = ""
		if err := tx.UpdateMembership(ctx, m); err != nil {
			return err
		}
		accepted = m
		return nil
	})
	if err != nil {
		return Membership{}, err
	}
	s.invalidate(ctx, accepted.CompanyID)
	return accepted, nil
}

// Suspend moves an active membership to suspended.
func (s *Service) Suspend(ctx context.Context, membershipID int64) (Membership, error) {
	return s.transition(ctx, membershipID, MembershipSuspended, MembershipActive)
}

// Reactivate moves a suspended membership back to active.
func (s *Service) Reactivate(ctx context.Context, membershipID int64) (Membership, error) {
	return s.transition(ctx, membershipID, MembershipActive, MembershipSuspended)
}

// Remove marks the membership as left. Rows are never deleted.
func (s *Service) Remove(ctx context.Context, membershipID int64) (Membership, error) {
	return s.transition(ctx, membershipID, MembershipLeft, MembershipActive, MembershipInvited, MembershipSuspended)
}

func (s *Service) transition(ctx context.Context, id int64, to MembershipStatus, from ...MembershipStatus) (Membership, error) {
	var out Membership
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		m, err := tx.LockMembership(ctx, id)
		if err != nil {
			return err
		}
		if !statusIn(m.Status, from) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidStatus, m.Status, to)
		}
		m.Status = to
		if to == MembershipLeft {
			m.InvitationToken = ""
		}
		if err := tx.UpdateMembership(ctx, m); err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return Membership{}, err
	}
	s.invalidate(ctx, out.CompanyID)
	return out, nil
}

// ChangeRole reassigns the membership's role. A nil roleID leaves the member roleless.
func (s *Service) ChangeRole(ctx context.Context, membershipID int64, roleID *int64) (Membership, error) {
	var out Membership
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		m, err := tx.LockMembership(ctx, membershipID)
		if err != nil {
			return err
		}
		if m.Status == MembershipLeft {
			return fmt.Errorf("%w: %s", ErrInvalidStatus, m.Status)
		}
		m.Role = nil
		if roleID != nil {
			role, err := tx.LockRole(ctx, *roleID)
			if err != nil {
				return err
			}
			if role.CompanyID != m.CompanyID {
				return ErrRoleCompanyMismatch
			}
			m.Role = &role
		}
		m.RoleID = roleID
		if err := tx.UpdateMembership(ctx, m); err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return Membership{}, err
	}
	s.invalidate(ctx, out.CompanyID)
	return out, nil
}

// ListMembers returns every membership of the company.
func (s *Service) ListMembers(ctx context.Context, companyID int64) ([]Membership, error) {
	return s.repo.ListMembers(ctx, companyID)
}

// CurrentCompany resolves the tenant a user works in: the last company they
// selected when that membership is still active, else their first active
// membership. Zero means the user belongs nowhere.
func (s *Service) CurrentCompany(ctx context.Context, userID int64) (int64, error) {
	members, err := s.repo.ActiveMemberships(ctx, userID)
	if err != nil {
		return 0, err
	}
	if len(members) == 0 {
		return 0, nil
	}
	if s.profiles != nil {
		last, err := s.profiles.LastCompany(ctx, userID)
		if err != nil {
			return 0, err
		}
		for _, m := range members {
			if m.CompanyID == last {
				return last, nil
			}
		}
	}
	return members[0].CompanyID, nil
}

// SwitchCompany records companyID as the user's current tenant.
func (s *Service) SwitchCompany(ctx context.Context, userID, companyID int64) error {
	m, err := s.engine.ActiveMembership(ctx, userID, companyID)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("%w: no active membership", ErrForbidden)
	}
	if s.profiles == nil {
		return nil
	}
	return s.profiles.SetLastCompany(ctx, userID, companyID)
}

func (s *Service) requireManager(ctx context.Context, actorID, companyID int64) error {
	m, err := s.engine.ActiveMembership(ctx, actorID, companyID)
	if err != nil {
		return err
	}
	if IsCompanyAdmin(m) || IsCompanySupervisor(m) {
		return nil
	}
	return fmt.Errorf("%w: admin or supervisor required", ErrForbidden)
}

func (s *Service) invalidate(ctx context.Context, companyID int64) {
	if s.cache == nil || companyID == 0 {
		return
	}
	if err := s.cache.Bump(ctx, companyID); err != nil {
		s.logger.WarnContext(ctx, "rbac cache bump", slog.Int64("company_id", companyID), slog.Any("error", err))
	}
}

func statusIn(s MembershipStatus, set []MembershipStatus) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}

func newInvitationToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Join(errors.New("rbac: invitation token"), err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
