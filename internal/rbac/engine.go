package rbac

import (
	"context"
	"log/slog"
	"sort"
)

// MembershipReader is the read side the engine needs. FindMembership returns
// (nil, nil) when the pair has no membership in any status.
type MembershipReader interface {
	FindMembership(ctx context.Context, userID, companyID int64) (*Membership, error)
	CompanyExists(ctx context.Context, companyID int64) (bool, error)
	UserExists(ctx context.Context, userID int64) (bool, error)
}

// DecisionObserver receives every decision, typically a metrics sink.
type DecisionObserver interface {
	ObserveDecision(kind string, reason Reason)
}

// Reason explains a decision.
type Reason string

const (
	ReasonGranted            Reason = "granted"
	ReasonNoMembership       Reason = "no_membership"
	ReasonInactiveMembership Reason = "inactive_membership"
	ReasonNoRole             Reason = "no_role"
	ReasonMissingPermission  Reason = "missing_permission"
	ReasonMissingStructural  Reason = "missing_structural_role"
)

// Check is a permission question.
type Check struct {
	UserID    int64
	CompanyID int64
	Resource  Resource
	Action    Action
}

// Decision is the engine's answer plus the membership it was based on.
type Decision struct {
	Allowed    bool
	Reason     Reason
	Membership *Membership
}

// Engine answers authorization questions over memberships, roles and permissions.
// It never writes.
type Engine struct {
	store    MembershipReader
	observer DecisionObserver
	logger   *slog.Logger
}

// NewEngine constructs an Engine. observer may be nil.
func NewEngine(store MembershipReader, observer DecisionObserver, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, observer: observer, logger: logger}
}

// Decide evaluates c and explains the outcome. Denials are not errors; only
// an unknown company or user is.
func (e *Engine) Decide(ctx context.Context, c Check) (Decision, error) {
	m, reason, err := e.resolve(ctx, c.UserID, c.CompanyID)
	if err != nil {
		return Decision{}, err
	}
	d := Decision{Reason: reason, Membership: m}
	if reason == "" {
		if m.Role.Grants(Perm(c.Resource, c.Action)) {
			d.Allowed, d.Reason = true, ReasonGranted
		} else {
			d.Reason = ReasonMissingPermission
		}
	}
	e.observe("permission", d.Reason)
	if !d.Allowed {
		e.logger.DebugContext(ctx, "rbac deny",
			slog.Int64("user_id", c.UserID),
			slog.Int64("company_id", c.CompanyID),
			slog.String("permission", Perm(c.Resource, c.Action).String()),
			slog.String("reason", string(d.Reason)))
	}
	return d, nil
}

// HasPermission reports whether user may perform action on resource in company.
func (e *Engine) HasPermission(ctx context.Context, userID, companyID int64, resource Resource, action Action) (bool, error) {
	d, err := e.Decide(ctx, Check{UserID: userID, CompanyID: companyID, Resource: resource, Action: action})
	if err != nil {
		return false, err
	}
	return d.Allowed, nil
}

// HasStructuralRole checks a role flag. Neither it nor HasPermission implies
// the other.
func (e *Engine) HasStructuralRole(ctx context.Context, userID, companyID int64, kind StructuralRole) (bool, error) {
	m, reason, err := e.resolve(ctx, userID, companyID)
	if err != nil {
		return false, err
	}
	if reason == "" {
		if m.Role.HasStructural(kind) {
			reason = ReasonGranted
		} else {
			reason = ReasonMissingStructural
		}
	}
	e.observe(string(kind), reason)
	return reason == ReasonGranted, nil
}

// IsCompanyAdmin is HasStructuralRole(StructuralAdmin).
func (e *Engine) IsCompanyAdmin(ctx context.Context, userID, companyID int64) (bool, error) {
	return e.HasStructuralRole(ctx, userID, companyID, StructuralAdmin)
}

// IsCompanySupervisor is HasStructuralRole(StructuralSupervisor).
func (e *Engine) IsCompanySupervisor(ctx context.Context, userID, companyID int64) (bool, error) {
	return e.HasStructuralRole(ctx, userID, companyID, StructuralSupervisor)
}

// ActiveMembership returns the active membership for the pair, or nil.
func (e *Engine) ActiveMembership(ctx context.Context, userID, companyID int64) (*Membership, error) {
	m, reason, err := e.resolve(ctx, userID, companyID)
	if err != nil {
		return nil, err
	}
	if reason == ReasonNoMembership || reason == ReasonInactiveMembership {
		return nil, nil
	}
	return m, nil
}

// EffectivePermissions returns the sorted "resource.action" set granted to
// the user in the company. Empty without an active, role-bearing membership.
func (e *Engine) EffectivePermissions(ctx context.Context, userID, companyID int64) ([]string, error) {
	m, reason, err := e.resolve(ctx, userID, companyID)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		return []string{}, nil
	}
	out := make([]string, 0, len(m.Role.Permissions))
	for _, p := range m.Role.Permissions {
		out = append(out, p.String())
	}
	sort.Strings(out)
	return out, nil
}

// resolve loads the membership and returns a non-empty reason when it cannot
// grant anything.
func (e *Engine) resolve(ctx context.Context, userID, companyID int64) (*Membership, Reason, error) {
	m, err := e.store.FindMembership(ctx, userID, companyID)
	if err != nil {
		return nil, "", err
	}
	if m == nil {
		if err := e.ensurePair(ctx, userID, companyID); err != nil {
			return nil, "", err
		}
		return nil, ReasonNoMembership, nil
	}
	if !m.IsActive() {
		return m, ReasonInactiveMembership, nil
	}
	if m.Role == nil {
		return m, ReasonNoRole, nil
	}
	return m, "", nil
}

// ensurePair is only consulted on the no-membership path: a membership row
// proves both sides exist.
func (e *Engine) ensurePair(ctx context.Context, userID, companyID int64) error {
	ok, err := e.store.CompanyExists(ctx, companyID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrCompanyNotFound
	}
	ok, err = e.store.UserExists(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUserNotFound
	}
	return nil
}

func (e *Engine) observe(kind string, reason Reason) {
	if e.observer != nil {
		e.observer.ObserveDecision(kind, reason)
	}
}
