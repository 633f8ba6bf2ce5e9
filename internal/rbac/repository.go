package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/buildtrack/buildtrack/internal/platform/db"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	MembershipReader
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetRole(ctx context.Context, id int64) (Role, error)
	ListRoles(ctx context.Context, companyID int64) ([]Role, error)
	ListMembers(ctx context.Context, companyID int64) ([]Membership, error)
	ActiveMemberships(ctx context.Context, userID int64) ([]Membership, error)
}

// TxRepository exposes transactional operations. It is also used by the
// activation workflow to seed roles and memberships inside its own transaction.
type TxRepository interface {
	CreateRole(ctx context.Context, role Role) (Role, error)
	ReplaceRolePermissions(ctx context.Context, roleID int64, perms []Permission) error
	UpdateRoleFlags(ctx context.Context, role Role) error
	LockRole(ctx context.Context, id int64) (Role, error)
	LockAdminRoles(ctx context.Context, companyID int64) ([]int64, error)
	CountActiveMembershipsForRole(ctx context.Context, roleID int64) (int, error)
	DeleteRole(ctx context.Context, id int64) error
	CreateMembership(ctx context.Context, m Membership) (Membership, error)
	LockMembership(ctx context.Context, id int64) (Membership, error)
	LockMembershipByToken(ctx context.Context, token string) (Membership, error)
	UpdateMembership(ctx context.Context, m Membership) error
}

// Repository provides postgres-backed persistence for roles and memberships.
type Repository struct {
	*queries
	pool *pgxpool.Pool
}

type queries struct {
	db db.Querier
}

// NewRepository constructs a repository bound to the pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{queries: &queries{db: pool}, pool: pool}
}

// NewTxRepository binds the transactional operations to an open transaction.
func NewTxRepository(q db.Querier) TxRepository {
	return &queries{db: q}
}

// WithTx wraps callback in a read-committed transaction; see db.LockingTx.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &queries{db: tx})
	})
}

const membershipColumns = `m.id, m.user_id, m.company_id, m.role_id, m.status, m.invited_by,
COALESCE(m.invitation_token, ''), m.joined_at, m.created_at, m.updated_at,
r.id, r.company_id, r.name, r.description, r.is_admin, r.is_supervisor, r.is_team_member, r.created_at, r.updated_at`

const membershipFrom = ` FROM memberships m LEFT JOIN roles r ON r.id = m.role_id`

const roleColumns = `id, company_id, name, description, is_admin, is_supervisor, is_team_member, created_at, updated_at`

func (q *queries) FindMembership(ctx context.Context, userID, companyID int64) (*Membership, error) {
	row := q.db.QueryRow(ctx, `SELECT `+membershipColumns+membershipFrom+` WHERE m.user_id = $1 AND m.company_id = $2`, userID, companyID)
	m, err := scanMembership(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := q.loadRolePermissions(ctx, m.Role); err != nil {
		return nil, err
	}
	return &m, nil
}

func (q *queries) CompanyExists(ctx context.Context, companyID int64) (bool, error) {
	var ok bool
	err := q.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM companies WHERE id = $1)`, companyID).Scan(&ok)
	return ok, err
}

func (q *queries) UserExists(ctx context.Context, userID int64) (bool, error) {
	var ok bool
	err := q.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&ok)
	return ok, err
}

// GetRole fetches a role by ID.
func (q *queries) GetRole(ctx context.Context, id int64) (Role, error) {
	role, err := scanRole(q.db.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, ErrNotFound
		}
		return Role{}, err
	}
	if err := q.loadRolePermissions(ctx, &role); err != nil {
		return Role{}, err
	}
	return role, nil
}

// ListRoles returns the company's roles ordered by name.
func (q *queries) ListRoles(ctx context.Context, companyID int64) ([]Role, error) {
	rows, err := q.db.Query(ctx, `SELECT `+roleColumns+` FROM roles WHERE company_id = $1 ORDER BY name`, companyID)
	if err != nil {
		return nil, err
	}
	roles, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Role, error) { return scanRole(row) })
	if err != nil {
		return nil, err
	}
	for i := range roles {
		if err := q.loadRolePermissions(ctx, &roles[i]); err != nil {
			return nil, err
		}
	}
	return roles, nil
}

// ListMembers returns every membership of the company regardless of status.
func (q *queries) ListMembers(ctx context.Context, companyID int64) ([]Membership, error) {
	return q.listMemberships(ctx, ` WHERE m.company_id = $1 ORDER BY m.created_at, m.id`, companyID)
}

// ActiveMemberships returns the user's active memberships, oldest join first.
func (q *queries) ActiveMemberships(ctx context.Context, userID int64) ([]Membership, error) {
	return q.listMemberships(ctx, ` WHERE m.user_id = $1 AND m.status = 'active' ORDER BY m.joined_at NULLS LAST, m.id`, userID)
}

func (q *queries) listMemberships(ctx context.Context, where string, args ...any) ([]Membership, error) {
	rows, err := q.db.Query(ctx, `SELECT `+membershipColumns+membershipFrom+where, args...)
	if err != nil {
		return nil, err
	}
	members, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Membership, error) { return scanMembership(row) })
	if err != nil {
		return nil, err
	}
	loaded := make(map[int64][]Permission)
	for i := range members {
		role := members[i].Role
		if role == nil {
			continue
		}
		if perms, ok := loaded[role.ID]; ok {
			role.Permissions = perms
			continue
		}
		if err := q.loadRolePermissions(ctx, role); err != nil {
			return nil, err
		}
		loaded[role.ID] = role.Permissions
	}
	return members, nil
}

func (q *queries) loadRolePermissions(ctx context.Context, role *Role) error {
	if role == nil {
		return nil
	}
	rows, err := q.db.Query(ctx, `SELECT resource, action FROM role_permissions WHERE role_id = $1 ORDER BY resource, action`, role.ID)
	if err != nil {
		return err
	}
	perms, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Permission, error) {
		var p Permission
		err := row.Scan(&p.Resource, &p.Action)
		return p, err
	})
	if err != nil {
		return err
	}
	role.Permissions = perms
	return nil
}

// CreateRole inserts the role and its permission rows.
func (q *queries) CreateRole(ctx context.Context, role Role) (Role, error) {
	err := q.db.QueryRow(ctx, `INSERT INTO roles (company_id, name, description, is_admin, is_supervisor, is_team_member)
VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, created_at, updated_at`,
		role.CompanyID, role.Name, role.Description, role.IsAdmin, role.IsSupervisor, role.IsTeamMember,
	).Scan(&role.ID, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		return Role{}, mapWriteError(err)
	}
	if err := q.insertPermissions(ctx, role.ID, role.Permissions); err != nil {
		return Role{}, err
	}
	return role, nil
}

func (q *queries) insertPermissions(ctx context.Context, roleID int64, perms []Permission) error {
	if len(perms) == 0 {
		return nil
	}
	resources := make([]string, len(perms))
	actions := make([]string, len(perms))
	for i, p := range perms {
		resources[i] = string(p.Resource)
		actions[i] = string(p.Action)
	}
	_, err := q.db.Exec(ctx, `INSERT INTO role_permissions (role_id, resource, action)
SELECT $1, r, a FROM unnest($2::text[], $3::text[]) AS t(r, a)
ON CONFLICT DO NOTHING`, roleID, resources, actions)
	return err
}

// ReplaceRolePermissions swaps the full permission set of a role.
func (q *queries) ReplaceRolePermissions(ctx context.Context, roleID int64, perms []Permission) error {
	if _, err := q.db.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
		return err
	}
	if err := q.insertPermissions(ctx, roleID, perms); err != nil {
		return err
	}
	_, err := q.db.Exec(ctx, `UPDATE roles SET updated_at = NOW() WHERE id = $1`, roleID)
	return err
}

func (q *queries) UpdateRoleFlags(ctx context.Context, role Role) error {
	tag, err := q.db.Exec(ctx, `UPDATE roles SET name = $2, description = $3, is_admin = $4, is_supervisor = $5,
is_team_member = $6, updated_at = NOW() WHERE id = $1`,
		role.ID, role.Name, role.Description, role.IsAdmin, role.IsSupervisor, role.IsTeamMember)
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *queries) LockRole(ctx context.Context, id int64) (Role, error) {
	role, err := scanRole(q.db.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, ErrNotFound
		}
		return Role{}, err
	}
	return role, nil
}

// LockAdminRoles locks and returns the ids of the company's admin roles so
// concurrent admin-role removals serialize.
func (q *queries) LockAdminRoles(ctx context.Context, companyID int64) ([]int64, error) {
	rows, err := q.db.Query(ctx, `SELECT id FROM roles WHERE company_id = $1 AND is_admin ORDER BY id FOR UPDATE`, companyID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (q *queries) CountActiveMembershipsForRole(ctx context.Context, roleID int64) (int, error) {
	var n int
	err := q.db.QueryRow(ctx, `SELECT COUNT(*) FROM memberships WHERE role_id = $1 AND status = 'active'`, roleID).Scan(&n)
	return n, err
}

func (q *queries) DeleteRole(ctx context.Context, id int64) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *queries) CreateMembership(ctx context.Context, m Membership) (Membership, error) {
	var token *string
	if m.InvitationToken != "" {
		token = &m.InvitationToken
	}
	err := q.db.QueryRow(ctx, `INSERT INTO memberships (user_id, company_id, role_id, status, invited_by, invitation_token, joined_at)
VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id, created_at, updated_at`,
		m.UserID, m.CompanyID, m.RoleID, string(m.Status), m.InvitedBy, token, m.JoinedAt,
	).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return Membership{}, mapWriteError(err)
	}
	return m, nil
}

func (q *queries) LockMembership(ctx context.Context, id int64) (Membership, error) {
	return q.lockMembership(ctx, `m.id = $1`, id)
}

func (q *queries) LockMembershipByToken(ctx context.Context, token string) (Membership, error) {
	return q.lockMembership(ctx, `m.invitation_token = $1`, token)
}

func (q *queries) lockMembership(ctx context.Context, cond string, arg any) (Membership, error) {
	m, err := scanMembership(q.db.QueryRow(ctx, `SELECT `+membershipColumns+membershipFrom+` WHERE `+cond+` FOR UPDATE OF m`, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Membership{}, ErrNotFound
		}
		return Membership{}, err
	}
	return m, nil
}

func (q *queries) UpdateMembership(ctx context.Context, m Membership) error {
	var token *string
	if m.InvitationToken != "" {
		token = &m.InvitationToken
	}
	tag, err := q.db.Exec(ctx, `UPDATE memberships SET user_id = $2, role_id = $3, status = $4, invitation_token = $5,
joined_at = $6, updated_at = NOW() WHERE id = $1`, m.ID, m.UserID, m.RoleID, string(m.Status), token, m.JoinedAt)
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanRole(row pgx.Row) (Role, error) {
	var r Role
	err := row.Scan(&r.ID, &r.CompanyID, &r.Name, &r.Description, &r.IsAdmin, &r.IsSupervisor, &r.IsTeamMember, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

func scanMembership(row pgx.Row) (Membership, error) {
	var (
		m                             Membership
		status                        string
		roleID, roleCompany           *int64
		roleName, roleDesc            *string
		isAdmin, isSupervisor, isTeam *bool
		roleCreated, roleUpdated      *time.Time
	)
	err := row.Scan(&m.ID, &m.UserID, &m.CompanyID, &m.RoleID, &status, &m.InvitedBy, &m.InvitationToken, &m.JoinedAt, &m.CreatedAt, &m.UpdatedAt,
		&roleID, &roleCompany, &roleName, &roleDesc, &isAdmin, &isSupervisor, &isTeam, &roleCreated, &roleUpdated)
	if err != nil {
		return Membership{}, err
	}
	m.Status = MembershipStatus(status)
	if roleID != nil {
		m.Role = &Role{
			ID:           *roleID,
			CompanyID:    *roleCompany,
			Name:         *roleName,
			Description:  *roleDesc,
			IsAdmin:      *isAdmin,
			IsSupervisor: *isSupervisor,
			IsTeamMember: *isTeam,
			CreatedAt:    *roleCreated,
			UpdatedAt:    *roleUpdated,
		}
	}
	return m, nil
}

func mapWriteError(err error) error {
	switch {
	case db.IsUniqueViolation(err):
		return fmt.Errorf("%w: %s", ErrDuplicate, db.ConstraintName(err))
	case db.IsForeignKeyViolation(err):
		return fmt.Errorf("%w: %s", ErrNotFound, db.ConstraintName(err))
	default:
		return err
	}
}
