package superowner

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/buildtrack/buildtrack/internal/platform/db"
)

// primaryLockKey serializes every super owner write through
// pg_advisory_xact_lock so the primary-owner singleton holds.
const primaryLockKey int64 = 0x5355504f574e

// primaryIndex backs the singleton in the schema.
const primaryIndex = "super_owners_single_primary"

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (SuperOwner, error)
	GetByUser(ctx context.Context, userID int64) (SuperOwner, error)
	List(ctx context.Context) ([]SuperOwner, error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	LockSingleton(ctx context.Context) error
	DemoteOtherPrimaries(ctx context.Context, keepUserID int64) ([]int64, error)
	Upsert(ctx context.Context, o SuperOwner) (SuperOwner, error)
	ReplaceAllowedCompanies(ctx context.Context, ownerID int64, companyIDs []int64) error
	LockByID(ctx context.Context, id int64) (SuperOwner, error)
	SetActive(ctx context.Context, id int64, active bool) error
}

// Repository provides postgres-backed persistence for super owners.
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

// WithTx wraps callback in a read-committed transaction; see db.LockingTx.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &queries{db: tx})
	})
}

const ownerColumns = `id, user_id, is_primary_owner, delegation_level, can_manage_companies, can_manage_users,
can_activate_accounts, can_access_admin_panel, can_delegate_permissions, can_manage_billing, can_view_analytics,
ARRAY(SELECT company_id FROM super_owner_companies c WHERE c.super_owner_id = super_owners.id ORDER BY company_id),
is_active, created_by, created_at, updated_at`

func (q *queries) Get(ctx context.Context, id int64) (SuperOwner, error) {
	return q.one(ctx, `SELECT `+ownerColumns+` FROM super_owners WHERE id = $1`, id)
}

func (q *queries) GetByUser(ctx context.Context, userID int64) (SuperOwner, error) {
	return q.one(ctx, `SELECT `+ownerColumns+` FROM super_owners WHERE user_id = $1`, userID)
}

func (q *queries) LockByID(ctx context.Context, id int64) (SuperOwner, error) {
	return q.one(ctx, `SELECT `+ownerColumns+` FROM super_owners WHERE id = $1 FOR UPDATE`, id)
}

func (q *queries) one(ctx context.Context, sql string, arg any) (SuperOwner, error) {
	o, err := scanOwner(q.db.QueryRow(ctx, sql, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SuperOwner{}, ErrNotFound
		}
		return SuperOwner{}, err
	}
	return o, nil
}

// List returns every super owner, primary first.
func (q *queries) List(ctx context.Context) ([]SuperOwner, error) {
	rows, err := q.db.Query(ctx, `SELECT `+ownerColumns+` FROM super_owners ORDER BY is_primary_owner DESC, id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (SuperOwner, error) { return scanOwner(row) })
}

func (q *queries) LockSingleton(ctx context.Context) error {
	_, err := q.db.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, primaryLockKey)
	return err
}

// DemoteOtherPrimaries clears the primary flag everywhere except keepUserID
// and returns the demoted user ids.
func (q *queries) DemoteOtherPrimaries(ctx context.Context, keepUserID int64) ([]int64, error) {
	rows, err := q.db.Query(ctx, `UPDATE super_owners SET is_primary_owner = FALSE, updated_at = NOW()
WHERE is_primary_owner AND user_id <> $1 RETURNING user_id`, keepUserID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

// Upsert inserts the owner or rewrites the row for the same user.
func (q *queries) Upsert(ctx context.Context, o SuperOwner) (SuperOwner, error) {
	err := q.db.QueryRow(ctx, `INSERT INTO super_owners (user_id, is_primary_owner, delegation_level, can_manage_companies,
can_manage_users, can_activate_accounts, can_access_admin_panel, can_delegate_permissions, can_manage_billing,
can_view_analytics, is_active, created_by)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (user_id) DO UPDATE SET is_primary_owner = EXCLUDED.is_primary_owner,
delegation_level = EXCLUDED.delegation_level, can_manage_companies = EXCLUDED.can_manage_companies,
can_manage_users = EXCLUDED.can_manage_users, can_activate_accounts = EXCLUDED.can_activate_accounts,
can_access_admin_panel = EXCLUDED.can_access_admin_panel, can_delegate_permissions = EXCLUDED.can_delegate_permissions,
can_manage_billing = EXCLUDED.can_manage_billing, can_view_analytics = EXCLUDED.can_view_analytics,
is_active = EXCLUDED.is_active, updated_at = NOW()
RETURNING id, created_by, created_at, updated_at`,
		o.UserID, o.IsPrimaryOwner, string(o.DelegationLevel), o.ManageCompanies, o.ManageUsers, o.ActivateAccounts,
		o.AccessAdminPanel, o.DelegatePermissions, o.ManageBilling, o.ViewAnalytics, o.IsActive, o.CreatedBy,
	).Scan(&o.ID, &o.CreatedBy, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if db.IsForeignKeyViolation(err) {
			return SuperOwner{}, ErrNotFound
		}
		if db.IsUniqueViolation(err) && db.ConstraintName(err) == primaryIndex {
			return SuperOwner{}, ErrPrimaryTaken
		}
		return SuperOwner{}, err
	}
	return o, nil
}

func (q *queries) ReplaceAllowedCompanies(ctx context.Context, ownerID int64, companyIDs []int64) error {
	if _, err := q.db.Exec(ctx, `DELETE FROM super_owner_companies WHERE super_owner_id = $1`, ownerID); err != nil {
		return err
	}
	if len(companyIDs) == 0 {
		return nil
	}
	_, err := q.db.Exec(ctx, `INSERT INTO super_owner_companies (super_owner_id, company_id)
SELECT $1, unnest($2::bigint[]) ON CONFLICT DO NOTHING`, ownerID, companyIDs)
	if db.IsForeignKeyViolation(err) {
		return ErrValidation
	}
	return err
}

func (q *queries) SetActive(ctx context.Context, id int64, active bool) error {
	tag, err := q.db.Exec(ctx, `UPDATE super_owners SET is_active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanOwner(row pgx.Row) (SuperOwner, error) {
	var (
		o     SuperOwner
		level string
	)
	err := row.Scan(&o.ID, &o.UserID, &o.IsPrimaryOwner, &level, &o.ManageCompanies, &o.ManageUsers,
		&o.ActivateAccounts, &o.AccessAdminPanel, &o.DelegatePermissions, &o.ManageBilling, &o.ViewAnalytics,
		&o.AllowedCompanies, &o.IsActive, &o.CreatedBy, &o.CreatedAt, &o.UpdatedAt)
	o.DelegationLevel = DelegationLevel(level)
	return o, err
}
