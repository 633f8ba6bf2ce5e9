package companies

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/buildtrack/buildtrack/internal/platform/db"
	"github.com/buildtrack/buildtrack/internal/rbac"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Company, error)
	GetBySlug(ctx context.Context, slug string) (Company, error)
	List(ctx context.Context, filter ListFilter, limit, offset int) ([]Company, int, error)
}

// TxRepository exposes transactional operations. It carries the rbac writes
// so a company, its default roles and its first admin land in one transaction.
// The activation workflow provisions companies through it.
type TxRepository interface {
	rbac.TxRepository
	CreateCompany(ctx context.Context, c Company) (Company, error)
	LockCompany(ctx context.Context, id int64) (Company, error)
	CountDependents(ctx context.Context, id int64) (Dependents, error)
	DeleteCompany(ctx context.Context, id int64) error
}

// Dependents counts the rows a company delete cascades to.
type Dependents struct {
	Roles       int `json:"roles"`
	Memberships int `json:"memberships"`
}

// Repository provides postgres-backed persistence for companies.
type Repository struct {
	*queries
	pool *pgxpool.Pool
}

type queries struct {
	db db.Querier
}

type txQueries struct {
	*queries
	rbac.TxRepository
}

// NewRepository constructs a repository bound to the pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{queries: &queries{db: pool}, pool: pool}
}

// NewTxRepository binds the transactional operations to an open transaction.
func NewTxRepository(q db.Querier) TxRepository {
	return txQueries{queries: &queries{db: q}, TxRepository: rbac.NewTxRepository(q)}
}

// WithTx wraps callback in a read-committed transaction; see db.LockingTx.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, NewTxRepository(tx))
	})
}

const companyColumns = `id, name, slug, description, email, phone, address, website, registration_number,
subscription_type, subscription_ends_at, timezone, currency, is_active, created_at, updated_at`

func (q *queries) Get(ctx context.Context, id int64) (Company, error) {
	return q.one(ctx, `SELECT `+companyColumns+` FROM companies WHERE id = $1`, id)
}

func (q *queries) GetBySlug(ctx context.Context, slug string) (Company, error) {
	return q.one(ctx, `SELECT `+companyColumns+` FROM companies WHERE slug = $1`, slug)
}

func (q *queries) LockCompany(ctx context.Context, id int64) (Company, error) {
	return q.one(ctx, `SELECT `+companyColumns+` FROM companies WHERE id = $1 FOR UPDATE`, id)
}

func (q *queries) one(ctx context.Context, sql string, arg any) (Company, error) {
	c, err := scanCompany(q.db.QueryRow(ctx, sql, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Company{}, ErrNotFound
		}
		return Company{}, err
	}
	return c, nil
}

// List returns a page of companies ordered by name and the unpaged total.
func (q *queries) List(ctx context.Context, filter ListFilter, limit, offset int) ([]Company, int, error) {
	var (
		conds []string
		args  []any
	)
	if filter.ActiveOnly {
		conds = append(conds, "is_active")
	}
	if s := strings.TrimSpace(filter.Search); s != "" {
		args = append(args, "%"+s+"%")
		conds = append(conds, fmt.Sprintf("(name ILIKE $%d OR slug ILIKE $%d)", len(args), len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := q.db.QueryRow(ctx, `SELECT COUNT(*) FROM companies`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, limit, offset)
	rows, err := q.db.Query(ctx, fmt.Sprintf(`SELECT %s FROM companies%s ORDER BY name, id LIMIT $%d OFFSET $%d`,
		companyColumns, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Company, error) { return scanCompany(row) })
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// CreateCompany inserts the company. A taken slug maps to ErrDuplicate.
func (q *queries) CreateCompany(ctx context.Context, c Company) (Company, error) {
	err := q.db.QueryRow(ctx, `INSERT INTO companies (name, slug, description, email, phone, address, website,
registration_number, subscription_type, subscription_ends_at, timezone, currency, is_active)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
RETURNING id, created_at, updated_at`,
		c.Name, c.Slug, c.Description, c.Email, c.Phone, c.Address, c.Website, c.RegistrationNumber,
		string(c.SubscriptionType), c.SubscriptionEndsAt, c.Timezone, c.Currency, c.IsActive,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Company{}, fmt.Errorf("%w: slug %q", ErrDuplicate, c.Slug)
		}
		return Company{}, err
	}
	return c, nil
}

func (q *queries) CountDependents(ctx context.Context, id int64) (Dependents, error) {
	var d Dependents
	err := q.db.QueryRow(ctx, `SELECT
(SELECT COUNT(*) FROM roles WHERE company_id = $1),
(SELECT COUNT(*) FROM memberships WHERE company_id = $1)`, id).Scan(&d.Roles, &d.Memberships)
	return d, err
}

// DeleteCompany removes the company. Roles and memberships go with it through
// ON DELETE CASCADE; user_profiles.last_company_id is set to NULL.
func (q *queries) DeleteCompany(ctx context.Context, id int64) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM companies WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanCompany(row pgx.Row) (Company, error) {
	var (
		c   Company
		sub string
	)
	err := row.Scan(&c.ID, &c.Name, &c.Slug, &c.Description, &c.Email, &c.Phone, &c.Address, &c.Website,
		&c.RegistrationNumber, &sub, &c.SubscriptionEndsAt, &c.Timezone, &c.Currency, &c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	c.SubscriptionType = SubscriptionType(sub)
	return c, err
}
