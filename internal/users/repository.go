package users

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/buildtrack/buildtrack/internal/platform/db"
)

// TxRepository creates accounts inside a caller-owned transaction.
type TxRepository interface {
	CreateAccount(ctx context.Context, acct Account) (Account, error)
	SetLastCompany(ctx context.Context, userID, companyID int64) error
}

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	*queries
	pool *pgxpool.Pool
}

type queries struct {
	db db.Querier
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{queries: &queries{db: pool}, pool: pool}
}

// NewTxRepository binds the account writes to an open transaction.
func NewTxRepository(q db.Querier) TxRepository {
	return &queries{db: q}
}

const accountColumns = `u.id, u.username, u.email, u.first_name, u.last_name, u.password_hash, u.is_active, u.created_at,
p.account_type, p.phone, p.is_account_active, p.is_verified, p.activated_by, p.activated_at, p.last_company_id`

const accountFrom = ` FROM users u JOIN user_profiles p ON p.user_id = u.id`

// Get fetches the account by user id.
func (q *queries) Get(ctx context.Context, id int64) (Account, error) {
	return q.one(ctx, ` WHERE u.id = $1`, id)
}

// FindByLogin matches a username or an email, case-insensitively.
func (q *queries) FindByLogin(ctx context.Context, login string) (Account, error) {
	return q.one(ctx, ` WHERE lower(u.username) = $1 OR lower(u.email) = $1 ORDER BY u.id LIMIT 1`, strings.ToLower(strings.TrimSpace(login)))
}

func (q *queries) one(ctx context.Context, where string, arg any) (Account, error) {
	acct, err := scanAccount(q.db.QueryRow(ctx, `SELECT `+accountColumns+accountFrom+where, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, err
	}
	return acct, nil
}

// ListByCompany returns accounts holding any membership in the company.
func (q *queries) ListByCompany(ctx context.Context, companyID int64) ([]Account, error) {
	rows, err := q.db.Query(ctx, `SELECT `+accountColumns+accountFrom+`
JOIN memberships m ON m.user_id = u.id WHERE m.company_id = $1 ORDER BY u.username`, companyID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Account, error) { return scanAccount(row) })
}

// CreateAccount inserts the user and its profile. A taken username maps to ErrDuplicate.
func (q *queries) CreateAccount(ctx context.Context, acct Account) (Account, error) {
	u := acct.User
	err := q.db.QueryRow(ctx, `INSERT INTO users (username, email, first_name, last_name, password_hash, is_active)
VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, created_at`,
		u.Username, u.Email, u.FirstName, u.LastName, u.PasswordHash, u.IsActive,
	).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Account{}, fmt.Errorf("%w: username %q", ErrDuplicate, u.Username)
		}
		return Account{}, err
	}
	p := acct.Profile
	p.UserID = u.ID
	_, err = q.db.Exec(ctx, `INSERT INTO user_profiles (user_id, account_type, phone, is_account_active, is_verified,
activated_by, activated_at, last_company_id) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.UserID, string(p.AccountType), p.Phone, p.IsAccountActive, p.IsVerified, p.ActivatedBy, p.ActivatedAt, p.LastCompanyID)
	if err != nil {
		return Account{}, err
	}
	return Account{User: u, Profile: p}, nil
}

// LastCompany returns the user's last selected company, zero when unset.
func (q *queries) LastCompany(ctx context.Context, userID int64) (int64, error) {
	var id *int64
	err := q.db.QueryRow(ctx, `SELECT last_company_id FROM user_profiles WHERE user_id = $1`, userID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) || id == nil {
		return 0, nil
	}
	return *id, err
}

// SetLastCompany records the user's current company.
func (q *queries) SetLastCompany(ctx context.Context, userID, companyID int64) error {
	tag, err := q.db.Exec(ctx, `UPDATE user_profiles SET last_company_id = $2 WHERE user_id = $1`, userID, companyID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AccountActive reports whether the user and its profile are both activated.
func (q *queries) AccountActive(ctx context.Context, userID int64) (bool, error) {
	var ok bool
	err := q.db.QueryRow(ctx, `SELECT u.is_active AND p.is_account_active`+accountFrom+` WHERE u.id = $1`, userID).Scan(&ok)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return ok, err
}

func scanAccount(row pgx.Row) (Account, error) {
	var (
		a           Account
		accountType string
	)
	err := row.Scan(&a.User.ID, &a.User.Username, &a.User.Email, &a.User.FirstName, &a.User.LastName, &a.User.PasswordHash,
		&a.User.IsActive, &a.User.CreatedAt, &accountType, &a.Profile.Phone, &a.Profile.IsAccountActive, &a.Profile.IsVerified,
		&a.Profile.ActivatedBy, &a.Profile.ActivatedAt, &a.Profile.LastCompanyID)
	a.Profile.UserID = a.User.ID
	a.Profile.AccountType = AccountType(accountType)
	return a, err
}
