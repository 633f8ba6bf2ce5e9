package activation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/buildtrack/buildtrack/internal/companies"
	"github.com/buildtrack/buildtrack/internal/platform/db"
	"github.com/buildtrack/buildtrack/internal/shared"
	"github.com/buildtrack/buildtrack/internal/users"
)

// approvalModule tags this workflow's rows in the shared approvals table.
const approvalModule = "activation"

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id uuid.UUID) (Request, error)
	GetByToken(ctx context.Context, token string) (Request, error)
	List(ctx context.Context, filter ListFilter, limit, offset int) ([]Request, int, error)
	GetDocument(ctx context.Context, id uuid.UUID) (Document, error)
	ListDocuments(ctx context.Context, requestID uuid.UUID) ([]Document, error)
	History(ctx context.Context, requestID uuid.UUID) ([]shared.ApprovalLog, error)
}

// TxRepository exposes transactional operations. Companies and Accounts share
// the transaction so approval provisions atomically.
type TxRepository interface {
	LockEmail(ctx context.Context, email string) error
	HasOpenRequest(ctx context.Context, email string, now time.Time) (bool, error)
	CreateRequest(ctx context.Context, r Request) (Request, error)
	LockRequest(ctx context.Context, id uuid.UUID) (Request, error)
	UpdateRequest(ctx context.Context, r Request) error
	CreateDocument(ctx context.Context, d Document) (Document, error)
	LockDocument(ctx context.Context, id uuid.UUID) (Document, error)
	UpdateDocument(ctx context.Context, d Document) error
	RecordApproval(ctx context.Context, log shared.ApprovalLog) error
	FindRoleID(ctx context.Context, companyID int64, name string) (int64, error)
	Companies() companies.TxRepository
	Accounts() users.TxRepository
}

// Repository provides postgres-backed persistence for activation requests.
type Repository struct {
	*queries
	pool      *pgxpool.Pool
	approvals *shared.ApprovalRecorder
	logger    *slog.Logger
}

type queries struct {
	db db.Querier
}

type txQueries struct {
	*queries
	approvals *shared.ApprovalRecorder
	companies companies.TxRepository
	accounts  users.TxRepository
}

// NewRepository constructs a repository bound to the pool.
func NewRepository(pool *pgxpool.Pool, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{
		queries:   &queries{db: pool},
		pool:      pool,
		approvals: shared.NewApprovalRecorder(pool, logger),
		logger:    logger,
	}
}

// WithTx wraps callback in a read-committed transaction; see db.LockingTx.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txQueries{
			queries:   &queries{db: tx},
			approvals: shared.NewApprovalRecorder(tx, r.logger),
			companies: companies.NewTxRepository(tx),
			accounts:  users.NewTxRepository(tx),
		})
	})
}

// History lists the approval trail of a request, oldest first.
func (r *Repository) History(ctx context.Context, requestID uuid.UUID) ([]shared.ApprovalLog, error) {
	return r.approvals.List(ctx, approvalModule, requestID)
}

func (t *txQueries) Companies() companies.TxRepository { return t.companies }

func (t *txQueries) Accounts() users.TxRepository { return t.accounts }

func (t *txQueries) RecordApproval(ctx context.Context, log shared.ApprovalLog) error {
	log.Module = approvalModule
	return t.approvals.Record(ctx, log)
}

const requestColumns = `id, request_type, status, email, username, first_name, last_name, phone,
company_name, company_description, company_website, company_address, company_registration_number, company_phone,
target_company_id, requested_role, invited_by, reviewed_by, reviewed_at, rejection_reason,
provisioned_user_id, provisioned_company_id, activation_token, expires_at, metadata, created_at, updated_at`

func (q *queries) Get(ctx context.Context, id uuid.UUID) (Request, error) {
	return q.oneRequest(ctx, `SELECT `+requestColumns+` FROM activation_requests WHERE id = $1`, id)
}

func (q *queries) GetByToken(ctx context.Context, token string) (Request, error) {
	return q.oneRequest(ctx, `SELECT `+requestColumns+` FROM activation_requests WHERE activation_token = $1`, token)
}

func (q *queries) LockRequest(ctx context.Context, id uuid.UUID) (Request, error) {
	return q.oneRequest(ctx, `SELECT `+requestColumns+` FROM activation_requests WHERE id = $1 FOR UPDATE`, id)
}

func (q *queries) oneRequest(ctx context.Context, sql string, arg any) (Request, error) {
	r, err := scanRequest(q.db.QueryRow(ctx, sql, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, err
	}
	return r, nil
}

// List returns a page of requests, newest first, and the unpaged total.
func (q *queries) List(ctx context.Context, filter ListFilter, limit, offset int) ([]Request, int, error) {
	var (
		conds []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		conds = append(conds, fmt.Sprintf("request_type = $%d", len(args)))
	}
	if e := strings.TrimSpace(filter.Email); e != "" {
		args = append(args, strings.ToLower(e))
		conds = append(conds, fmt.Sprintf("lower(email) = $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := q.db.QueryRow(ctx, `SELECT COUNT(*) FROM activation_requests`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, limit, offset)
	rows, err := q.db.Query(ctx, fmt.Sprintf(`SELECT %s FROM activation_requests%s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		requestColumns, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Request, error) { return scanRequest(row) })
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// LockEmail serialises submissions for one address until the transaction ends.
func (q *queries) LockEmail(ctx context.Context, email string) error {
	_, err := q.db.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('activation:' || lower($1)))`, email)
	return err
}

// HasOpenRequest reports whether email has a request that is neither terminal
// nor past its expiry.
func (q *queries) HasOpenRequest(ctx context.Context, email string, now time.Time) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx, `SELECT EXISTS (
SELECT 1 FROM activation_requests
WHERE lower(email) = lower($1) AND status IN ('pending', 'documents_required', 'under_review') AND expires_at >= $2)`,
		email, now).Scan(&exists)
	return exists, err
}

func (q *queries) CreateRequest(ctx context.Context, r Request) (Request, error) {
	_, err := q.db.Exec(ctx, `INSERT INTO activation_requests (id, request_type, status, email, username, first_name,
last_name, phone, company_name, company_description, company_website, company_address, company_registration_number,
company_phone, target_company_id, requested_role, invited_by, activation_token, expires_at, metadata, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $21)`,
		r.ID, string(r.Type), string(r.Status), r.Email, r.Username, r.FirstName, r.LastName, r.Phone,
		r.CompanyName, r.CompanyDescription, r.CompanyWebsite, r.CompanyAddress, r.CompanyRegistrationNumber,
		r.CompanyPhone, r.TargetCompanyID, r.RequestedRole, r.InvitedBy, r.Token, r.ExpiresAt, r.Metadata, r.CreatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Request{}, fmt.Errorf("%w: %s", ErrDuplicate, db.ConstraintName(err))
		}
		if db.IsForeignKeyViolation(err) {
			return Request{}, fmt.Errorf("%w: %s", ErrValidation, db.ConstraintName(err))
		}
		return Request{}, err
	}
	r.UpdatedAt = r.CreatedAt
	return r, nil
}

func (q *queries) UpdateRequest(ctx context.Context, r Request) error {
	tag, err := q.db.Exec(ctx, `UPDATE activation_requests SET status = $2, reviewed_by = $3, reviewed_at = $4,
rejection_reason = $5, provisioned_user_id = $6, provisioned_company_id = $7, updated_at = $8 WHERE id = $1`,
		r.ID, string(r.Status), r.ReviewedBy, r.ReviewedAt, r.RejectionReason, r.ProvisionedUserID,
		r.ProvisionedCompanyID, r.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FindRoleID resolves a role by case-insensitive name within a company.
func (q *queries) FindRoleID(ctx context.Context, companyID int64, name string) (int64, error) {
	var id int64
	err := q.db.QueryRow(ctx, `SELECT id FROM roles WHERE company_id = $1 AND lower(name) = lower($2)`,
		companyID, strings.TrimSpace(name)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: role %q not found in company %d", ErrValidation, name, companyID)
	}
	return id, err
}

const documentColumns = `id, request_id, document_type, storage_key, original_filename, file_size, content_type,
description, status, reviewed_by, reviewed_at, review_notes, created_at, updated_at`

func (q *queries) GetDocument(ctx context.Context, id uuid.UUID) (Document, error) {
	return q.oneDocument(ctx, `SELECT `+documentColumns+` FROM activation_documents WHERE id = $1`, id)
}

func (q *queries) LockDocument(ctx context.Context, id uuid.UUID) (Document, error) {
	return q.oneDocument(ctx, `SELECT `+documentColumns+` FROM activation_documents WHERE id = $1 FOR UPDATE`, id)
}

func (q *queries) oneDocument(ctx context.Context, sql string, arg any) (Document, error) {
	d, err := scanDocument(q.db.QueryRow(ctx, sql, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Document{}, ErrNotFound
		}
		return Document{}, err
	}
	return d, nil
}

func (q *queries) ListDocuments(ctx context.Context, requestID uuid.UUID) ([]Document, error) {
	rows, err := q.db.Query(ctx, `SELECT `+documentColumns+` FROM activation_documents
WHERE request_id = $1 ORDER BY created_at DESC, id`, requestID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Document, error) { return scanDocument(row) })
}

func (q *queries) CreateDocument(ctx context.Context, d Document) (Document, error) {
	_, err := q.db.Exec(ctx, `INSERT INTO activation_documents (id, request_id, document_type, storage_key,
original_filename, file_size, content_type, description, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`,
		d.ID, d.RequestID, string(d.Type), d.StorageKey, d.OriginalFilename, d.Size, d.ContentType,
		d.Description, string(d.Status), d.CreatedAt)
	if err != nil {
		return Document{}, err
	}
	d.UpdatedAt = d.CreatedAt
	return d, nil
}

func (q *queries) UpdateDocument(ctx context.Context, d Document) error {
	tag, err := q.db.Exec(ctx, `UPDATE activation_documents SET status = $2, reviewed_by = $3, reviewed_at = $4,
review_notes = $5, updated_at = $6 WHERE id = $1`,
		d.ID, string(d.Status), d.ReviewedBy, d.ReviewedAt, d.ReviewNotes, d.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanRequest(row pgx.Row) (Request, error) {
	var (
		r           Request
		requestType string
		status      string
	)
	err := row.Scan(&r.ID, &requestType, &status, &r.Email, &r.Username, &r.FirstName, &r.LastName, &r.Phone,
		&r.CompanyName, &r.CompanyDescription, &r.CompanyWebsite, &r.CompanyAddress, &r.CompanyRegistrationNumber,
		&r.CompanyPhone, &r.TargetCompanyID, &r.RequestedRole, &r.InvitedBy, &r.ReviewedBy, &r.ReviewedAt,
		&r.RejectionReason, &r.ProvisionedUserID, &r.ProvisionedCompanyID, &r.Token, &r.ExpiresAt, &r.Metadata,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return Request{}, err
	}
	r.Type = RequestType(requestType)
	r.Status = Status(status)
	return r, nil
}

func scanDocument(row pgx.Row) (Document, error) {
	var (
		d       Document
		docType string
		status  string
	)
	err := row.Scan(&d.ID, &d.RequestID, &docType, &d.StorageKey, &d.OriginalFilename, &d.Size, &d.ContentType,
		&d.Description, &status, &d.ReviewedBy, &d.ReviewedAt, &d.ReviewNotes, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return Document{}, err
	}
	d.Type = DocumentType(docType)
	d.Status = DocumentStatus(status)
	return d, nil
}
