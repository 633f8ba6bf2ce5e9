package activation

import (
	"context"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/buildtrack/buildtrack/internal/companies"
	"github.com/buildtrack/buildtrack/internal/rbac"
	"github.com/buildtrack/buildtrack/internal/shared"
	"github.com/buildtrack/buildtrack/internal/users"
)

// memoryRepo serialises transactions behind one mutex, which stands in for
// the row lock taken by LockRequest.
type memoryRepo struct {
	mu          sync.Mutex
	requests    map[uuid.UUID]Request
	documents   map[uuid.UUID]Document
	approvals   []shared.ApprovalLog
	companies   map[int64]companies.Company
	roles       map[int64]rbac.Role
	memberships map[int64]rbac.Membership
	accounts    map[int64]users.Account
	nextID      int64
	writes      int
}

type memoryTx struct {
	repo *memoryRepo
}

type memoryCompanies struct {
	rbac.TxRepository
	repo *memoryRepo
}

type memoryAccounts struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		requests:    make(map[uuid.UUID]Request),
		documents:   make(map[uuid.UUID]Document),
		companies:   make(map[int64]companies.Company),
		roles:       make(map[int64]rbac.Role),
		memberships: make(map[int64]rbac.Membership),
		accounts:    make(map[int64]users.Account),
	}
}

func (r *memoryRepo) id() int64 {
	r.nextID++
	return r.nextID
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	requests := maps.Clone(r.requests)
	documents := maps.Clone(r.documents)
	approvals := slices.Clone(r.approvals)
	comps := maps.Clone(r.companies)
	roles := maps.Clone(r.roles)
	memberships := maps.Clone(r.memberships)
	accounts := maps.Clone(r.accounts)
	writes := r.writes
	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		r.requests, r.documents, r.approvals = requests, documents, approvals
		r.companies, r.roles, r.memberships, r.accounts = comps, roles, memberships, accounts
		r.writes = writes
		return err
	}
	return nil
}

func (r *memoryRepo) Get(ctx context.Context, id uuid.UUID) (Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	return req, nil
}

func (r *memoryRepo) GetByToken(ctx context.Context, token string) (Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, req := range r.requests {
		if req.Token == token {
			return req, nil
		}
	}
	return Request{}, ErrNotFound
}

func (r *memoryRepo) List(ctx context.Context, filter ListFilter, limit, offset int) ([]Request, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []Request
	for _, req := range r.requests {
		if filter.Status != "" && req.Status != filter.Status {
			continue
		}
		if filter.Type != "" && req.Type != filter.Type {
			continue
		}
		if filter.Email != "" && !strings.EqualFold(filter.Email, req.Email) {
			continue
		}
		all = append(all, req)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := min(offset+limit, total)
	return all[offset:end], total, nil
}

func (r *memoryRepo) GetDocument(ctx context.Context, id uuid.UUID) (Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.documents[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return d, nil
}

func (r *memoryRepo) ListDocuments(ctx context.Context, requestID uuid.UUID) ([]Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Document
	for _, d := range r.documents {
		if d.RequestID == requestID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *memoryRepo) History(ctx context.Context, requestID uuid.UUID) ([]shared.ApprovalLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []shared.ApprovalLog
	for _, l := range r.approvals {
		if l.RefID == requestID {
			out = append(out, l)
		}
	}
	return out, nil
}

// counts reports rows created by provisioning.
func (r *memoryRepo) counts() (comps, roles, memberships, accounts int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.companies), len(r.roles), len(r.memberships), len(r.accounts)
}

func (tx *memoryTx) LockEmail(ctx context.Context, email string) error { return nil }

func (tx *memoryTx) HasOpenRequest(ctx context.Context, email string, now time.Time) (bool, error) {
	for _, req := range tx.repo.requests {
		if strings.EqualFold(req.Email, email) && !req.Status.Terminal() && !req.Expired(now) {
			return true, nil
		}
	}
	return false, nil
}

func (tx *memoryTx) CreateRequest(ctx context.Context, r Request) (Request, error) {
	tx.repo.writes++
	r.UpdatedAt = r.CreatedAt
	tx.repo.requests[r.ID] = r
	return r, nil
}

func (tx *memoryTx) LockRequest(ctx context.Context, id uuid.UUID) (Request, error) {
	req, ok := tx.repo.requests[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	return req, nil
}

func (tx *memoryTx) UpdateRequest(ctx context.Context, r Request) error {
	if _, ok := tx.repo.requests[r.ID]; !ok {
		return ErrNotFound
	}
	tx.repo.writes++
	tx.repo.requests[r.ID] = r
	return nil
}

func (tx *memoryTx) CreateDocument(ctx context.Context, d Document) (Document, error) {
	tx.repo.writes++
	d.UpdatedAt = d.CreatedAt
	tx.repo.documents[d.ID] = d
	return d, nil
}

func (tx *memoryTx) LockDocument(ctx context.Context, id uuid.UUID) (Document, error) {
	d, ok := tx.repo.documents[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return d, nil
}

func (tx *memoryTx) UpdateDocument(ctx context.Context, d Document) error {
	tx.repo.writes++
	tx.repo.documents[d.ID] = d
	return nil
}

func (tx *memoryTx) RecordApproval(ctx context.Context, log shared.ApprovalLog) error {
	tx.repo.writes++
	log.Module = approvalModule
	log.ID = int64(len(tx.repo.approvals) + 1)
	tx.repo.approvals = append(tx.repo.approvals, log)
	return nil
}

func (tx *memoryTx) FindRoleID(ctx context.Context, companyID int64, name string) (int64, error) {
	for _, role := range tx.repo.roles {
		if role.CompanyID == companyID && strings.EqualFold(role.Name, strings.TrimSpace(name)) {
			return role.ID, nil
		}
	}
	return 0, ErrValidation
}

func (tx *memoryTx) Companies() companies.TxRepository { return &memoryCompanies{repo: tx.repo} }

func (tx *memoryTx) Accounts() users.TxRepository { return &memoryAccounts{repo: tx.repo} }

func (c *memoryCompanies) CreateCompany(ctx context.Context, co companies.Company) (companies.Company, error) {
	for _, existing := range c.repo.companies {
		if existing.Slug == co.Slug {
			return companies.Company{}, companies.ErrDuplicate
		}
	}
	c.repo.writes++
	co.ID = c.repo.id()
	c.repo.companies[co.ID] = co
	return co, nil
}

func (c *memoryCompanies) LockCompany(ctx context.Context, id int64) (companies.Company, error) {
	co, ok := c.repo.companies[id]
	if !ok {
		return companies.Company{}, companies.ErrNotFound
	}
	return co, nil
}

func (c *memoryCompanies) CountDependents(ctx context.Context, id int64) (companies.Dependents, error) {
	return companies.Dependents{}, nil
}

func (c *memoryCompanies) DeleteCompany(ctx context.Context, id int64) error {
	delete(c.repo.companies, id)
	return nil
}

func (c *memoryCompanies) CreateRole(ctx context.Context, role rbac.Role) (rbac.Role, error) {
	c.repo.writes++
	role.ID = c.repo.id()
	c.repo.roles[role.ID] = role
	return role, nil
}

func (c *memoryCompanies) CreateMembership(ctx context.Context, m rbac.Membership) (rbac.Membership, error) {
	for _, existing := range c.repo.memberships {
		if existing.UserID == m.UserID && existing.CompanyID == m.CompanyID {
			return rbac.Membership{}, rbac.ErrDuplicate
		}
	}
	c.repo.writes++
	m.ID = c.repo.id()
	c.repo.memberships[m.ID] = m
	return m, nil
}

func (a *memoryAccounts) CreateAccount(ctx context.Context, acct users.Account) (users.Account, error) {
	for _, existing := range a.repo.accounts {
		if existing.User.Username == acct.User.Username {
			return users.Account{}, users.ErrDuplicate
		}
	}
	a.repo.writes++
	acct.User.ID = a.repo.id()
	acct.Profile.UserID = acct.User.ID
	a.repo.accounts[acct.User.ID] = acct
	return acct, nil
}

func (a *memoryAccounts) SetLastCompany(ctx context.Context, userID, companyID int64) error {
	acct, ok := a.repo.accounts[userID]
	if !ok {
		return users.ErrNotFound
	}
	acct.Profile.LastCompanyID = &companyID
	a.repo.accounts[userID] = acct
	return nil
}

// companyPort validates through the real companies service and resolves
// invitation targets from the memory repo.
type companyPort struct {
	svc  *companies.Service
	repo *memoryRepo
}

func (p companyPort) Prepare(input companies.CreateInput) (companies.Company, error) {
	return p.svc.Prepare(input)
}

func (p companyPort) Get(ctx context.Context, id int64) (companies.Company, error) {
	p.repo.mu.Lock()
	defer p.repo.mu.Unlock()
	co, ok := p.repo.companies[id]
	if !ok {
		return companies.Company{}, companies.ErrNotFound
	}
	return co, nil
}
