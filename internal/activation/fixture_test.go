package activation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/buildtrack/buildtrack/internal/companies"
	"github.com/buildtrack/buildtrack/internal/notify"
	"github.com/buildtrack/buildtrack/internal/shared"
	"github.com/buildtrack/buildtrack/internal/superowner"
	"github.com/buildtrack/buildtrack/internal/users"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (n *recordingNotifier) Notify(ctx context.Context, note notify.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, note)
}

func (n *recordingNotifier) kinds(to string) []notify.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notify.Kind
	for _, note := range n.sent {
		if note.To == to {
			out = append(out, note.Kind)
		}
	}
	return out
}

func (n *recordingNotifier) find(kind notify.Kind) (notify.Notification, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, note := range n.sent {
		if note.Kind == kind {
			return note, true
		}
	}
	return notify.Notification{}, false
}

type countingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func (m *countingMetrics) ObserveTransition(to string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = make(map[string]int)
	}
	m.counts[to]++
}

func (m *countingMetrics) count(to Status) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[string(to)]
}

type memoryAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *memoryAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

func (a *memoryAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, l := range a.logs {
		out = append(out, l.Action)
	}
	return out
}

type bumpCounter struct {
	mu    sync.Mutex
	bumps map[int64]int
}

func (b *bumpCounter) Bump(ctx context.Context, companyID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bumps == nil {
		b.bumps = make(map[int64]int)
	}
	b.bumps[companyID]++
	return nil
}

func (b *bumpCounter) count(companyID int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bumps[companyID]
}

type staticReviewers []superowner.SuperOwner

func (s staticReviewers) Holders(ctx context.Context, c superowner.Capability) ([]superowner.SuperOwner, error) {
	var out []superowner.SuperOwner
	for _, o := range s {
		if o.Has(c) {
			out = append(out, o)
		}
	}
	return out, nil
}

type staticAccounts map[int64]users.Account

func (s staticAccounts) Get(ctx context.Context, id int64) (users.Account, error) {
	acct, ok := s[id]
	if !ok {
		return users.Account{}, users.ErrNotFound
	}
	return acct, nil
}

const (
	reviewerID    int64 = 900
	reviewerEmail       = "ops@buildtrack.test"
	readOnlyID    int64 = 901
)

type fixture struct {
	repo    *memoryRepo
	notes   *recordingNotifier
	metrics *countingMetrics
	audit   *memoryAudit
	cache   *bumpCounter
	svc     *Service
	clock   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:    newMemoryRepo(),
		notes:   &recordingNotifier{},
		metrics: &countingMetrics{},
		audit:   &memoryAudit{},
		cache:   &bumpCounter{},
		clock:   time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	reviewers := staticReviewers{
		{UserID: reviewerID, IsActive: true, ActivateAccounts: true},
		{UserID: readOnlyID, IsActive: true, ViewAnalytics: true},
	}
	accounts := staticAccounts{
		reviewerID: {User: users.User{ID: reviewerID, Email: reviewerEmail}},
		readOnlyID: {User: users.User{ID: readOnlyID, Email: "analyst@buildtrack.test"}},
	}
	ports := companyPort{svc: companies.NewService(nil, nil, nil, nil), repo: f.repo}
	f.svc = NewService(f.repo, ports, Options{
		Notifier:  f.notes,
		Reviewers: reviewers,
		Accounts:  accounts,
		Audit:     f.audit,
		Metrics:   f.metrics,
		Cache:     f.cache,
	}).WithNow(func() time.Time { return f.clock })
	return f
}

func companyRegistration(email string) SubmitInput {
	return SubmitInput{
		Type:         TypeCompanyRegistration,
		Email:        email,
		FirstName:    "Ada",
		LastName:     "Builder",
		CompanyName:  "Acme Construction",
		CompanyPhone: "+1 555 0100",
	}
}

func (f *fixture) submit(t *testing.T, in SubmitInput) Request {
	t.Helper()
	req, err := f.svc.Submit(context.Background(), in)
	require.NoError(t, err)
	return req
}
