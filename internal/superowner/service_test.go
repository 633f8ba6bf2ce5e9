package superowner

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildtrack/buildtrack/internal/shared"
)

type memoryRepo struct {
	mu     sync.Mutex
	owners map[int64]SuperOwner
	nextID int64
	locks  int
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{owners: make(map[int64]SuperOwner)}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := make(map[int64]SuperOwner, len(r.owners))
	for id, o := range r.owners {
		snapshot[id] = o
	}
	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		r.owners = snapshot
		return err
	}
	return nil
}

func (r *memoryRepo) Get(ctx context.Context, id int64) (SuperOwner, error) {
	o, ok := r.owners[id]
	if !ok {
		return SuperOwner{}, ErrNotFound
	}
	return o, nil
}

func (r *memoryRepo) GetByUser(ctx context.Context, userID int64) (SuperOwner, error) {
	for _, o := range r.owners {
		if o.UserID == userID {
			return o, nil
		}
	}
	return SuperOwner{}, ErrNotFound
}

func (r *memoryRepo) List(ctx context.Context) ([]SuperOwner, error) {
	var out []SuperOwner
	for id := int64(1); id <= r.nextID; id++ {
		if o, ok := r.owners[id]; ok {
			out = append(out, o)
		}
	}
	return out, nil
}

func (tx *memoryTx) LockSingleton(ctx context.Context) error {
	tx.repo.locks++
	return nil
}

func (tx *memoryTx) DemoteOtherPrimaries(ctx context.Context, keepUserID int64) ([]int64, error) {
	var demoted []int64
	for id, o := range tx.repo.owners {
		if o.IsPrimaryOwner && o.UserID != keepUserID {
			o.IsPrimaryOwner = false
			tx.repo.owners[id] = o
			demoted = append(demoted, o.UserID)
		}
	}
	return demoted, nil
}

func (tx *memoryTx) Upsert(ctx context.Context, o SuperOwner) (SuperOwner, error) {
	if existing, err := tx.repo.GetByUser(ctx, o.UserID); err == nil {
		o.ID = existing.ID
		o.CreatedBy = existing.CreatedBy
	} else {
		tx.repo.nextID++
		o.ID = tx.repo.nextID
	}
	tx.repo.owners[o.ID] = o
	return o, nil
}

func (tx *memoryTx) ReplaceAllowedCompanies(ctx context.Context, ownerID int64, companyIDs []int64) error {
	o, ok := tx.repo.owners[ownerID]
	if !ok {
		return ErrNotFound
	}
	o.AllowedCompanies = slices.Clone(companyIDs)
	tx.repo.owners[ownerID] = o
	return nil
}

func (tx *memoryTx) LockByID(ctx context.Context, id int64) (SuperOwner, error) {
	return tx.repo.Get(ctx, id)
}

func (tx *memoryTx) SetActive(ctx context.Context, id int64, active bool) error {
	o, ok := tx.repo.owners[id]
	if !ok {
		return ErrNotFound
	}
	o.IsActive = active
	tx.repo.owners[id] = o
	return nil
}

func newTestService(repo *memoryRepo) (*Service, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return NewService(repo, logger), &buf
}

func TestSavingSecondPrimaryKeepsSingleton(t *testing.T) {
	repo := newMemoryRepo()
	svc, logs := newTestService(repo)
	ctx := context.Background()

	a, err := svc.Save(ctx, SuperOwner{UserID: 10, IsPrimaryOwner: true, IsActive: true})
	require.NoError(t, err)
	b, err := svc.Save(ctx, SuperOwner{UserID: 20, IsPrimaryOwner: true, DelegationLevel: LevelReadOnly, IsActive: true})
	require.NoError(t, err)

	all, err := svc.List(ctx)
	require.NoError(t, err)
	var primaries []SuperOwner
	for _, o := range all {
		if o.IsPrimaryOwner {
			primaries = append(primaries, o)
		}
	}
	require.Len(t, primaries, 1)
	assert.Equal(t, b.ID, primaries[0].ID)
	assert.Equal(t, LevelFull, primaries[0].DelegationLevel)
	assert.ElementsMatch(t, AllCapabilities(), primaries[0].Capabilities())

	demotedA, err := svc.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, demotedA.IsPrimaryOwner)

	assert.Contains(t, logs.String(), "superowner primary demoted")
	assert.Contains(t, logs.String(), "superowner primary rights forced")
	assert.Equal(t, 2, repo.locks)
}

func TestSaveDelegatedOwner(t *testing.T) {
	repo := newMemoryRepo()
	svc, logs := newTestService(repo)
	ctx := context.Background()

	o, err := svc.Save(ctx, SuperOwner{
		UserID:           30,
		DelegationLevel:  LevelCompanyManagement,
		ManageCompanies:  true,
		ActivateAccounts: true,
		AllowedCompanies: []int64{5, 3, 5, 0},
		IsActive:         true,
	})
	require.NoError(t, err)
	assert.False(t, o.IsPrimaryOwner)
	assert.Equal(t, []int64{3, 5}, o.AllowedCompanies)
	assert.Equal(t, []Capability{CapManageCompanies, CapActivateAccounts}, o.Capabilities())
	assert.Empty(t, logs.String())

	_, err = svc.Save(ctx, SuperOwner{UserID: 31, DelegationLevel: "god_mode"})
	require.ErrorIs(t, err, ErrValidation)
}

func TestCanManageCompany(t *testing.T) {
	scoped := SuperOwner{ManageCompanies: true, IsActive: true, AllowedCompanies: []int64{1, 2}}
	assert.True(t, scoped.CanManageCompany(1))
	assert.False(t, scoped.CanManageCompany(3))
	assert.Equal(t, []int64{2}, scoped.ManageableCompanies([]int64{2, 3, 4}))

	unscoped := SuperOwner{ManageCompanies: true, IsActive: true}
	assert.True(t, unscoped.CanManageCompany(99))

	noFlag := SuperOwner{IsActive: true, AllowedCompanies: []int64{1}}
	assert.False(t, noFlag.CanManageCompany(1))
	assert.Empty(t, noFlag.ManageableCompanies([]int64{1}))

	inactive := SuperOwner{ManageCompanies: true}
	assert.False(t, inactive.CanManageCompany(1))
}

func TestDeactivateAndIsSuperOwner(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo)
	ctx := context.Background()
	primary, err := svc.Save(ctx, SuperOwner{UserID: 1, IsPrimaryOwner: true})
	require.NoError(t, err)
	delegate, err := svc.Save(ctx, SuperOwner{UserID: 2, ActivateAccounts: true, IsActive: true})
	require.NoError(t, err)

	ok, err := svc.IsSuperOwner(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok, "primary is forced active")

	require.ErrorIs(t, svc.Deactivate(ctx, primary.ID), ErrPrimaryOwner)
	require.NoError(t, svc.Deactivate(ctx, delegate.ID))

	ok, err = svc.IsSuperOwner(ctx, 2)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = svc.IsSuperOwner(ctx, 3)
	require.NoError(t, err)
	assert.False(t, ok)

	holders, err := svc.Holders(ctx, CapActivateAccounts)
	require.NoError(t, err)
	require.Len(t, holders, 1)
	assert.Equal(t, int64(1), holders[0].UserID)
}

func TestSetAllowedCompanies(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo)
	ctx := context.Background()
	o, err := svc.Save(ctx, SuperOwner{UserID: 4, ManageCompanies: true, IsActive: true})
	require.NoError(t, err)

	updated, err := svc.SetAllowedCompanies(ctx, o.ID, []int64{9})
	require.NoError(t, err)
	assert.Equal(t, []int64{9}, updated.AllowedCompanies)

	ok, err := svc.CanManageCompany(ctx, 4, 8)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = svc.SetAllowedCompanies(ctx, 999, nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestManagesCompaniesNeedsTheFlag(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo)
	ctx := context.Background()
	_, err := svc.Save(ctx, SuperOwner{UserID: 5, DelegationLevel: LevelReadOnly, IsActive: true})
	require.NoError(t, err)
	_, err = svc.Save(ctx, SuperOwner{UserID: 6, ManageCompanies: true, IsActive: true, AllowedCompanies: []int64{2}})
	require.NoError(t, err)

	ok, err := svc.ManagesCompanies(ctx, 5)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = svc.ManagesCompanies(ctx, 6)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = svc.ManagesCompanies(ctx, 404)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRequireCapability(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo)
	ctx := context.Background()
	_, err := svc.Save(ctx, SuperOwner{UserID: 1, ActivateAccounts: true, IsActive: true})
	require.NoError(t, err)
	_, err = svc.Save(ctx, SuperOwner{UserID: 2, ViewAnalytics: true, IsActive: true})
	require.NoError(t, err)

	var seen SuperOwner
	h := RequireCapability(svc, nil, CapActivateAccounts)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = OwnerFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func(userID int64) int {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		if userID > 0 {
			req = req.WithContext(shared.ContextWithUserID(req.Context(), userID))
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, do(0))
	assert.Equal(t, http.StatusForbidden, do(2))
	assert.Equal(t, http.StatusForbidden, do(3))
	assert.Equal(t, http.StatusNoContent, do(1))
	assert.Equal(t, int64(1), seen.UserID)
}
