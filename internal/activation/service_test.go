package activation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildtrack/buildtrack/internal/companies"
	"github.com/buildtrack/buildtrack/internal/notify"
	"github.com/buildtrack/buildtrack/internal/platform/httpx"
	"github.com/buildtrack/buildtrack/internal/rbac"
	"github.com/buildtrack/buildtrack/internal/shared"
	"github.com/buildtrack/buildtrack/internal/users"
)

func (f *fixture) setStatus(t *testing.T, req Request, status Status) {
	t.Helper()
	f.repo.mu.Lock()
	defer f.repo.mu.Unlock()
	stored := f.repo.requests[req.ID]
	stored.Status = status
	f.repo.requests[req.ID] = stored
}

func (f *fixture) stored(t *testing.T, req Request) Request {
	t.Helper()
	out, err := f.repo.Get(context.Background(), req.ID)
	require.NoError(t, err)
	return out
}

func historyActions(t *testing.T, f *fixture, req Request) []shared.ApprovalAction {
	t.Helper()
	logs, err := f.svc.History(context.Background(), req.ID)
	require.NoError(t, err)
	var out []shared.ApprovalAction
	for _, l := range logs {
		out = append(out, l.Action)
	}
	return out
}

func TestSubmitRecordsRequestAndNotifies(t *testing.T) {
	f := newFixture(t)
	req := f.submit(t, companyRegistration(" Ada@Example.com "))

	assert.Equal(t, StatusPending, req.Status)
	assert.Equal(t, "ada@example.com", req.Email)
	assert.Len(t, req.Token, 43)
	assert.Equal(t, f.clock.Add(30*24*time.Hour), req.ExpiresAt)
	assert.Equal(t, []shared.ApprovalAction{shared.ApprovalSubmit}, historyActions(t, f, req))
	assert.Equal(t, []string{"activation.submit"}, f.audit.actions())

	assert.Equal(t, []notify.Kind{notify.KindRequestSubmitted}, f.notes.kinds("ada@example.com"))
	assert.Equal(t, []notify.Kind{notify.KindSuperOwnerNewRequest}, f.notes.kinds(reviewerEmail))
	assert.Empty(t, f.notes.kinds("analyst@buildtrack.test"))
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)
	target := int64(4242)
	person := func(typ RequestType) SubmitInput {
		return SubmitInput{Type: typ, Email: "a@example.com", FirstName: "A", LastName: "B"}
	}
	noSlug := companyRegistration("a@example.com")
	noSlug.CompanyName = "!!!"
	badEmail := person(TypeUserRegistration)
	badEmail.Email = "not-an-email"
	noTarget := person(TypeUserInvitation)
	noTarget.RequestedRole = "Employee"
	noRole := person(TypeUserInvitation)
	noRole.TargetCompanyID = &target
	unknownFirm := noRole
	unknownFirm.RequestedRole = "Employee"

	cases := map[string]SubmitInput{
		"missing company name":    person(TypeCompanyRegistration),
		"company name no slug":    noSlug,
		"bad email":               badEmail,
		"unknown type":            person("robot_registration"),
		"invitation no target":    noTarget,
		"invitation no role":      noRole,
		"invitation unknown firm": unknownFirm,
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.Submit(context.Background(), in)
			require.ErrorIs(t, err, ErrValidation)
			assert.Equal(t, 400, httpx.StatusFor(err))
		})
	}
	assert.Zero(t, f.repo.writes)
}

func TestSubmitAllowsOneOpenRequestPerEmail(t *testing.T) {
	f := newFixture(t)
	first := f.submit(t, companyRegistration("ada@example.com"))

	_, err := f.svc.Submit(context.Background(), companyRegistration("ADA@example.com"))
	require.ErrorIs(t, err, ErrDuplicate)

	_, err = f.svc.Reject(context.Background(), first.ID, reviewerID, "incomplete")
	require.NoError(t, err)
	second := f.submit(t, companyRegistration("ada@example.com"))

	f.clock = second.ExpiresAt.Add(time.Second)
	f.submit(t, companyRegistration("ada@example.com"))
}

func TestSubmitKeepsOnlyFieldsOfItsType(t *testing.T) {
	f := newFixture(t)
	target := int64(7)
	req := f.submit(t, SubmitInput{
		Type:            TypeIndividualRegistration,
		Email:           "solo@example.com",
		FirstName:       "Solo",
		LastName:        "Worker",
		CompanyName:     "Ignored Ltd",
		TargetCompanyID: &target,
		RequestedRole:   "Admin",
	})
	assert.Empty(t, req.CompanyName)
	assert.Nil(t, req.TargetCompanyID)
	assert.Empty(t, req.RequestedRole)
}

func TestApproveCompanyRegistrationProvisionsTenant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.submit(t, companyRegistration("ada@example.com"))

	reviewing, err := f.svc.MarkUnderReview(ctx, req.ID, reviewerID)
	require.NoError(t, err)
	assert.Equal(t, StatusUnderReview, reviewing.Status)
	require.NotNil(t, reviewing.ReviewedBy)
	assert.Nil(t, reviewing.ReviewedAt)

	result, err := f.svc.Approve(ctx, req.ID, reviewerID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, result.Request.Status)
	require.NotNil(t, result.Request.ReviewedAt)
	assert.Equal(t, reviewerID, *result.Request.ReviewedBy)

	comps, roles, memberships, accounts := f.repo.counts()
	assert.Equal(t, 1, comps)
	assert.Equal(t, 3, roles)
	assert.Equal(t, 1, memberships)
	assert.Equal(t, 1, accounts)

	company := f.repo.companies[result.CompanyID]
	assert.Equal(t, "acme-construction", company.Slug)
	assert.Equal(t, "ada@example.com", company.Email)

	var admins []rbac.Role
	for _, role := range f.repo.roles {
		assert.Equal(t, result.CompanyID, role.CompanyID)
		if role.IsAdmin {
			admins = append(admins, role)
		}
	}
	require.Len(t, admins, 1)
	assert.Len(t, admins[0].Permissions, 42)

	for _, m := range f.repo.memberships {
		assert.Equal(t, rbac.MembershipActive, m.Status)
		assert.Equal(t, result.UserID, m.UserID)
		require.NotNil(t, m.RoleID)
		assert.Equal(t, admins[0].ID, *m.RoleID)
	}

	acct := f.repo.accounts[result.UserID]
	assert.Equal(t, users.AccountCompany, acct.Profile.AccountType)
	assert.True(t, acct.Profile.IsAccountActive)
	assert.True(t, acct.Profile.IsVerified)
	require.NotNil(t, acct.Profile.LastCompanyID)
	assert.Equal(t, result.CompanyID, *acct.Profile.LastCompanyID)
	require.NotNil(t, acct.Profile.ActivatedBy)
	assert.Equal(t, reviewerID, *acct.Profile.ActivatedBy)
	assert.Equal(t, "ada@example.com", result.Credentials.Username)
	assert.Len(t, result.Credentials.Password, users.PasswordLength)
	assert.NotEqual(t, result.Credentials.Password, acct.User.PasswordHash)
	assert.True(t, users.CheckPassword(acct.User.PasswordHash, result.Credentials.Password))

	stored := f.stored(t, req)
	require.NotNil(t, stored.ProvisionedUserID)
	assert.Equal(t, result.UserID, *stored.ProvisionedUserID)
	require.NotNil(t, stored.ProvisionedCompanyID)
	assert.Equal(t, result.CompanyID, *stored.ProvisionedCompanyID)

	assert.Equal(t, []shared.ApprovalAction{shared.ApprovalSubmit, shared.ApprovalReview, shared.ApprovalApprove}, historyActions(t, f, req))
	assert.Equal(t, 1, f.metrics.count(StatusUnderReview))
	assert.Equal(t, 1, f.metrics.count(StatusApproved))
	assert.Contains(t, f.audit.actions(), "activation.approved")

	assert.Equal(t, []notify.Kind{notify.KindRequestSubmitted, notify.KindRequestApproved, notify.KindLoginCredentials},
		f.notes.kinds("ada@example.com"))
	creds, ok := f.notes.find(notify.KindLoginCredentials)
	require.True(t, ok)
	assert.Equal(t, result.Credentials.Password, creds.Data["password"])
}

func TestApproveTwiceIsIllegalAndWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.submit(t, companyRegistration("ada@example.com"))
	_, err := f.svc.Approve(ctx, req.ID, reviewerID)
	require.NoError(t, err)
	writes := f.repo.writes
	comps, roles, memberships, accounts := f.repo.counts()

	_, err = f.svc.Approve(ctx, req.ID, reviewerID)
	require.ErrorIs(t, err, ErrIllegalTransition)
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StatusApproved, te.From)
	assert.Equal(t, StatusApproved, te.To)
	assert.Equal(t, 409, httpx.StatusFor(err))

	assert.Equal(t, writes, f.repo.writes)
	c2, r2, m2, a2 := f.repo.counts()
	assert.Equal(t, []int{comps, roles, memberships, accounts}, []int{c2, r2, m2, a2})
	assert.Equal(t, 1, f.metrics.count(StatusApproved))
}

func TestApproveAfterExpiryExpiresRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.submit(t, companyRegistration("late@example.com"))
	f.clock = req.ExpiresAt.Add(time.Minute)

	_, err := f.svc.Approve(ctx, req.ID, reviewerID)
	require.ErrorIs(t, err, ErrExpired)
	assert.False(t, errors.Is(err, ErrIllegalTransition))
	assert.Equal(t, 410, httpx.StatusFor(err))

	assert.Equal(t, StatusExpired, f.stored(t, req).Status)
	comps, _, _, accounts := f.repo.counts()
	assert.Zero(t, comps)
	assert.Zero(t, accounts)
	assert.Equal(t, 1, f.metrics.count(StatusExpired))
	assert.Equal(t, []shared.ApprovalAction{shared.ApprovalSubmit, shared.ApprovalExpire}, historyActions(t, f, req))

	_, err = f.svc.Approve(ctx, req.ID, reviewerID)
	require.ErrorIs(t, err, ErrIllegalTransition)
}

func TestTransitionTable(t *testing.T) {
	ops := map[Status]func(s *Service, r Request) error{
		StatusUnderReview: func(s *Service, r Request) error {
			_, err := s.MarkUnderReview(context.Background(), r.ID, reviewerID)
			return err
		},
		StatusDocumentsRequired: func(s *Service, r Request) error {
			_, err := s.RequireDocuments(context.Background(), r.ID, reviewerID, "need more")
			return err
		},
		StatusApproved: func(s *Service, r Request) error {
			_, err := s.Approve(context.Background(), r.ID, reviewerID)
			return err
		},
		StatusRejected: func(s *Service, r Request) error {
			_, err := s.Reject(context.Background(), r.ID, reviewerID, "no")
			return err
		},
	}
	from := []Status{StatusPending, StatusDocumentsRequired, StatusUnderReview, StatusApproved, StatusRejected, StatusExpired}
	for to, op := range ops {
		for _, start := range from {
			t.Run(string(start)+"->"+string(to), func(t *testing.T) {
				f := newFixture(t)
				req := f.submit(t, SubmitInput{Type: TypeUserRegistration, Email: "t@example.com", FirstName: "T", LastName: "U"})
				f.setStatus(t, req, start)

				err := op(f.svc, req)
				if CanTransition(start, to) {
					require.NoError(t, err)
					assert.Equal(t, to, f.stored(t, req).Status)
					return
				}
				require.ErrorIs(t, err, ErrIllegalTransition)
				assert.Equal(t, start, f.stored(t, req).Status)
			})
		}
	}
}

func TestRequireDocumentsThenReviewAgain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.submit(t, companyRegistration("docs@example.com"))

	updated, err := f.svc.RequireDocuments(ctx, req.ID, reviewerID, "  upload tax certificate ")
	require.NoError(t, err)
	assert.Equal(t, StatusDocumentsRequired, updated.Status)
	assert.Equal(t, "upload tax certificate", updated.RejectionReason)
	note, ok := f.notes.find(notify.KindDocumentsRequired)
	require.True(t, ok)
	assert.Equal(t, "upload tax certificate", note.Data["reason"])

	_, err = f.svc.MarkUnderReview(ctx, req.ID, reviewerID)
	require.NoError(t, err)
	_, err = f.svc.RequireDocuments(ctx, req.ID, reviewerID, "still missing")
	require.NoError(t, err)
	assert.Equal(t, 2, f.metrics.count(StatusDocumentsRequired))
}

func TestRejectRecordsReason(t *testing.T) {
	f := newFixture(t)
	req := f.submit(t, companyRegistration("no@example.com"))

	rejected, err := f.svc.Reject(context.Background(), req.ID, reviewerID, "fraudulent registration number")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rejected.Status)
	assert.Equal(t, "fraudulent registration number", rejected.RejectionReason)
	require.NotNil(t, rejected.ReviewedAt)
	note, ok := f.notes.find(notify.KindRequestRejected)
	require.True(t, ok)
	assert.Equal(t, "no@example.com", note.To)
}

func TestConcurrentApprovalsProvisionOnce(t *testing.T) {
	f := newFixture(t)
	req := f.submit(t, companyRegistration("race@example.com"))

	const callers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		illegal   int
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.svc.Approve(context.Background(), req.ID, reviewerID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrIllegalTransition):
				illegal++
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, callers-1, illegal)
	comps, _, memberships, accounts := f.repo.counts()
	assert.Equal(t, 1, comps)
	assert.Equal(t, 1, memberships)
	assert.Equal(t, 1, accounts)
}

type serializationFailingRepo struct {
	*memoryRepo
}

func (r serializationFailingRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return &pgconn.PgError{Code: "40001", Message: "could not serialize access due to concurrent update"}
}

func TestApproveSerializationFailureIsIllegalTransition(t *testing.T) {
	f := newFixture(t)
	req := f.submit(t, companyRegistration("late@example.com"))
	ports := companyPort{svc: companies.NewService(nil, nil, nil, nil), repo: f.repo}
	svc := NewService(serializationFailingRepo{f.repo}, ports, Options{})

	_, err := svc.Approve(context.Background(), req.ID, reviewerID)
	require.ErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, 409, httpx.StatusFor(err))
	assert.Equal(t, StatusPending, f.stored(t, req).Status)
}

func TestApproveDuplicateSlugRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.submit(t, companyRegistration("dup@example.com"))
	f.repo.companies[77] = companies.Company{ID: 77, Name: "Acme Construction", Slug: "acme-construction", IsActive: true}
	writes := f.repo.writes

	_, err := f.svc.Approve(ctx, req.ID, reviewerID)
	require.ErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, 409, httpx.StatusFor(err))

	assert.Equal(t, StatusPending, f.stored(t, req).Status)
	assert.Equal(t, writes, f.repo.writes)
	comps, roles, memberships, accounts := f.repo.counts()
	assert.Equal(t, []int{1, 0, 0, 0}, []int{comps, roles, memberships, accounts})
	_, sent := f.notes.find(notify.KindLoginCredentials)
	assert.False(t, sent)
}

func TestApproveDuplicateUsernameRollsBack(t *testing.T) {
	f := newFixture(t)
	req := f.submit(t, companyRegistration("taken@example.com"))
	f.repo.accounts[55] = users.Account{User: users.User{ID: 55, Username: "taken@example.com"}}

	_, err := f.svc.Approve(context.Background(), req.ID, reviewerID)
	require.ErrorIs(t, err, ErrDuplicate)
	comps, roles, _, _ := f.repo.counts()
	assert.Zero(t, comps)
	assert.Zero(t, roles)
	assert.Equal(t, StatusPending, f.stored(t, req).Status)
}

func TestApproveIndividualCreatesAccountOnly(t *testing.T) {
	f := newFixture(t)
	req := f.submit(t, SubmitInput{Type: TypeIndividualRegistration, Email: "solo@example.com", Username: "solo", FirstName: "Solo", LastName: "W"})

	result, err := f.svc.Approve(context.Background(), req.ID, reviewerID)
	require.NoError(t, err)
	assert.Zero(t, result.CompanyID)
	assert.Equal(t, "solo", result.Credentials.Username)

	comps, roles, memberships, accounts := f.repo.counts()
	assert.Equal(t, []int{0, 0, 0, 1}, []int{comps, roles, memberships, accounts})
	acct := f.repo.accounts[result.UserID]
	assert.Equal(t, users.AccountIndividual, acct.Profile.AccountType)
	assert.Nil(t, acct.Profile.LastCompanyID)
	assert.Nil(t, f.stored(t, req).ProvisionedCompanyID)
}

func TestApproveInvitationJoinsTargetCompany(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	target := int64(500)
	inviter := int64(12)
	f.repo.companies[target] = companies.Company{ID: target, Name: "Target", Slug: "target", IsActive: true}
	supervisor := rbac.DefaultRoleTemplates()[1].Role(target)
	supervisor.ID = 501
	f.repo.roles[supervisor.ID] = supervisor
	f.repo.nextID = 600

	req := f.submit(t, SubmitInput{
		Type:            TypeUserInvitation,
		Email:           "crew@example.com",
		FirstName:       "Crew",
		LastName:        "Lead",
		TargetCompanyID: &target,
		RequestedRole:   "supervisor",
		InvitedBy:       &inviter,
	})
	assert.Equal(t, []shared.ApprovalAction{shared.ApprovalSubmit}, historyActions(t, f, req))

	require.Zero(t, f.cache.count(target))
	result, err := f.svc.Approve(ctx, req.ID, reviewerID)
	require.NoError(t, err)
	assert.Equal(t, target, result.CompanyID)
	assert.Equal(t, 1, f.cache.count(target), "new membership must invalidate cached lookups")

	require.Len(t, f.repo.memberships, 1)
	for _, m := range f.repo.memberships {
		assert.Equal(t, target, m.CompanyID)
		assert.Equal(t, result.UserID, m.UserID)
		require.NotNil(t, m.RoleID)
		assert.Equal(t, supervisor.ID, *m.RoleID)
		require.NotNil(t, m.InvitedBy)
		assert.Equal(t, inviter, *m.InvitedBy)
	}
}

func TestApproveInvitationWithUnknownRoleRollsBack(t *testing.T) {
	f := newFixture(t)
	target := int64(500)
	f.repo.companies[target] = companies.Company{ID: target, Name: "Target", Slug: "target", IsActive: true}
	f.repo.nextID = 600
	req := f.submit(t, SubmitInput{Type: TypeUserInvitation, Email: "crew@example.com", FirstName: "C", LastName: "L",
		TargetCompanyID: &target, RequestedRole: "Astronaut"})

	_, err := f.svc.Approve(context.Background(), req.ID, reviewerID)
	require.ErrorIs(t, err, ErrValidation)
	_, _, memberships, accounts := f.repo.counts()
	assert.Zero(t, memberships)
	assert.Zero(t, accounts)
	assert.Equal(t, StatusPending, f.stored(t, req).Status)
}

func TestReadsExpireLapsedRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.submit(t, companyRegistration("idle@example.com"))
	f.submit(t, SubmitInput{Type: TypeUserRegistration, Email: "fresh@example.com", FirstName: "F", LastName: "R"})

	got, err := f.svc.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)

	f.clock = req.ExpiresAt.Add(time.Hour)
	got, err = f.svc.GetByToken(ctx, req.Token)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
	assert.Equal(t, StatusExpired, f.stored(t, req).Status)
	assert.Equal(t, 1, f.metrics.count(StatusExpired))

	items, page, err := f.svc.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	for _, item := range items {
		assert.Equal(t, StatusExpired, item.Status)
	}
	assert.Equal(t, 2, f.metrics.count(StatusExpired))
}

func TestGetByTokenUnknown(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GetByToken(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.GetByToken(context.Background(), " ")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListFiltersByStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.submit(t, companyRegistration("a@example.com"))
	f.submit(t, SubmitInput{Type: TypeUserRegistration, Email: "b@example.com", FirstName: "B", LastName: "B"})
	_, err := f.svc.MarkUnderReview(ctx, a.ID, reviewerID)
	require.NoError(t, err)

	items, page, err := f.svc.List(ctx, ListFilter{Status: StatusUnderReview})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, a.ID, items[0].ID)
	assert.Equal(t, 1, page.Total)

	items, _, err = f.svc.List(ctx, ListFilter{Type: TypeUserRegistration})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "b@example.com", items[0].Email)
}

func TestTransitionsRequireReviewer(t *testing.T) {
	f := newFixture(t)
	req := f.submit(t, companyRegistration("a@example.com"))
	_, err := f.svc.Approve(context.Background(), req.ID, 0)
	require.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, StatusPending, f.stored(t, req).Status)
}

func TestCanTransitionTerminalStates(t *testing.T) {
	for _, terminal := range []Status{StatusApproved, StatusRejected, StatusExpired} {
		assert.True(t, terminal.Terminal())
		for _, to := range []Status{StatusUnderReview, StatusDocumentsRequired, StatusApproved, StatusRejected} {
			assert.False(t, CanTransition(terminal, to))
		}
	}
	assert.False(t, CanTransition(StatusUnderReview, StatusUnderReview))
	assert.True(t, CanTransition(StatusDocumentsRequired, StatusApproved))
}
