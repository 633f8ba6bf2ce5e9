package activation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/buildtrack/buildtrack/internal/companies"
	"github.com/buildtrack/buildtrack/internal/notify"
	"github.com/buildtrack/buildtrack/internal/platform/db"
	"github.com/buildtrack/buildtrack/internal/platform/httpx"
	"github.com/buildtrack/buildtrack/internal/rbac"
	"github.com/buildtrack/buildtrack/internal/shared"
	"github.com/buildtrack/buildtrack/internal/superowner"
	"github.com/buildtrack/buildtrack/internal/users"
)

// DefaultTTL is how long a request stays open before it lapses.
const DefaultTTL = 30 * 24 * time.Hour

// AuditPort records audit entries.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// TransitionObserver counts status changes, typically a metrics sink.
type TransitionObserver interface {
	ObserveTransition(to string)
}

// ReviewerDirectory lists the super owners holding a capability.
type ReviewerDirectory interface {
	Holders(ctx context.Context, c superowner.Capability) ([]superowner.SuperOwner, error)
}

// AccountLookup resolves a user's account.
type AccountLookup interface {
	Get(ctx context.Context, id int64) (users.Account, error)
}

// CompanyPort validates company registrations and resolves invitation targets.
type CompanyPort interface {
	Get(ctx context.Context, id int64) (companies.Company, error)
	Prepare(input companies.CreateInput) (companies.Company, error)
}

// Options carries the optional collaborators of Service.
type Options struct {
	Notifier  notify.Notifier
	Reviewers ReviewerDirectory
	Accounts  AccountLookup
	Audit     AuditPort
	Metrics   TransitionObserver
	Cache     rbac.Invalidator
	Logger    *slog.Logger
	TTL       time.Duration
}

// Service runs the activation workflow.
type Service struct {
	repo      RepositoryPort
	companies CompanyPort
	notifier  notify.Notifier
	reviewers ReviewerDirectory
	accounts  AccountLookup
	audit     AuditPort
	metrics   TransitionObserver
	cache     rbac.Invalidator
	logger    *slog.Logger
	validate  *validator.Validate
	ttl       time.Duration
	now       func() time.Time
}

// NewService constructs the service.
func NewService(repo RepositoryPort, companyPort CompanyPort, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	return &Service{
		repo:      repo,
		companies: companyPort,
		notifier:  opts.Notifier,
		reviewers: opts.Reviewers,
		accounts:  opts.Accounts,
		audit:     opts.Audit,
		metrics:   opts.Metrics,
		cache:     opts.Cache,
		logger:    opts.Logger,
		validate:  validator.New(),
		ttl:       opts.TTL,
		now:       time.Now,
	}
}

// WithNow overrides the clock, used by tests.
func (s *Service) WithNow(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// Submit records a new request. An email may hold one open request at a time.
func (s *Service) Submit(ctx context.Context, input SubmitInput) (Request, error) {
	input = normalizeInput(input)
	if err := s.validate.Struct(input); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := s.checkTargets(ctx, input); err != nil {
		return Request{}, err
	}
	token, err := NewToken()
	if err != nil {
		return Request{}, err
	}
	now := s.now().UTC()
	req := Request{
		ID:                        uuid.New(),
		Type:                      input.Type,
		Status:                    StatusPending,
		Email:                     input.Email,
		Username:                  input.Username,
		FirstName:                 input.FirstName,
		LastName:                  input.LastName,
		Phone:                     input.Phone,
		CompanyName:               input.CompanyName,
		CompanyDescription:        input.CompanyDescription,
		CompanyWebsite:            input.CompanyWebsite,
		CompanyAddress:            input.CompanyAddress,
		CompanyRegistrationNumber: input.CompanyRegistrationNumber,
		CompanyPhone:              input.CompanyPhone,
		TargetCompanyID:           input.TargetCompanyID,
		RequestedRole:             input.RequestedRole,
		InvitedBy:                 input.InvitedBy,
		Token:                     token,
		ExpiresAt:                 now.Add(s.ttl),
		Metadata:                  input.Metadata,
		CreatedAt:                 now,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockEmail(ctx, req.Email); err != nil {
			return err
		}
		open, err := tx.HasOpenRequest(ctx, req.Email, now)
		if err != nil {
			return err
		}
		if open {
			return fmt.Errorf("%w: %s already has an open request", ErrDuplicate, req.Email)
		}
		req, err = tx.CreateRequest(ctx, req)
		if err != nil {
			return err
		}
		return tx.RecordApproval(ctx, shared.ApprovalLog{RefID: req.ID, ActorID: deref(req.InvitedBy), Action: shared.ApprovalSubmit, At: now})
	})
	if err != nil {
		return Request{}, err
	}

	s.logger.InfoContext(ctx, "activation request submitted",
		slog.String("request_id", req.ID.String()),
		slog.String("request_type", string(req.Type)))
	s.record(ctx, deref(req.InvitedBy), "activation.submit", req, map[string]any{"request_type": string(req.Type)})
	s.notify(ctx, s.requesterNotification(req, notify.KindRequestSubmitted, nil))
	s.notifyReviewers(ctx, req)
	return req, nil
}

func normalizeInput(in SubmitInput) SubmitInput {
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.Username = strings.TrimSpace(in.Username)
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	in.Phone = strings.TrimSpace(in.Phone)
	if in.Type == TypeCompanyRegistration {
		in.CompanyName = strings.TrimSpace(in.CompanyName)
		in.CompanyDescription = strings.TrimSpace(in.CompanyDescription)
		in.CompanyWebsite = strings.TrimSpace(in.CompanyWebsite)
		in.CompanyAddress = strings.TrimSpace(in.CompanyAddress)
		in.CompanyRegistrationNumber = strings.TrimSpace(in.CompanyRegistrationNumber)
		in.CompanyPhone = strings.TrimSpace(in.CompanyPhone)
	} else {
		in.CompanyName, in.CompanyDescription, in.CompanyWebsite = "", "", ""
		in.CompanyAddress, in.CompanyRegistrationNumber, in.CompanyPhone = "", "", ""
	}
	if in.Type == TypeUserInvitation {
		in.RequestedRole = strings.TrimSpace(in.RequestedRole)
	} else {
		in.TargetCompanyID, in.RequestedRole, in.InvitedBy = nil, "", nil
	}
	return in
}

func (s *Service) checkTargets(ctx context.Context, in SubmitInput) error {
	switch in.Type {
	case TypeCompanyRegistration:
		if _, err := s.companies.Prepare(companyInput(in.CompanyName, in.CompanyDescription, in.Email, in.CompanyPhone,
			in.CompanyAddress, in.CompanyWebsite, in.CompanyRegistrationNumber)); err != nil {
			return fmt.Errorf("%w: %w", ErrValidation, err)
		}
	case TypeUserInvitation:
		if in.TargetCompanyID == nil || *in.TargetCompanyID <= 0 {
			return fmt.Errorf("%w: target_company_id required", ErrValidation)
		}
		c, err := s.companies.Get(ctx, *in.TargetCompanyID)
		if errors.Is(err, httpx.ErrNotFound) {
			return fmt.Errorf("%w: target company %d not found", ErrValidation, *in.TargetCompanyID)
		}
		if err != nil {
			return err
		}
		if !c.IsActive {
			return fmt.Errorf("%w: target company %d is inactive", ErrValidation, c.ID)
		}
	}
	return nil
}

func companyInput(name, description, email, phone, address, website, registration string) companies.CreateInput {
	return companies.CreateInput{
		Name:               name,
		Description:        description,
		Email:              email,
		Phone:              phone,
		Address:            address,
		Website:            website,
		RegistrationNumber: registration,
	}
}

// Get returns a request by id, expiring it first when its window has closed.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Request, error) {
	req, err := s.repo.Get(ctx, id)
	if err != nil {
		return Request{}, err
	}
	return s.refresh(ctx, req)
}

// GetByToken returns a request by activation token with the same lazy expiry as Get.
func (s *Service) GetByToken(ctx context.Context, token string) (Request, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Request{}, ErrNotFound
	}
	req, err := s.repo.GetByToken(ctx, token)
	if err != nil {
		return Request{}, err
	}
	return s.refresh(ctx, req)
}

// List returns a page of requests. Lapsed requests on the page are expired
// before they are returned.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Request, shared.Pagination, error) {
	page := shared.NewPagination(filter.Page, filter.PerPage, 0)
	items, total, err := s.repo.List(ctx, filter, page.PerPage, page.Offset())
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	for i := range items {
		if items[i], err = s.refresh(ctx, items[i]); err != nil {
			return nil, shared.Pagination{}, err
		}
	}
	return items, shared.NewPagination(page.Page, page.PerPage, total), nil
}

// History returns the approval trail of a request.
func (s *Service) History(ctx context.Context, id uuid.UUID) ([]shared.ApprovalLog, error) {
	return s.repo.History(ctx, id)
}

func (s *Service) refresh(ctx context.Context, req Request) (Request, error) {
	now := s.now()
	if req.Status.Terminal() || !req.Expired(now) {
		return req, nil
	}
	var (
		out     Request
		expired bool
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		locked, err := tx.LockRequest(ctx, req.ID)
		if err != nil {
			return err
		}
		if locked.Status.Terminal() || !locked.Expired(now) {
			out = locked
			return nil
		}
		out, err = expire(ctx, tx, locked, 0, now)
		expired = err == nil
		return err
	})
	if err != nil {
		return Request{}, err
	}
	if expired {
		s.afterExpire(ctx, out, 0)
	}
	return out, nil
}

func expire(ctx context.Context, tx TxRepository, req Request, actorID int64, now time.Time) (Request, error) {
	req.Status = StatusExpired
	req.UpdatedAt = now
	if err := tx.UpdateRequest(ctx, req); err != nil {
		return Request{}, err
	}
	err := tx.RecordApproval(ctx, shared.ApprovalLog{RefID: req.ID, ActorID: actorID, Action: shared.ApprovalExpire, At: now})
	if err != nil {
		return Request{}, err
	}
	return req, nil
}

// MarkUnderReview takes a pending or documents_required request into review.
func (s *Service) MarkUnderReview(ctx context.Context, id uuid.UUID, reviewerID int64) (Request, error) {
	req, from, err := s.transition(ctx, id, reviewerID, StatusUnderReview, shared.ApprovalReview, "", nil)
	if err != nil {
		return req, err
	}
	s.afterTransition(ctx, req, reviewerID, from)
	return req, nil
}

// RequireDocuments sends a request back to the requester for more documents.
func (s *Service) RequireDocuments(ctx context.Context, id uuid.UUID, reviewerID int64, reason string) (Request, error) {
	reason = strings.TrimSpace(reason)
	req, from, err := s.transition(ctx, id, reviewerID, StatusDocumentsRequired, shared.ApprovalRequireDocuments, reason,
		func(ctx context.Context, tx TxRepository, req *Request, now time.Time) error {
			req.RejectionReason = reason
			return nil
		})
	if err != nil {
		return req, err
	}
	s.afterTransition(ctx, req, reviewerID, from)
	s.notify(ctx, s.requesterNotification(req, notify.KindDocumentsRequired, map[string]string{"reason": reason}))
	return req, nil
}

// Reject closes a request. The reason is kept and sent to the requester.
func (s *Service) Reject(ctx context.Context, id uuid.UUID, reviewerID int64, reason string) (Request, error) {
	reason = strings.TrimSpace(reason)
	req, from, err := s.transition(ctx, id, reviewerID, StatusRejected, shared.ApprovalReject, reason,
		func(ctx context.Context, tx TxRepository, req *Request, now time.Time) error {
			req.ReviewedAt = &now
			req.RejectionReason = reason
			return nil
		})
	if err != nil {
		return req, err
	}
	s.afterTransition(ctx, req, reviewerID, from)
	s.notify(ctx, s.requesterNotification(req, notify.KindRequestRejected, map[string]string{"reason": reason}))
	return req, nil
}

// Approve closes a request and provisions its account in the same
// transaction. A taken slug or username rolls everything back and leaves
// the request as it was.
func (s *Service) Approve(ctx context.Context, id uuid.UUID, reviewerID int64) (ApprovalResult, error) {
	var result ApprovalResult
	req, from, err := s.transition(ctx, id, reviewerID, StatusApproved, shared.ApprovalApprove, "",
		func(ctx context.Context, tx TxRepository, req *Request, now time.Time) error {
			req.ReviewedAt = &now
			var err error
			result, err = provision(ctx, tx, s.companies, *req, reviewerID, now)
			if err != nil {
				return err
			}
			req.ProvisionedUserID = &result.UserID
			if result.CompanyID > 0 {
				req.ProvisionedCompanyID = &result.CompanyID
			}
			return nil
		})
	if err != nil {
		if errors.Is(err, httpx.ErrDuplicate) && !errors.Is(err, ErrDuplicate) {
			err = fmt.Errorf("%w: %w", ErrDuplicate, err)
		}
		return ApprovalResult{Request: req}, err
	}
	result.Request = req
	s.invalidate(ctx, result.CompanyID)
	s.afterTransition(ctx, req, reviewerID, from)
	s.notify(ctx, s.requesterNotification(req, notify.KindRequestApproved, nil))
	s.notify(ctx, s.requesterNotification(req, notify.KindLoginCredentials, map[string]string{
		"username": result.Credentials.Username,
		"password": result.Credentials.Password,
	}))
	return result, nil
}

type applyFunc func(ctx context.Context, tx TxRepository, req *Request, now time.Time) error

// transition applies the guards in order: a terminal request is an illegal
// transition, a lapsed one is expired and committed, then the table decides.
func (s *Service) transition(ctx context.Context, id uuid.UUID, reviewerID int64, to Status, action shared.ApprovalAction, note string, apply applyFunc) (Request, Status, error) {
	if reviewerID <= 0 {
		return Request{}, "", fmt.Errorf("%w: reviewer required", ErrValidation)
	}
	var (
		out     Request
		from    Status
		expired bool
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		req, err := tx.LockRequest(ctx, id)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		from = req.Status
		if req.Status.Terminal() {
			return &TransitionError{From: req.Status, To: to}
		}
		if req.Expired(now) {
			out, err = expire(ctx, tx, req, reviewerID, now)
			expired = err == nil
			return err
		}
		if !CanTransition(req.Status, to) {
			return &TransitionError{From: req.Status, To: to}
		}
		req.Status = to
		req.ReviewedBy = &reviewerID
		req.UpdatedAt = now
		if apply != nil {
			if err := apply(ctx, tx, &req, now); err != nil {
				return err
			}
		}
		if err := tx.UpdateRequest(ctx, req); err != nil {
			return err
		}
		if err := tx.RecordApproval(ctx, shared.ApprovalLog{RefID: req.ID, ActorID: reviewerID, Action: action, Note: note, At: now}); err != nil {
			return err
		}
		out = req
		return nil
	})
	if db.IsSerializationFailure(err) {
		err = fmt.Errorf("%w: concurrent update", ErrIllegalTransition)
	}
	if err != nil {
		var te *TransitionError
		if errors.As(err, &te) {
			s.logger.InfoContext(ctx, "activation transition refused",
				slog.String("request_id", id.String()),
				slog.String("from", string(te.From)),
				slog.String("to", string(te.To)))
		}
		return Request{}, from, err
	}
	if expired {
		s.afterExpire(ctx, out, reviewerID)
		return out, from, ErrExpired
	}
	return out, from, nil
}

func (s *Service) afterTransition(ctx context.Context, req Request, actorID int64, from Status) {
	s.observe(req.Status)
	s.logger.InfoContext(ctx, "activation request transitioned",
		slog.String("request_id", req.ID.String()),
		slog.String("from", string(from)),
		slog.String("to", string(req.Status)),
		slog.Int64("reviewer_id", actorID))
	meta := map[string]any{"from": string(from), "to": string(req.Status)}
	if req.ProvisionedUserID != nil {
		meta["user_id"] = *req.ProvisionedUserID
	}
	if req.ProvisionedCompanyID != nil {
		meta["company_id"] = *req.ProvisionedCompanyID
	}
	s.record(ctx, actorID, "activation."+string(req.Status), req, meta)
}

func (s *Service) afterExpire(ctx context.Context, req Request, actorID int64) {
	s.observe(StatusExpired)
	s.logger.InfoContext(ctx, "activation request expired",
		slog.String("request_id", req.ID.String()),
		slog.Time("expires_at", req.ExpiresAt))
	s.record(ctx, actorID, "activation.expired", req, nil)
}

func (s *Service) observe(to Status) {
	if s.metrics != nil {
		s.metrics.ObserveTransition(string(to))
	}
}

func (s *Service) record(ctx context.Context, actorID int64, action string, req Request, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "activation_request",
		EntityID: req.ID.String(),
		Meta:     meta,
		At:       s.now(),
	})
	if err != nil {
		s.logger.WarnContext(ctx, "audit activation", slog.String("action", action), slog.Any("error", err))
	}
}

func (s *Service) invalidate(ctx context.Context, companyID int64) {
	if s.cache == nil || companyID == 0 {
		return
	}
	if err := s.cache.Bump(ctx, companyID); err != nil {
		s.logger.WarnContext(ctx, "activation cache bump", slog.Int64("company_id", companyID), slog.Any("error", err))
	}
}

func (s *Service) notify(ctx context.Context, n notify.Notification) {
	if s.notifier != nil {
		s.notifier.Notify(ctx, n)
	}
}

func (s *Service) requesterNotification(req Request, kind notify.Kind, extra map[string]string) notify.Notification {
	data := map[string]string{
		"request_id":   req.ID.String(),
		"request_type": string(req.Type),
		"first_name":   req.FirstName,
		"last_name":    req.LastName,
		"email":        req.Email,
		"company_name": req.CompanyName,
	}
	for k, v := range extra {
		data[k] = v
	}
	return notify.Notification{Kind: kind, To: req.Email, Data: data, Key: notificationKey(req, kind, req.Email)}
}

// notifyReviewers tells every active super owner who may activate accounts.
func (s *Service) notifyReviewers(ctx context.Context, req Request) {
	if s.reviewers == nil || s.accounts == nil {
		return
	}
	holders, err := s.reviewers.Holders(ctx, superowner.CapActivateAccounts)
	if err != nil {
		s.logger.WarnContext(ctx, "list activation reviewers", slog.Any("error", err))
		return
	}
	for _, h := range holders {
		acct, err := s.accounts.Get(ctx, h.UserID)
		if err != nil {
			s.logger.WarnContext(ctx, "resolve activation reviewer", slog.Int64("user_id", h.UserID), slog.Any("error", err))
			continue
		}
		n := s.requesterNotification(req, notify.KindSuperOwnerNewRequest, nil)
		n.To = acct.User.Email
		n.Key = notificationKey(req, notify.KindSuperOwnerNewRequest, acct.User.Email)
		s.notify(ctx, n)
	}
}

// notificationKey is stable per request state so a retried enqueue is deduplicated.
func notificationKey(req Request, kind notify.Kind, to string) string {
	stamp := req.UpdatedAt
	if stamp.IsZero() {
		stamp = req.CreatedAt
	}
	return fmt.Sprintf("activation:%s:%s:%d:%s", req.ID, kind, stamp.UnixNano(), strings.ToLower(to))
}

func deref(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
