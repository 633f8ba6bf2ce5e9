package companies

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/buildtrack/buildtrack/internal/rbac"
	"github.com/buildtrack/buildtrack/internal/shared"
)

// AuditPort records audit entries.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service manages companies.
type Service struct {
	repo     RepositoryPort
	cache    rbac.Invalidator
	audit    AuditPort
	logger   *slog.Logger
	validate *validator.Validate
	now      func() time.Time
}

// NewService constructs the service. cache and audit may be nil.
func NewService(repo RepositoryPort, cache rbac.Invalidator, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, cache: cache, audit: audit, logger: logger, validate: validator.New(), now: time.Now}
}

// WithNow overrides the clock, used by tests.
func (s *Service) WithNow(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// Prepare validates input and builds the unsaved company with defaults applied.
func (s *Service) Prepare(input CreateInput) (Company, error) {
	input.Name = strings.TrimSpace(input.Name)
	if err := s.validate.Struct(input); err != nil {
		return Company{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	slug := Slugify(input.Name)
	if slug == "" {
		return Company{}, fmt.Errorf("%w: name %q has no usable characters", ErrValidation, input.Name)
	}
	c := Company{
		Name:               input.Name,
		Slug:               slug,
		Description:        strings.TrimSpace(input.Description),
		Email:              strings.TrimSpace(input.Email),
		Phone:              strings.TrimSpace(input.Phone),
		Address:            strings.TrimSpace(input.Address),
		Website:            strings.TrimSpace(input.Website),
		RegistrationNumber: strings.TrimSpace(input.RegistrationNumber),
		SubscriptionType:   input.SubscriptionType,
		Timezone:           input.Timezone,
		Currency:           strings.ToUpper(input.Currency),
		IsActive:           true,
	}
	if c.SubscriptionType == "" {
		c.SubscriptionType = SubscriptionTrial
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.Currency == "" {
		c.Currency = "USD"
	}
	return c, nil
}

// Provisioned is a company together with the default roles seeded for it.
type Provisioned struct {
	Company Company     `json:"company"`
	Roles   []rbac.Role `json:"roles"`
}

// AdminRole returns the seeded admin role.
func (p Provisioned) AdminRole() rbac.Role {
	for _, r := range p.Roles {
		if r.IsAdmin {
			return r
		}
	}
	return rbac.Role{}
}

// Provision inserts c and its default roles through an open transaction.
func Provision(ctx context.Context, tx TxRepository, c Company) (Provisioned, error) {
	created, err := tx.CreateCompany(ctx, c)
	if err != nil {
		return Provisioned{}, err
	}
	out := Provisioned{Company: created}
	for _, tmpl := range rbac.DefaultRoleTemplates() {
		role, err := tx.CreateRole(ctx, tmpl.Role(created.ID))
		if err != nil {
			return Provisioned{}, err
		}
		out.Roles = append(out.Roles, role)
	}
	return out, nil
}

// Create registers a company with its default roles. When ActorID is set the
// actor becomes the company's first active admin.
func (s *Service) Create(ctx context.Context, input CreateInput) (Provisioned, error) {
	c, err := s.Prepare(input)
	if err != nil {
		return Provisioned{}, err
	}
	var out Provisioned
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		out, err = Provision(ctx, tx, c)
		if err != nil {
			return err
		}
		if input.ActorID <= 0 {
			return nil
		}
		adminRole := out.AdminRole().ID
		joined := s.now()
		_, err = tx.CreateMembership(ctx, rbac.Membership{
			UserID:    input.ActorID,
			CompanyID: out.Company.ID,
			RoleID:    &adminRole,
			Status:    rbac.MembershipActive,
			JoinedAt:  &joined,
		})
		return err
	})
	if err != nil {
		return Provisioned{}, err
	}
	s.logger.InfoContext(ctx, "company created",
		slog.Int64("company_id", out.Company.ID),
		slog.String("slug", out.Company.Slug))
	s.record(ctx, input.ActorID, "company.create", out.Company.ID, map[string]any{"slug": out.Company.Slug})
	return out, nil
}

// Get fetches a company by id.
func (s *Service) Get(ctx context.Context, id int64) (Company, error) {
	return s.repo.Get(ctx, id)
}

// GetBySlug fetches a company by slug.
func (s *Service) GetBySlug(ctx context.Context, slug string) (Company, error) {
	return s.repo.GetBySlug(ctx, strings.ToLower(strings.TrimSpace(slug)))
}

// List returns a page of companies.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Company, shared.Pagination, error) {
	page := shared.NewPagination(filter.Page, filter.PerPage, 0)
	items, total, err := s.repo.List(ctx, filter, page.PerPage, page.Offset())
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return items, shared.NewPagination(page.Page, page.PerPage, total), nil
}

// Delete removes the company. Its roles and memberships are deleted with it;
// users are kept.
func (s *Service) Delete(ctx context.Context, actorID, id int64) error {
	var deps Dependents
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.LockCompany(ctx, id); err != nil {
			return err
		}
		var err error
		if deps, err = tx.CountDependents(ctx, id); err != nil {
			return err
		}
		return tx.DeleteCompany(ctx, id)
	})
	if err != nil {
		return err
	}
	if s.cache != nil {
		if err := s.cache.Bump(ctx, id); err != nil {
			s.logger.WarnContext(ctx, "rbac cache bump", slog.Int64("company_id", id), slog.Any("error", err))
		}
	}
	s.logger.InfoContext(ctx, "company deleted",
		slog.Int64("company_id", id),
		slog.Int("roles", deps.Roles),
		slog.Int("memberships", deps.Memberships))
	s.record(ctx, actorID, "company.delete", id, map[string]any{"roles": deps.Roles, "memberships": deps.Memberships})
	return nil
}

func (s *Service) record(ctx context.Context, actorID int64, action string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "company",
		EntityID: strconv.FormatInt(id, 10),
		Meta:     meta,
		At:       s.now(),
	})
	if err != nil {
		s.logger.WarnContext(ctx, "company audit", slog.String("action", action), slog.Any("error", err))
	}
}
