package superowner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
)

// Service manages the super owner overlay.
type Service struct {
	repo   RepositoryPort
	logger *slog.Logger
}

// NewService constructs the service.
func NewService(repo RepositoryPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger}
}

// Save creates or updates the owner for o.UserID. Saving a primary owner
// demotes every other primary and forces full rights on the saved one; both
// corrections are logged at WARN and never rejected.
func (s *Service) Save(ctx context.Context, o SuperOwner) (SuperOwner, error) {
	if o.UserID <= 0 {
		return SuperOwner{}, fmt.Errorf("%w: user required", ErrValidation)
	}
	if o.DelegationLevel == "" {
		o.DelegationLevel = LevelReadOnly
	}
	if !o.DelegationLevel.Valid() {
		return SuperOwner{}, fmt.Errorf("%w: delegation level %q", ErrValidation, o.DelegationLevel)
	}
	allowed := normalizeIDs(o.AllowedCompanies)

	var (
		saved   SuperOwner
		demoted []int64
		forced  []string
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockSingleton(ctx); err != nil {
			return err
		}
		if o.IsPrimaryOwner {
			var err error
			if demoted, err = tx.DemoteOtherPrimaries(ctx, o.UserID); err != nil {
				return err
			}
			forced = o.forcePrimary()
		}
		var err error
		if saved, err = tx.Upsert(ctx, o); err != nil {
			return err
		}
		if err := tx.ReplaceAllowedCompanies(ctx, saved.ID, allowed); err != nil {
			return err
		}
		saved.AllowedCompanies = allowed
		return nil
	})
	if err != nil {
		return SuperOwner{}, err
	}
	if len(demoted) > 0 {
		s.logger.WarnContext(ctx, "superowner primary demoted",
			slog.Int64("primary_user_id", saved.UserID),
			slog.Any("demoted_user_ids", demoted))
	}
	if len(forced) > 0 {
		s.logger.WarnContext(ctx, "superowner primary rights forced",
			slog.Int64("user_id", saved.UserID),
			slog.Any("fields", forced))
	}
	return saved, nil
}

// Get fetches a super owner by id.
func (s *Service) Get(ctx context.Context, id int64) (SuperOwner, error) {
	return s.repo.Get(ctx, id)
}

// GetByUser fetches the super owner overlaid on userID.
func (s *Service) GetByUser(ctx context.Context, userID int64) (SuperOwner, error) {
	return s.repo.GetByUser(ctx, userID)
}

// List returns every super owner, primary first.
func (s *Service) List(ctx context.Context) ([]SuperOwner, error) {
	return s.repo.List(ctx)
}

// IsSuperOwner reports whether userID is an active super owner.
func (s *Service) IsSuperOwner(ctx context.Context, userID int64) (bool, error) {
	o, err := s.repo.GetByUser(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return o.IsActive, nil
}

// ManagesCompanies reports whether userID is an active super owner holding
// manage_companies.
func (s *Service) ManagesCompanies(ctx context.Context, userID int64) (bool, error) {
	o, err := s.repo.GetByUser(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return o.Has(CapManageCompanies), nil
}

// CanManageCompany reports whether userID may manage companyID as a super owner.
func (s *Service) CanManageCompany(ctx context.Context, userID, companyID int64) (bool, error) {
	o, err := s.repo.GetByUser(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return o.CanManageCompany(companyID), nil
}

// Holders returns the active owners holding c, used to pick notification recipients.
func (s *Service) Holders(ctx context.Context, c Capability) ([]SuperOwner, error) {
	all, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]SuperOwner, 0, len(all))
	for _, o := range all {
		if o.Has(c) {
			out = append(out, o)
		}
	}
	return out, nil
}

// SetAllowedCompanies rewrites the company scope. An empty list lifts it.
func (s *Service) SetAllowedCompanies(ctx context.Context, id int64, companyIDs []int64) (SuperOwner, error) {
	allowed := normalizeIDs(companyIDs)
	var out SuperOwner
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		o, err := tx.LockByID(ctx, id)
		if err != nil {
			return err
		}
		if err := tx.ReplaceAllowedCompanies(ctx, id, allowed); err != nil {
			return err
		}
		o.AllowedCompanies = allowed
		out = o
		return nil
	})
	if err != nil {
		return SuperOwner{}, err
	}
	return out, nil
}

// Deactivate revokes a delegated owner. The primary owner cannot be revoked.
func (s *Service) Deactivate(ctx context.Context, id int64) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockSingleton(ctx); err != nil {
			return err
		}
		o, err := tx.LockByID(ctx, id)
		if err != nil {
			return err
		}
		if o.IsPrimaryOwner {
			return ErrPrimaryOwner
		}
		return tx.SetActive(ctx, id, false)
	})
}

func normalizeIDs(ids []int64) []int64 {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id > 0 {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
