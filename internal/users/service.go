package users

import (
	"context"
)

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	Get(ctx context.Context, id int64) (Account, error)
	ListByCompany(ctx context.Context, companyID int64) ([]Account, error)
}

// Service handles user business logic.
type Service struct {
	repo RepositoryPort
}

// NewService builds Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// Get returns the account for id.
func (s *Service) Get(ctx context.Context, id int64) (Account, error) {
	return s.repo.Get(ctx, id)
}

// ListCompanyUsers returns the accounts with a membership in the company.
func (s *Service) ListCompanyUsers(ctx context.Context, companyID int64) ([]Account, error) {
	accounts, err := s.repo.ListByCompany(ctx, companyID)
	if err != nil {
		return nil, err
	}
	if accounts == nil {
		accounts = []Account{}
	}
	return accounts, nil
}
