package auth

import (
	"context"

	"github.com/buildtrack/buildtrack/internal/users"
)

// AccountFinder looks up an account by username or email.
type AccountFinder interface {
	FindByLogin(ctx context.Context, login string) (users.Account, error)
}

// Service wraps authentication business rules.
type Service struct {
	accounts AccountFinder
}

// NewService constructs a new Service.
func NewService(accounts AccountFinder) *Service {
	return &Service{accounts: accounts}
}

// Authenticate validates login/password credentials. Accounts that were not
// activated by a super owner cannot sign in.
func (s *Service) Authenticate(ctx context.Context, login, password string) (users.Account, error) {
	acct, err := s.accounts.FindByLogin(ctx, login)
	if err != nil {
		return users.Account{}, users.ErrInvalidCredentials
	}
	if !acct.User.IsActive || !acct.Profile.IsAccountActive {
		return users.Account{}, users.ErrInvalidCredentials
	}
	if !users.CheckPassword(acct.User.PasswordHash, password) {
		return users.Account{}, users.ErrInvalidCredentials
	}
	return acct, nil
}
