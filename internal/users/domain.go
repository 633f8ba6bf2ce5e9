package users

import (
	"fmt"
	"strings"
	"time"

	"github.com/buildtrack/buildtrack/internal/platform/httpx"
)

// AccountType distinguishes company owners from individual accounts.
type AccountType string

const (
	AccountCompany    AccountType = "company"
	AccountIndividual AccountType = "individual"
)

// User represents a login account.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	FirstName    string    `json:"first_name"`
	LastName     string    `json:"last_name"`
	PasswordHash string    `json:"-"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

// FullName joins first and last name, falling back to the username.
func (u User) FullName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.Username
	}
	return name
}

// Profile holds activation state and the user's last selected company.
type Profile struct {
	UserID          int64       `json:"user_id"`
	AccountType     AccountType `json:"account_type"`
	Phone           string      `json:"phone"`
	IsAccountActive bool        `json:"is_account_active"`
	IsVerified      bool        `json:"is_verified"`
	ActivatedBy     *int64      `json:"activated_by,omitempty"`
	ActivatedAt     *time.Time  `json:"activated_at,omitempty"`
	LastCompanyID   *int64      `json:"last_company_id,omitempty"`
}

// Account is a user with its profile.
type Account struct {
	User    User    `json:"user"`
	Profile Profile `json:"profile"`
}

var (
	// ErrNotFound indicates the user does not exist.
	ErrNotFound = fmt.Errorf("users: %w", httpx.ErrNotFound)
	// ErrDuplicate reports a taken username.
	ErrDuplicate = fmt.Errorf("users: %w", httpx.ErrDuplicate)
	// ErrInvalidCredentials is returned for any failed login.
	ErrInvalidCredentials = fmt.Errorf("users: invalid credentials: %w", httpx.ErrUnauthorized)
)
