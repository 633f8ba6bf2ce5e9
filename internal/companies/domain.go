package companies

import (
	"fmt"
	"time"

	"github.com/buildtrack/buildtrack/internal/platform/httpx"
)

// SubscriptionType enumerates the billing tiers a company can be on.
type SubscriptionType string

const (
	SubscriptionTrial        SubscriptionType = "trial"
	SubscriptionBasic        SubscriptionType = "basic"
	SubscriptionProfessional SubscriptionType = "professional"
	SubscriptionEnterprise   SubscriptionType = "enterprise"
)

// Valid reports whether s is a known tier.
func (s SubscriptionType) Valid() bool {
	switch s {
	case SubscriptionTrial, SubscriptionBasic, SubscriptionProfessional, SubscriptionEnterprise:
		return true
	}
	return false
}

// Company is a tenant. It owns its roles and memberships.
type Company struct {
	ID                 int64            `json:"id"`
	Name               string           `json:"name"`
	Slug               string           `json:"slug"`
	Description        string           `json:"description"`
	Email              string           `json:"email"`
	Phone              string           `json:"phone"`
	Address            string           `json:"address"`
	Website            string           `json:"website"`
	RegistrationNumber string           `json:"registration_number"`
	SubscriptionType   SubscriptionType `json:"subscription_type"`
	SubscriptionEndsAt *time.Time       `json:"subscription_ends_at,omitempty"`
	Timezone           string           `json:"timezone"`
	Currency           string           `json:"currency"`
	IsActive           bool             `json:"is_active"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// SubscriptionActive reports whether the company may still use the product at now.
func (c Company) SubscriptionActive(now time.Time) bool {
	if !c.IsActive {
		return false
	}
	return c.SubscriptionEndsAt == nil || !now.After(*c.SubscriptionEndsAt)
}

// CreateInput carries the fields accepted when registering a company.
type CreateInput struct {
	ActorID            int64
	Name               string           `validate:"required,max=200"`
	Description        string           `validate:"max=2000"`
	Email              string           `validate:"omitempty,email"`
	Phone              string           `validate:"max=20"`
	Address            string           `validate:"max=500"`
	Website            string           `validate:"omitempty,url"`
	RegistrationNumber string           `validate:"max=100"`
	SubscriptionType   SubscriptionType `validate:"omitempty,oneof=trial basic professional enterprise"`
	Timezone           string           `validate:"omitempty,max=50"`
	Currency           string           `validate:"omitempty,len=3"`
}

// ListFilter narrows List results.
type ListFilter struct {
	ActiveOnly bool
	Search     string
	Page       int
	PerPage    int
}

var (
	// ErrNotFound indicates the company does not exist.
	ErrNotFound = fmt.Errorf("companies: %w", httpx.ErrNotFound)
	// ErrDuplicate reports a slug collision.
	ErrDuplicate = fmt.Errorf("companies: %w", httpx.ErrDuplicate)
	// ErrValidation covers malformed input.
	ErrValidation = fmt.Errorf("companies: %w", httpx.ErrValidation)
)
