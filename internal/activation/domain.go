// Package activation implements the registration workflow: a request is
// submitted, reviewed by a super owner and either approved, which provisions
// the account (and company) in the same transaction, or rejected.
package activation

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/buildtrack/buildtrack/internal/users"
)

// RequestType is the kind of account a request asks for.
type RequestType string

const (
	TypeCompanyRegistration    RequestType = "company_registration"
	TypeIndividualRegistration RequestType = "individual_registration"
	TypeUserInvitation         RequestType = "user_invitation"
	TypeUserRegistration       RequestType = "user_registration"
)

// Valid reports whether t is a known request type.
func (t RequestType) Valid() bool {
	switch t {
	case TypeCompanyRegistration, TypeIndividualRegistration, TypeUserInvitation, TypeUserRegistration:
		return true
	}
	return false
}

// Status is the workflow state of a request.
type Status string

const (
	StatusPending           Status = "pending"
	StatusDocumentsRequired Status = "documents_required"
	StatusUnderReview       Status = "under_review"
	StatusApproved          Status = "approved"
	StatusRejected          Status = "rejected"
	StatusExpired           Status = "expired"
)

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusExpired
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusDocumentsRequired, StatusUnderReview, StatusApproved, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// legalFrom lists, per target, the statuses a reviewer may move a request from.
var legalFrom = map[Status][]Status{
	StatusUnderReview:       {StatusPending, StatusDocumentsRequired},
	StatusDocumentsRequired: {StatusPending, StatusUnderReview},
	StatusApproved:          {StatusPending, StatusUnderReview, StatusDocumentsRequired},
	StatusRejected:          {StatusPending, StatusUnderReview, StatusDocumentsRequired},
}

// CanTransition reports whether a reviewer may move a request from one status to another.
func CanTransition(from, to Status) bool {
	return slices.Contains(legalFrom[to], from)
}

// Metadata describes where a request came from.
type Metadata struct {
	RequestSource string `json:"request_source,omitempty"`
	IPAddress     string `json:"ip_address,omitempty"`
	UserAgent     string `json:"user_agent,omitempty"`
}

// Request is a pending application for an account.
type Request struct {
	ID                        uuid.UUID   `json:"id"`
	Type                      RequestType `json:"request_type"`
	Status                    Status      `json:"status"`
	Email                     string      `json:"email"`
	Username                  string      `json:"username,omitempty"`
	FirstName                 string      `json:"first_name"`
	LastName                  string      `json:"last_name"`
	Phone                     string      `json:"phone,omitempty"`
	CompanyName               string      `json:"company_name,omitempty"`
	CompanyDescription        string      `json:"company_description,omitempty"`
	CompanyWebsite            string      `json:"company_website,omitempty"`
	CompanyAddress            string      `json:"company_address,omitempty"`
	CompanyRegistrationNumber string      `json:"company_registration_number,omitempty"`
	CompanyPhone              string      `json:"company_phone,omitempty"`
	TargetCompanyID           *int64      `json:"target_company_id,omitempty"`
	RequestedRole             string      `json:"requested_role,omitempty"`
	InvitedBy                 *int64      `json:"invited_by,omitempty"`
	ReviewedBy                *int64      `json:"reviewed_by,omitempty"`
	ReviewedAt                *time.Time  `json:"reviewed_at,omitempty"`
	RejectionReason           string      `json:"rejection_reason,omitempty"`
	ProvisionedUserID         *int64      `json:"provisioned_user_id,omitempty"`
	ProvisionedCompanyID      *int64      `json:"provisioned_company_id,omitempty"`
	Token                     string      `json:"-"`
	ExpiresAt                 time.Time   `json:"expires_at"`
	Metadata                  Metadata    `json:"metadata"`
	CreatedAt                 time.Time   `json:"created_at"`
	UpdatedAt                 time.Time   `json:"updated_at"`
}

// Expired reports whether the request's window closed before now.
func (r Request) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// FullName joins the requester's names.
func (r Request) FullName() string {
	return strings.TrimSpace(r.FirstName + " " + r.LastName)
}

// SubmitInput is the payload of a new request. Company fields are kept only
// for company registrations and invitation fields only for invitations.
type SubmitInput struct {
	Type                      RequestType `json:"request_type" validate:"required,oneof=company_registration individual_registration user_invitation user_registration"`
	Email                     string      `json:"email" validate:"required,email,max=254"`
	Username                  string      `json:"username" validate:"omitempty,max=150"`
	FirstName                 string      `json:"first_name" validate:"required,max=100"`
	LastName                  string      `json:"last_name" validate:"required,max=100"`
	Phone                     string      `json:"phone" validate:"omitempty,max=20"`
	CompanyName               string      `json:"company_name" validate:"required_if=Type company_registration,max=200"`
	CompanyDescription        string      `json:"company_description" validate:"max=2000"`
	CompanyWebsite            string      `json:"company_website" validate:"omitempty,url"`
	CompanyAddress            string      `json:"company_address" validate:"max=500"`
	CompanyRegistrationNumber string      `json:"company_registration_number" validate:"max=100"`
	CompanyPhone              string      `json:"company_phone" validate:"max=20"`
	TargetCompanyID           *int64      `json:"target_company_id" validate:"required_if=Type user_invitation"`
	RequestedRole             string      `json:"requested_role" validate:"required_if=Type user_invitation,max=100"`
	InvitedBy                 *int64      `json:"invited_by" validate:"omitempty,gt=0"`
	Metadata                  Metadata    `json:"-"`
}

// ListFilter narrows List. Zero values match everything.
type ListFilter struct {
	Status  Status
	Type    RequestType
	Email   string
	Page    int
	PerPage int
}

// ApprovalResult carries what Approve provisioned. Credentials hold the only
// plaintext copy of the generated password.
type ApprovalResult struct {
	Request     Request           `json:"request"`
	UserID      int64             `json:"user_id"`
	CompanyID   int64             `json:"company_id,omitempty"`
	Credentials users.Credentials `json:"credentials"`
}
