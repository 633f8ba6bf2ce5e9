package activation

import (
	"context"
	"fmt"
	"time"

	"github.com/buildtrack/buildtrack/internal/companies"
	"github.com/buildtrack/buildtrack/internal/rbac"
	"github.com/buildtrack/buildtrack/internal/users"
)

// provision creates what an approved request asks for inside tx:
//
//   - company_registration: company, its default roles, the account and an admin membership
//   - user_invitation: the account and a membership in the target company with the requested role
//   - individual and user registrations: the account only
func provision(ctx context.Context, tx TxRepository, companyPort CompanyPort, req Request, reviewerID int64, now time.Time) (ApprovalResult, error) {
	var (
		companyID   int64
		roleID      int64
		accountType = users.AccountIndividual
	)
	switch req.Type {
	case TypeCompanyRegistration:
		c, err := companyPort.Prepare(companyInput(req.CompanyName, req.CompanyDescription, req.Email, req.CompanyPhone,
			req.CompanyAddress, req.CompanyWebsite, req.CompanyRegistrationNumber))
		if err != nil {
			return ApprovalResult{}, fmt.Errorf("%w: %w", ErrValidation, err)
		}
		p, err := companies.Provision(ctx, tx.Companies(), c)
		if err != nil {
			return ApprovalResult{}, err
		}
		companyID = p.Company.ID
		roleID = p.AdminRole().ID
		accountType = users.AccountCompany
	case TypeUserInvitation:
		if req.TargetCompanyID == nil {
			return ApprovalResult{}, fmt.Errorf("%w: invitation without target company", ErrValidation)
		}
		companyID = *req.TargetCompanyID
		id, err := tx.FindRoleID(ctx, companyID, req.RequestedRole)
		if err != nil {
			return ApprovalResult{}, err
		}
		roleID = id
		accountType = users.AccountCompany
	}

	acct, creds, err := users.NewAccount(users.NewAccountInput{
		Username:    req.Username,
		Email:       req.Email,
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		Phone:       req.Phone,
		AccountType: accountType,
		ActivatedBy: reviewerID,
		ActivatedAt: now,
	})
	if err != nil {
		return ApprovalResult{}, err
	}
	if companyID > 0 {
		acct.Profile.LastCompanyID = &companyID
	}
	acct, err = tx.Accounts().CreateAccount(ctx, acct)
	if err != nil {
		return ApprovalResult{}, err
	}
	if companyID > 0 {
		m := rbac.Membership{
			UserID:    acct.User.ID,
			CompanyID: companyID,
			RoleID:    &roleID,
			Status:    rbac.MembershipActive,
			InvitedBy: req.InvitedBy,
			JoinedAt:  &now,
		}
		if _, err := tx.Companies().CreateMembership(ctx, m); err != nil {
			return ApprovalResult{}, err
		}
	}
	return ApprovalResult{UserID: acct.User.ID, CompanyID: companyID, Credentials: creds}, nil
}
