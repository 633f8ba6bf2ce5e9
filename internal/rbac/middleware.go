package rbac

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/buildtrack/buildtrack/internal/platform/httpx"
	"github.com/buildtrack/buildtrack/internal/shared"
)

// SuperOwnerChecker answers for users that operate through the super owner
// overlay. Their access comes from capability flags and the allowed company
// scope, never from company roles.
type SuperOwnerChecker interface {
	IsSuperOwner(ctx context.Context, userID int64) (bool, error)
	ManagesCompanies(ctx context.Context, userID int64) (bool, error)
	CanManageCompany(ctx context.Context, userID, companyID int64) (bool, error)
}

// CompanyResolver picks the tenant for a user without an explicit selection.
type CompanyResolver interface {
	CurrentCompany(ctx context.Context, userID int64) (int64, error)
}

// Middleware wires RBAC authorization helpers for HTTP handlers.
type Middleware struct {
	Engine      *Engine
	Companies   CompanyResolver
	SuperOwners SuperOwnerChecker
	Logger      *slog.Logger
}

type superOwnerContextKey struct{}

// IsSuperOwnerRequest reports whether Tenant flagged the request as a super owner's.
func IsSuperOwnerRequest(ctx context.Context) bool {
	ok, _ := ctx.Value(superOwnerContextKey{}).(bool)
	return ok
}

// Tenant resolves the current company for the authenticated user. Super
// owners skip company selection and may target a company with ?company_id=.
func (m Middleware) Tenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		userID, ok := shared.UserIDFromContext(ctx)
		if !ok {
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "login required")
			return
		}
		if m.SuperOwners != nil {
			isSuper, err := m.SuperOwners.IsSuperOwner(ctx, userID)
			if err != nil {
				m.fail(w, "rbac super owner lookup", err)
				return
			}
			if isSuper {
				ctx = context.WithValue(ctx, superOwnerContextKey{}, true)
				if raw := r.URL.Query().Get("company_id"); raw != "" {
					companyID, err := strconv.ParseInt(raw, 10, 64)
					if err != nil || companyID <= 0 {
						httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid company id")
						return
					}
					ctx = shared.ContextWithCompanyID(ctx, companyID)
				}
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
		}
		companyID, err := m.selectedCompany(ctx, userID)
		if err != nil {
			m.fail(w, "rbac resolve company", err)
			return
		}
		if companyID == 0 {
			httpx.Problem(w, http.StatusForbidden, "Forbidden", "select a company to continue")
			return
		}
		next.ServeHTTP(w, r.WithContext(shared.ContextWithCompanyID(ctx, companyID)))
	})
}

// selectedCompany honours a session selection while its membership is still
// active, otherwise falls back to the resolver.
func (m Middleware) selectedCompany(ctx context.Context, userID int64) (int64, error) {
	if sess := shared.SessionFromContext(ctx); sess != nil {
		if selected := sess.Company(); selected > 0 {
			member, err := m.Engine.ActiveMembership(ctx, userID, selected)
			if err != nil && !isLookupMiss(err) {
				return 0, err
			}
			if member != nil {
				return selected, nil
			}
		}
	}
	if m.Companies == nil {
		return 0, nil
	}
	return m.Companies.CurrentCompany(ctx, userID)
}

// RequirePermission enforces one (resource, action) tuple in the current company.
func (m Middleware) RequirePermission(resource Resource, action Action) func(http.Handler) http.Handler {
	return m.guard(func(ctx context.Context, userID, companyID int64) (bool, error) {
		return m.Engine.HasPermission(ctx, userID, companyID, resource, action)
	})
}

// RequireAdmin requires role.is_admin in the current company.
func (m Middleware) RequireAdmin(next http.Handler) http.Handler {
	return m.guard(func(ctx context.Context, userID, companyID int64) (bool, error) {
		return m.Engine.IsCompanyAdmin(ctx, userID, companyID)
	})(next)
}

// RequireSupervisor requires a supervisor or admin role in the current company.
func (m Middleware) RequireSupervisor(next http.Handler) http.Handler {
	return m.guard(func(ctx context.Context, userID, companyID int64) (bool, error) {
		member, err := m.Engine.ActiveMembership(ctx, userID, companyID)
		if err != nil {
			return false, err
		}
		return IsCompanySupervisor(member) || IsCompanyAdmin(member), nil
	})(next)
}

// RequireAny ensures the current user has at least one of the "resource.action" permissions.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	required := normalizePermissionNames(perms)
	return m.guard(func(ctx context.Context, userID, companyID int64) (bool, error) {
		granted, err := m.Engine.EffectivePermissions(ctx, userID, companyID)
		if err != nil {
			return false, err
		}
		return hasAnyPermission(granted, required), nil
	})
}

// RequireAll ensures the current user has all of the "resource.action" permissions.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	required := normalizePermissionNames(perms)
	return m.guard(func(ctx context.Context, userID, companyID int64) (bool, error) {
		granted, err := m.Engine.EffectivePermissions(ctx, userID, companyID)
		if err != nil {
			return false, err
		}
		return hasAllPermissions(granted, required), nil
	})
}

type decideFunc func(ctx context.Context, userID, companyID int64) (bool, error)

// guard runs decide for tenant users. Super owners flagged by Tenant are
// judged by superOwnerAllowed instead.
func (m Middleware) guard(decide decideFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			userID, ok := shared.UserIDFromContext(ctx)
			if !ok {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "login required")
				return
			}
			if IsSuperOwnerRequest(ctx) {
				allowed, err := m.superOwnerAllowed(ctx, userID)
				if err != nil {
					m.fail(w, "rbac super owner decide", err)
					return
				}
				if !allowed {
					httpx.Problem(w, http.StatusForbidden, "Forbidden", "super owner capability manage_companies required")
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			companyID, ok := shared.CompanyIDFromContext(ctx)
			if !ok {
				httpx.Problem(w, http.StatusForbidden, "Forbidden", "no company selected")
				return
			}
			allowed, err := decide(ctx, userID, companyID)
			if err != nil {
				m.fail(w, "rbac decide", err)
				return
			}
			if !allowed {
				httpx.Problem(w, http.StatusForbidden, "Forbidden", "access denied")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// superOwnerAllowed requires manage_companies, narrowed to the allowed
// company scope when the request targets a company. Handlers acting on a
// single record re-check the record's company with CanManageCompany.
func (m Middleware) superOwnerAllowed(ctx context.Context, userID int64) (bool, error) {
	if m.SuperOwners == nil {
		return false, nil
	}
	if companyID, ok := shared.CompanyIDFromContext(ctx); ok {
		return m.SuperOwners.CanManageCompany(ctx, userID, companyID)
	}
	return m.SuperOwners.ManagesCompanies(ctx, userID)
}

func (m Middleware) fail(w http.ResponseWriter, msg string, err error) {
	if isLookupMiss(err) {
		httpx.RespondError(w, err)
		return
	}
	if m.Logger != nil {
		m.Logger.Error(msg, slog.Any("error", err))
	}
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

func isLookupMiss(err error) bool {
	return httpx.StatusFor(err) == http.StatusNotFound
}

func normalizePermissionNames(perms []string) []string {
	unique := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		unique[p] = struct{}{}
	}
	normalized := make([]string, 0, len(unique))
	for p := range unique {
		normalized = append(normalized, p)
	}
	return normalized
}

func hasAnyPermission(granted []string, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(granted))
	for _, p := range granted {
		set[strings.ToLower(p)] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; ok {
			return true
		}
	}
	return false
}

func hasAllPermissions(granted []string, required []string) bool {
	set := make(map[string]struct{}, len(granted))
	for _, p := range granted {
		set[strings.ToLower(p)] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; !ok {
			return false
		}
	}
	return true
}
