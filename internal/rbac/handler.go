package rbac

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/buildtrack/buildtrack/internal/platform/httpx"
	"github.com/buildtrack/buildtrack/internal/shared"
)

// Handler exposes tenant-scoped RBAC endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	rbac     Middleware
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbac Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac, validate: validator.New()}
}

// MountRoutes registers RBAC routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/permissions", h.listCatalog)
	r.Post("/me/company/{companyID}", h.switchCompany)

	r.Group(func(r chi.Router) {
		r.Use(h.rbac.Tenant)
		r.Get("/me/permissions", h.myPermissions)
		r.With(h.rbac.RequirePermission(ResourceUsers, ActionView)).Get("/roles", h.listRoles)
		r.Group(func(r chi.Router) {
			r.Use(h.rbac.RequireAdmin)
			r.Post("/roles", h.createRole)
			r.Put("/roles/{roleID}/permissions", h.setPermissions)
			r.Delete("/roles/{roleID}", h.deleteRole)
		})
	})
}

func (h *Handler) listCatalog(w http.ResponseWriter, r *http.Request) {
	perms := AllPermissions()
	names := make([]string, 0, len(perms))
	for _, p := range perms {
		names = append(names, p.String())
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": names})
}

func (h *Handler) myPermissions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if IsSuperOwnerRequest(ctx) {
		httpx.JSON(w, http.StatusOK, map[string]any{"super_owner": true, "permissions": []string{}})
		return
	}
	userID, _ := shared.UserIDFromContext(ctx)
	companyID, _ := shared.CompanyIDFromContext(ctx)
	perms, err := h.service.Engine().EffectivePermissions(ctx, userID, companyID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"company_id": companyID, "permissions": perms})
}

func (h *Handler) switchCompany(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := shared.UserIDFromContext(ctx)
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "login required")
		return
	}
	companyID, err := strconv.ParseInt(chi.URLParam(r, "companyID"), 10, 64)
	if err != nil || companyID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid company id")
		return
	}
	if err := h.service.SwitchCompany(ctx, userID, companyID); err != nil {
		h.respondError(w, err)
		return
	}
	if sess := shared.SessionFromContext(ctx); sess != nil {
		sess.SetCompany(companyID)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"company_id": companyID})
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	companyID, ok := shared.CompanyIDFromContext(ctx)
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "company required")
		return
	}
	roles, err := h.service.ListRoles(ctx, companyID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": roles})
}

type createRoleRequest struct {
	Name         string   `json:"name" validate:"required,max=100"`
	Description  string   `json:"description" validate:"max=500"`
	IsAdmin      bool     `json:"is_admin"`
	IsSupervisor bool     `json:"is_supervisor"`
	IsTeamMember bool     `json:"is_team_member"`
	Permissions  []string `json:"permissions" validate:"dive,required"`
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	companyID, ok := shared.CompanyIDFromContext(ctx)
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "company required")
		return
	}
	var req createRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	perms, err := parsePermissions(req.Permissions)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	role, err := h.service.CreateRole(ctx, RoleInput{
		CompanyID:    companyID,
		Name:         req.Name,
		Description:  req.Description,
		IsAdmin:      req.IsAdmin,
		IsSupervisor: req.IsSupervisor,
		IsTeamMember: req.IsTeamMember,
		Permissions:  perms,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, role)
}

type setPermissionsRequest struct {
	Permissions []string `json:"permissions" validate:"dive,required"`
}

func (h *Handler) setPermissions(w http.ResponseWriter, r *http.Request) {
	role, ok := h.companyRole(w, r)
	if !ok {
		return
	}
	var req setPermissionsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	perms, err := parsePermissions(req.Permissions)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.SetRolePermissions(r.Context(), role.ID, perms); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	role, ok := h.companyRole(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteRole(r.Context(), role.ID); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// companyRole loads the {roleID} param and hides roles of other companies.
// Super owners must be able to manage the role's company.
func (h *Handler) companyRole(w http.ResponseWriter, r *http.Request) (Role, bool) {
	ctx := r.Context()
	roleID, err := strconv.ParseInt(chi.URLParam(r, "roleID"), 10, 64)
	if err != nil || roleID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid role id")
		return Role{}, false
	}
	role, err := h.service.GetRole(ctx, roleID)
	if err != nil {
		h.respondError(w, err)
		return Role{}, false
	}
	if companyID, ok := shared.CompanyIDFromContext(ctx); ok && role.CompanyID != companyID {
		httpx.RespondError(w, ErrNotFound)
		return Role{}, false
	}
	if IsSuperOwnerRequest(ctx) {
		allowed, err := h.superOwnerScope(r, role.CompanyID)
		if err != nil {
			h.respondError(w, err)
			return Role{}, false
		}
		if !allowed {
			httpx.RespondError(w, ErrForbidden)
			return Role{}, false
		}
	}
	return role, true
}

func (h *Handler) superOwnerScope(r *http.Request, companyID int64) (bool, error) {
	if h.rbac.SuperOwners == nil {
		return false, nil
	}
	userID, _ := shared.UserIDFromContext(r.Context())
	return h.rbac.SuperOwners.CanManageCompany(r.Context(), userID, companyID)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	if httpx.StatusFor(err) == http.StatusInternalServerError {
		h.logger.Error("rbac handler", slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func parsePermissions(raw []string) ([]Permission, error) {
	perms := make([]Permission, 0, len(raw))
	for _, name := range raw {
		p, err := ParsePermission(name)
		if err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, nil
}
