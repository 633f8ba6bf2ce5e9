package activation

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"

	"github.com/buildtrack/buildtrack/internal/platform/httpx"
	"github.com/buildtrack/buildtrack/internal/shared"
	"github.com/buildtrack/buildtrack/internal/superowner"
)

const (
	submitRateLimit  = 5
	submitRateWindow = time.Minute
)

// Handler exposes the activation workflow over HTTP.
type Handler struct {
	logger  *slog.Logger
	service *Service
	owners  superowner.OwnerLookup
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, owners superowner.OwnerLookup) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, owners: owners}
}

// MountRoutes registers the public submit and tracking routes and the
// reviewer routes, which need the activate_accounts capability.
func (h *Handler) MountRoutes(r chi.Router) {
	limiter := httprate.Limit(submitRateLimit, submitRateWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.Problem(w, http.StatusTooManyRequests, "Too Many Requests", "submission rate exceeded")
		}),
	)
	r.Group(func(r chi.Router) {
		r.Use(limiter)
		r.Post("/requests", h.submit)
		r.Post("/track/{token}/documents", h.attachByToken)
	})
	r.Get("/track/{token}", h.track)

	r.Group(func(r chi.Router) {
		r.Use(superowner.RequireCapability(h.owners, h.logger, superowner.CapActivateAccounts))
		r.Get("/requests", h.list)
		r.Get("/requests/{id}", h.get)
		r.Get("/requests/{id}/history", h.history)
		r.Get("/requests/{id}/documents", h.documents)
		r.Post("/requests/{id}/review", h.review)
		r.Post("/requests/{id}/require-documents", h.requireDocuments)
		r.Post("/requests/{id}/approve", h.approve)
		r.Post("/requests/{id}/reject", h.reject)
		r.Post("/documents/{docID}/approve", h.documentVerdict(h.service.ApproveDocument))
		r.Post("/documents/{docID}/reject", h.documentVerdict(h.service.RejectDocument))
		r.Post("/documents/{docID}/revise", h.documentVerdict(h.service.RequireDocumentRevision))
	})
}

type reasonBody struct {
	Reason string `json:"reason"`
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	var input SubmitInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		h.respondError(w, err)
		return
	}
	input.Metadata = Metadata{RequestSource: "web", IPAddress: clientIP(r), UserAgent: r.UserAgent()}
	req, err := h.service.Submit(r.Context(), input)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"id":               req.ID,
		"status":           req.Status,
		"activation_token": req.Token,
		"expires_at":       req.ExpiresAt,
	})
}

func (h *Handler) track(w http.ResponseWriter, r *http.Request) {
	req, err := h.service.GetByToken(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"id":               req.ID,
		"request_type":     req.Type,
		"status":           req.Status,
		"expires_at":       req.ExpiresAt,
		"rejection_reason": req.RejectionReason,
	})
}

func (h *Handler) attachByToken(w http.ResponseWriter, r *http.Request) {
	req, err := h.service.GetByToken(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	var input DocumentInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		h.respondError(w, err)
		return
	}
	doc, err := h.service.AttachDocument(r.Context(), req.ID, input)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, doc)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{
		Status: Status(q.Get("status")),
		Type:   RequestType(q.Get("type")),
		Email:  q.Get("email"),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		h.respondError(w, ErrValidation)
		return
	}
	if filter.Type != "" && !filter.Type.Valid() {
		h.respondError(w, ErrValidation)
		return
	}
	filter.Page, _ = strconv.Atoi(q.Get("page"))
	filter.PerPage, _ = strconv.Atoi(q.Get("per_page"))
	items, page, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"requests": items, "pagination": page})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	req, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, req)
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	logs, err := h.service.History(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"history": logs})
}

func (h *Handler) documents(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	docs, err := h.service.ListDocuments(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (h *Handler) review(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	req, err := h.service.MarkUnderReview(r.Context(), id, reviewer(r))
	h.respondRequest(w, req, err)
}

func (h *Handler) requireDocuments(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	var body reasonBody
	if err := decodeOptional(r, &body); err != nil {
		h.respondError(w, err)
		return
	}
	req, err := h.service.RequireDocuments(r.Context(), id, reviewer(r), body.Reason)
	h.respondRequest(w, req, err)
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	var body reasonBody
	if err := decodeOptional(r, &body); err != nil {
		h.respondError(w, err)
		return
	}
	req, err := h.service.Reject(r.Context(), id, reviewer(r), body.Reason)
	h.respondRequest(w, req, err)
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	result, err := h.service.Approve(r.Context(), id, reviewer(r))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.NoStore(w)
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) documentVerdict(fn func(ctx context.Context, id uuid.UUID, review DocumentReview) (Document, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := h.uuidParam(w, r, "docID")
		if !ok {
			return
		}
		var review DocumentReview
		if err := decodeOptional(r, &review); err != nil {
			h.respondError(w, err)
			return
		}
		review.ReviewerID = reviewer(r)
		doc, err := fn(r.Context(), id, review)
		if err != nil {
			h.respondError(w, err)
			return
		}
		httpx.JSON(w, http.StatusOK, doc)
	}
}

func (h *Handler) respondRequest(w http.ResponseWriter, req Request, err error) {
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, req)
}

func (h *Handler) uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

// decodeOptional treats an empty body as an empty object.
func decodeOptional(r *http.Request, target any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return httpx.DecodeJSON(r, target)
}

func reviewer(r *http.Request) int64 {
	userID, _ := shared.UserIDFromContext(r.Context())
	return userID
}

func clientIP(r *http.Request) string {
	ip, err := httprate.KeyByIP(r)
	if err != nil {
		return ""
	}
	return ip
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	if httpx.StatusFor(err) == http.StatusInternalServerError {
		h.logger.Error("activation handler", slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
