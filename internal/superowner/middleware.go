package superowner

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/buildtrack/buildtrack/internal/platform/httpx"
	"github.com/buildtrack/buildtrack/internal/shared"
)

// OwnerLookup resolves the super owner of a user.
type OwnerLookup interface {
	GetByUser(ctx context.Context, userID int64) (SuperOwner, error)
}

type ownerContextKey struct{}

// ContextWithOwner stores the resolved super owner.
func ContextWithOwner(ctx context.Context, o SuperOwner) context.Context {
	return context.WithValue(ctx, ownerContextKey{}, o)
}

// OwnerFromContext returns the super owner resolved by RequireCapability.
func OwnerFromContext(ctx context.Context) (SuperOwner, bool) {
	o, ok := ctx.Value(ownerContextKey{}).(SuperOwner)
	return o, ok
}

// RequireCapability admits active super owners holding c. Company roles
// play no part in the decision.
func RequireCapability(owners OwnerLookup, logger *slog.Logger, c Capability) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			userID, ok := shared.UserIDFromContext(ctx)
			if !ok {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "login required")
				return
			}
			o, err := owners.GetByUser(ctx, userID)
			if err != nil && !errors.Is(err, ErrNotFound) {
				logger.Error("superowner lookup", slog.Any("error", err))
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			if err != nil || !o.Has(c) {
				httpx.Problem(w, http.StatusForbidden, "Forbidden", "super owner capability "+string(c)+" required")
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithOwner(ctx, o)))
		})
	}
}
