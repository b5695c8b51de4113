package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront-checkout/internal/domain/auth"
)

// API key headers, checked in order.
const (
	HeaderAPIKey    = "api_key"
	HeaderXAPIKey   = "X-API-Key"
	messageNoAPIKey = "api key required"
)

type apiKeyCtxKey struct{}

// APIKeyFrom returns the key that authenticated the request, if any.
func APIKeyFrom(ctx context.Context) (*auth.APIKeyInfo, bool) {
	info, ok := ctx.Value(apiKeyCtxKey{}).(*auth.APIKeyInfo)
	return info, ok
}

// RequireAPIKey rejects requests whose API key is missing, unknown or lacks
// scope. Missing and unknown keys get 401; a known key without the scope
// gets 403.
func (h *Handler) RequireAPIKey(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
			if key == "" {
				key = strings.TrimSpace(r.Header.Get(HeaderXAPIKey))
			}
			if key == "" {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Code: http.StatusUnauthorized, Message: messageNoAPIKey})
				return
			}

			info, err := h.auth.Authenticate(r.Context(), key, scope)
			switch {
			case errors.Is(err, auth.ErrUnknownKey):
				writeJSON(w, http.StatusUnauthorized, errorResponse{Code: http.StatusUnauthorized, Message: err.Error()})
				return
			case err != nil:
				writeError(w, r, err)
				return
			}

			ctx := context.WithValue(r.Context(), apiKeyCtxKey{}, info)
			zctx.From(ctx).Debug("Admin request authenticated",
				zap.String("api_key_id", info.ID),
				zap.String("api_key_name", info.Name),
			)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
