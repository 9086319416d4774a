package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/originhq/origin/pkg/api"
	"github.com/originhq/origin/pkg/store"
)

// APIKeyHeader carries the raw key on every authenticated request.
const APIKeyHeader = "x-api-key"

// Middleware authenticates requests from the x-api-key header, resolves
// the owning tenant, and attaches both to the request context. Key usage
// is recorded on a background goroutine, never on the request path.
func Middleware(keys *KeyStore, tenants *store.TenantStore, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if PublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			rawKey := r.Header.Get(APIKeyHeader)
			if rawKey == "" {
				api.WriteUnauthorized(w, r, "API key required", "missing_api_key")
				return
			}

			key, err := keys.Authenticate(r.Context(), rawKey)
			if errors.Is(err, store.ErrNotFound) {
				api.WriteUnauthorized(w, r, "invalid or revoked API key", "invalid_api_key")
				return
			}
			if err != nil {
				api.WriteInternal(w, r, err)
				return
			}

			tenant, err := tenants.Get(r.Context(), key.TenantID)
			if errors.Is(err, store.ErrNotFound) {
				api.WriteUnauthorized(w, r, "invalid or revoked API key", "invalid_api_key")
				return
			}
			if err != nil {
				api.WriteInternal(w, r, err)
				return
			}

			go func(keyID string) {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := keys.TouchLastUsed(ctx, keyID, time.Now()); err != nil {
					logger.Warn("failed to record api key usage", "key_id", keyID, "error", err)
				}
			}(key.ID)

			ctx := WithIdentity(r.Context(), &Identity{Key: key, Tenant: tenant})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ScopeMiddleware enforces the per-route scope table against the
// authenticated key. Runs after Middleware.
func ScopeMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if PublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			required, ok := RequiredScope(r.Method, r.URL.Path)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			id := IdentityFrom(r.Context())
			if id == nil || id.Key == nil || !id.Key.HasScope(required) {
				api.WriteForbidden(w, r, "API key lacks required scope "+required, "scope_denied")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
