package auth

import (
	"net/http"
	"strings"
)

// Scopes grantable to API keys.
const (
	ScopeIngestWrite      = "ingest:write"
	ScopeEvidenceWrite    = "evidence:write"
	ScopeEvidenceRead     = "evidence:read"
	ScopeWebhooksWrite    = "webhooks:write"
	ScopeWebhooksRead     = "webhooks:read"
	ScopeCertificatesRead = "certificates:read"
	ScopeAdmin            = "admin"
)

// ValidScopes enumerates every grantable scope.
var ValidScopes = []string{
	ScopeIngestWrite,
	ScopeEvidenceWrite,
	ScopeEvidenceRead,
	ScopeWebhooksWrite,
	ScopeWebhooksRead,
	ScopeCertificatesRead,
	ScopeAdmin,
}

// DefaultTenantScopes is the scope set granted to a tenant's first key.
// Admin is never granted by default.
var DefaultTenantScopes = []string{
	ScopeIngestWrite,
	ScopeEvidenceWrite,
	ScopeEvidenceRead,
	ScopeWebhooksWrite,
	ScopeWebhooksRead,
	ScopeCertificatesRead,
}

// IsValidScope reports whether s is a known scope name.
func IsValidScope(s string) bool {
	for _, v := range ValidScopes {
		if v == s {
			return true
		}
	}
	return false
}

// PublicPath reports whether the path bypasses authentication, scope,
// rate-limit, allowlist, and idempotency handling. JWKS is public so
// third parties can verify certificates without a key.
func PublicPath(path string) bool {
	switch path {
	case "/health", "/ready", "/metrics", "/v1/keys/jwks.json":
		return true
	}
	return false
}

// RequiredScope returns the scope a route demands. ok=false means the
// route carries no scope requirement.
func RequiredScope(method, path string) (scope string, ok bool) {
	if strings.HasPrefix(path, "/admin/") || path == "/admin" {
		return ScopeAdmin, true
	}
	switch {
	case path == "/v1/ingest" && method == http.MethodPost:
		return ScopeIngestWrite, true
	case path == "/v1/evidence-packs" && method == http.MethodPost:
		return ScopeEvidenceWrite, true
	case strings.HasPrefix(path, "/v1/evidence-packs/") && method == http.MethodGet:
		return ScopeEvidenceRead, true
	case strings.HasPrefix(path, "/v1/certificates/") && method == http.MethodGet:
		return ScopeCertificatesRead, true
	case strings.HasPrefix(path, "/v1/keys/") && method == http.MethodGet:
		return ScopeCertificatesRead, true
	case path == "/v1/webhooks" && method == http.MethodPost:
		return ScopeWebhooksWrite, true
	case strings.HasPrefix(path, "/v1/webhooks/") && method == http.MethodPost:
		return ScopeWebhooksWrite, true
	case path == "/v1/webhooks" && method == http.MethodGet:
		return ScopeWebhooksRead, true
	case strings.HasPrefix(path, "/v1/webhooks/") && method == http.MethodGet:
		return ScopeWebhooksRead, true
	}
	return "", false
}
