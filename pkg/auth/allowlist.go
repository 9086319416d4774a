package auth

import (
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/originhq/origin/pkg/api"
	"github.com/originhq/origin/pkg/observability"
)

// ClientIP extracts the caller address: first X-Forwarded-For hop when
// present, else the connection peer.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// matchAllowlist checks ip against CIDR and exact entries. Unparseable
// entries are collected, not fatal; the caller decides fail-open or
// fail-closed.
func matchAllowlist(entries []string, ip net.IP) (matched bool, badEntries []string) {
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			_, cidr, err := net.ParseCIDR(entry)
			if err != nil {
				badEntries = append(badEntries, entry)
				continue
			}
			if cidr.Contains(ip) {
				matched = true
			}
			continue
		}
		exact := net.ParseIP(entry)
		if exact == nil {
			badEntries = append(badEntries, entry)
			continue
		}
		if exact.Equal(ip) {
			matched = true
		}
	}
	return matched, badEntries
}

// IPAllowlistMiddleware enforces the tenant's IP allowlist. Tenants
// without an allowlist pass through. Unparseable entries fail open when
// failOpen is set (development, or forced by configuration) and fail
// closed otherwise; every bad entry is counted and logged.
func IPAllowlistMiddleware(failOpen bool, metrics *observability.Metrics, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if PublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			id := IdentityFrom(r.Context())
			if id == nil || id.Tenant == nil || len(id.Tenant.IPAllowlist) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			ipStr := ClientIP(r)
			ip := net.ParseIP(ipStr)
			if ip == nil {
				logger.Warn("unparseable client ip", "tenant_id", id.Tenant.ID, "ip", ipStr)
				metrics.RecordIPAllowlistParseError(r.Context(), id.Tenant.ID)
				if failOpen {
					next.ServeHTTP(w, r)
					return
				}
				api.WriteForbidden(w, r, "client IP not allowed", "ip_denied")
				return
			}

			matched, badEntries := matchAllowlist(id.Tenant.IPAllowlist, ip)
			for _, entry := range badEntries {
				logger.Warn("unparseable ip allowlist entry", "tenant_id", id.Tenant.ID, "entry", entry)
				metrics.RecordIPAllowlistParseError(r.Context(), id.Tenant.ID)
			}
			if matched {
				next.ServeHTTP(w, r)
				return
			}
			if len(badEntries) > 0 && failOpen {
				logger.Warn("ip allowlist failing open on parse errors", "tenant_id", id.Tenant.ID, "ip", ipStr)
				next.ServeHTTP(w, r)
				return
			}
			api.WriteForbidden(w, r, "client IP not allowed", "ip_denied")
		})
	}
}
