package auth

import (
	"context"

	"github.com/originhq/origin/pkg/store"
)

type contextKey string

const identityKey contextKey = "auth_identity"

// Identity is the resolved caller: the API key row and its tenant.
type Identity struct {
	Key    *APIKey
	Tenant *store.Tenant
}

// WithIdentity attaches the caller identity to the context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFrom returns the caller identity, or nil on public routes.
func IdentityFrom(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey).(*Identity)
	return id
}

// TenantIDFrom returns the authenticated tenant id, or "".
func TenantIDFrom(ctx context.Context) string {
	if id := IdentityFrom(ctx); id != nil && id.Tenant != nil {
		return id.Tenant.ID
	}
	return ""
}
