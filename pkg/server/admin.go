package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/originhq/origin/pkg/api"
	"github.com/originhq/origin/pkg/auth"
	"github.com/originhq/origin/pkg/policy"
	"github.com/originhq/origin/pkg/store"
)

type tenantCreateRequest struct {
	Label           string `json:"label"`
	PolicyProfileID string `json:"policy_profile_id"`
}

type tenantCreateResponse struct {
	Tenant   *store.Tenant `json:"tenant"`
	APIKeyID string        `json:"api_key_id"`
	APIKey   string        `json:"api_key"`
	Scopes   []string      `json:"scopes"`
}

// handleTenantCreate provisions a tenant: policy profile binding plus
// one API key with the default scope set. The raw key appears in this
// response and nowhere else.
func (s *Server) handleTenantCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.WriteMethodNotAllowed(w, r)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		api.WriteBadRequest(w, r, "request body unreadable or too large")
		return
	}
	if err := api.ValidateRequest(api.SchemaTenantCreate, raw); err != nil {
		api.WriteBadRequest(w, r, err.Error())
		return
	}
	var req tenantCreateRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		api.WriteBadRequest(w, r, "malformed JSON body")
		return
	}

	profileID := req.PolicyProfileID
	if profileID == "" {
		profileID = policy.DefaultProfileID
	}
	profile, err := s.profiles.Latest(r.Context(), profileID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		api.WriteBadRequest(w, r, "unknown policy profile "+profileID)
		return
	case err != nil:
		api.WriteInternal(w, r, err)
		return
	}

	tenant := &store.Tenant{
		ID:              s.newID(),
		Label:           req.Label,
		PolicyProfileID: profile.ID,
		PolicyVersion:   profile.Version,
		CreatedAt:       s.now().UTC(),
	}
	if err := s.tenants.Create(r.Context(), tenant); err != nil {
		if errors.Is(err, store.ErrConflict) {
			api.WriteConflict(w, r, "tenant label already exists", "tenant_exists")
			return
		}
		api.WriteInternal(w, r, err)
		return
	}

	key, rawKey, err := s.keys.Create(r.Context(), tenant.ID, auth.DefaultTenantScopes)
	if err != nil {
		api.WriteInternal(w, r, err)
		return
	}

	s.logger.Info("tenant created",
		"tenant_id", tenant.ID, "label", tenant.Label,
		"policy_profile_id", profile.ID, "policy_version", profile.Version)

	api.WriteJSON(w, http.StatusCreated, tenantCreateResponse{
		Tenant:   tenant,
		APIKeyID: key.ID,
		APIKey:   rawKey,
		Scopes:   key.Scopes,
	})
}

// handleTenantSubtree serves POST /admin/tenants/{id}/rotate-api-key.
func (s *Server) handleTenantSubtree(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/admin/tenants/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "rotate-api-key" {
		api.WriteNotFound(w, r, "no such route")
		return
	}
	if r.Method != http.MethodPost {
		api.WriteMethodNotAllowed(w, r)
		return
	}
	s.rotateAPIKey(w, r, parts[0])
}

// rotateAPIKey revokes every active key and issues a single replacement
// carrying the union of the revoked scopes, so rotation never widens or
// narrows access.
func (s *Server) rotateAPIKey(w http.ResponseWriter, r *http.Request, tenantID string) {
	tenant, err := s.tenants.Get(r.Context(), tenantID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		api.WriteNotFound(w, r, "tenant not found")
		return
	case err != nil:
		api.WriteInternal(w, r, err)
		return
	}

	scopes, err := s.keys.RevokeAllForTenant(r.Context(), tenant.ID)
	if err != nil {
		api.WriteInternal(w, r, err)
		return
	}
	if len(scopes) == 0 {
		scopes = auth.DefaultTenantScopes
	}

	key, rawKey, err := s.keys.Create(r.Context(), tenant.ID, scopes)
	if err != nil {
		api.WriteInternal(w, r, err)
		return
	}

	s.logger.Info("api key rotated", "tenant_id", tenant.ID, "key_id", key.ID)

	api.WriteJSON(w, http.StatusOK, tenantCreateResponse{
		Tenant:   tenant,
		APIKeyID: key.ID,
		APIKey:   rawKey,
		Scopes:   key.Scopes,
	})
}
