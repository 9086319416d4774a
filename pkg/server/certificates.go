package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/originhq/origin/pkg/api"
	"github.com/originhq/origin/pkg/certificate"
	"github.com/originhq/origin/pkg/store"
)

// jwksPath is published inside certificate responses so verifiers can
// find the key set without reading docs.
const jwksPath = "/v1/keys/jwks.json"

type certificateVerification struct {
	JWKSURL             string   `json:"jwks_url"`
	SignedPayloadFields []string `json:"signed_payload_fields"`
	Instructions        string   `json:"instructions"`
}

type certificateResponse struct {
	*certificate.Certificate
	Verification certificateVerification `json:"verification"`
}

// handleCertificate serves GET /v1/certificates/{id}: the stored
// certificate plus everything a third party needs to verify it offline.
func (s *Server) handleCertificate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w, r)
		return
	}
	tenant := tenantFrom(r)
	if tenant == nil {
		api.WriteUnauthorized(w, r, "authentication required", "missing_api_key")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/v1/certificates/")
	if id == "" || strings.Contains(id, "/") {
		api.WriteNotFound(w, r, "no such route")
		return
	}

	cert, err := s.certificates.Get(r.Context(), tenant.ID, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		api.WriteNotFound(w, r, "certificate not found")
		return
	case err != nil:
		api.WriteInternal(w, r, err)
		return
	}

	api.WriteJSON(w, http.StatusOK, certificateResponse{
		Certificate: cert,
		Verification: certificateVerification{
			JWKSURL:             jwksPath,
			SignedPayloadFields: certificate.SignedPayloadFields,
			Instructions:        "Verify signature using public key from JWKS endpoint",
		},
	})
}

// handleJWKS publishes every registered public key. The route is
// public; responses are cacheable because rotation keeps old keys in
// the set.
func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w, r)
		return
	}
	set, err := s.ring.PublicJWKS(r.Context())
	if err != nil {
		api.WriteInternal(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	api.WriteJSON(w, http.StatusOK, set)
}
