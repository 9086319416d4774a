package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/originhq/origin/pkg/api"
	"github.com/originhq/origin/pkg/evidence"
	"github.com/originhq/origin/pkg/store"
)

type evidenceCreateRequest struct {
	CertificateID string `json:"certificate_id"`
	Format        string `json:"format"`
}

// handleEvidenceCreate enqueues an evidence-pack generation task. An
// already-ready pack returns 200; everything else is accepted for the
// worker and returns 202.
func (s *Server) handleEvidenceCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.WriteMethodNotAllowed(w, r)
		return
	}
	tenant := tenantFrom(r)
	if tenant == nil {
		api.WriteUnauthorized(w, r, "authentication required", "missing_api_key")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		api.WriteBadRequest(w, r, "request body unreadable or too large")
		return
	}
	if err := api.ValidateRequest(api.SchemaEvidenceCreate, raw); err != nil {
		api.WriteBadRequest(w, r, err.Error())
		return
	}
	var req evidenceCreateRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		api.WriteBadRequest(w, r, "malformed JSON body")
		return
	}

	resp, err := s.evidence.Enqueue(r.Context(), tenant, req.CertificateID, req.Format, api.CorrelationID(r.Context()))
	if !s.writeEvidenceError(w, r, err) {
		return
	}

	status := http.StatusAccepted
	if resp.Status == evidence.StatusReady {
		status = http.StatusOK
	}
	api.WriteJSON(w, status, resp)
}

// handleEvidencePack serves the poll and download subtree:
// GET /v1/evidence-packs/{certificate_id} and
// GET /v1/evidence-packs/{certificate_id}/download/{format}.
func (s *Server) handleEvidencePack(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w, r)
		return
	}
	tenant := tenantFrom(r)
	if tenant == nil {
		api.WriteUnauthorized(w, r, "authentication required", "missing_api_key")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/v1/evidence-packs/")
	parts := strings.Split(rest, "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		s.pollEvidencePack(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "download" && parts[0] != "" && parts[2] != "":
		s.downloadEvidencePack(w, r, parts[0], parts[2])
	default:
		api.WriteNotFound(w, r, "no such route")
	}
}

func (s *Server) pollEvidencePack(w http.ResponseWriter, r *http.Request, certificateID string) {
	tenant := tenantFrom(r)
	resp, err := s.evidence.Poll(r.Context(), tenant, certificateID)
	if !s.writeEvidenceError(w, r, err) {
		return
	}

	status := http.StatusOK
	if resp.Status == evidence.StatusPending {
		status = http.StatusAccepted
		w.Header().Set("Retry-After", strconv.Itoa(evidence.RetryAfterSeconds))
	}
	api.WriteJSON(w, status, resp)
}

func (s *Server) downloadEvidencePack(w http.ResponseWriter, r *http.Request, certificateID, format string) {
	tenant := tenantFrom(r)
	res, err := s.evidence.Download(r.Context(), tenant, certificateID, format)
	if !s.writeEvidenceError(w, r, err) {
		return
	}

	if res.RedirectURL != "" {
		http.Redirect(w, r, res.RedirectURL, http.StatusFound)
		return
	}
	w.Header().Set("Content-Type", res.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", res.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Data)
}

// writeEvidenceError maps evidence service errors onto problem
// responses. It reports true when the caller may proceed.
func (s *Server) writeEvidenceError(w http.ResponseWriter, r *http.Request, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, evidence.ErrInvalidFormat):
		api.WriteBadRequest(w, r, err.Error())
	case errors.Is(err, store.ErrNotFound):
		api.WriteNotFound(w, r, err.Error())
	case errors.Is(err, evidence.ErrBrokerUnavailable):
		api.WriteUnavailable(w, r, "evidence task broker unavailable", evidence.BrokerUnavailableCode, evidence.RetryAfterSeconds)
	default:
		api.WriteInternal(w, r, err)
	}
	return false
}
