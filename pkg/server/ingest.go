package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/originhq/origin/pkg/api"
	"github.com/originhq/origin/pkg/ingest"
	"github.com/originhq/origin/pkg/store"
)

// handleIngest runs the decision pipeline. The raw body bytes are kept
// because idempotent replays must return them verbatim.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
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
	if err := api.ValidateRequest(api.SchemaIngest, raw); err != nil {
		api.WriteBadRequest(w, r, err.Error())
		return
	}
	var req ingest.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		api.WriteBadRequest(w, r, "malformed JSON body")
		return
	}

	result, err := s.pipeline.Process(r.Context(), tenant, req, r.Header.Get(api.IdempotencyKeyHeader), raw)
	switch {
	case errors.Is(err, ingest.ErrIdempotencyConflict):
		api.WriteConflict(w, r, "idempotency key reused with a different body", "idempotency_conflict")
		return
	case errors.Is(err, store.ErrConflict):
		api.WriteConflict(w, r, "upload with this external id already ingested", "upload_exists")
		return
	case err != nil:
		api.WriteInternal(w, r, err)
		return
	}

	if result.Replayed {
		w.Header().Set(api.ReplayedHeader, "true")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(result.StatusCode)
	_, _ = w.Write(result.Body)
}
