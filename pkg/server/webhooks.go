package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/originhq/origin/pkg/api"
	"github.com/originhq/origin/pkg/store"
	"github.com/originhq/origin/pkg/webhook"
)

const defaultDeliveryListLimit = 50

type webhookCreateRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

// handleWebhooks serves the collection route: POST registers an
// endpoint, GET lists the tenant's endpoints. The signing secret is
// generated server-side and returned exactly once.
func (s *Server) handleWebhooks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createWebhook(w, r)
	case http.MethodGet:
		s.listWebhooks(w, r)
	default:
		api.WriteMethodNotAllowed(w, r)
	}
}

func (s *Server) createWebhook(w http.ResponseWriter, r *http.Request) {
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
	if err := api.ValidateRequest(api.SchemaWebhookCreate, raw); err != nil {
		api.WriteBadRequest(w, r, err.Error())
		return
	}
	var req webhookCreateRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		api.WriteBadRequest(w, r, "malformed JSON body")
		return
	}

	events, err := webhook.NormalizeEvents(req.Events)
	if err != nil {
		api.WriteBadRequest(w, r, err.Error())
		return
	}
	secret, err := webhook.GenerateSecret()
	if err != nil {
		api.WriteInternal(w, r, err)
		return
	}
	encrypted, err := s.secrets.Encrypt(r.Context(), []byte(secret))
	if err != nil {
		api.WriteInternal(w, r, err)
		return
	}

	hook := &webhook.Webhook{
		ID:              s.newID(),
		TenantID:        tenant.ID,
		URL:             req.URL,
		Events:          events,
		EncryptedSecret: encrypted,
		Active:          true,
		CreatedAt:       s.now().UTC(),
	}
	if err := s.webhooks.Create(r.Context(), hook); err != nil {
		api.WriteInternal(w, r, err)
		return
	}

	s.logger.Info("webhook registered",
		"tenant_id", tenant.ID, "webhook_id", hook.ID, "events", strings.Join(events, ","))

	// Secret rides on the response only; the stored row keeps the
	// ciphertext.
	hook.Secret = secret
	api.WriteJSON(w, http.StatusCreated, hook)
}

func (s *Server) listWebhooks(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r)
	if tenant == nil {
		api.WriteUnauthorized(w, r, "authentication required", "missing_api_key")
		return
	}
	hooks, err := s.webhooks.ListForTenant(r.Context(), tenant.ID)
	if err != nil {
		api.WriteInternal(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"webhooks": hooks})
}

// handleWebhookSubtree serves POST /v1/webhooks/test and
// GET /v1/webhooks/{id}/deliveries.
func (s *Server) handleWebhookSubtree(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/webhooks/")
	parts := strings.Split(rest, "/")
	switch {
	case len(parts) == 1 && parts[0] == "test":
		s.testWebhooks(w, r)
	case len(parts) == 2 && parts[1] == "deliveries" && parts[0] != "":
		s.listDeliveries(w, r, parts[0])
	default:
		api.WriteNotFound(w, r, "no such route")
	}
}

// testWebhooks enqueues a signed test event for every active endpoint
// subscribed to webhook.test. Delivery is asynchronous; rows land in
// the deliveries table like any other event.
func (s *Server) testWebhooks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.WriteMethodNotAllowed(w, r)
		return
	}
	tenant := tenantFrom(r)
	if tenant == nil {
		api.WriteUnauthorized(w, r, "authentication required", "missing_api_key")
		return
	}

	payload := map[string]any{
		"event": webhook.EventTest,
		"data": map[string]any{
			"message":   "Test webhook from ORIGIN",
			"timestamp": s.now().UTC().Format(time.RFC3339),
		},
	}
	if err := s.dispatcher.Enqueue(r.Context(), tenant.ID, webhook.EventTest, payload); err != nil {
		api.WriteInternal(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "sent", "event": webhook.EventTest})
}

func (s *Server) listDeliveries(w http.ResponseWriter, r *http.Request, webhookID string) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w, r)
		return
	}
	tenant := tenantFrom(r)
	if tenant == nil {
		api.WriteUnauthorized(w, r, "authentication required", "missing_api_key")
		return
	}

	if _, err := s.webhooks.Get(r.Context(), tenant.ID, webhookID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			api.WriteNotFound(w, r, "webhook not found")
			return
		}
		api.WriteInternal(w, r, err)
		return
	}

	limit := defaultDeliveryListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			api.WriteBadRequest(w, r, "limit must be a positive integer")
			return
		}
		limit = n
	}

	deliveries, err := s.webhooks.ListDeliveries(r.Context(), tenant.ID, webhookID, limit)
	if err != nil {
		api.WriteInternal(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"deliveries": deliveries})
}
