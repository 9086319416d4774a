// Package server assembles the HTTP surface: the middleware chain, the
// route table, and the handlers that translate domain errors into
// problem+json responses. Handlers stay thin; decision logic lives in
// the domain packages.
package server

import (
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/originhq/origin/pkg/api"
	"github.com/originhq/origin/pkg/auth"
	"github.com/originhq/origin/pkg/blob"
	"github.com/originhq/origin/pkg/certificate"
	"github.com/originhq/origin/pkg/crypto"
	"github.com/originhq/origin/pkg/evidence"
	"github.com/originhq/origin/pkg/inference"
	"github.com/originhq/origin/pkg/ingest"
	"github.com/originhq/origin/pkg/observability"
	"github.com/originhq/origin/pkg/policy"
	"github.com/originhq/origin/pkg/store"
	"github.com/originhq/origin/pkg/webhook"
)

// maxBodyBytes caps request bodies before JSON decoding.
const maxBodyBytes = 1 << 20 // 1MB

// Config collects the server's collaborators. Everything is required
// unless noted on the field.
type Config struct {
	DB      *sql.DB
	Dialect string
	Cache   *redis.Client
	Blobs   blob.Store
	Ring    *crypto.KeyRing
	Secrets crypto.EncryptionProvider

	Tenants      *store.TenantStore
	Keys         *auth.KeyStore
	Limiter      *auth.RateLimiter
	Idempotency  api.IdempotencyStore
	Pipeline     *ingest.Pipeline
	Evidence     *evidence.Service
	Webhooks     *webhook.Store
	Dispatcher   *webhook.Dispatcher
	Certificates *certificate.Store
	Profiles     *policy.Store
	Registry     *inference.Registry

	Metrics        *observability.Metrics
	MetricsHandler http.Handler // optional; /metrics 404s without it
	Logger         *slog.Logger

	// Development relaxes the signer readiness check so local runs
	// without a configured key directory still report ready.
	Development bool

	// IPAllowlistFailOpen admits requests when a stored allowlist
	// entry cannot be parsed instead of rejecting them.
	IPAllowlistFailOpen bool
}

// Server is the assembled HTTP API.
type Server struct {
	db      *sql.DB
	dialect string
	cache   *redis.Client
	blobs   blob.Store
	ring    *crypto.KeyRing
	secrets crypto.EncryptionProvider

	tenants      *store.TenantStore
	keys         *auth.KeyStore
	limiter      *auth.RateLimiter
	idempotency  api.IdempotencyStore
	pipeline     *ingest.Pipeline
	evidence     *evidence.Service
	webhooks     *webhook.Store
	dispatcher   *webhook.Dispatcher
	certificates *certificate.Store
	profiles     *policy.Store
	registry     *inference.Registry

	metrics     *observability.Metrics
	metricsHTTP http.Handler
	logger      *slog.Logger

	development       bool
	allowlistFailOpen bool

	now   func() time.Time
	newID func() string
}

// New wires the server from its collaborators.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		db:                cfg.DB,
		dialect:           cfg.Dialect,
		cache:             cfg.Cache,
		blobs:             cfg.Blobs,
		ring:              cfg.Ring,
		secrets:           cfg.Secrets,
		tenants:           cfg.Tenants,
		keys:              cfg.Keys,
		limiter:           cfg.Limiter,
		idempotency:       cfg.Idempotency,
		pipeline:          cfg.Pipeline,
		evidence:          cfg.Evidence,
		webhooks:          cfg.Webhooks,
		dispatcher:        cfg.Dispatcher,
		certificates:      cfg.Certificates,
		profiles:          cfg.Profiles,
		registry:          cfg.Registry,
		metrics:           cfg.Metrics,
		metricsHTTP:       cfg.MetricsHandler,
		logger:            logger.With("component", "server"),
		development:       cfg.Development,
		allowlistFailOpen: cfg.IPAllowlistFailOpen,
		now:               time.Now,
		newID:             uuid.NewString,
	}
}

// WithClock overrides the clock for tests.
func (s *Server) WithClock(now func() time.Time) *Server {
	s.now = now
	return s
}

// Handler builds the full middleware chain around the route table.
// Order, outermost first: correlation, metrics, auth, scope, rate
// limit, IP allowlist, idempotency. Ingest is excluded from the
// idempotency middleware because the pipeline replays stored response
// bytes itself.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	if s.metricsHTTP != nil {
		mux.Handle("/metrics", s.metricsHTTP)
	}

	mux.HandleFunc("/v1/ingest", s.handleIngest)
	mux.HandleFunc("/v1/evidence-packs", s.handleEvidenceCreate)
	mux.HandleFunc("/v1/evidence-packs/", s.handleEvidencePack)
	mux.HandleFunc("/v1/certificates/", s.handleCertificate)
	mux.HandleFunc("/v1/keys/jwks.json", s.handleJWKS)
	mux.HandleFunc("/v1/webhooks", s.handleWebhooks)
	mux.HandleFunc("/v1/webhooks/", s.handleWebhookSubtree)
	mux.HandleFunc("/v1/models/status", s.handleModelStatus)
	mux.HandleFunc("/admin/tenants", s.handleTenantCreate)
	mux.HandleFunc("/admin/tenants/", s.handleTenantSubtree)

	mux.HandleFunc("/", s.handleNotFound)

	var h http.Handler = mux
	h = api.IdempotencyMiddleware(s.idempotency, auth.TenantIDFrom, "/v1/ingest")(h)
	h = auth.IPAllowlistMiddleware(s.allowlistFailOpen, s.metrics, s.logger)(h)
	h = auth.RateLimitMiddleware(s.limiter, s.metrics, s.logger)(h)
	h = auth.ScopeMiddleware()(h)
	h = auth.Middleware(s.keys, s.tenants, s.logger)(h)
	h = s.metrics.HTTPMiddleware(h)
	h = api.CorrelationMiddleware(h)
	return h
}

// tenantFrom pulls the authenticated tenant off the request context.
// Routes behind the auth middleware always have one; the nil check
// guards handlers exercised directly in tests.
func tenantFrom(r *http.Request) *store.Tenant {
	id := auth.IdentityFrom(r.Context())
	if id == nil {
		return nil
	}
	return id.Tenant
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	api.WriteNotFound(w, r, "no such route")
}
