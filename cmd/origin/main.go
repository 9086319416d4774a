// The origin command runs the ORIGIN API server: upload ingestion,
// decision certificates, evidence packs, webhooks, and tenant admin.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/originhq/origin/pkg/api"
	"github.com/originhq/origin/pkg/auth"
	"github.com/originhq/origin/pkg/blob"
	"github.com/originhq/origin/pkg/certificate"
	"github.com/originhq/origin/pkg/config"
	"github.com/originhq/origin/pkg/crypto"
	"github.com/originhq/origin/pkg/evidence"
	"github.com/originhq/origin/pkg/inference"
	"github.com/originhq/origin/pkg/ingest"
	"github.com/originhq/origin/pkg/ledger"
	"github.com/originhq/origin/pkg/observability"
	"github.com/originhq/origin/pkg/policy"
	"github.com/originhq/origin/pkg/server"
	"github.com/originhq/origin/pkg/store"
	"github.com/originhq/origin/pkg/webhook"

	_ "github.com/lib/pq"
)

// idempotencyTTL bounds how long a stored ingest response replays for
// the same Idempotency-Key.
const idempotencyTTL = 24 * time.Hour

const shutdownTimeout = 15 * time.Second

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("origin: %v", err)
	}

	logger := observability.NewLogger("origin-api", cfg.Environment, cfg.LogLevel)
	if cfg.ServerSecret == config.DevServerSecret {
		logger.Warn("SERVER_SECRET not set, using development default")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := observability.New("origin-api", cfg.Environment, logger)
	if err != nil {
		log.Fatalf("origin: %v", err)
	}

	db, dialect, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("origin: %v", err)
	}
	defer func() { _ = db.Close() }()
	if err := store.Migrate(ctx, db, dialect); err != nil {
		log.Fatalf("origin: %v", err)
	}
	logger.Info("database ready", "dialect", dialect)

	opts, err := redis.ParseURL(cfg.CacheURL)
	if err != nil {
		log.Fatalf("origin: invalid CACHE_URL: %v", err)
	}
	cache := redis.NewClient(opts)
	defer func() { _ = cache.Close() }()
	if err := cache.Ping(ctx).Err(); err != nil {
		// Not fatal: rate limiting fails open and evidence enqueue
		// returns 503 until the cache comes back.
		logger.Warn("cache unreachable at startup", "error", err)
	}

	blobs, err := blob.New(ctx, cfg)
	if err != nil {
		log.Fatalf("origin: %v", err)
	}

	signer, err := crypto.NewSigner(ctx, cfg)
	if err != nil {
		log.Fatalf("origin: %v", err)
	}
	ring := crypto.NewKeyRing(signer)
	logger.Info("signing key loaded", "provider", cfg.SigningKeyProvider, "key_id", signer.KeyID())

	secrets, err := crypto.NewEncryption(ctx, cfg)
	if err != nil {
		log.Fatalf("origin: %v", err)
	}

	engine, err := policy.NewEngine()
	if err != nil {
		log.Fatalf("origin: %v", err)
	}
	profiles := policy.NewStore(db)
	if err := profiles.Seed(ctx, engine, cfg.PolicyProfileDir); err != nil {
		log.Fatalf("origin: %v", err)
	}

	scorer := inference.NewService()
	registry, err := inference.NewRegistry(cfg.ModelDir, scorer, logger)
	if err != nil {
		log.Fatalf("origin: %v", err)
	}

	tenants := store.NewTenantStore(db)
	keys := auth.NewKeyStore(db, cfg.ServerSecret, cfg.LegacyAPIKeyFallback, logger)
	limiter := auth.NewRateLimiter(cache, cfg.RateLimitRPM, cfg.RateLimitBurst, cfg.RateLimitTTLSeconds, logger)
	idem := api.NewPostgresIdempotencyStore(db, idempotencyTTL)

	chain := ledger.New(db, dialect)
	certStore := certificate.NewStore(db)
	certSvc := certificate.NewService(ring, certStore)

	hooks := webhook.NewStore(db, dialect)
	dispatcher := webhook.NewDispatcher(hooks, logger)

	pipeline := ingest.New(ingest.Config{
		DB:          db,
		Engine:      engine,
		Profiles:    profiles,
		Scorer:      scorer,
		Ledger:      chain,
		Certs:       certSvc,
		Idempotency: idem,
		Notifier:    dispatcher,
		Logger:      logger,
	})

	evidenceSvc := evidence.NewService(evidence.Config{
		Packs:        evidence.NewStore(db),
		Certificates: certStore,
		Broker:       evidence.NewBroker(cache),
		Blobs:        blobs,
		SignedURLTTL: time.Duration(cfg.EvidenceSignedURLTTL) * time.Second,
		StuckAfter:   time.Duration(cfg.EvidenceStuckAfterSeconds) * time.Second,
		Logger:       logger,
	})

	srv := server.New(server.Config{
		DB:      db,
		Dialect: dialect,
		Cache:   cache,
		Blobs:   blobs,
		Ring:    ring,
		Secrets: secrets,

		Tenants:      tenants,
		Keys:         keys,
		Limiter:      limiter,
		Idempotency:  idem,
		Pipeline:     pipeline,
		Evidence:     evidenceSvc,
		Webhooks:     hooks,
		Dispatcher:   dispatcher,
		Certificates: certStore,
		Profiles:     profiles,
		Registry:     registry,

		Metrics:        provider.Metrics,
		MetricsHandler: provider.Handler(),
		Logger:         logger,

		Development:         cfg.IsDevelopment(),
		IPAllowlistFailOpen: cfg.IPAllowlistFailOpen,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("origin api listening", "addr", cfg.ListenAddr, "environment", cfg.Environment)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("origin: server failed: %v", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	if err := provider.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", "error", err)
	}
	logger.Info("origin api stopped")
}
