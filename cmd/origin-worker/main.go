// The origin-worker command runs the async side of ORIGIN: the evidence
// pack renderer and the webhook delivery sender. It shares configuration
// with the API server and holds no state of its own.
package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/originhq/origin/pkg/blob"
	"github.com/originhq/origin/pkg/certificate"
	"github.com/originhq/origin/pkg/config"
	"github.com/originhq/origin/pkg/crypto"
	"github.com/originhq/origin/pkg/evidence"
	"github.com/originhq/origin/pkg/ledger"
	"github.com/originhq/origin/pkg/observability"
	"github.com/originhq/origin/pkg/store"
	"github.com/originhq/origin/pkg/webhook"

	_ "github.com/lib/pq"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("origin-worker: %v", err)
	}

	logger := observability.NewLogger("origin-worker", cfg.Environment, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := observability.New("origin-worker", cfg.Environment, logger)
	if err != nil {
		log.Fatalf("origin-worker: %v", err)
	}

	// Migrations belong to the API server; the worker only needs the
	// schema to exist.
	db, dialect, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("origin-worker: %v", err)
	}
	defer func() { _ = db.Close() }()

	opts, err := redis.ParseURL(cfg.CacheURL)
	if err != nil {
		log.Fatalf("origin-worker: invalid CACHE_URL: %v", err)
	}
	cache := redis.NewClient(opts)
	defer func() { _ = cache.Close() }()
	if err := cache.Ping(ctx).Err(); err != nil {
		logger.Warn("cache unreachable at startup", "error", err)
	}

	blobs, err := blob.New(ctx, cfg)
	if err != nil {
		log.Fatalf("origin-worker: %v", err)
	}

	secrets, err := crypto.NewEncryption(ctx, cfg)
	if err != nil {
		log.Fatalf("origin-worker: %v", err)
	}

	worker := evidence.NewWorker(evidence.WorkerConfig{
		Packs:        evidence.NewStore(db),
		Certificates: certificate.NewStore(db),
		Uploads:      store.NewUploadStore(db),
		Ledger:       ledger.New(db, dialect),
		Broker:       evidence.NewBroker(cache),
		Blobs:        blobs,
		Metrics:      provider.Metrics,
		Logger:       logger,
	})

	sender := webhook.NewSender(webhook.SenderConfig{
		Store:   webhook.NewStore(db, dialect),
		Secrets: secrets,
		Metrics: provider.Metrics,
		Logger:  logger,

		MaxRetries:     cfg.WebhookMaxRetries,
		AttemptTimeout: time.Duration(cfg.WebhookTimeoutSeconds) * time.Second,
	})

	// Liveness and scrape endpoint. The worker serves no API routes.
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","service":"origin-worker"}`))
	})
	mux.Handle("/metrics", provider.Handler())
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("worker health endpoint listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health endpoint failed", "error", err)
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("evidence worker stopped", "error", err)
			stop()
		}
	}()
	go func() {
		defer wg.Done()
		if err := sender.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("webhook sender stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	if err := provider.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", "error", err)
	}
	logger.Info("origin worker stopped")
}
