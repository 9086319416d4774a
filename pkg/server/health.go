package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/originhq/origin/pkg/api"
	"github.com/originhq/origin/pkg/store"
)

// handleHealth is the liveness probe: the process is up and serving.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w, r)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "origin-api",
	})
}

type readyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// handleReady runs every dependency check and reports 503 when any
// fails. Checks run in dependency order so the first broken layer is
// the loudest signal; later checks still run so one probe shows the
// whole picture.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w, r)
		return
	}
	ctx := r.Context()

	checks := []struct {
		name string
		run  func(context.Context) error
	}{
		{"database", s.checkDatabase},
		{"migrations", s.checkMigrations},
		{"cache", s.checkCache},
		{"object_storage", s.checkObjectStorage},
		{"signer", s.checkSigner},
	}

	resp := readyResponse{Status: "ready", Checks: make(map[string]string, len(checks))}
	status := http.StatusOK
	for _, c := range checks {
		if err := c.run(ctx); err != nil {
			resp.Checks[c.name] = "error: " + err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			s.logger.Warn("readiness check failed", "check", c.name, "error", err)
			continue
		}
		resp.Checks[c.name] = "ok"
	}
	api.WriteJSON(w, status, resp)
}

func (s *Server) checkDatabase(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("select failed: %w", err)
	}
	return nil
}

func (s *Server) checkMigrations(ctx context.Context) error {
	atHead, err := store.MigrationsAtHead(ctx, s.db, s.dialect)
	if err != nil {
		return err
	}
	if !atHead {
		return fmt.Errorf("schema behind latest migration")
	}
	return nil
}

func (s *Server) checkCache(ctx context.Context) error {
	return s.cache.Ping(ctx).Err()
}

func (s *Server) checkObjectStorage(ctx context.Context) error {
	return s.blobs.BucketExists(ctx)
}

// checkSigner confirms at least one public key is publishable. Local
// development runs may sign with an ephemeral key, so the check only
// gates non-development deployments.
func (s *Server) checkSigner(ctx context.Context) error {
	if s.development {
		return nil
	}
	set, err := s.ring.PublicJWKS(ctx)
	if err != nil {
		return err
	}
	if len(set.Keys) == 0 {
		return fmt.Errorf("no public keys registered")
	}
	return nil
}
