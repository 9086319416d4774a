package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/originhq/origin/pkg/store"
)

// Store persists versioned profiles. (id, version) is immutable once
// written; re-seeding an existing pair is a no-op.
type Store struct {
	db *sql.DB
}

// NewStore creates a profile store over db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Put inserts the profile if its (id, version) is new.
func (s *Store) Put(ctx context.Context, p *Profile) error {
	thresholdsJSON, err := json.Marshal(p.Thresholds)
	if err != nil {
		return fmt.Errorf("policy: failed to marshal thresholds: %w", err)
	}
	rulesJSON, err := json.Marshal(p.Rules)
	if err != nil {
		return fmt.Errorf("policy: failed to marshal rules: %w", err)
	}
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO policy_profiles (id, version, thresholds, rules, risk_model_version, anomaly_model_version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id, version) DO NOTHING
	`, p.ID, p.Version, string(thresholdsJSON), string(rulesJSON), p.RiskModelVersion, p.AnomalyModelVersion, createdAt)
	if err != nil {
		return fmt.Errorf("policy: failed to insert profile: %w", err)
	}
	return nil
}

// Get returns one immutable profile version, or store.ErrNotFound.
func (s *Store) Get(ctx context.Context, id, version string) (*Profile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, version, thresholds, rules, risk_model_version, anomaly_model_version, created_at
		FROM policy_profiles
		WHERE id = $1 AND version = $2
	`, id, version)
	return scanProfile(row)
}

// Latest returns the most recently created version of a profile id.
func (s *Store) Latest(ctx context.Context, id string) (*Profile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, version, thresholds, rules, risk_model_version, anomaly_model_version, created_at
		FROM policy_profiles
		WHERE id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, id)
	return scanProfile(row)
}

// Seed loads the built-in default plus any profiles under dir, checks
// each against the engine, and persists them. Called at startup; a
// profile that fails to compile aborts boot.
func (s *Store) Seed(ctx context.Context, engine *Engine, dir string) error {
	profiles := []*Profile{DefaultProfile()}
	loaded, err := LoadDir(dir)
	if err != nil {
		return err
	}
	profiles = append(profiles, loaded...)

	for _, p := range profiles {
		if err := engine.CheckProfile(p); err != nil {
			return err
		}
		if err := s.Put(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func scanProfile(row *sql.Row) (*Profile, error) {
	var (
		p              Profile
		thresholdsJSON string
		rulesJSON      string
	)
	err := row.Scan(&p.ID, &p.Version, &thresholdsJSON, &rulesJSON,
		&p.RiskModelVersion, &p.AnomalyModelVersion, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("policy: failed to scan profile: %w", err)
	}
	if err := json.Unmarshal([]byte(thresholdsJSON), &p.Thresholds); err != nil {
		return nil, fmt.Errorf("policy: failed to unmarshal thresholds: %w", err)
	}
	if err := json.Unmarshal([]byte(rulesJSON), &p.Rules); err != nil {
		return nil, fmt.Errorf("policy: failed to unmarshal rules: %w", err)
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}
