package inference

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/originhq/origin/pkg/store"
)

// SignalStore persists the signal vector recorded for each upload.
type SignalStore struct {
	db *sql.DB
}

// NewSignalStore creates a signal store over db.
func NewSignalStore(db *sql.DB) *SignalStore {
	return &SignalStore{db: db}
}

// SaveTx inserts the signals for uploadID on q, normally the ingest
// transaction.
func (s *SignalStore) SaveTx(ctx context.Context, q store.DBTX, uploadID string, sig Signals) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO risk_signals (upload_id, risk, assurance, anomaly, synthetic_likelihood, risk_model_version, anomaly_model_version, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, uploadID, sig.Risk, sig.Assurance, sig.Anomaly, sig.SyntheticLikelihood,
		sig.RiskModelVersion, sig.AnomalyModelVersion, sig.ComputedAt.UTC())
	if err != nil {
		return fmt.Errorf("inference: failed to insert signals: %w", err)
	}
	return nil
}

// Get returns the signals recorded for uploadID, or store.ErrNotFound.
func (s *SignalStore) Get(ctx context.Context, uploadID string) (*Signals, error) {
	var sig Signals
	err := s.db.QueryRowContext(ctx, `
		SELECT risk, assurance, anomaly, synthetic_likelihood, risk_model_version, anomaly_model_version, computed_at
		FROM risk_signals WHERE upload_id = $1
	`, uploadID).Scan(&sig.Risk, &sig.Assurance, &sig.Anomaly, &sig.SyntheticLikelihood,
		&sig.RiskModelVersion, &sig.AnomalyModelVersion, &sig.ComputedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("inference: failed to query signals: %w", err)
	}
	sig.ComputedAt = sig.ComputedAt.UTC()
	return &sig, nil
}
