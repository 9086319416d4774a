package api

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresIdempotencyStore provides durable idempotency enforcement backed by
// the idempotency_keys table. Survives process restarts; the primary key on
// (tenant_id, idempotency_key) enforces single-writer semantics.
type PostgresIdempotencyStore struct {
	db  *sql.DB
	ttl time.Duration
}

// NewPostgresIdempotencyStore creates a database-backed idempotency store.
func NewPostgresIdempotencyStore(db *sql.DB, ttl time.Duration) *PostgresIdempotencyStore {
	return &PostgresIdempotencyStore{db: db, ttl: ttl}
}

// Get returns the stored response for (tenantID, key), or ErrNoStoredResponse.
func (s *PostgresIdempotencyStore) Get(ctx context.Context, tenantID, key string) (*StoredResponse, error) {
	var (
		statusCode  int
		requestHash string
		body        []byte
		createdAt   time.Time
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT status_code, request_hash, response_body, created_at
		   FROM idempotency_keys
		  WHERE tenant_id = $1 AND idempotency_key = $2`,
		tenantID, key,
	).Scan(&statusCode, &requestHash, &body, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNoStoredResponse
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency get: %w", err)
	}

	if s.ttl > 0 && time.Since(createdAt) > s.ttl {
		_, _ = s.db.ExecContext(ctx,
			`DELETE FROM idempotency_keys WHERE tenant_id = $1 AND idempotency_key = $2`,
			tenantID, key)
		return nil, ErrNoStoredResponse
	}

	return &StoredResponse{
		StatusCode:  statusCode,
		Body:        body,
		RequestHash: requestHash,
	}, nil
}

// Save persists a response. First writer wins; a concurrent duplicate insert
// is silently ignored so the stored response stays stable.
func (s *PostgresIdempotencyStore) Save(ctx context.Context, tenantID, key, requestHash string, status int, body []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (tenant_id, idempotency_key, request_hash, status_code, response_body, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (tenant_id, idempotency_key) DO NOTHING`,
		tenantID, key, requestHash, status, body, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("idempotency save: %w", err)
	}
	return nil
}

// SaveTx persists a response inside an open transaction.
func (s *PostgresIdempotencyStore) SaveTx(tx *sql.Tx, tenantID, key, requestHash string, status int, body []byte) error {
	_, err := tx.Exec(
		`INSERT INTO idempotency_keys (tenant_id, idempotency_key, request_hash, status_code, response_body, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (tenant_id, idempotency_key) DO NOTHING`,
		tenantID, key, requestHash, status, body, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("idempotency save tx: %w", err)
	}
	return nil
}

// Cleanup removes idempotency keys older than the TTL. Run periodically from
// the composition root.
func (s *PostgresIdempotencyStore) Cleanup(ctx context.Context) error {
	if s.ttl <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE created_at < $1`,
		time.Now().UTC().Add(-s.ttl),
	)
	return err
}
