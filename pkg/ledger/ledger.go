// Package ledger persists the append-only, hash-chained decision log.
//
// Every tenant owns an independent chain with a gapless sequence starting
// at 1. Each event hashes its canonical JSON form, which embeds the
// previous event's hash, so any mutation, deletion, or reordering breaks
// verification from that point forward.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/originhq/origin/pkg/canonical"
	"github.com/originhq/origin/pkg/store"
)

// ZeroHash anchors the first event of every tenant chain.
const ZeroHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Event is one immutable entry in a tenant's chain. CanonicalEvent holds
// the exact bytes that were hashed; verification recomputes over these
// bytes, never over a re-serialization.
type Event struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenant_id"`
	TenantSequence int64           `json:"tenant_sequence"`
	EventType      string          `json:"event_type"`
	CorrelationID  string          `json:"correlation_id"`
	EventTimestamp time.Time       `json:"event_timestamp"`
	CanonicalEvent json.RawMessage `json:"canonical_event"`
	EventHash      string          `json:"event_hash"`
	PrevHash       string          `json:"previous_event_hash"`
}

// AppendRequest describes the event to chain next.
type AppendRequest struct {
	TenantID      string
	EventType     string
	CorrelationID string
	Payload       any
	Timestamp     time.Time // zero means now
}

// canonicalEvent is the hashed form. Key order is irrelevant here; the
// canonical marshaler sorts keys per RFC 8785.
type canonicalEvent struct {
	TenantID          string `json:"tenant_id"`
	TenantSequence    int64  `json:"tenant_sequence"`
	CorrelationID     string `json:"correlation_id"`
	EventType         string `json:"event_type"`
	Payload           any    `json:"payload"`
	PreviousEventHash string `json:"previous_event_hash"`
	EventTimestamp    string `json:"event_timestamp"`
}

// Store reads and appends chain events.
type Store struct {
	db      *sql.DB
	dialect string
}

// New creates a ledger store over db.
func New(db *sql.DB, dialect string) *Store {
	return &Store{db: db, dialect: dialect}
}

// Append chains the next event for req.TenantID inside tx. The caller's
// transaction must also carry the state change the event records, so both
// commit or neither does. The tenant's sequence row is locked for the
// duration of tx, serializing appends per tenant.
func (s *Store) Append(ctx context.Context, tx *sql.Tx, req AppendRequest) (*Event, error) {
	if req.TenantID == "" || req.EventType == "" {
		return nil, errors.New("ledger: tenant id and event type are required")
	}
	ts := req.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	ts = ts.UTC()

	last, err := s.lockSequence(ctx, tx, req.TenantID)
	if err != nil {
		return nil, err
	}
	next := last + 1

	prevHash := ZeroHash
	if next > 1 {
		err := tx.QueryRowContext(ctx, `
			SELECT event_hash FROM ledger_events WHERE tenant_id = $1 AND tenant_sequence = $2
		`, req.TenantID, last).Scan(&prevHash)
		if err != nil {
			return nil, fmt.Errorf("ledger: failed to load head hash: %w", err)
		}
	}

	canonicalJSON, err := canonical.Marshal(canonicalEvent{
		TenantID:          req.TenantID,
		TenantSequence:    next,
		CorrelationID:     req.CorrelationID,
		EventType:         req.EventType,
		Payload:           req.Payload,
		PreviousEventHash: prevHash,
		EventTimestamp:    ts.Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to canonicalize event: %w", err)
	}
	eventHash := canonical.HashBytes(canonicalJSON)

	event := &Event{
		ID:             uuid.NewString(),
		TenantID:       req.TenantID,
		TenantSequence: next,
		EventType:      req.EventType,
		CorrelationID:  req.CorrelationID,
		EventTimestamp: ts,
		CanonicalEvent: canonicalJSON,
		EventHash:      eventHash,
		PrevHash:       prevHash,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_events (id, tenant_id, tenant_sequence, event_type, correlation_id, event_timestamp, canonical_event, event_hash, prev_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, event.ID, event.TenantID, event.TenantSequence, event.EventType, event.CorrelationID,
		event.EventTimestamp, string(event.CanonicalEvent), event.EventHash, event.PrevHash)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to insert event: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE tenant_sequences SET last_sequence = $1 WHERE tenant_id = $2
	`, next, req.TenantID)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to advance sequence: %w", err)
	}

	return event, nil
}

// AppendOne chains a single event in its own transaction.
func (s *Store) AppendOne(ctx context.Context, req AppendRequest) (*Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	event, err := s.Append(ctx, tx, req)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("ledger: failed to commit: %w", err)
	}
	return event, nil
}

func (s *Store) lockSequence(ctx context.Context, tx *sql.Tx, tenantID string) (int64, error) {
	query := `SELECT last_sequence FROM tenant_sequences WHERE tenant_id = $1`
	if s.dialect == store.DialectPostgres {
		query += ` FOR UPDATE`
	}

	var last int64
	err := tx.QueryRowContext(ctx, query, tenantID).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		// Tenants created before the sequence table existed get a row on
		// first append.
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tenant_sequences (tenant_id, last_sequence) VALUES ($1, 0)
			ON CONFLICT (tenant_id) DO NOTHING
		`, tenantID); err != nil {
			return 0, fmt.Errorf("ledger: failed to seed sequence: %w", err)
		}
		err = tx.QueryRowContext(ctx, query, tenantID).Scan(&last)
	}
	if err != nil {
		return 0, fmt.Errorf("ledger: failed to lock sequence: %w", err)
	}
	return last, nil
}

// Head returns a tenant's newest event, or store.ErrNotFound for an empty
// chain.
func (s *Store) Head(ctx context.Context, tenantID string) (*Event, error) {
	row := s.db.QueryRowContext(ctx, selectEvents+`
		WHERE tenant_id = $1 ORDER BY tenant_sequence DESC LIMIT 1
	`, tenantID)
	return scanEvent(row)
}

// GetBySequence returns one event by its chain position.
func (s *Store) GetBySequence(ctx context.Context, tenantID string, seq int64) (*Event, error) {
	row := s.db.QueryRowContext(ctx, selectEvents+`
		WHERE tenant_id = $1 AND tenant_sequence = $2
	`, tenantID, seq)
	return scanEvent(row)
}

// Get returns one event by id, scoped to the tenant.
func (s *Store) Get(ctx context.Context, tenantID, id string) (*Event, error) {
	row := s.db.QueryRowContext(ctx, selectEvents+`
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id)
	return scanEvent(row)
}

// List returns up to limit events with sequence greater than afterSeq, in
// chain order.
func (s *Store) List(ctx context.Context, tenantID string, afterSeq int64, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, selectEvents+`
		WHERE tenant_id = $1 AND tenant_sequence > $2 ORDER BY tenant_sequence ASC LIMIT $3
	`, tenantID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

// Count returns the chain length.
func (s *Store) Count(ctx context.Context, tenantID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ledger_events WHERE tenant_id = $1
	`, tenantID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("ledger: failed to count events: %w", err)
	}
	return n, nil
}

const selectEvents = `
	SELECT id, tenant_id, tenant_sequence, event_type, correlation_id, event_timestamp, canonical_event, event_hash, prev_hash
	FROM ledger_events`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var (
		e             Event
		canonicalText string
	)
	err := row.Scan(&e.ID, &e.TenantID, &e.TenantSequence, &e.EventType, &e.CorrelationID,
		&e.EventTimestamp, &canonicalText, &e.EventHash, &e.PrevHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to scan event: %w", err)
	}
	e.EventTimestamp = e.EventTimestamp.UTC()
	e.CanonicalEvent = json.RawMessage(canonicalText)
	return &e, nil
}
