package webhook

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/originhq/origin/pkg/store"
)

// Store persists webhooks and their delivery rows.
type Store struct {
	db      *sql.DB
	dialect string
}

// NewStore creates a webhook store over db.
func NewStore(db *sql.DB, dialect string) *Store {
	return &Store{db: db, dialect: dialect}
}

// Create inserts a webhook. Events must already be normalized and the
// secret encrypted.
func (s *Store) Create(ctx context.Context, w *Webhook) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhooks (id, tenant_id, url, events, encrypted_secret, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, w.ID, w.TenantID, w.URL, eventsCSV(w.Events), w.EncryptedSecret, w.Active, w.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("webhook: failed to insert webhook: %w", err)
	}
	return nil
}

// Get returns the tenant's webhook by id, or store.ErrNotFound.
func (s *Store) Get(ctx context.Context, tenantID, id string) (*Webhook, error) {
	return s.getWhere(ctx, `WHERE tenant_id = $1 AND id = $2`, tenantID, id)
}

// GetByID returns a webhook without tenant scoping. Only the sender uses
// this; API handlers must go through Get.
func (s *Store) GetByID(ctx context.Context, id string) (*Webhook, error) {
	return s.getWhere(ctx, `WHERE id = $1`, id)
}

// ListForTenant returns all of the tenant's webhooks, newest first.
func (s *Store) ListForTenant(ctx context.Context, tenantID string) ([]*Webhook, error) {
	return s.listWhere(ctx, `WHERE tenant_id = $1 ORDER BY created_at DESC`, tenantID)
}

// ListActive returns the tenant's active webhooks. Callers filter by
// subscription with SubscribedTo.
func (s *Store) ListActive(ctx context.Context, tenantID string) ([]*Webhook, error) {
	return s.listWhere(ctx, `WHERE tenant_id = $1 AND active`, tenantID)
}

// Deactivate turns a webhook off. Pending deliveries for it dead-letter at
// claim time.
func (s *Store) Deactivate(ctx context.Context, tenantID, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhooks SET active = FALSE WHERE tenant_id = $1 AND id = $2
	`, tenantID, id)
	if err != nil {
		return fmt.Errorf("webhook: failed to deactivate webhook: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("webhook: failed to check deactivate result: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// InsertDelivery appends a delivery row. Dispatcher rows start pending at
// attempt 1; the sender inserts retry rows with higher attempt numbers.
func (s *Store) InsertDelivery(ctx context.Context, d *Delivery) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (id, webhook_id, event_id, event_type, payload,
			attempt, status, response_code, error, correlation_id, scheduled_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULL, NULL, $8, $9, NULL)
	`, d.ID, d.WebhookID, d.EventID, d.EventType, d.Payload,
		d.Attempt, d.Status, d.CorrelationID, d.ScheduledAt.UTC())
	if err != nil {
		return fmt.Errorf("webhook: failed to insert delivery: %w", err)
	}
	return nil
}

// ClaimDue transitions due pending rows to delivering and returns them.
// Rows stuck delivering since before staleBefore are reclaimed; their
// sender died mid-attempt. On postgres the select takes row locks with
// SKIP LOCKED so concurrent senders never double-claim.
func (s *Store) ClaimDue(ctx context.Context, now, staleBefore time.Time, limit int) ([]*Delivery, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("webhook: failed to begin claim: %w", err)
	}
	defer tx.Rollback()

	query := `
		SELECT id, webhook_id, event_id, event_type, payload, attempt, status,
			response_code, error, correlation_id, scheduled_at, completed_at
		FROM webhook_deliveries
		WHERE (status = $1 AND scheduled_at <= $2)
		   OR (status = $3 AND scheduled_at <= $4)
		ORDER BY scheduled_at
		LIMIT $5`
	if s.dialect == store.DialectPostgres {
		query += ` FOR UPDATE SKIP LOCKED`
	}
	rows, err := tx.QueryContext(ctx, query,
		StatusPending, now.UTC(), StatusDelivering, staleBefore.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("webhook: failed to select due deliveries: %w", err)
	}
	claimed, err := scanDeliveries(rows)
	if err != nil {
		return nil, err
	}
	if len(claimed) == 0 {
		return nil, tx.Commit()
	}

	ids := make([]string, len(claimed))
	args := make([]any, 0, len(claimed)+2)
	args = append(args, StatusDelivering, now.UTC())
	for i, d := range claimed {
		ids[i] = fmt.Sprintf("$%d", i+3)
		args = append(args, d.ID)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE webhook_deliveries SET status = $1, scheduled_at = $2
		WHERE id IN (`+strings.Join(ids, ", ")+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("webhook: failed to claim deliveries: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("webhook: failed to commit claim: %w", err)
	}
	for _, d := range claimed {
		d.Status = StatusDelivering
	}
	return claimed, nil
}

// Reschedule returns a claimed row to pending at a later time without
// consuming an attempt. Used when the endpoint's circuit is open and no
// HTTP request was made.
func (s *Store) Reschedule(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_deliveries SET status = $1, scheduled_at = $2 WHERE id = $3
	`, StatusPending, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("webhook: failed to reschedule delivery: %w", err)
	}
	return nil
}

// Finish records the terminal state of an attempt.
func (s *Store) Finish(ctx context.Context, id, status string, responseCode int, errMsg string, completedAt time.Time) error {
	var code any
	if responseCode != 0 {
		code = responseCode
	}
	var msg any
	if errMsg != "" {
		msg = truncate(errMsg, 1000)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status = $1, response_code = $2, error = $3, completed_at = $4
		WHERE id = $5
	`, status, code, msg, completedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("webhook: failed to finish delivery: %w", err)
	}
	return nil
}

// ListDeliveries returns the newest delivery rows for one of the tenant's
// webhooks. The join enforces tenant scope; an unknown or foreign webhook
// id reads as an empty history, and callers 404 on the webhook lookup
// instead.
func (s *Store) ListDeliveries(ctx context.Context, tenantID, webhookID string, limit int) ([]*Delivery, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.webhook_id, d.event_id, d.event_type, d.payload, d.attempt, d.status,
			d.response_code, d.error, d.correlation_id, d.scheduled_at, d.completed_at
		FROM webhook_deliveries d
		JOIN webhooks w ON w.id = d.webhook_id
		WHERE w.tenant_id = $1 AND d.webhook_id = $2
		ORDER BY d.scheduled_at DESC, d.attempt DESC
		LIMIT $3
	`, tenantID, webhookID, limit)
	if err != nil {
		return nil, fmt.Errorf("webhook: failed to list deliveries: %w", err)
	}
	return scanDeliveries(rows)
}

func (s *Store) getWhere(ctx context.Context, where string, args ...any) (*Webhook, error) {
	var (
		w   Webhook
		csv string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, url, events, encrypted_secret, active, created_at
		FROM webhooks `+where, args...,
	).Scan(&w.ID, &w.TenantID, &w.URL, &csv, &w.EncryptedSecret, &w.Active, &w.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("webhook: failed to query webhook: %w", err)
	}
	w.Events = eventsFromCSV(csv)
	return &w, nil
}

func (s *Store) listWhere(ctx context.Context, where string, args ...any) ([]*Webhook, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, url, events, encrypted_secret, active, created_at
		FROM webhooks `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("webhook: failed to list webhooks: %w", err)
	}
	defer rows.Close()

	var out []*Webhook
	for rows.Next() {
		var (
			w   Webhook
			csv string
		)
		if err := rows.Scan(&w.ID, &w.TenantID, &w.URL, &csv, &w.EncryptedSecret, &w.Active, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("webhook: failed to scan webhook: %w", err)
		}
		w.Events = eventsFromCSV(csv)
		out = append(out, &w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("webhook: failed to read webhooks: %w", err)
	}
	return out, nil
}

func scanDeliveries(rows *sql.Rows) ([]*Delivery, error) {
	defer rows.Close()
	var out []*Delivery
	for rows.Next() {
		var (
			d         Delivery
			code      sql.NullInt64
			errMsg    sql.NullString
			completed sql.NullTime
		)
		if err := rows.Scan(&d.ID, &d.WebhookID, &d.EventID, &d.EventType, &d.Payload,
			&d.Attempt, &d.Status, &code, &errMsg, &d.CorrelationID,
			&d.ScheduledAt, &completed); err != nil {
			return nil, fmt.Errorf("webhook: failed to scan delivery: %w", err)
		}
		d.ResponseCode = int(code.Int64)
		d.Error = errMsg.String
		if completed.Valid {
			t := completed.Time
			d.CompletedAt = &t
		}
		out = append(out, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("webhook: failed to read deliveries: %w", err)
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
