package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Tenant is a registered API customer. Every upload, ledger event, and
// certificate is partitioned by tenant.
type Tenant struct {
	ID              string    `json:"id"`
	Label           string    `json:"label"`
	IPAllowlist     []string  `json:"ip_allowlist,omitempty"`
	RateLimitRPM    *int      `json:"rate_limit_rpm,omitempty"`
	PolicyProfileID string    `json:"policy_profile_id"`
	PolicyVersion   string    `json:"policy_version"`
	CreatedAt       time.Time `json:"created_at"`
}

// TenantStore persists tenants.
type TenantStore struct {
	db *sql.DB
}

// NewTenantStore creates a tenant store over db.
func NewTenantStore(db *sql.DB) *TenantStore {
	return &TenantStore{db: db}
}

// Create inserts a tenant and seeds its ledger sequence counter. A
// duplicate label returns ErrConflict.
func (s *TenantStore) Create(ctx context.Context, t *Tenant) error {
	allowlistJSON, err := json.Marshal(t.IPAllowlist)
	if err != nil {
		return fmt.Errorf("store: failed to marshal ip allowlist: %w", err)
	}
	if t.IPAllowlist == nil {
		allowlistJSON = []byte("[]")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tenants (id, label, ip_allowlist, rate_limit_rpm, policy_profile_id, policy_version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, t.ID, t.Label, string(allowlistJSON), t.RateLimitRPM, t.PolicyProfileID, t.PolicyVersion, t.CreatedAt)
	if err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("%w: tenant label %q already exists", ErrConflict, t.Label)
		}
		return fmt.Errorf("store: failed to insert tenant: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tenant_sequences (tenant_id, last_sequence) VALUES ($1, 0)
	`, t.ID)
	if err != nil {
		return fmt.Errorf("store: failed to seed tenant sequence: %w", err)
	}

	return tx.Commit()
}

// Get returns the tenant by id, or ErrNotFound.
func (s *TenantStore) Get(ctx context.Context, id string) (*Tenant, error) {
	return s.get(ctx, `WHERE id = $1`, id)
}

// GetByLabel returns the tenant by label, or ErrNotFound.
func (s *TenantStore) GetByLabel(ctx context.Context, label string) (*Tenant, error) {
	return s.get(ctx, `WHERE label = $1`, label)
}

func (s *TenantStore) get(ctx context.Context, where string, arg any) (*Tenant, error) {
	var (
		t             Tenant
		allowlistJSON string
		rateLimit     sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, label, ip_allowlist, rate_limit_rpm, policy_profile_id, policy_version, created_at
		FROM tenants `+where,
		arg,
	).Scan(&t.ID, &t.Label, &allowlistJSON, &rateLimit, &t.PolicyProfileID, &t.PolicyVersion, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to query tenant: %w", err)
	}
	if err := json.Unmarshal([]byte(allowlistJSON), &t.IPAllowlist); err != nil {
		return nil, fmt.Errorf("store: failed to unmarshal ip allowlist: %w", err)
	}
	if rateLimit.Valid {
		v := int(rateLimit.Int64)
		t.RateLimitRPM = &v
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return &t, nil
}

// List returns all tenants ordered by creation time.
func (s *TenantStore) List(ctx context.Context) ([]*Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, label, ip_allowlist, rate_limit_rpm, policy_profile_id, policy_version, created_at
		FROM tenants ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list tenants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Tenant
	for rows.Next() {
		var (
			t             Tenant
			allowlistJSON string
			rateLimit     sql.NullInt64
		)
		if err := rows.Scan(&t.ID, &t.Label, &allowlistJSON, &rateLimit, &t.PolicyProfileID, &t.PolicyVersion, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: failed to scan tenant: %w", err)
		}
		if err := json.Unmarshal([]byte(allowlistJSON), &t.IPAllowlist); err != nil {
			return nil, fmt.Errorf("store: failed to unmarshal ip allowlist: %w", err)
		}
		if rateLimit.Valid {
			v := int(rateLimit.Int64)
			t.RateLimitRPM = &v
		}
		t.CreatedAt = t.CreatedAt.UTC()
		out = append(out, &t)
	}
	return out, rows.Err()
}

// UpdatePolicyPin repoints the tenant at a policy profile version.
func (s *TenantStore) UpdatePolicyPin(ctx context.Context, tenantID, profileID, version string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tenants SET policy_profile_id = $1, policy_version = $2 WHERE id = $3
	`, profileID, version, tenantID)
	if err != nil {
		return fmt.Errorf("store: failed to update policy pin: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
