// Package identity resolves submissions to stable account, device, and
// provenance identifiers. Accounts and devices are upserted on first
// sighting; the account-device link table is what later feature queries
// aggregate over.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/originhq/origin/pkg/store"
)

// Account is a tenant-scoped uploader identity keyed by the caller's
// external id.
type Account struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	ExternalID string    `json:"external_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// Device is a tenant-scoped device identity.
type Device struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	ExternalID string    `json:"external_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// Resolution is the identity outcome for one submission.
type Resolution struct {
	Account            *Account
	Device             *Device // nil when the request carried no device id
	PVID               string
	SharedDeviceCount  int // devices this account has been seen on
	LinkedAccountCount int // accounts seen on this device
}

// Request carries the identity-bearing fields of a submission.
type Request struct {
	TenantID          string
	AccountExternalID string
	DeviceExternalID  string
	ContentRef        string
	Fingerprints      map[string]string
	Metadata          map[string]any
}

// Resolver upserts identities inside the caller's transaction.
type Resolver struct{}

// NewResolver creates a resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve upserts the account (and device, when present), records the
// account-device link, and derives the PVID. It runs on q, which must be
// the ingest transaction so identity rows commit atomically with the
// upload they belong to.
func (r *Resolver) Resolve(ctx context.Context, q store.DBTX, req Request, now time.Time) (*Resolution, error) {
	if req.TenantID == "" || req.AccountExternalID == "" {
		return nil, errors.New("identity: tenant id and account external id are required")
	}
	now = now.UTC()

	account, err := upsertAccount(ctx, q, req.TenantID, req.AccountExternalID, now)
	if err != nil {
		return nil, err
	}

	resolution := &Resolution{Account: account}

	if req.DeviceExternalID != "" {
		device, err := upsertDevice(ctx, q, req.TenantID, req.DeviceExternalID, now)
		if err != nil {
			return nil, err
		}
		resolution.Device = device

		_, err = q.ExecContext(ctx, `
			INSERT INTO account_devices (account_id, device_id, first_seen_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (account_id, device_id) DO NOTHING
		`, account.ID, device.ID, now)
		if err != nil {
			return nil, fmt.Errorf("identity: failed to link account and device: %w", err)
		}

		err = q.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM account_devices WHERE device_id = $1
		`, device.ID).Scan(&resolution.LinkedAccountCount)
		if err != nil {
			return nil, fmt.Errorf("identity: failed to count linked accounts: %w", err)
		}
	}

	err = q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM account_devices WHERE account_id = $1
	`, account.ID).Scan(&resolution.SharedDeviceCount)
	if err != nil {
		return nil, fmt.Errorf("identity: failed to count shared devices: %w", err)
	}

	resolution.PVID, err = DerivePVID(req.ContentRef, req.Fingerprints, req.Metadata)
	if err != nil {
		return nil, err
	}

	return resolution, nil
}

func upsertAccount(ctx context.Context, q store.DBTX, tenantID, externalID string, now time.Time) (*Account, error) {
	_, err := q.ExecContext(ctx, `
		INSERT INTO accounts (id, tenant_id, external_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, external_id) DO NOTHING
	`, uuid.NewString(), tenantID, externalID, now)
	if err != nil {
		return nil, fmt.Errorf("identity: failed to upsert account: %w", err)
	}

	var a Account
	err = q.QueryRowContext(ctx, `
		SELECT id, tenant_id, external_id, created_at FROM accounts
		WHERE tenant_id = $1 AND external_id = $2
	`, tenantID, externalID).Scan(&a.ID, &a.TenantID, &a.ExternalID, &a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("identity: failed to load account: %w", err)
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return &a, nil
}

func upsertDevice(ctx context.Context, q store.DBTX, tenantID, externalID string, now time.Time) (*Device, error) {
	_, err := q.ExecContext(ctx, `
		INSERT INTO devices (id, tenant_id, external_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, external_id) DO NOTHING
	`, uuid.NewString(), tenantID, externalID, now)
	if err != nil {
		return nil, fmt.Errorf("identity: failed to upsert device: %w", err)
	}

	var d Device
	err = q.QueryRowContext(ctx, `
		SELECT id, tenant_id, external_id, created_at FROM devices
		WHERE tenant_id = $1 AND external_id = $2
	`, tenantID, externalID).Scan(&d.ID, &d.TenantID, &d.ExternalID, &d.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("identity: failed to load device: %w", err)
	}
	d.CreatedAt = d.CreatedAt.UTC()
	return &d, nil
}
