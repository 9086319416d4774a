// Package features computes the decision inputs for a submission from
// upload history. Everything here is derived with aggregate queries over
// the uploads and account_devices tables and persisted verbatim on the
// upload row, so any decision can be replayed and explained later.
package features

import (
	"context"
	"fmt"
	"time"

	"github.com/originhq/origin/pkg/identity"
	"github.com/originhq/origin/pkg/store"
)

// Features are the aggregated inputs handed to scoring and policy.
type Features struct {
	AccountAgeDays       int     `json:"account_age_days"`
	UploadVelocity24h    int     `json:"upload_velocity_24h"`
	DeviceVelocity24h    int     `json:"device_velocity_24h"`
	SharedDeviceCount    int     `json:"shared_device_count"`
	PriorQuarantineCount int     `json:"prior_quarantine_count"`
	PriorRejectCount     int     `json:"prior_reject_count"`
	PriorSightingsCount  int     `json:"prior_sightings_count"`
	HasPriorQuarantine   bool    `json:"has_prior_quarantine"`
	HasPriorReject       bool    `json:"has_prior_reject"`
	IdentityConfidence   float64 `json:"identity_confidence"`
}

// Computer derives Features for resolved identities.
type Computer struct{}

// NewComputer creates a feature computer.
func NewComputer() *Computer {
	return &Computer{}
}

// Compute aggregates history for the resolved identity as of now. It runs
// on q so a caller inside the ingest transaction sees rows written earlier
// in that transaction. The upload being decided must not be inserted yet;
// velocity and sighting counts cover prior uploads only.
func (c *Computer) Compute(ctx context.Context, q store.DBTX, res *identity.Resolution, now time.Time) (*Features, error) {
	now = now.UTC()
	tenantID := res.Account.TenantID

	f := &Features{SharedDeviceCount: res.SharedDeviceCount}

	if age := now.Sub(res.Account.CreatedAt); age > 0 {
		f.AccountAgeDays = int(age.Hours() / 24)
	}

	since := now.Add(-24 * time.Hour)
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM uploads
		WHERE tenant_id = $1 AND account_id = $2 AND received_at >= $3
	`, tenantID, res.Account.ID, since).Scan(&f.UploadVelocity24h)
	if err != nil {
		return nil, fmt.Errorf("features: failed to compute upload velocity: %w", err)
	}

	if res.Device != nil {
		err := q.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM uploads
			WHERE tenant_id = $1 AND device_id = $2 AND received_at >= $3
		`, tenantID, res.Device.ID, since).Scan(&f.DeviceVelocity24h)
		if err != nil {
			return nil, fmt.Errorf("features: failed to compute device velocity: %w", err)
		}
	}

	// Placeholders repeat values rather than numbers; SQLite binds by
	// order of appearance.
	var accountQuarantine, accountReject, pvidQuarantine, pvidReject int
	err = q.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN account_id = $1 AND decision = 'QUARANTINE' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN account_id = $2 AND decision = 'REJECT' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN pvid = $3 AND decision = 'QUARANTINE' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN pvid = $4 AND decision = 'REJECT' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN pvid = $5 THEN 1 ELSE 0 END), 0)
		FROM uploads
		WHERE tenant_id = $6 AND (account_id = $7 OR pvid = $8)
	`, res.Account.ID, res.Account.ID, res.PVID, res.PVID, res.PVID,
		tenantID, res.Account.ID, res.PVID,
	).Scan(&accountQuarantine, &accountReject, &pvidQuarantine, &pvidReject, &f.PriorSightingsCount)
	if err != nil {
		return nil, fmt.Errorf("features: failed to compute prior decision counts: %w", err)
	}

	f.PriorQuarantineCount = accountQuarantine + pvidQuarantine
	f.PriorRejectCount = accountReject + pvidReject
	f.HasPriorQuarantine = pvidQuarantine > 0
	f.HasPriorReject = pvidReject > 0
	f.IdentityConfidence = identityConfidence(res.SharedDeviceCount, accountQuarantine)

	return f, nil
}

// identityConfidence scores how established an identity looks, 0-100.
// Established device links raise it; account-level quarantines sink it.
func identityConfidence(sharedDeviceCount, accountQuarantineCount int) float64 {
	confidence := 50 + sharedDeviceCount*15 - accountQuarantineCount*20
	if confidence > 100 {
		confidence = 100
	}
	if confidence < 0 {
		confidence = 0
	}
	return float64(confidence)
}
