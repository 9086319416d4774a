package features_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/originhq/origin/pkg/features"
	"github.com/originhq/origin/pkg/identity"
	"github.com/originhq/origin/pkg/store"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()
	db, dialect, err := store.Open(ctx, "sqlite://:memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate(ctx, db, dialect))
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, store.NewTenantStore(db).Create(ctx, &store.Tenant{
		ID: "ten_a", Label: "ten_a", PolicyProfileID: "ORIGIN-CORE", PolicyVersion: "1.0",
		CreatedAt: time.Now().UTC().Add(-30 * 24 * time.Hour),
	}))
	return db
}

// insertUpload writes a bare historical upload row.
func insertUpload(t *testing.T, db *sql.DB, accountID, deviceID, pvid, decision string, receivedAt time.Time) {
	t.Helper()
	var device any
	if deviceID != "" {
		device = deviceID
	}
	_, err := db.ExecContext(context.Background(), `
		INSERT INTO uploads (id, tenant_id, external_id, account_id, device_id, pvid, decision, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, uuid.NewString(), "ten_a", "ext-"+uuid.NewString(), accountID, device, pvid, decision, receivedAt.UTC())
	require.NoError(t, err)
}

func resolve(t *testing.T, db *sql.DB, accountExt, deviceExt, contentRef string) *identity.Resolution {
	t.Helper()
	res, err := identity.NewResolver().Resolve(context.Background(), db, identity.Request{
		TenantID:          "ten_a",
		AccountExternalID: accountExt,
		DeviceExternalID:  deviceExt,
		ContentRef:        contentRef,
	}, time.Now().Add(-48*time.Hour))
	require.NoError(t, err)
	return res
}

func TestComputeFirstSighting(t *testing.T) {
	db := openTestDB(t)
	res := resolve(t, db, "creator-1", "", "ref-1")

	f, err := features.NewComputer().Compute(context.Background(), db, res, time.Now())
	require.NoError(t, err)

	assert.Equal(t, 2, f.AccountAgeDays)
	assert.Zero(t, f.UploadVelocity24h)
	assert.Zero(t, f.DeviceVelocity24h)
	assert.Zero(t, f.PriorSightingsCount)
	assert.False(t, f.HasPriorQuarantine)
	assert.False(t, f.HasPriorReject)
	assert.Equal(t, 50.0, f.IdentityConfidence)
}

func TestComputeVelocities(t *testing.T) {
	db := openTestDB(t)
	now := time.Now().UTC()
	res := resolve(t, db, "creator-1", "dev-1", "ref-1")

	// Three uploads inside the 24h window, one outside.
	for i := 0; i < 3; i++ {
		insertUpload(t, db, res.Account.ID, res.Device.ID, "PVID-OTHER", "ALLOW", now.Add(-time.Duration(i+1)*time.Hour))
	}
	insertUpload(t, db, res.Account.ID, res.Device.ID, "PVID-OTHER", "ALLOW", now.Add(-25*time.Hour))

	f, err := features.NewComputer().Compute(context.Background(), db, res, now)
	require.NoError(t, err)

	assert.Equal(t, 3, f.UploadVelocity24h)
	assert.Equal(t, 3, f.DeviceVelocity24h)
}

func TestComputePriorDecisionCounts(t *testing.T) {
	db := openTestDB(t)
	now := time.Now().UTC()
	res := resolve(t, db, "creator-1", "", "ref-1")
	pvid := res.PVID

	// Account history: one quarantine, one reject (different content).
	insertUpload(t, db, res.Account.ID, "", "PVID-AAAA", "QUARANTINE", now.Add(-30*time.Hour))
	insertUpload(t, db, res.Account.ID, "", "PVID-BBBB", "REJECT", now.Add(-31*time.Hour))

	// Same content seen before from another account, quarantined once.
	other := resolve(t, db, "creator-2", "", "unused")
	insertUpload(t, db, other.Account.ID, "", pvid, "QUARANTINE", now.Add(-40*time.Hour))
	insertUpload(t, db, other.Account.ID, "", pvid, "ALLOW", now.Add(-41*time.Hour))

	f, err := features.NewComputer().Compute(context.Background(), db, res, now)
	require.NoError(t, err)

	assert.Equal(t, 2, f.PriorQuarantineCount, "account-level plus pvid-level quarantines")
	assert.Equal(t, 1, f.PriorRejectCount)
	assert.Equal(t, 2, f.PriorSightingsCount)
	assert.True(t, f.HasPriorQuarantine, "pvid carries negative provenance")
	assert.False(t, f.HasPriorReject, "account-level reject must not flag the pvid")
}

func TestComputeIdentityConfidence(t *testing.T) {
	db := openTestDB(t)
	now := time.Now().UTC()

	// Two linked devices raise confidence.
	resolve(t, db, "creator-1", "dev-1", "")
	res := resolve(t, db, "creator-1", "dev-2", "ref-x")
	f, err := features.NewComputer().Compute(context.Background(), db, res, now)
	require.NoError(t, err)
	assert.Equal(t, 80.0, f.IdentityConfidence)

	// Account-level quarantines sink it, clamped at zero.
	for i := 0; i < 5; i++ {
		insertUpload(t, db, res.Account.ID, "", fmt.Sprintf("PVID-%04d", i), "QUARANTINE", now.Add(-time.Duration(30+i)*time.Hour))
	}
	f, err = features.NewComputer().Compute(context.Background(), db, res, now)
	require.NoError(t, err)
	assert.Equal(t, 0.0, f.IdentityConfidence)
}

func TestComputeScopedToTenant(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.NewTenantStore(db).Create(ctx, &store.Tenant{
		ID: "ten_b", Label: "ten_b", PolicyProfileID: "ORIGIN-CORE", PolicyVersion: "1.0",
		CreatedAt: now,
	}))

	res := resolve(t, db, "creator-1", "", "ref-1")

	// Same PVID quarantined in another tenant must not leak across.
	otherRes, err := identity.NewResolver().Resolve(ctx, db, identity.Request{
		TenantID: "ten_b", AccountExternalID: "creator-1", ContentRef: "ref-1",
	}, now)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `
		INSERT INTO uploads (id, tenant_id, external_id, account_id, pvid, decision, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.NewString(), "ten_b", "ext-b", otherRes.Account.ID, otherRes.PVID, "QUARANTINE", now.Add(-time.Hour))
	require.NoError(t, err)

	f, err := features.NewComputer().Compute(ctx, db, res, now)
	require.NoError(t, err)
	assert.Zero(t, f.PriorSightingsCount)
	assert.False(t, f.HasPriorQuarantine)
}
