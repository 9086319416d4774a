package store_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/originhq/origin/pkg/store"
)

func openUploadTestDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()
	db, dialect, err := store.Open(ctx, "sqlite://:memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate(ctx, db, dialect))
	t.Cleanup(func() { _ = db.Close() })

	tenants := store.NewTenantStore(db)
	for _, id := range []string{"ten_a", "ten_b"} {
		require.NoError(t, tenants.Create(ctx, &store.Tenant{
			ID: id, Label: id, PolicyProfileID: "ORIGIN-CORE",
			PolicyVersion: "v1.0", CreatedAt: time.Now().UTC(),
		}))
		_, err = db.ExecContext(ctx, `
			INSERT INTO accounts (id, tenant_id, external_id, created_at) VALUES ($1, $2, 'u1', $3)
		`, "acc_"+id, id, time.Now().UTC())
		require.NoError(t, err)
	}
	return db
}

func sampleUpload(tenantID, externalID string) *store.Upload {
	return &store.Upload{
		ID:         "up_" + tenantID + "_" + externalID,
		TenantID:   tenantID,
		ExternalID: externalID,
		AccountID:  "acc_" + tenantID,
		PVID:       "PVID-0123456789ABCDEF",
		Metadata:   map[string]any{"content_type": "image/png"},
		Decision:   "ALLOW",
		ReceivedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestUploadCreateAndGet(t *testing.T) {
	db := openUploadTestDB(t)
	uploads := store.NewUploadStore(db)
	ctx := context.Background()

	up := sampleUpload("ten_a", "ext-1")
	require.NoError(t, uploads.CreateTx(ctx, db, up))

	got, err := uploads.Get(ctx, "ten_a", up.ID)
	require.NoError(t, err)
	assert.Equal(t, up.ExternalID, got.ExternalID)
	assert.Equal(t, up.PVID, got.PVID)
	assert.Equal(t, "image/png", got.Metadata["content_type"])

	byExt, err := uploads.GetByExternalID(ctx, "ten_a", "ext-1")
	require.NoError(t, err)
	assert.Equal(t, up.ID, byExt.ID)
}

func TestUploadExternalIDUniquePerTenant(t *testing.T) {
	db := openUploadTestDB(t)
	uploads := store.NewUploadStore(db)
	ctx := context.Background()

	require.NoError(t, uploads.CreateTx(ctx, db, sampleUpload("ten_a", "ext-dup")))

	dup := sampleUpload("ten_a", "ext-dup")
	dup.ID = "up_other"
	err := uploads.CreateTx(ctx, db, dup)
	assert.True(t, errors.Is(err, store.ErrConflict))

	// Same external id under another tenant is fine.
	assert.NoError(t, uploads.CreateTx(ctx, db, sampleUpload("ten_b", "ext-dup")))
}

func TestUploadLinkDecision(t *testing.T) {
	db := openUploadTestDB(t)
	uploads := store.NewUploadStore(db)
	ctx := context.Background()

	up := sampleUpload("ten_a", "ext-2")
	require.NoError(t, uploads.CreateTx(ctx, db, up))

	// Certificate/ledger rows are linked after the decision is recorded;
	// sqlite does not enforce the references so bare ids suffice here.
	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_events (id, tenant_id, tenant_sequence, event_type, correlation_id, event_timestamp, canonical_event, event_hash, prev_hash)
		VALUES ('led_1', 'ten_a', 1, 'ingest.decision', 'corr-1', $1, '{}', 'hash-a', '')
	`, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, uploads.LinkDecisionTx(ctx, tx, up.ID, "cert_1", "led_1"))
	require.NoError(t, tx.Commit())

	got, err := uploads.Get(ctx, "ten_a", up.ID)
	require.NoError(t, err)
	assert.Equal(t, "cert_1", got.CertificateID)
	assert.Equal(t, "led_1", got.LedgerEventID)
}

func TestUploadGetScopedByTenant(t *testing.T) {
	db := openUploadTestDB(t)
	uploads := store.NewUploadStore(db)
	ctx := context.Background()

	up := sampleUpload("ten_a", "ext-3")
	require.NoError(t, uploads.CreateTx(ctx, db, up))

	_, err := uploads.Get(ctx, "ten_b", up.ID)
	assert.True(t, errors.Is(err, store.ErrNotFound))
	_, err = uploads.GetByExternalID(ctx, "ten_b", "ext-3")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}
