package identity_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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
		CreatedAt: time.Now().UTC(),
	}))
	return db
}

func TestResolveUpsertsAccountOnce(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	r := identity.NewResolver()

	first, err := r.Resolve(ctx, db, identity.Request{
		TenantID: "ten_a", AccountExternalID: "creator-1",
	}, time.Now())
	require.NoError(t, err)
	require.NotNil(t, first.Account)
	assert.Equal(t, "creator-1", first.Account.ExternalID)
	assert.Nil(t, first.Device)

	second, err := r.Resolve(ctx, db, identity.Request{
		TenantID: "ten_a", AccountExternalID: "creator-1",
	}, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, first.Account.ID, second.Account.ID)
	assert.True(t, second.Account.CreatedAt.Equal(first.Account.CreatedAt),
		"created_at must not move on re-sighting")
}

func TestResolveLinksDevices(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	r := identity.NewResolver()

	res, err := r.Resolve(ctx, db, identity.Request{
		TenantID: "ten_a", AccountExternalID: "creator-1", DeviceExternalID: "dev-1",
	}, time.Now())
	require.NoError(t, err)
	require.NotNil(t, res.Device)
	assert.Equal(t, 1, res.SharedDeviceCount)
	assert.Equal(t, 1, res.LinkedAccountCount)

	// Same account on a second device.
	res, err = r.Resolve(ctx, db, identity.Request{
		TenantID: "ten_a", AccountExternalID: "creator-1", DeviceExternalID: "dev-2",
	}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, res.SharedDeviceCount)

	// A second account on the first device.
	res, err = r.Resolve(ctx, db, identity.Request{
		TenantID: "ten_a", AccountExternalID: "creator-2", DeviceExternalID: "dev-1",
	}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, res.SharedDeviceCount)
	assert.Equal(t, 2, res.LinkedAccountCount)

	// Repeat sighting of an existing pair does not double-link.
	res, err = r.Resolve(ctx, db, identity.Request{
		TenantID: "ten_a", AccountExternalID: "creator-1", DeviceExternalID: "dev-1",
	}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, res.SharedDeviceCount)
	assert.Equal(t, 2, res.LinkedAccountCount)
}

func TestResolveDerivesPVID(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	r := identity.NewResolver()

	res, err := r.Resolve(ctx, db, identity.Request{
		TenantID:          "ten_a",
		AccountExternalID: "creator-1",
		ContentRef:        "https://cdn.example.com/a.flac",
		Fingerprints:      map[string]string{"audio_hash": "ah"},
	}, time.Now())
	require.NoError(t, err)

	want, err := identity.DerivePVID("https://cdn.example.com/a.flac", map[string]string{"audio_hash": "ah"}, nil)
	require.NoError(t, err)
	assert.Equal(t, want, res.PVID)
}

func TestResolveInsideTransaction(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	r := identity.NewResolver()

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = r.Resolve(ctx, tx, identity.Request{
		TenantID: "ten_a", AccountExternalID: "ghost",
	}, time.Now())
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	var n int
	require.NoError(t, db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM accounts WHERE tenant_id = $1 AND external_id = $2
	`, "ten_a", "ghost").Scan(&n))
	assert.Zero(t, n, "rolled-back resolve must not persist the account")
}

func TestResolveValidatesInput(t *testing.T) {
	db := openTestDB(t)
	r := identity.NewResolver()

	_, err := r.Resolve(context.Background(), db, identity.Request{TenantID: "ten_a"}, time.Now())
	require.Error(t, err)
}
