package auth_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/originhq/origin/pkg/auth"
	"github.com/originhq/origin/pkg/store"
)

const testSecret = "test-server-secret"

func openTestDB(t *testing.T, tenantIDs ...string) (*sql.DB, *store.TenantStore) {
	t.Helper()
	ctx := context.Background()
	db, dialect, err := store.Open(ctx, "sqlite://:memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate(ctx, db, dialect))
	t.Cleanup(func() { _ = db.Close() })

	tenants := store.NewTenantStore(db)
	for _, id := range tenantIDs {
		require.NoError(t, tenants.Create(ctx, &store.Tenant{
			ID: id, Label: id, PolicyProfileID: "ORIGIN-CORE", PolicyVersion: "1.0",
			CreatedAt: time.Now().UTC(),
		}))
	}
	return db, tenants
}

func TestGenerateRawKeyHasEntropyUpFront(t *testing.T) {
	raw, err := auth.GenerateRawKey()
	require.NoError(t, err)
	assert.Len(t, raw, 43)

	other, err := auth.GenerateRawKey()
	require.NoError(t, err)
	assert.NotEqual(t, auth.ComputePrefix(raw), auth.ComputePrefix(other))
}

func TestCreateAndAuthenticate(t *testing.T) {
	db, _ := openTestDB(t, "ten_a")
	keys := auth.NewKeyStore(db, testSecret, false, nil)

	created, raw, err := keys.Create(context.Background(), "ten_a", []string{auth.ScopeIngestWrite, auth.ScopeIngestWrite, auth.ScopeEvidenceRead})
	require.NoError(t, err)
	assert.Equal(t, raw[:8], created.Prefix)
	assert.Equal(t, []string{auth.ScopeEvidenceRead, auth.ScopeIngestWrite}, created.Scopes)

	got, err := keys.Authenticate(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "ten_a", got.TenantID)
	assert.True(t, got.HasScope(auth.ScopeIngestWrite))
	assert.False(t, got.HasScope(auth.ScopeAdmin))
}

func TestAuthenticateRejectsUnknownKey(t *testing.T) {
	db, _ := openTestDB(t, "ten_a")
	keys := auth.NewKeyStore(db, testSecret, false, nil)

	_, _, err := keys.Create(context.Background(), "ten_a", []string{auth.ScopeIngestWrite})
	require.NoError(t, err)

	_, err = keys.Authenticate(context.Background(), "definitely-not-a-real-key-material")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestAuthenticateRejectsWrongServerSecret(t *testing.T) {
	db, _ := openTestDB(t, "ten_a")
	keys := auth.NewKeyStore(db, testSecret, false, nil)

	_, raw, err := keys.Create(context.Background(), "ten_a", []string{auth.ScopeIngestWrite})
	require.NoError(t, err)

	other := auth.NewKeyStore(db, "different-secret", false, nil)
	_, err = other.Authenticate(context.Background(), raw)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestRevokeAllForTenant(t *testing.T) {
	db, _ := openTestDB(t, "ten_a")
	keys := auth.NewKeyStore(db, testSecret, false, nil)
	ctx := context.Background()

	_, raw1, err := keys.Create(ctx, "ten_a", []string{auth.ScopeIngestWrite})
	require.NoError(t, err)
	_, raw2, err := keys.Create(ctx, "ten_a", []string{auth.ScopeEvidenceRead, auth.ScopeEvidenceWrite})
	require.NoError(t, err)

	union, err := keys.RevokeAllForTenant(ctx, "ten_a")
	require.NoError(t, err)
	assert.Equal(t, []string{auth.ScopeEvidenceRead, auth.ScopeEvidenceWrite, auth.ScopeIngestWrite}, union)

	_, err = keys.Authenticate(ctx, raw1)
	assert.True(t, errors.Is(err, store.ErrNotFound))
	_, err = keys.Authenticate(ctx, raw2)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestTouchLastUsed(t *testing.T) {
	db, _ := openTestDB(t, "ten_a")
	keys := auth.NewKeyStore(db, testSecret, false, nil)
	ctx := context.Background()

	created, _, err := keys.Create(ctx, "ten_a", []string{auth.ScopeIngestWrite})
	require.NoError(t, err)

	used := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	require.NoError(t, keys.TouchLastUsed(ctx, created.ID, used))

	list, err := keys.ListForTenant(ctx, "ten_a")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.NotNil(t, list[0].LastUsedAt)
	assert.True(t, used.Equal(*list[0].LastUsedAt), "got %v", list[0].LastUsedAt)
}

func TestDigestIsDeterministic(t *testing.T) {
	d1 := auth.ComputeDigest("secret", "raw-key")
	d2 := auth.ComputeDigest("secret", "raw-key")
	d3 := auth.ComputeDigest("other", "raw-key")
	assert.Equal(t, d1, d2)
	assert.NotEqual(t, d1, d3)
	assert.Len(t, d1, 64)
}
