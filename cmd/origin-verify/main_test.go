package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/originhq/origin/pkg/ledger"
	"github.com/originhq/origin/pkg/store"
)

// seedChain builds a file-backed database with two tenants and a few
// chained events, returning its URL for the CLI under test.
func seedChain(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	url := "sqlite://" + filepath.Join(t.TempDir(), "origin.db")
	db, dialect, err := store.Open(ctx, url)
	require.NoError(t, err)
	defer func() { require.NoError(t, db.Close()) }()
	require.NoError(t, store.Migrate(ctx, db, dialect))

	tenants := store.NewTenantStore(db)
	chain := ledger.New(db, dialect)
	for _, id := range []string{"ten_a", "ten_b"} {
		require.NoError(t, tenants.Create(ctx, &store.Tenant{
			ID:              id,
			Label:           id,
			PolicyProfileID: "ORIGIN-CORE",
			PolicyVersion:   "v1.0",
			CreatedAt:       time.Now().UTC(),
		}))
		for i := 0; i < 3; i++ {
			_, err := chain.AppendOne(ctx, ledger.AppendRequest{
				TenantID:      id,
				EventType:     "DECISION_RECORDED",
				CorrelationID: "corr-1",
				Payload:       map[string]any{"n": i},
			})
			require.NoError(t, err)
		}
	}
	return url
}

func TestRun_AllChainsValid(t *testing.T) {
	url := seedChain(t)

	var stdout, stderr bytes.Buffer
	code := run([]string{"-database-url", url}, &stdout, &stderr)

	require.Equal(t, 0, code, stderr.String())
	require.Contains(t, stdout.String(), "tenant ten_a: OK (3 events, head sequence 3)")
	require.Contains(t, stdout.String(), "tenant ten_b: OK (3 events, head sequence 3)")
}

func TestRun_DetectsTamperedEvent(t *testing.T) {
	ctx := context.Background()
	url := seedChain(t)

	db, _, err := store.Open(ctx, url)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx,
		`UPDATE ledger_events SET canonical_event = '{"tampered":true}'
		  WHERE tenant_id = 'ten_a' AND tenant_sequence = 2`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	var stdout, stderr bytes.Buffer
	code := run([]string{"-database-url", url}, &stdout, &stderr)

	require.Equal(t, 1, code)
	require.Contains(t, stdout.String(), "tenant ten_a: BROKEN at sequence 2: hash mismatch at sequence 2")
	require.Contains(t, stdout.String(), "tenant ten_b: OK")
}

func TestRun_SingleTenantJSON(t *testing.T) {
	url := seedChain(t)

	var stdout, stderr bytes.Buffer
	code := run([]string{"-database-url", url, "-tenant", "ten_b", "-json"}, &stdout, &stderr)

	require.Equal(t, 0, code, stderr.String())
	require.Contains(t, stdout.String(), `"tenant_id": "ten_b"`)
	require.Contains(t, stdout.String(), `"valid": true`)
	require.NotContains(t, stdout.String(), "ten_a")
}

func TestRun_BadFlagsAndBadURL(t *testing.T) {
	var stdout, stderr bytes.Buffer
	require.Equal(t, 2, run([]string{"-no-such-flag"}, &stdout, &stderr))
	require.Equal(t, 2, run([]string{"-database-url", "mysql://nope"}, &stdout, &stderr))
	require.Contains(t, stderr.String(), "unsupported DATABASE_URL scheme")
}
