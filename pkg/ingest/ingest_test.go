package ingest_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/originhq/origin/pkg/api"
	"github.com/originhq/origin/pkg/certificate"
	"github.com/originhq/origin/pkg/crypto"
	"github.com/originhq/origin/pkg/inference"
	"github.com/originhq/origin/pkg/ingest"
	"github.com/originhq/origin/pkg/ledger"
	"github.com/originhq/origin/pkg/policy"
	"github.com/originhq/origin/pkg/store"
)

type testHarness struct {
	db       *sql.DB
	pipeline *ingest.Pipeline
	tenant   *store.Tenant
	chain    *ledger.Store
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	ctx := context.Background()

	db, dialect, err := store.Open(ctx, "sqlite://:memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate(ctx, db, dialect))
	t.Cleanup(func() { _ = db.Close() })

	engine, err := policy.NewEngine()
	require.NoError(t, err)
	profiles := policy.NewStore(db)
	require.NoError(t, profiles.Seed(ctx, engine, ""))

	tenant := &store.Tenant{
		ID: "ten_a", Label: "acme", PolicyProfileID: policy.DefaultProfileID,
		PolicyVersion: policy.DefaultProfileVersion, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.NewTenantStore(db).Create(ctx, tenant))

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	ring := crypto.NewKeyRing(crypto.NewLocalSignerFromKey("key-test", key))

	chain := ledger.New(db, dialect)
	pipeline := ingest.New(ingest.Config{
		DB:          db,
		Engine:      engine,
		Profiles:    profiles,
		Scorer:      inference.NewService(),
		Ledger:      chain,
		Certs:       certificate.NewService(ring, certificate.NewStore(db)),
		Idempotency: api.NewPostgresIdempotencyStore(db, time.Hour),
	})

	return &testHarness{db: db, pipeline: pipeline, tenant: tenant, chain: chain}
}

func ingestRequest(externalID string) (ingest.Request, []byte) {
	req := ingest.Request{
		AccountExternalID: "u1",
		UploadExternalID:  externalID,
		ContentRef:        "https://cdn.example.com/tracks/" + externalID,
		Metadata:          map[string]any{"title": "demo"},
	}
	raw, _ := json.Marshal(req)
	return req, raw
}

func decodeResponse(t *testing.T, body []byte) ingest.Response {
	t.Helper()
	var resp ingest.Response
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp
}

func TestProcessHappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := api.WithCorrelationID(context.Background(), "corr-ingest-1")

	req, raw := ingestRequest("up-1")
	result, err := h.pipeline.Process(ctx, h.tenant, req, "", raw)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.False(t, result.Replayed)

	resp := decodeResponse(t, result.Body)
	assert.NotEmpty(t, resp.IngestionID)
	assert.Equal(t, "up-1", resp.UploadExternalID)
	assert.Contains(t, []string{"ALLOW", "REVIEW", "QUARANTINE", "REJECT"}, resp.Decision)
	assert.Equal(t, policy.DefaultProfileID, resp.PolicyProfileID)
	assert.Equal(t, policy.DefaultProfileVersion, resp.PolicyVersion)
	assert.NotEmpty(t, resp.CertificateID)
	assert.Len(t, resp.LedgerHash, 64)
	assert.Equal(t, int64(1), resp.TenantSequence)
	assert.Equal(t, "corr-ingest-1", resp.CorrelationID)
	assert.Equal(t, "not_requested", resp.EvidencePackStatus)
	assert.Contains(t, resp.EvidencePackRequestURL, resp.CertificateID)
	assert.Contains(t, resp.MLSignals, "risk_score")
	assert.Contains(t, resp.MLSignals, "risk_model_version")

	// Upload, signals, certificate, and event all landed in one commit.
	up, err := store.NewUploadStore(h.db).Get(context.Background(), "ten_a", resp.IngestionID)
	require.NoError(t, err)
	assert.Equal(t, resp.CertificateID, up.CertificateID)
	assert.NotEmpty(t, up.LedgerEventID)
	assert.Equal(t, resp.Decision, up.Decision)

	cert, err := certificate.NewStore(h.db).Get(context.Background(), "ten_a", resp.CertificateID)
	require.NoError(t, err)
	assert.Equal(t, resp.LedgerHash, cert.LedgerHash)

	count, err := h.chain.Count(context.Background(), "ten_a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestProcessNewAccountRequiresReview(t *testing.T) {
	h := newHarness(t)

	req, raw := ingestRequest("up-new")
	result, err := h.pipeline.Process(context.Background(), h.tenant, req, "", raw)
	require.NoError(t, err)

	resp := decodeResponse(t, result.Body)
	assert.Equal(t, policy.DecisionReview, resp.Decision)
	assert.Contains(t, resp.ReasonCodes, "NEW_IDENTITY")
}

func TestProcessPriorRejectHardBlocks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, raw := ingestRequest("up-a")
	result, err := h.pipeline.Process(ctx, h.tenant, first, "", raw)
	require.NoError(t, err)
	resp := decodeResponse(t, result.Body)

	// Simulate review staff rejecting that upload.
	_, err = h.db.ExecContext(ctx, `UPDATE uploads SET decision = 'REJECT' WHERE id = $1`, resp.IngestionID)
	require.NoError(t, err)

	// Same content_ref means same PVID; the prior reject is inherited.
	second := first
	second.UploadExternalID = "up-b"
	second.ContentRef = first.ContentRef
	raw2, _ := json.Marshal(second)
	result, err = h.pipeline.Process(ctx, h.tenant, second, "", raw2)
	require.NoError(t, err)

	resp2 := decodeResponse(t, result.Body)
	assert.Equal(t, policy.DecisionReject, resp2.Decision)
	assert.Contains(t, resp2.ReasonCodes, "PRIOR_REJECT")
	assert.Contains(t, resp2.TriggeredRules, "HARD_BLOCK_PRIOR_REJECT")
}

func TestProcessIdempotentReplay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	req, raw := ingestRequest("up-idem")
	first, err := h.pipeline.Process(ctx, h.tenant, req, "k-1", raw)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := h.pipeline.Process(ctx, h.tenant, req, "k-1", raw)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Body, second.Body)
	assert.Equal(t, first.StatusCode, second.StatusCode)

	count, err := h.chain.Count(ctx, "ten_a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestProcessIdempotencyConflict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	req, raw := ingestRequest("up-conf")
	_, err := h.pipeline.Process(ctx, h.tenant, req, "k-2", raw)
	require.NoError(t, err)

	other, rawOther := ingestRequest("up-conf-other")
	_, err = h.pipeline.Process(ctx, h.tenant, other, "k-2", rawOther)
	assert.True(t, errors.Is(err, ingest.ErrIdempotencyConflict))
}

func TestProcessDuplicateExternalID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	req, raw := ingestRequest("up-dup")
	_, err := h.pipeline.Process(ctx, h.tenant, req, "", raw)
	require.NoError(t, err)

	_, err = h.pipeline.Process(ctx, h.tenant, req, "", raw)
	assert.True(t, errors.Is(err, store.ErrConflict))

	// The failed attempt rolled back completely.
	count, err := h.chain.Count(ctx, "ten_a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestProcessChainStaysVerifiable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, id := range []string{"up-c1", "up-c2", "up-c3"} {
		req, raw := ingestRequest(id)
		_, err := h.pipeline.Process(ctx, h.tenant, req, "", raw)
		require.NoError(t, err)
	}

	result, err := h.chain.VerifyChain(ctx, "ten_a")
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, int64(3), result.EventsChecked)
}

func TestProcessFailsClosedOnUnknownProfile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	stranger := *h.tenant
	stranger.PolicyVersion = "v9.9"
	req, raw := ingestRequest("up-x")
	_, err := h.pipeline.Process(ctx, &stranger, req, "", raw)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}
