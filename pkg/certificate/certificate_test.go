package certificate_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/originhq/origin/pkg/canonical"
	"github.com/originhq/origin/pkg/certificate"
	"github.com/originhq/origin/pkg/crypto"
	"github.com/originhq/origin/pkg/features"
	"github.com/originhq/origin/pkg/inference"
	"github.com/originhq/origin/pkg/policy"
	"github.com/originhq/origin/pkg/store"
)

func testRing(t *testing.T) *crypto.KeyRing {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return crypto.NewKeyRing(crypto.NewLocalSignerFromKey("key-2026-01", key))
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()
	db, dialect, err := store.Open(ctx, "sqlite://:memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate(ctx, db, dialect))
	t.Cleanup(func() { _ = db.Close() })

	tenants := store.NewTenantStore(db)
	require.NoError(t, tenants.Create(ctx, &store.Tenant{
		ID: "ten_a", Label: "ten_a", PolicyProfileID: policy.DefaultProfileID,
		PolicyVersion: policy.DefaultProfileVersion, CreatedAt: time.Now().UTC(),
	}))

	// Account and upload rows the certificate references.
	_, err = db.ExecContext(ctx, `
		INSERT INTO accounts (id, tenant_id, external_id, created_at) VALUES ('acc_1', 'ten_a', 'u1', $1)
	`, time.Now().UTC())
	require.NoError(t, err)
	uploads := store.NewUploadStore(db)
	require.NoError(t, uploads.CreateTx(ctx, db, &store.Upload{
		ID: "up_1", TenantID: "ten_a", ExternalID: "ext-1", AccountID: "acc_1",
		PVID: "PVID-ABCDEF0123456789", Decision: policy.DecisionAllow, ReceivedAt: time.Now().UTC(),
	}))
	return db
}

func issueFixture() certificate.IssueRequest {
	return certificate.IssueRequest{
		TenantID: "ten_a",
		UploadID: "up_1",
		Features: &features.Features{AccountAgeDays: 12, IdentityConfidence: 70},
		Signals: &inference.Signals{
			Risk: 0.12, Assurance: 0.91, Anomaly: 0.05, SyntheticLikelihood: 0.02,
			RiskModelVersion: "0.3.0", AnomalyModelVersion: "0.2.0",
			ComputedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		},
		Outcome: &policy.Outcome{
			Decision:        policy.DecisionAllow,
			PolicyProfileID: policy.DefaultProfileID,
			PolicyVersion:   policy.DefaultProfileVersion,
			ReasonCodes:     []string{"HIGH_ASSURANCE"},
			TriggeredRules:  []string{"ASSURANCE_THRESHOLD_ALLOW"},
			Rationale:       "Assurance score 91.0 meets allow threshold with low risk",
		},
		LedgerHash: "a3f8c2d9e1b4a6c8d0e2f4a6b8c0d2e4f6a8b0c2d4e6f8a0b2c4d6e8f0a2b4c6",
	}
}

func TestIssuePersistsAndSigns(t *testing.T) {
	db := openTestDB(t)
	ring := testRing(t)
	svc := certificate.NewService(ring, certificate.NewStore(db))
	ctx := context.Background()

	cert, err := svc.Issue(ctx, db, issueFixture())
	require.NoError(t, err)
	assert.Equal(t, "PS256", cert.Alg)
	assert.Equal(t, "base64url", cert.SignatureEncoding)
	assert.Equal(t, "key-2026-01", cert.KeyID)
	assert.Len(t, cert.InputsHash, 64)
	assert.Len(t, cert.OutputsHash, 64)

	got, err := certificate.NewStore(db).Get(ctx, "ten_a", cert.ID)
	require.NoError(t, err)
	assert.Equal(t, cert.Signature, got.Signature)
	assert.Equal(t, cert.SignedPayload, got.SignedPayload)
}

func TestSignatureVerifiesAgainstStoredPayload(t *testing.T) {
	db := openTestDB(t)
	ring := testRing(t)
	svc := certificate.NewService(ring, certificate.NewStore(db))

	cert, err := svc.Issue(context.Background(), db, issueFixture())
	require.NoError(t, err)

	jwks, err := ring.PublicJWKS(context.Background())
	require.NoError(t, err)
	require.Len(t, jwks.Keys, 1)

	sig, err := crypto.DecodeSignature(cert.Signature)
	require.NoError(t, err)
	assert.NoError(t, crypto.VerifyPS256(jwks.Keys[0], []byte(cert.SignedPayload), sig))

	// Any payload tampering breaks verification.
	tampered := []byte(cert.SignedPayload)
	tampered[len(tampered)-2] ^= 0x01
	assert.Error(t, crypto.VerifyPS256(jwks.Keys[0], tampered, sig))
}

func TestSignedPayloadKeySet(t *testing.T) {
	db := openTestDB(t)
	svc := certificate.NewService(testRing(t), certificate.NewStore(db))

	cert, err := svc.Issue(context.Background(), db, issueFixture())
	require.NoError(t, err)

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(cert.SignedPayload), &payload))
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	assert.ElementsMatch(t, certificate.SignedPayloadFields, keys)
	assert.Equal(t, cert.ID, payload["certificate_id"])
	assert.Equal(t, cert.LedgerHash, payload["ledger_hash"])
	assert.Equal(t, "PS256", payload["alg"])

	// The stored payload is the verbatim hash pre-image: re-canonicalizing
	// it must be byte-stable.
	recanon, err := canonical.Marshal(payload)
	require.NoError(t, err)
	assert.Equal(t, cert.SignedPayload, string(recanon))
}

func TestOutputsHashChangesWithPolicyVersion(t *testing.T) {
	req := issueFixture()
	_, outputsV1, err := certificate.ComputeHashes(req.Features, req.Signals, req.Outcome)
	require.NoError(t, err)

	bumped := *req.Outcome
	bumped.PolicyVersion = "v1.1"
	_, outputsV2, err := certificate.ComputeHashes(req.Features, req.Signals, &bumped)
	require.NoError(t, err)

	assert.NotEqual(t, outputsV1, outputsV2)
}

func TestInputsHashChangesWithSignals(t *testing.T) {
	req := issueFixture()
	inputsA, _, err := certificate.ComputeHashes(req.Features, req.Signals, req.Outcome)
	require.NoError(t, err)

	shifted := *req.Signals
	shifted.Risk = 0.13
	inputsB, _, err := certificate.ComputeHashes(req.Features, &shifted, req.Outcome)
	require.NoError(t, err)

	assert.NotEqual(t, inputsA, inputsB)
}

func TestGetIsTenantScoped(t *testing.T) {
	db := openTestDB(t)
	svc := certificate.NewService(testRing(t), certificate.NewStore(db))

	cert, err := svc.Issue(context.Background(), db, issueFixture())
	require.NoError(t, err)

	_, err = certificate.NewStore(db).Get(context.Background(), "ten_other", cert.ID)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestIssueInsideTransactionRollsBack(t *testing.T) {
	db := openTestDB(t)
	svc := certificate.NewService(testRing(t), certificate.NewStore(db))
	ctx := context.Background()

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	cert, err := svc.Issue(ctx, tx, issueFixture())
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	_, err = certificate.NewStore(db).Get(ctx, "ten_a", cert.ID)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}
