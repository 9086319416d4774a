// Package certificate issues and stores signed decision certificates. A
// certificate binds an upload's decision inputs, outputs, and ledger
// position under one PS256 signature, so any party holding the tenant's
// JWKS can verify the decision after the fact.
package certificate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/originhq/origin/pkg/canonical"
	"github.com/originhq/origin/pkg/crypto"
	"github.com/originhq/origin/pkg/features"
	"github.com/originhq/origin/pkg/inference"
	"github.com/originhq/origin/pkg/policy"
	"github.com/originhq/origin/pkg/store"
)

// Certificate is the persisted, signed decision record.
type Certificate struct {
	ID                string    `json:"certificate_id"`
	TenantID          string    `json:"tenant_id"`
	UploadID          string    `json:"upload_id"`
	PolicyProfileID   string    `json:"policy_profile_id"`
	PolicyVersion     string    `json:"policy_version"`
	InputsHash        string    `json:"inputs_hash"`
	OutputsHash       string    `json:"outputs_hash"`
	LedgerHash        string    `json:"ledger_hash"`
	KeyID             string    `json:"key_id"`
	Alg               string    `json:"alg"`
	Signature         string    `json:"signature"`
	SignatureEncoding string    `json:"signature_encoding"`
	SignedPayload     string    `json:"signed_payload"`
	IssuedAt          time.Time `json:"issued_at"`
}

// SignedPayloadFields lists the canonical payload's key set, in the order
// surfaced to verifiers.
var SignedPayloadFields = []string{
	"alg",
	"certificate_id",
	"inputs_hash",
	"issued_at",
	"key_id",
	"ledger_hash",
	"outputs_hash",
	"policy_version",
	"tenant_id",
	"upload_id",
}

// signedPayload is the exact structure whose canonical JSON the signature
// covers. The stored signed_payload bytes are the verbatim pre-image.
type signedPayload struct {
	CertificateID string `json:"certificate_id"`
	TenantID      string `json:"tenant_id"`
	UploadID      string `json:"upload_id"`
	PolicyVersion string `json:"policy_version"`
	InputsHash    string `json:"inputs_hash"`
	OutputsHash   string `json:"outputs_hash"`
	LedgerHash    string `json:"ledger_hash"`
	IssuedAt      string `json:"issued_at"`
	Alg           string `json:"alg"`
	KeyID         string `json:"key_id"`
}

// IssueRequest carries everything the certificate attests to. InputsHash
// and OutputsHash may be precomputed with ComputeHashes when the caller
// already chained them into a ledger event; left empty, Issue computes
// them itself.
type IssueRequest struct {
	TenantID    string
	UploadID    string
	Features    *features.Features
	Signals     *inference.Signals
	Outcome     *policy.Outcome
	LedgerHash  string
	InputsHash  string
	OutputsHash string
}

// ComputeHashes returns the canonical-JSON SHA-256 hashes of the decision
// inputs and outputs objects.
func ComputeHashes(f *features.Features, s *inference.Signals, out *policy.Outcome) (inputsHash, outputsHash string, err error) {
	inputsHash, err = canonical.Hash(buildInputs(f, s, out))
	if err != nil {
		return "", "", fmt.Errorf("certificate: failed to hash inputs: %w", err)
	}
	outputsHash, err = canonical.Hash(buildOutputs(out))
	if err != nil {
		return "", "", fmt.Errorf("certificate: failed to hash outputs: %w", err)
	}
	return inputsHash, outputsHash, nil
}

// Service issues certificates with the active signing key.
type Service struct {
	ring  *crypto.KeyRing
	store *Store

	now   func() time.Time
	newID func() string
}

// NewService creates an issuing service.
func NewService(ring *crypto.KeyRing, st *Store) *Service {
	return &Service{
		ring:  ring,
		store: st,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// WithClock overrides the issue timestamp source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Issue signs the canonical payload and persists the certificate inside
// the caller's transaction.
func (s *Service) Issue(ctx context.Context, q store.DBTX, req IssueRequest) (*Certificate, error) {
	inputsHash, outputsHash := req.InputsHash, req.OutputsHash
	if inputsHash == "" || outputsHash == "" {
		var err error
		inputsHash, outputsHash, err = ComputeHashes(req.Features, req.Signals, req.Outcome)
		if err != nil {
			return nil, err
		}
	}

	issuedAt := s.now().UTC()
	cert := &Certificate{
		ID:                s.newID(),
		TenantID:          req.TenantID,
		UploadID:          req.UploadID,
		PolicyProfileID:   req.Outcome.PolicyProfileID,
		PolicyVersion:     req.Outcome.PolicyVersion,
		InputsHash:        inputsHash,
		OutputsHash:       outputsHash,
		LedgerHash:        req.LedgerHash,
		KeyID:             s.ring.ActiveKeyID(),
		Alg:               crypto.Alg,
		SignatureEncoding: crypto.SignatureEncoding,
		IssuedAt:          issuedAt,
	}

	payloadBytes, err := canonical.Marshal(signedPayload{
		CertificateID: cert.ID,
		TenantID:      cert.TenantID,
		UploadID:      cert.UploadID,
		PolicyVersion: cert.PolicyVersion,
		InputsHash:    cert.InputsHash,
		OutputsHash:   cert.OutputsHash,
		LedgerHash:    cert.LedgerHash,
		IssuedAt:      issuedAt.Format(time.RFC3339Nano),
		Alg:           cert.Alg,
		KeyID:         cert.KeyID,
	})
	if err != nil {
		return nil, fmt.Errorf("certificate: failed to canonicalize payload: %w", err)
	}

	sig, keyID, err := s.ring.Sign(ctx, payloadBytes)
	if err != nil {
		return nil, fmt.Errorf("certificate: failed to sign payload: %w", err)
	}
	if keyID != cert.KeyID {
		return nil, fmt.Errorf("certificate: signing key changed mid-issue: %s != %s", keyID, cert.KeyID)
	}
	cert.Signature = crypto.EncodeSignature(sig)
	cert.SignedPayload = string(payloadBytes)

	if err := s.store.CreateTx(ctx, q, cert); err != nil {
		return nil, err
	}
	return cert, nil
}

// buildInputs is the inputs-hash pre-image: the policy identity, computed
// features, model signals, and the model versions that produced them.
func buildInputs(f *features.Features, s *inference.Signals, out *policy.Outcome) map[string]any {
	return map[string]any{
		"policy_profile_id": out.PolicyProfileID,
		"policy_version":    out.PolicyVersion,
		"features":          f,
		"signals": map[string]any{
			"risk":                 s.Risk,
			"assurance":            s.Assurance,
			"anomaly":              s.Anomaly,
			"synthetic_likelihood": s.SyntheticLikelihood,
		},
		"model_versions": map[string]any{
			"risk":    s.RiskModelVersion,
			"anomaly": s.AnomalyModelVersion,
		},
	}
}

// buildOutputs carries the policy identity too: the same inputs under a
// different profile version must produce a different outputs hash.
func buildOutputs(out *policy.Outcome) map[string]any {
	return map[string]any{
		"policy_profile_id": out.PolicyProfileID,
		"policy_version":    out.PolicyVersion,
		"decision":          out.Decision,
		"reason_codes":      out.ReasonCodes,
		"triggered_rules":   out.TriggeredRules,
		"rationale":         out.Rationale,
	}
}
