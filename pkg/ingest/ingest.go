// Package ingest orchestrates the per-submission decision pipeline:
// identity resolution, feature computation, signal scoring, policy
// evaluation, ledger append, and certificate issuance, all committed in
// one database transaction. A request either produces the full decision
// record or nothing.
package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/originhq/origin/pkg/api"
	"github.com/originhq/origin/pkg/certificate"
	"github.com/originhq/origin/pkg/features"
	"github.com/originhq/origin/pkg/identity"
	"github.com/originhq/origin/pkg/inference"
	"github.com/originhq/origin/pkg/ledger"
	"github.com/originhq/origin/pkg/policy"
	"github.com/originhq/origin/pkg/store"
)

// EventDecisionCreated is the webhook event emitted after a decision
// commits.
const EventDecisionCreated = "decision.created"

// eventTypeDecision is the ledger event type for ingest decisions.
const eventTypeDecision = "ingest.decision"

// ErrIdempotencyConflict reports an idempotency key replayed with a
// different request body.
var ErrIdempotencyConflict = errors.New("ingest: idempotency key reused with a different body")

// Request is the POST /v1/ingest body. Bodies are schema-validated
// before they reach the pipeline.
type Request struct {
	AccountExternalID string            `json:"account_external_id"`
	UploadExternalID  string            `json:"upload_external_id"`
	DeviceExternalID  string            `json:"device_external_id,omitempty"`
	ContentRef        string            `json:"content_ref,omitempty"`
	Fingerprints      map[string]string `json:"fingerprints,omitempty"`
	Metadata          map[string]any    `json:"metadata,omitempty"`
}

// Response is the POST /v1/ingest success body. Scores are on the 0-100
// scale clients see in policy thresholds.
type Response struct {
	IngestionID            string         `json:"ingestion_id"`
	UploadExternalID       string         `json:"upload_external_id"`
	Decision               string         `json:"decision"`
	PolicyProfileID        string         `json:"policy_profile_id"`
	PolicyVersion          string         `json:"policy_version"`
	RiskScore              float64        `json:"risk_score"`
	AssuranceScore         float64        `json:"assurance_score"`
	ReasonCodes            []string       `json:"reason_codes"`
	TriggeredRules         []string       `json:"triggered_rules"`
	DecisionRationale      string         `json:"decision_rationale"`
	MLSignals              map[string]any `json:"ml_signals"`
	CertificateID          string         `json:"certificate_id"`
	LedgerHash             string         `json:"ledger_hash"`
	TenantSequence         int64          `json:"tenant_sequence"`
	CorrelationID          string         `json:"correlation_id"`
	EvidencePackStatus     string         `json:"evidence_pack_status"`
	EvidencePackRequestURL string         `json:"evidence_pack_request_url"`
}

// Result carries the bytes the handler must write. Replays serve the
// stored bytes verbatim so two calls with the same key are
// byte-identical.
type Result struct {
	StatusCode int
	Body       []byte
	Replayed   bool
}

// Notifier enqueues webhook events after the decision commits. Enqueue
// failures are logged, never surfaced; delivery is recoverable.
type Notifier interface {
	Enqueue(ctx context.Context, tenantID, eventType string, payload any) error
}

// Pipeline wires the decision stages over one database handle.
type Pipeline struct {
	db       *sql.DB
	resolver *identity.Resolver
	computer *features.Computer
	scorer   *inference.Service
	engine   *policy.Engine
	profiles *policy.Store
	uploads  *store.UploadStore
	signals  *inference.SignalStore
	chain    *ledger.Store
	certs    *certificate.Service
	idem     api.IdempotencyStore
	notifier Notifier
	logger   *slog.Logger

	now   func() time.Time
	newID func() string
}

// Config collects the pipeline's collaborators.
type Config struct {
	DB          *sql.DB
	Engine      *policy.Engine
	Profiles    *policy.Store
	Scorer      *inference.Service
	Ledger      *ledger.Store
	Certs       *certificate.Service
	Idempotency api.IdempotencyStore
	Notifier    Notifier // optional
	Logger      *slog.Logger
}

// New creates the ingest pipeline.
func New(cfg Config) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		db:       cfg.DB,
		resolver: identity.NewResolver(),
		computer: features.NewComputer(),
		scorer:   cfg.Scorer,
		engine:   cfg.Engine,
		profiles: cfg.Profiles,
		uploads:  store.NewUploadStore(cfg.DB),
		signals:  inference.NewSignalStore(cfg.DB),
		chain:    cfg.Ledger,
		certs:    cfg.Certs,
		idem:     cfg.Idempotency,
		notifier: cfg.Notifier,
		logger:   logger.With("component", "ingest"),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// WithClock overrides the clock for tests.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// Process runs the full decision pipeline for one submission. idemKey
// may be empty; when set, a stored response for (tenant, key) is
// replayed and a different body under the same key is rejected with
// ErrIdempotencyConflict. rawBody is the exact request body received,
// used for the idempotency request hash.
func (p *Pipeline) Process(ctx context.Context, tenant *store.Tenant, req Request, idemKey string, rawBody []byte) (*Result, error) {
	requestHash := api.HashRequestBody(rawBody)

	if idemKey != "" {
		stored, err := p.idem.Get(ctx, tenant.ID, idemKey)
		if err == nil {
			if stored.RequestHash != requestHash {
				return nil, ErrIdempotencyConflict
			}
			return &Result{StatusCode: stored.StatusCode, Body: stored.Body, Replayed: true}, nil
		}
		if !errors.Is(err, api.ErrNoStoredResponse) {
			return nil, fmt.Errorf("ingest: failed to read idempotency record: %w", err)
		}
	}

	// Fail closed on an unknown profile pin; decisions are never made
	// against a guessed ruleset.
	profile, err := p.profiles.Get(ctx, tenant.PolicyProfileID, tenant.PolicyVersion)
	if err != nil {
		return nil, fmt.Errorf("ingest: failed to load policy profile %s/%s: %w",
			tenant.PolicyProfileID, tenant.PolicyVersion, err)
	}

	now := p.now().UTC()
	correlationID := api.CorrelationID(ctx)
	if correlationID == "" {
		correlationID = p.newID()
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("ingest: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	resolution, err := p.resolver.Resolve(ctx, tx, identity.Request{
		TenantID:          tenant.ID,
		AccountExternalID: req.AccountExternalID,
		DeviceExternalID:  req.DeviceExternalID,
		ContentRef:        req.ContentRef,
		Fingerprints:      req.Fingerprints,
		Metadata:          req.Metadata,
	}, now)
	if err != nil {
		return nil, err
	}

	// Features aggregate prior uploads only; the current upload is
	// inserted after this point.
	feats, err := p.computer.Compute(ctx, tx, resolution, now)
	if err != nil {
		return nil, err
	}

	sig := p.scorer.Score(feats, req.Metadata)

	outcome, err := p.engine.Evaluate(profile, feats, &sig)
	if err != nil {
		return nil, err
	}

	inputsHash, outputsHash, err := certificate.ComputeHashes(feats, &sig, outcome)
	if err != nil {
		return nil, err
	}

	// The full decision record rides on the upload row so evidence packs
	// can be rebuilt later without re-running the pipeline.
	decisionInputs, err := json.Marshal(map[string]any{"features": feats, "signals": sig, "outcome": outcome})
	if err != nil {
		return nil, fmt.Errorf("ingest: failed to marshal decision inputs: %w", err)
	}

	upload := &store.Upload{
		ID:             p.newID(),
		TenantID:       tenant.ID,
		ExternalID:     req.UploadExternalID,
		AccountID:      resolution.Account.ID,
		PVID:           resolution.PVID,
		Metadata:       req.Metadata,
		Decision:       outcome.Decision,
		DecisionInputs: decisionInputs,
		ReceivedAt:     now,
	}
	if resolution.Device != nil {
		upload.DeviceID = resolution.Device.ID
	}
	if err := p.uploads.CreateTx(ctx, tx, upload); err != nil {
		return nil, err
	}

	if err := p.signals.SaveTx(ctx, tx, upload.ID, sig); err != nil {
		return nil, err
	}

	event, err := p.chain.Append(ctx, tx, ledger.AppendRequest{
		TenantID:      tenant.ID,
		EventType:     eventTypeDecision,
		CorrelationID: correlationID,
		Timestamp:     now,
		Payload: map[string]any{
			"upload_id": upload.ID,
			"decision":  outcome.Decision,
			"model_versions": map[string]string{
				"risk":    sig.RiskModelVersion,
				"anomaly": sig.AnomalyModelVersion,
			},
			"inputs_hash":  inputsHash,
			"outputs_hash": outputsHash,
		},
	})
	if err != nil {
		return nil, err
	}

	cert, err := p.certs.Issue(ctx, tx, certificate.IssueRequest{
		TenantID:    tenant.ID,
		UploadID:    upload.ID,
		Features:    feats,
		Signals:     &sig,
		Outcome:     outcome,
		LedgerHash:  event.EventHash,
		InputsHash:  inputsHash,
		OutputsHash: outputsHash,
	})
	if err != nil {
		return nil, err
	}

	if err := p.uploads.LinkDecisionTx(ctx, tx, upload.ID, cert.ID, event.ID); err != nil {
		return nil, err
	}

	resp := &Response{
		IngestionID:            upload.ID,
		UploadExternalID:       upload.ExternalID,
		Decision:               outcome.Decision,
		PolicyProfileID:        outcome.PolicyProfileID,
		PolicyVersion:          outcome.PolicyVersion,
		RiskScore:              scale(sig.Risk),
		AssuranceScore:         scale(sig.Assurance),
		ReasonCodes:            outcome.ReasonCodes,
		TriggeredRules:         outcome.TriggeredRules,
		DecisionRationale:      outcome.Rationale,
		MLSignals:              mlSignals(feats, &sig),
		CertificateID:          cert.ID,
		LedgerHash:             event.EventHash,
		TenantSequence:         event.TenantSequence,
		CorrelationID:          correlationID,
		EvidencePackStatus:     "not_requested",
		EvidencePackRequestURL: "/v1/evidence-packs?certificate_id=" + cert.ID,
	}
	body, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("ingest: failed to marshal response: %w", err)
	}

	if idemKey != "" {
		if err := p.idem.SaveTx(tx, tenant.ID, idemKey, requestHash, http.StatusOK, body); err != nil {
			return nil, fmt.Errorf("ingest: failed to save idempotency record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("ingest: failed to commit: %w", err)
	}

	p.logger.Info("decision recorded",
		"tenant_id", tenant.ID,
		"upload_id", upload.ID,
		"decision", outcome.Decision,
		"certificate_id", cert.ID,
		"tenant_sequence", event.TenantSequence,
		"correlation_id", correlationID,
	)

	if p.notifier != nil {
		err := p.notifier.Enqueue(ctx, tenant.ID, EventDecisionCreated, map[string]any{
			"ingestion_id":   upload.ID,
			"upload_id":      upload.ID,
			"certificate_id": cert.ID,
			"decision":       outcome.Decision,
			"ledger_hash":    event.EventHash,
		})
		if err != nil {
			p.logger.Warn("webhook enqueue failed", "tenant_id", tenant.ID, "error", err)
		}
	}

	return &Result{StatusCode: http.StatusOK, Body: body}, nil
}

// mlSignals is the explanatory block mirrored into the response; scores
// use the 0-100 scale.
func mlSignals(f *features.Features, s *inference.Signals) map[string]any {
	return map[string]any{
		"risk_score":            scale(s.Risk),
		"assurance_score":       scale(s.Assurance),
		"anomaly_score":         scale(s.Anomaly),
		"synthetic_likelihood":  scale(s.SyntheticLikelihood),
		"identity_confidence":   f.IdentityConfidence,
		"account_age_days":      f.AccountAgeDays,
		"upload_velocity_24h":   f.UploadVelocity24h,
		"prior_sightings_count": f.PriorSightingsCount,
		"has_prior_quarantine":  f.HasPriorQuarantine,
		"has_prior_reject":      f.HasPriorReject,
		"risk_model_version":    s.RiskModelVersion,
		"anomaly_model_version": s.AnomalyModelVersion,
	}
}

// scale maps a [0,1] signal to the 0-100 scale, rounded to two decimals.
func scale(v float64) float64 {
	return math.Round(v*10000) / 100
}
