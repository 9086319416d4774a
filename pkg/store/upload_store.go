package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Upload is one governed submission. The decision and its inputs are
// persisted for replay and explainability; certificate and ledger ids are
// filled in the same transaction once those rows exist.
type Upload struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenant_id"`
	ExternalID     string          `json:"external_id"`
	AccountID      string          `json:"account_id"`
	DeviceID       string          `json:"device_id,omitempty"`
	PVID           string          `json:"pvid"`
	Metadata       map[string]any  `json:"metadata"`
	Decision       string          `json:"decision"`
	DecisionInputs json.RawMessage `json:"decision_inputs"`
	CertificateID  string          `json:"certificate_id,omitempty"`
	LedgerEventID  string          `json:"ledger_event_id,omitempty"`
	ReceivedAt     time.Time       `json:"received_at"`
}

// UploadStore persists uploads.
type UploadStore struct {
	db *sql.DB
}

// NewUploadStore creates an upload store over db.
func NewUploadStore(db *sql.DB) *UploadStore {
	return &UploadStore{db: db}
}

// CreateTx inserts the upload inside the caller's transaction. A
// duplicate (tenant_id, external_id) returns ErrConflict.
func (s *UploadStore) CreateTx(ctx context.Context, q DBTX, u *Upload) error {
	metadataJSON, err := json.Marshal(u.Metadata)
	if err != nil {
		return fmt.Errorf("store: failed to marshal upload metadata: %w", err)
	}
	if u.Metadata == nil {
		metadataJSON = []byte("{}")
	}
	inputs := u.DecisionInputs
	if len(inputs) == 0 {
		inputs = json.RawMessage("{}")
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO uploads (id, tenant_id, external_id, account_id, device_id, pvid,
			metadata, decision, decision_inputs, certificate_id, ledger_event_id, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, u.ID, u.TenantID, u.ExternalID, u.AccountID, nullable(u.DeviceID), u.PVID,
		string(metadataJSON), u.Decision, string(inputs),
		nullable(u.CertificateID), nullable(u.LedgerEventID), u.ReceivedAt.UTC())
	if err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("%w: upload external id %q already exists", ErrConflict, u.ExternalID)
		}
		return fmt.Errorf("store: failed to insert upload: %w", err)
	}
	return nil
}

// LinkDecisionTx fills the certificate and ledger event references once
// both rows exist, inside the same transaction as CreateTx.
func (s *UploadStore) LinkDecisionTx(ctx context.Context, q DBTX, uploadID, certificateID, ledgerEventID string) error {
	_, err := q.ExecContext(ctx, `
		UPDATE uploads SET certificate_id = $1, ledger_event_id = $2 WHERE id = $3
	`, certificateID, ledgerEventID, uploadID)
	if err != nil {
		return fmt.Errorf("store: failed to link upload decision: %w", err)
	}
	return nil
}

// Get returns the tenant's upload by id, or ErrNotFound.
func (s *UploadStore) Get(ctx context.Context, tenantID, id string) (*Upload, error) {
	return s.get(ctx, `WHERE tenant_id = $1 AND id = $2`, tenantID, id)
}

// GetByExternalID returns the tenant's upload by its external id.
func (s *UploadStore) GetByExternalID(ctx context.Context, tenantID, externalID string) (*Upload, error) {
	return s.get(ctx, `WHERE tenant_id = $1 AND external_id = $2`, tenantID, externalID)
}

func (s *UploadStore) get(ctx context.Context, where string, args ...any) (*Upload, error) {
	var (
		u             Upload
		deviceID      sql.NullString
		metadataJSON  string
		inputsJSON    string
		certificateID sql.NullString
		ledgerEventID sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, external_id, account_id, device_id, pvid,
			metadata, decision, decision_inputs, certificate_id, ledger_event_id, received_at
		FROM uploads `+where, args...,
	).Scan(&u.ID, &u.TenantID, &u.ExternalID, &u.AccountID, &deviceID, &u.PVID,
		&metadataJSON, &u.Decision, &inputsJSON, &certificateID, &ledgerEventID, &u.ReceivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to query upload: %w", err)
	}
	if err := json.Unmarshal([]byte(metadataJSON), &u.Metadata); err != nil {
		return nil, fmt.Errorf("store: failed to unmarshal upload metadata: %w", err)
	}
	u.DeviceID = deviceID.String
	u.DecisionInputs = json.RawMessage(inputsJSON)
	u.CertificateID = certificateID.String
	u.LedgerEventID = ledgerEventID.String
	u.ReceivedAt = u.ReceivedAt.UTC()
	return &u, nil
}

// nullable maps "" to NULL for optional text columns.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
