package certificate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/originhq/origin/pkg/store"
)

// Store persists certificates.
type Store struct {
	db *sql.DB
}

// NewStore creates a certificate store over db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateTx inserts the certificate using the caller's transaction, so the
// certificate commits atomically with its upload and ledger event.
func (s *Store) CreateTx(ctx context.Context, q store.DBTX, cert *Certificate) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO certificates (id, tenant_id, upload_id, policy_profile_id, policy_version,
			inputs_hash, outputs_hash, ledger_hash, key_id, alg, signature, signature_encoding,
			signed_payload, issued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, cert.ID, cert.TenantID, cert.UploadID, cert.PolicyProfileID, cert.PolicyVersion,
		cert.InputsHash, cert.OutputsHash, cert.LedgerHash, cert.KeyID, cert.Alg,
		cert.Signature, cert.SignatureEncoding, cert.SignedPayload, cert.IssuedAt.UTC())
	if err != nil {
		return fmt.Errorf("certificate: failed to insert certificate: %w", err)
	}
	return nil
}

// Get returns the tenant's certificate by id, or store.ErrNotFound.
// Tenant scoping means one tenant can never read another's certificate.
func (s *Store) Get(ctx context.Context, tenantID, id string) (*Certificate, error) {
	var cert Certificate
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, upload_id, policy_profile_id, policy_version,
			inputs_hash, outputs_hash, ledger_hash, key_id, alg, signature, signature_encoding,
			signed_payload, issued_at
		FROM certificates
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id).Scan(&cert.ID, &cert.TenantID, &cert.UploadID, &cert.PolicyProfileID,
		&cert.PolicyVersion, &cert.InputsHash, &cert.OutputsHash, &cert.LedgerHash,
		&cert.KeyID, &cert.Alg, &cert.Signature, &cert.SignatureEncoding,
		&cert.SignedPayload, &cert.IssuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("certificate: failed to query certificate: %w", err)
	}
	cert.IssuedAt = cert.IssuedAt.UTC()
	return &cert, nil
}
