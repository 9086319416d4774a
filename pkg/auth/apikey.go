// Package auth implements API-key authentication, scope enforcement, IP
// allowlisting, and per-tenant rate limiting for the ORIGIN API.
//
// Raw keys are never persisted. A key row stores the first eight characters
// of the raw key (indexed, for O(1) candidate lookup) and an
// HMAC-SHA256(server_secret, raw_key) digest compared in constant time.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/originhq/origin/pkg/store"
)

// PrefixLen is the number of leading raw-key characters stored for lookup.
const PrefixLen = 8

// APIKey is a stored credential. The raw key exists only in the response
// that created it.
type APIKey struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenant_id"`
	Prefix     string     `json:"prefix"`
	Digest     string     `json:"-"`
	LegacyHash string     `json:"-"`
	Scopes     []string   `json:"scopes"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// HasScope reports whether the key carries the scope.
func (k *APIKey) HasScope(scope string) bool {
	for _, s := range k.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// ComputePrefix returns the indexed lookup prefix of a raw key.
func ComputePrefix(rawKey string) string {
	if len(rawKey) < PrefixLen {
		return rawKey
	}
	return rawKey[:PrefixLen]
}

// ComputeDigest returns hex(HMAC-SHA256(serverSecret, rawKey)).
func ComputeDigest(serverSecret, rawKey string) string {
	mac := hmac.New(sha256.New, []byte(serverSecret))
	mac.Write([]byte(rawKey))
	return hex.EncodeToString(mac.Sum(nil))
}

// GenerateRawKey returns a fresh raw API key: 32 bytes of entropy,
// base64url without padding. The leading characters double as the lookup
// prefix, so the key must start with random material.
func GenerateRawKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: failed to generate api key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// KeyStore persists API keys and resolves raw keys to stored rows.
type KeyStore struct {
	db             *sql.DB
	serverSecret   string
	legacyFallback bool
	logger         *slog.Logger
}

// NewKeyStore creates a key store. legacyFallback enables the bcrypt
// comparison path for rows predating digest storage.
func NewKeyStore(db *sql.DB, serverSecret string, legacyFallback bool, logger *slog.Logger) *KeyStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyStore{db: db, serverSecret: serverSecret, legacyFallback: legacyFallback, logger: logger}
}

// Create mints a key for the tenant and returns the stored row and the raw
// key. The raw key is not recoverable afterwards.
func (s *KeyStore) Create(ctx context.Context, tenantID string, scopes []string) (*APIKey, string, error) {
	rawKey, err := GenerateRawKey()
	if err != nil {
		return nil, "", err
	}

	key := &APIKey{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Prefix:    ComputePrefix(rawKey),
		Digest:    ComputeDigest(s.serverSecret, rawKey),
		Scopes:    normalizeScopes(scopes),
		CreatedAt: time.Now().UTC(),
	}

	scopesJSON, err := json.Marshal(key.Scopes)
	if err != nil {
		return nil, "", fmt.Errorf("auth: failed to marshal scopes: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, tenant_id, prefix, digest, scopes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, key.ID, key.TenantID, key.Prefix, key.Digest, string(scopesJSON), key.CreatedAt)
	if err != nil {
		return nil, "", fmt.Errorf("auth: failed to insert api key: %w", err)
	}
	return key, rawKey, nil
}

// Authenticate resolves a raw key to its stored row. Unknown and revoked
// keys return store.ErrNotFound. Lookup is by indexed prefix; each
// candidate digest is compared in constant time.
func (s *KeyStore) Authenticate(ctx context.Context, rawKey string) (*APIKey, error) {
	prefix := ComputePrefix(rawKey)
	digest := ComputeDigest(s.serverSecret, rawKey)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, prefix, digest, legacy_hash, scopes, created_at, last_used_at, revoked_at
		FROM api_keys
		WHERE prefix = $1 AND revoked_at IS NULL
	`, prefix)
	if err != nil {
		return nil, fmt.Errorf("auth: failed to query api keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var candidates []*APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("auth: failed to iterate api keys: %w", err)
	}

	for _, key := range candidates {
		if key.Digest != "" && hmac.Equal([]byte(key.Digest), []byte(digest)) {
			return key, nil
		}
		if key.Digest == "" && key.LegacyHash != "" && s.legacyFallback {
			if bcrypt.CompareHashAndPassword([]byte(key.LegacyHash), []byte(rawKey)) == nil {
				s.logger.Warn("api key matched via legacy bcrypt fallback", "key_id", key.ID)
				return key, nil
			}
		}
	}
	return nil, store.ErrNotFound
}

// TouchLastUsed records key usage. Called off the request path.
func (s *KeyStore) TouchLastUsed(ctx context.Context, keyID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET last_used_at = $1 WHERE id = $2
	`, at.UTC(), keyID)
	if err != nil {
		return fmt.Errorf("auth: failed to update last_used_at: %w", err)
	}
	return nil
}

// RevokeAllForTenant revokes every active key for the tenant and returns
// the union of their scopes, preserved across rotation.
func (s *KeyStore) RevokeAllForTenant(ctx context.Context, tenantID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT scopes FROM api_keys WHERE tenant_id = $1 AND revoked_at IS NULL
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("auth: failed to query active keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	union := map[string]struct{}{}
	for rows.Next() {
		var scopesJSON string
		if err := rows.Scan(&scopesJSON); err != nil {
			return nil, fmt.Errorf("auth: failed to scan scopes: %w", err)
		}
		var scopes []string
		if err := json.Unmarshal([]byte(scopesJSON), &scopes); err != nil {
			return nil, fmt.Errorf("auth: failed to unmarshal scopes: %w", err)
		}
		for _, sc := range scopes {
			union[sc] = struct{}{}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("auth: failed to iterate scopes: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE api_keys SET revoked_at = $1 WHERE tenant_id = $2 AND revoked_at IS NULL
	`, time.Now().UTC(), tenantID)
	if err != nil {
		return nil, fmt.Errorf("auth: failed to revoke keys: %w", err)
	}

	out := make([]string, 0, len(union))
	for sc := range union {
		out = append(out, sc)
	}
	sort.Strings(out)
	return out, nil
}

// ListForTenant returns the tenant's keys, newest first.
func (s *KeyStore) ListForTenant(ctx context.Context, tenantID string) ([]*APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, prefix, digest, legacy_hash, scopes, created_at, last_used_at, revoked_at
		FROM api_keys
		WHERE tenant_id = $1
		ORDER BY created_at DESC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("auth: failed to list api keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

func scanAPIKey(rows *sql.Rows) (*APIKey, error) {
	var (
		key        APIKey
		legacyHash sql.NullString
		scopesJSON string
		lastUsed   sql.NullTime
		revoked    sql.NullTime
	)
	err := rows.Scan(&key.ID, &key.TenantID, &key.Prefix, &key.Digest, &legacyHash,
		&scopesJSON, &key.CreatedAt, &lastUsed, &revoked)
	if err != nil {
		return nil, fmt.Errorf("auth: failed to scan api key: %w", err)
	}
	if err := json.Unmarshal([]byte(scopesJSON), &key.Scopes); err != nil {
		return nil, fmt.Errorf("auth: failed to unmarshal scopes: %w", err)
	}
	key.LegacyHash = legacyHash.String
	key.CreatedAt = key.CreatedAt.UTC()
	if lastUsed.Valid {
		t := lastUsed.Time.UTC()
		key.LastUsedAt = &t
	}
	if revoked.Valid {
		t := revoked.Time.UTC()
		key.RevokedAt = &t
	}
	return &key, nil
}

// normalizeScopes deduplicates and sorts for stable storage.
func normalizeScopes(scopes []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(scopes))
	for _, sc := range scopes {
		if _, ok := seen[sc]; ok {
			continue
		}
		seen[sc] = struct{}{}
		out = append(out, sc)
	}
	sort.Strings(out)
	return out
}
