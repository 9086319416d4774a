package api

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"io"
	"net/http"

	"github.com/originhq/origin/pkg/canonical"
)

// ErrNoStoredResponse is returned by Get when the key has not been seen.
var ErrNoStoredResponse = errors.New("api: no stored response")

// ReplayedHeader marks responses served from the idempotency table.
const ReplayedHeader = "X-Idempotency-Replayed"

// IdempotencyKeyHeader is the client-supplied request binding token.
const IdempotencyKeyHeader = "Idempotency-Key"

// StoredResponse is a previously persisted response for idempotent replay.
type StoredResponse struct {
	StatusCode  int
	Body        []byte
	RequestHash string
}

// IdempotencyStore persists responses keyed by (tenant_id, idempotency_key).
// Implementations must enforce single-writer semantics via a unique index.
type IdempotencyStore interface {
	Get(ctx context.Context, tenantID, key string) (*StoredResponse, error)
	Save(ctx context.Context, tenantID, key, requestHash string, status int, body []byte) error
	// SaveTx persists within an open transaction so the record commits
	// atomically with the rest of the request's writes.
	SaveTx(tx *sql.Tx, tenantID, key, requestHash string, status int, body []byte) error
}

// HashRequestBody returns the digest used to detect idempotency-key reuse
// with a different request body.
func HashRequestBody(body []byte) string {
	return canonical.HashBytes(body)
}

// responseCapture wraps http.ResponseWriter to capture the response bytes.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.statusCode = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// IdempotencyMiddleware replays stored responses for POST requests carrying
// an Idempotency-Key. A replay with a different body is a 409. Handlers that
// persist their own record transactionally (ingest) are skipped via the
// skipPaths list; for every other route a successful (2xx) response is
// persisted after the handler returns.
func IdempotencyMiddleware(store IdempotencyStore, tenantFromCtx func(context.Context) string, skipPaths ...string) func(http.Handler) http.Handler {
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost || skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get(IdempotencyKeyHeader)
			tenantID := tenantFromCtx(r.Context())
			if key == "" || tenantID == "" {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				WriteBadRequest(w, r, "unable to read request body")
				return
			}
			_ = r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))
			requestHash := HashRequestBody(body)

			stored, err := store.Get(r.Context(), tenantID, key)
			if err == nil {
				if stored.RequestHash != requestHash {
					WriteConflict(w, r, "idempotency key was already used with a different request body", "idempotency_conflict")
					return
				}
				w.Header().Set(ReplayedHeader, "true")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(stored.StatusCode)
				_, _ = w.Write(stored.Body)
				return
			}
			if !errors.Is(err, ErrNoStoredResponse) {
				WriteInternal(w, r, err)
				return
			}

			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)

			if capture.statusCode >= 200 && capture.statusCode < 300 {
				_ = store.Save(r.Context(), tenantID, key, requestHash, capture.statusCode, capture.body.Bytes())
			}
		})
	}
}
