package evidence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/originhq/origin/pkg/store"
)

// Pack row states.
const (
	StatusPending = "pending"
	StatusReady   = "ready"
	StatusFailed  = "failed"
)

// Task-framework states, recorded both on the row and in the result
// backend. These are the only values task_status may take.
const (
	TaskPending = "PENDING"
	TaskStarted = "STARTED"
	TaskRetry   = "RETRY"
	TaskSuccess = "SUCCESS"
	TaskFailure = "FAILURE"
)

// Pipeline events record the last transition the API observed.
const (
	EventEnqueued          = "ENQUEUED"
	EventPolling           = "POLLING"
	EventStuckRequeued     = "STUCK_REQUEUED"
	EventUpdatedFromResult = "UPDATED_FROM_TASK_RESULT"
)

// BrokerUnavailableCode marks rows whose last enqueue attempt could not
// reach the broker. The row stays pending so the request can be retried.
const BrokerUnavailableCode = "BROKER_UNAVAILABLE"

// Pack is one evidence-pack request and its generation state. Formats
// are stored sorted and de-duplicated; (tenant_id, certificate_id,
// formats) is unique, so re-requesting the same set reuses the row.
type Pack struct {
	ID             string            `json:"id"`
	TenantID       string            `json:"tenant_id"`
	CertificateID  string            `json:"certificate_id"`
	Status         string            `json:"status"`
	Formats        []string          `json:"formats"`
	StorageKeys    map[string]string `json:"storage_keys"`
	ArtifactHashes map[string]string `json:"artifact_hashes"`
	ArtifactSizes  map[string]int64  `json:"artifact_sizes"`
	TaskID         string            `json:"task_id"`
	TaskStatus     string            `json:"task_status"`
	PipelineEvent  string            `json:"pipeline_event"`
	ErrorCode      string            `json:"error_code,omitempty"`
	CorrelationID  string            `json:"correlation_id"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Store persists evidence pack rows.
type Store struct {
	db *sql.DB
}

// NewStore creates a pack store over db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateOrGet inserts the pack, or returns the existing row for the same
// (tenant, certificate, formats). The second return reports whether a
// new row was created.
func (s *Store) CreateOrGet(ctx context.Context, p *Pack) (*Pack, bool, error) {
	formatsCSV := FormatsCSV(p.Formats)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO evidence_packs (id, tenant_id, certificate_id, status, formats,
			storage_keys, artifact_hashes, artifact_sizes,
			task_id, task_status, pipeline_event, error_code, correlation_id,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, '{}', '{}', '{}', $6, $7, $8, NULL, $9, $10, $11)
	`, p.ID, p.TenantID, p.CertificateID, p.Status, formatsCSV,
		p.TaskID, p.TaskStatus, p.PipelineEvent, p.CorrelationID,
		p.CreatedAt.UTC(), p.UpdatedAt.UTC())
	if err != nil {
		if store.IsUniqueViolation(err) {
			existing, gerr := s.getWhere(ctx,
				`WHERE tenant_id = $1 AND certificate_id = $2 AND formats = $3`,
				p.TenantID, p.CertificateID, formatsCSV)
			if gerr != nil {
				return nil, false, gerr
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("evidence: failed to insert pack: %w", err)
	}
	created := *p
	created.StorageKeys = map[string]string{}
	created.ArtifactHashes = map[string]string{}
	created.ArtifactSizes = map[string]int64{}
	return &created, true, nil
}

// Get returns the tenant's pack by id, or store.ErrNotFound.
func (s *Store) Get(ctx context.Context, tenantID, id string) (*Pack, error) {
	return s.getWhere(ctx, `WHERE tenant_id = $1 AND id = $2`, tenantID, id)
}

// GetByCertificate returns the newest pack for a certificate, or
// store.ErrNotFound. A certificate may own several packs when different
// format sets were requested.
func (s *Store) GetByCertificate(ctx context.Context, tenantID, certificateID string) (*Pack, error) {
	return s.getWhere(ctx,
		`WHERE tenant_id = $1 AND certificate_id = $2 ORDER BY created_at DESC LIMIT 1`,
		tenantID, certificateID)
}

// MarkEnqueued refreshes a reused row after a successful enqueue,
// clearing any prior broker error.
func (s *Store) MarkEnqueued(ctx context.Context, tenantID, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE evidence_packs
		SET pipeline_event = $1, error_code = NULL, updated_at = $2
		WHERE tenant_id = $3 AND id = $4 AND status = $5
	`, EventEnqueued, time.Now().UTC(), tenantID, id, StatusPending)
	if err != nil {
		return fmt.Errorf("evidence: failed to mark pack enqueued: %w", err)
	}
	return nil
}

// MarkBrokerError records that the enqueue attempt could not reach the
// broker. Status stays pending; this is a transient condition, never a
// generation failure.
func (s *Store) MarkBrokerError(ctx context.Context, tenantID, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE evidence_packs
		SET error_code = $1, updated_at = $2
		WHERE tenant_id = $3 AND id = $4 AND status = $5
	`, BrokerUnavailableCode, time.Now().UTC(), tenantID, id, StatusPending)
	if err != nil {
		return fmt.Errorf("evidence: failed to record broker error: %w", err)
	}
	return nil
}

// MarkPolling records a poll observation and syncs task_status from the
// result backend. updated_at is left alone: the stuck timer measures
// time since the last state change, and polling is not one.
func (s *Store) MarkPolling(ctx context.Context, tenantID, id, taskStatus string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE evidence_packs
		SET pipeline_event = $1, task_status = $2
		WHERE tenant_id = $3 AND id = $4 AND status = $5
	`, EventPolling, taskStatus, tenantID, id, StatusPending)
	if err != nil {
		return fmt.Errorf("evidence: failed to mark pack polling: %w", err)
	}
	return nil
}

// Requeue points the row at a fresh task id and returns it to pending.
// This is the only transition out of failed; ready rows are never
// requeued.
func (s *Store) Requeue(ctx context.Context, tenantID, id, taskID, pipelineEvent string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE evidence_packs
		SET task_id = $1, task_status = $2, pipeline_event = $3, status = $4,
			error_code = NULL, updated_at = $5
		WHERE tenant_id = $6 AND id = $7 AND status IN ($8, $9)
	`, taskID, TaskPending, pipelineEvent, StatusPending,
		time.Now().UTC(), tenantID, id, StatusPending, StatusFailed)
	if err != nil {
		return fmt.Errorf("evidence: failed to requeue pack: %w", err)
	}
	return checkAffected(res, "requeue")
}

// MarkStarted records worker pickup.
func (s *Store) MarkStarted(ctx context.Context, tenantID, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE evidence_packs
		SET task_status = $1, updated_at = $2
		WHERE tenant_id = $3 AND id = $4 AND status = $5
	`, TaskStarted, time.Now().UTC(), tenantID, id, StatusPending)
	if err != nil {
		return fmt.Errorf("evidence: failed to mark pack started: %w", err)
	}
	return nil
}

// MarkReady records the generated artifacts. The status guard keeps the
// transition monotone when a stale duplicate task finishes late.
func (s *Store) MarkReady(ctx context.Context, tenantID, id string, keys, hashes map[string]string, sizes map[string]int64) error {
	keysJSON, hashesJSON, sizesJSON, err := marshalArtifacts(keys, hashes, sizes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE evidence_packs
		SET status = $1, task_status = $2, storage_keys = $3, artifact_hashes = $4,
			artifact_sizes = $5, error_code = NULL, updated_at = $6
		WHERE tenant_id = $7 AND id = $8 AND status = $9
	`, StatusReady, TaskSuccess, keysJSON, hashesJSON, sizesJSON,
		time.Now().UTC(), tenantID, id, StatusPending)
	if err != nil {
		return fmt.Errorf("evidence: failed to mark pack ready: %w", err)
	}
	return nil
}

// MarkFailed records a deterministic generation failure.
func (s *Store) MarkFailed(ctx context.Context, tenantID, id, errorCode string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE evidence_packs
		SET status = $1, task_status = $2, error_code = $3, updated_at = $4
		WHERE tenant_id = $5 AND id = $6 AND status = $7
	`, StatusFailed, TaskFailure, errorCode, time.Now().UTC(), tenantID, id, StatusPending)
	if err != nil {
		return fmt.Errorf("evidence: failed to mark pack failed: %w", err)
	}
	return nil
}

// UpdateFromTaskResult syncs a still-pending row from a terminal task
// result observed at poll time. Covers workers that completed in the
// result backend but whose row write was lost.
func (s *Store) UpdateFromTaskResult(ctx context.Context, tenantID, id string, res *TaskResult) error {
	switch res.State {
	case TaskSuccess:
		keysJSON, hashesJSON, sizesJSON, err := marshalArtifacts(res.StorageKeys, res.ArtifactHashes, res.ArtifactSizes)
		if err != nil {
			return err
		}
		_, err = s.db.ExecContext(ctx, `
			UPDATE evidence_packs
			SET status = $1, task_status = $2, pipeline_event = $3, storage_keys = $4,
				artifact_hashes = $5, artifact_sizes = $6, error_code = NULL, updated_at = $7
			WHERE tenant_id = $8 AND id = $9 AND status = $10
		`, StatusReady, TaskSuccess, EventUpdatedFromResult, keysJSON, hashesJSON, sizesJSON,
			time.Now().UTC(), tenantID, id, StatusPending)
		if err != nil {
			return fmt.Errorf("evidence: failed to sync pack from task result: %w", err)
		}
		return nil
	case TaskFailure:
		_, err := s.db.ExecContext(ctx, `
			UPDATE evidence_packs
			SET status = $1, task_status = $2, pipeline_event = $3, error_code = $4, updated_at = $5
			WHERE tenant_id = $6 AND id = $7 AND status = $8
		`, StatusFailed, TaskFailure, EventUpdatedFromResult, nullableCode(res.ErrorCode),
			time.Now().UTC(), tenantID, id, StatusPending)
		if err != nil {
			return fmt.Errorf("evidence: failed to sync pack from task result: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("evidence: task state %q is not terminal", res.State)
	}
}

func (s *Store) getWhere(ctx context.Context, where string, args ...any) (*Pack, error) {
	var (
		p          Pack
		formatsCSV string
		keysJSON   string
		hashesJSON string
		sizesJSON  string
		errorCode  sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, certificate_id, status, formats,
			storage_keys, artifact_hashes, artifact_sizes,
			task_id, task_status, pipeline_event, error_code, correlation_id,
			created_at, updated_at
		FROM evidence_packs `+where, args...,
	).Scan(&p.ID, &p.TenantID, &p.CertificateID, &p.Status, &formatsCSV,
		&keysJSON, &hashesJSON, &sizesJSON,
		&p.TaskID, &p.TaskStatus, &p.PipelineEvent, &errorCode, &p.CorrelationID,
		&p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("evidence: failed to query pack: %w", err)
	}
	formats, err := NormalizeFormats(formatsCSV)
	if err != nil {
		return nil, fmt.Errorf("evidence: stored formats unreadable: %w", err)
	}
	p.Formats = formats
	p.ErrorCode = errorCode.String
	if err := json.Unmarshal([]byte(keysJSON), &p.StorageKeys); err != nil {
		return nil, fmt.Errorf("evidence: failed to decode storage keys: %w", err)
	}
	if err := json.Unmarshal([]byte(hashesJSON), &p.ArtifactHashes); err != nil {
		return nil, fmt.Errorf("evidence: failed to decode artifact hashes: %w", err)
	}
	if err := json.Unmarshal([]byte(sizesJSON), &p.ArtifactSizes); err != nil {
		return nil, fmt.Errorf("evidence: failed to decode artifact sizes: %w", err)
	}
	return &p, nil
}

func marshalArtifacts(keys, hashes map[string]string, sizes map[string]int64) (string, string, string, error) {
	keysJSON, err := json.Marshal(orEmpty(keys))
	if err != nil {
		return "", "", "", fmt.Errorf("evidence: failed to encode storage keys: %w", err)
	}
	hashesJSON, err := json.Marshal(orEmpty(hashes))
	if err != nil {
		return "", "", "", fmt.Errorf("evidence: failed to encode artifact hashes: %w", err)
	}
	if sizes == nil {
		sizes = map[string]int64{}
	}
	sizesJSON, err := json.Marshal(sizes)
	if err != nil {
		return "", "", "", fmt.Errorf("evidence: failed to encode artifact sizes: %w", err)
	}
	return string(keysJSON), string(hashesJSON), string(sizesJSON), nil
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nullableCode(code string) any {
	if code == "" {
		return nil
	}
	return code
}

func checkAffected(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("evidence: failed to check %s result: %w", op, err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
