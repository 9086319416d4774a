package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/originhq/origin/pkg/blob"
	"github.com/originhq/origin/pkg/certificate"
	"github.com/originhq/origin/pkg/ledger"
	"github.com/originhq/origin/pkg/observability"
	"github.com/originhq/origin/pkg/store"
)

const defaultDequeueTimeout = 5 * time.Second

// Worker consumes generation tasks, renders the requested artifacts into
// the blob store, and records the outcome on both the pack row and the
// result backend.
type Worker struct {
	packs   *Store
	certs   *certificate.Store
	uploads *store.UploadStore
	chain   *ledger.Store
	broker  *Broker
	blobs   blob.Store
	metrics *observability.Metrics
	logger  *slog.Logger

	dequeueTimeout time.Duration
}

// WorkerConfig wires the worker dependencies.
type WorkerConfig struct {
	Packs        *Store
	Certificates *certificate.Store
	Uploads      *store.UploadStore
	Ledger       *ledger.Store
	Broker       *Broker
	Blobs        blob.Store
	Metrics      *observability.Metrics
	Logger       *slog.Logger
}

// NewWorker creates a task worker.
func NewWorker(cfg WorkerConfig) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		packs:          cfg.Packs,
		certs:          cfg.Certificates,
		uploads:        cfg.Uploads,
		chain:          cfg.Ledger,
		broker:         cfg.Broker,
		blobs:          cfg.Blobs,
		metrics:        cfg.Metrics,
		logger:         logger.With("component", "evidence-worker"),
		dequeueTimeout: defaultDequeueTimeout,
	}
}

// WithDequeueTimeout overrides the blocking-pop timeout, for tests.
func (w *Worker) WithDequeueTimeout(d time.Duration) *Worker {
	w.dequeueTimeout = d
	return w
}

// Run consumes tasks until ctx is canceled. Failures of individual tasks
// are logged and never stop the loop.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("evidence worker started")
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		task, err := w.broker.Dequeue(ctx, w.dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warn("dequeue failed", "error", err)
			if !w.pause(ctx) {
				return ctx.Err()
			}
			continue
		}
		if task == nil {
			continue
		}
		if err := w.Execute(ctx, task); err != nil {
			w.logger.Error("task execution failed", "task_id", task.TaskID, "error", err)
			// Brief pause so a dead dependency is not hammered.
			if !w.pause(ctx) {
				return ctx.Err()
			}
		}
	}
}

func (w *Worker) pause(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(time.Second):
		return true
	}
}

// Execute runs one generation task to a terminal state. Missing source
// rows and render errors are deterministic failures; infrastructure
// errors requeue the task and leave the row pending.
func (w *Worker) Execute(ctx context.Context, task *Task) error {
	logger := w.logger.With(
		"task_id", task.TaskID,
		"certificate_id", task.CertificateID,
		"correlation_id", task.CorrelationID,
	)

	if err := w.broker.SetState(ctx, task.TaskID, TaskStarted); err != nil {
		logger.Warn("failed to record task start", "error", err)
	}
	if err := w.packs.MarkStarted(ctx, task.TenantID, task.PackID); err != nil {
		return w.retry(ctx, task, logger, err)
	}

	cert, err := w.certs.Get(ctx, task.TenantID, task.CertificateID)
	if errors.Is(err, store.ErrNotFound) {
		return w.fail(ctx, task, logger, "certificate_not_found")
	}
	if err != nil {
		return w.retry(ctx, task, logger, err)
	}

	upload, err := w.uploads.Get(ctx, task.TenantID, cert.UploadID)
	if errors.Is(err, store.ErrNotFound) {
		return w.fail(ctx, task, logger, "upload_not_found")
	}
	if err != nil {
		return w.retry(ctx, task, logger, err)
	}

	var chainPosition int64
	if upload.LedgerEventID != "" {
		event, err := w.chain.Get(ctx, task.TenantID, upload.LedgerEventID)
		if errors.Is(err, store.ErrNotFound) {
			return w.fail(ctx, task, logger, "ledger_event_not_found")
		}
		if err != nil {
			return w.retry(ctx, task, logger, err)
		}
		chainPosition = event.TenantSequence
	}

	doc, err := NewDocument(cert, upload, chainPosition)
	if err != nil {
		logger.Error("decision inputs unreadable", "error", err)
		return w.fail(ctx, task, logger, "invalid_decision_inputs")
	}

	keys := make(map[string]string, len(task.Formats))
	hashes := make(map[string]string, len(task.Formats))
	sizes := make(map[string]int64, len(task.Formats))
	for _, format := range task.Formats {
		data, err := doc.Render(format)
		if err != nil {
			logger.Error("artifact render failed", "format", format, "error", err)
			return w.fail(ctx, task, logger, "render_failed")
		}
		key := ArtifactKey(task.TenantID, task.CertificateID, format)
		if err := w.blobs.Put(ctx, key, data, ContentType(format)); err != nil {
			return w.retry(ctx, task, logger, err)
		}
		sum := sha256.Sum256(data)
		keys[format] = key
		hashes[format] = "sha256:" + hex.EncodeToString(sum[:])
		sizes[format] = int64(len(data))
	}

	if err := w.packs.MarkReady(ctx, task.TenantID, task.PackID, keys, hashes, sizes); err != nil {
		return w.retry(ctx, task, logger, err)
	}
	if err := w.broker.SetResult(ctx, task.TaskID, &TaskResult{
		State:          TaskSuccess,
		StorageKeys:    keys,
		ArtifactHashes: hashes,
		ArtifactSizes:  sizes,
	}); err != nil {
		logger.Warn("failed to record task result", "error", err)
	}
	w.metrics.RecordEvidenceTask(ctx, TaskSuccess)
	logger.Info("evidence pack ready", "formats", FormatsCSV(task.Formats))
	return nil
}

// fail records a deterministic failure. The pack will not be retried
// until an explicit requeue issues a new task id.
func (w *Worker) fail(ctx context.Context, task *Task, logger *slog.Logger, errorCode string) error {
	if err := w.packs.MarkFailed(ctx, task.TenantID, task.PackID, errorCode); err != nil {
		logger.Error("failed to mark pack failed", "error", err)
	}
	if err := w.broker.SetResult(ctx, task.TaskID, &TaskResult{State: TaskFailure, ErrorCode: errorCode}); err != nil {
		logger.Warn("failed to record task result", "error", err)
	}
	w.metrics.RecordEvidenceTask(ctx, TaskFailure)
	logger.Info("evidence pack failed", "error_code", errorCode)
	return nil
}

// retry pushes the task back onto the queue after a transient error. The
// row stays pending and the result backend shows RETRY until the next
// attempt starts.
func (w *Worker) retry(ctx context.Context, task *Task, logger *slog.Logger, cause error) error {
	if err := w.broker.SetState(ctx, task.TaskID, TaskRetry); err != nil {
		logger.Warn("failed to record retry state", "error", err)
	}
	if err := w.broker.Enqueue(ctx, task); err != nil {
		logger.Error("failed to requeue task", "error", err)
	}
	w.metrics.RecordEvidenceTask(ctx, TaskRetry)
	return cause
}
