// Package evidence generates and serves evidence packs: on-demand
// artifact bundles (JSON, PDF, HTML) documenting one decision
// certificate. Requests create a durable pack row and a task on the
// Redis broker; a worker renders the artifacts into the blob store; the
// API polls row and result backend until the pack is ready.
package evidence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/originhq/origin/pkg/blob"
	"github.com/originhq/origin/pkg/certificate"
	"github.com/originhq/origin/pkg/store"
)

// ErrBrokerUnavailable reports that the task broker cannot be reached.
// Callers map it to 503 with a Retry-After; the pack row is never moved
// to failed on this path.
var ErrBrokerUnavailable = errors.New("evidence: task broker unavailable")

// RetryAfterSeconds is the client back-off hint on pending and
// broker-unavailable responses.
const RetryAfterSeconds = 30

// Service handles the API side of the pipeline: enqueue, poll, and
// artifact download.
type Service struct {
	packs        *Store
	certs        *certificate.Store
	broker       *Broker
	blobs        blob.Store
	signedURLTTL time.Duration
	stuckAfter   time.Duration
	logger       *slog.Logger

	now   func() time.Time
	newID func() string
}

// Config wires the service dependencies.
type Config struct {
	Packs        *Store
	Certificates *certificate.Store
	Broker       *Broker
	Blobs        blob.Store
	SignedURLTTL time.Duration
	StuckAfter   time.Duration
	Logger       *slog.Logger
}

// NewService creates the API-side pipeline service.
func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		packs:        cfg.Packs,
		certs:        cfg.Certificates,
		broker:       cfg.Broker,
		blobs:        cfg.Blobs,
		signedURLTTL: cfg.SignedURLTTL,
		stuckAfter:   cfg.StuckAfter,
		logger:       logger.With("component", "evidence"),
		now:          time.Now,
		newID:        uuid.NewString,
	}
}

// WithClock overrides the service time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// StatusResponse is the enqueue and poll wire shape. TaskState is a
// deprecated mirror of TaskStatus and always equals it.
type StatusResponse struct {
	Status            string            `json:"status"`
	CertificateID     string            `json:"certificate_id"`
	Formats           []string          `json:"formats"`
	AvailableFormats  []string          `json:"available_formats,omitempty"`
	TaskID            string            `json:"task_id"`
	TaskStatus        string            `json:"task_status"`
	TaskState         string            `json:"task_state"`
	PipelineEvent     string            `json:"pipeline_event"`
	SignedURLs        map[string]string `json:"signed_urls,omitempty"`
	DownloadURLs      map[string]string `json:"download_urls,omitempty"`
	ArtifactHashes    map[string]string `json:"artifact_hashes,omitempty"`
	ErrorCode         string            `json:"error_code,omitempty"`
	PollURL           string            `json:"poll_url"`
	RetryAfterSeconds int               `json:"retry_after_seconds,omitempty"`
	ReadyAt           *time.Time        `json:"ready_at,omitempty"`
}

// ArtifactKey is the blob layout for one rendered artifact.
func ArtifactKey(tenantID, certificateID, format string) string {
	return tenantID + "/" + certificateID + "/" + format
}

func pollPath(certificateID string) string {
	return "/v1/evidence-packs/" + certificateID
}

func downloadPath(certificateID, format string) string {
	return pollPath(certificateID) + "/download/" + format
}

// Enqueue validates the certificate, creates or reuses the pack row, and
// pushes the generation task. Re-requesting an already-ready pack
// returns it without touching the broker; a failed pack is re-attempted
// under a fresh retry task id.
func (s *Service) Enqueue(ctx context.Context, tenant *store.Tenant, certificateID, formatCSV, correlationID string) (*StatusResponse, error) {
	if strings.TrimSpace(formatCSV) == "" {
		formatCSV = DefaultFormat
	}
	formats, err := NormalizeFormats(formatCSV)
	if err != nil {
		return nil, err
	}
	if _, err := s.certs.Get(ctx, tenant.ID, certificateID); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	pack := &Pack{
		ID:            s.newID(),
		TenantID:      tenant.ID,
		CertificateID: certificateID,
		Status:        StatusPending,
		Formats:       formats,
		TaskID:        TaskID(tenant.ID, certificateID, formats),
		TaskStatus:    TaskPending,
		PipelineEvent: EventEnqueued,
		CorrelationID: correlationID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	pack, created, err := s.packs.CreateOrGet(ctx, pack)
	if err != nil {
		return nil, err
	}

	if pack.Status == StatusReady {
		return s.readyResponse(ctx, pack)
	}

	task := &Task{
		TaskID:        pack.TaskID,
		TenantID:      tenant.ID,
		PackID:        pack.ID,
		CertificateID: certificateID,
		Formats:       formats,
		CorrelationID: correlationID,
		EnqueuedAt:    now,
	}

	if pack.Status == StatusFailed {
		// A deterministic failure re-attempts only under a new task id.
		task.TaskID = RetryTaskID(pack.TaskID, now)
		if err := s.packs.Requeue(ctx, tenant.ID, pack.ID, task.TaskID, EventEnqueued); err != nil {
			return nil, err
		}
		pack.TaskID = task.TaskID
		pack.Status = StatusPending
		pack.TaskStatus = TaskPending
		pack.PipelineEvent = EventEnqueued
		pack.ErrorCode = ""
	}

	if err := s.broker.Enqueue(ctx, task); err != nil {
		s.logger.Warn("enqueue failed, broker unreachable",
			"certificate_id", certificateID, "task_id", task.TaskID, "error", err)
		if markErr := s.packs.MarkBrokerError(ctx, tenant.ID, pack.ID); markErr != nil {
			s.logger.Error("failed to record broker error", "pack_id", pack.ID, "error", markErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}

	if !created {
		// Reused row: refresh the event and clear any prior broker error.
		if err := s.packs.MarkEnqueued(ctx, tenant.ID, pack.ID); err != nil {
			return nil, err
		}
		pack.PipelineEvent = EventEnqueued
		pack.ErrorCode = ""
	}

	s.logger.Info("evidence pack enqueued",
		"certificate_id", certificateID, "task_id", task.TaskID,
		"formats", FormatsCSV(formats), "correlation_id", correlationID)
	return s.pendingResponse(pack), nil
}

// Poll reports the pack's state, syncing the row from the result backend
// when the worker finished, and requeueing tasks that sat unclaimed past
// the stuck window.
func (s *Service) Poll(ctx context.Context, tenant *store.Tenant, certificateID string) (*StatusResponse, error) {
	pack, err := s.packs.GetByCertificate(ctx, tenant.ID, certificateID)
	if err != nil {
		return nil, err
	}

	switch pack.Status {
	case StatusReady:
		return s.readyResponse(ctx, pack)
	case StatusFailed:
		return s.failedResponse(pack), nil
	}

	res, err := s.broker.Result(ctx, pack.TaskID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}

	switch res.State {
	case TaskSuccess, TaskFailure:
		if err := s.packs.UpdateFromTaskResult(ctx, tenant.ID, pack.ID, res); err != nil {
			return nil, err
		}
		pack, err = s.packs.Get(ctx, tenant.ID, pack.ID)
		if err != nil {
			return nil, err
		}
		if pack.Status == StatusReady {
			return s.readyResponse(ctx, pack)
		}
		return s.failedResponse(pack), nil
	}

	now := s.now().UTC()
	if res.State == TaskPending && now.Sub(pack.UpdatedAt) > s.stuckAfter {
		taskID := RetryTaskID(pack.TaskID, now)
		if err := s.packs.Requeue(ctx, tenant.ID, pack.ID, taskID, EventStuckRequeued); err != nil {
			return nil, err
		}
		task := &Task{
			TaskID:        taskID,
			TenantID:      tenant.ID,
			PackID:        pack.ID,
			CertificateID: certificateID,
			Formats:       pack.Formats,
			CorrelationID: pack.CorrelationID,
			EnqueuedAt:    now,
		}
		if err := s.broker.Enqueue(ctx, task); err != nil {
			if markErr := s.packs.MarkBrokerError(ctx, tenant.ID, pack.ID); markErr != nil {
				s.logger.Error("failed to record broker error", "pack_id", pack.ID, "error", markErr)
			}
			return nil, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
		}
		s.logger.Warn("stuck evidence pack requeued",
			"certificate_id", certificateID, "task_id", taskID, "pack_id", pack.ID)
		pack.TaskID = taskID
		pack.TaskStatus = TaskPending
		pack.PipelineEvent = EventStuckRequeued
		pack.ErrorCode = ""
		return s.pendingResponse(pack), nil
	}

	if err := s.packs.MarkPolling(ctx, tenant.ID, pack.ID, res.State); err != nil {
		return nil, err
	}
	pack.TaskStatus = res.State
	pack.PipelineEvent = EventPolling
	return s.pendingResponse(pack), nil
}

// DownloadResult is either a redirect to a presigned URL or the artifact
// bytes for direct streaming, depending on the blob provider.
type DownloadResult struct {
	RedirectURL string
	Data        []byte
	ContentType string
	Filename    string
}

// Download serves one ready artifact.
func (s *Service) Download(ctx context.Context, tenant *store.Tenant, certificateID, format string) (*DownloadResult, error) {
	if ContentType(format) == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFormat, format)
	}
	pack, err := s.packs.GetByCertificate(ctx, tenant.ID, certificateID)
	if err != nil {
		return nil, err
	}
	key, ok := pack.StorageKeys[format]
	if pack.Status != StatusReady || !ok {
		return nil, fmt.Errorf("%w: no ready %s artifact for certificate %s", store.ErrNotFound, format, certificateID)
	}

	url, err := s.blobs.Presign(ctx, key, s.signedURLTTL)
	if err == nil {
		return &DownloadResult{RedirectURL: url}, nil
	}
	if !errors.Is(err, blob.ErrPresignNotSupported) {
		return nil, fmt.Errorf("evidence: failed to presign artifact: %w", err)
	}
	data, err := s.blobs.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("evidence: failed to load artifact: %w", err)
	}
	return &DownloadResult{
		Data:        data,
		ContentType: ContentType(format),
		Filename:    "evidence." + format,
	}, nil
}

func (s *Service) pendingResponse(pack *Pack) *StatusResponse {
	return &StatusResponse{
		Status:            pack.Status,
		CertificateID:     pack.CertificateID,
		Formats:           pack.Formats,
		TaskID:            pack.TaskID,
		TaskStatus:        pack.TaskStatus,
		TaskState:         pack.TaskStatus,
		PipelineEvent:     pack.PipelineEvent,
		ErrorCode:         pack.ErrorCode,
		PollURL:           pollPath(pack.CertificateID),
		RetryAfterSeconds: RetryAfterSeconds,
	}
}

func (s *Service) failedResponse(pack *Pack) *StatusResponse {
	return &StatusResponse{
		Status:        pack.Status,
		CertificateID: pack.CertificateID,
		Formats:       pack.Formats,
		TaskID:        pack.TaskID,
		TaskStatus:    pack.TaskStatus,
		TaskState:     pack.TaskStatus,
		PipelineEvent: pack.PipelineEvent,
		ErrorCode:     pack.ErrorCode,
		PollURL:       pollPath(pack.CertificateID),
	}
}

func (s *Service) readyResponse(ctx context.Context, pack *Pack) (*StatusResponse, error) {
	signed := make(map[string]string, len(pack.Formats))
	download := make(map[string]string, len(pack.Formats))
	available := make([]string, 0, len(pack.Formats))
	for _, format := range pack.Formats {
		key, ok := pack.StorageKeys[format]
		if !ok {
			continue
		}
		available = append(available, format)
		path := downloadPath(pack.CertificateID, format)
		download[format] = path

		url, err := s.blobs.Presign(ctx, key, s.signedURLTTL)
		switch {
		case errors.Is(err, blob.ErrPresignNotSupported):
			// Filesystem provider: the API streams the artifact itself.
			signed[format] = path
		case err != nil:
			return nil, fmt.Errorf("evidence: failed to presign %s artifact: %w", format, err)
		default:
			signed[format] = url
		}
	}
	readyAt := pack.UpdatedAt
	return &StatusResponse{
		Status:           pack.Status,
		CertificateID:    pack.CertificateID,
		Formats:          pack.Formats,
		AvailableFormats: available,
		TaskID:           pack.TaskID,
		TaskStatus:       pack.TaskStatus,
		TaskState:        pack.TaskStatus,
		PipelineEvent:    pack.PipelineEvent,
		SignedURLs:       signed,
		DownloadURLs:     download,
		ArtifactHashes:   pack.ArtifactHashes,
		PollURL:          pollPath(pack.CertificateID),
		ReadyAt:          &readyAt,
	}, nil
}
