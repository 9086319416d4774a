package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/originhq/origin/pkg/crypto"
	"github.com/originhq/origin/pkg/observability"
	"github.com/originhq/origin/pkg/store"
)

// backoffSchedule spaces retries after each failed attempt. Attempts past
// the end of the schedule reuse the last entry.
var backoffSchedule = []time.Duration{
	5 * time.Second,
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
	30 * time.Minute,
}

const (
	defaultMaxRetries     = 5
	defaultAttemptTimeout = 10 * time.Second
	defaultPollInterval   = time.Second
	defaultBatchSize      = 32

	// visibilityTimeout bounds how long a claimed row may sit delivering
	// before another sender reclaims it from a dead process.
	visibilityTimeout = 5 * time.Minute

	// circuitRetryDelay reschedules deliveries skipped by an open breaker.
	// The skip does not consume an attempt.
	circuitRetryDelay = 30 * time.Second

	maxResponseDrain = 4096
)

// Endpoint pacing mirrors the outbound connector defaults: two requests a
// second with a small burst, per endpoint.
var endpointRate = rate.Every(500 * time.Millisecond)

const endpointBurst = 10

type statusError struct{ code int }

func (e *statusError) Error() string { return fmt.Sprintf("endpoint returned status %d", e.code) }

// Sender drains due delivery rows: one HTTP attempt per claim, terminal
// mark or retry row after. Endpoints that keep failing trip a per-endpoint
// circuit breaker so the rest of the queue is not held behind timeouts.
type Sender struct {
	store   *Store
	secrets crypto.EncryptionProvider
	metrics *observability.Metrics
	logger  *slog.Logger
	client  *http.Client

	maxRetries     int
	attemptTimeout time.Duration
	pollInterval   time.Duration
	batchSize      int
	clock          func() time.Time

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	limiters map[string]*rate.Limiter
}

// SenderConfig wires the sender dependencies. MaxRetries counts retries
// after the first attempt.
type SenderConfig struct {
	Store   *Store
	Secrets crypto.EncryptionProvider
	Metrics *observability.Metrics
	Logger  *slog.Logger

	MaxRetries     int
	AttemptTimeout time.Duration
	PollInterval   time.Duration
	BatchSize      int
}

// NewSender creates a delivery sender.
func NewSender(cfg SenderConfig) *Sender {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = defaultAttemptTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return &Sender{
		store:          cfg.Store,
		secrets:        cfg.Secrets,
		metrics:        cfg.Metrics,
		logger:         logger.With("component", "webhook-sender"),
		client:         &http.Client{Timeout: cfg.AttemptTimeout},
		maxRetries:     cfg.MaxRetries,
		attemptTimeout: cfg.AttemptTimeout,
		pollInterval:   cfg.PollInterval,
		batchSize:      cfg.BatchSize,
		clock:          time.Now,
		breakers:       map[string]*gobreaker.CircuitBreaker{},
		limiters:       map[string]*rate.Limiter{},
	}
}

// WithClock fixes the sender's clock. Tests only.
func (s *Sender) WithClock(clock func() time.Time) *Sender {
	s.clock = clock
	return s
}

// Run drains deliveries until ctx is canceled. Individual delivery
// failures never stop the loop.
func (s *Sender) Run(ctx context.Context) error {
	s.logger.Info("webhook sender started", "max_retries", s.maxRetries)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if _, err := s.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("delivery pass failed", "error", err)
		}
	}
}

// RunOnce claims one batch of due deliveries and sends them, returning how
// many were claimed.
func (s *Sender) RunOnce(ctx context.Context) (int, error) {
	now := s.clock().UTC()
	claimed, err := s.store.ClaimDue(ctx, now, now.Add(-visibilityTimeout), s.batchSize)
	if err != nil {
		return 0, err
	}
	for _, d := range claimed {
		if err := s.send(ctx, d); err != nil {
			if ctx.Err() != nil {
				return len(claimed), ctx.Err()
			}
			s.logger.Error("delivery handling failed",
				"delivery_id", d.ID,
				"webhook_id", d.WebhookID,
				"error", err,
				"correlation_id", d.CorrelationID,
			)
		}
	}
	return len(claimed), nil
}

// send performs one attempt for a claimed delivery and records the outcome.
func (s *Sender) send(ctx context.Context, d *Delivery) error {
	w, err := s.store.GetByID(ctx, d.WebhookID)
	if errors.Is(err, store.ErrNotFound) {
		return s.deadLetter(ctx, d, 0, "webhook_missing")
	}
	if err != nil {
		return err
	}
	if !w.Active {
		return s.deadLetter(ctx, d, 0, "webhook_disabled")
	}

	secret, err := s.secrets.Decrypt(ctx, w.EncryptedSecret)
	if err != nil {
		s.logger.Error("webhook secret decryption failed",
			"webhook_id", w.ID, "error", err, "correlation_id", d.CorrelationID)
		return s.deadLetter(ctx, d, 0, "secret_unavailable")
	}

	if err := s.limiterFor(w.ID).Wait(ctx); err != nil {
		return err
	}

	v, err := s.breakerFor(w.ID).Execute(func() (any, error) {
		return s.attempt(ctx, w, d, string(secret))
	})
	code, _ := v.(int)

	if err == nil {
		return s.finish(ctx, d, StatusDelivered, code, "")
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return s.store.Reschedule(ctx, d.ID, s.clock().Add(circuitRetryDelay))
	}
	if d.Attempt >= s.maxRetries+1 {
		return s.deadLetter(ctx, d, code, err.Error())
	}

	if ferr := s.finish(ctx, d, StatusFailed, code, err.Error()); ferr != nil {
		return ferr
	}
	retry := &Delivery{
		ID:            d.ID + "_r" + strconv.Itoa(d.Attempt+1),
		WebhookID:     d.WebhookID,
		EventID:       d.EventID,
		EventType:     d.EventType,
		Payload:       d.Payload,
		Attempt:       d.Attempt + 1,
		Status:        StatusPending,
		CorrelationID: d.CorrelationID,
		ScheduledAt:   s.clock().UTC().Add(backoff(d.Attempt)),
	}
	if err := s.store.InsertDelivery(ctx, retry); err != nil {
		return err
	}
	s.logger.Warn("delivery attempt failed",
		"webhook_id", d.WebhookID,
		"event_type", d.EventType,
		"attempt", d.Attempt,
		"next_attempt_at", retry.ScheduledAt,
		"error", err,
		"correlation_id", d.CorrelationID,
	)
	return nil
}

// attempt sends the exact payload bytes the dispatcher stored; the body is
// never re-serialized between signing and transmission.
func (s *Sender) attempt(ctx context.Context, w *Webhook, d *Delivery, secret string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.attemptTimeout)
	defer cancel()

	timestamp := strconv.FormatInt(s.clock().UTC().Unix(), 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(d.Payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(secret, timestamp, d.Payload))
	req.Header.Set(TimestampHeader, timestamp)
	req.Header.Set(EventHeader, d.EventType)
	req.Header.Set(EventIDHeader, d.EventID)
	req.Header.Set(CorrelationIDHeader, d.CorrelationID)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseDrain))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, nil
	}
	return resp.StatusCode, &statusError{code: resp.StatusCode}
}

func (s *Sender) finish(ctx context.Context, d *Delivery, status string, code int, errMsg string) error {
	if err := s.store.Finish(ctx, d.ID, status, code, errMsg, s.clock().UTC()); err != nil {
		return err
	}
	s.metrics.RecordWebhookDelivery(ctx, status)
	if status == StatusDelivered {
		s.logger.Info("delivery succeeded",
			"webhook_id", d.WebhookID,
			"event_type", d.EventType,
			"attempt", d.Attempt,
			"response_code", code,
			"correlation_id", d.CorrelationID,
		)
	}
	return nil
}

func (s *Sender) deadLetter(ctx context.Context, d *Delivery, code int, errMsg string) error {
	if err := s.finish(ctx, d, StatusDeadLettered, code, errMsg); err != nil {
		return err
	}
	s.logger.Error("delivery dead-lettered",
		"webhook_id", d.WebhookID,
		"event_type", d.EventType,
		"attempt", d.Attempt,
		"error", errMsg,
		"correlation_id", d.CorrelationID,
	)
	return nil
}

func (s *Sender) breakerFor(webhookID string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[webhookID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        webhookID,
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("endpoint circuit state changed",
				"webhook_id", name, "from", from.String(), "to", to.String())
		},
	})
	s.breakers[webhookID] = cb
	return cb
}

func (s *Sender) limiterFor(webhookID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.limiters[webhookID]; ok {
		return l
	}
	l := rate.NewLimiter(endpointRate, endpointBurst)
	s.limiters[webhookID] = l
	return l
}

// backoff returns the delay before the attempt after failedAttempt.
func backoff(failedAttempt int) time.Duration {
	idx := failedAttempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(backoffSchedule) {
		idx = len(backoffSchedule) - 1
	}
	return backoffSchedule[idx]
}
