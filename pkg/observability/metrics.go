package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the service-level instruments. All fields are safe for
// concurrent use; a nil *Metrics disables recording.
type Metrics struct {
	HTTPRequests           metric.Int64Counter
	HTTPDuration           metric.Float64Histogram
	IPAllowlistParseErrors metric.Int64Counter
	WebhookDeliveries      metric.Int64Counter
	EvidenceTasks          metric.Int64Counter
	RateLimitRejections    metric.Int64Counter
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.HTTPRequests, err = meter.Int64Counter("http_requests_total",
		metric.WithDescription("HTTP requests by route, method, and status")); err != nil {
		return nil, fmt.Errorf("observability: failed to create counter: %w", err)
	}
	if m.HTTPDuration, err = meter.Float64Histogram("http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)); err != nil {
		return nil, fmt.Errorf("observability: failed to create histogram: %w", err)
	}
	if m.IPAllowlistParseErrors, err = meter.Int64Counter("ip_allowlist_parse_errors_total",
		metric.WithDescription("IP allowlist entries that failed to parse")); err != nil {
		return nil, fmt.Errorf("observability: failed to create counter: %w", err)
	}
	if m.WebhookDeliveries, err = meter.Int64Counter("webhook_deliveries_total",
		metric.WithDescription("Webhook delivery attempts by terminal status")); err != nil {
		return nil, fmt.Errorf("observability: failed to create counter: %w", err)
	}
	if m.EvidenceTasks, err = meter.Int64Counter("evidence_tasks_total",
		metric.WithDescription("Evidence generation tasks by state")); err != nil {
		return nil, fmt.Errorf("observability: failed to create counter: %w", err)
	}
	if m.RateLimitRejections, err = meter.Int64Counter("rate_limit_rejections_total",
		metric.WithDescription("Requests rejected by the rate limiter")); err != nil {
		return nil, fmt.Errorf("observability: failed to create counter: %w", err)
	}
	return m, nil
}

// RecordIPAllowlistParseError increments the parse-error counter.
func (m *Metrics) RecordIPAllowlistParseError(ctx context.Context, tenantID string) {
	if m == nil {
		return
	}
	m.IPAllowlistParseErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("tenant_id", tenantID)))
}

// RecordRateLimitRejection increments the rejection counter.
func (m *Metrics) RecordRateLimitRejection(ctx context.Context, tenantID string) {
	if m == nil {
		return
	}
	m.RateLimitRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("tenant_id", tenantID)))
}

// RecordWebhookDelivery increments the delivery counter with its terminal status.
func (m *Metrics) RecordWebhookDelivery(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.WebhookDeliveries.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordEvidenceTask increments the task counter with the observed state.
func (m *Metrics) RecordEvidenceTask(ctx context.Context, state string) {
	if m == nil {
		return
	}
	m.EvidenceTasks.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

// HTTPMiddleware records request count and latency. Route is the raw URL
// path for the small fixed route surface served here.
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		attrs := metric.WithAttributes(
			attribute.String("route", r.URL.Path),
			attribute.String("method", r.Method),
			attribute.Int("status", sw.status),
		)
		m.HTTPRequests.Add(r.Context(), 1, attrs)
		m.HTTPDuration.Record(r.Context(), time.Since(start).Seconds(), attrs)
	})
}
