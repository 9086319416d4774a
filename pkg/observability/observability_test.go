package observability

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerHonorsLevel(t *testing.T) {
	ctx := context.Background()

	logger := NewLogger("origin-api", "production", "error")
	require.False(t, logger.Enabled(ctx, slog.LevelWarn))
	require.True(t, logger.Enabled(ctx, slog.LevelError))

	logger = NewLogger("origin-api", "production", "debug")
	require.True(t, logger.Enabled(ctx, slog.LevelDebug))
}

func TestNewLoggerDefaultsByEnvironment(t *testing.T) {
	ctx := context.Background()

	logger := NewLogger("origin-api", "production", "")
	assert.False(t, logger.Enabled(ctx, slog.LevelDebug))
	assert.True(t, logger.Enabled(ctx, slog.LevelInfo))

	logger = NewLogger("origin-api", "development", "")
	assert.True(t, logger.Enabled(ctx, slog.LevelDebug))

	// Unrecognized levels keep the environment default.
	logger = NewLogger("origin-api", "production", "verbose")
	assert.False(t, logger.Enabled(ctx, slog.LevelDebug))
	assert.True(t, logger.Enabled(ctx, slog.LevelInfo))
}

func TestProviderServesRecordedInstruments(t *testing.T) {
	provider, err := New("origin-api", "test", slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	ctx := context.Background()
	provider.Metrics.RecordRateLimitRejection(ctx, "ten_a")
	provider.Metrics.RecordWebhookDelivery(ctx, "delivered")
	provider.Metrics.RecordEvidenceTask(ctx, "ready")

	rec := httptest.NewRecorder()
	provider.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "rate_limit_rejections_total")
	assert.Contains(t, body, "webhook_deliveries_total")
	assert.Contains(t, body, "evidence_tasks_total")
	assert.Contains(t, body, `status="delivered"`)
}

func TestHTTPMiddlewareRecordsRouteAndStatus(t *testing.T) {
	provider, err := New("origin-api", "test", slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	handler := provider.Metrics.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/uploads/nope", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	scrape := httptest.NewRecorder()
	provider.Handler().ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := scrape.Body.String()
	assert.Contains(t, body, "http_requests_total")
	assert.Contains(t, body, `status="404"`)
	assert.Contains(t, body, `route="/v1/uploads/nope"`)
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()

	m.RecordIPAllowlistParseError(ctx, "ten_a")
	m.RecordRateLimitRejection(ctx, "ten_a")
	m.RecordWebhookDelivery(ctx, "failed")
	m.RecordEvidenceTask(ctx, "queued")

	called := false
	handler := m.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.True(t, called)
	assert.Equal(t, http.StatusOK, rec.Code)
}
