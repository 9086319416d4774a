// Package observability wires structured logging and OpenTelemetry metrics
// for the ORIGIN services. Metrics are exported through a Prometheus
// registry served at /metrics.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Provider owns the meter provider, the Prometheus registry, and the
// service-level instruments.
type Provider struct {
	registry      *prometheus.Registry
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	logger        *slog.Logger

	Metrics *Metrics
}

// NewLogger builds the process logger: JSON in production and staging,
// text elsewhere. It also installs the logger as the slog default.
// An unrecognized level falls back to Info in production and staging,
// Debug elsewhere.
func NewLogger(service, environment, level string) *slog.Logger {
	production := environment == "production" || environment == "staging"

	lvl := slog.LevelDebug
	if production {
		lvl = slog.LevelInfo
	}
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}

	var handler slog.Handler
	if production {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	return logger
}

// New builds a Provider with a dedicated Prometheus registry. Instrument
// names are emitted verbatim, so they carry their conventional suffixes
// (_total, _seconds) in the instrument name itself.
func New(serviceName, environment string, logger *slog.Logger) (*Provider, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	exporter, err := otelprom.New(
		otelprom.WithRegisterer(registry),
		otelprom.WithoutCounterSuffixes(),
		otelprom.WithoutUnits(),
		otelprom.WithoutScopeInfo(),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: failed to create prometheus exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.DeploymentEnvironment(environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: failed to create resource: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	meter := meterProvider.Meter(serviceName)

	metrics, err := newMetrics(meter)
	if err != nil {
		return nil, err
	}

	return &Provider{
		registry:      registry,
		meterProvider: meterProvider,
		meter:         meter,
		logger:        logger,
		Metrics:       metrics,
	}, nil
}

// Meter returns the service meter for ad-hoc instruments.
func (p *Provider) Meter() metric.Meter {
	return p.meter
}

// Handler serves the Prometheus scrape endpoint.
func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("observability: failed to shut down meter provider: %w", err)
	}
	return nil
}
