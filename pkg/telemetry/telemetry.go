// Package telemetry is a thin OpenTelemetry counter wrapper
// instrumented into pkg/vdr and pkg/resolver, adapted from
// pkg/observability/observability.go's Provider shape but trimmed to
// metrics only: no OTLP exporters are wired (see DESIGN.md), since
// SPEC_FULL.md's components only need the six counters below, not a
// full tracing pipeline.
package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Config configures the Provider.
type Config struct {
	ServiceName string
	Enabled     bool
}

// DefaultConfig returns a Provider config with metrics enabled and no
// exporter wired (readings are reachable only in-process via the
// returned meter, matching this module's Non-goal on HTTP server
// scaffolding beyond a minimal cmd/ entrypoint).
func DefaultConfig(serviceName string) Config {
	return Config{ServiceName: serviceName, Enabled: true}
}

// Provider holds the RED-style counters spec.md's components emit:
// documents validated, resolutions served, cache hit/miss, and gateway
// notification fan-out outcomes.
type Provider struct {
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	logger        *slog.Logger

	DocumentsValidated      metric.Int64Counter
	ResolutionsServed       metric.Int64Counter
	CacheHits               metric.Int64Counter
	CacheMisses             metric.Int64Counter
	GatewayNotificationsOK  metric.Int64Counter
	GatewayNotificationsErr metric.Int64Counter
}

// New creates a Provider. logger may be nil (defaults to slog.Default()).
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	mp := sdkmetric.NewMeterProvider()
	meter := mp.Meter(cfg.ServiceName)

	p := &Provider{meterProvider: mp, meter: meter, logger: logger}

	var err error
	if p.DocumentsValidated, err = meter.Int64Counter("webplus.documents.validated",
		metric.WithDescription("DID documents accepted by validateAndAddDidDoc")); err != nil {
		return nil, err
	}
	if p.ResolutionsServed, err = meter.Int64Counter("webplus.resolutions.served",
		metric.WithDescription("resolution queries answered")); err != nil {
		return nil, err
	}
	if p.CacheHits, err = meter.Int64Counter("webplus.cache.hits",
		metric.WithDescription("resolutions satisfied entirely from the local store")); err != nil {
		return nil, err
	}
	if p.CacheMisses, err = meter.Int64Counter("webplus.cache.misses",
		metric.WithDescription("resolutions that required fetching from a VDR")); err != nil {
		return nil, err
	}
	if p.GatewayNotificationsOK, err = meter.Int64Counter("webplus.gateway.notifications.ok",
		metric.WithDescription("gateway fan-out notifications that got a 2xx")); err != nil {
		return nil, err
	}
	if p.GatewayNotificationsErr, err = meter.Int64Counter("webplus.gateway.notifications.errors",
		metric.WithDescription("gateway fan-out notifications that failed (logged, not propagated)")); err != nil {
		return nil, err
	}

	logger.InfoContext(ctx, "telemetry initialized", "service", cfg.ServiceName)
	return p, nil
}

// Shutdown flushes and releases the meter provider's resources.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.meterProvider == nil {
		return nil
	}
	return p.meterProvider.Shutdown(ctx)
}
