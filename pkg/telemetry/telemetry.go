// Package telemetry provides OpenTelemetry metrics for the coordination
// engines, exported over OTLP gRPC. A nil *Metrics handle is a no-op, so
// engines never branch on whether telemetry is wired.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config configures the OTLP metric exporter.
type Config struct {
	ServiceName  string
	OTLPEndpoint string
	Insecure     bool
}

// Provider owns the meter provider lifecycle.
type Provider struct {
	meterProvider *sdkmetric.MeterProvider
	logger        *slog.Logger
}

// NewProvider initializes the global meter provider with an OTLP gRPC
// exporter and a 15 s periodic reader.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create telemetry resource: %w", err)
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)
	otel.SetMeterProvider(mp)

	return &Provider{
		meterProvider: mp,
		logger:        slog.Default().With("component", "telemetry"),
	}, nil
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.meterProvider == nil {
		return nil
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		p.logger.ErrorContext(ctx, "failed to shutdown meter provider", "error", err)
		return err
	}
	return nil
}

// Metrics holds the operation counters the engines report.
type Metrics struct {
	locksAcquired  metric.Int64Counter
	locksReleased  metric.Int64Counter
	sagasStarted   metric.Int64Counter
	sagasCompleted metric.Int64Counter
	sagasFailed    metric.Int64Counter
	eventsAppended metric.Int64Counter
	cacheHits      metric.Int64Counter
	cacheMisses    metric.Int64Counter
	cacheEvictions metric.Int64Counter
}

// NewMetrics registers the engine counters on the given meter. Pass the
// global meter from otel.Meter after NewProvider, or a test meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	for _, c := range []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.locksAcquired, "syros.locks.acquired", "Locks acquired"},
		{&m.locksReleased, "syros.locks.released", "Locks released"},
		{&m.sagasStarted, "syros.sagas.started", "Sagas started"},
		{&m.sagasCompleted, "syros.sagas.completed", "Sagas reaching Completed"},
		{&m.sagasFailed, "syros.sagas.failed", "Sagas reaching Failed or Compensated"},
		{&m.eventsAppended, "syros.events.appended", "Events appended"},
		{&m.cacheHits, "syros.cache.hits", "Cache hits"},
		{&m.cacheMisses, "syros.cache.misses", "Cache misses"},
		{&m.cacheEvictions, "syros.cache.evictions", "Cache entries evicted or invalidated"},
	} {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("{operation}"))
		if err != nil {
			return nil, fmt.Errorf("register %s: %w", c.name, err)
		}
		*c.dst = counter
	}
	return m, nil
}

func (m *Metrics) inc(ctx context.Context, pick func(*Metrics) metric.Int64Counter, n int64) {
	if m == nil {
		return
	}
	if c := pick(m); c != nil {
		c.Add(ctx, n)
	}
}

func (m *Metrics) LockAcquired(ctx context.Context) {
	m.inc(ctx, func(m *Metrics) metric.Int64Counter { return m.locksAcquired }, 1)
}

func (m *Metrics) LockReleased(ctx context.Context) {
	m.inc(ctx, func(m *Metrics) metric.Int64Counter { return m.locksReleased }, 1)
}

func (m *Metrics) SagaStarted(ctx context.Context) {
	m.inc(ctx, func(m *Metrics) metric.Int64Counter { return m.sagasStarted }, 1)
}

func (m *Metrics) SagaCompleted(ctx context.Context) {
	m.inc(ctx, func(m *Metrics) metric.Int64Counter { return m.sagasCompleted }, 1)
}

func (m *Metrics) SagaFailed(ctx context.Context) {
	m.inc(ctx, func(m *Metrics) metric.Int64Counter { return m.sagasFailed }, 1)
}

func (m *Metrics) EventAppended(ctx context.Context) {
	m.inc(ctx, func(m *Metrics) metric.Int64Counter { return m.eventsAppended }, 1)
}

func (m *Metrics) CacheHit(ctx context.Context) {
	m.inc(ctx, func(m *Metrics) metric.Int64Counter { return m.cacheHits }, 1)
}

func (m *Metrics) CacheMiss(ctx context.Context) {
	m.inc(ctx, func(m *Metrics) metric.Int64Counter { return m.cacheMisses }, 1)
}

func (m *Metrics) CacheEvicted(ctx context.Context, n int64) {
	m.inc(ctx, func(m *Metrics) metric.Int64Counter { return m.cacheEvictions }, n)
}
