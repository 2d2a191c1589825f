// Package observability exports claim metrics over OTLP.
//
// The faucet emits one counter, faucet.claims, partitioned by outcome
// (committed, cooldown_active, rate_limit_exceeded, ...). When no OTLP
// endpoint is configured the provider is inert and records nothing.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// Config configures the metrics provider.
type Config struct {
	ServiceName  string
	OTLPEndpoint string // gRPC endpoint, e.g. "localhost:4317"; empty disables export
	Insecure     bool
	Interval     time.Duration
}

// Metrics owns the meter provider and the claim counter. The zero
// value and a nil *Metrics are both safe no-ops.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	claims   metric.Int64Counter
	logger   *slog.Logger
}

// New sets up the OTLP metric pipeline. With an empty endpoint it
// returns an inert Metrics that records nothing.
func New(ctx context.Context, cfg Config) (*Metrics, error) {
	m := &Metrics{logger: slog.Default().With("component", "observability")}
	if cfg.OTLPEndpoint == "" {
		m.logger.InfoContext(ctx, "metrics export disabled")
		return m, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "nexa-faucet"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp metric exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	m.provider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(cfg.Interval))),
	)
	otel.SetMeterProvider(m.provider)

	meter := m.provider.Meter("nexa-faucet")
	m.claims, err = meter.Int64Counter("faucet.claims",
		metric.WithDescription("Claim pipeline outcomes by terminal state"))
	if err != nil {
		return nil, fmt.Errorf("create claim counter: %w", err)
	}

	m.logger.InfoContext(ctx, "metrics export enabled", "endpoint", cfg.OTLPEndpoint)
	return m, nil
}

// ClaimOutcome counts one terminated claim.
func (m *Metrics) ClaimOutcome(ctx context.Context, outcome string) {
	if m == nil || m.claims == nil {
		return
	}
	m.claims.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// Shutdown flushes pending metrics.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
