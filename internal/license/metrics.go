package license

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the OpenTelemetry instruments for the validation engine. All
// methods are nil-safe so tests can run without a meter provider.
type Metrics struct {
	evaluations      metric.Int64Counter
	evaluateDuration metric.Float64Histogram
	breakerOpens     metric.Int64Counter
	cacheCorruptions metric.Int64Counter
}

// NewMetrics registers the validation engine instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("pospal/license")

	evaluations, err := meter.Int64Counter("license_evaluations_total",
		metric.WithDescription("License evaluations by resolution source and state"))
	if err != nil {
		return nil, fmt.Errorf("failed to create evaluations counter: %w", err)
	}

	duration, err := meter.Float64Histogram("license_evaluate_duration_seconds",
		metric.WithDescription("Duration of license evaluations"))
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	breakerOpens, err := meter.Int64Counter("license_breaker_opens_total",
		metric.WithDescription("Circuit breaker open transitions"))
	if err != nil {
		return nil, fmt.Errorf("failed to create breaker counter: %w", err)
	}

	corruptions, err := meter.Int64Counter("license_cache_corruptions_total",
		metric.WithDescription("Cache reads that failed decryption or parsing"))
	if err != nil {
		return nil, fmt.Errorf("failed to create corruption counter: %w", err)
	}

	return &Metrics{
		evaluations:      evaluations,
		evaluateDuration: duration,
		breakerOpens:     breakerOpens,
		cacheCorruptions: corruptions,
	}, nil
}

// RecordEvaluation notes a completed evaluation.
func (m *Metrics) RecordEvaluation(ctx context.Context, source Source, state State, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("source", string(source)),
		attribute.String("state", string(state)),
	)
	m.evaluations.Add(ctx, 1, attrs)
	m.evaluateDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordBreakerOpen notes a breaker open transition.
func (m *Metrics) RecordBreakerOpen(ctx context.Context) {
	if m == nil {
		return
	}
	m.breakerOpens.Add(ctx, 1)
}

// RecordCacheCorruption notes a corrupted cache read.
func (m *Metrics) RecordCacheCorruption(ctx context.Context) {
	if m == nil {
		return
	}
	m.cacheCorruptions.Add(ctx, 1)
}
