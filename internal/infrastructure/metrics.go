package infrastructure

import (
	"context"
	"fmt"
	"log/slog"

	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// MeterProvider wraps the OpenTelemetry metric provider backed by the
// Prometheus exporter, so /metrics serves everything recorded through the
// otel metric API.
type MeterProvider struct {
	provider *sdkmetric.MeterProvider
}

// InitializeMetrics sets up the global otel meter provider with a Prometheus
// exporter registered on the default prometheus registry.
func InitializeMetrics(serviceName string, logger *slog.Logger) (*MeterProvider, error) {
	exporter, err := otelprom.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	)

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)

	logger.Info("metrics initialized",
		slog.String("exporter", "prometheus"),
		slog.String("service", serviceName))

	return &MeterProvider{provider: provider}, nil
}

// Shutdown flushes and stops the meter provider.
func (m *MeterProvider) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
