package infrastructure

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// OTelConfig holds OpenTelemetry configuration
type OTelConfig struct {
	ServiceName    string
	ServiceVersion string
	MetricsEnabled bool
}

// OTelProviders holds the initialized OpenTelemetry providers
type OTelProviders struct {
	MeterProvider  *sdkmetric.MeterProvider
	Meter          metric.Meter
	PrometheusHTTP http.Handler
}

// DefaultOTelConfig returns the default OpenTelemetry configuration
func DefaultOTelConfig() *OTelConfig {
	return &OTelConfig{
		ServiceName:    "skillpulse",
		ServiceVersion: "1.0.0",
		MetricsEnabled: true,
	}
}

// InitializeOTel sets up the meter provider with a Prometheus exporter.
// Traces use the global no-op provider unless an external collector wires one.
func InitializeOTel(cfg *OTelConfig, logger *slog.Logger) (*OTelProviders, error) {
	providers := &OTelProviders{}

	if !cfg.MetricsEnabled {
		providers.Meter = otel.Meter(cfg.ServiceName)
		return providers, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	providers.MeterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(providers.MeterProvider)
	providers.Meter = providers.MeterProvider.Meter(cfg.ServiceName)
	providers.PrometheusHTTP = promhttp.Handler()

	logger.Info("OpenTelemetry metrics initialized",
		slog.String("service", cfg.ServiceName),
		slog.String("exporter", "prometheus"))

	return providers, nil
}

// BusinessMetrics holds the counters the core components record into
type BusinessMetrics struct {
	Activations        metric.Int64Counter
	ActivationFailures metric.Int64Counter
	TokenValidations   metric.Int64Counter
	FraudAlerts        metric.Int64Counter
	AutomationSends    metric.Int64Counter
	AutomationFailures metric.Int64Counter
	StatusChecks       metric.Int64Counter
}

// CreateBusinessMetrics registers the domain counters on the given meter
func CreateBusinessMetrics(meter metric.Meter) (*BusinessMetrics, error) {
	m := &BusinessMetrics{}
	var err error

	if m.Activations, err = meter.Int64Counter("license_activations_total",
		metric.WithDescription("Successful device activations")); err != nil {
		return nil, err
	}
	if m.ActivationFailures, err = meter.Int64Counter("license_activation_failures_total",
		metric.WithDescription("Rejected activation attempts")); err != nil {
		return nil, err
	}
	if m.TokenValidations, err = meter.Int64Counter("license_token_validations_total",
		metric.WithDescription("Activation token validation attempts")); err != nil {
		return nil, err
	}
	if m.FraudAlerts, err = meter.Int64Counter("fraud_alerts_total",
		metric.WithDescription("Fraud alerts raised")); err != nil {
		return nil, err
	}
	if m.AutomationSends, err = meter.Int64Counter("automation_steps_sent_total",
		metric.WithDescription("Automation steps delivered")); err != nil {
		return nil, err
	}
	if m.AutomationFailures, err = meter.Int64Counter("automation_step_failures_total",
		metric.WithDescription("Automation delivery failures")); err != nil {
		return nil, err
	}
	if m.StatusChecks, err = meter.Int64Counter("status_checks_total",
		metric.WithDescription("Package status probes executed")); err != nil {
		return nil, err
	}

	return m, nil
}

// Shutdown flushes and stops the providers
func (p *OTelProviders) Shutdown(ctx context.Context) error {
	if p.MeterProvider != nil {
		return p.MeterProvider.Shutdown(ctx)
	}
	return nil
}

// TraceIDFromContext returns the active span's trace ID, or the request
// trace ID stored in the context, or empty.
func TraceIDFromContext(ctx context.Context) string {
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return GetTraceID(ctx)
}
