// Package telemetry provides OpenTelemetry instrumentation for DataGuard.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials"
)

// Config holds telemetry configuration.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
}

// Provider manages OpenTelemetry providers and the Guardian metric set.
type Provider struct {
	config         Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter

	decisionCounter  metric.Int64Counter
	decisionDuration metric.Float64Histogram
	riskScoreHist    metric.Int64Histogram
	pendingGauge     metric.Int64UpDownCounter
	scorerErrors     metric.Int64Counter
}

// NewProvider creates a new telemetry provider.
func NewProvider(cfg Config) (*Provider, error) {
	ctx := context.Background()

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// Use TLS by default, plaintext only when OTEL_INSECURE=true.
	exporterOpts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
	}
	if strings.EqualFold(os.Getenv("OTEL_INSECURE"), "true") {
		exporterOpts = append(exporterOpts, otlptracegrpc.WithInsecure())
	} else {
		exporterOpts = append(exporterOpts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}

	traceExporter, err := otlptracegrpc.New(ctx, exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(meterProvider)

	p := &Provider{
		config:         cfg,
		tracerProvider: tracerProvider,
		meterProvider:  meterProvider,
		tracer:         tracerProvider.Tracer(cfg.ServiceName),
		meter:          meterProvider.Meter(cfg.ServiceName),
	}

	if err := p.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return p, nil
}

func (p *Provider) initMetrics() error {
	var err error

	p.decisionCounter, err = p.meter.Int64Counter(
		"guardian_decisions_total",
		metric.WithDescription("Total Guardian decisions by verdict"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return err
	}

	p.decisionDuration, err = p.meter.Float64Histogram(
		"guardian_decision_duration_seconds",
		metric.WithDescription("Evaluation pipeline duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	p.riskScoreHist, err = p.meter.Int64Histogram(
		"guardian_risk_score",
		metric.WithDescription("Final risk score distribution"),
		metric.WithUnit("{score}"),
	)
	if err != nil {
		return err
	}

	p.pendingGauge, err = p.meter.Int64UpDownCounter(
		"guardian_pending_approvals",
		metric.WithDescription("Decisions awaiting human approval"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return err
	}

	p.scorerErrors, err = p.meter.Int64Counter(
		"guardian_scorer_errors_total",
		metric.WithDescription("Risk scorer backend failures absorbed"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}

	return nil
}

// Tracer returns the tracer instance.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Meter returns the meter instance.
func (p *Provider) Meter() metric.Meter {
	return p.meter
}

// Shutdown gracefully shuts down telemetry providers.
// Both tracer and meter are shut down regardless of individual failures.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if err := p.tracerProvider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracer provider shutdown: %w", err))
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
	}
	return errors.Join(errs...)
}

// DecisionMetrics describes one completed evaluation.
type DecisionMetrics struct {
	Verdict     string
	Category    string
	RuleMatched bool
	RiskScore   int
	Duration    time.Duration
}

// RecordDecision records metrics for one evaluation.
func (p *Provider) RecordDecision(ctx context.Context, m DecisionMetrics) {
	attrs := []attribute.KeyValue{
		attribute.String("verdict", m.Verdict),
		attribute.String("category", m.Category),
		attribute.Bool("rule_matched", m.RuleMatched),
	}

	p.decisionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	p.decisionDuration.Record(ctx, m.Duration.Seconds(), metric.WithAttributes(attrs...))
	p.riskScoreHist.Record(ctx, int64(m.RiskScore), metric.WithAttributes(attrs...))

	if m.Verdict == "require_approval" {
		p.pendingGauge.Add(ctx, 1)
	}
}

// RecordApprovalResolved decrements the pending gauge.
func (p *Provider) RecordApprovalResolved(ctx context.Context) {
	p.pendingGauge.Add(ctx, -1)
}

// RecordScorerError counts an absorbed scorer backend failure.
func (p *Provider) RecordScorerError(ctx context.Context, provider string) {
	p.scorerErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

// StartSpan starts a new span.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, opts...)
}
