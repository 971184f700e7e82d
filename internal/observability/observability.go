// Package observability wires OpenTelemetry tracing and metrics for the
// orchestrator. With no OTLP endpoint configured every call is a no-op.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/logiwatch/incident-orchestrator/internal/config"
)

const instrumentationName = "incident-orchestrator"

// Provider owns the trace and metric providers plus the orchestrator's
// instruments. A nil *Provider is valid and records nothing.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	logger         *slog.Logger

	operations  metric.Int64Counter
	errors      metric.Int64Counter
	duration    metric.Float64Histogram
	discoveries metric.Int64Counter
	handoffs    metric.Int64Counter
	forced      metric.Int64Counter
}

// New builds a Provider. An empty cfg.Endpoint disables export but still
// returns usable instruments backed by the global no-op providers.
func New(ctx context.Context, cfg config.TelemetryConfig) (*Provider, error) {
	p := &Provider{logger: slog.Default().With("component", "observability")}

	if cfg.Endpoint != "" {
		res, err := resource.Merge(
			resource.Default(),
			resource.NewSchemaless(
				attribute.String("service.name", cfg.ServiceName),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("create resource: %w", err)
		}
		if err := p.initTraceProvider(ctx, cfg, res); err != nil {
			return nil, fmt.Errorf("init trace provider: %w", err)
		}
		if err := p.initMetricProvider(ctx, cfg, res); err != nil {
			return nil, fmt.Errorf("init metric provider: %w", err)
		}
		p.logger.InfoContext(ctx, "telemetry export enabled",
			"endpoint", cfg.Endpoint, "service", cfg.ServiceName, "insecure", cfg.Insecure)
	}

	p.tracer = otel.Tracer(instrumentationName)
	if err := p.initInstruments(otel.Meter(instrumentationName)); err != nil {
		return nil, fmt.Errorf("init instruments: %w", err)
	}
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create trace exporter: %w", err)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments(m metric.Meter) error {
	var err error
	if p.operations, err = m.Int64Counter("orchestrator.operations.total",
		metric.WithDescription("Operations started"),
		metric.WithUnit("{operation}")); err != nil {
		return err
	}
	if p.errors, err = m.Int64Counter("orchestrator.errors.total",
		metric.WithDescription("Operations that returned an error"),
		metric.WithUnit("{error}")); err != nil {
		return err
	}
	if p.duration, err = m.Float64Histogram("orchestrator.operation.duration",
		metric.WithDescription("Operation duration in seconds"),
		metric.WithUnit("s")); err != nil {
		return err
	}
	if p.discoveries, err = m.Int64Counter("orchestrator.discovery.triggers",
		metric.WithDescription("Discovery triggers by outcome")); err != nil {
		return err
	}
	if p.handoffs, err = m.Int64Counter("orchestrator.handoff.calls",
		metric.WithDescription("Automation handoffs by result")); err != nil {
		return err
	}
	if p.forced, err = m.Int64Counter("orchestrator.sequencer.forced_completions",
		metric.WithDescription("Discovery runs completed by the failure path or the sweeper")); err != nil {
		return err
	}
	return nil
}

// Shutdown flushes and stops the exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Exporting reports whether spans and metrics leave the process.
func (p *Provider) Exporting() bool {
	return p != nil && p.tracerProvider != nil
}

// TrackOperation starts a span and returns a func that ends it, recording
// duration and, if err is non-nil, the error.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if p == nil {
		return ctx, func(error) {}
	}
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	opAttrs := append([]attribute.KeyValue{attribute.String("operation", name)}, attrs...)
	p.operations.Add(ctx, 1, metric.WithAttributes(opAttrs...))

	return ctx, func(err error) {
		p.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(opAttrs...))
		if err != nil {
			span.RecordError(err)
			p.errors.Add(ctx, 1, metric.WithAttributes(
				append(opAttrs, attribute.String("error.type", fmt.Sprintf("%T", err)))...))
		}
		span.End()
	}
}

// RecordDiscovery counts a discovery trigger by its outcome.
func (p *Provider) RecordDiscovery(ctx context.Context, outcome string) {
	if p == nil {
		return
	}
	p.discoveries.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordHandoff counts an automation handoff by result.
func (p *Provider) RecordHandoff(ctx context.Context, result string) {
	if p == nil {
		return
	}
	p.handoffs.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordForcedCompletion counts a run completed outside the normal sequence.
func (p *Provider) RecordForcedCompletion(ctx context.Context, reason string) {
	if p == nil {
		return
	}
	p.forced.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
