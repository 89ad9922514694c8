// Package observability wraps an OpenTelemetry tracer and meter provider
// behind one Provider type. Metrics are exported in Prometheus exposition
// format through Handler; traces go to stdout when enabled. A disabled (or
// nil) Provider records nothing and never changes request semantics.
package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/toolforge/forge/pkg/config"
	"github.com/toolforge/forge/pkg/version"
)

const serviceName = "forge"

// Provider owns the telemetry pipeline: one tracer, one meter, and the
// Prometheus registry the meter exports into.
type Provider struct {
	enabled bool

	tracer   trace.Tracer
	registry *prometheus.Registry

	shutdowns []func(context.Context) error

	llmTurns     metric.Int64Counter
	llmDuration  metric.Float64Histogram
	llmInput     metric.Int64Counter
	llmOutput    metric.Int64Counter
	llmErrors    metric.Int64Counter
	toolRuns     metric.Int64Counter
	toolDuration metric.Float64Histogram
	hitlPauses   metric.Int64Counter
	driftAlerts  metric.Int64Counter
	httpRequests metric.Int64Counter
	httpDuration metric.Float64Histogram
}

// New builds a Provider from configuration. When cfg.Enabled is false the
// returned Provider carries noop instruments and an empty registry.
func New(ctx context.Context, cfg config.ObservabilityConfig) (*Provider, error) {
	p := &Provider{
		enabled:  cfg.Enabled,
		registry: prometheus.NewRegistry(),
	}

	var meterProvider metric.MeterProvider
	if cfg.Enabled {
		res, err := resource.New(ctx,
			resource.WithAttributes(
				semconv.ServiceName(serviceName),
				semconv.ServiceVersion(version.Version),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}

		exporter, err := otelprom.New(otelprom.WithRegisterer(p.registry))
		if err != nil {
			return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(exporter),
			sdkmetric.WithResource(res),
		)
		p.shutdowns = append(p.shutdowns, mp.Shutdown)
		meterProvider = mp

		if cfg.TraceStdout {
			traceExporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
			if err != nil {
				return nil, fmt.Errorf("failed to create stdout trace exporter: %w", err)
			}
			tp := sdktrace.NewTracerProvider(
				sdktrace.WithBatcher(traceExporter),
				sdktrace.WithResource(res),
			)
			p.shutdowns = append(p.shutdowns, tp.Shutdown)
			p.tracer = tp.Tracer(serviceName)
		} else {
			p.tracer = tracenoop.NewTracerProvider().Tracer(serviceName)
		}
	} else {
		meterProvider = metricnoop.NewMeterProvider()
		p.tracer = tracenoop.NewTracerProvider().Tracer(serviceName)
	}

	if err := p.initInstruments(meterProvider.Meter(serviceName)); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) initInstruments(meter metric.Meter) error {
	var err error

	p.llmTurns, err = meter.Int64Counter("forge_llm_turns_total",
		metric.WithDescription("Total LLM turns"))
	if err != nil {
		return fmt.Errorf("failed to create llm turns counter: %w", err)
	}
	p.llmDuration, err = meter.Float64Histogram("forge_llm_turn_duration_seconds",
		metric.WithDescription("LLM turn duration in seconds"))
	if err != nil {
		return fmt.Errorf("failed to create llm duration histogram: %w", err)
	}
	p.llmInput, err = meter.Int64Counter("forge_llm_tokens_input_total",
		metric.WithDescription("Total input tokens sent to the LLM"))
	if err != nil {
		return fmt.Errorf("failed to create llm input tokens counter: %w", err)
	}
	p.llmOutput, err = meter.Int64Counter("forge_llm_tokens_output_total",
		metric.WithDescription("Total output tokens from the LLM"))
	if err != nil {
		return fmt.Errorf("failed to create llm output tokens counter: %w", err)
	}
	p.llmErrors, err = meter.Int64Counter("forge_llm_errors_total",
		metric.WithDescription("Total LLM errors"))
	if err != nil {
		return fmt.Errorf("failed to create llm errors counter: %w", err)
	}
	p.toolRuns, err = meter.Int64Counter("forge_tool_executions_total",
		metric.WithDescription("Total tool executions"))
	if err != nil {
		return fmt.Errorf("failed to create tool executions counter: %w", err)
	}
	p.toolDuration, err = meter.Float64Histogram("forge_tool_execution_duration_seconds",
		metric.WithDescription("Tool execution duration in seconds"))
	if err != nil {
		return fmt.Errorf("failed to create tool duration histogram: %w", err)
	}
	p.hitlPauses, err = meter.Int64Counter("forge_hitl_pauses_total",
		metric.WithDescription("Total human-in-the-loop pauses"))
	if err != nil {
		return fmt.Errorf("failed to create hitl pauses counter: %w", err)
	}
	p.driftAlerts, err = meter.Int64Counter("forge_drift_alerts_total",
		metric.WithDescription("Total drift alerts opened"))
	if err != nil {
		return fmt.Errorf("failed to create drift alerts counter: %w", err)
	}
	p.httpRequests, err = meter.Int64Counter("forge_http_requests_total",
		metric.WithDescription("Total HTTP requests"))
	if err != nil {
		return fmt.Errorf("failed to create http requests counter: %w", err)
	}
	p.httpDuration, err = meter.Float64Histogram("forge_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"))
	if err != nil {
		return fmt.Errorf("failed to create http duration histogram: %w", err)
	}
	return nil
}

// RecordLLMTurn counts one model turn and its token usage.
func (p *Provider) RecordLLMTurn(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error) {
	if p == nil || p.llmTurns == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("model", model))
	p.llmTurns.Add(ctx, 1, attrs)
	p.llmDuration.Record(ctx, duration.Seconds(), attrs)
	if inputTokens > 0 {
		p.llmInput.Add(ctx, int64(inputTokens), attrs)
	}
	if outputTokens > 0 {
		p.llmOutput.Add(ctx, int64(outputTokens), attrs)
	}
	if err != nil {
		p.llmErrors.Add(ctx, 1, attrs)
	}
}

// RecordToolExecution counts one tool execution with its HTTP-ish status.
func (p *Provider) RecordToolExecution(ctx context.Context, tool string, status int, duration time.Duration) {
	if p == nil || p.toolRuns == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.Int("status", status),
	)
	p.toolRuns.Add(ctx, 1, attrs)
	p.toolDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("tool", tool)))
}

// RecordHitlPause counts one human-in-the-loop pause.
func (p *Provider) RecordHitlPause(ctx context.Context, tool string) {
	if p == nil || p.hitlPauses == nil {
		return
	}
	p.hitlPauses.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", tool)))
}

// RecordDriftAlert counts one newly opened drift alert. The signature-free
// variant OnDriftAlert adapts it to the drift monitor's callback.
func (p *Provider) RecordDriftAlert(ctx context.Context, tool string) {
	if p == nil || p.driftAlerts == nil {
		return
	}
	p.driftAlerts.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", tool)))
}

// OnDriftAlert is the drift monitor callback form of RecordDriftAlert.
func (p *Provider) OnDriftAlert(tool string) {
	p.RecordDriftAlert(context.Background(), tool)
}

// Tracer returns the provider's tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return tracenoop.NewTracerProvider().Tracer(serviceName)
	}
	return p.tracer
}

// Handler serves the Prometheus exposition of the provider's registry.
// Disabled providers serve 404 so the metrics route only exists when
// observability is on.
func (p *Provider) Handler() http.Handler {
	if p == nil || !p.enabled || p.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the telemetry pipeline.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	for _, fn := range p.shutdowns {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
