// Package telemetry wires OTLP trace export for the engine. Tracing is off
// unless the agent config enables it; every helper degrades to a no-op so
// callers never branch on whether telemetry is configured.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/nextlevelbuilder/delta/internal/config"
)

const (
	SpanRun       = "agent.run"
	SpanIteration = "agent.iteration"
	SpanLLMCall   = "llm.call"
	SpanToolExec  = "tool.execute"
	SpanHook      = "hook.execute"
)

// Tracer wraps an OpenTelemetry tracer with run-scoped helpers. A nil Tracer
// is valid and emits nothing.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// New builds a Tracer from config. Returns nil when telemetry is disabled.
func New(ctx context.Context, cfg config.TelemetryConfig) (*Tracer, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "delta"
	}
	ratio := cfg.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithInsecure()}
	if cfg.Endpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(ratio)),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{provider: provider, tracer: provider.Tracer(serviceName)}, nil
}

// Start opens a span, or returns a no-op span on a nil Tracer.
func (t *Tracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return ctx, noopSpan()
	}
	return t.tracer.Start(ctx, name, opts...)
}

// StartRun opens the root span for a run.
func (t *Tracer) StartRun(ctx context.Context, runID, agentRef string) (context.Context, trace.Span) {
	return t.Start(ctx, SpanRun, trace.WithAttributes(
		attribute.String("delta.run_id", runID),
		attribute.String("delta.agent_ref", agentRef),
	))
}

// StartIteration opens a span for one loop pass.
func (t *Tracer) StartIteration(ctx context.Context, iteration int) (context.Context, trace.Span) {
	return t.Start(ctx, SpanIteration, trace.WithAttributes(
		attribute.Int("delta.iteration", iteration),
	))
}

// StartLLMCall opens a span for one model invocation.
func (t *Tracer) StartLLMCall(ctx context.Context, provider, model string) (context.Context, trace.Span) {
	return t.Start(ctx, SpanLLMCall, trace.WithAttributes(
		attribute.String("gen_ai.system", provider),
		attribute.String("gen_ai.request.model", model),
	))
}

// StartToolExec opens a span for one tool execution.
func (t *Tracer) StartToolExec(ctx context.Context, toolName, actionID string) (context.Context, trace.Span) {
	return t.Start(ctx, SpanToolExec, trace.WithAttributes(
		attribute.String("gen_ai.tool.name", toolName),
		attribute.String("gen_ai.tool.call.id", actionID),
	))
}

// StartHook opens a span for one lifecycle hook invocation.
func (t *Tracer) StartHook(ctx context.Context, hookName string) (context.Context, trace.Span) {
	return t.Start(ctx, SpanHook, trace.WithAttributes(
		attribute.String("delta.hook", hookName),
	))
}

// AddUsage records token counts on a span.
func AddUsage(span trace.Span, promptTokens, outputTokens int) {
	if span == nil {
		return
	}
	span.SetAttributes(
		attribute.Int("gen_ai.usage.input_tokens", promptTokens),
		attribute.Int("gen_ai.usage.output_tokens", outputTokens),
	)
}

// RecordError marks a span with an error.
func RecordError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetAttributes(attribute.String("error.message", err.Error()))
}

// Shutdown flushes pending spans.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

func noopSpan() trace.Span {
	_, span := noop.NewTracerProvider().Tracer("noop").Start(context.Background(), "noop")
	return span
}
