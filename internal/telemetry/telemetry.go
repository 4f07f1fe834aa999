// Package telemetry traces LLM calls with OpenTelemetry. Each logical call
// gets one client span carrying provider, model, user, cache outcome, token
// usage and cost; retries show up as span events.
package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/felipepmaragno/finance-assistant/internal/domain"
)

const instrumentationName = "github.com/felipepmaragno/finance-assistant/internal/llm"

// Attribute keys set on call spans.
const (
	AttrOperation   = attribute.Key("llm.operation")
	AttrProvider    = attribute.Key("llm.provider")
	AttrModel       = attribute.Key("llm.model")
	AttrUserKey     = attribute.Key("assistant.user_key")
	AttrRequestID   = attribute.Key("assistant.request_id")
	AttrCacheHit    = attribute.Key("llm.cache_hit")
	AttrInputTokens = attribute.Key("llm.usage.input_tokens")
	AttrOutputToken = attribute.Key("llm.usage.output_tokens")
	AttrCostUSD     = attribute.Key("llm.cost_usd")
	AttrErrorType   = attribute.Key("error.type")
	AttrAttempt     = attribute.Key("llm.attempt")
)

// Config selects where spans are exported. An empty Endpoint leaves the
// global no-op provider in place.
type Config struct {
	ServiceName string
	Version     string
	Endpoint    string
	// SampleRatio is the fraction of new traces kept; 0 or 1 keeps all.
	SampleRatio float64
}

var tracer trace.Tracer

// Init installs the OTLP exporter described by cfg. The returned function
// flushes pending spans and stops the exporter.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		tracer = otel.Tracer(instrumentationName)
		slog.Info("tracing disabled, no otlp endpoint configured")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.Version),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	tracer = tp.Tracer(instrumentationName)

	slog.Info("tracing enabled", "endpoint", cfg.Endpoint, "sample_ratio", cfg.SampleRatio)
	return tp.Shutdown, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// SetTracer overrides the tracer; nil restores the global one.
func SetTracer(t trace.Tracer) {
	tracer = t
}

func currentTracer() trace.Tracer {
	if tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return tracer
}

// Call identifies one logical LLM call.
type Call struct {
	Operation string
	Provider  string
	Model     string
	UserKey   string
	RequestID string
}

// CallSpan is the span of one logical LLM call.
type CallSpan struct {
	span trace.Span
}

// StartCall opens a client span named "llm.<operation>".
func StartCall(ctx context.Context, call Call) (context.Context, *CallSpan) {
	ctx, span := currentTracer().Start(ctx, "llm."+call.Operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			AttrOperation.String(call.Operation),
			AttrProvider.String(call.Provider),
			AttrModel.String(call.Model),
			AttrUserKey.String(call.UserKey),
			AttrRequestID.String(call.RequestID),
		),
	)
	return ctx, &CallSpan{span: span}
}

func (s *CallSpan) CacheLookup(hit bool) {
	s.span.SetAttributes(AttrCacheHit.Bool(hit))
}

func (s *CallSpan) Succeeded(usage domain.Usage, costUSD float64) {
	s.span.SetAttributes(
		AttrInputTokens.Int(usage.PromptTokens),
		AttrOutputToken.Int(usage.CompletionTokens),
		AttrCostUSD.Float64(costUSD),
	)
	s.span.SetStatus(codes.Ok, "")
}

func (s *CallSpan) Failed(errorType string, err error) {
	s.span.SetAttributes(AttrErrorType.String(errorType))
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, errorType)
}

func (s *CallSpan) End() {
	s.span.End()
}

// Retry adds a retry event to the call span in ctx, if any. Attempts are
// numbered from 1, so the first retry is attempt 2.
func Retry(ctx context.Context, attempt int) {
	trace.SpanFromContext(ctx).AddEvent("retry", trace.WithAttributes(AttrAttempt.Int(attempt)))
}

// TraceID returns the trace id of the span in ctx, or "".
func TraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
