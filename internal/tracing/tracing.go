// Package tracing wires OpenTelemetry into the orchestrator. Spans are
// exported over OTLP/gRPC when enabled. W3C trace context is extracted from
// inbound requests and injected into collaborator calls whether or not
// export is on, so upstream traces stay connected through this service.
package tracing

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/casefill/orchestrator"

var propagator = propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})

// Config holds tracing configuration
type Config struct {
	Enabled      bool
	ServiceName  string
	Version      string
	OTLPEndpoint string
	// SampleRatio applies to root spans; sampled parents are always followed
	SampleRatio float64
}

// Initialize installs the propagator and, when enabled, an OTLP exporting
// tracer provider. The returned function flushes pending spans.
func Initialize(cfg Config, logger *zap.Logger) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagator)
	noop := func(context.Context) error { return nil }

	if !cfg.Enabled {
		logger.Info("Trace export disabled")
		return noop, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "casefill-orchestrator"
	}
	if cfg.OTLPEndpoint == "" {
		cfg.OTLPEndpoint = "localhost:4317"
	}
	if cfg.SampleRatio <= 0 || cfg.SampleRatio > 1 {
		cfg.SampleRatio = 1
	}

	exporter, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return noop, fmt.Errorf("create OTLP exporter: %w", err)
	}

	attrs := []attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}
	if cfg.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.Version))
	}
	res, err := resource.New(context.Background(),
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(attrs...),
	)
	if err != nil {
		return noop, fmt.Errorf("build trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(tp)

	logger.Info("Trace export enabled",
		zap.String("endpoint", cfg.OTLPEndpoint),
		zap.Float64("sample_ratio", cfg.SampleRatio),
	)
	return tp.Shutdown, nil
}

func tracer() trace.Tracer { return otel.Tracer(instrumentationName) }

// Inject writes the trace context of ctx into an outbound request
func Inject(ctx context.Context, req *http.Request) {
	propagator.Inject(ctx, propagation.HeaderCarrier(req.Header))
}

// StartServerSpan starts the span for an inbound request, continuing the
// caller's trace when it sent a traceparent header.
func StartServerSpan(r *http.Request) (context.Context, trace.Span) {
	ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	return tracer().Start(ctx, r.Method+" "+r.URL.Path,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(r.Method),
			semconv.URLPath(r.URL.Path),
			semconv.UserAgentOriginal(r.UserAgent()),
		),
	)
}

// StartHTTPSpan starts a client span for one collaborator attempt
func StartHTTPSpan(ctx context.Context, method, url string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "HTTP "+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(method),
			semconv.URLFull(url),
		),
	)
}

// StartStepSpan starts the span for one orchestrator step
func StartStepSpan(ctx context.Context, step, sessionID string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "step "+step,
		trace.WithAttributes(
			attribute.String("casefill.step", step),
			attribute.String("casefill.session_id", sessionID),
		),
	)
}
