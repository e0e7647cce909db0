package tracing

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/lectern/internal/config"
)

var (
	tracer         oteltrace.Tracer
	tracerProvider *trace.TracerProvider
)

// Initialize sets up OTLP tracing. An empty endpoint leaves the no-op global
// provider in place, so the Start* helpers are always safe to call.
func Initialize(cfg config.TracingConfig, logger *zap.Logger) error {
	name := cfg.ServiceName
	if name == "" {
		name = "lectern"
	}
	tracer = otel.Tracer(name)

	if cfg.Endpoint == "" {
		logger.Info("Tracing disabled")
		return nil
	}

	exporter, err := otlptracegrpc.New(
		context.Background(),
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(name),
		),
	)
	if err != nil {
		return fmt.Errorf("create resource: %w", err)
	}

	sampler := trace.AlwaysSample()
	if cfg.SampleRate > 0 && cfg.SampleRate < 1 {
		sampler = trace.TraceIDRatioBased(cfg.SampleRate)
	}

	tracerProvider = trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(sampler)),
	)
	otel.SetTracerProvider(tracerProvider)
	tracer = otel.Tracer(name)

	logger.Info("Tracing initialized",
		zap.String("endpoint", cfg.Endpoint),
		zap.Float64("sample_rate", cfg.SampleRate),
	)
	return nil
}

// Shutdown flushes pending spans. No-op when tracing was never enabled.
func Shutdown(ctx context.Context) error {
	if tracerProvider == nil {
		return nil
	}
	return tracerProvider.Shutdown(ctx)
}

// StartSpan creates a new span with the given name.
func StartSpan(ctx context.Context, spanName string) (context.Context, oteltrace.Span) {
	if tracer == nil {
		tracer = otel.Tracer("lectern")
	}
	return tracer.Start(ctx, spanName)
}

// StartHTTPSpan creates a span for an outbound HTTP call.
func StartHTTPSpan(ctx context.Context, method, url string) (context.Context, oteltrace.Span) {
	ctx, span := StartSpan(ctx, fmt.Sprintf("HTTP %s", method))
	span.SetAttributes(
		semconv.HTTPRequestMethodKey.String(method),
		semconv.URLFull(url),
	)
	return ctx, span
}

// InjectTraceparent adds a W3C traceparent header to an outbound request.
func InjectTraceparent(ctx context.Context, req *http.Request) {
	sc := oteltrace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return
	}
	req.Header.Set("traceparent", fmt.Sprintf("00-%s-%s-%02x",
		sc.TraceID().String(), sc.SpanID().String(), sc.TraceFlags()))
}
