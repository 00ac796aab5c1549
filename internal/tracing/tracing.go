// Package tracing provides OpenTelemetry span helpers for the Session,
// Swarm, and Pipeline engines. Without an OTLP endpoint configured it
// falls back to a no-op tracer provider, so tracing is zero-overhead
// when disabled.
package tracing

import (
	"context"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	initOnce       sync.Once
	tracerProvider trace.TracerProvider = noop.NewTracerProvider()
	sdkProvider    *sdktrace.TracerProvider
)

// Init configures the global tracer provider from an OTLP endpoint. Call it
// once at process start; Tracer falls back to a no-op provider if it is
// never called or endpoint is empty.
func Init(serviceName, endpoint string) {
	initOnce.Do(func() {
		if endpoint == "" {
			return
		}

		ctx := context.Background()
		exporter, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(stripScheme(endpoint)),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return
		}

		res, err := resource.New(ctx, resource.WithAttributes(
			attribute.String("service.name", serviceName),
		))
		if err != nil {
			res = resource.Default()
		}

		sdkProvider = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		tracerProvider = sdkProvider
		otel.SetTracerProvider(tracerProvider)
	})
}

func stripScheme(endpoint string) string {
	for _, prefix := range []string{"https://", "http://"} {
		if strings.HasPrefix(endpoint, prefix) {
			return endpoint[len(prefix):]
		}
	}
	return endpoint
}

// Tracer returns a named tracer.
func Tracer(name string) trace.Tracer {
	return tracerProvider.Tracer(name)
}

// Shutdown flushes pending spans.
func Shutdown(ctx context.Context) error {
	if sdkProvider != nil {
		return sdkProvider.Shutdown(ctx)
	}
	return nil
}

const sessionTracerName = "kandev-core/session"

// StartSession opens the top-level span for a Session's lifetime. All
// run()/executeCommand() spans for that Session should be children of it.
func StartSession(ctx context.Context, sessionTag, agentKind string) (context.Context, trace.Span) {
	ctx, span := Tracer(sessionTracerName).Start(ctx, "session",
		trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("session_tag", sessionTag),
		attribute.String("agent_kind", agentKind),
	)
	return ctx, span
}

// StartOperation opens a span for one run()/executeCommand() invocation.
func StartOperation(ctx context.Context, opID string, kind string) (context.Context, trace.Span) {
	ctx, span := Tracer(sessionTracerName).Start(ctx, "operation",
		trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("op_id", opID),
		attribute.String("op_kind", kind),
	)
	return ctx, span
}

// EndWithError records err on the span (if non-nil) and ends it.
func EndWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
