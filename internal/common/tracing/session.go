package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const sessionTracerName = "villaged-session"

func sessionTracer() trace.Tracer {
	return Tracer(sessionTracerName)
}

// TraceSessionStart creates a span for session startup.
func TraceSessionStart(ctx context.Context, sessionID, providerID string) (context.Context, trace.Span) {
	ctx, span := sessionTracer().Start(ctx, "session.start",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("provider_id", providerID),
	)
	return ctx, span
}

// TraceWorkspacePrepare creates a span for workspace preparation.
func TraceWorkspacePrepare(ctx context.Context, sessionID, repo string) (context.Context, trace.Span) {
	ctx, span := sessionTracer().Start(ctx, "workspace.prepare",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("repo", repo),
	)
	return ctx, span
}

// TraceProviderStart creates a span for provider process startup.
func TraceProviderStart(ctx context.Context, sessionID, providerID string) (context.Context, trace.Span) {
	ctx, span := sessionTracer().Start(ctx, "provider.start",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("provider_id", providerID),
	)
	return ctx, span
}

// TraceSessionStop creates a span for session stop.
func TraceSessionStop(ctx context.Context, sessionID string, graceful bool) (context.Context, trace.Span) {
	ctx, span := sessionTracer().Start(ctx, "session.stop",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.Bool("graceful", graceful),
	)
	return ctx, span
}

// RecordResult records the outcome of a traced operation on its span.
func RecordResult(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
