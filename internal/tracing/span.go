package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartRunSpan starts the root span covering a whole validation run.
func StartRunSpan(ctx context.Context, tracer trace.Tracer, platform string, sessions int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "validation run",
		trace.WithAttributes(
			attribute.String("run.platform", platform),
			attribute.Int("run.sessions", sessions),
		),
	)
}

// StartSessionSpan starts a span for one worker session's lifetime.
func StartSessionSpan(ctx context.Context, tracer trace.Tracer, sessionID, toolID string, lpu int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "session "+toolID,
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("session.tool", toolID),
			attribute.Int("session.lpu", lpu),
		),
	)
}

// EndSpan finishes a span, recording error status if applicable.
func EndSpan(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
