// Package telemetry starts OpenTelemetry spans around orchestrator
// operations. Without a configured provider the global no-op tracer is used.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "swebench-swarm"

// StartSessionSpan starts a span for a session-level operation such as
// initialize, scale or shutdown.
func StartSessionSpan(ctx context.Context, op, sessionID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "session."+op,
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
		),
	)
}

// StartTaskSpan starts a span for work on one task.
func StartTaskSpan(ctx context.Context, op, sessionID, taskID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "task."+op,
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("task.id", taskID),
		),
	)
}

// StartAgentSpan starts a span for an agent lifecycle operation.
func StartAgentSpan(ctx context.Context, op, sessionID, agentID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "agent."+op,
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("agent.id", agentID),
		),
	)
}

// End records err on the span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
