package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope of every voxrelay span.
const tracerName = "github.com/MrWong99/voxrelay"

// Tracer returns the voxrelay tracer of the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on [Tracer]. The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID returns the trace ID of the span in ctx, or "" without one.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// TurnSpan traces one conversational turn from its opening to its terminal
// stage. Each stage handle shows up as an event on the span.
//
// A nil *TurnSpan is valid and records nothing. Methods must be called from
// the goroutine that owns the turn.
type TurnSpan struct {
	span trace.Span
}

// StartTurn opens the span of turn turnID in session sessionID.
func StartTurn(ctx context.Context, sessionID, turnID string) *TurnSpan {
	_, span := StartSpan(ctx, "voxrelay.turn",
		trace.WithAttributes(
			attribute.String("voxrelay.session_id", sessionID),
			attribute.String("voxrelay.turn_id", turnID),
		),
	)
	return &TurnSpan{span: span}
}

// Stage records that a stage handle ended with status after being open since
// opened.
func (t *TurnSpan) Stage(kind, status string, opened time.Time) {
	if t == nil {
		return
	}
	t.span.AddEvent("stage."+kind, trace.WithAttributes(
		attribute.String("status", status),
		attribute.Int64("duration_ms", time.Since(opened).Milliseconds()),
	))
}

// End closes the span. failed marks turns abandoned because a stage failed,
// as opposed to barge-ins and shutdowns.
func (t *TurnSpan) End(outcome, reason string, failed bool) {
	if t == nil {
		return
	}
	t.span.SetAttributes(attribute.String("voxrelay.outcome", outcome))
	if reason != "" {
		t.span.SetAttributes(attribute.String("voxrelay.reason", reason))
	}
	if failed {
		t.span.SetStatus(codes.Error, reason)
	}
	t.span.End()
}
