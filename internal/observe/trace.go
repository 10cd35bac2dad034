package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/realchar"

// Tracer returns the realchar tracer from the global [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

type turnKey struct{}

type turnInfo struct {
	characterID string
	sessionID   string
}

// WithTurn annotates ctx with the character and session of the current
// conversation turn. [Logger] and [TurnAttributes] pick these up.
func WithTurn(ctx context.Context, characterID, sessionID string) context.Context {
	return context.WithValue(ctx, turnKey{}, turnInfo{characterID: characterID, sessionID: sessionID})
}

// TurnAttributes returns span attributes for the turn stored in ctx, if any.
func TurnAttributes(ctx context.Context) []attribute.KeyValue {
	ti, ok := ctx.Value(turnKey{}).(turnInfo)
	if !ok {
		return nil
	}
	attrs := []attribute.KeyValue{attribute.String("character_id", ti.characterID)}
	if ti.sessionID != "" {
		attrs = append(attrs, attribute.String("session_id", ti.sessionID))
	}
	return attrs
}

// CorrelationID returns the trace ID of the active span in ctx, or "".
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger enriched with trace_id and span_id from
// the span in ctx, and with character_id and session_id from [WithTurn].
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if ti, ok := ctx.Value(turnKey{}).(turnInfo); ok {
		l = l.With(slog.String("character_id", ti.characterID))
		if ti.sessionID != "" {
			l = l.With(slog.String("session_id", ti.sessionID))
		}
	}
	return l
}
