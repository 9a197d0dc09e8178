package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the Voxgate tracer.
const tracerName = "github.com/voxgate/voxgate"

// Span attribute keys for gateway telemetry.
var (
	// AttrTool names the backend tool a span covers.
	AttrTool = attribute.Key("voxgate.tool")
	// AttrUserID identifies the session's user.
	AttrUserID = attribute.Key("voxgate.user_id")
)

// StartToolSpan opens a client span covering one backend tool execution,
// linked to whatever trace is active in ctx. Close it with [EndToolSpan]
// so the outcome is recorded.
func StartToolSpan(ctx context.Context, tool, userID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "voxgate.tool "+tool,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(AttrTool.String(tool), AttrUserID.String(userID)),
	)
}

// EndToolSpan records err on span, if any, and ends it.
func EndToolSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CorrelationID is the trace ID of the span active in ctx, used as the
// request correlation identifier in the X-Correlation-ID header and in
// logs. Empty when no span with a valid trace ID is active.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns an [slog.Logger] carrying trace_id and span_id from the
// span active in ctx, or the default logger when there is none.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
