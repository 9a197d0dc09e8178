// Package observe provides application-wide observability primitives for
// Voxgate: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Voxgate metrics.
const meterName = "github.com/voxgate/voxgate"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ToolCallDuration tracks end-to-end tool call latency.
	ToolCallDuration metric.Float64Histogram

	// BackendDuration tracks backend service call latency. Use with
	// attribute: attribute.String("service", ...)
	BackendDuration metric.Float64Histogram

	// --- Counters ---

	// PromptDecisions counts prompt admission outcomes. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("decision", ...)
	PromptDecisions metric.Int64Counter

	// IdlePrompts counts dispatched idle prompts. Use with attribute:
	//   attribute.Bool("muted", ...)
	IdlePrompts metric.Int64Counter

	// ToolCallsStarted counts accepted tool invocations by tool name.
	ToolCallsStarted metric.Int64Counter

	// ToolCallsDropped counts tool invocations rejected because the
	// session's call slot was occupied.
	ToolCallsDropped metric.Int64Counter

	// EngineEvents counts upstream engine events by type.
	EngineEvents metric.Int64Counter

	// EvictedItems counts audio items deleted by retention eviction.
	EvictedItems metric.Int64Counter

	// --- Error counters ---

	// ToolCallErrors counts failed tool executions by tool name.
	ToolCallErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live gateway sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// conversational tool and backend latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ToolCallDuration, err = m.Float64Histogram("voxgate.tool_call.duration",
		metric.WithDescription("End-to-end latency of tool calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BackendDuration, err = m.Float64Histogram("voxgate.backend.duration",
		metric.WithDescription("Latency of backend service calls by service."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.PromptDecisions, err = m.Int64Counter("voxgate.prompt.decisions",
		metric.WithDescription("Prompt admission outcomes by kind and decision."),
	); err != nil {
		return nil, err
	}
	if met.IdlePrompts, err = m.Int64Counter("voxgate.idle.prompts",
		metric.WithDescription("Dispatched idle prompts by mute state."),
	); err != nil {
		return nil, err
	}
	if met.ToolCallsStarted, err = m.Int64Counter("voxgate.tool.calls",
		metric.WithDescription("Accepted tool invocations by tool name."),
	); err != nil {
		return nil, err
	}
	if met.ToolCallsDropped, err = m.Int64Counter("voxgate.tool.dropped",
		metric.WithDescription("Tool invocations rejected because a call was already active."),
	); err != nil {
		return nil, err
	}
	if met.EngineEvents, err = m.Int64Counter("voxgate.engine.events",
		metric.WithDescription("Upstream engine events by type."),
	); err != nil {
		return nil, err
	}
	if met.EvictedItems, err = m.Int64Counter("voxgate.retention.evicted",
		metric.WithDescription("Audio items deleted by retention eviction."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ToolCallErrors, err = m.Int64Counter("voxgate.tool.errors",
		metric.WithDescription("Failed tool executions by tool name."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxgate.active_sessions",
		metric.WithDescription("Number of live gateway sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxgate.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// SessionStarted records a session coming up.
func (m *Metrics) SessionStarted(ctx context.Context) {
	m.ActiveSessions.Add(ctx, 1)
}

// SessionEnded records a session going away.
func (m *Metrics) SessionEnded(ctx context.Context) {
	m.ActiveSessions.Add(ctx, -1)
}

// PromptDecision records one prompt admission outcome.
func (m *Metrics) PromptDecision(ctx context.Context, kind, decision string) {
	m.PromptDecisions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("decision", decision),
		),
	)
}

// IdlePrompt records one dispatched idle prompt.
func (m *Metrics) IdlePrompt(ctx context.Context, muted bool) {
	m.IdlePrompts.Add(ctx, 1,
		metric.WithAttributes(attribute.Bool("muted", muted)),
	)
}

// ToolCallStarted records an accepted tool invocation.
func (m *Metrics) ToolCallStarted(ctx context.Context, tool string) {
	m.ToolCallsStarted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("tool", tool)),
	)
}

// ToolCallDropped records a tool invocation rejected by the call slot.
func (m *Metrics) ToolCallDropped(ctx context.Context, tool string) {
	m.ToolCallsDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("tool", tool)),
	)
}

// ToolCallFinished records a completed tool call with its duration and
// outcome.
func (m *Metrics) ToolCallFinished(ctx context.Context, tool string, dur time.Duration, err error) {
	m.ToolCallDuration.Record(ctx, dur.Seconds(),
		metric.WithAttributes(attribute.String("tool", tool)),
	)
	if err != nil {
		m.ToolCallErrors.Add(ctx, 1,
			metric.WithAttributes(attribute.String("tool", tool)),
		)
	}
}

// EngineEvent records one upstream engine event.
func (m *Metrics) EngineEvent(ctx context.Context, typ string) {
	m.EngineEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", typ)),
	)
}

// ItemsEvicted records audio items removed by retention eviction.
func (m *Metrics) ItemsEvicted(ctx context.Context, n int) {
	m.EvictedItems.Add(ctx, int64(n))
}

// RecordBackendCall records one backend service call's latency.
func (m *Metrics) RecordBackendCall(ctx context.Context, service string, dur time.Duration) {
	m.BackendDuration.Record(ctx, dur.Seconds(),
		metric.WithAttributes(attribute.String("service", service)),
	)
}
