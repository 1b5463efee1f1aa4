// Package observe provides application-wide observability primitives for
// murmur: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all murmur metrics.
const meterName = "github.com/MrWong99/murmur"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Session ---

	// ConnectDuration tracks the time from dial to setupComplete. Use with
	// attribute.String("status", "ok"|"error").
	ConnectDuration metric.Float64Histogram

	// ActiveSessions tracks the number of open sessions.
	ActiveSessions metric.Int64UpDownCounter

	// Events counts inbound session events by attribute.String("kind", ...).
	Events metric.Int64Counter

	// RealtimeParts counts outbound realtime parts by
	// attribute.String("media", "audio"|"image").
	RealtimeParts metric.Int64Counter

	// Turns counts completed model turns.
	Turns metric.Int64Counter

	// ToolCalls counts tool calls received from the model by
	// attribute.String("tool", ...) and attribute.String("status", ...).
	ToolCalls metric.Int64Counter

	// --- Media ---

	// PlaybackInterrupts counts barge-in interruptions.
	PlaybackInterrupts metric.Int64Counter

	// DroppedFrames counts discarded capture input by
	// attribute.String("source", "microphone"|"camera"|"screen").
	DroppedFrames metric.Int64Counter

	// --- Memory ---

	// MemoryDuration tracks memory backend latency by
	// attribute.String("op", "search"|"add").
	MemoryDuration metric.Float64Histogram

	// MemoryErrors counts failed memory calls by attribute.String("op", ...).
	MemoryErrors metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes by
	// attribute.String("backend", ...) and attribute.String("to", ...).
	BreakerTransitions metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks ops HTTP request processing time. Use with
	// attribute.String("method", ...), attribute.String("path", ...).
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) covering
// both sub-second memory calls and multi-second handshakes.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ConnectDuration, err = m.Float64Histogram("murmur.live.connect.duration",
		metric.WithDescription("Time from dial to setup acknowledgement."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("murmur.live.active_sessions",
		metric.WithDescription("Number of open sessions."),
	); err != nil {
		return nil, err
	}
	if met.Events, err = m.Int64Counter("murmur.live.events",
		metric.WithDescription("Inbound session events by kind."),
	); err != nil {
		return nil, err
	}
	if met.RealtimeParts, err = m.Int64Counter("murmur.live.realtime_parts",
		metric.WithDescription("Outbound realtime parts by media type."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("murmur.conversation.turns",
		metric.WithDescription("Completed model turns."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("murmur.conversation.tool_calls",
		metric.WithDescription("Tool calls requested by the model by tool and status."),
	); err != nil {
		return nil, err
	}

	if met.PlaybackInterrupts, err = m.Int64Counter("murmur.playback.interrupts",
		metric.WithDescription("Playback interruptions."),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("murmur.capture.dropped",
		metric.WithDescription("Capture input discarded by source."),
	); err != nil {
		return nil, err
	}

	if met.MemoryDuration, err = m.Float64Histogram("murmur.memory.duration",
		metric.WithDescription("Latency of memory backend calls by operation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.MemoryErrors, err = m.Int64Counter("murmur.memory.errors",
		metric.WithDescription("Failed memory backend calls by operation."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("murmur.memory.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by backend and target state."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("murmur.http.request.duration",
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
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordConnect records one handshake attempt.
func (m *Metrics) RecordConnect(ctx context.Context, d time.Duration, err error) {
	m.ConnectDuration.Record(ctx, d.Seconds(), metric.WithAttributes(status(err)))
}

// RecordEvent counts one inbound session event.
func (m *Metrics) RecordEvent(ctx context.Context, kind string) {
	m.Events.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordRealtimePart counts one outbound realtime part.
func (m *Metrics) RecordRealtimePart(ctx context.Context, media string) {
	m.RealtimeParts.Add(ctx, 1, metric.WithAttributes(attribute.String("media", media)))
}

// RecordToolCall counts one tool call.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", status),
	))
}

// RecordDropped adds n discarded capture inputs for source. n of zero is
// ignored.
func (m *Metrics) RecordDropped(ctx context.Context, source string, n uint64) {
	if n == 0 {
		return
	}
	m.DroppedFrames.Add(ctx, int64(n), metric.WithAttributes(attribute.String("source", source)))
}

// RecordMemoryCall records the latency of one memory operation and counts it
// as an error when err is non-nil.
func (m *Metrics) RecordMemoryCall(ctx context.Context, op string, d time.Duration, err error) {
	opAttr := attribute.String("op", op)
	m.MemoryDuration.Record(ctx, d.Seconds(), metric.WithAttributes(opAttr, status(err)))
	if err != nil {
		m.MemoryErrors.Add(ctx, 1, metric.WithAttributes(opAttr))
	}
}

// RecordBreakerTransition counts a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, backend, to string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("to", to),
	))
}

func status(err error) attribute.KeyValue {
	if err != nil {
		return attribute.String("status", "error")
	}
	return attribute.String("status", "ok")
}
