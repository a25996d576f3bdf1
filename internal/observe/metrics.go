// Package observe provides application-wide observability primitives for
// voxrelay: OpenTelemetry metrics, distributed tracing, structured logging,
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxrelay metrics.
const meterName = "github.com/MrWong99/voxrelay"

// Reasons for [Metrics.FramesDropped].
const (
	DropNotOpen   = "not_open"
	DropQueueFull = "queue_full"
	DropClosed    = "closed"
	DropError     = "error"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Uplink (microphone → agent) ---

	// FramesCaptured counts PCM16 frames produced by the capture pipeline.
	FramesCaptured metric.Int64Counter

	// FramesSent counts frames accepted by the transport.
	FramesSent metric.Int64Counter

	// FramesDropped counts frames discarded before transmission. Use with
	// attribute.String("reason", ...), one of the Drop* constants.
	FramesDropped metric.Int64Counter

	// --- Downlink (agent → speaker) ---

	// MessagesReceived counts inbound transport messages. Use with
	// attribute.String("kind", ...).
	MessagesReceived metric.Int64Counter

	// DecodeErrors counts inbound audio chunks dropped because they could not
	// be decoded.
	DecodeErrors metric.Int64Counter

	// ScheduledAudio accumulates the seconds of agent audio scheduled for
	// playback.
	ScheduledAudio metric.Float64Counter

	// PlaybackGap tracks silence inserted between consecutive chunks.
	PlaybackGap metric.Float64Histogram

	// Interruptions counts playback flushes. Use with
	// attribute.String("reason", ...).
	Interruptions metric.Int64Counter

	// TurnsCompleted counts agent turn-complete signals.
	TurnsCompleted metric.Int64Counter

	// --- Session lifecycle ---

	// SessionDuration tracks how long sessions stay connected.
	SessionDuration metric.Float64Histogram

	// ActiveSessions tracks the number of live relay sessions.
	ActiveSessions metric.Int64UpDownCounter

	// StateTransitions counts session state changes. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	StateTransitions metric.Int64Counter

	// TransportErrors counts transport failures. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("code", ...)
	TransportErrors metric.Int64Counter

	// BreakerTransitions counts agent backend circuit breaker state changes.
	// Use with attribute.String("backend", ...), attribute.String("to", ...).
	BreakerTransitions metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// gapBuckets defines histogram bucket boundaries (in seconds) for playback
// gaps; most are zero, audible ones start around 20 ms.
var gapBuckets = []float64{
	0, 0.005, 0.02, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
}

// sessionBuckets defines histogram bucket boundaries (in seconds) for session
// durations.
var sessionBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Uplink counters.
	if met.FramesCaptured, err = m.Int64Counter("voxrelay.capture.frames",
		metric.WithDescription("Total PCM16 frames produced by the capture pipeline."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("voxrelay.transport.frames_sent",
		metric.WithDescription("Total frames accepted by the agent transport."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("voxrelay.transport.frames_dropped",
		metric.WithDescription("Total frames discarded before transmission by reason."),
	); err != nil {
		return nil, err
	}

	// Downlink.
	if met.MessagesReceived, err = m.Int64Counter("voxrelay.transport.messages",
		metric.WithDescription("Total inbound agent messages by kind."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("voxrelay.playback.decode_errors",
		metric.WithDescription("Total inbound audio chunks dropped as undecodable."),
	); err != nil {
		return nil, err
	}
	if met.ScheduledAudio, err = m.Float64Counter("voxrelay.playback.scheduled",
		metric.WithDescription("Seconds of agent audio scheduled for playback."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.PlaybackGap, err = m.Float64Histogram("voxrelay.playback.gap",
		metric.WithDescription("Silence between consecutive scheduled chunks."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(gapBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("voxrelay.playback.interruptions",
		metric.WithDescription("Total playback flushes by reason."),
	); err != nil {
		return nil, err
	}
	if met.TurnsCompleted, err = m.Int64Counter("voxrelay.turns.completed",
		metric.WithDescription("Total agent turn-complete signals."),
	); err != nil {
		return nil, err
	}

	// Session lifecycle.
	if met.SessionDuration, err = m.Float64Histogram("voxrelay.session.duration",
		metric.WithDescription("Duration of relay sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxrelay.active_sessions",
		metric.WithDescription("Number of live relay sessions."),
	); err != nil {
		return nil, err
	}
	if met.StateTransitions, err = m.Int64Counter("voxrelay.session.transitions",
		metric.WithDescription("Total session state transitions by source and target state."),
	); err != nil {
		return nil, err
	}
	if met.TransportErrors, err = m.Int64Counter("voxrelay.transport.errors",
		metric.WithDescription("Total agent transport failures by provider and code."),
	); err != nil {
		return nil, err
	}

	if met.BreakerTransitions, err = m.Int64Counter("voxrelay.agent.breaker_transitions",
		metric.WithDescription("Total agent backend circuit breaker transitions by target state."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxrelay.http.request.duration",
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

// RecordFrameDropped records a dropped outbound frame.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordMessage records one inbound message of the given kind.
func (m *Metrics) RecordMessage(ctx context.Context, kind string) {
	m.MessagesReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordScheduled records a scheduled chunk and the gap before it.
func (m *Metrics) RecordScheduled(ctx context.Context, duration, gap float64) {
	m.ScheduledAudio.Add(ctx, duration)
	m.PlaybackGap.Record(ctx, gap)
}

// RecordInterruption records a playback flush.
func (m *Metrics) RecordInterruption(ctx context.Context, reason string) {
	m.Interruptions.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordTransition records a session state change.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordTransportError records a transport failure.
func (m *Metrics) RecordTransportError(ctx context.Context, provider, code string) {
	m.TransportErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("code", code),
		),
	)
}

// RecordBreakerTransition records a circuit breaker of an agent backend
// moving to state to.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, backend, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("to", to),
		),
	)
}
