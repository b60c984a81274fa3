// Package observe provides application-wide observability primitives for
// earshot: OpenTelemetry metrics, tracing, trace-aware logging, and HTTP
// middleware for the operator endpoints.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported to
// Prometheus by [InitProvider]. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all earshot metrics.
const meterName = "github.com/MrWong99/earshot"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// STTDuration tracks how long finalizing a segment transcript takes.
	STTDuration metric.Float64Histogram

	// ReplyDuration tracks reply backend latency.
	ReplyDuration metric.Float64Histogram

	// TTSDuration tracks blocking synthesis time.
	TTSDuration metric.Float64Histogram

	// SegmentDuration tracks the captured audio length of sealed segments.
	// Use with attribute.String("reason", ...).
	SegmentDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// FramesRead counts frames read from the audio source.
	FramesRead metric.Int64Counter

	// FramesDropped counts frames that reached no listener. Use with
	// attribute.String("reason", ...).
	FramesDropped metric.Int64Counter

	// DeviceErrors counts transient frame read failures.
	DeviceErrors metric.Int64Counter

	// Activations counts wake phrase detections. Use with
	// attribute.String("phrase", ...).
	Activations metric.Int64Counter

	// StateTransitions counts session state changes. Use with
	// attribute.String("from", ...), attribute.String("to", ...).
	StateTransitions metric.Int64Counter

	// Events counts emitted events by kind.
	Events metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions is 1 while a conversation is running.
	ActiveSessions metric.Int64UpDownCounter

	// AGCGain is the gain applied to the most recent frame.
	AGCGain metric.Float64Gauge

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// provider latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// segmentBuckets covers utterance lengths from a short "yes" up to the
// longest permitted segment.
var segmentBuckets = []float64{
	0.5, 1, 2, 3, 5, 8, 12, 15, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTDuration, err = m.Float64Histogram("earshot.stt.duration",
		metric.WithDescription("Latency of transcript finalization."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ReplyDuration, err = m.Float64Histogram("earshot.reply.duration",
		metric.WithDescription("Latency of the reply backend."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("earshot.tts.duration",
		metric.WithDescription("Time spent speaking a reply."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SegmentDuration, err = m.Float64Histogram("earshot.segment.duration",
		metric.WithDescription("Captured audio length of sealed segments by termination reason."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(segmentBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("earshot.provider.requests",
		metric.WithDescription("Total provider requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("earshot.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.FramesRead, err = m.Int64Counter("earshot.audio.frames_read",
		metric.WithDescription("Frames read from the audio source."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("earshot.audio.frames_dropped",
		metric.WithDescription("Frames that reached no listener, by reason."),
	); err != nil {
		return nil, err
	}
	if met.DeviceErrors, err = m.Int64Counter("earshot.audio.device_errors",
		metric.WithDescription("Transient audio device read failures."),
	); err != nil {
		return nil, err
	}
	if met.Activations, err = m.Int64Counter("earshot.wake.activations",
		metric.WithDescription("Wake phrase detections by phrase."),
	); err != nil {
		return nil, err
	}
	if met.StateTransitions, err = m.Int64Counter("earshot.session.transitions",
		metric.WithDescription("Session state transitions by source and target state."),
	); err != nil {
		return nil, err
	}
	if met.Events, err = m.Int64Counter("earshot.events",
		metric.WithDescription("Emitted events by kind."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.ActiveSessions, err = m.Int64UpDownCounter("earshot.active_sessions",
		metric.WithDescription("Number of running conversations."),
	); err != nil {
		return nil, err
	}
	if met.AGCGain, err = m.Float64Gauge("earshot.agc.gain",
		metric.WithDescription("Gain applied by the AGC to the latest frame."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("earshot.http.request.duration",
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

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordDroppedFrame counts a frame that was not delivered.
func (m *Metrics) RecordDroppedFrame(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordActivation counts a wake phrase detection.
func (m *Metrics) RecordActivation(ctx context.Context, phrase string) {
	m.Activations.Add(ctx, 1, metric.WithAttributes(attribute.String("phrase", phrase)))
}

// RecordTransition counts a session state change.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordSegment records the audio length of a sealed segment.
func (m *Metrics) RecordSegment(ctx context.Context, seconds float64, reason string) {
	m.SegmentDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("reason", reason)))
}
