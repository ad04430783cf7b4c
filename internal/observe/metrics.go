// Package observe provides application-wide observability primitives for
// the Vantum gateway: OpenTelemetry metrics with a Prometheus exporter
// bridge so the standard /metrics endpoint keeps working.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all gateway metrics.
const meterName = "github.com/Jatin5120/vantum-backend"

// Metrics holds all OpenTelemetry metric instruments for the gateway.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks time from end-of-speech to final transcript.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks time from final transcript to first response delta.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks one synthesis cycle, text sent to source closed.
	TTSDuration metric.Float64Histogram

	// FinalizeDuration tracks the finalization handshake wait.
	FinalizeDuration metric.Float64Histogram

	// --- Counters ---

	// FramesIn counts client frames received. Attribute: event.
	FramesIn metric.Int64Counter

	// FramesOut counts frames delivered to clients. Attribute: event.
	FramesOut metric.Int64Counter

	// DroppedBytes counts reconnection-buffer bytes evicted under budget
	// pressure. Attribute: stage ("stt" or "tts").
	DroppedBytes metric.Int64Counter

	// Reconnects counts upstream reconnection attempts. Attribute: stage.
	Reconnects metric.Int64Counter

	// Fallbacks counts canned fallback responses. Attribute: tier.
	Fallbacks metric.Int64Counter

	// Finalizations counts completed finalization handshakes.
	// Attribute: method ("event" or "timeout").
	Finalizations metric.Int64Counter

	// TruncatedTexts counts synthesis texts clipped to the buffer budget.
	TruncatedTexts metric.Int64Counter

	// PipelineErrors counts classified pipeline errors.
	// Attributes: stage, class.
	PipelineErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTDuration, err = m.Float64Histogram("vantum.stt.duration",
		metric.WithDescription("Time from end-of-speech to final transcript."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("vantum.llm.duration",
		metric.WithDescription("Time from final transcript to first response delta."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("vantum.tts.duration",
		metric.WithDescription("Duration of one synthesis cycle."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FinalizeDuration, err = m.Float64Histogram("vantum.stt.finalize.duration",
		metric.WithDescription("Wait for the transcription-complete acknowledgement."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesIn, err = m.Int64Counter("vantum.frames.in",
		metric.WithDescription("Client frames received by event type."),
	); err != nil {
		return nil, err
	}
	if met.FramesOut, err = m.Int64Counter("vantum.frames.out",
		metric.WithDescription("Frames delivered to clients by event type."),
	); err != nil {
		return nil, err
	}
	if met.DroppedBytes, err = m.Int64Counter("vantum.buffer.dropped_bytes",
		metric.WithDescription("Reconnection-buffer bytes evicted under budget pressure by stage."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("vantum.upstream.reconnects",
		metric.WithDescription("Upstream reconnection attempts by stage."),
	); err != nil {
		return nil, err
	}
	if met.Fallbacks, err = m.Int64Counter("vantum.llm.fallbacks",
		metric.WithDescription("Canned fallback responses by tier."),
	); err != nil {
		return nil, err
	}
	if met.Finalizations, err = m.Int64Counter("vantum.stt.finalizations",
		metric.WithDescription("Completed finalization handshakes by method."),
	); err != nil {
		return nil, err
	}
	if met.TruncatedTexts, err = m.Int64Counter("vantum.tts.truncated_texts",
		metric.WithDescription("Synthesis texts clipped to the buffer budget."),
	); err != nil {
		return nil, err
	}
	if met.PipelineErrors, err = m.Int64Counter("vantum.pipeline.errors",
		metric.WithDescription("Classified pipeline errors by stage and class."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("vantum.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Subsequent calls return the
// same pointer. Panics if instrument creation fails (should not happen with
// the global provider).
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

// AttrSet wraps a single string attribute as a measurement option, the
// common case at counter call sites.
func AttrSet(key, value string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String(key, value))
}

// RecordPipelineError records a classified error counter increment with the
// standard attribute set.
func (m *Metrics) RecordPipelineError(ctx context.Context, stage, class string) {
	m.PipelineErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("class", class),
		),
	)
}

// RecordFallback records one canned fallback response at the given tier.
func (m *Metrics) RecordFallback(ctx context.Context, tier int) {
	m.Fallbacks.Add(ctx, 1,
		metric.WithAttributes(attribute.Int("tier", tier)),
	)
}

// RecordFinalization records one completed finalization handshake.
func (m *Metrics) RecordFinalization(ctx context.Context, method string) {
	m.Finalizations.Add(ctx, 1,
		metric.WithAttributes(attribute.String("method", method)),
	)
}
