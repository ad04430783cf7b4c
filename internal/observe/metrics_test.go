package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.STTDuration.Record(ctx, 0.125)
	m.FinalizeDuration.Record(ctx, 0.5)

	rm := collect(t, reader)
	if findMetric(rm, "vantum.stt.duration") == nil {
		t.Error("vantum.stt.duration not recorded")
	}
	if findMetric(rm, "vantum.stt.finalize.duration") == nil {
		t.Error("vantum.stt.finalize.duration not recorded")
	}
}

func TestCounterIncrement(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.FramesIn.Add(ctx, 3, metric.WithAttributes(Attr("event", "audio.input.chunk")))
	m.DroppedBytes.Add(ctx, 1024, metric.WithAttributes(Attr("stage", "stt")))
	m.RecordFallback(ctx, 2)
	m.RecordFinalization(ctx, "timeout")
	m.RecordPipelineError(ctx, "llm", "transient")

	rm := collect(t, reader)
	got := findMetric(rm, "vantum.frames.in")
	if got == nil {
		t.Fatal("vantum.frames.in not recorded")
	}
	sum, ok := got.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("frames.in data type = %T, want Sum[int64]", got.Data)
	}
	if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 3 {
		t.Errorf("frames.in = %+v, want one data point of 3", sum.DataPoints)
	}

	for _, name := range []string{
		"vantum.buffer.dropped_bytes",
		"vantum.llm.fallbacks",
		"vantum.stt.finalizations",
		"vantum.pipeline.errors",
	} {
		if findMetric(rm, name) == nil {
			t.Errorf("%s not recorded", name)
		}
	}
}

func TestActiveSessionsGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	rm := collect(t, reader)
	got := findMetric(rm, "vantum.active_sessions")
	if got == nil {
		t.Fatal("vantum.active_sessions not recorded")
	}
	sum, ok := got.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("active_sessions data type = %T, want Sum[int64]", got.Data)
	}
	if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 1 {
		t.Errorf("active_sessions = %+v, want one data point of 1", sum.DataPoints)
	}
}

func TestDefaultMetrics_Singleton(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics should return the same instance")
	}
}
