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

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"voxrelay.playback.gap", m.PlaybackGap},
		{"voxrelay.session.duration", m.SessionDuration},
		{"voxrelay.http.request.duration", m.HTTPRequestDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

// sumFor returns the value of the int64 sum data point whose attribute key
// equals value, or -1 if none matches.
func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not an int64 sum", name)
	}
	for _, dp := range sum.DataPoints {
		if key == "" {
			return dp.Value
		}
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.AsString() == value {
				return dp.Value
			}
		}
	}
	return -1
}

func TestCounterIncrement(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.FramesCaptured.Add(ctx, 1)
	m.FramesCaptured.Add(ctx, 1)
	m.FramesSent.Add(ctx, 1)
	m.DecodeErrors.Add(ctx, 1)
	m.TurnsCompleted.Add(ctx, 3)

	rm := collect(t, reader)

	tests := []struct {
		name string
		want int64
	}{
		{"voxrelay.capture.frames", 2},
		{"voxrelay.transport.frames_sent", 1},
		{"voxrelay.playback.decode_errors", 1},
		{"voxrelay.turns.completed", 3},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := sumFor(t, rm, tc.name, "", ""); got != tc.want {
				t.Errorf("counter value = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestFramesDroppedByReason(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFrameDropped(ctx, DropNotOpen)
	m.RecordFrameDropped(ctx, DropNotOpen)
	m.RecordFrameDropped(ctx, DropQueueFull)

	rm := collect(t, reader)
	if got := sumFor(t, rm, "voxrelay.transport.frames_dropped", "reason", DropNotOpen); got != 2 {
		t.Errorf("not_open drops = %d, want 2", got)
	}
	if got := sumFor(t, rm, "voxrelay.transport.frames_dropped", "reason", DropQueueFull); got != 1 {
		t.Errorf("queue_full drops = %d, want 1", got)
	}
}

func TestMessagesByKind(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordMessage(ctx, "audio")
	m.RecordMessage(ctx, "audio")
	m.RecordMessage(ctx, "transcript")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "voxrelay.transport.messages", "kind", "audio"); got != 2 {
		t.Errorf("audio messages = %d, want 2", got)
	}
	if got := sumFor(t, rm, "voxrelay.transport.messages", "kind", "transcript"); got != 1 {
		t.Errorf("transcript messages = %d, want 1", got)
	}
}

func TestRecordScheduled(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordScheduled(ctx, 0.4, 0)
	m.RecordScheduled(ctx, 0.2, 0.05)

	rm := collect(t, reader)
	met := findMetric(rm, "voxrelay.playback.scheduled")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[float64])
	if !ok {
		t.Fatal("metric is not a float64 sum")
	}
	if got := sum.DataPoints[0].Value; got < 0.599 || got > 0.601 {
		t.Errorf("scheduled seconds = %v, want 0.6", got)
	}

	gap := findMetric(rm, "voxrelay.playback.gap")
	if gap == nil {
		t.Fatal("gap metric not found")
	}
	if got := gap.Data.(metricdata.Histogram[float64]).DataPoints[0].Count; got != 2 {
		t.Errorf("gap samples = %d, want 2", got)
	}
}

func TestTransitionsAndTransportErrors(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTransition(ctx, "idle", "connecting")
	m.RecordTransition(ctx, "connecting", "active")
	m.RecordTransportError(ctx, "gemini-live", "1011")
	m.RecordInterruption(ctx, "barge_in")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "voxrelay.session.transitions", "to", "active"); got != 1 {
		t.Errorf("transitions to active = %d, want 1", got)
	}
	if got := sumFor(t, rm, "voxrelay.transport.errors", "code", "1011"); got != 1 {
		t.Errorf("transport errors = %d, want 1", got)
	}
	if got := sumFor(t, rm, "voxrelay.playback.interruptions", "reason", "barge_in"); got != 1 {
		t.Errorf("interruptions = %d, want 1", got)
	}
}

func TestBreakerTransitions(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordBreakerTransition(ctx, "gemini-live", "open")
	m.RecordBreakerTransition(ctx, "gemini-live", "half-open")
	m.RecordBreakerTransition(ctx, "relay-ws", "open")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "voxrelay.agent.breaker_transitions", "to", "half-open"); got != 1 {
		t.Errorf("transitions to half-open = %d, want 1", got)
	}
	if got := sumFor(t, rm, "voxrelay.agent.breaker_transitions", "backend", "relay-ws"); got != 1 {
		t.Errorf("relay-ws transitions = %d, want 1", got)
	}
}

func TestActiveSessionsGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	// UpDownCounters are additive.
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	rm := collect(t, reader)
	if got := sumFor(t, rm, "voxrelay.active_sessions", "", ""); got != 1 {
		t.Errorf("gauge value = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
