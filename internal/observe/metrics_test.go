package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
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

// sumFor returns the int64 sum data point whose attribute key equals value.
func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	t.Fatalf("metric %q: data point with %s=%s not found", name, key, value)
	return 0
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
		{"realchar.interval.duration", m.IntervalDuration},
		{"realchar.generation.duration", m.GenerationDuration},
		{"realchar.synthesis.duration", m.SynthesisDuration},
		{"realchar.augment.duration", m.AugmentDuration},
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

func TestRecordInterval(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordInterval(ctx, "LLM First Token", 0.2)
	m.RecordInterval(ctx, "LLM First Token", 0.3)
	m.RecordInterval(ctx, "TTS First Sentence", 0.9)

	rm := collect(t, reader)
	met := findMetric(rm, "realchar.interval.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	for _, dp := range hist.DataPoints {
		v, _ := dp.Attributes.Value("interval")
		if v.AsString() == "LLM First Token" {
			if dp.Count != 2 {
				t.Errorf("count = %d, want 2", dp.Count)
			}
			return
		}
	}
	t.Error("data point with interval=LLM First Token not found")
}

func TestRecordTurn(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTurn(ctx, "elon_musk", "ok")
	m.RecordTurn(ctx, "elon_musk", "ok")
	m.RecordTurn(ctx, "elon_musk", "error")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "realchar.turns", "status", "ok"); got != 2 {
		t.Errorf("ok turns = %d, want 2", got)
	}
}

func TestRecordSegment(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSegment(ctx, true, 0.1)
	m.RecordSegment(ctx, false, 0.1)
	m.RecordSegment(ctx, false, 0.1)

	rm := collect(t, reader)
	if got := sumFor(t, rm, "realchar.segments.dispatched", "first", "true"); got != 1 {
		t.Errorf("first segments = %d, want 1", got)
	}
	if got := sumFor(t, rm, "realchar.segments.dispatched", "first", "false"); got != 2 {
		t.Errorf("later segments = %d, want 2", got)
	}
}

func TestRecordAugment_CountsOnlyFailures(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordAugment(ctx, "search", 0.1, false)
	m.RecordAugment(ctx, "search", 0.1, true)
	m.RecordAugment(ctx, "memory", 0.1, false)

	rm := collect(t, reader)
	if got := sumFor(t, rm, "realchar.augment.failures", "augmenter", "search"); got != 1 {
		t.Errorf("search failures = %d, want 1", got)
	}
	met := findMetric(rm, "realchar.augment.failures")
	for _, dp := range met.Data.(metricdata.Sum[int64]).DataPoints {
		if v, _ := dp.Attributes.Value("augmenter"); v.AsString() == "memory" {
			t.Error("memory recorded a failure without failing")
		}
	}
}

func TestRecordCatalogRefresh(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordCatalogRefresh(ctx, "ok")
	m.RecordCatalogRefresh(ctx, "error")
	m.RecordCatalogRefresh(ctx, "ok")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "realchar.catalog.refreshes", "status", "ok"); got != 2 {
		t.Errorf("ok refreshes = %d, want 2", got)
	}
}

func TestSetCatalogCharacters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.SetCatalogCharacters(ctx, 3, 10)
	m.SetCatalogCharacters(ctx, 3, 7)

	rm := collect(t, reader)
	met := findMetric(rm, "realchar.catalog.characters")
	if met == nil {
		t.Fatal("metric not found")
	}
	gauge, ok := met.Data.(metricdata.Gauge[int64])
	if !ok {
		t.Fatal("metric is not a gauge")
	}
	want := map[string]int64{"repo": 3, "database": 7}
	for _, dp := range gauge.DataPoints {
		v, _ := dp.Attributes.Value("location")
		if dp.Value != want[v.AsString()] {
			t.Errorf("location %s = %d, want %d", v.AsString(), dp.Value, want[v.AsString()])
		}
	}
	if len(gauge.DataPoints) != 2 {
		t.Errorf("data points = %d, want 2", len(gauge.DataPoints))
	}
}

func TestProviderErrorsCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderError(ctx, "openai", "llm")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "realchar.provider.errors", "provider", "openai"); got != 1 {
		t.Errorf("counter value = %d, want 1", got)
	}
}

func TestActiveTurns(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveTurns.Add(ctx, 1)
	m.ActiveTurns.Add(ctx, 1)
	m.ActiveTurns.Add(ctx, -1)

	rm := collect(t, reader)
	met := findMetric(rm, "realchar.active_turns")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum := met.Data.(metricdata.Sum[int64])
	if len(sum.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := sum.DataPoints[0].Value; got != 1 {
		t.Errorf("active turns = %d, want 1", got)
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("path", "/healthz"),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "realchar.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
