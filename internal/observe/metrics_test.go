package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader.
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

// counterValue returns the value of the int64 sum data point carrying
// attribute key=value, or -1 when absent.
func counterValue(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
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
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	return -1
}

func TestRecordEmbeddingAttempt(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordEmbeddingAttempt(ctx, "gemini", "document", "ok", 120*time.Millisecond)
	m.RecordEmbeddingAttempt(ctx, "gemini", "document", "ok", 80*time.Millisecond)
	m.RecordEmbeddingAttempt(ctx, "gemini", "document", "rate_limited", 10*time.Millisecond)

	rm := collect(t, reader)
	if got := counterValue(t, rm, "hybridrec.embedding.requests", "status", "ok"); got != 2 {
		t.Errorf("ok requests = %d, want 2", got)
	}
	if got := counterValue(t, rm, "hybridrec.embedding.requests", "status", "rate_limited"); got != 1 {
		t.Errorf("rate_limited requests = %d, want 1", got)
	}

	met := findMetric(rm, "hybridrec.embedding.duration")
	if met == nil {
		t.Fatal("duration metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("duration metric is not a histogram")
	}
	var total uint64
	for _, dp := range hist.DataPoints {
		total += dp.Count
	}
	if total != 3 {
		t.Errorf("duration samples = %d, want 3", total)
	}
}

func TestRecordFallbackAndSync(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFallback(ctx, "query")
	m.RecordFallback(ctx, "query")
	m.RecordSyncRun(ctx, "done", time.Second)
	m.RecordSyncRun(ctx, "failed", time.Second)
	m.RecordRecommendation(ctx, "ok")
	m.RecordBreakerTransition(ctx, "embeddings", "open")

	rm := collect(t, reader)
	if got := counterValue(t, rm, "hybridrec.embedding.fallbacks", "purpose", "query"); got != 2 {
		t.Errorf("fallbacks = %d, want 2", got)
	}
	if got := counterValue(t, rm, "hybridrec.sync.runs", "outcome", "failed"); got != 1 {
		t.Errorf("failed runs = %d, want 1", got)
	}
	if got := counterValue(t, rm, "hybridrec.recommendations", "outcome", "ok"); got != 1 {
		t.Errorf("recommendations = %d, want 1", got)
	}
	if got := counterValue(t, rm, "hybridrec.breaker.transitions", "to", "open"); got != 1 {
		t.Errorf("transitions = %d, want 1", got)
	}
}

func TestRecordStage(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)

	for _, stage := range []string{"history", "embed", "search", "traverse", "rank"} {
		m.RecordStage(context.Background(), stage, time.Millisecond)
	}

	rm := collect(t, reader)
	met := findMetric(rm, "hybridrec.recommend.stage.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	if len(hist.DataPoints) != 5 {
		t.Errorf("data points = %d, want 5 (one per stage)", len(hist.DataPoints))
	}
}
