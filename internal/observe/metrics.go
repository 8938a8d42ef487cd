// Package observe provides the observability primitives for hybridrec:
// OpenTelemetry metrics, tracing, trace-aware structured logging, and the
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported
// for Prometheus scraping by [InitProvider]. Tests should build their own
// [Metrics] with [NewMetrics] over a ManualReader to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all hybridrec metrics.
const meterName = "github.com/MrWong99/hybridrec"

// Metrics holds all metric instruments of the application. The underlying
// OTel types are safe for concurrent use.
type Metrics struct {
	// --- Embedding ---

	// EmbeddingRequests counts provider attempts. Attributes: provider,
	// purpose, status.
	EmbeddingRequests metric.Int64Counter

	// EmbeddingDuration tracks per-attempt provider latency.
	EmbeddingDuration metric.Float64Histogram

	// EmbeddingFallbacks counts vectors produced by the fallback source.
	// Attribute: purpose.
	EmbeddingFallbacks metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Attributes:
	// name, to.
	BreakerTransitions metric.Int64Counter

	// --- Synchronizer ---

	// SyncInteractions counts interactions processed by sync runs.
	SyncInteractions metric.Int64Counter

	// SyncRuns counts finished runs. Attribute: outcome (done|failed).
	SyncRuns metric.Int64Counter

	// SyncDuration tracks whole-run latency.
	SyncDuration metric.Float64Histogram

	// --- Recommendation engine ---

	// Recommendations counts answered queries. Attribute: outcome.
	Recommendations metric.Int64Counter

	// RecommendStageDuration tracks each pipeline stage. Attribute: stage.
	RecommendStageDuration metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks request latency. Attributes: method, route,
	// status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds, spanning fast store
// lookups up to rate-limited provider calls.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates all instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.EmbeddingRequests, err = m.Int64Counter("hybridrec.embedding.requests",
		metric.WithDescription("Embedding provider attempts by provider, purpose, and status."),
	); err != nil {
		return nil, err
	}
	if met.EmbeddingDuration, err = m.Float64Histogram("hybridrec.embedding.duration",
		metric.WithDescription("Latency of a single embedding provider attempt."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EmbeddingFallbacks, err = m.Int64Counter("hybridrec.embedding.fallbacks",
		metric.WithDescription("Embeddings served from the fallback source instead of the provider."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("hybridrec.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions by breaker name and target state."),
	); err != nil {
		return nil, err
	}

	if met.SyncInteractions, err = m.Int64Counter("hybridrec.sync.interactions",
		metric.WithDescription("Interactions processed by sync runs."),
	); err != nil {
		return nil, err
	}
	if met.SyncRuns, err = m.Int64Counter("hybridrec.sync.runs",
		metric.WithDescription("Finished sync runs by outcome."),
	); err != nil {
		return nil, err
	}
	if met.SyncDuration, err = m.Float64Histogram("hybridrec.sync.duration",
		metric.WithDescription("Duration of a full sync run."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.Recommendations, err = m.Int64Counter("hybridrec.recommendations",
		metric.WithDescription("Recommendation queries by outcome."),
	); err != nil {
		return nil, err
	}
	if met.RecommendStageDuration, err = m.Float64Histogram("hybridrec.recommend.stage.duration",
		metric.WithDescription("Latency of each recommendation pipeline stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("hybridrec.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route, and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] built on the global
// meter provider. It panics if instrument creation fails, which does not
// happen with the global provider.
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

// RecordEmbeddingAttempt records one provider attempt.
func (m *Metrics) RecordEmbeddingAttempt(ctx context.Context, provider, purpose, status string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("purpose", purpose),
		attribute.String("status", status),
	)
	m.EmbeddingRequests.Add(ctx, 1, attrs)
	m.EmbeddingDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordFallback records one fallback vector.
func (m *Metrics) RecordFallback(ctx context.Context, purpose string) {
	m.EmbeddingFallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("purpose", purpose)))
}

// RecordBreakerTransition records a breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, name, to string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("name", name),
		attribute.String("to", to),
	))
}

// RecordSyncRun records a finished sync run.
func (m *Metrics) RecordSyncRun(ctx context.Context, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.SyncRuns.Add(ctx, 1, attrs)
	m.SyncDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordRecommendation records a finished recommendation query.
func (m *Metrics) RecordRecommendation(ctx context.Context, outcome string) {
	m.Recommendations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordStage records the latency of one recommendation stage.
func (m *Metrics) RecordStage(ctx context.Context, stage string, d time.Duration) {
	m.RecommendStageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("stage", stage)))
}
