package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/hybridrec/internal/app"
	"github.com/MrWong99/hybridrec/internal/config"
	"github.com/MrWong99/hybridrec/internal/etl"
	"github.com/MrWong99/hybridrec/internal/observe"
	embmock "github.com/MrWong99/hybridrec/pkg/provider/embeddings/mock"
	"github.com/MrWong99/hybridrec/pkg/store"
	"github.com/MrWong99/hybridrec/pkg/store/mock"
)

const dims = 4

// testConfig returns a defaulted config with a small vector dimension.
func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Embedding.Dimensions = dims
	cfg.Embedding.Fallback.Seed = 7
	config.ApplyDefaults(cfg)
	return cfg
}

func textVector(text string) []float32 {
	h := fnv.New32a()
	h.Write([]byte(text))
	seed := float32(h.Sum32()%1000) / 1000
	out := make([]float32, dims)
	for i := range out {
		out[i] = seed + float32(i)
	}
	return out
}

type fixture struct {
	docs      *mock.DocumentStore
	graph     *mock.GraphStore
	vectors   *mock.VectorStore
	analytics *mock.AnalyticsStore
	document  *embmock.Provider
	query     *embmock.Provider
}

func newFixture() *fixture {
	return &fixture{
		docs:      mock.NewDocumentStore(),
		graph:     mock.NewGraphStore(),
		vectors:   mock.NewVectorStore(dims),
		analytics: mock.NewAnalyticsStore(),
		document:  &embmock.Provider{EmbedFunc: textVector, DimensionsValue: dims},
		query:     &embmock.Provider{EmbedFunc: textVector, DimensionsValue: dims},
	}
}

func (f *fixture) newApp(t *testing.T, cfg *config.Config, opts ...app.Option) *app.App {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	opts = append([]app.Option{
		app.WithStores(etl.Stores{Documents: f.docs, Graph: f.graph, Vectors: f.vectors, Analytics: f.analytics}),
		app.WithMetrics(m),
	}, opts...)
	a, err := app.New(context.Background(), cfg, &app.Providers{Document: f.document, Query: f.query}, opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	return a
}

func at(day int) time.Time {
	return time.Date(2024, 5, day, 12, 0, 0, 0, time.UTC)
}

func sampleBatch() *etl.Batch {
	return &etl.Batch{
		Users: []etl.User{{ID: "A", Name: "Ada"}, {ID: "B", Name: "Brook"}},
		Campaigns: []etl.Campaign{
			{ID: "c1", Name: "Cloud Storage Promo"},
			{ID: "c2", Name: "Gaming Laptop Deal"},
		},
		Interactions: []store.InteractionRecord{
			{InteractionID: "i1", UserID: "A", CampaignID: "c1", Timestamp: at(1), Type: store.KindChat, Message: "cloud storage deals?"},
			{InteractionID: "i2", UserID: "B", CampaignID: "c2", Timestamp: at(2), Type: store.KindChat, Message: "cloud storage deals?"},
			{InteractionID: "i3", UserID: "B", CampaignID: "c2", Timestamp: at(3), Type: store.KindClick},
		},
	}
}

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()
	if _, err := app.New(context.Background(), testConfig(), &app.Providers{}); err == nil {
		t.Fatal("expected error for missing providers")
	}
	if _, err := app.New(context.Background(), testConfig(), nil); err == nil {
		t.Fatal("expected error for nil providers")
	}
}

func TestApp_SyncThenRecommend(t *testing.T) {
	t.Parallel()
	f := newFixture()
	a := f.newApp(t, testConfig())

	rep, err := a.Sync(context.Background(), sampleBatch())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if rep.State != etl.StateDone || rep.Vectors != 2 {
		t.Errorf("report = %+v", rep)
	}
	if got := f.document.CallCount(); got != 2 {
		t.Errorf("document provider calls = %d, want 2", got)
	}

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/recommendations/A", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body struct {
		SimilarUsersCount int                 `json:"similar_users_count"`
		Recommendations   []store.CampaignRef `json:"recommendations"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.SimilarUsersCount != 1 || len(body.Recommendations) != 1 || body.Recommendations[0].CampaignID != "c2" {
		t.Errorf("body = %+v", body)
	}
	if got := f.query.CallCount(); got != 1 {
		t.Errorf("query provider calls = %d, want 1", got)
	}
}

func TestApp_FallbackWhenProviderDown(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.document.EmbedFunc = nil
	f.document.Err = errors.New("connection refused")
	a := f.newApp(t, testConfig())

	rep, err := a.Sync(context.Background(), sampleBatch())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if rep.Fallbacks != 2 {
		t.Errorf("fallbacks = %d, want 2", rep.Fallbacks)
	}
	vec, ok := f.vectors.Vector("i1")
	if !ok || len(vec) != dims {
		t.Fatalf("vector i1 = %v, %v", vec, ok)
	}
	for _, v := range vec {
		if v < -0.1 || v > 0.1 {
			t.Errorf("fallback component %v out of range", v)
		}
	}
}

func TestApp_BreakerTransitionsRecorded(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.document.EmbedFunc = nil
	f.document.Err = errors.New("connection refused")
	cfg := testConfig()
	cfg.Embedding.Breaker.MaxFailures = 1

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	a := f.newApp(t, cfg, app.WithMetrics(m))

	if _, err := a.Sync(context.Background(), sampleBatch()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var opened int64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "hybridrec.breaker.transitions" {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected data type %T", met.Data)
			}
			for _, dp := range sum.DataPoints {
				name, _ := dp.Attributes.Value(attribute.Key("name"))
				to, _ := dp.Attributes.Value(attribute.Key("to"))
				if name.AsString() == "embeddings-document" && to.AsString() == "open" {
					opened += dp.Value
				}
			}
		}
	}
	if opened != 1 {
		t.Errorf("document breaker open transitions = %d, want 1", opened)
	}
}

func TestApp_FallbackDisabled(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.query.EmbedFunc = nil
	f.query.Err = errors.New("invalid api key")
	cfg := testConfig()
	disabled := false
	cfg.Embedding.Fallback.Enabled = &disabled
	a := f.newApp(t, cfg)

	if _, err := a.Sync(context.Background(), sampleBatch()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/recommendations/A", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestApp_Readyz(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.analytics.PingErr = errors.New("database is locked")
	a := f.newApp(t, testConfig())

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestApp_MetricsHandler(t *testing.T) {
	t.Parallel()
	f := newFixture()
	called := false
	a := f.newApp(t, testConfig(), app.WithMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
	})))

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !called {
		t.Error("metrics handler was not invoked")
	}
}

func TestNewLimiter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		cfg       config.RateLimitConfig
		wantBurst int
		unlimited bool
	}{
		{name: "disabled", cfg: config.RateLimitConfig{}, unlimited: true},
		{name: "half per second", cfg: config.RateLimitConfig{RequestsPerSecond: 0.5, Burst: 1}, wantBurst: 1},
		{name: "zero burst clamps", cfg: config.RateLimitConfig{RequestsPerSecond: 2}, wantBurst: 1},
		{name: "burst", cfg: config.RateLimitConfig{RequestsPerSecond: 2, Burst: 3}, wantBurst: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			l := app.NewLimiter(tt.cfg)
			if tt.unlimited {
				if !l.Allow() || !l.Allow() || !l.Allow() {
					t.Error("unlimited limiter should always allow")
				}
				return
			}
			if got := l.Burst(); got != tt.wantBurst {
				t.Errorf("burst = %d, want %d", got, tt.wantBurst)
			}
			if float64(l.Limit()) != tt.cfg.RequestsPerSecond {
				t.Errorf("limit = %v, want %v", l.Limit(), tt.cfg.RequestsPerSecond)
			}
		})
	}
}

func TestApp_ServeDrainsInFlightRequests(t *testing.T) {
	t.Parallel()
	f := newFixture()
	a := f.newApp(t, testConfig())
	if _, err := a.Sync(context.Background(), sampleBatch()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	f.query.Delay = 300 * time.Millisecond

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- a.Serve(ctx, ln) }()

	type result struct {
		status int
		err    error
	}
	respCh := make(chan result, 1)
	go func() {
		resp, err := http.Get("http://" + ln.Addr().String() + "/recommendations/A")
		if err != nil {
			respCh <- result{err: err}
			return
		}
		resp.Body.Close()
		respCh <- result{status: resp.StatusCode}
	}()

	deadline := time.Now().Add(5 * time.Second)
	for f.query.CallCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("request never reached the query provider")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case r := <-respCh:
		if r.err != nil {
			t.Fatalf("GET /recommendations/A: %v", r.err)
		}
		if r.status != http.StatusOK {
			t.Errorf("in-flight request status = %d, want 200", r.status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight request did not complete")
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Serve() returned unexpected error: %v", err)
	}
}

func TestApp_ServeAndShutdown(t *testing.T) {
	t.Parallel()
	f := newFixture()
	a := f.newApp(t, testConfig())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Serve() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return within 5s after context cancellation")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	// Injected stores stay open.
	if f.docs.Closed() {
		t.Error("injected document store should not be closed")
	}
}
