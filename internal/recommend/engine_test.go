package recommend_test

import (
	"context"
	"errors"
	"hash/fnv"
	"slices"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/hybridrec/internal/embedding"
	"github.com/MrWong99/hybridrec/internal/etl"
	"github.com/MrWong99/hybridrec/internal/observe"
	"github.com/MrWong99/hybridrec/internal/recommend"
	embmock "github.com/MrWong99/hybridrec/pkg/provider/embeddings/mock"
	"github.com/MrWong99/hybridrec/pkg/store"
	"github.com/MrWong99/hybridrec/pkg/store/mock"
)

const dims = 4

func textVector(text string) []float32 {
	h := fnv.New32a()
	h.Write([]byte(text))
	seed := float32(h.Sum32()%1000) / 1000
	out := make([]float32, dims)
	for i := range out {
		out[i] = seed * float32(i+1)
	}
	return out
}

type env struct {
	docs      *mock.DocumentStore
	graph     *mock.GraphStore
	vectors   *mock.VectorStore
	analytics *mock.AnalyticsStore
	provider  *embmock.Provider
	metrics   *observe.Metrics
}

func newEnv(t *testing.T) *env {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return &env{
		docs:      mock.NewDocumentStore(),
		graph:     mock.NewGraphStore(),
		vectors:   mock.NewVectorStore(dims),
		analytics: mock.NewAnalyticsStore(),
		provider:  &embmock.Provider{EmbedFunc: textVector, DimensionsValue: dims},
		metrics:   m,
	}
}

func (e *env) generator(t *testing.T, opts ...embedding.Option) *embedding.Generator {
	t.Helper()
	opts = append([]embedding.Option{
		embedding.WithPolicy(embedding.Policy{MaxAttempts: 2, Backoff: time.Millisecond}),
		embedding.WithMetrics(e.metrics),
		embedding.WithFallback(embedding.NewSeededFallback(3, 0.1)),
	}, opts...)
	g, err := embedding.New(e.provider, dims, opts...)
	if err != nil {
		t.Fatalf("embedding.New: %v", err)
	}
	return g
}

func (e *env) engine(t *testing.T, cfg recommend.Config, opts ...embedding.Option) *recommend.Engine {
	t.Helper()
	eng, err := recommend.New(e.docs, e.graph, e.vectors, e.analytics, e.generator(t, opts...), cfg,
		recommend.WithMetrics(e.metrics))
	if err != nil {
		t.Fatalf("recommend.New: %v", err)
	}
	return eng
}

// sync populates the stores through the synchroniser.
func (e *env) sync(t *testing.T, b *etl.Batch) {
	t.Helper()
	s, err := etl.New(etl.Stores{Documents: e.docs, Graph: e.graph, Vectors: e.vectors, Analytics: e.analytics},
		e.generator(t), etl.Config{}, etl.WithMetrics(e.metrics))
	if err != nil {
		t.Fatalf("etl.New: %v", err)
	}
	if _, err := s.Run(context.Background(), b); err != nil {
		t.Fatalf("sync: %v", err)
	}
}

func at(day int) time.Time { return time.Date(2024, 5, day, 12, 0, 0, 0, time.UTC) }

// scenario: A and B ask the same question, B keeps coming back to c2, C only
// clicks on c1.
func scenario() *etl.Batch {
	const question = "Do you have any deals on cloud storage?"
	return &etl.Batch{
		Users:     []etl.User{{ID: "A", Name: "Ada"}, {ID: "B", Name: "Brook"}, {ID: "C", Name: "Cole"}},
		Campaigns: []etl.Campaign{{ID: "c1", Name: "Cloud Storage Promo"}, {ID: "c2", Name: "Gaming Laptop Deal"}},
		Interactions: []store.InteractionRecord{
			{InteractionID: "i1", UserID: "A", CampaignID: "c1", Timestamp: at(1), Type: store.KindChat, Message: "old question"},
			{InteractionID: "i2", UserID: "A", CampaignID: "c1", Timestamp: at(5), Type: store.KindChat, Message: question},
			{InteractionID: "i3", UserID: "B", CampaignID: "c2", Timestamp: at(2), Type: store.KindChat, Message: question},
			{InteractionID: "i4", UserID: "B", CampaignID: "c2", Timestamp: at(3), Type: store.KindClick},
			{InteractionID: "i5", UserID: "C", CampaignID: "c1", Timestamp: at(4), Type: store.KindClick},
		},
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	if _, err := recommend.New(nil, e.graph, e.vectors, e.analytics, e.generator(t), recommend.Config{}); err == nil {
		t.Error("expected error for nil document store")
	}
	if _, err := recommend.New(e.docs, e.graph, e.vectors, e.analytics, nil, recommend.Config{}); err == nil {
		t.Error("expected error for nil embedder")
	}
}

func TestRecommend_EndToEnd(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.sync(t, scenario())
	eng := e.engine(t, recommend.Config{})

	res, err := eng.Recommend(context.Background(), "A")
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if res.BasedOnLastMessage != "Do you have any deals on cloud storage?" {
		t.Errorf("based on %q, want the latest chat", res.BasedOnLastMessage)
	}
	if res.Degraded || res.Reason != "" {
		t.Errorf("unexpected soft result: %+v", res)
	}
	if len(res.Recommendations) == 0 || res.Recommendations[0].CampaignID != "c2" {
		t.Fatalf("recommendations = %+v, want c2 first", res.Recommendations)
	}
	if res.Recommendations[0].Name != "Gaming Laptop Deal" {
		t.Errorf("name = %q", res.Recommendations[0].Name)
	}
	for _, c := range res.Recommendations {
		if c.CampaignID == "c1" {
			t.Errorf("c1 is only reachable through A and C, got %+v", res.Recommendations)
		}
	}
	if res.SimilarUsersCount != 1 {
		t.Errorf("similar users = %d, want 1 (A excluded, C has no chats)", res.SimilarUsersCount)
	}

	calls := e.vectors.Calls()
	last := calls[len(calls)-1]
	if last.Method != "Search" || last.Args[0] != 5 || last.Args[1] != store.MetricL2 {
		t.Errorf("search call = %+v, want k=5 L2", last)
	}
}

func TestRecommend_NoChatHistory(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.sync(t, scenario())
	eng := e.engine(t, recommend.Config{})
	before := e.provider.CallCount()

	for _, user := range []string{"C", "nobody"} {
		_, err := eng.Recommend(context.Background(), user)
		if !errors.Is(err, recommend.ErrNoChatHistory) {
			t.Errorf("%s: err = %v, want ErrNoChatHistory", user, err)
		}
		if !errors.Is(err, store.ErrNotFound) {
			t.Errorf("%s: ErrNoChatHistory should wrap store.ErrNotFound", user)
		}
	}
	if got := e.provider.CallCount(); got != before {
		t.Errorf("provider should not be called for users without history, calls = %d, want %d", got, before)
	}
}

func TestRecommend_SoftResults(t *testing.T) {
	t.Parallel()

	t.Run("no similar users", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		b := scenario()
		b.Interactions = b.Interactions[:2] // only A chats
		e.sync(t, b)

		res, err := e.engine(t, recommend.Config{}).Recommend(context.Background(), "A")
		if err != nil {
			t.Fatalf("Recommend: %v", err)
		}
		if res.Reason != recommend.ReasonNoSimilarUsers || len(res.Recommendations) != 0 {
			t.Errorf("result = %+v", res)
		}
		if res.Recommendations == nil {
			t.Error("recommendations should be an empty list, not nil")
		}
	})

	t.Run("no campaign history", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.sync(t, scenario())
		// A neighbour that exists only in the vector store.
		var orphan store.VectorBatch
		orphan.Append("x1", "X", "x1", textVector("Do you have any deals on cloud storage?"))
		if err := e.vectors.UpsertBatch(context.Background(), orphan); err != nil {
			t.Fatal(err)
		}

		eng := e.engine(t, recommend.Config{TopK: 5})
		res, err := eng.Recommend(context.Background(), "A")
		if err != nil {
			t.Fatalf("Recommend: %v", err)
		}
		if res.SimilarUsersCount != 2 {
			t.Errorf("similar users = %d, want 2 (B and X)", res.SimilarUsersCount)
		}

		e2 := newEnv(t)
		e2.sync(t, &etl.Batch{
			Users:     []etl.User{{ID: "A"}},
			Campaigns: []etl.Campaign{{ID: "c1"}},
			Interactions: []store.InteractionRecord{
				{InteractionID: "i1", UserID: "A", CampaignID: "c1", Timestamp: at(1), Type: store.KindChat, Message: "hi"},
			},
		})
		if err := e2.vectors.UpsertBatch(context.Background(), orphan); err != nil {
			t.Fatal(err)
		}
		res, err = e2.engine(t, recommend.Config{}).Recommend(context.Background(), "A")
		if err != nil {
			t.Fatalf("Recommend: %v", err)
		}
		if res.Reason != recommend.ReasonNoCampaignHistory {
			t.Errorf("reason = %q, want %q", res.Reason, recommend.ReasonNoCampaignHistory)
		}
	})
}

func TestRecommend_DeduplicatesSimilarUsers(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	b := scenario()
	b.Interactions = append(b.Interactions, store.InteractionRecord{
		InteractionID: "i6", UserID: "B", CampaignID: "c1", Timestamp: at(6),
		Type: store.KindChat, Message: "Do you have any deals on cloud storage?",
	})
	e.sync(t, b)

	res, err := e.engine(t, recommend.Config{}).Recommend(context.Background(), "A")
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if res.SimilarUsersCount != 1 {
		t.Errorf("similar users = %d, want 1", res.SimilarUsersCount)
	}
	// B reaches c2 first (2 interactions), then c1 (4 interactions).
	got := make([]string, len(res.Recommendations))
	for i, c := range res.Recommendations {
		got[i] = c.CampaignID
	}
	if !slices.Equal(got, []string{"c1", "c2"}) {
		t.Errorf("order = %v, want [c1 c2]", got)
	}
}

func TestRecommend_Degraded(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.sync(t, scenario())
	e.provider.Err = errors.New("quota exhausted")

	res, err := e.engine(t, recommend.Config{}).Recommend(context.Background(), "A")
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if !res.Degraded {
		t.Error("Degraded should be set when the query vector is a fallback")
	}
}

func TestRecommend_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		setup       func(e *env)
		opts        []embedding.Option
		wantOp      string
		wantTimeout bool
		wantErr     error
	}{
		{
			name:   "document store fails",
			setup:  func(e *env) { e.docs.FindLatestErr = errors.New("boom") },
			wantOp: "documents.find_latest",
		},
		{
			name:        "document store slow",
			setup:       func(e *env) { e.docs.FindLatestDelay = time.Second },
			wantOp:      "documents.find_latest",
			wantTimeout: true,
		},
		{
			name:   "vector search fails",
			setup:  func(e *env) { e.vectors.SearchErr = errors.New("index offline") },
			wantOp: "vectors.search",
		},
		{
			name:        "graph slow",
			setup:       func(e *env) { e.graph.CampaignsDelay = time.Second },
			wantOp:      "graph.campaigns_for_users",
			wantTimeout: true,
		},
		{
			name:   "analytics fails",
			setup:  func(e *env) { e.analytics.GetManyErr = errors.New("locked") },
			wantOp: "analytics.get_many",
		},
		{
			name:    "embedding unavailable",
			setup:   func(e *env) { e.provider.Err = errors.New("down") },
			opts:    []embedding.Option{embedding.WithFallback(nil)},
			wantErr: embedding.ErrEmbeddingUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := newEnv(t)
			e.sync(t, scenario())
			tt.setup(e)
			eng := e.engine(t, recommend.Config{StoreTimeout: 20 * time.Millisecond}, tt.opts...)

			_, err := eng.Recommend(context.Background(), "A")
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			var sqe *recommend.StoreQueryError
			if !errors.As(err, &sqe) {
				t.Fatalf("err = %v, want *StoreQueryError", err)
			}
			if sqe.Op != tt.wantOp {
				t.Errorf("Op = %q, want %q", sqe.Op, tt.wantOp)
			}
			if sqe.Timeout() != tt.wantTimeout {
				t.Errorf("Timeout() = %v, want %v", sqe.Timeout(), tt.wantTimeout)
			}
		})
	}
}

func TestRecommend_StoreErrorsAreNotRetried(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.sync(t, scenario())
	e.vectors.SearchErr = errors.New("index offline")
	e.vectors.ResetCalls()

	_, _ = e.engine(t, recommend.Config{}).Recommend(context.Background(), "A")
	if n := e.vectors.CallCount("Search"); n != 1 {
		t.Errorf("Search calls = %d, want 1", n)
	}
}

func TestRank(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		campaigns []string
		totals    map[string]int64
		want      []string
	}{
		{
			name:      "descending by total",
			campaigns: []string{"c1", "c2", "c3"},
			totals:    map[string]int64{"c1": 5, "c2": 9, "c3": 1},
			want:      []string{"c2", "c1", "c3"},
		},
		{
			name:      "tie at the top keeps arrival order",
			campaigns: []string{"c2", "c1", "c3"},
			totals:    map[string]int64{"c1": 5, "c2": 5, "c3": 2},
			want:      []string{"c2", "c1", "c3"},
		},
		{
			name:      "ties keep traversal order",
			campaigns: []string{"c3", "c1", "c2"},
			totals:    map[string]int64{"c1": 4, "c2": 4, "c3": 4},
			want:      []string{"c3", "c1", "c2"},
		},
		{
			name:      "missing totals score zero",
			campaigns: []string{"c1", "c2"},
			totals:    map[string]int64{"c2": 1},
			want:      []string{"c2", "c1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			refs := make([]store.CampaignRef, len(tt.campaigns))
			for i, id := range tt.campaigns {
				refs[i] = store.CampaignRef{CampaignID: id}
			}
			ranked := recommend.Rank(refs, tt.totals)
			got := make([]string, len(ranked))
			for i, c := range ranked {
				got[i] = c.CampaignID
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("Rank = %v, want %v", got, tt.want)
			}
			if refs[0].CampaignID != tt.campaigns[0] {
				t.Error("Rank must not reorder its input")
			}
		})
	}
}
