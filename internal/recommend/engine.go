// Package recommend answers "what should this user see next" by chaining
// the four stores:
//
//  1. the user's most recent chat message (document store);
//  2. its embedding (query generator);
//  3. the nearest chat messages of other users (vector store);
//  4. the campaigns those users interacted with (graph store);
//  5. the campaigns' interaction totals (analytics store), used to rank.
//
// Store calls run under a per-call timeout and are never retried. A user
// without chat history is an error; an empty neighbourhood or campaign set
// is a normal, explained empty result.
package recommend

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/hybridrec/internal/embedding"
	"github.com/MrWong99/hybridrec/internal/observe"
	"github.com/MrWong99/hybridrec/pkg/store"
)

// ErrNoChatHistory is returned when the user has no chat interaction. It
// wraps [store.ErrNotFound].
var ErrNoChatHistory = fmt.Errorf("recommend: user has no chat history: %w", store.ErrNotFound)

// Soft-result reasons.
const (
	ReasonNoSimilarUsers    = "no similar users found"
	ReasonNoCampaignHistory = "similar users have no campaign history"
)

// Defaults applied by [New].
const (
	DefaultTopK         = 5
	DefaultStoreTimeout = 5 * time.Second
)

// StoreQueryError reports a failed store call.
type StoreQueryError struct {
	// Op names the call, e.g. "documents.find_latest".
	Op  string
	Err error
}

func (e *StoreQueryError) Error() string {
	return fmt.Sprintf("recommend: %s: %v", e.Op, e.Err)
}

func (e *StoreQueryError) Unwrap() error { return e.Err }

// Timeout reports whether the call exceeded its deadline.
func (e *StoreQueryError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// Embedder produces query embeddings. [*embedding.Generator] satisfies it.
type Embedder interface {
	Generate(ctx context.Context, text string) (embedding.Result, error)
}

// Result is the answer to one query.
type Result struct {
	UserID             string              `json:"user_id"`
	BasedOnLastMessage string              `json:"based_on_last_message"`
	SimilarUsersCount  int                 `json:"similar_users_count"`
	Recommendations    []store.CampaignRef `json:"recommendations"`
	Reason             string              `json:"reason,omitempty"`

	// Degraded is set when the query vector came from the fallback source.
	Degraded bool `json:"degraded,omitempty"`
}

// Config tunes an Engine.
type Config struct {
	// TopK is the number of nearest neighbours fetched. Default 5.
	TopK int

	// StoreTimeout bounds every store call. Default 5s.
	StoreTimeout time.Duration

	// Metric selects the vector distance. Default L2.
	Metric store.Metric
}

// Engine answers recommendation queries. It holds no per-request state and
// is safe for concurrent use.
type Engine struct {
	docs      store.DocumentStore
	graph     store.GraphStore
	vectors   store.VectorStore
	analytics store.AnalyticsStore
	embedder  Embedder
	cfg       Config
	metrics   *observe.Metrics
}

// Option is a functional option for [New].
type Option func(*Engine)

// WithMetrics records to m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an Engine.
func New(docs store.DocumentStore, graph store.GraphStore, vectors store.VectorStore, analytics store.AnalyticsStore, embedder Embedder, cfg Config, opts ...Option) (*Engine, error) {
	switch {
	case docs == nil, graph == nil, vectors == nil, analytics == nil:
		return nil, errors.New("recommend: all four stores are required")
	case embedder == nil:
		return nil, errors.New("recommend: embedder must not be nil")
	}
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	if cfg.Metric == "" {
		cfg.Metric = store.MetricL2
	}
	e := &Engine{
		docs:      docs,
		graph:     graph,
		vectors:   vectors,
		analytics: analytics,
		embedder:  embedder,
		cfg:       cfg,
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e, nil
}

// Recommend returns ranked campaigns for userID.
//
// Errors: [ErrNoChatHistory], [embedding.ErrEmbeddingUnavailable],
// [*StoreQueryError], or the context's error.
func (e *Engine) Recommend(ctx context.Context, userID string) (*Result, error) {
	ctx, span := observe.StartSpan(ctx, "recommend", trace.WithAttributes(
		attribute.String("user_id", userID),
	))
	defer span.End()

	res, err := e.recommend(ctx, userID)
	outcome := "ok"
	switch {
	case err != nil:
		outcome = outcomeOf(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case res.Reason != "":
		outcome = "empty"
	case res.Degraded:
		outcome = "degraded"
	}
	e.metrics.RecordRecommendation(ctx, outcome)
	return res, err
}

func (e *Engine) recommend(ctx context.Context, userID string) (*Result, error) {
	log := observe.Logger(ctx).With("user_id", userID)

	// 1. Latest chat message.
	var last *store.InteractionRecord
	err := e.stage(ctx, "history", func(ctx context.Context) error {
		var err error
		last, err = e.docs.FindLatest(ctx,
			store.DocumentFilter{UserID: userID, Type: store.KindChat},
			store.SortByTimestamp, true)
		switch {
		case errors.Is(err, store.ErrNotFound):
			return ErrNoChatHistory
		case err != nil:
			return &StoreQueryError{Op: "documents.find_latest", Err: err}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	res := &Result{
		UserID:             userID,
		BasedOnLastMessage: last.Message,
		Recommendations:    []store.CampaignRef{},
	}

	// 2. Query vector.
	var vec embedding.Result
	err = e.stageNoTimeout(ctx, "embed", func(ctx context.Context) error {
		var err error
		vec, err = e.embedder.Generate(ctx, last.Message)
		return err
	})
	if err != nil {
		return nil, err
	}
	res.Degraded = vec.Fallback

	// 3. Nearest neighbours, self excluded, deduplicated in rank order.
	var similar []string
	err = e.stage(ctx, "search", func(ctx context.Context) error {
		hits, err := e.vectors.Search(ctx, vec.Vector, e.cfg.TopK, e.cfg.Metric)
		if err != nil {
			return &StoreQueryError{Op: "vectors.search", Err: err}
		}
		similar = similarUsers(hits, userID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.SimilarUsersCount = len(similar)
	if len(similar) == 0 {
		res.Reason = ReasonNoSimilarUsers
		log.Debug("no similar users")
		return res, nil
	}

	// 4. Campaigns reachable from similar users.
	var campaigns []store.CampaignRef
	err = e.stage(ctx, "traverse", func(ctx context.Context) error {
		var err error
		campaigns, err = e.graph.CampaignsForUsers(ctx, similar)
		if err != nil {
			return &StoreQueryError{Op: "graph.campaigns_for_users", Err: err}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(campaigns) == 0 {
		res.Reason = ReasonNoCampaignHistory
		return res, nil
	}

	// 5. Rank by popularity.
	err = e.stage(ctx, "rank", func(ctx context.Context) error {
		ids := make([]string, len(campaigns))
		for i, c := range campaigns {
			ids[i] = c.CampaignID
		}
		totals, err := e.analytics.GetMany(ctx, ids)
		if err != nil {
			return &StoreQueryError{Op: "analytics.get_many", Err: err}
		}
		res.Recommendations = Rank(campaigns, totals)
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Debug("recommendations ready",
		"similar_users", len(similar),
		"campaigns", len(res.Recommendations),
		"degraded", res.Degraded,
	)
	return res, nil
}

// stage runs fn in a child span under the store timeout.
func (e *Engine) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()
	return e.stageNoTimeout(ctx, name, fn)
}

func (e *Engine) stageNoTimeout(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := observe.StartSpan(ctx, "recommend."+name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	e.metrics.RecordStage(ctx, name, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// similarUsers returns the distinct user ids of hits in rank order,
// excluding self.
func similarUsers(hits []store.VectorHit, self string) []string {
	seen := make(map[string]bool, len(hits))
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		if h.UserID == self || seen[h.UserID] {
			continue
		}
		seen[h.UserID] = true
		out = append(out, h.UserID)
	}
	return out
}

// Rank orders campaigns by total descending. Ties keep traversal order;
// campaigns missing from totals score 0.
func Rank(campaigns []store.CampaignRef, totals map[string]int64) []store.CampaignRef {
	out := slices.Clone(campaigns)
	slices.SortStableFunc(out, func(a, b store.CampaignRef) int {
		return cmp.Compare(totals[b.CampaignID], totals[a.CampaignID])
	})
	return out
}

func outcomeOf(err error) string {
	var sqe *StoreQueryError
	switch {
	case errors.Is(err, ErrNoChatHistory):
		return "no_history"
	case errors.Is(err, embedding.ErrEmbeddingUnavailable):
		return "embedding_unavailable"
	case errors.As(err, &sqe) && sqe.Timeout():
		return "store_timeout"
	case errors.As(err, &sqe):
		return "store_error"
	default:
		return "error"
	}
}
