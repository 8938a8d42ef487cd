// Package app wires all hybridrec subsystems into a running application.
//
// The App struct owns the full lifecycle: New opens the stores and builds the
// embedding, sync and recommendation layers, Run serves HTTP until the
// context is cancelled, Sync executes one ETL run, and Shutdown tears
// everything down in reverse order.
//
// For testing, inject store doubles via [WithStores]. When an option is not
// provided, New connects to the backends named in the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/MrWong99/hybridrec/internal/api"
	"github.com/MrWong99/hybridrec/internal/config"
	"github.com/MrWong99/hybridrec/internal/embedding"
	"github.com/MrWong99/hybridrec/internal/etl"
	"github.com/MrWong99/hybridrec/internal/health"
	"github.com/MrWong99/hybridrec/internal/observe"
	"github.com/MrWong99/hybridrec/internal/recommend"
	"github.com/MrWong99/hybridrec/internal/resilience"
	"github.com/MrWong99/hybridrec/pkg/provider/embeddings"
	"github.com/MrWong99/hybridrec/pkg/store/postgres"
	"github.com/MrWong99/hybridrec/pkg/store/sqlite"
)

// Providers holds the embedding backends. Populated by main.go via the
// config registry. Document embeds interactions during sync, Query embeds
// the last message of a recommendation request. Both must produce vectors
// of the configured dimension.
type Providers struct {
	Document embeddings.Provider
	Query    embeddings.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics

	metricsHandler http.Handler

	// Subsystems — initialised in New, torn down in Shutdown.
	stores   etl.Stores
	limiter  *rate.Limiter
	syncGen  *embedding.Generator
	queryGen *embedding.Generator
	syncer   *etl.Synchronizer
	engine   *recommend.Engine
	health   *health.Handler
	handler  http.Handler

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStores injects store handles instead of connecting to the configured
// backends. Injected stores are not closed by Shutdown.
func WithStores(s etl.Stores) Option {
	return func(a *App) { a.stores = s }
}

// WithMetrics records to m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// On error every resource opened so far is released.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Document == nil || providers.Query == nil {
		return nil, errors.New("app: document and query embedding providers are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Stores ────────────────────────────────────────────────────────
	if err := a.initStores(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init stores: %w", err)
	}

	// ── 2. Embedding generators ──────────────────────────────────────────
	if err := a.initEmbedding(); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init embedding: %w", err)
	}

	// ── 3. Synchronizer + engine ─────────────────────────────────────────
	var err error
	a.syncer, err = etl.New(a.stores, a.syncGen, etl.Config{
		Workers:       cfg.Sync.Workers,
		ProgressEvery: cfg.Sync.ProgressEvery,
		ResetVectors:  cfg.Sync.ResetVectors,
	}, etl.WithMetrics(a.metrics))
	if err != nil {
		a.close()
		return nil, fmt.Errorf("app: init synchronizer: %w", err)
	}

	a.engine, err = recommend.New(a.stores.Documents, a.stores.Graph, a.stores.Vectors, a.stores.Analytics, a.queryGen, recommend.Config{
		TopK:         cfg.Recommend.TopK,
		StoreTimeout: cfg.Recommend.StoreTimeout,
	}, recommend.WithMetrics(a.metrics))
	if err != nil {
		a.close()
		return nil, fmt.Errorf("app: init engine: %w", err)
	}

	// ── 4. HTTP surface ──────────────────────────────────────────────────
	a.health = health.New(
		health.Checker{Name: "documents", Check: a.stores.Documents.Ping},
		health.Checker{Name: "graph", Check: a.stores.Graph.Ping},
		health.Checker{Name: "vectors", Check: a.stores.Vectors.Ping},
		health.Checker{Name: "analytics", Check: a.stores.Analytics.Ping},
	)
	a.handler = api.NewRouter(api.Deps{
		Recommender:    a.engine,
		Health:         a.health,
		Metrics:        a.metrics,
		MetricsHandler: a.metricsHandler,
	})

	return a, nil
}

// initStores connects to the configured backends for every store slot that
// was not injected.
func (a *App) initStores(ctx context.Context) error {
	sc := a.cfg.Stores

	if a.stores.Documents == nil {
		s, err := postgres.NewDocumentStore(ctx, sc.DocumentsDSN)
		if err != nil {
			return err
		}
		a.stores.Documents = s
		a.closers = append(a.closers, closeFn(s.Close))
	}
	if a.stores.Graph == nil {
		s, err := postgres.NewGraphStore(ctx, sc.GraphDSN)
		if err != nil {
			return err
		}
		a.stores.Graph = s
		a.closers = append(a.closers, closeFn(s.Close))
	}
	if a.stores.Vectors == nil {
		s, err := postgres.NewVectorStore(ctx, sc.VectorsDSN, a.cfg.Embedding.Dimensions)
		if err != nil {
			return err
		}
		a.stores.Vectors = s
		a.closers = append(a.closers, closeFn(s.Close))
	}
	if a.stores.Analytics == nil {
		s, err := sqlite.Open(ctx, sc.AnalyticsPath)
		if err != nil {
			return err
		}
		a.stores.Analytics = s
		a.closers = append(a.closers, closeFn(s.Close))
	}
	slog.Info("stores ready", "analytics_path", sc.AnalyticsPath)
	return nil
}

func closeFn(f func()) func() error {
	return func() error {
		f()
		return nil
	}
}

// initEmbedding wraps both providers in circuit breakers and builds the two
// generators. They share one rate limiter, so sync and queries draw from the
// same provider quota.
func (a *App) initEmbedding() error {
	ec := a.cfg.Embedding
	a.limiter = NewLimiter(ec.RateLimit)

	onState := func(name string, _, to gobreaker.State) {
		a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
	}

	var fallback embedding.FallbackSource
	if ec.Fallback.IsEnabled() {
		seed := ec.Fallback.Seed
		if seed == 0 {
			seed = uint64(time.Now().UnixNano())
		}
		fallback = embedding.NewSeededFallback(seed, ec.Fallback.Range)
	}

	build := func(p embeddings.Provider, purpose embeddings.Purpose, pol config.RetryPolicy) (*embedding.Generator, error) {
		wrapped := resilience.NewProvider(p, resilience.BreakerConfig{
			Name:          "embeddings-" + string(purpose),
			MaxFailures:   ec.Breaker.MaxFailures,
			ResetTimeout:  ec.Breaker.ResetTimeout,
			OnStateChange: onState,
		})
		return embedding.New(wrapped, ec.Dimensions,
			embedding.WithLimiter(a.limiter),
			embedding.WithPolicy(embedding.Policy{MaxAttempts: pol.MaxAttempts, Backoff: pol.Backoff}),
			embedding.WithAttemptTimeout(ec.AttemptTimeout),
			embedding.WithFallback(fallback),
			embedding.WithPurpose(purpose),
			embedding.WithProviderName(ec.Provider.Name),
			embedding.WithMetrics(a.metrics),
		)
	}

	var err error
	if a.syncGen, err = build(a.providers.Document, embeddings.PurposeDocument, ec.SyncPolicy); err != nil {
		return err
	}
	if a.queryGen, err = build(a.providers.Query, embeddings.PurposeQuery, ec.QueryPolicy); err != nil {
		return err
	}
	return nil
}

// NewLimiter builds the shared embedding rate limiter. A non-positive rate
// disables limiting.
func NewLimiter(cfg config.RateLimitConfig) *rate.Limiter {
	if cfg.RequestsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := max(cfg.Burst, 1)
	return rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler serving the public routes.
func (a *App) Handler() http.Handler { return a.handler }

// Engine returns the recommendation engine.
func (a *App) Engine() *recommend.Engine { return a.engine }

// ─── Sync ────────────────────────────────────────────────────────────────────

// Sync executes one ETL run reading from src.
func (a *App) Sync(ctx context.Context, src etl.Source) (*etl.Report, error) {
	return a.syncer.Run(ctx, src)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on the configured address and blocks until ctx is
// cancelled. The server is drained gracefully before Run returns.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is like [App.Run] on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadTimeout:       a.cfg.Server.ReadTimeout,
		ReadHeaderTimeout: a.cfg.Server.ReadTimeout,
		WriteTimeout:      a.cfg.Server.WriteTimeout,
		// Requests outlive ctx so Shutdown can drain them.
		BaseContext: func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	slog.Info("http server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("app: http shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("app: serve: %w", err)
	}
	return nil
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown releases all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// close releases partially initialised resources after a failed New.
func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
	a.closers = nil
}
