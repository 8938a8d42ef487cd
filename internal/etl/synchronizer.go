// Package etl populates the four stores from source batches.
//
// A [Synchronizer] run walks a fixed sequence of stages:
//
//	Init → LoadBatches → SyncEntities → ProcessInteractions →
//	PersistBatches → AggregateAnalytics → Done
//
// and moves to Failed from any stage on an unrecoverable error. Graph nodes
// are upserted for every user and campaign before any edge is written.
// Raw documents and vectors are staged in memory and written in bulk;
// per-campaign counts are accumulated and applied in one additive
// transaction at the end.
//
// Only one run executes at a time per Synchronizer.
package etl

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/hybridrec/internal/embedding"
	"github.com/MrWong99/hybridrec/internal/observe"
	"github.com/MrWong99/hybridrec/pkg/store"
)

// ErrRunInProgress is returned by [Synchronizer.Run] while another run is
// executing.
var ErrRunInProgress = errors.New("etl: a sync run is already in progress")

// State is a synchroniser stage.
type State string

const (
	StateInit                State = "init"
	StateLoadBatches         State = "load_batches"
	StateSyncEntities        State = "sync_entities"
	StateProcessInteractions State = "process_interactions"
	StatePersistBatches      State = "persist_batches"
	StateAggregateAnalytics  State = "aggregate_analytics"
	StateDone                State = "done"
	StateFailed              State = "failed"
)

// StageError records the stage at which a run failed.
type StageError struct {
	Stage State
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("etl: stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Embedder produces document embeddings. [*embedding.Generator] satisfies
// it.
type Embedder interface {
	Generate(ctx context.Context, text string) (embedding.Result, error)
}

// Stores bundles the four store handles a run writes to.
type Stores struct {
	Documents store.DocumentStore
	Graph     store.GraphStore
	Vectors   store.VectorStore
	Analytics store.AnalyticsStore
}

func (s Stores) validate() error {
	var errs []error
	if s.Documents == nil {
		errs = append(errs, errors.New("documents store must not be nil"))
	}
	if s.Graph == nil {
		errs = append(errs, errors.New("graph store must not be nil"))
	}
	if s.Vectors == nil {
		errs = append(errs, errors.New("vector store must not be nil"))
	}
	if s.Analytics == nil {
		errs = append(errs, errors.New("analytics store must not be nil"))
	}
	return errors.Join(errs...)
}

// Config tunes a Synchronizer.
type Config struct {
	// Workers bounds concurrent embedding calls. Default 1.
	Workers int

	// ProgressEvery logs progress after this many interactions. Default 20.
	ProgressEvery int

	// ResetVectors truncates the vector store at the start of each run.
	ResetVectors bool
}

// Synchronizer runs ETL batches against a fixed set of stores.
type Synchronizer struct {
	runMu sync.Mutex

	stores   Stores
	embedder Embedder
	cfg      Config
	metrics  *observe.Metrics

	stateMu sync.RWMutex
	state   State
}

// Option is a functional option for [New].
type Option func(*Synchronizer)

// WithMetrics records to m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Synchronizer) { s.metrics = m }
}

// New creates a Synchronizer.
func New(stores Stores, embedder Embedder, cfg Config, opts ...Option) (*Synchronizer, error) {
	if err := stores.validate(); err != nil {
		return nil, fmt.Errorf("etl: %w", err)
	}
	if embedder == nil {
		return nil, errors.New("etl: embedder must not be nil")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = 20
	}
	s := &Synchronizer{
		stores:   stores,
		embedder: embedder,
		cfg:      cfg,
		state:    StateInit,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s, nil
}

// State returns the stage of the current or last run.
func (s *Synchronizer) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

func (s *Synchronizer) setState(st State) {
	s.stateMu.Lock()
	s.state = st
	s.stateMu.Unlock()
}

// run is the mutable state of one execution.
type run struct {
	report  *Report
	batch   *Batch
	docs    []store.InteractionRecord
	vectors store.VectorBatch
	counts  store.CampaignCounts
}

// Run executes one sync run over the batch supplied by src. On failure the
// returned report carries State == StateFailed and the error is a
// [*StageError].
func (s *Synchronizer) Run(ctx context.Context, src Source) (*Report, error) {
	if !s.runMu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer s.runMu.Unlock()

	r := &run{
		report: &Report{RunID: uuid.NewString(), StartedAt: time.Now()},
		counts: make(store.CampaignCounts),
	}

	ctx, span := observe.StartSpan(ctx, "etl.run", trace.WithAttributes(
		attribute.String("run_id", r.report.RunID),
	))
	defer span.End()

	log := observe.Logger(ctx).With("run_id", r.report.RunID)
	log.Info("sync run started")

	stages := []struct {
		state State
		fn    func(context.Context, *run, Source) error
	}{
		{StateInit, s.connect},
		{StateLoadBatches, s.loadBatches},
		{StateSyncEntities, s.syncEntities},
		{StateProcessInteractions, s.processInteractions},
		{StatePersistBatches, s.persistBatches},
		{StateAggregateAnalytics, s.aggregateAnalytics},
	}
	for _, st := range stages {
		s.setState(st.state)
		r.report.State = st.state
		log.Debug("sync stage", "stage", st.state)
		if err := st.fn(ctx, r, src); err != nil {
			r.report.Duration = time.Since(r.report.StartedAt)
			r.report.State = StateFailed
			s.setState(StateFailed)
			s.metrics.RecordSyncRun(ctx, string(StateFailed), r.report.Duration)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			log.Error("sync run failed", "stage", st.state, "err", err)
			return r.report, &StageError{Stage: st.state, Err: err}
		}
	}

	r.report.Counters = r.counts
	r.report.Duration = time.Since(r.report.StartedAt)
	r.report.State = StateDone
	s.setState(StateDone)
	s.metrics.RecordSyncRun(ctx, string(StateDone), r.report.Duration)
	log.Info("sync run finished",
		"duration", r.report.Duration,
		"interactions", r.report.Interactions,
		"vectors", r.report.Vectors,
		"fallbacks", r.report.Fallbacks,
	)
	return r.report, nil
}

// connect verifies every store is reachable and optionally resets vectors.
func (s *Synchronizer) connect(ctx context.Context, _ *run, _ Source) error {
	if err := PingAll(ctx, s.stores); err != nil {
		return err
	}
	if s.cfg.ResetVectors {
		if err := s.stores.Vectors.Reset(ctx); err != nil {
			return fmt.Errorf("reset vectors: %w", err)
		}
		observe.Logger(ctx).Info("vector store reset")
	}
	return nil
}

// PingAll pings the four stores concurrently. A failure is reported as a
// [*store.ConnectivityError].
func PingAll(ctx context.Context, stores Stores) error {
	pingers := []struct {
		name string
		ping func(context.Context) error
	}{
		{"documents", stores.Documents.Ping},
		{"graph", stores.Graph.Ping},
		{"vectors", stores.Vectors.Ping},
		{"analytics", stores.Analytics.Ping},
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range pingers {
		g.Go(func() error {
			err := p.ping(gctx)
			if err == nil {
				return nil
			}
			var ce *store.ConnectivityError
			if errors.As(err, &ce) {
				return ce
			}
			return &store.ConnectivityError{Store: p.name, Err: err}
		})
	}
	return g.Wait()
}

func (s *Synchronizer) loadBatches(ctx context.Context, r *run, src Source) error {
	if src == nil {
		return errors.New("source must not be nil")
	}
	b, err := src.Load(ctx)
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}
	if err := b.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}
	r.batch = b
	log := observe.Logger(ctx)
	for _, w := range b.Warnings() {
		log.Warn("interaction will not be embedded", "err", w)
		r.report.Warnings++
	}
	log.Info("batch loaded",
		"users", len(b.Users),
		"campaigns", len(b.Campaigns),
		"interactions", len(b.Interactions),
	)
	return nil
}

// syncEntities merges every user, then every campaign, into the graph.
func (s *Synchronizer) syncEntities(ctx context.Context, r *run, _ Source) error {
	for _, u := range r.batch.Users {
		if err := s.stores.Graph.UpsertNode(ctx, store.LabelUser, u.ID, nodeProps(u.Attributes, "user_id", u.ID, u.Name)); err != nil {
			return fmt.Errorf("upsert user %s: %w", u.ID, err)
		}
		r.report.Users++
	}
	for _, c := range r.batch.Campaigns {
		if err := s.stores.Graph.UpsertNode(ctx, store.LabelCampaign, c.ID, nodeProps(c.Attributes, "campaign_id", c.ID, c.Name)); err != nil {
			return fmt.Errorf("upsert campaign %s: %w", c.ID, err)
		}
		r.report.Campaigns++
	}
	return nil
}

func nodeProps(attrs map[string]any, idKey, id, name string) map[string]any {
	props := make(map[string]any, len(attrs)+2)
	maps.Copy(props, attrs)
	props[idKey] = id
	if name != "" {
		props["name"] = name
	}
	return props
}

// processInteractions stages documents, writes edges and counts in input
// order, and embeds chat messages on a bounded worker pool.
func (s *Synchronizer) processInteractions(ctx context.Context, r *run, _ Source) error {
	log := observe.Logger(ctx)
	interactions := r.batch.Interactions
	total := len(interactions)
	results := make([]*embedding.Result, total)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)

	var loopErr error
	for i, rec := range interactions {
		r.docs = append(r.docs, rec)

		edge := store.Edge{
			EdgeID:    rec.InteractionID,
			FromLabel: store.LabelUser,
			FromKey:   rec.UserID,
			ToLabel:   store.LabelCampaign,
			ToKey:     rec.CampaignID,
			Type:      store.EdgeInteracted,
			Properties: map[string]any{
				"type":      string(rec.Type),
				"timestamp": rec.Timestamp.Format(time.RFC3339Nano),
			},
		}
		if err := s.stores.Graph.UpsertEdge(gctx, edge); err != nil {
			loopErr = fmt.Errorf("upsert edge %s: %w", rec.InteractionID, err)
			break
		}
		r.report.Edges++

		if rec.Type == store.KindChat && rec.Message != "" {
			g.Go(func() error {
				res, err := s.embedder.Generate(gctx, rec.Message)
				if err != nil {
					return fmt.Errorf("embed interaction %s: %w", rec.InteractionID, err)
				}
				results[i] = &res
				return nil
			})
		}

		r.counts.Add(rec.CampaignID, 1)
		r.report.Interactions++
		s.metrics.SyncInteractions.Add(ctx, 1)
		if n := i + 1; n%s.cfg.ProgressEvery == 0 {
			log.Info("sync progress", "processed", n, "total", total)
		}
	}

	// An embedding failure cancels gctx, so its error takes precedence over
	// the edge error it may have caused.
	if err := g.Wait(); err != nil {
		return err
	}
	if loopErr != nil {
		return loopErr
	}

	for i, res := range results {
		if res == nil {
			continue
		}
		rec := interactions[i]
		r.vectors.Append(rec.InteractionID, rec.UserID, rec.InteractionID, res.Vector)
		if res.Fallback {
			r.report.Fallbacks++
		}
	}
	return nil
}

// persistBatches issues one bulk write per store. Empty batches are skipped.
func (s *Synchronizer) persistBatches(ctx context.Context, r *run, _ Source) error {
	log := observe.Logger(ctx)
	if len(r.docs) > 0 {
		if err := s.stores.Documents.PutBatch(ctx, r.docs); err != nil {
			return fmt.Errorf("put documents: %w", err)
		}
		r.report.Documents = len(r.docs)
		log.Info("documents written", "count", len(r.docs))
	}
	if r.vectors.Len() > 0 {
		if err := s.stores.Vectors.UpsertBatch(ctx, r.vectors); err != nil {
			return fmt.Errorf("upsert vectors: %w", err)
		}
		r.report.Vectors = r.vectors.Len()
		log.Info("vectors written", "count", r.vectors.Len())
	}
	return nil
}

func (s *Synchronizer) aggregateAnalytics(ctx context.Context, r *run, _ Source) error {
	if len(r.counts) == 0 {
		return nil
	}
	if err := s.stores.Analytics.IncrementMany(ctx, r.counts); err != nil {
		return fmt.Errorf("increment analytics: %w", err)
	}
	observe.Logger(ctx).Info("analytics updated", "campaigns", len(r.counts), "interactions", r.counts.Total())
	return nil
}
