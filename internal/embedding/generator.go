// Package embedding turns text into fixed-dimension vectors on top of an
// unreliable [embeddings.Provider].
//
// A [Generator] owns the whole failure policy: it waits on a shared rate
// limiter before every attempt, retries rate-limited calls with a linear
// backoff, gives up immediately on any other error, and finally substitutes
// a fallback vector so that callers always receive a vector of the
// configured dimension. A fallback is never silent: it is reported in
// [Result.Fallback], counted in the hybridrec.embedding.fallbacks metric and
// logged at WARN.
//
// The synchroniser and the query path each get their own Generator so that
// their retry budgets can differ.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/MrWong99/hybridrec/internal/observe"
	"github.com/MrWong99/hybridrec/pkg/provider/embeddings"
)

// ErrEmbeddingUnavailable is returned when no vector can be produced: the
// provider failed and fallback is disabled or produced a malformed vector.
var ErrEmbeddingUnavailable = errors.New("embedding: unavailable")

// errWrongDimensions marks a provider vector of the wrong length.
var errWrongDimensions = errors.New("provider returned wrong vector length")

// Policy is a retry budget.
type Policy struct {
	// MaxAttempts is the total number of provider calls, at least 1.
	MaxAttempts int

	// Backoff is multiplied by the attempt number to get the wait before
	// the next attempt after a rate-limited call.
	Backoff time.Duration
}

// Retry budgets used by the two call sites.
var (
	SyncPolicy  = Policy{MaxAttempts: 1, Backoff: 10 * time.Second}
	QueryPolicy = Policy{MaxAttempts: 2, Backoff: 2 * time.Second}
)

// Result is the outcome of [Generator.Generate].
type Result struct {
	// Vector always has the generator's dimension.
	Vector []float32

	// Fallback is true when Vector came from the fallback source.
	Fallback bool

	// Attempts is the number of provider calls made.
	Attempts int

	// Cause is the last provider error when Fallback is true.
	Cause error
}

// Generator produces embeddings with retry and fallback. It is safe for
// concurrent use.
type Generator struct {
	provider       embeddings.Provider
	providerName   string
	purpose        embeddings.Purpose
	dims           int
	limiter        *rate.Limiter
	policy         Policy
	attemptTimeout time.Duration
	fallback       FallbackSource
	metrics        *observe.Metrics
}

// Option is a functional option for [New].
type Option func(*Generator)

// WithLimiter shares limiter between generators. Every attempt waits on it.
func WithLimiter(l *rate.Limiter) Option {
	return func(g *Generator) { g.limiter = l }
}

// WithPolicy sets the retry budget. Default: [QueryPolicy].
func WithPolicy(p Policy) Option {
	return func(g *Generator) { g.policy = p }
}

// WithAttemptTimeout bounds each provider call. Zero disables the bound.
func WithAttemptTimeout(d time.Duration) Option {
	return func(g *Generator) { g.attemptTimeout = d }
}

// WithFallback sets the fallback source. A nil source disables fallback.
func WithFallback(f FallbackSource) Option {
	return func(g *Generator) { g.fallback = f }
}

// WithPurpose labels metrics and logs with the call site.
func WithPurpose(p embeddings.Purpose) Option {
	return func(g *Generator) { g.purpose = p }
}

// WithProviderName labels metrics with the backend name.
func WithProviderName(name string) Option {
	return func(g *Generator) { g.providerName = name }
}

// WithMetrics records to m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Generator) { g.metrics = m }
}

// New creates a Generator producing vectors of length dims.
func New(p embeddings.Provider, dims int, opts ...Option) (*Generator, error) {
	if p == nil {
		return nil, errors.New("embedding: provider must not be nil")
	}
	if dims <= 0 {
		return nil, fmt.Errorf("embedding: dimensions must be positive, got %d", dims)
	}

	g := &Generator{
		provider:     p,
		providerName: p.ModelID(),
		purpose:      embeddings.PurposeQuery,
		dims:         dims,
		limiter:      rate.NewLimiter(rate.Inf, 1),
		policy:       QueryPolicy,
		fallback:     NewSeededFallback(uint64(time.Now().UnixNano()), DefaultFallbackRange),
	}
	for _, o := range opts {
		o(g)
	}
	if g.policy.MaxAttempts < 1 {
		g.policy.MaxAttempts = 1
	}
	if g.limiter == nil {
		g.limiter = rate.NewLimiter(rate.Inf, 1)
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	return g, nil
}

// Dimensions returns the vector length every Result carries.
func (g *Generator) Dimensions() int { return g.dims }

// Generate embeds text. Provider failures never surface as errors while
// fallback is enabled; an error is returned only when ctx ends or when
// [ErrEmbeddingUnavailable] applies.
func (g *Generator) Generate(ctx context.Context, text string) (Result, error) {
	log := observe.Logger(ctx)

	var (
		cause    error
		attempts int
	)
	for attempt := 1; attempt <= g.policy.MaxAttempts; attempt++ {
		if err := g.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return Result{}, fmt.Errorf("embedding: wait for rate limiter: %w", ctx.Err())
			}
			// Burst too small for a single token: a configuration problem,
			// not a provider failure.
			cause = err
			break
		}

		attempts = attempt
		vec, err := g.call(ctx, text)
		if err == nil {
			return Result{Vector: vec, Attempts: attempts}, nil
		}
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("embedding: %w", ctx.Err())
		}
		cause = err

		if embeddings.Classify(err) != embeddings.TransientProviderError || attempt == g.policy.MaxAttempts {
			break
		}

		wait := g.policy.Backoff * time.Duration(attempt)
		log.Debug("embedding rate limited, backing off",
			"purpose", g.purpose,
			"attempt", attempt,
			"backoff", wait,
		)
		if err := sleep(ctx, wait); err != nil {
			return Result{}, fmt.Errorf("embedding: backoff: %w", err)
		}
	}

	return g.useFallback(ctx, attempts, cause)
}

// call runs one provider attempt under the attempt timeout and validates
// the vector length.
func (g *Generator) call(ctx context.Context, text string) ([]float32, error) {
	actx := ctx
	if g.attemptTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, g.attemptTimeout)
		defer cancel()
	}

	start := time.Now()
	vec, err := g.provider.Embed(actx, text)
	if err == nil && len(vec) != g.dims {
		err = &embeddings.ProviderError{
			Provider: g.providerName,
			Err:      fmt.Errorf("%w: got %d, want %d", errWrongDimensions, len(vec), g.dims),
		}
	}
	g.metrics.RecordEmbeddingAttempt(ctx, g.providerName, string(g.purpose), embeddings.StatusLabel(err), time.Since(start))
	return vec, err
}

func (g *Generator) useFallback(ctx context.Context, attempts int, cause error) (Result, error) {
	if g.fallback == nil {
		return Result{}, fmt.Errorf("%w: fallback disabled: %w", ErrEmbeddingUnavailable, cause)
	}
	vec := g.fallback.Vector(g.dims)
	if len(vec) != g.dims {
		return Result{}, fmt.Errorf("%w: fallback produced %d dimensions, want %d: %w",
			ErrEmbeddingUnavailable, len(vec), g.dims, cause)
	}

	g.metrics.RecordFallback(ctx, string(g.purpose))
	observe.Logger(ctx).Warn("embedding provider failed, using fallback vector",
		"purpose", g.purpose,
		"provider", g.providerName,
		"attempts", attempts,
		"err", cause,
	)
	return Result{Vector: vec, Fallback: true, Attempts: attempts, Cause: cause}, nil
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
