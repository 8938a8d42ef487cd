// Package resilience guards embedding backends with a circuit breaker so
// that a failing provider is short-circuited instead of hammered.
//
// [Provider] decorates any [embeddings.Provider]. While the breaker is open
// every call fails fast with [ErrCircuitOpen], which callers treat as a
// fatal provider error and answer with a fallback vector.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/MrWong99/hybridrec/pkg/provider/embeddings"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig holds tuning knobs for the breaker.
type BreakerConfig struct {
	// Name labels log lines and metrics.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before letting probe
	// calls through. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probe calls allowed while half-open.
	// Default: 1.
	HalfOpenMax int

	// OnStateChange, when set, is called after every transition.
	OnStateChange func(name string, from, to gobreaker.State)
}

func (c *BreakerConfig) defaults() {
	if c.Name == "" {
		c.Name = "embeddings"
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = 1
	}
}

var _ embeddings.Provider = (*Provider)(nil)

// Provider wraps an embeddings backend with a circuit breaker.
type Provider struct {
	inner embeddings.Provider
	cb    *gobreaker.CircuitBreaker[[]float32]
}

// NewProvider wraps inner with a breaker configured by cfg.
func NewProvider(inner embeddings.Provider, cfg BreakerConfig) *Provider {
	cfg.defaults()
	maxFailures := uint32(cfg.MaxFailures)

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: uint32(cfg.HalfOpenMax),
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		// A caller that gave up says nothing about the backend's health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("embedding circuit breaker state change",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(name, from, to)
			}
		},
	}

	return &Provider{
		inner: inner,
		cb:    gobreaker.NewCircuitBreaker[[]float32](settings),
	}
}

// Embed implements [embeddings.Provider].
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := p.cb.Execute(func() ([]float32, error) {
		return p.inner.Embed(ctx, text)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, p.cb.Name())
	}
	return vec, err
}

// Dimensions implements [embeddings.Provider].
func (p *Provider) Dimensions() int { return p.inner.Dimensions() }

// ModelID implements [embeddings.Provider].
func (p *Provider) ModelID() string { return p.inner.ModelID() }

// State returns the breaker's current state.
func (p *Provider) State() gobreaker.State { return p.cb.State() }
