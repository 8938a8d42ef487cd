package embedding

import (
	"math/rand/v2"
	"sync"
)

// DefaultFallbackRange bounds each component of a fallback vector to
// [-0.1, +0.1].
const DefaultFallbackRange = 0.1

// FallbackSource produces a placeholder vector when the provider cannot.
// Implementations must be safe for concurrent use.
type FallbackSource interface {
	Vector(dims int) []float32
}

// SeededFallback draws components uniformly from [-Range, +Range] using a
// seeded PCG generator, so runs are reproducible for a given seed.
type SeededFallback struct {
	mu    sync.Mutex
	rng   *rand.Rand
	scale float64
}

var _ FallbackSource = (*SeededFallback)(nil)

// NewSeededFallback returns a fallback source seeded with seed whose
// components lie in [-bound, +bound]. A non-positive bound selects
// [DefaultFallbackRange].
func NewSeededFallback(seed uint64, bound float64) *SeededFallback {
	if bound <= 0 {
		bound = DefaultFallbackRange
	}
	return &SeededFallback{
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		scale: bound,
	}
}

// Vector implements [FallbackSource].
func (f *SeededFallback) Vector(dims int) []float32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]float32, dims)
	for i := range out {
		out[i] = float32((f.rng.Float64()*2 - 1) * f.scale)
	}
	return out
}

// Range returns the configured bound.
func (f *SeededFallback) Range() float64 { return f.scale }
