// Package mock provides a scriptable test double for [embeddings.Provider].
//
// Responses are chosen in this order: the next entry of Script (if any),
// then EmbedFunc, then Vectors[text], then Vector. Err, when set, fails
// every call that is not covered by Script.
//
//	p := &mock.Provider{
//	    Script: []error{embeddings.ErrRateLimited, nil},
//	    Vector: []float32{0.1, 0.2, 0.3},
//	    DimensionsValue: 3,
//	}
//	_, err := p.Embed(ctx, "hi") // rate limited
//	vec, _ := p.Embed(ctx, "hi") // Vector
package mock

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/hybridrec/pkg/provider/embeddings"
)

var _ embeddings.Provider = (*Provider)(nil)

// EmbedCall records a single invocation of Embed.
type EmbedCall struct {
	Text string
	At   time.Time
}

// Provider is a mock implementation of [embeddings.Provider].
type Provider struct {
	mu sync.Mutex

	// Script lists per-call outcomes consumed in order: a non-nil entry
	// fails that call, a nil entry lets it succeed.
	Script []error

	// Err fails every call once Script is exhausted.
	Err error

	// EmbedFunc computes the vector when set.
	EmbedFunc func(text string) []float32

	// Vectors maps input text to a fixed vector.
	Vectors map[string][]float32

	// Vector is the default successful result.
	Vector []float32

	// Delay blocks each call for the duration or until ctx is done.
	Delay time.Duration

	// DimensionsValue is returned by Dimensions.
	DimensionsValue int

	// ModelIDValue is returned by ModelID.
	ModelIDValue string

	calls []EmbedCall
}

// Embed implements [embeddings.Provider].
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	p.calls = append(p.calls, EmbedCall{Text: text, At: time.Now()})
	var scripted error
	hasScript := len(p.Script) > 0
	if hasScript {
		scripted = p.Script[0]
		p.Script = p.Script[1:]
	}
	delay := p.Delay
	p.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if scripted != nil {
		return nil, scripted
	}
	if !hasScript && p.Err != nil {
		return nil, p.Err
	}
	switch {
	case p.EmbedFunc != nil:
		return p.EmbedFunc(text), nil
	case p.Vectors[text] != nil:
		return slices.Clone(p.Vectors[text]), nil
	default:
		return slices.Clone(p.Vector), nil
	}
}

// Dimensions implements [embeddings.Provider].
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.DimensionsValue
}

// ModelID implements [embeddings.Provider].
func (p *Provider) ModelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ModelIDValue == "" {
		return "mock-embed"
	}
	return p.ModelIDValue
}

// Calls returns a copy of all recorded Embed invocations.
func (p *Provider) Calls() []EmbedCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.calls)
}

// CallCount returns the number of Embed invocations.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// Reset clears recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = nil
}
