// Package embeddings defines the Provider interface for text-embedding
// backends and the error taxonomy the retry policy relies on.
//
// Backends live in sub-packages (gemini, openai, ollama) and a scriptable
// test double in mock. Retry, backoff, rate limiting and fallback are not a
// backend concern; they are layered on top by internal/embedding.
package embeddings

import "context"

// Purpose tells a backend what the produced vector will be used for. Some
// models (Gemini) embed documents and queries into the space differently.
type Purpose string

const (
	// PurposeDocument embeds content that will be stored and searched.
	PurposeDocument Purpose = "document"

	// PurposeQuery embeds a search query compared against stored documents.
	PurposeQuery Purpose = "query"
)

// Provider maps text to a dense vector.
//
// Every vector returned by one Provider has the same length. Failed calls
// should return a [*ProviderError] so that [Classify] can tell rate limiting
// apart from permanent failures.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Embed computes the embedding of text. The text is passed through
	// verbatim.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the vector length this provider produces, or 0 if
	// it is not known before the first call.
	Dimensions() int

	// ModelID returns the backend model identifier, for logs and metrics.
	ModelID() string
}
