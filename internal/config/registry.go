package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/hybridrec/pkg/provider/embeddings"
)

// ErrProviderNotRegistered is returned by [Registry.CreateEmbeddings] when no
// factory has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// EmbeddingsFactory builds an embeddings backend for the given purpose.
type EmbeddingsFactory func(entry ProviderEntry, purpose embeddings.Purpose) (embeddings.Provider, error)

// Registry maps provider names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	embeddings map[string]EmbeddingsFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{embeddings: make(map[string]EmbeddingsFactory)}
}

// RegisterEmbeddings registers an embeddings provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterEmbeddings(name string, factory EmbeddingsFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddings[name] = factory
}

// CreateEmbeddings instantiates the embeddings provider named by entry.Name.
// Returns [ErrProviderNotRegistered] if no factory is registered for that name.
func (r *Registry) CreateEmbeddings(entry ProviderEntry, purpose embeddings.Purpose) (embeddings.Provider, error) {
	r.mu.RLock()
	f, ok := r.embeddings[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: embeddings/%q", ErrProviderNotRegistered, entry.Name)
	}
	return f(entry, purpose)
}

// Names returns the registered embeddings provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.embeddings))
	for n := range r.embeddings {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
