package mock

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/MrWong99/hybridrec/pkg/store"
)

var _ store.VectorStore = (*VectorStore)(nil)

type vectorRow struct {
	userID        string
	interactionID string
	vec           []float32
}

// VectorStore is an in-memory [store.VectorStore] using brute-force search.
type VectorStore struct {
	recorder

	dims   int
	rows   map[string]vectorRow
	closed bool

	// UpsertBatchErr is returned by [VectorStore.UpsertBatch] when non-nil.
	UpsertBatchErr error

	// SearchErr is returned by [VectorStore.Search] when non-nil.
	SearchErr error

	// SearchDelay makes Search block before answering.
	SearchDelay time.Duration

	// PingErr is returned by [VectorStore.Ping] when non-nil.
	PingErr error
}

// NewVectorStore returns an empty store for vectors of length dims.
func NewVectorStore(dims int) *VectorStore {
	return &VectorStore{dims: dims, rows: make(map[string]vectorRow)}
}

// UpsertBatch implements [store.VectorStore].
func (m *VectorStore) UpsertBatch(_ context.Context, b store.VectorBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("UpsertBatch", b.Len())
	if m.UpsertBatchErr != nil {
		return m.UpsertBatchErr
	}
	if err := b.Validate(); err != nil {
		return err
	}
	for i, v := range b.Vectors {
		if len(v) != m.dims {
			return fmt.Errorf("mock vectors: row %s has %d dimensions, want %d", b.IDs[i], len(v), m.dims)
		}
	}
	for i, id := range b.IDs {
		m.rows[id] = vectorRow{
			userID:        b.UserIDs[i],
			interactionID: b.InteractionIDs[i],
			vec:           slices.Clone(b.Vectors[i]),
		}
	}
	return nil
}

// Search implements [store.VectorStore].
func (m *VectorStore) Search(ctx context.Context, vector []float32, k int, metric store.Metric) ([]store.VectorHit, error) {
	m.mu.Lock()
	m.record("Search", k, metric)
	delay, searchErr := m.SearchDelay, m.SearchErr
	m.mu.Unlock()

	if err := wait(ctx, delay); err != nil {
		return nil, err
	}
	if searchErr != nil {
		return nil, searchErr
	}
	if len(vector) != m.dims {
		return nil, fmt.Errorf("mock vectors: query has %d dimensions, want %d", len(vector), m.dims)
	}

	var dist func(a, b []float32) float64
	switch metric {
	case store.MetricL2:
		dist = l2
	case store.MetricCosine:
		dist = cosine
	default:
		return nil, fmt.Errorf("mock vectors: unsupported metric %q", metric)
	}

	m.mu.Lock()
	hits := make([]store.VectorHit, 0, len(m.rows))
	for id, r := range m.rows {
		hits = append(hits, store.VectorHit{
			ID:            id,
			UserID:        r.userID,
			InteractionID: r.interactionID,
			Distance:      dist(vector, r.vec),
		})
	}
	m.mu.Unlock()

	slices.SortFunc(hits, func(a, b store.VectorHit) int {
		if c := cmp.Compare(a.Distance, b.Distance); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if k < len(hits) {
		hits = hits[:max(k, 0)]
	}
	return hits, nil
}

// Reset implements [store.VectorStore].
func (m *VectorStore) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Reset")
	clear(m.rows)
	return nil
}

// Dimensions implements [store.VectorStore].
func (m *VectorStore) Dimensions() int { return m.dims }

// Len returns the number of stored vectors.
func (m *VectorStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

// Vector returns a copy of the stored vector for id.
func (m *VectorStore) Vector(id string) ([]float32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	return slices.Clone(r.vec), ok
}

// Ping implements [store.VectorStore].
func (m *VectorStore) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Ping")
	return m.PingErr
}

// Close implements [store.VectorStore].
func (m *VectorStore) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Close")
	m.closed = true
}

// Closed reports whether Close was called.
func (m *VectorStore) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func l2(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
