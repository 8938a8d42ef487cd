package mock

import (
	"context"
	"fmt"
	"time"

	"github.com/MrWong99/hybridrec/pkg/store"
)

var _ store.DocumentStore = (*DocumentStore)(nil)

// DocumentStore is an in-memory [store.DocumentStore].
type DocumentStore struct {
	recorder

	records map[string]store.InteractionRecord
	closed  bool

	// PutBatchErr is returned by [DocumentStore.PutBatch] when non-nil;
	// nothing is stored.
	PutBatchErr error

	// FindLatestErr is returned by [DocumentStore.FindLatest] when non-nil.
	FindLatestErr error

	// FindLatestDelay makes FindLatest block for the duration (or until
	// the context ends) before answering.
	FindLatestDelay time.Duration

	// PingErr is returned by [DocumentStore.Ping] when non-nil.
	PingErr error
}

// NewDocumentStore returns an empty store.
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{records: make(map[string]store.InteractionRecord)}
}

// PutBatch implements [store.DocumentStore].
func (m *DocumentStore) PutBatch(_ context.Context, records []store.InteractionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("PutBatch", len(records))
	if m.PutBatchErr != nil {
		return m.PutBatchErr
	}
	for _, r := range records {
		if _, ok := m.records[r.InteractionID]; ok {
			continue
		}
		m.records[r.InteractionID] = r
	}
	return nil
}

// FindLatest implements [store.DocumentStore].
func (m *DocumentStore) FindLatest(ctx context.Context, filter store.DocumentFilter, sortKey string, descending bool) (*store.InteractionRecord, error) {
	m.mu.Lock()
	m.record("FindLatest", filter, sortKey, descending)
	delay, findErr := m.FindLatestDelay, m.FindLatestErr
	m.mu.Unlock()

	if err := wait(ctx, delay); err != nil {
		return nil, err
	}
	if findErr != nil {
		return nil, findErr
	}
	if sortKey != store.SortByTimestamp {
		return nil, fmt.Errorf("mock document store: unsupported sort key %q", sortKey)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var best *store.InteractionRecord
	for _, r := range m.records {
		if !matches(r, filter) {
			continue
		}
		if best == nil || later(r, *best) == descending {
			rec := r
			best = &rec
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	return best, nil
}

// Len returns the number of stored records.
func (m *DocumentStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Get returns a stored record by id.
func (m *DocumentStore) Get(id string) (store.InteractionRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	return r, ok
}

// Ping implements [store.DocumentStore].
func (m *DocumentStore) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Ping")
	return m.PingErr
}

// Close implements [store.DocumentStore].
func (m *DocumentStore) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Close")
	m.closed = true
}

// Closed reports whether Close was called.
func (m *DocumentStore) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func matches(r store.InteractionRecord, f store.DocumentFilter) bool {
	if f.UserID != "" && r.UserID != f.UserID {
		return false
	}
	if f.CampaignID != "" && r.CampaignID != f.CampaignID {
		return false
	}
	if f.Type != "" && r.Type != f.Type {
		return false
	}
	return true
}

// later reports whether a sorts after b by timestamp, with interaction_id
// breaking ties.
func later(a, b store.InteractionRecord) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return a.InteractionID > b.InteractionID
}
