package mock

import (
	"context"
	"time"

	"github.com/MrWong99/hybridrec/pkg/store"
)

var _ store.AnalyticsStore = (*AnalyticsStore)(nil)

// AnalyticsStore is an in-memory [store.AnalyticsStore].
type AnalyticsStore struct {
	recorder

	totals map[string]int64
	closed bool

	// IncrementErr is returned by IncrementAdditive and IncrementMany when
	// non-nil; no counter changes.
	IncrementErr error

	// GetManyErr is returned by [AnalyticsStore.GetMany] when non-nil.
	GetManyErr error

	// GetManyDelay makes GetMany block before answering.
	GetManyDelay time.Duration

	// PingErr is returned by [AnalyticsStore.Ping] when non-nil.
	PingErr error
}

// NewAnalyticsStore returns an empty store.
func NewAnalyticsStore() *AnalyticsStore {
	return &AnalyticsStore{totals: make(map[string]int64)}
}

// IncrementAdditive implements [store.AnalyticsStore].
func (m *AnalyticsStore) IncrementAdditive(_ context.Context, key string, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("IncrementAdditive", key, delta)
	if m.IncrementErr != nil {
		return m.IncrementErr
	}
	m.totals[key] += delta
	return nil
}

// IncrementMany implements [store.AnalyticsStore].
func (m *AnalyticsStore) IncrementMany(_ context.Context, counts store.CampaignCounts) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("IncrementMany", len(counts))
	if m.IncrementErr != nil {
		return m.IncrementErr
	}
	for k, v := range counts {
		m.totals[k] += v
	}
	return nil
}

// GetMany implements [store.AnalyticsStore].
func (m *AnalyticsStore) GetMany(ctx context.Context, keys []string) (map[string]int64, error) {
	m.mu.Lock()
	m.record("GetMany", append([]string(nil), keys...))
	delay, getErr := m.GetManyDelay, m.GetManyErr
	m.mu.Unlock()

	if err := wait(ctx, delay); err != nil {
		return nil, err
	}
	if getErr != nil {
		return nil, getErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(keys))
	for _, k := range keys {
		out[k] = m.totals[k]
	}
	return out, nil
}

// Set overwrites the total for key.
func (m *AnalyticsStore) Set(key string, total int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totals[key] = total
}

// Total returns the stored total for key.
func (m *AnalyticsStore) Total(key string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totals[key]
}

// Ping implements [store.AnalyticsStore].
func (m *AnalyticsStore) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Ping")
	return m.PingErr
}

// Close implements [store.AnalyticsStore].
func (m *AnalyticsStore) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Close")
	m.closed = true
}

// Closed reports whether Close was called.
func (m *AnalyticsStore) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
