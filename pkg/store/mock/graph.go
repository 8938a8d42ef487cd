package mock

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/MrWong99/hybridrec/pkg/store"
)

var _ store.GraphStore = (*GraphStore)(nil)

type nodeKey struct{ label, key string }

// GraphStore is an in-memory [store.GraphStore]. Edges keep insertion order
// so traversals are deterministic.
type GraphStore struct {
	recorder

	nodes     map[nodeKey]store.Node
	edges     []store.Edge
	edgeIndex map[string]int
	closed    bool

	// UpsertNodeErr is returned by [GraphStore.UpsertNode] when non-nil.
	UpsertNodeErr error

	// UpsertEdgeErr is returned by [GraphStore.UpsertEdge] when non-nil.
	UpsertEdgeErr error

	// CampaignsErr is returned by [GraphStore.CampaignsForUsers] when non-nil.
	CampaignsErr error

	// CampaignsDelay makes CampaignsForUsers block before answering.
	CampaignsDelay time.Duration

	// PingErr is returned by [GraphStore.Ping] when non-nil.
	PingErr error
}

// NewGraphStore returns an empty graph.
func NewGraphStore() *GraphStore {
	return &GraphStore{
		nodes:     make(map[nodeKey]store.Node),
		edgeIndex: make(map[string]int),
	}
}

// UpsertNode implements [store.GraphStore].
func (m *GraphStore) UpsertNode(_ context.Context, label, key string, props map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("UpsertNode", label, key, props)
	if m.UpsertNodeErr != nil {
		return m.UpsertNodeErr
	}

	now := time.Now()
	k := nodeKey{label, key}
	n, ok := m.nodes[k]
	if !ok {
		n = store.Node{Label: label, Key: key, CreatedAt: now}
	}
	n.Properties = maps.Clone(props)
	if n.Properties == nil {
		n.Properties = map[string]any{}
	}
	n.UpdatedAt = now
	m.nodes[k] = n
	return nil
}

// UpsertEdge implements [store.GraphStore].
func (m *GraphStore) UpsertEdge(_ context.Context, edge store.Edge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("UpsertEdge", edge)
	if m.UpsertEdgeErr != nil {
		return m.UpsertEdgeErr
	}
	if _, ok := m.nodes[nodeKey{edge.FromLabel, edge.FromKey}]; !ok {
		return fmt.Errorf("mock graph: edge %s: source node missing: %w", edge.EdgeID, store.ErrNotFound)
	}
	if _, ok := m.nodes[nodeKey{edge.ToLabel, edge.ToKey}]; !ok {
		return fmt.Errorf("mock graph: edge %s: target node missing: %w", edge.EdgeID, store.ErrNotFound)
	}

	edge.Properties = maps.Clone(edge.Properties)
	if i, ok := m.edgeIndex[edge.EdgeID]; ok {
		m.edges[i] = edge
		return nil
	}
	m.edgeIndex[edge.EdgeID] = len(m.edges)
	m.edges = append(m.edges, edge)
	return nil
}

// CampaignsForUsers implements [store.GraphStore].
func (m *GraphStore) CampaignsForUsers(ctx context.Context, userKeys []string) ([]store.CampaignRef, error) {
	m.mu.Lock()
	m.record("CampaignsForUsers", append([]string(nil), userKeys...))
	delay, campErr := m.CampaignsDelay, m.CampaignsErr
	m.mu.Unlock()

	if err := wait(ctx, delay); err != nil {
		return nil, err
	}
	if campErr != nil {
		return nil, campErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	users := make(map[string]bool, len(userKeys))
	for _, u := range userKeys {
		users[u] = true
	}
	seen := make(map[string]bool)
	out := []store.CampaignRef{}
	for _, e := range m.edges {
		if e.Type != store.EdgeInteracted || e.FromLabel != store.LabelUser || e.ToLabel != store.LabelCampaign {
			continue
		}
		if !users[e.FromKey] || seen[e.ToKey] {
			continue
		}
		seen[e.ToKey] = true
		name, _ := m.nodes[nodeKey{store.LabelCampaign, e.ToKey}].Properties["name"].(string)
		out = append(out, store.CampaignRef{CampaignID: e.ToKey, Name: name})
	}
	return out, nil
}

// GetNode implements [store.GraphStore].
func (m *GraphStore) GetNode(_ context.Context, label, key string) (*store.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("GetNode", label, key)
	n, ok := m.nodes[nodeKey{label, key}]
	if !ok {
		return nil, store.ErrNotFound
	}
	n.Properties = maps.Clone(n.Properties)
	return &n, nil
}

// CountNodes implements [store.GraphStore].
func (m *GraphStore) CountNodes(_ context.Context, label string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("CountNodes", label)
	n := 0
	for k := range m.nodes {
		if k.label == label {
			n++
		}
	}
	return n, nil
}

// EdgeCount returns the number of stored edges.
func (m *GraphStore) EdgeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.edges)
}

// Ping implements [store.GraphStore].
func (m *GraphStore) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Ping")
	return m.PingErr
}

// Close implements [store.GraphStore].
func (m *GraphStore) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Close")
	m.closed = true
}

// Closed reports whether Close was called.
func (m *GraphStore) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
