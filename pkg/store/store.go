// Package store defines the four capability contracts the hybridrec core
// reads from and writes to:
//
//   - [DocumentStore]: raw, schema-flexible interaction records, queryable by
//     filter and sort key.
//   - [GraphStore]: User and Campaign nodes joined by directed INTERACTED
//     edges, queryable by traversal.
//   - [VectorStore]: fixed-dimension embeddings with nearest-neighbour search.
//   - [AnalyticsStore]: keyed numeric aggregates with atomic additive upsert.
//
// The interfaces are public so that alternative backends can be plugged in
// without depending on hybridrec internals. Each store is connected and
// closed independently.
//
// Every implementation must be safe for concurrent use.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by lookups that match no record.
var ErrNotFound = errors.New("store: not found")

// ConnectivityError reports that a backend could not be reached or
// initialised. It is fatal at startup and at the start of a sync run.
type ConnectivityError struct {
	// Store names the capability that failed ("documents", "graph", …).
	Store string
	Err   error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("store %s: connectivity: %v", e.Store, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// Node labels and edge types used by the graph.
const (
	LabelUser      = "User"
	LabelCampaign  = "Campaign"
	EdgeInteracted = "INTERACTED"
)

// InteractionKind classifies an interaction.
type InteractionKind string

const (
	KindChat  InteractionKind = "chat"
	KindClick InteractionKind = "click"
)

// IsValid reports whether k is a recognised interaction kind.
func (k InteractionKind) IsValid() bool {
	return k == KindChat || k == KindClick
}

// ─────────────────────────────────────────────────────────────────────────────
// Document types
// ─────────────────────────────────────────────────────────────────────────────

// InteractionRecord is the raw interaction as persisted in the document
// store. Extra holds source fields that are not modelled explicitly.
type InteractionRecord struct {
	InteractionID string          `json:"interaction_id"`
	UserID        string          `json:"user_id"`
	CampaignID    string          `json:"campaign_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Type          InteractionKind `json:"type"`
	Message       string          `json:"message,omitempty"`
	Extra         map[string]any  `json:"extra,omitempty"`
}

// DocumentFilter narrows a document lookup. Non-zero fields are ANDed.
type DocumentFilter struct {
	UserID     string
	CampaignID string
	Type       InteractionKind
}

// Sort keys understood by [DocumentStore.FindLatest].
const (
	SortByTimestamp = "timestamp"
)

// ─────────────────────────────────────────────────────────────────────────────
// Graph types
// ─────────────────────────────────────────────────────────────────────────────

// Node is a labelled graph vertex identified by (Label, Key).
type Node struct {
	Label      string
	Key        string
	Properties map[string]any
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Edge is a directed, typed relationship between two nodes. EdgeID makes
// the edge unique; re-upserting the same EdgeID replaces its properties.
type Edge struct {
	EdgeID     string
	FromLabel  string
	FromKey    string
	ToLabel    string
	ToKey      string
	Type       string
	Properties map[string]any
}

// CampaignRef is a campaign reachable from a traversal.
type CampaignRef struct {
	CampaignID string `json:"campaign_id"`
	Name       string `json:"name"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Vector types
// ─────────────────────────────────────────────────────────────────────────────

// Metric selects the distance function used by [VectorStore.Search].
type Metric string

const (
	// MetricL2 is Euclidean distance.
	MetricL2 Metric = "L2"

	// MetricCosine is cosine distance.
	MetricCosine Metric = "COSINE"
)

// VectorBatch is a columnar batch of vectors: all slices have equal length
// and index i across them describes one row.
type VectorBatch struct {
	IDs            []string
	UserIDs        []string
	InteractionIDs []string
	Vectors        [][]float32
}

// Len returns the number of rows in the batch.
func (b *VectorBatch) Len() int { return len(b.IDs) }

// Append adds one row.
func (b *VectorBatch) Append(id, userID, interactionID string, vec []float32) {
	b.IDs = append(b.IDs, id)
	b.UserIDs = append(b.UserIDs, userID)
	b.InteractionIDs = append(b.InteractionIDs, interactionID)
	b.Vectors = append(b.Vectors, vec)
}

// Validate checks that the columns have equal length.
func (b *VectorBatch) Validate() error {
	n := len(b.IDs)
	if len(b.UserIDs) != n || len(b.InteractionIDs) != n || len(b.Vectors) != n {
		return fmt.Errorf("store: vector batch columns differ in length (ids=%d users=%d interactions=%d vectors=%d)",
			n, len(b.UserIDs), len(b.InteractionIDs), len(b.Vectors))
	}
	return nil
}

// VectorHit is one ranked search result. Lower Distance is closer.
type VectorHit struct {
	ID            string
	UserID        string
	InteractionID string
	Distance      float64
}

// ─────────────────────────────────────────────────────────────────────────────
// Interfaces
// ─────────────────────────────────────────────────────────────────────────────

// DocumentStore persists raw interaction records.
type DocumentStore interface {
	// PutBatch writes records in bulk. Records are immutable once stored:
	// a record whose InteractionID already exists is left untouched.
	PutBatch(ctx context.Context, records []InteractionRecord) error

	// FindLatest returns the record matching filter with the greatest value
	// of sortKey (or the smallest when descending is false).
	// Returns [ErrNotFound] when nothing matches.
	FindLatest(ctx context.Context, filter DocumentFilter, sortKey string, descending bool) (*InteractionRecord, error)

	Ping(ctx context.Context) error
	Close()
}

// GraphStore holds User/Campaign nodes and INTERACTED edges.
type GraphStore interface {
	// UpsertNode creates the node if absent, otherwise replaces its
	// properties and refreshes UpdatedAt.
	UpsertNode(ctx context.Context, label, key string, props map[string]any) error

	// UpsertEdge creates or replaces the edge identified by Edge.EdgeID.
	// Both endpoint nodes must already exist.
	UpsertEdge(ctx context.Context, edge Edge) error

	// CampaignsForUsers returns every campaign that any of userKeys has an
	// INTERACTED edge to, deduplicated, in traversal order.
	// Returns an empty (non-nil) slice when nothing is reachable.
	CampaignsForUsers(ctx context.Context, userKeys []string) ([]CampaignRef, error)

	// GetNode returns the node or [ErrNotFound].
	GetNode(ctx context.Context, label, key string) (*Node, error)

	// CountNodes returns the number of nodes carrying label.
	CountNodes(ctx context.Context, label string) (int, error)

	Ping(ctx context.Context) error
	Close()
}

// VectorStore holds embeddings for similarity search.
type VectorStore interface {
	// UpsertBatch writes a columnar batch; rows with an existing ID are
	// replaced.
	UpsertBatch(ctx context.Context, batch VectorBatch) error

	// Search returns up to k hits ordered by ascending distance under metric.
	// Returns an empty (non-nil) slice when the store is empty.
	Search(ctx context.Context, vector []float32, k int, metric Metric) ([]VectorHit, error)

	// Reset removes every stored vector.
	Reset(ctx context.Context) error

	// Dimensions is the fixed vector length the store was created with.
	Dimensions() int

	Ping(ctx context.Context) error
	Close()
}

// AnalyticsStore holds per-campaign interaction totals.
type AnalyticsStore interface {
	// IncrementAdditive adds delta to key's total, inserting the row with
	// total = delta when absent. The update is atomic.
	IncrementAdditive(ctx context.Context, key string, delta int64) error

	// IncrementMany applies every counter in counts atomically as one unit.
	IncrementMany(ctx context.Context, counts CampaignCounts) error

	// GetMany returns the totals for keys. Keys without a row are reported
	// as 0.
	GetMany(ctx context.Context, keys []string) (map[string]int64, error)

	Ping(ctx context.Context) error
	Close()
}
