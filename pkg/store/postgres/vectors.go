package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/MrWong99/hybridrec/pkg/store"
)

// distanceOperators maps metrics onto pgvector operators.
var distanceOperators = map[store.Metric]string{
	store.MetricL2:     "<->",
	store.MetricCosine: "<=>",
}

// VectorStore keeps one embedding per interaction in a pgvector column
// with an HNSW index for L2 search.
type VectorStore struct {
	pool       *pgxpool.Pool
	dimensions int
}

// NewVectorStore installs pgvector if needed, connects to dsn, and migrates
// the interaction_vectors table for the given dimension.
//
// dimensions must match the embedding model output (768 for Gemini
// embedding-001). Changing it later requires dropping the table.
func NewVectorStore(ctx context.Context, dsn string, dimensions int) (*VectorStore, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("postgres vectors: dimensions must be positive, got %d", dimensions)
	}
	if err := ensureVectorExtension(ctx, dsn); err != nil {
		return nil, err
	}
	pool, err := openPool(ctx, "vectors", dsn, registerVectorTypes)
	if err != nil {
		return nil, err
	}
	if err := MigrateVectors(ctx, pool, dimensions); err != nil {
		pool.Close()
		return nil, err
	}
	return &VectorStore{pool: pool, dimensions: dimensions}, nil
}

// UpsertBatch implements [store.VectorStore]. Every vector must have exactly
// [VectorStore.Dimensions] components; otherwise nothing is written.
func (v *VectorStore) UpsertBatch(ctx context.Context, b store.VectorBatch) error {
	if err := b.Validate(); err != nil {
		return fmt.Errorf("vector store: %w", err)
	}
	if b.Len() == 0 {
		return nil
	}
	for i, vec := range b.Vectors {
		if len(vec) != v.dimensions {
			return fmt.Errorf("vector store: row %s has %d dimensions, want %d", b.IDs[i], len(vec), v.dimensions)
		}
	}

	const q = `
		INSERT INTO interaction_vectors (id, user_id, interaction_id, embedding, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (id) DO UPDATE SET
		    user_id        = EXCLUDED.user_id,
		    interaction_id = EXCLUDED.interaction_id,
		    embedding      = EXCLUDED.embedding,
		    updated_at     = now()`

	batch := &pgx.Batch{}
	for i := range b.IDs {
		batch.Queue(q, b.IDs[i], b.UserIDs[i], b.InteractionIDs[i], pgvector.NewVector(b.Vectors[i]))
	}
	if err := v.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("vector store: upsert batch: %w", err)
	}
	return nil
}

// Search implements [store.VectorStore].
func (v *VectorStore) Search(ctx context.Context, vector []float32, k int, metric store.Metric) ([]store.VectorHit, error) {
	if k <= 0 {
		return []store.VectorHit{}, nil
	}
	if len(vector) != v.dimensions {
		return nil, fmt.Errorf("vector store: query has %d dimensions, want %d", len(vector), v.dimensions)
	}
	op, ok := distanceOperators[metric]
	if !ok {
		return nil, fmt.Errorf("vector store: unsupported metric %q", metric)
	}

	q := fmt.Sprintf(`
		SELECT id, user_id, interaction_id, embedding %s $1 AS distance
		FROM   interaction_vectors
		ORDER  BY distance, id
		LIMIT  $2`, op)

	rows, err := v.pool.Query(ctx, q, pgvector.NewVector(vector), k)
	if err != nil {
		return nil, fmt.Errorf("vector store: search: %w", err)
	}
	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.VectorHit, error) {
		var h store.VectorHit
		err := row.Scan(&h.ID, &h.UserID, &h.InteractionID, &h.Distance)
		return h, err
	})
	if err != nil {
		return nil, fmt.Errorf("vector store: scan rows: %w", err)
	}
	if hits == nil {
		hits = []store.VectorHit{}
	}
	return hits, nil
}

// Reset implements [store.VectorStore].
func (v *VectorStore) Reset(ctx context.Context) error {
	if _, err := v.pool.Exec(ctx, `TRUNCATE interaction_vectors`); err != nil {
		return fmt.Errorf("vector store: reset: %w", err)
	}
	return nil
}

// Dimensions implements [store.VectorStore].
func (v *VectorStore) Dimensions() int { return v.dimensions }

// Ping implements [store.VectorStore].
func (v *VectorStore) Ping(ctx context.Context) error {
	if err := v.pool.Ping(ctx); err != nil {
		return &store.ConnectivityError{Store: "vectors", Err: err}
	}
	return nil
}

// Close releases the connection pool.
func (v *VectorStore) Close() { v.pool.Close() }
