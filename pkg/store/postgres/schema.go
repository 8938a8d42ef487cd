// Package postgres provides PostgreSQL-backed implementations of the
// document, graph, and vector store contracts in [store].
//
// Each store owns its own [pgxpool.Pool] so that the three capabilities can
// live in separate databases and be closed independently. The vector store
// requires the pgvector extension; [MigrateVectors] installs it via
// CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	docs, err := postgres.NewDocumentStore(ctx, docsDSN)
//	graph, err := postgres.NewGraphStore(ctx, graphDSN)
//	vecs, err := postgres.NewVectorStore(ctx, vecDSN, 768)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// Documents
// ─────────────────────────────────────────────────────────────────────────────

const ddlDocuments = `
CREATE TABLE IF NOT EXISTS interactions (
    interaction_id  TEXT         PRIMARY KEY,
    user_id         TEXT         NOT NULL,
    campaign_id     TEXT         NOT NULL DEFAULT '',
    type            TEXT         NOT NULL,
    occurred_at     TIMESTAMPTZ  NOT NULL,
    body            JSONB        NOT NULL,
    stored_at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_interactions_user_type_time
    ON interactions (user_id, type, occurred_at DESC);

CREATE INDEX IF NOT EXISTS idx_interactions_campaign
    ON interactions (campaign_id);
`

// ─────────────────────────────────────────────────────────────────────────────
// Graph
// ─────────────────────────────────────────────────────────────────────────────

// graph_edges.seq records first insertion order; traversals report
// campaigns in the order their first edge was written.
const ddlGraph = `
CREATE TABLE IF NOT EXISTS graph_nodes (
    label       TEXT         NOT NULL,
    key         TEXT         NOT NULL,
    properties  JSONB        NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (label, key)
);

CREATE TABLE IF NOT EXISTS graph_edges (
    edge_id     TEXT         PRIMARY KEY,
    seq         BIGSERIAL,
    from_label  TEXT         NOT NULL,
    from_key    TEXT         NOT NULL,
    to_label    TEXT         NOT NULL,
    to_key      TEXT         NOT NULL,
    type        TEXT         NOT NULL,
    properties  JSONB        NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    FOREIGN KEY (from_label, from_key) REFERENCES graph_nodes (label, key) ON DELETE CASCADE,
    FOREIGN KEY (to_label, to_key)     REFERENCES graph_nodes (label, key) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_graph_edges_from
    ON graph_edges (from_label, from_key, type);

CREATE INDEX IF NOT EXISTS idx_graph_edges_to
    ON graph_edges (to_label, to_key);
`

// ─────────────────────────────────────────────────────────────────────────────
// Vectors
// ─────────────────────────────────────────────────────────────────────────────

const ddlVectorExtension = `CREATE EXTENSION IF NOT EXISTS vector`

// ddlVectors returns the vector DDL with the dimension baked into the column
// type.
func ddlVectors(dimensions int) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS interaction_vectors (
    id              TEXT         PRIMARY KEY,
    user_id         TEXT         NOT NULL,
    interaction_id  TEXT         NOT NULL,
    embedding       vector(%d)   NOT NULL,
    updated_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_interaction_vectors_user
    ON interaction_vectors (user_id);

CREATE INDEX IF NOT EXISTS idx_interaction_vectors_l2
    ON interaction_vectors USING hnsw (embedding vector_l2_ops);
`, dimensions)
}

// MigrateDocuments creates the interactions table and its indexes.
// It is idempotent and safe to call on every start.
func MigrateDocuments(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlDocuments); err != nil {
		return fmt.Errorf("postgres migrate documents: %w", err)
	}
	return nil
}

// MigrateGraph creates the node and edge tables. It is idempotent.
func MigrateGraph(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlGraph); err != nil {
		return fmt.Errorf("postgres migrate graph: %w", err)
	}
	return nil
}

// MigrateVectors creates the interaction_vectors table for the given
// dimension. If the table already exists with a different dimension an error
// is returned; changing the dimension requires dropping the table.
//
// The pgvector extension must already be installed (see [NewVectorStore]).
func MigrateVectors(ctx context.Context, pool *pgxpool.Pool, dimensions int) error {
	if _, err := pool.Exec(ctx, ddlVectors(dimensions)); err != nil {
		return fmt.Errorf("postgres migrate vectors: %w", err)
	}

	// For the vector type atttypmod holds the declared dimension.
	const q = `
		SELECT atttypmod
		FROM   pg_attribute
		WHERE  attrelid = 'interaction_vectors'::regclass
		  AND  attname  = 'embedding'`

	var existing int
	if err := pool.QueryRow(ctx, q).Scan(&existing); err != nil {
		return fmt.Errorf("postgres migrate vectors: read dimension: %w", err)
	}
	if existing != dimensions {
		return fmt.Errorf("postgres migrate vectors: table has dimension %d, configured %d", existing, dimensions)
	}
	return nil
}
