package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/hybridrec/pkg/store"
)

// pgForeignKeyViolation is the SQLSTATE raised when an edge references a
// missing node.
const pgForeignKeyViolation = "23503"

// GraphStore models the User/Campaign graph as a node table and an edge
// table with composite (label, key) node identity.
type GraphStore struct {
	pool *pgxpool.Pool
}

// NewGraphStore connects to dsn and migrates the graph tables.
func NewGraphStore(ctx context.Context, dsn string) (*GraphStore, error) {
	pool, err := openPool(ctx, "graph", dsn, nil)
	if err != nil {
		return nil, err
	}
	if err := MigrateGraph(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &GraphStore{pool: pool}, nil
}

// UpsertNode implements [store.GraphStore]. An existing node keeps its
// created_at; its properties are replaced and updated_at is refreshed.
func (g *GraphStore) UpsertNode(ctx context.Context, label, key string, props map[string]any) error {
	if props == nil {
		props = map[string]any{}
	}
	propsJSON, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("graph store: marshal node properties: %w", err)
	}

	const q = `
		INSERT INTO graph_nodes (label, key, properties, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (label, key) DO UPDATE SET
		    properties = EXCLUDED.properties,
		    updated_at = now()`

	if _, err := g.pool.Exec(ctx, q, label, key, propsJSON); err != nil {
		return fmt.Errorf("graph store: upsert node %s/%s: %w", label, key, err)
	}
	return nil
}

// UpsertEdge implements [store.GraphStore]. Re-upserting an EdgeID keeps its
// original position in traversal order.
func (g *GraphStore) UpsertEdge(ctx context.Context, edge store.Edge) error {
	props := edge.Properties
	if props == nil {
		props = map[string]any{}
	}
	propsJSON, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("graph store: marshal edge properties: %w", err)
	}

	const q = `
		INSERT INTO graph_edges
		    (edge_id, from_label, from_key, to_label, to_key, type, properties, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (edge_id) DO UPDATE SET
		    from_label = EXCLUDED.from_label,
		    from_key   = EXCLUDED.from_key,
		    to_label   = EXCLUDED.to_label,
		    to_key     = EXCLUDED.to_key,
		    type       = EXCLUDED.type,
		    properties = EXCLUDED.properties`

	_, err = g.pool.Exec(ctx, q,
		edge.EdgeID,
		edge.FromLabel,
		edge.FromKey,
		edge.ToLabel,
		edge.ToKey,
		edge.Type,
		propsJSON,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return fmt.Errorf("graph store: upsert edge %s: endpoint node missing: %w", edge.EdgeID, store.ErrNotFound)
		}
		return fmt.Errorf("graph store: upsert edge %s: %w", edge.EdgeID, err)
	}
	return nil
}

// CampaignsForUsers implements [store.GraphStore]. Each campaign is reported
// once, ordered by the earliest edge that reaches it.
func (g *GraphStore) CampaignsForUsers(ctx context.Context, userKeys []string) ([]store.CampaignRef, error) {
	if len(userKeys) == 0 {
		return []store.CampaignRef{}, nil
	}

	const q = `
		SELECT   n.key, COALESCE(n.properties->>'name', '')
		FROM     graph_edges e
		JOIN     graph_nodes n ON n.label = e.to_label AND n.key = e.to_key
		WHERE    e.from_label = $1
		  AND    e.from_key   = ANY($2)
		  AND    e.type       = $3
		  AND    e.to_label   = $4
		GROUP BY n.label, n.key
		ORDER BY MIN(e.seq)`

	rows, err := g.pool.Query(ctx, q, store.LabelUser, userKeys, store.EdgeInteracted, store.LabelCampaign)
	if err != nil {
		return nil, fmt.Errorf("graph store: campaigns for users: %w", err)
	}
	refs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.CampaignRef, error) {
		var ref store.CampaignRef
		err := row.Scan(&ref.CampaignID, &ref.Name)
		return ref, err
	})
	if err != nil {
		return nil, fmt.Errorf("graph store: campaigns for users: %w", err)
	}
	if refs == nil {
		refs = []store.CampaignRef{}
	}
	return refs, nil
}

// GetNode implements [store.GraphStore].
func (g *GraphStore) GetNode(ctx context.Context, label, key string) (*store.Node, error) {
	const q = `
		SELECT label, key, properties, created_at, updated_at
		FROM   graph_nodes
		WHERE  label = $1 AND key = $2`

	var (
		n         store.Node
		propsJSON []byte
	)
	err := g.pool.QueryRow(ctx, q, label, key).Scan(&n.Label, &n.Key, &propsJSON, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("graph store: get node: %w", err)
	}
	if len(propsJSON) > 0 {
		if err := json.Unmarshal(propsJSON, &n.Properties); err != nil {
			return nil, fmt.Errorf("graph store: unmarshal node properties: %w", err)
		}
	}
	if n.Properties == nil {
		n.Properties = map[string]any{}
	}
	return &n, nil
}

// CountNodes implements [store.GraphStore].
func (g *GraphStore) CountNodes(ctx context.Context, label string) (int, error) {
	var n int
	if err := g.pool.QueryRow(ctx, `SELECT count(*) FROM graph_nodes WHERE label = $1`, label).Scan(&n); err != nil {
		return 0, fmt.Errorf("graph store: count nodes: %w", err)
	}
	return n, nil
}

// Ping implements [store.GraphStore].
func (g *GraphStore) Ping(ctx context.Context) error {
	if err := g.pool.Ping(ctx); err != nil {
		return &store.ConnectivityError{Store: "graph", Err: err}
	}
	return nil
}

// Close releases the connection pool.
func (g *GraphStore) Close() { g.pool.Close() }
