package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/hybridrec/pkg/store"
)

// sortColumns maps document sort keys onto indexed columns.
var sortColumns = map[string]string{
	store.SortByTimestamp: "occurred_at",
}

// DocumentStore keeps raw interaction records in a JSONB body column, with
// the fields used for filtering promoted to indexed columns.
type DocumentStore struct {
	pool *pgxpool.Pool
}

// NewDocumentStore connects to dsn and migrates the interactions table.
func NewDocumentStore(ctx context.Context, dsn string) (*DocumentStore, error) {
	pool, err := openPool(ctx, "documents", dsn, nil)
	if err != nil {
		return nil, err
	}
	if err := MigrateDocuments(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &DocumentStore{pool: pool}, nil
}

// PutBatch implements [store.DocumentStore]. The whole batch is written in
// one round trip; records whose interaction_id already exists are skipped.
func (s *DocumentStore) PutBatch(ctx context.Context, records []store.InteractionRecord) error {
	if len(records) == 0 {
		return nil
	}

	const q = `
		INSERT INTO interactions
		    (interaction_id, user_id, campaign_id, type, occurred_at, body)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (interaction_id) DO NOTHING`

	batch := &pgx.Batch{}
	for _, r := range records {
		body, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("document store: marshal %q: %w", r.InteractionID, err)
		}
		batch.Queue(q, r.InteractionID, r.UserID, r.CampaignID, string(r.Type), r.Timestamp, body)
	}

	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("document store: put batch: %w", err)
	}
	return nil
}

// FindLatest implements [store.DocumentStore].
func (s *DocumentStore) FindLatest(ctx context.Context, filter store.DocumentFilter, sortKey string, descending bool) (*store.InteractionRecord, error) {
	column, ok := sortColumns[sortKey]
	if !ok {
		return nil, fmt.Errorf("document store: unsupported sort key %q", sortKey)
	}

	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var conditions []string
	if filter.UserID != "" {
		conditions = append(conditions, "user_id = "+next(filter.UserID))
	}
	if filter.CampaignID != "" {
		conditions = append(conditions, "campaign_id = "+next(filter.CampaignID))
	}
	if filter.Type != "" {
		conditions = append(conditions, "type = "+next(string(filter.Type)))
	}

	q := "SELECT body\nFROM   interactions"
	if len(conditions) > 0 {
		q += "\nWHERE " + strings.Join(conditions, "\n  AND ")
	}
	direction := "ASC"
	if descending {
		direction = "DESC"
	}
	// interaction_id breaks ties so equal timestamps resolve deterministically.
	q += fmt.Sprintf("\nORDER BY %s %s, interaction_id %s\nLIMIT 1", column, direction, direction)

	var body []byte
	if err := s.pool.QueryRow(ctx, q, args...).Scan(&body); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("document store: find latest: %w", err)
	}

	var rec store.InteractionRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("document store: decode body: %w", err)
	}
	return &rec, nil
}

// Ping implements [store.DocumentStore].
func (s *DocumentStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return &store.ConnectivityError{Store: "documents", Err: err}
	}
	return nil
}

// Close releases the connection pool.
func (s *DocumentStore) Close() { s.pool.Close() }
