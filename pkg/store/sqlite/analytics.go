// Package sqlite implements [store.AnalyticsStore] on an embedded SQLite
// database (pure-Go driver, no cgo).
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/hybridrec/pkg/store"
)

var _ store.AnalyticsStore = (*AnalyticsStore)(nil)

const ddlAnalytics = `
CREATE TABLE IF NOT EXISTS campaign_analytics (
    campaign_id         TEXT     PRIMARY KEY,
    total_interactions  INTEGER  NOT NULL DEFAULT 0,
    last_updated        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

const upsertTotal = `
INSERT INTO campaign_analytics (campaign_id, total_interactions, last_updated)
VALUES (?, ?, CURRENT_TIMESTAMP)
ON CONFLICT (campaign_id) DO UPDATE SET
    total_interactions = total_interactions + excluded.total_interactions,
    last_updated       = CURRENT_TIMESTAMP`

// AnalyticsStore keeps per-campaign interaction totals.
type AnalyticsStore struct {
	db *sql.DB
}

// Open opens (or creates) the analytics database at path and creates the
// campaign_analytics table. Pass ":memory:" for a private in-memory database.
func Open(ctx context.Context, path string) (*AnalyticsStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("analytics store: create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("analytics store: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &store.ConnectivityError{Store: "analytics", Err: err}
	}

	// One connection avoids "database is locked" and keeps :memory:
	// databases alive for the lifetime of the store.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("analytics store: %s: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, ddlAnalytics); err != nil {
		db.Close()
		return nil, fmt.Errorf("analytics store: migrate: %w", err)
	}
	return &AnalyticsStore{db: db}, nil
}

// IncrementAdditive implements [store.AnalyticsStore].
func (a *AnalyticsStore) IncrementAdditive(ctx context.Context, key string, delta int64) error {
	if _, err := a.db.ExecContext(ctx, upsertTotal, key, delta); err != nil {
		return fmt.Errorf("analytics store: increment %q: %w", key, err)
	}
	return nil
}

// IncrementMany implements [store.AnalyticsStore]. All counters commit in a
// single transaction or not at all.
func (a *AnalyticsStore) IncrementMany(ctx context.Context, counts store.CampaignCounts) error {
	if len(counts) == 0 {
		return nil
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("analytics store: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, upsertTotal)
	if err != nil {
		return fmt.Errorf("analytics store: prepare: %w", err)
	}
	defer stmt.Close()

	for _, key := range counts.Keys() {
		if _, err := stmt.ExecContext(ctx, key, counts[key]); err != nil {
			return fmt.Errorf("analytics store: increment %q: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("analytics store: commit: %w", err)
	}
	return nil
}

// GetMany implements [store.AnalyticsStore].
func (a *AnalyticsStore) GetMany(ctx context.Context, keys []string) (map[string]int64, error) {
	out := make(map[string]int64, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	args := make([]any, len(keys))
	for i, k := range keys {
		out[k] = 0
		args[i] = k
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	q := "SELECT campaign_id, total_interactions FROM campaign_analytics WHERE campaign_id IN (" + placeholders + ")"

	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("analytics store: get many: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key   string
			total int64
		)
		if err := rows.Scan(&key, &total); err != nil {
			return nil, fmt.Errorf("analytics store: scan: %w", err)
		}
		out[key] = total
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("analytics store: rows: %w", err)
	}
	return out, nil
}

// Ping implements [store.AnalyticsStore].
func (a *AnalyticsStore) Ping(ctx context.Context) error {
	if err := a.db.PingContext(ctx); err != nil {
		return &store.ConnectivityError{Store: "analytics", Err: err}
	}
	return nil
}

// Close closes the database.
func (a *AnalyticsStore) Close() { _ = a.db.Close() }
