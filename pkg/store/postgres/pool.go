package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/hybridrec/pkg/store"
)

// Compile-time interface checks.
var (
	_ store.DocumentStore = (*DocumentStore)(nil)
	_ store.GraphStore    = (*GraphStore)(nil)
	_ store.VectorStore   = (*VectorStore)(nil)
)

// openPool parses dsn, applies afterConnect (may be nil), and pings the
// server. Failures to reach the server are reported as
// [*store.ConnectivityError] tagged with name.
func openPool(ctx context.Context, name, dsn string, afterConnect func(context.Context, *pgx.Conn) error) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres %s: parse dsn: %w", name, err)
	}
	cfg.AfterConnect = afterConnect

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, &store.ConnectivityError{Store: name, Err: fmt.Errorf("create pool: %w", err)}
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &store.ConnectivityError{Store: name, Err: fmt.Errorf("ping: %w", err)}
	}
	return pool, nil
}

// ensureVectorExtension installs pgvector over a plain connection. The
// extension has to exist before pool connections can register its types.
func ensureVectorExtension(ctx context.Context, dsn string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return &store.ConnectivityError{Store: "vectors", Err: fmt.Errorf("connect: %w", err)}
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, ddlVectorExtension); err != nil {
		return fmt.Errorf("postgres vectors: create extension: %w", err)
	}
	return nil
}

// registerVectorTypes is the AfterConnect hook for vector pools so that
// vector columns scan into and encode from pgvector.Vector values.
func registerVectorTypes(ctx context.Context, conn *pgx.Conn) error {
	return pgxvec.RegisterTypes(ctx, conn)
}
