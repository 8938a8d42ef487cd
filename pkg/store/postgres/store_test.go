package postgres_test

import (
	"context"
	"errors"
	"os"
	"slices"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/hybridrec/pkg/store"
	"github.com/MrWong99/hybridrec/pkg/store/postgres"
)

const testDim = 4

// testDSN returns the test database DSN from the environment, or skips the
// test if HYBRIDREC_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("HYBRIDREC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("HYBRIDREC_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// dropTables removes every table the stores create so each test starts
// from an empty schema.
func dropTables(t *testing.T, dsn string) {
	t.Helper()
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	defer pool.Close()
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS graph_edges CASCADE",
		"DROP TABLE IF EXISTS graph_nodes CASCADE",
		"DROP TABLE IF EXISTS interactions CASCADE",
		"DROP TABLE IF EXISTS interaction_vectors CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("drop schema (%s): %v", stmt, err)
		}
	}
}

func newDocumentStore(t *testing.T) *postgres.DocumentStore {
	t.Helper()
	dsn := testDSN(t)
	dropTables(t, dsn)
	s, err := postgres.NewDocumentStore(context.Background(), dsn)
	if err != nil {
		t.Fatalf("NewDocumentStore: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func newGraphStore(t *testing.T) *postgres.GraphStore {
	t.Helper()
	dsn := testDSN(t)
	dropTables(t, dsn)
	s, err := postgres.NewGraphStore(context.Background(), dsn)
	if err != nil {
		t.Fatalf("NewGraphStore: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func newVectorStore(t *testing.T) *postgres.VectorStore {
	t.Helper()
	dsn := testDSN(t)
	dropTables(t, dsn)
	s, err := postgres.NewVectorStore(context.Background(), dsn, testDim)
	if err != nil {
		t.Fatalf("NewVectorStore: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

// ─────────────────────────────────────────────────────────────────────────────
// Documents
// ─────────────────────────────────────────────────────────────────────────────

func TestDocumentStore_FindLatest(t *testing.T) {
	s := newDocumentStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	records := []store.InteractionRecord{
		{InteractionID: "i1", UserID: "u1", CampaignID: "c1", Type: store.KindChat, Timestamp: base, Message: "old"},
		{InteractionID: "i2", UserID: "u1", CampaignID: "c2", Type: store.KindChat, Timestamp: base.Add(time.Hour), Message: "new"},
		{InteractionID: "i3", UserID: "u1", CampaignID: "c2", Type: store.KindClick, Timestamp: base.Add(2 * time.Hour)},
		{InteractionID: "i4", UserID: "u2", CampaignID: "c1", Type: store.KindChat, Timestamp: base.Add(3 * time.Hour), Message: "other"},
	}
	if err := s.PutBatch(ctx, records); err != nil {
		t.Fatalf("PutBatch: %v", err)
	}

	got, err := s.FindLatest(ctx, store.DocumentFilter{UserID: "u1", Type: store.KindChat}, store.SortByTimestamp, true)
	if err != nil {
		t.Fatalf("FindLatest: %v", err)
	}
	if got.InteractionID != "i2" || got.Message != "new" {
		t.Errorf("FindLatest = %+v, want i2/new", got)
	}

	oldest, err := s.FindLatest(ctx, store.DocumentFilter{UserID: "u1"}, store.SortByTimestamp, false)
	if err != nil {
		t.Fatalf("FindLatest ascending: %v", err)
	}
	if oldest.InteractionID != "i1" {
		t.Errorf("ascending FindLatest = %s, want i1", oldest.InteractionID)
	}

	_, err = s.FindLatest(ctx, store.DocumentFilter{UserID: "u3", Type: store.KindChat}, store.SortByTimestamp, true)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing user: err = %v, want ErrNotFound", err)
	}
}

func TestDocumentStore_PutBatchImmutable(t *testing.T) {
	s := newDocumentStore(t)
	ctx := context.Background()
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	first := store.InteractionRecord{InteractionID: "i1", UserID: "u1", Type: store.KindChat, Timestamp: ts, Message: "original"}
	if err := s.PutBatch(ctx, []store.InteractionRecord{first}); err != nil {
		t.Fatalf("PutBatch: %v", err)
	}
	second := first
	second.Message = "rewritten"
	if err := s.PutBatch(ctx, []store.InteractionRecord{second}); err != nil {
		t.Fatalf("PutBatch again: %v", err)
	}

	got, err := s.FindLatest(ctx, store.DocumentFilter{UserID: "u1"}, store.SortByTimestamp, true)
	if err != nil {
		t.Fatalf("FindLatest: %v", err)
	}
	if got.Message != "original" {
		t.Errorf("Message = %q, want original", got.Message)
	}
}

func TestDocumentStore_UnsupportedSortKey(t *testing.T) {
	s := newDocumentStore(t)
	_, err := s.FindLatest(context.Background(), store.DocumentFilter{}, "budget", true)
	if err == nil {
		t.Fatal("expected error for unsupported sort key")
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Graph
// ─────────────────────────────────────────────────────────────────────────────

func TestGraphStore_UpsertNodeIdempotent(t *testing.T) {
	g := newGraphStore(t)
	ctx := context.Background()

	for range 2 {
		if err := g.UpsertNode(ctx, store.LabelUser, "u1", map[string]any{"name": "Ada"}); err != nil {
			t.Fatalf("UpsertNode: %v", err)
		}
	}
	if err := g.UpsertNode(ctx, store.LabelUser, "u1", map[string]any{"name": "Ada L."}); err != nil {
		t.Fatalf("UpsertNode update: %v", err)
	}

	n, err := g.CountNodes(ctx, store.LabelUser)
	if err != nil {
		t.Fatalf("CountNodes: %v", err)
	}
	if n != 1 {
		t.Errorf("CountNodes = %d, want 1", n)
	}
	node, err := g.GetNode(ctx, store.LabelUser, "u1")
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if node.Properties["name"] != "Ada L." {
		t.Errorf("name = %v, want Ada L.", node.Properties["name"])
	}
	if _, err := g.GetNode(ctx, store.LabelUser, "nobody"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetNode missing: err = %v", err)
	}
}

func TestGraphStore_CampaignsForUsers(t *testing.T) {
	g := newGraphStore(t)
	ctx := context.Background()

	for _, u := range []string{"u1", "u2", "u3"} {
		if err := g.UpsertNode(ctx, store.LabelUser, u, nil); err != nil {
			t.Fatalf("UpsertNode: %v", err)
		}
	}
	for id, name := range map[string]string{"c1": "Spring", "c2": "Summer", "c3": "Fall"} {
		if err := g.UpsertNode(ctx, store.LabelCampaign, id, map[string]any{"name": name}); err != nil {
			t.Fatalf("UpsertNode: %v", err)
		}
	}

	edges := []struct{ id, user, campaign string }{
		{"i1", "u2", "c2"},
		{"i2", "u2", "c1"},
		{"i3", "u3", "c2"},
		{"i4", "u1", "c3"},
	}
	for _, e := range edges {
		err := g.UpsertEdge(ctx, store.Edge{
			EdgeID:    e.id,
			FromLabel: store.LabelUser, FromKey: e.user,
			ToLabel: store.LabelCampaign, ToKey: e.campaign,
			Type: store.EdgeInteracted,
		})
		if err != nil {
			t.Fatalf("UpsertEdge %s: %v", e.id, err)
		}
	}

	refs, err := g.CampaignsForUsers(ctx, []string{"u2", "u3"})
	if err != nil {
		t.Fatalf("CampaignsForUsers: %v", err)
	}
	var ids []string
	for _, r := range refs {
		ids = append(ids, r.CampaignID)
	}
	if !slices.Equal(ids, []string{"c2", "c1"}) {
		t.Errorf("campaigns = %v, want [c2 c1]", ids)
	}
	if refs[0].Name != "Summer" {
		t.Errorf("name = %q, want Summer", refs[0].Name)
	}

	empty, err := g.CampaignsForUsers(ctx, []string{"nobody"})
	if err != nil {
		t.Fatalf("CampaignsForUsers: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Errorf("expected empty non-nil slice, got %v", empty)
	}
}

func TestGraphStore_UpsertEdgeMissingEndpoint(t *testing.T) {
	g := newGraphStore(t)
	err := g.UpsertEdge(context.Background(), store.Edge{
		EdgeID: "e1", FromLabel: store.LabelUser, FromKey: "ghost",
		ToLabel: store.LabelCampaign, ToKey: "ghost", Type: store.EdgeInteracted,
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Vectors
// ─────────────────────────────────────────────────────────────────────────────

func TestVectorStore_SearchL2(t *testing.T) {
	v := newVectorStore(t)
	ctx := context.Background()

	var b store.VectorBatch
	b.Append("i1", "u1", "i1", []float32{1, 0, 0, 0})
	b.Append("i2", "u2", "i2", []float32{0.9, 0.1, 0, 0})
	b.Append("i3", "u3", "i3", []float32{0, 0, 1, 0})
	if err := v.UpsertBatch(ctx, b); err != nil {
		t.Fatalf("UpsertBatch: %v", err)
	}

	hits, err := v.Search(ctx, []float32{1, 0, 0, 0}, 2, store.MetricL2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("len(hits) = %d, want 2", len(hits))
	}
	if hits[0].UserID != "u1" || hits[1].UserID != "u2" {
		t.Errorf("hits = %+v", hits)
	}
	if hits[0].Distance > hits[1].Distance {
		t.Errorf("hits not ordered by distance: %+v", hits)
	}
}

func TestVectorStore_DimensionMismatch(t *testing.T) {
	v := newVectorStore(t)
	var b store.VectorBatch
	b.Append("i1", "u1", "i1", []float32{1, 0})
	if err := v.UpsertBatch(context.Background(), b); err == nil {
		t.Error("expected dimension error")
	}
	if _, err := v.Search(context.Background(), []float32{1}, 5, store.MetricL2); err == nil {
		t.Error("expected query dimension error")
	}
}

func TestVectorStore_Reset(t *testing.T) {
	v := newVectorStore(t)
	ctx := context.Background()

	var b store.VectorBatch
	b.Append("i1", "u1", "i1", []float32{1, 0, 0, 0})
	if err := v.UpsertBatch(ctx, b); err != nil {
		t.Fatalf("UpsertBatch: %v", err)
	}
	if err := v.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	hits, err := v.Search(ctx, []float32{1, 0, 0, 0}, 5, store.MetricL2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("hits after reset = %d, want 0", len(hits))
	}
}
