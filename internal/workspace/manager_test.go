package workspace

import (
	"context"
	"testing"

	"github.com/danielsimonjr/ironclaw/internal/storage"
	"github.com/danielsimonjr/ironclaw/pkg/models"
)

const testUser = "u1"

func newTestManager(t *testing.T) (*Manager, *storage.MemoryPort) {
	t.Helper()
	store := storage.NewMemoryPort()
	m := NewManager(store, ChunkerConfig{TargetSize: 200, MinSize: 10, Overlap: 0}, nil)
	return m, store
}

func TestPutDocumentRejectsIdentityWrites(t *testing.T) {
	m, _ := newTestManager(t)
	for _, p := range []string{"/IDENTITY.md", "/identity.md", "/SOUL.md", "/AGENTS.md", "/USER.md"} {
		if _, err := m.PutDocument(context.Background(), testUser, p, "x", DocumentOptions{}); err == nil {
			t.Errorf("write to %s succeeded, want rejection", p)
		}
	}
}

func TestPutDocumentReplacesChunksAtomically(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t)

	doc, err := m.PutDocument(ctx, testUser, "/notes/a.md", "first version content", DocumentOptions{})
	if err != nil {
		t.Fatal(err)
	}
	before, err := store.ListChunks(ctx, doc.ID)
	if err != nil || len(before) == 0 {
		t.Fatalf("no chunks after first write: %v", err)
	}

	if _, err := m.PutDocument(ctx, testUser, "/notes/a.md", "completely new content now", DocumentOptions{}); err != nil {
		t.Fatal(err)
	}
	after, err := store.ListChunks(ctx, doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range after {
		if c.Content == "first version content" {
			t.Fatal("stale chunk survived the rewrite")
		}
	}
	for i, c := range after {
		if c.ChunkIndex != i {
			t.Fatalf("chunk %d has index %d", i, c.ChunkIndex)
		}
	}
}

func TestHybridSearchLexicalOnly(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	for path, content := range map[string]string{
		"/a.md": "alpha beta",
		"/b.md": "beta gamma",
		"/c.md": "gamma delta",
	} {
		if _, err := m.PutDocument(ctx, testUser, path, content, DocumentOptions{}); err != nil {
			t.Fatal(err)
		}
	}

	results, err := m.Search(ctx, testUser, "beta gamma", nil, 5, models.SearchFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) == 0 {
		t.Fatal("no results")
	}
	if results[0].Path != "/b.md" {
		t.Fatalf("top hit = %s, want /b.md", results[0].Path)
	}
}

func TestHybridSearchFusionPlacesBFirst(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t)

	paths := map[string]string{
		"/a.md": "alpha beta",
		"/b.md": "beta gamma",
		"/c.md": "gamma delta",
	}
	embeds := map[string][]float32{
		"/a.md": {1, 0.2, 0},
		"/b.md": {0.9, 0.9, 0},
		"/c.md": {0, 1, 0.3},
	}
	for path, content := range paths {
		doc, err := m.PutDocument(ctx, testUser, path, content, DocumentOptions{})
		if err != nil {
			t.Fatal(err)
		}
		chunks, err := store.ListChunks(ctx, doc.ID)
		if err != nil {
			t.Fatal(err)
		}
		for _, c := range chunks {
			c.Embedding = embeds[path]
		}
		if err := store.ReplaceChunks(ctx, doc.ID, chunks); err != nil {
			t.Fatal(err)
		}
	}

	// The query vector sits closest to B's embedding, and B also tops the
	// lexical list, so fused rank must place B first.
	query := []float32{0.9, 0.9, 0}
	results, err := m.Search(ctx, testUser, "beta gamma", query, 5, models.SearchFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) < 2 {
		t.Fatalf("got %d results, want >= 2", len(results))
	}
	if results[0].Path != "/b.md" {
		t.Fatalf("fused top hit = %s, want /b.md", results[0].Path)
	}
	if results[0].Score <= results[1].Score {
		t.Fatal("fused scores are not strictly ordered")
	}
}

func TestSearchIdenticalQueriesIdenticalRanks(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	for path, content := range map[string]string{
		"/a.md": "alpha beta",
		"/b.md": "beta gamma",
	} {
		if _, err := m.PutDocument(ctx, testUser, path, content, DocumentOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	first, err := m.Search(ctx, testUser, "beta", nil, 5, models.SearchFilters{})
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.Search(ctx, testUser, "beta", nil, 5, models.SearchFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != len(second) {
		t.Fatalf("result counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Path != second[i].Path {
			t.Fatalf("rank %d differs: %s vs %s", i, first[i].Path, second[i].Path)
		}
	}
}

func TestConnectRejectsSelfLoop(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	doc, err := m.PutDocument(ctx, testUser, "/a.md", "alpha", DocumentOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Connect(ctx, doc.ID, doc.ID, models.ConnectionUpdates, 0.5, nil); err == nil {
		t.Fatal("self-loop accepted")
	}
}

func TestTraverseBoundedAndCycleSafe(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	a, _ := m.PutDocument(ctx, testUser, "/a.md", "alpha", DocumentOptions{})
	b, _ := m.PutDocument(ctx, testUser, "/b.md", "beta", DocumentOptions{})
	c, _ := m.PutDocument(ctx, testUser, "/c.md", "gamma", DocumentOptions{})

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(m.Connect(ctx, a.ID, b.ID, models.ConnectionExtends, 0.5, nil))
	must(m.Connect(ctx, b.ID, c.ID, models.ConnectionExtends, 0.5, nil))
	must(m.Connect(ctx, c.ID, a.ID, models.ConnectionExtends, 0.5, nil)) // cycle

	// Depth 1: only A's direct edge.
	edges, err := m.Traverse(ctx, a.ID, 1)
	must(err)
	if len(edges) != 1 {
		t.Fatalf("depth 1 returned %d edges, want 1", len(edges))
	}

	// Unbounded-looking depth still terminates thanks to the visited set
	// and the clamp to MaxConnectionDepth.
	edges, err = m.Traverse(ctx, a.ID, 100)
	must(err)
	if len(edges) != 3 {
		t.Fatalf("cycle traversal returned %d edges, want 3", len(edges))
	}
}
