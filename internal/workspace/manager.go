// Package workspace implements the per-user path-addressed memory store
// and hybrid lexical/vector search over its chunked documents.
package workspace

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/danielsimonjr/ironclaw/internal/storage"
	"github.com/danielsimonjr/ironclaw/internal/workspace/embeddings"
	"github.com/danielsimonjr/ironclaw/pkg/models"
)

// RRFK0 is the reciprocal rank fusion constant.
const RRFK0 = 60

// MaxConnectionDepth bounds graph traversal: default 1, max 10.
const MaxConnectionDepth = 10

// Manager implements the workspace operations: document writes with
// atomic re-chunking, embedding enqueue, and hybrid search with RRF.
type Manager struct {
	store      storage.WorkspaceStore
	chunker    *Chunker
	embed      embeddings.Provider
	embedQueue chan embedJob
}

type embedJob struct {
	documentID string
	chunks     []*models.MemoryChunk
}

// NewManager constructs a Manager. embed may be nil, in which case every
// chunk is lexical-only.
func NewManager(store storage.WorkspaceStore, chunkerCfg ChunkerConfig, embed embeddings.Provider) *Manager {
	m := &Manager{
		store:      store,
		chunker:    NewChunker(chunkerCfg),
		embed:      embed,
		embedQueue: make(chan embedJob, 256),
	}
	go m.embedLoop()
	return m
}

// embedLoop is the bounded worker pool consumer for best-effort embedding
// generation.
func (m *Manager) embedLoop() {
	for job := range m.embedQueue {
		if m.embed == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		texts := make([]string, len(job.chunks))
		for i, c := range job.chunks {
			texts[i] = c.Content
		}
		vecs, err := m.embed.EmbedBatch(ctx, texts)
		cancel()
		if err != nil {
			continue // best-effort: lexical-only fallback stands
		}
		for i, c := range job.chunks {
			if i < len(vecs) {
				c.Embedding = vecs[i]
			}
		}
		_ = m.store.ReplaceChunks(context.Background(), job.documentID, job.chunks)
	}
}

// PutDocument normalizes path, upserts the document, and atomically
// re-chunks+re-embeds it.
func (m *Manager) PutDocument(ctx context.Context, userID, rawPath, content string, opts DocumentOptions) (*models.MemoryDocument, error) {
	normPath, err := NormalizePath(rawPath)
	if err != nil {
		return nil, err
	}
	if IsIdentityPath(normPath) {
		return nil, fmt.Errorf("workspace: writes to identity document %s are rejected", normPath)
	}

	now := time.Now().UTC()
	doc, err := m.store.GetDocument(ctx, userID, normPath)
	if err != nil && !storage.IsNotFound(err) {
		return nil, err
	}
	if doc == nil {
		doc = &models.MemoryDocument{
			ID:        models.NewID(),
			UserID:    userID,
			Path:      normPath,
			CreatedAt: now,
		}
	}
	doc.Content = content
	doc.Importance = opts.Importance
	doc.EventDate = opts.EventDate
	doc.SourceURL = opts.SourceURL
	doc.Tags = opts.Tags
	doc.UpdatedAt = now

	if err := m.store.PutDocument(ctx, doc); err != nil {
		return nil, err
	}

	pieces := m.chunker.Chunk(content)
	chunks := make([]*models.MemoryChunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = &models.MemoryChunk{
			ID:         models.NewID(),
			DocumentID: doc.ID,
			ChunkIndex: i,
			Content:    p,
			CreatedAt:  now,
		}
	}
	// Delete-then-insert is atomic at the store layer; chunks
	// start lexical-only and gain embeddings asynchronously.
	if err := m.store.ReplaceChunks(ctx, doc.ID, chunks); err != nil {
		return nil, err
	}

	if m.embed != nil && len(chunks) > 0 {
		select {
		case m.embedQueue <- embedJob{documentID: doc.ID, chunks: chunks}:
		default:
			// Queue full: embeddings remain best-effort and are simply
			// skipped for this write rather than blocking the caller.
		}
	}
	return doc, nil
}

// DocumentOptions carries the optional MemoryDocument fields a write may set.
type DocumentOptions struct {
	Importance float64
	EventDate  *time.Time
	SourceURL  string
	Tags       []string
}

// GetDocument reads a document by normalized path. Identity documents
// are readable; only writes to them are rejected.
func (m *Manager) GetDocument(ctx context.Context, userID, rawPath string) (*models.MemoryDocument, error) {
	normPath, err := NormalizePath(rawPath)
	if err != nil {
		return nil, err
	}
	return m.store.GetDocument(ctx, userID, normPath)
}

// DeleteDocument removes a document and, transitively via the store, its
// chunks. Identity documents cannot be deleted by tool-initiated writes.
func (m *Manager) DeleteDocument(ctx context.Context, userID, rawPath string) error {
	normPath, err := NormalizePath(rawPath)
	if err != nil {
		return err
	}
	if IsIdentityPath(normPath) {
		return fmt.Errorf("workspace: cannot delete identity document %s", normPath)
	}
	return m.store.DeleteDocument(ctx, userID, normPath)
}

// Search implements the hybrid search contract: lexical and
// (optionally) vector candidate lists are fused via reciprocal rank
// fusion, with document-access bookkeeping performed best-effort.
func (m *Manager) Search(ctx context.Context, userID, queryText string, queryEmbedding []float32, k int, filters models.SearchFilters) ([]models.SearchResult, error) {
	if k <= 0 {
		k = 10
	}
	kFts := k * 3
	if kFts < 20 {
		kFts = 20
	}

	lexical, err := m.store.LexicalSearch(ctx, userID, queryText, kFts, filters)
	if err != nil {
		return nil, err
	}

	var vector []storage.RankedChunk
	if len(queryEmbedding) > 0 {
		vector, err = m.store.VectorSearch(ctx, userID, queryEmbedding, kFts, filters)
		if err != nil && err != storage.ErrVectorUnsupported {
			return nil, err
		}
	}

	fused := fuseRRF(lexical, vector, RRFK0)
	if len(fused) == 0 {
		return nil, nil
	}

	results := make([]models.SearchResult, 0, len(fused))
	docCache := make(map[string]*models.MemoryDocument)
	for _, f := range fused {
		doc, ok := docCache[f.documentID]
		if !ok {
			doc, _ = m.store.GetDocumentByID(ctx, f.documentID)
			docCache[f.documentID] = doc
		}
		if doc == nil {
			continue
		}
		chunks, err := m.store.ListChunks(ctx, f.documentID)
		if err != nil {
			continue
		}
		var snippet string
		chunkIndex := f.chunkIndex
		for _, c := range chunks {
			if c.ID == f.chunkID {
				snippet = snippetOf(c.Content, 240)
				chunkIndex = c.ChunkIndex
				break
			}
		}
		results = append(results, models.SearchResult{
			DocumentID: f.documentID,
			Path:       doc.Path,
			ChunkIndex: chunkIndex,
			Snippet:    snippet,
			Score:      f.score,
		})
		// Best-effort access bookkeeping: failures never fail search.
		go func(id string) {
			_ = m.store.TouchDocumentAccess(context.Background(), id)
		}(doc.ID)
	}

	sortResults(results, docCache)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

type fusedHit struct {
	chunkID    string
	documentID string
	chunkIndex int
	score      float64
}

// fuseRRF implements step 3 exactly: score = Σ 1/(k0+rank) across the
// lists a chunk appears in; absence from a list contributes 0.
func fuseRRF(lexical, vector []storage.RankedChunk, k0 int) []fusedHit {
	scores := make(map[string]*fusedHit)
	order := make([]string, 0)

	apply := func(list []storage.RankedChunk) {
		for _, r := range list {
			h, ok := scores[r.ChunkID]
			if !ok {
				h = &fusedHit{chunkID: r.ChunkID, documentID: r.DocumentID}
				scores[r.ChunkID] = h
				order = append(order, r.ChunkID)
			}
			h.score += 1.0 / float64(k0+r.Rank)
		}
	}
	apply(lexical)
	apply(vector)

	out := make([]fusedHit, 0, len(order))
	for _, id := range order {
		out = append(out, *scores[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })
	return out
}

// sortResults applies step 3's tie-break chain beyond fused score:
// last_accessed_at desc, importance desc, path asc. Ties at equal score
// are already rare since scores are sums of distinct rank reciprocals,
// but the chain still applies deterministically.
func sortResults(results []models.SearchResult, docs map[string]*models.MemoryDocument) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		da, db := docs[a.DocumentID], docs[b.DocumentID]
		if da != nil && db != nil {
			if !da.LastAccessedAt.Equal(db.LastAccessedAt) {
				return da.LastAccessedAt.After(db.LastAccessedAt)
			}
			if da.Importance != db.Importance {
				return da.Importance > db.Importance
			}
		}
		return a.Path < b.Path
	})
}

func snippetOf(content string, max int) string {
	content = strings.TrimSpace(content)
	if len(content) <= max {
		return content
	}
	return content[:max] + "..."
}

// Connect creates a typed edge between two documents, rejecting
// self-loops.
func (m *Manager) Connect(ctx context.Context, sourceID, targetID string, typ models.ConnectionType, strength float64, meta map[string]any) error {
	if sourceID == targetID {
		return fmt.Errorf("workspace: connection source and target must differ")
	}
	return m.store.CreateConnection(ctx, &models.MemoryConnection{
		ID:        models.NewID(),
		SourceID:  sourceID,
		TargetID:  targetID,
		Type:      typ,
		Strength:  strength,
		Metadata:  meta,
		CreatedAt: time.Now().UTC(),
	})
}

// Traverse walks the connection graph from rootID up to maxDepth hops,
// tolerating cycles via a visited set. maxDepth is
// clamped to [1, MaxConnectionDepth].
func (m *Manager) Traverse(ctx context.Context, rootID string, maxDepth int) ([]*models.MemoryConnection, error) {
	if maxDepth <= 0 {
		maxDepth = 1
	}
	if maxDepth > MaxConnectionDepth {
		maxDepth = MaxConnectionDepth
	}

	visited := map[string]bool{rootID: true}
	var out []*models.MemoryConnection
	frontier := []string{rootID}
	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			conns, err := m.store.ListConnections(ctx, id, 1)
			if err != nil {
				return nil, err
			}
			for _, c := range conns {
				out = append(out, c)
				if !visited[c.TargetID] {
					visited[c.TargetID] = true
					next = append(next, c.TargetID)
				}
			}
		}
		frontier = next
	}
	return out, nil
}
