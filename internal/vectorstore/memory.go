package vectorstore

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/coder/hnsw"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tessellate-ai/ragcore/internal/metrics"
)

// Memory is an in-process store backed by a coder/hnsw cosine graph.
// Unfiltered queries go through the ANN index; filtered queries scan the
// (already filtered) rows exactly. Suitable for tests and small corpora.
type Memory struct {
	mu    sync.RWMutex
	rows  map[string]*Chunk   // id -> chunk
	byKey map[ChunkKey]string // semantic key -> id

	graph   *hnsw.Graph[uint64]
	idMap   map[string]uint64 // id -> graph key
	keyMap  map[uint64]string // graph key -> id
	nextKey uint64

	// latency is injected per query for test tuning.
	latency time.Duration
	logger  *zap.Logger
	closed  bool
}

// MemoryConfig controls the in-memory backend.
type MemoryConfig struct {
	InjectedLatency time.Duration
}

// NewMemory creates an empty in-memory store.
func NewMemory(cfg MemoryConfig, logger *zap.Logger) *Memory {
	if logger == nil {
		logger = zap.NewNop()
	}
	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = 16
	graph.EfSearch = 20

	return &Memory{
		rows:    make(map[string]*Chunk),
		byKey:   make(map[ChunkKey]string),
		graph:   graph,
		idMap:   make(map[string]uint64),
		keyMap:  make(map[uint64]string),
		latency: cfg.InjectedLatency,
		logger:  logger,
	}
}

// Upsert inserts or updates in place on the semantic key. Identical
// repeated upserts keep one row and do not mutate CreatedAt.
func (m *Memory) Upsert(ctx context.Context, c *Chunk) error {
	if c.TotalChunks == 0 {
		c.TotalChunks = 1
	}
	if err := ValidateChunk(c); err != nil {
		metrics.RecordVectorUpsert("memory", "invalid")
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	cp := *c
	cp.Embedding = append([]float32(nil), c.Embedding...)

	if existingID, ok := m.byKey[c.Key()]; ok {
		prev := m.rows[existingID]
		cp.ID = existingID
		cp.CreatedAt = prev.CreatedAt
		cp.UpdatedAt = now
		// UpdatedAt is the concurrency token; keep it strictly advancing.
		if !cp.UpdatedAt.After(prev.UpdatedAt) {
			cp.UpdatedAt = prev.UpdatedAt.Add(time.Nanosecond)
		}
		m.rows[existingID] = &cp
		m.indexLocked(existingID, cp.Embedding)
		metrics.RecordVectorUpsert("memory", "updated")
		c.ID = existingID
		c.CreatedAt = cp.CreatedAt
		c.UpdatedAt = cp.UpdatedAt
		return nil
	}

	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.rows[cp.ID] = &cp
	m.byKey[cp.Key()] = cp.ID
	m.indexLocked(cp.ID, cp.Embedding)
	metrics.RecordVectorUpsert("memory", "inserted")
	c.ID = cp.ID
	c.CreatedAt = cp.CreatedAt
	c.UpdatedAt = cp.UpdatedAt
	return nil
}

// indexLocked (re)indexes one id in the ANN graph. Existing graph nodes
// are orphaned rather than removed; RebuildIndex compacts them.
func (m *Memory) indexLocked(id string, vec []float32) {
	if oldKey, ok := m.idMap[id]; ok {
		delete(m.keyMap, oldKey)
		delete(m.idMap, id)
	}
	if len(vec) == 0 {
		return
	}
	key := m.nextKey
	m.nextKey++
	normalized := append([]float32(nil), vec...)
	normalizeInPlace(normalized)
	m.graph.Add(hnsw.MakeNode(key, normalized))
	m.idMap[id] = key
	m.keyMap[key] = id
}

// BulkUpsert upserts each chunk; batches beyond MaxBatchSize are split
// by the caller-facing contract but handled here regardless.
func (m *Memory) BulkUpsert(ctx context.Context, chunks []*Chunk) error {
	for _, c := range chunks {
		if err := m.Upsert(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// Query returns up to k rows ordered by cosine similarity descending.
func (m *Memory) Query(ctx context.Context, embedding []float32, k int, filter *Filter) ([]Match, error) {
	start := time.Now()
	if len(embedding) != EmbeddingDim {
		metrics.RecordVectorQuery("memory", "invalid", 0)
		return nil, ErrBadQueryEmbedding(len(embedding))
	}
	if k <= 0 {
		return nil, nil
	}

	if m.latency > 0 {
		select {
		case <-time.After(m.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var matches []Match
	if filter == nil && m.graph.Len() > 0 {
		query := append([]float32(nil), embedding...)
		normalizeInPlace(query)
		nodes := m.graph.Search(query, k)
		for _, node := range nodes {
			id, ok := m.keyMap[node.Key]
			if !ok {
				continue // orphaned by a later upsert
			}
			row := m.rows[id]
			matches = append(matches, Match{Chunk: cloneChunk(row), Similarity: cosine(embedding, row.Embedding)})
		}
	} else {
		for _, row := range m.rows {
			if len(row.Embedding) == 0 || !filter.Matches(row) {
				continue
			}
			matches = append(matches, Match{Chunk: cloneChunk(row), Similarity: cosine(embedding, row.Embedding)})
		}
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	if len(matches) > k {
		matches = matches[:k]
	}
	metrics.RecordVectorQuery("memory", "ok", time.Since(start).Seconds())
	return matches, nil
}

// Get returns a chunk by ID, or nil when absent.
func (m *Memory) Get(ctx context.Context, id string) (*Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, nil
	}
	return cloneChunk(row), nil
}

// List pages chunks in semantic-key order.
func (m *Memory) List(ctx context.Context, page, pageSize int, repoURL string) ([]*Chunk, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}

	m.mu.RLock()
	var all []*Chunk
	for _, row := range m.rows {
		if repoURL != "" && row.RepoURL != repoURL {
			continue
		}
		all = append(all, cloneChunk(row))
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].RepoURL != all[j].RepoURL {
			return all[i].RepoURL < all[j].RepoURL
		}
		if all[i].FilePath != all[j].FilePath {
			return all[i].FilePath < all[j].FilePath
		}
		return all[i].ChunkIndex < all[j].ChunkIndex
	})

	total := len(all)
	startIdx := (page - 1) * pageSize
	if startIdx >= total {
		return []*Chunk{}, total, nil
	}
	end := startIdx + pageSize
	if end > total {
		end = total
	}
	return all[startIdx:end], total, nil
}

// Delete removes a chunk by ID. Missing IDs are a no-op.
func (m *Memory) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil
	}
	delete(m.rows, id)
	delete(m.byKey, row.Key())
	if key, ok := m.idMap[id]; ok {
		delete(m.keyMap, key)
		delete(m.idMap, id)
	}
	return nil
}

// DeleteChunks removes every row for a source file.
func (m *Memory) DeleteChunks(ctx context.Context, repoURL, filePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, row := range m.rows {
		if row.RepoURL != repoURL || row.FilePath != filePath {
			continue
		}
		delete(m.rows, id)
		delete(m.byKey, row.Key())
		if key, ok := m.idMap[id]; ok {
			delete(m.keyMap, key)
			delete(m.idMap, id)
		}
	}
	return nil
}

// RebuildIndex recreates the ANN graph from live rows, dropping nodes
// orphaned by updates and deletes.
func (m *Memory) RebuildIndex(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = 16
	graph.EfSearch = 20

	m.graph = graph
	m.idMap = make(map[string]uint64)
	m.keyMap = make(map[uint64]string)
	m.nextKey = 0

	for id, row := range m.rows {
		m.indexLocked(id, row.Embedding)
	}
	m.logger.Info("Rebuilt vector index", zap.Int("rows", len(m.rows)))
	return nil
}

// Count returns the number of live rows.
func (m *Memory) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rows)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.graph = nil
	return nil
}

func cloneChunk(c *Chunk) *Chunk {
	cp := *c
	cp.Embedding = append([]float32(nil), c.Embedding...)
	if c.Metadata != nil {
		md := make(map[string]interface{}, len(c.Metadata))
		for k, v := range c.Metadata {
			md[k] = v
		}
		cp.Metadata = md
	}
	return &cp
}

func normalizeInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}

// cosine computes cosine similarity in [-1,1].
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
