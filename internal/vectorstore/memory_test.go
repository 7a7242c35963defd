package vectorstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessellate-ai/ragcore/internal/fault"
)

// axisVector returns a unit vector along the given dimension.
func axisVector(dim int) []float32 {
	v := make([]float32, EmbeddingDim)
	v[dim] = 1
	return v
}

func testChunk(repo, path string, index int, embedding []float32) *Chunk {
	return &Chunk{
		RepoURL:     repo,
		FilePath:    path,
		Text:        "some text",
		Embedding:   embedding,
		ChunkIndex:  index,
		TotalChunks: 1,
	}
}

func TestMemoryUpsertIsIdempotentOnSemanticKey(t *testing.T) {
	m := NewMemory(MemoryConfig{}, nil)
	ctx := context.Background()

	c := testChunk("repo", "a.go", 0, axisVector(0))
	require.NoError(t, m.Upsert(ctx, c))
	firstID, createdAt, updatedAt := c.ID, c.CreatedAt, c.UpdatedAt

	again := testChunk("repo", "a.go", 0, axisVector(0))
	again.Text = "revised text"
	require.NoError(t, m.Upsert(ctx, again))

	assert.Equal(t, 1, m.Count(), "same semantic key must not create a second row")
	assert.Equal(t, firstID, again.ID)
	assert.Equal(t, createdAt, again.CreatedAt, "CreatedAt survives updates")
	assert.True(t, again.UpdatedAt.After(updatedAt), "UpdatedAt must advance")

	got, err := m.Get(ctx, firstID)
	require.NoError(t, err)
	assert.Equal(t, "revised text", got.Text)
}

func TestMemoryDistinctKeysCreateDistinctRows(t *testing.T) {
	m := NewMemory(MemoryConfig{}, nil)
	ctx := context.Background()

	require.NoError(t, m.Upsert(ctx, testChunk("repo", "a.go", 0, axisVector(0))))
	require.NoError(t, m.Upsert(ctx, testChunk("repo", "a.go", 1, axisVector(1))))
	require.NoError(t, m.Upsert(ctx, testChunk("repo", "b.go", 0, axisVector(2))))
	assert.Equal(t, 3, m.Count())
}

func TestMemoryValidationRejectsBadChunks(t *testing.T) {
	m := NewMemory(MemoryConfig{}, nil)
	ctx := context.Background()

	cases := []struct {
		name  string
		chunk *Chunk
	}{
		{"missing repo", testChunk("", "a.go", 0, axisVector(0))},
		{"missing path", testChunk("repo", "", 0, axisVector(0))},
		{"short embedding", testChunk("repo", "a.go", 0, make([]float32, 1535))},
		{"long embedding", testChunk("repo", "a.go", 0, make([]float32, 1537))},
		{"negative index", testChunk("repo", "a.go", -1, axisVector(0))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := m.Upsert(ctx, tc.chunk)
			require.Error(t, err)
			assert.Equal(t, fault.CodeInvalidRequest, fault.CodeOf(err))
		})
	}
	assert.Equal(t, 0, m.Count())
}

func TestMemoryQueryOrdersBySimilarity(t *testing.T) {
	m := NewMemory(MemoryConfig{}, nil)
	ctx := context.Background()

	near := axisVector(0)
	near[1] = 0.1 // almost axis 0
	require.NoError(t, m.Upsert(ctx, testChunk("repo", "near.go", 0, near)))
	require.NoError(t, m.Upsert(ctx, testChunk("repo", "exact.go", 0, axisVector(0))))
	require.NoError(t, m.Upsert(ctx, testChunk("repo", "far.go", 0, axisVector(5))))

	matches, err := m.Query(ctx, axisVector(0), 10, nil)
	require.NoError(t, err)
	require.Len(t, matches, 3)

	assert.Equal(t, "exact.go", matches[0].Chunk.FilePath)
	assert.Equal(t, "near.go", matches[1].Chunk.FilePath)
	assert.Equal(t, "far.go", matches[2].Chunk.FilePath)

	assert.InDelta(t, 1.0, matches[0].Similarity, 1e-6)
	for _, match := range matches {
		assert.GreaterOrEqual(t, match.Similarity, -1.0)
		assert.LessOrEqual(t, match.Similarity, 1.0)
	}
}

func TestMemoryQueryRejectsWrongDimension(t *testing.T) {
	m := NewMemory(MemoryConfig{}, nil)
	_, err := m.Query(context.Background(), make([]float32, 100), 5, nil)
	require.Error(t, err)
	assert.Equal(t, fault.CodeInvalidRequest, fault.CodeOf(err))
}

func TestMemoryQueryWithFilter(t *testing.T) {
	m := NewMemory(MemoryConfig{}, nil)
	ctx := context.Background()

	code := testChunk("repo", "impl.go", 0, axisVector(0))
	code.IsCode = true
	code.FileType = "go"
	require.NoError(t, m.Upsert(ctx, code))

	doc := testChunk("repo", "readme.md", 0, axisVector(0))
	doc.FileType = "md"
	require.NoError(t, m.Upsert(ctx, doc))

	isCode := true
	matches, err := m.Query(ctx, axisVector(0), 10, &Filter{IsCode: &isCode})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "impl.go", matches[0].Chunk.FilePath)

	matches, err = m.Query(ctx, axisVector(0), 10, &Filter{FileType: "md"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "readme.md", matches[0].Chunk.FilePath)
}

func TestMemoryQuerySkipsChunksWithoutEmbedding(t *testing.T) {
	m := NewMemory(MemoryConfig{}, nil)
	ctx := context.Background()

	bare := testChunk("repo", "bare.go", 0, nil)
	require.NoError(t, m.Upsert(ctx, bare))
	require.NoError(t, m.Upsert(ctx, testChunk("repo", "vec.go", 0, axisVector(0))))

	matches, err := m.Query(ctx, axisVector(0), 10, &Filter{RepoURL: "repo"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "vec.go", matches[0].Chunk.FilePath)
}

func TestMemoryInjectedLatency(t *testing.T) {
	m := NewMemory(MemoryConfig{InjectedLatency: 50 * time.Millisecond}, nil)
	ctx := context.Background()
	require.NoError(t, m.Upsert(ctx, testChunk("repo", "a.go", 0, axisVector(0))))

	start := time.Now()
	_, err := m.Query(ctx, axisVector(0), 1, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestMemoryDeleteChunks(t *testing.T) {
	m := NewMemory(MemoryConfig{}, nil)
	ctx := context.Background()

	require.NoError(t, m.Upsert(ctx, testChunk("repo", "a.go", 0, axisVector(0))))
	require.NoError(t, m.Upsert(ctx, testChunk("repo", "a.go", 1, axisVector(1))))
	require.NoError(t, m.Upsert(ctx, testChunk("repo", "b.go", 0, axisVector(2))))

	require.NoError(t, m.DeleteChunks(ctx, "repo", "a.go"))
	assert.Equal(t, 1, m.Count())

	// Deleted rows never come back from the index.
	matches, err := m.Query(ctx, axisVector(0), 10, nil)
	require.NoError(t, err)
	for _, match := range matches {
		assert.NotEqual(t, "a.go", match.Chunk.FilePath)
	}
}

func TestMemoryListPagination(t *testing.T) {
	m := NewMemory(MemoryConfig{}, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, m.Upsert(ctx, testChunk("repo", "a.go", i, axisVector(i))))
	}

	page1, total, err := m.List(ctx, 1, 2, "repo")
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page1, 2)
	assert.Equal(t, 0, page1[0].ChunkIndex)
	assert.Equal(t, 1, page1[1].ChunkIndex)

	page3, _, err := m.List(ctx, 3, 2, "repo")
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Equal(t, 4, page3[0].ChunkIndex)

	empty, total, err := m.List(ctx, 9, 2, "repo")
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Empty(t, empty)
}

func TestMemoryRebuildIndexAfterChurn(t *testing.T) {
	m := NewMemory(MemoryConfig{}, nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, m.Upsert(ctx, testChunk("repo", "a.go", i, axisVector(i))))
	}
	for i := 0; i < 10; i++ {
		// Re-upsert orphans the original graph nodes.
		require.NoError(t, m.Upsert(ctx, testChunk("repo", "a.go", i, axisVector(i))))
	}
	require.NoError(t, m.RebuildIndex(ctx))

	matches, err := m.Query(ctx, axisVector(3), 1, nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, 3, matches[0].Chunk.ChunkIndex)
}

func TestCosine(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{0, 1, 0}
	neg := []float32{-1, 0, 0}

	assert.InDelta(t, 1.0, cosine(a, a), 1e-9)
	assert.InDelta(t, 0.0, cosine(a, b), 1e-9)
	assert.InDelta(t, -1.0, cosine(a, neg), 1e-9)
	assert.Equal(t, 0.0, cosine(a, []float32{0, 0, 0}))
	assert.Equal(t, 0.0, cosine(a, []float32{1, 2}))
}
