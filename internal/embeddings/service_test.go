package embeddings

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessellate-ai/ragcore/internal/chunker"
	"github.com/tessellate-ai/ragcore/internal/fault"
)

// fakeProvider returns deterministic vectors derived from input length
// and records call counts.
type fakeProvider struct {
	mu    sync.Mutex
	calls int
	texts [][]string
	fail  error
	dim   int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{dim: Dimension}
}

func (f *fakeProvider) Embed(_ context.Context, texts []string, _ string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.texts = append(f.texts, append([]string(nil), texts...))
	if f.fail != nil {
		return nil, f.fail
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v := make([]float32, f.dim)
		v[0] = float32(len(text))
		out[i] = v
	}
	return out, nil
}

func (f *fakeProvider) IsAvailable(context.Context) bool { return f.fail == nil }
func (f *fakeProvider) Name() string                     { return "fake" }

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestService(t *testing.T, provider Provider, cache EmbeddingCache) *Service {
	t.Helper()
	s, err := NewService(Config{Timeout: time.Second}, provider, cache, nil)
	require.NoError(t, err)
	return s
}

func TestNewServiceRejectsWrongDimension(t *testing.T) {
	_, err := NewService(Config{Dimension: 768}, newFakeProvider(), nil, nil)
	require.Error(t, err)
	assert.Equal(t, fault.CodeInvalidRequest, fault.CodeOf(err))
}

func TestEmbedCachesResult(t *testing.T) {
	provider := newFakeProvider()
	s := newTestService(t, provider, nil)
	ctx := context.Background()

	v1, err := s.Embed(ctx, "hello")
	require.NoError(t, err)
	require.Len(t, v1, Dimension)

	v2, err := s.Embed(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.Equal(t, 1, provider.callCount(), "second call must hit the LRU")
}

func TestEmbedUsesRedisTier(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := NewRedisCacheFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	provider := newFakeProvider()
	first := newTestService(t, provider, cache)
	ctx := context.Background()

	v1, err := first.Embed(ctx, "shared")
	require.NoError(t, err)

	// A fresh service has a cold LRU but shares the redis tier.
	second := newTestService(t, provider, cache)
	v2, err := second.Embed(ctx, "shared")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Equal(t, 1, provider.callCount())
}

func TestEmbedBatchPreservesOrderWithPartialCache(t *testing.T) {
	provider := newFakeProvider()
	s := newTestService(t, provider, nil)
	ctx := context.Background()

	// Warm the cache for "bb" only.
	_, err := s.Embed(ctx, "bb")
	require.NoError(t, err)

	vecs, err := s.EmbedBatch(ctx, []string{"a", "bb", "ccc"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)

	assert.Equal(t, float32(1), vecs[0][0])
	assert.Equal(t, float32(2), vecs[1][0])
	assert.Equal(t, float32(3), vecs[2][0])

	// Only the two uncached texts went out.
	require.Equal(t, 2, provider.callCount())
	assert.Equal(t, []string{"a", "ccc"}, provider.texts[1])
}

func TestEmbedBatchEmptyInput(t *testing.T) {
	s := newTestService(t, newFakeProvider(), nil)
	vecs, err := s.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vecs)
}

func TestEmbedRejectsWrongProviderDimension(t *testing.T) {
	provider := newFakeProvider()
	provider.dim = 768
	s := newTestService(t, provider, nil)

	_, err := s.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Equal(t, fault.CodeEmbeddingFailure, fault.CodeOf(err))
}

func TestEmbedBatchWithMetadataFlagsCacheHits(t *testing.T) {
	provider := newFakeProvider()
	s := newTestService(t, provider, nil)
	ctx := context.Background()

	_, err := s.Embed(ctx, "cached")
	require.NoError(t, err)

	results, err := s.EmbedBatchWithMetadata(ctx, []string{"cached", "fresh"}, 8)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.True(t, results[0].FromCache)
	assert.False(t, results[1].FromCache)
	assert.Equal(t, "fake", results[1].Provider)
	require.Len(t, results[1].Vector, Dimension)
}

func TestEmbedBatchWithMetadataTokenCounts(t *testing.T) {
	provider := newFakeProvider()
	s := newTestService(t, provider, nil)

	text := "several words of input text"
	results, err := s.EmbedBatchWithMetadata(context.Background(), []string{text}, 8)
	require.NoError(t, err)
	require.Len(t, results, 1)

	// Same estimator the chunker uses, so ingestion and embedding agree.
	assert.Equal(t, chunker.CountTokens(text, "text-embedding-3-small"), results[0].TokenCount)
}

func TestLocalLRUEvictsOldest(t *testing.T) {
	lru := NewLocalLRU(2)
	ctx := context.Background()

	lru.Set(ctx, "a", []float32{1}, time.Minute)
	lru.Set(ctx, "b", []float32{2}, time.Minute)
	_, ok := lru.Get(ctx, "a") // touch a, making b the eviction target
	require.True(t, ok)
	lru.Set(ctx, "c", []float32{3}, time.Minute)

	_, ok = lru.Get(ctx, "b")
	assert.False(t, ok)
	_, ok = lru.Get(ctx, "a")
	assert.True(t, ok)
	_, ok = lru.Get(ctx, "c")
	assert.True(t, ok)
}

func TestLocalLRUExpiry(t *testing.T) {
	lru := NewLocalLRU(8)
	ctx := context.Background()

	lru.Set(ctx, "k", []float32{1}, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	_, ok := lru.Get(ctx, "k")
	assert.False(t, ok)
}

func TestRedisCacheRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := NewRedisCacheFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	ctx := context.Background()

	in := []float32{0.5, -2.25, 3}
	cache.Set(ctx, "k", in, time.Minute)
	out, ok := cache.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, in, out)

	_, ok = cache.Get(ctx, "absent")
	assert.False(t, ok)
}

func TestMakeKeyIsContentAddressed(t *testing.T) {
	k1 := MakeKey("model-a", "text")
	k2 := MakeKey("model-a", "text")
	k3 := MakeKey("model-b", "text")

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Contains(t, k1, "emb:")
}
