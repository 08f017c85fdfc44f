package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucidrag/engine/config"
	"github.com/lucidrag/engine/types"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.DefaultConfig()
	e, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func hashOf(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func testChunk(id, docID string, ordinal int, text string, embedding []float32) types.Chunk {
	return types.Chunk{
		ID:          id,
		DocumentID:  docID,
		Ordinal:     ordinal,
		Text:        text,
		Embedding:   embedding,
		ContentHash: hashOf(text),
	}
}

func TestIndexAndSearchEndToEnd(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	doc := types.Document{ID: "d1", Source: "handbook.md", ContentHash: "doc-hash"}
	chunks := []types.Chunk{
		testChunk("c1", "d1", 0, "postgres streaming replication", []float32{1, 0}),
		testChunk("c2", "d1", 1, "redis eviction policies", []float32{0, 1}),
	}

	stats, err := e.IndexChunks(ctx, "acme", "docs", doc, chunks)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Indexed)
	assert.Zero(t, stats.Skipped)

	ok, err := e.HasDocument(ctx, "acme", "docs", "d1")
	require.NoError(t, err)
	assert.True(t, ok)

	results, err := e.Search(ctx, "acme", "docs", "postgres replication", []float32{1, 0}, 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "c1", results[0].ChunkID)
}

func TestReindexingIsIdempotent(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	doc := types.Document{ID: "d1", ContentHash: "v1"}
	chunks := []types.Chunk{
		testChunk("c1", "d1", 0, "unchanged paragraph", []float32{1, 0}),
	}

	stats, err := e.IndexChunks(ctx, "acme", "docs", doc, chunks)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Indexed)

	// Attach graph provenance, then re-index the identical content.
	entity, err := e.UpsertEntity(ctx, "acme", "PostgreSQL", "technology", "", []string{"c1"})
	require.NoError(t, err)

	stats, err = e.IndexChunks(ctx, "acme", "docs", doc, chunks)
	require.NoError(t, err)
	assert.Zero(t, stats.Indexed, "unchanged content hash writes nothing")
	assert.Equal(t, 1, stats.Skipped)

	n, err := e.ChunkCount(ctx, "acme", "docs")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(1), entity.MentionCount, "re-indexing does not inflate mention counts")
}

func TestStaleChunkRemovalOnReindex(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	doc := types.Document{ID: "d1", ContentHash: "v1"}
	original := []types.Chunk{
		testChunk("c1", "d1", 0, "intro paragraph", []float32{1, 0}),
		testChunk("c2", "d1", 1, "old body paragraph", []float32{0, 1}),
	}
	_, err := e.IndexChunks(ctx, "acme", "docs", doc, original)
	require.NoError(t, err)

	// Entity observed in the soon-to-be-stale chunk.
	_, err = e.UpsertEntity(ctx, "acme", "Redis", "technology", "", []string{"c2"})
	require.NoError(t, err)

	// One paragraph changed: c2's content is replaced by c2v2.
	doc.ContentHash = "v2"
	revised := []types.Chunk{
		original[0],
		testChunk("c2v2", "d1", 1, "new body paragraph", []float32{0, 1}),
	}
	_, err = e.IndexChunks(ctx, "acme", "docs", doc, revised)
	require.NoError(t, err)
	require.NoError(t, e.RemoveStaleChunks(ctx, "acme", "docs", "d1",
		[]string{hashOf("intro paragraph"), hashOf("new body paragraph")}))

	n, err := e.ChunkCount(ctx, "acme", "docs")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "exactly the changed chunk was replaced")

	// The stale chunk no longer surfaces in search.
	results, err := e.Search(ctx, "acme", "docs", "body paragraph", []float32{0, 1}, 5)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "c2", r.ChunkID)
	}
}

func TestTenantIsolation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	doc := types.Document{ID: "d1"}
	_, err := e.IndexChunks(ctx, "acme", "docs", doc, []types.Chunk{
		testChunk("c1", "d1", 0, "acme secret roadmap", []float32{1, 0}),
	})
	require.NoError(t, err)

	// Tenant B sees an empty world, not tenant A's chunks.
	results, err := e.Search(ctx, "globex", "docs", "secret roadmap", []float32{1, 0}, 5)
	if err == nil {
		assert.Empty(t, results)
	} else {
		assert.Equal(t, types.ErrBackendUnavailable, types.GetErrorCode(err))
	}

	// Cache writes are tenant-scoped too.
	e.CacheSet("acme", "k", "acme-value", 1)
	_, ok := e.CacheGet("globex", "k")
	assert.False(t, ok)

	v, ok := e.CacheGet("acme", "k")
	require.True(t, ok)
	assert.Equal(t, "acme-value", v)

	// Invalidating acme leaves globex untouched.
	e.CacheSet("globex", "k", "globex-value", 1)
	e.InvalidateTenant("acme")

	_, ok = e.CacheGet("acme", "k")
	assert.False(t, ok)
	v, ok = e.CacheGet("globex", "k")
	require.True(t, ok)
	assert.Equal(t, "globex-value", v)
}

func TestSummaryRoundTripThroughEngine(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.IndexChunks(ctx, "acme", "docs", types.Document{ID: "d1"}, []types.Chunk{
		testChunk("c1", "d1", 0, "content", []float32{1, 0}),
	})
	require.NoError(t, err)

	_, ok, err := e.CachedSummary(ctx, "acme", "docs", "ev-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, e.CacheSummary(ctx, "acme", "docs", "ev-1", "synthesized answer"))

	got, ok, err := e.CachedSummary(ctx, "acme", "docs", "ev-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "synthesized answer", got)

	_, ok, err = e.CachedSummary(ctx, "acme", "docs", "ev-other")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGraphUpsertsThroughEngine(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	src, err := e.UpsertEntity(ctx, "acme", "Service A", "service", "", []string{"c1"})
	require.NoError(t, err)
	dst, err := e.UpsertEntity(ctx, "acme", "Service B", "service", "", []string{"c1"})
	require.NoError(t, err)

	rel, err := e.UpsertRelationship(ctx, "acme", src.ID, dst.ID, "calls", "A calls B", []string{"c1"})
	require.NoError(t, err)
	assert.Equal(t, 1.0, rel.Weight)

	rel, err = e.UpsertRelationship(ctx, "acme", src.ID, dst.ID, "calls", "", []string{"c2"})
	require.NoError(t, err)
	assert.Equal(t, 2.0, rel.Weight)
	assert.Equal(t, "A calls B", rel.Description)
}

func TestTokenCountsFilledWhenZero(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	text := "a paragraph long enough to count a few tokens"
	_, err := e.IndexChunks(ctx, "acme", "docs", types.Document{ID: "d1"}, []types.Chunk{
		testChunk("c1", "d1", 0, text, []float32{1, 0}),
	})
	require.NoError(t, err)

	// The stored chunk carries the estimated count.
	results, err := e.Search(ctx, "acme", "docs", "", []float32{1, 0}, 1)
	require.NoError(t, err)
	require.NotEmpty(t, results)
}

func TestConcurrentIndexingSameDocument(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.IndexChunks(ctx, "acme", "docs", types.Document{ID: "d1"}, []types.Chunk{
				testChunk("c1", "d1", 0, "same content", []float32{1, 0}),
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	n, err := e.ChunkCount(ctx, "acme", "docs")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestInvalidEmbeddingRejectedSynchronously(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.IndexChunks(ctx, "acme", "docs", types.Document{ID: "d1"}, []types.Chunk{
		testChunk("ok", "d1", 0, "fine", []float32{1, 0}),
		testChunk("bad", "d1", 1, "wrong width", []float32{1, 0, 0}),
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidEmbedding, types.GetErrorCode(err))

	n, err := e.ChunkCount(ctx, "acme", "docs")
	require.NoError(t, err)
	assert.Zero(t, n, "the batch was never partially applied")
}

func TestStatsSnapshot(t *testing.T) {
	e := newTestEngine(t)

	e.CacheSet("acme", "k", 1, 1)
	e.CacheGet("acme", "k")
	e.CacheGet("acme", "missing")

	stats := e.Stats()
	require.Contains(t, stats, types.TenantID("acme"))
	assert.Equal(t, uint64(1), stats["acme"].Hits)
	assert.Equal(t, uint64(1), stats["acme"].Misses)
}
