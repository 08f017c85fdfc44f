package search

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucidrag/engine/config"
	"github.com/lucidrag/engine/graphstore"
	"github.com/lucidrag/engine/types"
	"github.com/lucidrag/engine/vectorstore"
)

func searchConfig() config.SearchConfig {
	cfg := config.DefaultConfig().Search
	cfg.GraphExpansion.Enabled = false
	return cfg
}

func seedStore(t *testing.T) vectorstore.Store {
	t.Helper()
	ctx := context.Background()
	vs := vectorstore.NewMemoryStore(nil)
	require.NoError(t, vs.Initialize(ctx, "docs", 2))
	require.NoError(t, vs.UpsertChunks(ctx, "docs", []types.Chunk{
		{ID: "c1", DocumentID: "d1", Ordinal: 0, Text: "postgres replication setup",
			Embedding: []float32{1, 0}, ContentHash: "h1", SalienceScore: 0.2},
		{ID: "c2", DocumentID: "d1", Ordinal: 1, Text: "redis cache eviction policy",
			Embedding: []float32{0, 1}, ContentHash: "h2", SalienceScore: 0.9},
		{ID: "c3", DocumentID: "d2", Ordinal: 0, Text: "postgres index tuning",
			Embedding: []float32{0.9, 0.1}, ContentHash: "h3", SalienceScore: 0.5},
	}))
	return vs
}

func newSearcher(t *testing.T, vs vectorstore.Store, gs graphstore.Store, cfg config.SearchConfig) *HybridSearcher {
	t.Helper()
	lexical := NewBM25Searcher(vs, BM25Params{K1: cfg.BM25K1, B: cfg.BM25B})
	return NewHybridSearcher(vs, gs, lexical, cfg, nil)
}

func TestHybridSearchFusesSources(t *testing.T) {
	vs := seedStore(t)
	h := newSearcher(t, vs, nil, searchConfig())

	results, err := h.Search(context.Background(), "docs", "acme", Query{
		Text:      "postgres",
		Embedding: []float32{1, 0},
		TopK:      3,
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)

	// "postgres" chunks lead both the dense and the lexical rankings.
	assert.Contains(t, []string{"c1", "c3"}, results[0].ChunkID)
	for _, r := range results {
		assert.NotEmpty(t, r.Text)
		assert.NotEmpty(t, r.DocumentID)
		assert.Greater(t, r.FusedScore, 0.0)
	}

	// Dense similarity is carried through for chunks the dense source saw.
	assert.InDelta(t, 1.0, pickResult(t, results, "c1").DenseSimilarity, 1e-9)
}

func TestHybridSearchEmptyQuery(t *testing.T) {
	h := newSearcher(t, seedStore(t), nil, searchConfig())

	results, err := h.Search(context.Background(), "docs", "acme", Query{TopK: 5})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestHybridSearchZeroTopK(t *testing.T) {
	h := newSearcher(t, seedStore(t), nil, searchConfig())

	results, err := h.Search(context.Background(), "docs", "acme", Query{Text: "postgres"})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestHybridSearchLexicalOnly(t *testing.T) {
	h := newSearcher(t, seedStore(t), nil, searchConfig())

	results, err := h.Search(context.Background(), "docs", "acme", Query{
		Text: "redis eviction",
		TopK: 3,
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "c2", results[0].ChunkID)
	assert.Equal(t, "redis cache eviction policy", results[0].Text)
}

func TestHybridSearchDocFilter(t *testing.T) {
	h := newSearcher(t, seedStore(t), nil, searchConfig())

	results, err := h.Search(context.Background(), "docs", "acme", Query{
		Embedding: []float32{1, 0},
		TopK:      3,
		DocFilter: []string{"d2"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "c3", results[0].ChunkID)
}

// failingDenseStore breaks the dense source while leaving the lexical
// corpus readable.
type failingDenseStore struct {
	vectorstore.Store
}

func (s *failingDenseStore) Search(context.Context, string, []float32, int, []string) ([]types.ScoredChunk, error) {
	return nil, fmt.Errorf("vector backend down")
}

func TestHybridSearchDegradesWhenOneSourceFails(t *testing.T) {
	vs := &failingDenseStore{Store: seedStore(t)}
	h := newSearcher(t, vs, nil, searchConfig())

	results, err := h.Search(context.Background(), "docs", "acme", Query{
		Text:      "postgres",
		Embedding: []float32{1, 0},
		TopK:      3,
	})
	require.NoError(t, err, "a single failed source must not fail the query")
	require.NotEmpty(t, results)
	// The lexical source still surfaces the postgres chunks.
	assert.Contains(t, []string{"c1", "c3"}, results[0].ChunkID)
}

// brokenStore fails every read, so all sources fail.
type brokenStore struct {
	vectorstore.Store
}

func (s *brokenStore) Search(context.Context, string, []float32, int, []string) ([]types.ScoredChunk, error) {
	return nil, fmt.Errorf("vector backend down")
}

func (s *brokenStore) AllChunks(context.Context, string) ([]types.Chunk, error) {
	return nil, fmt.Errorf("scan backend down")
}

func TestHybridSearchAllSourcesFail(t *testing.T) {
	vs := &brokenStore{Store: seedStore(t)}
	h := newSearcher(t, vs, nil, searchConfig())

	_, err := h.Search(context.Background(), "docs", "acme", Query{
		Text:      "postgres",
		Embedding: []float32{1, 0},
		TopK:      3,
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrBackendUnavailable, types.GetErrorCode(err))
}

func TestHybridSearchGraphExpansion(t *testing.T) {
	ctx := context.Background()
	vs := seedStore(t)
	gs := graphstore.NewMemoryStore(nil)

	pg, err := gs.UpsertEntity(ctx, "acme", graphstore.EntityUpsert{
		Name: "PostgreSQL", Type: "technology", ChunkIDs: []string{"c1", "c3"},
	})
	require.NoError(t, err)
	repl, err := gs.UpsertEntity(ctx, "acme", graphstore.EntityUpsert{
		Name: "Streaming Replication", Type: "concept", ChunkIDs: []string{"c1"},
	})
	require.NoError(t, err)
	_, err = gs.UpsertRelationship(ctx, "acme", graphstore.RelationshipUpsert{
		SourceEntityID: pg.ID, TargetEntityID: repl.ID, Type: "supports", ChunkIDs: []string{"c1"},
	})
	require.NoError(t, err)

	cfg := searchConfig()
	cfg.GraphExpansion = config.GraphExpansionConfig{Enabled: true, MaxDepth: 2, MaxEntities: 16, TopChunks: 2}
	h := newSearcher(t, vs, gs, cfg)

	results, err := h.Search(ctx, "docs", "acme", Query{
		Text:      "postgres replication",
		Embedding: []float32{1, 0},
		TopK:      3,
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)

	top := pickResult(t, results, "c1")
	require.NotEmpty(t, top.Entities)
	names := make([]string, 0, len(top.Entities))
	for _, e := range top.Entities {
		names = append(names, e.Name)
	}
	assert.Contains(t, names, "PostgreSQL")
	require.NotEmpty(t, top.Relationships)
	assert.Equal(t, "supports", top.Relationships[0].Type)
}

func pickResult(t *testing.T, results []types.SearchResult, chunkID string) types.SearchResult {
	t.Helper()
	for _, r := range results {
		if r.ChunkID == chunkID {
			return r
		}
	}
	t.Fatalf("chunk %s not in results", chunkID)
	return types.SearchResult{}
}
