package search

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucidrag/engine/types"
)

// stubSource serves a fixed corpus and counts index builds.
type stubSource struct {
	mu     sync.Mutex
	chunks []types.Chunk
	builds int
	fail   bool
}

func (s *stubSource) AllChunks(_ context.Context, _ string) ([]types.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, fmt.Errorf("backend down")
	}
	s.builds++
	out := make([]types.Chunk, len(s.chunks))
	copy(out, s.chunks)
	return out, nil
}

func (s *stubSource) buildCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.builds
}

func textChunk(id, docID, text string, salience float64) types.Chunk {
	return types.Chunk{ID: id, DocumentID: docID, Text: text, SalienceScore: salience}
}

func TestTokenize(t *testing.T) {
	assert.Equal(t,
		[]string{"the", "quick", "brown", "fox"},
		Tokenize("The quick, brown fox!"))
	assert.Equal(t,
		[]string{"c++", "and", "c#", "and", ".net", "and", "node.js"},
		Tokenize("C++ and C# and .NET and Node.js"))
	assert.Empty(t, Tokenize("  ,;:  "))
}

func TestBM25RanksRareTermsHigher(t *testing.T) {
	src := &stubSource{chunks: []types.Chunk{
		textChunk("c1", "d1", "the cat sat on the mat", 0),
		textChunk("c2", "d1", "the dog sat on the rug", 0),
		textChunk("c3", "d2", "quantum entanglement in photonic systems", 0),
		textChunk("c4", "d2", "the the the the filler text", 0),
	}}
	s := NewBM25Searcher(src, DefaultBM25Params())

	hits, err := s.Search(context.Background(), "docs", "quantum entanglement", 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "c3", hits[0].ChunkID)

	// Chunks without any overlapping term do not appear.
	for _, h := range hits {
		assert.NotEqual(t, "c1", h.ChunkID)
	}
}

func TestBM25TermFrequencySaturation(t *testing.T) {
	src := &stubSource{chunks: []types.Chunk{
		textChunk("once", "d1", "redis appears here along with plenty of other words to pad", 0),
		textChunk("thrice", "d1", "redis redis redis and a little padding text too", 0),
	}}
	s := NewBM25Searcher(src, DefaultBM25Params())

	hits, err := s.Search(context.Background(), "docs", "redis", 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "thrice", hits[0].ChunkID, "higher term frequency ranks first")
}

func TestBM25EmptyQueryAndCorpus(t *testing.T) {
	s := NewBM25Searcher(&stubSource{}, DefaultBM25Params())
	ctx := context.Background()

	hits, err := s.Search(ctx, "docs", "", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = s.Search(ctx, "docs", "anything", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestBM25IndexBuiltLazilyAndCached(t *testing.T) {
	src := &stubSource{chunks: []types.Chunk{textChunk("c1", "d1", "hello world", 0)}}
	s := NewBM25Searcher(src, DefaultBM25Params())
	ctx := context.Background()

	assert.Zero(t, src.buildCount(), "no build before first search")

	_, err := s.Search(ctx, "docs", "hello", 5)
	require.NoError(t, err)
	_, err = s.Search(ctx, "docs", "world", 5)
	require.NoError(t, err)
	assert.Equal(t, 1, src.buildCount(), "second search reuses the snapshot")
}

func TestBM25InvalidateTriggersRebuild(t *testing.T) {
	src := &stubSource{chunks: []types.Chunk{textChunk("c1", "d1", "hello world", 0)}}
	s := NewBM25Searcher(src, DefaultBM25Params())
	ctx := context.Background()

	_, err := s.Search(ctx, "docs", "hello", 5)
	require.NoError(t, err)

	src.mu.Lock()
	src.chunks = append(src.chunks, textChunk("c2", "d1", "fresh content", 0))
	src.mu.Unlock()
	s.Invalidate("docs")

	// The rebuild runs behind the searches; the fresh chunk appears once
	// the new generation is swapped in.
	assert.Eventually(t, func() bool {
		hits, err := s.Search(ctx, "docs", "fresh", 5)
		return err == nil && len(hits) == 1 && hits[0].ChunkID == "c2"
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, src.buildCount(), "one rebuild, not one per search")
}

// gatedSource serves its first corpus immediately, then parks every
// later load on the gate, serving the second corpus once it opens.
type gatedSource struct {
	first  []types.Chunk
	second []types.Chunk
	gate   chan struct{}
	calls  atomic.Int32
}

func (g *gatedSource) AllChunks(_ context.Context, _ string) ([]types.Chunk, error) {
	if g.calls.Add(1) == 1 {
		return g.first, nil
	}
	<-g.gate
	return g.second, nil
}

func TestBM25SearchServesPreviousSnapshotDuringRebuild(t *testing.T) {
	src := &gatedSource{
		first:  []types.Chunk{textChunk("old", "d1", "original corpus", 0)},
		second: []types.Chunk{textChunk("new", "d1", "replacement corpus", 0)},
		gate:   make(chan struct{}),
	}
	s := NewBM25Searcher(src, DefaultBM25Params())
	ctx := context.Background()

	hits, err := s.Search(ctx, "docs", "original", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	s.Invalidate("docs")

	// The rebuild is parked on the gate; a search must not wait for it.
	done := make(chan struct{})
	go func() {
		defer close(done)
		hits, err := s.Search(ctx, "docs", "original", 5)
		assert.NoError(t, err)
		assert.Len(t, hits, 1, "the previous generation keeps serving")
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("search blocked on the background rebuild")
	}

	close(src.gate)
	assert.Eventually(t, func() bool {
		hits, err := s.Search(ctx, "docs", "replacement", 5)
		return err == nil && len(hits) == 1 && hits[0].ChunkID == "new"
	}, 2*time.Second, 10*time.Millisecond, "the fresh index is swapped in")
}

func TestBM25ConcurrentSearchesBuildOnce(t *testing.T) {
	src := &stubSource{chunks: []types.Chunk{textChunk("c1", "d1", "hello world", 0)}}
	s := NewBM25Searcher(src, DefaultBM25Params())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Search(context.Background(), "docs", "hello", 5)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, src.buildCount(), "concurrent first searches collapse into one build")
}

func TestSalienceRanking(t *testing.T) {
	src := &stubSource{chunks: []types.Chunk{
		textChunk("low", "d1", "body", 0.1),
		textChunk("high", "d1", "heading", 0.9),
		textChunk("none", "d1", "footer", 0),
	}}
	s := NewBM25Searcher(src, DefaultBM25Params())

	hits, err := s.SalienceRanking(context.Background(), "docs", 10)
	require.NoError(t, err)
	require.Len(t, hits, 2, "zero-salience chunks are skipped")
	assert.Equal(t, "high", hits[0].ChunkID)
	assert.Equal(t, "low", hits[1].ChunkID)
}

func TestBM25SourceFailurePropagates(t *testing.T) {
	s := NewBM25Searcher(&stubSource{fail: true}, DefaultBM25Params())
	_, err := s.Search(context.Background(), "docs", "anything", 5)
	assert.Error(t, err)
}
