// Package search implements hybrid retrieval: dense vector search,
// Okapi BM25 keyword search and a salience ranking, run concurrently
// and merged by reciprocal rank fusion, optionally expanded with graph
// context.
package search

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lucidrag/engine/config"
	"github.com/lucidrag/engine/graphstore"
	"github.com/lucidrag/engine/types"
	"github.com/lucidrag/engine/vectorstore"
)

// Query is one hybrid search request.
type Query struct {
	// Text drives the lexical source; empty skips it.
	Text string

	// Embedding drives the dense source; empty skips it.
	Embedding []float32

	// TopK bounds the fused result count.
	TopK int

	// DocFilter, when non-empty, restricts the dense source to the given
	// document ids.
	DocFilter []string
}

// HybridSearcher runs the three retrieval sources concurrently and
// fuses their rankings.
type HybridSearcher struct {
	vectors vectorstore.Store
	graph   graphstore.Store
	lexical *BM25Searcher
	cfg     config.SearchConfig
	logger  *zap.Logger
}

// NewHybridSearcher wires the searcher. graph may be nil, which
// disables graph expansion regardless of configuration.
func NewHybridSearcher(vectors vectorstore.Store, graph graphstore.Store, lexical *BM25Searcher, cfg config.SearchConfig, logger *zap.Logger) *HybridSearcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HybridSearcher{
		vectors: vectors,
		graph:   graph,
		lexical: lexical,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "hybrid_search")),
	}
}

// Invalidate marks the collection's lexical index stale after writes.
func (h *HybridSearcher) Invalidate(collection string) {
	h.lexical.Invalidate(collection)
}

// Search runs dense, lexical and salience retrieval concurrently, each
// under its own timeout, and fuses the surviving rankings. A failed or
// timed-out source contributes no ranks; only when every source fails
// does Search return an error. A query with neither text nor embedding
// returns no results.
func (h *HybridSearcher) Search(ctx context.Context, collection string, tenant types.TenantID, q Query) ([]types.SearchResult, error) {
	if q.TopK <= 0 {
		return nil, nil
	}
	if q.Text == "" && len(q.Embedding) == 0 {
		return nil, nil
	}

	var (
		mu       sync.Mutex
		dense    []types.ScoredChunk
		keyword  []LexicalHit
		salience []LexicalHit
		srcErrs  []error
		attempts int
	)

	runSource := func(name string, fn func(ctx context.Context) error) func() error {
		return func() error {
			sctx := ctx
			if h.cfg.SubSearchTimeout > 0 {
				var cancel context.CancelFunc
				sctx, cancel = context.WithTimeout(ctx, h.cfg.SubSearchTimeout)
				defer cancel()
			}
			start := time.Now()
			err := fn(sctx)
			if err != nil {
				h.logger.Warn("sub-search failed",
					zap.String("source", name),
					zap.String("collection", collection),
					zap.Duration("elapsed", time.Since(start)),
					zap.Error(err))
				mu.Lock()
				srcErrs = append(srcErrs, err)
				mu.Unlock()
			}
			// Degradation is graceful: a lost source never fails the query.
			return nil
		}
	}

	var g errgroup.Group

	if len(q.Embedding) > 0 {
		attempts++
		g.Go(runSource("dense", func(sctx context.Context) error {
			hits, err := h.vectors.Search(sctx, collection, q.Embedding, q.TopK, q.DocFilter)
			if err != nil {
				return err
			}
			mu.Lock()
			dense = hits
			mu.Unlock()
			return nil
		}))
	}

	if q.Text != "" {
		attempts++
		g.Go(runSource("lexical", func(sctx context.Context) error {
			hits, err := h.lexical.Search(sctx, collection, q.Text, q.TopK)
			if err != nil {
				return err
			}
			mu.Lock()
			keyword = hits
			mu.Unlock()
			return nil
		}))

		attempts++
		g.Go(runSource("salience", func(sctx context.Context) error {
			hits, err := h.lexical.SalienceRanking(sctx, collection, q.TopK)
			if err != nil {
				return err
			}
			mu.Lock()
			salience = hits
			mu.Unlock()
			return nil
		}))
	}

	_ = g.Wait()

	if len(srcErrs) == attempts {
		return nil, types.NewError(types.ErrBackendUnavailable, "all retrieval sources failed").
			WithCause(srcErrs[0]).
			WithRetryable(true)
	}

	// Hydration material, keyed by chunk id, and the per-source rankings.
	type chunkInfo struct {
		documentID string
		text       string
		similarity float64
	}
	info := make(map[string]chunkInfo)

	denseList := make(RankedList, 0, len(dense))
	for _, hit := range dense {
		denseList = append(denseList, hit.Chunk.ID)
		info[hit.Chunk.ID] = chunkInfo{
			documentID: hit.Chunk.DocumentID,
			text:       hit.Chunk.Text,
			similarity: hit.Similarity,
		}
	}
	absorb := func(hits []LexicalHit) RankedList {
		list := make(RankedList, 0, len(hits))
		for _, hit := range hits {
			list = append(list, hit.ChunkID)
			if existing, ok := info[hit.ChunkID]; ok {
				if existing.text == "" {
					existing.text = hit.Text
					info[hit.ChunkID] = existing
				}
				continue
			}
			info[hit.ChunkID] = chunkInfo{documentID: hit.DocumentID, text: hit.Text}
		}
		return list
	}
	keywordList := absorb(keyword)
	salienceList := absorb(salience)

	fused := Fuse(FuseConfig{K: h.cfg.RRFK, PenaltyRank: h.cfg.PenaltyRank}, denseList, keywordList, salienceList)
	if len(fused) > q.TopK {
		fused = fused[:q.TopK]
	}

	results := make([]types.SearchResult, 0, len(fused))
	for _, item := range fused {
		ci := info[item.ID]
		results = append(results, types.SearchResult{
			ChunkID:         item.ID,
			DocumentID:      ci.documentID,
			Text:            ci.text,
			FusedScore:      item.Score,
			DenseSimilarity: ci.similarity,
		})
	}

	h.expandGraphContext(ctx, tenant, results)
	return results, nil
}

// expandGraphContext attaches entities and relationships from the graph
// neighborhood of the top-ranked chunks. Expansion failures degrade to
// unexpanded results.
func (h *HybridSearcher) expandGraphContext(ctx context.Context, tenant types.TenantID, results []types.SearchResult) {
	ge := h.cfg.GraphExpansion
	if !ge.Enabled || h.graph == nil || len(results) == 0 {
		return
	}
	top := len(results)
	if ge.TopChunks > 0 && ge.TopChunks < top {
		top = ge.TopChunks
	}
	chunkIDs := make([]string, 0, top)
	for _, r := range results[:top] {
		chunkIDs = append(chunkIDs, r.ChunkID)
	}

	nb, err := h.graph.Neighborhood(ctx, tenant, chunkIDs, ge.MaxDepth, ge.MaxEntities)
	if err != nil {
		h.logger.Warn("graph expansion failed", zap.Error(err))
		return
	}
	if len(nb.Entities) == 0 {
		return
	}

	byID := make(map[string]types.Entity, len(nb.Entities))
	for _, e := range nb.Entities {
		byID[e.ID] = e
	}

	for i := range results[:top] {
		entities, err := h.graph.EntitiesForChunk(ctx, results[i].ChunkID)
		if err != nil {
			h.logger.Warn("entity lookup failed",
				zap.String("chunk_id", results[i].ChunkID), zap.Error(err))
			continue
		}
		chunkEntityIDs := make(map[string]struct{}, len(entities))
		for _, e := range entities {
			chunkEntityIDs[e.ID] = struct{}{}
		}
		results[i].Entities = entities
		for _, rel := range nb.Relationships {
			_, srcOK := chunkEntityIDs[rel.SourceEntityID]
			_, dstOK := chunkEntityIDs[rel.TargetEntityID]
			if srcOK || dstOK {
				results[i].Relationships = append(results[i].Relationships, rel)
			}
		}
	}
}
