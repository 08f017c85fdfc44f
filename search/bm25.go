package search

import (
	"context"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"

	"golang.org/x/sync/singleflight"

	"github.com/lucidrag/engine/types"
)

// BM25Params are the Okapi BM25 tuning parameters.
type BM25Params struct {
	K1 float64
	B  float64
}

// DefaultBM25Params returns the standard Okapi parameters.
func DefaultBM25Params() BM25Params {
	return BM25Params{K1: 1.5, B: 0.75}
}

// ChunkSource supplies the corpus for lexical index builds. The vector
// store satisfies this per collection.
type ChunkSource interface {
	AllChunks(ctx context.Context, collection string) ([]types.Chunk, error)
}

// bm25Doc is one indexed chunk.
type bm25Doc struct {
	chunkID    string
	documentID string
	text       string
	length     int
	salience   float64
}

// bm25Index is an immutable snapshot of the lexical index. Readers hold
// a snapshot for the whole query; rebuilds swap the pointer atomically.
type bm25Index struct {
	docs     []bm25Doc
	docPos   map[string]int
	postings map[string]map[int]int // term -> doc position -> term frequency
	avgdl    float64
}

// BM25Searcher serves Okapi BM25 keyword search over one collection.
// The index is built lazily on first use; Invalidate rebuilds it in the
// background while searches keep serving the previous snapshot.
// Concurrent rebuild requests for the same generation collapse into one
// build via singleflight.
type BM25Searcher struct {
	source ChunkSource
	params BM25Params

	mu      sync.RWMutex
	indexes map[string]*collectionIndex

	group singleflight.Group
}

type collectionIndex struct {
	current    atomic.Pointer[indexSnapshot]
	generation atomic.Int64
}

// indexSnapshot ties an index to the corpus generation it was built
// from, so a rebuild for an older generation never replaces a fresher
// snapshot.
type indexSnapshot struct {
	idx *bm25Index
	gen int64
}

// NewBM25Searcher creates a searcher over the given chunk source.
func NewBM25Searcher(source ChunkSource, params BM25Params) *BM25Searcher {
	if params.K1 <= 0 {
		params = DefaultBM25Params()
	}
	return &BM25Searcher{
		source:  source,
		params:  params,
		indexes: make(map[string]*collectionIndex),
	}
}

// Invalidate marks a collection's index stale and starts the rebuild in
// the background. Searches keep serving the previous snapshot until the
// fresh index is swapped in.
func (s *BM25Searcher) Invalidate(collection string) {
	s.mu.RLock()
	ci := s.indexes[collection]
	s.mu.RUnlock()
	if ci == nil {
		return
	}
	gen := ci.generation.Add(1)
	if ci.current.Load() == nil {
		// Nothing built yet; the first search pays for the build.
		return
	}
	go func() {
		// A failed rebuild keeps the stale snapshot; the next search
		// retries.
		_, _ = s.build(context.Background(), collection, ci, gen)
	}()
}

// Search returns the topK chunks by BM25 score for the tokenized query.
// Chunks with no overlapping terms are not returned. Ties break by chunk
// id ascending.
func (s *BM25Searcher) Search(ctx context.Context, collection, query string, topK int) ([]LexicalHit, error) {
	terms := Tokenize(query)
	if len(terms) == 0 || topK <= 0 {
		return nil, nil
	}

	idx, err := s.index(ctx, collection)
	if err != nil {
		return nil, err
	}
	if len(idx.docs) == 0 {
		return nil, nil
	}

	n := float64(len(idx.docs))
	scores := make(map[int]float64)
	for _, term := range terms {
		posting, ok := idx.postings[term]
		if !ok {
			continue
		}
		df := float64(len(posting))
		idf := math.Log((n-df+0.5)/(df+0.5) + 1)
		for pos, tf := range posting {
			dl := float64(idx.docs[pos].length)
			ftf := float64(tf)
			norm := ftf * (s.params.K1 + 1) /
				(ftf + s.params.K1*(1-s.params.B+s.params.B*dl/idx.avgdl))
			scores[pos] += idf * norm
		}
	}
	if len(scores) == 0 {
		return nil, nil
	}

	hits := make([]LexicalHit, 0, len(scores))
	for pos, score := range scores {
		doc := idx.docs[pos]
		hits = append(hits, LexicalHit{
			ChunkID:    doc.chunkID,
			DocumentID: doc.documentID,
			Text:       doc.text,
			Score:      score,
			Salience:   doc.salience,
		})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// SalienceRanking returns the topK chunks by descending salience score,
// ties broken by chunk id ascending. Chunks with zero salience are
// skipped.
func (s *BM25Searcher) SalienceRanking(ctx context.Context, collection string, topK int) ([]LexicalHit, error) {
	if topK <= 0 {
		return nil, nil
	}
	idx, err := s.index(ctx, collection)
	if err != nil {
		return nil, err
	}
	hits := make([]LexicalHit, 0, len(idx.docs))
	for _, doc := range idx.docs {
		if doc.salience <= 0 {
			continue
		}
		hits = append(hits, LexicalHit{
			ChunkID:    doc.chunkID,
			DocumentID: doc.documentID,
			Text:       doc.text,
			Score:      doc.salience,
			Salience:   doc.salience,
		})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// LexicalHit is one ranked hit from the lexical or salience source. Text
// is carried so fused results that only the lexical source surfaced can
// be hydrated without another store read.
type LexicalHit struct {
	ChunkID    string
	DocumentID string
	Text       string
	Score      float64
	Salience   float64
}

func (s *BM25Searcher) index(ctx context.Context, collection string) (*bm25Index, error) {
	s.mu.Lock()
	ci := s.indexes[collection]
	if ci == nil {
		ci = &collectionIndex{}
		s.indexes[collection] = ci
	}
	s.mu.Unlock()

	gen := ci.generation.Load()
	if snap := ci.current.Load(); snap != nil {
		if snap.gen != gen {
			// Stale snapshot: serve it, rebuild behind the search.
			go func() { _, _ = s.build(context.Background(), collection, ci, gen) }()
		}
		return snap.idx, nil
	}
	return s.build(ctx, collection, ci, gen)
}

// build constructs the index for one corpus generation. Concurrent
// builds of the same generation collapse into one via singleflight; the
// snapshot pointer only moves forward, so a slow build for an older
// generation never clobbers a fresher one.
func (s *BM25Searcher) build(ctx context.Context, collection string, ci *collectionIndex, gen int64) (*bm25Index, error) {
	v, err, _ := s.group.Do(buildKey(collection, gen), func() (any, error) {
		if snap := ci.current.Load(); snap != nil && snap.gen >= gen {
			return snap.idx, nil
		}
		chunks, err := s.source.AllChunks(ctx, collection)
		if err != nil {
			return nil, err
		}
		idx := buildIndex(chunks)
		for {
			snap := ci.current.Load()
			if snap != nil && snap.gen >= gen {
				return snap.idx, nil
			}
			if ci.current.CompareAndSwap(snap, &indexSnapshot{idx: idx, gen: gen}) {
				return idx, nil
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return v.(*bm25Index), nil
}

func buildKey(collection string, gen int64) string {
	return collection + "@" + strconv.FormatInt(gen, 10)
}

func buildIndex(chunks []types.Chunk) *bm25Index {
	// Deterministic doc order regardless of source iteration order.
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].ID < chunks[j].ID })

	idx := &bm25Index{
		docs:     make([]bm25Doc, 0, len(chunks)),
		docPos:   make(map[string]int, len(chunks)),
		postings: make(map[string]map[int]int),
	}
	var totalLen int
	for _, c := range chunks {
		terms := Tokenize(c.Text)
		pos := len(idx.docs)
		idx.docs = append(idx.docs, bm25Doc{
			chunkID:    c.ID,
			documentID: c.DocumentID,
			text:       c.Text,
			length:     len(terms),
			salience:   c.SalienceScore,
		})
		idx.docPos[c.ID] = pos
		totalLen += len(terms)
		for _, term := range terms {
			posting := idx.postings[term]
			if posting == nil {
				posting = make(map[int]int)
				idx.postings[term] = posting
			}
			posting[pos]++
		}
	}
	if len(idx.docs) > 0 {
		idx.avgdl = float64(totalLen) / float64(len(idx.docs))
	}
	return idx
}

// Tokenize lowercases and splits on non-alphanumeric runes, keeping
// marker characters that distinguish language names (+, #, .).
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
		switch r {
		case '+', '#', '.':
			return false
		}
		return true
	})
}
