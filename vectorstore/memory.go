package vectorstore

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/lucidrag/engine/types"
)

// memCollection holds one collection's state.
type memCollection struct {
	dimension int
	documents map[string]types.Document
	chunks    map[string]types.Chunk
	byHash    map[string]string // content hash -> chunk id
	summaries map[string]string // evidence hash -> summary
}

// MemoryStore is the ephemeral in-memory backend, used for tests and
// single-process deployments without persistence.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
	provenance  ProvenanceDeleter
	logger      *zap.Logger
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		collections: make(map[string]*memCollection),
		logger:      logger.With(zap.String("component", "memory_vector_store")),
	}
}

// SetProvenanceDeleter registers the provenance cascade hook.
func (s *MemoryStore) SetProvenanceDeleter(d ProvenanceDeleter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.provenance = d
}

// Initialize creates the collection, or validates the dimension when it
// already exists.
func (s *MemoryStore) Initialize(ctx context.Context, collection string, dimension int) error {
	if err := cancelled(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if col, ok := s.collections[collection]; ok {
		if col.dimension != dimension {
			return types.NewErrorf(types.ErrDimensionMismatch,
				"collection %s has dimension %d, requested %d", collection, col.dimension, dimension)
		}
		return nil
	}
	s.collections[collection] = &memCollection{
		dimension: dimension,
		documents: make(map[string]types.Document),
		chunks:    make(map[string]types.Chunk),
		byHash:    make(map[string]string),
		summaries: make(map[string]string),
	}
	s.logger.Debug("collection initialized",
		zap.String("collection", collection),
		zap.Int("dimension", dimension))
	return nil
}

func (s *MemoryStore) collectionLocked(name string) (*memCollection, error) {
	col, ok := s.collections[name]
	if !ok {
		return nil, types.NewErrorf(types.ErrNotFound, "unknown collection %s", name)
	}
	return col, nil
}

// UpsertDocument registers or updates a document.
func (s *MemoryStore) UpsertDocument(ctx context.Context, collection string, doc types.Document) error {
	if err := cancelled(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	col, err := s.collectionLocked(collection)
	if err != nil {
		return err
	}
	col.documents[doc.ID] = doc
	return nil
}

// HasDocument reports whether the document exists.
func (s *MemoryStore) HasDocument(ctx context.Context, collection, docID string) (bool, error) {
	if err := cancelled(ctx); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	col, err := s.collectionLocked(collection)
	if err != nil {
		return false, err
	}
	_, ok := col.documents[docID]
	return ok, nil
}

// DocumentHash returns the stored content hash of a document.
func (s *MemoryStore) DocumentHash(ctx context.Context, collection, docID string) (string, error) {
	if err := cancelled(ctx); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	col, err := s.collectionLocked(collection)
	if err != nil {
		return "", err
	}
	doc, ok := col.documents[docID]
	if !ok {
		return "", types.NewErrorf(types.ErrNotFound, "unknown document %s", docID)
	}
	return doc.ContentHash, nil
}

// UpsertChunks writes the batch atomically after validating every
// embedding against the collection dimension.
func (s *MemoryStore) UpsertChunks(ctx context.Context, collection string, chunks []types.Chunk) error {
	if err := cancelled(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	col, err := s.collectionLocked(collection)
	if err != nil {
		return err
	}
	if err := validateChunks(chunks, col.dimension); err != nil {
		return err
	}
	for _, c := range chunks {
		col.chunks[c.ID] = c
		if c.ContentHash != "" {
			col.byHash[c.ContentHash] = c.ID
		}
	}
	s.logger.Debug("chunks upserted",
		zap.String("collection", collection),
		zap.Int("count", len(chunks)))
	return nil
}

// Search scans all chunks by cosine similarity.
func (s *MemoryStore) Search(ctx context.Context, collection string, queryEmbedding []float32, topK int, docFilter []string) ([]types.ScoredChunk, error) {
	if err := cancelled(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	col, err := s.collectionLocked(collection)
	if err != nil {
		return nil, err
	}

	var filter map[string]struct{}
	if len(docFilter) > 0 {
		filter = make(map[string]struct{}, len(docFilter))
		for _, id := range docFilter {
			filter[id] = struct{}{}
		}
	}

	results := make([]types.ScoredChunk, 0, len(col.chunks))
	for _, c := range col.chunks {
		if filter != nil {
			if _, ok := filter[c.DocumentID]; !ok {
				continue
			}
		}
		results = append(results, types.ScoredChunk{
			Chunk:      c,
			Similarity: CosineSimilarity(queryEmbedding, c.Embedding),
		})
	}
	sortScored(results)
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// ChunksByHash returns the chunks whose content hashes already exist.
func (s *MemoryStore) ChunksByHash(ctx context.Context, collection string, contentHashes []string) (map[string]types.Chunk, error) {
	if err := cancelled(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	col, err := s.collectionLocked(collection)
	if err != nil {
		return nil, err
	}
	out := make(map[string]types.Chunk)
	for _, h := range contentHashes {
		if id, ok := col.byHash[h]; ok {
			if c, ok := col.chunks[id]; ok {
				out[h] = c
			}
		}
	}
	return out, nil
}

// RemoveStaleChunks deletes the document's chunks not covered by
// validHashes, cascading provenance rows first.
func (s *MemoryStore) RemoveStaleChunks(ctx context.Context, collection, docID string, validHashes []string) error {
	if err := cancelled(ctx); err != nil {
		return err
	}
	valid := make(map[string]struct{}, len(validHashes))
	for _, h := range validHashes {
		valid[h] = struct{}{}
	}

	s.mu.Lock()
	col, err := s.collectionLocked(collection)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	var stale []string
	for id, c := range col.chunks {
		if c.DocumentID != docID {
			continue
		}
		if _, ok := valid[c.ContentHash]; !ok {
			stale = append(stale, id)
		}
	}
	prov := s.provenance
	s.mu.Unlock()

	if len(stale) == 0 {
		return nil
	}
	if prov != nil {
		if err := prov.DeleteChunkProvenance(ctx, stale); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	col, err = s.collectionLocked(collection)
	if err != nil {
		return err
	}
	for _, id := range stale {
		if c, ok := col.chunks[id]; ok {
			if col.byHash[c.ContentHash] == id {
				delete(col.byHash, c.ContentHash)
			}
			delete(col.chunks, id)
		}
	}
	s.logger.Debug("stale chunks removed",
		zap.String("collection", collection),
		zap.String("document", docID),
		zap.Int("removed", len(stale)))
	return nil
}

// DeleteDocument removes a document, its chunks, and their provenance.
func (s *MemoryStore) DeleteDocument(ctx context.Context, collection, docID string) error {
	if err := s.RemoveStaleChunks(ctx, collection, docID, nil); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	col, err := s.collectionLocked(collection)
	if err != nil {
		return err
	}
	delete(col.documents, docID)
	return nil
}

// DeleteCollection removes a collection wholesale, cascading provenance.
func (s *MemoryStore) DeleteCollection(ctx context.Context, collection string) error {
	if err := cancelled(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	col, ok := s.collections[collection]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	ids := make([]string, 0, len(col.chunks))
	for id := range col.chunks {
		ids = append(ids, id)
	}
	prov := s.provenance
	s.mu.Unlock()

	if prov != nil && len(ids) > 0 {
		if err := prov.DeleteChunkProvenance(ctx, ids); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections, collection)
	return nil
}

// AllChunks returns every chunk of a collection with embeddings omitted.
func (s *MemoryStore) AllChunks(ctx context.Context, collection string) ([]types.Chunk, error) {
	if err := cancelled(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	col, err := s.collectionLocked(collection)
	if err != nil {
		return nil, err
	}
	out := make([]types.Chunk, 0, len(col.chunks))
	for _, c := range col.chunks {
		c.Embedding = nil
		out = append(out, c)
	}
	return out, nil
}

// Count returns the chunk count of a collection.
func (s *MemoryStore) Count(ctx context.Context, collection string) (int, error) {
	if err := cancelled(ctx); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	col, err := s.collectionLocked(collection)
	if err != nil {
		return 0, err
	}
	return len(col.chunks), nil
}

// CachedSummary returns a cached synthesized answer by evidence hash.
func (s *MemoryStore) CachedSummary(ctx context.Context, collection, evidenceHash string) (string, bool, error) {
	if err := cancelled(ctx); err != nil {
		return "", false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	col, err := s.collectionLocked(collection)
	if err != nil {
		return "", false, err
	}
	summary, ok := col.summaries[evidenceHash]
	return summary, ok, nil
}

// CacheSummary stores a synthesized answer under its evidence hash.
func (s *MemoryStore) CacheSummary(ctx context.Context, collection, evidenceHash, summary string) error {
	if err := cancelled(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	col, err := s.collectionLocked(collection)
	if err != nil {
		return err
	}
	col.summaries[evidenceHash] = summary
	return nil
}

// Close is a no-op for the in-memory backend.
func (s *MemoryStore) Close() error {
	return nil
}
