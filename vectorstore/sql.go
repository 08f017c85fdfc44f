package vectorstore

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"sync"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lucidrag/engine/types"
)

// collectionRow records a collection and its fixed vector dimension.
type collectionRow struct {
	Name      string `gorm:"primaryKey;size:255"`
	Dimension int    `gorm:"not null"`
}

func (collectionRow) TableName() string { return "collections" }

// documentRow is the owning record for a chunk set.
type documentRow struct {
	Collection  string `gorm:"primaryKey;size:255"`
	ID          string `gorm:"primaryKey;size:255"`
	Source      string
	Title       string
	ContentHash string `gorm:"size:128;index"`
}

func (documentRow) TableName() string { return "documents" }

// chunkRow stores one chunk with its embedding as a little-endian
// float32 blob of fixed width.
type chunkRow struct {
	Collection  string `gorm:"primaryKey;size:255"`
	ID          string `gorm:"primaryKey;size:255"`
	DocumentID  string `gorm:"size:255;index:idx_chunks_doc"`
	Ordinal     int
	Text        string `gorm:"type:text"`
	Embedding   []byte `gorm:"type:blob"`
	ContentHash string `gorm:"size:128;index:idx_chunks_hash"`
	TokenCount  int
	Salience    float64
}

func (chunkRow) TableName() string { return "chunks" }

// summaryRow caches a synthesized answer keyed by evidence hash.
type summaryRow struct {
	Collection   string `gorm:"primaryKey;size:255"`
	EvidenceHash string `gorm:"primaryKey;size:128"`
	Summary      string `gorm:"type:text"`
}

func (summaryRow) TableName() string { return "summaries" }

// SQLStoreConfig configures the SQL-backed vector store.
type SQLStoreConfig struct {
	// HNSWThreshold is the chunk count past which a collection gets an
	// in-process ANN index. Zero disables ANN indexing.
	HNSWThreshold int
}

// SQLStore is the persistent backend. It keeps embeddings in a relational
// store and serves similarity search either through a lazily built
// per-collection HNSW index or a brute-force cosine scan; callers never
// observe which path was taken except through latency.
type SQLStore struct {
	db         *gorm.DB
	config     SQLStoreConfig
	provenance ProvenanceDeleter

	mu      sync.RWMutex
	indexes map[string]*HNSWIndex // collection -> ANN index

	logger *zap.Logger
}

// NewSQLStore wraps an open gorm handle and migrates the schema.
func NewSQLStore(db *gorm.DB, config SQLStoreConfig, logger *zap.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&collectionRow{}, &documentRow{}, &chunkRow{}, &summaryRow{}); err != nil {
		return nil, types.NewError(types.ErrBackendUnavailable, "migrate vector store schema").WithCause(err)
	}
	return &SQLStore{
		db:      db,
		config:  config,
		indexes: make(map[string]*HNSWIndex),
		logger:  logger.With(zap.String("component", "sql_vector_store")),
	}, nil
}

// SetProvenanceDeleter registers the provenance cascade hook.
func (s *SQLStore) SetProvenanceDeleter(d ProvenanceDeleter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.provenance = d
}

func (s *SQLStore) provenanceDeleter() ProvenanceDeleter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.provenance
}

// Initialize creates the collection row, or validates the dimension.
func (s *SQLStore) Initialize(ctx context.Context, collection string, dimension int) error {
	if err := cancelled(ctx); err != nil {
		return err
	}
	var existing collectionRow
	err := s.db.WithContext(ctx).First(&existing, "name = ?", collection).Error
	switch {
	case err == nil:
		if existing.Dimension != dimension {
			return types.NewErrorf(types.ErrDimensionMismatch,
				"collection %s has dimension %d, requested %d", collection, existing.Dimension, dimension)
		}
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		row := collectionRow{Name: collection, Dimension: dimension}
		if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
			return backendErr("create collection", err)
		}
		s.logger.Debug("collection initialized",
			zap.String("collection", collection),
			zap.Int("dimension", dimension))
		return nil
	default:
		return backendErr("read collection", err)
	}
}

func (s *SQLStore) dimension(ctx context.Context, collection string) (int, error) {
	var row collectionRow
	err := s.db.WithContext(ctx).First(&row, "name = ?", collection).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, types.NewErrorf(types.ErrNotFound, "unknown collection %s", collection)
	}
	if err != nil {
		return 0, backendErr("read collection", err)
	}
	return row.Dimension, nil
}

// UpsertDocument registers or updates a document.
func (s *SQLStore) UpsertDocument(ctx context.Context, collection string, doc types.Document) error {
	if err := cancelled(ctx); err != nil {
		return err
	}
	if _, err := s.dimension(ctx, collection); err != nil {
		return err
	}
	row := documentRow{
		Collection:  collection,
		ID:          doc.ID,
		Source:      doc.Source,
		Title:       doc.Title,
		ContentHash: doc.ContentHash,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "collection"}, {Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"source", "title", "content_hash"}),
	}).Create(&row).Error
	if err != nil {
		return backendErr("upsert document", err)
	}
	return nil
}

// HasDocument reports whether the document exists.
func (s *SQLStore) HasDocument(ctx context.Context, collection, docID string) (bool, error) {
	if err := cancelled(ctx); err != nil {
		return false, err
	}
	var count int64
	err := s.db.WithContext(ctx).Model(&documentRow{}).
		Where("collection = ? AND id = ?", collection, docID).
		Count(&count).Error
	if err != nil {
		return false, backendErr("count documents", err)
	}
	return count > 0, nil
}

// DocumentHash returns the stored content hash of a document.
func (s *SQLStore) DocumentHash(ctx context.Context, collection, docID string) (string, error) {
	if err := cancelled(ctx); err != nil {
		return "", err
	}
	var row documentRow
	err := s.db.WithContext(ctx).First(&row, "collection = ? AND id = ?", collection, docID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", types.NewErrorf(types.ErrNotFound, "unknown document %s", docID)
	}
	if err != nil {
		return "", backendErr("read document", err)
	}
	return row.ContentHash, nil
}

// UpsertChunks writes the batch in one transaction after validating
// every embedding. Partial batches are never committed.
func (s *SQLStore) UpsertChunks(ctx context.Context, collection string, chunks []types.Chunk) error {
	if err := cancelled(ctx); err != nil {
		return err
	}
	dim, err := s.dimension(ctx, collection)
	if err != nil {
		return err
	}
	if err := validateChunks(chunks, dim); err != nil {
		return err
	}

	rows := make([]chunkRow, len(chunks))
	for i, c := range chunks {
		rows[i] = chunkRow{
			Collection:  collection,
			ID:          c.ID,
			DocumentID:  c.DocumentID,
			Ordinal:     c.Ordinal,
			Text:        c.Text,
			Embedding:   encodeEmbedding(c.Embedding),
			ContentHash: c.ContentHash,
			TokenCount:  c.TokenCount,
			Salience:    c.SalienceScore,
		}
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "collection"}, {Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"document_id", "ordinal", "text", "embedding", "content_hash", "token_count", "salience",
			}),
		}).CreateInBatches(rows, 200).Error
	})
	if err != nil {
		return backendErr("upsert chunks", err)
	}

	if idx := s.indexFor(collection); idx != nil {
		for _, c := range chunks {
			idx.Add(c.ID, c.Embedding)
		}
	}
	s.logger.Debug("chunks upserted",
		zap.String("collection", collection),
		zap.Int("count", len(chunks)))
	return nil
}

// Search serves similarity search through the ANN index when one is
// built, falling back to a brute-force scan otherwise. Document filters
// always take the exact scan path.
func (s *SQLStore) Search(ctx context.Context, collection string, queryEmbedding []float32, topK int, docFilter []string) ([]types.ScoredChunk, error) {
	if err := cancelled(ctx); err != nil {
		return nil, err
	}
	if _, err := s.dimension(ctx, collection); err != nil {
		return nil, err
	}

	if len(docFilter) == 0 {
		if idx := s.maybeBuildIndex(ctx, collection); idx != nil {
			return s.searchWithIndex(ctx, collection, idx, queryEmbedding, topK)
		}
	}
	return s.searchScan(ctx, collection, queryEmbedding, topK, docFilter)
}

func (s *SQLStore) searchWithIndex(ctx context.Context, collection string, idx *HNSWIndex, queryEmbedding []float32, topK int) ([]types.ScoredChunk, error) {
	// Over-fetch, then re-score exactly so ordering and tie-breaks match
	// the scan path.
	candidates := idx.Search(queryEmbedding, topK*4)
	if len(candidates) == 0 {
		return nil, nil
	}
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}
	var rows []chunkRow
	err := s.db.WithContext(ctx).
		Where("collection = ? AND id IN ?", collection, ids).
		Find(&rows).Error
	if err != nil {
		return nil, backendErr("hydrate ann candidates", err)
	}
	results := make([]types.ScoredChunk, 0, len(rows))
	for _, row := range rows {
		emb := decodeEmbedding(row.Embedding)
		results = append(results, types.ScoredChunk{
			Chunk:      row.toChunk(emb),
			Similarity: CosineSimilarity(queryEmbedding, emb),
		})
	}
	sortScored(results)
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (s *SQLStore) searchScan(ctx context.Context, collection string, queryEmbedding []float32, topK int, docFilter []string) ([]types.ScoredChunk, error) {
	q := s.db.WithContext(ctx).Where("collection = ?", collection)
	if len(docFilter) > 0 {
		q = q.Where("document_id IN ?", docFilter)
	}
	var rows []chunkRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, backendErr("scan chunks", err)
	}
	results := make([]types.ScoredChunk, 0, len(rows))
	for _, row := range rows {
		emb := decodeEmbedding(row.Embedding)
		results = append(results, types.ScoredChunk{
			Chunk:      row.toChunk(emb),
			Similarity: CosineSimilarity(queryEmbedding, emb),
		})
	}
	sortScored(results)
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// ChunksByHash returns stored chunks keyed by content hash.
func (s *SQLStore) ChunksByHash(ctx context.Context, collection string, contentHashes []string) (map[string]types.Chunk, error) {
	if err := cancelled(ctx); err != nil {
		return nil, err
	}
	if len(contentHashes) == 0 {
		return map[string]types.Chunk{}, nil
	}
	var rows []chunkRow
	err := s.db.WithContext(ctx).
		Where("collection = ? AND content_hash IN ?", collection, contentHashes).
		Find(&rows).Error
	if err != nil {
		return nil, backendErr("read chunks by hash", err)
	}
	out := make(map[string]types.Chunk, len(rows))
	for _, row := range rows {
		out[row.ContentHash] = row.toChunk(decodeEmbedding(row.Embedding))
	}
	return out, nil
}

// RemoveStaleChunks deletes the document's chunks whose hash is not in
// validHashes, cascading provenance rows first. The delete is committed
// as one transaction.
func (s *SQLStore) RemoveStaleChunks(ctx context.Context, collection, docID string, validHashes []string) error {
	if err := cancelled(ctx); err != nil {
		return err
	}
	q := s.db.WithContext(ctx).Model(&chunkRow{}).
		Where("collection = ? AND document_id = ?", collection, docID)
	if len(validHashes) > 0 {
		q = q.Where("content_hash NOT IN ?", validHashes)
	}
	var stale []string
	if err := q.Pluck("id", &stale).Error; err != nil {
		return backendErr("find stale chunks", err)
	}
	if len(stale) == 0 {
		return nil
	}

	if prov := s.provenanceDeleter(); prov != nil {
		if err := prov.DeleteChunkProvenance(ctx, stale); err != nil {
			return err
		}
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Where("collection = ? AND id IN ?", collection, stale).Delete(&chunkRow{}).Error
	})
	if err != nil {
		return backendErr("delete stale chunks", err)
	}

	if idx := s.indexFor(collection); idx != nil {
		for _, id := range stale {
			idx.Delete(id)
		}
	}
	s.logger.Debug("stale chunks removed",
		zap.String("collection", collection),
		zap.String("document", docID),
		zap.Int("removed", len(stale)))
	return nil
}

// DeleteDocument removes a document, its chunks, and their provenance.
func (s *SQLStore) DeleteDocument(ctx context.Context, collection, docID string) error {
	if err := s.RemoveStaleChunks(ctx, collection, docID, nil); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).
		Where("collection = ? AND id = ?", collection, docID).
		Delete(&documentRow{}).Error
	if err != nil {
		return backendErr("delete document", err)
	}
	return nil
}

// DeleteCollection removes a collection wholesale, cascading provenance.
func (s *SQLStore) DeleteCollection(ctx context.Context, collection string) error {
	if err := cancelled(ctx); err != nil {
		return err
	}
	var ids []string
	err := s.db.WithContext(ctx).Model(&chunkRow{}).
		Where("collection = ?", collection).
		Pluck("id", &ids).Error
	if err != nil {
		return backendErr("list collection chunks", err)
	}
	if prov := s.provenanceDeleter(); prov != nil && len(ids) > 0 {
		if err := prov.DeleteChunkProvenance(ctx, ids); err != nil {
			return err
		}
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []any{&chunkRow{}, &documentRow{}, &summaryRow{}} {
			if err := tx.Where("collection = ?", collection).Delete(model).Error; err != nil {
				return err
			}
		}
		return tx.Where("name = ?", collection).Delete(&collectionRow{}).Error
	})
	if err != nil {
		return backendErr("delete collection", err)
	}

	s.mu.Lock()
	delete(s.indexes, collection)
	s.mu.Unlock()
	return nil
}

// AllChunks returns every chunk of a collection, embeddings omitted.
func (s *SQLStore) AllChunks(ctx context.Context, collection string) ([]types.Chunk, error) {
	if err := cancelled(ctx); err != nil {
		return nil, err
	}
	var rows []chunkRow
	err := s.db.WithContext(ctx).
		Omit("embedding").
		Where("collection = ?", collection).
		Find(&rows).Error
	if err != nil {
		return nil, backendErr("list chunks", err)
	}
	out := make([]types.Chunk, len(rows))
	for i, row := range rows {
		out[i] = row.toChunk(nil)
	}
	return out, nil
}

// Count returns the chunk count of a collection.
func (s *SQLStore) Count(ctx context.Context, collection string) (int, error) {
	if err := cancelled(ctx); err != nil {
		return 0, err
	}
	var count int64
	err := s.db.WithContext(ctx).Model(&chunkRow{}).
		Where("collection = ?", collection).
		Count(&count).Error
	if err != nil {
		return 0, backendErr("count chunks", err)
	}
	return int(count), nil
}

// CachedSummary returns a cached synthesized answer by evidence hash.
func (s *SQLStore) CachedSummary(ctx context.Context, collection, evidenceHash string) (string, bool, error) {
	if err := cancelled(ctx); err != nil {
		return "", false, err
	}
	var row summaryRow
	err := s.db.WithContext(ctx).
		First(&row, "collection = ? AND evidence_hash = ?", collection, evidenceHash).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, backendErr("read summary", err)
	}
	return row.Summary, true, nil
}

// CacheSummary stores a synthesized answer under its evidence hash.
func (s *SQLStore) CacheSummary(ctx context.Context, collection, evidenceHash, summary string) error {
	if err := cancelled(ctx); err != nil {
		return err
	}
	row := summaryRow{Collection: collection, EvidenceHash: evidenceHash, Summary: summary}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "collection"}, {Name: "evidence_hash"}},
		DoUpdates: clause.AssignmentColumns([]string{"summary"}),
	}).Create(&row).Error
	if err != nil {
		return backendErr("cache summary", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// indexFor returns the collection's ANN index if one is built.
func (s *SQLStore) indexFor(collection string) *HNSWIndex {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.indexes[collection]
}

// maybeBuildIndex returns the collection's ANN index, building it when
// the collection has grown past the configured threshold. Build failures
// fall back to the scan path silently.
func (s *SQLStore) maybeBuildIndex(ctx context.Context, collection string) *HNSWIndex {
	if s.config.HNSWThreshold <= 0 {
		return nil
	}
	if idx := s.indexFor(collection); idx != nil {
		return idx
	}

	count, err := s.Count(ctx, collection)
	if err != nil || count < s.config.HNSWThreshold {
		return nil
	}

	var rows []chunkRow
	if err := s.db.WithContext(ctx).
		Select("id", "embedding").
		Where("collection = ?", collection).
		Find(&rows).Error; err != nil {
		s.logger.Warn("ANN index build failed, using scan path",
			zap.String("collection", collection), zap.Error(err))
		return nil
	}

	idx := NewHNSWIndex(AdaptiveHNSWConfig(count), s.logger)
	ids := make([]string, len(rows))
	vectors := make([][]float32, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
		vectors[i] = decodeEmbedding(row.Embedding)
	}
	if err := idx.Build(ids, vectors); err != nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.indexes[collection]; ok {
		return existing
	}
	s.indexes[collection] = idx
	return idx
}

func (r chunkRow) toChunk(embedding []float32) types.Chunk {
	return types.Chunk{
		ID:            r.ID,
		DocumentID:    r.DocumentID,
		Ordinal:       r.Ordinal,
		Text:          r.Text,
		Embedding:     embedding,
		ContentHash:   r.ContentHash,
		TokenCount:    r.TokenCount,
		SalienceScore: r.Salience,
	}
}

// encodeEmbedding packs a vector as little-endian float32 bytes.
func encodeEmbedding(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeEmbedding unpacks a little-endian float32 blob.
func decodeEmbedding(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}

func backendErr(op string, err error) error {
	return types.NewError(types.ErrBackendUnavailable, op).WithCause(err).WithRetryable(true)
}
