// Package engine exposes the narrow facade the ingestion and query
// collaborators call: content-addressed chunk indexing, hybrid search,
// graph upserts, summary caching and tenant-scoped eviction caches.
package engine

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/lucidrag/engine/cache"
	"github.com/lucidrag/engine/config"
	"github.com/lucidrag/engine/graphstore"
	"github.com/lucidrag/engine/internal/keylock"
	"github.com/lucidrag/engine/internal/metrics"
	"github.com/lucidrag/engine/internal/rediscache"
	"github.com/lucidrag/engine/search"
	"github.com/lucidrag/engine/tokenizer"
	"github.com/lucidrag/engine/types"
	"github.com/lucidrag/engine/vectorstore"
)

// Engine wires the stores, the hybrid searcher and the caches behind
// one API. All methods are safe for concurrent use.
type Engine struct {
	cfg    config.Config
	logger *zap.Logger

	vectors  vectorstore.Store
	graph    graphstore.Store
	searcher *search.HybridSearcher
	counter  tokenizer.Counter

	// docLocks serializes chunk upsert vs. stale-removal per document
	// while unrelated documents proceed concurrently.
	docLocks *keylock.KeyLock

	caches  *cache.TenantManager[string, any]
	summary *rediscache.Manager
	metrics *metrics.Collector
}

// IndexStats reports what one IndexChunks call did.
type IndexStats struct {
	Indexed int `json:"indexed"`
	Skipped int `json:"skipped"`
}

// New builds an engine from configuration. SQL backends share one
// database handle between the vector and graph stores.
func New(cfg config.Config, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "engine"))

	var (
		vectors vectorstore.Store
		graph   graphstore.Store
		err     error
	)
	switch cfg.Storage.Backend {
	case config.BackendMemory, "":
		vectors = vectorstore.NewMemoryStore(logger)
		graph = graphstore.NewMemoryStore(logger)
	default:
		db, err := vectorstore.OpenDB(cfg.Storage)
		if err != nil {
			return nil, err
		}
		vectors, err = vectorstore.NewSQLStore(db, vectorstore.SQLStoreConfig{HNSWThreshold: cfg.Storage.HNSWThreshold}, logger)
		if err != nil {
			return nil, err
		}
		graph, err = graphstore.NewSQLStore(db, logger)
		if err != nil {
			return nil, err
		}
	}

	// Chunk deletions cascade into graph provenance through this hook;
	// the stores stay decoupled otherwise.
	vectors.SetProvenanceDeleter(graph)

	lexical := search.NewBM25Searcher(vectors, search.BM25Params{
		K1: cfg.Search.BM25K1,
		B:  cfg.Search.BM25B,
	})
	searcher := search.NewHybridSearcher(vectors, graph, lexical, cfg.Search, logger)

	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		vectors:  vectors,
		graph:    graph,
		searcher: searcher,
		counter:  tokenizer.New(cfg.Tokenizer.Model),
		docLocks: keylock.New(),
		caches: cache.NewTenantManager[string, any](cache.Config{
			Capacity:          cfg.Cache.Capacity,
			MemoryBudgetBytes: cfg.Cache.MemoryBudgetBytes,
		}, logger),
		metrics: metrics.NewCollector("engine", logger),
	}

	if cfg.Redis.Addr != "" {
		e.summary, err = rediscache.NewManager(rediscache.Config{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			DefaultTTL: cfg.Redis.DefaultTTL,
			PoolSize:   cfg.Redis.PoolSize,
		}, logger)
		if err != nil {
			return nil, err
		}
	}

	logger.Info("engine initialized",
		zap.String("backend", string(cfg.Storage.Backend)),
		zap.Bool("redis", e.summary != nil),
		zap.String("tokenizer", e.counter.Name()))

	return e, nil
}

// collectionName scopes a caller-visible collection to its tenant.
func collectionName(tenant types.TenantID, collection string) string {
	return string(tenant) + ":" + collection
}

// IndexChunks writes a document's chunk batch. Chunks whose content hash
// is already stored are skipped without re-writing (their embeddings are
// never recomputed by the caller either). Token counts are filled in
// when the caller left them zero. The batch is written atomically; the
// whole call holds the document's write lock.
func (e *Engine) IndexChunks(ctx context.Context, tenant types.TenantID, collection string, doc types.Document, chunks []types.Chunk) (IndexStats, error) {
	var stats IndexStats
	if len(chunks) == 0 {
		return stats, nil
	}
	coll := collectionName(tenant, collection)
	start := time.Now()

	lockKey := coll + "/" + doc.ID
	e.docLocks.Lock(lockKey)
	defer e.docLocks.Unlock(lockKey)

	dimension := len(chunks[0].Embedding)
	if err := e.vectors.Initialize(ctx, coll, dimension); err != nil {
		return stats, err
	}

	hashes := make([]string, len(chunks))
	for i, c := range chunks {
		hashes[i] = c.ContentHash
	}
	existing, err := e.vectors.ChunksByHash(ctx, coll, hashes)
	if err != nil {
		return stats, err
	}

	toWrite := make([]types.Chunk, 0, len(chunks))
	for _, c := range chunks {
		if _, ok := existing[c.ContentHash]; ok {
			stats.Skipped++
			continue
		}
		if c.TokenCount == 0 {
			c.TokenCount = e.counter.CountTokens(c.Text)
		}
		toWrite = append(toWrite, c)
	}

	if err := e.vectors.UpsertDocument(ctx, coll, doc); err != nil {
		return stats, err
	}
	if len(toWrite) > 0 {
		if err := e.vectors.UpsertChunks(ctx, coll, toWrite); err != nil {
			return stats, err
		}
		e.searcher.Invalidate(coll)
	}
	stats.Indexed = len(toWrite)

	e.metrics.RecordIndex(string(tenant), time.Since(start), stats.Indexed, stats.Skipped, 0)
	e.logger.Debug("chunks indexed",
		zap.String("tenant", string(tenant)),
		zap.String("collection", collection),
		zap.String("document_id", doc.ID),
		zap.Int("indexed", stats.Indexed),
		zap.Int("skipped", stats.Skipped))
	return stats, nil
}

// HasDocument reports whether a document is already indexed; combined
// with DocumentHash the ingestion collaborator skips unchanged inputs.
func (e *Engine) HasDocument(ctx context.Context, tenant types.TenantID, collection, docID string) (bool, error) {
	return e.vectors.HasDocument(ctx, collectionName(tenant, collection), docID)
}

// DocumentHash returns the stored content hash of a document.
func (e *Engine) DocumentHash(ctx context.Context, tenant types.TenantID, collection, docID string) (string, error) {
	return e.vectors.DocumentHash(ctx, collectionName(tenant, collection), docID)
}

// RemoveStaleChunks deletes the document's chunks whose content hash is
// not in validHashes, cascading their graph provenance. It holds the
// same per-document lock as IndexChunks.
func (e *Engine) RemoveStaleChunks(ctx context.Context, tenant types.TenantID, collection, docID string, validHashes []string) error {
	coll := collectionName(tenant, collection)

	lockKey := coll + "/" + docID
	e.docLocks.Lock(lockKey)
	defer e.docLocks.Unlock(lockKey)

	if err := e.vectors.RemoveStaleChunks(ctx, coll, docID, validHashes); err != nil {
		return err
	}
	e.searcher.Invalidate(coll)
	return nil
}

// DeleteDocument removes a document, its chunks and their provenance.
func (e *Engine) DeleteDocument(ctx context.Context, tenant types.TenantID, collection, docID string) error {
	coll := collectionName(tenant, collection)

	lockKey := coll + "/" + docID
	e.docLocks.Lock(lockKey)
	defer e.docLocks.Unlock(lockKey)

	if err := e.vectors.DeleteDocument(ctx, coll, docID); err != nil {
		return err
	}
	e.searcher.Invalidate(coll)
	return nil
}

// Search runs hybrid retrieval: dense, BM25 and salience rankings fused
// with RRF, with graph context attached to the top results.
func (e *Engine) Search(ctx context.Context, tenant types.TenantID, collection, queryText string, queryEmbedding []float32, topK int) ([]types.SearchResult, error) {
	start := time.Now()
	results, err := e.searcher.Search(ctx, collectionName(tenant, collection), tenant, search.Query{
		Text:      queryText,
		Embedding: queryEmbedding,
		TopK:      topK,
	})
	status := "ok"
	if err != nil {
		status = "error"
	}
	e.metrics.RecordSearch(string(tenant), status, time.Since(start), len(results))
	return results, err
}

// UpsertEntity records an observed entity with its chunk provenance.
func (e *Engine) UpsertEntity(ctx context.Context, tenant types.TenantID, name, entityType, description string, chunkIDs []string) (types.Entity, error) {
	entity, err := e.graph.UpsertEntity(ctx, tenant, graphstore.EntityUpsert{
		Name:        name,
		Type:        entityType,
		Description: description,
		ChunkIDs:    chunkIDs,
	})
	if err == nil {
		e.metrics.RecordGraphUpsert(string(tenant), "entity")
	}
	return entity, err
}

// UpsertRelationship records an observed relationship with its chunk
// provenance.
func (e *Engine) UpsertRelationship(ctx context.Context, tenant types.TenantID, sourceID, targetID, relType, description string, chunkIDs []string) (types.Relationship, error) {
	rel, err := e.graph.UpsertRelationship(ctx, tenant, graphstore.RelationshipUpsert{
		SourceEntityID: sourceID,
		TargetEntityID: targetID,
		Type:           relType,
		Description:    description,
		ChunkIDs:       chunkIDs,
	})
	if err == nil {
		e.metrics.RecordGraphUpsert(string(tenant), "relationship")
	}
	return rel, err
}

// CachedSummary returns a synthesized answer cached under the evidence
// hash. Redis is consulted first when configured, then the store.
func (e *Engine) CachedSummary(ctx context.Context, tenant types.TenantID, collection, evidenceHash string) (string, bool, error) {
	coll := collectionName(tenant, collection)

	if e.summary != nil {
		s, err := e.summary.GetSummary(ctx, coll, evidenceHash)
		if err == nil {
			e.metrics.RecordCacheHit("summary", string(tenant))
			return s, true, nil
		}
		if !rediscache.IsCacheMiss(err) {
			e.logger.Warn("redis summary read failed", zap.Error(err))
		}
	}

	s, ok, err := e.vectors.CachedSummary(ctx, coll, evidenceHash)
	if err != nil {
		return "", false, err
	}
	if ok {
		e.metrics.RecordCacheHit("summary", string(tenant))
	} else {
		e.metrics.RecordCacheMiss("summary", string(tenant))
	}
	return s, ok, nil
}

// CacheSummary stores a synthesized answer under its evidence hash, in
// both the store and Redis when configured.
func (e *Engine) CacheSummary(ctx context.Context, tenant types.TenantID, collection, evidenceHash, summary string) error {
	coll := collectionName(tenant, collection)

	if err := e.vectors.CacheSummary(ctx, coll, evidenceHash, summary); err != nil {
		return err
	}
	if e.summary != nil {
		if err := e.summary.SetSummary(ctx, coll, evidenceHash, summary); err != nil {
			// The durable copy is written; a Redis failure only costs
			// cross-replica sharing.
			e.logger.Warn("redis summary write failed", zap.Error(err))
		}
	}
	return nil
}

// CacheGet reads the tenant's eviction cache.
func (e *Engine) CacheGet(tenant types.TenantID, key string) (any, bool) {
	v, ok := e.caches.ForTenant(tenant).TryGet(key)
	if ok {
		e.metrics.RecordCacheHit("tenant", string(tenant))
	} else {
		e.metrics.RecordCacheMiss("tenant", string(tenant))
	}
	return v, ok
}

// CacheSet writes the tenant's eviction cache. sizeBytes is the caller's
// estimate of the value's memory footprint.
func (e *Engine) CacheSet(tenant types.TenantID, key string, value any, sizeBytes int64) {
	e.caches.ForTenant(tenant).Set(key, value, sizeBytes)
}

// CacheRemove deletes one key from the tenant's eviction cache.
func (e *Engine) CacheRemove(tenant types.TenantID, key string) bool {
	return e.caches.ForTenant(tenant).Remove(key)
}

// InvalidateTenant drops the tenant's eviction cache. Other tenants'
// state and statistics are unaffected.
func (e *Engine) InvalidateTenant(tenant types.TenantID) {
	e.caches.InvalidateTenant(tenant)
}

// Stats returns a per-tenant snapshot of the eviction caches.
func (e *Engine) Stats() map[types.TenantID]cache.Stats {
	return e.caches.StatsByTenant()
}

// MetricsRegistry exposes the engine's Prometheus registry for scrape
// handlers.
func (e *Engine) MetricsRegistry() *prometheus.Registry {
	return e.metrics.Registry()
}

// ChunkCount returns the chunk count of a tenant's collection.
func (e *Engine) ChunkCount(ctx context.Context, tenant types.TenantID, collection string) (int, error) {
	return e.vectors.Count(ctx, collectionName(tenant, collection))
}

// Close releases the stores and the Redis connection.
func (e *Engine) Close() error {
	var firstErr error
	if err := e.vectors.Close(); err != nil {
		firstErr = err
	}
	if err := e.graph.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if e.summary != nil {
		if err := e.summary.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.logger.Info("engine closed")
	return firstErr
}
