// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector registers and records the engine's Prometheus metrics.
type Collector struct {
	searchesTotal  *prometheus.CounterVec
	searchDuration *prometheus.HistogramVec
	searchResults  *prometheus.HistogramVec

	chunksIndexedTotal *prometheus.CounterVec
	chunksSkippedTotal *prometheus.CounterVec
	chunksRemovedTotal *prometheus.CounterVec
	indexDuration      *prometheus.HistogramVec

	cacheHits      *prometheus.CounterVec
	cacheMisses    *prometheus.CounterVec
	cacheEvictions *prometheus.CounterVec

	graphUpsertsTotal *prometheus.CounterVec

	storeOpDuration *prometheus.HistogramVec

	registry *prometheus.Registry
	logger   *zap.Logger
}

// NewCollector creates a collector with its own registry, so several
// collectors can coexist in one process. All metrics share the namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	c := &Collector{
		registry: registry,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.searchesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "searches_total",
			Help:      "Total number of hybrid searches",
		},
		[]string{"tenant", "status"},
	)

	c.searchDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_duration_seconds",
			Help:      "Hybrid search duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"tenant"},
	)

	c.searchResults = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_results",
			Help:      "Number of results per search",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100},
		},
		[]string{"tenant"},
	)

	c.chunksIndexedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_indexed_total",
			Help:      "Total number of chunks written to the vector store",
		},
		[]string{"tenant"},
	)

	c.chunksSkippedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_skipped_total",
			Help:      "Total number of chunks skipped because their content hash was already indexed",
		},
		[]string{"tenant"},
	)

	c.chunksRemovedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_removed_total",
			Help:      "Total number of stale chunks removed during re-indexing",
		},
		[]string{"tenant"},
	)

	c.indexDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "index_duration_seconds",
			Help:      "Document indexing duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"tenant"},
	)

	c.cacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type", "tenant"},
	)

	c.cacheMisses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type", "tenant"},
	)

	c.cacheEvictions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Total number of cache evictions",
		},
		[]string{"cache_type", "tenant"},
	)

	c.graphUpsertsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "graph_upserts_total",
			Help:      "Total number of graph upserts",
		},
		[]string{"tenant", "kind"}, // kind: entity, relationship
	)

	c.storeOpDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_operation_duration_seconds",
			Help:      "Storage backend operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"store", "operation"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// Registry returns the collector's registry for scrape handlers.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordSearch records one hybrid search.
func (c *Collector) RecordSearch(tenant, status string, duration time.Duration, results int) {
	c.searchesTotal.WithLabelValues(tenant, status).Inc()
	c.searchDuration.WithLabelValues(tenant).Observe(duration.Seconds())
	c.searchResults.WithLabelValues(tenant).Observe(float64(results))
}

// RecordIndex records one document indexing pass.
func (c *Collector) RecordIndex(tenant string, duration time.Duration, indexed, skipped, removed int) {
	c.chunksIndexedTotal.WithLabelValues(tenant).Add(float64(indexed))
	c.chunksSkippedTotal.WithLabelValues(tenant).Add(float64(skipped))
	c.chunksRemovedTotal.WithLabelValues(tenant).Add(float64(removed))
	c.indexDuration.WithLabelValues(tenant).Observe(duration.Seconds())
}

// RecordCacheHit records a cache hit.
func (c *Collector) RecordCacheHit(cacheType, tenant string) {
	c.cacheHits.WithLabelValues(cacheType, tenant).Inc()
}

// RecordCacheMiss records a cache miss.
func (c *Collector) RecordCacheMiss(cacheType, tenant string) {
	c.cacheMisses.WithLabelValues(cacheType, tenant).Inc()
}

// RecordCacheEvictions records evictions observed since the last report.
func (c *Collector) RecordCacheEvictions(cacheType, tenant string, n int64) {
	c.cacheEvictions.WithLabelValues(cacheType, tenant).Add(float64(n))
}

// RecordGraphUpsert records one entity or relationship upsert.
func (c *Collector) RecordGraphUpsert(tenant, kind string) {
	c.graphUpsertsTotal.WithLabelValues(tenant, kind).Inc()
}

// RecordStoreOperation records one storage backend call.
func (c *Collector) RecordStoreOperation(store, operation string, duration time.Duration) {
	c.storeOpDuration.WithLabelValues(store, operation).Observe(duration.Seconds())
}
