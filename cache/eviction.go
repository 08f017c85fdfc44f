// Package cache provides a bounded key→value cache with an LFU-primary,
// LRU-tie-break eviction policy, plus a per-tenant cache manager.
package cache

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// entry is one cached value with its eviction bookkeeping.
type entry[V any] struct {
	value             V
	frequency         int64
	lastAccessVersion uint64
	sizeBytes         int64
}

// Config bounds a single cache instance.
type Config struct {
	// Capacity is the maximum entry count. Zero means unlimited count;
	// the memory budget still applies.
	Capacity int `yaml:"capacity" json:"capacity"`

	// MemoryBudgetBytes is the tracked memory budget. Zero means no
	// memory bound.
	MemoryBudgetBytes int64 `yaml:"memory_budget_bytes" json:"memory_budget_bytes"`
}

// Stats is a point-in-time snapshot of cache counters. Reading stats
// never mutates cache state.
type Stats struct {
	Hits             uint64  `json:"hits"`
	Misses           uint64  `json:"misses"`
	Evictions        uint64  `json:"evictions"`
	CapacityExceeded uint64  `json:"capacity_exceeded"`
	EntryCount       int     `json:"entry_count"`
	MemoryBytes      int64   `json:"memory_bytes"`
	HitRate          float64 `json:"hit_rate"`
}

// EvictionCache is a bounded cache. Eviction selects the entry with the
// lowest frequency, breaking ties by the lowest last-access version
// (least recently used among least frequently used).
type EvictionCache[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]*entry[V]

	// evictMu serializes the eviction-selection scan so two writers
	// racing under capacity pressure cannot both pick victims.
	evictMu sync.Mutex

	config      Config
	memoryBytes int64

	// clock is the logical access clock used for recency tie-breaks.
	clock atomic.Uint64

	hits             atomic.Uint64
	misses           atomic.Uint64
	evictions        atomic.Uint64
	capacityExceeded atomic.Uint64

	logger *zap.Logger
}

// New creates an eviction cache with the given bounds.
func New[K comparable, V any](config Config, logger *zap.Logger) *EvictionCache[K, V] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EvictionCache[K, V]{
		entries: make(map[K]*entry[V]),
		config:  config,
		logger:  logger.With(zap.String("component", "eviction_cache")),
	}
}

// TryGet returns the cached value for key. A hit increments the entry's
// frequency and refreshes its last-access version.
func (c *EvictionCache[K, V]) TryGet(key K) (V, bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		c.misses.Add(1)
		var zero V
		return zero, false
	}
	e.frequency++
	e.lastAccessVersion = c.clock.Add(1)
	v := e.value
	c.mu.Unlock()

	c.hits.Add(1)
	return v, true
}

// Set stores a value. An existing key is updated in place with its
// tracked size adjusted by the delta. A new key evicts first when the
// cache is at capacity. A single item larger than the whole memory
// budget is still accepted; the capacity-exceeded counter records the
// pressure for monitoring.
func (c *EvictionCache[K, V]) Set(key K, value V, sizeBytes int64) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.memoryBytes += sizeBytes - e.sizeBytes
		e.value = value
		e.sizeBytes = sizeBytes
		e.frequency++
		e.lastAccessVersion = c.clock.Add(1)
		c.mu.Unlock()
		return
	}
	needEvict := c.atCapacityLocked(sizeBytes)
	c.mu.Unlock()

	if needEvict {
		c.evictFor(sizeBytes)
	}

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		// Lost a race with a concurrent Set of the same key.
		c.memoryBytes += sizeBytes - e.sizeBytes
		e.value = value
		e.sizeBytes = sizeBytes
		e.lastAccessVersion = c.clock.Add(1)
		c.mu.Unlock()
		return
	}
	if c.atCapacityLocked(sizeBytes) {
		// Eviction could not free enough room (e.g. the item alone
		// exceeds the budget). Accept anyway, record the pressure.
		c.capacityExceeded.Add(1)
	}
	c.entries[key] = &entry[V]{
		value:             value,
		frequency:         1,
		lastAccessVersion: c.clock.Add(1),
		sizeBytes:         sizeBytes,
	}
	c.memoryBytes += sizeBytes
	c.mu.Unlock()
}

// Remove deletes a key. It reports whether the key was present.
func (c *EvictionCache[K, V]) Remove(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	c.memoryBytes -= e.sizeBytes
	delete(c.entries, key)
	return true
}

// Clear drops all entries and resets the hit/miss/eviction counters.
func (c *EvictionCache[K, V]) Clear() {
	c.mu.Lock()
	c.entries = make(map[K]*entry[V])
	c.memoryBytes = 0
	c.mu.Unlock()

	c.hits.Store(0)
	c.misses.Store(0)
	c.evictions.Store(0)
	c.capacityExceeded.Store(0)
}

// Len returns the current entry count.
func (c *EvictionCache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns a snapshot of the cache counters without mutating state.
func (c *EvictionCache[K, V]) Stats() Stats {
	c.mu.RLock()
	entryCount := len(c.entries)
	memoryBytes := c.memoryBytes
	c.mu.RUnlock()

	hits := c.hits.Load()
	misses := c.misses.Load()
	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}
	return Stats{
		Hits:             hits,
		Misses:           misses,
		Evictions:        c.evictions.Load(),
		CapacityExceeded: c.capacityExceeded.Load(),
		EntryCount:       entryCount,
		MemoryBytes:      memoryBytes,
		HitRate:          hitRate,
	}
}

// atCapacityLocked reports whether inserting a new entry of the given
// size would exceed the configured bounds. Caller holds c.mu.
func (c *EvictionCache[K, V]) atCapacityLocked(incomingBytes int64) bool {
	if c.config.Capacity > 0 && len(c.entries) >= c.config.Capacity {
		return true
	}
	if c.config.MemoryBudgetBytes > 0 && c.memoryBytes+incomingBytes > c.config.MemoryBudgetBytes {
		return true
	}
	return false
}

// evictFor frees room for an incoming entry of the given size. The
// dedicated eviction lock keeps concurrent writers from scanning for
// victims at the same time; after acquiring it, eviction is re-checked
// because another writer may already have freed space.
func (c *EvictionCache[K, V]) evictFor(incomingBytes int64) {
	c.evictMu.Lock()
	defer c.evictMu.Unlock()

	for {
		c.mu.Lock()
		if !c.atCapacityLocked(incomingBytes) {
			c.mu.Unlock()
			return
		}
		key, ok := c.selectVictimLocked()
		if !ok {
			// Nothing left to evict; the caller inserts anyway and the
			// capacity-exceeded counter records it.
			c.mu.Unlock()
			return
		}
		e := c.entries[key]
		c.memoryBytes -= e.sizeBytes
		delete(c.entries, key)
		c.mu.Unlock()

		c.evictions.Add(1)
	}
}

// selectVictimLocked picks the entry with the lowest frequency, breaking
// ties by the lowest last-access version. Caller holds c.mu.
func (c *EvictionCache[K, V]) selectVictimLocked() (K, bool) {
	var victim K
	found := false
	var minFreq int64
	var minVersion uint64

	for key, e := range c.entries {
		if !found ||
			e.frequency < minFreq ||
			(e.frequency == minFreq && e.lastAccessVersion < minVersion) {
			victim = key
			minFreq = e.frequency
			minVersion = e.lastAccessVersion
			found = true
		}
	}
	return victim, found
}
