package cache

import (
	"sync"

	"go.uber.org/zap"

	"github.com/lucidrag/engine/types"
)

// TenantManager maintains one eviction cache per tenant, created lazily
// on first access. No two tenants share evictable state.
type TenantManager[K comparable, V any] struct {
	mu     sync.RWMutex
	caches map[types.TenantID]*EvictionCache[K, V]

	defaults Config
	// overrides holds tenant-specific limits set before first access.
	overrides map[types.TenantID]Config

	logger *zap.Logger
}

// NewTenantManager creates a manager with default per-tenant limits.
func NewTenantManager[K comparable, V any](defaults Config, logger *zap.Logger) *TenantManager[K, V] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TenantManager[K, V]{
		caches:    make(map[types.TenantID]*EvictionCache[K, V]),
		defaults:  defaults,
		overrides: make(map[types.TenantID]Config),
		logger:    logger.With(zap.String("component", "tenant_cache")),
	}
}

// SetTenantLimits overrides the cache limits for one tenant. It only
// affects caches created after the call.
func (m *TenantManager[K, V]) SetTenantLimits(tenant types.TenantID, cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[tenant] = cfg
}

// ForTenant returns the tenant's cache, creating it on first access.
func (m *TenantManager[K, V]) ForTenant(tenant types.TenantID) *EvictionCache[K, V] {
	m.mu.RLock()
	c, ok := m.caches[tenant]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.caches[tenant]; ok {
		return c
	}
	cfg := m.defaults
	if override, ok := m.overrides[tenant]; ok {
		cfg = override
	}
	c = New[K, V](cfg, m.logger)
	m.caches[tenant] = c
	m.logger.Debug("tenant cache created",
		zap.String("tenant", string(tenant)),
		zap.Int("capacity", cfg.Capacity),
		zap.Int64("memory_budget_bytes", cfg.MemoryBudgetBytes))
	return c
}

// InvalidateTenant drops the tenant's cache entirely. Other tenants'
// state and statistics are unaffected.
func (m *TenantManager[K, V]) InvalidateTenant(tenant types.TenantID) {
	m.mu.Lock()
	c, ok := m.caches[tenant]
	delete(m.caches, tenant)
	m.mu.Unlock()

	if ok {
		c.Clear()
		m.logger.Info("tenant cache invalidated", zap.String("tenant", string(tenant)))
	}
}

// Tenants returns the tenants with live caches.
func (m *TenantManager[K, V]) Tenants() []types.TenantID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.TenantID, 0, len(m.caches))
	for t := range m.caches {
		out = append(out, t)
	}
	return out
}

// StatsByTenant returns a stats snapshot for every live tenant cache.
func (m *TenantManager[K, V]) StatsByTenant() map[types.TenantID]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[types.TenantID]Stats, len(m.caches))
	for t, c := range m.caches {
		out[t] = c.Stats()
	}
	return out
}
