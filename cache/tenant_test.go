package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucidrag/engine/types"
)

func TestTenantIsolation(t *testing.T) {
	m := NewTenantManager[string, string](Config{Capacity: 10}, nil)

	m.ForTenant("acme").Set("k", "acme-value", 1)
	m.ForTenant("globex").Set("k", "globex-value", 1)

	v, ok := m.ForTenant("acme").TryGet("k")
	require.True(t, ok)
	assert.Equal(t, "acme-value", v)

	v, ok = m.ForTenant("globex").TryGet("k")
	require.True(t, ok)
	assert.Equal(t, "globex-value", v)
}

func TestInvalidateTenantLeavesOthersAlone(t *testing.T) {
	m := NewTenantManager[string, string](Config{Capacity: 10}, nil)

	m.ForTenant("acme").Set("k", "a", 1)
	m.ForTenant("globex").Set("k", "g", 1)
	m.ForTenant("globex").TryGet("k") // one hit on globex

	m.InvalidateTenant("acme")

	_, ok := m.ForTenant("acme").TryGet("k")
	assert.False(t, ok)

	v, ok := m.ForTenant("globex").TryGet("k")
	require.True(t, ok)
	assert.Equal(t, "g", v)

	// Globex's statistics are untouched by acme's invalidation.
	stats := m.StatsByTenant()[types.TenantID("globex")]
	assert.Equal(t, uint64(2), stats.Hits)
}

func TestTenantLimitOverrides(t *testing.T) {
	m := NewTenantManager[string, int](Config{Capacity: 100}, nil)
	m.SetTenantLimits("small", Config{Capacity: 2})

	c := m.ForTenant("small")
	c.Set("a", 1, 1)
	c.Set("b", 2, 1)
	c.Set("c", 3, 1)

	assert.Equal(t, 2, c.Len())
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestTenantsListing(t *testing.T) {
	m := NewTenantManager[string, int](Config{Capacity: 10}, nil)
	m.ForTenant("a")
	m.ForTenant("b")

	assert.ElementsMatch(t, []types.TenantID{"a", "b"}, m.Tenants())
}
