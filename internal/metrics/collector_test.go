package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCollectorsAreIndependent(t *testing.T) {
	// Two collectors in one process must not collide on registration.
	a := NewCollector("engine", zap.NewNop())
	b := NewCollector("engine", zap.NewNop())

	a.RecordSearch("acme", "ok", 10*time.Millisecond, 3)
	a.RecordCacheHit("tenant", "acme")
	a.RecordGraphUpsert("acme", "entity")
	a.RecordIndex("acme", time.Millisecond, 5, 2, 1)
	a.RecordStoreOperation("vector", "upsert", time.Millisecond)
	a.RecordCacheEvictions("tenant", "acme", 4)
	a.RecordCacheMiss("tenant", "acme")

	families, err := a.Registry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	empty, err := b.Registry().Gather()
	require.NoError(t, err)
	assert.Empty(t, empty, "the second registry saw no recordings")
}
