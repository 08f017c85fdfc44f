package vectorstore

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHNSWBuildAndSearch(t *testing.T) {
	idx := NewHNSWIndex(DefaultHNSWConfig(), nil)

	ids := []string{"x", "y", "z"}
	vectors := [][]float32{
		{1, 0, 0},
		{0, 1, 0},
		{0, 0, 1},
	}
	require.NoError(t, idx.Build(ids, vectors))
	assert.Equal(t, 3, idx.Size())

	results := idx.Search([]float32{1, 0.1, 0}, 1)
	require.NotEmpty(t, results)
	assert.Equal(t, "x", results[0].ID)
}

func TestHNSWAddReplacesExisting(t *testing.T) {
	idx := NewHNSWIndex(DefaultHNSWConfig(), nil)

	idx.Add("a", []float32{1, 0})
	idx.Add("a", []float32{0, 1})
	assert.Equal(t, 1, idx.Size())

	results := idx.Search([]float32{0, 1}, 1)
	require.NotEmpty(t, results)
	assert.Equal(t, "a", results[0].ID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)
}

func TestHNSWDelete(t *testing.T) {
	idx := NewHNSWIndex(DefaultHNSWConfig(), nil)

	idx.Add("a", []float32{1, 0})
	idx.Add("b", []float32{0, 1})
	idx.Delete("a")
	idx.Delete("ghost") // deleting an absent id is tolerated

	assert.Equal(t, 1, idx.Size())
	results := idx.Search([]float32{1, 0}, 2)
	for _, r := range results {
		assert.NotEqual(t, "a", r.ID)
	}
}

func TestHNSWRecallOnClusteredData(t *testing.T) {
	idx := NewHNSWIndex(AdaptiveHNSWConfig(200), nil)
	rng := rand.New(rand.NewSource(7))

	// Two well-separated clusters; nearest neighbors of a cluster-0
	// query must come from cluster 0.
	var ids []string
	var vectors [][]float32
	for i := 0; i < 200; i++ {
		base := float32(0)
		if i >= 100 {
			base = 10
		}
		ids = append(ids, fmt.Sprintf("v%d", i))
		vectors = append(vectors, []float32{
			base + rng.Float32()*0.1,
			base + rng.Float32()*0.1,
			1,
		})
	}
	require.NoError(t, idx.Build(ids, vectors))

	results := idx.Search([]float32{0.05, 0.05, 1}, 10)
	require.Len(t, results, 10)
	for _, r := range results {
		var n int
		_, err := fmt.Sscanf(r.ID, "v%d", &n)
		require.NoError(t, err)
		assert.Less(t, n, 100, "neighbor %s should come from the near cluster", r.ID)
	}
}

func TestHNSWEmptyIndex(t *testing.T) {
	idx := NewHNSWIndex(DefaultHNSWConfig(), nil)
	assert.Empty(t, idx.Search([]float32{1, 0}, 5))
	assert.Zero(t, idx.Size())
}
