package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, 60, cfg.Search.RRFK)
	assert.Equal(t, 1000, cfg.Search.PenaltyRank)
	assert.Equal(t, 1.5, cfg.Search.BM25K1)
	assert.Equal(t, 0.75, cfg.Search.BM25B)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	data := []byte(`
storage:
  backend: sqlite
  path: /tmp/test.db
search:
  rrf_k: 30
cache:
  capacity: 42
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, BackendSQLite, cfg.Storage.Backend)
	assert.Equal(t, "/tmp/test.db", cfg.Storage.Path)
	assert.Equal(t, 30, cfg.Search.RRFK)
	assert.Equal(t, 42, cfg.Cache.Capacity)
	// Untouched fields keep their defaults.
	assert.Equal(t, 1000, cfg.Search.PenaltyRank)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	t.Setenv("ENGINE_STORAGE_BACKEND", "memory")
	t.Setenv("ENGINE_CACHE_CAPACITY", "7")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, 7, cfg.Cache.Capacity)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Storage.Backend = "cassandra" }},
		{"postgres without dsn", func(c *Config) { c.Storage.Backend = BackendPostgres; c.Storage.DSN = "" }},
		{"non-positive rrf k", func(c *Config) { c.Search.RRFK = 0 }},
		{"non-positive penalty rank", func(c *Config) { c.Search.PenaltyRank = -1 }},
		{"bm25 b out of range", func(c *Config) { c.Search.BM25B = 1.5 }},
		{"negative cache capacity", func(c *Config) { c.Cache.Capacity = -1 }},
		{"negative memory budget", func(c *Config) { c.Cache.MemoryBudgetBytes = -1 }},
		{"graph depth out of range", func(c *Config) { c.Search.GraphExpansion.MaxDepth = 9 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load("/nonexistent/engine.yaml")
	assert.Error(t, err)
}
