// Package config provides unified configuration loading for the engine.
// Precedence: defaults → YAML file → environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete engine configuration.
type Config struct {
	// Storage selects and configures the persistent backends.
	Storage StorageConfig `yaml:"storage"`

	// Search configures hybrid search and rank fusion.
	Search SearchConfig `yaml:"search"`

	// Cache configures per-tenant eviction caches.
	Cache CacheConfig `yaml:"cache"`

	// Redis optionally enables a shared summary cache in front of the
	// store-level one. Disabled when Addr is empty.
	Redis RedisConfig `yaml:"redis"`

	// Tokenizer configures chunk token counting.
	Tokenizer TokenizerConfig `yaml:"tokenizer"`
}

// BackendType identifies a storage backend implementation.
type BackendType string

const (
	BackendMemory   BackendType = "memory"
	BackendSQLite   BackendType = "sqlite"
	BackendPostgres BackendType = "postgres"
	BackendMySQL    BackendType = "mysql"
)

// StorageConfig configures the vector and graph stores.
type StorageConfig struct {
	// Backend selects the store implementation.
	Backend BackendType `yaml:"backend"`

	// Path is the database file path for the sqlite backend.
	Path string `yaml:"path"`

	// DSN is the connection string for server backends (postgres, mysql).
	DSN string `yaml:"dsn"`

	// HNSWThreshold is the per-collection chunk count above which the SQL
	// backend builds an HNSW index instead of brute-force scanning.
	// Zero disables ANN indexing entirely.
	HNSWThreshold int `yaml:"hnsw_threshold"`
}

// SearchConfig configures hybrid search.
type SearchConfig struct {
	// RRFK is the reciprocal rank fusion constant.
	RRFK int `yaml:"rrf_k"`

	// PenaltyRank is the rank assigned to items absent from a list.
	PenaltyRank int `yaml:"penalty_rank"`

	// BM25K1 and BM25B are the Okapi BM25 parameters.
	BM25K1 float64 `yaml:"bm25_k1"`
	BM25B  float64 `yaml:"bm25_b"`

	// SubSearchTimeout bounds each of the dense/lexical/salience
	// sub-searches. A timed-out source contributes no ranks.
	SubSearchTimeout time.Duration `yaml:"sub_search_timeout"`

	// GraphExpansion controls graph context attachment to top results.
	GraphExpansion GraphExpansionConfig `yaml:"graph_expansion"`
}

// GraphExpansionConfig bounds graph neighborhood traversal.
type GraphExpansionConfig struct {
	Enabled     bool `yaml:"enabled"`
	MaxDepth    int  `yaml:"max_depth"`
	MaxEntities int  `yaml:"max_entities"`
	// TopChunks is how many top-ranked chunks seed the expansion.
	TopChunks int `yaml:"top_chunks"`
}

// CacheConfig configures per-tenant eviction caches.
type CacheConfig struct {
	// Capacity is the max entry count per tenant cache. Zero means
	// unlimited count (the memory budget still applies).
	Capacity int `yaml:"capacity"`

	// MemoryBudgetBytes is the tracked memory budget per tenant cache.
	MemoryBudgetBytes int64 `yaml:"memory_budget_bytes"`
}

// RedisConfig configures the optional shared summary cache.
type RedisConfig struct {
	Addr       string        `yaml:"addr"`
	Password   string        `yaml:"password"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
	PoolSize   int           `yaml:"pool_size"`
}

// TokenizerConfig configures token counting for indexed chunks.
type TokenizerConfig struct {
	// Model is the tiktoken model name. Empty disables exact counting
	// and falls back to estimation.
	Model string `yaml:"model"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Storage: StorageConfig{
			Backend:       BackendMemory,
			Path:          "engine.db",
			HNSWThreshold: 5000,
		},
		Search: SearchConfig{
			RRFK:             60,
			PenaltyRank:      1000,
			BM25K1:           1.5,
			BM25B:            0.75,
			SubSearchTimeout: 5 * time.Second,
			GraphExpansion: GraphExpansionConfig{
				Enabled:     true,
				MaxDepth:    2,
				MaxEntities: 32,
				TopChunks:   5,
			},
		},
		Cache: CacheConfig{
			Capacity:          10000,
			MemoryBudgetBytes: 256 << 20,
		},
		Redis: RedisConfig{
			DefaultTTL: 10 * time.Minute,
			PoolSize:   10,
		},
		Tokenizer: TokenizerConfig{},
	}
}

// Load reads configuration from the given YAML file (optional) and applies
// ENGINE_-prefixed environment overrides on top of the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks limits and enum values.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory, BackendSQLite, BackendPostgres, BackendMySQL:
	default:
		return fmt.Errorf("unsupported storage backend: %s", c.Storage.Backend)
	}
	if (c.Storage.Backend == BackendPostgres || c.Storage.Backend == BackendMySQL) && c.Storage.DSN == "" {
		return fmt.Errorf("storage backend %s requires a dsn", c.Storage.Backend)
	}
	if c.Search.RRFK <= 0 {
		return fmt.Errorf("search.rrf_k must be positive, got %d", c.Search.RRFK)
	}
	if c.Search.PenaltyRank <= 0 {
		return fmt.Errorf("search.penalty_rank must be positive, got %d", c.Search.PenaltyRank)
	}
	if c.Search.BM25K1 <= 0 || c.Search.BM25B < 0 || c.Search.BM25B > 1 {
		return fmt.Errorf("invalid BM25 parameters: k1=%v b=%v", c.Search.BM25K1, c.Search.BM25B)
	}
	if c.Cache.Capacity < 0 {
		return fmt.Errorf("cache.capacity must not be negative, got %d", c.Cache.Capacity)
	}
	if c.Cache.MemoryBudgetBytes < 0 {
		return fmt.Errorf("cache.memory_budget_bytes must not be negative, got %d", c.Cache.MemoryBudgetBytes)
	}
	if c.Search.GraphExpansion.MaxDepth < 0 || c.Search.GraphExpansion.MaxDepth > 4 {
		return fmt.Errorf("graph_expansion.max_depth must be in [0,4], got %d", c.Search.GraphExpansion.MaxDepth)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ENGINE_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = BackendType(v)
	}
	if v := os.Getenv("ENGINE_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("ENGINE_STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("ENGINE_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("ENGINE_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("ENGINE_CACHE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cache.Capacity = n
		}
	}
	if v := os.Getenv("ENGINE_CACHE_MEMORY_BUDGET_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Cache.MemoryBudgetBytes = n
		}
	}
	if v := os.Getenv("ENGINE_TOKENIZER_MODEL"); v != "" {
		cfg.Tokenizer.Model = v
	}
}
