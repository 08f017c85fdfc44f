// Package rediscache provides the optional shared summary cache in
// front of the store-level one. When Redis is configured, summaries
// cached under an evidence hash become visible to every engine instance.
// This package is internal and should not be imported by external projects.
package rediscache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrCacheMiss reports an absent key.
var ErrCacheMiss = fmt.Errorf("cache miss")

// IsCacheMiss reports whether err is a cache miss.
func IsCacheMiss(err error) bool {
	return err == ErrCacheMiss
}

// Config configures the shared summary cache.
type Config struct {
	Addr       string
	Password   string
	DB         int
	DefaultTTL time.Duration
	PoolSize   int
}

// Manager is a thin Redis wrapper keyed by collection and evidence hash.
type Manager struct {
	redis  *redis.Client
	config Config
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
}

// NewManager connects to Redis and verifies the connection.
func NewManager(config Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	m := &Manager{
		redis:  client,
		config: config,
		logger: logger.With(zap.String("component", "summary_cache")),
	}

	logger.Info("summary cache connected",
		zap.String("addr", config.Addr),
		zap.Int("pool_size", config.PoolSize),
	)

	return m, nil
}

// GetSummary returns the summary cached under the evidence hash, or
// ErrCacheMiss.
func (m *Manager) GetSummary(ctx context.Context, collection, evidenceHash string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return "", fmt.Errorf("summary cache is closed")
	}

	val, err := m.redis.Get(ctx, summaryKey(collection, evidenceHash)).Result()
	if err == redis.Nil {
		return "", ErrCacheMiss
	}
	if err != nil {
		m.logger.Error("summary get failed",
			zap.String("collection", collection),
			zap.String("evidence_hash", evidenceHash),
			zap.Error(err))
		return "", fmt.Errorf("summary get failed: %w", err)
	}
	return val, nil
}

// SetSummary caches a summary under the evidence hash with the default
// TTL.
func (m *Manager) SetSummary(ctx context.Context, collection, evidenceHash, summary string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return fmt.Errorf("summary cache is closed")
	}

	err := m.redis.Set(ctx, summaryKey(collection, evidenceHash), summary, m.config.DefaultTTL).Err()
	if err != nil {
		m.logger.Error("summary set failed",
			zap.String("collection", collection),
			zap.String("evidence_hash", evidenceHash),
			zap.Error(err))
		return fmt.Errorf("summary set failed: %w", err)
	}
	return nil
}

// InvalidateCollection drops every cached summary of a collection.
// Summaries become stale when the collection's chunks change.
func (m *Manager) InvalidateCollection(ctx context.Context, collection string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return fmt.Errorf("summary cache is closed")
	}

	pattern := summaryKey(collection, "*")
	iter := m.redis.Scan(ctx, 0, pattern, 256).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("summary scan failed: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := m.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("summary invalidate failed: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (m *Manager) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return fmt.Errorf("summary cache is closed")
	}
	return m.redis.Ping(ctx).Err()
}

// Close shuts down the connection pool.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.logger.Info("closing summary cache")
	return m.redis.Close()
}

func summaryKey(collection, evidenceHash string) string {
	return "summary:" + collection + ":" + evidenceHash
}
