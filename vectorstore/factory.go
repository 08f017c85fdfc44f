// Config → store bridge. The backend is chosen by configuration, never
// by call-site type checks.
package vectorstore

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/lucidrag/engine/config"
)

// New creates a vector store for the configured backend.
func New(cfg config.StorageConfig, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Backend {
	case config.BackendMemory, "":
		return NewMemoryStore(logger), nil

	case config.BackendSQLite, config.BackendPostgres, config.BackendMySQL:
		db, err := OpenDB(cfg)
		if err != nil {
			return nil, err
		}
		return NewSQLStore(db, SQLStoreConfig{HNSWThreshold: cfg.HNSWThreshold}, logger)

	default:
		return nil, fmt.Errorf("unsupported vector store backend: %s", cfg.Backend)
	}
}

// OpenDB opens a gorm handle for the configured SQL dialect. The graph
// store shares the same handle so both stores live in one database.
func OpenDB(cfg config.StorageConfig) (*gorm.DB, error) {
	opts := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}

	switch cfg.Backend {
	case config.BackendSQLite:
		db, err := gorm.Open(sqlite.Open(cfg.Path), opts)
		if err != nil {
			return nil, fmt.Errorf("open sqlite at %s: %w", cfg.Path, err)
		}
		return db, nil

	case config.BackendPostgres:
		db, err := gorm.Open(postgres.Open(cfg.DSN), opts)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return db, nil

	case config.BackendMySQL:
		db, err := gorm.Open(mysql.Open(cfg.DSN), opts)
		if err != nil {
			return nil, fmt.Errorf("open mysql: %w", err)
		}
		return db, nil

	default:
		return nil, fmt.Errorf("backend %s does not use a SQL database", cfg.Backend)
	}
}
