package graphstore

import (
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// New creates a graph store. A nil db selects the in-memory backend;
// otherwise the store shares the given handle, normally the one the SQL
// vector store opened.
func New(db *gorm.DB, logger *zap.Logger) (Store, error) {
	if db == nil {
		return NewMemoryStore(logger), nil
	}
	return NewSQLStore(db, logger)
}
