// Package database opens the daemon's embedded SQLite store and keeps its
// schema current. One database file holds the local records, the persisted
// pending-mutation queue and the per-table sync cursors.
package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/pulsekeeplab/pulsekeep/internal/engine"
	"github.com/pulsekeeplab/pulsekeep/internal/queue"
	"github.com/pulsekeeplab/pulsekeep/internal/store"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&store.Record{}, &queue.MutationRow{}, &engine.CursorRow{}); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
