package database

import (
	"fmt"
	"path/filepath"

	"flowsync/internal/config"
	"flowsync/internal/flow"
)

// NewDatabaseFromConfig opens the configured database and brings its schema
// up to date. The sqlite file is named after the device.
func NewDatabaseFromConfig(cfg config.DatabaseConfig, deviceID string, clock flow.Clock) (*SQLiteDatabase, error) {
	var db *SQLiteDatabase
	var err error
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		db, err = NewSQLiteDatabase(FilePath(cfg, deviceID), clock)
	case "memory":
		db, err = NewSQLiteDatabase(":memory:", clock)
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	return db, nil
}

// FilePath returns where the sqlite database of deviceID lives.
func FilePath(cfg config.DatabaseConfig, deviceID string) string {
	return filepath.Join(cfg.DataDir, deviceID+".db")
}
