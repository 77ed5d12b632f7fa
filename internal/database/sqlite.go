package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/gravity/chatcore/internal/store"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// OpenSQLite establishes a SQLite connection for the local key-value store and performs schema migrations.
func OpenSQLite(path string, zapLogger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// The store is single-writer; one connection keeps writes ordered.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&store.Entry{}, &migrationRecord{}); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, zapLogger); err != nil {
		return nil, err
	}

	if zapLogger != nil {
		zapLogger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
