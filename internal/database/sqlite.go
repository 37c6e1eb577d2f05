package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/workchat/backend/internal/audit"
	"github.com/MarcoPoloResearchLab/workchat/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/workchat/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/workchat/backend/internal/search"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
// The connection pool is capped at one: the storage engine supports a single
// in-flight writer, so writes serialize at this layer.
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

	if err := db.AutoMigrate(
		&chat.Organization{},
		&chat.Channel{},
		&chat.Message{},
		&chat.Reaction{},
		&audit.Record{},
		&search.Entry{},
		&presence.ReadCursor{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
