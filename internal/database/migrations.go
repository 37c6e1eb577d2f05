package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillSearchEntries = "2026-08-14_backfill_search_entries"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillSearchEntries, apply: backfillSearchEntries},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillSearchEntries regenerates missing search projection rows from the
// authoritative message table. Databases created before the projection
// existed gain coverage on first start.
func backfillSearchEntries(db *gorm.DB) error {
	const backfill = `
INSERT INTO search_entries (message_id, org_id, channel_id, thread_id, user_id, indexed_text, created_at_s)
SELECT m.id, c.org_id, m.channel_id, m.thread_id, m.user_id, m.body, m.created_at_s
FROM messages m
INNER JOIN channels c ON c.id = m.channel_id
WHERE NOT EXISTS (SELECT 1 FROM search_entries s WHERE s.message_id = m.id)`
	return db.Exec(backfill).Error
}
