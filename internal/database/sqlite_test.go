package database

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/workchat/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/workchat/backend/internal/search"
	"gorm.io/gorm"
)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workchat_test.db")
	db, err := OpenSQLite(path, nil)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	return db
}

func TestOpenSQLiteCreatesSchema(t *testing.T) {
	db := openTestDatabase(t)

	tables := []string{
		"organizations", "channels", "messages", "reactions",
		"audit_records", "search_entries", "read_cursors", "db_migrations",
	}
	for _, table := range tables {
		if !db.Migrator().HasTable(table) {
			t.Fatalf("expected table %s to exist", table)
		}
	}
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	if _, err := OpenSQLite("", nil); err == nil {
		t.Fatalf("expected empty path to fail")
	}
}

func TestMigrationsRecordLedgerAndRunOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workchat_test.db")
	db, err := OpenSQLite(path, nil)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	var record migrationRecord
	err = db.Where("name = ?", migrationBackfillSearchEntries).Take(&record).Error
	if err != nil {
		t.Fatalf("expected migration ledger row: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	if err := sqlDB.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}

	reopened, err := OpenSQLite(path, nil)
	if err != nil {
		t.Fatalf("failed to reopen database: %v", err)
	}
	var count int64
	err = reopened.Model(&migrationRecord{}).Where("name = ?", migrationBackfillSearchEntries).Count(&count).Error
	if err != nil {
		t.Fatalf("failed to count ledger rows: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected single ledger row, got %d", count)
	}
}

func TestBackfillPopulatesMissingSearchEntries(t *testing.T) {
	db := openTestDatabase(t)

	org := chat.Organization{ID: "org-1", Name: "acme", CreatedAtSeconds: 1}
	if err := db.Create(&org).Error; err != nil {
		t.Fatalf("failed to seed org: %v", err)
	}
	channel := chat.Channel{ID: "chan-1", OrgID: "org-1", Name: "general", CreatedBy: "seed", CreatedAtSeconds: 1}
	if err := db.Create(&channel).Error; err != nil {
		t.Fatalf("failed to seed channel: %v", err)
	}
	for i := 0; i < 2; i++ {
		message := chat.Message{
			ID:               fmt.Sprintf("msg-%d", i+1),
			ChannelID:        "chan-1",
			ThreadID:         fmt.Sprintf("msg-%d", i+1),
			UserID:           "user-1",
			Body:             "backfill me",
			Version:          1,
			CreatedAtSeconds: int64(100 + i),
		}
		if err := db.Create(&message).Error; err != nil {
			t.Fatalf("failed to seed message: %v", err)
		}
	}
	// One message already indexed: the backfill must not duplicate it.
	existing := search.Entry{
		MessageID:        "msg-1",
		OrgID:            "org-1",
		ChannelID:        "chan-1",
		ThreadID:         "msg-1",
		UserID:           "user-1",
		IndexedText:      "backfill me",
		CreatedAtSeconds: 100,
	}
	if err := db.Create(&existing).Error; err != nil {
		t.Fatalf("failed to seed entry: %v", err)
	}

	if err := backfillSearchEntries(db); err != nil {
		t.Fatalf("unexpected backfill error: %v", err)
	}

	var entries []search.Entry
	if err := db.Order("message_id ASC").Find(&entries).Error; err != nil {
		t.Fatalf("failed to load entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[1].MessageID != "msg-2" {
		t.Fatalf("expected msg-2 backfilled, got %s", entries[1].MessageID)
	}
}
