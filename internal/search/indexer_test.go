package search

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// messageRow and channelRow mirror the authoritative tables the indexer
// reads during divergence checks and rebuilds.
type messageRow struct {
	ID               string `gorm:"column:id;primaryKey"`
	ChannelID        string `gorm:"column:channel_id"`
	ThreadID         string `gorm:"column:thread_id"`
	UserID           string `gorm:"column:user_id"`
	Body             string `gorm:"column:body"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s"`
}

func (messageRow) TableName() string { return "messages" }

type channelRow struct {
	ID    string `gorm:"column:id;primaryKey"`
	OrgID string `gorm:"column:org_id"`
}

func (channelRow) TableName() string { return "channels" }

func newTestIndexer(t *testing.T) (*Indexer, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:workchat_search_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Entry{}, &messageRow{}, &channelRow{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	indexer, err := NewIndexer(IndexerConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct indexer: %v", err)
	}
	return indexer, db
}

func seedMessage(t *testing.T, db *gorm.DB, indexer *Indexer, id, channelID, orgID, userID, body string, createdAt int64) {
	t.Helper()
	message := messageRow{
		ID:               id,
		ChannelID:        channelID,
		ThreadID:         id,
		UserID:           userID,
		Body:             body,
		CreatedAtSeconds: createdAt,
	}
	if err := db.Create(&message).Error; err != nil {
		t.Fatalf("failed to seed message: %v", err)
	}
	entry := Entry{
		MessageID:        id,
		OrgID:            orgID,
		ChannelID:        channelID,
		ThreadID:         id,
		UserID:           userID,
		IndexedText:      body,
		CreatedAtSeconds: createdAt,
	}
	if err := indexer.IndexMessage(db, entry); err != nil {
		t.Fatalf("failed to index message: %v", err)
	}
}

func TestSearchRanksByTermFrequency(t *testing.T) {
	indexer, db := newTestIndexer(t)
	if err := db.Create(&channelRow{ID: "chan-1", OrgID: "org-1"}).Error; err != nil {
		t.Fatalf("failed to seed channel: %v", err)
	}
	seedMessage(t, db, indexer, "msg-1", "chan-1", "org-1", "user-1", "deploy notes", 100)
	seedMessage(t, db, indexer, "msg-2", "chan-1", "org-1", "user-1", "deploy deploy deploy checklist", 90)
	seedMessage(t, db, indexer, "msg-3", "chan-1", "org-1", "user-1", "lunch plans", 110)

	hits, err := indexer.Search(context.Background(), "Deploy", Scope{OrgID: "org-1"}, Filters{}, 10)
	if err != nil {
		t.Fatalf("unexpected search error: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].MessageID != "msg-2" {
		t.Fatalf("expected highest term frequency first, got %s", hits[0].MessageID)
	}
	if hits[0].Score <= hits[1].Score {
		t.Fatalf("expected descending scores, got %v then %v", hits[0].Score, hits[1].Score)
	}
}

func TestSearchBreaksScoreTiesByRecency(t *testing.T) {
	indexer, db := newTestIndexer(t)
	if err := db.Create(&channelRow{ID: "chan-1", OrgID: "org-1"}).Error; err != nil {
		t.Fatalf("failed to seed channel: %v", err)
	}
	seedMessage(t, db, indexer, "msg-1", "chan-1", "org-1", "user-1", "release cut", 100)
	seedMessage(t, db, indexer, "msg-2", "chan-1", "org-1", "user-1", "release cut", 200)

	hits, err := indexer.Search(context.Background(), "release", Scope{OrgID: "org-1"}, Filters{}, 10)
	if err != nil {
		t.Fatalf("unexpected search error: %v", err)
	}
	if len(hits) != 2 || hits[0].MessageID != "msg-2" {
		t.Fatalf("expected newest first on tie, got %+v", hits)
	}
}

func TestSearchIsScopedToOrgChannelAndAuthor(t *testing.T) {
	indexer, db := newTestIndexer(t)
	for _, channel := range []channelRow{{ID: "chan-1", OrgID: "org-1"}, {ID: "chan-2", OrgID: "org-1"}, {ID: "chan-3", OrgID: "org-2"}} {
		if err := db.Create(&channel).Error; err != nil {
			t.Fatalf("failed to seed channel: %v", err)
		}
	}
	seedMessage(t, db, indexer, "msg-1", "chan-1", "org-1", "user-1", "quarterly report", 100)
	seedMessage(t, db, indexer, "msg-2", "chan-2", "org-1", "user-2", "quarterly report", 110)
	seedMessage(t, db, indexer, "msg-3", "chan-3", "org-2", "user-1", "quarterly report", 120)

	hits, err := indexer.Search(context.Background(), "quarterly", Scope{OrgID: "org-1"}, Filters{}, 10)
	if err != nil {
		t.Fatalf("unexpected search error: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected org scoping to yield 2 hits, got %d", len(hits))
	}

	hits, err = indexer.Search(context.Background(), "quarterly", Scope{OrgID: "org-1", ChannelID: "chan-1"}, Filters{}, 10)
	if err != nil {
		t.Fatalf("unexpected search error: %v", err)
	}
	if len(hits) != 1 || hits[0].MessageID != "msg-1" {
		t.Fatalf("expected channel scoping to yield msg-1, got %+v", hits)
	}

	hits, err = indexer.Search(context.Background(), "quarterly", Scope{OrgID: "org-1"}, Filters{UserID: "user-2"}, 10)
	if err != nil {
		t.Fatalf("unexpected search error: %v", err)
	}
	if len(hits) != 1 || hits[0].MessageID != "msg-2" {
		t.Fatalf("expected author filter to yield msg-2, got %+v", hits)
	}
}

func TestSearchFiltersByTimeRange(t *testing.T) {
	indexer, db := newTestIndexer(t)
	if err := db.Create(&channelRow{ID: "chan-1", OrgID: "org-1"}).Error; err != nil {
		t.Fatalf("failed to seed channel: %v", err)
	}
	seedMessage(t, db, indexer, "msg-1", "chan-1", "org-1", "user-1", "standup", 100)
	seedMessage(t, db, indexer, "msg-2", "chan-1", "org-1", "user-1", "standup", 200)
	seedMessage(t, db, indexer, "msg-3", "chan-1", "org-1", "user-1", "standup", 300)

	hits, err := indexer.Search(context.Background(), "standup", Scope{OrgID: "org-1"},
		Filters{SinceSeconds: 150, UntilSeconds: 250}, 10)
	if err != nil {
		t.Fatalf("unexpected search error: %v", err)
	}
	if len(hits) != 1 || hits[0].MessageID != "msg-2" {
		t.Fatalf("expected time filter to yield msg-2, got %+v", hits)
	}
}

func TestSearchEmptyQueryIsRejected(t *testing.T) {
	indexer, _ := newTestIndexer(t)
	_, err := indexer.Search(context.Background(), "   ", Scope{OrgID: "org-1"}, Filters{}, 10)
	if !errors.Is(err, ErrEmptyQuery) {
		t.Fatalf("expected empty query error, got %v", err)
	}
}

func TestSearchSkipsOrphanedEntriesAndSchedulesRebuild(t *testing.T) {
	indexer, db := newTestIndexer(t)
	if err := db.Create(&channelRow{ID: "chan-1", OrgID: "org-1"}).Error; err != nil {
		t.Fatalf("failed to seed channel: %v", err)
	}
	seedMessage(t, db, indexer, "msg-1", "chan-1", "org-1", "user-1", "incident review", 100)

	orphan := Entry{
		MessageID:        "msg-gone",
		OrgID:            "org-1",
		ChannelID:        "chan-1",
		ThreadID:         "msg-gone",
		UserID:           "user-1",
		IndexedText:      "incident postmortem",
		CreatedAtSeconds: 110,
	}
	if err := indexer.IndexMessage(db, orphan); err != nil {
		t.Fatalf("failed to index orphan: %v", err)
	}

	hits, err := indexer.Search(context.Background(), "incident", Scope{OrgID: "org-1"}, Filters{}, 10)
	if err != nil {
		t.Fatalf("unexpected search error: %v", err)
	}
	if len(hits) != 1 || hits[0].MessageID != "msg-1" {
		t.Fatalf("expected orphan to be skipped, got %+v", hits)
	}

	pending := indexer.PendingRebuilds()
	if len(pending) != 1 || pending[0] != "org-1" {
		t.Fatalf("expected org-1 queued for rebuild, got %v", pending)
	}
}

func TestRunDrainsQueuedRebuilds(t *testing.T) {
	_, db := newTestIndexer(t)
	indexer, err := NewIndexer(IndexerConfig{Database: db, RebuildInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("failed to construct indexer: %v", err)
	}
	if err := db.Create(&channelRow{ID: "chan-1", OrgID: "org-1"}).Error; err != nil {
		t.Fatalf("failed to seed channel: %v", err)
	}
	seedMessage(t, db, indexer, "msg-1", "chan-1", "org-1", "user-1", "incident review", 100)

	orphan := Entry{
		MessageID:        "msg-gone",
		OrgID:            "org-1",
		ChannelID:        "chan-1",
		ThreadID:         "msg-gone",
		UserID:           "user-1",
		IndexedText:      "incident postmortem",
		CreatedAtSeconds: 110,
	}
	if err := indexer.IndexMessage(db, orphan); err != nil {
		t.Fatalf("failed to index orphan: %v", err)
	}
	if _, err := indexer.Search(context.Background(), "incident", Scope{OrgID: "org-1"}, Filters{}, 10); err != nil {
		t.Fatalf("unexpected search error: %v", err)
	}
	if pending := indexer.PendingRebuilds(); len(pending) != 1 {
		t.Fatalf("expected org-1 queued for rebuild, got %v", pending)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go indexer.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for len(indexer.PendingRebuilds()) > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("pending rebuilds never drained: %v", indexer.PendingRebuilds())
		}
		time.Sleep(5 * time.Millisecond)
	}

	var entries []Entry
	if err := db.Where("org_id = ?", "org-1").Find(&entries).Error; err != nil {
		t.Fatalf("failed to load entries: %v", err)
	}
	if len(entries) != 1 || entries[0].MessageID != "msg-1" {
		t.Fatalf("expected the orphan purged by the rebuild, got %+v", entries)
	}
}

func TestRebuildIndexRegeneratesFromMessages(t *testing.T) {
	indexer, db := newTestIndexer(t)
	for _, channel := range []channelRow{{ID: "chan-1", OrgID: "org-1"}, {ID: "chan-2", OrgID: "org-2"}} {
		if err := db.Create(&channel).Error; err != nil {
			t.Fatalf("failed to seed channel: %v", err)
		}
	}
	seedMessage(t, db, indexer, "msg-1", "chan-1", "org-1", "user-1", "first", 100)
	seedMessage(t, db, indexer, "msg-2", "chan-2", "org-2", "user-2", "other org", 100)

	// Corrupt the projection: an orphan plus a missing entry.
	orphan := Entry{MessageID: "msg-gone", OrgID: "org-1", ChannelID: "chan-1", ThreadID: "msg-gone", UserID: "user-1", IndexedText: "stale", CreatedAtSeconds: 50}
	if err := indexer.IndexMessage(db, orphan); err != nil {
		t.Fatalf("failed to index orphan: %v", err)
	}
	missing := messageRow{ID: "msg-3", ChannelID: "chan-1", ThreadID: "msg-3", UserID: "user-1", Body: "unindexed", CreatedAtSeconds: 120}
	if err := db.Create(&missing).Error; err != nil {
		t.Fatalf("failed to seed message: %v", err)
	}

	if err := indexer.RebuildIndex(context.Background(), "org-1"); err != nil {
		t.Fatalf("unexpected rebuild error: %v", err)
	}

	var entries []Entry
	if err := db.Where("org_id = ?", "org-1").Order("message_id ASC").Find(&entries).Error; err != nil {
		t.Fatalf("failed to load entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 rebuilt entries, got %d", len(entries))
	}
	if entries[0].MessageID != "msg-1" || entries[1].MessageID != "msg-3" {
		t.Fatalf("unexpected rebuilt entries %+v", entries)
	}

	var otherOrg int64
	if err := db.Model(&Entry{}).Where("org_id = ?", "org-2").Count(&otherOrg).Error; err != nil {
		t.Fatalf("failed to count entries: %v", err)
	}
	if otherOrg != 1 {
		t.Fatalf("rebuild must not touch other orgs, got %d entries", otherOrg)
	}

	if pending := indexer.PendingRebuilds(); len(pending) != 0 {
		t.Fatalf("expected pending queue cleared, got %v", pending)
	}
}

func TestIndexMessageUpsertsExistingEntry(t *testing.T) {
	indexer, db := newTestIndexer(t)
	entry := Entry{MessageID: "msg-1", OrgID: "org-1", ChannelID: "chan-1", ThreadID: "msg-1", UserID: "user-1", IndexedText: "draft", CreatedAtSeconds: 100}
	if err := indexer.IndexMessage(db, entry); err != nil {
		t.Fatalf("failed to index: %v", err)
	}
	entry.IndexedText = "final"
	if err := indexer.IndexMessage(db, entry); err != nil {
		t.Fatalf("failed to reindex: %v", err)
	}

	var stored Entry
	if err := db.Where("message_id = ?", "msg-1").Take(&stored).Error; err != nil {
		t.Fatalf("failed to load entry: %v", err)
	}
	if stored.IndexedText != "final" {
		t.Fatalf("expected upsert to replace text, got %q", stored.IndexedText)
	}

	var count int64
	if err := db.Model(&Entry{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count entries: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected single row, got %d", count)
	}
}
