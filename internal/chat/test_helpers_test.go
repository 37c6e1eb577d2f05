package chat

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/workchat/backend/internal/audit"
	"github.com/MarcoPoloResearchLab/workchat/backend/internal/search"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequenceIDProvider struct {
	prefix string
	next   int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("%s-%d", p.prefix, p.next), nil
}

// tickingClock returns a distinct, strictly increasing second per call so
// rows ordered by created_at_s come back in insertion order.
func tickingClock(start int64) func() time.Time {
	current := start
	return func() time.Time {
		current++
		return time.Unix(current, 0).UTC()
	}
}

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:workchat_chat_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Organization{}, &Channel{}, &Message{}, &Reaction{}, &audit.Record{}, &search.Entry{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	auditEngine, err := audit.NewEngine(audit.EngineConfig{
		Clock:      tickingClock(1700000000),
		IDProvider: &sequenceIDProvider{prefix: "aud"},
	})
	if err != nil {
		t.Fatalf("failed to construct audit engine: %v", err)
	}
	indexer, err := search.NewIndexer(search.IndexerConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct indexer: %v", err)
	}

	store, err := NewStore(StoreConfig{
		Database:   db,
		Clock:      tickingClock(1700000000),
		IDProvider: &sequenceIDProvider{prefix: "msg"},
		Audit:      auditEngine,
		Search:     indexer,
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store, db
}

func seedOrg(t *testing.T, db *gorm.DB, orgID, name string) {
	t.Helper()
	org := Organization{ID: orgID, Name: name, CreatedAtSeconds: 1700000000}
	if err := db.Create(&org).Error; err != nil {
		t.Fatalf("failed to seed org: %v", err)
	}
}

func seedChannel(t *testing.T, db *gorm.DB, channelID, orgID, name string) {
	t.Helper()
	channel := Channel{
		ID:               channelID,
		OrgID:            orgID,
		Name:             name,
		CreatedBy:        "seed",
		CreatedAtSeconds: 1700000000,
	}
	if err := db.Create(&channel).Error; err != nil {
		t.Fatalf("failed to seed channel: %v", err)
	}
}

func mustPost(t *testing.T, store *Store, actor Actor, channelID, body string) Message {
	t.Helper()
	message, err := store.PostMessage(context.Background(), actor, channelID, body, nil)
	if err != nil {
		t.Fatalf("unexpected post error: %v", err)
	}
	return message
}

func mustReply(t *testing.T, store *Store, actor Actor, threadID, body string) Message {
	t.Helper()
	message, err := store.ReplyToThread(context.Background(), actor, threadID, body, nil)
	if err != nil {
		t.Fatalf("unexpected reply error: %v", err)
	}
	return message
}
