package search

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultRebuildInterval = 30 * time.Second

var (
	errMissingDatabase = errors.New("search: database handle is required")
	errMissingOrg      = errors.New("search: organization scope is required")
	// ErrEmptyQuery indicates a search with no usable terms.
	ErrEmptyQuery = errors.New("search: empty query")
)

// Entry is the derived text-index projection of one message. It is never
// authoritative and can be regenerated from message rows at any time.
type Entry struct {
	MessageID        string `gorm:"column:message_id;primaryKey;size:190;not null"`
	OrgID            string `gorm:"column:org_id;size:190;not null;index:idx_search_org"`
	ChannelID        string `gorm:"column:channel_id;size:190;not null;index:idx_search_channel"`
	ThreadID         string `gorm:"column:thread_id;size:190;not null"`
	UserID           string `gorm:"column:user_id;size:190;not null"`
	IndexedText      string `gorm:"column:indexed_text;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "search_entries"
}

// Scope restricts a search to an organization, optionally narrowed to a
// channel or thread. OrgID is mandatory for tenant isolation.
type Scope struct {
	OrgID     string
	ChannelID string
	ThreadID  string
}

// Filters narrow results by author or creation time range (unix seconds,
// zero means unbounded).
type Filters struct {
	UserID       string
	SinceSeconds int64
	UntilSeconds int64
}

// Hit is one ranked search result.
type Hit struct {
	MessageID        string
	ChannelID        string
	ThreadID         string
	UserID           string
	IndexedText      string
	CreatedAtSeconds int64
	Score            float64
}

// IndexerConfig describes the dependencies for the search indexer.
// RebuildInterval controls how often queued rebuilds are drained; zero
// selects the default.
type IndexerConfig struct {
	Database        *gorm.DB
	Logger          *zap.Logger
	RebuildInterval time.Duration
}

// Indexer keeps the search projection synchronous with the authoritative
// store: updates run on the writing transaction, so visibility is never
// ahead of persistence.
type Indexer struct {
	db              *gorm.DB
	logger          *zap.Logger
	rebuildInterval time.Duration

	mu      sync.Mutex
	pending map[string]struct{}
}

// NewIndexer constructs the search indexer.
func NewIndexer(cfg IndexerConfig) (*Indexer, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.RebuildInterval
	if interval <= 0 {
		interval = defaultRebuildInterval
	}
	return &Indexer{
		db:              cfg.Database,
		logger:          logger,
		rebuildInterval: interval,
		pending:         make(map[string]struct{}),
	}, nil
}

// Run drains queued rebuilds until the context is cancelled. A rebuild that
// fails stays queued and is retried on the next tick.
func (i *Indexer) Run(ctx context.Context) {
	ticker := time.NewTicker(i.rebuildInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			i.drainPending(ctx)
		}
	}
}

func (i *Indexer) drainPending(ctx context.Context) {
	for _, orgID := range i.PendingRebuilds() {
		if err := i.RebuildIndex(ctx, orgID); err != nil {
			i.logger.Warn("search index rebuild failed",
				zap.String("org_id", orgID),
				zap.Error(err))
		}
	}
}

// IndexMessage upserts the entry for a message on the caller's transaction.
func (i *Indexer) IndexMessage(tx *gorm.DB, entry Entry) error {
	if tx == nil {
		return errMissingDatabase
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "message_id"}},
		UpdateAll: true,
	}).Create(&entry).Error
}

// Search returns ranked hits for the query within scope. Entries whose
// message no longer exists are skipped and the organization is queued for a
// rebuild rather than surfacing an error.
func (i *Indexer) Search(ctx context.Context, query string, scope Scope, filters Filters, limit int) ([]Hit, error) {
	if strings.TrimSpace(scope.OrgID) == "" {
		return nil, errMissingOrg
	}
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, ErrEmptyQuery
	}
	if limit <= 0 {
		limit = 50
	}

	stmt := i.db.WithContext(ctx).Where("org_id = ?", scope.OrgID)
	if scope.ChannelID != "" {
		stmt = stmt.Where("channel_id = ?", scope.ChannelID)
	}
	if scope.ThreadID != "" {
		stmt = stmt.Where("thread_id = ?", scope.ThreadID)
	}
	if filters.UserID != "" {
		stmt = stmt.Where("user_id = ?", filters.UserID)
	}
	if filters.SinceSeconds > 0 {
		stmt = stmt.Where("created_at_s >= ?", filters.SinceSeconds)
	}
	if filters.UntilSeconds > 0 {
		stmt = stmt.Where("created_at_s <= ?", filters.UntilSeconds)
	}

	matcher := i.db.Where("indexed_text LIKE ?", "%"+terms[0]+"%")
	for _, term := range terms[1:] {
		matcher = matcher.Or("indexed_text LIKE ?", "%"+term+"%")
	}
	stmt = stmt.Where(matcher)

	var entries []Entry
	if err := stmt.Find(&entries).Error; err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return []Hit{}, nil
	}

	live, err := i.liveMessageIDs(ctx, entries)
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(entries))
	for _, entry := range entries {
		if _, ok := live[entry.MessageID]; !ok {
			i.logger.Warn("search entry references missing message",
				zap.String("message_id", entry.MessageID),
				zap.String("org_id", entry.OrgID))
			i.scheduleRebuild(entry.OrgID)
			continue
		}
		score := scoreEntry(entry.IndexedText, terms)
		if score <= 0 {
			continue
		}
		hits = append(hits, Hit{
			MessageID:        entry.MessageID,
			ChannelID:        entry.ChannelID,
			ThreadID:         entry.ThreadID,
			UserID:           entry.UserID,
			IndexedText:      entry.IndexedText,
			CreatedAtSeconds: entry.CreatedAtSeconds,
			Score:            score,
		})
	}

	sort.Slice(hits, func(a, b int) bool {
		if hits[a].Score != hits[b].Score {
			return hits[a].Score > hits[b].Score
		}
		if hits[a].CreatedAtSeconds != hits[b].CreatedAtSeconds {
			return hits[a].CreatedAtSeconds > hits[b].CreatedAtSeconds
		}
		return hits[a].MessageID > hits[b].MessageID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// RebuildIndex drops and regenerates the organization's entries strictly
// from message rows. This is the recovery path after any detected
// index/store divergence.
func (i *Indexer) RebuildIndex(ctx context.Context, orgID string) error {
	if strings.TrimSpace(orgID) == "" {
		return errMissingOrg
	}
	err := i.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("org_id = ?", orgID).Delete(&Entry{}).Error; err != nil {
			return err
		}
		const regenerate = `
INSERT INTO search_entries (message_id, org_id, channel_id, thread_id, user_id, indexed_text, created_at_s)
SELECT m.id, c.org_id, m.channel_id, m.thread_id, m.user_id, m.body, m.created_at_s
FROM messages m
INNER JOIN channels c ON c.id = m.channel_id
WHERE c.org_id = ?`
		return tx.Exec(regenerate, orgID).Error
	})
	if err != nil {
		return err
	}

	i.mu.Lock()
	delete(i.pending, orgID)
	i.mu.Unlock()

	i.logger.Info("search index rebuilt", zap.String("org_id", orgID))
	return nil
}

// PendingRebuilds lists organizations queued for a rebuild after a detected
// divergence.
func (i *Indexer) PendingRebuilds() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	orgs := make([]string, 0, len(i.pending))
	for orgID := range i.pending {
		orgs = append(orgs, orgID)
	}
	sort.Strings(orgs)
	return orgs
}

func (i *Indexer) scheduleRebuild(orgID string) {
	i.mu.Lock()
	i.pending[orgID] = struct{}{}
	i.mu.Unlock()
}

func (i *Indexer) liveMessageIDs(ctx context.Context, entries []Entry) (map[string]struct{}, error) {
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.MessageID)
	}
	var found []string
	err := i.db.WithContext(ctx).
		Table("messages").
		Where("id IN ?", ids).
		Pluck("id", &found).Error
	if err != nil {
		return nil, err
	}
	live := make(map[string]struct{}, len(found))
	for _, id := range found {
		live[id] = struct{}{}
	}
	return live, nil
}

func tokenize(query string) []string {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(query)))
	terms := make([]string, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, field := range fields {
		if _, ok := seen[field]; ok {
			continue
		}
		seen[field] = struct{}{}
		terms = append(terms, field)
	}
	return terms
}

func scoreEntry(text string, terms []string) float64 {
	lowered := strings.ToLower(text)
	score := 0.0
	for _, term := range terms {
		score += float64(strings.Count(lowered, term))
	}
	return score
}
