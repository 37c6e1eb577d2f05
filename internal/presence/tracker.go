package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/workchat/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/workchat/backend/internal/hub"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opMarkChannelRead = "presence.mark_channel_read"
	opUnreadCount     = "presence.unread_count"

	defaultTypingDecay   = 6 * time.Second
	defaultAwayThreshold = 5 * time.Minute
)

var (
	errMissingDatabase = errors.New("presence: database handle is required")
	errMissingHub      = errors.New("presence: hub is required")
)

// ReadCursor is the durable per-user, per-channel read position. Unread
// counts are computed against it; presence itself keeps no rows.
type ReadCursor struct {
	UserID            string `gorm:"column:user_id;primaryKey;size:190;not null"`
	ChannelID         string `gorm:"column:channel_id;primaryKey;size:190;not null"`
	LastReadAtSeconds int64  `gorm:"column:last_read_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ReadCursor) TableName() string {
	return "read_cursors"
}

// TrackerConfig describes the tracker's dependencies.
type TrackerConfig struct {
	Database      *gorm.DB
	Hub           *hub.Hub
	Clock         func() time.Time
	Logger        *zap.Logger
	TypingDecay   time.Duration
	AwayThreshold time.Duration
}

// Tracker derives presence from the hub's connection lifecycle plus typing
// signals, and maintains per-channel unread counters from read cursors.
// A user's status is purely a function of currently registered connections
// and recent activity timestamps.
type Tracker struct {
	db            *gorm.DB
	hub           *hub.Hub
	clock         func() time.Time
	logger        *zap.Logger
	typingDecay   time.Duration
	awayThreshold time.Duration

	mu           sync.Mutex
	online       map[string]map[string]int
	lastTyping   map[string]time.Time
	lastActivity map[string]time.Time
}

// NewTracker constructs the tracker. Install it as the hub's listener to
// receive connect/disconnect signals.
func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Hub == nil {
		return nil, errMissingHub
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	typingDecay := cfg.TypingDecay
	if typingDecay <= 0 {
		typingDecay = defaultTypingDecay
	}
	awayThreshold := cfg.AwayThreshold
	if awayThreshold <= 0 {
		awayThreshold = defaultAwayThreshold
	}
	return &Tracker{
		db:            cfg.Database,
		hub:           cfg.Hub,
		clock:         clock,
		logger:        logger,
		typingDecay:   typingDecay,
		awayThreshold: awayThreshold,
		online:        make(map[string]map[string]int),
		lastTyping:    make(map[string]time.Time),
		lastActivity:  make(map[string]time.Time),
	}, nil
}

// ConnectionOpened implements hub.Listener. The first connection for a user
// publishes an online presence update to the org.
func (t *Tracker) ConnectionOpened(orgID, userID string) {
	t.mu.Lock()
	users, ok := t.online[orgID]
	if !ok {
		users = make(map[string]int)
		t.online[orgID] = users
	}
	users[userID]++
	first := users[userID] == 1
	t.lastActivity[presenceKey(orgID, userID)] = t.clock()
	t.mu.Unlock()

	if first {
		t.hub.Publish(orgID, hub.PresenceEvent(userID, hub.StatusOnline))
	}
}

// ConnectionClosed implements hub.Listener. The last disconnect for a user
// publishes an offline presence update.
func (t *Tracker) ConnectionClosed(orgID, userID string) {
	t.mu.Lock()
	users := t.online[orgID]
	last := false
	if users != nil {
		users[userID]--
		if users[userID] <= 0 {
			delete(users, userID)
			last = true
		}
		if len(users) == 0 {
			delete(t.online, orgID)
		}
	}
	if last {
		key := presenceKey(orgID, userID)
		delete(t.lastTyping, key)
		delete(t.lastActivity, key)
	}
	t.mu.Unlock()

	if last {
		t.hub.Publish(orgID, hub.PresenceEvent(userID, hub.StatusOffline))
	}
}

// NotifyTyping records a typing signal and publishes it to the org. Typing
// decays back to online after the decay window.
func (t *Tracker) NotifyTyping(orgID, userID string) {
	now := t.clock()
	key := presenceKey(orgID, userID)
	t.mu.Lock()
	t.lastTyping[key] = now
	t.lastActivity[key] = now
	t.mu.Unlock()

	t.hub.Publish(orgID, hub.PresenceEvent(userID, hub.StatusTyping))
}

// Status derives the user's current presence.
func (t *Tracker) Status(orgID, userID string) hub.PresenceStatus {
	now := t.clock()
	key := presenceKey(orgID, userID)
	t.mu.Lock()
	defer t.mu.Unlock()
	users := t.online[orgID]
	if users == nil || users[userID] == 0 {
		return hub.StatusOffline
	}
	if typedAt, ok := t.lastTyping[key]; ok && now.Sub(typedAt) < t.typingDecay {
		return hub.StatusTyping
	}
	if activeAt, ok := t.lastActivity[key]; ok && now.Sub(activeAt) > t.awayThreshold {
		return hub.StatusAway
	}
	return hub.StatusOnline
}

// Snapshot returns the derived status of every online user in the org.
func (t *Tracker) Snapshot(orgID string) map[string]hub.PresenceStatus {
	t.mu.Lock()
	users := make([]string, 0, len(t.online[orgID]))
	for userID := range t.online[orgID] {
		users = append(users, userID)
	}
	t.mu.Unlock()

	snapshot := make(map[string]hub.PresenceStatus, len(users))
	for _, userID := range users {
		snapshot[userID] = t.Status(orgID, userID)
	}
	return snapshot
}

// MarkChannelRead records the read cursor, recomputes the unread count, and
// publishes it to the reading user's connections only.
func (t *Tracker) MarkChannelRead(ctx context.Context, actor chat.Actor, channelID string, readAt time.Time) error {
	if err := t.channelInOrg(ctx, actor, channelID, opMarkChannelRead); err != nil {
		return err
	}

	cursor := ReadCursor{
		UserID:            actor.UserID,
		ChannelID:         channelID,
		LastReadAtSeconds: readAt.UTC().Unix(),
	}
	err := t.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "channel_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_read_at_s"}),
	}).Create(&cursor).Error
	if err != nil {
		return chat.NewError(chat.KindInternal, opMarkChannelRead, err)
	}

	count, err := t.unreadSince(ctx, channelID, cursor.LastReadAtSeconds)
	if err != nil {
		return chat.NewError(chat.KindInternal, opMarkChannelRead, err)
	}

	t.hub.PublishToUser(actor.OrgID, actor.UserID, hub.UnreadEvent(channelID, count))
	t.logger.Debug("channel marked read",
		zap.String("user_id", actor.UserID),
		zap.String("channel_id", channelID),
		zap.Int64("unread", count))
	return nil
}

// UnreadCount computes the number of messages in the channel created after
// the user's read cursor. A user with no cursor has everything unread.
func (t *Tracker) UnreadCount(ctx context.Context, actor chat.Actor, channelID string) (int64, error) {
	if err := t.channelInOrg(ctx, actor, channelID, opUnreadCount); err != nil {
		return 0, err
	}

	var cursor ReadCursor
	since := int64(0)
	err := t.db.WithContext(ctx).
		Where("user_id = ? AND channel_id = ?", actor.UserID, channelID).
		Take(&cursor).Error
	if err == nil {
		since = cursor.LastReadAtSeconds
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, chat.NewError(chat.KindInternal, opUnreadCount, err)
	}

	count, err := t.unreadSince(ctx, channelID, since)
	if err != nil {
		return 0, chat.NewError(chat.KindInternal, opUnreadCount, err)
	}
	return count, nil
}

func (t *Tracker) unreadSince(ctx context.Context, channelID string, sinceSeconds int64) (int64, error) {
	var count int64
	err := t.db.WithContext(ctx).
		Model(&chat.Message{}).
		Where("channel_id = ? AND created_at_s > ?", channelID, sinceSeconds).
		Count(&count).Error
	return count, err
}

func (t *Tracker) channelInOrg(ctx context.Context, actor chat.Actor, channelID, operation string) error {
	var channel chat.Channel
	err := t.db.WithContext(ctx).
		Where("id = ? AND org_id = ?", channelID, actor.OrgID).
		Take(&channel).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return chat.NewError(chat.KindNotFound, operation, fmt.Errorf("channel %s", channelID))
	}
	if err != nil {
		return chat.NewError(chat.KindInternal, operation, err)
	}
	return nil
}

func presenceKey(orgID, userID string) string {
	return orgID + ":" + userID
}
