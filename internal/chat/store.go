package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/workchat/backend/internal/audit"
	"github.com/MarcoPoloResearchLab/workchat/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/workchat/backend/internal/search"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opStoreNew       = "chat.store.new"
	opPostMessage    = "chat.post_message"
	opReplyToThread  = "chat.reply_to_thread"
	opEditMessage    = "chat.edit_message"
	opGetThread      = "chat.get_thread"
	opAddReaction    = "chat.add_reaction"
	opRemoveReaction = "chat.remove_reaction"
	opListReactions  = "chat.list_reactions"
	opCreateChannel  = "chat.create_channel"
	opListChannels   = "chat.list_channels"

	targetTypeMessage  = "message"
	targetTypeReaction = "reaction"
	targetTypeChannel  = "channel"

	defaultThreadPageSize = 50
	maxThreadPageSize     = 200
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingProvider = errors.New("id provider is required")
	errMissingAudit    = errors.New("audit engine is required")
	errMissingIndexer  = errors.New("search indexer is required")
	errMissingActor    = errors.New("actor user and org are required")
	errEmptyBody       = errors.New("message body is empty")
	errBodyTooLong     = fmt.Errorf("message body exceeds %d characters", maxBodyLength)
	errEmptyEmoji      = errors.New("emoji is required")
	errNotThreadRoot   = errors.New("thread id does not reference a root message")
	errForeignOrg      = errors.New("entity belongs to another organization")
	errNotAuthor       = errors.New("only the author may edit a message")

	noOpLogger = zap.NewNop()
)

// StoreConfig describes the dependencies of the message store.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Audit      *audit.Engine
	Search     *search.Indexer
	Logger     *zap.Logger
	Metrics    *metrics.Set
}

// Store is the authoritative, transactional keeper of channels, threads,
// messages, and reactions. Every mutation runs in a single transaction that
// also appends the audit record and updates the search projection, so no
// partial write is ever visible and search never runs ahead of persistence.
// Broadcast happens elsewhere, strictly after commit.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	audit      *audit.Engine
	search     *search.Indexer
	logger     *zap.Logger
	metrics    *metrics.Set
}

// NewStore constructs the message store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, NewError(KindInternal, opStoreNew, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, NewError(KindInternal, opStoreNew, errMissingProvider)
	}
	if cfg.Audit == nil {
		return nil, NewError(KindInternal, opStoreNew, errMissingAudit)
	}
	if cfg.Search == nil {
		return nil, NewError(KindInternal, opStoreNew, errMissingIndexer)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		audit:      cfg.Audit,
		search:     cfg.Search,
		logger:     logger,
		metrics:    cfg.Metrics,
	}, nil
}

// PostMessage creates the root message of a new thread in the channel.
func (s *Store) PostMessage(ctx context.Context, actor Actor, channelID, body string, metadata Metadata) (Message, error) {
	if !actor.validate() {
		return Message{}, NewError(KindInvalidArgument, opPostMessage, errMissingActor)
	}
	trimmed, err := validateBody(body)
	if err != nil {
		return Message{}, NewError(KindInvalidArgument, opPostMessage, err)
	}
	metadataJSON, err := EncodeMetadata(metadata)
	if err != nil {
		return Message{}, NewError(KindInvalidArgument, opPostMessage, err)
	}

	var created Message
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		channel, err := s.channelInOrg(tx, actor.OrgID, channelID)
		if err != nil {
			return err
		}

		messageID, err := s.idProvider.NewID()
		if err != nil {
			return NewError(KindInternal, opPostMessage, err)
		}

		created = Message{
			ID:               messageID,
			ChannelID:        channel.ID,
			ThreadID:         messageID,
			UserID:           actor.UserID,
			Body:             trimmed,
			MetadataJSON:     metadataJSON,
			Version:          1,
			CreatedAtSeconds: s.clock().UTC().Unix(),
		}
		if err := tx.Create(&created).Error; err != nil {
			return NewError(KindInternal, opPostMessage, err)
		}
		return s.recordAndIndex(tx, actor, channel.OrgID, audit.ActionCreate, nil, created)
	})
	if txErr != nil {
		s.logError(opPostMessage, txErr, zap.String("channel_id", channelID))
		return Message{}, txErr
	}
	s.markCommitted()
	return created, nil
}

// ReplyToThread appends a reply to an existing thread. The reply inherits
// the root message's channel.
func (s *Store) ReplyToThread(ctx context.Context, actor Actor, threadID, body string, metadata Metadata) (Message, error) {
	if !actor.validate() {
		return Message{}, NewError(KindInvalidArgument, opReplyToThread, errMissingActor)
	}
	trimmed, err := validateBody(body)
	if err != nil {
		return Message{}, NewError(KindInvalidArgument, opReplyToThread, err)
	}
	metadataJSON, err := EncodeMetadata(metadata)
	if err != nil {
		return Message{}, NewError(KindInvalidArgument, opReplyToThread, err)
	}

	var created Message
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		root, rootOrg, err := s.messageWithOrg(tx, opReplyToThread, actor, threadID)
		if err != nil {
			return err
		}
		if !root.IsRoot() {
			return NewError(KindNotFound, opReplyToThread, errNotThreadRoot)
		}

		messageID, err := s.idProvider.NewID()
		if err != nil {
			return NewError(KindInternal, opReplyToThread, err)
		}

		created = Message{
			ID:               messageID,
			ChannelID:        root.ChannelID,
			ThreadID:         root.ID,
			UserID:           actor.UserID,
			Body:             trimmed,
			MetadataJSON:     metadataJSON,
			Version:          1,
			CreatedAtSeconds: s.clock().UTC().Unix(),
		}
		if err := tx.Create(&created).Error; err != nil {
			return NewError(KindInternal, opReplyToThread, err)
		}
		return s.recordAndIndex(tx, actor, rootOrg, audit.ActionCreate, nil, created)
	})
	if txErr != nil {
		s.logError(opReplyToThread, txErr, zap.String("thread_id", threadID))
		return Message{}, txErr
	}
	s.markCommitted()
	return created, nil
}

// EditMessage applies an optimistic-concurrency edit. The caller's
// expectedVersion must match the stored version or the edit fails with
// CONFLICT and the caller re-reads and retries. The prior body survives in
// the audit trail.
func (s *Store) EditMessage(ctx context.Context, actor Actor, messageID string, expectedVersion int64, newBody string) (Message, error) {
	if !actor.validate() {
		return Message{}, NewError(KindInvalidArgument, opEditMessage, errMissingActor)
	}
	trimmed, err := validateBody(newBody)
	if err != nil {
		return Message{}, NewError(KindInvalidArgument, opEditMessage, err)
	}

	var updated Message
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, orgID, err := s.messageWithOrg(tx, opEditMessage, actor, messageID)
		if err != nil {
			return err
		}
		if existing.UserID != actor.UserID {
			return NewError(KindForbidden, opEditMessage, errNotAuthor)
		}
		if existing.Version != expectedVersion {
			return NewError(KindConflict, opEditMessage,
				fmt.Errorf("expected version %d, current is %d", expectedVersion, existing.Version))
		}

		editedAt := s.clock().UTC().Unix()
		// Guarded update: WHERE version = expected makes the race between two
		// concurrent editors resolve to exactly one winner.
		result := tx.Model(&Message{}).
			Where("id = ? AND version = ?", messageID, expectedVersion).
			Updates(map[string]any{
				"body":        trimmed,
				"version":     expectedVersion + 1,
				"edited_at_s": editedAt,
			})
		if result.Error != nil {
			return NewError(KindInternal, opEditMessage, result.Error)
		}
		if result.RowsAffected == 0 {
			return NewError(KindConflict, opEditMessage,
				fmt.Errorf("version %d no longer current", expectedVersion))
		}

		updated = existing
		updated.Body = trimmed
		updated.Version = expectedVersion + 1
		updated.EditedAtSeconds = &editedAt

		return s.recordAndIndex(tx, actor, orgID, audit.ActionUpdate, &existing, updated)
	})
	if txErr != nil {
		s.logError(opEditMessage, txErr, zap.String("message_id", messageID))
		return Message{}, txErr
	}
	s.markCommitted()
	return updated, nil
}

// GetThread returns the root message and a page of replies ordered by
// creation time ascending with a stable id tie-break. The opaque cursor
// keys on the last-seen row, so pages stay correct under concurrent
// inserts.
func (s *Store) GetThread(ctx context.Context, actor Actor, threadID, cursor string, limit int) (Thread, error) {
	if !actor.validate() {
		return Thread{}, NewError(KindInvalidArgument, opGetThread, errMissingActor)
	}
	if limit <= 0 {
		limit = defaultThreadPageSize
	}
	if limit > maxThreadPageSize {
		limit = maxThreadPageSize
	}

	db := s.db.WithContext(ctx)
	root, _, err := s.messageWithOrg(db, opGetThread, actor, threadID)
	if err != nil {
		return Thread{}, err
	}
	if !root.IsRoot() {
		return Thread{}, NewError(KindNotFound, opGetThread, errNotThreadRoot)
	}

	stmt := db.
		Where("thread_id = ? AND id <> ?", root.ID, root.ID).
		Order("created_at_s ASC, id ASC").
		Limit(limit + 1)
	if cursor != "" {
		decoded, err := decodeCursor(cursor)
		if err != nil {
			return Thread{}, NewError(KindInvalidArgument, opGetThread, err)
		}
		stmt = stmt.Where(
			"created_at_s > ? OR (created_at_s = ? AND id > ?)",
			decoded.CreatedAtSeconds, decoded.CreatedAtSeconds, decoded.MessageID,
		)
	}

	var replies []Message
	if err := stmt.Find(&replies).Error; err != nil {
		return Thread{}, NewError(KindInternal, opGetThread, err)
	}

	thread := Thread{Root: root, Replies: replies}
	if len(replies) > limit {
		thread.Replies = replies[:limit]
		last := thread.Replies[limit-1]
		thread.NextCursor = encodeCursor(threadCursor{
			CreatedAtSeconds: last.CreatedAtSeconds,
			MessageID:        last.ID,
		})
	}
	return thread, nil
}

// AddReaction records the (message, user, emoji) reaction. Adding the same
// reaction twice is idempotent; the boolean reports whether a row was
// actually created so callers can skip notifications on the repeat.
func (s *Store) AddReaction(ctx context.Context, actor Actor, messageID, emoji string) (Reaction, bool, error) {
	if !actor.validate() {
		return Reaction{}, false, NewError(KindInvalidArgument, opAddReaction, errMissingActor)
	}
	if strings.TrimSpace(emoji) == "" {
		return Reaction{}, false, NewError(KindInvalidArgument, opAddReaction, errEmptyEmoji)
	}

	reaction := Reaction{
		MessageID: messageID,
		UserID:    actor.UserID,
		Emoji:     emoji,
	}
	created := false
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, orgID, err := s.messageWithOrg(tx, opAddReaction, actor, messageID)
		if err != nil {
			return err
		}

		reaction.CreatedAtSeconds = s.clock().UTC().Unix()
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&reaction)
		if result.Error != nil {
			return NewError(KindInternal, opAddReaction, result.Error)
		}
		if result.RowsAffected == 0 {
			// Already present; nothing changed, nothing to audit.
			return nil
		}
		created = true
		return s.audit.RecordChange(tx, audit.Change{
			ActorID:    actor.UserID,
			OrgID:      orgID,
			Action:     audit.ActionCreate,
			TargetType: targetTypeReaction,
			TargetID:   messageID,
			NewValue:   map[string]any{"user_id": actor.UserID, "emoji": emoji},
		})
	})
	if txErr != nil {
		s.logError(opAddReaction, txErr, zap.String("message_id", messageID))
		return Reaction{}, false, txErr
	}
	s.markCommitted()
	return reaction, created, nil
}

// RemoveReaction deletes the (message, user, emoji) reaction.
func (s *Store) RemoveReaction(ctx context.Context, actor Actor, messageID, emoji string) error {
	if !actor.validate() {
		return NewError(KindInvalidArgument, opRemoveReaction, errMissingActor)
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, _, err := s.messageWithOrg(tx, opRemoveReaction, actor, messageID); err != nil {
			return err
		}
		result := tx.
			Where("message_id = ? AND user_id = ? AND emoji = ?", messageID, actor.UserID, emoji).
			Delete(&Reaction{})
		if result.Error != nil {
			return NewError(KindInternal, opRemoveReaction, result.Error)
		}
		if result.RowsAffected == 0 {
			return NewError(KindNotFound, opRemoveReaction, errors.New("reaction not found"))
		}
		return nil
	})
	if txErr != nil {
		s.logError(opRemoveReaction, txErr, zap.String("message_id", messageID))
		return txErr
	}
	return nil
}

// ListReactions returns all reactions on the message, oldest first.
func (s *Store) ListReactions(ctx context.Context, actor Actor, messageID string) ([]Reaction, error) {
	if !actor.validate() {
		return nil, NewError(KindInvalidArgument, opListReactions, errMissingActor)
	}
	db := s.db.WithContext(ctx)
	if _, _, err := s.messageWithOrg(db, opListReactions, actor, messageID); err != nil {
		return nil, err
	}
	var reactions []Reaction
	err := db.
		Where("message_id = ?", messageID).
		Order("created_at_s ASC, emoji ASC").
		Find(&reactions).Error
	if err != nil {
		return nil, NewError(KindInternal, opListReactions, err)
	}
	return reactions, nil
}

// CreateChannel creates an org-scoped channel. Names are unique within the
// organization.
func (s *Store) CreateChannel(ctx context.Context, actor Actor, name, description string) (Channel, error) {
	if !actor.validate() {
		return Channel{}, NewError(KindInvalidArgument, opCreateChannel, errMissingActor)
	}
	trimmedName := strings.TrimSpace(name)
	if trimmedName == "" || len(trimmedName) > maxChannelName {
		return Channel{}, NewError(KindInvalidArgument, opCreateChannel, errors.New("channel name is empty or too long"))
	}
	if len(description) > maxDescription {
		return Channel{}, NewError(KindInvalidArgument, opCreateChannel, errors.New("channel description too long"))
	}

	var created Channel
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Channel
		err := tx.Where("org_id = ? AND name = ?", actor.OrgID, trimmedName).Take(&existing).Error
		if err == nil {
			return NewError(KindConflict, opCreateChannel,
				fmt.Errorf("channel %q already exists", trimmedName))
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return NewError(KindInternal, opCreateChannel, err)
		}

		channelID, err := s.idProvider.NewID()
		if err != nil {
			return NewError(KindInternal, opCreateChannel, err)
		}
		created = Channel{
			ID:               channelID,
			OrgID:            actor.OrgID,
			Name:             trimmedName,
			Description:      description,
			CreatedBy:        actor.UserID,
			CreatedAtSeconds: s.clock().UTC().Unix(),
		}
		if err := tx.Create(&created).Error; err != nil {
			return NewError(KindInternal, opCreateChannel, err)
		}
		return s.audit.RecordChange(tx, audit.Change{
			ActorID:    actor.UserID,
			OrgID:      actor.OrgID,
			Action:     audit.ActionCreate,
			TargetType: targetTypeChannel,
			TargetID:   channelID,
			NewValue:   map[string]any{"name": trimmedName, "description": description},
		})
	})
	if txErr != nil {
		s.logError(opCreateChannel, txErr, zap.String("name", trimmedName))
		return Channel{}, txErr
	}
	s.markCommitted()
	return created, nil
}

// ListChannels returns the organization's channels ordered by name.
func (s *Store) ListChannels(ctx context.Context, actor Actor) ([]Channel, error) {
	if !actor.validate() {
		return nil, NewError(KindInvalidArgument, opListChannels, errMissingActor)
	}
	var channels []Channel
	err := s.db.WithContext(ctx).
		Where("org_id = ?", actor.OrgID).
		Order("name ASC").
		Find(&channels).Error
	if err != nil {
		return nil, NewError(KindInternal, opListChannels, err)
	}
	return channels, nil
}

// recordAndIndex appends the audit record and refreshes the search
// projection on the writing transaction. A failure in either aborts the
// whole write: the system rejects changes it cannot audit or index.
func (s *Store) recordAndIndex(tx *gorm.DB, actor Actor, orgID string, action audit.Action, before *Message, after Message) error {
	oldValues, newValues := messageDiff(before, after)
	if err := s.audit.RecordChange(tx, audit.Change{
		ActorID:    actor.UserID,
		OrgID:      orgID,
		Action:     action,
		TargetType: targetTypeMessage,
		TargetID:   after.ID,
		OldValue:   oldValues,
		NewValue:   newValues,
	}); err != nil {
		return NewError(KindInternal, "audit.record_change", err)
	}
	if err := s.search.IndexMessage(tx, search.Entry{
		MessageID:        after.ID,
		OrgID:            orgID,
		ChannelID:        after.ChannelID,
		ThreadID:         after.ThreadID,
		UserID:           after.UserID,
		IndexedText:      after.Body,
		CreatedAtSeconds: after.CreatedAtSeconds,
	}); err != nil {
		return NewError(KindInternal, "search.index_message", err)
	}
	return nil
}

// channelInOrg resolves a channel id inside the actor's org. Unknown ids
// and foreign-org channels are both NOT_FOUND: channels are addressed
// org-relative.
func (s *Store) channelInOrg(tx *gorm.DB, orgID, channelID string) (Channel, error) {
	var channel Channel
	err := tx.Where("id = ? AND org_id = ?", channelID, orgID).Take(&channel).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Channel{}, NewError(KindNotFound, opPostMessage, fmt.Errorf("channel %s", channelID))
	}
	if err != nil {
		return Channel{}, NewError(KindInternal, opPostMessage, err)
	}
	return channel, nil
}

// messageWithOrg resolves a message by id and returns its owning org.
// Unknown ids are NOT_FOUND; a message in a foreign org is FORBIDDEN.
func (s *Store) messageWithOrg(tx *gorm.DB, operation string, actor Actor, messageID string) (Message, string, error) {
	var message Message
	err := tx.Where("id = ?", messageID).Take(&message).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Message{}, "", NewError(KindNotFound, operation, fmt.Errorf("message %s", messageID))
	}
	if err != nil {
		return Message{}, "", NewError(KindInternal, operation, err)
	}

	var channel Channel
	if err := tx.Where("id = ?", message.ChannelID).Take(&channel).Error; err != nil {
		return Message{}, "", NewError(KindInternal, operation, err)
	}
	if channel.OrgID != actor.OrgID {
		return Message{}, "", NewError(KindForbidden, operation, errForeignOrg)
	}
	return message, channel.OrgID, nil
}

func (s *Store) markCommitted() {
	if s.metrics != nil {
		s.metrics.WritesCommitted.Inc()
	}
}

func (s *Store) logError(operation string, err error, fields ...zap.Field) {
	attrs := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("kind", string(KindOf(err))),
		zap.Error(err),
	}, fields...)
	s.logger.Error("message store error", attrs...)
}

func validateBody(body string) (string, error) {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return "", errEmptyBody
	}
	if len(trimmed) > maxBodyLength {
		return "", errBodyTooLong
	}
	return trimmed, nil
}

func messageSnapshot(message Message) map[string]any {
	snapshot := map[string]any{
		"channel_id":   message.ChannelID,
		"thread_id":    message.ThreadID,
		"user_id":      message.UserID,
		"body":         message.Body,
		"version":      message.Version,
		"created_at_s": message.CreatedAtSeconds,
	}
	if message.EditedAtSeconds != nil {
		snapshot["edited_at_s"] = *message.EditedAtSeconds
	}
	return snapshot
}

func messageDiff(before *Message, after Message) (map[string]any, map[string]any) {
	if before == nil {
		return nil, messageSnapshot(after)
	}
	return audit.Diff(messageSnapshot(*before), messageSnapshot(after))
}
