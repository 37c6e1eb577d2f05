package chat

import (
	"strings"
)

const (
	maxIdentifierLength = 190
	maxBodyLength       = 10000
	maxChannelName      = 100
	maxDescription      = 500
)

// Actor identifies the authenticated caller of a store operation. Every
// query issued on its behalf is scoped to OrgID.
type Actor struct {
	UserID string
	OrgID  string
}

func (a Actor) validate() bool {
	return strings.TrimSpace(a.UserID) != "" && strings.TrimSpace(a.OrgID) != ""
}

// Organization is the tenant boundary; all other rows carry its id.
type Organization struct {
	ID               string `gorm:"column:id;primaryKey;size:190;not null"`
	Name             string `gorm:"column:name;size:100;uniqueIndex;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Organization) TableName() string {
	return "organizations"
}

// Channel groups threads within an organization. Names are unique per org.
type Channel struct {
	ID               string `gorm:"column:id;primaryKey;size:190;not null"`
	OrgID            string `gorm:"column:org_id;size:190;not null;uniqueIndex:idx_channels_org_name,priority:1;index:idx_channels_org"`
	Name             string `gorm:"column:name;size:100;not null;uniqueIndex:idx_channels_org_name,priority:2"`
	Description      string `gorm:"column:description;size:500;not null;default:''"`
	CreatedBy        string `gorm:"column:created_by;size:190;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Channel) TableName() string {
	return "channels"
}

// Message is the authoritative chat row. A root message has ThreadID equal
// to its own ID; replies reference the root. ChannelID and ThreadID never
// change after creation, and content is append-only: edits bump Version and
// the prior body survives in the audit trail.
type Message struct {
	ID               string `gorm:"column:id;primaryKey;size:190;not null"`
	ChannelID        string `gorm:"column:channel_id;size:190;not null;index:idx_messages_channel_created,priority:1"`
	ThreadID         string `gorm:"column:thread_id;size:190;not null;index:idx_messages_thread"`
	UserID           string `gorm:"column:user_id;size:190;not null"`
	Body             string `gorm:"column:body;type:text;not null"`
	MetadataJSON     string `gorm:"column:metadata_json;type:text;not null;default:''"`
	Version          int64  `gorm:"column:version;not null;default:1"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;index:idx_messages_channel_created,priority:2"`
	EditedAtSeconds  *int64 `gorm:"column:edited_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "messages"
}

// IsRoot reports whether the message opens its thread.
func (m Message) IsRoot() bool {
	return m.ID == m.ThreadID
}

// Reaction links a user to a message by emoji. The composite unique index
// makes AddReaction idempotent per (message, user, emoji).
type Reaction struct {
	MessageID        string `gorm:"column:message_id;size:190;not null;uniqueIndex:idx_reactions_key,priority:1;index:idx_reactions_message"`
	UserID           string `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_reactions_key,priority:2"`
	Emoji            string `gorm:"column:emoji;size:64;not null;uniqueIndex:idx_reactions_key,priority:3"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Reaction) TableName() string {
	return "reactions"
}

// Thread is a lookup view over messages sharing a root id; it has no
// storage of its own.
type Thread struct {
	Root       Message
	Replies    []Message
	NextCursor string
}
