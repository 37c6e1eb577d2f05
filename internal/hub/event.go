package hub

import "time"

// Event type discriminators. The set is open: subscribers must tolerate
// types they do not recognize.
const (
	EventNewMessage     = "newMessage"
	EventMessageUpdated = "messageUpdated"
	EventPresenceUpdate = "presenceUpdate"
	EventUnreadCount    = "unreadCount"
	EventReactionAdded  = "reactionAdded"
	EventHeartbeat      = "heartbeat"
)

// PresenceStatus enumerates the statuses a presenceUpdate can carry.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusAway    PresenceStatus = "away"
	StatusOffline PresenceStatus = "offline"
	StatusTyping  PresenceStatus = "typing"
)

// Event is one type-tagged record on a connection's outbound stream.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// MessagePayload is the payload of a newMessage event.
type MessagePayload struct {
	ID               string `json:"id"`
	ChannelID        string `json:"channel_id"`
	ThreadID         string `json:"thread_id"`
	UserID           string `json:"user_id"`
	Body             string `json:"body"`
	Version          int64  `json:"version"`
	CreatedAtSeconds int64  `json:"created_at_s"`
	EditedAtSeconds  *int64 `json:"edited_at_s,omitempty"`
}

// PresencePayload is the payload of a presenceUpdate event.
type PresencePayload struct {
	UserID string         `json:"user_id"`
	Status PresenceStatus `json:"status"`
}

// UnreadPayload is the payload of an unreadCount event.
type UnreadPayload struct {
	ChannelID string `json:"channel_id"`
	Count     int64  `json:"count"`
}

// ReactionPayload is the payload of a reactionAdded event.
type ReactionPayload struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	Emoji     string `json:"emoji"`
}

type heartbeatPayload struct {
	AtSeconds int64 `json:"at_s"`
}

// NewMessageEvent wraps a message payload as an event.
func NewMessageEvent(payload MessagePayload) Event {
	return Event{Type: EventNewMessage, Data: payload}
}

// MessageUpdatedEvent wraps an edited message payload as an event.
func MessageUpdatedEvent(payload MessagePayload) Event {
	return Event{Type: EventMessageUpdated, Data: payload}
}

// PresenceEvent wraps a presence payload as an event.
func PresenceEvent(userID string, status PresenceStatus) Event {
	return Event{Type: EventPresenceUpdate, Data: PresencePayload{UserID: userID, Status: status}}
}

// UnreadEvent wraps an unread counter as an event.
func UnreadEvent(channelID string, count int64) Event {
	return Event{Type: EventUnreadCount, Data: UnreadPayload{ChannelID: channelID, Count: count}}
}

// ReactionEvent wraps a reaction payload as an event.
func ReactionEvent(messageID, userID, emoji string) Event {
	return Event{Type: EventReactionAdded, Data: ReactionPayload{MessageID: messageID, UserID: userID, Emoji: emoji}}
}

func heartbeatEvent(at time.Time) Event {
	return Event{Type: EventHeartbeat, Data: heartbeatPayload{AtSeconds: at.UTC().Unix()}}
}
