package session

import (
	"time"

	"github.com/yungbote/brainstorm-realtime/internal/realtime/transport"
)

type IdeaEventKind string

const (
	IdeaCreated IdeaEventKind = "idea_created"
	IdeaUpdated IdeaEventKind = "idea_updated"
	IdeaDeleted IdeaEventKind = "idea_deleted"
)

func (k IdeaEventKind) Valid() bool {
	switch k {
	case IdeaCreated, IdeaUpdated, IdeaDeleted:
		return true
	default:
		return false
	}
}

// Idea is one brainstorm card as seen by collaborators.
type Idea struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Category    string    `json:"category,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	AuthorID    string    `json:"author_id,omitempty"`
	Votes       int       `json:"votes"`
	Position    int       `json:"position"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// IdeaEvent is the payload published on a session's idea topic.
type IdeaEvent struct {
	Kind    IdeaEventKind `json:"kind"`
	Idea    Idea          `json:"idea"`
	ActorID string        `json:"actor_id,omitempty"`
	SentAt  time.Time     `json:"sent_at"`
}

type PresenceRecord struct {
	ParticipantID string    `json:"participant_id"`
	DisplayName   string    `json:"display_name"`
	IsTyping      bool      `json:"is_typing"`
	LastSeen      time.Time `json:"last_seen"`
}

type State string

const (
	StateUnsubscribed State = "unsubscribed"
	StateSubscribing  State = "subscribing"
	StateSubscribed   State = "subscribed"
	StateDisconnected State = "disconnected"
	StateReconnecting State = "reconnecting"
)

// StateChange is delivered to OnSessionStateChanged. From == To with a
// non-nil Err reports a non-fatal transport problem that did not move the
// state machine (for example a failed presence update).
type StateChange struct {
	SessionID string `json:"session_id"`
	From      State  `json:"from"`
	To        State  `json:"to"`
	Err       error  `json:"-"`
}

type ConnectionHealth struct {
	IsConnected       bool `json:"is_connected"`
	ChannelCount      int  `json:"channel_count"`
	ReconnectAttempts int  `json:"reconnect_attempts"`
	PendingUpdates    int  `json:"pending_updates"`
}

type ChannelInfo struct {
	Kind   string           `json:"kind"`
	Topic  string           `json:"topic"`
	Status transport.Status `json:"status"`
}

// ChannelStatus is a diagnostic view of the manager and its channels.
type ChannelStatus struct {
	SessionID         string        `json:"session_id,omitempty"`
	State             State         `json:"state"`
	Generation        uint64        `json:"generation"`
	Channels          []ChannelInfo `json:"channels"`
	ReconnectAttempts int           `json:"reconnect_attempts"`
	ReconnectPending  bool          `json:"reconnect_pending"`
	PendingUpdates    int           `json:"pending_updates"`
	LastError         string        `json:"last_error,omitempty"`
	LastFlushAt       time.Time     `json:"last_flush_at"`
	FlushedEvents     uint64        `json:"flushed_events"`
	DroppedStale      uint64        `json:"dropped_stale"`
	DroppedMalformed  uint64        `json:"dropped_malformed"`
}
