// Package transport is the pub/sub layer the collaboration manager rides on:
// topic channels carrying broadcast events and key-based presence.
package transport

import (
	"context"
	"encoding/json"
	"errors"
)

type Status string

const (
	StatusJoining      Status = "JOINING"
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusChannelError Status = "CHANNEL_ERROR"
	StatusTimedOut     Status = "TIMED_OUT"
	StatusClosed       Status = "CLOSED"
)

// Healthy reports whether the status represents a live subscription.
func (s Status) Healthy() bool { return s == StatusSubscribed }

// Failed reports whether the status is a connectivity failure.
func (s Status) Failed() bool {
	return s == StatusChannelError || s == StatusTimedOut || s == StatusClosed
}

var (
	ErrClosed        = errors.New("transport closed")
	ErrNotSubscribed = errors.New("channel not subscribed")
	ErrEmptyTopic    = errors.New("empty topic")
	ErrEmptyKey      = errors.New("empty presence key")
)

type Message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type PresenceEntry struct {
	Key   string          `json:"key"`
	State json.RawMessage `json:"state,omitempty"`
}

// PresenceDiff lists presence changes in the order the transport observed
// them. A key present in Joins that was already known is an update.
type PresenceDiff struct {
	Joins  []PresenceEntry `json:"joins,omitempty"`
	Leaves []PresenceEntry `json:"leaves,omitempty"`
}

// Handlers receive everything a channel delivers. All callbacks of one
// channel are invoked from a single goroutine, in delivery order. Any of them
// may be nil.
type Handlers struct {
	OnBroadcast    func(msg Message)
	OnPresenceSync func(entries []PresenceEntry)
	OnPresenceDiff func(diff PresenceDiff)
	OnStatus       func(status Status, err error)
}

func (h Handlers) broadcast(msg Message) {
	if h.OnBroadcast != nil {
		h.OnBroadcast(msg)
	}
}

func (h Handlers) presenceSync(entries []PresenceEntry) {
	if h.OnPresenceSync != nil {
		h.OnPresenceSync(entries)
	}
}

func (h Handlers) presenceDiff(diff PresenceDiff) {
	if h.OnPresenceDiff != nil {
		h.OnPresenceDiff(diff)
	}
}

func (h Handlers) status(st Status, err error) {
	if h.OnStatus != nil {
		h.OnStatus(st, err)
	}
}

// Channel is one subscription to a topic.
type Channel interface {
	Topic() string
	Status() Status
	// Subscribe starts joining the topic and returns without waiting; the
	// outcome and later connectivity changes arrive through Handlers.OnStatus.
	// A successful join is followed by a presence sync.
	Subscribe(ctx context.Context)
	// Track announces or refreshes presence state under key. Other
	// subscribers (and this one) observe it as a presence join.
	Track(ctx context.Context, key string, state json.RawMessage) error
	Untrack(ctx context.Context, key string) error
	// Unsubscribe leaves the topic and untracks every key this channel
	// tracked. No handler is invoked afterwards.
	Unsubscribe(ctx context.Context) error
}

type Transport interface {
	Channel(topic string, h Handlers) Channel
	// Publish broadcasts to every subscriber of topic without joining it.
	Publish(ctx context.Context, topic, event string, payload any) error
	Close() error
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return json.Marshal(payload)
	}
}
