package session

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yungbote/brainstorm-realtime/internal/realtime/transport"
)

// fakeTransport delivers everything synchronously on the caller's goroutine
// so tests can drive the manager step by step.
type fakeTransport struct {
	mu       sync.Mutex
	channels []*fakeChannel
	// joinStatus is reported by Subscribe; empty means no report at all.
	joinStatus transport.Status
	trackErr   error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{joinStatus: transport.StatusSubscribed}
}

func (f *fakeTransport) Channel(topic string, h transport.Handlers) transport.Channel {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &fakeChannel{f: f, topic: topic, h: h, status: transport.StatusJoining}
	f.channels = append(f.channels, c)
	return c
}

func (f *fakeTransport) Publish(ctx context.Context, topic, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	for _, c := range f.live(topic) {
		c.h.OnBroadcast(transport.Message{Topic: topic, Event: event, Payload: raw})
	}
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) setJoinStatus(st transport.Status) {
	f.mu.Lock()
	f.joinStatus = st
	f.mu.Unlock()
}

func (f *fakeTransport) live(topic string) []*fakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*fakeChannel
	for _, c := range f.channels {
		if c.topic == topic && c.joined() {
			out = append(out, c)
		}
	}
	return out
}

// latest returns the newest channel whose topic ends with suffix.
func (f *fakeTransport) latest(suffix string) *fakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.channels) - 1; i >= 0; i-- {
		if strings.HasSuffix(f.channels[i].topic, suffix) {
			return f.channels[i]
		}
	}
	return nil
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.channels)
}

// fail reports st on every joined channel, like a dropped connection.
func (f *fakeTransport) fail(st transport.Status, err error) {
	f.mu.Lock()
	var live []*fakeChannel
	for _, c := range f.channels {
		if c.joined() {
			live = append(live, c)
		}
	}
	f.mu.Unlock()
	for _, c := range live {
		c.setStatus(st)
		c.h.OnStatus(st, err)
	}
}

type fakeChannel struct {
	f     *fakeTransport
	topic string
	h     transport.Handlers

	mu       sync.Mutex
	status   transport.Status
	left     bool
	tracks   []string
	untracks []string
}

func (c *fakeChannel) Topic() string { return c.topic }

func (c *fakeChannel) Status() transport.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *fakeChannel) setStatus(st transport.Status) {
	c.mu.Lock()
	c.status = st
	c.mu.Unlock()
}

func (c *fakeChannel) joined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.left && c.status == transport.StatusSubscribed
}

func (c *fakeChannel) isLeft() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.left
}

func (c *fakeChannel) Subscribe(ctx context.Context) {
	c.f.mu.Lock()
	st := c.f.joinStatus
	c.f.mu.Unlock()
	if st == "" {
		return
	}
	c.setStatus(st)
	c.h.OnStatus(st, nil)
	if st == transport.StatusSubscribed && c.h.OnPresenceSync != nil {
		c.h.OnPresenceSync(nil)
	}
}

func (c *fakeChannel) Track(ctx context.Context, key string, state json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.f.mu.Lock()
	err := c.f.trackErr
	c.f.mu.Unlock()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.tracks = append(c.tracks, key)
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) Untrack(ctx context.Context, key string) error {
	c.mu.Lock()
	c.untracks = append(c.untracks, key)
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) Unsubscribe(ctx context.Context) error {
	c.mu.Lock()
	c.left = true
	c.status = transport.StatusClosed
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) tracked() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.tracks...)
}

func (c *fakeChannel) untracked() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.untracks...)
}

func (c *fakeChannel) broadcast(t *testing.T, ev IdeaEvent) {
	t.Helper()
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal idea event: %v", err)
	}
	c.h.OnBroadcast(transport.Message{Topic: c.topic, Event: string(ev.Kind), Payload: raw})
}

func (c *fakeChannel) join(t *testing.T, id, name string, typing bool) {
	t.Helper()
	c.h.OnPresenceDiff(transport.PresenceDiff{Joins: []transport.PresenceEntry{{Key: id, State: presenceState(t, id, name, typing)}}})
}

func (c *fakeChannel) leave(id string) {
	c.h.OnPresenceDiff(transport.PresenceDiff{Leaves: []transport.PresenceEntry{{Key: id}}})
}

func presenceState(t *testing.T, id, name string, typing bool) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(presencePayload{ParticipantID: id, DisplayName: name, IsTyping: typing})
	if err != nil {
		t.Fatalf("marshal presence: %v", err)
	}
	return raw
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// callLog records callback invocations in order.
type callLog struct {
	mu      sync.Mutex
	calls   []string
	ideas   []Idea
	changes []StateChange
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	l.calls = append(l.calls, s)
	l.mu.Unlock()
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) states() []StateChange {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]StateChange(nil), l.changes...)
}

func (l *callLog) config(sessionID string) Config {
	idea := func(prefix string) func(Idea) {
		return func(i Idea) {
			l.mu.Lock()
			l.ideas = append(l.ideas, i)
			l.calls = append(l.calls, prefix+":"+i.ID)
			l.mu.Unlock()
		}
	}
	return Config{
		SessionID:           sessionID,
		OnIdeaCreated:       idea("created"),
		OnIdeaUpdated:       idea("updated"),
		OnIdeaDeleted:       idea("deleted"),
		OnParticipantJoined: func(id string) { l.add("joined:" + id) },
		OnParticipantLeft:   func(id string) { l.add("left:" + id) },
		OnSessionStateChanged: func(c StateChange) {
			l.mu.Lock()
			l.changes = append(l.changes, c)
			l.calls = append(l.calls, "state:"+string(c.To))
			l.mu.Unlock()
		},
	}
}
