package transport

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/yungbote/brainstorm-realtime/internal/platform/logger"
)

type recorder struct {
	status   chan Status
	messages chan Message
	syncs    chan []PresenceEntry
	diffs    chan PresenceDiff
}

func newRecorder() *recorder {
	return &recorder{
		status:   make(chan Status, 16),
		messages: make(chan Message, 16),
		syncs:    make(chan []PresenceEntry, 16),
		diffs:    make(chan PresenceDiff, 16),
	}
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnBroadcast:    func(m Message) { r.messages <- m },
		OnPresenceSync: func(e []PresenceEntry) { r.syncs <- e },
		OnPresenceDiff: func(d PresenceDiff) { r.diffs <- d },
		OnStatus:       func(st Status, _ error) { r.status <- st },
	}
}

func recv[T any](t *testing.T, ch <-chan T, timeout time.Duration) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for delivery")
	}
	var zero T
	return zero
}

func joined(t *testing.T, hub *MemoryHub, topic string) (Channel, *recorder) {
	t.Helper()
	rec := newRecorder()
	ch := hub.Channel(topic, rec.handlers())
	ch.Subscribe(context.Background())
	if st := recv(t, rec.status, time.Second); st != StatusSubscribed {
		t.Fatalf("status: want=%s got=%s", StatusSubscribed, st)
	}
	recv(t, rec.syncs, time.Second)
	return ch, rec
}

func TestMemoryHubBroadcastOrdering(t *testing.T) {
	hub := NewMemoryHub(logger.Nop())
	ch, rec := joined(t, hub, "ideas")
	defer ch.Unsubscribe(context.Background())

	for i := 0; i < 5; i++ {
		if err := hub.Publish(context.Background(), "ideas", "idea_created", map[string]int{"seq": i}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	for i := 0; i < 5; i++ {
		msg := recv(t, rec.messages, time.Second)
		var body map[string]int
		if err := json.Unmarshal(msg.Payload, &body); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if body["seq"] != i {
			t.Fatalf("message %d out of order: got seq=%d", i, body["seq"])
		}
	}
}

func TestMemoryHubBurstIsNotDropped(t *testing.T) {
	hub := NewMemoryHub(logger.Nop())
	defer hub.Close()

	const burst = 2000
	gate := make(chan struct{})
	got := make(chan int, burst)
	status := make(chan Status, 4)
	ch := hub.Channel("ideas", Handlers{
		OnBroadcast: func(m Message) {
			<-gate
			var body map[string]int
			if err := json.Unmarshal(m.Payload, &body); err != nil {
				t.Errorf("unmarshal: %v", err)
				return
			}
			got <- body["seq"]
		},
		OnStatus: func(st Status, _ error) { status <- st },
	})
	ch.Subscribe(context.Background())
	defer ch.Unsubscribe(context.Background())
	if st := recv(t, status, time.Second); st != StatusSubscribed {
		t.Fatalf("status: want=%s got=%s", StatusSubscribed, st)
	}

	// The handler is held so the whole burst backs up behind it.
	for i := 0; i < burst; i++ {
		if err := hub.Publish(context.Background(), "ideas", "idea_created", map[string]int{"seq": i}); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}
	close(gate)

	for i := 0; i < burst; i++ {
		if seq := recv(t, got, 2*time.Second); seq != i {
			t.Fatalf("delivery %d: got seq=%d", i, seq)
		}
	}
	select {
	case st := <-status:
		t.Fatalf("unexpected status during burst: %s", st)
	default:
	}
}

func TestMemoryHubPresenceLifecycle(t *testing.T) {
	hub := NewMemoryHub(logger.Nop())
	a, recA := joined(t, hub, "presence")
	defer a.Unsubscribe(context.Background())

	if err := a.Track(context.Background(), "alice", json.RawMessage(`{"display_name":"Alice"}`)); err != nil {
		t.Fatalf("Track: %v", err)
	}
	diff := recv(t, recA.diffs, time.Second)
	if len(diff.Joins) != 1 || diff.Joins[0].Key != "alice" {
		t.Fatalf("unexpected join diff: %+v", diff)
	}

	recB := newRecorder()
	b := hub.Channel("presence", recB.handlers())
	b.Subscribe(context.Background())
	recv(t, recB.status, time.Second)
	snapshot := recv(t, recB.syncs, time.Second)
	if len(snapshot) != 1 || snapshot[0].Key != "alice" {
		t.Fatalf("late joiner snapshot: %+v", snapshot)
	}

	if err := b.Unsubscribe(context.Background()); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if err := a.Unsubscribe(context.Background()); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if keys := hub.PresenceKeys("presence"); len(keys) != 0 {
		t.Fatalf("presence should be released on leave, got %v", keys)
	}
	if n := hub.Subscribers("presence"); n != 0 {
		t.Fatalf("subscribers after leave: %d", n)
	}
}

func TestMemoryHubLeaveAnnouncedToOthers(t *testing.T) {
	hub := NewMemoryHub(logger.Nop())
	a, _ := joined(t, hub, "presence")
	b, recB := joined(t, hub, "presence")
	defer b.Unsubscribe(context.Background())

	if err := a.Track(context.Background(), "alice", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Track: %v", err)
	}
	recv(t, recB.diffs, time.Second)
	_ = a.Unsubscribe(context.Background())

	diff := recv(t, recB.diffs, time.Second)
	if len(diff.Leaves) != 1 || diff.Leaves[0].Key != "alice" {
		t.Fatalf("expected alice leave, got %+v", diff)
	}
}

func TestMemoryHubDisconnectReportsChannelError(t *testing.T) {
	hub := NewMemoryHub(logger.Nop())
	ch, rec := joined(t, hub, "ideas")
	defer ch.Unsubscribe(context.Background())

	hub.Disconnect(errors.New("network down"))
	if st := recv(t, rec.status, time.Second); st != StatusChannelError {
		t.Fatalf("status after disconnect: want=%s got=%s", StatusChannelError, st)
	}
	if ch.Status() != StatusChannelError {
		t.Fatalf("channel status: %s", ch.Status())
	}
	if err := ch.Track(context.Background(), "x", nil); !errors.Is(err, ErrNotSubscribed) {
		t.Fatalf("Track after disconnect: want ErrNotSubscribed got %v", err)
	}
}

func TestMemoryHubClosedRejectsWork(t *testing.T) {
	hub := NewMemoryHub(logger.Nop())
	_ = hub.Close()
	if err := hub.Publish(context.Background(), "ideas", "e", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("Publish after close: %v", err)
	}
	rec := newRecorder()
	ch := hub.Channel("ideas", rec.handlers())
	ch.Subscribe(context.Background())
	if st := recv(t, rec.status, time.Second); st != StatusChannelError {
		t.Fatalf("status on closed hub: %s", st)
	}
	_ = ch.Unsubscribe(context.Background())
}
