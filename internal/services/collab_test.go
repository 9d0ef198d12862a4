package services

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/yungbote/brainstorm-realtime/internal/observability"
	"github.com/yungbote/brainstorm-realtime/internal/platform/apierr"
	"github.com/yungbote/brainstorm-realtime/internal/platform/logger"
	"github.com/yungbote/brainstorm-realtime/internal/realtime"
	"github.com/yungbote/brainstorm-realtime/internal/realtime/session"
	"github.com/yungbote/brainstorm-realtime/internal/realtime/transport"
)

func newTestCollab(t *testing.T) (*collabService, *transport.MemoryHub) {
	t.Helper()
	tr := transport.NewMemoryHub(logger.Nop())
	svc := NewCollabService(
		logger.Nop(),
		tr,
		realtime.NewSSEHub(logger.Nop()),
		observability.NewMetrics(),
		"test",
		session.WithFlushInterval(10*time.Millisecond),
		session.WithPresenceHeartbeat(0),
	).(*collabService)
	t.Cleanup(func() {
		svc.Close()
		_ = tr.Close()
	})
	return svc, tr
}

func mustJoin(t *testing.T, svc *collabService, sessionID, participantID string) *Connection {
	t.Helper()
	conn, err := svc.Join(context.Background(), JoinRequest{SessionID: sessionID, ParticipantID: participantID})
	if err != nil {
		t.Fatalf("Join(%s): %v", participantID, err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !conn.Manager.IsSubscribed() || !conn.Manager.ConnectionHealth().IsConnected {
		if time.Now().After(deadline) {
			t.Fatalf("%s never connected: %+v", participantID, conn.Manager.ChannelStatus())
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

// waitEvent reads the client's stream until event arrives, skipping others.
func waitEvent(t *testing.T, conn *Connection, event realtime.SSEEvent, match func(any) bool) realtime.SSEMessage {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case msg, ok := <-conn.Client.Outbound:
			if !ok {
				t.Fatalf("stream closed while waiting for %s", event)
			}
			if msg.Event == event && (match == nil || match(msg.Data)) {
				return msg
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", event)
		}
	}
}

func wantAPIError(t *testing.T, err error, status int, code string) {
	t.Helper()
	var ae *apierr.Error
	if !errors.As(err, &ae) {
		t.Fatalf("want apierr.Error, got %v", err)
	}
	if ae.Status != status || ae.Code != code {
		t.Fatalf("apierr: want=%d/%s got=%d/%s", status, code, ae.Status, ae.Code)
	}
}

func TestJoinValidates(t *testing.T) {
	svc, _ := newTestCollab(t)
	ctx := context.Background()

	_, err := svc.Join(ctx, JoinRequest{SessionID: "s1"})
	wantAPIError(t, err, http.StatusBadRequest, "missing_participant")

	_, err = svc.Join(ctx, JoinRequest{SessionID: "bad id", ParticipantID: "p"})
	wantAPIError(t, err, http.StatusBadRequest, "invalid_session")
}

func TestPublishedIdeaReachesEveryStream(t *testing.T) {
	svc, _ := newTestCollab(t)
	alice := mustJoin(t, svc, "s1", "alice")
	bob := mustJoin(t, svc, "s1", "bob")

	waitEvent(t, alice, realtime.SSEEventParticipantJoined, func(d any) bool {
		return d.(map[string]any)["participant_id"] == "bob"
	})

	idea, err := svc.PublishIdea(context.Background(), "s1", "alice", session.IdeaCreated, IdeaInput{Title: "More coffee"})
	if err != nil {
		t.Fatalf("PublishIdea: %v", err)
	}
	if idea.ID == "" || idea.CreatedAt.IsZero() || idea.SessionID != "s1" {
		t.Fatalf("created idea not stamped: %+v", idea)
	}

	for _, conn := range []*Connection{alice, bob} {
		msg := waitEvent(t, conn, realtime.SSEEventIdeaCreated, nil)
		got := msg.Data.(session.Idea)
		if got.ID != idea.ID || got.Title != "More coffee" || got.AuthorID != "alice" {
			t.Fatalf("%s got idea %+v", conn.ParticipantID, got)
		}
	}

	if _, err := svc.PublishIdea(context.Background(), "s1", "bob", session.IdeaDeleted, IdeaInput{ID: idea.ID}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	waitEvent(t, alice, realtime.SSEEventIdeaDeleted, nil)
}

func TestPublishIdeaRejectsBadInput(t *testing.T) {
	svc, _ := newTestCollab(t)
	ctx := context.Background()

	_, err := svc.PublishIdea(ctx, "s1", "a", session.IdeaUpdated, IdeaInput{Title: "x"})
	wantAPIError(t, err, http.StatusBadRequest, "missing_idea_id")

	_, err = svc.PublishIdea(ctx, "s1", "a", session.IdeaCreated, IdeaInput{})
	wantAPIError(t, err, http.StatusBadRequest, "missing_title")

	_, err = svc.PublishIdea(ctx, "s 1", "a", session.IdeaCreated, IdeaInput{Title: "x"})
	wantAPIError(t, err, http.StatusBadRequest, "invalid_session")

	_, err = svc.PublishIdea(ctx, "s1", "a", session.IdeaEventKind("idea_moved"), IdeaInput{ID: "i"})
	wantAPIError(t, err, http.StatusBadRequest, "invalid_event_kind")
}

func TestPublishFailureIsBadGateway(t *testing.T) {
	svc, tr := newTestCollab(t)
	_ = tr.Close()
	_, err := svc.PublishIdea(context.Background(), "s1", "a", session.IdeaCreated, IdeaInput{Title: "x"})
	wantAPIError(t, err, http.StatusBadGateway, "publish_failed")
}

func TestTypingIsVisibleToOthers(t *testing.T) {
	svc, _ := newTestCollab(t)
	mustJoin(t, svc, "s1", "alice")
	bob := mustJoin(t, svc, "s1", "bob")

	if err := svc.SetTyping("s1", "alice", true); err != nil {
		t.Fatalf("SetTyping: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		var typing bool
		for _, p := range bob.Manager.PresenceStates() {
			if p.ParticipantID == "alice" && p.IsTyping {
				typing = true
			}
		}
		if typing {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("bob never saw alice typing: %+v", bob.Manager.PresenceStates())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOperationsNeedAnActiveStream(t *testing.T) {
	svc, _ := newTestCollab(t)

	wantAPIError(t, svc.SetTyping("s1", "ghost", true), http.StatusConflict, "no_active_stream")
	wantAPIError(t, svc.Resubscribe("s1", "ghost"), http.StatusConflict, "no_active_stream")
	_, _, err := svc.Status("s1", "")
	wantAPIError(t, err, http.StatusBadRequest, "missing_participant")
}

func TestRejoinReplacesStream(t *testing.T) {
	svc, _ := newTestCollab(t)
	first := mustJoin(t, svc, "s1", "alice")
	second := mustJoin(t, svc, "s1", "alice")

	select {
	case <-first.Client.Done():
	case <-time.After(time.Second):
		t.Fatalf("first stream not closed on rejoin")
	}
	if first.Manager.IsSubscribed() {
		t.Fatalf("replaced manager still subscribed")
	}

	// The replaced stream's handler calls Leave on its way out.
	svc.Leave(first)
	status, _, err := svc.Status("s1", "alice")
	if err != nil {
		t.Fatalf("Status after stale Leave: %v", err)
	}
	if status.SessionID != "s1" || status.State != session.StateSubscribed {
		t.Fatalf("status: %+v", status)
	}

	svc.Leave(second)
	if _, _, err := svc.Status("s1", "alice"); err == nil {
		t.Fatalf("Status after Leave should fail")
	}
}

func TestResubscribeKeepsStream(t *testing.T) {
	svc, _ := newTestCollab(t)
	conn := mustJoin(t, svc, "s1", "alice")
	before := conn.Manager.ChannelStatus().Generation

	if err := svc.Resubscribe("s1", "alice"); err != nil {
		t.Fatalf("Resubscribe: %v", err)
	}
	waitEvent(t, conn, realtime.SSEEventSessionStateChanged, func(d any) bool {
		return d.(map[string]any)["to"] == session.StateReconnecting
	})
	status, _, err := svc.Status("s1", "alice")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Generation <= before {
		t.Fatalf("generation did not advance: before=%d after=%d", before, status.Generation)
	}
}

func TestCloseEndsEveryStream(t *testing.T) {
	svc, _ := newTestCollab(t)
	a := mustJoin(t, svc, "s1", "alice")
	b := mustJoin(t, svc, "s2", "bob")

	svc.Close()
	for _, conn := range []*Connection{a, b} {
		select {
		case <-conn.Client.Done():
		case <-time.After(time.Second):
			t.Fatalf("%s stream still open", conn.ParticipantID)
		}
	}
}
