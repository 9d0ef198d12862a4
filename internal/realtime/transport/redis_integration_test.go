package transport

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/brainstorm-realtime/internal/platform/logger"
)

func redisIntegrationClient(t *testing.T) *goredis.Client {
	t.Helper()
	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		t.Skip("set REDIS_ADDR to run Redis transport integration tests")
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: addr, DialTimeout: 2 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		t.Fatalf("redis ping: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestRedisTransportBroadcastAndPresence(t *testing.T) {
	rdb := redisIntegrationClient(t)
	tr, err := NewRedisTransport(logger.Nop(), rdb, RedisOptions{PingInterval: time.Second})
	if err != nil {
		t.Fatalf("NewRedisTransport: %v", err)
	}
	defer tr.Close()

	topic := "it:" + uuid.NewString()
	ctx := context.Background()
	rec := newRecorder()
	ch := tr.Channel(topic, rec.handlers())
	ch.Subscribe(ctx)
	if st := recv(t, rec.status, 3*time.Second); st != StatusSubscribed {
		t.Fatalf("status: %s", st)
	}
	if snap := recv(t, rec.syncs, 3*time.Second); len(snap) != 0 {
		t.Fatalf("fresh topic should have empty presence, got %+v", snap)
	}

	if err := tr.Publish(ctx, topic, "idea_created", map[string]string{"id": "i1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	msg := recv(t, rec.messages, 3*time.Second)
	if msg.Event != "idea_created" {
		t.Fatalf("event: %s", msg.Event)
	}

	if err := ch.Track(ctx, "alice", json.RawMessage(`{"display_name":"Alice"}`)); err != nil {
		t.Fatalf("Track: %v", err)
	}
	diff := recv(t, rec.diffs, 3*time.Second)
	if len(diff.Joins) != 1 || diff.Joins[0].Key != "alice" {
		t.Fatalf("join diff: %+v", diff)
	}

	leaveCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := ch.Unsubscribe(leaveCtx); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	n, err := rdb.HLen(ctx, presenceKey(topic)).Result()
	if err != nil {
		t.Fatalf("HLen: %v", err)
	}
	if n != 0 {
		t.Fatalf("presence hash should be empty after leave, got %d", n)
	}
}

func TestRedisTransportSharedPresenceKeyOutlivesOneOwner(t *testing.T) {
	rdb := redisIntegrationClient(t)
	tr, err := NewRedisTransport(logger.Nop(), rdb, RedisOptions{PingInterval: time.Second})
	if err != nil {
		t.Fatalf("NewRedisTransport: %v", err)
	}
	defer tr.Close()

	topic := "it:" + uuid.NewString()
	ctx := context.Background()
	join := func() (Channel, *recorder) {
		t.Helper()
		rec := newRecorder()
		ch := tr.Channel(topic, rec.handlers())
		ch.Subscribe(ctx)
		if st := recv(t, rec.status, 3*time.Second); st != StatusSubscribed {
			t.Fatalf("status: %s", st)
		}
		recv(t, rec.syncs, 3*time.Second)
		return ch, rec
	}
	watcher, recW := join()
	defer watcher.Unsubscribe(ctx)
	older, _ := join()
	newer, _ := join()

	// The same participant is tracked by an old stream and its replacement.
	for _, ch := range []Channel{older, newer} {
		if err := ch.Track(ctx, "alice", json.RawMessage(`{"display_name":"Alice"}`)); err != nil {
			t.Fatalf("Track: %v", err)
		}
		recv(t, recW.diffs, 3*time.Second)
	}

	if err := older.Unsubscribe(ctx); err != nil {
		t.Fatalf("Unsubscribe older: %v", err)
	}
	select {
	case d := <-recW.diffs:
		t.Fatalf("leave announced while another stream still tracks the key: %+v", d)
	case <-time.After(300 * time.Millisecond):
	}
	if ok, err := rdb.HExists(ctx, presenceKey(topic), "alice").Result(); err != nil || !ok {
		t.Fatalf("presence dropped with a live owner: ok=%v err=%v", ok, err)
	}

	if err := newer.Unsubscribe(ctx); err != nil {
		t.Fatalf("Unsubscribe newer: %v", err)
	}
	diff := recv(t, recW.diffs, 3*time.Second)
	if len(diff.Leaves) != 1 || diff.Leaves[0].Key != "alice" {
		t.Fatalf("leave diff: %+v", diff)
	}
	if n, err := rdb.HLen(ctx, presenceKey(topic)).Result(); err != nil || n != 0 {
		t.Fatalf("presence after last owner left: n=%d err=%v", n, err)
	}
	if n, err := rdb.Exists(ctx, ownersKey(topic, "alice")).Result(); err != nil || n != 0 {
		t.Fatalf("owners left behind: n=%d err=%v", n, err)
	}
}

func TestRedisTransportUnsubscribeFromBroadcastHandler(t *testing.T) {
	rdb := redisIntegrationClient(t)
	tr, err := NewRedisTransport(logger.Nop(), rdb, RedisOptions{PingInterval: time.Second})
	if err != nil {
		t.Fatalf("NewRedisTransport: %v", err)
	}
	defer tr.Close()

	topic := "it:" + uuid.NewString()
	ctx := context.Background()
	status := make(chan Status, 4)
	elapsed := make(chan time.Duration, 1)
	var ch Channel
	ch = tr.Channel(topic, Handlers{
		OnStatus: func(st Status, _ error) { status <- st },
		OnBroadcast: func(Message) {
			leaveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			start := time.Now()
			if err := ch.Unsubscribe(leaveCtx); err != nil {
				t.Errorf("Unsubscribe: %v", err)
			}
			elapsed <- time.Since(start)
		},
	})
	ch.Subscribe(ctx)
	if st := recv(t, status, 3*time.Second); st != StatusSubscribed {
		t.Fatalf("status: %s", st)
	}
	if err := tr.Publish(ctx, topic, "session_ended", nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if d := recv(t, elapsed, 3*time.Second); d > time.Second {
		t.Fatalf("Unsubscribe from handler blocked for %s", d)
	}
	select {
	case <-ch.(*redisChannel).done:
	case <-time.After(3 * time.Second):
		t.Fatalf("run goroutine did not exit")
	}
}
