package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/brainstorm-realtime/internal/platform/logger"
)

const (
	envelopeBroadcast = "broadcast"
	envelopePresence  = "presence"
)

type RedisOptions struct {
	// PresenceTTL bounds how long a tracked key survives without a refresh.
	PresenceTTL  time.Duration
	PingInterval time.Duration
	PingTimeout  time.Duration
}

func (o RedisOptions) withDefaults() RedisOptions {
	if o.PresenceTTL <= 0 {
		o.PresenceTTL = time.Minute
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 5 * time.Second
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = 2 * time.Second
	}
	return o
}

// RedisTransport carries channels over Redis pub/sub. Broadcasts and
// presence diffs share the topic's pub/sub channel as JSON envelopes;
// presence state lives in a hash next to it so late joiners can sync.
type RedisTransport struct {
	log    *logger.Logger
	rdb    *goredis.Client
	opts   RedisOptions
	closed atomic.Bool
}

type redisEnvelope struct {
	Kind    string          `json:"kind"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Joins   []PresenceEntry `json:"joins,omitempty"`
	Leaves  []PresenceEntry `json:"leaves,omitempty"`
}

type storedPresence struct {
	State  json.RawMessage `json:"state"`
	SeenAt int64           `json:"seen_at"`
}

func NewRedisTransport(log *logger.Logger, rdb *goredis.Client, opts RedisOptions) (*RedisTransport, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if rdb == nil {
		return nil, fmt.Errorf("redis client required")
	}
	return &RedisTransport{
		log:  log.With("component", "RedisTransport"),
		rdb:  rdb,
		opts: opts.withDefaults(),
	}, nil
}

func presenceKey(topic string) string { return topic + ":presence" }

// ownersKey holds which channels currently track key, mapped to when each
// last tracked it.
func ownersKey(topic, key string) string { return presenceKey(topic) + ":owners:" + key }

// releaseScript drops one owner of a presence key. The entry is removed and
// a leave published only once no owner seen since the cutoff remains.
var releaseScript = goredis.NewScript(`
redis.call('HDEL', KEYS[2], ARGV[1])
local cutoff = tonumber(ARGV[5])
local owners = redis.call('HGETALL', KEYS[2])
local live = 0
for i = 1, #owners, 2 do
  if tonumber(owners[i + 1]) >= cutoff then
    live = live + 1
  else
    redis.call('HDEL', KEYS[2], owners[i])
  end
end
if live > 0 then
  return 0
end
redis.call('DEL', KEYS[2])
redis.call('HDEL', KEYS[1], ARGV[2])
redis.call('PUBLISH', ARGV[3], ARGV[4])
return 1
`)

func (t *RedisTransport) Channel(topic string, h Handlers) Channel {
	return &redisChannel{
		t:       t,
		topic:   strings.TrimSpace(topic),
		h:       h,
		owner:   uuid.NewString(),
		status:  StatusJoining,
		tracked: make(map[string]bool),
		done:    make(chan struct{}),
	}
}

func (t *RedisTransport) Publish(ctx context.Context, topic, event string, payload any) error {
	if t.closed.Load() {
		return ErrClosed
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return ErrEmptyTopic
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	env, err := json.Marshal(redisEnvelope{Kind: envelopeBroadcast, Event: event, Payload: raw})
	if err != nil {
		return err
	}
	return t.rdb.Publish(ctx, topic, env).Err()
}

// Close stops new operations. The Redis client is owned by the caller.
func (t *RedisTransport) Close() error {
	t.closed.Store(true)
	return nil
}

func (t *RedisTransport) presenceSnapshot(ctx context.Context, topic string) ([]PresenceEntry, error) {
	all, err := t.rdb.HGetAll(ctx, presenceKey(topic)).Result()
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-t.opts.PresenceTTL).UnixMilli()
	keys := make([]string, 0, len(all))
	var expired []string
	decoded := make(map[string]storedPresence, len(all))
	for k, v := range all {
		var sp storedPresence
		if err := json.Unmarshal([]byte(v), &sp); err != nil || sp.SeenAt < cutoff {
			expired = append(expired, k)
			continue
		}
		decoded[k] = sp
		keys = append(keys, k)
	}
	if len(expired) > 0 {
		pipe := t.rdb.TxPipeline()
		pipe.HDel(ctx, presenceKey(topic), expired...)
		for _, k := range expired {
			pipe.Del(ctx, ownersKey(topic, k))
		}
		if _, err := pipe.Exec(ctx); err != nil {
			t.log.Warn("failed to prune expired presence", "topic", topic, "error", err)
		}
	}
	sort.Strings(keys)
	out := make([]PresenceEntry, 0, len(keys))
	for _, k := range keys {
		out = append(out, PresenceEntry{Key: k, State: decoded[k].State})
	}
	return out, nil
}

type redisChannel struct {
	t     *RedisTransport
	topic string
	h     Handlers
	owner string

	mu      sync.Mutex
	status  Status
	started bool
	left    bool
	tracked map[string]bool
	cancel  context.CancelFunc
	done    chan struct{}

	// delivering is set while run is inside a handler.
	delivering atomic.Bool
}

func (c *redisChannel) Topic() string { return c.topic }

func (c *redisChannel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *redisChannel) setStatus(st Status) {
	c.mu.Lock()
	c.status = st
	c.mu.Unlock()
}

func (c *redisChannel) isLeft() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.left
}

func (c *redisChannel) fail(st Status, err error) {
	c.setStatus(st)
	if c.isLeft() {
		return
	}
	c.t.log.Warn("redis channel failed", "topic", c.topic, "status", string(st), "error", err)
	c.deliver(func() { c.h.status(st, err) })
}

func (c *redisChannel) deliver(fn func()) {
	c.delivering.Store(true)
	defer c.delivering.Store(false)
	fn()
}

func (c *redisChannel) Subscribe(ctx context.Context) {
	c.mu.Lock()
	if c.started || c.left {
		c.mu.Unlock()
		return
	}
	c.started = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(runCtx)
}

func (c *redisChannel) run(ctx context.Context) {
	defer close(c.done)

	if c.t.closed.Load() {
		c.fail(StatusChannelError, ErrClosed)
		return
	}
	if c.topic == "" {
		c.fail(StatusChannelError, ErrEmptyTopic)
		return
	}

	sub := c.t.rdb.Subscribe(ctx, c.topic)
	defer func() { _ = sub.Close() }()

	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		c.fail(StatusChannelError, fmt.Errorf("redis subscribe: %w", err))
		return
	}
	c.setStatus(StatusSubscribed)
	if c.isLeft() {
		return
	}
	c.deliver(func() { c.h.status(StatusSubscribed, nil) })

	entries, err := c.t.presenceSnapshot(ctx, c.topic)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.fail(StatusChannelError, fmt.Errorf("redis presence sync: %w", err))
		return
	}
	c.deliver(func() { c.h.presenceSync(entries) })

	msgs := sub.Channel()
	ping := time.NewTicker(c.t.opts.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok || m == nil {
				if ctx.Err() == nil {
					c.fail(StatusClosed, errors.New("redis subscription closed"))
				}
				return
			}
			c.dispatch(m.Payload)
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, c.t.opts.PingTimeout)
			err := c.t.rdb.Ping(pctx).Err()
			cancel()
			if err != nil && ctx.Err() == nil {
				c.fail(StatusChannelError, fmt.Errorf("redis ping: %w", err))
				return
			}
		}
	}
}

func (c *redisChannel) dispatch(payload string) {
	if c.isLeft() {
		return
	}
	var env redisEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		c.t.log.Warn("bad redis realtime payload", "topic", c.topic, "error", err)
		return
	}
	switch env.Kind {
	case envelopeBroadcast:
		c.deliver(func() { c.h.broadcast(Message{Topic: c.topic, Event: env.Event, Payload: env.Payload}) })
	case envelopePresence:
		c.deliver(func() { c.h.presenceDiff(PresenceDiff{Joins: env.Joins, Leaves: env.Leaves}) })
	default:
		c.t.log.Debug("ignoring unknown realtime envelope", "topic", c.topic, "kind", env.Kind)
	}
}

func (c *redisChannel) Track(ctx context.Context, key string, state json.RawMessage) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrEmptyKey
	}
	if c.Status() != StatusSubscribed || c.isLeft() {
		return ErrNotSubscribed
	}
	now := time.Now().UnixMilli()
	stored, err := json.Marshal(storedPresence{State: state, SeenAt: now})
	if err != nil {
		return err
	}
	env, err := json.Marshal(redisEnvelope{Kind: envelopePresence, Joins: []PresenceEntry{{Key: key, State: state}}})
	if err != nil {
		return err
	}
	pipe := c.t.rdb.TxPipeline()
	pipe.HSet(ctx, presenceKey(c.topic), key, stored)
	pipe.PExpire(ctx, presenceKey(c.topic), c.t.opts.PresenceTTL)
	pipe.HSet(ctx, ownersKey(c.topic, key), c.owner, now)
	pipe.PExpire(ctx, ownersKey(c.topic, key), c.t.opts.PresenceTTL)
	pipe.Publish(ctx, c.topic, env)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis track: %w", err)
	}
	c.mu.Lock()
	c.tracked[key] = true
	c.mu.Unlock()
	return nil
}

func (c *redisChannel) Untrack(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrEmptyKey
	}
	c.mu.Lock()
	owned := c.tracked[key]
	delete(c.tracked, key)
	c.mu.Unlock()
	if !owned {
		return nil
	}
	return c.untrackKeys(ctx, []string{key})
}

// untrackKeys releases this channel's hold on keys. Another channel still
// tracking the same key keeps it present and no leave is announced.
func (c *redisChannel) untrackKeys(ctx context.Context, keys []string) error {
	cutoff := time.Now().Add(-c.t.opts.PresenceTTL).UnixMilli()
	var errs []error
	for _, k := range keys {
		env, err := json.Marshal(redisEnvelope{Kind: envelopePresence, Leaves: []PresenceEntry{{Key: k}}})
		if err != nil {
			return err
		}
		err = releaseScript.Run(ctx, c.t.rdb,
			[]string{presenceKey(c.topic), ownersKey(c.topic, k)},
			c.owner, k, c.topic, string(env), cutoff,
		).Err()
		if err != nil {
			errs = append(errs, fmt.Errorf("redis untrack %q: %w", k, err))
		}
	}
	return errors.Join(errs...)
}

func (c *redisChannel) Unsubscribe(ctx context.Context) error {
	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		return nil
	}
	c.left = true
	c.status = StatusClosed
	started := c.started
	cancel := c.cancel
	keys := make([]string, 0, len(c.tracked))
	for k := range c.tracked {
		keys = append(keys, k)
	}
	c.tracked = make(map[string]bool)
	c.mu.Unlock()

	sort.Strings(keys)
	err := c.untrackKeys(ctx, keys)

	if cancel != nil {
		cancel()
	}
	// Called from a handler, this is the run goroutine itself and done
	// cannot close until we return.
	if started && !c.delivering.Load() {
		select {
		case <-c.done:
		case <-ctx.Done():
		}
	}
	return err
}
