package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	goredis "github.com/redis/go-redis/v9"
)

// Limiter answers whether one more hit on key fits in limit per window.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

const sweepThreshold = 4096

// MemoryLimiter is a fixed-window counter for single-node deployments.
type MemoryLimiter struct {
	mu      sync.Mutex
	clock   clock.Clock
	windows map[string]*fixedWindow
}

type fixedWindow struct {
	start time.Time
	span  time.Duration
	count int
}

func NewMemoryLimiter(c clock.Clock) *MemoryLimiter {
	if c == nil {
		c = clock.New()
	}
	return &MemoryLimiter{clock: c, windows: make(map[string]*fixedWindow)}
}

func (l *MemoryLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 || window <= 0 {
		return true, nil
	}
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.windows) >= sweepThreshold {
		l.sweepLocked(now)
	}
	w := l.windows[key]
	if w == nil || now.Sub(w.start) >= w.span {
		w = &fixedWindow{start: now, span: window}
		l.windows[key] = w
	}
	w.count++
	return w.count <= limit, nil
}

func (l *MemoryLimiter) sweepLocked(now time.Time) {
	for k, w := range l.windows {
		if now.Sub(w.start) >= w.span {
			delete(l.windows, k)
		}
	}
}

// RedisLimiter shares counters across gateway instances.
type RedisLimiter struct {
	rdb    *goredis.Client
	prefix string
}

func NewRedisLimiter(rdb *goredis.Client, prefix string) *RedisLimiter {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisLimiter{rdb: rdb, prefix: prefix}
}

// hitScript bumps the counter and starts its window on the first hit in
// one step, so a counter can never be left without an expiry.
var hitScript = goredis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 || window <= 0 {
		return true, nil
	}
	k := l.prefix + ":" + key
	n, err := hitScript.Run(ctx, l.rdb, []string{k}, max(window.Milliseconds(), 1)).Int64()
	if err != nil {
		return false, fmt.Errorf("rate limit hit: %w", err)
	}
	return n <= int64(limit), nil
}
