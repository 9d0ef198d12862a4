package observability

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/brainstorm-realtime/internal/platform/logger"
)

// Metrics is nil-safe: a nil *Metrics records nothing.
type Metrics struct {
	apiRequests   *CounterVec
	apiLatency    *HistogramVec
	apiInflight   *Gauge
	streamsOpen   *Gauge
	ideaPublishes *CounterVec
	publishTime   *HistogramVec
	rateLimited   *CounterVec
	stateChanges  *CounterVec
	redisUp       *Gauge
	redisPing     *Gauge
}

func NewMetrics() *Metrics {
	return &Metrics{
		apiRequests: NewCounterVec("bs_api_requests_total", "Total API requests by method/route/status.", []string{"method", "route", "status"}),
		apiLatency: NewHistogramVec(
			"bs_api_request_duration_seconds",
			"API request latency in seconds by method/route.",
			[]string{"method", "route"},
			[]float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		),
		apiInflight:   NewGauge("bs_api_inflight_requests", "In-flight API requests, open streams excluded."),
		streamsOpen:   NewGauge("bs_sse_streams_open", "Open SSE streams."),
		ideaPublishes: NewCounterVec("bs_idea_publishes_total", "Idea mutations published by kind/status.", []string{"kind", "status"}),
		publishTime: NewHistogramVec(
			"bs_idea_publish_duration_seconds",
			"Idea publish latency in seconds by kind.",
			[]string{"kind"},
			[]float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		),
		rateLimited:  NewCounterVec("bs_rate_limited_total", "Requests rejected by the rate limiter by route.", []string{"route"}),
		stateChanges: NewCounterVec("bs_session_state_changes_total", "Realtime session state transitions by target state.", []string{"to", "error"}),
		redisUp:      NewGauge("bs_redis_up", "1 when the last Redis ping succeeded."),
		redisPing:    NewGauge("bs_redis_ping_seconds", "Latency of the last Redis ping."),
	}
}

func (m *Metrics) ObserveAPI(method, route string, status int, dur time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.apiRequests.Inc(method, route, strconv.Itoa(status))
	m.apiLatency.Observe(dur.Seconds(), method, route)
}

func (m *Metrics) APIInflight(delta float64) {
	if m == nil {
		return
	}
	m.apiInflight.Add(delta)
}

func (m *Metrics) StreamOpened() {
	if m == nil {
		return
	}
	m.streamsOpen.Add(1)
}

func (m *Metrics) StreamClosed() {
	if m == nil {
		return
	}
	m.streamsOpen.Add(-1)
}

func (m *Metrics) ObserveIdeaPublish(kind string, err error, dur time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ideaPublishes.Inc(kind, status)
	m.publishTime.Observe(dur.Seconds(), kind)
}

func (m *Metrics) IncRateLimited(route string) {
	if m == nil {
		return
	}
	m.rateLimited.Inc(route)
}

func (m *Metrics) ObserveStateChange(to string, failed bool) {
	if m == nil {
		return
	}
	m.stateChanges.Inc(to, strconv.FormatBool(failed))
}

// StartRedisCollector pings Redis every interval until ctx ends.
func (m *Metrics) StartRedisCollector(ctx context.Context, log *logger.Logger, rdb *goredis.Client, interval time.Duration) {
	if m == nil || rdb == nil {
		return
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			start := time.Now()
			pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := rdb.Ping(pingCtx).Err()
			cancel()
			if err != nil {
				m.redisUp.Set(0)
				if ctx.Err() == nil {
					log.Warn("redis ping failed", "error", err)
				}
			} else {
				m.redisUp.Set(1)
				m.redisPing.Set(time.Since(start).Seconds())
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (m *Metrics) WriteHTTP(w http.ResponseWriter, r *http.Request) {
	if m == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_ = m.WritePrometheus(w)
}

func (m *Metrics) WritePrometheus(w io.Writer) error {
	if m == nil {
		return nil
	}
	type writer interface{ WritePrometheus(io.Writer) error }
	for _, c := range []writer{
		m.apiRequests, m.apiLatency, m.apiInflight, m.streamsOpen,
		m.ideaPublishes, m.publishTime, m.rateLimited, m.stateChanges,
		m.redisUp, m.redisPing,
	} {
		if err := c.WritePrometheus(w); err != nil {
			return err
		}
	}
	return nil
}
