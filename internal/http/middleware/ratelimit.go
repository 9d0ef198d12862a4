package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/brainstorm-realtime/internal/http/response"
	"github.com/yungbote/brainstorm-realtime/internal/observability"
	"github.com/yungbote/brainstorm-realtime/internal/platform/ctxutil"
	"github.com/yungbote/brainstorm-realtime/internal/platform/logger"
	"github.com/yungbote/brainstorm-realtime/internal/platform/ratelimit"
)

var errRateLimited = errors.New("too many requests, slow down")

type RateLimitConfig struct {
	Limit  int
	Window time.Duration
}

// RateLimit caps requests per participant, session and route. Limiter errors
// let the request through.
func RateLimit(l ratelimit.Limiter, m *observability.Metrics, log *logger.Logger, cfg RateLimitConfig) gin.HandlerFunc {
	if l == nil || cfg.Limit <= 0 || cfg.Window <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		route := c.FullPath()
		caller := c.ClientIP()
		session := ""
		if cd := ctxutil.GetCollabData(c.Request.Context()); cd != nil {
			session = cd.SessionID
			if cd.ParticipantID != "" {
				caller = cd.ParticipantID
			}
		}
		key := route + "|" + session + "|" + caller

		ok, err := l.Allow(c.Request.Context(), key, cfg.Limit, cfg.Window)
		if err != nil {
			if log != nil {
				log.Warn("rate limiter unavailable, allowing request", "route", route, "error", err)
			}
			c.Next()
			return
		}
		if !ok {
			m.IncRateLimited(route)
			c.Header("Retry-After", retryAfter(cfg.Window))
			response.RespondError(c, http.StatusTooManyRequests, "rate_limited", errRateLimited)
			c.Abort()
			return
		}
		c.Next()
	}
}

func retryAfter(window time.Duration) string {
	secs := int(window / time.Second)
	if window%time.Second != 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
