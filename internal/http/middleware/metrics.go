package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/brainstorm-realtime/internal/observability"
)

// Metrics instruments HTTP request counts and latency. Streams are counted by
// the collab service instead of as in-flight requests.
func Metrics(m *observability.Metrics, streamRoutes ...string) gin.HandlerFunc {
	if m == nil {
		return func(c *gin.Context) { c.Next() }
	}
	skip := make(map[string]bool, len(streamRoutes))
	for _, r := range streamRoutes {
		skip[r] = true
	}
	return func(c *gin.Context) {
		start := time.Now()
		route := c.FullPath()
		inflight := !skip[route]
		if inflight {
			m.APIInflight(1)
			defer m.APIInflight(-1)
		}

		c.Next()

		m.ObserveAPI(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}
