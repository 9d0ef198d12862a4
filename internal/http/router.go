package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/yungbote/brainstorm-realtime/internal/http/handlers"
	httpMW "github.com/yungbote/brainstorm-realtime/internal/http/middleware"
	"github.com/yungbote/brainstorm-realtime/internal/observability"
	"github.com/yungbote/brainstorm-realtime/internal/platform/logger"
	"github.com/yungbote/brainstorm-realtime/internal/platform/ratelimit"
)

const streamRoute = "/api/sessions/:id/stream"

type RouterConfig struct {
	Log         *logger.Logger
	ServiceName string
	CORSOrigins []string
	Metrics     *observability.Metrics

	Limiter      ratelimit.Limiter
	PublishLimit httpMW.RateLimitConfig
	TypingLimit  httpMW.RateLimitConfig

	SessionHandler *httpH.SessionHandler
	HealthHandler  *httpH.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.ServiceName != "" {
		r.Use(otelgin.Middleware(cfg.ServiceName))
	}
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.CORS(cfg.CORSOrigins))
	r.Use(httpMW.Metrics(cfg.Metrics, streamRoute))

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
		r.GET("/readyz", cfg.HealthHandler.Ready)
	}
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapF(cfg.Metrics.WriteHTTP))
	}

	sessions := r.Group("/api/sessions/:id")
	sessions.Use(httpMW.AttachCollabContext())
	if h := cfg.SessionHandler; h != nil {
		publishLimit := httpMW.RateLimit(cfg.Limiter, cfg.Metrics, cfg.Log, cfg.PublishLimit)
		typingLimit := httpMW.RateLimit(cfg.Limiter, cfg.Metrics, cfg.Log, cfg.TypingLimit)

		// Realtime (SSE)
		sessions.GET("/stream", h.Stream)
		sessions.POST("/resubscribe", h.Resubscribe)
		sessions.GET("/status", h.Status)

		// Ideas
		sessions.POST("/ideas", publishLimit, h.CreateIdea)
		sessions.PATCH("/ideas/:ideaID", publishLimit, h.UpdateIdea)
		sessions.DELETE("/ideas/:ideaID", publishLimit, h.DeleteIdea)

		// Presence
		sessions.POST("/typing", typingLimit, h.Typing)
	}

	return r
}
