package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	redisclient "github.com/yungbote/brainstorm-realtime/internal/clients/redis"
	httpserver "github.com/yungbote/brainstorm-realtime/internal/http"
	httpH "github.com/yungbote/brainstorm-realtime/internal/http/handlers"
	httpMW "github.com/yungbote/brainstorm-realtime/internal/http/middleware"
	"github.com/yungbote/brainstorm-realtime/internal/observability"
	"github.com/yungbote/brainstorm-realtime/internal/platform/logger"
	"github.com/yungbote/brainstorm-realtime/internal/platform/ratelimit"
	"github.com/yungbote/brainstorm-realtime/internal/realtime"
	"github.com/yungbote/brainstorm-realtime/internal/realtime/transport"
	"github.com/yungbote/brainstorm-realtime/internal/services"
)

type App struct {
	Log     *logger.Logger
	Cfg     Config
	Redis   *goredis.Client
	Server  *httpserver.Server
	Collab  services.CollabService
	SSEHub  *realtime.SSEHub
	Metrics *observability.Metrics

	transport    transport.Transport
	otelShutdown func(context.Context) error
}

func New(ctx context.Context, log *logger.Logger) (*App, error) {
	log.Info("Loading configuration...")
	cfg, err := LoadConfig(log)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	a := &App{Log: log, Cfg: cfg}
	a.otelShutdown = observability.InitOTel(ctx, log, cfg.OtelConfig())
	if cfg.Metrics.Enabled {
		a.Metrics = observability.NewMetrics()
	}

	var limiter ratelimit.Limiter
	switch cfg.Realtime.Transport {
	case "redis":
		rdb, err := redisclient.New(log, redisclient.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init redis: %w", err)
		}
		a.Redis = rdb
		tr, err := transport.NewRedisTransport(log, rdb, transport.RedisOptions{
			PresenceTTL:  cfg.Redis.PresenceTTL.D(),
			PingInterval: cfg.Redis.PingInterval.D(),
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init redis transport: %w", err)
		}
		a.transport = tr
		limiter = ratelimit.NewRedisLimiter(rdb, cfg.Realtime.TopicPrefix+":ratelimit")
	default:
		a.transport = transport.NewMemoryHub(log)
		limiter = ratelimit.NewMemoryLimiter(nil)
	}
	log.Info("Realtime transport ready", "transport", cfg.Realtime.Transport, "topic_prefix", cfg.Realtime.TopicPrefix)

	a.SSEHub = realtime.NewSSEHub(log)
	a.Collab = services.NewCollabService(log, a.transport, a.SSEHub, a.Metrics, cfg.Realtime.TopicPrefix, cfg.SessionOptions()...)

	var ready httpH.Pinger
	if a.Redis != nil {
		ready = func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() }
	}
	a.Server = httpserver.NewServer(":"+cfg.Server.Port, httpserver.RouterConfig{
		Log:          log,
		ServiceName:  otelServiceName(cfg),
		CORSOrigins:  cfg.Server.CORSOrigins,
		Metrics:      a.Metrics,
		Limiter:      limiter,
		PublishLimit: httpMW.RateLimitConfig{Limit: cfg.RateLimit.Mutations, Window: cfg.RateLimit.Window.D()},
		TypingLimit:  httpMW.RateLimitConfig{Limit: cfg.RateLimit.Typing, Window: cfg.RateLimit.Window.D()},

		SessionHandler: httpH.NewSessionHandler(log, a.SSEHub, a.Collab),
		HealthHandler:  httpH.NewHealthHandler(ready),
	})
	return a, nil
}

func otelServiceName(cfg Config) string {
	if !cfg.OTel.Enabled {
		return ""
	}
	return cfg.OTel.ServiceName
}

// Run serves HTTP until ctx is cancelled, then ends open streams and drains
// in-flight requests.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.Server == nil {
		return fmt.Errorf("app not initialized")
	}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Log.Info("Server listening", "port", a.Cfg.Server.Port)
		return a.Server.Run()
	})
	g.Go(func() error {
		<-gctx.Done()
		a.Log.Info("Shutting down server...")
		a.Collab.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Cfg.Server.ShutdownTimeout.D())
		defer cancel()
		if err := a.Server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})
	if a.Metrics != nil && a.Redis != nil {
		a.Metrics.StartRedisCollector(gctx, a.Log, a.Redis, a.Cfg.Metrics.RedisPollInterval.D())
	}
	return g.Wait()
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.Collab != nil {
		a.Collab.Close()
	}
	if a.transport != nil {
		if err := a.transport.Close(); err != nil {
			a.Log.Warn("transport close failed", "error", err)
		}
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.otelShutdown(ctx); err != nil {
			a.Log.Warn("otel shutdown failed", "error", err)
		}
	}
	a.Log.Sync()
}
