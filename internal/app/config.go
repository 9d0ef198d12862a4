package app

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yungbote/brainstorm-realtime/internal/observability"
	"github.com/yungbote/brainstorm-realtime/internal/platform/envutil"
	"github.com/yungbote/brainstorm-realtime/internal/platform/logger"
	"github.com/yungbote/brainstorm-realtime/internal/realtime/session"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Duration lets YAML carry Go duration strings.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) D() time.Duration { return time.Duration(d) }

type Config struct {
	Server struct {
		Port            string   `yaml:"port"`
		LogMode         string   `yaml:"log_mode"`
		ShutdownTimeout Duration `yaml:"shutdown_timeout"`
		CORSOrigins     []string `yaml:"cors_origins"`
	} `yaml:"server"`

	Realtime struct {
		Transport         string   `yaml:"transport"`
		TopicPrefix       string   `yaml:"topic_prefix"`
		FlushInterval     Duration `yaml:"flush_interval"`
		PresenceTTL       Duration `yaml:"presence_ttl"`
		PresenceHeartbeat Duration `yaml:"presence_heartbeat"`
		OperationTimeout  Duration `yaml:"operation_timeout"`
		Reconnect         struct {
			InitialInterval     Duration `yaml:"initial_interval"`
			MaxInterval         Duration `yaml:"max_interval"`
			Multiplier          float64  `yaml:"multiplier"`
			RandomizationFactor float64  `yaml:"randomization_factor"`
			MaxAttempts         int      `yaml:"max_attempts"`
		} `yaml:"reconnect"`
	} `yaml:"realtime"`

	Redis struct {
		Addr         string   `yaml:"addr"`
		Password     string   `yaml:"password"`
		DB           int      `yaml:"db"`
		PresenceTTL  Duration `yaml:"presence_ttl"`
		PingInterval Duration `yaml:"ping_interval"`
	} `yaml:"redis"`

	RateLimit struct {
		Mutations int      `yaml:"mutations"`
		Typing    int      `yaml:"typing"`
		Window    Duration `yaml:"window"`
	} `yaml:"rate_limit"`

	Metrics struct {
		Enabled           bool     `yaml:"enabled"`
		RedisPollInterval Duration `yaml:"redis_poll_interval"`
	} `yaml:"metrics"`

	OTel struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		Environment string  `yaml:"environment"`
		Version     string  `yaml:"version"`
		Endpoint    string  `yaml:"endpoint"`
		Headers     string  `yaml:"headers"`
		Insecure    bool    `yaml:"insecure"`
		SampleRatio float64 `yaml:"sample_ratio"`
	} `yaml:"otel"`
}

// LoadConfig layers embedded defaults, the optional REALTIME_CONFIG_FILE and
// environment variables, in that order.
func LoadConfig(log *logger.Logger) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(defaultsYAML, &cfg); err != nil {
		return Config{}, fmt.Errorf("embedded defaults: %w", err)
	}
	if path := envutil.String("REALTIME_CONFIG_FILE", ""); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
		log.Info("Loaded config overlay", "path", path)
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Port = envutil.String("PORT", c.Server.Port)
	c.Server.LogMode = envutil.String("LOG_MODE", c.Server.LogMode)
	c.Server.ShutdownTimeout = Duration(envutil.Duration("SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout.D()))
	if origins := envutil.String("CORS_ORIGINS", ""); origins != "" {
		c.Server.CORSOrigins = splitList(origins)
	}

	c.Realtime.Transport = strings.ToLower(envutil.String("REALTIME_TRANSPORT", c.Realtime.Transport))
	c.Realtime.TopicPrefix = envutil.String("REDIS_TOPIC_PREFIX", c.Realtime.TopicPrefix)
	c.Realtime.FlushInterval = Duration(envutil.Duration("REALTIME_FLUSH_INTERVAL", c.Realtime.FlushInterval.D()))
	c.Realtime.Reconnect.MaxAttempts = envutil.Int("REALTIME_RECONNECT_MAX_ATTEMPTS", c.Realtime.Reconnect.MaxAttempts)

	c.Redis.Addr = envutil.String("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = envutil.String("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = envutil.Int("REDIS_DB", c.Redis.DB)

	c.RateLimit.Mutations = envutil.Int("RATE_LIMIT_MUTATIONS", c.RateLimit.Mutations)
	c.RateLimit.Typing = envutil.Int("RATE_LIMIT_TYPING", c.RateLimit.Typing)
	c.RateLimit.Window = Duration(envutil.Duration("RATE_LIMIT_WINDOW", c.RateLimit.Window.D()))

	c.Metrics.Enabled = envutil.Bool("METRICS_ENABLED", c.Metrics.Enabled)

	c.OTel.Enabled = envutil.Bool("OTEL_ENABLED", c.OTel.Enabled)
	c.OTel.ServiceName = envutil.String("OTEL_SERVICE_NAME", c.OTel.ServiceName)
	c.OTel.Environment = envutil.String("OTEL_ENVIRONMENT", c.OTel.Environment)
	c.OTel.Version = envutil.String("OTEL_SERVICE_VERSION", c.OTel.Version)
	c.OTel.Endpoint = envutil.String("OTEL_EXPORTER_OTLP_ENDPOINT", c.OTel.Endpoint)
	c.OTel.Headers = envutil.String("OTEL_EXPORTER_OTLP_HEADERS", c.OTel.Headers)
	c.OTel.Insecure = envutil.Bool("OTEL_EXPORTER_OTLP_INSECURE", c.OTel.Insecure)
}

func (c *Config) validate() error {
	switch c.Realtime.Transport {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.Redis.Addr) == "" {
			return fmt.Errorf("realtime transport redis needs REDIS_ADDR")
		}
	default:
		return fmt.Errorf("unknown realtime transport %q", c.Realtime.Transport)
	}
	if strings.TrimSpace(c.Server.Port) == "" {
		return fmt.Errorf("missing PORT")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// SessionOptions converts the realtime section into manager options.
func (c Config) SessionOptions() []session.Option {
	rc := c.Realtime.Reconnect
	return []session.Option{
		session.WithFlushInterval(c.Realtime.FlushInterval.D()),
		session.WithPresenceTTL(c.Realtime.PresenceTTL.D()),
		session.WithPresenceHeartbeat(c.Realtime.PresenceHeartbeat.D()),
		session.WithOperationTimeout(c.Realtime.OperationTimeout.D()),
		session.WithReconnectPolicy(session.ReconnectPolicy{
			InitialInterval:     rc.InitialInterval.D(),
			MaxInterval:         rc.MaxInterval.D(),
			Multiplier:          rc.Multiplier,
			RandomizationFactor: rc.RandomizationFactor,
			MaxAttempts:         rc.MaxAttempts,
		}),
	}
}

func (c Config) OtelConfig() observability.OtelConfig {
	return observability.OtelConfig{
		Enabled:     c.OTel.Enabled,
		ServiceName: c.OTel.ServiceName,
		Environment: c.OTel.Environment,
		Version:     c.OTel.Version,
		Endpoint:    c.OTel.Endpoint,
		Headers:     observability.ParseOTLPHeaders(c.OTel.Headers),
		Insecure:    c.OTel.Insecure,
		SampleRatio: c.OTel.SampleRatio,
	}
}
