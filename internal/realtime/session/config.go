package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/facebookgo/clock"

	"github.com/yungbote/brainstorm-realtime/internal/platform/logger"
)

var (
	ErrInvalidConfig      = errors.New("invalid realtime config")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// Config is owned by the manager between Subscribe and Unsubscribe. Every
// callback is optional.
type Config struct {
	SessionID string

	OnIdeaCreated         func(idea Idea)
	OnIdeaUpdated         func(idea Idea)
	OnIdeaDeleted         func(idea Idea)
	OnParticipantJoined   func(participantID string)
	OnParticipantLeft     func(participantID string)
	OnSessionStateChanged func(change StateChange)
}

func (c Config) validate() error {
	id := strings.TrimSpace(c.SessionID)
	if id == "" {
		return fmt.Errorf("%w: session id is required", ErrInvalidConfig)
	}
	if strings.ContainsAny(id, " \t\r\n*?[]") {
		return fmt.Errorf("%w: session id %q contains reserved characters", ErrInvalidConfig, id)
	}
	return nil
}

const (
	DefaultFlushInterval     = 200 * time.Millisecond
	DefaultPresenceTTL       = time.Minute
	DefaultPresenceHeartbeat = 20 * time.Second
	DefaultOperationTimeout  = 5 * time.Second
	DefaultTopicPrefix       = "brainstorm"
)

// ReconnectPolicy shapes automatic reconnection after a transport failure.
// MaxAttempts <= 0 retries forever.
type ReconnectPolicy struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
	MaxAttempts         int
}

func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		InitialInterval:     500 * time.Millisecond,
		MaxInterval:         30 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.5,
		MaxAttempts:         10,
	}
}

type options struct {
	clock             clock.Clock
	log               *logger.Logger
	flushInterval     time.Duration
	presenceTTL       time.Duration
	presenceHeartbeat time.Duration
	opTimeout         time.Duration
	topicPrefix       string
	reconnect         ReconnectPolicy
}

type Option func(*options)

func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

func WithLogger(log *logger.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

func WithFlushInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.flushInterval = d
		}
	}
}

// WithPresenceTTL sets how long a participant may go without a presence
// refresh before being evicted locally. Zero disables eviction.
func WithPresenceTTL(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.presenceTTL = d
		}
	}
}

// WithPresenceHeartbeat sets how often tracked participants are re-announced.
// Zero disables the heartbeat.
func WithPresenceHeartbeat(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.presenceHeartbeat = d
		}
	}
}

func WithOperationTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.opTimeout = d
		}
	}
}

func WithTopicPrefix(prefix string) Option {
	return func(o *options) {
		if p := strings.TrimSpace(prefix); p != "" {
			o.topicPrefix = p
		}
	}
}

func WithReconnectPolicy(p ReconnectPolicy) Option {
	return func(o *options) {
		def := DefaultReconnectPolicy()
		if p.InitialInterval <= 0 {
			p.InitialInterval = def.InitialInterval
		}
		if p.MaxInterval <= 0 {
			p.MaxInterval = def.MaxInterval
		}
		if p.Multiplier < 1 {
			p.Multiplier = def.Multiplier
		}
		if p.RandomizationFactor < 0 || p.RandomizationFactor >= 1 {
			p.RandomizationFactor = def.RandomizationFactor
		}
		o.reconnect = p
	}
}

func defaultOptions() options {
	return options{
		clock:             clock.New(),
		log:               logger.Nop(),
		flushInterval:     DefaultFlushInterval,
		presenceTTL:       DefaultPresenceTTL,
		presenceHeartbeat: DefaultPresenceHeartbeat,
		opTimeout:         DefaultOperationTimeout,
		topicPrefix:       DefaultTopicPrefix,
		reconnect:         DefaultReconnectPolicy(),
	}
}

// IdeaTopic is the channel carrying idea mutations for a session.
func IdeaTopic(prefix, sessionID string) string {
	return prefix + ":session:" + sessionID + ":ideas"
}

// PresenceTopic is the channel carrying presence for a session.
func PresenceTopic(prefix, sessionID string) string {
	return prefix + ":session:" + sessionID + ":presence"
}
