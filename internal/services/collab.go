package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yungbote/brainstorm-realtime/internal/observability"
	"github.com/yungbote/brainstorm-realtime/internal/platform/apierr"
	"github.com/yungbote/brainstorm-realtime/internal/platform/logger"
	"github.com/yungbote/brainstorm-realtime/internal/realtime"
	"github.com/yungbote/brainstorm-realtime/internal/realtime/session"
	"github.com/yungbote/brainstorm-realtime/internal/realtime/transport"
)

var (
	errMissingParticipant = errors.New("participant id is required")
	errNoActiveStream     = errors.New("no active stream for this participant")
	errMissingIdeaID      = errors.New("idea id is required")
	errMissingTitle       = errors.New("idea title is required")
)

type JoinRequest struct {
	SessionID     string
	ParticipantID string
	DisplayName   string
}

// IdeaInput carries the client-editable fields of an idea. Nil pointers keep
// the zero value.
type IdeaInput struct {
	ID          string   `json:"id,omitempty"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Category    string   `json:"category,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Votes       *int     `json:"votes,omitempty"`
	Position    *int     `json:"position,omitempty"`
}

// Connection is one participant's live stream and the realtime session
// manager feeding it.
type Connection struct {
	SessionID     string
	ParticipantID string
	Client        *realtime.SSEClient
	Manager       *session.Manager
}

type CollabService interface {
	Join(ctx context.Context, req JoinRequest) (*Connection, error)
	Leave(conn *Connection)
	PublishIdea(ctx context.Context, sessionID, actorID string, kind session.IdeaEventKind, in IdeaInput) (session.Idea, error)
	SetTyping(sessionID, participantID string, typing bool) error
	Resubscribe(sessionID, participantID string) error
	Status(sessionID, participantID string) (session.ChannelStatus, []session.PresenceRecord, error)
	Close()
}

type connKey struct {
	sessionID     string
	participantID string
}

type collabService struct {
	log         *logger.Logger
	tr          transport.Transport
	hub         *realtime.SSEHub
	metrics     *observability.Metrics
	tracer      trace.Tracer
	topicPrefix string
	opts        []session.Option
	now         func() time.Time

	mu    sync.Mutex
	conns map[connKey]*Connection
}

func NewCollabService(
	log *logger.Logger,
	tr transport.Transport,
	hub *realtime.SSEHub,
	metrics *observability.Metrics,
	topicPrefix string,
	opts ...session.Option,
) CollabService {
	topicPrefix = strings.TrimSpace(topicPrefix)
	if topicPrefix == "" {
		topicPrefix = session.DefaultTopicPrefix
	}
	serviceLog := log.With("service", "CollabService")
	all := append([]session.Option{
		session.WithLogger(serviceLog),
		session.WithTopicPrefix(topicPrefix),
	}, opts...)
	return &collabService{
		log:         serviceLog,
		tr:          tr,
		hub:         hub,
		metrics:     metrics,
		tracer:      otel.Tracer("github.com/yungbote/brainstorm-realtime/internal/services"),
		topicPrefix: topicPrefix,
		opts:        all,
		now:         time.Now,
		conns:       make(map[connKey]*Connection),
	}
}

// Join opens a stream for the participant, replacing any earlier stream with
// the same session and participant.
func (s *collabService) Join(ctx context.Context, req JoinRequest) (*Connection, error) {
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.ParticipantID = strings.TrimSpace(req.ParticipantID)
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if req.ParticipantID == "" {
		return nil, apierr.New(http.StatusBadRequest, "missing_participant", errMissingParticipant)
	}
	if req.DisplayName == "" {
		req.DisplayName = req.ParticipantID
	}

	client := s.hub.NewSSEClient(req.ParticipantID)
	channel := client.ID.String()
	s.hub.AddChannel(client, channel)

	mgr := session.NewManager(s.tr, s.opts...)
	conn := &Connection{
		SessionID:     req.SessionID,
		ParticipantID: req.ParticipantID,
		Client:        client,
		Manager:       mgr,
	}
	if err := mgr.Subscribe(s.streamConfig(conn, channel)); err != nil {
		s.hub.CloseClient(client)
		if errors.Is(err, session.ErrInvalidConfig) {
			return nil, apierr.New(http.StatusBadRequest, "invalid_session", err)
		}
		return nil, err
	}
	mgr.TrackPresence(req.ParticipantID, req.DisplayName)

	key := connKey{sessionID: req.SessionID, participantID: req.ParticipantID}
	s.mu.Lock()
	prev := s.conns[key]
	s.conns[key] = conn
	s.mu.Unlock()
	if prev != nil {
		s.log.Info("Replacing existing stream", "session_id", req.SessionID, "participant_id", req.ParticipantID)
		s.release(prev)
	}

	s.metrics.StreamOpened()
	s.log.Info("Participant joined", "session_id", req.SessionID, "participant_id", req.ParticipantID, "client_id", channel)
	return conn, nil
}

func (s *collabService) streamConfig(conn *Connection, channel string) session.Config {
	send := func(event realtime.SSEEvent, data any) {
		s.hub.Broadcast(realtime.SSEMessage{Channel: channel, Event: event, Data: data})
	}
	presence := func(id string) map[string]any {
		return map[string]any{
			"participant_id": id,
			"presence":       conn.Manager.PresenceStates(),
		}
	}
	return session.Config{
		SessionID:     conn.SessionID,
		OnIdeaCreated: func(idea session.Idea) { send(realtime.SSEEventIdeaCreated, idea) },
		OnIdeaUpdated: func(idea session.Idea) { send(realtime.SSEEventIdeaUpdated, idea) },
		OnIdeaDeleted: func(idea session.Idea) { send(realtime.SSEEventIdeaDeleted, idea) },
		OnParticipantJoined: func(id string) {
			send(realtime.SSEEventParticipantJoined, presence(id))
		},
		OnParticipantLeft: func(id string) {
			send(realtime.SSEEventParticipantLeft, presence(id))
		},
		OnSessionStateChanged: func(change session.StateChange) {
			s.metrics.ObserveStateChange(string(change.To), change.Err != nil)
			data := map[string]any{
				"session_id": change.SessionID,
				"from":       change.From,
				"to":         change.To,
			}
			if change.Err != nil {
				data["error"] = change.Err.Error()
				s.log.Warn("Realtime session problem",
					"session_id", change.SessionID,
					"participant_id", conn.ParticipantID,
					"from", change.From,
					"to", change.To,
					"error", change.Err,
				)
			}
			send(realtime.SSEEventSessionStateChanged, data)
		},
	}
}

// Leave tears the connection down unless a newer stream already replaced it.
func (s *collabService) Leave(conn *Connection) {
	if conn == nil {
		return
	}
	key := connKey{sessionID: conn.SessionID, participantID: conn.ParticipantID}
	s.mu.Lock()
	current := s.conns[key] == conn
	if current {
		delete(s.conns, key)
	}
	s.mu.Unlock()
	if current {
		s.release(conn)
		s.log.Info("Participant left", "session_id", conn.SessionID, "participant_id", conn.ParticipantID)
	}
}

func (s *collabService) release(conn *Connection) {
	conn.Manager.Unsubscribe()
	s.hub.CloseClient(conn.Client)
	s.metrics.StreamClosed()
}

func (s *collabService) lookup(sessionID, participantID string) (*Connection, error) {
	participantID = strings.TrimSpace(participantID)
	if participantID == "" {
		return nil, apierr.New(http.StatusBadRequest, "missing_participant", errMissingParticipant)
	}
	s.mu.Lock()
	conn := s.conns[connKey{sessionID: strings.TrimSpace(sessionID), participantID: participantID}]
	s.mu.Unlock()
	if conn == nil {
		return nil, apierr.New(http.StatusConflict, "no_active_stream", errNoActiveStream)
	}
	return conn, nil
}

// PublishIdea broadcasts an idea mutation to every subscriber of the session.
// The publisher does not need an open stream.
func (s *collabService) PublishIdea(ctx context.Context, sessionID, actorID string, kind session.IdeaEventKind, in IdeaInput) (session.Idea, error) {
	ctx, span := s.tracer.Start(ctx, "collab.publish_idea", trace.WithAttributes(
		attribute.String("brainstorm.session_id", sessionID),
		attribute.String("brainstorm.event_kind", string(kind)),
	))
	defer span.End()

	start := time.Now()
	idea, err := s.publishIdea(ctx, sessionID, actorID, kind, in)
	s.metrics.ObserveIdeaPublish(string(kind), err, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return session.Idea{}, err
	}
	span.SetAttributes(attribute.String("brainstorm.idea_id", idea.ID))
	return idea, nil
}

func (s *collabService) publishIdea(ctx context.Context, sessionID, actorID string, kind session.IdeaEventKind, in IdeaInput) (session.Idea, error) {
	sessionID = strings.TrimSpace(sessionID)
	if err := validSessionID(sessionID); err != nil {
		return session.Idea{}, apierr.New(http.StatusBadRequest, "invalid_session", err)
	}
	if !kind.Valid() {
		return session.Idea{}, apierr.New(http.StatusBadRequest, "invalid_event_kind", fmt.Errorf("unknown idea event kind %q", kind))
	}

	now := s.now().UTC()
	idea := session.Idea{
		ID:          strings.TrimSpace(in.ID),
		SessionID:   sessionID,
		Title:       strings.TrimSpace(in.Title),
		Description: in.Description,
		Category:    in.Category,
		Tags:        in.Tags,
		AuthorID:    strings.TrimSpace(actorID),
		UpdatedAt:   now,
	}
	if in.Votes != nil {
		idea.Votes = *in.Votes
	}
	if in.Position != nil {
		idea.Position = *in.Position
	}

	switch kind {
	case session.IdeaCreated:
		if idea.Title == "" {
			return session.Idea{}, apierr.New(http.StatusBadRequest, "missing_title", errMissingTitle)
		}
		if idea.ID == "" {
			idea.ID = uuid.New().String()
		}
		idea.CreatedAt = now
	default:
		if idea.ID == "" {
			return session.Idea{}, apierr.New(http.StatusBadRequest, "missing_idea_id", errMissingIdeaID)
		}
	}

	ev := session.IdeaEvent{Kind: kind, Idea: idea, ActorID: idea.AuthorID, SentAt: now}
	topic := session.IdeaTopic(s.topicPrefix, sessionID)
	if err := s.tr.Publish(ctx, topic, string(kind), ev); err != nil {
		s.log.Error("Idea publish failed", "session_id", sessionID, "kind", kind, "error", err)
		return session.Idea{}, apierr.New(http.StatusBadGateway, "publish_failed", err)
	}
	return idea, nil
}

func validSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: session id is required", session.ErrInvalidConfig)
	}
	if strings.ContainsAny(id, " \t\r\n*?[]") {
		return fmt.Errorf("%w: session id %q contains reserved characters", session.ErrInvalidConfig, id)
	}
	return nil
}

func (s *collabService) SetTyping(sessionID, participantID string, typing bool) error {
	conn, err := s.lookup(sessionID, participantID)
	if err != nil {
		return err
	}
	conn.Manager.UpdateTypingStatus(conn.ParticipantID, typing)
	return nil
}

func (s *collabService) Resubscribe(sessionID, participantID string) error {
	conn, err := s.lookup(sessionID, participantID)
	if err != nil {
		return err
	}
	conn.Manager.Resubscribe()
	return nil
}

func (s *collabService) Status(sessionID, participantID string) (session.ChannelStatus, []session.PresenceRecord, error) {
	conn, err := s.lookup(sessionID, participantID)
	if err != nil {
		return session.ChannelStatus{}, nil, err
	}
	return conn.Manager.ChannelStatus(), conn.Manager.PresenceStates(), nil
}

// Close ends every open stream.
func (s *collabService) Close() {
	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.conns))
	for k, c := range s.conns {
		conns = append(conns, c)
		delete(s.conns, k)
	}
	s.mu.Unlock()
	for _, c := range conns {
		s.release(c)
	}
	if len(conns) > 0 {
		s.log.Info("Closed open streams", "count", len(conns))
	}
}
