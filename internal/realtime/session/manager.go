// Package session keeps one client's live view of a collaborative brainstorm
// session: it joins the session's idea and presence channels, batches idea
// mutations into ordered callback flushes, tracks who is present and typing,
// and reconnects after transport failures.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/facebookgo/clock"

	"github.com/yungbote/brainstorm-realtime/internal/platform/logger"
	"github.com/yungbote/brainstorm-realtime/internal/realtime/transport"
)

type channelKind string

const (
	kindIdeas    channelKind = "ideas"
	kindPresence channelKind = "presence"

	outboxSize = 64
)

type boundChannel struct {
	kind channelKind
	ch   transport.Channel
}

type dispatchItem struct {
	epoch uint64
	// strict items belong to one subscription and are dropped once it ends.
	strict bool
	fn     func()
}

// Manager owns at most one session subscription at a time. It is safe for
// concurrent use. Callbacks run one at a time, in order, and never while the
// manager's internal lock is held, so they may call back into the manager;
// such nested calls deliver their own callbacks after the current one
// returns.
type Manager struct {
	tr   transport.Transport
	opts options
	log  *logger.Logger

	mu         sync.Mutex
	state      State
	subscribed bool
	cfg        Config
	// epoch changes on every Subscribe/Unsubscribe, gen on every channel
	// (re)join. Timers and callbacks carry the epoch they were created in;
	// transport handlers carry the gen.
	epoch      uint64
	gen        uint64
	failedGen  uint64
	ctx        context.Context
	cancel     context.CancelFunc
	channels   []boundChannel
	chanStatus map[channelKind]transport.Status
	queue      pendingQueue
	presence   presenceTable
	tracked    map[string]PresenceRecord
	out        *outbox

	flushTimer     *clock.Timer
	heartbeatTimer *clock.Timer
	reconnectTimer *clock.Timer
	backoff        *backoff.ExponentialBackOff
	attempts       int
	lastErr        error

	lastFlush        time.Time
	flushed          uint64
	droppedStale     uint64
	droppedMalformed uint64

	calls       []dispatchItem
	dispatching bool
}

// NewManager builds an idle manager. A nil transport gets a private
// in-process hub, which is only useful for local experimentation.
func NewManager(tr transport.Transport, opts ...Option) *Manager {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if tr == nil {
		tr = transport.NewMemoryHub(o.log)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.reconnect.InitialInterval
	b.MaxInterval = o.reconnect.MaxInterval
	b.Multiplier = o.reconnect.Multiplier
	b.RandomizationFactor = o.reconnect.RandomizationFactor
	b.Reset()

	return &Manager{
		tr:         tr,
		opts:       o,
		log:        o.log.With("component", "RealtimeSessionManager"),
		state:      StateUnsubscribed,
		chanStatus: make(map[channelKind]transport.Status),
		presence:   newPresenceTable(),
		tracked:    make(map[string]PresenceRecord),
		backoff:    b,
	}
}

// Subscribe joins cfg.SessionID, replacing any current subscription. It only
// fails for an invalid config; transport problems are reported through
// OnSessionStateChanged.
func (m *Manager) Subscribe(cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	cfg.SessionID = strings.TrimSpace(cfg.SessionID)

	m.mu.Lock()
	prev := m.teardownLocked()
	m.epoch++
	m.subscribed = true
	m.cfg = cfg
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.attempts = 0
	m.backoff.Reset()
	m.lastErr = nil
	m.out = newOutbox(outboxSize)
	m.state = StateSubscribing
	m.scheduleFlushLocked()
	m.scheduleHeartbeatLocked()
	joins := m.openChannelsLocked()
	m.enqueueStateLocked(StateUnsubscribed, StateSubscribing, nil)
	ctx := m.ctx
	m.mu.Unlock()

	m.release(prev)
	m.log.Info("joining brainstorm session", "session_id", cfg.SessionID)
	m.drainDispatch()
	for _, bc := range joins {
		bc.ch.Subscribe(ctx)
	}
	return nil
}

// Unsubscribe tears the subscription down. Queued events are dropped, not
// flushed. Safe to call at any time, any number of times.
func (m *Manager) Unsubscribe() {
	m.mu.Lock()
	if !m.subscribed {
		m.mu.Unlock()
		return
	}
	td := m.teardownLocked()
	m.mu.Unlock()

	m.release(td)
	m.log.Info("left brainstorm session", "session_id", td.sessionID, "dropped_pending", td.dropped)
	m.drainDispatch()
}

// Resubscribe rejoins the current session with the current config. Events
// still in flight from the previous channels are discarded. No-op when not
// subscribed.
func (m *Manager) Resubscribe() {
	m.mu.Lock()
	if !m.subscribed {
		m.mu.Unlock()
		return
	}
	r := m.resubscribeLocked()
	m.mu.Unlock()
	m.rejoin(r)
}

func (m *Manager) IsSubscribed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribed
}

// CurrentSessionID returns the active session, or false when unsubscribed.
func (m *Manager) CurrentSessionID() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.subscribed {
		return "", false
	}
	return m.cfg.SessionID, true
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) ConnectionHealth() ConnectionHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ConnectionHealth{
		IsConnected:       m.subscribed && m.state == StateSubscribed,
		ChannelCount:      len(m.channels),
		ReconnectAttempts: m.attempts,
		PendingUpdates:    m.queue.len(),
	}
}

// PresenceStates lists present participants ordered by participant ID.
func (m *Manager) PresenceStates() []PresenceRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.presence.snapshot()
}

func (m *Manager) ChannelStatus() ChannelStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs := ChannelStatus{
		State:             m.state,
		Generation:        m.gen,
		Channels:          make([]ChannelInfo, 0, len(m.channels)),
		ReconnectAttempts: m.attempts,
		ReconnectPending:  m.reconnectTimer != nil,
		PendingUpdates:    m.queue.len(),
		LastFlushAt:       m.lastFlush,
		FlushedEvents:     m.flushed,
		DroppedStale:      m.droppedStale,
		DroppedMalformed:  m.droppedMalformed,
	}
	if m.subscribed {
		cs.SessionID = m.cfg.SessionID
	}
	if m.lastErr != nil {
		cs.LastError = m.lastErr.Error()
	}
	for _, bc := range m.channels {
		cs.Channels = append(cs.Channels, ChannelInfo{
			Kind:   string(bc.kind),
			Topic:  bc.ch.Topic(),
			Status: m.chanStatus[bc.kind],
		})
	}
	return cs
}

// TrackPresence announces participantID on the session's presence channel.
// The announcement is repeated after every reconnect and on each heartbeat
// until UntrackPresence or Unsubscribe. No-op when not subscribed.
func (m *Manager) TrackPresence(participantID, displayName string) {
	id := strings.TrimSpace(participantID)
	if id == "" {
		return
	}
	m.mu.Lock()
	if !m.subscribed {
		m.mu.Unlock()
		return
	}
	rec := PresenceRecord{ParticipantID: id, DisplayName: strings.TrimSpace(displayName), LastSeen: m.opts.clock.Now()}
	if prev, ok := m.tracked[id]; ok {
		rec.IsTyping = prev.IsTyping
	}
	m.tracked[id] = rec
	send := m.presenceSenderLocked()
	m.mu.Unlock()

	send(rec)
}

// UpdateTypingStatus flips the typing flag for participantID locally and on
// the presence channel without waiting for the transport.
func (m *Manager) UpdateTypingStatus(participantID string, isTyping bool) {
	id := strings.TrimSpace(participantID)
	if id == "" {
		return
	}
	m.mu.Lock()
	if !m.subscribed {
		m.mu.Unlock()
		return
	}
	now := m.opts.clock.Now()
	rec, ok := m.tracked[id]
	if !ok {
		rec = PresenceRecord{ParticipantID: id}
		if known, found := m.presence.get(id); found {
			rec.DisplayName = known.DisplayName
		}
	}
	rec.IsTyping = isTyping
	rec.LastSeen = now
	m.tracked[id] = rec
	m.presence.setTyping(id, isTyping, now)
	send := m.presenceSenderLocked()
	m.mu.Unlock()

	send(rec)
}

// UntrackPresence stops announcing participantID.
func (m *Manager) UntrackPresence(participantID string) {
	id := strings.TrimSpace(participantID)
	if id == "" {
		return
	}
	m.mu.Lock()
	if !m.subscribed {
		m.mu.Unlock()
		return
	}
	if _, ok := m.tracked[id]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.tracked, id)
	ch, gen, live := m.presenceChannelLocked()
	out, epoch := m.out, m.epoch
	m.mu.Unlock()

	if !live {
		return
	}
	if !out.push(func(ctx context.Context) {
		cctx, cancel := context.WithTimeout(ctx, m.opts.opTimeout)
		defer cancel()
		if err := ch.Untrack(cctx, id); err != nil {
			m.presenceFailed(epoch, gen, err)
		}
	}) {
		m.log.Warn("presence untrack dropped", "participant_id", id)
	}
}

// ---- transport handlers -------------------------------------------------

func (m *Manager) openChannelsLocked() []boundChannel {
	m.gen++
	gen := m.gen
	prefix, sid := m.opts.topicPrefix, m.cfg.SessionID

	ideas := m.tr.Channel(IdeaTopic(prefix, sid), transport.Handlers{
		OnBroadcast: func(msg transport.Message) { m.onBroadcast(gen, msg) },
		OnStatus:    func(st transport.Status, err error) { m.onStatus(gen, kindIdeas, st, err) },
	})
	pres := m.tr.Channel(PresenceTopic(prefix, sid), transport.Handlers{
		OnPresenceSync: func(entries []transport.PresenceEntry) { m.onPresenceSync(gen, entries) },
		OnPresenceDiff: func(diff transport.PresenceDiff) { m.onPresenceDiff(gen, diff) },
		OnStatus:       func(st transport.Status, err error) { m.onStatus(gen, kindPresence, st, err) },
	})
	m.channels = []boundChannel{{kind: kindIdeas, ch: ideas}, {kind: kindPresence, ch: pres}}
	m.chanStatus = map[channelKind]transport.Status{
		kindIdeas:    transport.StatusJoining,
		kindPresence: transport.StatusJoining,
	}
	return append([]boundChannel(nil), m.channels...)
}

func (m *Manager) live(gen uint64) bool {
	return m.subscribed && gen == m.gen
}

func (m *Manager) onBroadcast(gen uint64, msg transport.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.live(gen) {
		m.droppedStale++
		return
	}
	ev, err := decodeIdeaEvent(msg, m.cfg.SessionID)
	if err != nil {
		m.droppedMalformed++
		m.log.Warn("dropping malformed idea event", "topic", msg.Topic, "event", msg.Event, "error", err)
		return
	}
	m.queue.push(ev)
}

func decodeIdeaEvent(msg transport.Message, sessionID string) (IdeaEvent, error) {
	var ev IdeaEvent
	if len(msg.Payload) == 0 {
		return ev, fmt.Errorf("empty payload")
	}
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return ev, fmt.Errorf("decode idea event: %w", err)
	}
	if ev.Kind == "" {
		ev.Kind = IdeaEventKind(msg.Event)
	}
	if !ev.Kind.Valid() {
		return ev, fmt.Errorf("unknown idea event kind %q", ev.Kind)
	}
	if strings.TrimSpace(ev.Idea.ID) == "" {
		return ev, fmt.Errorf("idea id missing")
	}
	if ev.Idea.SessionID != "" && ev.Idea.SessionID != sessionID {
		return ev, fmt.Errorf("idea belongs to session %q", ev.Idea.SessionID)
	}
	return ev, nil
}

func (m *Manager) onPresenceDiff(gen uint64, diff transport.PresenceDiff) {
	m.mu.Lock()
	if !m.live(gen) {
		m.droppedStale++
		m.mu.Unlock()
		return
	}
	joined, left := m.presence.applyDiff(diff, m.opts.clock.Now())
	m.enqueuePresenceLocked(joined, left)
	m.mu.Unlock()
	m.drainDispatch()
}

func (m *Manager) onPresenceSync(gen uint64, entries []transport.PresenceEntry) {
	m.mu.Lock()
	if !m.live(gen) {
		m.droppedStale++
		m.mu.Unlock()
		return
	}
	joined, left := m.presence.reconcile(entries, m.opts.clock.Now())
	m.enqueuePresenceLocked(joined, left)
	m.mu.Unlock()
	m.drainDispatch()
}

func (m *Manager) onStatus(gen uint64, kind channelKind, st transport.Status, err error) {
	m.mu.Lock()
	if !m.live(gen) {
		m.mu.Unlock()
		return
	}
	m.chanStatus[kind] = st
	var retrack []PresenceRecord

	switch {
	case st.Healthy():
		if m.allJoinedLocked() && (m.state == StateSubscribing || m.state == StateReconnecting) {
			from := m.state
			m.state = StateSubscribed
			m.attempts = 0
			m.backoff.Reset()
			m.lastErr = nil
			m.enqueueStateLocked(from, StateSubscribed, nil)
			now := m.opts.clock.Now()
			for id, rec := range m.tracked {
				rec.LastSeen = now
				m.tracked[id] = rec
				retrack = append(retrack, rec)
			}
			m.log.Info("brainstorm session connected", "session_id", m.cfg.SessionID, "generation", gen)
		}
	case st.Failed():
		if err == nil {
			err = fmt.Errorf("%s channel %s", kind, strings.ToLower(string(st)))
		}
		m.lastErr = err
		if m.failedGen == gen {
			break
		}
		m.failedGen = gen
		from := m.state
		if from == StateSubscribed || from == StateReconnecting {
			m.state = StateDisconnected
		}
		if m.scheduleReconnectLocked() {
			m.log.Warn("brainstorm session transport failure; reconnect scheduled",
				"session_id", m.cfg.SessionID, "channel", string(kind), "status", string(st), "attempts", m.attempts, "error", err)
			m.enqueueStateLocked(from, m.state, err)
		} else {
			m.log.Error("brainstorm session reconnect attempts exhausted",
				"session_id", m.cfg.SessionID, "attempts", m.attempts, "error", err)
			m.enqueueStateLocked(from, m.state, fmt.Errorf("%w: %v", ErrReconnectExhausted, err))
		}
	}
	send := m.presenceSenderLocked()
	m.mu.Unlock()

	for _, rec := range retrack {
		send(rec)
	}
	m.drainDispatch()
}

func (m *Manager) allJoinedLocked() bool {
	if len(m.channels) == 0 {
		return false
	}
	for _, bc := range m.channels {
		if !m.chanStatus[bc.kind].Healthy() {
			return false
		}
	}
	return true
}

func (m *Manager) presenceChannelLocked() (transport.Channel, uint64, bool) {
	for _, bc := range m.channels {
		if bc.kind == kindPresence {
			return bc.ch, m.gen, m.chanStatus[kindPresence].Healthy()
		}
	}
	return nil, m.gen, false
}

// presenceSenderLocked captures what is needed to push a presence record to
// the current presence channel after the lock is released. Records are held
// back until the channel is joined; the join re-announces them.
func (m *Manager) presenceSenderLocked() func(PresenceRecord) {
	ch, gen, live := m.presenceChannelLocked()
	out, epoch := m.out, m.epoch
	if !live || out == nil {
		return func(PresenceRecord) {}
	}
	return func(rec PresenceRecord) {
		raw := encodePresence(rec)
		if !out.push(func(ctx context.Context) {
			cctx, cancel := context.WithTimeout(ctx, m.opts.opTimeout)
			defer cancel()
			if err := ch.Track(cctx, rec.ParticipantID, raw); err != nil {
				m.presenceFailed(epoch, gen, err)
			}
		}) {
			m.log.Warn("presence update dropped", "participant_id", rec.ParticipantID)
		}
	}
}

func (m *Manager) presenceFailed(epoch, gen uint64, err error) {
	m.mu.Lock()
	if !m.subscribed || epoch != m.epoch || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.lastErr = err
	m.log.Warn("presence update failed", "session_id", m.cfg.SessionID, "error", err)
	m.enqueueStateLocked(m.state, m.state, fmt.Errorf("presence: %w", err))
	m.mu.Unlock()
	m.drainDispatch()
}

// ---- timers -------------------------------------------------------------

func stopTimer(t **clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (m *Manager) scheduleFlushLocked() {
	epoch := m.epoch
	m.flushTimer = m.opts.clock.AfterFunc(m.opts.flushInterval, func() { m.flushTick(epoch) })
}

func (m *Manager) scheduleHeartbeatLocked() {
	if m.opts.presenceHeartbeat <= 0 {
		return
	}
	epoch := m.epoch
	m.heartbeatTimer = m.opts.clock.AfterFunc(m.opts.presenceHeartbeat, func() { m.heartbeatTick(epoch) })
}

// flushTick drains the pending queue into callbacks in arrival order and
// evicts presence records that outlived the TTL.
func (m *Manager) flushTick(epoch uint64) {
	m.mu.Lock()
	if !m.subscribed || epoch != m.epoch {
		m.mu.Unlock()
		return
	}
	now := m.opts.clock.Now()
	events := m.queue.drain()
	var evicted []string
	if m.opts.presenceTTL > 0 {
		evicted = m.presence.evictOlderThan(now.Add(-m.opts.presenceTTL))
	}
	if len(events) > 0 {
		m.lastFlush = now
		m.flushed += uint64(len(events))
	}
	cfg := m.cfg
	for _, ev := range events {
		if fn := ideaCallback(cfg, ev); fn != nil {
			m.calls = append(m.calls, dispatchItem{epoch: epoch, strict: true, fn: fn})
		}
	}
	m.enqueuePresenceLocked(nil, evicted)
	m.scheduleFlushLocked()
	m.mu.Unlock()

	if len(evicted) > 0 {
		m.log.Debug("evicted stale presence", "session_id", cfg.SessionID, "count", len(evicted))
	}
	m.drainDispatch()
}

func ideaCallback(cfg Config, ev IdeaEvent) func() {
	var cb func(Idea)
	switch ev.Kind {
	case IdeaCreated:
		cb = cfg.OnIdeaCreated
	case IdeaUpdated:
		cb = cfg.OnIdeaUpdated
	case IdeaDeleted:
		cb = cfg.OnIdeaDeleted
	}
	if cb == nil {
		return nil
	}
	idea := ev.Idea
	return func() { cb(idea) }
}

func (m *Manager) heartbeatTick(epoch uint64) {
	m.mu.Lock()
	if !m.subscribed || epoch != m.epoch {
		m.mu.Unlock()
		return
	}
	now := m.opts.clock.Now()
	recs := make([]PresenceRecord, 0, len(m.tracked))
	for id, rec := range m.tracked {
		rec.LastSeen = now
		m.tracked[id] = rec
		recs = append(recs, rec)
	}
	send := m.presenceSenderLocked()
	m.scheduleHeartbeatLocked()
	m.mu.Unlock()

	for _, rec := range recs {
		send(rec)
	}
}

// ---- lifecycle ----------------------------------------------------------

type teardown struct {
	sessionID string
	channels  []boundChannel
	out       *outbox
	cancel    context.CancelFunc
	dropped   int
}

// teardownLocked ends the current subscription, if any, and returns what
// must be released once the lock is dropped.
func (m *Manager) teardownLocked() teardown {
	if !m.subscribed {
		return teardown{}
	}
	td := teardown{
		sessionID: m.cfg.SessionID,
		channels:  m.channels,
		out:       m.out,
		cancel:    m.cancel,
		dropped:   m.queue.len(),
	}
	stopTimer(&m.flushTimer)
	stopTimer(&m.heartbeatTimer)
	stopTimer(&m.reconnectTimer)

	from, cfg := m.state, m.cfg
	m.epoch++
	m.gen++
	m.subscribed = false
	m.state = StateUnsubscribed
	m.cfg = Config{}
	m.channels = nil
	m.chanStatus = make(map[channelKind]transport.Status)
	m.queue.reset()
	m.presence.reset()
	m.tracked = make(map[string]PresenceRecord)
	m.out = nil
	m.cancel = nil
	m.ctx = nil
	m.attempts = 0
	m.lastErr = nil

	if cb := cfg.OnSessionStateChanged; cb != nil {
		change := StateChange{SessionID: td.sessionID, From: from, To: StateUnsubscribed}
		m.calls = append(m.calls, dispatchItem{fn: func() { cb(change) }})
	}
	return td
}

func (m *Manager) release(td teardown) {
	if td.out != nil {
		td.out.stop()
	}
	m.leave(td.channels)
	if td.cancel != nil {
		td.cancel()
	}
}

func (m *Manager) leave(channels []boundChannel) {
	for _, bc := range channels {
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.opTimeout)
		if err := bc.ch.Unsubscribe(ctx); err != nil {
			m.log.Warn("failed to leave realtime channel", "topic", bc.ch.Topic(), "error", err)
		}
		cancel()
	}
}
