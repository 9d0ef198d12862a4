package transport

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/yungbote/brainstorm-realtime/internal/platform/logger"
)

// MemoryHub is an in-process Transport. Every channel owns an unbounded
// outbound queue drained by its own goroutine, so handlers never run on the
// caller's goroutine, per-channel delivery order is preserved and bursts are
// never dropped.
type MemoryHub struct {
	mu       sync.RWMutex
	log      *logger.Logger
	closed   bool
	topics   map[string]map[*memoryChannel]bool
	presence map[string]map[string]*presenceSlot
}

type presenceSlot struct {
	state  json.RawMessage
	owners map[*memoryChannel]bool
}

func NewMemoryHub(log *logger.Logger) *MemoryHub {
	if log == nil {
		log = logger.Nop()
	}
	return &MemoryHub{
		log:      log.With("component", "MemoryTransport"),
		topics:   make(map[string]map[*memoryChannel]bool),
		presence: make(map[string]map[string]*presenceSlot),
	}
}

func (hub *MemoryHub) Channel(topic string, h Handlers) Channel {
	c := &memoryChannel{
		hub:    hub,
		topic:  strings.TrimSpace(topic),
		h:      h,
		status: StatusJoining,
	}
	c.ready = sync.NewCond(&c.qmu)
	return c
}

func (hub *MemoryHub) Publish(ctx context.Context, topic, event string, payload any) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return ErrEmptyTopic
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	msg := Message{Topic: topic, Event: event, Payload: raw}

	hub.mu.RLock()
	defer hub.mu.RUnlock()
	if hub.closed {
		return ErrClosed
	}
	for c := range hub.topics[topic] {
		c.enqueue(func() { c.h.broadcast(msg) })
	}
	return nil
}

// Disconnect drops every live channel as if the network went away. Each
// channel reports StatusChannelError with err and stops receiving until it
// is unsubscribed and replaced.
func (hub *MemoryHub) Disconnect(err error) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	var all []*memoryChannel
	for _, subs := range hub.topics {
		for c := range subs {
			all = append(all, c)
		}
	}
	for _, c := range all {
		hub.detachLocked(c)
		c.setStatus(StatusChannelError)
		c.enqueue(func() { c.h.status(StatusChannelError, err) })
	}
	if len(all) > 0 {
		hub.log.Warn("memory transport disconnected", "channels", len(all), "error", err)
	}
}

func (hub *MemoryHub) Close() error {
	hub.mu.Lock()
	if hub.closed {
		hub.mu.Unlock()
		return nil
	}
	hub.closed = true
	hub.mu.Unlock()
	hub.Disconnect(ErrClosed)
	return nil
}

// Subscribers returns the number of joined channels on topic.
func (hub *MemoryHub) Subscribers(topic string) int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.topics[topic])
}

// PresenceKeys returns the tracked keys on topic, sorted.
func (hub *MemoryHub) PresenceKeys(topic string) []string {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	keys := make([]string, 0, len(hub.presence[topic]))
	for k := range hub.presence[topic] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (hub *MemoryHub) snapshotLocked(topic string) []PresenceEntry {
	slots := hub.presence[topic]
	keys := make([]string, 0, len(slots))
	for k := range slots {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]PresenceEntry, 0, len(keys))
	for _, k := range keys {
		out = append(out, PresenceEntry{Key: k, State: slots[k].state})
	}
	return out
}

func (hub *MemoryHub) fanoutLocked(topic string, diff PresenceDiff) {
	for c := range hub.topics[topic] {
		c.enqueue(func() { c.h.presenceDiff(diff) })
	}
}

// detachLocked removes c from its topic and releases the presence keys it
// owned, announcing leaves for keys no other channel still holds.
func (hub *MemoryHub) detachLocked(c *memoryChannel) {
	if subs := hub.topics[c.topic]; subs != nil {
		delete(subs, c)
		if len(subs) == 0 {
			delete(hub.topics, c.topic)
		}
	}
	slots := hub.presence[c.topic]
	if len(slots) == 0 {
		return
	}
	keys := make([]string, 0, len(slots))
	for k, slot := range slots {
		if slot.owners[c] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var leaves []PresenceEntry
	for _, k := range keys {
		slot := slots[k]
		delete(slot.owners, c)
		if len(slot.owners) == 0 {
			delete(slots, k)
			leaves = append(leaves, PresenceEntry{Key: k, State: slot.state})
		}
	}
	if len(slots) == 0 {
		delete(hub.presence, c.topic)
	}
	if len(leaves) > 0 {
		hub.fanoutLocked(c.topic, PresenceDiff{Leaves: leaves})
	}
}

type memoryChannel struct {
	hub   *MemoryHub
	topic string
	h     Handlers

	mu      sync.Mutex
	status  Status
	started bool
	left    bool

	qmu     sync.Mutex
	ready   *sync.Cond
	pending []func()
	stopped bool
}

func (c *memoryChannel) Topic() string { return c.topic }

func (c *memoryChannel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *memoryChannel) setStatus(st Status) {
	c.mu.Lock()
	c.status = st
	c.mu.Unlock()
}

func (c *memoryChannel) Subscribe(ctx context.Context) {
	c.mu.Lock()
	if c.started || c.left {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()
	go c.pump()

	hub := c.hub
	hub.mu.Lock()
	defer hub.mu.Unlock()

	fail := func(st Status, err error) {
		c.setStatus(st)
		c.enqueue(func() { c.h.status(st, err) })
	}
	switch {
	case hub.closed:
		fail(StatusChannelError, ErrClosed)
		return
	case c.topic == "":
		fail(StatusChannelError, ErrEmptyTopic)
		return
	case ctx.Err() != nil:
		fail(StatusTimedOut, ctx.Err())
		return
	}

	subs := hub.topics[c.topic]
	if subs == nil {
		subs = make(map[*memoryChannel]bool)
		hub.topics[c.topic] = subs
	}
	subs[c] = true
	c.setStatus(StatusSubscribed)

	snapshot := hub.snapshotLocked(c.topic)
	c.enqueue(func() { c.h.status(StatusSubscribed, nil) })
	c.enqueue(func() { c.h.presenceSync(snapshot) })
	hub.log.Debug("memory channel subscribed", "topic", c.topic)
}

func (c *memoryChannel) Track(ctx context.Context, key string, state json.RawMessage) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrEmptyKey
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	hub := c.hub
	hub.mu.Lock()
	defer hub.mu.Unlock()
	if !hub.topics[c.topic][c] {
		return ErrNotSubscribed
	}
	slots := hub.presence[c.topic]
	if slots == nil {
		slots = make(map[string]*presenceSlot)
		hub.presence[c.topic] = slots
	}
	slot := slots[key]
	if slot == nil {
		slot = &presenceSlot{owners: make(map[*memoryChannel]bool)}
		slots[key] = slot
	}
	slot.state = append(json.RawMessage(nil), state...)
	slot.owners[c] = true
	hub.fanoutLocked(c.topic, PresenceDiff{Joins: []PresenceEntry{{Key: key, State: slot.state}}})
	return nil
}

func (c *memoryChannel) Untrack(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrEmptyKey
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	hub := c.hub
	hub.mu.Lock()
	defer hub.mu.Unlock()
	if !hub.topics[c.topic][c] {
		return ErrNotSubscribed
	}
	slot := hub.presence[c.topic][key]
	if slot == nil || !slot.owners[c] {
		return nil
	}
	delete(slot.owners, c)
	if len(slot.owners) > 0 {
		return nil
	}
	delete(hub.presence[c.topic], key)
	hub.fanoutLocked(c.topic, PresenceDiff{Leaves: []PresenceEntry{{Key: key, State: slot.state}}})
	return nil
}

func (c *memoryChannel) Unsubscribe(ctx context.Context) error {
	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		return nil
	}
	c.left = true
	c.status = StatusClosed
	c.mu.Unlock()

	c.hub.mu.Lock()
	c.hub.detachLocked(c)
	c.hub.mu.Unlock()

	c.stop()
	return nil
}

func (c *memoryChannel) enqueue(fn func()) {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	if c.stopped {
		return
	}
	c.pending = append(c.pending, fn)
	c.ready.Signal()
}

func (c *memoryChannel) stop() {
	c.qmu.Lock()
	c.stopped = true
	c.pending = nil
	c.qmu.Unlock()
	c.ready.Broadcast()
}

func (c *memoryChannel) pump() {
	for {
		c.qmu.Lock()
		for len(c.pending) == 0 && !c.stopped {
			c.ready.Wait()
		}
		if c.stopped {
			c.qmu.Unlock()
			return
		}
		fn := c.pending[0]
		c.pending[0] = nil
		c.pending = c.pending[1:]
		c.qmu.Unlock()
		fn()
	}
}
