package session

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/yungbote/brainstorm-realtime/internal/realtime/transport"
)

// presencePayload is what travels in transport presence state.
type presencePayload struct {
	ParticipantID string    `json:"participant_id"`
	DisplayName   string    `json:"display_name"`
	IsTyping      bool      `json:"is_typing"`
	LastSeen      time.Time `json:"last_seen"`
}

func encodePresence(rec PresenceRecord) json.RawMessage {
	raw, _ := json.Marshal(presencePayload(rec))
	return raw
}

// decodePresence turns a transport entry into a record. LastSeen is always
// the local observation time: TTL eviction runs on our clock, not the
// sender's.
func decodePresence(entry transport.PresenceEntry, now time.Time) PresenceRecord {
	rec := PresenceRecord{ParticipantID: strings.TrimSpace(entry.Key), LastSeen: now}
	if len(entry.State) == 0 {
		return rec
	}
	var p presencePayload
	if err := json.Unmarshal(entry.State, &p); err != nil {
		return rec
	}
	rec.DisplayName = p.DisplayName
	rec.IsTyping = p.IsTyping
	return rec
}

// presenceTable is the manager's view of who is in the session. Guarded by
// the manager's mutex.
type presenceTable struct {
	records map[string]PresenceRecord
}

func newPresenceTable() presenceTable {
	return presenceTable{records: make(map[string]PresenceRecord)}
}

// upsert stores rec and reports whether the participant is new.
func (t *presenceTable) upsert(rec PresenceRecord) bool {
	_, existed := t.records[rec.ParticipantID]
	t.records[rec.ParticipantID] = rec
	return !existed
}

func (t *presenceTable) remove(id string) bool {
	if _, ok := t.records[id]; !ok {
		return false
	}
	delete(t.records, id)
	return true
}

func (t *presenceTable) get(id string) (PresenceRecord, bool) {
	rec, ok := t.records[id]
	return rec, ok
}

func (t *presenceTable) setTyping(id string, typing bool, now time.Time) {
	if rec, ok := t.records[id]; ok {
		rec.IsTyping = typing
		rec.LastSeen = now
		t.records[id] = rec
	}
}

// applyDiff folds a transport diff into the table and returns the
// participants that appeared and disappeared, in transport order. A key that
// both leaves and joins in the same diff is an update.
func (t *presenceTable) applyDiff(diff transport.PresenceDiff, now time.Time) (joined, left []string) {
	rejoining := make(map[string]bool, len(diff.Joins))
	for _, e := range diff.Joins {
		rejoining[strings.TrimSpace(e.Key)] = true
	}
	for _, e := range diff.Joins {
		rec := decodePresence(e, now)
		if rec.ParticipantID == "" {
			continue
		}
		if t.upsert(rec) {
			joined = append(joined, rec.ParticipantID)
		}
	}
	for _, e := range diff.Leaves {
		id := strings.TrimSpace(e.Key)
		if id == "" || rejoining[id] {
			continue
		}
		if t.remove(id) {
			left = append(left, id)
		}
	}
	return joined, left
}

// reconcile replaces the table with a full snapshot.
func (t *presenceTable) reconcile(entries []transport.PresenceEntry, now time.Time) (joined, left []string) {
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		rec := decodePresence(e, now)
		if rec.ParticipantID == "" {
			continue
		}
		seen[rec.ParticipantID] = true
		if t.upsert(rec) {
			joined = append(joined, rec.ParticipantID)
		}
	}
	for _, id := range t.sortedIDs() {
		if !seen[id] {
			t.remove(id)
			left = append(left, id)
		}
	}
	return joined, left
}

func (t *presenceTable) evictOlderThan(cutoff time.Time) []string {
	var evicted []string
	for _, id := range t.sortedIDs() {
		if t.records[id].LastSeen.Before(cutoff) {
			delete(t.records, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

func (t *presenceTable) sortedIDs() []string {
	ids := make([]string, 0, len(t.records))
	for id := range t.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (t *presenceTable) snapshot() []PresenceRecord {
	out := make([]PresenceRecord, 0, len(t.records))
	for _, id := range t.sortedIDs() {
		out = append(out, t.records[id])
	}
	return out
}

func (t *presenceTable) reset() {
	t.records = make(map[string]PresenceRecord)
}

// outbox runs presence writes for one subscription on a single goroutine so
// they reach the transport in call order without blocking the caller.
type outbox struct {
	ops    chan func(ctx context.Context)
	ctx    context.Context
	cancel context.CancelFunc
}

func newOutbox(size int) *outbox {
	ctx, cancel := context.WithCancel(context.Background())
	o := &outbox{ops: make(chan func(ctx context.Context), size), ctx: ctx, cancel: cancel}
	go o.run()
	return o
}

func (o *outbox) push(op func(ctx context.Context)) bool {
	select {
	case <-o.ctx.Done():
		return false
	default:
	}
	select {
	case o.ops <- op:
		return true
	default:
		return false
	}
}

func (o *outbox) run() {
	for {
		select {
		case <-o.ctx.Done():
			return
		case op := <-o.ops:
			op(o.ctx)
		}
	}
}

func (o *outbox) stop() { o.cancel() }
