package session

// pendingQueue holds idea events between flushes in arrival order. It is
// guarded by the manager's mutex.
type pendingQueue struct {
	events []IdeaEvent
}

func (q *pendingQueue) push(ev IdeaEvent) {
	q.events = append(q.events, ev)
}

func (q *pendingQueue) len() int { return len(q.events) }

// drain hands back everything queued and leaves the queue empty.
func (q *pendingQueue) drain() []IdeaEvent {
	if len(q.events) == 0 {
		return nil
	}
	out := q.events
	q.events = nil
	return out
}

func (q *pendingQueue) reset() {
	q.events = nil
}
