package session

func (m *Manager) enqueueStateLocked(from, to State, err error) {
	cb := m.cfg.OnSessionStateChanged
	if cb == nil {
		return
	}
	change := StateChange{SessionID: m.cfg.SessionID, From: from, To: to, Err: err}
	m.calls = append(m.calls, dispatchItem{epoch: m.epoch, strict: true, fn: func() { cb(change) }})
}

func (m *Manager) enqueuePresenceLocked(joined, left []string) {
	cfg := m.cfg
	if cb := cfg.OnParticipantJoined; cb != nil {
		for _, id := range joined {
			id := id
			m.calls = append(m.calls, dispatchItem{epoch: m.epoch, strict: true, fn: func() { cb(id) }})
		}
	}
	if cb := cfg.OnParticipantLeft; cb != nil {
		for _, id := range left {
			id := id
			m.calls = append(m.calls, dispatchItem{epoch: m.epoch, strict: true, fn: func() { cb(id) }})
		}
	}
}

// drainDispatch runs queued callbacks. Whichever goroutine finds the queue
// idle becomes the dispatcher until it is empty; everyone else just leaves
// their items behind, which keeps a single global callback order.
func (m *Manager) drainDispatch() {
	m.mu.Lock()
	if m.dispatching {
		m.mu.Unlock()
		return
	}
	m.dispatching = true
	for len(m.calls) > 0 {
		item := m.calls[0]
		m.calls[0] = dispatchItem{}
		m.calls = m.calls[1:]
		if item.strict && item.epoch != m.epoch {
			continue
		}
		m.mu.Unlock()
		m.invoke(item.fn)
		m.mu.Lock()
	}
	m.calls = nil
	m.dispatching = false
	m.mu.Unlock()
}

func (m *Manager) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("realtime callback panicked", "panic", r)
		}
	}()
	fn()
}
