package session

import (
	"context"
)

type rejoinPlan struct {
	old   []boundChannel
	joins []boundChannel
	ctx   context.Context
}

func (m *Manager) resubscribeLocked() rejoinPlan {
	stopTimer(&m.reconnectTimer)
	m.attempts++
	from := m.state
	if from != StateSubscribing {
		m.state = StateReconnecting
	}
	if from != m.state {
		m.enqueueStateLocked(from, m.state, nil)
	}
	old := m.channels
	joins := m.openChannelsLocked()
	m.log.Info("rejoining brainstorm session", "session_id", m.cfg.SessionID, "attempt", m.attempts, "generation", m.gen)
	return rejoinPlan{old: old, joins: joins, ctx: m.ctx}
}

func (m *Manager) rejoin(p rejoinPlan) {
	m.leave(p.old)
	m.drainDispatch()
	for _, bc := range p.joins {
		bc.ch.Subscribe(p.ctx)
	}
}

// scheduleReconnectLocked arms the next automatic rejoin. It reports false
// when the attempt budget is spent.
func (m *Manager) scheduleReconnectLocked() bool {
	if limit := m.opts.reconnect.MaxAttempts; limit > 0 && m.attempts >= limit {
		return false
	}
	delay := m.backoff.NextBackOff()
	epoch, gen := m.epoch, m.gen
	stopTimer(&m.reconnectTimer)
	m.reconnectTimer = m.opts.clock.AfterFunc(delay, func() { m.autoReconnect(epoch, gen) })
	return true
}

func (m *Manager) autoReconnect(epoch, gen uint64) {
	m.mu.Lock()
	if !m.subscribed || epoch != m.epoch || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	p := m.resubscribeLocked()
	m.mu.Unlock()
	m.rejoin(p)
}
