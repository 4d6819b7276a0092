package call

import (
	"time"

	"go.uber.org/zap"

	"duocall-backend/internal/peer"
)

// onPeerState applies the reconnection policy to connection state changes
func (m *Machine) onPeerState(s *session, st peer.State) {
	m.mu.Lock()
	if s.ended {
		m.mu.Unlock()
		return
	}
	s.connState = st

	lost := false
	switch st {
	case peer.StateConnected:
		if s.reconnectTimer != nil {
			s.reconnectTimer.Stop()
			s.reconnectTimer = nil
		}
		if s.reconnecting || s.attempts > 0 {
			s.attempts = 0
			s.reconnecting = false
			m.emitLocked(Event{Type: EventReconnected, CallID: s.id})
			s.log.Info("Connection recovered")
		}
	case peer.StateDisconnected, peer.StateFailed:
		if s.active {
			lost = m.registerAttemptLocked(s)
		}
	}
	m.mu.Unlock()

	if lost {
		m.connectionLost(s)
	}
}

// onMediaEnded ends the call when local capture stops underneath it
func (m *Machine) onMediaEnded(s *session, err error) {
	if m.gone(s) {
		return
	}
	s.log.Warn("Local media interrupted", zap.Error(err))
	m.emitError(s, err)
	m.metrics.CallFailed(ReasonMediaInterrupted)
	m.endSession(s, ReasonMediaInterrupted, true)
}

// registerAttemptLocked counts one reconnection attempt and reports whether
// the limit was reached. The counter never passes the limit.
func (m *Machine) registerAttemptLocked(s *session) bool {
	if s.attempts >= m.cfg.MaxReconnectAttempts {
		return true
	}
	s.attempts++
	m.metrics.ReconnectAttempt()
	if s.attempts >= m.cfg.MaxReconnectAttempts {
		return true
	}

	s.reconnecting = true
	m.emitLocked(Event{
		Type:        EventReconnecting,
		CallID:      s.id,
		Attempt:     s.attempts,
		MaxAttempts: m.cfg.MaxReconnectAttempts,
	})
	s.log.Warn("Connection interrupted",
		zap.Int("attempt", s.attempts),
		zap.Int("max_attempts", m.cfg.MaxReconnectAttempts))

	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	if delay := m.cfg.ReconnectBackoff * time.Duration(s.attempts); delay > 0 {
		s.reconnectTimer = time.AfterFunc(delay, func() { m.onReconnectTimeout(s) })
	}
	return false
}

// onReconnectTimeout counts a further attempt when the connection is still
// down after the backoff
func (m *Machine) onReconnectTimeout(s *session) {
	m.mu.Lock()
	if s.ended || s.connState == peer.StateConnected {
		m.mu.Unlock()
		return
	}
	s.reconnectTimer = nil
	lost := m.registerAttemptLocked(s)
	m.mu.Unlock()

	if lost {
		m.connectionLost(s)
	}
}

func (m *Machine) connectionLost(s *session) {
	m.mu.Lock()
	if !s.ended {
		m.emitLocked(Event{
			Type:        EventConnectionLost,
			CallID:      s.id,
			Attempt:     s.attempts,
			MaxAttempts: m.cfg.MaxReconnectAttempts,
			Message:     Guidance(ErrConnectionLost),
		})
	}
	m.mu.Unlock()

	s.log.Warn("Connection lost", zap.Int("attempts", m.cfg.MaxReconnectAttempts))
	m.metrics.CallFailed(ReasonConnectionLost)
	m.endSession(s, ReasonConnectionLost, true)
}

func (m *Machine) runDurationTicker(s *session) {
	t := time.NewTicker(m.cfg.TickInterval)
	defer t.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			m.mu.Lock()
			if s.ended {
				m.mu.Unlock()
				return
			}
			m.emitLocked(Event{Type: EventTick, CallID: s.id, Duration: m.now().Sub(s.activeAt)})
			m.mu.Unlock()
		}
	}
}

func (m *Machine) runQualityMonitor(s *session) {
	t := time.NewTicker(m.cfg.QualityInterval)
	defer t.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			m.mu.Lock()
			p := s.peer
			m.mu.Unlock()
			if p == nil {
				continue
			}
			cur := p.Stats()

			m.mu.Lock()
			if s.ended {
				m.mu.Unlock()
				return
			}
			q := classifyQuality(cur.LossSince(s.lastStats), cur.Jitter)
			s.lastStats = cur
			if q != s.quality {
				s.quality = q
				m.emitLocked(Event{Type: EventQualityChanged, CallID: s.id, Quality: q})
			}
			m.mu.Unlock()
		}
	}
}

// classifyQuality buckets a loss fraction and jitter
func classifyQuality(loss float64, jitter time.Duration) Quality {
	switch {
	case loss <= 0.01 && jitter <= 30*time.Millisecond:
		return QualityExcellent
	case loss <= 0.03 && jitter <= 60*time.Millisecond:
		return QualityGood
	case loss <= 0.08 && jitter <= 120*time.Millisecond:
		return QualityFair
	default:
		return QualityPoor
	}
}
