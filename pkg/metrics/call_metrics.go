package metrics

import (
	"time"

	"duocall-backend/internal/domain"
)

// CallStarted counts a call that started ringing or was answered
func (m *Metrics) CallStarted(kind domain.CallKind) {
	m.callsActive.Inc()
}

// CallEnded records a finished call. Calls that never started (rejected
// before ringing locally, media failures) do not touch the active gauge.
func (m *Metrics) CallEnded(kind domain.CallKind, status domain.CallStatus, reason string, duration time.Duration) {
	m.callsTotal.WithLabelValues(string(kind), string(status)).Inc()
	if duration > 0 {
		m.callsDuration.WithLabelValues(string(kind)).Observe(duration.Seconds())
	}
}

// CallLeft decrements the active gauge once a started call is cleaned up
func (m *Metrics) CallLeft() {
	m.callsActive.Dec()
}

// CallFailed records a call that ended on an error
func (m *Metrics) CallFailed(reason string) {
	m.callsFailedTotal.WithLabelValues(reason).Inc()
}

// ReconnectAttempt counts one connection recovery attempt
func (m *Metrics) ReconnectAttempt() {
	m.reconnectAttempts.Inc()
}

// RecordRTPPacket counts one remote packet of the given media kind
func (m *Metrics) RecordRTPPacket(kind string, payloadBytes int) {
	m.rtpPacketsTotal.WithLabelValues(kind).Inc()
	m.rtpBytesTotal.WithLabelValues(kind).Add(float64(payloadBytes))
}
