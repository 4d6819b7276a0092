package call

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"duocall-backend/internal/domain"
	"duocall-backend/internal/media"
	"duocall-backend/internal/peer"
)

// StartCall places a call to the partner. Local media is acquired before
// anything is written, so a media failure leaves no record behind.
func (m *Machine) StartCall(ctx context.Context, kind domain.CallKind) error {
	if !kind.Valid() {
		return fmt.Errorf("invalid call kind %q", kind)
	}

	m.mu.Lock()
	if err := m.acquire(opStart); err != nil {
		m.mu.Unlock()
		return err
	}
	if m.sess != nil || m.incoming != nil || (m.phase != PhaseIdle && m.phase != PhasePermissionPending) {
		delete(m.inflight, opStart)
		m.mu.Unlock()
		return ErrCallInProgress
	}
	partner, ok := m.identity.Partner()
	if !ok {
		delete(m.inflight, opStart)
		m.pending = ""
		m.setPhaseLocked(PhaseIdle)
		m.mu.Unlock()
		return ErrNoPartner
	}
	s := m.newSessionLocked(m.newID(), RoleCaller, kind, partner)
	m.setPhaseLocked(PhaseCalling)
	m.mu.Unlock()
	defer m.release(opStart)

	s.log.Info("Starting call", zap.String("kind", string(kind)), zap.String("callee_id", partner.ID))

	p, err := m.openPeer(s)
	if err != nil {
		return err
	}

	if _, err := p.InitLocalMedia(s.ctx, media.ConstraintsFor(kind)); err != nil {
		if errors.Is(err, peer.ErrClosed) || m.gone(s) {
			return ErrCallCancelled
		}
		m.metrics.CallFailed(ReasonMediaError)
		m.endSession(s, ReasonMediaError, true)
		return media.Classify(err)
	}
	m.applyTracks(s, p)

	offer, err := p.CreateOffer()
	if err != nil {
		if m.gone(s) {
			return ErrCallCancelled
		}
		m.metrics.CallFailed(ReasonNegotiation)
		m.endSession(s, ReasonNegotiation, true)
		return &NegotiationError{Step: "offer", Err: err}
	}

	self := m.identity.Self()
	rec := &domain.CallRecord{
		ID:         s.id,
		CallerID:   self.ID,
		CallerName: self.Name,
		CalleeID:   partner.ID,
		Kind:       kind,
		Status:     domain.CallStatusRinging,
		CreatedAt:  m.now().UTC(),
		Offer:      &offer,
	}
	if m.gone(s) {
		return ErrCallCancelled
	}

	wctx, cancel := m.writeContext()
	err = m.store.CreateRecord(wctx, rec)
	cancel()
	if err != nil {
		m.metrics.CallFailed(ReasonSignalingError)
		m.endSession(s, ReasonSignalingError, true)
		return &SignalingWriteError{Op: "create", Err: err}
	}
	if !m.markRecordCreated(s, rec) {
		m.finishOrphan(s)
		return ErrCallCancelled
	}

	unsub, err := m.store.Subscribe(s.ctx, s.id, func(r *domain.CallRecord) { m.onCallerRecord(s, r) })
	if err != nil {
		if m.gone(s) {
			return ErrCallCancelled
		}
		m.endSession(s, ReasonSignalingError, true)
		return &SignalingWriteError{Op: "subscribe", Err: err}
	}
	if !m.addUnsub(s, unsub) {
		return ErrCallCancelled
	}

	unsub, err = m.store.SubscribeToList(s.ctx, s.id, s.remoteList(), func(c domain.IceCandidate) {
		m.onRemoteCandidate(s, p, c)
	})
	if err != nil {
		if m.gone(s) {
			return ErrCallCancelled
		}
		m.endSession(s, ReasonSignalingError, true)
		return &SignalingWriteError{Op: "subscribe", Err: err}
	}
	if !m.addUnsub(s, unsub) {
		return ErrCallCancelled
	}

	m.notifier.PostIncomingCall(partner.ID, rec.Clone())
	m.armRingTimer(s)
	m.countStarted(s)
	s.log.Info("Call ringing")
	return nil
}

// onCallerRecord drives the caller from record changes
func (m *Machine) onCallerRecord(s *session, rec *domain.CallRecord) {
	if rec == nil {
		m.endSession(s, ReasonRemoteDeleted, false)
		return
	}

	m.mu.Lock()
	if s.ended {
		m.mu.Unlock()
		return
	}
	s.record = rec.Clone()
	p := s.peer
	applied := s.answerApplied
	m.mu.Unlock()

	switch rec.Status {
	case domain.CallStatusActive:
		if rec.Answer == nil || applied {
			return
		}
		if _, err := p.AcceptAnswer(*rec.Answer); err != nil {
			if m.gone(s) {
				return
			}
			negErr := &NegotiationError{Step: "accept-answer", Err: err}
			s.log.Error("Failed to accept answer", zap.Error(err))
			m.emitError(s, negErr)
			m.metrics.CallFailed(ReasonNegotiation)
			m.endSession(s, ReasonNegotiation, true)
			return
		}
		m.mu.Lock()
		if !s.ended {
			s.answerApplied = true
			m.enterActiveLocked(s)
		}
		m.mu.Unlock()
	case domain.CallStatusEnded, domain.CallStatusRejected:
		reason := rec.EndReason
		if reason == "" {
			reason = string(rec.Status)
		}
		m.endSession(s, reason, false)
	}
}

func (m *Machine) emitError(s *session, err error) {
	m.mu.Lock()
	m.emitLocked(Event{Type: EventError, CallID: s.id, Message: Guidance(err)})
	m.mu.Unlock()
}

func (m *Machine) armRingTimer(s *session) {
	if m.cfg.RingTimeout <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ended || s.active {
		return
	}
	s.ringTimer = time.AfterFunc(m.cfg.RingTimeout, func() { m.onRingTimeout(s) })
}

func (m *Machine) onRingTimeout(s *session) {
	m.mu.Lock()
	if s.ended || s.active {
		m.mu.Unlock()
		return
	}
	s.ringTimer = nil
	rec := s.record.Clone()
	m.mu.Unlock()

	s.log.Info("Call not answered", zap.Duration("timeout", m.cfg.RingTimeout))
	if rec != nil {
		m.notifier.PostMissedCall(s.remote.ID, rec)
	}
	m.endSession(s, ReasonNoAnswer, true)
}
