package call

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"duocall-backend/internal/domain"
	"duocall-backend/internal/media"
	"duocall-backend/internal/peer"
)

const seenRetention = time.Hour

// Watch starts observing the call directory for calls addressed to us.
// Calling it again is a no-op.
func (m *Machine) Watch(ctx context.Context) error {
	self := m.identity.Self()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrMachineClosed
	}
	if m.watchUnsub != nil {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	unsub, err := m.store.WatchIncoming(m.ctx, self.ID, m.onIncoming)
	if err != nil {
		return fmt.Errorf("failed to watch incoming calls: %w", err)
	}

	m.mu.Lock()
	if m.closed || m.watchUnsub != nil {
		m.mu.Unlock()
		unsub()
		return nil
	}
	m.watchUnsub = unsub
	m.mu.Unlock()

	m.log.Info("Watching for incoming calls")
	return nil
}

func (m *Machine) onIncoming(rec *domain.CallRecord) {
	self := m.identity.Self()
	if rec == nil || rec.Status != domain.CallStatusRinging || rec.CalleeID != self.ID {
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if _, ok := m.seen[rec.ID]; ok {
		m.mu.Unlock()
		return
	}
	if m.sess != nil || m.incoming != nil {
		m.deferred[rec.ID] = rec.Clone()
		m.mu.Unlock()
		m.log.Info("Deferring incoming call while busy", zap.String("call_id", rec.ID))
		return
	}
	m.markSeenLocked(rec.ID)
	m.mu.Unlock()

	m.surfaceIncoming(rec)
}

// reofferDeferred offers the calls that rang while we were busy, oldest
// first, if they are still ringing
func (m *Machine) reofferDeferred() {
	m.mu.Lock()
	if m.closed || len(m.deferred) == 0 {
		m.mu.Unlock()
		return
	}
	recs := make([]*domain.CallRecord, 0, len(m.deferred))
	for id, rec := range m.deferred {
		recs = append(recs, rec)
		delete(m.deferred, id)
	}
	m.mu.Unlock()

	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })
	m.spawn(func() {
		for _, rec := range recs {
			ctx, cancel := m.writeContext()
			cur, err := m.store.GetRecord(ctx, rec.ID)
			cancel()
			switch {
			case errors.Is(err, domain.ErrRecordNotFound):
				continue
			case err != nil:
				m.log.Warn("Failed to reload deferred call", zap.String("call_id", rec.ID), zap.Error(err))
				continue
			}
			m.onIncoming(cur)
		}
	})
}

func (m *Machine) markSeenLocked(id string) {
	now := m.now()
	for k, at := range m.seen {
		if now.Sub(at) > seenRetention {
			delete(m.seen, k)
		}
	}
	m.seen[id] = now
}

// surfaceIncoming exposes rec as the incoming call and follows it until it
// is answered or becomes terminal
func (m *Machine) surfaceIncoming(rec *domain.CallRecord) {
	inc := &incomingCall{rec: rec.Clone()}

	m.mu.Lock()
	if m.closed || m.sess != nil || m.incoming != nil {
		m.mu.Unlock()
		return
	}
	m.incoming = inc
	m.emitLocked(Event{Type: EventIncomingCall, CallID: rec.ID, Record: rec.Clone()})
	m.mu.Unlock()

	m.log.Info("Incoming call",
		zap.String("call_id", rec.ID),
		zap.String("caller_id", rec.CallerID),
		zap.String("kind", string(rec.Kind)))

	unsub, err := m.store.Subscribe(m.ctx, rec.ID, func(r *domain.CallRecord) { m.onIncomingRecord(inc, r) })
	if err != nil {
		m.log.Warn("Failed to follow incoming call", zap.String("call_id", rec.ID), zap.Error(err))
		return
	}

	m.mu.Lock()
	if m.incoming != inc {
		m.mu.Unlock()
		unsub()
		return
	}
	inc.unsub = unsub
	m.mu.Unlock()
}

func (m *Machine) onIncomingRecord(inc *incomingCall, rec *domain.CallRecord) {
	m.mu.Lock()
	if m.incoming != inc {
		m.mu.Unlock()
		return
	}
	if rec != nil && rec.Status == domain.CallStatusRinging {
		inc.rec = rec.Clone()
		m.mu.Unlock()
		return
	}

	reason := ReasonRemoteDeleted
	status := domain.CallStatusEnded
	switch {
	case rec == nil:
	case rec.Status == domain.CallStatusActive:
		reason = ReasonAnsweredElsewhere
	case rec.EndReason != "":
		reason = rec.EndReason
		status = rec.Status
	default:
		reason = string(rec.Status)
		status = rec.Status
	}

	m.incoming = nil
	unsub := inc.unsub
	inc.unsub = nil
	m.emitLocked(Event{Type: EventIncomingCallEnded, CallID: inc.rec.ID, Reason: reason})
	m.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	self := m.identity.Self()
	m.notifier.RemoveIncomingCall(self.ID, inc.rec.ID)

	m.recordHistory(&domain.CallLog{
		OwnerID:   self.ID,
		CallID:    inc.rec.ID,
		PeerID:    inc.rec.CallerID,
		Direction: string(RoleCallee),
		Kind:      inc.rec.Kind,
		Status:    status,
		Reason:    reason,
		StartedAt: inc.rec.CreatedAt,
		EndedAt:   m.now().UTC(),
	})
	m.log.Info("Incoming call ended", zap.String("call_id", inc.rec.ID), zap.String("reason", reason))
	m.reofferDeferred()
}

// AnswerCall accepts a ringing call. rec may be nil, in which case the
// incoming call or the stored record is used.
func (m *Machine) AnswerCall(ctx context.Context, callID string, rec *domain.CallRecord) error {
	m.mu.Lock()
	if err := m.acquire(opAnswer); err != nil {
		m.mu.Unlock()
		return err
	}
	if m.sess != nil {
		delete(m.inflight, opAnswer)
		m.mu.Unlock()
		return ErrCallInProgress
	}
	if rec == nil && m.incoming != nil && m.incoming.rec.ID == callID {
		rec = m.incoming.rec.Clone()
	}
	m.mu.Unlock()
	defer m.release(opAnswer)

	if rec == nil {
		r, err := m.store.GetRecord(ctx, callID)
		if errors.Is(err, domain.ErrRecordNotFound) {
			return ErrCallNotRinging
		}
		if err != nil {
			return &SignalingWriteError{Op: "get", Err: err}
		}
		rec = r
	}

	self := m.identity.Self()
	if rec.ID != callID || rec.CalleeID != self.ID || rec.Status != domain.CallStatusRinging || rec.Offer == nil {
		return ErrCallNotRinging
	}

	m.mu.Lock()
	if m.sess != nil {
		m.mu.Unlock()
		return ErrCallInProgress
	}
	s := m.newSessionLocked(rec.ID, RoleCallee, rec.Kind, Identity{ID: rec.CallerID, Name: rec.CallerName})
	s.record = rec.Clone()
	inc := m.incoming
	if inc != nil && inc.rec.ID == rec.ID {
		m.incoming = nil
	} else {
		inc = nil
	}
	m.markSeenLocked(rec.ID)
	m.setPhaseLocked(PhaseActive)
	m.mu.Unlock()

	if inc != nil && inc.unsub != nil {
		inc.unsub()
	}
	s.log.Info("Answering call", zap.String("caller_id", rec.CallerID))

	p, err := m.openPeer(s)
	if err != nil {
		m.resurface(s, rec)
		return err
	}

	unsub, err := m.store.SubscribeToList(s.ctx, s.id, s.remoteList(), func(c domain.IceCandidate) {
		m.onRemoteCandidate(s, p, c)
	})
	if err != nil {
		return m.abortAnswer(s, rec, ReasonSignalingError, &SignalingWriteError{Op: "subscribe", Err: err})
	}
	if !m.addUnsub(s, unsub) {
		return ErrCallCancelled
	}
	unsub, err = m.store.Subscribe(s.ctx, s.id, func(r *domain.CallRecord) { m.onCalleeRecord(s, r) })
	if err != nil {
		return m.abortAnswer(s, rec, ReasonSignalingError, &SignalingWriteError{Op: "subscribe", Err: err})
	}
	if !m.addUnsub(s, unsub) {
		return ErrCallCancelled
	}

	if _, err := p.InitLocalMedia(s.ctx, media.ConstraintsFor(rec.Kind)); err != nil {
		if errors.Is(err, peer.ErrClosed) {
			return ErrCallCancelled
		}
		return m.abortAnswer(s, rec, ReasonMediaError, media.Classify(err))
	}
	m.applyTracks(s, p)

	if err := p.AcceptOffer(*rec.Offer); err != nil {
		return m.abortAnswer(s, rec, ReasonNegotiation, &NegotiationError{Step: "accept-offer", Err: err})
	}
	answer, err := p.CreateAnswer()
	if err != nil {
		return m.abortAnswer(s, rec, ReasonNegotiation, &NegotiationError{Step: "answer", Err: err})
	}
	if m.gone(s) {
		return ErrCallCancelled
	}

	now := m.now().UTC()
	status := domain.CallStatusActive
	wctx, cancel := m.writeContext()
	changed, err := m.store.UpdateRecord(wctx, s.id, domain.RecordUpdate{
		Status:     &status,
		Answer:     &answer,
		AnsweredAt: &now,
	})
	if err == nil && !changed {
		// A retried write may have landed already; tell it apart from an
		// answer written by someone else.
		changed, err = m.ownsAnswer(wctx, s.id, answer)
	}
	cancel()

	switch {
	case err != nil && (errors.Is(err, domain.ErrRecordTerminal) || errors.Is(err, domain.ErrRecordNotFound) || errors.Is(err, domain.ErrIllegalTransition)):
		m.endSession(s, ReasonRemoteDeleted, false)
		return ErrCallNotRinging
	case err != nil:
		return m.abortAnswer(s, rec, ReasonSignalingError, &SignalingWriteError{Op: "answer", Err: err})
	case !changed:
		m.endSession(s, ReasonAnsweredElsewhere, false)
		return ErrCallNotRinging
	}

	if !m.markRecordCreated(s, nil) {
		m.finishOrphan(s)
		return ErrCallCancelled
	}
	m.mu.Lock()
	m.enterActiveLocked(s)
	m.mu.Unlock()

	m.notifier.RemoveIncomingCall(self.ID, s.id)
	m.countStarted(s)
	return nil
}

func (m *Machine) ownsAnswer(ctx context.Context, id string, answer domain.SessionDescription) (bool, error) {
	cur, err := m.store.GetRecord(ctx, id)
	if err != nil {
		return false, err
	}
	return cur.Status == domain.CallStatusActive && cur.Answer != nil && cur.Answer.SDP == answer.SDP, nil
}

// abortAnswer tears down a half-built callee session and leaves the call
// ringing so the user can retry or reject it
func (m *Machine) abortAnswer(s *session, rec *domain.CallRecord, reason string, cause error) error {
	if m.gone(s) {
		return ErrCallCancelled
	}
	s.log.Warn("Failed to answer call", zap.String("reason", reason), zap.Error(cause))
	m.metrics.CallFailed(reason)
	m.resurface(s, rec)
	return cause
}

func (m *Machine) resurface(s *session, rec *domain.CallRecord) {
	m.endSession(s, ReasonAnswerFailed, false)
	m.surfaceIncoming(rec)
}

func (m *Machine) onCalleeRecord(s *session, rec *domain.CallRecord) {
	if rec == nil {
		m.endSession(s, ReasonRemoteDeleted, false)
		return
	}
	if rec.Status.Terminal() {
		reason := rec.EndReason
		if reason == "" {
			reason = string(rec.Status)
		}
		m.endSession(s, reason, false)
		return
	}

	m.mu.Lock()
	if !s.ended {
		s.record = rec.Clone()
	}
	m.mu.Unlock()
}

// RejectCall declines the incoming call. Rejecting a call that is no longer
// incoming is a no-op.
func (m *Machine) RejectCall(ctx context.Context, callID string) error {
	m.mu.Lock()
	if err := m.acquire(opReject); err != nil {
		m.mu.Unlock()
		return err
	}
	inc := m.incoming
	if inc == nil || inc.rec.ID != callID {
		delete(m.inflight, opReject)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	defer m.release(opReject)

	now := m.now().UTC()
	status := domain.CallStatusRejected
	wctx, cancel := m.writeContext()
	_, err := m.store.UpdateRecord(wctx, callID, domain.RecordUpdate{
		Status:    &status,
		EndedAt:   &now,
		EndReason: ReasonRejected,
	})
	cancel()
	switch {
	case err == nil, errors.Is(err, domain.ErrRecordTerminal), errors.Is(err, domain.ErrRecordNotFound):
	default:
		return &SignalingWriteError{Op: "reject", Err: err}
	}

	m.mu.Lock()
	var unsub func()
	cleared := m.incoming == inc
	if cleared {
		m.incoming = nil
		unsub = inc.unsub
		inc.unsub = nil
		m.emitLocked(Event{Type: EventIncomingCallEnded, CallID: callID, Reason: ReasonRejected})
	}
	m.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	self := m.identity.Self()
	m.notifier.RemoveIncomingCall(self.ID, callID)
	m.scheduleDelete(callID)

	if cleared {
		m.recordHistory(&domain.CallLog{
			OwnerID:   self.ID,
			CallID:    callID,
			PeerID:    inc.rec.CallerID,
			Direction: string(RoleCallee),
			Kind:      inc.rec.Kind,
			Status:    domain.CallStatusRejected,
			Reason:    ReasonRejected,
			StartedAt: inc.rec.CreatedAt,
			EndedAt:   now,
		})
		m.metrics.CallEnded(inc.rec.Kind, domain.CallStatusRejected, ReasonRejected, 0)
	}
	m.log.Info("Call rejected", zap.String("call_id", callID))
	if cleared {
		m.reofferDeferred()
	}
	return nil
}

// EndCall hangs up the current call, whatever its phase. It is safe to call
// at any time and any number of times.
func (m *Machine) EndCall(ctx context.Context) error {
	m.mu.Lock()
	s := m.sess
	if s == nil {
		if m.phase == PhasePermissionPending {
			m.pending = ""
			m.setPhaseLocked(PhaseIdle)
		}
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	m.endSession(s, ReasonHangup, true)
	return nil
}
