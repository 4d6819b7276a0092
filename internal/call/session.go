package call

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"duocall-backend/internal/domain"
	"duocall-backend/internal/peer"
	"duocall-backend/internal/signaling"
)

// session is one call attempt. Fields below ended are guarded by Machine.mu.
type session struct {
	id     string
	role   Role
	kind   domain.CallKind
	remote Identity
	log    *zap.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	endOnce sync.Once
	trackMu sync.Mutex

	publisher *serial[domain.IceCandidate]

	started bool

	ended         bool
	reason        string
	peer          Peer
	record        *domain.CallRecord
	recordCreated bool
	answerApplied bool
	active        bool
	activeAt      time.Time

	audio   bool
	video   bool
	speaker bool

	connState      peer.State
	attempts       int
	reconnecting   bool
	reconnectTimer *time.Timer
	ringTimer      *time.Timer

	quality   Quality
	lastStats peer.Stats

	unsubs []signaling.Unsubscribe
}

// localList is the candidate list this side appends to
func (s *session) localList() domain.CandidateList {
	if s.role == RoleCaller {
		return domain.CallerCandidates
	}
	return domain.CalleeCandidates
}

// remoteList is the candidate list the other side appends to
func (s *session) remoteList() domain.CandidateList {
	if s.role == RoleCaller {
		return domain.CalleeCandidates
	}
	return domain.CallerCandidates
}

// newSessionLocked makes s the current session. Caller sessions hold their
// candidates back until the record exists.
func (m *Machine) newSessionLocked(id string, role Role, kind domain.CallKind, remote Identity) *session {
	ctx, cancel := context.WithCancel(m.ctx)
	s := &session{
		id:        id,
		role:      role,
		kind:      kind,
		remote:    remote,
		log:       m.log.With(zap.String("call_id", id), zap.String("role", string(role))),
		ctx:       ctx,
		cancel:    cancel,
		audio:     true,
		video:     kind == domain.CallKindVideo,
		connState: peer.StateNew,
		quality:   QualityUnknown,
	}
	s.publisher = newSerial(func(c domain.IceCandidate) { m.publishCandidate(s, c) }, role == RoleCaller)
	m.sess = s
	m.pending = ""
	return s
}

// gone reports whether s was ended
func (m *Machine) gone(s *session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return s.ended
}

// openPeer creates the connection for s and hooks its callbacks
func (m *Machine) openPeer(s *session) (Peer, error) {
	p, err := m.newPeer(s.id)
	if err != nil {
		m.endSession(s, ReasonNegotiation, true)
		return nil, &NegotiationError{Step: "connect", Err: err}
	}

	p.OnLocalCandidate(func(c domain.IceCandidate) { s.publisher.push(c) })
	p.OnStateChange(func(st peer.State) { m.onPeerState(s, st) })
	p.OnMediaEnded(func(err error) { m.spawn(func() { m.onMediaEnded(s, err) }) })
	if m.newSink != nil {
		if sink := m.newSink(s.id); sink != nil {
			if err := p.AttachSink(sink); err != nil {
				s.log.Warn("Failed to attach remote sink", zap.Error(err))
			}
		}
	}

	m.mu.Lock()
	if s.ended {
		m.mu.Unlock()
		_ = p.Close()
		return nil, ErrCallCancelled
	}
	s.peer = p
	m.mu.Unlock()
	return p, nil
}

// addUnsub records u for cleanup, or runs it when s already ended
func (m *Machine) addUnsub(s *session, u signaling.Unsubscribe) bool {
	m.mu.Lock()
	if s.ended {
		m.mu.Unlock()
		u()
		return false
	}
	s.unsubs = append(s.unsubs, u)
	m.mu.Unlock()
	return true
}

// markRecordCreated makes s responsible for finishing rec. It returns false
// when s ended during the write, in which case the caller must finish it.
func (m *Machine) markRecordCreated(s *session, rec *domain.CallRecord) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ended {
		return false
	}
	s.recordCreated = true
	if rec != nil {
		s.record = rec.Clone()
	}
	s.publisher.resume()
	return true
}

// finishOrphan ends a record whose session was cleaned up while the record
// was being created or answered
func (m *Machine) finishOrphan(s *session) {
	m.mu.Lock()
	reason := s.reason
	m.mu.Unlock()

	s.log.Info("Finishing record of a call ended mid-write", zap.String("reason", reason))
	m.writeEnded(s, reason)
	m.scheduleDelete(s.id)
}

func (m *Machine) publishCandidate(s *session, c domain.IceCandidate) {
	ctx, cancel := m.writeContext()
	defer cancel()
	if err := m.store.AppendToList(ctx, s.id, s.localList(), c); err != nil {
		if m.gone(s) {
			return
		}
		s.log.Warn("Failed to publish local candidate", zap.Error(err))
	}
}

func (m *Machine) onRemoteCandidate(s *session, p Peer, c domain.IceCandidate) {
	if err := p.AddRemoteCandidate(c); err != nil && !errors.Is(err, peer.ErrClosed) {
		s.log.Warn("Failed to add remote candidate", zap.Error(err))
	}
}

// countStarted reports s as started unless it already ended
func (m *Machine) countStarted(s *session) {
	m.mu.Lock()
	if s.ended {
		m.mu.Unlock()
		return
	}
	s.started = true
	m.mu.Unlock()
	m.metrics.CallStarted(s.kind)
}

// enterActiveLocked starts the active part of a call once. The reconnect
// counter is zero on every entry.
func (m *Machine) enterActiveLocked(s *session) {
	if s.active || s.ended {
		return
	}
	s.active = true
	s.activeAt = m.now()
	s.attempts = 0
	s.reconnecting = false
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
	m.setPhaseLocked(PhaseActive)

	if m.closed {
		return
	}
	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.runDurationTicker(s)
	}()
	go func() {
		defer m.wg.Done()
		m.runQualityMonitor(s)
	}()
	s.log.Info("Call active")
}

// endSession is the single cleanup path. It runs once per session whatever
// the number or origin of callers. local marks terminations initiated here.
func (m *Machine) endSession(s *session, reason string, local bool) {
	s.endOnce.Do(func() {
		m.cleanup(s, reason, local)
	})
}

func (m *Machine) cleanup(s *session, reason string, local bool) {
	m.mu.Lock()
	s.ended = true
	s.reason = reason
	s.cancel()
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	unsubs := s.unsubs
	s.unsubs = nil
	p := s.peer
	started := s.started
	recordCreated := s.recordCreated
	rec := s.record.Clone()

	var duration time.Duration
	if s.active {
		duration = m.now().Sub(s.activeAt)
	}
	if m.sess == s {
		m.setPhaseLocked(PhaseEnded)
		m.sess = nil
		m.emitLocked(Event{Type: EventCallEnded, CallID: s.id, Reason: reason, Duration: duration})
		m.setPhaseLocked(PhaseIdle)
	}
	m.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	s.publisher.stop(false)
	if p != nil {
		if err := p.Close(); err != nil {
			s.log.Debug("Peer close returned error", zap.Error(err))
		}
	}

	status := domain.CallStatusEnded
	// a callee hanging up mid-answer still has to end the ringing record
	abandoned := local && !recordCreated && s.role == RoleCallee && rec != nil
	if recordCreated || abandoned {
		if local {
			m.writeEnded(s, reason)
		} else if rec != nil && rec.Status == domain.CallStatusRejected {
			status = domain.CallStatusRejected
		}
		if s.role == RoleCaller || local {
			m.scheduleDelete(s.id)
		}
		m.recordHistory(s.historyEntry(m.identity.Self().ID, rec, status, reason, duration, m.now()))
	}
	m.metrics.CallEnded(s.kind, status, reason, duration)
	if started {
		m.metrics.CallLeft()
	}

	s.log.Info("Call ended",
		zap.String("reason", reason),
		zap.Bool("local", local),
		zap.Duration("duration", duration))
	if reason != ReasonAnswerFailed {
		m.reofferDeferred()
	}
}

// writeEnded moves the record to ended unless it is already terminal or gone
func (m *Machine) writeEnded(s *session, reason string) {
	ctx, cancel := m.writeContext()
	defer cancel()

	now := m.now().UTC()
	status := domain.CallStatusEnded
	_, err := m.store.UpdateRecord(ctx, s.id, domain.RecordUpdate{
		Status:    &status,
		EndedAt:   &now,
		EndReason: reason,
	})
	switch {
	case err == nil, errors.Is(err, domain.ErrRecordTerminal), errors.Is(err, domain.ErrRecordNotFound):
	default:
		s.log.Warn("Failed to mark call ended", zap.Error(err))
	}
}

func (s *session) historyEntry(ownerID string, rec *domain.CallRecord, status domain.CallStatus, reason string, d time.Duration, endedAt time.Time) *domain.CallLog {
	entry := &domain.CallLog{
		OwnerID:   ownerID,
		CallID:    s.id,
		PeerID:    s.remote.ID,
		Kind:      s.kind,
		Direction: string(s.role),
		Status:    status,
		Reason:    reason,
		EndedAt:   endedAt.UTC(),
		Duration:  int(d / time.Second),
	}
	if rec != nil {
		entry.StartedAt = rec.CreatedAt
	} else {
		entry.StartedAt = endedAt.Add(-d).UTC()
	}
	return entry
}

func (m *Machine) recordHistory(entry *domain.CallLog) {
	if m.history == nil {
		return
	}
	m.spawn(func() {
		ctx, cancel := m.writeContext()
		defer cancel()
		if err := m.history.Save(ctx, entry); err != nil {
			m.log.Warn("Failed to save call history",
				zap.String("call_id", entry.CallID),
				zap.Error(err))
		}
	})
}

type pendingDeletion struct {
	timer *time.Timer
	due   time.Time
}

// scheduleDelete removes the record after the grace period so the other
// party observes the terminal status first
func (m *Machine) scheduleDelete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deletions[id]; ok {
		return
	}
	d := &pendingDeletion{due: time.Now().Add(m.cfg.DeleteGracePeriod)}
	d.timer = time.AfterFunc(m.cfg.DeleteGracePeriod, func() {
		if m.takeDeletion(id, d) {
			m.deleteRecord(id)
		}
	})
	m.deletions[id] = d
}

// takeDeletion claims d so exactly one of its timer and Close deletes id
func (m *Machine) takeDeletion(id string, d *pendingDeletion) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deletions[id] != d {
		return false
	}
	delete(m.deletions, id)
	return true
}

func (m *Machine) deleteRecord(id string) {
	ctx, cancel := m.writeContext()
	defer cancel()
	if err := m.store.DeleteRecord(ctx, id); err != nil {
		m.log.Warn("Failed to delete call record", zap.String("call_id", id), zap.Error(err))
		return
	}
	m.log.Debug("Call record deleted", zap.String("call_id", id))
}

// flushDeletions runs the pending deletions due before the close timeout,
// each no earlier than its grace period allows
func (m *Machine) flushDeletions() {
	deadline := time.Now().Add(m.cfg.CloseTimeout)

	type due struct {
		id string
		d  *pendingDeletion
	}
	m.mu.Lock()
	var ready []due
	for id, d := range m.deletions {
		if !d.due.After(deadline) {
			ready = append(ready, due{id, d})
		}
	}
	left := len(m.deletions) - len(ready)
	m.mu.Unlock()
	sort.Slice(ready, func(i, j int) bool { return ready[i].d.due.Before(ready[j].d.due) })

	for _, r := range ready {
		if wait := time.Until(r.d.due); wait > 0 {
			time.Sleep(wait)
		}
		if m.takeDeletion(r.id, r.d) {
			r.d.timer.Stop()
			m.deleteRecord(r.id)
		}
	}
	if left > 0 {
		m.log.Info("Leaving call records to their deletion timers", zap.Int("records", left))
	}
}
