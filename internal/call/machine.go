// Package call runs the per-user call state machine. It turns user intents
// (start, answer, reject, end) and changes observed on the signaling channel
// into peer connection actions, and guarantees that every session is cleaned
// up exactly once.
package call

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"duocall-backend/internal/domain"
	"duocall-backend/internal/peer"
	"duocall-backend/internal/signaling"
)

// ErrMachineClosed is returned by operations after Close
var ErrMachineClosed = errors.New("call machine closed")

// Config tunes timing and limits of the machine
type Config struct {
	DeleteGracePeriod    time.Duration
	CloseTimeout         time.Duration // longest Close waits for grace periods
	MaxReconnectAttempts int
	ReconnectBackoff     time.Duration
	QualityInterval      time.Duration
	RingTimeout          time.Duration // 0 disables
	TickInterval         time.Duration
	WriteTimeout         time.Duration
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		DeleteGracePeriod:    5 * time.Second,
		CloseTimeout:         10 * time.Second,
		MaxReconnectAttempts: 3,
		ReconnectBackoff:     2 * time.Second,
		QualityInterval:      5 * time.Second,
		RingTimeout:          45 * time.Second,
		TickInterval:         time.Second,
		WriteTimeout:         10 * time.Second,
	}
}

// Deps are the collaborators of a Machine. Identity, Store and NewPeer are
// required.
type Deps struct {
	Identity IdentityProvider
	Store    signaling.Store
	NewPeer  PeerFactory
	Notifier Notifier
	Audio    AudioRouter
	History  HistoryRecorder
	Metrics  Metrics
	Logger   *zap.Logger
	// NewSink, when set, supplies the consumer of each call's remote media
	NewSink func(callID string) peer.RemoteSink
}

type op string

const (
	opStart  op = "start"
	opAnswer op = "answer"
	opReject op = "reject"
)

type incomingCall struct {
	rec   *domain.CallRecord
	unsub signaling.Unsubscribe
}

// Machine owns the call state of one user session. All state lives behind mu;
// operations release it across every suspension point and re-check their
// session afterwards.
type Machine struct {
	cfg      Config
	identity IdentityProvider
	store    signaling.Store
	newPeer  PeerFactory
	notifier Notifier
	audio    AudioRouter
	history  HistoryRecorder
	metrics  Metrics
	newSink  func(callID string) peer.RemoteSink
	log      *zap.Logger

	now   func() time.Time
	newID func() string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	closed     bool
	phase      Phase
	pending    domain.CallKind
	sess       *session
	incoming   *incomingCall
	seen       map[string]time.Time
	deferred   map[string]*domain.CallRecord // ringing calls that arrived while busy
	inflight   map[op]bool
	deletions  map[string]*pendingDeletion
	watchUnsub signaling.Unsubscribe

	events  *serial[Event]
	subMu   sync.Mutex
	subs    map[int]func(Event)
	nextSub int
}

// NewMachine creates an idle machine
func NewMachine(cfg Config, deps Deps) (*Machine, error) {
	if deps.Identity == nil || deps.Store == nil || deps.NewPeer == nil {
		return nil, fmt.Errorf("identity, store and peer factory are required")
	}
	if deps.Identity.Self().ID == "" {
		return nil, fmt.Errorf("self identity is required")
	}
	if cfg.MaxReconnectAttempts < 1 {
		return nil, fmt.Errorf("max reconnect attempts must be at least 1")
	}
	if cfg.TickInterval <= 0 || cfg.QualityInterval <= 0 {
		return nil, fmt.Errorf("tick and quality intervals must be positive")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = DefaultConfig().CloseTimeout
	}

	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = nopNotifier{}
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		cfg:       cfg,
		identity:  deps.Identity,
		store:     deps.Store,
		newPeer:   deps.NewPeer,
		notifier:  notifier,
		audio:     deps.Audio,
		history:   deps.History,
		metrics:   metrics,
		newSink:   deps.NewSink,
		log:       log.With(zap.String("user_id", deps.Identity.Self().ID)),
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
		ctx:       ctx,
		cancel:    cancel,
		phase:     PhaseIdle,
		seen:      make(map[string]time.Time),
		deferred:  make(map[string]*domain.CallRecord),
		inflight:  make(map[op]bool),
		deletions: make(map[string]*pendingDeletion),
		subs:      make(map[int]func(Event)),
	}
	m.events = newSerial(m.deliver, false)
	return m, nil
}

// State returns a snapshot of the machine
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := State{
		Phase:                m.phase,
		Audio:                true,
		Video:                true,
		Quality:              QualityUnknown,
		MaxReconnectAttempts: m.cfg.MaxReconnectAttempts,
	}
	if m.phase == PhasePermissionPending {
		st.Kind = m.pending
	}
	if m.incoming != nil {
		st.Incoming = m.incoming.rec.Clone()
	}
	if s := m.sess; s != nil {
		remote := s.remote
		st.CallID = s.id
		st.Kind = s.kind
		st.Role = s.role
		st.Peer = &remote
		st.Audio = s.audio
		st.Video = s.video
		st.Speaker = s.speaker
		st.Quality = s.quality
		st.ConnectionState = s.connState
		st.ReconnectAttempt = s.attempts
		st.Reconnecting = s.reconnecting
		if s.active {
			st.Duration = m.now().Sub(s.activeAt)
		}
	}
	return st
}

// Subscribe registers fn for every event. Events are delivered on one
// goroutine in the order they happened.
func (m *Machine) Subscribe(fn func(Event)) func() {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

func (m *Machine) deliver(ev Event) {
	m.subMu.Lock()
	ids := make([]int, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.subs[id])
	}
	m.subMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// emitLocked queues ev; mu must be held so events follow state order
func (m *Machine) emitLocked(ev Event) {
	ev.At = m.now()
	m.events.push(ev)
}

func (m *Machine) setPhaseLocked(p Phase) {
	if m.phase == p {
		return
	}
	m.phase = p
	ev := Event{Type: EventPhaseChanged, Phase: p}
	if m.sess != nil {
		ev.CallID = m.sess.id
	}
	m.emitLocked(ev)
}

// RequestCall moves idle to permission-pending while the UI asks the user
// for capture permission. Repeating it only updates the kind.
func (m *Machine) RequestCall(ctx context.Context, kind domain.CallKind) error {
	if !kind.Valid() {
		return fmt.Errorf("invalid call kind %q", kind)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrMachineClosed
	}
	switch m.phase {
	case PhaseIdle:
		if m.incoming != nil {
			return ErrCallInProgress
		}
		m.pending = kind
		m.setPhaseLocked(PhasePermissionPending)
		return nil
	case PhasePermissionPending:
		m.pending = kind
		return nil
	default:
		return ErrCallInProgress
	}
}

// CancelPermission returns permission-pending to idle
func (m *Machine) CancelPermission(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase == PhasePermissionPending {
		m.pending = ""
		m.setPhaseLocked(PhaseIdle)
	}
	return nil
}

// acquire takes the in-flight token for o
func (m *Machine) acquire(o op) error {
	if m.closed {
		return ErrMachineClosed
	}
	if m.inflight[o] {
		return ErrOperationInFlight
	}
	m.inflight[o] = true
	return nil
}

func (m *Machine) release(o op) {
	m.mu.Lock()
	delete(m.inflight, o)
	m.mu.Unlock()
}

// writeContext bounds store writes independently of the session so that a
// write racing with cleanup still completes and can be reconciled.
func (m *Machine) writeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), m.cfg.WriteTimeout)
}

// spawn runs fn in a tracked goroutine, or inline once the machine is closed
func (m *Machine) spawn(fn func()) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		fn()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		fn()
	}()
}

// Close ends any call and stops observing the directory. It waits out the
// grace period of pending record deletions that fall due within
// Config.CloseTimeout; later ones are left to their timers and the store TTL.
func (m *Machine) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	s := m.sess
	inc := m.incoming
	m.incoming = nil
	watch := m.watchUnsub
	m.watchUnsub = nil
	m.mu.Unlock()

	if watch != nil {
		watch()
	}
	if inc != nil && inc.unsub != nil {
		inc.unsub()
	}
	if s != nil {
		m.endSession(s, ReasonShutdown, true)
	}
	m.cancel()
	m.flushDeletions()
	m.wg.Wait()
	m.events.stop(true)

	m.log.Info("Call machine closed")
	return nil
}
