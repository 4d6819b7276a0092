package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"duocall-backend/internal/domain"
	"duocall-backend/internal/ice"
	"duocall-backend/internal/media"
	"duocall-backend/internal/peer"
	"duocall-backend/internal/signaling"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// fakeProvider hands out streams, optionally blocking until gate is closed
type fakeProvider struct {
	err     error
	gate    chan struct{}
	started chan struct{}

	mu      sync.Mutex
	streams []*media.Stream
}

func (p *fakeProvider) Acquire(ctx context.Context, c media.Constraints) (*media.Stream, error) {
	if p.started != nil {
		select {
		case p.started <- struct{}{}:
		default:
		}
	}
	if p.gate != nil {
		<-p.gate
	}
	if p.err != nil {
		return nil, p.err
	}

	var tracks []webrtc.TrackLocal
	if c.Audio {
		t, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "fake")
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	if c.Video {
		t, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "fake")
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	s := media.NewStream(fmt.Sprintf("stream-%d", len(p.streams)), tracks, nil)
	p.streams = append(p.streams, s)
	return s, nil
}

func (p *fakeProvider) all() []*media.Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*media.Stream(nil), p.streams...)
}

// fakePeer mimics peer.Wrapper without any networking. Local candidates are
// produced when a local description is created.
type fakePeer struct {
	name     string
	provider media.Provider
	queue    *ice.Queue

	mu          sync.Mutex
	closed      bool
	closeCalls  int
	stream      *media.Stream
	remote      *domain.SessionDescription
	applied     []string
	enabled     map[webrtc.RTPCodecType]bool
	onCandidate func(domain.IceCandidate)
	onState     func(peer.State)
	onEnded     func(error)
	stats       peer.Stats
	sink        peer.RemoteSink
	offerErr    error
}

func newFakePeer(name string, provider media.Provider) *fakePeer {
	p := &fakePeer{name: name, provider: provider, enabled: make(map[webrtc.RTPCodecType]bool)}
	p.queue = ice.NewQueue(func(c domain.IceCandidate) error {
		p.mu.Lock()
		p.applied = append(p.applied, c.Candidate)
		p.mu.Unlock()
		return nil
	})
	return p
}

func (p *fakePeer) InitLocalMedia(ctx context.Context, c media.Constraints) (*media.Stream, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, peer.ErrClosed
	}

	stream, err := p.provider.Acquire(ctx, c)
	if err != nil {
		return nil, media.Classify(err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		stream.Release()
		return nil, peer.ErrClosed
	}
	p.stream = stream
	stream.OnEnded(func(err error) {
		p.mu.Lock()
		fn := p.onEnded
		p.mu.Unlock()
		if fn != nil {
			fn(err)
		}
	})
	for _, t := range stream.Tracks() {
		p.enabled[t.Kind()] = true
	}
	return stream, nil
}

func (p *fakePeer) gather(kind string) {
	p.mu.Lock()
	fn := p.onCandidate
	p.mu.Unlock()
	if fn == nil {
		return
	}
	for i := 0; i < 3; i++ {
		fn(domain.IceCandidate{Candidate: fmt.Sprintf("%s-%s-%d", p.name, kind, i)})
	}
}

func (p *fakePeer) CreateOffer() (domain.SessionDescription, error) {
	if p.offerErr != nil {
		return domain.SessionDescription{}, p.offerErr
	}
	p.gather("offer")
	return domain.SessionDescription{Type: "offer", SDP: "v=0 offer " + p.name}, nil
}

func (p *fakePeer) AcceptOffer(desc domain.SessionDescription) error {
	if desc.Type != "offer" {
		return errors.New("not an offer")
	}
	p.mu.Lock()
	p.remote = &desc
	p.mu.Unlock()
	return p.queue.MarkRemoteDescriptionSet()
}

func (p *fakePeer) CreateAnswer() (domain.SessionDescription, error) {
	p.gather("answer")
	return domain.SessionDescription{Type: "answer", SDP: "v=0 answer " + p.name}, nil
}

func (p *fakePeer) AcceptAnswer(desc domain.SessionDescription) (bool, error) {
	p.mu.Lock()
	if p.remote != nil {
		p.mu.Unlock()
		return false, nil
	}
	p.remote = &desc
	p.mu.Unlock()
	return true, p.queue.MarkRemoteDescriptionSet()
}

func (p *fakePeer) AddRemoteCandidate(c domain.IceCandidate) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return peer.ErrClosed
	}
	return p.queue.Add(c)
}

func (p *fakePeer) OnLocalCandidate(fn func(domain.IceCandidate)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnStateChange(fn func(peer.State)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnMediaEnded(fn func(error)) {
	p.mu.Lock()
	p.onEnded = fn
	p.mu.Unlock()
}

func (p *fakePeer) SetTrackEnabled(kind webrtc.RTPCodecType, enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return peer.ErrClosed
	}
	if _, ok := p.enabled[kind]; !ok {
		return peer.ErrNoLocalMedia
	}
	p.enabled[kind] = enabled
	return nil
}

func (p *fakePeer) AttachSink(sink peer.RemoteSink) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sink != nil {
		return peer.ErrSinkAttached
	}
	p.sink = sink
	return nil
}

func (p *fakePeer) Stats() peer.Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closeCalls++
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	stream := p.stream
	p.mu.Unlock()

	if stream != nil {
		stream.Release()
	}
	return nil
}

func (p *fakePeer) setState(st peer.State) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	fn(st)
}

func (p *fakePeer) setStats(st peer.Stats) {
	p.mu.Lock()
	p.stats = st
	p.mu.Unlock()
}

func (p *fakePeer) appliedCandidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.applied...)
}

func (p *fakePeer) trackEnabled(kind webrtc.RTPCodecType) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled[kind]
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type peerFactory struct {
	name     string
	provider *fakeProvider
	err      error

	mu    sync.Mutex
	peers []*fakePeer
}

func (f *peerFactory) New(callID string) (Peer, error) {
	if f.err != nil {
		return nil, f.err
	}
	p := newFakePeer(f.name, f.provider)
	f.mu.Lock()
	f.peers = append(f.peers, p)
	f.mu.Unlock()
	return p, nil
}

func (f *peerFactory) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

type notification struct {
	kind   string
	userID string
	callID string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (n *fakeNotifier) add(kind, userID, callID string) {
	n.mu.Lock()
	n.sent = append(n.sent, notification{kind, userID, callID})
	n.mu.Unlock()
}

func (n *fakeNotifier) PostIncomingCall(calleeID string, rec *domain.CallRecord) {
	n.add("incoming", calleeID, rec.ID)
}

func (n *fakeNotifier) RemoveIncomingCall(userID, callID string) {
	n.add("remove", userID, callID)
}

func (n *fakeNotifier) PostMissedCall(calleeID string, rec *domain.CallRecord) {
	n.add("missed", calleeID, rec.ID)
}

func (n *fakeNotifier) has(kind, userID, callID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.sent {
		if s == (notification{kind, userID, callID}) {
			return true
		}
	}
	return false
}

type fakeHistory struct {
	mu      sync.Mutex
	entries []domain.CallLog
}

func (h *fakeHistory) Save(ctx context.Context, log *domain.CallLog) error {
	h.mu.Lock()
	h.entries = append(h.entries, *log)
	h.mu.Unlock()
	return nil
}

func (h *fakeHistory) all() []domain.CallLog {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.CallLog(nil), h.entries...)
}

type fakeMetrics struct {
	mu         sync.Mutex
	started    int
	ended      int
	failures   []string
	reconnects int
	left       int
}

func (f *fakeMetrics) CallStarted(domain.CallKind) {
	f.mu.Lock()
	f.started++
	f.mu.Unlock()
}

func (f *fakeMetrics) CallEnded(domain.CallKind, domain.CallStatus, string, time.Duration) {
	f.mu.Lock()
	f.ended++
	f.mu.Unlock()
}

func (f *fakeMetrics) CallFailed(reason string) {
	f.mu.Lock()
	f.failures = append(f.failures, reason)
	f.mu.Unlock()
}

func (f *fakeMetrics) ReconnectAttempt() {
	f.mu.Lock()
	f.reconnects++
	f.mu.Unlock()
}

func (f *fakeMetrics) CallLeft() {
	f.mu.Lock()
	f.left++
	f.mu.Unlock()
}

func (f *fakeMetrics) endedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ended
}

type fakeRouter struct {
	mu      sync.Mutex
	speaker bool
}

func (r *fakeRouter) SetSpeaker(on bool) error {
	r.mu.Lock()
	r.speaker = on
	r.mu.Unlock()
	return nil
}

func (r *fakeRouter) on() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.speaker
}

// gatedStore blocks UpdateRecord while gate is open
type gatedStore struct {
	*signaling.MemoryStore
	gate    chan struct{}
	entered chan struct{}
}

func (g *gatedStore) UpdateRecord(ctx context.Context, id string, u domain.RecordUpdate) (bool, error) {
	if g.gate != nil {
		select {
		case g.entered <- struct{}{}:
		default:
		}
		<-g.gate
	}
	return g.MemoryStore.UpdateRecord(ctx, id, u)
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) of(t EventType) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// side is one user's machine with its fakes
type side struct {
	m        *Machine
	peers    *peerFactory
	provider *fakeProvider
	notifier *fakeNotifier
	history  *fakeHistory
	metrics  *fakeMetrics
	router   *fakeRouter
	events   *eventLog
}

func testConfig() Config {
	return Config{
		DeleteGracePeriod:    50 * time.Millisecond,
		CloseTimeout:         time.Second,
		MaxReconnectAttempts: 3,
		QualityInterval:      10 * time.Millisecond,
		TickInterval:         10 * time.Millisecond,
		WriteTimeout:         time.Second,
	}
}

func newSide(t *testing.T, cfg Config, store signaling.Store, self, partner Identity) *side {
	t.Helper()
	sd := &side{
		provider: &fakeProvider{},
		notifier: &fakeNotifier{},
		history:  &fakeHistory{},
		metrics:  &fakeMetrics{},
		router:   &fakeRouter{},
		events:   &eventLog{},
	}
	sd.peers = &peerFactory{name: self.ID, provider: sd.provider}

	m, err := NewMachine(cfg, Deps{
		Identity: StaticIdentity{SelfIdentity: self, PartnerIdentity: partner},
		Store:    store,
		NewPeer:  sd.peers.New,
		Notifier: sd.notifier,
		Audio:    sd.router,
		History:  sd.history,
		Metrics:  sd.metrics,
	})
	require.NoError(t, err)
	m.Subscribe(sd.events.add)
	t.Cleanup(func() { _ = m.Close() })
	sd.m = m
	return sd
}

var (
	alice = Identity{ID: "alice", Name: "Alice"}
	bob   = Identity{ID: "bob", Name: "Bob"}
)

func newPair(t *testing.T, cfg Config, store signaling.Store) (caller, callee *side) {
	t.Helper()
	caller = newSide(t, cfg, store, alice, bob)
	callee = newSide(t, cfg, store, bob, alice)
	require.NoError(t, callee.m.Watch(context.Background()))
	return caller, callee
}

func waitPhase(t *testing.T, sd *side, phase Phase) {
	t.Helper()
	require.Eventually(t, func() bool { return sd.m.State().Phase == phase }, waitFor, tick,
		"expected phase %s, have %s", phase, sd.m.State().Phase)
}

func waitIncoming(t *testing.T, sd *side) *domain.CallRecord {
	t.Helper()
	require.Eventually(t, func() bool { return sd.m.State().Incoming != nil }, waitFor, tick)
	return sd.m.State().Incoming
}

// establish runs a full call setup and returns the call id
func establish(t *testing.T, caller, callee *side, kind domain.CallKind) string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, caller.m.StartCall(ctx, kind))
	rec := waitIncoming(t, callee)
	require.NoError(t, callee.m.AnswerCall(ctx, rec.ID, nil))
	waitPhase(t, caller, PhaseActive)
	return rec.ID
}

// waitEvents waits until at least n events of type typ were delivered
func waitEvents(t *testing.T, sd *side, typ EventType, n int) []Event {
	t.Helper()
	require.Eventually(t, func() bool { return len(sd.events.of(typ)) >= n }, waitFor, tick,
		"expected %d %s events", n, typ)
	return sd.events.of(typ)
}
