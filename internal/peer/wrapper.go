// Package peer wraps a single Pion peer connection for a one-to-one call:
// local media, offer/answer, trickled candidates and remote media delivery.
package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"duocall-backend/internal/domain"
	"duocall-backend/internal/ice"
	"duocall-backend/internal/media"
)

var (
	// ErrClosed is returned by operations on a closed wrapper
	ErrClosed = errors.New("peer connection closed")
	// ErrSinkAttached is returned when a second remote sink is attached
	ErrSinkAttached = errors.New("remote sink already attached")
	// ErrNoLocalMedia is returned when toggling a track that was never acquired
	ErrNoLocalMedia = errors.New("no local track of that kind")
)

// State is the connection state reported to the call machine
type State string

const (
	StateNew          State = "new"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

func stateOf(s webrtc.PeerConnectionState) State {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	default:
		return StateNew
	}
}

// Config configures the peer connection
type Config struct {
	ICEServers          []string
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
	Logger              *zap.Logger
	TracePion           bool
}

// Wrapper owns one peer connection and the local stream feeding it
type Wrapper struct {
	pc       *webrtc.PeerConnection
	provider media.Provider
	queue    *ice.Queue
	log      *zap.Logger

	writeRTCP func([]rtcp.Packet) error

	mu      sync.Mutex
	closed  bool
	stream  *media.Stream
	senders map[webrtc.RTPCodecType]*webrtc.RTPSender
	tracks  map[webrtc.RTPCodecType]webrtc.TrackLocal
	enabled map[webrtc.RTPCodecType]bool
	sink    RemoteSink
	remotes []*remoteEntry

	onMediaEnded func(error)

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New builds the Pion API (codecs, default interceptors, ICE timeouts, zap
// logging) and opens a peer connection.
func New(cfg Config, provider media.Provider) (*Wrapper, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	mediaEngine := &webrtc.MediaEngine{}
	if reg, ok := provider.(media.CodecRegistrar); ok {
		if err := reg.RegisterCodecs(mediaEngine); err != nil {
			return nil, fmt.Errorf("failed to register codecs: %w", err)
		}
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: NewZapLoggerFactory(log, cfg.TracePion)}
	if cfg.DisconnectedTimeout > 0 && cfg.FailedTimeout > 0 {
		se.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)

	rtcCfg := webrtc.Configuration{}
	if len(cfg.ICEServers) > 0 {
		rtcCfg.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}

	pc, err := api.NewPeerConnection(rtcCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	w := &Wrapper{
		pc:        pc,
		provider:  provider,
		log:       log,
		writeRTCP: pc.WriteRTCP,
		senders:   make(map[webrtc.RTPCodecType]*webrtc.RTPSender),
		tracks:    make(map[webrtc.RTPCodecType]webrtc.TrackLocal),
		enabled:   make(map[webrtc.RTPCodecType]bool),
	}
	w.queue = ice.NewQueue(w.applyCandidate)

	pc.OnTrack(func(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		w.addRemoteTrack(t)
	})

	return w, nil
}

// InitLocalMedia acquires local tracks and adds them to the connection. If the
// wrapper was closed while acquisition was in progress the stream is released
// and ErrClosed is returned.
func (w *Wrapper) InitLocalMedia(ctx context.Context, c media.Constraints) (*media.Stream, error) {
	if w.isClosed() {
		return nil, ErrClosed
	}

	stream, err := w.provider.Acquire(ctx, c)
	if err != nil {
		return nil, media.Classify(err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		stream.Release()
		return nil, ErrClosed
	}
	if w.stream != nil {
		stream.Release()
		return w.stream, nil
	}

	for _, t := range stream.Tracks() {
		sender, err := w.pc.AddTrack(t)
		if err != nil {
			stream.Release()
			return nil, fmt.Errorf("failed to add %s track: %w", t.Kind(), err)
		}
		w.senders[t.Kind()] = sender
		w.tracks[t.Kind()] = t
		w.enabled[t.Kind()] = true
		w.drainRTCP(sender)
	}
	w.stream = stream
	stream.OnEnded(w.mediaEnded)

	w.log.Info("Local media attached",
		zap.String("stream_id", stream.ID),
		zap.Int("tracks", len(stream.Tracks())))

	return stream, nil
}

// drainRTCP reads incoming RTCP so interceptors (NACK, reports) keep working
func (w *Wrapper) drainRTCP(sender *webrtc.RTPSender) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
}

// CreateOffer creates an offer and sets it as the local description
func (w *Wrapper) CreateOffer() (domain.SessionDescription, error) {
	if w.isClosed() {
		return domain.SessionDescription{}, ErrClosed
	}
	offer, err := w.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := w.pc.SetLocalDescription(offer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to set local offer: %w", err)
	}
	return domain.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

// AcceptOffer sets a remote offer and releases queued candidates
func (w *Wrapper) AcceptOffer(desc domain.SessionDescription) error {
	if w.isClosed() {
		return ErrClosed
	}
	if err := desc.Validate(); err != nil {
		return err
	}
	if err := w.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: desc.SDP}); err != nil {
		return fmt.Errorf("failed to set remote offer: %w", err)
	}
	w.drainCandidates()
	return nil
}

// CreateAnswer creates an answer to the accepted offer and sets it locally
func (w *Wrapper) CreateAnswer() (domain.SessionDescription, error) {
	if w.isClosed() {
		return domain.SessionDescription{}, ErrClosed
	}
	answer, err := w.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := w.pc.SetLocalDescription(answer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to set local answer: %w", err)
	}
	return domain.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

// AcceptAnswer sets the remote answer. It returns false without error when
// the connection is already stable, so repeated deliveries are harmless.
func (w *Wrapper) AcceptAnswer(desc domain.SessionDescription) (bool, error) {
	if w.isClosed() {
		return false, ErrClosed
	}
	if w.pc.SignalingState() == webrtc.SignalingStateStable {
		return false, nil
	}
	if err := desc.Validate(); err != nil {
		return false, err
	}
	if err := w.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: desc.SDP}); err != nil {
		return false, fmt.Errorf("failed to set remote answer: %w", err)
	}
	w.drainCandidates()
	return true, nil
}

func (w *Wrapper) drainCandidates() {
	pending := w.queue.Pending()
	if err := w.queue.MarkRemoteDescriptionSet(); err != nil {
		w.log.Warn("Some queued candidates were rejected", zap.Error(err))
	}
	if pending > 0 {
		w.log.Debug("Drained queued candidates", zap.Int("count", pending))
	}
}

// AddRemoteCandidate applies c now or queues it until a remote description exists
func (w *Wrapper) AddRemoteCandidate(c domain.IceCandidate) error {
	if w.isClosed() {
		return ErrClosed
	}
	return w.queue.Add(c)
}

// PendingCandidates returns how many remote candidates are waiting
func (w *Wrapper) PendingCandidates() int {
	return w.queue.Pending()
}

func (w *Wrapper) applyCandidate(c domain.IceCandidate) error {
	return w.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

// OnLocalCandidate registers fn for each locally gathered candidate, in
// discovery order. The end-of-gathering marker is not forwarded.
func (w *Wrapper) OnLocalCandidate(fn func(domain.IceCandidate)) {
	w.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		fn(domain.IceCandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
}

// OnStateChange registers fn for connection state changes
func (w *Wrapper) OnStateChange(fn func(State)) {
	w.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		w.log.Debug("Peer connection state changed", zap.String("state", s.String()))
		fn(stateOf(s))
	})
}

// OnMediaEnded registers fn for local capture that stops during the call.
// fn receives a *media.AccessError.
func (w *Wrapper) OnMediaEnded(fn func(error)) {
	w.mu.Lock()
	w.onMediaEnded = fn
	w.mu.Unlock()
}

func (w *Wrapper) mediaEnded(err error) {
	w.mu.Lock()
	fn := w.onMediaEnded
	closed := w.closed
	w.mu.Unlock()

	w.log.Warn("Local media ended", zap.Error(err))
	if fn != nil && !closed {
		fn(err)
	}
}

// ConnectionState returns the current connection state
func (w *Wrapper) ConnectionState() State {
	return stateOf(w.pc.ConnectionState())
}

// SetTrackEnabled mutes or unmutes the local track of kind by swapping it out
// of its sender. The local capture keeps running.
func (w *Wrapper) SetTrackEnabled(kind webrtc.RTPCodecType, enabled bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	sender, ok := w.senders[kind]
	if !ok {
		return ErrNoLocalMedia
	}
	if w.enabled[kind] == enabled {
		return nil
	}

	var track webrtc.TrackLocal
	if enabled {
		track = w.tracks[kind]
	}
	if err := sender.ReplaceTrack(track); err != nil {
		return fmt.Errorf("failed to replace %s track: %w", kind, err)
	}
	w.enabled[kind] = enabled
	return nil
}

// TrackEnabled reports whether the local track of kind is being sent
func (w *Wrapper) TrackEnabled(kind webrtc.RTPCodecType) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enabled[kind]
}

// Close releases local media, stops remote forwarding and closes the
// connection. Safe to call more than once.
func (w *Wrapper) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		stream := w.stream
		w.stream = nil
		w.mu.Unlock()

		if stream != nil {
			stream.Release()
		}
		err = w.pc.Close()
		w.wg.Wait()
		w.log.Debug("Peer connection closed")
	})
	return err
}

func (w *Wrapper) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}
