package call

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"duocall-backend/internal/domain"
	"duocall-backend/internal/media"
	"duocall-backend/internal/peer"
)

// Identity names one participant
type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// IdentityProvider resolves the local user and the current partner
type IdentityProvider interface {
	Self() Identity
	// Partner returns false while no partner is connected
	Partner() (Identity, bool)
}

// StaticIdentity is a fixed pair of users
type StaticIdentity struct {
	SelfIdentity    Identity
	PartnerIdentity Identity
}

func (s StaticIdentity) Self() Identity {
	return s.SelfIdentity
}

func (s StaticIdentity) Partner() (Identity, bool) {
	return s.PartnerIdentity, s.PartnerIdentity.ID != ""
}

// Notifier delivers out-of-band notifications. Implementations must not block.
type Notifier interface {
	PostIncomingCall(calleeID string, rec *domain.CallRecord)
	RemoveIncomingCall(userID, callID string)
	PostMissedCall(calleeID string, rec *domain.CallRecord)
}

// AudioRouter switches audio output between earpiece and speaker
type AudioRouter interface {
	SetSpeaker(on bool) error
}

// HistoryRecorder persists finished calls
type HistoryRecorder interface {
	Save(ctx context.Context, log *domain.CallLog) error
}

// Metrics observes call lifecycle events
type Metrics interface {
	CallStarted(kind domain.CallKind)
	CallEnded(kind domain.CallKind, status domain.CallStatus, reason string, duration time.Duration)
	CallFailed(reason string)
	ReconnectAttempt()
	// CallLeft balances a CallStarted once that call is cleaned up
	CallLeft()
}

// Peer is the slice of *peer.Wrapper the machine drives
type Peer interface {
	InitLocalMedia(ctx context.Context, c media.Constraints) (*media.Stream, error)
	CreateOffer() (domain.SessionDescription, error)
	AcceptOffer(desc domain.SessionDescription) error
	CreateAnswer() (domain.SessionDescription, error)
	AcceptAnswer(desc domain.SessionDescription) (bool, error)
	AddRemoteCandidate(c domain.IceCandidate) error
	OnLocalCandidate(fn func(domain.IceCandidate))
	OnStateChange(fn func(peer.State))
	OnMediaEnded(fn func(error))
	SetTrackEnabled(kind webrtc.RTPCodecType, enabled bool) error
	AttachSink(sink peer.RemoteSink) error
	Stats() peer.Stats
	Close() error
}

// PeerFactory opens a fresh peer connection for one call
type PeerFactory func(callID string) (Peer, error)

// WrapperFactory builds a PeerFactory over peer.New. Each wrapper logs with
// the call id attached.
func WrapperFactory(cfg peer.Config, provider media.Provider) PeerFactory {
	base := cfg.Logger
	if base == nil {
		base = zap.NewNop()
	}
	return func(callID string) (Peer, error) {
		c := cfg
		c.Logger = base.With(zap.String("call_id", callID))
		return peer.New(c, provider)
	}
}

type nopNotifier struct{}

func (nopNotifier) PostIncomingCall(string, *domain.CallRecord) {}
func (nopNotifier) RemoveIncomingCall(string, string)           {}
func (nopNotifier) PostMissedCall(string, *domain.CallRecord)   {}

type nopMetrics struct{}

func (nopMetrics) CallStarted(domain.CallKind)                                         {}
func (nopMetrics) CallEnded(domain.CallKind, domain.CallStatus, string, time.Duration) {}
func (nopMetrics) CallFailed(string)                                                   {}
func (nopMetrics) ReconnectAttempt()                                                   {}
func (nopMetrics) CallLeft()                                                           {}
