// Package media acquires and releases local capture tracks for a call.
// Capture itself is delegated to Pion: sample tracks for injected media and
// pion/mediadevices for real devices on Linux.
package media

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"duocall-backend/internal/domain"
)

// Constraints selects which local tracks to capture
type Constraints struct {
	Audio bool
	Video bool
}

// ConstraintsFor maps a call kind to capture constraints. Video calls capture
// both tracks; audio calls capture audio only with video explicitly disabled.
func ConstraintsFor(kind domain.CallKind) Constraints {
	if kind == domain.CallKindVideo {
		return Constraints{Audio: true, Video: true}
	}
	return Constraints{Audio: true, Video: false}
}

// Provider acquires local capture streams
type Provider interface {
	Acquire(ctx context.Context, c Constraints) (*Stream, error)
}

// CodecRegistrar is implemented by providers whose tracks need specific
// codecs registered on the peer connection's media engine.
type CodecRegistrar interface {
	RegisterCodecs(me *webrtc.MediaEngine) error
}

// Stream is a set of local tracks acquired together
type Stream struct {
	ID string

	tracks  []webrtc.TrackLocal
	release func()

	mu       sync.Mutex
	released bool
	onEnded  func(error)
}

// NewStream wraps tracks; release is invoked exactly once by Release
func NewStream(id string, tracks []webrtc.TrackLocal, release func()) *Stream {
	return &Stream{ID: id, tracks: tracks, release: release}
}

// Tracks returns all local tracks
func (s *Stream) Tracks() []webrtc.TrackLocal {
	return s.tracks
}

// TracksOfKind returns the tracks of one codec type
func (s *Stream) TracksOfKind(kind webrtc.RTPCodecType) []webrtc.TrackLocal {
	var out []webrtc.TrackLocal
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// Release stops every track. Safe to call more than once.
func (s *Stream) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	s.mu.Unlock()

	if s.release != nil {
		s.release()
	}
}

// Released reports whether Release has run
func (s *Stream) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// OnEnded registers fn to be called when a capture device stops on its own
func (s *Stream) OnEnded(fn func(error)) {
	s.mu.Lock()
	s.onEnded = fn
	s.mu.Unlock()
}

// Interrupt reports that capture stopped on its own. The OnEnded callback
// receives err as an interrupted AccessError unless it already is one.
// Nothing is reported once the stream was released.
func (s *Stream) Interrupt(err error) {
	s.mu.Lock()
	fn := s.onEnded
	released := s.released
	s.mu.Unlock()

	if fn == nil || released {
		return
	}
	var ae *AccessError
	if !errors.As(err, &ae) {
		ae = NewAccessError(ReasonInterrupted, err)
	}
	fn(ae)
}
