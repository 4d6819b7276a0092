package call

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"duocall-backend/internal/domain"
	"duocall-backend/internal/peer"
)

// ErrAudioOnly is returned when toggling video on an audio call
var ErrAudioOnly = errors.New("video is not available in an audio call")

// ToggleAudio mutes or unmutes the microphone
func (m *Machine) ToggleAudio(ctx context.Context) error {
	return m.toggle(func(s *session) error {
		s.audio = !s.audio
		return nil
	})
}

// ToggleVideo stops or resumes sending the camera
func (m *Machine) ToggleVideo(ctx context.Context) error {
	return m.toggle(func(s *session) error {
		if s.kind != domain.CallKindVideo {
			return ErrAudioOnly
		}
		s.video = !s.video
		return nil
	})
}

// ToggleSpeaker switches audio output between earpiece and speaker
func (m *Machine) ToggleSpeaker(ctx context.Context) error {
	return m.toggle(func(s *session) error {
		s.speaker = !s.speaker
		return nil
	})
}

func (m *Machine) toggle(flip func(*session) error) error {
	m.mu.Lock()
	s := m.sess
	if s == nil || s.ended {
		m.mu.Unlock()
		return ErrNoActiveCall
	}
	if err := flip(s); err != nil {
		m.mu.Unlock()
		return err
	}
	m.emitLocked(Event{
		Type:    EventTogglesChanged,
		CallID:  s.id,
		Audio:   s.audio,
		Video:   s.video,
		Speaker: s.speaker,
	})
	p := s.peer
	m.mu.Unlock()

	if p == nil {
		return nil
	}
	return m.applyTracks(s, p)
}

// applyTracks pushes the current flags to the connection and audio router.
// Serialized per session so the last flip always wins.
func (m *Machine) applyTracks(s *session, p Peer) error {
	s.trackMu.Lock()
	defer s.trackMu.Unlock()

	m.mu.Lock()
	if s.ended {
		m.mu.Unlock()
		return nil
	}
	audio, video, speaker := s.audio, s.video, s.speaker
	kind := s.kind
	m.mu.Unlock()

	var errs []error
	if err := p.SetTrackEnabled(webrtc.RTPCodecTypeAudio, audio); err != nil {
		errs = append(errs, err)
	}
	if kind == domain.CallKindVideo {
		if err := p.SetTrackEnabled(webrtc.RTPCodecTypeVideo, video); err != nil {
			errs = append(errs, err)
		}
	}
	if m.audio != nil {
		if err := m.audio.SetSpeaker(speaker); err != nil {
			errs = append(errs, err)
		}
	}

	var out error
	for _, err := range errs {
		if errors.Is(err, peer.ErrNoLocalMedia) || errors.Is(err, peer.ErrClosed) {
			continue
		}
		s.log.Warn("Failed to apply media toggles", zap.Error(err))
		if out == nil {
			out = err
		}
	}
	return out
}
