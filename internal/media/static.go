package media

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// StaticProvider produces Pion sample tracks (Opus audio, VP8 video) that the
// host application feeds with WriteSample. It never touches capture hardware.
type StaticProvider struct{}

// NewStaticProvider creates a StaticProvider
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{}
}

// RegisterCodecs registers Pion's default codecs
func (p *StaticProvider) RegisterCodecs(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

// Acquire creates one sample track per requested kind
func (p *StaticProvider) Acquire(ctx context.Context, c Constraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewAccessError(ReasonInterrupted, err)
	}
	if !c.Audio && !c.Video {
		return nil, NewAccessError(ReasonUnsupportedEnvironment, fmt.Errorf("no tracks requested"))
	}

	streamID := uuid.New().String()
	var tracks []webrtc.TrackLocal

	if c.Audio {
		t, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio", streamID)
		if err != nil {
			return nil, Classify(err)
		}
		tracks = append(tracks, t)
	}
	if c.Video {
		t, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", streamID)
		if err != nil {
			return nil, Classify(err)
		}
		tracks = append(tracks, t)
	}

	return NewStream(streamID, tracks, nil), nil
}
