//go:build linux && cgo

package media

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"duocall-backend/pkg/logger"
)

// DeviceProvider captures from local camera and microphone through
// pion/mediadevices (V4L2 and malgo).
type DeviceProvider struct {
	selector *mediadevices.CodecSelector
	maxW     int
	maxH     int
}

// NewDeviceProvider builds the VP8/Opus codec selector used for capture
func NewDeviceProvider(videoBitRate, maxWidth, maxHeight int) (*DeviceProvider, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	if videoBitRate > 0 {
		vpxParams.BitRate = videoBitRate
	}

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &DeviceProvider{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		maxW: maxWidth,
		maxH: maxHeight,
	}, nil
}

// RegisterCodecs populates the media engine with the selector's codecs
func (p *DeviceProvider) RegisterCodecs(me *webrtc.MediaEngine) error {
	p.selector.Populate(me)
	return nil
}

// Acquire opens the requested devices. GetUserMedia fails as a unit, so a
// failed video+audio capture is reported as-is rather than degrading.
func (p *DeviceProvider) Acquire(ctx context.Context, c Constraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewAccessError(ReasonInterrupted, err)
	}
	if !c.Audio && !c.Video {
		return nil, NewAccessError(ReasonUnsupportedEnvironment, errors.New("no tracks requested"))
	}

	if len(mediadevices.EnumerateDevices()) == 0 {
		return nil, NewAccessError(ReasonDeviceNotFound, errors.New("no media devices found"))
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: p.selector}
	if c.Video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			// MJPEG nodes on some cameras produce frames the VP8 encoder rejects
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			if p.maxW > 0 {
				mc.Width = prop.IntRanged{Max: p.maxW}
			}
			if p.maxH > 0 {
				mc.Height = prop.IntRanged{Max: p.maxH}
			}
		}
	}
	if c.Audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	ms, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, Classify(err)
	}

	devTracks := ms.GetTracks()
	tracks := make([]webrtc.TrackLocal, 0, len(devTracks))
	for _, t := range devTracks {
		tracks = append(tracks, t)
	}

	streamID := uuid.New().String()
	stream := NewStream(streamID, tracks, func() {
		for _, t := range devTracks {
			if err := t.Close(); err != nil {
				logger.Debug("Failed to close capture track", zap.Error(err))
			}
		}
	})

	// Sanity check the video encoder before handing the tracks out
	for _, t := range devTracks {
		if t.Kind() != webrtc.RTPCodecTypeVideo {
			continue
		}
		r, err := t.NewEncodedReader(webrtc.MimeTypeVP8)
		if err != nil {
			stream.Release()
			return nil, NewAccessError(ReasonDeviceBusy, err)
		}
		_ = r.Close()
	}

	for _, t := range devTracks {
		t.OnEnded(func(err error) {
			if err != nil {
				stream.Interrupt(err)
			}
		})
	}

	logger.Info("Local media captured",
		zap.String("stream_id", streamID),
		zap.Int("tracks", len(tracks)))

	return stream, nil
}
