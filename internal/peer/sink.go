package peer

import (
	"errors"
	"io"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// RemoteTrackInfo describes a remote track at attachment time
type RemoteTrackInfo struct {
	ID       string
	StreamID string
	Kind     webrtc.RTPCodecType
	SSRC     uint32
	Codec    webrtc.RTPCodecParameters
}

// RemoteSink consumes remote media. Attach is called once per remote track
// before any of its packets are written.
type RemoteSink interface {
	Attach(info RemoteTrackInfo)
	WriteRTP(info RemoteTrackInfo, p *rtp.Packet) error
}

// remoteTrack is the subset of *webrtc.TrackRemote the forwarder reads
type remoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	SSRC() webrtc.SSRC
	Codec() webrtc.RTPCodecParameters
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

type remoteEntry struct {
	track    remoteTrack
	attached bool
}

func infoOf(t remoteTrack) RemoteTrackInfo {
	return RemoteTrackInfo{
		ID:       t.ID(),
		StreamID: t.StreamID(),
		Kind:     t.Kind(),
		SSRC:     uint32(t.SSRC()),
		Codec:    t.Codec(),
	}
}

// AttachSink sets the consumer for remote media. Tracks already received are
// attached now; later tracks are attached as they arrive. Only the first sink
// is kept.
func (w *Wrapper) AttachSink(sink RemoteSink) error {
	if sink == nil {
		return errors.New("nil sink")
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if w.sink != nil {
		w.mu.Unlock()
		return ErrSinkAttached
	}
	w.sink = sink
	ready := w.claimUnattachedLocked()
	w.mu.Unlock()

	for _, t := range ready {
		w.startForwarder(sink, t)
	}
	return nil
}

// addRemoteTrack records a remote track and attaches it when a sink is present
func (w *Wrapper) addRemoteTrack(t remoteTrack) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.remotes = append(w.remotes, &remoteEntry{track: t})
	sink := w.sink
	var ready []remoteTrack
	if sink != nil {
		ready = w.claimUnattachedLocked()
	}
	w.mu.Unlock()

	w.log.Info("Remote track received",
		zap.String("kind", t.Kind().String()),
		zap.String("track_id", t.ID()))

	for _, rt := range ready {
		w.startForwarder(sink, rt)
	}
}

func (w *Wrapper) claimUnattachedLocked() []remoteTrack {
	var out []remoteTrack
	for _, e := range w.remotes {
		if !e.attached {
			e.attached = true
			out = append(out, e.track)
		}
	}
	return out
}

func (w *Wrapper) startForwarder(sink RemoteSink, t remoteTrack) {
	info := infoOf(t)
	sink.Attach(info)

	if info.Kind == webrtc.RTPCodecTypeVideo {
		// A fresh receiver needs a keyframe before it can render anything
		pli := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: info.SSRC}}
		if err := w.writeRTCP(pli); err != nil {
			w.log.Debug("Failed to send PLI", zap.Error(err))
		}
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			p, _, err := t.ReadRTP()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					w.log.Debug("Remote track read stopped", zap.String("track_id", info.ID), zap.Error(err))
				}
				return
			}
			if err := sink.WriteRTP(info, p); err != nil {
				w.log.Debug("Remote sink write failed", zap.String("track_id", info.ID), zap.Error(err))
				return
			}
		}
	}()
}

// PacketRecorder counts received media
type PacketRecorder interface {
	RecordRTPPacket(kind string, payloadBytes int)
}

// MeterSink is a RemoteSink that only counts packets. Next, when set,
// receives every packet after it is counted.
type MeterSink struct {
	Recorder PacketRecorder
	Next     RemoteSink
}

func (s *MeterSink) Attach(info RemoteTrackInfo) {
	if s.Next != nil {
		s.Next.Attach(info)
	}
}

func (s *MeterSink) WriteRTP(info RemoteTrackInfo, p *rtp.Packet) error {
	if s.Recorder != nil {
		s.Recorder.RecordRTPPacket(info.Kind.String(), len(p.Payload))
	}
	if s.Next != nil {
		return s.Next.WriteRTP(info, p)
	}
	return nil
}
