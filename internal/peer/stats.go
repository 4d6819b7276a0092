package peer

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// Stats is a cumulative snapshot of inbound RTP counters
type Stats struct {
	PacketsReceived uint64
	PacketsLost     int64
	Jitter          time.Duration // worst inbound stream
}

// LossSince returns the fraction of packets lost between prev and s
func (s Stats) LossSince(prev Stats) float64 {
	received := int64(s.PacketsReceived) - int64(prev.PacketsReceived)
	lost := s.PacketsLost - prev.PacketsLost
	if lost < 0 {
		lost = 0
	}
	if received < 0 {
		received = 0
	}
	total := received + lost
	if total == 0 {
		return 0
	}
	return float64(lost) / float64(total)
}

// Stats reads inbound RTP statistics from the connection
func (w *Wrapper) Stats() Stats {
	var out Stats
	if w.isClosed() {
		return out
	}
	for _, s := range w.pc.GetStats() {
		in, ok := s.(webrtc.InboundRTPStreamStats)
		if !ok {
			continue
		}
		out.PacketsReceived += uint64(in.PacketsReceived)
		out.PacketsLost += int64(in.PacketsLost)
		if j := time.Duration(in.Jitter * float64(time.Second)); j > out.Jitter {
			out.Jitter = j
		}
	}
	return out
}
