//go:build !linux || !cgo

package media

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

// DeviceProvider is unavailable without the Linux capture drivers
type DeviceProvider struct{}

// NewDeviceProvider returns a provider whose Acquire always fails
func NewDeviceProvider(_, _, _ int) (*DeviceProvider, error) {
	return &DeviceProvider{}, nil
}

// RegisterCodecs registers Pion's default codecs
func (p *DeviceProvider) RegisterCodecs(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

// Acquire reports an unsupported environment
func (p *DeviceProvider) Acquire(_ context.Context, _ Constraints) (*Stream, error) {
	return nil, NewAccessError(ReasonUnsupportedEnvironment,
		errors.New("device capture requires linux with cgo"))
}
