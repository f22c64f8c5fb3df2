//go:build !linux

package pion

import (
	"context"
	"fmt"
	"runtime"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/pion/webrtc/v4"
)

// Devices has no capture drivers on this platform.
type Devices struct{}

func NewDevices() (*Devices, error) {
	return &Devices{}, nil
}

func (d *Devices) RegisterCodecs(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

func (d *Devices) Acquire(context.Context, domain.CallKind, domain.QualityHints) (port.MediaStream, error) {
	return nil, fmt.Errorf("%w: no capture driver on %s", domain.ErrDeviceUnavailable, runtime.GOOS)
}

func (d *Devices) OutputDevices(context.Context) ([]domain.Device, error) {
	return nil, nil
}
