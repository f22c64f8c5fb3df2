package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

type MediaStream interface {
	ID() string
	HasVideo() bool
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)
	// Close releases the devices behind a local stream. It is a no-op for remote streams.
	Close() error
}

type MediaDevices interface {
	// Acquire returns domain.ErrPermissionDenied or domain.ErrDeviceUnavailable
	// (possibly wrapped) when capture is refused.
	Acquire(ctx context.Context, kind domain.CallKind, hints domain.QualityHints) (MediaStream, error)
	OutputDevices(ctx context.Context) ([]domain.Device, error)
}
