//go:build linux

package pion

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const videoBitRate = 1_500_000

// Devices captures the local camera and microphone through V4L2 and malgo.
type Devices struct {
	selector *mediadevices.CodecSelector
}

func NewDevices() (*Devices, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = videoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &Devices{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// RegisterCodecs advertises exactly the encoders capture uses.
func (d *Devices) RegisterCodecs(m *webrtc.MediaEngine) error {
	d.selector.Populate(m)
	return nil
}

func (d *Devices) Acquire(ctx context.Context, kind domain.CallKind, hints domain.QualityHints) (port.MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	constraints := mediadevices.MediaStreamConstraints{
		Codec: d.selector,
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
	}
	if kind == domain.CallVideo {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// MJPEG nodes on some cameras produce frames the VP8 encoder rejects
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: hints.Width}
			c.Height = prop.IntRanged{Max: hints.Height}
			if hints.FrameRate > 0 {
				c.FrameRate = prop.Float(hints.FrameRate)
			}
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		log.Warn().Err(err).Str("kind", string(kind)).Msg("Capture failed")
		if errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("%w: %v", domain.ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
	}

	mtracks := stream.GetTracks()
	tracks := make([]webrtc.TrackLocal, 0, len(mtracks))
	for _, t := range mtracks {
		t.OnEnded(func(err error) {
			if err != nil {
				log.Warn().Err(err).Str("track", t.ID()).Msg("Local track ended")
			}
		})
		tracks = append(tracks, t)
	}
	log.Info().Str("kind", string(kind)).Int("tracks", len(tracks)).Msg("Local media captured")

	closers := make([]func() error, 0, len(mtracks))
	for _, t := range mtracks {
		closers = append(closers, t.Close)
	}
	return NewLocalStream(tracks, func() error { return closeAll(closers...) }), nil
}

func (d *Devices) OutputDevices(context.Context) ([]domain.Device, error) {
	var out []domain.Device
	for _, info := range mediadevices.EnumerateDevices() {
		if info.Kind != mediadevices.AudioOutput {
			continue
		}
		out = append(out, domain.Device{ID: info.DeviceID, Label: info.Label, Kind: domain.DeviceAudioOutput})
	}
	return out, nil
}
