package ports

import (
	"context"

	"twine/internal/core/domain"
)

type MediaTrack interface {
	ID() string
	Kind() domain.TrackKind
	Label() string
	Enabled() bool
	SetEnabled(enabled bool)
	// Stop releases the device. Stopping an ended track is a no-op.
	Stop()
	Ended() bool
	Settings() domain.TrackSettings
	ApplyConstraints(c domain.VideoConstraints) error
	SetContentHint(hint domain.ContentHint)
	// OnEnded registers a hook fired once when the source ends on its own,
	// for example when the OS stops a capture. Stop does not fire it.
	OnEnded(fn func())
}

type MediaStream interface {
	ID() string
	Tracks() []MediaTrack
	AudioTracks() []MediaTrack
	VideoTracks() []MediaTrack
}

// MediaDevices opens capture devices.
type MediaDevices interface {
	GetUserMedia(ctx context.Context, c domain.AudioConstraints) (MediaStream, error)
	GetDisplayMedia(ctx context.Context, c domain.DisplayConstraints) (MediaStream, error)
	Devices(ctx context.Context) ([]domain.MediaDeviceInfo, error)
}

type DesktopCapturer interface {
	Sources(ctx context.Context, opts domain.CaptureSourceOptions) ([]domain.CaptureSource, error)
}
