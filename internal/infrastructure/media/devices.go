package media

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"twine/internal/core/domain"
	"twine/internal/core/ports"
	"twine/pkg/config"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const permissionDenied = "denied"

// Devices is a capture backend driven by configuration. Microphones play an
// Ogg/Opus file in a loop, or silence when none is configured. Screen sources
// play an IVF file once and end, as if the OS stopped the capture.
type Devices struct {
	devices []config.DeviceConfig
	screens []config.ScreenSourceConfig
	logger  *zap.SugaredLogger
}

func NewDevices(devices []config.DeviceConfig, screens []config.ScreenSourceConfig, logger *zap.SugaredLogger) *Devices {
	return &Devices{devices: devices, screens: screens, logger: logger}
}

func (d *Devices) Devices(ctx context.Context) ([]domain.MediaDeviceInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]domain.MediaDeviceInfo, 0, len(d.devices))
	for _, dev := range d.devices {
		out = append(out, domain.MediaDeviceInfo{
			DeviceID: dev.ID,
			Kind:     domain.MediaDeviceKind(dev.Kind),
			Label:    dev.Label,
		})
	}
	return out, nil
}

func (d *Devices) GetUserMedia(ctx context.Context, c domain.AudioConstraints) (ports.MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dev, ok := d.findInput(c.DeviceID)
	if !ok {
		return nil, &domain.DeviceError{Kind: domain.DeviceErrorNotFound, DeviceID: c.DeviceID, Err: domain.ErrDeviceNotFound}
	}
	if dev.Permission == permissionDenied {
		return nil, &domain.DeviceError{Kind: domain.DeviceErrorPermissionDenied, DeviceID: dev.ID, Err: domain.ErrPermissionDenied}
	}

	open := func() (sampleSource, error) { return silenceSource{}, nil }
	if dev.Source != "" {
		if !isOgg(dev.Source) {
			return nil, &domain.DeviceError{Kind: domain.DeviceErrorOther, DeviceID: dev.ID, Err: fmt.Errorf("unsupported audio source %s", dev.Source)}
		}
		path := dev.Source
		open = func() (sampleSource, error) { return openOgg(path) }
	}
	source, err := open()
	if err != nil {
		return nil, deviceError(dev.ID, err)
	}

	streamID := uuid.NewString()
	track, err := newSampleTrack(trackOptions{
		id:       uuid.NewString(),
		kind:     domain.TrackKindAudio,
		label:    dev.Label,
		streamID: streamID,
		codec:    webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: 2},
		settings: domain.TrackSettings{DeviceID: dev.ID},
		open:     open,
		loop:     true,
	}, d.logger)
	if err != nil {
		source.Close()
		return nil, deviceError(dev.ID, err)
	}
	track.start(source)

	d.logger.Debugw("Opened microphone", "device_id", dev.ID, "stream_id", streamID,
		"echo_cancellation", c.EchoCancellation, "noise_suppression", c.NoiseSuppression)
	return &Stream{id: streamID, tracks: []*SampleTrack{track}}, nil
}

// findInput resolves an input device id. Empty and "default" pick the device
// named default, else the first input.
func (d *Devices) findInput(id string) (config.DeviceConfig, bool) {
	var first *config.DeviceConfig
	for i := range d.devices {
		dev := &d.devices[i]
		if dev.Kind != string(domain.DeviceKindAudioInput) {
			continue
		}
		if first == nil {
			first = dev
		}
		if dev.ID == id || (id == "" && dev.ID == domain.DefaultDeviceID) {
			return *dev, true
		}
	}
	if (id == "" || id == domain.DefaultDeviceID) && first != nil {
		return *first, true
	}
	return config.DeviceConfig{}, false
}

func (d *Devices) GetDisplayMedia(ctx context.Context, c domain.DisplayConstraints) (ports.MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	src, ok := d.findScreen(c.SourceID)
	if !ok {
		return nil, &domain.DeviceError{Kind: domain.DeviceErrorNotFound, DeviceID: c.SourceID, Err: domain.ErrDeviceNotFound}
	}

	settings := domain.TrackSettings{DeviceID: src.ID, Width: src.Width, Height: src.Height, FrameRate: 30}
	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}

	var source sampleSource
	if src.Source != "" {
		if !isIVF(src.Source) {
			return nil, &domain.DeviceError{Kind: domain.DeviceErrorOther, DeviceID: src.ID, Err: fmt.Errorf("unsupported video source %s", src.Source)}
		}
		ivf, err := openIVF(src.Source)
		if err != nil {
			return nil, deviceError(src.ID, err)
		}
		if string(ivf.header.FourCC[:]) == "VP90" {
			codec.MimeType = webrtc.MimeTypeVP9
		}
		settings.Width, settings.Height = int(ivf.header.Width), int(ivf.header.Height)
		source = ivf
	}

	streamID := uuid.NewString()
	video, err := newSampleTrack(trackOptions{
		id:       uuid.NewString(),
		kind:     domain.TrackKindVideo,
		label:    src.Name,
		streamID: streamID,
		codec:    codec,
		settings: settings,
	}, d.logger)
	if err != nil {
		if source != nil {
			source.Close()
		}
		return nil, deviceError(src.ID, err)
	}
	video.ApplyConstraints(c.Video)
	tracks := []*SampleTrack{video}

	if c.Audio && src.Audio {
		audio, err := newSampleTrack(trackOptions{
			id:       uuid.NewString(),
			kind:     domain.TrackKindAudio,
			label:    src.Name + " audio",
			streamID: streamID,
			codec:    webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: 2},
			settings: domain.TrackSettings{DeviceID: src.ID},
			open:     func() (sampleSource, error) { return silenceSource{}, nil },
			loop:     true,
		}, d.logger)
		if err != nil {
			if source != nil {
				source.Close()
			}
			return nil, deviceError(src.ID, err)
		}
		// System audio stops with the video.
		video.OnEnded(audio.Stop)
		tracks = append(tracks, audio)
		audio.start(silenceSource{})
	}
	video.start(source)

	d.logger.Infow("Started screen capture", "source_id", src.ID, "stream_id", streamID, "audio", len(tracks) > 1)
	return &Stream{id: streamID, tracks: tracks}, nil
}

// findScreen resolves a capture source id. Empty picks the first source.
func (d *Devices) findScreen(id string) (config.ScreenSourceConfig, bool) {
	for _, s := range d.screens {
		if id == "" || s.ID == id {
			return s, true
		}
	}
	return config.ScreenSourceConfig{}, false
}

func deviceError(id string, err error) error {
	kind := domain.DeviceErrorOther
	switch {
	case errors.Is(err, fs.ErrNotExist):
		kind = domain.DeviceErrorNotFound
	case errors.Is(err, fs.ErrPermission):
		kind = domain.DeviceErrorPermissionDenied
	}
	return &domain.DeviceError{Kind: kind, DeviceID: id, Err: err}
}
