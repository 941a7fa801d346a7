package testutils

import (
	"context"
	"fmt"
	"sync"

	"twine/internal/core/domain"
	"twine/internal/core/ports"
)

// MockTrack is a capture track whose native format can be narrowed by constraints.
type MockTrack struct {
	mu       sync.Mutex
	id       string
	kind     domain.TrackKind
	label    string
	enabled  bool
	ended    bool
	stopped  bool
	settings domain.TrackSettings
	onEnded  []func()

	ApplyErr error
}

func NewMockTrack(id string, kind domain.TrackKind, label string, settings domain.TrackSettings) *MockTrack {
	return &MockTrack{id: id, kind: kind, label: label, enabled: true, settings: settings}
}

func (t *MockTrack) ID() string             { return t.id }
func (t *MockTrack) Kind() domain.TrackKind { return t.kind }
func (t *MockTrack) Label() string          { return t.label }

func (t *MockTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *MockTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *MockTrack) Stop() {
	t.mu.Lock()
	t.ended = true
	t.stopped = true
	t.mu.Unlock()
}

func (t *MockTrack) Ended() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ended
}

// Stopped reports whether Stop was called, as opposed to the source ending.
func (t *MockTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *MockTrack) Settings() domain.TrackSettings {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.settings
}

func (t *MockTrack) ApplyConstraints(c domain.VideoConstraints) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ApplyErr != nil {
		return t.ApplyErr
	}
	if c.Width.Max > 0 && t.settings.Width > c.Width.Max {
		t.settings.Width = c.Width.Max
	}
	if c.Height.Max > 0 && t.settings.Height > c.Height.Max {
		t.settings.Height = c.Height.Max
	}
	if c.FrameRate.Max > 0 && t.settings.FrameRate > c.FrameRate.Max {
		t.settings.FrameRate = c.FrameRate.Max
	}
	if t.settings.Height > 0 {
		t.settings.AspectRatio = float64(t.settings.Width) / float64(t.settings.Height)
	}
	return nil
}

func (t *MockTrack) SetContentHint(hint domain.ContentHint) {
	t.mu.Lock()
	t.settings.ContentHint = hint
	t.mu.Unlock()
}

func (t *MockTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = append(t.onEnded, fn)
	t.mu.Unlock()
}

// End simulates the source going away (OS stop bar, unplugged device).
func (t *MockTrack) End() {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	hooks := t.onEnded
	t.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

type MockStream struct {
	StreamID string
	List     []ports.MediaTrack
}

func (s *MockStream) ID() string                 { return s.StreamID }
func (s *MockStream) Tracks() []ports.MediaTrack { return s.List }

func (s *MockStream) AudioTracks() []ports.MediaTrack { return s.byKind(domain.TrackKindAudio) }
func (s *MockStream) VideoTracks() []ports.MediaTrack { return s.byKind(domain.TrackKindVideo) }

func (s *MockStream) byKind(kind domain.TrackKind) []ports.MediaTrack {
	var out []ports.MediaTrack
	for _, t := range s.List {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// MockMediaDevices opens MockTracks. Errors are injected per call kind.
type MockMediaDevices struct {
	mu  sync.Mutex
	seq int

	UserMediaErr    error
	DisplayErr      error
	DisplayAudioErr error
	DeviceList      []domain.MediaDeviceInfo

	UserMediaCalls []domain.AudioConstraints
	DisplayCalls   []domain.DisplayConstraints
	Created        []*MockTrack
}

func (d *MockMediaDevices) GetUserMedia(ctx context.Context, c domain.AudioConstraints) (ports.MediaStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.UserMediaCalls = append(d.UserMediaCalls, c)
	if d.UserMediaErr != nil {
		return nil, d.UserMediaErr
	}
	d.seq++
	device := c.DeviceID
	if device == "" {
		device = domain.DefaultDeviceID
	}
	track := NewMockTrack(fmt.Sprintf("mic-%d", d.seq), domain.TrackKindAudio, "Microphone ("+device+")",
		domain.TrackSettings{DeviceID: device})
	d.Created = append(d.Created, track)
	return &MockStream{StreamID: fmt.Sprintf("audio-stream-%d", d.seq), List: []ports.MediaTrack{track}}, nil
}

func (d *MockMediaDevices) GetDisplayMedia(ctx context.Context, c domain.DisplayConstraints) (ports.MediaStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DisplayCalls = append(d.DisplayCalls, c)
	if c.Audio && d.DisplayAudioErr != nil {
		return nil, d.DisplayAudioErr
	}
	if d.DisplayErr != nil {
		return nil, d.DisplayErr
	}
	d.seq++
	video := NewMockTrack(fmt.Sprintf("screen-%d", d.seq), domain.TrackKindVideo, "screen:"+c.SourceID,
		domain.TrackSettings{DeviceID: c.SourceID, Width: 2560, Height: 1440, FrameRate: 60})
	d.Created = append(d.Created, video)
	tracks := []ports.MediaTrack{video}
	if c.Audio {
		audio := NewMockTrack(fmt.Sprintf("system-audio-%d", d.seq), domain.TrackKindAudio, "System Audio", domain.TrackSettings{})
		d.Created = append(d.Created, audio)
		tracks = append(tracks, audio)
	}
	return &MockStream{StreamID: fmt.Sprintf("screen-stream-%d", d.seq), List: tracks}, nil
}

func (d *MockMediaDevices) Devices(ctx context.Context) ([]domain.MediaDeviceInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.MediaDeviceInfo(nil), d.DeviceList...), nil
}

// LiveTracks returns created tracks that were neither stopped nor ended.
func (d *MockMediaDevices) LiveTracks() []*MockTrack {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*MockTrack
	for _, t := range d.Created {
		if !t.Ended() {
			out = append(out, t)
		}
	}
	return out
}
