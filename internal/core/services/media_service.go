package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"twine/internal/core/domain"
	"twine/internal/core/ports"
	"twine/pkg/eventbus"

	"go.uber.org/zap"
)

// TrackReplacer swaps a local track in place on every peer connection.
type TrackReplacer interface {
	ReplaceTrack(kind domain.TrackKind, track ports.MediaTrack) error
}

type MediaOptions struct {
	// RequireSourceID is set on desktop shells, where screen capture needs a picked source.
	RequireSourceID bool
	AudioProfile    domain.AudioProfileID
	ScreenProfile   domain.ScreenProfileID
}

// MediaSourceManager owns the local microphone and screen capture streams and
// the mute, sharing and microphone status flags derived from them.
type MediaSourceManager struct {
	devices ports.MediaDevices
	prefs   *Preferences
	metrics ports.CallMetrics
	logger  *zap.SugaredLogger

	requireSourceID bool

	mu            sync.RWMutex
	audio         ports.MediaStream
	screen        ports.MediaStream
	muted         bool
	status        domain.MicrophoneStatus
	audioProfile  domain.AudioProfileID
	screenProfile domain.ScreenProfileID
	replacer      TrackReplacer

	Muted         *eventbus.Value[bool]
	ScreenSharing *eventbus.Value[bool]
	MicStatus     *eventbus.Value[domain.MicrophoneStatus]
	OutputDevice  *eventbus.Value[string]
	// ScreenEnded fires with the stream id when capture is stopped from outside the app.
	ScreenEnded *eventbus.Subject[string]
}

func NewMediaSourceManager(devices ports.MediaDevices, prefs *Preferences, opts MediaOptions, metrics ports.CallMetrics, logger *zap.SugaredLogger) *MediaSourceManager {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	audioProfile := opts.AudioProfile
	if _, ok := domain.LookupAudioProfile(audioProfile); !ok {
		audioProfile = domain.DefaultAudioProfile
	}
	screenProfile := opts.ScreenProfile
	if _, ok := domain.LookupScreenProfile(screenProfile); !ok {
		screenProfile = domain.DefaultScreenProfile
	}

	return &MediaSourceManager{
		devices:         devices,
		prefs:           prefs,
		metrics:         metrics,
		logger:          logger,
		requireSourceID: opts.RequireSourceID,
		status:          domain.MicrophonePending,
		audioProfile:    audioProfile,
		screenProfile:   screenProfile,
		Muted:           eventbus.NewValue(false),
		ScreenSharing:   eventbus.NewValue(false),
		MicStatus:       eventbus.NewValue(domain.MicrophonePending),
		OutputDevice:    eventbus.NewValue(prefs.SelectedDevices().AudioOutputID),
		ScreenEnded:     eventbus.New[string](),
	}
}

// SetReplacer wires the component that owns the peer connections.
func (m *MediaSourceManager) SetReplacer(r TrackReplacer) {
	m.mu.Lock()
	m.replacer = r
	m.mu.Unlock()
}

// AcquireAudio opens the microphone. An empty profile keeps the active one.
// Permission and device failures return a nil stream and no error; the reason
// is kept in MicrophoneStatus.
func (m *MediaSourceManager) AcquireAudio(ctx context.Context, profileID domain.AudioProfileID) (ports.MediaStream, error) {
	if profileID != "" {
		if _, ok := domain.LookupAudioProfile(profileID); !ok {
			return nil, fmt.Errorf("audio profile %q: %w", profileID, domain.ErrUnknownProfile)
		}
		m.mu.Lock()
		m.audioProfile = profileID
		m.mu.Unlock()
	}

	constraints := m.audioConstraints()
	stream, err := m.devices.GetUserMedia(ctx, constraints)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		kind := domain.ClassifyDeviceError(err)
		status := domain.MicrophoneStatusFor(kind)
		m.logger.Warnw("Could not initialize audio stream", "device_id", constraints.DeviceID, "kind", kind, "error", err)
		m.setStatus(status)
		return nil, nil
	}

	m.mu.Lock()
	previous := m.audio
	m.audio = stream
	muted := m.muted
	for _, track := range stream.AudioTracks() {
		track.SetEnabled(!muted)
	}
	m.mu.Unlock()

	m.setStatus(domain.MicrophoneGranted)

	if previous != nil {
		stopTracks(previous)
		m.propagate(stream)
	}

	m.logger.Infow("Local audio stream initialized", "stream_id", stream.ID(), "device_id", constraints.DeviceID, "muted", muted)
	return stream, nil
}

func (m *MediaSourceManager) audioConstraints() domain.AudioConstraints {
	m.mu.RLock()
	profile := domain.AudioProfiles[m.audioProfile]
	m.mu.RUnlock()

	c := profile.Constraints
	settings := m.prefs.AudioSettings()
	c.NoiseSuppression = settings.NoiseSuppression
	c.EchoCancellation = settings.EchoCancellation
	if id := m.prefs.SelectedDevices().AudioInputID; id != domain.DefaultDeviceID {
		c.DeviceID = id
	}
	return c
}

// RetryMicrophone resets the status to pending and tries again.
func (m *MediaSourceManager) RetryMicrophone(ctx context.Context) (ports.MediaStream, error) {
	m.setStatus(domain.MicrophonePending)
	return m.AcquireAudio(ctx, "")
}

func (m *MediaSourceManager) setStatus(status domain.MicrophoneStatus) {
	m.mu.Lock()
	changed := m.status != status
	m.status = status
	m.mu.Unlock()
	if changed {
		m.metrics.MicrophoneStatusChanged(status)
	}
	m.MicStatus.Set(status)
}

// AcquireScreen starts screen capture with the given profile (empty keeps the
// active one). Any previous capture is stopped.
func (m *MediaSourceManager) AcquireScreen(ctx context.Context, profileID domain.ScreenProfileID, sourceID string) (ports.MediaStream, error) {
	if profileID == "" {
		profileID = m.ActiveScreenProfile().ID
	}
	profile, ok := domain.LookupScreenProfile(profileID)
	if !ok {
		return nil, fmt.Errorf("screen profile %q: %w", profileID, domain.ErrUnknownProfile)
	}
	if m.requireSourceID && sourceID == "" {
		return nil, domain.ErrScreenSourceRequired
	}

	constraints := domain.DisplayConstraints{SourceID: sourceID, Audio: true, Video: profile.Constraints()}
	stream, err := m.devices.GetDisplayMedia(ctx, constraints)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m.logger.Warnw("Screen capture with audio failed, retrying without audio", "source_id", sourceID, "error", err)
		constraints.Audio = false
		stream, err = m.devices.GetDisplayMedia(ctx, constraints)
	}
	if err != nil {
		return nil, fmt.Errorf("start screen capture: %w", err)
	}

	videos := stream.VideoTracks()
	if len(videos) == 0 {
		stopTracks(stream)
		return nil, domain.ErrNoScreenTrack
	}

	video := videos[0]
	if err := video.ApplyConstraints(profile.Constraints()); err != nil {
		m.logger.Warnw("Failed to enforce screen constraints", "profile", profile.ID, "error", err)
	}
	video.SetContentHint(profile.ContentHint)

	streamID := stream.ID()
	video.OnEnded(func() { m.handleScreenEnded(streamID) })

	m.mu.Lock()
	previous := m.screen
	m.screen = stream
	m.screenProfile = profile.ID
	m.mu.Unlock()

	if previous != nil {
		stopTracks(previous)
	}
	m.ScreenSharing.Set(true)

	settings := video.Settings()
	m.logger.Infow("Screen sharing started",
		"stream_id", streamID,
		"profile", profile.ID,
		"width", settings.Width,
		"height", settings.Height,
		"frame_rate", settings.FrameRate,
	)
	return stream, nil
}

func (m *MediaSourceManager) handleScreenEnded(streamID string) {
	m.mu.RLock()
	current := m.screen != nil && m.screen.ID() == streamID
	m.mu.RUnlock()
	if !current {
		return
	}
	m.logger.Infow("Screen capture ended by the system", "stream_id", streamID)
	m.StopScreen()
	m.ScreenEnded.Publish(streamID)
}

// StopScreen releases the screen stream. It reports whether a stream was active.
func (m *MediaSourceManager) StopScreen() bool {
	m.mu.Lock()
	stream := m.screen
	m.screen = nil
	m.mu.Unlock()

	if stream == nil {
		return false
	}
	stopTracks(stream)
	m.ScreenSharing.Set(false)
	m.logger.Infow("Screen sharing stopped", "stream_id", stream.ID())
	return true
}

// SetMute sets the enabled flag of the audio track and remembers the request
// when there is no track yet.
func (m *MediaSourceManager) SetMute(muted bool) bool {
	m.mu.Lock()
	m.muted = muted
	if m.audio != nil {
		for _, track := range m.audio.AudioTracks() {
			track.SetEnabled(!muted)
		}
	}
	m.mu.Unlock()

	m.Muted.Set(muted)
	return muted
}

func (m *MediaSourceManager) ToggleMute() bool {
	return m.SetMute(!m.IsMuted())
}

// SetHoldToTalk applies an external push-to-talk signal: holding unmutes.
func (m *MediaSourceManager) SetHoldToTalk(active bool) bool {
	return m.SetMute(!active)
}

// SwitchInputDevice re-opens the microphone on deviceID and swaps the new
// track into existing senders without renegotiation.
func (m *MediaSourceManager) SwitchInputDevice(ctx context.Context, deviceID string) error {
	m.prefs.SetSelectedInput(deviceID)

	m.mu.Lock()
	previous := m.audio
	m.audio = nil
	m.mu.Unlock()
	if previous != nil {
		stopTracks(previous)
	}

	stream, err := m.AcquireAudio(ctx, "")
	if err != nil {
		return err
	}
	if stream == nil {
		return fmt.Errorf("switch input device %q: microphone %s", deviceID, m.MicrophoneStatus())
	}

	if err := m.propagate(stream); err != nil {
		return fmt.Errorf("switch input device %q: %w", deviceID, err)
	}
	m.logger.Infow("Audio input device switched", "device_id", deviceID)
	return nil
}

func (m *MediaSourceManager) propagate(stream ports.MediaStream) error {
	m.mu.RLock()
	replacer := m.replacer
	m.mu.RUnlock()

	tracks := stream.AudioTracks()
	if replacer == nil || len(tracks) == 0 {
		return nil
	}
	if err := replacer.ReplaceTrack(domain.TrackKindAudio, tracks[0]); err != nil {
		m.logger.Warnw("Failed to replace audio track on peers", "error", err)
		return err
	}
	return nil
}

func (m *MediaSourceManager) SetOutputDevice(deviceID string) {
	m.prefs.SetSelectedOutput(deviceID)
	m.OutputDevice.Set(m.prefs.SelectedDevices().AudioOutputID)
}

// SetAudioProcessing persists the processing flags; they apply from the next acquisition.
func (m *MediaSourceManager) SetAudioProcessing(s domain.AudioSettings) {
	m.prefs.SetAudioSettings(s)
}

func (m *MediaSourceManager) SetScreenProfile(id domain.ScreenProfileID) error {
	if _, ok := domain.LookupScreenProfile(id); !ok {
		return fmt.Errorf("screen profile %q: %w", id, domain.ErrUnknownProfile)
	}
	m.mu.Lock()
	m.screenProfile = id
	m.mu.Unlock()
	return nil
}

func (m *MediaSourceManager) Devices(ctx context.Context) ([]domain.MediaDeviceInfo, error) {
	return m.devices.Devices(ctx)
}

func (m *MediaSourceManager) State() domain.LocalMediaState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	devices := m.prefs.SelectedDevices()
	s := domain.LocalMediaState{
		Muted:                  m.muted,
		ScreenSharing:          m.screen != nil,
		MicrophoneStatus:       m.status,
		ActiveAudioProfile:     m.audioProfile,
		ActiveScreenProfile:    m.screenProfile,
		SelectedInputDeviceID:  devices.AudioInputID,
		SelectedOutputDeviceID: devices.AudioOutputID,
	}
	if m.audio != nil {
		s.AudioStreamID = m.audio.ID()
	}
	if m.screen != nil {
		s.ScreenStreamID = m.screen.ID()
	}
	return s
}

func (m *MediaSourceManager) IsMuted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.muted
}

func (m *MediaSourceManager) IsScreenSharing() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.screen != nil
}

func (m *MediaSourceManager) MicrophoneStatus() domain.MicrophoneStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *MediaSourceManager) AudioStreamID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.audio == nil {
		return ""
	}
	return m.audio.ID()
}

func (m *MediaSourceManager) AudioTracks() []ports.MediaTrack {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.audio == nil {
		return nil
	}
	return m.audio.AudioTracks()
}

func (m *MediaSourceManager) ScreenStreamID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.screen == nil {
		return ""
	}
	return m.screen.ID()
}

func (m *MediaSourceManager) ScreenTracks() []ports.MediaTrack {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.screen == nil {
		return nil
	}
	return m.screen.Tracks()
}

func (m *MediaSourceManager) ActiveAudioProfile() domain.AudioProfile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return domain.AudioProfiles[m.audioProfile]
}

func (m *MediaSourceManager) ActiveScreenProfile() domain.ScreenProfile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return domain.ScreenProfiles[m.screenProfile]
}

// Cleanup stops every local track and resets state to its initial values.
func (m *MediaSourceManager) Cleanup() {
	m.mu.Lock()
	audio, screen := m.audio, m.screen
	m.audio, m.screen = nil, nil
	m.muted = false
	m.mu.Unlock()

	if audio != nil {
		stopTracks(audio)
	}
	if screen != nil {
		stopTracks(screen)
	}

	m.Muted.Set(false)
	m.ScreenSharing.Set(false)
	m.setStatus(domain.MicrophonePending)
}

func stopTracks(stream ports.MediaStream) {
	for _, track := range stream.Tracks() {
		track.Stop()
	}
}

// IsMediaUnavailable reports whether err means the capture device cannot be used.
func IsMediaUnavailable(err error) bool {
	return errors.Is(err, domain.ErrPermissionDenied) || errors.Is(err, domain.ErrDeviceNotFound) ||
		errors.Is(err, domain.ErrScreenSourceRequired) || errors.Is(err, domain.ErrNoScreenTrack)
}
