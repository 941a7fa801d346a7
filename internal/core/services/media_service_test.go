package services

import (
	"context"
	"errors"
	"testing"

	"twine/internal/core/domain"
	"twine/internal/testutils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMediaSourceManager_AcquireAudio(t *testing.T) {
	f := newMediaFixture(t, MediaOptions{})

	stream, err := f.media.AcquireAudio(context.Background(), "")
	require.NoError(t, err)
	require.NotNil(t, stream)

	assert.Equal(t, domain.MicrophoneGranted, f.media.MicrophoneStatus())
	assert.Equal(t, stream.ID(), f.media.AudioStreamID())
	require.Len(t, f.media.AudioTracks(), 1)
	assert.True(t, f.media.AudioTracks()[0].Enabled())

	require.Len(t, f.devices.UserMediaCalls, 1)
	c := f.devices.UserMediaCalls[0]
	assert.Empty(t, c.DeviceID)
	assert.True(t, c.NoiseSuppression)
	assert.True(t, c.EchoCancellation)
	assert.Equal(t, 48000, c.SampleRate)
}

func TestMediaSourceManager_AcquireAudioUsesPreferences(t *testing.T) {
	f := newMediaFixture(t, MediaOptions{})
	f.prefs.SetSelectedInput("usb-mic")
	f.prefs.SetAudioSettings(domain.AudioSettings{NoiseSuppression: false, EchoCancellation: true})

	_, err := f.media.AcquireAudio(context.Background(), domain.AudioProfileLowBandwidth)
	require.NoError(t, err)

	c := f.devices.UserMediaCalls[0]
	assert.Equal(t, "usb-mic", c.DeviceID)
	assert.False(t, c.NoiseSuppression)
	assert.Equal(t, 16000, c.SampleRate)
	assert.Equal(t, domain.AudioProfileLowBandwidth, f.media.ActiveAudioProfile().ID)
}

func TestMediaSourceManager_AcquireAudioUnknownProfile(t *testing.T) {
	f := newMediaFixture(t, MediaOptions{})

	_, err := f.media.AcquireAudio(context.Background(), "studio")
	assert.ErrorIs(t, err, domain.ErrUnknownProfile)
	assert.Empty(t, f.devices.UserMediaCalls)
}

func TestMediaSourceManager_AcquireAudioFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want domain.MicrophoneStatus
	}{
		{"permission denied", domain.ErrPermissionDenied, domain.MicrophoneDenied},
		{"device missing", &domain.DeviceError{Kind: domain.DeviceErrorNotFound, DeviceID: "usb"}, domain.MicrophoneNotFound},
		{"unclassified", errors.New("device busy"), domain.MicrophoneDenied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newMediaFixture(t, MediaOptions{})
			f.devices.UserMediaErr = tt.err

			stream, err := f.media.AcquireAudio(context.Background(), "")
			assert.NoError(t, err)
			assert.Nil(t, stream)
			assert.Equal(t, tt.want, f.media.MicrophoneStatus())
			assert.Equal(t, tt.want, f.media.MicStatus.Get())
		})
	}
}

func TestMediaSourceManager_MuteAfterDenied(t *testing.T) {
	f := newMediaFixture(t, MediaOptions{})
	f.devices.UserMediaErr = domain.ErrPermissionDenied

	stream, err := f.media.AcquireAudio(context.Background(), "")
	require.NoError(t, err)
	require.Nil(t, stream)

	assert.NotPanics(t, func() {
		f.media.SetMute(true)
		f.media.SetMute(false)
		f.media.SetMute(true)
	})
	assert.True(t, f.media.IsMuted())

	f.devices.UserMediaErr = nil
	stream, err = f.media.RetryMicrophone(context.Background())
	require.NoError(t, err)
	require.NotNil(t, stream)

	assert.Equal(t, domain.MicrophoneGranted, f.media.MicrophoneStatus())
	assert.True(t, f.media.IsMuted())
	assert.False(t, f.media.AudioTracks()[0].Enabled())
}

func TestMediaSourceManager_SetMuteTogglesTrack(t *testing.T) {
	f := newMediaFixture(t, MediaOptions{})
	_, err := f.media.AcquireAudio(context.Background(), "")
	require.NoError(t, err)
	track := f.media.AudioTracks()[0]

	assert.True(t, f.media.ToggleMute())
	assert.False(t, track.Enabled())
	assert.False(t, f.media.SetHoldToTalk(true))
	assert.True(t, track.Enabled())
	assert.Len(t, f.media.AudioTracks(), 1, "mute never recreates tracks")
}

func TestMediaSourceManager_ScreenConstraintsRoundTrip(t *testing.T) {
	for id, profile := range domain.ScreenProfiles {
		t.Run(string(id), func(t *testing.T) {
			f := newMediaFixture(t, MediaOptions{})

			stream, err := f.media.AcquireScreen(context.Background(), id, "screen:0:0")
			require.NoError(t, err)

			settings := stream.VideoTracks()[0].Settings()
			assert.LessOrEqual(t, settings.Width, profile.Width)
			assert.LessOrEqual(t, settings.Height, profile.Height)
			assert.LessOrEqual(t, settings.FrameRate, profile.FrameRate)
			assert.Equal(t, profile.ContentHint, settings.ContentHint)
			assert.True(t, f.media.IsScreenSharing())
			assert.Equal(t, id, f.media.ActiveScreenProfile().ID)
		})
	}
}

func TestMediaSourceManager_ScreenAudioFallback(t *testing.T) {
	f := newMediaFixture(t, MediaOptions{})
	f.devices.DisplayAudioErr = errors.New("audio capture unsupported")

	stream, err := f.media.AcquireScreen(context.Background(), "", "screen:0:0")
	require.NoError(t, err)

	require.Len(t, f.devices.DisplayCalls, 2)
	assert.True(t, f.devices.DisplayCalls[0].Audio)
	assert.False(t, f.devices.DisplayCalls[1].Audio)
	assert.Len(t, stream.Tracks(), 1)
}

func TestMediaSourceManager_ScreenErrors(t *testing.T) {
	t.Run("source required on desktop", func(t *testing.T) {
		f := newMediaFixture(t, MediaOptions{RequireSourceID: true})
		_, err := f.media.AcquireScreen(context.Background(), "", "")
		assert.ErrorIs(t, err, domain.ErrScreenSourceRequired)
		assert.Empty(t, f.devices.DisplayCalls)
	})

	t.Run("capture refused", func(t *testing.T) {
		f := newMediaFixture(t, MediaOptions{})
		f.devices.DisplayErr = domain.ErrPermissionDenied
		_, err := f.media.AcquireScreen(context.Background(), "", "screen:0:0")
		assert.ErrorIs(t, err, domain.ErrPermissionDenied)
		assert.False(t, f.media.IsScreenSharing())
	})

	t.Run("unknown profile", func(t *testing.T) {
		f := newMediaFixture(t, MediaOptions{})
		_, err := f.media.AcquireScreen(context.Background(), "4k", "screen:0:0")
		assert.ErrorIs(t, err, domain.ErrUnknownProfile)
	})
}

func TestMediaSourceManager_ScreenEndedBySystem(t *testing.T) {
	f := newMediaFixture(t, MediaOptions{})
	stream, err := f.media.AcquireScreen(context.Background(), "", "screen:0:0")
	require.NoError(t, err)

	var ended []string
	f.media.ScreenEnded.Subscribe(func(id string) { ended = append(ended, id) })

	video := stream.VideoTracks()[0].(*testutils.MockTrack)
	video.End()

	assert.Equal(t, []string{stream.ID()}, ended)
	assert.False(t, f.media.IsScreenSharing())
	assert.False(t, f.media.ScreenSharing.Get())
	assert.Empty(t, f.devices.LiveTracks())
}

func TestMediaSourceManager_StopScreen(t *testing.T) {
	f := newMediaFixture(t, MediaOptions{})
	_, err := f.media.AcquireScreen(context.Background(), "", "screen:0:0")
	require.NoError(t, err)

	var ended int
	f.media.ScreenEnded.Subscribe(func(string) { ended++ })

	assert.True(t, f.media.StopScreen())
	assert.False(t, f.media.StopScreen())
	assert.Zero(t, ended)
	assert.Empty(t, f.devices.LiveTracks())
}

func TestMediaSourceManager_Cleanup(t *testing.T) {
	f := newMediaFixture(t, MediaOptions{})
	ctx := context.Background()
	_, err := f.media.AcquireAudio(ctx, "")
	require.NoError(t, err)
	_, err = f.media.AcquireScreen(ctx, "", "screen:0:0")
	require.NoError(t, err)
	f.media.SetMute(true)

	f.media.Cleanup()

	assert.Empty(t, f.devices.LiveTracks())
	state := f.media.State()
	assert.False(t, state.Muted)
	assert.False(t, state.ScreenSharing)
	assert.Empty(t, state.AudioStreamID)
	assert.Equal(t, domain.MicrophonePending, state.MicrophoneStatus)
}

func TestMediaSourceManager_OutputDevice(t *testing.T) {
	f := newMediaFixture(t, MediaOptions{})

	var seen []string
	f.media.OutputDevice.Subscribe(func(id string) { seen = append(seen, id) })
	f.media.SetOutputDevice("headphones")

	assert.Equal(t, []string{domain.DefaultDeviceID, "headphones"}, seen)
	assert.Equal(t, "headphones", f.prefs.SelectedDevices().AudioOutputID)
}
