package services

import (
	"testing"

	"twine/internal/core/domain"
	"twine/internal/infrastructure/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestPreferences_Defaults(t *testing.T) {
	prefs := NewPreferences(storage.NewMemoryStore(), zaptest.NewLogger(t).Sugar())

	assert.Equal(t, domain.DefaultAudioSettings(), prefs.AudioSettings())
	assert.Equal(t, domain.DefaultSelectedDevices(), prefs.SelectedDevices())
	assert.Equal(t, domain.DefaultCommunicationSettings(), prefs.CommunicationSettings())
	assert.Equal(t, domain.DefaultVolume, prefs.Volume("u1"))
}

func TestPreferences_CorruptEntriesFallBack(t *testing.T) {
	store := storage.NewMemoryStore()
	store.SetRaw(domain.AudioSettingsKey, []byte(`{"noiseSuppression":`))
	store.SetRaw(domain.SelectedDevicesKey, []byte(`"mic"`))
	store.SetRaw(domain.CommunicationSettingsKey, []byte(`{"mode":"shout","releaseDelayMs":5000}`))
	store.SetRaw(domain.VolumePreferencesKey, []byte(`[1,2]`))

	prefs := NewPreferences(store, zaptest.NewLogger(t).Sugar())

	assert.Equal(t, domain.DefaultAudioSettings(), prefs.AudioSettings())
	assert.Equal(t, domain.DefaultSelectedDevices(), prefs.SelectedDevices())

	comm := prefs.CommunicationSettings()
	assert.Equal(t, domain.CommunicationModeAuto, comm.Mode)
	assert.Equal(t, domain.MaxReleaseDelayMs, comm.ReleaseDelayMs)
	assert.Empty(t, prefs.Volumes())
}

func TestPreferences_Persist(t *testing.T) {
	store := storage.NewMemoryStore()
	prefs := NewPreferences(store, zaptest.NewLogger(t).Sugar())

	prefs.SetAudioSettings(domain.AudioSettings{NoiseSuppression: false, EchoCancellation: true})
	prefs.SetSelectedInput("usb-mic")
	prefs.SetSelectedOutput("")
	prefs.SetCommunicationSettings(domain.CommunicationSettings{Mode: domain.CommunicationModePushToTalk, ReleaseDelayMs: -5})
	assert.Equal(t, 100, prefs.SetVolume("u1", 140))
	assert.Equal(t, 43, prefs.SetVolume("u2", 42.6))

	reloaded := NewPreferences(store, zaptest.NewLogger(t).Sugar())
	assert.False(t, reloaded.AudioSettings().NoiseSuppression)
	assert.Equal(t, domain.SelectedDevices{AudioInputID: "usb-mic", AudioOutputID: domain.DefaultDeviceID}, reloaded.SelectedDevices())

	comm := reloaded.CommunicationSettings()
	assert.Equal(t, domain.CommunicationModePushToTalk, comm.Mode)
	assert.Equal(t, 0, comm.ReleaseDelayMs)
	assert.Equal(t, "Space", comm.Shortcut.Code)

	assert.Equal(t, 100, reloaded.Volume("u1"))
	assert.Equal(t, 43, reloaded.Volume("u2"))
}

func TestPreferences_CommunicationSettingsPublished(t *testing.T) {
	prefs := NewPreferences(storage.NewMemoryStore(), zaptest.NewLogger(t).Sugar())

	var seen []domain.CommunicationMode
	prefs.Communication.Subscribe(func(s domain.CommunicationSettings) { seen = append(seen, s.Mode) })
	prefs.SetCommunicationSettings(domain.CommunicationSettings{Mode: domain.CommunicationModePushToTalk})

	require.Len(t, seen, 2)
	assert.Equal(t, []domain.CommunicationMode{domain.CommunicationModeAuto, domain.CommunicationModePushToTalk}, seen)
}

func TestClampVolume(t *testing.T) {
	tests := []struct {
		in   float64
		want int
	}{
		{-10, 0},
		{0, 0},
		{49.5, 50},
		{100, 100},
		{250, 100},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, domain.ClampVolume(tt.in))
	}
}
