package domain

import "math"

const (
	AudioSettingsKey         = "webrtc_audio_settings"
	SelectedDevicesKey       = "webrtc_selected_devices"
	CommunicationSettingsKey = "webrtc_communication_settings"
	VolumePreferencesKey     = "twine:volume-preferences:v1"

	DefaultDeviceID     = "default"
	DefaultVolume       = 100
	MaxReleaseDelayMs   = 1000
	DefaultReleaseDelay = 200
)

type AudioSettings struct {
	NoiseSuppression bool `json:"noiseSuppression"`
	EchoCancellation bool `json:"echoCancellation"`
}

func DefaultAudioSettings() AudioSettings {
	return AudioSettings{NoiseSuppression: true, EchoCancellation: true}
}

type SelectedDevices struct {
	AudioInputID  string `json:"audioInputId"`
	AudioOutputID string `json:"audioOutputId"`
}

func DefaultSelectedDevices() SelectedDevices {
	return SelectedDevices{AudioInputID: DefaultDeviceID, AudioOutputID: DefaultDeviceID}
}

// Normalize replaces empty ids with the default device.
func (d SelectedDevices) Normalize() SelectedDevices {
	if d.AudioInputID == "" {
		d.AudioInputID = DefaultDeviceID
	}
	if d.AudioOutputID == "" {
		d.AudioOutputID = DefaultDeviceID
	}
	return d
}

type CommunicationMode string

const (
	CommunicationModeAuto       CommunicationMode = "auto"
	CommunicationModePushToTalk CommunicationMode = "push-to-talk"
)

type Shortcut struct {
	Code     string `json:"code"`
	CtrlKey  bool   `json:"ctrlKey"`
	AltKey   bool   `json:"altKey"`
	ShiftKey bool   `json:"shiftKey"`
	MetaKey  bool   `json:"metaKey"`
}

type CommunicationSettings struct {
	Mode           CommunicationMode `json:"mode"`
	Shortcut       Shortcut          `json:"shortcut"`
	ReleaseDelayMs int               `json:"releaseDelayMs"`
}

func DefaultCommunicationSettings() CommunicationSettings {
	return CommunicationSettings{
		Mode:           CommunicationModeAuto,
		Shortcut:       Shortcut{Code: "Space", CtrlKey: true},
		ReleaseDelayMs: DefaultReleaseDelay,
	}
}

func (s CommunicationSettings) Normalize() CommunicationSettings {
	def := DefaultCommunicationSettings()
	if s.Mode != CommunicationModeAuto && s.Mode != CommunicationModePushToTalk {
		s.Mode = def.Mode
	}
	if s.Shortcut.Code == "" {
		s.Shortcut = def.Shortcut
	}
	s.ReleaseDelayMs = min(max(s.ReleaseDelayMs, 0), MaxReleaseDelayMs)
	return s
}

// ClampVolume rounds to an integer percentage in [0, 100]. NaN yields the default.
func ClampVolume(v float64) int {
	if math.IsNaN(v) {
		return DefaultVolume
	}
	return int(math.Round(min(max(v, 0), 100)))
}
