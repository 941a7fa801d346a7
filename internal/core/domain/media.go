package domain

import (
	"errors"
	"fmt"
)

type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

type MicrophoneStatus string

const (
	MicrophonePending  MicrophoneStatus = "pending"
	MicrophoneGranted  MicrophoneStatus = "granted"
	MicrophoneDenied   MicrophoneStatus = "denied"
	MicrophoneNotFound MicrophoneStatus = "not-found"
)

type DeviceErrorKind string

const (
	DeviceErrorPermissionDenied DeviceErrorKind = "permission-denied"
	DeviceErrorNotFound         DeviceErrorKind = "not-found"
	DeviceErrorOther            DeviceErrorKind = "other"
)

// DeviceError is returned by capture backends when a device cannot be opened.
type DeviceError struct {
	Kind     DeviceErrorKind
	DeviceID string
	Err      error
}

func (e *DeviceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("device %q: %s: %v", e.DeviceID, e.Kind, e.Err)
	}
	return fmt.Sprintf("device %q: %s", e.DeviceID, e.Kind)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// ClassifyDeviceError maps a capture error to a device error kind.
func ClassifyDeviceError(err error) DeviceErrorKind {
	var devErr *DeviceError
	switch {
	case errors.As(err, &devErr):
		return devErr.Kind
	case errors.Is(err, ErrPermissionDenied):
		return DeviceErrorPermissionDenied
	case errors.Is(err, ErrDeviceNotFound):
		return DeviceErrorNotFound
	default:
		return DeviceErrorOther
	}
}

// MicrophoneStatusFor maps a device error kind to the status shown to the user.
// Unclassified failures are reported as denied, the user can retry either way.
func MicrophoneStatusFor(kind DeviceErrorKind) MicrophoneStatus {
	if kind == DeviceErrorNotFound {
		return MicrophoneNotFound
	}
	return MicrophoneDenied
}

type StreamCategory string

const (
	StreamCategoryVoice  StreamCategory = "voice"
	StreamCategoryScreen StreamCategory = "screen"
)

type ContentHint string

const (
	ContentHintNone   ContentHint = ""
	ContentHintDetail ContentHint = "detail"
	ContentHintText   ContentHint = "text"
	ContentHintMotion ContentHint = "motion"
)

type IntRange struct {
	Ideal int `json:"ideal" yaml:"ideal"`
	Max   int `json:"max,omitempty" yaml:"max,omitempty"`
}

type FloatRange struct {
	Ideal float64 `json:"ideal" yaml:"ideal"`
	Max   float64 `json:"max,omitempty" yaml:"max,omitempty"`
}

type AudioConstraints struct {
	DeviceID         string `json:"deviceId,omitempty"`
	EchoCancellation bool   `json:"echoCancellation"`
	NoiseSuppression bool   `json:"noiseSuppression"`
	AutoGainControl  bool   `json:"autoGainControl"`
	SampleRate       int    `json:"sampleRate,omitempty"`
	ChannelCount     int    `json:"channelCount,omitempty"`
}

type VideoConstraints struct {
	Width       IntRange   `json:"width"`
	Height      IntRange   `json:"height"`
	FrameRate   FloatRange `json:"frameRate"`
	AspectRatio float64    `json:"aspectRatio,omitempty"`
}

type DisplayConstraints struct {
	SourceID string           `json:"sourceId,omitempty"`
	Audio    bool             `json:"audio"`
	Video    VideoConstraints `json:"video"`
}

// TrackSettings are the values a track actually runs with.
type TrackSettings struct {
	DeviceID    string      `json:"deviceId,omitempty"`
	Width       int         `json:"width,omitempty"`
	Height      int         `json:"height,omitempty"`
	FrameRate   float64     `json:"frameRate,omitempty"`
	AspectRatio float64     `json:"aspectRatio,omitempty"`
	ContentHint ContentHint `json:"contentHint,omitempty"`
}

// EncodingParameters are applied to an RTP sender.
type EncodingParameters struct {
	MaxBitrate            int     `json:"maxBitrate,omitempty"`
	MaxFramerate          float64 `json:"maxFramerate,omitempty"`
	ScaleResolutionDownBy float64 `json:"scaleResolutionDownBy,omitempty"`
	Priority              string  `json:"priority,omitempty"`
	NetworkPriority       string  `json:"networkPriority,omitempty"`
	DTX                   bool    `json:"dtx,omitempty"`
	DegradationPreference string  `json:"degradationPreference,omitempty"`
}

// LocalMediaState is a snapshot of the media manager state.
type LocalMediaState struct {
	AudioStreamID          string           `json:"audioStreamId,omitempty"`
	ScreenStreamID         string           `json:"screenStreamId,omitempty"`
	Muted                  bool             `json:"muted"`
	ScreenSharing          bool             `json:"screenSharing"`
	MicrophoneStatus       MicrophoneStatus `json:"microphoneStatus"`
	ActiveAudioProfile     AudioProfileID   `json:"activeAudioProfile"`
	ActiveScreenProfile    ScreenProfileID  `json:"activeScreenProfile"`
	SelectedInputDeviceID  string           `json:"selectedInputDeviceId"`
	SelectedOutputDeviceID string           `json:"selectedOutputDeviceId"`
}

type CaptureSourceKind string

const (
	CaptureSourceScreen CaptureSourceKind = "screen"
	CaptureSourceWindow CaptureSourceKind = "window"
)

// CaptureSource is a capturable screen or window. Images are data URLs.
type CaptureSource struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Kind      CaptureSourceKind `json:"kind"`
	Thumbnail string            `json:"thumbnail"`
	AppIcon   string            `json:"appIcon,omitempty"`
}

type CaptureSourceOptions struct {
	Types            []CaptureSourceKind `json:"types"`
	ThumbnailWidth   int                 `json:"thumbnailWidth"`
	ThumbnailHeight  int                 `json:"thumbnailHeight"`
	FetchWindowIcons bool                `json:"fetchWindowIcons"`
}

func DefaultCaptureSourceOptions() CaptureSourceOptions {
	return CaptureSourceOptions{
		Types:            []CaptureSourceKind{CaptureSourceScreen, CaptureSourceWindow},
		ThumbnailWidth:   480,
		ThumbnailHeight:  270,
		FetchWindowIcons: true,
	}
}

type MediaDeviceKind string

const (
	DeviceKindAudioInput  MediaDeviceKind = "audioinput"
	DeviceKindAudioOutput MediaDeviceKind = "audiooutput"
)

type MediaDeviceInfo struct {
	DeviceID string          `json:"deviceId"`
	Kind     MediaDeviceKind `json:"kind"`
	Label    string          `json:"label"`
}
