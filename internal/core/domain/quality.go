package domain

import "strings"

type AudioProfileID string
type ScreenProfileID string

const (
	AudioProfileVoice        AudioProfileID = "voice"
	AudioProfileMusic        AudioProfileID = "music"
	AudioProfileLowBandwidth AudioProfileID = "low-bandwidth"

	ScreenProfile720p   ScreenProfileID = "720p"
	ScreenProfile1080p  ScreenProfileID = "1080p"
	ScreenProfileMotion ScreenProfileID = "motion"

	DefaultAudioProfile  = AudioProfileVoice
	DefaultScreenProfile = ScreenProfile720p

	PreferredAudioCodec = "opus"
)

// CodecParam is one key=value pair of an a=fmtp line. Order is preserved.
type CodecParam struct {
	Key   string
	Value string
}

type ReceiverTuning struct {
	JitterBufferTargetMs int `json:"jitterBufferTargetMs,omitempty"`
	PlayoutDelayHintMs   int `json:"playoutDelayHintMs,omitempty"`
}

type AudioProfile struct {
	ID          AudioProfileID
	Constraints AudioConstraints
	CodecParams []CodecParam
	Sender      EncodingParameters
	Receiver    ReceiverTuning
}

// FMTP renders the codec parameters as an fmtp value.
func (p AudioProfile) FMTP() string {
	parts := make([]string, 0, len(p.CodecParams))
	for _, param := range p.CodecParams {
		parts = append(parts, param.Key+"="+param.Value)
	}
	return strings.Join(parts, ";")
}

type ScreenProfile struct {
	ID          ScreenProfileID
	Width       int
	Height      int
	FrameRate   float64
	MaxBitrate  int
	ContentHint ContentHint
}

// Constraints returns ideal and max values pinned to the profile.
func (p ScreenProfile) Constraints() VideoConstraints {
	c := VideoConstraints{
		Width:     IntRange{Ideal: p.Width, Max: p.Width},
		Height:    IntRange{Ideal: p.Height, Max: p.Height},
		FrameRate: FloatRange{Ideal: p.FrameRate, Max: p.FrameRate},
	}
	if p.Height > 0 {
		c.AspectRatio = float64(p.Width) / float64(p.Height)
	}
	return c
}

func (p ScreenProfile) SenderParameters() EncodingParameters {
	return EncodingParameters{
		MaxBitrate:            p.MaxBitrate,
		MaxFramerate:          p.FrameRate,
		ScaleResolutionDownBy: 1,
		Priority:              "high",
		DegradationPreference: "maintain-framerate",
	}
}

var AudioProfiles = map[AudioProfileID]AudioProfile{
	AudioProfileVoice: {
		ID: AudioProfileVoice,
		Constraints: AudioConstraints{
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
			SampleRate:       48000,
			ChannelCount:     1,
		},
		CodecParams: []CodecParam{
			{"minptime", "10"},
			{"useinbandfec", "1"},
			{"usedtx", "1"},
			{"stereo", "0"},
			{"maxaveragebitrate", "32000"},
		},
		Sender:   EncodingParameters{MaxBitrate: 32000, Priority: "high", NetworkPriority: "high", DTX: true},
		Receiver: ReceiverTuning{JitterBufferTargetMs: 60, PlayoutDelayHintMs: 40},
	},
	AudioProfileMusic: {
		ID: AudioProfileMusic,
		Constraints: AudioConstraints{
			SampleRate:   48000,
			ChannelCount: 2,
		},
		CodecParams: []CodecParam{
			{"minptime", "10"},
			{"useinbandfec", "1"},
			{"stereo", "1"},
			{"sprop-stereo", "1"},
			{"maxaveragebitrate", "128000"},
		},
		Sender:   EncodingParameters{MaxBitrate: 128000, Priority: "high", NetworkPriority: "high"},
		Receiver: ReceiverTuning{JitterBufferTargetMs: 120, PlayoutDelayHintMs: 100},
	},
	AudioProfileLowBandwidth: {
		ID: AudioProfileLowBandwidth,
		Constraints: AudioConstraints{
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
			SampleRate:       16000,
			ChannelCount:     1,
		},
		CodecParams: []CodecParam{
			{"minptime", "20"},
			{"useinbandfec", "1"},
			{"usedtx", "1"},
			{"maxaveragebitrate", "16000"},
		},
		Sender:   EncodingParameters{MaxBitrate: 16000, Priority: "medium", NetworkPriority: "medium", DTX: true},
		Receiver: ReceiverTuning{JitterBufferTargetMs: 150},
	},
}

var ScreenProfiles = map[ScreenProfileID]ScreenProfile{
	ScreenProfile720p:   {ID: ScreenProfile720p, Width: 1280, Height: 720, FrameRate: 15, MaxBitrate: 1_500_000, ContentHint: ContentHintDetail},
	ScreenProfile1080p:  {ID: ScreenProfile1080p, Width: 1920, Height: 1080, FrameRate: 30, MaxBitrate: 3_000_000, ContentHint: ContentHintDetail},
	ScreenProfileMotion: {ID: ScreenProfileMotion, Width: 1280, Height: 720, FrameRate: 30, MaxBitrate: 2_500_000, ContentHint: ContentHintMotion},
}

func LookupAudioProfile(id AudioProfileID) (AudioProfile, bool) {
	p, ok := AudioProfiles[id]
	return p, ok
}

func LookupScreenProfile(id ScreenProfileID) (ScreenProfile, bool) {
	p, ok := ScreenProfiles[id]
	return p, ok
}
