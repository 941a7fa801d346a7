package services

import (
	"fmt"
	"strconv"
	"strings"

	"twine/internal/core/domain"

	"github.com/pion/sdp/v3"
)

// MungeAudioCodec moves the preferred audio codec to the front of every m=audio
// format list and replaces its fmtp parameters with the profile's. When the
// profile has a sender bitrate, AS and TIAS bandwidth lines are set on the audio section.
// A description without the codec is returned unchanged with ErrCodecNotFound.
func MungeAudioCodec(raw string, profile domain.AudioProfile) (string, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return raw, fmt.Errorf("parse session description: %w", err)
	}

	found := false
	for _, media := range desc.MediaDescriptions {
		if media.MediaName.Media != "audio" {
			continue
		}

		pt, rtpmapIdx := findCodec(media.Attributes, domain.PreferredAudioCodec)
		if pt == "" {
			continue
		}
		found = true

		media.MediaName.Formats = moveFirst(media.MediaName.Formats, pt)
		media.Attributes = upsertFMTP(media.Attributes, pt, profile.FMTP(), rtpmapIdx)

		if profile.Sender.MaxBitrate > 0 {
			media.Bandwidth = upsertBandwidth(media.Bandwidth, "AS", uint64(profile.Sender.MaxBitrate/1000))
			media.Bandwidth = upsertBandwidth(media.Bandwidth, "TIAS", uint64(profile.Sender.MaxBitrate))
		}
	}

	if !found {
		return raw, domain.ErrCodecNotFound
	}

	out, err := desc.Marshal()
	if err != nil {
		return raw, fmt.Errorf("marshal session description: %w", err)
	}
	return string(out), nil
}

// MungeScreenBandwidth caps the m=video sections carrying streamID at the
// profile's bitrate and frame rate. Sections of other streams are untouched.
func MungeScreenBandwidth(raw, streamID string, profile domain.ScreenProfile) (string, error) {
	if streamID == "" {
		return raw, nil
	}
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return raw, fmt.Errorf("parse session description: %w", err)
	}

	changed := false
	for _, media := range desc.MediaDescriptions {
		if media.MediaName.Media != "video" || !carriesStream(media, streamID) {
			continue
		}
		changed = true
		if profile.MaxBitrate > 0 {
			media.Bandwidth = upsertBandwidth(media.Bandwidth, "AS", uint64(profile.MaxBitrate/1000))
			media.Bandwidth = upsertBandwidth(media.Bandwidth, "TIAS", uint64(profile.MaxBitrate))
		}
		if profile.FrameRate > 0 {
			media.Attributes = upsertAttribute(media.Attributes, "framerate", strconv.FormatFloat(profile.FrameRate, 'f', -1, 64))
		}
	}
	if !changed {
		return raw, nil
	}

	out, err := desc.Marshal()
	if err != nil {
		return raw, fmt.Errorf("marshal session description: %w", err)
	}
	return string(out), nil
}

func carriesStream(media *sdp.MediaDescription, streamID string) bool {
	for _, attr := range media.Attributes {
		if attr.Key != "msid" {
			continue
		}
		if id, _, _ := strings.Cut(attr.Value, " "); id == streamID {
			return true
		}
	}
	return false
}

func upsertAttribute(attrs []sdp.Attribute, key, value string) []sdp.Attribute {
	for i := range attrs {
		if attrs[i].Key == key {
			attrs[i].Value = value
			return attrs
		}
	}
	return append(attrs, sdp.NewAttribute(key, value))
}

// findCodec returns the payload type of codec and the index of its rtpmap attribute.
func findCodec(attrs []sdp.Attribute, codec string) (string, int) {
	for i, attr := range attrs {
		if attr.Key != "rtpmap" {
			continue
		}
		pt, encoding, ok := strings.Cut(attr.Value, " ")
		if !ok {
			continue
		}
		name, _, _ := strings.Cut(encoding, "/")
		if !strings.EqualFold(name, codec) {
			continue
		}
		if _, err := strconv.Atoi(pt); err != nil {
			continue
		}
		return pt, i
	}
	return "", -1
}

func moveFirst(formats []string, pt string) []string {
	out := make([]string, 0, len(formats))
	out = append(out, pt)
	for _, f := range formats {
		if f != pt {
			out = append(out, f)
		}
	}
	return out
}

func upsertFMTP(attrs []sdp.Attribute, pt, params string, rtpmapIdx int) []sdp.Attribute {
	value := pt + " " + params
	for i, attr := range attrs {
		if attr.Key == "fmtp" && strings.HasPrefix(attr.Value, pt+" ") {
			attrs[i].Value = value
			return attrs
		}
	}

	out := make([]sdp.Attribute, 0, len(attrs)+1)
	out = append(out, attrs[:rtpmapIdx+1]...)
	out = append(out, sdp.NewAttribute("fmtp", value))
	out = append(out, attrs[rtpmapIdx+1:]...)
	return out
}

func upsertBandwidth(lines []sdp.Bandwidth, typ string, value uint64) []sdp.Bandwidth {
	for i := range lines {
		if lines[i].Type == typ {
			lines[i].Bandwidth = value
			return lines
		}
	}
	return append(lines, sdp.Bandwidth{Type: typ, Bandwidth: value})
}
