package webrtc

import (
	"strings"

	"github.com/pion/webrtc/v4"
)

// isKeyframe reports whether an RTP payload starts a keyframe. Only VP8 and
// H.264 are inspected; other codecs report false.
func isKeyframe(mimeType string, payload []byte) bool {
	switch {
	case strings.EqualFold(mimeType, webrtc.MimeTypeVP8):
		return isVP8Keyframe(payload)
	case strings.EqualFold(mimeType, webrtc.MimeTypeH264):
		return isH264Keyframe(payload)
	default:
		return false
	}
}

func isVP8Keyframe(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}
	// Keyframe headers only appear at the start of partition 0.
	desc := payload[0]
	if desc&0x10 == 0 || desc&0x07 != 0 {
		return false
	}

	offset := 1
	if desc&0x80 != 0 {
		if len(payload) < 2 {
			return false
		}
		ext := payload[1]
		offset++
		if ext&0x80 != 0 { // PictureID
			if len(payload) <= offset {
				return false
			}
			if payload[offset]&0x80 != 0 {
				offset++
			}
			offset++
		}
		if ext&0x40 != 0 { // TL0PICIDX
			offset++
		}
		if ext&0x30 != 0 { // TID / KEYIDX
			offset++
		}
	}
	if len(payload) <= offset {
		return false
	}
	// P bit of the frame tag is zero on keyframes.
	return payload[offset]&0x01 == 0
}

func isH264Keyframe(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}
	switch nal := payload[0] & 0x1F; nal {
	case 5, 7:
		return true
	case 24: // STAP-A
		for i := 1; i+2 < len(payload); {
			size := int(payload[i])<<8 | int(payload[i+1])
			if t := payload[i+2] & 0x1F; t == 5 || t == 7 {
				return true
			}
			i += 2 + size
		}
		return false
	case 28: // FU-A
		return len(payload) >= 2 && payload[1]&0x80 != 0 && payload[1]&0x1F == 5
	default:
		return false
	}
}
