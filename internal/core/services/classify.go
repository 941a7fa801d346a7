package services

import (
	"strings"

	"twine/internal/core/domain"
	"twine/internal/core/ports"
)

var screenLabelHints = []string{"screen", "display", "window", "system audio"}

// ClassifyTrack decides whether a remote track belongs to a voice stream or a
// screen share. The transport carries no explicit marker, so this is a heuristic:
// video, a stream already known as the peer's screen stream, or a screen-like label
// means screen share; a lone audio track is voice.
func ClassifyTrack(peer domain.PeerInfo, streamID string, streamHasVideo bool, track ports.RemoteTrack) domain.StreamCategory {
	if track.Kind() == domain.TrackKindVideo || streamHasVideo {
		return domain.StreamCategoryScreen
	}
	if peer.ScreenStreamID != "" && streamID == peer.ScreenStreamID {
		return domain.StreamCategoryScreen
	}

	label := strings.ToLower(track.Label())
	for _, hint := range screenLabelHints {
		if strings.Contains(label, hint) {
			return domain.StreamCategoryScreen
		}
	}
	return domain.StreamCategoryVoice
}
