package services

import (
	"testing"

	"twine/internal/core/domain"
	"twine/internal/testutils"

	"github.com/stretchr/testify/assert"
)

func TestClassifyTrack(t *testing.T) {
	sharing := domain.PeerInfo{ScreenStreamID: "screen-stream"}

	tests := []struct {
		name     string
		peer     domain.PeerInfo
		streamID string
		hasVideo bool
		track    *testutils.MockRemoteTrack
		want     domain.StreamCategory
	}{
		{
			name:     "lone audio track",
			streamID: "mic",
			track:    &testutils.MockRemoteTrack{TrackID: "a1", Stream: "mic", TrackKnd: domain.TrackKindAudio},
			want:     domain.StreamCategoryVoice,
		},
		{
			name:     "video track",
			streamID: "s",
			track:    &testutils.MockRemoteTrack{TrackID: "v1", Stream: "s", TrackKnd: domain.TrackKindVideo},
			want:     domain.StreamCategoryScreen,
		},
		{
			name:     "audio in a stream carrying video",
			streamID: "s",
			hasVideo: true,
			track:    &testutils.MockRemoteTrack{TrackID: "a2", Stream: "s", TrackKnd: domain.TrackKindAudio},
			want:     domain.StreamCategoryScreen,
		},
		{
			name:     "audio in the known screen stream",
			peer:     sharing,
			streamID: "screen-stream",
			track:    &testutils.MockRemoteTrack{TrackID: "a3", Stream: "screen-stream", TrackKnd: domain.TrackKindAudio},
			want:     domain.StreamCategoryScreen,
		},
		{
			name:     "system audio label",
			streamID: "x",
			track:    &testutils.MockRemoteTrack{TrackID: "a4", Stream: "x", TrackKnd: domain.TrackKindAudio, Lbl: "System Audio"},
			want:     domain.StreamCategoryScreen,
		},
		{
			name:     "display label",
			streamID: "x",
			track:    &testutils.MockRemoteTrack{TrackID: "a5", Stream: "x", TrackKnd: domain.TrackKindAudio, Lbl: "Display 1"},
			want:     domain.StreamCategoryScreen,
		},
		{
			name:     "voice while peer shares another stream",
			peer:     sharing,
			streamID: "mic",
			track:    &testutils.MockRemoteTrack{TrackID: "a6", Stream: "mic", TrackKnd: domain.TrackKindAudio, Lbl: "Microphone"},
			want:     domain.StreamCategoryVoice,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyTrack(tt.peer, tt.streamID, tt.hasVideo, tt.track)
			assert.Equal(t, tt.want, got)
		})
	}
}
