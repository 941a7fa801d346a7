package webrtc

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"twine/internal/core/domain"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// RemoteTrack is an inbound track. Packets are read continuously; a sink can
// be attached with OnPacket. pion exposes no track label, so Label is the id.
type RemoteTrack struct {
	track  *webrtc.TrackRemote
	logger *zap.SugaredLogger

	packets   atomic.Uint64
	bytes     atomic.Uint64
	keyframes atomic.Uint64

	mu   sync.RWMutex
	sink func(*rtp.Packet)
}

func newRemoteTrack(track *webrtc.TrackRemote, logger *zap.SugaredLogger) *RemoteTrack {
	return &RemoteTrack{track: track, logger: logger}
}

func (t *RemoteTrack) ID() string       { return t.track.ID() }
func (t *RemoteTrack) StreamID() string { return t.track.StreamID() }
func (t *RemoteTrack) Label() string    { return t.track.ID() }

func (t *RemoteTrack) Kind() domain.TrackKind {
	if t.track.Kind() == webrtc.RTPCodecTypeVideo {
		return domain.TrackKindVideo
	}
	return domain.TrackKindAudio
}

func (t *RemoteTrack) MimeType() string {
	return t.track.Codec().MimeType
}

// OnPacket sets the function receiving every RTP packet. Nil detaches it.
func (t *RemoteTrack) OnPacket(fn func(*rtp.Packet)) {
	t.mu.Lock()
	t.sink = fn
	t.mu.Unlock()
}

// TrackStats counts what a remote track has received.
type TrackStats struct {
	Packets   uint64
	Bytes     uint64
	Keyframes uint64
}

func (t *RemoteTrack) Stats() TrackStats {
	return TrackStats{
		Packets:   t.packets.Load(),
		Bytes:     t.bytes.Load(),
		Keyframes: t.keyframes.Load(),
	}
}

func (t *RemoteTrack) readLoop() {
	for {
		pkt, _, err := t.track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.logger.Debugw("Remote track read stopped", "track_id", t.track.ID(), "error", err)
			}
			return
		}
		t.consume(pkt)
	}
}

func (t *RemoteTrack) consume(pkt *rtp.Packet) {
	t.packets.Add(1)
	t.bytes.Add(uint64(len(pkt.Payload)))
	if t.Kind() == domain.TrackKindVideo && isKeyframe(t.MimeType(), pkt.Payload) {
		t.keyframes.Add(1)
	}

	t.mu.RLock()
	sink := t.sink
	t.mu.RUnlock()
	if sink != nil {
		sink(pkt)
	}
}
