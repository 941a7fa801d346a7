package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"twine/internal/core/domain"
	"twine/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// ErrUnsupportedTrack is returned when a media track has no pion source behind it.
var ErrUnsupportedTrack = errors.New("track is not backed by a pion local track")

// LocalTrack is a capture track that can be sent over pion.
type LocalTrack interface {
	ports.MediaTrack
	TrackLocal() webrtc.TrackLocal
}

type peerConnection struct {
	pc     *webrtc.PeerConnection
	logger *zap.SugaredLogger

	mu      sync.Mutex
	senders []*rtpSender
}

func newPeerConnection(pc *webrtc.PeerConnection, logger *zap.SugaredLogger) *peerConnection {
	return &peerConnection{pc: pc, logger: logger}
}

func (c *peerConnection) AddTrack(track ports.MediaTrack, streamID string) (ports.RTPSender, error) {
	local, ok := track.(LocalTrack)
	if !ok {
		return nil, fmt.Errorf("add track %s: %w", track.ID(), ErrUnsupportedTrack)
	}
	if sid := local.TrackLocal().StreamID(); sid != streamID {
		c.logger.Debugw("Track announced under its own stream id", "track_id", track.ID(), "stream_id", sid, "requested", streamID)
	}

	sender, err := c.pc.AddTrack(local.TrackLocal())
	if err != nil {
		return nil, fmt.Errorf("add track %s: %w", track.ID(), err)
	}
	go drainRTCP(sender)

	s := &rtpSender{sender: sender, track: track}
	c.mu.Lock()
	c.senders = append(c.senders, s)
	c.mu.Unlock()
	return s, nil
}

// drainRTCP reads inbound RTCP so interceptors such as NACK keep working.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (c *peerConnection) RemoveTrack(sender ports.RTPSender) error {
	s, ok := sender.(*rtpSender)
	if !ok {
		return fmt.Errorf("remove track: foreign sender %T", sender)
	}
	if err := c.pc.RemoveTrack(s.sender); err != nil {
		return fmt.Errorf("remove track: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.senders {
		if existing == s {
			c.senders = append(c.senders[:i], c.senders[i+1:]...)
			break
		}
	}
	return nil
}

func (c *peerConnection) Senders() []ports.RTPSender {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ports.RTPSender, 0, len(c.senders))
	for _, s := range c.senders {
		out = append(out, s)
	}
	return out
}

func (c *peerConnection) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return c.pc.CreateOffer(nil)
}

func (c *peerConnection) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return c.pc.CreateAnswer(nil)
}

func (c *peerConnection) SetLocalDescription(ctx context.Context, desc webrtc.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.pc.SetLocalDescription(desc)
}

func (c *peerConnection) SetRemoteDescription(ctx context.Context, desc webrtc.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.pc.SetRemoteDescription(desc)
}

func (c *peerConnection) AddICECandidate(ctx context.Context, candidate webrtc.ICECandidateInit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.pc.AddICECandidate(candidate)
}

func (c *peerConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if candidate == nil {
			return
		}
		fn(candidate.ToJSON())
	})
}

func (c *peerConnection) OnTrack(fn func(ports.RemoteTrack)) {
	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		remote := newRemoteTrack(track, c.logger)
		if remote.Kind() == domain.TrackKindVideo {
			c.requestKeyframe(track)
		}
		go remote.readLoop()
		fn(remote)
	})
}

// requestKeyframe asks the sender for a fresh keyframe so screen shares render immediately.
func (c *peerConnection) requestKeyframe(track *webrtc.TrackRemote) {
	pli := &rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}
	if err := c.pc.WriteRTCP([]rtcp.Packet{pli}); err != nil {
		c.logger.Debugw("Failed to send PLI", "track_id", track.ID(), "error", err)
	}
}

func (c *peerConnection) OnConnectionStateChange(fn func(domain.ConnectionState)) {
	c.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		fn(mapConnectionState(state))
	})
}

func (c *peerConnection) ConnectionState() domain.ConnectionState {
	return mapConnectionState(c.pc.ConnectionState())
}

func (c *peerConnection) Close() error {
	return c.pc.Close()
}

func mapConnectionState(state webrtc.PeerConnectionState) domain.ConnectionState {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return domain.ConnectionStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return domain.ConnectionStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return domain.ConnectionStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return domain.ConnectionStateFailed
	case webrtc.PeerConnectionStateClosed:
		return domain.ConnectionStateClosed
	default:
		return domain.ConnectionStateNew
	}
}

// rtpSender keeps the encoding parameters requested for a sender. pion has no
// per-encoding bitrate control; the audio bitrate reaches the remote side
// through the SDP bandwidth lines instead.
type rtpSender struct {
	sender *webrtc.RTPSender

	mu     sync.Mutex
	track  ports.MediaTrack
	params domain.EncodingParameters
}

func (s *rtpSender) Track() ports.MediaTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *rtpSender) ReplaceTrack(track ports.MediaTrack) error {
	var local webrtc.TrackLocal
	if track != nil {
		lt, ok := track.(LocalTrack)
		if !ok {
			return fmt.Errorf("replace track %s: %w", track.ID(), ErrUnsupportedTrack)
		}
		local = lt.TrackLocal()
	}
	if err := s.sender.ReplaceTrack(local); err != nil {
		return fmt.Errorf("replace track: %w", err)
	}

	s.mu.Lock()
	s.track = track
	s.mu.Unlock()
	return nil
}

func (s *rtpSender) SetParameters(params domain.EncodingParameters) error {
	s.mu.Lock()
	s.params = params
	s.mu.Unlock()
	return nil
}

func (s *rtpSender) Parameters() domain.EncodingParameters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}
