package ports

import (
	"context"

	"twine/internal/core/domain"

	"github.com/pion/webrtc/v4"
)

type RTPSender interface {
	// Track returns nil when the sender carries no track.
	Track() MediaTrack
	ReplaceTrack(track MediaTrack) error
	SetParameters(params domain.EncodingParameters) error
	Parameters() domain.EncodingParameters
}

type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() domain.TrackKind
	// Label is the best available label; transports without labels return the track id.
	Label() string
}

type PeerConnection interface {
	AddTrack(track MediaTrack, streamID string) (RTPSender, error)
	RemoveTrack(sender RTPSender) error
	Senders() []RTPSender
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetLocalDescription(ctx context.Context, desc webrtc.SessionDescription) error
	SetRemoteDescription(ctx context.Context, desc webrtc.SessionDescription) error
	AddICECandidate(ctx context.Context, candidate webrtc.ICECandidateInit) error
	OnICECandidate(fn func(candidate webrtc.ICECandidateInit))
	OnTrack(fn func(track RemoteTrack))
	OnConnectionStateChange(fn func(state domain.ConnectionState))
	ConnectionState() domain.ConnectionState
	Close() error
}

type ConnectionFactory interface {
	NewConnection(ctx context.Context, iceServers []webrtc.ICEServer) (PeerConnection, error)
}

type ICEConfigProvider interface {
	ICEServers(ctx context.Context) ([]webrtc.ICEServer, error)
}

// RemoteStreamEvent announces remote media for a peer.
type RemoteStreamEvent struct {
	PeerID   domain.PeerID
	UserID   domain.UserID
	StreamID string
	Category domain.StreamCategory
	Track    RemoteTrack
	Receiver domain.ReceiverTuning
}
