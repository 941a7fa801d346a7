package ports

import (
	"context"

	"twine/internal/core/domain"
)

// PreferenceStore is a device-local key/value store holding JSON documents.
type PreferenceStore interface {
	// Load decodes the value under key into dst. Missing keys report false with no error.
	Load(key string, dst any) (bool, error)
	Save(key string, value any) error
}

// RoomRepository tracks relay room membership per namespace.
type RoomRepository interface {
	Join(ctx context.Context, namespace string, roomID domain.RoomID, member domain.RoomMember) error
	Leave(ctx context.Context, namespace string, roomID domain.RoomID, socketID domain.PeerID) error
	Members(ctx context.Context, namespace string, roomID domain.RoomID) ([]domain.RoomMember, error)
	RoomsOf(ctx context.Context, namespace string, socketID domain.PeerID) ([]domain.RoomID, error)
}

// CallMetrics receives call-level measurements.
type CallMetrics interface {
	PeerCreated()
	PeerRemoved()
	OfferSent(renegotiation bool)
	AnswerSent()
	RenegotiationFailed()
	ConnectionStateChanged(state domain.ConnectionState)
	MicrophoneStatusChanged(status domain.MicrophoneStatus)
}
