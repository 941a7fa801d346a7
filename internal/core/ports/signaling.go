package ports

import (
	"context"
	"encoding/json"

	"twine/internal/core/domain"
)

// SignalingClient is one namespace channel to the relay.
type SignalingClient interface {
	Namespace() string
	Connect(ctx context.Context) error
	Connected() bool
	// WaitConnected blocks until the channel is connected or ctx is done.
	WaitConnected(ctx context.Context) error
	SocketID() domain.PeerID
	Emit(ctx context.Context, event string, payload any) error
	// Request emits and waits for the acknowledgement. A success=false ack yields *domain.AckError.
	Request(ctx context.Context, event string, payload any) (domain.AckResponse, error)
	On(event string, handler func(data json.RawMessage)) (unsubscribe func())
	Close() error
}
