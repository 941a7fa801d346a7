package domain

import "time"

// PeerID is the transient media-signaling socket id of a remote participant.
type PeerID string
type UserID string
type RoomID string

type ConnectionState string

const (
	ConnectionStateNew          ConnectionState = "new"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateFailed       ConnectionState = "failed"
	ConnectionStateClosed       ConnectionState = "closed"
)

// IsTerminal reports whether the state should tear the connection down.
// Disconnected is treated like failed: a returning peer negotiates a fresh connection.
func (s ConnectionState) IsTerminal() bool {
	switch s {
	case ConnectionStateDisconnected, ConnectionStateFailed, ConnectionStateClosed:
		return true
	}
	return false
}

// PeerInfo is a read-only snapshot of a registry entry.
type PeerInfo struct {
	PeerID          PeerID          `json:"peerId"`
	UserID          UserID          `json:"userId"`
	DisplayName     string          `json:"displayName"`
	State           ConnectionState `json:"state"`
	AudioStreamID   string          `json:"audioStreamId,omitempty"`
	ScreenStreamID  string          `json:"screenStreamId,omitempty"`
	IsMuted         bool            `json:"isMuted"`
	IsScreenSharing bool            `json:"isScreenSharing"`
	CreatedAt       time.Time       `json:"createdAt"`
}

type ConnectionStateEvent struct {
	PeerID PeerID          `json:"peerId"`
	State  ConnectionState `json:"state"`
}

type PeerDisconnectedEvent struct {
	PeerID PeerID `json:"peerId"`
	UserID UserID `json:"userId"`
}
