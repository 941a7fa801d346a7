package domain

import "encoding/json"

// Relay event names.
const (
	EventJoinRoom  = "join-room"
	EventLeaveRoom = "leave-room"

	EventRoomJoined  = "room-joined"
	EventUserJoined  = "user-joined"
	EventUserLeft    = "user-left"
	EventUserUpdated = "user-updated"

	EventWebRTCJoinRoom          = "webrtc:join-room"
	EventWebRTCLeaveRoom         = "webrtc:leave-room"
	EventWebRTCParticipantJoined = "webrtc:participant-joined"
	EventWebRTCParticipantLeft   = "webrtc:participant-left"
	EventWebRTCOffer             = "webrtc:offer"
	EventWebRTCAnswer            = "webrtc:answer"
	EventWebRTCICECandidate      = "webrtc:ice-candidate"
	EventWebRTCToggleAudio       = "webrtc:toggle-audio"
	EventWebRTCAudioStatus       = "webrtc:audio-status"
	EventWebRTCStartScreenShare  = "webrtc:start-screen-share"
	EventWebRTCStopScreenShare   = "webrtc:stop-screen-share"
	EventWebRTCScreenStarted     = "webrtc:screen-share-started"
	EventWebRTCScreenStopped     = "webrtc:screen-share-stopped"

	EventConnected = "connected"
	EventAck       = "ack"
	EventError     = "error"
)

// Channel namespaces. Each connects and reconnects independently.
const (
	NamespaceSignaling = "signaling"
	NamespaceWebRTC    = "webrtc"
	NamespaceChat      = "chat"
)

// WireParticipant is a participant as sent by the relay; older relays send id instead of userId.
type WireParticipant struct {
	ID             string `json:"id,omitempty"`
	UserID         string `json:"userId,omitempty"`
	Username       string `json:"username,omitempty"`
	DisplayName    string `json:"displayName,omitempty"`
	AvatarURL      string `json:"avatarUrl,omitempty"`
	DecorationURL  string `json:"decorationUrl,omitempty"`
	SocketID       string `json:"socketId,omitempty"`
	WebRTCSocketID string `json:"webrtcSocketId,omitempty"`
}

func (p WireParticipant) Record() ParticipantRecord {
	id := p.UserID
	if id == "" {
		id = p.ID
	}
	return ParticipantRecord{
		UserID:         UserID(id),
		Username:       p.Username,
		DisplayName:    p.DisplayName,
		AvatarURL:      p.AvatarURL,
		DecorationURL:  p.DecorationURL,
		WebRTCSocketID: PeerID(p.WebRTCSocketID),
	}
}

type RoomRequest struct {
	RoomID RoomID `json:"roomId"`
}

type RoomJoinedPayload struct {
	RoomID       RoomID            `json:"roomId"`
	Participants []WireParticipant `json:"participants"`
}

type ParticipantPayload struct {
	Participant WireParticipant `json:"participant"`
}

type WebRTCParticipantPayload struct {
	SocketID      PeerID `json:"socketId"`
	UserID        UserID `json:"userId"`
	Username      string `json:"username,omitempty"`
	DisplayName   string `json:"displayName,omitempty"`
	AvatarURL     string `json:"avatarUrl,omitempty"`
	DecorationURL string `json:"decorationUrl,omitempty"`
}

// SignalMessage carries an SDP description or an ICE candidate in Signal.
type SignalMessage struct {
	RoomID          RoomID          `json:"roomId,omitempty"`
	TargetSocketID  PeerID          `json:"targetSocketId,omitempty"`
	FromSocketID    PeerID          `json:"fromSocketId,omitempty"`
	FromUserID      UserID          `json:"fromUserId,omitempty"`
	FromUsername    string          `json:"fromUsername,omitempty"`
	FromDisplayName string          `json:"fromDisplayName,omitempty"`
	Signal          json.RawMessage `json:"signal"`
}

type ToggleAudioPayload struct {
	RoomID  RoomID `json:"roomId"`
	Enabled bool   `json:"enabled"`
}

type AudioStatusPayload struct {
	SocketID PeerID `json:"socketId"`
	UserID   UserID `json:"userId,omitempty"`
	Enabled  bool   `json:"enabled"`
}

type ScreenSharePayload struct {
	SocketID PeerID `json:"socketId"`
	UserID   UserID `json:"userId"`
}

// ConnectedPayload greets a socket with the id the relay assigned to it.
type ConnectedPayload struct {
	SocketID PeerID `json:"socketId"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// AckResponse is the acknowledgement body for room-scoped emits.
type AckResponse struct {
	Success      bool                       `json:"success"`
	Message      string                     `json:"message,omitempty"`
	SocketID     PeerID                     `json:"socketId,omitempty"`
	Participants []WebRTCParticipantPayload `json:"participants,omitempty"`
}

// Envelope is the frame exchanged with the relay.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	AckID string          `json:"ackId,omitempty"`
}
