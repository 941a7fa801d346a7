package domain

import "time"

// RoomMember is a relay-side membership entry for one socket in one namespace.
type RoomMember struct {
	SocketID    PeerID    `json:"socketId"`
	UserID      UserID    `json:"userId"`
	Username    string    `json:"username,omitempty"`
	DisplayName string    `json:"displayName,omitempty"`
	AvatarURL   string    `json:"avatarUrl,omitempty"`
	JoinedAt    time.Time `json:"joinedAt"`
}

func (m RoomMember) Wire() WireParticipant {
	return WireParticipant{
		ID:          string(m.UserID),
		UserID:      string(m.UserID),
		Username:    m.Username,
		DisplayName: m.DisplayName,
		AvatarURL:   m.AvatarURL,
		SocketID:    string(m.SocketID),
	}
}

// Identity is who a relay socket belongs to.
type Identity struct {
	UserID        UserID `json:"userId"`
	Username      string `json:"username,omitempty"`
	DisplayName   string `json:"displayName,omitempty"`
	AvatarURL     string `json:"avatarUrl,omitempty"`
	DecorationURL string `json:"decorationUrl,omitempty"`
}

func (i Identity) Member(socketID PeerID, joinedAt time.Time) RoomMember {
	return RoomMember{
		SocketID:    socketID,
		UserID:      i.UserID,
		Username:    i.Username,
		DisplayName: i.DisplayName,
		AvatarURL:   i.AvatarURL,
		JoinedAt:    joinedAt,
	}
}
