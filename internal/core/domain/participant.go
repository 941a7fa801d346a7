package domain

// ParticipantRecord is a room member as seen by the roster channel.
// WebRTCSocketID is owned by the media-signaling channel and may be empty.
type ParticipantRecord struct {
	UserID         UserID `json:"userId"`
	Username       string `json:"username,omitempty"`
	DisplayName    string `json:"displayName,omitempty"`
	AvatarURL      string `json:"avatarUrl,omitempty"`
	DecorationURL  string `json:"decorationUrl,omitempty"`
	WebRTCSocketID PeerID `json:"webrtcSocketId,omitempty"`
}

// Name returns the best human readable name for the participant.
func (p ParticipantRecord) Name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	if p.Username != "" {
		return p.Username
	}
	return string(p.UserID)
}

type RosterEventType string

const (
	RosterJoined  RosterEventType = "joined"
	RosterUpdated RosterEventType = "updated"
	RosterLeft    RosterEventType = "left"
	RosterReset   RosterEventType = "reset"
)

type RosterEvent struct {
	Type        RosterEventType     `json:"type"`
	Participant ParticipantRecord   `json:"participant"`
	Roster      []ParticipantRecord `json:"roster,omitempty"`
}
