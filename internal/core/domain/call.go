package domain

// CallSnapshot is the call state handed to the UI.
type CallSnapshot struct {
	RoomID        RoomID                `json:"roomId,omitempty"`
	InRoom        bool                  `json:"inRoom"`
	LocalUserID   UserID                `json:"localUserId"`
	LocalSocketID PeerID                `json:"localSocketId,omitempty"`
	Media         LocalMediaState       `json:"media"`
	Participants  []ParticipantRecord   `json:"participants"`
	Peers         []PeerInfo            `json:"peers"`
	Communication CommunicationSettings `json:"communication"`
	PushToTalk    PushToTalkState       `json:"pushToTalk"`
}

type PushToTalkState struct {
	Enabled  bool `json:"enabled"`
	Holding  bool `json:"holding"`
	Override bool `json:"override"`
}
