package http

import (
	"twine/internal/core/domain"
	"twine/internal/core/ports"
	"twine/internal/core/services"
	"twine/pkg/eventbus"
)

// UI event types pushed on /api/v1/events.
const (
	EventSnapshot          = "snapshot"
	EventMuted             = "muted"
	EventScreenSharing     = "screen-sharing"
	EventMicrophoneStatus  = "microphone-status"
	EventOutputDevice      = "output-device"
	EventRoster            = "roster"
	EventPeerUpdated       = "peer-updated"
	EventConnectionState   = "connection-state"
	EventRemoteStream      = "remote-stream"
	EventPeerDisconnected  = "peer-disconnected"
	EventPushToTalk        = "push-to-talk"
	EventCommunicationMode = "communication-settings"
)

type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// RemoteStream describes remote media without the track handle.
type RemoteStream struct {
	PeerID   domain.PeerID         `json:"peerId"`
	UserID   domain.UserID         `json:"userId"`
	StreamID string                `json:"streamId"`
	Category domain.StreamCategory `json:"category"`
	TrackID  string                `json:"trackId,omitempty"`
	Receiver domain.ReceiverTuning `json:"receiver"`
}

func remoteStream(ev ports.RemoteStreamEvent) RemoteStream {
	rs := RemoteStream{
		PeerID:   ev.PeerID,
		UserID:   ev.UserID,
		StreamID: ev.StreamID,
		Category: ev.Category,
		Receiver: ev.Receiver,
	}
	if ev.Track != nil {
		rs.TrackID = ev.Track.ID()
	}
	return rs
}

// BridgeCallEvents republishes the call's reactive state on feed. The
// returned func detaches every subscription.
func BridgeCallEvents(call *services.CallService, feed *eventbus.Subject[Event]) func() {
	publish := func(kind string, v any) {
		feed.Publish(Event{Type: kind, Data: v})
	}
	media := call.Media()
	registry := call.Registry()
	ptt := call.PushToTalk()

	pttState := func(bool) {
		feed.Publish(Event{Type: EventPushToTalk, Data: domain.PushToTalkState{
			Enabled:  ptt.IsEnabled(),
			Holding:  ptt.IsHolding(),
			Override: ptt.Override.Get(),
		}})
	}

	unsubs := []func(){
		media.Muted.Subscribe(func(v bool) { publish(EventMuted, v) }),
		media.ScreenSharing.Subscribe(func(v bool) { publish(EventScreenSharing, v) }),
		media.MicStatus.Subscribe(func(v domain.MicrophoneStatus) { publish(EventMicrophoneStatus, v) }),
		media.OutputDevice.Subscribe(func(v string) { publish(EventOutputDevice, v) }),
		call.Roster().Events.Subscribe(func(v domain.RosterEvent) { publish(EventRoster, v) }),
		call.PeerUpdates.Subscribe(func(v domain.PeerInfo) { publish(EventPeerUpdated, v) }),
		registry.ConnectionStates.Subscribe(func(v domain.ConnectionStateEvent) { publish(EventConnectionState, v) }),
		registry.RemoteAudio.Subscribe(func(v ports.RemoteStreamEvent) { publish(EventRemoteStream, remoteStream(v)) }),
		registry.RemoteScreen.Subscribe(func(v ports.RemoteStreamEvent) { publish(EventRemoteStream, remoteStream(v)) }),
		registry.Disconnected.Subscribe(func(v domain.PeerDisconnectedEvent) { publish(EventPeerDisconnected, v) }),
		ptt.Holding.Subscribe(pttState),
		ptt.Enabled.Subscribe(pttState),
		ptt.Override.Subscribe(pttState),
		call.Preferences().Communication.Subscribe(func(v domain.CommunicationSettings) { publish(EventCommunicationMode, v) }),
	}

	return func() {
		for _, unsubscribe := range unsubs {
			unsubscribe()
		}
	}
}
