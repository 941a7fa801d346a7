package services

import (
	"context"
	"sync"
	"testing"

	"twine/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type connectCall struct {
	peerID domain.PeerID
	userID domain.UserID
	name   string
}

type fakeConnector struct {
	mu    sync.Mutex
	calls []connectCall
}

func (c *fakeConnector) TryConnect(peerID domain.PeerID, userID domain.UserID, name string) {
	c.mu.Lock()
	c.calls = append(c.calls, connectCall{peerID, userID, name})
	c.mu.Unlock()
}

type fakeRemover struct {
	mu      sync.Mutex
	removed []domain.PeerID
}

func (r *fakeRemover) Remove(peerID domain.PeerID) bool {
	r.mu.Lock()
	r.removed = append(r.removed, peerID)
	r.mu.Unlock()
	return true
}

func newTestRoster() (*RosterSynchronizer, *fakeConnector, *fakeRemover) {
	connector, remover := &fakeConnector{}, &fakeRemover{}
	return NewRosterSynchronizer(connector, remover, testLogger()), connector, remover
}

func TestRoster_RoomJoinedPreservesSocket(t *testing.T) {
	roster, _, _ := newTestRoster()
	roster.HandleWebRTCParticipantJoined(domain.WebRTCParticipantPayload{SocketID: "s1", UserID: "u1"})

	roster.HandleRoomJoined([]domain.WireParticipant{
		{UserID: "u1", Username: "ann"},
		{ID: "u2", Username: "bob"},
	})

	participants := roster.Participants()
	require.Len(t, participants, 2)
	assert.Equal(t, domain.PeerID("s1"), participants[0].WebRTCSocketID)
	assert.Equal(t, "ann", participants[0].Username)
	assert.Equal(t, domain.UserID("u2"), participants[1].UserID)
	assert.Empty(t, participants[1].WebRTCSocketID)
}

func TestRoster_UserJoinedKeepsSocket(t *testing.T) {
	roster, _, _ := newTestRoster()
	roster.HandleWebRTCParticipantJoined(domain.WebRTCParticipantPayload{SocketID: "s1", UserID: "u1"})

	var events []domain.RosterEvent
	roster.Events.Subscribe(func(ev domain.RosterEvent) { events = append(events, ev) })
	roster.HandleUserJoined(domain.WireParticipant{UserID: "u1", DisplayName: "Ann"})

	rec, ok := roster.Get("u1")
	require.True(t, ok)
	assert.Equal(t, domain.PeerID("s1"), rec.WebRTCSocketID)
	assert.Equal(t, "Ann", rec.DisplayName)
	require.Len(t, events, 1)
	assert.Equal(t, domain.RosterUpdated, events[0].Type)
}

func TestRoster_UserUpdatedPatchesDisplayFields(t *testing.T) {
	roster, _, _ := newTestRoster()
	roster.HandleUserJoined(domain.WireParticipant{UserID: "u1", Username: "ann", DisplayName: "Ann", AvatarURL: "a.png"})

	roster.HandleUserUpdated(domain.WireParticipant{UserID: "u1", Username: "changed", DisplayName: "Annie", DecorationURL: "d.png"})
	roster.HandleUserUpdated(domain.WireParticipant{UserID: "ghost", DisplayName: "Nobody"})

	rec, _ := roster.Get("u1")
	assert.Equal(t, "ann", rec.Username)
	assert.Equal(t, "Annie", rec.DisplayName)
	assert.Equal(t, "a.png", rec.AvatarURL)
	assert.Equal(t, "d.png", rec.DecorationURL)
	_, ok := roster.Get("ghost")
	assert.False(t, ok)
}

func TestRoster_MediaJoinConnects(t *testing.T) {
	roster, connector, _ := newTestRoster()
	roster.HandleUserJoined(domain.WireParticipant{UserID: "u2", DisplayName: "Bob"})

	roster.HandleWebRTCParticipantJoined(domain.WebRTCParticipantPayload{SocketID: "s2", UserID: "u2"})

	require.Len(t, connector.calls, 1)
	assert.Equal(t, connectCall{"s2", "u2", "Bob"}, connector.calls[0])
	rec, ok := roster.FindBySocket("s2")
	require.True(t, ok)
	assert.Equal(t, domain.UserID("u2"), rec.UserID)
}

func TestRoster_LocalUserNeverDialed(t *testing.T) {
	roster, connector, _ := newTestRoster()
	roster.MarkLocalWebRTC("me", "s5")

	roster.HandleInitialWebRTCParticipants([]domain.WebRTCParticipantPayload{
		{SocketID: "s5", UserID: "me"},
		{SocketID: "s1", UserID: "u1", Username: "ann"},
	})

	require.Len(t, connector.calls, 1)
	assert.Equal(t, domain.PeerID("s1"), connector.calls[0].peerID)
	assert.Equal(t, "ann", connector.calls[0].name)
}

func TestRoster_MediaLeaveKeepsRecord(t *testing.T) {
	roster, _, remover := newTestRoster()
	roster.HandleUserJoined(domain.WireParticipant{UserID: "u1"})
	roster.HandleWebRTCParticipantJoined(domain.WebRTCParticipantPayload{SocketID: "s1", UserID: "u1"})

	roster.HandleWebRTCParticipantLeft(domain.WebRTCParticipantPayload{SocketID: "s1", UserID: "u1"})

	rec, ok := roster.Get("u1")
	require.True(t, ok)
	assert.Empty(t, rec.WebRTCSocketID)
	assert.Equal(t, []domain.PeerID{"s1"}, remover.removed)
}

func TestRoster_ReconnectOnNewSocketDropsOldLeg(t *testing.T) {
	roster, connector, remover := newTestRoster()
	roster.HandleWebRTCParticipantJoined(domain.WebRTCParticipantPayload{SocketID: "s1", UserID: "u1"})
	roster.HandleWebRTCParticipantJoined(domain.WebRTCParticipantPayload{SocketID: "s7", UserID: "u1"})

	assert.Equal(t, []domain.PeerID{"s1"}, remover.removed)
	assert.Len(t, connector.calls, 2)
	rec, _ := roster.Get("u1")
	assert.Equal(t, domain.PeerID("s7"), rec.WebRTCSocketID)
}

func TestRoster_UserLeftTearsDownConnection(t *testing.T) {
	f := newMediaFixture(t, MediaOptions{})
	roster := NewRosterSynchronizer(&fakeConnector{}, f.registry, testLogger())

	roster.HandleUserJoined(domain.WireParticipant{UserID: "u1"})
	roster.HandleWebRTCParticipantJoined(domain.WebRTCParticipantPayload{SocketID: "s1", UserID: "u1"})
	_, err := f.registry.Create(context.Background(), "s1", "u1", "", nil)
	require.NoError(t, err)

	roster.HandleUserLeft("u1")

	_, ok := roster.Get("u1")
	assert.False(t, ok)
	assert.False(t, f.registry.Has("s1"))
	assert.Empty(t, roster.Participants())
}

func TestRoster_Reset(t *testing.T) {
	roster, _, _ := newTestRoster()
	roster.HandleUserJoined(domain.WireParticipant{UserID: "u1"})

	roster.Reset()

	assert.Empty(t, roster.Participants())
}

func TestRoster_UserJoinedWithNewSocketDropsOldLeg(t *testing.T) {
	roster, _, remover := newTestRoster()
	roster.HandleWebRTCParticipantJoined(domain.WebRTCParticipantPayload{SocketID: "s1", UserID: "u1"})

	roster.HandleUserJoined(domain.WireParticipant{UserID: "u1", WebRTCSocketID: "s3"})
	roster.HandleUserJoined(domain.WireParticipant{UserID: "u1", DisplayName: "Ann"})

	rec, _ := roster.Get("u1")
	assert.Equal(t, domain.PeerID("s3"), rec.WebRTCSocketID)
	assert.Equal(t, []domain.PeerID{"s1"}, remover.removed)
}

func TestRoster_RoomJoinedRemovesVanishedPeers(t *testing.T) {
	roster, _, remover := newTestRoster()
	roster.MarkLocalWebRTC("me", "s5")
	roster.HandleWebRTCParticipantJoined(domain.WebRTCParticipantPayload{SocketID: "s1", UserID: "u1"})
	roster.HandleWebRTCParticipantJoined(domain.WebRTCParticipantPayload{SocketID: "s2", UserID: "u2"})

	roster.HandleRoomJoined([]domain.WireParticipant{{UserID: "u1"}})

	assert.Equal(t, []domain.PeerID{"s2"}, remover.removed)
	_, ok := roster.FindBySocket("s2")
	assert.False(t, ok)
	rec, ok := roster.Get("u1")
	require.True(t, ok)
	assert.Equal(t, domain.PeerID("s1"), rec.WebRTCSocketID)
}

func TestRoster_RemoteOfferRecordsSocket(t *testing.T) {
	roster, connector, remover := newTestRoster()
	roster.MarkLocalWebRTC("me", "s5")
	roster.HandleUserJoined(domain.WireParticipant{UserID: "u7", DisplayName: "Sev"})

	var events []domain.RosterEvent
	roster.Events.Subscribe(func(ev domain.RosterEvent) { events = append(events, ev) })

	offer := domain.WebRTCParticipantPayload{SocketID: "s7", UserID: "u7"}
	roster.HandleRemoteOffer(offer)
	roster.HandleRemoteOffer(offer)
	roster.HandleRemoteOffer(domain.WebRTCParticipantPayload{SocketID: "s6", UserID: "me"})

	rec, ok := roster.Get("u7")
	require.True(t, ok)
	assert.Equal(t, domain.PeerID("s7"), rec.WebRTCSocketID)
	assert.Equal(t, "Sev", rec.DisplayName)
	assert.Empty(t, connector.calls)
	require.Len(t, events, 1, "renegotiation offers from a known socket are silent")

	local, _ := roster.Get("me")
	assert.Equal(t, domain.PeerID("s5"), local.WebRTCSocketID)

	roster.HandleUserLeft("u7")
	assert.Equal(t, []domain.PeerID{"s7"}, remover.removed)
}
