package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"twine/internal/core/domain"
	"twine/internal/core/services"
	"twine/internal/infrastructure/repositories/memory"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testRoom = domain.RoomID("room-1")

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func newTestRelay(t *testing.T, cfg RelayConfig, auth services.AuthService) (*Relay, string) {
	t.Helper()
	relay := NewRelay(cfg, memory.NewMemoryRoomRepository(), auth, testLogger())
	srv := httptest.NewServer(http.HandlerFunc(relay.HandleWebSocket))
	t.Cleanup(srv.Close)
	return relay, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func connectClient(t *testing.T, url, namespace string, userID domain.UserID) *Client {
	t.Helper()
	c := NewClient(ClientConfig{
		URL:        url,
		Namespace:  namespace,
		UserID:     userID,
		Username:   string(userID),
		AckTimeout: 2 * time.Second,
	}, testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(func() { c.Close() })
	return c
}

func collect(c *Client, event string) <-chan json.RawMessage {
	ch := make(chan json.RawMessage, 16)
	c.On(event, func(data json.RawMessage) { ch <- data })
	return ch
}

func receive[T any](t *testing.T, ch <-chan json.RawMessage) T {
	t.Helper()
	var v T
	select {
	case data := <-ch:
		require.NoError(t, json.Unmarshal(data, &v))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return v
}

func request(t *testing.T, c *Client, event string, payload any) (domain.AckResponse, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return c.Request(ctx, event, payload)
}

func TestRelay_GreetsWithSocketID(t *testing.T) {
	relay, url := newTestRelay(t, RelayConfig{}, nil)

	conn, _, err := websocket.DefaultDialer.Dial(url+"?namespace=webrtc&user_id=u1", nil)
	require.NoError(t, err)
	defer conn.Close()

	var env domain.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, domain.EventConnected, env.Event)

	var hello domain.ConnectedPayload
	require.NoError(t, json.Unmarshal(env.Data, &hello))
	assert.NotEmpty(t, hello.SocketID)
	assert.Eventually(t, func() bool {
		return relay.IsConnected(domain.NamespaceWebRTC, hello.SocketID)
	}, time.Second, 10*time.Millisecond)
}

func TestRelay_RejectsBadConnections(t *testing.T) {
	auth := services.NewAuthService("test-secret", time.Hour)
	_, url := newTestRelay(t, RelayConfig{RequireAuth: true}, auth)

	tests := []struct {
		name   string
		query  string
		status int
	}{
		{"missing token", "?namespace=signaling", http.StatusUnauthorized},
		{"bad token", "?namespace=signaling&token=nope", http.StatusUnauthorized},
		{"unknown namespace", "?namespace=video", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(url+tt.query, nil)
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestRelay_TokenIdentity(t *testing.T) {
	auth := services.NewAuthService("test-secret", time.Hour)
	_, url := newTestRelay(t, RelayConfig{RequireAuth: true}, auth)

	token, err := auth.GenerateToken(domain.Identity{UserID: "u1", Username: "alice", DisplayName: "Alice"})
	require.NoError(t, err)

	c := NewClient(ClientConfig{URL: url, Namespace: domain.NamespaceSignaling, Token: token, AckTimeout: 2 * time.Second}, testLogger())
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	joined := collect(c, domain.EventRoomJoined)
	_, err = request(t, c, domain.EventJoinRoom, domain.RoomRequest{RoomID: testRoom})
	require.NoError(t, err)

	payload := receive[domain.RoomJoinedPayload](t, joined)
	require.Len(t, payload.Participants, 1)
	assert.Equal(t, "u1", payload.Participants[0].UserID)
	assert.Equal(t, "Alice", payload.Participants[0].DisplayName)
}

func TestRelay_JoinRoomBroadcasts(t *testing.T) {
	_, url := newTestRelay(t, RelayConfig{}, nil)

	alice := connectClient(t, url, domain.NamespaceSignaling, "alice")
	bob := connectClient(t, url, domain.NamespaceSignaling, "bob")
	aliceJoined := collect(alice, domain.EventUserJoined)
	aliceLeft := collect(alice, domain.EventUserLeft)
	bobRoom := collect(bob, domain.EventRoomJoined)

	_, err := request(t, alice, domain.EventJoinRoom, domain.RoomRequest{RoomID: testRoom})
	require.NoError(t, err)
	_, err = request(t, bob, domain.EventJoinRoom, domain.RoomRequest{RoomID: testRoom})
	require.NoError(t, err)

	room := receive[domain.RoomJoinedPayload](t, bobRoom)
	assert.Equal(t, testRoom, room.RoomID)
	require.Len(t, room.Participants, 2)
	assert.Equal(t, "alice", room.Participants[0].UserID)
	assert.Equal(t, "bob", room.Participants[1].UserID)

	joined := receive[domain.ParticipantPayload](t, aliceJoined)
	assert.Equal(t, "bob", joined.Participant.UserID)
	assert.Equal(t, string(bob.SocketID()), joined.Participant.SocketID)

	require.NoError(t, bob.Emit(context.Background(), domain.EventLeaveRoom, domain.RoomRequest{RoomID: testRoom}))
	left := receive[domain.ParticipantPayload](t, aliceLeft)
	assert.Equal(t, "bob", left.Participant.UserID)
}

func TestRelay_JoinRoomRequiresRoomID(t *testing.T) {
	_, url := newTestRelay(t, RelayConfig{}, nil)
	c := connectClient(t, url, domain.NamespaceSignaling, "alice")

	_, err := request(t, c, domain.EventJoinRoom, domain.RoomRequest{})
	var ackErr *domain.AckError
	require.ErrorAs(t, err, &ackErr)
	assert.Equal(t, ErrRoomRequired.Error(), ackErr.Message)
}

func TestRelay_ChatJoinOnlyAcks(t *testing.T) {
	_, url := newTestRelay(t, RelayConfig{}, nil)
	c := connectClient(t, url, domain.NamespaceChat, "alice")
	joined := collect(c, domain.EventRoomJoined)

	ack, err := request(t, c, domain.EventJoinRoom, domain.RoomRequest{RoomID: testRoom})
	require.NoError(t, err)
	assert.True(t, ack.Success)

	select {
	case <-joined:
		t.Fatal("chat join must not send room-joined")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRelay_WebRTCJoinAndRouting(t *testing.T) {
	_, url := newTestRelay(t, RelayConfig{}, nil)

	alice := connectClient(t, url, domain.NamespaceWebRTC, "alice")
	bob := connectClient(t, url, domain.NamespaceWebRTC, "bob")
	aliceParticipants := collect(alice, domain.EventWebRTCParticipantJoined)
	aliceOffers := collect(alice, domain.EventWebRTCOffer)
	aliceLeft := collect(alice, domain.EventWebRTCParticipantLeft)

	ack, err := request(t, alice, domain.EventWebRTCJoinRoom, domain.RoomRequest{RoomID: testRoom})
	require.NoError(t, err)
	assert.Equal(t, alice.SocketID(), ack.SocketID)
	assert.Empty(t, ack.Participants)

	ack, err = request(t, bob, domain.EventWebRTCJoinRoom, domain.RoomRequest{RoomID: testRoom})
	require.NoError(t, err)
	require.Len(t, ack.Participants, 1)
	assert.Equal(t, alice.SocketID(), ack.Participants[0].SocketID)
	assert.Equal(t, domain.UserID("alice"), ack.Participants[0].UserID)

	joined := receive[domain.WebRTCParticipantPayload](t, aliceParticipants)
	assert.Equal(t, bob.SocketID(), joined.SocketID)
	assert.Equal(t, domain.UserID("bob"), joined.UserID)

	_, err = request(t, bob, domain.EventWebRTCOffer, domain.SignalMessage{
		RoomID:         testRoom,
		TargetSocketID: alice.SocketID(),
		Signal:         json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
	})
	require.NoError(t, err)

	offer := receive[domain.SignalMessage](t, aliceOffers)
	assert.Equal(t, bob.SocketID(), offer.FromSocketID)
	assert.Equal(t, domain.UserID("bob"), offer.FromUserID)
	assert.Equal(t, "bob", offer.FromUsername)
	assert.JSONEq(t, `{"type":"offer","sdp":"v=0"}`, string(offer.Signal))

	require.NoError(t, bob.Close())
	left := receive[domain.WebRTCParticipantPayload](t, aliceLeft)
	assert.Equal(t, joined.SocketID, left.SocketID)
}

func TestRelay_SignalErrors(t *testing.T) {
	_, url := newTestRelay(t, RelayConfig{}, nil)
	c := connectClient(t, url, domain.NamespaceWebRTC, "alice")

	tests := []struct {
		name    string
		msg     domain.SignalMessage
		message string
	}{
		{"missing target", domain.SignalMessage{Signal: json.RawMessage(`{}`)}, ErrTargetRequired.Error()},
		{"unknown target", domain.SignalMessage{TargetSocketID: "ghost", Signal: json.RawMessage(`{}`)}, "target not connected: ghost"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := request(t, c, domain.EventWebRTCICECandidate, tt.msg)
			var ackErr *domain.AckError
			require.ErrorAs(t, err, &ackErr)
			assert.Equal(t, tt.message, ackErr.Message)
		})
	}
}

func TestRelay_MediaStatusBroadcast(t *testing.T) {
	_, url := newTestRelay(t, RelayConfig{}, nil)

	alice := connectClient(t, url, domain.NamespaceWebRTC, "alice")
	bob := connectClient(t, url, domain.NamespaceWebRTC, "bob")
	audio := collect(bob, domain.EventWebRTCAudioStatus)
	started := collect(bob, domain.EventWebRTCScreenStarted)
	stopped := collect(bob, domain.EventWebRTCScreenStopped)

	_, err := request(t, alice, domain.EventWebRTCToggleAudio, domain.ToggleAudioPayload{RoomID: testRoom})
	var ackErr *domain.AckError
	require.ErrorAs(t, err, &ackErr)
	assert.Contains(t, ackErr.Message, ErrNotInRoom.Error())

	for _, c := range []*Client{alice, bob} {
		_, err := request(t, c, domain.EventWebRTCJoinRoom, domain.RoomRequest{RoomID: testRoom})
		require.NoError(t, err)
	}

	_, err = request(t, alice, domain.EventWebRTCToggleAudio, domain.ToggleAudioPayload{RoomID: testRoom, Enabled: false})
	require.NoError(t, err)
	status := receive[domain.AudioStatusPayload](t, audio)
	assert.Equal(t, alice.SocketID(), status.SocketID)
	assert.False(t, status.Enabled)

	_, err = request(t, alice, domain.EventWebRTCStartScreenShare, domain.RoomRequest{RoomID: testRoom})
	require.NoError(t, err)
	assert.Equal(t, alice.SocketID(), receive[domain.ScreenSharePayload](t, started).SocketID)

	_, err = request(t, alice, domain.EventWebRTCStopScreenShare, domain.RoomRequest{RoomID: testRoom})
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("alice"), receive[domain.ScreenSharePayload](t, stopped).UserID)
}

func TestRelay_UnknownEvent(t *testing.T) {
	_, url := newTestRelay(t, RelayConfig{}, nil)
	c := connectClient(t, url, domain.NamespaceSignaling, "alice")
	errs := collect(c, domain.EventError)

	require.NoError(t, c.Emit(context.Background(), "dance", nil))
	payload := receive[domain.ErrorPayload](t, errs)
	assert.Equal(t, "unknown event: dance", payload.Message)
}

func TestRelay_RateLimit(t *testing.T) {
	_, url := newTestRelay(t, RelayConfig{MessagesPerSecond: 0.01, Burst: 1}, nil)
	c := connectClient(t, url, domain.NamespaceChat, "alice")

	_, err := request(t, c, domain.EventJoinRoom, domain.RoomRequest{RoomID: testRoom})
	require.NoError(t, err)

	_, err = request(t, c, domain.EventJoinRoom, domain.RoomRequest{RoomID: testRoom})
	var ackErr *domain.AckError
	require.ErrorAs(t, err, &ackErr)
	assert.Equal(t, ErrRateLimited.Error(), ackErr.Message)
}

func TestRelay_MaxConnections(t *testing.T) {
	_, url := newTestRelay(t, RelayConfig{MaxConnections: 1}, nil)
	connectClient(t, url, domain.NamespaceSignaling, "alice")

	_, resp, err := websocket.DefaultDialer.Dial(url+"?namespace=signaling", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

type fakeCluster struct {
	mu         sync.Mutex
	registered map[domain.PeerID]bool
	remote     map[domain.PeerID]bool
	delivered  []domain.Envelope
	handler    func(string, domain.PeerID, domain.Envelope) error
	subscribed chan struct{}
}

func newFakeCluster(remote ...domain.PeerID) *fakeCluster {
	c := &fakeCluster{
		registered: make(map[domain.PeerID]bool),
		remote:     make(map[domain.PeerID]bool),
		subscribed: make(chan struct{}),
	}
	for _, id := range remote {
		c.remote[id] = true
	}
	return c
}

func (c *fakeCluster) Register(_ context.Context, _ string, socketID domain.PeerID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registered[socketID] = true
	return nil
}

func (c *fakeCluster) Unregister(_ context.Context, _ string, socketID domain.PeerID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.registered, socketID)
	return nil
}

func (c *fakeCluster) Refresh(context.Context, string, domain.PeerID) error { return nil }

func (c *fakeCluster) Deliver(_ context.Context, _ string, socketID domain.PeerID, env domain.Envelope) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.remote[socketID] {
		return false, nil
	}
	c.delivered = append(c.delivered, env)
	return true, nil
}

func (c *fakeCluster) Subscribe(ctx context.Context, handler func(string, domain.PeerID, domain.Envelope) error) error {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
	close(c.subscribed)
	<-ctx.Done()
	return ctx.Err()
}

func (c *fakeCluster) isRegistered(id domain.PeerID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered[id]
}

func TestRelay_ClusterDelivery(t *testing.T) {
	cluster := newFakeCluster("remote-socket")
	relay, url := newTestRelay(t, RelayConfig{}, nil)
	relay.WithCluster(cluster)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go relay.Run(ctx)
	<-cluster.subscribed

	c := connectClient(t, url, domain.NamespaceWebRTC, "alice")
	assert.Eventually(t, func() bool { return cluster.isRegistered(c.SocketID()) }, time.Second, 10*time.Millisecond)

	_, err := request(t, c, domain.EventWebRTCAnswer, domain.SignalMessage{
		TargetSocketID: "remote-socket",
		Signal:         json.RawMessage(`{"type":"answer"}`),
	})
	require.NoError(t, err)
	cluster.mu.Lock()
	require.Len(t, cluster.delivered, 1)
	assert.Equal(t, domain.EventWebRTCAnswer, cluster.delivered[0].Event)
	cluster.mu.Unlock()

	// A delivery from another instance reaches the local socket.
	candidates := collect(c, domain.EventWebRTCICECandidate)
	env, err := newEnvelope(domain.EventWebRTCICECandidate, domain.SignalMessage{
		FromSocketID: "remote-socket",
		Signal:       json.RawMessage(`{"candidate":"c1"}`),
	}, "")
	require.NoError(t, err)
	cluster.mu.Lock()
	handler := cluster.handler
	cluster.mu.Unlock()
	require.NoError(t, handler(domain.NamespaceWebRTC, c.SocketID(), env))
	assert.Equal(t, domain.PeerID("remote-socket"), receive[domain.SignalMessage](t, candidates).FromSocketID)

	assert.Error(t, handler(domain.NamespaceWebRTC, "ghost", env))
}

type countingRelayMetrics struct {
	mu       sync.Mutex
	opened   int
	closed   int
	messages map[string]int
}

func (m *countingRelayMetrics) RelayConnectionOpened(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened++
}

func (m *countingRelayMetrics) RelayConnectionClosed(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
}

func (m *countingRelayMetrics) RelayMessage(_ string, event string, _ bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[event]++
}

func TestRelay_Metrics(t *testing.T) {
	metrics := &countingRelayMetrics{messages: make(map[string]int)}
	relay, url := newTestRelay(t, RelayConfig{}, nil)
	relay.WithMetrics(metrics)

	c := connectClient(t, url, domain.NamespaceChat, "alice")
	_, err := request(t, c, domain.EventJoinRoom, domain.RoomRequest{RoomID: testRoom})
	require.NoError(t, err)
	require.NoError(t, c.Close())

	assert.Eventually(t, func() bool {
		metrics.mu.Lock()
		defer metrics.mu.Unlock()
		return metrics.opened == 1 && metrics.closed == 1 && metrics.messages[domain.EventJoinRoom] == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, relay.ConnectionCount())
}
