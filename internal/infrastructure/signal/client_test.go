package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"twine/internal/core/domain"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// silentServer greets every socket and never answers.
func silentServer(t *testing.T, greeting any) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteJSON(greeting)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func hello(socketID domain.PeerID) domain.Envelope {
	env, _ := newEnvelope(domain.EventConnected, domain.ConnectedPayload{SocketID: socketID}, "")
	return env
}

func TestClient_Endpoint(t *testing.T) {
	c := NewClient(ClientConfig{
		URL:         "ws://relay.local/ws?v=2",
		Namespace:   domain.NamespaceWebRTC,
		Token:       "tok",
		UserID:      "u1",
		Username:    "alice",
		DisplayName: "Alice A",
	}, testLogger())

	endpoint, err := c.endpoint()
	require.NoError(t, err)
	u, err := url.Parse(endpoint)
	require.NoError(t, err)

	q := u.Query()
	assert.Equal(t, "2", q.Get("v"))
	assert.Equal(t, "webrtc", q.Get("namespace"))
	assert.Equal(t, "tok", q.Get("token"))
	assert.Equal(t, "u1", q.Get("user_id"))
	assert.Equal(t, "Alice A", q.Get("display_name"))
}

func TestClient_NotConnected(t *testing.T) {
	c := NewClient(ClientConfig{URL: "ws://127.0.0.1:1", Namespace: domain.NamespaceChat}, testLogger())

	assert.False(t, c.Connected())
	assert.Empty(t, c.SocketID())
	err := c.Emit(context.Background(), domain.EventJoinRoom, domain.RoomRequest{RoomID: testRoom})
	assert.ErrorIs(t, err, domain.ErrSignalingNotConnected)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.WaitConnected(ctx), context.DeadlineExceeded)
}

func TestClient_ConnectGivesUp(t *testing.T) {
	c := NewClient(ClientConfig{
		URL:               "ws://127.0.0.1:1/ws",
		Namespace:         domain.NamespaceSignaling,
		ReconnectAttempts: 2,
		ReconnectDelay:    5 * time.Millisecond,
	}, testLogger())
	defer c.Close()

	assert.Error(t, c.Connect(context.Background()))
	assert.False(t, c.Connected())
}

func TestClient_RejectsBadGreeting(t *testing.T) {
	url := silentServer(t, domain.Envelope{Event: "welcome"})
	c := NewClient(ClientConfig{URL: url, Namespace: domain.NamespaceSignaling, AckTimeout: time.Second}, testLogger())
	defer c.Close()

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unexpected greeting "welcome"`)
}

func TestClient_AckTimeout(t *testing.T) {
	url := silentServer(t, hello("s1"))
	c := NewClient(ClientConfig{URL: url, Namespace: domain.NamespaceWebRTC, AckTimeout: 100 * time.Millisecond}, testLogger())
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, domain.PeerID("s1"), c.SocketID())

	_, err := c.Request(context.Background(), domain.EventWebRTCJoinRoom, domain.RoomRequest{RoomID: testRoom})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ack timeout")
}

func TestClient_CloseFailsPendingRequests(t *testing.T) {
	url := silentServer(t, hello("s1"))
	c := NewClient(ClientConfig{URL: url, Namespace: domain.NamespaceWebRTC, AckTimeout: 5 * time.Second}, testLogger())
	require.NoError(t, c.Connect(context.Background()))

	result := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), domain.EventWebRTCJoinRoom, domain.RoomRequest{RoomID: testRoom})
		result <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case err := <-result:
		assert.ErrorIs(t, err, domain.ErrSignalingNotConnected)
	case <-time.After(2 * time.Second):
		t.Fatal("request still pending after close")
	}
	assert.ErrorIs(t, c.Connect(context.Background()), ErrClientClosed)
}

func TestClient_ReconnectsWithNewSocketID(t *testing.T) {
	relay, url := newTestRelay(t, RelayConfig{}, nil)
	c := NewClient(ClientConfig{
		URL:               url,
		Namespace:         domain.NamespaceWebRTC,
		UserID:            "alice",
		AckTimeout:        time.Second,
		ReconnectAttempts: 5,
		ReconnectDelay:    10 * time.Millisecond,
		ReconnectDelayMax: 50 * time.Millisecond,
	}, testLogger())
	defer c.Close()

	connected := collect(c, domain.EventConnected)
	require.NoError(t, c.Connect(context.Background()))
	first := receive[domain.ConnectedPayload](t, connected).SocketID

	relay.Shutdown()

	second := receive[domain.ConnectedPayload](t, connected).SocketID
	assert.NotEqual(t, first, second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.WaitConnected(ctx))
	assert.Equal(t, second, c.SocketID())
}

func TestClient_UnsubscribeStopsDelivery(t *testing.T) {
	_, url := newTestRelay(t, RelayConfig{}, nil)
	c := connectClient(t, url, domain.NamespaceSignaling, "alice")

	calls := 0
	unsubscribe := c.On(domain.EventError, func(json.RawMessage) { calls++ })
	unsubscribe()
	errs := collect(c, domain.EventError)

	require.NoError(t, c.Emit(context.Background(), "nope", nil))
	receive[domain.ErrorPayload](t, errs)
	assert.Zero(t, calls)
}

func TestAckErrorMessage(t *testing.T) {
	err := error(&domain.AckError{Event: domain.EventJoinRoom, Message: "room full"})
	var ackErr *domain.AckError
	require.True(t, errors.As(err, &ackErr))
	assert.Equal(t, "join-room rejected by relay: room full", err.Error())
}
