package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"twine/internal/core/domain"
	"twine/internal/core/ports"
	"twine/internal/core/services"
	"twine/internal/infrastructure/iceconfig"
	"twine/internal/infrastructure/middleware"
	"twine/internal/infrastructure/monitoring"
	"twine/internal/infrastructure/repositories/memory"
	"twine/internal/infrastructure/signal"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingICE struct{}

func (failingICE) ICEServers(context.Context) ([]webrtc.ICEServer, error) {
	return nil, errors.New("upstream down")
}

func newRelayRouter(t *testing.T, ice ports.ICEConfigProvider, health *monitoring.HealthChecker) (*signal.Relay, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	relay := signal.NewRelay(signal.RelayConfig{}, memory.NewMemoryRoomRepository(), nil, testLogger())
	t.Cleanup(relay.Shutdown)

	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(testLogger()))
	NewRelayHandler(relay, ice, health).SetupRoutes(router)
	return relay, router
}

func TestRelayHandler_ICEServers(t *testing.T) {
	ice := iceconfig.Static{
		{URLs: []string{"stun:stun.example.org:3478"}},
		{URLs: []string{"turn:turn.example.org:3478?transport=udp"}, Username: "u", Credential: "secret"},
	}
	_, router := newRelayRouter(t, ice, monitoring.NewHealthChecker())

	w := do(router, http.MethodGet, "/api/v1/ice-servers", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"iceServers":[
		{"urls":["stun:stun.example.org:3478"]},
		{"urls":["turn:turn.example.org:3478?transport=udp"],"username":"u","credential":"secret"}
	]}`, w.Body.String())
}

func TestRelayHandler_ICEServersUnavailable(t *testing.T) {
	_, router := newRelayRouter(t, failingICE{}, monitoring.NewHealthChecker())

	w := do(router, http.MethodGet, "/api/v1/ice-servers", "")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "SERVICE_UNAVAILABLE", decode(t, w)["error"])
}

func TestRelayHandler_HealthAndReady(t *testing.T) {
	health := monitoring.NewHealthChecker()
	healthy := true
	health.AddCheck("redis", func(context.Context) error {
		if healthy {
			return nil
		}
		return errors.New("connection refused")
	}, 0, time.Second)
	_, router := newRelayRouter(t, iceconfig.Static{}, health)

	w := do(router, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, monitoring.StatusHealthy, decode(t, w)["status"])

	w = do(router, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, w.Code)

	healthy = false
	w = do(router, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, monitoring.StatusUnhealthy, decode(t, w)["status"])
}

func TestRelayHandler_WebSocketAndStats(t *testing.T) {
	relay, router := newRelayRouter(t, iceconfig.Static{}, monitoring.NewHealthChecker())
	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?namespace=webrtc&user_id=alice"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var greeting domain.Envelope
	require.NoError(t, conn.ReadJSON(&greeting))
	assert.Equal(t, domain.EventConnected, greeting.Event)
	assert.Eventually(t, func() bool { return relay.ConnectionCount() == 1 }, time.Second, 10*time.Millisecond)

	w := do(router, http.MethodGet, "/api/v1/relay/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	var stats struct {
		Connections int            `json:"connections"`
		Namespaces  map[string]int `json:"namespaces"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Connections)
	assert.Equal(t, 1, stats.Namespaces[domain.NamespaceWebRTC])
}

func TestAuthHandler_IssueAndRefresh(t *testing.T) {
	gin.SetMode(gin.TestMode)
	auth := services.NewAuthService("test-secret", time.Hour)
	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(testLogger()))
	NewAuthHandler(auth, time.Hour).SetupRoutes(router)

	w := do(router, http.MethodPost, "/api/v1/auth/token", `{"userId":"u1","username":"alice","displayName":"Alice"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	body := decode(t, w)
	assert.EqualValues(t, 3600, body["expires_in"])

	claims, err := auth.ValidateToken(body["token"].(string))
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("u1"), claims.UserID)
	assert.Equal(t, "Alice", claims.DisplayName)

	w = do(router, http.MethodPost, "/api/v1/auth/refresh", `{"token":"`+body["token"].(string)+`"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, decode(t, w)["token"])

	w = do(router, http.MethodPost, "/api/v1/auth/refresh", `{"token":"garbage"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthHandler_IssueTokenValidation(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(testLogger()))
	NewAuthHandler(services.NewAuthService("test-secret", time.Hour), time.Hour).SetupRoutes(router)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"generated user id", `{"username":"bob"}`, http.StatusCreated},
		{"missing username", `{"userId":"u1"}`, http.StatusBadRequest},
		{"bad username", `{"username":"bob smith"}`, http.StatusBadRequest},
		{"bad user id", `{"userId":"u 1","username":"bob"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, do(router, http.MethodPost, "/api/v1/auth/token", tt.body).Code)
		})
	}
}
