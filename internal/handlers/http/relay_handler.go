package http

import (
	"context"
	"net/http"
	"time"

	"twine/internal/core/ports"
	"twine/internal/infrastructure/monitoring"
	"twine/internal/infrastructure/signal"
	"twine/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
)

type RelayHandler struct {
	relay     *signal.Relay
	ice       ports.ICEConfigProvider
	health    *monitoring.HealthChecker
	startTime time.Time
}

func NewRelayHandler(relay *signal.Relay, ice ports.ICEConfigProvider, health *monitoring.HealthChecker) *RelayHandler {
	return &RelayHandler{
		relay:     relay,
		ice:       ice,
		health:    health,
		startTime: time.Now(),
	}
}

func (h *RelayHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", h.WebSocket)
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)

	api := router.Group("/api/v1")
	{
		api.GET("/ice-servers", h.ICEServers)
		api.GET("/relay/stats", h.Stats)
	}
}

func (h *RelayHandler) WebSocket(c *gin.Context) {
	h.relay.HandleWebSocket(c.Writer, c.Request)
}

type iceServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// ICEServers serves the ICE configuration clients fetch before joining.
func (h *RelayHandler) ICEServers(c *gin.Context) {
	servers, err := h.ice.ICEServers(c.Request.Context())
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeServiceUnavailable, "ice configuration unavailable", http.StatusServiceUnavailable))
		return
	}

	out := make([]iceServer, 0, len(servers))
	for _, s := range servers {
		out = append(out, toICEServer(s))
	}
	c.JSON(http.StatusOK, gin.H{"iceServers": out})
}

func toICEServer(s webrtc.ICEServer) iceServer {
	out := iceServer{URLs: s.URLs, Username: s.Username}
	if cred, ok := s.Credential.(string); ok {
		out.Credential = cred
	}
	return out
}

func (h *RelayHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connections": h.relay.ConnectionCount(),
		"namespaces":  h.relay.Connections(),
	})
}

func (h *RelayHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    monitoring.StatusHealthy,
		"timestamp": time.Now(),
		"uptime":    time.Since(h.startTime).String(),
	})
}

func (h *RelayHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := h.health.CheckAll(ctx)
	if status.Status != monitoring.StatusHealthy {
		c.JSON(http.StatusServiceUnavailable, status)
		return
	}
	c.JSON(http.StatusOK, status)
}
