package http

import (
	"context"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"twine/internal/core/domain"
	"twine/internal/core/ports"
	"twine/pkg/errors"
	"twine/pkg/eventbus"
	"twine/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	eventBuffer       = 64
	eventWriteTimeout = 5 * time.Second
	eventPingInterval = 30 * time.Second
)

// CallControl is the part of the call service the control API drives.
type CallControl interface {
	Join(ctx context.Context, roomID domain.RoomID) error
	Leave(ctx context.Context) error
	ToggleMute(ctx context.Context) (bool, error)
	SetMute(ctx context.Context, muted bool) error
	SetHoldToTalk(active bool)
	SetCommunicationSettings(settings domain.CommunicationSettings) domain.CommunicationSettings
	StartScreenShare(ctx context.Context, profile domain.ScreenProfileID, sourceID string) error
	StopScreenShare(ctx context.Context) error
	RetryMicrophone(ctx context.Context) (domain.MicrophoneStatus, error)
	SwitchAudioDevice(ctx context.Context, deviceID string) error
	SetAudioOutputDevice(deviceID string)
	SetAudioSettings(settings domain.AudioSettings)
	SetVolume(userID domain.UserID, volume float64) int
	Devices(ctx context.Context) ([]domain.MediaDeviceInfo, error)
	Snapshot() domain.CallSnapshot
	ConnectTimeout() time.Duration
}

type CallHandler struct {
	call           CallControl
	desktop        ports.DesktopCapturer
	feed           *eventbus.Subject[Event]
	upgrader       websocket.Upgrader
	allowedOrigins []string
	logger         *zap.SugaredLogger
}

// NewCallHandler builds the local control API. desktop may be nil when
// screen source enumeration is unavailable.
func NewCallHandler(
	call CallControl,
	desktop ports.DesktopCapturer,
	feed *eventbus.Subject[Event],
	logger *zap.SugaredLogger,
) *CallHandler {
	h := &CallHandler{
		call:    call,
		desktop: desktop,
		feed:    feed,
		logger:  logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// WithAllowedOrigins lets browser UIs served from origins open the event
// stream. "*" allows any origin.
func (h *CallHandler) WithAllowedOrigins(origins []string) *CallHandler {
	h.allowedOrigins = origins
	return h
}

func (h *CallHandler) checkOrigin(req *http.Request) bool {
	origin := req.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if slices.Contains(h.allowedOrigins, "*") || slices.Contains(h.allowedOrigins, origin) {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host == req.Host
}

func (h *CallHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.GET("/state", h.GetState)
		api.GET("/events", h.Events)

		api.POST("/call/join", h.Join)
		api.POST("/call/leave", h.Leave)
		api.POST("/call/mute", h.Mute)
		api.POST("/call/push-to-talk", h.PushToTalk)
		api.POST("/call/screen-share", h.StartScreenShare)
		api.DELETE("/call/screen-share", h.StopScreenShare)
		api.GET("/screen-sources", h.ScreenSources)

		api.GET("/devices", h.ListDevices)
		api.PUT("/devices/input", h.SetInputDevice)
		api.PUT("/devices/output", h.SetOutputDevice)
		api.POST("/microphone/retry", h.RetryMicrophone)

		api.PUT("/settings/audio", h.SetAudioSettings)
		api.PUT("/settings/communication", h.SetCommunicationSettings)
		api.PUT("/volume/:userId", h.SetVolume)
	}
}

func (h *CallHandler) GetState(c *gin.Context) {
	c.JSON(http.StatusOK, h.call.Snapshot())
}

type JoinRequest struct {
	RoomID string `json:"roomId" binding:"required"`
}

func (h *CallHandler) Join(c *gin.Context) {
	var req JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	req.RoomID = strings.TrimSpace(req.RoomID)
	if err := validation.ValidateRoomID(req.RoomID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	// connect wait plus the join acks
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*h.call.ConnectTimeout())
	defer cancel()

	if err := h.call.Join(ctx, domain.RoomID(req.RoomID)); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, h.call.Snapshot())
}

func (h *CallHandler) Leave(c *gin.Context) {
	if err := h.call.Leave(c.Request.Context()); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

type MuteRequest struct {
	// Muted toggles the current state when omitted.
	Muted *bool `json:"muted"`
}

func (h *CallHandler) Mute(c *gin.Context) {
	var req MuteRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Error(errors.NewInvalidInputError("invalid request format"))
			return
		}
	}

	var muted bool
	if req.Muted == nil {
		var err error
		if muted, err = h.call.ToggleMute(c.Request.Context()); err != nil {
			c.Error(err)
			return
		}
	} else {
		muted = *req.Muted
		if err := h.call.SetMute(c.Request.Context(), muted); err != nil {
			c.Error(err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"muted": muted})
}

type PushToTalkRequest struct {
	Active bool `json:"active"`
}

func (h *CallHandler) PushToTalk(c *gin.Context) {
	var req PushToTalkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	h.call.SetHoldToTalk(req.Active)
	c.JSON(http.StatusOK, h.call.Snapshot().PushToTalk)
}

type ScreenShareRequest struct {
	Profile  domain.ScreenProfileID `json:"profile"`
	SourceID string                 `json:"sourceId"`
}

func (h *CallHandler) StartScreenShare(c *gin.Context) {
	var req ScreenShareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	if err := h.call.StartScreenShare(c.Request.Context(), req.Profile, req.SourceID); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, h.call.Snapshot().Media)
}

func (h *CallHandler) StopScreenShare(c *gin.Context) {
	if err := h.call.StopScreenShare(c.Request.Context()); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ScreenSources lists capturable screens and windows.
// Query: types=screen,window&thumbnailWidth=320&thumbnailHeight=180&icons=true
func (h *CallHandler) ScreenSources(c *gin.Context) {
	if h.desktop == nil {
		c.Error(errors.NewNotFoundError("desktop capture"))
		return
	}

	opts := domain.CaptureSourceOptions{
		FetchWindowIcons: c.Query("icons") == "true",
	}
	for _, kind := range strings.Split(c.DefaultQuery("types", "screen,window"), ",") {
		switch k := domain.CaptureSourceKind(strings.TrimSpace(kind)); k {
		case domain.CaptureSourceScreen, domain.CaptureSourceWindow:
			opts.Types = append(opts.Types, k)
		case "":
		default:
			c.Error(errors.NewInvalidInputError("unknown source type: " + kind))
			return
		}
	}
	var err error
	if opts.ThumbnailWidth, err = queryInt(c, "thumbnailWidth"); err != nil {
		c.Error(err)
		return
	}
	if opts.ThumbnailHeight, err = queryInt(c, "thumbnailHeight"); err != nil {
		c.Error(err)
		return
	}

	sources, err := h.desktop.Sources(c.Request.Context(), opts)
	if err != nil {
		c.Error(errors.NewScreenCaptureError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"sources": sources})
}

func queryInt(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, errors.NewInvalidInputError("invalid " + key)
	}
	return v, nil
}

func (h *CallHandler) ListDevices(c *gin.Context) {
	devices, err := h.call.Devices(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

type DeviceRequest struct {
	DeviceID string `json:"deviceId"`
}

func (h *CallHandler) SetInputDevice(c *gin.Context) {
	var req DeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	if err := h.call.SwitchAudioDevice(c.Request.Context(), req.DeviceID); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, h.call.Snapshot().Media)
}

func (h *CallHandler) SetOutputDevice(c *gin.Context) {
	var req DeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	h.call.SetAudioOutputDevice(req.DeviceID)
	c.JSON(http.StatusOK, h.call.Snapshot().Media)
}

func (h *CallHandler) RetryMicrophone(c *gin.Context) {
	status, err := h.call.RetryMicrophone(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

func (h *CallHandler) SetAudioSettings(c *gin.Context) {
	var req domain.AudioSettings
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	h.call.SetAudioSettings(req)
	c.JSON(http.StatusOK, req)
}

func (h *CallHandler) SetCommunicationSettings(c *gin.Context) {
	var req domain.CommunicationSettings
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	c.JSON(http.StatusOK, h.call.SetCommunicationSettings(req))
}

type VolumeRequest struct {
	Volume *float64 `json:"volume" binding:"required"`
}

func (h *CallHandler) SetVolume(c *gin.Context) {
	userID := c.Param("userId")
	if err := validation.ValidateUserID(userID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	var req VolumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	if err := validation.ValidateVolume(*req.Volume); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	percent := h.call.SetVolume(domain.UserID(userID), *req.Volume)
	c.JSON(http.StatusOK, gin.H{"userId": userID, "volume": percent})
}

// Events streams UI events over a WebSocket, starting with a state snapshot.
// A client that falls behind is disconnected and should resync.
func (h *CallHandler) Events(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warnw("Event stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events := make(chan Event, eventBuffer)
	overflow := make(chan struct{})
	var once sync.Once
	unsubscribe := h.feed.Subscribe(func(ev Event) {
		select {
		case events <- ev:
		default:
			once.Do(func() { close(overflow) })
		}
	})
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(v any) error {
		conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
		return conn.WriteJSON(v)
	}
	if err := write(Event{Type: EventSnapshot, Data: h.call.Snapshot()}); err != nil {
		return
	}

	ticker := time.NewTicker(eventPingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-events:
			if err := write(ev); err != nil {
				h.logger.Debugw("Event stream write failed", "type", ev.Type, "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-overflow:
			h.logger.Warnw("Event stream consumer too slow, closing")
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too slow"),
				time.Now().Add(eventWriteTimeout))
			return
		case <-closed:
			return
		}
	}
}
