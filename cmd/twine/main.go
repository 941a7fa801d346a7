package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"twine/internal/core/domain"
	"twine/internal/core/ports"
	"twine/internal/core/services"
	httphandlers "twine/internal/handlers/http"
	"twine/internal/infrastructure/iceconfig"
	"twine/internal/infrastructure/media"
	"twine/internal/infrastructure/middleware"
	"twine/internal/infrastructure/monitoring"
	sig "twine/internal/infrastructure/signal"
	"twine/internal/infrastructure/storage"
	webrtcinfra "twine/internal/infrastructure/webrtc"
	"twine/pkg/config"
	"twine/pkg/eventbus"
	"twine/pkg/logger"
	"twine/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	roomID := flag.String("room", "", "room to join on startup")
	flag.Parse()

	paths := []string{"configs/config.yaml", "config.yaml"}
	if *configPath != "" {
		paths = []string{*configPath}
	}
	cfg, loadedFrom, err := config.LoadFirst(paths...)
	if err != nil {
		panic(err)
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	if loadedFrom != "" {
		log.Infow("loaded config", "path", loadedFrom)
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to init tracing", "error", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := monitoring.NewPrometheusCollector(registry)

	store, err := storage.NewFileStore(cfg.Storage.Path, log.Named("storage"))
	if err != nil {
		log.Fatalw("failed to open preference store", "path", cfg.Storage.Path, "error", err)
	}
	prefs := services.NewPreferences(store, log.Named("prefs"))

	webrtcCfg := webrtcinfra.Config{PLIInterval: cfg.WebRTC.PLIInterval}
	webrtcCfg.PortRange.Min = cfg.WebRTC.PortRange.Min
	webrtcCfg.PortRange.Max = cfg.WebRTC.PortRange.Max
	factory, err := webrtcinfra.NewConnectionFactory(webrtcCfg, log.Named("webrtc"))
	if err != nil {
		log.Fatalw("failed to create connection factory", "error", err)
	}

	var iceServers []webrtc.ICEServer
	for _, s := range cfg.WebRTC.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: s.URLs, Username: s.Username, Credential: s.Credential})
	}
	var ice ports.ICEConfigProvider = iceconfig.Static(iceServers)
	if cfg.WebRTC.ICEConfigURL != "" {
		ice = iceconfig.NewClient(iceconfig.Config{
			URL:      cfg.WebRTC.ICEConfigURL,
			Token:    cfg.Signal.Token,
			CacheTTL: cfg.WebRTC.ICECacheTTL,
		}, log.Named("iceconfig"))
	}

	userID := domain.UserID(cfg.Client.UserID)
	if userID == "" {
		userID = domain.UserID(uuid.New().String())
	}
	newChannel := func(namespace string) *sig.Client {
		return sig.NewClient(sig.ClientConfig{
			URL:               cfg.Signal.URL,
			Namespace:         namespace,
			Token:             cfg.Signal.Token,
			UserID:            userID,
			Username:          cfg.Client.Username,
			DisplayName:       cfg.Client.DisplayName,
			AckTimeout:        cfg.Signal.AckTimeout,
			ReconnectAttempts: cfg.Signal.ReconnectAttempts,
			ReconnectDelay:    cfg.Signal.ReconnectDelay,
			ReconnectDelayMax: cfg.Signal.ReconnectDelayMax,
			PingInterval:      cfg.Signal.PingInterval,
		}, log.Named("signal").With("namespace", namespace))
	}
	signaling := newChannel(domain.NamespaceSignaling)
	rtc := newChannel(domain.NamespaceWebRTC)
	chat := newChannel(domain.NamespaceChat)

	var desktop ports.DesktopCapturer
	if cfg.Client.Desktop {
		desktop = media.NewDesktopCapturer(cfg.Media.ScreenSources, log.Named("desktop"))
	}

	call := services.NewCallService(
		services.Channels{Signaling: signaling, WebRTC: rtc, Chat: chat},
		media.NewDevices(cfg.Media.Devices, cfg.Media.ScreenSources, log.Named("devices")),
		factory,
		ice,
		prefs,
		services.MediaOptions{
			RequireSourceID: cfg.Client.Desktop,
			AudioProfile:    domain.AudioProfileID(cfg.Media.AudioProfile),
			ScreenProfile:   domain.ScreenProfileID(cfg.Media.ScreenProfile),
		},
		services.CallOptions{
			UserID:         userID,
			ConnectTimeout: cfg.Signal.ConnectTimeout,
			ICEServers:     iceServers,
		},
		collector,
		log.Named("call"),
	)

	feed := eventbus.New[httphandlers.Event]()
	detach := httphandlers.BridgeCallEvents(call, feed)
	defer detach()

	health := monitoring.NewHealthChecker()
	health.AddSignalingCheck(map[string]func() bool{
		domain.NamespaceSignaling: signaling.Connected,
		domain.NamespaceWebRTC:    rtc.Connected,
		domain.NamespaceChat:      chat.Connected,
	})

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.RequestLoggingMiddleware(logger.NewContextLogger(zapLogger.Named("http"))),
		middleware.ErrorHandlerMiddleware(log),
	)
	httphandlers.NewCallHandler(call, desktop, feed, log.Named("control")).
		WithAllowedOrigins(cfg.Control.AllowedOrigins).
		SetupRoutes(router)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": monitoring.StatusHealthy, "timestamp": time.Now()})
	})
	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		status := health.CheckAll(ctx)
		if status.Status != monitoring.StatusHealthy {
			c.JSON(http.StatusServiceUnavailable, status)
			return
		}
		c.JSON(http.StatusOK, status)
	})
	if cfg.Monitoring.PrometheusEnabled {
		router.GET(cfg.Monitoring.MetricsPath, gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := call.Connect(ctx); err != nil {
			log.Errorw("failed to connect to relay", "url", cfg.Signal.URL, "error", err)
			return
		}
		if *roomID == "" {
			return
		}
		joinCtx, cancel := context.WithTimeout(ctx, 3*call.ConnectTimeout())
		defer cancel()
		if err := call.Join(joinCtx, domain.RoomID(*roomID)); err != nil {
			log.Errorw("failed to join room", "room_id", *roomID, "error", err)
		}
	}()

	srv := &http.Server{
		Addr:         cfg.Control.Address,
		Handler:      router,
		ReadTimeout:  cfg.Control.ReadTimeout,
		WriteTimeout: cfg.Control.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting control API", "address", cfg.Control.Address, "user_id", userID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	failed := false
	select {
	case err := <-serverErr:
		log.Errorw("control API failed", "error", err)
		failed = true
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Control.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("control API shutdown failed", "error", err)
	}
	if err := call.Close(shutdownCtx); err != nil {
		log.Warnw("call shutdown incomplete", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("failed to flush traces", "error", err)
	}
	log.Info("twine stopped")

	if failed {
		zapLogger.Sync()
		os.Exit(1)
	}
}
