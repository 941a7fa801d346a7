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

	"twine/internal/core/services"
	httphandlers "twine/internal/handlers/http"
	"twine/internal/infrastructure/distributed"
	"twine/internal/infrastructure/iceconfig"
	"twine/internal/infrastructure/middleware"
	"twine/internal/infrastructure/monitoring"
	"twine/internal/infrastructure/repositories"
	sig "twine/internal/infrastructure/signal"
	"twine/pkg/config"
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
	log := zapLogger.Sugar().Named("relay")
	if loadedFrom != "" {
		log.Infow("loaded config", "path", loadedFrom)
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName + "-relay",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to init tracing", "error", err)
	}

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	defer repoFactory.Close()

	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := monitoring.NewPrometheusCollector(registry)

	relayCfg := sig.RelayConfig{
		PingInterval:   cfg.Relay.PingInterval,
		PongTimeout:    cfg.Relay.PongTimeout,
		WriteTimeout:   cfg.Relay.WriteTimeout,
		RequireAuth:    cfg.Relay.RequireAuth,
		AllowedOrigins: cfg.Relay.AllowedOrigins,
	}
	if cfg.RateLimiting.Enabled {
		relayCfg.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		relayCfg.Burst = cfg.RateLimiting.WebSocket.Burst
		relayCfg.MaxConnections = cfg.RateLimiting.WebSocket.MaxConcurrent
		relayCfg.MaxMessageSize = cfg.RateLimiting.WebSocket.MaxMessageSizeBytes
	}

	relay := sig.NewRelay(relayCfg, repoFactory.CreateRoomRepository(), authService, log).WithMetrics(collector)
	var cluster *distributed.Cluster
	if client := repoFactory.RedisClient(); client != nil {
		instanceID := uuid.New().String()
		cluster = distributed.NewCluster(client, instanceID, log.Named("cluster"))
		relay.WithCluster(cluster)
		log.Infow("cross-instance delivery enabled", "instance_id", instanceID)
	}

	health := monitoring.NewHealthChecker()
	if client := repoFactory.RedisClient(); client != nil {
		health.AddRedisCheck(client, 30*time.Second, 2*time.Second)
	}
	if relayCfg.MaxConnections > 0 {
		health.AddCapacityCheck("connections", relay.ConnectionCount, relayCfg.MaxConnections)
	}

	// the relay serves the configured ICE servers to clients
	var iceServers iceconfig.Static
	for _, s := range cfg.WebRTC.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: s.URLs, Username: s.Username, Credential: s.Credential})
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.RequestLoggingMiddleware(logger.NewContextLogger(zapLogger.Named("http"))),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	httphandlers.NewAuthHandler(authService, cfg.Auth.AccessTokenTTL).SetupRoutes(router)
	httphandlers.NewRelayHandler(relay, iceServers, health).SetupRoutes(router)
	if cfg.Monitoring.PrometheusEnabled {
		router.GET(cfg.Monitoring.MetricsPath, gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
		log.Info("Prometheus metrics enabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	health.StartBackgroundChecks(ctx)
	if cluster != nil {
		go func() {
			if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Errorw("cluster subscription stopped", "error", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:    cfg.Relay.Address,
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting relay", "address", cfg.Relay.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	failed := false
	select {
	case err := <-serverErr:
		log.Errorw("relay server failed", "error", err)
		failed = true
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Relay.ShutdownTimeout)
	defer cancel()

	relay.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("relay shutdown failed", "error", err)
	}
	if cluster != nil {
		if err := cluster.Close(shutdownCtx); err != nil {
			log.Warnw("failed to clean up socket directory", "error", err)
		}
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("failed to flush traces", "error", err)
	}
	log.Info("relay stopped")

	if failed {
		zapLogger.Sync()
		os.Exit(1)
	}
}
