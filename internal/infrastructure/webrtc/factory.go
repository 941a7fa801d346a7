package webrtc

import (
	"context"
	"fmt"
	"time"

	"twine/internal/core/ports"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Config holds transport settings shared by every connection.
type Config struct {
	PortRange struct {
		Min uint16
		Max uint16
	}
	// PLIInterval is how often keyframes are requested on inbound video. Zero disables it.
	PLIInterval time.Duration
}

// ConnectionFactory builds pion peer connections from one shared API.
type ConnectionFactory struct {
	api    *webrtc.API
	logger *zap.SugaredLogger
}

func NewConnectionFactory(cfg Config, logger *zap.SugaredLogger) (*ConnectionFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	if cfg.PLIInterval > 0 {
		pli, err := intervalpli.NewReceiverInterceptor(intervalpli.GeneratorInterval(cfg.PLIInterval))
		if err != nil {
			return nil, fmt.Errorf("create PLI interceptor: %w", err)
		}
		registry.Add(pli)
	}

	settingEngine := webrtc.SettingEngine{LoggerFactory: NewLoggerFactory(logger.Named("pion"))}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("set port range: %w", err)
		}
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine),
	)
	return &ConnectionFactory{api: api, logger: logger}, nil
}

func (f *ConnectionFactory) NewConnection(ctx context.Context, iceServers []webrtc.ICEServer) (ports.PeerConnection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return newPeerConnection(pc, f.logger), nil
}
