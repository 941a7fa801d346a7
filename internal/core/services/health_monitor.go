package services

import (
	"sync"

	"twine/internal/core/domain"
	"twine/internal/core/ports"

	"go.uber.org/zap"
)

// HealthMonitor removes connections that reach a terminal state. There is no
// ICE restart; a returning peer negotiates a fresh connection.
type HealthMonitor struct {
	registry *PeerRegistry
	metrics  ports.CallMetrics
	logger   *zap.SugaredLogger

	mu          sync.Mutex
	unsubscribe func()
}

func NewHealthMonitor(registry *PeerRegistry, metrics ports.CallMetrics, logger *zap.SugaredLogger) *HealthMonitor {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &HealthMonitor{registry: registry, metrics: metrics, logger: logger}
}

func (m *HealthMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unsubscribe != nil {
		return
	}
	m.unsubscribe = m.registry.ConnectionStates.Subscribe(m.handle)
}

func (m *HealthMonitor) Stop() {
	m.mu.Lock()
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

func (m *HealthMonitor) handle(ev domain.ConnectionStateEvent) {
	m.metrics.ConnectionStateChanged(ev.State)
	m.logger.Debugw("Connection state changed", "peer_id", ev.PeerID, "state", ev.State)

	if !ev.State.IsTerminal() {
		return
	}
	// the state callback runs on the transport's goroutine; Remove closes the connection
	go func() {
		if m.registry.Remove(ev.PeerID) {
			m.logger.Infow("Peer connection torn down", "peer_id", ev.PeerID, "state", ev.State)
		}
	}()
}
