package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"twine/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCollector_CallMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheusCollector(reg)

	p.PeerCreated()
	p.PeerCreated()
	p.PeerRemoved()
	p.OfferSent(false)
	p.OfferSent(true)
	p.OfferSent(true)
	p.AnswerSent()
	p.RenegotiationFailed()
	p.ConnectionStateChanged(domain.ConnectionStateConnected)

	assert.Equal(t, 1.0, testutil.ToFloat64(p.peersActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.peersCreatedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.offersTotal.WithLabelValues("initial")))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.offersTotal.WithLabelValues("renegotiation")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.answersTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.renegotiationFailed))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.connectionStates.WithLabelValues("connected")))
}

func TestPrometheusCollector_MicrophoneStatusIsExclusive(t *testing.T) {
	p := NewPrometheusCollector(prometheus.NewRegistry())

	p.MicrophoneStatusChanged(domain.MicrophoneGranted)
	p.MicrophoneStatusChanged(domain.MicrophoneDenied)

	assert.Equal(t, 0.0, testutil.ToFloat64(p.microphoneStatus.WithLabelValues("granted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.microphoneStatus.WithLabelValues("denied")))
	assert.Equal(t, 0.0, testutil.ToFloat64(p.microphoneStatus.WithLabelValues("pending")))
}

func TestPrometheusCollector_RelayMetrics(t *testing.T) {
	p := NewPrometheusCollector(prometheus.NewRegistry())

	p.RelayConnectionOpened("webrtc")
	p.RelayConnectionOpened("webrtc")
	p.RelayConnectionClosed("webrtc")
	p.RelayMessage("webrtc", "webrtc:offer", true)
	p.RelayMessage("webrtc", "webrtc:offer", false)

	assert.Equal(t, 1.0, testutil.ToFloat64(p.relayConnections.WithLabelValues("webrtc")))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.relayConnectionsTotal.WithLabelValues("webrtc")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.relayMessagesTotal.WithLabelValues("webrtc", "webrtc:offer", "error")))
}

func TestPrometheusCollector_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewPrometheusCollector(prometheus.NewRegistry())
		NewPrometheusCollector(prometheus.NewRegistry())
	})
}

func TestHealthChecker_CheckAll(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck("ok", func(context.Context) error { return nil }, 0, time.Second)
	h.AddCheck("broken", func(context.Context) error { return errors.New("boom") }, 0, time.Second)
	h.AddCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, 0, 20*time.Millisecond)

	status := h.CheckAll(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, StatusHealthy, status.Checks["ok"])
	assert.Equal(t, "boom", status.Checks["broken"])
	assert.Equal(t, context.DeadlineExceeded.Error(), status.Checks["slow"])
	assert.Len(t, h.LastResults(), 3)
}

func TestHealthChecker_Capacity(t *testing.T) {
	count := 0
	h := NewHealthChecker()
	h.AddCapacityCheck("relay", func() int { return count }, 2)

	assert.True(t, h.IsReady(context.Background()))
	count = 2
	status := h.CheckAll(context.Background())
	assert.Equal(t, "at capacity: 2/2", status.Checks["relay"])
}

func TestHealthChecker_Signaling(t *testing.T) {
	up := map[string]bool{"signaling": true, "webrtc": false}
	h := NewHealthChecker()
	h.AddSignalingCheck(map[string]func() bool{
		"signaling": func() bool { return up["signaling"] },
		"webrtc":    func() bool { return up["webrtc"] },
	})

	assert.Equal(t, "webrtc channel disconnected", h.CheckAll(context.Background()).Checks["signaling"])
	up["webrtc"] = true
	assert.True(t, h.IsReady(context.Background()))
}

func TestHealthChecker_BackgroundChecks(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck("tick", func(context.Context) error { return nil }, 10*time.Millisecond, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.StartBackgroundChecks(ctx)

	require.Eventually(t, func() bool {
		return h.LastResults()["tick"] == StatusHealthy
	}, time.Second, 5*time.Millisecond)
}
