package monitoring

import (
	"twine/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var microphoneStatuses = []domain.MicrophoneStatus{
	domain.MicrophonePending,
	domain.MicrophoneGranted,
	domain.MicrophoneDenied,
	domain.MicrophoneNotFound,
}

// PrometheusCollector records call metrics for the client and connection
// metrics for the relay.
type PrometheusCollector struct {
	// Call
	peersActive         prometheus.Gauge
	peersCreatedTotal   prometheus.Counter
	offersTotal         *prometheus.CounterVec
	answersTotal        prometheus.Counter
	renegotiationFailed prometheus.Counter
	connectionStates    *prometheus.CounterVec
	microphoneStatus    *prometheus.GaugeVec

	// Relay
	relayConnections      *prometheus.GaugeVec
	relayConnectionsTotal *prometheus.CounterVec
	relayMessagesTotal    *prometheus.CounterVec
}

// NewPrometheusCollector registers the collectors with reg, or with the
// default registry when reg is nil.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		peersActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "twine_peers_active",
			Help: "Number of open peer connections",
		}),

		peersCreatedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "twine_peers_created_total",
			Help: "Total number of peer connections created",
		}),

		offersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "twine_offers_sent_total",
			Help: "Total number of SDP offers sent",
		}, []string{"kind"}),

		answersTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "twine_answers_sent_total",
			Help: "Total number of SDP answers sent",
		}),

		renegotiationFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "twine_renegotiation_failures_total",
			Help: "Total number of failed renegotiations",
		}),

		connectionStates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "twine_connection_state_changes_total",
			Help: "Peer connection state transitions by target state",
		}, []string{"state"}),

		microphoneStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "twine_microphone_status",
			Help: "Current microphone status (1 for the active status)",
		}, []string{"status"}),

		relayConnections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "twine_relay_connections",
			Help: "Open relay sockets per namespace",
		}, []string{"namespace"}),

		relayConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "twine_relay_connections_total",
			Help: "Total number of relay sockets accepted",
		}, []string{"namespace"}),

		relayMessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "twine_relay_messages_total",
			Help: "Relay events handled by result",
		}, []string{"namespace", "event", "result"}),
	}
}

func (p *PrometheusCollector) PeerCreated() {
	p.peersActive.Inc()
	p.peersCreatedTotal.Inc()
}

func (p *PrometheusCollector) PeerRemoved() {
	p.peersActive.Dec()
}

func (p *PrometheusCollector) OfferSent(renegotiation bool) {
	kind := "initial"
	if renegotiation {
		kind = "renegotiation"
	}
	p.offersTotal.WithLabelValues(kind).Inc()
}

func (p *PrometheusCollector) AnswerSent() {
	p.answersTotal.Inc()
}

func (p *PrometheusCollector) RenegotiationFailed() {
	p.renegotiationFailed.Inc()
}

func (p *PrometheusCollector) ConnectionStateChanged(state domain.ConnectionState) {
	p.connectionStates.WithLabelValues(string(state)).Inc()
}

func (p *PrometheusCollector) MicrophoneStatusChanged(status domain.MicrophoneStatus) {
	for _, s := range microphoneStatuses {
		value := 0.0
		if s == status {
			value = 1
		}
		p.microphoneStatus.WithLabelValues(string(s)).Set(value)
	}
}

func (p *PrometheusCollector) RelayConnectionOpened(namespace string) {
	p.relayConnections.WithLabelValues(namespace).Inc()
	p.relayConnectionsTotal.WithLabelValues(namespace).Inc()
}

func (p *PrometheusCollector) RelayConnectionClosed(namespace string) {
	p.relayConnections.WithLabelValues(namespace).Dec()
}

func (p *PrometheusCollector) RelayMessage(namespace, event string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	p.relayMessagesTotal.WithLabelValues(namespace, event, result).Inc()
}
