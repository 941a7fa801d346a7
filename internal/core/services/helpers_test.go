package services

import (
	"encoding/json"
	"sync"
	"testing"

	"twine/internal/core/domain"
	"twine/internal/infrastructure/storage"
	"twine/internal/testutils"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// background goroutines may log after a test returns, so these use a nop logger
func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

type mediaFixture struct {
	devices  *testutils.MockMediaDevices
	factory  *testutils.MockConnectionFactory
	store    *storage.MemoryStore
	prefs    *Preferences
	media    *MediaSourceManager
	registry *PeerRegistry
}

func newMediaFixture(t *testing.T, opts MediaOptions) *mediaFixture {
	t.Helper()
	f := &mediaFixture{
		devices: &testutils.MockMediaDevices{},
		factory: &testutils.MockConnectionFactory{},
		store:   storage.NewMemoryStore(),
	}
	f.prefs = NewPreferences(f.store, testLogger())
	f.media = NewMediaSourceManager(f.devices, f.prefs, opts, nil, testLogger())
	f.registry = NewPeerRegistry(f.factory, f.media, nil, testLogger())
	f.media.SetReplacer(f.registry)
	return f
}

func (f *mediaFixture) conn(t *testing.T, peerID domain.PeerID) *testutils.MockPeerConnection {
	t.Helper()
	conn, ok := f.registry.Connection(peerID)
	require.True(t, ok, "no connection for %s", peerID)
	mock, ok := conn.(*testutils.MockPeerConnection)
	require.True(t, ok)
	return mock
}

type recordingMetrics struct {
	mu             sync.Mutex
	created        int
	removed        int
	offers         int
	renegotiations int
	answers        int
	renegFailures  int
	states         []domain.ConnectionState
	mic            []domain.MicrophoneStatus
}

func (m *recordingMetrics) PeerCreated() { m.mu.Lock(); m.created++; m.mu.Unlock() }
func (m *recordingMetrics) PeerRemoved() { m.mu.Lock(); m.removed++; m.mu.Unlock() }
func (m *recordingMetrics) AnswerSent()  { m.mu.Lock(); m.answers++; m.mu.Unlock() }

func (m *recordingMetrics) OfferSent(renegotiation bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers++
	if renegotiation {
		m.renegotiations++
	}
}

func (m *recordingMetrics) RenegotiationFailed() {
	m.mu.Lock()
	m.renegFailures++
	m.mu.Unlock()
}

func (m *recordingMetrics) ConnectionStateChanged(s domain.ConnectionState) {
	m.mu.Lock()
	m.states = append(m.states, s)
	m.mu.Unlock()
}

func (m *recordingMetrics) MicrophoneStatusChanged(s domain.MicrophoneStatus) {
	m.mu.Lock()
	m.mic = append(m.mic, s)
	m.mu.Unlock()
}

func (m *recordingMetrics) snapshot() recordingMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return recordingMetrics{
		created:        m.created,
		removed:        m.removed,
		offers:         m.offers,
		renegotiations: m.renegotiations,
		answers:        m.answers,
		renegFailures:  m.renegFailures,
		states:         append([]domain.ConnectionState(nil), m.states...),
		mic:            append([]domain.MicrophoneStatus(nil), m.mic...),
	}
}

func signalFrom(t *testing.T, from domain.PeerID, signal any) domain.SignalMessage {
	t.Helper()
	raw, err := json.Marshal(signal)
	require.NoError(t, err)
	return domain.SignalMessage{FromSocketID: from, FromUserID: domain.UserID("user-" + from), Signal: raw}
}

func offerFrom(t *testing.T, from domain.PeerID) domain.SignalMessage {
	return signalFrom(t, from, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testutils.OfferSDP})
}

func sentSignals(t *testing.T, client *testutils.MockSignalingClient, event string) []domain.SignalMessage {
	t.Helper()
	var out []domain.SignalMessage
	for _, e := range client.Emitted(event) {
		msg, ok := e.Payload.(domain.SignalMessage)
		require.True(t, ok, "unexpected payload %T", e.Payload)
		out = append(out, msg)
	}
	return out
}
