package webrtc

import (
	"context"
	"testing"
	"time"

	"twine/internal/core/domain"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

type sampleTrack struct {
	local   *webrtc.TrackLocalStaticSample
	enabled bool
}

func newSampleTrack(t *testing.T, id string) *sampleTrack {
	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		id, "stream-"+id,
	)
	require.NoError(t, err)
	return &sampleTrack{local: local, enabled: true}
}

func (s *sampleTrack) ID() string                                     { return s.local.ID() }
func (s *sampleTrack) Kind() domain.TrackKind                         { return domain.TrackKindAudio }
func (s *sampleTrack) Label() string                                  { return s.local.ID() }
func (s *sampleTrack) Enabled() bool                                  { return s.enabled }
func (s *sampleTrack) SetEnabled(enabled bool)                        { s.enabled = enabled }
func (s *sampleTrack) Stop()                                          {}
func (s *sampleTrack) Ended() bool                                    { return false }
func (s *sampleTrack) Settings() domain.TrackSettings                 { return domain.TrackSettings{} }
func (s *sampleTrack) ApplyConstraints(domain.VideoConstraints) error { return nil }
func (s *sampleTrack) SetContentHint(domain.ContentHint)              {}
func (s *sampleTrack) OnEnded(func())                                 {}
func (s *sampleTrack) TrackLocal() webrtc.TrackLocal                  { return s.local }

// fakeOnlyTrack satisfies ports.MediaTrack without a pion source.
type fakeOnlyTrack struct{}

func (fakeOnlyTrack) ID() string                                     { return "fake" }
func (fakeOnlyTrack) Kind() domain.TrackKind                         { return domain.TrackKindAudio }
func (fakeOnlyTrack) Label() string                                  { return "fake" }
func (fakeOnlyTrack) Enabled() bool                                  { return true }
func (fakeOnlyTrack) SetEnabled(bool)                                {}
func (fakeOnlyTrack) Stop()                                          {}
func (fakeOnlyTrack) Ended() bool                                    { return false }
func (fakeOnlyTrack) Settings() domain.TrackSettings                 { return domain.TrackSettings{} }
func (fakeOnlyTrack) ApplyConstraints(domain.VideoConstraints) error { return nil }
func (fakeOnlyTrack) SetContentHint(domain.ContentHint)              {}
func (fakeOnlyTrack) OnEnded(func())                                 {}

func newFactory(t *testing.T) *ConnectionFactory {
	factory, err := NewConnectionFactory(Config{PLIInterval: 2 * time.Second}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	return factory
}

func TestMapConnectionState(t *testing.T) {
	tests := []struct {
		in   webrtc.PeerConnectionState
		want domain.ConnectionState
	}{
		{webrtc.PeerConnectionStateNew, domain.ConnectionStateNew},
		{webrtc.PeerConnectionStateConnecting, domain.ConnectionStateConnecting},
		{webrtc.PeerConnectionStateConnected, domain.ConnectionStateConnected},
		{webrtc.PeerConnectionStateDisconnected, domain.ConnectionStateDisconnected},
		{webrtc.PeerConnectionStateFailed, domain.ConnectionStateFailed},
		{webrtc.PeerConnectionStateClosed, domain.ConnectionStateClosed},
		{webrtc.PeerConnectionStateUnknown, domain.ConnectionStateNew},
	}

	for _, tt := range tests {
		t.Run(tt.in.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, mapConnectionState(tt.in))
		})
	}
}

func TestConnection_OfferAnswer(t *testing.T) {
	factory := newFactory(t)
	ctx := context.Background()

	offerer, err := factory.NewConnection(ctx, nil)
	require.NoError(t, err)
	defer offerer.Close()
	answerer, err := factory.NewConnection(ctx, nil)
	require.NoError(t, err)
	defer answerer.Close()

	sender, err := offerer.AddTrack(newSampleTrack(t, "mic"), "stream-mic")
	require.NoError(t, err)
	require.Len(t, offerer.Senders(), 1)
	assert.Equal(t, "mic", sender.Track().ID())

	offer, err := offerer.CreateOffer(ctx)
	require.NoError(t, err)
	assert.Contains(t, offer.SDP, "opus")
	require.NoError(t, offerer.SetLocalDescription(ctx, offer))

	require.NoError(t, answerer.SetRemoteDescription(ctx, offer))
	answer, err := answerer.CreateAnswer(ctx)
	require.NoError(t, err)
	require.NoError(t, answerer.SetLocalDescription(ctx, answer))
	require.NoError(t, offerer.SetRemoteDescription(ctx, answer))

	require.NoError(t, offerer.Close())
	assert.Equal(t, domain.ConnectionStateClosed, offerer.ConnectionState())
}

func TestConnection_RejectsForeignTrack(t *testing.T) {
	conn, err := newFactory(t).NewConnection(context.Background(), nil)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.AddTrack(&fakeOnlyTrack{}, "s")
	assert.ErrorIs(t, err, ErrUnsupportedTrack)
	assert.Empty(t, conn.Senders())
}

func TestConnection_ReplaceAndRemoveTrack(t *testing.T) {
	conn, err := newFactory(t).NewConnection(context.Background(), nil)
	require.NoError(t, err)
	defer conn.Close()

	sender, err := conn.AddTrack(newSampleTrack(t, "mic"), "stream-mic")
	require.NoError(t, err)

	require.NoError(t, sender.ReplaceTrack(newSampleTrack(t, "mic-2")))
	assert.Equal(t, "mic-2", sender.Track().ID())

	params := domain.EncodingParameters{MaxBitrate: 32000, DTX: true}
	require.NoError(t, sender.SetParameters(params))
	assert.Equal(t, params, sender.Parameters())

	require.NoError(t, conn.RemoveTrack(sender))
	assert.Empty(t, conn.Senders())
}

func TestConnection_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newFactory(t).NewConnection(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoggerFactory(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	factory := NewLoggerFactory(zap.New(core).Sugar())

	logger := factory.NewLogger("ice")
	logger.Tracef("checking %d pairs", 3)
	logger.Warn("no candidates")
	logger.Errorf("failed: %s", "timeout")

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, "checking 3 pairs", entries[0].Message)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
	assert.Equal(t, "ice", entries[2].ContextMap()["scope"])
}
