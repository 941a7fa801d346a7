package testutils

import (
	"context"
	"fmt"
	"sync"

	"twine/internal/core/domain"
	"twine/internal/core/ports"

	"github.com/pion/webrtc/v4"
)

// OfferSDP is a minimal browser-like offer with opus behind two other codecs.
const OfferSDP = "v=0\r\n" +
	"o=- 4611731400430051336 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"a=group:BUNDLE 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 0 8 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=rtpmap:8 PCMA/8000\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=fmtp:111 minptime=10;useinbandfec=1\r\n" +
	"a=sendrecv\r\n"

// MockSender records the track and parameters set on it.
type MockSender struct {
	mu     sync.Mutex
	track  ports.MediaTrack
	params domain.EncodingParameters

	ReplaceErr error
}

func (s *MockSender) Track() ports.MediaTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *MockSender) ReplaceTrack(track ports.MediaTrack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ReplaceErr != nil {
		return s.ReplaceErr
	}
	s.track = track
	return nil
}

func (s *MockSender) SetParameters(params domain.EncodingParameters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params = params
	return nil
}

func (s *MockSender) Parameters() domain.EncodingParameters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

// MockRemoteTrack is an inbound track as delivered by OnTrack.
type MockRemoteTrack struct {
	TrackID  string
	Stream   string
	TrackKnd domain.TrackKind
	Lbl      string
}

func (t *MockRemoteTrack) ID() string             { return t.TrackID }
func (t *MockRemoteTrack) StreamID() string       { return t.Stream }
func (t *MockRemoteTrack) Kind() domain.TrackKind { return t.TrackKnd }
func (t *MockRemoteTrack) Label() string {
	if t.Lbl == "" {
		return t.TrackID
	}
	return t.Lbl
}

// MockPeerConnection is an in-memory ports.PeerConnection. Callbacks only fire
// through the Emit* helpers.
type MockPeerConnection struct {
	mu         sync.Mutex
	senders    []*MockSender
	streams    map[*MockSender]string
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	state      domain.ConnectionState
	closed     bool
	offers     int
	answers    int

	onICE   func(webrtc.ICECandidateInit)
	onTrack func(ports.RemoteTrack)
	onState func(domain.ConnectionState)

	ICEServers []webrtc.ICEServer
	OfferSDP   string
	OfferErr   error
	AnswerErr  error
	RemoteErr  error
	// OfferHook runs inside CreateOffer before it returns.
	OfferHook func()
}

func NewMockPeerConnection(iceServers []webrtc.ICEServer) *MockPeerConnection {
	return &MockPeerConnection{
		streams:    make(map[*MockSender]string),
		state:      domain.ConnectionStateNew,
		ICEServers: iceServers,
		OfferSDP:   OfferSDP,
	}
}

func (m *MockPeerConnection) AddTrack(track ports.MediaTrack, streamID string) (ports.RTPSender, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, domain.ErrPeerClosed
	}
	s := &MockSender{track: track}
	m.senders = append(m.senders, s)
	m.streams[s] = streamID
	return s, nil
}

func (m *MockPeerConnection) RemoveTrack(sender ports.RTPSender) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.senders {
		if s == sender {
			m.senders = append(m.senders[:i], m.senders[i+1:]...)
			delete(m.streams, s)
			return nil
		}
	}
	return fmt.Errorf("sender not attached")
}

func (m *MockPeerConnection) Senders() []ports.RTPSender {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ports.RTPSender, 0, len(m.senders))
	for _, s := range m.senders {
		out = append(out, s)
	}
	return out
}

func (m *MockPeerConnection) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if m.OfferHook != nil {
		m.OfferHook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.OfferErr != nil {
		return webrtc.SessionDescription{}, m.OfferErr
	}
	m.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: m.OfferSDP}, nil
}

func (m *MockPeerConnection) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AnswerErr != nil {
		return webrtc.SessionDescription{}, m.AnswerErr
	}
	m.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: m.OfferSDP}, nil
}

func (m *MockPeerConnection) SetLocalDescription(ctx context.Context, desc webrtc.SessionDescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.local = &desc
	return nil
}

func (m *MockPeerConnection) SetRemoteDescription(ctx context.Context, desc webrtc.SessionDescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RemoteErr != nil {
		return m.RemoteErr
	}
	m.remote = &desc
	return nil
}

func (m *MockPeerConnection) AddICECandidate(ctx context.Context, candidate webrtc.ICECandidateInit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candidates = append(m.candidates, candidate)
	return nil
}

func (m *MockPeerConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	m.mu.Lock()
	m.onICE = fn
	m.mu.Unlock()
}

func (m *MockPeerConnection) OnTrack(fn func(ports.RemoteTrack)) {
	m.mu.Lock()
	m.onTrack = fn
	m.mu.Unlock()
}

func (m *MockPeerConnection) OnConnectionStateChange(fn func(domain.ConnectionState)) {
	m.mu.Lock()
	m.onState = fn
	m.mu.Unlock()
}

func (m *MockPeerConnection) ConnectionState() domain.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *MockPeerConnection) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.state = domain.ConnectionStateClosed
	return nil
}

// EmitCandidate simulates a locally gathered ICE candidate.
func (m *MockPeerConnection) EmitCandidate(c webrtc.ICECandidateInit) {
	m.mu.Lock()
	fn := m.onICE
	m.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

// EmitTrack simulates a remote track arriving.
func (m *MockPeerConnection) EmitTrack(t ports.RemoteTrack) {
	m.mu.Lock()
	fn := m.onTrack
	m.mu.Unlock()
	if fn != nil {
		fn(t)
	}
}

// EmitState simulates a transport state transition.
func (m *MockPeerConnection) EmitState(s domain.ConnectionState) {
	m.mu.Lock()
	m.state = s
	fn := m.onState
	m.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (m *MockPeerConnection) LocalDescription() *webrtc.SessionDescription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local
}

func (m *MockPeerConnection) RemoteDescription() *webrtc.SessionDescription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remote
}

func (m *MockPeerConnection) Candidates() []webrtc.ICECandidateInit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), m.candidates...)
}

func (m *MockPeerConnection) Offers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offers
}

func (m *MockPeerConnection) Answers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.answers
}

func (m *MockPeerConnection) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// TrackCount returns the number of attached senders of kind.
func (m *MockPeerConnection) TrackCount(kind domain.TrackKind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.senders {
		if t := s.Track(); t != nil && t.Kind() == kind {
			n++
		}
	}
	return n
}

// MockConnectionFactory hands out MockPeerConnections and remembers them in order.
type MockConnectionFactory struct {
	mu    sync.Mutex
	conns []*MockPeerConnection

	Err       error
	Configure func(*MockPeerConnection)
}

func (f *MockConnectionFactory) NewConnection(ctx context.Context, iceServers []webrtc.ICEServer) (ports.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	conn := NewMockPeerConnection(iceServers)
	if f.Configure != nil {
		f.Configure(conn)
	}
	f.conns = append(f.conns, conn)
	return conn, nil
}

func (f *MockConnectionFactory) Connections() []*MockPeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*MockPeerConnection(nil), f.conns...)
}

func (f *MockConnectionFactory) Last() *MockPeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}
