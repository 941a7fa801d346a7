package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"twine/internal/core/domain"
	"twine/internal/core/ports"
	"twine/pkg/eventbus"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// LocalTrackSource exposes the local tracks a new connection starts with.
type LocalTrackSource interface {
	AudioStreamID() string
	AudioTracks() []ports.MediaTrack
	ScreenStreamID() string
	ScreenTracks() []ports.MediaTrack
	ActiveAudioProfile() domain.AudioProfile
	ActiveScreenProfile() domain.ScreenProfile
}

type peerEntry struct {
	info          domain.PeerInfo
	conn          ports.PeerConnection
	audioSenders  []ports.RTPSender
	screenSenders []ports.RTPSender
	// remote stream ids known to carry video
	videoStreams map[string]bool
}

// PeerRegistry owns one connection per remote media socket. No other component
// closes or mutates a connection directly.
type PeerRegistry struct {
	factory ports.ConnectionFactory
	local   LocalTrackSource
	metrics ports.CallMetrics
	logger  *zap.SugaredLogger

	mu         sync.RWMutex
	peers      map[domain.PeerID]*peerEntry
	iceServers []webrtc.ICEServer

	ConnectionStates *eventbus.Subject[domain.ConnectionStateEvent]
	RemoteAudio      *eventbus.Subject[ports.RemoteStreamEvent]
	RemoteScreen     *eventbus.Subject[ports.RemoteStreamEvent]
	Disconnected     *eventbus.Subject[domain.PeerDisconnectedEvent]
}

func NewPeerRegistry(factory ports.ConnectionFactory, local LocalTrackSource, metrics ports.CallMetrics, logger *zap.SugaredLogger) *PeerRegistry {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &PeerRegistry{
		factory:          factory,
		local:            local,
		metrics:          metrics,
		logger:           logger,
		peers:            make(map[domain.PeerID]*peerEntry),
		ConnectionStates: eventbus.New[domain.ConnectionStateEvent](),
		RemoteAudio:      eventbus.New[ports.RemoteStreamEvent](),
		RemoteScreen:     eventbus.New[ports.RemoteStreamEvent](),
		Disconnected:     eventbus.New[domain.PeerDisconnectedEvent](),
	}
}

// SetICEServers sets the servers used by connections created from now on.
func (r *PeerRegistry) SetICEServers(servers []webrtc.ICEServer) {
	r.mu.Lock()
	r.iceServers = append([]webrtc.ICEServer(nil), servers...)
	r.mu.Unlock()
}

// Create returns the connection for peerID, creating it when absent. A new
// connection starts with every local audio and screen track attached.
func (r *PeerRegistry) Create(ctx context.Context, peerID domain.PeerID, userID domain.UserID, displayName string, onICECandidate func(webrtc.ICECandidateInit)) (ports.PeerConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.peers[peerID]; ok {
		return entry.conn, nil
	}

	conn, err := r.factory.NewConnection(ctx, r.iceServers)
	if err != nil {
		return nil, fmt.Errorf("create peer connection %s: %w", peerID, err)
	}

	entry := &peerEntry{
		info: domain.PeerInfo{
			PeerID:      peerID,
			UserID:      userID,
			DisplayName: displayName,
			State:       domain.ConnectionStateNew,
			CreatedAt:   time.Now(),
		},
		conn:         conn,
		videoStreams: make(map[string]bool),
	}

	audioProfile := r.local.ActiveAudioProfile()
	for _, track := range r.local.AudioTracks() {
		if sender := r.attach(entry, track, r.local.AudioStreamID(), audioProfile.Sender); sender != nil {
			entry.audioSenders = append(entry.audioSenders, sender)
		}
	}
	screenParams := r.local.ActiveScreenProfile().SenderParameters()
	for _, track := range r.local.ScreenTracks() {
		if sender := r.attach(entry, track, r.local.ScreenStreamID(), screenParams); sender != nil {
			entry.screenSenders = append(entry.screenSenders, sender)
		}
	}

	conn.OnICECandidate(func(c webrtc.ICECandidateInit) {
		if onICECandidate != nil {
			onICECandidate(c)
		}
	})
	conn.OnTrack(func(track ports.RemoteTrack) {
		r.handleRemoteTrack(peerID, conn, track)
	})
	conn.OnConnectionStateChange(func(state domain.ConnectionState) {
		r.handleStateChange(peerID, conn, state)
	})

	r.peers[peerID] = entry
	r.metrics.PeerCreated()
	r.logger.Infow("Peer connection created", "peer_id", peerID, "user_id", userID,
		"audio_senders", len(entry.audioSenders), "screen_senders", len(entry.screenSenders))
	return conn, nil
}

// attach adds track and applies sender parameters. Parameters are best effort;
// only video parameters apply to screen senders.
func (r *PeerRegistry) attach(entry *peerEntry, track ports.MediaTrack, streamID string, params domain.EncodingParameters) ports.RTPSender {
	sender, err := entry.conn.AddTrack(track, streamID)
	if err != nil {
		r.logger.Warnw("Failed to add local track", "peer_id", entry.info.PeerID, "track_id", track.ID(), "error", err)
		return nil
	}
	if track.Kind() == domain.TrackKindAudio && streamID != r.local.AudioStreamID() {
		// screen audio keeps transport defaults
		return sender
	}
	if err := sender.SetParameters(params); err != nil {
		r.logger.Warnw("Unable to apply sender parameters", "peer_id", entry.info.PeerID, "track_id", track.ID(), "error", err)
	}
	return sender
}

func (r *PeerRegistry) handleRemoteTrack(peerID domain.PeerID, conn ports.PeerConnection, track ports.RemoteTrack) {
	streamID := track.StreamID()

	r.mu.Lock()
	entry, ok := r.peers[peerID]
	if !ok || entry.conn != conn {
		r.mu.Unlock()
		r.logger.Debugw("Remote track for removed peer ignored", "peer_id", peerID, "track_id", track.ID())
		return
	}
	if track.Kind() == domain.TrackKindVideo {
		entry.videoStreams[streamID] = true
	}
	category := ClassifyTrack(entry.info, streamID, entry.videoStreams[streamID], track)
	if category == domain.StreamCategoryScreen {
		if entry.info.ScreenStreamID == "" || track.Kind() == domain.TrackKindVideo {
			entry.info.ScreenStreamID = streamID
		}
		entry.info.IsScreenSharing = true
		if entry.info.AudioStreamID == streamID {
			entry.info.AudioStreamID = ""
		}
	} else if entry.info.AudioStreamID == "" {
		entry.info.AudioStreamID = streamID
	}
	userID := entry.info.UserID
	r.mu.Unlock()

	event := ports.RemoteStreamEvent{
		PeerID:   peerID,
		UserID:   userID,
		StreamID: streamID,
		Category: category,
		Track:    track,
	}

	r.logger.Infow("Remote track received", "peer_id", peerID, "kind", track.Kind(),
		"track_id", track.ID(), "stream_id", streamID, "category", category)

	if category == domain.StreamCategoryScreen {
		r.RemoteScreen.Publish(event)
		return
	}
	event.Receiver = r.local.ActiveAudioProfile().Receiver
	r.RemoteAudio.Publish(event)
}

func (r *PeerRegistry) handleStateChange(peerID domain.PeerID, conn ports.PeerConnection, state domain.ConnectionState) {
	r.mu.Lock()
	entry, ok := r.peers[peerID]
	if !ok || entry.conn != conn {
		r.mu.Unlock()
		return
	}
	entry.info.State = state
	r.mu.Unlock()

	r.logger.Infow("Peer connection state changed", "peer_id", peerID, "state", state)
	r.ConnectionStates.Publish(domain.ConnectionStateEvent{PeerID: peerID, State: state})
}

func (r *PeerRegistry) connection(peerID domain.PeerID) (ports.PeerConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.peers[peerID]
	if !ok {
		return nil, false
	}
	return entry.conn, true
}

// CreateOffer creates an offer with the audio codec preferences applied and
// sets it as the local description.
func (r *PeerRegistry) CreateOffer(ctx context.Context, peerID domain.PeerID) (webrtc.SessionDescription, error) {
	conn, ok := r.connection(peerID)
	if !ok {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer for %s: %w", peerID, domain.ErrPeerNotFound)
	}

	offer, err := conn.CreateOffer(ctx)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer for %s: %w", peerID, err)
	}
	return r.finishLocal(ctx, peerID, conn, offer)
}

// CreateAnswer is CreateOffer for the answering side.
func (r *PeerRegistry) CreateAnswer(ctx context.Context, peerID domain.PeerID) (webrtc.SessionDescription, error) {
	conn, ok := r.connection(peerID)
	if !ok {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer for %s: %w", peerID, domain.ErrPeerNotFound)
	}

	answer, err := conn.CreateAnswer(ctx)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer for %s: %w", peerID, err)
	}
	return r.finishLocal(ctx, peerID, conn, answer)
}

func (r *PeerRegistry) finishLocal(ctx context.Context, peerID domain.PeerID, conn ports.PeerConnection, desc webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	munged, err := MungeAudioCodec(desc.SDP, r.local.ActiveAudioProfile())
	switch {
	case errors.Is(err, domain.ErrCodecNotFound):
		r.logger.Warnw("Opus codec not found in SDP", "peer_id", peerID, "type", desc.Type.String())
	case err != nil:
		r.logger.Warnw("Failed to apply codec preferences", "peer_id", peerID, "error", err)
	default:
		desc.SDP = munged
	}
	if len(r.local.ScreenTracks()) > 0 {
		if munged, err := MungeScreenBandwidth(desc.SDP, r.local.ScreenStreamID(), r.local.ActiveScreenProfile()); err != nil {
			r.logger.Warnw("Failed to apply screen bandwidth", "peer_id", peerID, "error", err)
		} else {
			desc.SDP = munged
		}
	}

	if err := conn.SetLocalDescription(ctx, desc); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local %s for %s: %w", desc.Type, peerID, err)
	}
	return desc, nil
}

func (r *PeerRegistry) SetRemoteDescription(ctx context.Context, peerID domain.PeerID, desc webrtc.SessionDescription) error {
	conn, ok := r.connection(peerID)
	if !ok {
		return fmt.Errorf("set remote description for %s: %w", peerID, domain.ErrPeerNotFound)
	}
	if err := conn.SetRemoteDescription(ctx, desc); err != nil {
		return fmt.Errorf("set remote %s for %s: %w", desc.Type, peerID, err)
	}
	return nil
}

// AddICECandidate applies a remote candidate. Candidates for unknown peers are
// expected after teardown and are dropped with a warning.
func (r *PeerRegistry) AddICECandidate(ctx context.Context, peerID domain.PeerID, candidate webrtc.ICECandidateInit) error {
	conn, ok := r.connection(peerID)
	if !ok {
		r.logger.Warnw("ICE candidate for unknown peer dropped", "peer_id", peerID)
		return nil
	}
	if err := conn.AddICECandidate(ctx, candidate); err != nil {
		return fmt.Errorf("add ICE candidate for %s: %w", peerID, err)
	}
	return nil
}

// Remove closes and forgets the connection. The disconnect event fires once per
// created connection; removing an unknown peer reports false.
func (r *PeerRegistry) Remove(peerID domain.PeerID) bool {
	r.mu.Lock()
	entry, ok := r.peers[peerID]
	if ok {
		delete(r.peers, peerID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	if err := entry.conn.Close(); err != nil {
		r.logger.Warnw("Error closing peer connection", "peer_id", peerID, "error", err)
	}
	r.metrics.PeerRemoved()
	r.logger.Infow("Peer connection removed", "peer_id", peerID, "user_id", entry.info.UserID)
	r.Disconnected.Publish(domain.PeerDisconnectedEvent{PeerID: peerID, UserID: entry.info.UserID})
	return true
}

// ReplaceTrack swaps track into every sender of its kind on every connection.
func (r *PeerRegistry) ReplaceTrack(kind domain.TrackKind, track ports.MediaTrack) error {
	params := r.local.ActiveAudioProfile().Sender
	if kind == domain.TrackKindVideo {
		params = r.local.ActiveScreenProfile().SenderParameters()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []error
	for peerID, entry := range r.peers {
		senders := entry.audioSenders
		if kind == domain.TrackKindVideo {
			senders = entry.screenSenders
		}
		for _, sender := range senders {
			current := sender.Track()
			if current != nil && current.Kind() != kind {
				continue
			}
			if err := sender.ReplaceTrack(track); err != nil {
				errs = append(errs, fmt.Errorf("replace track for %s: %w", peerID, err))
				continue
			}
			if err := sender.SetParameters(params); err != nil {
				r.logger.Warnw("Unable to apply sender parameters", "peer_id", peerID, "error", err)
			}
		}
	}
	return errors.Join(errs...)
}

// AttachAudioTracks adds the local microphone to connections that have no
// audio sender yet and returns the peers that need renegotiation.
func (r *PeerRegistry) AttachAudioTracks(streamID string, tracks []ports.MediaTrack) []domain.PeerID {
	params := r.local.ActiveAudioProfile().Sender

	r.mu.Lock()
	defer r.mu.Unlock()

	var changed []domain.PeerID
	for peerID, entry := range r.peers {
		if len(entry.audioSenders) > 0 {
			continue
		}
		for _, track := range tracks {
			if sender := r.attach(entry, track, streamID, params); sender != nil {
				entry.audioSenders = append(entry.audioSenders, sender)
			}
		}
		if len(entry.audioSenders) > 0 {
			changed = append(changed, peerID)
		}
	}
	return changed
}

// AttachScreenTracks adds the screen stream to every connection.
func (r *PeerRegistry) AttachScreenTracks(streamID string, tracks []ports.MediaTrack) []domain.PeerID {
	params := r.local.ActiveScreenProfile().SenderParameters()

	r.mu.Lock()
	defer r.mu.Unlock()

	var changed []domain.PeerID
	for peerID, entry := range r.peers {
		added := false
		for _, track := range tracks {
			if sender := r.attach(entry, track, streamID, params); sender != nil {
				entry.screenSenders = append(entry.screenSenders, sender)
				added = true
			}
		}
		if added {
			changed = append(changed, peerID)
		}
	}
	return changed
}

// DetachScreenTracks removes every screen sender and returns the affected peers.
func (r *PeerRegistry) DetachScreenTracks() []domain.PeerID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var changed []domain.PeerID
	for peerID, entry := range r.peers {
		if len(entry.screenSenders) == 0 {
			continue
		}
		for _, sender := range entry.screenSenders {
			if err := entry.conn.RemoveTrack(sender); err != nil {
				r.logger.Warnw("Failed to remove screen track", "peer_id", peerID, "error", err)
			}
		}
		entry.screenSenders = nil
		changed = append(changed, peerID)
	}
	return changed
}

func (r *PeerRegistry) Has(peerID domain.PeerID) bool {
	_, ok := r.connection(peerID)
	return ok
}

func (r *PeerRegistry) Get(peerID domain.PeerID) (domain.PeerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.peers[peerID]
	if !ok {
		return domain.PeerInfo{}, false
	}
	return entry.info, true
}

// Connection returns the live connection handle for peerID.
func (r *PeerRegistry) Connection(peerID domain.PeerID) (ports.PeerConnection, bool) {
	return r.connection(peerID)
}

// Peers returns a snapshot sorted by peer id.
func (r *PeerRegistry) Peers() []domain.PeerInfo {
	r.mu.RLock()
	out := make([]domain.PeerInfo, 0, len(r.peers))
	for _, entry := range r.peers {
		out = append(out, entry.info)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

func (r *PeerRegistry) PeerIDs() []domain.PeerID {
	peers := r.Peers()
	ids := make([]domain.PeerID, len(peers))
	for i, p := range peers {
		ids[i] = p.PeerID
	}
	return ids
}

// UpdatePeer applies fn to the stored info. Identity fields are preserved.
func (r *PeerRegistry) UpdatePeer(peerID domain.PeerID, fn func(*domain.PeerInfo)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.peers[peerID]
	if !ok {
		return false
	}
	info := entry.info
	fn(&info)
	info.PeerID = entry.info.PeerID
	info.CreatedAt = entry.info.CreatedAt
	entry.info = info
	return true
}

func (r *PeerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// CloseAll removes every peer.
func (r *PeerRegistry) CloseAll() {
	for _, id := range r.PeerIDs() {
		r.Remove(id)
	}
}
