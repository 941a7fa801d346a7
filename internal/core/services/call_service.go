package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"twine/internal/core/domain"
	"twine/internal/core/ports"
	"twine/pkg/eventbus"
	"twine/pkg/tracing"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const defaultConnectTimeout = 10 * time.Second

// Channels are the three relay namespaces a call uses.
type Channels struct {
	Signaling ports.SignalingClient
	WebRTC    ports.SignalingClient
	Chat      ports.SignalingClient
}

func (c Channels) all() []ports.SignalingClient {
	return []ports.SignalingClient{c.Signaling, c.WebRTC, c.Chat}
}

type CallOptions struct {
	UserID         domain.UserID
	ConnectTimeout time.Duration
	// ICEServers are used when the ICE configuration service is unavailable.
	ICEServers []webrtc.ICEServer
}

// CallService composes the call components and runs the join sequence.
type CallService struct {
	channels Channels
	media    *MediaSourceManager
	registry *PeerRegistry
	coord    *SignalingCoordinator
	roster   *RosterSynchronizer
	monitor  *HealthMonitor
	ptt      *PushToTalk
	prefs    *Preferences
	ice      ports.ICEConfigProvider
	opts     CallOptions
	logger   *zap.SugaredLogger

	mu     sync.RWMutex
	roomID domain.RoomID
	ctx    context.Context
	cancel context.CancelFunc
	unsubs []func()

	// PeerUpdates fires when a peer's mute or sharing flags change.
	PeerUpdates *eventbus.Subject[domain.PeerInfo]
}

// NewCallService wires the components around the given connection factory and
// media devices.
func NewCallService(
	channels Channels,
	devices ports.MediaDevices,
	factory ports.ConnectionFactory,
	ice ports.ICEConfigProvider,
	prefs *Preferences,
	mediaOpts MediaOptions,
	opts CallOptions,
	metrics ports.CallMetrics,
	logger *zap.SugaredLogger,
) *CallService {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}

	media := NewMediaSourceManager(devices, prefs, mediaOpts, metrics, logger.Named("media"))
	registry := NewPeerRegistry(factory, media, metrics, logger.Named("peers"))
	media.SetReplacer(registry)
	coord := NewSignalingCoordinator(registry, channels.WebRTC, metrics, logger.Named("signaling"))

	s := &CallService{
		channels:    channels,
		media:       media,
		registry:    registry,
		coord:       coord,
		roster:      NewRosterSynchronizer(coord, registry, logger.Named("roster")),
		monitor:     NewHealthMonitor(registry, metrics, logger.Named("health")),
		prefs:       prefs,
		ice:         ice,
		opts:        opts,
		logger:      logger,
		ctx:         context.Background(),
		PeerUpdates: eventbus.New[domain.PeerInfo](),
	}
	coord.SetOfferObserver(s.roster)
	s.ptt = NewPushToTalk(s.applyMute, logger.Named("ptt"))
	s.ptt.Configure(prefs.CommunicationSettings())

	media.ScreenEnded.Subscribe(func(string) {
		go func() {
			ctx, cancel := context.WithTimeout(s.callContext(), defaultNegotiationTimeout)
			defer cancel()
			if err := s.StopScreenShare(ctx); err != nil {
				s.logger.Warnw("Failed to finish ended screen share", "error", err)
			}
		}()
	})
	return s
}

func (s *CallService) Media() *MediaSourceManager         { return s.media }
func (s *CallService) Registry() *PeerRegistry            { return s.registry }
func (s *CallService) Coordinator() *SignalingCoordinator { return s.coord }
func (s *CallService) Roster() *RosterSynchronizer        { return s.roster }
func (s *CallService) PushToTalk() *PushToTalk            { return s.ptt }
func (s *CallService) Preferences() *Preferences          { return s.prefs }
func (s *CallService) Monitor() *HealthMonitor            { return s.monitor }
func (s *CallService) Channels() Channels                 { return s.channels }
func (s *CallService) ConnectTimeout() time.Duration      { return s.opts.ConnectTimeout }
func (s *CallService) LocalUserID() domain.UserID         { return s.opts.UserID }

// Connect opens the three relay channels concurrently.
func (s *CallService) Connect(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, client := range s.channels.all() {
		if client.Connected() {
			continue
		}
		wg.Add(1)
		go func(client ports.SignalingClient) {
			defer wg.Done()
			if err := client.Connect(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("connect %s: %w", client.Namespace(), err))
				mu.Unlock()
			}
		}(client)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (s *CallService) callContext() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctx
}

func (s *CallService) RoomID() domain.RoomID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roomID
}

// Join enters roomID on all three channels and starts the media leg.
func (s *CallService) Join(ctx context.Context, roomID domain.RoomID) (err error) {
	ctx, span := tracing.TraceCall(ctx, "join", string(roomID))
	defer func() {
		if err != nil {
			tracing.RecordError(ctx, err)
		}
		span.End()
	}()

	if roomID == "" {
		return fmt.Errorf("join: empty room id")
	}
	s.mu.Lock()
	if s.roomID != "" {
		s.mu.Unlock()
		return domain.ErrAlreadyInRoom
	}
	s.roomID = roomID
	callCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.ctx, s.cancel = callCtx, cancel
	s.mu.Unlock()

	if err := s.join(ctx, callCtx, roomID); err != nil {
		s.Cleanup()
		return err
	}
	return nil
}

func (s *CallService) join(ctx, callCtx context.Context, roomID domain.RoomID) error {
	if err := s.waitConnected(ctx); err != nil {
		return err
	}

	s.loadICEServers(ctx)

	s.bindRoomEvents()
	s.coord.Bind(callCtx, roomID)
	s.monitor.Start()

	if _, err := s.channels.Signaling.Request(ctx, domain.EventJoinRoom, domain.RoomRequest{RoomID: roomID}); err != nil {
		return fmt.Errorf("join room: %w", err)
	}

	// media must be attempted before any connection exists
	if _, err := s.media.AcquireAudio(ctx, ""); err != nil {
		return fmt.Errorf("acquire audio: %w", err)
	}

	if _, err := s.channels.Chat.Request(ctx, domain.EventJoinRoom, domain.RoomRequest{RoomID: roomID}); err != nil {
		return fmt.Errorf("join chat: %w", err)
	}

	ack, err := s.channels.WebRTC.Request(ctx, domain.EventWebRTCJoinRoom, domain.RoomRequest{RoomID: roomID})
	if err != nil {
		return fmt.Errorf("join media room: %w", err)
	}
	socketID := ack.SocketID
	if socketID == "" {
		socketID = s.channels.WebRTC.SocketID()
	}
	s.roster.MarkLocalWebRTC(s.opts.UserID, socketID)
	s.roster.HandleInitialWebRTCParticipants(ack.Participants)

	s.logger.Infow("Joined room", "room_id", roomID, "socket_id", socketID, "participants", len(ack.Participants))
	return nil
}

func (s *CallService) waitConnected(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	for _, client := range s.channels.all() {
		if err := client.WaitConnected(ctx); err != nil {
			s.logger.Errorw("Signaling channel not connected", "namespace", client.Namespace(), "error", err)
			return domain.ErrSignalingTimeout
		}
	}
	return nil
}

func (s *CallService) loadICEServers(ctx context.Context) {
	servers := s.opts.ICEServers
	if s.ice != nil {
		fetched, err := s.ice.ICEServers(ctx)
		switch {
		case err != nil:
			s.logger.Warnw("Failed to fetch ICE servers, using defaults", "error", err)
		case len(fetched) == 0:
			s.logger.Debugw("ICE configuration service returned no servers")
		default:
			servers = fetched
		}
	}
	s.registry.SetICEServers(servers)
}

func (s *CallService) bindRoomEvents() {
	sig, rtc := s.channels.Signaling, s.channels.WebRTC

	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubs = append(s.unsubs,
		sig.On(domain.EventRoomJoined, handle(s, domain.EventRoomJoined, func(p domain.RoomJoinedPayload) {
			s.roster.HandleRoomJoined(p.Participants)
		})),
		sig.On(domain.EventUserJoined, handle(s, domain.EventUserJoined, func(p domain.ParticipantPayload) {
			s.roster.HandleUserJoined(p.Participant)
		})),
		sig.On(domain.EventUserUpdated, handle(s, domain.EventUserUpdated, func(p domain.ParticipantPayload) {
			s.roster.HandleUserUpdated(p.Participant)
		})),
		sig.On(domain.EventUserLeft, handle(s, domain.EventUserLeft, func(p domain.ParticipantPayload) {
			s.roster.HandleUserLeft(p.Participant.Record().UserID)
		})),
		rtc.On(domain.EventWebRTCParticipantJoined, handle(s, domain.EventWebRTCParticipantJoined, s.roster.HandleWebRTCParticipantJoined)),
		rtc.On(domain.EventWebRTCParticipantLeft, handle(s, domain.EventWebRTCParticipantLeft, s.roster.HandleWebRTCParticipantLeft)),
		rtc.On(domain.EventWebRTCAudioStatus, handle(s, domain.EventWebRTCAudioStatus, s.handleAudioStatus)),
		rtc.On(domain.EventWebRTCScreenStarted, handle(s, domain.EventWebRTCScreenStarted, func(p domain.ScreenSharePayload) {
			s.handleScreenStatus(p, true)
		})),
		rtc.On(domain.EventWebRTCScreenStopped, handle(s, domain.EventWebRTCScreenStopped, func(p domain.ScreenSharePayload) {
			s.handleScreenStatus(p, false)
		})),
	)
}

func handle[T any](s *CallService, event string, fn func(T)) func(json.RawMessage) {
	return func(data json.RawMessage) {
		var payload T
		if err := json.Unmarshal(data, &payload); err != nil {
			s.logger.Warnw("Malformed relay event", "event", event, "error", err)
			return
		}
		fn(payload)
	}
}

func (s *CallService) handleAudioStatus(p domain.AudioStatusPayload) {
	s.updatePeer(p.SocketID, func(info *domain.PeerInfo) { info.IsMuted = !p.Enabled })
}

func (s *CallService) handleScreenStatus(p domain.ScreenSharePayload, sharing bool) {
	s.updatePeer(p.SocketID, func(info *domain.PeerInfo) {
		info.IsScreenSharing = sharing
		if !sharing {
			info.ScreenStreamID = ""
		}
	})
}

func (s *CallService) updatePeer(peerID domain.PeerID, fn func(*domain.PeerInfo)) {
	if !s.registry.UpdatePeer(peerID, fn) {
		s.logger.Debugw("Status for unknown peer", "peer_id", peerID)
		return
	}
	if info, ok := s.registry.Get(peerID); ok {
		s.PeerUpdates.Publish(info)
	}
}

// ToggleMute flips the local mute flag and announces it to the room.
func (s *CallService) ToggleMute(ctx context.Context) (bool, error) {
	muted := s.media.ToggleMute()
	return muted, s.announceAudio(ctx, muted)
}

func (s *CallService) SetMute(ctx context.Context, muted bool) error {
	if s.media.IsMuted() == muted {
		return nil
	}
	s.media.SetMute(muted)
	return s.announceAudio(ctx, muted)
}

func (s *CallService) applyMute(muted bool) {
	if s.media.IsMuted() == muted {
		return
	}
	s.media.SetMute(muted)
	go func() {
		ctx, cancel := context.WithTimeout(s.callContext(), defaultNegotiationTimeout)
		defer cancel()
		if err := s.announceAudio(ctx, muted); err != nil {
			s.logger.Warnw("Failed to announce audio state", "error", err)
		}
	}()
}

func (s *CallService) announceAudio(ctx context.Context, muted bool) error {
	roomID := s.RoomID()
	if roomID == "" {
		return nil
	}
	payload := domain.ToggleAudioPayload{RoomID: roomID, Enabled: !muted}
	if _, err := s.channels.WebRTC.Request(ctx, domain.EventWebRTCToggleAudio, payload); err != nil {
		return fmt.Errorf("announce audio state: %w", err)
	}
	return nil
}

// SetHoldToTalk forwards the external push-to-talk trigger. Ignored in auto mode.
func (s *CallService) SetHoldToTalk(active bool) {
	s.ptt.SetHolding(active)
}

func (s *CallService) SetCommunicationSettings(settings domain.CommunicationSettings) domain.CommunicationSettings {
	settings = s.prefs.SetCommunicationSettings(settings)
	s.ptt.Configure(settings)
	return settings
}

// StartScreenShare captures sourceID and adds it to every connection.
func (s *CallService) StartScreenShare(ctx context.Context, profile domain.ScreenProfileID, sourceID string) (err error) {
	roomID := s.RoomID()
	ctx, span := tracing.TraceCall(ctx, "start_screen_share", string(roomID))
	defer func() {
		if err != nil {
			tracing.RecordError(ctx, err)
		}
		span.End()
	}()

	if roomID == "" {
		return domain.ErrNotInRoom
	}

	stream, err := s.media.AcquireScreen(ctx, profile, sourceID)
	if err != nil {
		return err
	}
	peers := s.registry.AttachScreenTracks(stream.ID(), s.media.ScreenTracks())

	if _, err := s.channels.WebRTC.Request(ctx, domain.EventWebRTCStartScreenShare, domain.RoomRequest{RoomID: roomID}); err != nil {
		s.logger.Warnw("Failed to announce screen share", "error", err)
	}
	if err := s.coord.RenegotiatePeers(ctx, peers); err != nil {
		s.logger.Warnw("Renegotiation incomplete after screen share start", "error", err)
	}

	s.logger.Infow("Screen sharing started", "stream_id", stream.ID(), "peers", len(peers))
	return nil
}

// StopScreenShare ends capture and removes its tracks from every connection.
// It also runs when the system ends the capture.
func (s *CallService) StopScreenShare(ctx context.Context) error {
	stopped := s.media.StopScreen()
	peers := s.registry.DetachScreenTracks()
	if !stopped && len(peers) == 0 {
		return nil
	}

	if roomID := s.RoomID(); roomID != "" {
		if _, err := s.channels.WebRTC.Request(ctx, domain.EventWebRTCStopScreenShare, domain.RoomRequest{RoomID: roomID}); err != nil {
			s.logger.Warnw("Failed to announce screen share stop", "error", err)
		}
	}
	if err := s.coord.RenegotiatePeers(ctx, peers); err != nil {
		s.logger.Warnw("Renegotiation incomplete after screen share stop", "error", err)
	}
	return nil
}

// RetryMicrophone re-requests microphone access and, when granted, adds the
// track to connections that were created without one.
func (s *CallService) RetryMicrophone(ctx context.Context) (domain.MicrophoneStatus, error) {
	stream, err := s.media.RetryMicrophone(ctx)
	if err != nil {
		return s.media.MicrophoneStatus(), err
	}
	if stream == nil {
		return s.media.MicrophoneStatus(), nil
	}
	s.attachMissingAudio(ctx, stream)
	if err := s.announceAudio(ctx, s.media.IsMuted()); err != nil {
		s.logger.Warnw("Failed to announce audio state", "error", err)
	}
	return s.media.MicrophoneStatus(), nil
}

// SwitchAudioDevice moves capture to deviceID. Existing senders get the new
// track in place.
func (s *CallService) SwitchAudioDevice(ctx context.Context, deviceID string) error {
	if err := s.media.SwitchInputDevice(ctx, deviceID); err != nil {
		return err
	}
	s.attachMissingAudio(ctx, nil)
	return nil
}

func (s *CallService) attachMissingAudio(ctx context.Context, stream ports.MediaStream) {
	streamID := s.media.AudioStreamID()
	if stream != nil {
		streamID = stream.ID()
	}
	peers := s.registry.AttachAudioTracks(streamID, s.media.AudioTracks())
	if len(peers) == 0 {
		return
	}
	if err := s.coord.RenegotiatePeers(ctx, peers); err != nil {
		s.logger.Warnw("Renegotiation incomplete after adding audio", "error", err)
	}
}

func (s *CallService) SetAudioOutputDevice(deviceID string) {
	s.media.SetOutputDevice(deviceID)
}

func (s *CallService) SetVolume(userID domain.UserID, volume float64) int {
	return s.prefs.SetVolume(userID, volume)
}

func (s *CallService) SetAudioSettings(settings domain.AudioSettings) {
	s.media.SetAudioProcessing(settings)
}

func (s *CallService) Devices(ctx context.Context) ([]domain.MediaDeviceInfo, error) {
	return s.media.Devices(ctx)
}

// Leave announces departure and releases everything the call holds.
func (s *CallService) Leave(ctx context.Context) error {
	roomID := s.RoomID()
	if roomID == "" {
		return domain.ErrNotInRoom
	}

	var errs []error
	if err := s.channels.WebRTC.Emit(ctx, domain.EventWebRTCLeaveRoom, domain.RoomRequest{RoomID: roomID}); err != nil {
		errs = append(errs, err)
	}
	if err := s.channels.Signaling.Emit(ctx, domain.EventLeaveRoom, domain.RoomRequest{RoomID: roomID}); err != nil {
		errs = append(errs, err)
	}
	s.Cleanup()

	s.logger.Infow("Left room", "room_id", roomID)
	return errors.Join(errs...)
}

// Cleanup closes every connection, stops local media and drops relay
// subscriptions. Safe to call more than once.
func (s *CallService) Cleanup() {
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	cancel := s.cancel
	s.cancel = nil
	s.roomID = ""
	s.ctx = context.Background()
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, unsubscribe := range unsubs {
		unsubscribe()
	}
	s.coord.Unbind()
	s.monitor.Stop()
	s.ptt.Close()
	s.registry.CloseAll()
	s.media.Cleanup()
	s.roster.Reset()
}

// Close leaves the room if needed and disconnects the relay channels.
func (s *CallService) Close(ctx context.Context) error {
	if s.RoomID() != "" {
		if err := s.Leave(ctx); err != nil {
			s.logger.Warnw("Leave on close failed", "error", err)
		}
	}
	var errs []error
	for _, client := range s.channels.all() {
		if err := client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *CallService) Snapshot() domain.CallSnapshot {
	roomID := s.RoomID()
	return domain.CallSnapshot{
		RoomID:        roomID,
		InRoom:        roomID != "",
		LocalUserID:   s.opts.UserID,
		LocalSocketID: s.channels.WebRTC.SocketID(),
		Media:         s.media.State(),
		Participants:  s.roster.Participants(),
		Peers:         s.registry.Peers(),
		Communication: s.prefs.CommunicationSettings(),
		PushToTalk: domain.PushToTalkState{
			Enabled:  s.ptt.IsEnabled(),
			Holding:  s.ptt.IsHolding(),
			Override: s.ptt.Override.Get(),
		},
	}
}
