package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"twine/internal/core/domain"
	"twine/internal/core/ports"
	"twine/internal/core/services"
	"twine/pkg/tracing"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	ErrRoomRequired       = errors.New("roomId is required")
	ErrTargetRequired     = errors.New("targetSocketId is required")
	ErrTargetNotConnected = errors.New("target not connected")
	ErrNotInRoom          = errors.New("not in room")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrUnknownEvent       = errors.New("unknown event")
)

// Cluster reaches sockets held by other relay instances.
type Cluster interface {
	Register(ctx context.Context, namespace string, socketID domain.PeerID) error
	Unregister(ctx context.Context, namespace string, socketID domain.PeerID) error
	Refresh(ctx context.Context, namespace string, socketID domain.PeerID) error
	// Deliver reports false when no other instance holds the socket.
	Deliver(ctx context.Context, namespace string, socketID domain.PeerID, env domain.Envelope) (bool, error)
	Subscribe(ctx context.Context, handler func(namespace string, socketID domain.PeerID, env domain.Envelope) error) error
}

// RelayMetrics receives relay-level measurements.
type RelayMetrics interface {
	RelayConnectionOpened(namespace string)
	RelayConnectionClosed(namespace string)
	RelayMessage(namespace, event string, ok bool)
}

type RelayConfig struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	RequireAuth    bool
	AllowedOrigins []string

	// Zero values disable the limit.
	MessagesPerSecond float64
	Burst             int
	MaxConnections    int
	MaxMessageSize    int64
}

// Relay is the signaling relay: sockets join rooms per namespace, room events
// are broadcast to the other members and WebRTC signals are routed to the
// target socket.
type Relay struct {
	cfg      RelayConfig
	rooms    ports.RoomRepository
	auth     services.AuthService
	cluster  Cluster
	metrics  RelayMetrics
	logger   *zap.SugaredLogger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]map[domain.PeerID]*session
}

type session struct {
	id        domain.PeerID
	namespace string
	identity  domain.Identity
	conn      *websocket.Conn
	send      chan []byte
	limiter   *rate.Limiter
	done      chan struct{}
	closeOnce sync.Once
}

func (s *session) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func NewRelay(cfg RelayConfig, rooms ports.RoomRepository, auth services.AuthService, logger *zap.SugaredLogger) *Relay {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 54 * time.Second
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		cfg.PongTimeout = cfg.PingInterval * 10 / 9
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	r := &Relay{
		cfg:      cfg,
		rooms:    rooms,
		auth:     auth,
		logger:   logger,
		sessions: make(map[string]map[domain.PeerID]*session),
	}
	r.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     r.checkOrigin,
	}
	return r
}

// WithCluster enables delivery to sockets on other relay instances.
func (r *Relay) WithCluster(cluster Cluster) *Relay {
	r.cluster = cluster
	return r
}

func (r *Relay) WithMetrics(metrics RelayMetrics) *Relay {
	r.metrics = metrics
	return r
}

func (r *Relay) checkOrigin(req *http.Request) bool {
	origin := req.Header.Get("Origin")
	if origin == "" || len(r.cfg.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(r.cfg.AllowedOrigins, "*") || slices.Contains(r.cfg.AllowedOrigins, origin)
}

func validNamespace(ns string) bool {
	switch ns {
	case domain.NamespaceSignaling, domain.NamespaceWebRTC, domain.NamespaceChat:
		return true
	}
	return false
}

// identify resolves who is connecting: the token claims when one is given,
// otherwise the query identity unless auth is required.
func (r *Relay) identify(req *http.Request) (domain.Identity, error) {
	q := req.URL.Query()
	if token := q.Get("token"); token != "" && r.auth != nil {
		claims, err := r.auth.ValidateToken(token)
		if err != nil {
			return domain.Identity{}, err
		}
		return claims.Identity(), nil
	}
	if r.cfg.RequireAuth {
		return domain.Identity{}, services.ErrUnauthorized
	}
	identity := domain.Identity{
		UserID:      domain.UserID(q.Get("user_id")),
		Username:    q.Get("username"),
		DisplayName: q.Get("display_name"),
	}
	if identity.UserID == "" {
		identity.UserID = domain.UserID("guest-" + uuid.NewString()[:8])
	}
	if identity.Username == "" {
		identity.Username = string(identity.UserID)
	}
	return identity, nil
}

func (r *Relay) HandleWebSocket(w http.ResponseWriter, req *http.Request) {
	namespace := req.URL.Query().Get("namespace")
	if namespace == "" {
		namespace = domain.NamespaceSignaling
	}
	if !validNamespace(namespace) {
		http.Error(w, fmt.Sprintf("unknown namespace %q", namespace), http.StatusBadRequest)
		return
	}

	identity, err := r.identify(req)
	if err != nil {
		r.logger.Infow("relay connection rejected", "namespace", namespace, "error", err)
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	if r.cfg.MaxConnections > 0 && r.ConnectionCount() >= r.cfg.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	s := &session{
		id:        domain.PeerID(uuid.NewString()),
		namespace: namespace,
		identity:  identity,
		conn:      conn,
		send:      make(chan []byte, 256),
		done:      make(chan struct{}),
	}
	if r.cfg.MessagesPerSecond > 0 {
		burst := r.cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(r.cfg.MessagesPerSecond), burst)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.register(ctx, s)
	r.logger.Infow("relay socket connected",
		"namespace", namespace,
		"socket_id", s.id,
		"user_id", identity.UserID,
	)

	go r.writePump(s)
	r.enqueue(s, mustEnvelope(domain.EventConnected, domain.ConnectedPayload{SocketID: s.id}, ""))
	r.readPump(ctx, s)

	r.unregister(ctx, s)
	r.logger.Infow("relay socket disconnected", "namespace", namespace, "socket_id", s.id)
}

func (r *Relay) register(ctx context.Context, s *session) {
	r.mu.Lock()
	if r.sessions[s.namespace] == nil {
		r.sessions[s.namespace] = make(map[domain.PeerID]*session)
	}
	r.sessions[s.namespace][s.id] = s
	r.mu.Unlock()

	if r.cluster != nil {
		if err := r.cluster.Register(ctx, s.namespace, s.id); err != nil {
			r.logger.Warnw("failed to register socket", "socket_id", s.id, "error", err)
		}
	}
	if r.metrics != nil {
		r.metrics.RelayConnectionOpened(s.namespace)
	}
}

// unregister removes the socket from every room it joined, telling the
// remaining members.
func (r *Relay) unregister(ctx context.Context, s *session) {
	s.close()

	r.mu.Lock()
	delete(r.sessions[s.namespace], s.id)
	r.mu.Unlock()

	rooms, err := r.rooms.RoomsOf(ctx, s.namespace, s.id)
	if err != nil {
		r.logger.Warnw("failed to list socket rooms", "socket_id", s.id, "error", err)
	}
	for _, roomID := range rooms {
		if err := r.leave(ctx, s, roomID); err != nil {
			r.logger.Warnw("failed to leave room on disconnect",
				"socket_id", s.id,
				"room_id", roomID,
				"error", err,
			)
		}
	}

	if r.cluster != nil {
		if err := r.cluster.Unregister(ctx, s.namespace, s.id); err != nil {
			r.logger.Warnw("failed to unregister socket", "socket_id", s.id, "error", err)
		}
	}
	if r.metrics != nil {
		r.metrics.RelayConnectionClosed(s.namespace)
	}
}

func (r *Relay) readPump(ctx context.Context, s *session) {
	if r.cfg.MaxMessageSize > 0 {
		s.conn.SetReadLimit(r.cfg.MaxMessageSize)
	}
	s.conn.SetReadDeadline(time.Now().Add(r.cfg.PongTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(r.cfg.PongTimeout))
		if r.cluster != nil {
			r.cluster.Refresh(ctx, s.namespace, s.id)
		}
		return nil
	})
	// Client pings count as liveness too.
	s.conn.SetPingHandler(func(data string) error {
		s.conn.SetReadDeadline(time.Now().Add(r.cfg.PongTimeout))
		err := s.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(r.cfg.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.logger.Infow("error reading from socket", "socket_id", s.id, "error", err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(r.cfg.PongTimeout))

		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			r.enqueue(s, mustEnvelope(domain.EventError, domain.ErrorPayload{Message: "invalid message"}, ""))
			continue
		}
		r.process(ctx, s, env)
	}
}

func (r *Relay) writePump(s *session) {
	ticker := time.NewTicker(r.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.close()
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		case <-s.done:
			s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(r.cfg.WriteTimeout))
			return
		}
	}
}

// enqueue hands a frame to the socket writer. A socket that cannot keep up
// is dropped.
func (r *Relay) enqueue(s *session, msg []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- msg:
		return true
	default:
		r.logger.Warnw("socket send buffer full, closing", "socket_id", s.id)
		s.close()
		return false
	}
}

func (r *Relay) process(ctx context.Context, s *session, env domain.Envelope) {
	ctx, span := tracing.TraceSignal(ctx, s.namespace, env.Event)
	defer span.End()

	var (
		ack *domain.AckResponse
		err error
	)
	if s.limiter != nil && !s.limiter.Allow() {
		err = ErrRateLimited
	} else {
		ack, err = r.handle(ctx, s, env)
	}

	if r.metrics != nil {
		r.metrics.RelayMessage(s.namespace, env.Event, err == nil)
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		r.logger.Debugw("relay event failed",
			"event", env.Event,
			"socket_id", s.id,
			"error", err,
		)
	}

	if env.AckID == "" {
		if err != nil {
			r.enqueue(s, mustEnvelope(domain.EventError, domain.ErrorPayload{Message: err.Error()}, ""))
		}
		return
	}
	if err != nil {
		ack = &domain.AckResponse{Success: false, Message: err.Error()}
	} else if ack == nil {
		ack = &domain.AckResponse{Success: true}
	}
	r.enqueue(s, mustEnvelope(domain.EventAck, ack, env.AckID))
}

func (r *Relay) handle(ctx context.Context, s *session, env domain.Envelope) (*domain.AckResponse, error) {
	switch env.Event {
	case domain.EventJoinRoom:
		return r.handleJoinRoom(ctx, s, env.Data)
	case domain.EventLeaveRoom, domain.EventWebRTCLeaveRoom:
		req, err := decodeRoom(env.Data)
		if err != nil {
			return nil, err
		}
		return nil, r.leave(ctx, s, req.RoomID)
	case domain.EventWebRTCJoinRoom:
		return r.handleWebRTCJoin(ctx, s, env.Data)
	case domain.EventWebRTCOffer, domain.EventWebRTCAnswer, domain.EventWebRTCICECandidate:
		return nil, r.handleSignal(ctx, s, env.Event, env.Data)
	case domain.EventWebRTCToggleAudio:
		return nil, r.handleToggleAudio(ctx, s, env.Data)
	case domain.EventWebRTCStartScreenShare:
		return nil, r.handleScreenShare(ctx, s, domain.EventWebRTCScreenStarted, env.Data)
	case domain.EventWebRTCStopScreenShare:
		return nil, r.handleScreenShare(ctx, s, domain.EventWebRTCScreenStopped, env.Data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, env.Event)
	}
}

func decodeRoom(data json.RawMessage) (domain.RoomRequest, error) {
	var req domain.RoomRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("invalid room payload: %w", err)
	}
	if req.RoomID == "" {
		return req, ErrRoomRequired
	}
	return req, nil
}

func (r *Relay) handleJoinRoom(ctx context.Context, s *session, data json.RawMessage) (*domain.AckResponse, error) {
	req, err := decodeRoom(data)
	if err != nil {
		return nil, err
	}
	member := s.identity.Member(s.id, time.Now())
	if err := r.rooms.Join(ctx, s.namespace, req.RoomID, member); err != nil {
		return nil, fmt.Errorf("failed to join room: %w", err)
	}
	r.logger.Infow("socket joined room",
		"namespace", s.namespace,
		"room_id", req.RoomID,
		"socket_id", s.id,
		"user_id", s.identity.UserID,
	)

	// Chat only tracks membership.
	if s.namespace != domain.NamespaceSignaling {
		return nil, nil
	}

	members, err := r.rooms.Members(ctx, s.namespace, req.RoomID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	participants := make([]domain.WireParticipant, 0, len(members))
	for _, m := range members {
		participants = append(participants, m.Wire())
	}
	r.enqueue(s, mustEnvelope(domain.EventRoomJoined, domain.RoomJoinedPayload{
		RoomID:       req.RoomID,
		Participants: participants,
	}, ""))
	r.broadcast(ctx, s.namespace, members, s.id, domain.EventUserJoined, domain.ParticipantPayload{Participant: member.Wire()})
	return nil, nil
}

func (r *Relay) handleWebRTCJoin(ctx context.Context, s *session, data json.RawMessage) (*domain.AckResponse, error) {
	if s.namespace != domain.NamespaceWebRTC {
		return nil, fmt.Errorf("%w: %s on %s", ErrUnknownEvent, domain.EventWebRTCJoinRoom, s.namespace)
	}
	req, err := decodeRoom(data)
	if err != nil {
		return nil, err
	}
	existing, err := r.rooms.Members(ctx, s.namespace, req.RoomID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	if err := r.rooms.Join(ctx, s.namespace, req.RoomID, s.identity.Member(s.id, time.Now())); err != nil {
		return nil, fmt.Errorf("failed to join room: %w", err)
	}

	participants := make([]domain.WebRTCParticipantPayload, 0, len(existing))
	for _, m := range existing {
		if m.SocketID == s.id {
			continue
		}
		participants = append(participants, webrtcParticipant(m.SocketID, domain.Identity{
			UserID:      m.UserID,
			Username:    m.Username,
			DisplayName: m.DisplayName,
			AvatarURL:   m.AvatarURL,
		}))
	}
	r.broadcast(ctx, s.namespace, existing, s.id, domain.EventWebRTCParticipantJoined, webrtcParticipant(s.id, s.identity))

	r.logger.Infow("socket joined media room",
		"room_id", req.RoomID,
		"socket_id", s.id,
		"participants", len(participants),
	)
	return &domain.AckResponse{Success: true, SocketID: s.id, Participants: participants}, nil
}

func webrtcParticipant(socketID domain.PeerID, identity domain.Identity) domain.WebRTCParticipantPayload {
	return domain.WebRTCParticipantPayload{
		SocketID:      socketID,
		UserID:        identity.UserID,
		Username:      identity.Username,
		DisplayName:   identity.DisplayName,
		AvatarURL:     identity.AvatarURL,
		DecorationURL: identity.DecorationURL,
	}
}

func (r *Relay) leave(ctx context.Context, s *session, roomID domain.RoomID) error {
	if err := r.rooms.Leave(ctx, s.namespace, roomID, s.id); err != nil {
		return fmt.Errorf("failed to leave room: %w", err)
	}
	members, err := r.rooms.Members(ctx, s.namespace, roomID)
	if err != nil {
		return fmt.Errorf("failed to list members: %w", err)
	}

	switch s.namespace {
	case domain.NamespaceSignaling:
		wire := s.identity.Member(s.id, time.Time{}).Wire()
		r.broadcast(ctx, s.namespace, members, s.id, domain.EventUserLeft, domain.ParticipantPayload{Participant: wire})
	case domain.NamespaceWebRTC:
		r.broadcast(ctx, s.namespace, members, s.id, domain.EventWebRTCParticipantLeft, webrtcParticipant(s.id, s.identity))
	}
	r.logger.Infow("socket left room", "namespace", s.namespace, "room_id", roomID, "socket_id", s.id)
	return nil
}

func (r *Relay) handleSignal(ctx context.Context, s *session, event string, data json.RawMessage) error {
	var msg domain.SignalMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("invalid %s payload: %w", event, err)
	}
	if msg.TargetSocketID == "" {
		return ErrTargetRequired
	}
	if len(msg.Signal) == 0 {
		return fmt.Errorf("%s: signal is required", event)
	}

	msg.FromSocketID = s.id
	msg.FromUserID = s.identity.UserID
	msg.FromUsername = s.identity.Username
	msg.FromDisplayName = s.identity.DisplayName

	env, err := newEnvelope(event, msg, "")
	if err != nil {
		return err
	}
	delivered, err := r.deliver(ctx, s.namespace, msg.TargetSocketID, env)
	if err != nil {
		return err
	}
	if !delivered {
		return fmt.Errorf("%w: %s", ErrTargetNotConnected, msg.TargetSocketID)
	}
	r.logger.Debugw("routed signal",
		"event", event,
		"from_socket", s.id,
		"to_socket", msg.TargetSocketID,
	)
	return nil
}

// roomMembers lists the members of a room the socket has joined.
func (r *Relay) roomMembers(ctx context.Context, s *session, roomID domain.RoomID) ([]domain.RoomMember, error) {
	if roomID == "" {
		return nil, ErrRoomRequired
	}
	members, err := r.rooms.Members(ctx, s.namespace, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	if !slices.ContainsFunc(members, func(m domain.RoomMember) bool { return m.SocketID == s.id }) {
		return nil, fmt.Errorf("%w: %s", ErrNotInRoom, roomID)
	}
	return members, nil
}

func (r *Relay) handleToggleAudio(ctx context.Context, s *session, data json.RawMessage) error {
	var req domain.ToggleAudioPayload
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("invalid toggle-audio payload: %w", err)
	}
	members, err := r.roomMembers(ctx, s, req.RoomID)
	if err != nil {
		return err
	}
	r.broadcast(ctx, s.namespace, members, s.id, domain.EventWebRTCAudioStatus, domain.AudioStatusPayload{
		SocketID: s.id,
		UserID:   s.identity.UserID,
		Enabled:  req.Enabled,
	})
	return nil
}

func (r *Relay) handleScreenShare(ctx context.Context, s *session, event string, data json.RawMessage) error {
	req, err := decodeRoom(data)
	if err != nil {
		return err
	}
	members, err := r.roomMembers(ctx, s, req.RoomID)
	if err != nil {
		return err
	}
	r.broadcast(ctx, s.namespace, members, s.id, event, domain.ScreenSharePayload{
		SocketID: s.id,
		UserID:   s.identity.UserID,
	})
	return nil
}

func (r *Relay) broadcast(ctx context.Context, namespace string, members []domain.RoomMember, except domain.PeerID, event string, payload any) {
	env, err := newEnvelope(event, payload, "")
	if err != nil {
		r.logger.Errorw("failed to encode broadcast", "event", event, "error", err)
		return
	}
	for _, m := range members {
		if m.SocketID == except {
			continue
		}
		if _, err := r.deliver(ctx, namespace, m.SocketID, env); err != nil {
			r.logger.Debugw("broadcast delivery failed",
				"event", event,
				"socket_id", m.SocketID,
				"error", err,
			)
		}
	}
}

// deliver sends env to a local socket, or through the cluster to the
// instance holding it.
func (r *Relay) deliver(ctx context.Context, namespace string, socketID domain.PeerID, env domain.Envelope) (bool, error) {
	if s := r.session(namespace, socketID); s != nil {
		data, err := json.Marshal(env)
		if err != nil {
			return false, fmt.Errorf("failed to encode %s: %w", env.Event, err)
		}
		return r.enqueue(s, data), nil
	}
	if r.cluster == nil {
		return false, nil
	}
	return r.cluster.Deliver(ctx, namespace, socketID, env)
}

func (r *Relay) session(namespace string, socketID domain.PeerID) *session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[namespace][socketID]
}

// Run receives deliveries from other relay instances until ctx is done.
// Without a cluster it just waits.
func (r *Relay) Run(ctx context.Context) error {
	if r.cluster == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return r.cluster.Subscribe(ctx, func(namespace string, socketID domain.PeerID, env domain.Envelope) error {
		s := r.session(namespace, socketID)
		if s == nil {
			return fmt.Errorf("%w: %s", ErrTargetNotConnected, socketID)
		}
		data, err := json.Marshal(env)
		if err != nil {
			return err
		}
		r.enqueue(s, data)
		return nil
	})
}

// Shutdown closes every socket.
func (r *Relay) Shutdown() {
	r.mu.RLock()
	var all []*session
	for _, sessions := range r.sessions {
		for _, s := range sessions {
			all = append(all, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range all {
		s.close()
	}
	r.logger.Infow("relay shut down", "sockets", len(all))
}

func (r *Relay) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, sessions := range r.sessions {
		n += len(sessions)
	}
	return n
}

// Connections returns the socket count per namespace.
func (r *Relay) Connections() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]int, len(r.sessions))
	for ns, sessions := range r.sessions {
		counts[ns] = len(sessions)
	}
	return counts
}

func (r *Relay) IsConnected(namespace string, socketID domain.PeerID) bool {
	return r.session(namespace, socketID) != nil
}

func newEnvelope(event string, payload any, ackID string) (domain.Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Envelope{}, fmt.Errorf("failed to encode %s: %w", event, err)
	}
	return domain.Envelope{Event: event, Data: data, AckID: ackID}, nil
}

// mustEnvelope encodes relay-built payloads, which always marshal.
func mustEnvelope(event string, payload any, ackID string) []byte {
	env, err := newEnvelope(event, payload, ackID)
	if err != nil {
		panic(err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		panic(err)
	}
	return data
}
