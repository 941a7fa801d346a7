package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"twine/internal/core/domain"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var ErrClientClosed = errors.New("signaling client closed")

// ClientConfig describes one namespace channel to the relay.
type ClientConfig struct {
	URL       string
	Namespace string
	Token     string
	// Identity is sent as query parameters for relays that run without auth.
	UserID      domain.UserID
	Username    string
	DisplayName string

	AckTimeout        time.Duration
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ReconnectDelayMax time.Duration
	PingInterval      time.Duration
	Dialer            *websocket.Dialer
}

// Client is a ports.SignalingClient over a gorilla websocket. It reconnects
// with exponential backoff after the connection drops; each reconnect gets a
// new socket id from the relay.
type Client struct {
	cfg    ClientConfig
	logger *zap.SugaredLogger

	mu        sync.RWMutex
	conn      *websocket.Conn
	socketID  domain.PeerID
	connected bool
	ready     chan struct{}
	closed    bool
	handlers  map[string]map[uint64]func(json.RawMessage)
	nextID    uint64
	pending   map[string]chan domain.AckResponse

	writeMu sync.Mutex
	done    chan struct{}
}

func NewClient(cfg ClientConfig, logger *zap.SugaredLogger) *Client {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 20 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.ReconnectDelayMax < cfg.ReconnectDelay {
		cfg.ReconnectDelayMax = cfg.ReconnectDelay
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Client{
		cfg:      cfg,
		logger:   logger.With("namespace", cfg.Namespace),
		ready:    make(chan struct{}),
		handlers: make(map[string]map[uint64]func(json.RawMessage)),
		pending:  make(map[string]chan domain.AckResponse),
		done:     make(chan struct{}),
	}
}

func (c *Client) Namespace() string { return c.cfg.Namespace }

func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *Client) SocketID() domain.PeerID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.socketID
}

func (c *Client) WaitConnected(ctx context.Context) error {
	c.mu.RLock()
	ready := c.ready
	c.mu.RUnlock()
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect dials the relay, retrying with backoff, and returns once the relay
// has assigned a socket id.
func (c *Client) Connect(ctx context.Context) error {
	if c.Connected() {
		return nil
	}
	return backoff.Retry(func() error {
		if c.isClosed() {
			return backoff.Permanent(ErrClientClosed)
		}
		err := c.dial(ctx)
		if err != nil {
			c.logger.Warnw("Signaling connect failed", "error", err)
		}
		return err
	}, backoff.WithContext(c.newBackoff(), ctx))
}

func (c *Client) newBackoff() backoff.BackOff {
	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = c.cfg.ReconnectDelay
	ebo.MaxInterval = c.cfg.ReconnectDelayMax
	ebo.MaxElapsedTime = 0
	ebo.Reset()
	return backoff.WithMaxRetries(ebo, uint64(c.cfg.ReconnectAttempts))
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse signal url: %w", err)
	}
	q := u.Query()
	q.Set("namespace", c.cfg.Namespace)
	if c.cfg.Token != "" {
		q.Set("token", c.cfg.Token)
	}
	if c.cfg.UserID != "" {
		q.Set("user_id", string(c.cfg.UserID))
	}
	if c.cfg.Username != "" {
		q.Set("username", c.cfg.Username)
	}
	if c.cfg.DisplayName != "" {
		q.Set("display_name", c.cfg.DisplayName)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) dial(ctx context.Context) error {
	endpoint, err := c.endpoint()
	if err != nil {
		return backoff.Permanent(err)
	}
	conn, _, err := c.cfg.Dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.Namespace, err)
	}

	// The relay greets every socket with its id.
	conn.SetReadDeadline(time.Now().Add(c.cfg.AckTimeout))
	var hello domain.Envelope
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return fmt.Errorf("read greeting: %w", err)
	}
	if hello.Event != domain.EventConnected {
		conn.Close()
		return fmt.Errorf("unexpected greeting %q", hello.Event)
	}
	var greeting domain.ConnectedPayload
	if err := json.Unmarshal(hello.Data, &greeting); err != nil || greeting.SocketID == "" {
		conn.Close()
		return fmt.Errorf("invalid greeting: %v", err)
	}
	conn.SetReadDeadline(time.Time{})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return backoff.Permanent(ErrClientClosed)
	}
	if c.connected {
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.socketID = greeting.SocketID
	c.connected = true
	close(c.ready)
	c.mu.Unlock()

	c.logger.Infow("Signaling connected", "socket_id", greeting.SocketID)
	go c.readLoop(conn)
	if c.cfg.PingInterval > 0 {
		go c.pingLoop(conn)
	}
	c.dispatch(domain.EventConnected, hello.Data)
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var env domain.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		if env.Event == domain.EventAck {
			c.resolve(env)
			continue
		}
		if env.Event == domain.EventError {
			c.logger.Warnw("Relay reported error", "data", string(env.Data))
		}
		c.dispatch(env.Event, env.Data)
	}
}

func (c *Client) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.RLock()
			current := c.conn == conn
			c.mu.RUnlock()
			if !current {
				return
			}
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.AckTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *Client) handleDisconnect(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	conn.Close()
	c.conn = nil
	c.connected = false
	c.ready = make(chan struct{})
	pending := c.pending
	c.pending = make(map[string]chan domain.AckResponse)
	closed := c.closed
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	if closed {
		return
	}

	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
		c.logger.Warnw("Signaling connection lost", "error", err)
	} else {
		c.logger.Infow("Signaling connection closed", "error", err)
	}
	go c.reconnect()
}

func (c *Client) reconnect() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := c.Connect(ctx); err != nil {
		c.logger.Errorw("Signaling reconnect gave up", "attempts", c.cfg.ReconnectAttempts, "error", err)
	}
}

func (c *Client) dispatch(event string, data json.RawMessage) {
	c.mu.RLock()
	fns := make([]func(json.RawMessage), 0, len(c.handlers[event]))
	for _, fn := range c.handlers[event] {
		fns = append(fns, fn)
	}
	c.mu.RUnlock()

	for _, fn := range fns {
		fn(data)
	}
}

func (c *Client) resolve(env domain.Envelope) {
	c.mu.Lock()
	ch, ok := c.pending[env.AckID]
	delete(c.pending, env.AckID)
	c.mu.Unlock()
	if !ok {
		c.logger.Debugw("Dropping unknown ack", "ack_id", env.AckID)
		return
	}

	var ack domain.AckResponse
	if err := json.Unmarshal(env.Data, &ack); err != nil {
		ack = domain.AckResponse{Message: fmt.Sprintf("invalid ack: %v", err)}
	}
	ch <- ack
}

func (c *Client) On(event string, handler func(json.RawMessage)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[uint64]func(json.RawMessage))
	}
	c.handlers[event][id] = handler
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[event], id)
	}
}

func (c *Client) Emit(ctx context.Context, event string, payload any) error {
	return c.send(ctx, event, payload, "")
}

func (c *Client) Request(ctx context.Context, event string, payload any) (domain.AckResponse, error) {
	ackID := uuid.NewString()
	ch := make(chan domain.AckResponse, 1)

	c.mu.Lock()
	c.pending[ackID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, ackID)
		c.mu.Unlock()
	}()

	if err := c.send(ctx, event, payload, ackID); err != nil {
		return domain.AckResponse{}, err
	}

	timer := time.NewTimer(c.cfg.AckTimeout)
	defer timer.Stop()

	select {
	case ack, ok := <-ch:
		if !ok {
			return domain.AckResponse{}, fmt.Errorf("%s: %w", event, domain.ErrSignalingNotConnected)
		}
		if !ack.Success {
			return ack, &domain.AckError{Event: event, Message: ack.Message}
		}
		return ack, nil
	case <-timer.C:
		return domain.AckResponse{}, fmt.Errorf("%s: ack timeout after %s", event, c.cfg.AckTimeout)
	case <-ctx.Done():
		return domain.AckResponse{}, ctx.Err()
	}
}

func (c *Client) send(ctx context.Context, event string, payload any, ackID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("%s: %w", event, domain.ErrSignalingNotConnected)
	}

	deadline := time.Now().Add(c.cfg.AckTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(domain.Envelope{Event: event, Data: data, AckID: ackID}); err != nil {
		return fmt.Errorf("write %s: %w", event, err)
	}
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Close disconnects and stops reconnecting. The client cannot be reused.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.ready = make(chan struct{})
	pending := c.pending
	c.pending = make(map[string]chan domain.AckResponse)
	close(c.done)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}
