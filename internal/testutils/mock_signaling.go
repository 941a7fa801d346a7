package testutils

import (
	"context"
	"encoding/json"
	"sync"

	"twine/internal/core/domain"
)

type EmittedEvent struct {
	Event   string
	Payload any
}

// MockSignalingClient is an in-memory ports.SignalingClient. Inbound events are
// injected with Deliver; outbound emits are recorded.
type MockSignalingClient struct {
	mu        sync.Mutex
	namespace string
	socketID  domain.PeerID
	connected bool
	ready     chan struct{}
	handlers  map[string]map[int]func(json.RawMessage)
	nextID    int
	emitted   []EmittedEvent

	Acks       map[string]domain.AckResponse
	AckErrs    map[string]error
	ConnectErr error
}

func NewMockSignalingClient(namespace string, socketID domain.PeerID) *MockSignalingClient {
	return &MockSignalingClient{
		namespace: namespace,
		socketID:  socketID,
		ready:     make(chan struct{}),
		handlers:  make(map[string]map[int]func(json.RawMessage)),
		Acks:      make(map[string]domain.AckResponse),
		AckErrs:   make(map[string]error),
	}
}

func (c *MockSignalingClient) Namespace() string { return c.namespace }

func (c *MockSignalingClient) Connect(ctx context.Context) error {
	if c.ConnectErr != nil {
		return c.ConnectErr
	}
	c.SetConnected()
	return nil
}

// SetConnected marks the channel connected and releases WaitConnected callers.
func (c *MockSignalingClient) SetConnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		c.connected = true
		close(c.ready)
	}
}

func (c *MockSignalingClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *MockSignalingClient) WaitConnected(ctx context.Context) error {
	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *MockSignalingClient) SocketID() domain.PeerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.socketID
}

func (c *MockSignalingClient) Emit(ctx context.Context, event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return domain.ErrSignalingNotConnected
	}
	c.emitted = append(c.emitted, EmittedEvent{Event: event, Payload: payload})
	return nil
}

func (c *MockSignalingClient) Request(ctx context.Context, event string, payload any) (domain.AckResponse, error) {
	if err := c.Emit(ctx, event, payload); err != nil {
		return domain.AckResponse{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.AckErrs[event]; err != nil {
		return domain.AckResponse{}, err
	}
	ack, ok := c.Acks[event]
	if !ok {
		ack = domain.AckResponse{Success: true}
	}
	if !ack.Success {
		return ack, &domain.AckError{Event: event, Message: ack.Message}
	}
	return ack, nil
}

func (c *MockSignalingClient) On(event string, handler func(json.RawMessage)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[int]func(json.RawMessage))
	}
	c.handlers[event][id] = handler
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[event], id)
	}
}

func (c *MockSignalingClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.ready = make(chan struct{})
	return nil
}

// Deliver runs the handlers registered for event with payload encoded as JSON.
func (c *MockSignalingClient) Deliver(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	c.mu.Lock()
	var fns []func(json.RawMessage)
	for _, fn := range c.handlers[event] {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(data)
	}
}

// HandlerCount returns the number of live handlers for event.
func (c *MockSignalingClient) HandlerCount(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers[event])
}

// Emitted returns recorded emits, optionally filtered by event.
func (c *MockSignalingClient) Emitted(event string) []EmittedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []EmittedEvent
	for _, e := range c.emitted {
		if event == "" || e.Event == event {
			out = append(out, e)
		}
	}
	return out
}
