package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"twine/internal/core/domain"
	"twine/internal/core/ports"
	"twine/pkg/tracing"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const defaultNegotiationTimeout = 20 * time.Second

// ShouldInitiate reports whether the side owning local sends the offer to peer.
// The greater socket id initiates, so exactly one side of any pair does.
func ShouldInitiate(local, peer domain.PeerID) bool {
	if local == "" || peer == "" {
		return false
	}
	return strings.Compare(string(local), string(peer)) > 0
}

// OfferObserver learns the media socket of a peer from its offer.
type OfferObserver interface {
	HandleRemoteOffer(p domain.WebRTCParticipantPayload)
}

// SignalingCoordinator drives offer/answer/candidate exchange over the media
// signaling channel. Work for one peer is applied in arrival order; different
// peers proceed concurrently.
type SignalingCoordinator struct {
	registry *PeerRegistry
	client   ports.SignalingClient
	metrics  ports.CallMetrics
	logger   *zap.SugaredLogger
	queue    *peerQueue
	timeout  time.Duration

	mu       sync.RWMutex
	ctx      context.Context
	roomID   domain.RoomID
	unsubs   []func()
	observer OfferObserver
}

func NewSignalingCoordinator(registry *PeerRegistry, client ports.SignalingClient, metrics ports.CallMetrics, logger *zap.SugaredLogger) *SignalingCoordinator {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &SignalingCoordinator{
		registry: registry,
		client:   client,
		metrics:  metrics,
		logger:   logger,
		queue:    newPeerQueue(),
		timeout:  defaultNegotiationTimeout,
		ctx:      context.Background(),
	}
}

// SetOfferObserver registers the roster that records sockets of peers dialing us.
func (c *SignalingCoordinator) SetOfferObserver(o OfferObserver) {
	c.mu.Lock()
	c.observer = o
	c.mu.Unlock()
}

// Bind subscribes to offer, answer and candidate events for roomID. Queued work
// runs under ctx.
func (c *SignalingCoordinator) Bind(ctx context.Context, roomID domain.RoomID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ctx = ctx
	c.roomID = roomID
	c.unsubs = append(c.unsubs,
		c.client.On(domain.EventWebRTCOffer, c.decode(domain.EventWebRTCOffer, c.HandleOffer)),
		c.client.On(domain.EventWebRTCAnswer, c.decode(domain.EventWebRTCAnswer, c.HandleAnswer)),
		c.client.On(domain.EventWebRTCICECandidate, c.decode(domain.EventWebRTCICECandidate, c.HandleICECandidate)),
	)
}

func (c *SignalingCoordinator) decode(event string, handle func(domain.SignalMessage)) func(json.RawMessage) {
	return func(data json.RawMessage) {
		var msg domain.SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warnw("Malformed signaling message", "event", event, "error", err)
			return
		}
		if msg.FromSocketID == "" {
			c.logger.Warnw("Signaling message without sender", "event", event)
			return
		}
		handle(msg)
	}
}

// Unbind drops the relay subscriptions and waits for queued work.
func (c *SignalingCoordinator) Unbind() {
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()

	for _, unsubscribe := range unsubs {
		unsubscribe()
	}
	c.queue.Wait()
}

// Wait blocks until all queued signaling work has finished.
func (c *SignalingCoordinator) Wait() {
	c.queue.Wait()
}

func (c *SignalingCoordinator) LocalSocketID() domain.PeerID {
	return c.client.SocketID()
}

func (c *SignalingCoordinator) room() (context.Context, domain.RoomID) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ctx, c.roomID
}

func (c *SignalingCoordinator) opContext() (context.Context, context.CancelFunc) {
	ctx, _ := c.room()
	return context.WithTimeout(ctx, c.timeout)
}

// TryConnect creates a connection and sends an offer when this side is the
// initiator and no connection exists yet. It is safe to call repeatedly.
func (c *SignalingCoordinator) TryConnect(peerID domain.PeerID, userID domain.UserID, displayName string) {
	if peerID == "" {
		return
	}
	c.queue.Enqueue(peerID, func() {
		ctx, cancel := c.opContext()
		defer cancel()
		if err := c.connect(ctx, peerID, userID, displayName); err != nil {
			c.logger.Warnw("Failed to connect to peer", "peer_id", peerID, "user_id", userID, "error", err)
		}
	})
}

func (c *SignalingCoordinator) connect(ctx context.Context, peerID domain.PeerID, userID domain.UserID, displayName string) error {
	local := c.client.SocketID()
	if local == "" || !ShouldInitiate(local, peerID) {
		return nil
	}
	if c.registry.Has(peerID) {
		return nil
	}

	if _, err := c.registry.Create(ctx, peerID, userID, displayName, c.forwardCandidates(peerID)); err != nil {
		return err
	}
	return c.sendOffer(ctx, peerID, false)
}

func (c *SignalingCoordinator) sendOffer(ctx context.Context, peerID domain.PeerID, renegotiation bool) (err error) {
	ctx, span := tracing.TraceNegotiation(ctx, "offer", string(peerID), renegotiation)
	defer func() {
		if err != nil {
			tracing.RecordError(ctx, err)
		}
		span.End()
	}()

	offer, err := c.registry.CreateOffer(ctx, peerID)
	if err != nil {
		return err
	}
	if !c.registry.Has(peerID) {
		c.logger.Debugw("Peer removed during negotiation, offer dropped", "peer_id", peerID)
		return nil
	}
	if err := c.sendSignal(ctx, domain.EventWebRTCOffer, peerID, offer); err != nil {
		return err
	}

	c.metrics.OfferSent(renegotiation)
	c.logger.Infow("Offer sent", "peer_id", peerID, "renegotiation", renegotiation)
	return nil
}

func (c *SignalingCoordinator) sendSignal(ctx context.Context, event string, peerID domain.PeerID, signal any) error {
	raw, err := json.Marshal(signal)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	_, roomID := c.room()
	msg := domain.SignalMessage{RoomID: roomID, TargetSocketID: peerID, Signal: raw}
	if _, err := c.client.Request(ctx, event, msg); err != nil {
		return fmt.Errorf("send %s to %s: %w", event, peerID, err)
	}
	return nil
}

func (c *SignalingCoordinator) forwardCandidates(peerID domain.PeerID) func(webrtc.ICECandidateInit) {
	return func(candidate webrtc.ICECandidateInit) {
		ctx, cancel := c.opContext()
		defer cancel()
		if err := c.sendSignal(ctx, domain.EventWebRTCICECandidate, peerID, candidate); err != nil {
			c.logger.Warnw("Failed to send ICE candidate", "peer_id", peerID, "error", err)
		}
	}
}

// HandleOffer answers an offer, creating the connection passively when needed.
func (c *SignalingCoordinator) HandleOffer(msg domain.SignalMessage) {
	peerID := msg.FromSocketID
	c.queue.Enqueue(peerID, func() {
		ctx, cancel := c.opContext()
		defer cancel()
		if err := c.answer(ctx, msg); err != nil {
			c.logger.Warnw("Failed to handle offer", "peer_id", peerID, "error", err)
		}
	})
}

func (c *SignalingCoordinator) answer(ctx context.Context, msg domain.SignalMessage) (err error) {
	peerID := msg.FromSocketID
	ctx, span := tracing.TraceNegotiation(ctx, "answer", string(peerID), c.registry.Has(peerID))
	defer func() {
		if err != nil {
			tracing.RecordError(ctx, err)
		}
		span.End()
	}()

	var offer webrtc.SessionDescription
	if err := json.Unmarshal(msg.Signal, &offer); err != nil {
		return fmt.Errorf("decode offer: %w", err)
	}

	c.mu.RLock()
	observer := c.observer
	c.mu.RUnlock()
	if observer != nil && msg.FromUserID != "" {
		observer.HandleRemoteOffer(domain.WebRTCParticipantPayload{
			SocketID:    peerID,
			UserID:      msg.FromUserID,
			Username:    msg.FromUsername,
			DisplayName: msg.FromDisplayName,
		})
	}

	if !c.registry.Has(peerID) {
		name := msg.FromDisplayName
		if name == "" {
			name = msg.FromUsername
		}
		if _, err := c.registry.Create(ctx, peerID, msg.FromUserID, name, c.forwardCandidates(peerID)); err != nil {
			return err
		}
	}

	if err := c.registry.SetRemoteDescription(ctx, peerID, offer); err != nil {
		return err
	}
	answer, err := c.registry.CreateAnswer(ctx, peerID)
	if err != nil {
		return err
	}
	if !c.registry.Has(peerID) {
		c.logger.Debugw("Peer removed during negotiation, answer dropped", "peer_id", peerID)
		return nil
	}
	if err := c.sendSignal(ctx, domain.EventWebRTCAnswer, peerID, answer); err != nil {
		return err
	}

	c.metrics.AnswerSent()
	c.logger.Infow("Answer sent", "peer_id", peerID)
	return nil
}

// HandleAnswer applies an answer. An answer for an unknown peer is stale and only logged.
func (c *SignalingCoordinator) HandleAnswer(msg domain.SignalMessage) {
	peerID := msg.FromSocketID
	c.queue.Enqueue(peerID, func() {
		ctx, cancel := c.opContext()
		defer cancel()

		var answer webrtc.SessionDescription
		if err := json.Unmarshal(msg.Signal, &answer); err != nil {
			c.logger.Warnw("Malformed answer", "peer_id", peerID, "error", err)
			return
		}
		if err := c.registry.SetRemoteDescription(ctx, peerID, answer); err != nil {
			c.logger.Warnw("Failed to apply answer", "peer_id", peerID, "error", err)
		}
	})
}

// HandleICECandidate applies a remote candidate in order with the peer's other messages.
func (c *SignalingCoordinator) HandleICECandidate(msg domain.SignalMessage) {
	peerID := msg.FromSocketID
	c.queue.Enqueue(peerID, func() {
		ctx, cancel := c.opContext()
		defer cancel()

		var candidate webrtc.ICECandidateInit
		if err := json.Unmarshal(msg.Signal, &candidate); err != nil {
			c.logger.Warnw("Malformed ICE candidate", "peer_id", peerID, "error", err)
			return
		}
		if err := c.registry.AddICECandidate(ctx, peerID, candidate); err != nil {
			c.logger.Warnw("Failed to add ICE candidate", "peer_id", peerID, "error", err)
		}
	})
}

// Renegotiate sends a fresh offer to every connected peer. Peers are handled
// concurrently and one failure never stops the others; the joined error is
// informational.
func (c *SignalingCoordinator) Renegotiate(ctx context.Context) error {
	return c.RenegotiatePeers(ctx, c.registry.PeerIDs())
}

func (c *SignalingCoordinator) RenegotiatePeers(ctx context.Context, peers []domain.PeerID) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	for _, peerID := range peers {
		wg.Add(1)
		c.queue.Enqueue(peerID, func() {
			defer wg.Done()
			err := c.sendOffer(ctx, peerID, true)
			switch {
			case err == nil:
			case errors.Is(err, domain.ErrPeerNotFound):
				c.logger.Debugw("Peer gone before renegotiation", "peer_id", peerID)
			default:
				c.metrics.RenegotiationFailed()
				c.logger.Warnw("Failed to renegotiate with peer", "peer_id", peerID, "error", err)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		})
	}

	wg.Wait()
	return errors.Join(errs...)
}
