package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"twine/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const relayChannel = "twine:relay:events"

// Delivery asks the instance holding a socket to send it an envelope.
type Delivery struct {
	InstanceID string          `json:"instance_id"`
	Timestamp  time.Time       `json:"timestamp"`
	Namespace  string          `json:"namespace"`
	SocketID   domain.PeerID   `json:"socket_id"`
	Envelope   domain.Envelope `json:"envelope"`
}

// EventBus fans relay deliveries out to the other relay instances over Redis
// pub/sub. Deliveries published by this instance are not handed back to it.
type EventBus struct {
	client     *redis.Client
	instanceID string
	logger     *zap.SugaredLogger
	channel    string
}

func NewEventBus(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
		channel:    relayChannel,
	}
}

func (eb *EventBus) InstanceID() string { return eb.instanceID }

func (eb *EventBus) Publish(ctx context.Context, namespace string, socketID domain.PeerID, env domain.Envelope) error {
	data, err := json.Marshal(Delivery{
		InstanceID: eb.instanceID,
		Timestamp:  time.Now(),
		Namespace:  namespace,
		SocketID:   socketID,
		Envelope:   env,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal delivery: %w", err)
	}

	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish delivery: %w", err)
	}

	eb.logger.Debugw("published delivery",
		"event", env.Event,
		"namespace", namespace,
		"socket_id", socketID,
	)
	return nil
}

// Subscribe calls handler for every delivery from other instances until ctx
// is done.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(*Delivery) error) error {
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var delivery Delivery
			if err := json.Unmarshal([]byte(msg.Payload), &delivery); err != nil {
				eb.logger.Warnw("failed to unmarshal delivery",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}

			if delivery.InstanceID == eb.instanceID {
				continue
			}

			if err := handler(&delivery); err != nil {
				eb.logger.Debugw("error handling delivery",
					"event", delivery.Envelope.Event,
					"socket_id", delivery.SocketID,
					"error", err,
				)
			}
		}
	}
}
