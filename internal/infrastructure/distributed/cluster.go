package distributed

import (
	"context"

	"twine/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cluster connects relay instances through Redis: the directory says who
// holds a socket and the bus carries the envelope there.
type Cluster struct {
	bus       *EventBus
	directory *SocketDirectory
}

func NewCluster(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *Cluster {
	return &Cluster{
		bus:       NewEventBus(client, instanceID, logger),
		directory: NewSocketDirectory(client, instanceID, logger),
	}
}

func (c *Cluster) Register(ctx context.Context, namespace string, socketID domain.PeerID) error {
	return c.directory.Register(ctx, namespace, socketID)
}

func (c *Cluster) Unregister(ctx context.Context, namespace string, socketID domain.PeerID) error {
	return c.directory.Unregister(ctx, namespace, socketID)
}

func (c *Cluster) Refresh(ctx context.Context, namespace string, socketID domain.PeerID) error {
	return c.directory.Refresh(ctx, namespace, socketID)
}

// Deliver publishes env for a socket held by another instance. It reports
// false when no instance holds the socket.
func (c *Cluster) Deliver(ctx context.Context, namespace string, socketID domain.PeerID, env domain.Envelope) (bool, error) {
	instanceID, ok, err := c.directory.Lookup(ctx, namespace, socketID)
	if err != nil || !ok {
		return false, err
	}
	if instanceID == c.bus.InstanceID() {
		return false, nil
	}
	if err := c.bus.Publish(ctx, namespace, socketID, env); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Cluster) Subscribe(ctx context.Context, handler func(namespace string, socketID domain.PeerID, env domain.Envelope) error) error {
	return c.bus.Subscribe(ctx, func(d *Delivery) error {
		return handler(d.Namespace, d.SocketID, d.Envelope)
	})
}

func (c *Cluster) Close(ctx context.Context) error {
	return c.directory.Cleanup(ctx)
}
