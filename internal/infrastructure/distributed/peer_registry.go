package distributed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"twine/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const socketTTL = 5 * time.Minute

// SocketDirectory records which relay instance holds each socket, so a
// delivery to an unknown socket can be refused instead of published.
type SocketDirectory struct {
	client     *redis.Client
	instanceID string
	logger     *zap.SugaredLogger
	prefix     string
}

func NewSocketDirectory(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *SocketDirectory {
	return &SocketDirectory{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
		prefix:     "twine:",
	}
}

func (d *SocketDirectory) Register(ctx context.Context, namespace string, socketID domain.PeerID) error {
	instanceKey := d.instanceSocketsKey(d.instanceID)
	_, err := d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, d.socketKey(namespace, socketID), d.instanceID, socketTTL)
		pipe.SAdd(ctx, instanceKey, namespace+"/"+string(socketID))
		pipe.Expire(ctx, instanceKey, 2*socketTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to register socket: %w", err)
	}
	return nil
}

func (d *SocketDirectory) Unregister(ctx context.Context, namespace string, socketID domain.PeerID) error {
	_, err := d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, d.socketKey(namespace, socketID))
		pipe.SRem(ctx, d.instanceSocketsKey(d.instanceID), namespace+"/"+string(socketID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to unregister socket: %w", err)
	}
	return nil
}

// Refresh extends the registration of a live socket.
func (d *SocketDirectory) Refresh(ctx context.Context, namespace string, socketID domain.PeerID) error {
	return d.client.Expire(ctx, d.socketKey(namespace, socketID), socketTTL).Err()
}

// Lookup returns the instance holding the socket.
func (d *SocketDirectory) Lookup(ctx context.Context, namespace string, socketID domain.PeerID) (string, bool, error) {
	instanceID, err := d.client.Get(ctx, d.socketKey(namespace, socketID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up socket: %w", err)
	}
	return instanceID, true, nil
}

// Cleanup drops every socket registered by this instance, for shutdown.
func (d *SocketDirectory) Cleanup(ctx context.Context) error {
	instanceKey := d.instanceSocketsKey(d.instanceID)
	entries, err := d.client.SMembers(ctx, instanceKey).Result()
	if err != nil {
		return fmt.Errorf("failed to get instance sockets: %w", err)
	}

	keys := make([]string, 0, len(entries)+1)
	for _, entry := range entries {
		keys = append(keys, d.prefix+"socket:"+entry+":instance")
	}
	keys = append(keys, instanceKey)

	if err := d.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to clean up instance sockets: %w", err)
	}
	d.logger.Infow("cleaned up instance sockets", "instance_id", d.instanceID, "count", len(entries))
	return nil
}

func (d *SocketDirectory) socketKey(namespace string, socketID domain.PeerID) string {
	return fmt.Sprintf("%ssocket:%s/%s:instance", d.prefix, namespace, socketID)
}

func (d *SocketDirectory) instanceSocketsKey(instanceID string) string {
	return fmt.Sprintf("%sinstance:%s:sockets", d.prefix, instanceID)
}
