package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"twine/internal/core/domain"
	"twine/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// membershipTTL bounds how long entries of a crashed relay instance linger.
const membershipTTL = 24 * time.Hour

// RedisRoomRepository shares relay membership between instances. Each room
// is a hash of socket id to member; each socket has a set of its rooms.
type RedisRoomRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisRoomRepository(client *redis.Client) ports.RoomRepository {
	return &RedisRoomRepository{
		client: client,
		prefix: "twine:",
	}
}

func (r *RedisRoomRepository) roomKey(namespace string, roomID domain.RoomID) string {
	return fmt.Sprintf("%sroom:%s:%s:members", r.prefix, namespace, roomID)
}

func (r *RedisRoomRepository) socketKey(namespace string, socketID domain.PeerID) string {
	return fmt.Sprintf("%ssocket:%s:%s:rooms", r.prefix, namespace, socketID)
}

func (r *RedisRoomRepository) Join(ctx context.Context, namespace string, roomID domain.RoomID, member domain.RoomMember) error {
	data, err := json.Marshal(member)
	if err != nil {
		return fmt.Errorf("failed to marshal member: %w", err)
	}

	roomKey := r.roomKey(namespace, roomID)
	socketKey := r.socketKey(namespace, member.SocketID)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, roomKey, string(member.SocketID), data)
		pipe.Expire(ctx, roomKey, membershipTTL)
		pipe.SAdd(ctx, socketKey, string(roomID))
		pipe.Expire(ctx, socketKey, membershipTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to add member to room: %w", err)
	}
	return nil
}

func (r *RedisRoomRepository) Leave(ctx context.Context, namespace string, roomID domain.RoomID, socketID domain.PeerID) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, r.roomKey(namespace, roomID), string(socketID))
		pipe.SRem(ctx, r.socketKey(namespace, socketID), string(roomID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove member from room: %w", err)
	}
	return nil
}

func (r *RedisRoomRepository) Members(ctx context.Context, namespace string, roomID domain.RoomID) ([]domain.RoomMember, error) {
	entries, err := r.client.HGetAll(ctx, r.roomKey(namespace, roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get room members: %w", err)
	}

	members := make([]domain.RoomMember, 0, len(entries))
	for socketID, data := range entries {
		var member domain.RoomMember
		if err := json.Unmarshal([]byte(data), &member); err != nil {
			return nil, fmt.Errorf("failed to unmarshal member %s: %w", socketID, err)
		}
		members = append(members, member)
	}

	sort.SliceStable(members, func(i, j int) bool {
		if members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].SocketID < members[j].SocketID
		}
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})
	return members, nil
}

func (r *RedisRoomRepository) RoomsOf(ctx context.Context, namespace string, socketID domain.PeerID) ([]domain.RoomID, error) {
	ids, err := r.client.SMembers(ctx, r.socketKey(namespace, socketID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get socket rooms: %w", err)
	}

	rooms := make([]domain.RoomID, 0, len(ids))
	for _, id := range ids {
		rooms = append(rooms, domain.RoomID(id))
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	return rooms, nil
}
