package memory

import (
	"context"
	"sort"
	"sync"

	"twine/internal/core/domain"
	"twine/internal/core/ports"
)

type roomKey struct {
	namespace string
	room      domain.RoomID
}

type socketKey struct {
	namespace string
	socket    domain.PeerID
}

// MemoryRoomRepository keeps relay membership for a single instance.
type MemoryRoomRepository struct {
	mu      sync.RWMutex
	rooms   map[roomKey]map[domain.PeerID]domain.RoomMember
	sockets map[socketKey]map[domain.RoomID]struct{}
}

func NewMemoryRoomRepository() ports.RoomRepository {
	return &MemoryRoomRepository{
		rooms:   make(map[roomKey]map[domain.PeerID]domain.RoomMember),
		sockets: make(map[socketKey]map[domain.RoomID]struct{}),
	}
}

func (r *MemoryRoomRepository) Join(ctx context.Context, namespace string, roomID domain.RoomID, member domain.RoomMember) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rk := roomKey{namespace, roomID}
	if r.rooms[rk] == nil {
		r.rooms[rk] = make(map[domain.PeerID]domain.RoomMember)
	}
	r.rooms[rk][member.SocketID] = member

	sk := socketKey{namespace, member.SocketID}
	if r.sockets[sk] == nil {
		r.sockets[sk] = make(map[domain.RoomID]struct{})
	}
	r.sockets[sk][roomID] = struct{}{}
	return nil
}

func (r *MemoryRoomRepository) Leave(ctx context.Context, namespace string, roomID domain.RoomID, socketID domain.PeerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rk := roomKey{namespace, roomID}
	delete(r.rooms[rk], socketID)
	if len(r.rooms[rk]) == 0 {
		delete(r.rooms, rk)
	}

	sk := socketKey{namespace, socketID}
	delete(r.sockets[sk], roomID)
	if len(r.sockets[sk]) == 0 {
		delete(r.sockets, sk)
	}
	return nil
}

// Members returns the room's members in join order.
func (r *MemoryRoomRepository) Members(ctx context.Context, namespace string, roomID domain.RoomID) ([]domain.RoomMember, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := make([]domain.RoomMember, 0, len(r.rooms[roomKey{namespace, roomID}]))
	for _, m := range r.rooms[roomKey{namespace, roomID}] {
		members = append(members, m)
	}
	sortMembers(members)
	return members, nil
}

func (r *MemoryRoomRepository) RoomsOf(ctx context.Context, namespace string, socketID domain.PeerID) ([]domain.RoomID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make([]domain.RoomID, 0, len(r.sockets[socketKey{namespace, socketID}]))
	for room := range r.sockets[socketKey{namespace, socketID}] {
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	return rooms, nil
}

func sortMembers(members []domain.RoomMember) {
	sort.SliceStable(members, func(i, j int) bool {
		if members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].SocketID < members[j].SocketID
		}
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})
}
