package conference

import (
	"log/slog"
	"sync"
	"time"

	"multimeet-server/internal/media"
)

// RouterProvider hands out engine routers for new rooms. The worker pool
// implements it.
type RouterProvider interface {
	NextRouter() media.Router
}

// Registry is the process-wide mapping from room id to room: creation on
// demand, silent absence, and reaping of rooms that stay empty past a TTL.
// It is an owned object injected into the dispatcher, not a singleton.
type Registry struct {
	logger   *slog.Logger
	routers  RouterProvider
	emptyTTL time.Duration

	mu         sync.RWMutex
	rooms      map[string]*Room
	reapTimers map[string]*time.Timer
}

func NewRegistry(routers RouterProvider, emptyTTL time.Duration, logger *slog.Logger) *Registry {
	return &Registry{
		logger:     logger,
		routers:    routers,
		emptyTTL:   emptyTTL,
		rooms:      make(map[string]*Room),
		reapTimers: make(map[string]*time.Timer),
	}
}

// CreateRoom creates the room if it does not exist, assigning the next
// router from the pool. Duplicate creates return the existing room with a
// log and no error.
func (reg *Registry) CreateRoom(roomID string) *Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if room, ok := reg.rooms[roomID]; ok {
		reg.logger.Info("room already created", "roomId", roomID)
		return room
	}

	room := NewRoom(roomID, reg.routers.NextRouter(), reg.logger)
	reg.rooms[roomID] = room
	reg.logger.Info("room created", "roomId", roomID)
	return room
}

// GetRoom looks a room up. Absence is not an error here; the dispatcher
// turns it into the protocol's silent no-op.
func (reg *Registry) GetRoom(roomID string) (*Room, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	room, ok := reg.rooms[roomID]
	return room, ok
}

// JoinPeer adds the peer to the room, cancelling any pending empty-room
// reap for it. Lookup, timer cancellation and the membership insert happen
// under one lock: a reap firing concurrently either runs first (join gets
// ErrRoomNotFound) or observes the room occupied and leaves it alone. The
// peerJoined broadcast happens after the lock is released.
func (reg *Registry) JoinPeer(roomID string, peer *Peer) error {
	reg.mu.Lock()
	room, ok := reg.rooms[roomID]
	if !ok {
		reg.mu.Unlock()
		return ErrRoomNotFound
	}
	if timer, ok := reg.reapTimers[roomID]; ok {
		timer.Stop()
		delete(reg.reapTimers, roomID)
	}
	room.insert(peer)
	reg.mu.Unlock()

	room.announce(peer)
	return nil
}

// LeavePeer removes the peer (tearing down its media resources) and, if the
// room is now empty, arms the reap timer. The room survives until the TTL
// fires so short-lived reconnects and create-then-join flows do not lose it.
func (reg *Registry) LeavePeer(roomID, peerID string) {
	room, ok := reg.GetRoom(roomID)
	if !ok {
		return
	}

	if !room.RemovePeer(peerID) {
		return
	}
	if room.PeerCount() > 0 {
		return
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, ok := reg.reapTimers[roomID]; ok {
		return
	}
	reg.reapTimers[roomID] = time.AfterFunc(reg.emptyTTL, func() {
		reg.reapIfEmpty(roomID)
	})
}

func (reg *Registry) reapIfEmpty(roomID string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	delete(reg.reapTimers, roomID)

	room, ok := reg.rooms[roomID]
	if !ok || room.PeerCount() > 0 {
		return
	}
	delete(reg.rooms, roomID)
	reg.logger.Info("empty room reaped", "roomId", roomID)
}

// RoomCount reports the number of live rooms.
func (reg *Registry) RoomCount() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.rooms)
}

// Snapshot returns room ids with their peer counts, for the metrics
// endpoint.
func (reg *Registry) Snapshot() map[string]int {
	reg.mu.RLock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, room := range reg.rooms {
		rooms = append(rooms, room)
	}
	reg.mu.RUnlock()

	out := make(map[string]int, len(rooms))
	for _, room := range rooms {
		out[room.ID()] = room.PeerCount()
	}
	return out
}
