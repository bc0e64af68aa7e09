package registry

import (
	"sync"

	"marketchat/pkg/interfaces"
)

// room is one live room. closed is set when the last member leaves so that a
// concurrent Add that raced the removal retries against a fresh room.
type room struct {
	mu      sync.RWMutex
	members map[string]interfaces.Connection // connectionID -> Connection
	closed  bool
}

// Registry tracks live connections and their room membership.
// Each room carries its own lock so fan-out in one room never blocks joins in another.
// Lock order: room.mu before connsMu, room.mu before mu.
type Registry struct {
	mu    sync.RWMutex // guards rooms
	rooms map[string]*room

	connsMu sync.RWMutex // guards conns
	conns   map[string]interfaces.Connection
}

// NewRegistry creates a new connection registry
func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]*room),
		conns: make(map[string]interfaces.Connection),
	}
}

// roomFor returns the room for key, creating it when absent
func (r *Registry) roomFor(key string) *room {
	r.mu.RLock()
	rm, ok := r.rooms[key]
	r.mu.RUnlock()
	if ok {
		return rm
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok = r.rooms[key]; ok {
		return rm
	}
	rm = &room{members: make(map[string]interfaces.Connection)}
	r.rooms[key] = rm
	return rm
}

// Add registers conn and makes it a member of conn.RoomKey().
// onJoin, if non-nil, runs while the room is still locked: frames it enqueues on
// conn are ordered before any broadcast that can observe the new member.
func (r *Registry) Add(conn interfaces.Connection, onJoin func()) error {
	if conn == nil {
		return ErrNilConnection
	}
	key := conn.RoomKey()
	if key == "" {
		return ErrEmptyRoomKey
	}

	for {
		rm := r.roomFor(key)
		rm.mu.Lock()
		if rm.closed {
			// lost the race with the last member leaving
			rm.mu.Unlock()
			continue
		}

		r.connsMu.Lock()
		if _, exists := r.conns[conn.ID()]; exists {
			r.connsMu.Unlock()
			r.dropIfEmptyLocked(key, rm)
			rm.mu.Unlock()
			return ErrDuplicateConnection
		}
		r.conns[conn.ID()] = conn
		r.connsMu.Unlock()

		rm.members[conn.ID()] = conn
		if onJoin != nil {
			onJoin()
		}
		rm.mu.Unlock()
		return nil
	}
}

// Remove drops conn from the registry and its room. It reports whether this
// call performed the removal, so callers can announce a departure exactly once.
// An empty room is deleted.
func (r *Registry) Remove(conn interfaces.Connection) bool {
	if conn == nil {
		return false
	}

	r.mu.RLock()
	rm, ok := r.rooms[conn.RoomKey()]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	// Only the registered instance may remove itself
	if rm.members[conn.ID()] != conn {
		return false
	}
	delete(rm.members, conn.ID())

	r.connsMu.Lock()
	delete(r.conns, conn.ID())
	r.connsMu.Unlock()

	r.dropIfEmptyLocked(conn.RoomKey(), rm)
	return true
}

// dropIfEmptyLocked deletes rm from the room table when it has no members.
// Caller holds rm.mu.
func (r *Registry) dropIfEmptyLocked(key string, rm *room) {
	if len(rm.members) > 0 {
		return
	}
	rm.closed = true
	r.mu.Lock()
	if r.rooms[key] == rm {
		delete(r.rooms, key)
	}
	r.mu.Unlock()
}

// MembersOf returns a snapshot of the connections currently in a room
func (r *Registry) MembersOf(roomKey string) []interfaces.Connection {
	r.mu.RLock()
	rm, ok := r.rooms[roomKey]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	rm.mu.RLock()
	defer rm.mu.RUnlock()

	members := make([]interfaces.Connection, 0, len(rm.members))
	for _, conn := range rm.members {
		members = append(members, conn)
	}
	return members
}

// Get returns a connection by id
func (r *Registry) Get(connectionID string) (interfaces.Connection, bool) {
	r.connsMu.RLock()
	defer r.connsMu.RUnlock()

	conn, ok := r.conns[connectionID]
	return conn, ok
}

// HasRoom reports whether a room currently exists
func (r *Registry) HasRoom(roomKey string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.rooms[roomKey]
	return ok
}

// All returns a snapshot of every registered connection
func (r *Registry) All() []interfaces.Connection {
	r.connsMu.RLock()
	defer r.connsMu.RUnlock()

	all := make([]interfaces.Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		all = append(all, conn)
	}
	return all
}

// GetStats returns registry statistics for monitoring and debugging
func (r *Registry) GetStats() map[string]int {
	r.connsMu.RLock()
	total := len(r.conns)
	r.connsMu.RUnlock()

	r.mu.RLock()
	rooms := len(r.rooms)
	r.mu.RUnlock()

	return map[string]int{
		"total_connections": total,
		"active_rooms":      rooms,
	}
}
