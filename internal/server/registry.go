package server

import (
	"sync"

	"roomchat/internal/stats"
)

// Registry is the in-memory bidirectional index between rooms and live
// connections. A room exists exactly as long as it has members. Both maps are
// mutated together under one lock so no reader can observe a half-moved
// connection.
type Registry struct {
	mu      sync.RWMutex
	rooms   map[string]map[*Client]struct{}
	current map[*Client]string
	stats   stats.StatsProvider
}

func NewRegistry(sp stats.StatsProvider) *Registry {
	return &Registry{
		rooms:   make(map[string]map[*Client]struct{}),
		current: make(map[*Client]string),
		stats:   sp,
	}
}

// Join registers the client in room, moving it out of its previous room if
// any. A connection belongs to at most one room at a time. Returns false if
// the client was already a member of room.
func (r *Registry) Join(c *Client, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current[c] == room {
		return false
	}

	r.removeLocked(c)

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		r.rooms[room] = members
		r.stats.Incr(stats.NumActiveRooms)
	}
	members[c] = struct{}{}
	r.current[c] = room

	return true
}

// Leave removes the client from its current room. Returns the room left, or
// the empty string if the client was not a member of any room.
func (r *Registry) Leave(c *Client) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.removeLocked(c)
}

// Remove erases all registry state for a disconnecting client. Safe to call
// more than once; disconnect can race with an explicit leave.
func (r *Registry) Remove(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeLocked(c)
}

func (r *Registry) removeLocked(c *Client) string {
	room, ok := r.current[c]
	if !ok {
		return ""
	}

	delete(r.current, c)
	if members, ok := r.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(r.rooms, room)
			r.stats.Decr(stats.NumActiveRooms)
		}
	}

	return room
}

// MembersOf returns a snapshot of the room's current members, safe to iterate
// while membership changes concurrently.
func (r *Registry) MembersOf(room string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := make([]*Client, 0, len(r.rooms[room]))
	for c := range r.rooms[room] {
		members = append(members, c)
	}

	return members
}

// RoomOf reports the client's current room.
func (r *Registry) RoomOf(c *Client) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.current[c]
	return room, ok
}

// NumRooms reports the number of rooms with at least one member.
func (r *Registry) NumRooms() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.rooms)
}
