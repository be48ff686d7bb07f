package realtime

import (
	"sort"
	"sync"
)

// Channel is a room member's output. Deliver must not block; it reports
// whether the payload was accepted.
type Channel interface {
	Deliver(payload []byte) bool
}

// Registry maps a room key (the user id) to the channels currently joined.
// It knows nothing about the transport behind a channel.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[Channel]struct{}
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]map[Channel]struct{})}
}

func (r *Registry) Join(room string, ch Channel) {
	if room == "" || ch == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	members := r.rooms[room]
	if members == nil {
		members = make(map[Channel]struct{})
		r.rooms[room] = members
	}
	members[ch] = struct{}{}
}

// Leave removes ch from room and drops the room once it is empty.
func (r *Registry) Leave(room string, ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := r.rooms[room]
	if members == nil {
		return
	}
	delete(members, ch)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

// Publish offers payload to every member of room and returns how many
// accepted it. Slow members drop the payload instead of stalling the room.
func (r *Registry) Publish(room string, payload []byte) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	delivered := 0
	for ch := range r.rooms[room] {
		if ch.Deliver(payload) {
			delivered++
		}
	}
	return delivered
}

func (r *Registry) Members(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

// Rooms returns the non-empty rooms in sorted order.
func (r *Registry) Rooms() []string {
	r.mu.RLock()
	rooms := make([]string, 0, len(r.rooms))
	for room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.mu.RUnlock()
	sort.Strings(rooms)
	return rooms
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
