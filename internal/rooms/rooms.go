// Package rooms tracks connected clients and their broadcast-group
// membership. Membership is additive: there is no leave operation, a
// client's rooms are cleared when the client itself is removed on
// disconnect.
package rooms

import "sync"

// ForIntegration returns the room name for an integration id.
func ForIntegration(integrationID string) string {
	return "integration:" + integrationID
}

// Client is one connected browser socket. Send is drained by the
// connection's writer goroutine; broadcasts never block on it.
type Client struct {
	ID   string
	Send chan []byte
}

// Registry maps rooms to their member clients.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	rooms   map[string]map[string]*Client
	joined  map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[string]*Client),
		joined:  make(map[string]map[string]struct{}),
	}
}

// Add registers a connected client.
func (r *Registry) Add(c *Client) {
	r.mu.Lock()
	r.clients[c.ID] = c
	r.mu.Unlock()
}

// Remove drops a client and clears its room memberships.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	for room := range r.joined[id] {
		delete(r.rooms[room], id)
		if len(r.rooms[room]) == 0 {
			delete(r.rooms, room)
		}
	}
	delete(r.joined, id)
	delete(r.clients, id)
	r.mu.Unlock()
}

// Join adds the client to a room. Unknown clients are ignored.
func (r *Registry) Join(id, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if !ok {
		return
	}
	if r.rooms[room] == nil {
		r.rooms[room] = make(map[string]*Client)
	}
	r.rooms[room][id] = c
	if r.joined[id] == nil {
		r.joined[id] = make(map[string]struct{})
	}
	r.joined[id][room] = struct{}{}
}

// Broadcast delivers payload to every member of room and returns the
// number of clients reached. Slow clients are skipped rather than
// blocking the relay.
func (r *Registry) Broadcast(room string, payload []byte) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, c := range r.rooms[room] {
		select {
		case c.Send <- payload:
			n++
		default:
		}
	}
	return n
}

// BroadcastGlobal delivers payload to every connected client regardless of
// room membership.
func (r *Registry) BroadcastGlobal(payload []byte) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, c := range r.clients {
		select {
		case c.Send <- payload:
			n++
		default:
		}
	}
	return n
}

// Clients returns the number of connected clients.
func (r *Registry) Clients() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Members returns the number of clients in a room.
func (r *Registry) Members(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}
