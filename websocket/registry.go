package websocket

import (
	"sort"
	"sync"

	"github.com/CUknot/collab_backend/apperrors"
)

// ErrConnectionNotFound is returned for ids that are not registered.
var ErrConnectionNotFound = apperrors.NotFound("connection not found")

// Sender delivers frames to one connection without blocking.
type Sender interface {
	// Send queues msg and reports whether it was accepted.
	Send(msg []byte) bool
	Close()
}

// Connection is a snapshot of a registered connection.
type Connection struct {
	ID    string
	Name  string
	Rooms []string
}

type entry struct {
	name   string
	sender Sender
	rooms  map[string]struct{}
}

// Registry tracks live connections, their display names and the rooms they
// joined.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*entry)}
}

// Register adds a connection with no rooms.
func (r *Registry) Register(id, name string, sender Sender) (Connection, error) {
	if id == "" || name == "" {
		return Connection{}, apperrors.Validation("connection id and name are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[id]; ok {
		return Connection{}, apperrors.Validation("connection already registered")
	}
	r.conns[id] = &entry{name: name, sender: sender, rooms: make(map[string]struct{})}
	return Connection{ID: id, Name: name, Rooms: []string{}}, nil
}

// Lookup returns a snapshot of the connection.
func (r *Registry) Lookup(id string) (Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.conns[id]
	if !ok {
		return Connection{}, ErrConnectionNotFound
	}
	return Connection{ID: id, Name: e.name, Rooms: sortedKeys(e.rooms)}, nil
}

// AddRoom records that the connection joined key.
func (r *Registry) AddRoom(id, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[id]
	if !ok {
		return ErrConnectionNotFound
	}
	e.rooms[key] = struct{}{}
	return nil
}

// RemoveRoom records that the connection left key.
func (r *Registry) RemoveRoom(id, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[id]
	if !ok {
		return ErrConnectionNotFound
	}
	delete(e.rooms, key)
	return nil
}

// Remove drops the connection and returns the rooms it was in. Removing an
// unknown id returns nil.
func (r *Registry) Remove(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[id]
	if !ok {
		return nil
	}
	delete(r.conns, id)
	return sortedKeys(e.rooms)
}

// InRoom reports whether the connection has joined key.
func (r *Registry) InRoom(id, key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.conns[id]
	if !ok {
		return false
	}
	_, in := e.rooms[key]
	return in
}

// Name returns the display name of the connection.
func (r *Registry) Name(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.conns[id]
	if !ok {
		return "", false
	}
	return e.name, true
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) sender(id string) Sender {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.conns[id]; ok {
		return e.sender
	}
	return nil
}

func (r *Registry) senders() []Sender {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Sender, 0, len(r.conns))
	for _, e := range r.conns {
		out = append(out, e.sender)
	}
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
