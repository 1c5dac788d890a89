package websocket

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/CUknot/collab_backend/logger"
	"github.com/CUknot/collab_backend/metrics"
)

// Message is the envelope of every frame in both directions.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type room struct {
	members map[string]struct{}

	// sendMu orders broadcasts so every member observes them in the same
	// sequence.
	sendMu sync.Mutex
}

// Hub maintains rooms of registered connections and broadcasts to them.
//
// Lock order is Hub.mu, then room.sendMu, then Registry.mu. Membership
// changes hold Hub.mu exclusively; broadcasts and presence reads hold it
// shared, so neither can observe a half-applied join, leave or disconnect.
type Hub struct {
	registry *Registry

	mu    sync.RWMutex
	rooms map[string]*room
}

// NewHub creates a hub over registry.
func NewHub(registry *Registry) *Hub {
	return &Hub{
		registry: registry,
		rooms:    make(map[string]*room),
	}
}

// Registry returns the connection registry of the hub.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Connect registers a connection.
func (h *Hub) Connect(id, name string, sender Sender) error {
	if _, err := h.registry.Register(id, name, sender); err != nil {
		return err
	}
	metrics.Connections.Inc()
	logger.Log.Info("connection_registered", zap.String("conn_id", id), zap.String("name", name))
	return nil
}

// Join adds the connection to the room at key, creating it on first join.
// Joining a document room rebroadcasts its presence.
func (h *Hub) Join(key, connID string) error {
	h.mu.Lock()
	if err := h.registry.AddRoom(connID, key); err != nil {
		h.mu.Unlock()
		return err
	}
	rm, ok := h.rooms[key]
	if !ok {
		rm = &room{members: make(map[string]struct{})}
		h.rooms[key] = rm
	}
	rm.members[connID] = struct{}{}
	h.mu.Unlock()

	logger.Log.Debug("room_joined", zap.String("room", key), zap.String("conn_id", connID))
	if documentID, ok := documentOf(key); ok {
		h.BroadcastPresence(documentID)
	}
	return nil
}

// Leave removes the connection from the room at key. Leaving a room the
// connection is not in is a no-op.
func (h *Hub) Leave(key, connID string) {
	h.mu.Lock()
	_ = h.registry.RemoveRoom(connID, key)
	left := h.removeMemberLocked(key, connID)
	h.mu.Unlock()

	if !left {
		return
	}
	logger.Log.Debug("room_left", zap.String("room", key), zap.String("conn_id", connID))
	if documentID, ok := documentOf(key); ok {
		h.BroadcastPresence(documentID)
	}
}

// Disconnect removes the connection from the registry and every room it was
// in, then rebroadcasts presence once per affected document room. It is
// idempotent.
func (h *Hub) Disconnect(connID string) {
	h.mu.Lock()
	keys := h.registry.Remove(connID)
	for _, key := range keys {
		h.removeMemberLocked(key, connID)
	}
	h.mu.Unlock()

	// Remove returns nil only for ids that were not registered.
	if keys == nil {
		return
	}
	metrics.Connections.Dec()
	logger.Log.Info("connection_removed", zap.String("conn_id", connID), zap.Int("rooms", len(keys)))

	for _, key := range keys {
		if documentID, ok := documentOf(key); ok {
			h.BroadcastPresence(documentID)
		}
	}
}

// Members returns the ids of the connections in the room at key.
func (h *Hub) Members(key string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rm, ok := h.rooms[key]
	if !ok {
		return []string{}
	}
	return sortedKeys(rm.members)
}

// InRoom reports whether the connection is a member of the room at key.
func (h *Hub) InRoom(key, connID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rm, ok := h.rooms[key]
	if !ok {
		return false
	}
	_, in := rm.members[connID]
	return in
}

// Broadcast sends a frame of eventType to every member of the room at key
// except exclude, and returns how many members accepted it.
func (h *Hub) Broadcast(key, eventType string, payload any, exclude string) int {
	data, err := encode(eventType, payload)
	if err != nil {
		logger.Log.Error("broadcast_encode_failed", zap.String("type", eventType), zap.Error(err))
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	rm, ok := h.rooms[key]
	if !ok {
		return 0
	}
	rm.sendMu.Lock()
	defer rm.sendMu.Unlock()

	metrics.Broadcasts.WithLabelValues(roomKind(key)).Inc()
	return h.deliverLocked(rm, data, exclude)
}

// Emit sends a frame of eventType to one connection.
func (h *Hub) Emit(connID, eventType string, payload any) bool {
	data, err := encode(eventType, payload)
	if err != nil {
		logger.Log.Error("emit_encode_failed", zap.String("type", eventType), zap.Error(err))
		return false
	}
	s := h.registry.sender(connID)
	if s == nil {
		return false
	}
	if !s.Send(data) {
		metrics.DroppedSends.Inc()
		return false
	}
	return true
}

// Shutdown closes every registered connection. Their transports then run
// the normal disconnect path.
func (h *Hub) Shutdown() {
	senders := h.registry.senders()
	for _, s := range senders {
		s.Close()
	}
	logger.Log.Info("hub_shutdown", zap.Int("connections", len(senders)))
}

func (h *Hub) deliverLocked(rm *room, data []byte, exclude string) int {
	delivered := 0
	for id := range rm.members {
		if id == exclude {
			continue
		}
		s := h.registry.sender(id)
		if s == nil {
			continue
		}
		if s.Send(data) {
			delivered++
		} else {
			metrics.DroppedSends.Inc()
		}
	}
	return delivered
}

// removeMemberLocked drops connID from the room at key, and the room itself
// once it is empty. It reports whether connID was a member.
func (h *Hub) removeMemberLocked(key, connID string) bool {
	rm, ok := h.rooms[key]
	if !ok {
		return false
	}
	if _, in := rm.members[connID]; !in {
		return false
	}
	delete(rm.members, connID)
	if len(rm.members) == 0 {
		delete(h.rooms, key)
	}
	return true
}

func encode(eventType string, payload any) ([]byte, error) {
	return json.Marshal(Message{Type: eventType, Payload: payload})
}
