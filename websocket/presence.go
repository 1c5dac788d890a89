package websocket

import (
	"sort"

	"go.uber.org/zap"

	"github.com/CUknot/collab_backend/logger"
	"github.com/CUknot/collab_backend/metrics"
)

// EventUserList carries the presence snapshot of a document.
const EventUserList = "user-list"

// Presence returns the sorted, de-duplicated display names of the
// connections in the edit room of documentID.
func (h *Hub) Presence(documentID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rm, ok := h.rooms[DocumentRoom(documentID)]
	if !ok {
		return []string{}
	}
	return h.namesLocked(rm)
}

// BroadcastPresence sends the current presence snapshot of documentID to
// every member of its edit room. The snapshot is taken and delivered under
// the room's send lock, so members receive snapshots in the order they were
// taken.
func (h *Hub) BroadcastPresence(documentID string) {
	key := DocumentRoom(documentID)

	h.mu.RLock()
	defer h.mu.RUnlock()

	rm, ok := h.rooms[key]
	if !ok {
		return
	}
	rm.sendMu.Lock()
	defer rm.sendMu.Unlock()

	names := h.namesLocked(rm)
	data, err := encode(EventUserList, names)
	if err != nil {
		logger.Log.Error("presence_encode_failed", zap.String("document_id", documentID), zap.Error(err))
		return
	}
	metrics.Broadcasts.WithLabelValues(roomKind(key)).Inc()
	h.deliverLocked(rm, data, "")
	logger.Log.Debug("presence_broadcast", zap.String("document_id", documentID), zap.Strings("users", names))
}

func (h *Hub) namesLocked(rm *room) []string {
	seen := make(map[string]struct{}, len(rm.members))
	names := make([]string, 0, len(rm.members))
	for id := range rm.members {
		name, ok := h.registry.Name(id)
		if !ok {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
