package websocket

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/CUknot/collab_backend/apperrors"
	"github.com/CUknot/collab_backend/logger"
)

const (
	EventReceiveChanges = "receive-changes"
	EventRemoteCursor   = "remote-cursor"
	EventUserTyping     = "user-typing"
)

// ErrNotMember is returned when a sender relays into a room it has not joined.
var ErrNotMember = apperrors.Authorization("sender is not a member of the room")

// CursorPayload is the remote-cursor frame.
type CursorPayload struct {
	UserID          string          `json:"userId"`
	DisplayName     string          `json:"displayName"`
	Range           json.RawMessage `json:"range"`
	ServerTimestamp int64           `json:"serverTimestamp"`
}

// TypingPayload is the user-typing frame.
type TypingPayload struct {
	DisplayName string `json:"displayName"`
	IsTyping    bool   `json:"isTyping"`
}

// Relay forwards edit deltas, cursor moves and typing flags to room peers.
// Nothing it relays is stored.
type Relay struct {
	hub *Hub
	now func() time.Time
}

// NewRelay creates a relay over hub.
func NewRelay(hub *Hub) *Relay {
	return &Relay{hub: hub, now: time.Now}
}

// SubmitDelta forwards an opaque edit delta to the other members of the
// document's edit room. Deltas from non-members are dropped.
func (r *Relay) SubmitDelta(documentID, senderID string, delta json.RawMessage) error {
	key := DocumentRoom(documentID)
	if !r.hub.InRoom(key, senderID) {
		logger.Log.Warn("delta_dropped_not_member", zap.String("document_id", documentID), zap.String("conn_id", senderID))
		return ErrNotMember
	}
	if len(delta) == 0 {
		delta = json.RawMessage("null")
	}
	r.hub.Broadcast(key, EventReceiveChanges, delta, senderID)
	return nil
}

// SubmitCursor forwards a cursor position to the other members of the
// document's edit room, stamped with the server time. userID defaults to the
// connection id.
func (r *Relay) SubmitCursor(documentID, senderID, userID string, cursorRange json.RawMessage) error {
	key := DocumentRoom(documentID)
	if !r.hub.InRoom(key, senderID) {
		logger.Log.Debug("cursor_dropped_not_member", zap.String("document_id", documentID), zap.String("conn_id", senderID))
		return ErrNotMember
	}
	name, ok := r.hub.registry.Name(senderID)
	if !ok {
		return ErrConnectionNotFound
	}
	if userID == "" {
		userID = senderID
	}
	if len(cursorRange) == 0 {
		cursorRange = json.RawMessage("null")
	}

	r.hub.Broadcast(key, EventRemoteCursor, CursorPayload{
		UserID:          userID,
		DisplayName:     name,
		Range:           cursorRange,
		ServerTimestamp: r.now().UnixMilli(),
	}, senderID)
	return nil
}

// SetTyping tells the other members of the room at key whether the sender
// is typing.
func (r *Relay) SetTyping(key, senderID string, isTyping bool) error {
	if !r.hub.InRoom(key, senderID) {
		logger.Log.Debug("typing_dropped_not_member", zap.String("room", key), zap.String("conn_id", senderID))
		return ErrNotMember
	}
	name, ok := r.hub.registry.Name(senderID)
	if !ok {
		return ErrConnectionNotFound
	}
	r.hub.Broadcast(key, EventUserTyping, TypingPayload{DisplayName: name, IsTyping: isTyping}, senderID)
	return nil
}
