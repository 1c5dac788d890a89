package websocket

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/CUknot/collab_backend/apperrors"
	"github.com/CUknot/collab_backend/cache"
	"github.com/CUknot/collab_backend/chat"
	"github.com/CUknot/collab_backend/logger"
	"github.com/CUknot/collab_backend/metrics"
	"github.com/CUknot/collab_backend/models"
)

// Inbound and chat event names.
const (
	EventJoinDocument       = "join-document"
	EventLeaveDocument      = "leave-document"
	EventSendChanges        = "send-changes"
	EventCursorChange       = "cursor-change"
	EventTypingStart        = "typing-start"
	EventTypingStop         = "typing-stop"
	EventJoinGlobalChat     = "join-global-chat"
	EventGlobalChatMessage  = "global-chat-message"
	EventGlobalTypingStart  = "global-typing-start"
	EventGlobalTypingStop   = "global-typing-stop"
	EventJoinChat           = "join-chat"
	EventChatMessage        = "chat-message"
	EventJoinPrivateChat    = "join-private-chat"
	EventPrivateMessage     = "private-message"
	EventPrivateTypingStart = "private-typing-start"
	EventPrivateTypingStop  = "private-typing-stop"
	EventError              = "error"
)

const persistTimeout = 5 * time.Second

type inbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type eventPayload struct {
	DocumentID  string          `json:"documentId"`
	DisplayName string          `json:"displayName"`
	Delta       json.RawMessage `json:"delta"`
	UserID      string          `json:"userId"`
	Range       json.RawMessage `json:"range"`
	Author      string          `json:"author"`
	Text        string          `json:"text"`
	DisplayTime string          `json:"displayTime"`
	FromUser    string          `json:"fromUser"`
	ToUser      string          `json:"toUser"`
}

// ChatPayload is the frame of a chat message in any of the three rooms.
// Global and document messages carry author; private ones fromUser and
// toUser.
type ChatPayload struct {
	ID          uint      `json:"id,omitempty"`
	DocumentID  string    `json:"documentId,omitempty"`
	Author      string    `json:"author,omitempty"`
	FromUser    string    `json:"fromUser,omitempty"`
	ToUser      string    `json:"toUser,omitempty"`
	Text        string    `json:"text"`
	DisplayTime string    `json:"displayTime"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ErrorPayload is the error frame.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Gateway dispatches inbound realtime events to the hub, the relays and the
// chat service.
type Gateway struct {
	hub     *Hub
	relay   *Relay
	chat    *chat.Service
	limiter cache.Limiter
}

// NewGateway creates a gateway. limiter may be nil to disable rate limiting.
func NewGateway(hub *Hub, chatService *chat.Service, limiter cache.Limiter) *Gateway {
	return &Gateway{
		hub:     hub,
		relay:   NewRelay(hub),
		chat:    chatService,
		limiter: limiter,
	}
}

// Hub returns the hub the gateway dispatches to.
func (g *Gateway) Hub() *Hub {
	return g.hub
}

// Presence returns the presence snapshot of documentID.
func (g *Gateway) Presence(documentID string) []string {
	return g.hub.Presence(documentID)
}

// PublishChat broadcasts a chat message to its room, sender included.
func (g *Gateway) PublishChat(msg *models.ChatMessage) int {
	eventType, payload := chatFrame(msg)
	return g.hub.Broadcast(ChatRoom(msg), eventType, payload, "")
}

// HandleIncomingMessage processes one frame from connID. Malformed or
// unauthorized events are logged and dropped; the connection stays open.
func (g *Gateway) HandleIncomingMessage(connID string, raw []byte) {
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		logger.Log.Warn("event_malformed", zap.String("conn_id", connID), zap.Error(err))
		return
	}

	var p eventPayload
	if len(msg.Payload) > 0 && string(msg.Payload) != "null" {
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			logger.Log.Warn("event_payload_malformed", zap.String("conn_id", connID), zap.String("type", msg.Type), zap.Error(err))
			return
		}
	}
	p.DocumentID = strings.TrimSpace(p.DocumentID)
	p.ToUser = strings.TrimSpace(p.ToUser)

	name, ok := g.hub.registry.Name(connID)
	if !ok {
		logger.Log.Warn("event_from_unknown_connection", zap.String("conn_id", connID), zap.String("type", msg.Type))
		return
	}
	metrics.Events.WithLabelValues(eventLabel(msg.Type)).Inc()

	if err := g.dispatch(connID, name, msg.Type, p); err != nil {
		logger.Log.Warn("event_dropped",
			zap.String("conn_id", connID),
			zap.String("type", msg.Type),
			zap.String("reason", apperrors.Message(err)),
			zap.Error(err))
	}
}

func (g *Gateway) dispatch(connID, name, eventType string, p eventPayload) error {
	switch eventType {
	case EventJoinDocument:
		if err := requireDocument(p.DocumentID); err != nil {
			return err
		}
		if err := checkIdentity(name, p.DisplayName); err != nil {
			return err
		}
		return g.hub.Join(DocumentRoom(p.DocumentID), connID)

	case EventLeaveDocument:
		if err := requireDocument(p.DocumentID); err != nil {
			return err
		}
		g.hub.Leave(DocumentChatRoom(p.DocumentID), connID)
		g.hub.Leave(DocumentRoom(p.DocumentID), connID)
		return nil

	case EventSendChanges:
		if err := requireDocument(p.DocumentID); err != nil {
			return err
		}
		return g.relay.SubmitDelta(p.DocumentID, connID, p.Delta)

	case EventCursorChange:
		if err := requireDocument(p.DocumentID); err != nil {
			return err
		}
		if err := checkIdentity(name, p.DisplayName); err != nil {
			return err
		}
		return g.relay.SubmitCursor(p.DocumentID, connID, p.UserID, p.Range)

	case EventTypingStart, EventTypingStop:
		if err := requireDocument(p.DocumentID); err != nil {
			return err
		}
		if err := checkIdentity(name, p.DisplayName); err != nil {
			return err
		}
		return g.relay.SetTyping(DocumentChatRoom(p.DocumentID), connID, eventType == EventTypingStart)

	case EventJoinGlobalChat:
		if err := checkIdentity(name, p.DisplayName); err != nil {
			return err
		}
		return g.hub.Join(GlobalChatRoom, connID)

	case EventGlobalChatMessage:
		if err := checkIdentity(name, p.Author); err != nil {
			return err
		}
		return g.handleChat(connID, name, models.ChatGlobal, "", p.Text, p.DisplayTime)

	case EventGlobalTypingStart, EventGlobalTypingStop:
		if err := checkIdentity(name, p.DisplayName); err != nil {
			return err
		}
		return g.relay.SetTyping(GlobalChatRoom, connID, eventType == EventGlobalTypingStart)

	case EventJoinChat:
		if err := requireDocument(p.DocumentID); err != nil {
			return err
		}
		if err := checkIdentity(name, p.DisplayName); err != nil {
			return err
		}
		return g.hub.Join(DocumentChatRoom(p.DocumentID), connID)

	case EventChatMessage:
		if err := checkIdentity(name, p.Author); err != nil {
			return err
		}
		return g.handleChat(connID, name, models.ChatDocument, p.DocumentID, p.Text, p.DisplayTime)

	case EventJoinPrivateChat:
		if err := requirePeer(name, p); err != nil {
			return err
		}
		return g.hub.Join(PrivateRoom(name, p.ToUser), connID)

	case EventPrivateMessage:
		if err := requirePeer(name, p); err != nil {
			return err
		}
		return g.handleChat(connID, name, models.ChatPrivate, p.ToUser, p.Text, p.DisplayTime)

	case EventPrivateTypingStart, EventPrivateTypingStop:
		if err := requirePeer(name, p); err != nil {
			return err
		}
		return g.relay.SetTyping(PrivateRoom(name, p.ToUser), connID, eventType == EventPrivateTypingStart)

	default:
		return apperrors.Validation("unknown event type")
	}
}

// handleChat rate-limits, validates and broadcasts a chat message, then
// persists it. A persistence failure is logged and never undoes the
// broadcast.
func (g *Gateway) handleChat(connID, name string, kind models.ChatKind, target, text, displayTime string) error {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := cache.Enforce(ctx, g.limiter, name); err != nil {
		g.hub.Emit(connID, EventError, ErrorPayload{Message: apperrors.Message(err)})
		return err
	}

	msg, err := g.chat.NewMessage(kind, name, target, text, displayTime)
	if err != nil {
		return err
	}

	g.PublishChat(msg)

	if err := g.chat.Persist(ctx, msg); err != nil {
		metrics.ChatPersistFailures.Inc()
		logger.Log.Error("chat_persist_failed",
			zap.String("kind", string(kind)),
			zap.String("author", name),
			zap.Error(err))
	}
	return nil
}

func chatFrame(msg *models.ChatMessage) (string, ChatPayload) {
	payload := ChatPayload{
		ID:          msg.ID,
		Text:        msg.Text,
		DisplayTime: msg.DisplayTime,
		CreatedAt:   msg.CreatedAt,
	}
	switch msg.Kind {
	case models.ChatDocument:
		payload.DocumentID = msg.DocumentID
		payload.Author = msg.Author
		return EventChatMessage, payload
	case models.ChatPrivate:
		payload.FromUser = msg.Author
		payload.ToUser = msg.Recipient
		return EventPrivateMessage, payload
	default:
		payload.Author = msg.Author
		return EventGlobalChatMessage, payload
	}
}

var knownEvents = map[string]struct{}{
	EventJoinDocument: {}, EventLeaveDocument: {}, EventSendChanges: {}, EventCursorChange: {},
	EventTypingStart: {}, EventTypingStop: {}, EventJoinGlobalChat: {}, EventGlobalChatMessage: {},
	EventGlobalTypingStart: {}, EventGlobalTypingStop: {}, EventJoinChat: {}, EventChatMessage: {},
	EventJoinPrivateChat: {}, EventPrivateMessage: {}, EventPrivateTypingStart: {}, EventPrivateTypingStop: {},
}

// eventLabel keeps client-chosen type strings out of metric labels.
func eventLabel(eventType string) string {
	if _, ok := knownEvents[eventType]; ok {
		return eventType
	}
	return "unknown"
}

func requireDocument(documentID string) error {
	if strings.TrimSpace(documentID) == "" {
		return apperrors.Validation("documentId is required")
	}
	return nil
}

// checkIdentity rejects payloads that claim a display name other than the
// authenticated one. An empty claim is accepted.
func checkIdentity(name, claimed string) error {
	if claimed != "" && claimed != name {
		return apperrors.Authorization("display name does not match the authenticated user")
	}
	return nil
}

func requirePeer(name string, p eventPayload) error {
	if err := checkIdentity(name, p.FromUser); err != nil {
		return err
	}
	if strings.TrimSpace(p.ToUser) == "" {
		return apperrors.Validation("toUser is required")
	}
	return nil
}
