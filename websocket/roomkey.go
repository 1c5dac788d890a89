package websocket

import (
	"strings"

	"github.com/CUknot/collab_backend/models"
)

// GlobalChatRoom is the room every global chat participant joins.
const GlobalChatRoom = "global-chat"

const (
	documentPrefix     = "document:"
	documentChatPrefix = "document-chat:"
	privatePrefix      = "private:"
)

// DocumentRoom is the edit room of a document. Presence is tracked here.
func DocumentRoom(documentID string) string {
	return documentPrefix + documentID
}

// DocumentChatRoom is the chat room of a document.
func DocumentChatRoom(documentID string) string {
	return documentChatPrefix + documentID
}

// PrivateRoom is the room shared by two private chat participants, whichever
// of them joins first.
func PrivateRoom(a, b string) string {
	return privatePrefix + models.PairKey(a, b)
}

// ChatRoom returns the room a chat message of kind is broadcast to.
func ChatRoom(msg *models.ChatMessage) string {
	switch msg.Kind {
	case models.ChatDocument:
		return DocumentChatRoom(msg.DocumentID)
	case models.ChatPrivate:
		return PrivateRoom(msg.Author, msg.Recipient)
	default:
		return GlobalChatRoom
	}
}

// documentOf returns the document id of an edit room key.
func documentOf(key string) (string, bool) {
	return strings.CutPrefix(key, documentPrefix)
}

func roomKind(key string) string {
	switch {
	case strings.HasPrefix(key, documentPrefix):
		return "document"
	case strings.HasPrefix(key, documentChatPrefix):
		return "document_chat"
	case strings.HasPrefix(key, privatePrefix):
		return "private_chat"
	case key == GlobalChatRoom:
		return "global_chat"
	default:
		return "other"
	}
}
