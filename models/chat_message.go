package models

import (
	"time"
)

// ChatKind is one of the three chat flavors.
type ChatKind string

const (
	ChatGlobal   ChatKind = "global"
	ChatDocument ChatKind = "document"
	ChatPrivate  ChatKind = "private"
)

// MaxTextLength is the longest chat body accepted, in characters.
const MaxTextLength = 1000

// Valid reports whether k is a known chat kind.
func (k ChatKind) Valid() bool {
	switch k {
	case ChatGlobal, ChatDocument, ChatPrivate:
		return true
	}
	return false
}

// ChatMessage is a persisted chat record. Scope is the retention partition:
// "global", the document id, or the pair key of the two private participants.
type ChatMessage struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Kind        ChatKind  `gorm:"size:16;not null;index:idx_chat_scope,priority:1" json:"kind"`
	Scope       string    `gorm:"size:512;not null;index:idx_chat_scope,priority:2" json:"-"`
	Author      string    `gorm:"size:255;not null" json:"author"`
	Recipient   string    `gorm:"size:255" json:"recipient,omitempty"`
	DocumentID  string    `gorm:"size:255" json:"documentId,omitempty"`
	Text        string    `gorm:"type:text;not null" json:"text"`
	CreatedAt   time.Time `gorm:"not null;index:idx_chat_scope,priority:3" json:"createdAt"`
	DisplayTime string    `gorm:"size:64" json:"displayTime"`
}
