package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// MessageType is the kind of user content carried by a ChatMessage.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageVideo MessageType = "video"
)

// ParseMessageType validates a client supplied message type.
func ParseMessageType(s string) (MessageType, error) {
	switch t := MessageType(s); t {
	case MessageText, MessageImage, MessageVideo:
		return t, nil
	}
	return "", fmt.Errorf("unknown message type %q", s)
}

// ChatMessage is one user-content message in a room.
// The embedded timestamps serve as the ordering key for history.
type ChatMessage struct {
	ID       string `gorm:"type:uuid;primaryKey" json:"id"`
	RoomID   string `gorm:"type:uuid;not null;index:idx_room_msg" json:"room_id"`
	SenderID string `gorm:"type:text;not null" json:"sender_id"`
	// Content is nil for media messages.
	Content     *string     `gorm:"type:text" json:"content"`
	MessageType MessageType `gorm:"type:text;not null" json:"message_type"`
	// MediaURL references an uploaded blob; the relay never stores media itself.
	MediaURL  *string   `gorm:"type:text" json:"media_url"`
	CreatedAt time.Time `gorm:"index:idx_room_msg" json:"created_at"`
}

func (ChatMessage) TableName() string { return "chat_messages" }

func (m *ChatMessage) BeforeCreate(tx *gorm.DB) (err error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return
}

// Text returns the content or "" for media messages.
func (m *ChatMessage) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// Media returns the media URL or "".
func (m *ChatMessage) Media() string {
	if m.MediaURL == nil {
		return ""
	}
	return *m.MediaURL
}
