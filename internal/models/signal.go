package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SignalType is the kind of negotiation message.
type SignalType string

const (
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalICECandidate SignalType = "ice-candidate"
)

// ParseSignalType validates a signal type received from a client.
func ParseSignalType(s string) (SignalType, error) {
	switch t := SignalType(s); t {
	case SignalOffer, SignalAnswer, SignalICECandidate:
		return t, nil
	}
	return "", fmt.Errorf("unknown signal type %q", s)
}

// SignalMessage is one negotiation message addressed to a single peer.
// Rows are immutable once inserted.
type SignalMessage struct {
	ID         string     `gorm:"type:uuid;primaryKey" json:"id"`
	RoomID     string     `gorm:"type:uuid;not null;index:idx_signal_room" json:"room_id"`
	SenderID   string     `gorm:"type:text;not null" json:"sender_id"`
	ReceiverID string     `gorm:"type:text;not null" json:"receiver_id"`
	Type       SignalType `gorm:"type:text;not null" json:"type"`
	// Payload is the opaque negotiation blob (session description or candidate).
	Payload   datatypes.JSON `gorm:"type:jsonb;not null" json:"payload"`
	CreatedAt time.Time      `gorm:"index:idx_signal_room" json:"created_at"`
}

func (SignalMessage) TableName() string { return "signaling" }

func (s *SignalMessage) BeforeCreate(tx *gorm.DB) (err error) {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	return
}
