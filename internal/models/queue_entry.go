package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Mode is the kind of session a client is searching for.
type Mode string

const (
	ModeVideo Mode = "video"
	ModeVoice Mode = "voice"
	ModeText  Mode = "text"
)

// ParseMode validates a client supplied mode string.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeVideo, ModeVoice, ModeText:
		return m, nil
	}
	return "", fmt.Errorf("unknown chat mode %q", s)
}

// QueueStatus is the lifecycle state of a QueueEntry. No other values exist.
type QueueStatus string

const (
	StatusWaiting QueueStatus = "waiting"
	StatusMatched QueueStatus = "matched"
)

// QueueEntry is one waiting-or-matched intent to chat.
// A matched entry always carries RoomID and MatchedWith, and its partner entry
// references it back with the same RoomID.
type QueueEntry struct {
	// ID is the primary key. Clients may pre-generate it so that they can
	// subscribe to the row before it exists.
	ID string `gorm:"type:uuid;primaryKey" json:"id"`
	// UserID is the ephemeral, client generated session identifier.
	UserID string      `gorm:"type:text;not null;index" json:"user_id"`
	Mode   Mode        `gorm:"type:text;not null;index:idx_queue_lookup,priority:1" json:"mode"`
	Status QueueStatus `gorm:"type:text;not null;index:idx_queue_lookup,priority:2" json:"status"`
	// MatchedWith references the partner's QueueEntry.ID.
	MatchedWith *string   `gorm:"type:uuid" json:"matched_with"`
	RoomID      *string   `gorm:"type:uuid;index" json:"room_id"`
	CreatedAt   time.Time `gorm:"index:idx_queue_lookup,priority:3" json:"created_at"`
	// UpdatedAt doubles as the liveness marker refreshed by waiting clients.
	UpdatedAt time.Time `json:"updated_at"`
}

func (QueueEntry) TableName() string { return "matching_queue" }

// BeforeCreate assigns a UUID when the inserting client did not pre-generate one.
func (e *QueueEntry) BeforeCreate(tx *gorm.DB) (err error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	return
}

// Room returns the room identifier or "" for waiting entries.
func (e *QueueEntry) Room() string {
	if e.RoomID == nil {
		return ""
	}
	return *e.RoomID
}

// Partner returns the partner entry identifier or "" for waiting entries.
func (e *QueueEntry) Partner() string {
	if e.MatchedWith == nil {
		return ""
	}
	return *e.MatchedWith
}

// IsMatched reports whether the entry is matched and fully populated.
func (e *QueueEntry) IsMatched() bool {
	return e.Status == StatusMatched && e.Room() != "" && e.Partner() != ""
}

var (
	ErrMatchedWithoutRoom = errors.New("matched entry must reference a room and a partner")
	ErrWaitingWithRoom    = errors.New("waiting entry must not reference a room or a partner")
)

// Validate checks the per-row status invariants.
func (e *QueueEntry) Validate() error {
	if e.UserID == "" {
		return errors.New("queue entry requires a user id")
	}
	if _, err := ParseMode(string(e.Mode)); err != nil {
		return err
	}
	switch e.Status {
	case StatusMatched:
		if !e.IsMatched() {
			return ErrMatchedWithoutRoom
		}
	case StatusWaiting:
		if e.RoomID != nil || e.MatchedWith != nil {
			return ErrWaitingWithRoom
		}
	default:
		return fmt.Errorf("unknown queue status %q", e.Status)
	}
	return nil
}
