package models

// ChangeEvent is the kind of row-level change delivered by the change feed.
type ChangeEvent string

const (
	EventInsert ChangeEvent = "INSERT"
	EventUpdate ChangeEvent = "UPDATE"
	EventDelete ChangeEvent = "DELETE"
)

// Change is one row-level notification. Exactly one record is set: the new row
// for INSERT and UPDATE, the old row for DELETE.
type Change struct {
	Table   string         `json:"table"`
	Event   ChangeEvent    `json:"event"`
	Queue   *QueueEntry    `json:"queue,omitempty"`
	Signal  *SignalMessage `json:"signal,omitempty"`
	Message *ChatMessage   `json:"message,omitempty"`
}

// Table names shared by the store and the change feed.
var (
	TableQueue    = QueueEntry{}.TableName()
	TableSignals  = SignalMessage{}.TableName()
	TableMessages = ChatMessage{}.TableName()
)

// Ptr is a small helper for the nullable string columns.
func Ptr(s string) *string { return &s }
