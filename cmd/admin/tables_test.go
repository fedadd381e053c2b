package main

import (
	"bytes"
	"testing"
	"time"

	"senvo/backend/internal/models"
	"senvo/backend/internal/storage"

	"github.com/stretchr/testify/assert"
)

func TestRenderQueue(t *testing.T) {
	var buf bytes.Buffer
	renderQueue(&buf, []models.QueueEntry{
		{ID: "e1", UserID: "alice", Mode: models.ModeText, Status: models.StatusWaiting, CreatedAt: time.Now(), UpdatedAt: time.Now()},
		{ID: "e2", UserID: "bob", Mode: models.ModeVideo, Status: models.StatusMatched, RoomID: models.Ptr("room-1"), MatchedWith: models.Ptr("e3")},
	})

	out := buf.String()
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "waiting")
	assert.Contains(t, out, "room-1")
	assert.Contains(t, out, "2")
}

func TestRenderHistory(t *testing.T) {
	var buf bytes.Buffer
	renderHistory(&buf, []models.ChatMessage{
		{SenderID: "alice", MessageType: models.MessageText, Content: models.Ptr("hello")},
		{SenderID: "bob", MessageType: models.MessageImage, MediaURL: models.Ptr("/media/r/cat.png")},
	})

	out := buf.String()
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "/media/r/cat.png")
}

func TestRenderReap(t *testing.T) {
	var buf bytes.Buffer
	renderReap(&buf, &storage.ReapResult{
		Entries:  []models.QueueEntry{{ID: "stale", UserID: "carol", Mode: models.ModeVoice, Status: models.StatusWaiting}},
		Signals:  4,
		Messages: 2,
	})

	out := buf.String()
	assert.Contains(t, out, "Queue entries")
	assert.Contains(t, out, "stale")
	assert.Contains(t, out, "carol")
}
