// Package chat is the per-room text and media log used in text mode.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"senvo/backend/internal/models"
	"senvo/backend/internal/storage"
)

var (
	ErrClosed       = errors.New("chat relay closed")
	ErrEmptyMessage = errors.New("message is empty")
	ErrNoUploader   = errors.New("media upload is not configured")
	ErrMediaType    = errors.New("media must be an image or a video")
)

// MediaUploader stores a blob and returns a URL both participants can load.
type MediaUploader interface {
	Upload(ctx context.Context, roomID, name string, data []byte) (string, error)
}

type Handler func(msg *models.ChatMessage)

type registration struct {
	id int
	fn Handler
}

// Relay appends to and follows one room's message log. Messages sent by this
// side are not delivered back to its own handlers; callers render them from
// the Send* return value.
type Relay struct {
	store    storage.Store
	roomID   string
	selfID   string
	uploader MediaUploader
	sub      storage.Subscription
	logger   *slog.Logger

	mu       sync.Mutex
	handlers []registration
	nextID   int
	closed   bool

	done chan struct{}
}

func NewRelay(ctx context.Context, store storage.Store, roomID, selfID string, uploader MediaUploader, logger *slog.Logger) (*Relay, error) {
	if roomID == "" || selfID == "" {
		return nil, errors.New("chat relay requires a room and a sender id")
	}
	sub, err := store.Subscribe(ctx, storage.MessageInserts(roomID))
	if err != nil {
		return nil, err
	}

	r := &Relay{
		store:    store,
		roomID:   roomID,
		selfID:   selfID,
		uploader: uploader,
		sub:      sub,
		logger:   logger.With("room", roomID, "self", selfID),
		done:     make(chan struct{}),
	}
	go r.loop()
	return r, nil
}

func (r *Relay) loop() {
	defer close(r.done)
	for change := range r.sub.Changes() {
		msg := change.Message
		if msg == nil || msg.SenderID == r.selfID {
			continue
		}

		r.mu.Lock()
		handlers := make([]registration, len(r.handlers))
		copy(handlers, r.handlers)
		r.mu.Unlock()

		for _, h := range handlers {
			h.fn(msg)
		}
	}
}

func (r *Relay) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Relay) insert(ctx context.Context, msg *models.ChatMessage) (*models.ChatMessage, error) {
	if r.isClosed() {
		return nil, ErrClosed
	}
	msg.RoomID = r.roomID
	msg.SenderID = r.selfID
	if err := r.store.InsertChatMessage(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// SendMessage appends a text message. Whitespace-only content is rejected.
func (r *Relay) SendMessage(ctx context.Context, content string) (*models.ChatMessage, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyMessage
	}
	return r.insert(ctx, &models.ChatMessage{
		Content:     models.Ptr(content),
		MessageType: models.MessageText,
	})
}

// SendMediaMessage uploads data and appends a message that links to it.
func (r *Relay) SendMediaMessage(ctx context.Context, name string, data []byte, typ models.MessageType) (*models.ChatMessage, error) {
	if typ != models.MessageImage && typ != models.MessageVideo {
		return nil, ErrMediaType
	}
	if r.uploader == nil {
		return nil, ErrNoUploader
	}
	if len(data) == 0 {
		return nil, ErrEmptyMessage
	}

	url, err := r.uploader.Upload(ctx, r.roomID, name, data)
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", name, err)
	}
	return r.SendMediaURL(ctx, url, typ)
}

// SendMediaURL appends a media message for content already hosted elsewhere.
func (r *Relay) SendMediaURL(ctx context.Context, url string, typ models.MessageType) (*models.ChatMessage, error) {
	if typ != models.MessageImage && typ != models.MessageVideo {
		return nil, ErrMediaType
	}
	if url == "" {
		return nil, ErrEmptyMessage
	}
	return r.insert(ctx, &models.ChatMessage{
		MessageType: typ,
		MediaURL:    models.Ptr(url),
	})
}

// History returns the room's messages, oldest first.
func (r *Relay) History(ctx context.Context) ([]models.ChatMessage, error) {
	return r.store.ListChatMessages(ctx, r.roomID)
}

// OnMessage registers h for the peer's messages and returns its cancel func.
func (r *Relay) OnMessage(h Handler) (cancel func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	r.handlers = append(r.handlers, registration{id: id, fn: h})

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, reg := range r.handlers {
			if reg.id == id {
				r.handlers = append(r.handlers[:i], r.handlers[i+1:]...)
				return
			}
		}
	}
}

func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.handlers = nil
	r.mu.Unlock()

	return r.sub.Close()
}

// Done is closed once the relay goroutine has exited.
func (r *Relay) Done() <-chan struct{} { return r.done }

func (r *Relay) RoomID() string { return r.roomID }
