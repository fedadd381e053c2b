// Package signaling carries negotiation messages between the two members of a
// room through the store's change feed.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"senvo/backend/internal/models"
	"senvo/backend/internal/storage"
)

var (
	ErrClosed         = errors.New("signal relay closed")
	ErrInvalidPayload = errors.New("signal payload is not valid JSON")
)

// Handler receives signals addressed to this side of the room.
type Handler func(signal *models.SignalMessage)

type registration struct {
	id int
	fn Handler
}

// Relay is one participant's view of a room's signaling channel. Handlers
// run one at a time on the relay goroutine, in feed order.
type Relay struct {
	store  storage.Store
	roomID string
	selfID string
	sub    storage.Subscription
	logger *slog.Logger

	mu       sync.Mutex
	handlers []registration
	nextID   int
	closed   bool

	// ready is closed by the first OnSignal; signals wait in the
	// subscription until then.
	ready     chan struct{}
	readyOnce sync.Once
	closing   chan struct{}
	done      chan struct{}
}

// NewRelay subscribes to new signals in roomID. Signals stored before the
// subscription are not replayed; those arriving before the first handler is
// registered are held for it.
func NewRelay(ctx context.Context, store storage.Store, roomID, selfID string, logger *slog.Logger) (*Relay, error) {
	if roomID == "" || selfID == "" {
		return nil, errors.New("signal relay requires a room and a sender id")
	}
	sub, err := store.Subscribe(ctx, storage.SignalInserts(roomID))
	if err != nil {
		return nil, err
	}

	r := &Relay{
		store:   store,
		roomID:  roomID,
		selfID:  selfID,
		sub:     sub,
		logger:  logger.With("room", roomID, "self", selfID),
		ready:   make(chan struct{}),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go r.loop()
	return r, nil
}

func (r *Relay) loop() {
	defer close(r.done)
	select {
	case <-r.ready:
	case <-r.closing:
		return
	}
	for change := range r.sub.Changes() {
		signal := change.Signal
		if signal == nil || signal.ReceiverID != r.selfID {
			continue
		}

		r.mu.Lock()
		handlers := make([]registration, len(r.handlers))
		copy(handlers, r.handlers)
		r.mu.Unlock()

		for _, h := range handlers {
			h.fn(signal)
		}
	}
}

// Send stores a signal for receiverID. Payload may be raw JSON or any value
// that encodes to JSON.
func (r *Relay) Send(ctx context.Context, receiverID string, typ models.SignalType, payload interface{}) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if _, err := models.ParseSignalType(string(typ)); err != nil {
		return err
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return err
	}

	return r.store.InsertSignal(ctx, &models.SignalMessage{
		RoomID:     r.roomID,
		SenderID:   r.selfID,
		ReceiverID: receiverID,
		Type:       typ,
		Payload:    raw,
	})
}

func encodePayload(payload interface{}) ([]byte, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, ErrInvalidPayload
		}
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, ErrInvalidPayload
		}
		return p, nil
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return raw, nil
	}
}

// OnSignal registers h and returns a func that unregisters it.
func (r *Relay) OnSignal(h Handler) (cancel func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	r.handlers = append(r.handlers, registration{id: id, fn: h})
	r.readyOnce.Do(func() { close(r.ready) })

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

// Close unsubscribes and drops every handler. It is safe to call twice.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.handlers = nil
	close(r.closing)
	r.mu.Unlock()

	return r.sub.Close()
}

// Done is closed once the relay goroutine has exited.
func (r *Relay) Done() <-chan struct{} { return r.done }

func (r *Relay) RoomID() string { return r.roomID }

func (r *Relay) SelfID() string { return r.selfID }
