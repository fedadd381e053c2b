// Package session runs one anonymous client's lifecycle: search, room, skip
// and end. Each Session owns its coordinator and relays; nothing is shared
// between sessions except the store.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"senvo/backend/internal/chat"
	"senvo/backend/internal/matching"
	"senvo/backend/internal/models"
	"senvo/backend/internal/signaling"
	"senvo/backend/internal/storage"
)

type Status string

const (
	StatusIdle      Status = "idle"
	StatusFinding   Status = "finding"
	StatusConnected Status = "connected"
	StatusError     Status = "error"
)

type EventKind string

const (
	EventSearching EventKind = "searching"
	EventMatched   EventKind = "matched"
	EventSignal    EventKind = "signal"
	EventChat      EventKind = "chat"
	EventPeerLeft  EventKind = "peer_left"
	EventEnded     EventKind = "ended"
	EventError     EventKind = "error"
)

// Event is something the client should hear about.
type Event struct {
	Kind    EventKind
	Mode    models.Mode
	Match   *matching.MatchResult
	Signal  *models.SignalMessage
	Message *models.ChatMessage
	Err     error
}

var (
	ErrBusy         = errors.New("a search is already running")
	ErrNotConnected = errors.New("not connected to a peer")
	ErrNotTextMode  = errors.New("chat is only available in text mode")
	ErrClosed       = errors.New("session closed")
)

// Deps are the capabilities a session is built from.
type Deps struct {
	Store    storage.Store
	Identity matching.Identity
	// Uploader is optional; without it media messages are refused.
	Uploader chat.MediaUploader
	Match    matching.Options
	Logger   *slog.Logger
	// OnRoom, when set, takes over each room's signals. It runs before any
	// signal is delivered, and the session then emits no EventSignal.
	OnRoom func(match *matching.MatchResult, signals *signaling.Relay)
}

type room struct {
	match   *matching.MatchResult
	signals *signaling.Relay
	chat    *chat.Relay
	cancel  context.CancelFunc
}

type Session struct {
	deps        Deps
	selfID      string
	coordinator *matching.Coordinator
	logger      *slog.Logger

	events  chan Event
	closing chan struct{}

	mu         sync.Mutex
	status     Status
	mode       models.Mode
	room       *room
	cancelFind context.CancelFunc
	findDone   chan struct{}
	lastErr    error
	closed     bool
}

func New(ctx context.Context, deps Deps) (*Session, error) {
	selfID, err := deps.Identity.SessionID(ctx)
	if err != nil {
		return nil, err
	}
	logger := deps.Logger.With("session", selfID)
	return &Session{
		deps:        deps,
		selfID:      selfID,
		coordinator: matching.NewCoordinator(deps.Store, matching.StaticIdentity(selfID), deps.Match, logger),
		logger:      logger,
		events:      make(chan Event, 64),
		closing:     make(chan struct{}),
		status:      StatusIdle,
	}, nil
}

func (s *Session) SelfID() string { return s.selfID }

// Events delivers session events in order. It is never closed; stop reading
// when Done is closed.
func (s *Session) Events() <-chan Event { return s.events }

func (s *Session) Done() <-chan struct{} { return s.closing }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) Mode() models.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Match returns the current room, or nil.
func (s *Session) Match() *matching.MatchResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == nil {
		return nil
	}
	return s.room.match
}

// Err returns the error that put the session into StatusError.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Signals returns the current room's signal relay, or nil.
func (s *Session) Signals() *signaling.Relay {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == nil {
		return nil
	}
	return s.room.signals
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.closing:
	}
}

// Find starts searching for a partner in mode. It returns at once; the
// outcome arrives as a matched or error event.
func (s *Session) Find(ctx context.Context, mode models.Mode) error {
	if _, err := models.ParseMode(string(mode)); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.status == StatusFinding || s.status == StatusConnected {
		s.mu.Unlock()
		return ErrBusy
	}
	findCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	s.status, s.mode, s.lastErr = StatusFinding, mode, nil
	s.cancelFind, s.findDone = cancel, done
	s.mu.Unlock()

	s.emit(Event{Kind: EventSearching, Mode: mode})
	go s.find(findCtx, mode, done)
	return nil
}

func (s *Session) find(ctx context.Context, mode models.Mode, done chan struct{}) {
	defer close(done)

	match, err := s.coordinator.JoinQueue(ctx, mode)
	if err != nil {
		s.searchFailed(err)
		return
	}
	if ctx.Err() != nil {
		// Ended while the match landed; End releases the entry.
		return
	}

	if err := s.openRoom(match); err != nil {
		s.logger.Error("opening room failed", "room", match.RoomID, "error", err)
		_ = s.coordinator.LeaveQueue(context.Background())
		s.fail(err)
		return
	}
	s.emit(Event{Kind: EventMatched, Mode: mode, Match: match})
}

func (s *Session) searchFailed(err error) {
	switch {
	case errors.Is(err, matching.ErrLeftQueue), errors.Is(err, context.Canceled):
		return
	case errors.Is(err, matching.ErrSearchTimeout):
		s.mu.Lock()
		s.status = StatusIdle
		s.mu.Unlock()
		s.emit(Event{Kind: EventError, Err: err})
	default:
		s.logger.Warn("search failed", "error", err)
		s.fail(err)
	}
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.status, s.lastErr = StatusError, err
	s.mu.Unlock()
	s.emit(Event{Kind: EventError, Err: err})
}

func (s *Session) openRoom(match *matching.MatchResult) error {
	roomCtx, cancel := context.WithCancel(context.Background())
	r := &room{match: match, cancel: cancel}

	var err error
	r.signals, err = signaling.NewRelay(roomCtx, s.deps.Store, match.RoomID, s.selfID, s.logger)
	if err != nil {
		cancel()
		return err
	}
	if s.deps.OnRoom != nil {
		s.deps.OnRoom(match, r.signals)
	} else {
		r.signals.OnSignal(func(sig *models.SignalMessage) {
			s.emit(Event{Kind: EventSignal, Signal: sig})
		})
	}

	if match.Mode == models.ModeText {
		r.chat, err = chat.NewRelay(roomCtx, s.deps.Store, match.RoomID, s.selfID, s.deps.Uploader, s.logger)
		if err != nil {
			r.close()
			return err
		}
		r.chat.OnMessage(func(msg *models.ChatMessage) {
			s.emit(Event{Kind: EventChat, Message: msg})
		})
	}

	left, err := s.coordinator.WatchPeer(roomCtx, match)
	if err != nil {
		r.close()
		return err
	}

	s.mu.Lock()
	s.room = r
	s.status = StatusConnected
	s.mu.Unlock()

	go func() {
		select {
		case <-left:
			s.peerLeft(r)
		case <-roomCtx.Done():
		}
	}()
	return nil
}

func (r *room) close() {
	r.cancel()
	if r.signals != nil {
		r.signals.Close()
	}
	if r.chat != nil {
		r.chat.Close()
	}
}

// peerLeft tears the room down when the partner's entry disappeared.
func (s *Session) peerLeft(r *room) {
	s.mu.Lock()
	if s.room != r {
		s.mu.Unlock()
		return
	}
	s.room = nil
	s.status = StatusIdle
	s.mu.Unlock()

	r.close()
	if err := s.coordinator.LeaveQueue(context.Background()); err != nil {
		s.logger.Warn("leaving queue after peer left", "error", err)
	}
	s.emit(Event{Kind: EventPeerLeft, Match: r.match})
}

// End stops a search or leaves the current room. It is idempotent.
func (s *Session) End(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancelFind, s.findDone
	s.cancelFind, s.findDone = nil, nil
	wasActive := s.status == StatusFinding || s.status == StatusConnected
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	// Leaving first aborts a pending search promptly.
	err := s.coordinator.LeaveQueue(ctx)
	if done != nil {
		<-done
	}

	s.mu.Lock()
	r := s.room
	s.room = nil
	s.status = StatusIdle
	s.mu.Unlock()

	if r != nil {
		r.close()
	}
	// A match may have landed while we waited for the search to stop.
	if leaveErr := s.coordinator.LeaveQueue(ctx); err == nil {
		err = leaveErr
	}
	if wasActive {
		s.emit(Event{Kind: EventEnded})
	}
	return err
}

// Skip ends the current room and searches again in the same mode.
func (s *Session) Skip(ctx context.Context) error {
	mode := s.Mode()
	if mode == "" {
		return ErrNotConnected
	}
	if err := s.End(ctx); err != nil {
		return err
	}
	return s.Find(ctx, mode)
}

func (s *Session) current() (*room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.room == nil {
		return nil, ErrNotConnected
	}
	return s.room, nil
}

// SendSignal forwards a negotiation message to the partner.
func (s *Session) SendSignal(ctx context.Context, typ models.SignalType, payload interface{}) error {
	r, err := s.current()
	if err != nil {
		return err
	}
	return r.signals.Send(ctx, r.match.PeerID, typ, payload)
}

func (s *Session) chatRelay() (*chat.Relay, error) {
	r, err := s.current()
	if err != nil {
		return nil, err
	}
	if r.chat == nil {
		return nil, ErrNotTextMode
	}
	return r.chat, nil
}

func (s *Session) SendChat(ctx context.Context, text string) (*models.ChatMessage, error) {
	c, err := s.chatRelay()
	if err != nil {
		return nil, err
	}
	return c.SendMessage(ctx, text)
}

func (s *Session) SendMedia(ctx context.Context, name string, data []byte, typ models.MessageType) (*models.ChatMessage, error) {
	c, err := s.chatRelay()
	if err != nil {
		return nil, err
	}
	return c.SendMediaMessage(ctx, name, data, typ)
}

func (s *Session) SendMediaURL(ctx context.Context, url string, typ models.MessageType) (*models.ChatMessage, error) {
	c, err := s.chatRelay()
	if err != nil {
		return nil, err
	}
	return c.SendMediaURL(ctx, url, typ)
}

func (s *Session) History(ctx context.Context) ([]models.ChatMessage, error) {
	c, err := s.chatRelay()
	if err != nil {
		return nil, err
	}
	return c.History(ctx)
}

// Close ends the session for good. Pending event sends are dropped.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.closing)
	s.mu.Unlock()

	return s.End(ctx)
}
