// Package matching pairs waiting clients into rooms. It relies on the store's
// conditional claim for correctness: a waiting entry can be claimed once.
package matching

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"senvo/backend/internal/models"
	"senvo/backend/internal/storage"

	"github.com/google/uuid"
)

var (
	// ErrSearchTimeout is returned by JoinQueue when MaxWait elapsed without a match.
	ErrSearchTimeout = errors.New("search timed out")
	// ErrLeftQueue is returned by a pending JoinQueue after LeaveQueue.
	ErrLeftQueue = errors.New("left the queue")
	// ErrAlreadyQueued is returned when the session already owns a queue entry.
	ErrAlreadyQueued = errors.New("session is already queued")
	// ErrEntryRemoved is returned when the waiting entry disappeared, e.g. reaped.
	ErrEntryRemoved = errors.New("queue entry was removed")
	// ErrFeedClosed is returned when the change feed stopped while waiting.
	ErrFeedClosed = errors.New("change feed closed")
)

const maxSettleAttempts = 3

// Identity supplies the stable per-session identifier used as userId.
type Identity interface {
	SessionID(ctx context.Context) (string, error)
}

// StaticIdentity is an Identity with a fixed value.
type StaticIdentity string

func (s StaticIdentity) SessionID(context.Context) (string, error) {
	if s == "" {
		return "", errors.New("empty session id")
	}
	return string(s), nil
}

// MatchResult describes a room both parties agreed on.
type MatchResult struct {
	RoomID      string      `json:"room_id"`
	PeerID      string      `json:"peer_id"`
	SelfID      string      `json:"self_id"`
	EntryID     string      `json:"entry_id"`
	PeerEntryID string      `json:"peer_entry_id"`
	Mode        models.Mode `json:"mode"`
}

// Options tune queue timing. Zero values disable the corresponding feature.
type Options struct {
	// MaxWait bounds how long JoinQueue waits for a partner.
	MaxWait time.Duration
	// Heartbeat is how often the own entry's liveness marker is refreshed.
	Heartbeat time.Duration
	// StaleAfter hides waiting entries whose marker is older than this.
	StaleAfter time.Duration
}

// Coordinator owns at most one queue entry for a single session.
type Coordinator struct {
	store    storage.Store
	identity Identity
	opts     Options
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	busy     bool
	entryID  string
	stopWait context.CancelCauseFunc
	stopBeat context.CancelFunc
}

func NewCoordinator(store storage.Store, identity Identity, opts Options, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:    store,
		identity: identity,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

// EntryID returns the session's current queue entry id, or "".
func (c *Coordinator) EntryID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entryID
}

// JoinQueue finds a partner for mode. It either claims the oldest compatible
// waiting entry or inserts its own and blocks until someone claims it.
func (c *Coordinator) JoinQueue(ctx context.Context, mode models.Mode) (*MatchResult, error) {
	if _, err := models.ParseMode(string(mode)); err != nil {
		return nil, err
	}
	selfID, err := c.identity.SessionID(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve session id: %w", err)
	}

	c.mu.Lock()
	if c.busy || c.entryID != "" {
		c.mu.Unlock()
		return nil, ErrAlreadyQueued
	}
	c.busy = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.busy = false
		c.mu.Unlock()
	}()

	entryID := uuid.New().String()

	candidate, err := c.store.FindOldestWaiting(ctx, mode, selfID, c.freshAfter())
	if err != nil {
		return nil, err
	}
	if candidate != nil {
		match, err := c.claim(ctx, candidate, selfID, entryID, mode)
		if err != nil || match != nil {
			return match, err
		}
		// Lost the race: someone else claimed the candidate first.
		c.logger.Debug("claim lost, waiting instead", "candidate", candidate.ID, "self", selfID)
	}

	return c.wait(ctx, selfID, entryID, mode)
}

func (c *Coordinator) freshAfter() time.Time {
	if c.opts.StaleAfter <= 0 {
		return time.Time{}
	}
	return c.now().Add(-c.opts.StaleAfter)
}

// queuedBefore orders entries the way FindOldestWaiting does. Timestamps are
// compared at microsecond precision, which is what Postgres keeps, so both
// members of a pair agree on who is older.
func queuedBefore(a, b *models.QueueEntry) bool {
	ta, tb := a.CreatedAt.Round(time.Microsecond), b.CreatedAt.Round(time.Microsecond)
	if !ta.Equal(tb) {
		return ta.Before(tb)
	}
	return a.ID < b.ID
}

// claim tries to take candidate. It returns nil, nil when the race was lost.
func (c *Coordinator) claim(ctx context.Context, candidate *models.QueueEntry, selfID, entryID string, mode models.Mode) (*MatchResult, error) {
	roomID := uuid.New().String()

	ok, err := c.store.ClaimQueueEntry(ctx, candidate.ID, entryID, roomID)
	if err != nil || !ok {
		return nil, err
	}

	own := &models.QueueEntry{
		ID:          entryID,
		UserID:      selfID,
		Mode:        mode,
		Status:      models.StatusMatched,
		MatchedWith: models.Ptr(candidate.ID),
		RoomID:      models.Ptr(roomID),
	}
	if err := c.store.InsertQueueEntry(ctx, own); err != nil {
		// Hand the candidate back so it is not stuck in a one-member room.
		released, relErr := c.store.ReleaseQueueEntry(context.WithoutCancel(ctx), candidate.ID, entryID)
		if relErr != nil {
			c.logger.Error("release after failed insert", "candidate", candidate.ID, "error", relErr)
		} else if !released {
			c.logger.Warn("claimed candidate vanished before release", "candidate", candidate.ID)
		}
		return nil, err
	}

	c.track(entryID, nil)
	c.logger.Info("matched", "room", roomID, "self", selfID, "peer", candidate.UserID, "mode", mode)
	return &MatchResult{
		RoomID:      roomID,
		PeerID:      candidate.UserID,
		SelfID:      selfID,
		EntryID:     entryID,
		PeerEntryID: candidate.ID,
		Mode:        mode,
	}, nil
}

func (c *Coordinator) wait(ctx context.Context, selfID, entryID string, mode models.Mode) (*MatchResult, error) {
	waitCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if c.opts.MaxWait > 0 {
		var stop context.CancelFunc
		waitCtx, stop = context.WithTimeoutCause(waitCtx, c.opts.MaxWait, ErrSearchTimeout)
		defer stop()
	}

	// Subscribe before the row exists so the claiming update cannot be missed.
	updates, err := c.store.Subscribe(ctx, storage.QueueUpdates(entryID))
	if err != nil {
		return nil, err
	}
	defer updates.Close()

	own := &models.QueueEntry{
		ID:     entryID,
		UserID: selfID,
		Mode:   mode,
		Status: models.StatusWaiting,
	}
	if err := c.store.InsertQueueEntry(ctx, own); err != nil {
		return nil, err
	}
	c.track(entryID, cancel)
	c.logger.Debug("waiting for partner", "entry", entryID, "self", selfID, "mode", mode)

	// Rooms this entry opened on itself while settling. Their updates come
	// back through the subscription and are not claims by someone else.
	ownRooms := map[string]bool{}

	// Two joiners can miss each other in FindOldestWaiting and both insert a
	// waiting row. The younger one pairs them here.
	if match, err := c.settle(waitCtx, own, ownRooms); err != nil || match != nil {
		if err != nil {
			return nil, c.abandon(ctx, entryID, waitErr(waitCtx, err))
		}
		return match, nil
	}

	// Settling again on every heartbeat closes the windows where a
	// candidate was briefly locked by its own settle attempt.
	var resettle <-chan time.Time
	if c.opts.Heartbeat > 0 {
		ticker := time.NewTicker(c.opts.Heartbeat)
		defer ticker.Stop()
		resettle = ticker.C
	}

	var (
		pending     *models.QueueEntry
		peerSub     storage.Subscription
		peerInserts <-chan models.Change
	)
	defer func() {
		if peerSub != nil {
			peerSub.Close()
		}
	}()

	for {
		select {
		case change, ok := <-updates.Changes():
			if !ok {
				return nil, c.abandon(ctx, entryID, ErrFeedClosed)
			}
			row := change.Queue
			if row == nil {
				continue
			}
			if !row.IsMatched() {
				// The claimer released us; keep waiting.
				pending, peerInserts = nil, nil
				continue
			}
			if ownRooms[row.Room()] {
				continue
			}

			peer, err := c.store.GetQueueEntry(waitCtx, row.Partner())
			if err == nil {
				return c.matched(row, peer), nil
			}
			if !errors.Is(err, storage.ErrNotFound) {
				return nil, c.abandon(ctx, entryID, err)
			}

			// The claimer has not committed its own row yet.
			if peerSub != nil {
				peerSub.Close()
			}
			peerSub, err = c.store.Subscribe(waitCtx, storage.QueueInserts(row.Partner()))
			if err != nil {
				peerSub = nil
				return nil, c.abandon(ctx, entryID, err)
			}
			if peer, err := c.store.GetQueueEntry(waitCtx, row.Partner()); err == nil {
				return c.matched(row, peer), nil
			}
			pending, peerInserts = row, peerSub.Changes()

		case change, ok := <-peerInserts:
			if !ok {
				return nil, c.abandon(ctx, entryID, ErrFeedClosed)
			}
			if change.Queue != nil && pending != nil {
				return c.matched(pending, change.Queue), nil
			}

		case <-resettle:
			if pending != nil {
				continue
			}
			match, err := c.settle(waitCtx, own, ownRooms)
			if err != nil {
				return nil, c.abandon(ctx, entryID, waitErr(waitCtx, err))
			}
			if match != nil {
				return match, nil
			}

		case <-waitCtx.Done():
			return nil, c.abandon(ctx, entryID, context.Cause(waitCtx))
		}
	}
}

// settle claims a waiting entry that was queued before own. Own is first
// locked with the same conditional update a claimer would use, so nobody can
// take it halfway through, and unlocked again if the candidate is gone by
// then. An entry never claims a younger one, so two settlers cannot end up
// holding each other.
func (c *Coordinator) settle(ctx context.Context, own *models.QueueEntry, ownRooms map[string]bool) (*MatchResult, error) {
	for attempt := 0; attempt < maxSettleAttempts; attempt++ {
		candidate, err := c.store.FindOldestWaiting(ctx, own.Mode, own.UserID, c.freshAfter())
		if err != nil || candidate == nil || !queuedBefore(candidate, own) {
			return nil, err
		}

		roomID := uuid.New().String()
		ownRooms[roomID] = true
		locked, err := c.store.ClaimQueueEntry(ctx, own.ID, candidate.ID, roomID)
		if err != nil || !locked {
			// Claimed by someone else meanwhile; the update is on its way.
			return nil, err
		}

		claimed, err := c.store.ClaimQueueEntry(ctx, candidate.ID, own.ID, roomID)
		if err == nil && claimed {
			c.logger.Info("matched", "room", roomID, "self", own.UserID, "peer", candidate.UserID, "mode", own.Mode)
			return &MatchResult{
				RoomID:      roomID,
				PeerID:      candidate.UserID,
				SelfID:      own.UserID,
				EntryID:     own.ID,
				PeerEntryID: candidate.ID,
				Mode:        own.Mode,
			}, nil
		}

		released, relErr := c.store.ReleaseQueueEntry(context.WithoutCancel(ctx), own.ID, candidate.ID)
		if relErr != nil {
			return nil, relErr
		}
		if !released {
			c.logger.Warn("own entry changed while settling", "entry", own.ID)
		}
		if err != nil {
			return nil, err
		}
		c.logger.Debug("settle lost, looking again", "candidate", candidate.ID, "self", own.UserID)
	}
	return nil, nil
}

// waitErr prefers the reason the wait was cancelled over the store error it
// caused.
func waitErr(waitCtx context.Context, err error) error {
	if waitCtx.Err() != nil {
		return context.Cause(waitCtx)
	}
	return err
}

func (c *Coordinator) matched(own, peer *models.QueueEntry) *MatchResult {
	c.logger.Info("matched", "room", own.Room(), "self", own.UserID, "peer", peer.UserID, "mode", own.Mode)
	return &MatchResult{
		RoomID:      own.Room(),
		PeerID:      peer.UserID,
		SelfID:      own.UserID,
		EntryID:     own.ID,
		PeerEntryID: peer.ID,
		Mode:        own.Mode,
	}
}

// abandon removes the waiting entry and reports why the wait ended.
func (c *Coordinator) abandon(ctx context.Context, entryID string, cause error) error {
	c.untrack(entryID)
	if err := c.store.DeleteQueueEntry(context.WithoutCancel(ctx), entryID); err != nil {
		c.logger.Warn("delete abandoned entry", "entry", entryID, "error", err)
	}
	return cause
}

// track records the own entry and starts its heartbeat.
func (c *Coordinator) track(entryID string, stopWait context.CancelCauseFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entryID = entryID
	c.stopWait = stopWait
	if c.opts.Heartbeat <= 0 {
		return
	}
	beatCtx, stop := context.WithCancel(context.Background())
	c.stopBeat = stop
	go c.heartbeat(beatCtx, entryID, stopWait)
}

// untrack forgets entryID if it is still the current entry.
func (c *Coordinator) untrack(entryID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entryID != entryID {
		return
	}
	if c.stopBeat != nil {
		c.stopBeat()
	}
	c.entryID, c.stopWait, c.stopBeat = "", nil, nil
}

func (c *Coordinator) heartbeat(ctx context.Context, entryID string, stopWait context.CancelCauseFunc) {
	ticker := time.NewTicker(c.opts.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := c.store.TouchQueueEntry(ctx, entryID)
			if err == nil || ctx.Err() != nil {
				continue
			}
			if errors.Is(err, storage.ErrNotFound) {
				c.logger.Warn("queue entry gone, stopping heartbeat", "entry", entryID)
				if stopWait != nil {
					stopWait(ErrEntryRemoved)
				}
				return
			}
			c.logger.Warn("heartbeat failed", "entry", entryID, "error", err)
		}
	}
}

// LeaveQueue deletes the session's entry and aborts a pending JoinQueue.
// Calling it without an entry is a no-op.
func (c *Coordinator) LeaveQueue(ctx context.Context) error {
	c.mu.Lock()
	entryID, stopWait, stopBeat := c.entryID, c.stopWait, c.stopBeat
	c.entryID, c.stopWait, c.stopBeat = "", nil, nil
	c.mu.Unlock()

	if stopBeat != nil {
		stopBeat()
	}
	if stopWait != nil {
		stopWait(ErrLeftQueue)
	}
	if entryID == "" {
		return nil
	}
	return c.store.DeleteQueueEntry(ctx, entryID)
}

// WatchPeer returns a channel that is closed once the partner's entry is
// deleted. Watching stops when ctx is done.
func (c *Coordinator) WatchPeer(ctx context.Context, match *MatchResult) (<-chan struct{}, error) {
	sub, err := c.store.Subscribe(ctx, storage.QueueDeletes(match.RoomID))
	if err != nil {
		return nil, err
	}

	left := make(chan struct{})

	// The partner may have left before the subscription was active.
	if _, err := c.store.GetQueueEntry(ctx, match.PeerEntryID); errors.Is(err, storage.ErrNotFound) {
		sub.Close()
		close(left)
		return left, nil
	}

	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case change, ok := <-sub.Changes():
				if !ok {
					return
				}
				if change.Queue != nil && change.Queue.ID == match.PeerEntryID {
					c.logger.Info("peer left", "room", match.RoomID, "peer", match.PeerID)
					close(left)
					return
				}
			}
		}
	}()
	return left, nil
}
