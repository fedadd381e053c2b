package storage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"senvo/backend/internal/models"

	"gorm.io/gorm"
)

// Store is the shared record store used by every session. Implementations must
// make ClaimQueueEntry a single-row atomic compare-and-update.
type Store interface {
	// FindOldestWaiting returns the oldest waiting entry for mode that does not
	// belong to excludeUserID, or nil when there is none. Entries whose liveness
	// marker is older than freshAfter are skipped; a zero freshAfter disables that.
	FindOldestWaiting(ctx context.Context, mode models.Mode, excludeUserID string, freshAfter time.Time) (*models.QueueEntry, error)
	InsertQueueEntry(ctx context.Context, entry *models.QueueEntry) error
	// ClaimQueueEntry marks the entry matched only if it is still waiting.
	// It reports false, without error, when another client claimed it first.
	ClaimQueueEntry(ctx context.Context, id, matchedWith, roomID string) (bool, error)
	// ReleaseQueueEntry reverts a claim made by matchedWith back to waiting.
	ReleaseQueueEntry(ctx context.Context, id, matchedWith string) (bool, error)
	// TouchQueueEntry refreshes the liveness marker without emitting a change.
	TouchQueueEntry(ctx context.Context, id string) error
	GetQueueEntry(ctx context.Context, id string) (*models.QueueEntry, error)
	// DeleteQueueEntry is idempotent: deleting a missing row is not an error.
	DeleteQueueEntry(ctx context.Context, id string) error
	ListQueueEntries(ctx context.Context) ([]models.QueueEntry, error)
	Reap(ctx context.Context, policy ReapPolicy) (*ReapResult, error)

	InsertSignal(ctx context.Context, signal *models.SignalMessage) error
	InsertChatMessage(ctx context.Context, msg *models.ChatMessage) error
	ListChatMessages(ctx context.Context, roomID string) ([]models.ChatMessage, error)

	Subscribe(ctx context.Context, filter Filter) (Subscription, error)
}

// ReapPolicy selects rows for cleanup. Zero times disable the matching rule.
type ReapPolicy struct {
	WaitingBefore time.Time
	MatchedBefore time.Time
	DataBefore    time.Time
}

// ReapResult reports what a Reap call removed.
type ReapResult struct {
	Entries  []models.QueueEntry
	Signals  int64
	Messages int64
}

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("record not found")

// OpError wraps a store failure with the operation that caused it. Callers
// treat it as recoverable and decide themselves whether to retry.
type OpError struct {
	Op  string
	Err error
}

func (e *OpError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *OpError) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = ErrNotFound
	}
	return &OpError{Op: op, Err: err}
}

// Service is the Postgres backed Store. Rows live in Postgres (gorm); change
// notifications go through the configured Feed.
type Service struct {
	DB     *gorm.DB
	Feed   Feed
	logger *slog.Logger
}

// NewStorageService Constructor
func NewStorageService(db *gorm.DB, feed Feed, logger *slog.Logger) *Service {
	return &Service{DB: db, Feed: feed, logger: logger}
}

var _ Store = (*Service)(nil)

// Migrate creates or updates the three tables.
func (s *Service) Migrate() error {
	return s.DB.AutoMigrate(&models.QueueEntry{}, &models.SignalMessage{}, &models.ChatMessage{})
}

// commit runs write in a transaction and publishes the changes it returns.
// Feeds that can notify inside the transaction do so, which gives subscribers
// commit order; other feeds publish after commit.
func (s *Service) commit(ctx context.Context, op string, write func(tx *gorm.DB) ([]models.Change, error)) error {
	var changes []models.Change
	txFeed, inTx := s.Feed.(TxPublisher)

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		changes, err = write(tx)
		if err != nil || !inTx {
			return err
		}
		for _, change := range changes {
			for _, filter := range filtersFor(change) {
				if err := txFeed.PublishTx(tx, filter, change); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return wrap(op, err)
	}
	if inTx {
		return nil
	}

	for _, change := range changes {
		for _, filter := range filtersFor(change) {
			// The row is durable at this point; delivery is best effort.
			if err := s.Feed.Publish(ctx, filter, change); err != nil {
				s.logger.Warn("change publish failed", "op", op, "channel", filter.Key(), "error", err)
			}
		}
	}
	return nil
}

func (s *Service) FindOldestWaiting(ctx context.Context, mode models.Mode, excludeUserID string, freshAfter time.Time) (*models.QueueEntry, error) {
	var entry models.QueueEntry

	q := s.DB.WithContext(ctx).
		Where("mode = ? AND status = ? AND user_id <> ?", mode, models.StatusWaiting, excludeUserID)
	if !freshAfter.IsZero() {
		q = q.Where("updated_at >= ?", freshAfter)
	}

	err := q.Order("created_at asc").Order("id asc").Limit(1).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("find waiting entry", err)
	}
	return &entry, nil
}

func (s *Service) InsertQueueEntry(ctx context.Context, entry *models.QueueEntry) error {
	if err := entry.Validate(); err != nil {
		return &OpError{Op: "insert queue entry", Err: err}
	}
	return s.commit(ctx, "insert queue entry", func(tx *gorm.DB) ([]models.Change, error) {
		if err := tx.Create(entry).Error; err != nil {
			return nil, err
		}
		row := *entry
		return []models.Change{{Table: models.TableQueue, Event: models.EventInsert, Queue: &row}}, nil
	})
}

func (s *Service) ClaimQueueEntry(ctx context.Context, id, matchedWith, roomID string) (bool, error) {
	claimed := false
	err := s.commit(ctx, "claim queue entry", func(tx *gorm.DB) ([]models.Change, error) {
		// The status predicate is the optimistic concurrency guard: a second
		// claimer re-evaluates it after the first commit and affects no rows.
		res := tx.Model(&models.QueueEntry{}).
			Where("id = ? AND status = ?", id, models.StatusWaiting).
			Updates(map[string]interface{}{
				"status":       models.StatusMatched,
				"matched_with": matchedWith,
				"room_id":      roomID,
				"updated_at":   time.Now(),
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			return nil, nil
		}
		claimed = true

		var entry models.QueueEntry
		if err := tx.First(&entry, "id = ?", id).Error; err != nil {
			return nil, err
		}
		return []models.Change{{Table: models.TableQueue, Event: models.EventUpdate, Queue: &entry}}, nil
	})
	return claimed, err
}

func (s *Service) ReleaseQueueEntry(ctx context.Context, id, matchedWith string) (bool, error) {
	released := false
	err := s.commit(ctx, "release queue entry", func(tx *gorm.DB) ([]models.Change, error) {
		res := tx.Model(&models.QueueEntry{}).
			Where("id = ? AND status = ? AND matched_with = ?", id, models.StatusMatched, matchedWith).
			Updates(map[string]interface{}{
				"status":       models.StatusWaiting,
				"matched_with": nil,
				"room_id":      nil,
				"updated_at":   time.Now(),
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			return nil, nil
		}
		released = true

		var entry models.QueueEntry
		if err := tx.First(&entry, "id = ?", id).Error; err != nil {
			return nil, err
		}
		return []models.Change{{Table: models.TableQueue, Event: models.EventUpdate, Queue: &entry}}, nil
	})
	return released, err
}

func (s *Service) TouchQueueEntry(ctx context.Context, id string) error {
	res := s.DB.WithContext(ctx).Model(&models.QueueEntry{}).
		Where("id = ?", id).
		UpdateColumn("updated_at", time.Now())
	if res.Error != nil {
		return wrap("touch queue entry", res.Error)
	}
	if res.RowsAffected == 0 {
		return wrap("touch queue entry", ErrNotFound)
	}
	return nil
}

func (s *Service) GetQueueEntry(ctx context.Context, id string) (*models.QueueEntry, error) {
	var entry models.QueueEntry
	if err := s.DB.WithContext(ctx).First(&entry, "id = ?", id).Error; err != nil {
		return nil, wrap("get queue entry", err)
	}
	return &entry, nil
}

func (s *Service) DeleteQueueEntry(ctx context.Context, id string) error {
	return s.commit(ctx, "delete queue entry", func(tx *gorm.DB) ([]models.Change, error) {
		var entry models.QueueEntry
		err := tx.First(&entry, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		res := tx.Delete(&models.QueueEntry{}, "id = ?", id)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			return nil, nil
		}
		return []models.Change{{Table: models.TableQueue, Event: models.EventDelete, Queue: &entry}}, nil
	})
}

func (s *Service) ListQueueEntries(ctx context.Context) ([]models.QueueEntry, error) {
	var entries []models.QueueEntry
	if err := s.DB.WithContext(ctx).Order("created_at asc").Find(&entries).Error; err != nil {
		return nil, wrap("list queue entries", err)
	}
	return entries, nil
}

func (s *Service) Reap(ctx context.Context, policy ReapPolicy) (*ReapResult, error) {
	result := &ReapResult{}
	err := s.commit(ctx, "reap", func(tx *gorm.DB) ([]models.Change, error) {
		var stale []models.QueueEntry
		if !policy.WaitingBefore.IsZero() {
			var rows []models.QueueEntry
			if err := tx.Where("status = ? AND updated_at < ?", models.StatusWaiting, policy.WaitingBefore).
				Find(&rows).Error; err != nil {
				return nil, err
			}
			stale = append(stale, rows...)
		}
		if !policy.MatchedBefore.IsZero() {
			var rows []models.QueueEntry
			if err := tx.Where("status = ? AND updated_at < ?", models.StatusMatched, policy.MatchedBefore).
				Find(&rows).Error; err != nil {
				return nil, err
			}
			stale = append(stale, rows...)
		}

		changes := make([]models.Change, 0, len(stale))
		for i := range stale {
			res := tx.Delete(&models.QueueEntry{}, "id = ?", stale[i].ID)
			if res.Error != nil {
				return nil, res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}
			entry := stale[i]
			result.Entries = append(result.Entries, entry)
			changes = append(changes, models.Change{Table: models.TableQueue, Event: models.EventDelete, Queue: &entry})
		}

		if !policy.DataBefore.IsZero() {
			res := tx.Where("created_at < ?", policy.DataBefore).Delete(&models.SignalMessage{})
			if res.Error != nil {
				return nil, res.Error
			}
			result.Signals = res.RowsAffected

			res = tx.Where("created_at < ?", policy.DataBefore).Delete(&models.ChatMessage{})
			if res.Error != nil {
				return nil, res.Error
			}
			result.Messages = res.RowsAffected
		}
		return changes, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) InsertSignal(ctx context.Context, signal *models.SignalMessage) error {
	return s.commit(ctx, "insert signal", func(tx *gorm.DB) ([]models.Change, error) {
		if err := tx.Create(signal).Error; err != nil {
			return nil, err
		}
		row := *signal
		return []models.Change{{Table: models.TableSignals, Event: models.EventInsert, Signal: &row}}, nil
	})
}

func (s *Service) InsertChatMessage(ctx context.Context, msg *models.ChatMessage) error {
	return s.commit(ctx, "insert chat message", func(tx *gorm.DB) ([]models.Change, error) {
		if err := tx.Create(msg).Error; err != nil {
			return nil, err
		}
		row := *msg
		return []models.Change{{Table: models.TableMessages, Event: models.EventInsert, Message: &row}}, nil
	})
}

// ListChatMessages returns the room history ordered by creation time.
func (s *Service) ListChatMessages(ctx context.Context, roomID string) ([]models.ChatMessage, error) {
	history := []models.ChatMessage{}
	if err := s.DB.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("created_at asc").Order("id asc").
		Find(&history).Error; err != nil {
		return nil, wrap("list chat messages", err)
	}
	return history, nil
}

func (s *Service) Subscribe(ctx context.Context, filter Filter) (Subscription, error) {
	sub, err := s.Feed.Subscribe(ctx, filter)
	if err != nil {
		return nil, wrap("subscribe "+filter.Key(), err)
	}
	return sub, nil
}

// Close releases the feed and the database pool.
func (s *Service) Close() error {
	feedErr := s.Feed.Close()
	sqlDB, err := s.DB.DB()
	if err != nil {
		return errors.Join(feedErr, err)
	}
	return errors.Join(feedErr, sqlDB.Close())
}
