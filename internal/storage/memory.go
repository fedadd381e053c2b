package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"senvo/backend/internal/models"

	"github.com/google/uuid"
)

// MemoryFeed is an in-process Feed. It is used by MemoryStore and by tests.
type MemoryFeed struct {
	mu     sync.Mutex
	subs   map[string]map[*queuedSubscription]struct{}
	closed bool
}

func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{subs: make(map[string]map[*queuedSubscription]struct{})}
}

func (f *MemoryFeed) Publish(_ context.Context, filter Filter, change models.Change) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub := range f.subs[filter.Key()] {
		sub.push(change)
	}
	return nil
}

func (f *MemoryFeed) Subscribe(_ context.Context, filter Filter) (Subscription, error) {
	key := filter.Key()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, fmt.Errorf("feed closed")
	}

	var sub *queuedSubscription
	sub = newQueuedSubscription(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if set := f.subs[key]; set != nil {
			delete(set, sub)
			if len(set) == 0 {
				delete(f.subs, key)
			}
		}
	})
	if f.subs[key] == nil {
		f.subs[key] = make(map[*queuedSubscription]struct{})
	}
	f.subs[key][sub] = struct{}{}
	return sub, nil
}

// Subscribers reports how many subscriptions are open for filter.
func (f *MemoryFeed) Subscribers(filter Filter) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[filter.Key()])
}

func (f *MemoryFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	for _, set := range f.subs {
		for sub := range set {
			sub.shutdown()
		}
	}
	f.subs = make(map[string]map[*queuedSubscription]struct{})
	return nil
}

// MemoryStore is a single-process Store. All writes are serialized by one
// mutex, and changes are published before the mutex is released, so
// subscribers observe them in commit order.
type MemoryStore struct {
	Feed *MemoryFeed
	// Now is the clock used for timestamps; tests replace it.
	Now func() time.Time

	mu       sync.Mutex
	queue    map[string]*memoryEntry
	signals  []models.SignalMessage
	messages []models.ChatMessage
}

type memoryEntry struct {
	entry models.QueueEntry
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Feed:  NewMemoryFeed(),
		Now:   time.Now,
		queue: make(map[string]*memoryEntry),
	}
}

func (m *MemoryStore) publishLocked(change models.Change) {
	for _, filter := range filtersFor(change) {
		_ = m.Feed.Publish(context.Background(), filter, change)
	}
}

// sortedLocked returns queue rows ordered by creation time, ties broken by
// id like the SQL query.
func (m *MemoryStore) sortedLocked() []*memoryEntry {
	rows := make([]*memoryEntry, 0, len(m.queue))
	for _, row := range m.queue {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if !a.entry.CreatedAt.Equal(b.entry.CreatedAt) {
			return a.entry.CreatedAt.Before(b.entry.CreatedAt)
		}
		return a.entry.ID < b.entry.ID
	})
	return rows
}

func (m *MemoryStore) FindOldestWaiting(ctx context.Context, mode models.Mode, excludeUserID string, freshAfter time.Time) (*models.QueueEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap("find waiting entry", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, row := range m.sortedLocked() {
		e := row.entry
		if e.Mode != mode || e.Status != models.StatusWaiting || e.UserID == excludeUserID {
			continue
		}
		if !freshAfter.IsZero() && e.UpdatedAt.Before(freshAfter) {
			continue
		}
		return &e, nil
	}
	return nil, nil
}

func (m *MemoryStore) InsertQueueEntry(ctx context.Context, entry *models.QueueEntry) error {
	if err := ctx.Err(); err != nil {
		return wrap("insert queue entry", err)
	}
	if err := entry.Validate(); err != nil {
		return wrap("insert queue entry", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if _, exists := m.queue[entry.ID]; exists {
		return wrap("insert queue entry", fmt.Errorf("duplicate id %s", entry.ID))
	}
	now := m.Now()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now

	m.queue[entry.ID] = &memoryEntry{entry: *entry}

	row := *entry
	m.publishLocked(models.Change{Table: models.TableQueue, Event: models.EventInsert, Queue: &row})
	return nil
}

func (m *MemoryStore) ClaimQueueEntry(ctx context.Context, id, matchedWith, roomID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, wrap("claim queue entry", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.queue[id]
	if !ok || row.entry.Status != models.StatusWaiting {
		return false, nil
	}
	row.entry.Status = models.StatusMatched
	row.entry.MatchedWith = models.Ptr(matchedWith)
	row.entry.RoomID = models.Ptr(roomID)
	row.entry.UpdatedAt = m.Now()

	updated := row.entry
	m.publishLocked(models.Change{Table: models.TableQueue, Event: models.EventUpdate, Queue: &updated})
	return true, nil
}

func (m *MemoryStore) ReleaseQueueEntry(ctx context.Context, id, matchedWith string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, wrap("release queue entry", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.queue[id]
	if !ok || row.entry.Status != models.StatusMatched || row.entry.Partner() != matchedWith {
		return false, nil
	}
	row.entry.Status = models.StatusWaiting
	row.entry.MatchedWith = nil
	row.entry.RoomID = nil
	row.entry.UpdatedAt = m.Now()

	updated := row.entry
	m.publishLocked(models.Change{Table: models.TableQueue, Event: models.EventUpdate, Queue: &updated})
	return true, nil
}

func (m *MemoryStore) TouchQueueEntry(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return wrap("touch queue entry", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.queue[id]
	if !ok {
		return wrap("touch queue entry", ErrNotFound)
	}
	row.entry.UpdatedAt = m.Now()
	return nil
}

func (m *MemoryStore) GetQueueEntry(ctx context.Context, id string) (*models.QueueEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap("get queue entry", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.queue[id]
	if !ok {
		return nil, wrap("get queue entry", ErrNotFound)
	}
	e := row.entry
	return &e, nil
}

func (m *MemoryStore) DeleteQueueEntry(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return wrap("delete queue entry", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteLocked(id)
	return nil
}

func (m *MemoryStore) deleteLocked(id string) (models.QueueEntry, bool) {
	row, ok := m.queue[id]
	if !ok {
		return models.QueueEntry{}, false
	}
	delete(m.queue, id)
	old := row.entry
	m.publishLocked(models.Change{Table: models.TableQueue, Event: models.EventDelete, Queue: &old})
	return old, true
}

func (m *MemoryStore) ListQueueEntries(ctx context.Context) ([]models.QueueEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap("list queue entries", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.sortedLocked()
	entries := make([]models.QueueEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, row.entry)
	}
	return entries, nil
}

func (m *MemoryStore) Reap(ctx context.Context, policy ReapPolicy) (*ReapResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap("reap", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	result := &ReapResult{}
	for _, row := range m.sortedLocked() {
		e := row.entry
		stale := false
		switch e.Status {
		case models.StatusWaiting:
			stale = !policy.WaitingBefore.IsZero() && e.UpdatedAt.Before(policy.WaitingBefore)
		case models.StatusMatched:
			stale = !policy.MatchedBefore.IsZero() && e.UpdatedAt.Before(policy.MatchedBefore)
		}
		if !stale {
			continue
		}
		if old, ok := m.deleteLocked(e.ID); ok {
			result.Entries = append(result.Entries, old)
		}
	}

	if !policy.DataBefore.IsZero() {
		keptSignals := m.signals[:0]
		for _, s := range m.signals {
			if s.CreatedAt.Before(policy.DataBefore) {
				result.Signals++
				continue
			}
			keptSignals = append(keptSignals, s)
		}
		m.signals = keptSignals

		keptMessages := m.messages[:0]
		for _, msg := range m.messages {
			if msg.CreatedAt.Before(policy.DataBefore) {
				result.Messages++
				continue
			}
			keptMessages = append(keptMessages, msg)
		}
		m.messages = keptMessages
	}
	return result, nil
}

func (m *MemoryStore) InsertSignal(ctx context.Context, signal *models.SignalMessage) error {
	if err := ctx.Err(); err != nil {
		return wrap("insert signal", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if signal.ID == "" {
		signal.ID = uuid.New().String()
	}
	if signal.CreatedAt.IsZero() {
		signal.CreatedAt = m.Now()
	}
	m.signals = append(m.signals, *signal)

	row := *signal
	m.publishLocked(models.Change{Table: models.TableSignals, Event: models.EventInsert, Signal: &row})
	return nil
}

// Signals returns a copy of every stored signal for roomID.
func (m *MemoryStore) Signals(roomID string) []models.SignalMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.SignalMessage
	for _, s := range m.signals {
		if s.RoomID == roomID {
			out = append(out, s)
		}
	}
	return out
}

func (m *MemoryStore) InsertChatMessage(ctx context.Context, msg *models.ChatMessage) error {
	if err := ctx.Err(); err != nil {
		return wrap("insert chat message", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = m.Now()
	}
	m.messages = append(m.messages, *msg)

	row := *msg
	m.publishLocked(models.Change{Table: models.TableMessages, Event: models.EventInsert, Message: &row})
	return nil
}

func (m *MemoryStore) ListChatMessages(ctx context.Context, roomID string) ([]models.ChatMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap("list chat messages", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	history := []models.ChatMessage{}
	for _, msg := range m.messages {
		if msg.RoomID == roomID {
			history = append(history, msg)
		}
	}
	// Stable keeps insertion order for equal timestamps.
	sort.SliceStable(history, func(i, j int) bool {
		return history[i].CreatedAt.Before(history[j].CreatedAt)
	})
	return history, nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, filter Filter) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap("subscribe "+filter.Key(), err)
	}
	sub, err := m.Feed.Subscribe(ctx, filter)
	if err != nil {
		return nil, wrap("subscribe "+filter.Key(), err)
	}
	return sub, nil
}
