package storage

import (
	"context"
	"sync"

	"senvo/backend/internal/models"

	"gorm.io/gorm"
)

// Filter selects the change events a subscriber wants: one table, one event
// kind and one column value (room_id for signals and chat, id or room_id for
// the queue).
type Filter struct {
	Table  string
	Event  models.ChangeEvent
	Column string
	Value  string
}

var tableCodes = map[string]string{
	models.TableQueue:    "q",
	models.TableSignals:  "sig",
	models.TableMessages: "msg",
}

// Key is the channel name for the filter. Table names are shortened so the
// key fits a Postgres identifier (63 bytes) when Value is a UUID.
func (f Filter) Key() string {
	code, ok := tableCodes[f.Table]
	if !ok {
		code = f.Table
	}
	return code + "." + string(f.Event) + "." + f.Column + "." + f.Value
}

// QueueInserts matches the insert of a single queue entry.
func QueueInserts(id string) Filter {
	return Filter{Table: models.TableQueue, Event: models.EventInsert, Column: "id", Value: id}
}

// QueueUpdates matches updates of a single queue entry.
func QueueUpdates(id string) Filter {
	return Filter{Table: models.TableQueue, Event: models.EventUpdate, Column: "id", Value: id}
}

// QueueDeletes matches deletes of queue entries that belong to a room.
func QueueDeletes(roomID string) Filter {
	return Filter{Table: models.TableQueue, Event: models.EventDelete, Column: "room_id", Value: roomID}
}

// SignalInserts matches new signals in a room.
func SignalInserts(roomID string) Filter {
	return Filter{Table: models.TableSignals, Event: models.EventInsert, Column: "room_id", Value: roomID}
}

// MessageInserts matches new chat messages in a room.
func MessageInserts(roomID string) Filter {
	return Filter{Table: models.TableMessages, Event: models.EventInsert, Column: "room_id", Value: roomID}
}

// filtersFor lists every channel a change is published on.
func filtersFor(c models.Change) []Filter {
	switch {
	case c.Queue != nil:
		id := c.Queue.ID
		filters := []Filter{{Table: c.Table, Event: c.Event, Column: "id", Value: id}}
		if room := c.Queue.Room(); room != "" {
			filters = append(filters, Filter{Table: c.Table, Event: c.Event, Column: "room_id", Value: room})
		}
		return filters
	case c.Signal != nil:
		return []Filter{{Table: c.Table, Event: c.Event, Column: "room_id", Value: c.Signal.RoomID}}
	case c.Message != nil:
		return []Filter{{Table: c.Table, Event: c.Event, Column: "room_id", Value: c.Message.RoomID}}
	}
	return nil
}

// Subscription delivers matching changes in publish order until closed. The
// channel is closed after Close or when the feed shuts down.
type Subscription interface {
	Changes() <-chan models.Change
	Close() error
}

// Feed fans row changes out to subscribers, across processes for the Redis
// and Postgres implementations.
type Feed interface {
	Publish(ctx context.Context, filter Filter, change models.Change) error
	// Subscribe returns once the subscription is active, so a write made
	// after it returns is always delivered.
	Subscribe(ctx context.Context, filter Filter) (Subscription, error)
	Close() error
}

// TxPublisher is implemented by feeds that can emit a notification as part of
// the write transaction.
type TxPublisher interface {
	PublishTx(tx *gorm.DB, filter Filter, change models.Change) error
}

// queuedSubscription buffers without bound so publishers never block on a slow
// subscriber, and hands changes to Changes() in order.
type queuedSubscription struct {
	out  chan models.Change
	wake chan struct{}
	done chan struct{}

	mu    sync.Mutex
	queue []models.Change

	once    sync.Once
	release func()
}

func newQueuedSubscription(release func()) *queuedSubscription {
	s := &queuedSubscription{
		out:     make(chan models.Change),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		release: release,
	}
	go s.run()
	return s
}

func (s *queuedSubscription) push(c models.Change) {
	s.mu.Lock()
	s.queue = append(s.queue, c)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *queuedSubscription) run() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- next:
		case <-s.done:
			return
		}
	}
}

func (s *queuedSubscription) Changes() <-chan models.Change { return s.out }

func (s *queuedSubscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		if s.release != nil {
			s.release()
		}
	})
	return nil
}

// shutdown stops delivery without calling release; used when the feed itself
// closes and already holds its lock.
func (s *queuedSubscription) shutdown() {
	s.once.Do(func() { close(s.done) })
}
