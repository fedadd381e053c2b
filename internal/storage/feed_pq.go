package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"senvo/backend/internal/models"

	"github.com/lib/pq"
	"gorm.io/gorm"
)

// PQFeed delivers changes with Postgres LISTEN/NOTIFY. Notifications are sent
// inside the write transaction, so listeners see them in commit order and only
// for committed rows.
//
// A NOTIFY payload is capped at 8000 bytes, so inserts and updates carry only
// the row id and are loaded back on receipt. Deletes carry the old row since
// it can no longer be loaded.
type PQFeed struct {
	listener *pq.Listener
	db       *gorm.DB
	logger   *slog.Logger

	// listenMu serializes LISTEN/UNLISTEN; mu only guards subs so dispatch
	// never waits on a round trip to the server.
	listenMu sync.Mutex
	mu       sync.Mutex
	subs     map[string]map[*queuedSubscription]struct{}
	done     chan struct{}
	once     sync.Once
}

type pqNotification struct {
	Table  string             `json:"table"`
	Event  models.ChangeEvent `json:"event"`
	ID     string             `json:"id"`
	Record json.RawMessage    `json:"record,omitempty"`
}

var _ TxPublisher = (*PQFeed)(nil)

func NewPQFeed(dsn string, db *gorm.DB, logger *slog.Logger) *PQFeed {
	f := &PQFeed{
		db:     db,
		logger: logger,
		subs:   make(map[string]map[*queuedSubscription]struct{}),
		done:   make(chan struct{}),
	}
	f.listener = pq.NewListener(dsn, 2*time.Second, time.Minute, f.onListenerEvent)
	go f.dispatch()
	return f
}

func (f *PQFeed) onListenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnectionAttemptFailed:
		f.logger.Warn("postgres listener connect failed", "error", err)
	case pq.ListenerEventDisconnected:
		f.logger.Warn("postgres listener disconnected", "error", err)
	case pq.ListenerEventReconnected:
		f.logger.Info("postgres listener reconnected")
	}
}

func encodeNotification(change models.Change) (string, error) {
	n := pqNotification{Table: change.Table, Event: change.Event}
	switch {
	case change.Queue != nil:
		n.ID = change.Queue.ID
	case change.Signal != nil:
		n.ID = change.Signal.ID
	case change.Message != nil:
		n.ID = change.Message.ID
	default:
		return "", fmt.Errorf("change without record")
	}
	if change.Event == models.EventDelete {
		record, err := json.Marshal(change)
		if err != nil {
			return "", err
		}
		n.Record = record
	}
	payload, err := json.Marshal(n)
	return string(payload), err
}

func (f *PQFeed) PublishTx(tx *gorm.DB, filter Filter, change models.Change) error {
	payload, err := encodeNotification(change)
	if err != nil {
		return err
	}
	return tx.Exec("SELECT pg_notify(?, ?)", filter.Key(), payload).Error
}

func (f *PQFeed) Publish(ctx context.Context, filter Filter, change models.Change) error {
	return f.PublishTx(f.db.WithContext(ctx), filter, change)
}

func (f *PQFeed) Subscribe(ctx context.Context, filter Filter) (Subscription, error) {
	channel := filter.Key()

	f.listenMu.Lock()
	defer f.listenMu.Unlock()

	select {
	case <-f.done:
		return nil, fmt.Errorf("feed closed")
	default:
	}

	f.mu.Lock()
	_, listening := f.subs[channel]
	f.mu.Unlock()

	if !listening {
		// Listen returns once the server acknowledged LISTEN.
		if err := f.listener.Listen(channel); err != nil && err != pq.ErrChannelAlreadyOpen {
			return nil, err
		}
	}

	var sub *queuedSubscription
	sub = newQueuedSubscription(func() { f.release(channel, sub) })

	f.mu.Lock()
	set, ok := f.subs[channel]
	if !ok {
		set = make(map[*queuedSubscription]struct{})
		f.subs[channel] = set
	}
	set[sub] = struct{}{}
	f.mu.Unlock()
	return sub, nil
}

func (f *PQFeed) release(channel string, sub *queuedSubscription) {
	f.listenMu.Lock()
	defer f.listenMu.Unlock()

	f.mu.Lock()
	set := f.subs[channel]
	delete(set, sub)
	empty := len(set) == 0
	if empty {
		delete(f.subs, channel)
	}
	f.mu.Unlock()

	if !empty {
		return
	}
	if err := f.listener.Unlisten(channel); err != nil && err != pq.ErrChannelNotOpen {
		f.logger.Warn("unlisten failed", "channel", channel, "error", err)
	}
}

func (f *PQFeed) dispatch() {
	for {
		select {
		case <-f.done:
			return
		case n := <-f.listener.Notify:
			// nil marks a reconnect; notifications sent while disconnected are lost.
			if n == nil {
				continue
			}
			change, err := f.decode(n.Extra)
			if err != nil {
				f.logger.Warn("dropping notification", "channel", n.Channel, "error", err)
				continue
			}
			if change == nil {
				continue
			}

			f.mu.Lock()
			for sub := range f.subs[n.Channel] {
				sub.push(*change)
			}
			f.mu.Unlock()
		}
	}
}

func (f *PQFeed) decode(extra string) (*models.Change, error) {
	var n pqNotification
	if err := json.Unmarshal([]byte(extra), &n); err != nil {
		return nil, err
	}
	if len(n.Record) > 0 {
		var change models.Change
		if err := json.Unmarshal(n.Record, &change); err != nil {
			return nil, err
		}
		return &change, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	change := &models.Change{Table: n.Table, Event: n.Event}
	var err error
	switch n.Table {
	case models.TableQueue:
		change.Queue = &models.QueueEntry{}
		err = f.db.WithContext(ctx).First(change.Queue, "id = ?", n.ID).Error
	case models.TableSignals:
		change.Signal = &models.SignalMessage{}
		err = f.db.WithContext(ctx).First(change.Signal, "id = ?", n.ID).Error
	case models.TableMessages:
		change.Message = &models.ChatMessage{}
		err = f.db.WithContext(ctx).First(change.Message, "id = ?", n.ID).Error
	default:
		return nil, fmt.Errorf("unknown table %q", n.Table)
	}
	if err == gorm.ErrRecordNotFound {
		// Deleted before we could load it; the delete notification follows.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return change, nil
}

func (f *PQFeed) Close() error {
	var err error
	f.once.Do(func() {
		close(f.done)

		f.mu.Lock()
		for _, set := range f.subs {
			for sub := range set {
				sub.shutdown()
			}
		}
		f.subs = make(map[string]map[*queuedSubscription]struct{})
		f.mu.Unlock()

		err = f.listener.Close()
	})
	return err
}
