package storage

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"senvo/backend/internal/models"

	"github.com/redis/go-redis/v9"
)

const redisChannelPrefix = "senvo:"

// RedisFeed publishes row changes over Redis Pub/Sub. Every server instance
// connected to the same Redis sees every change.
type RedisFeed struct {
	Redis  *redis.Client
	logger *slog.Logger
}

func NewRedisFeed(rdb *redis.Client, logger *slog.Logger) *RedisFeed {
	return &RedisFeed{Redis: rdb, logger: logger}
}

func (f *RedisFeed) Publish(ctx context.Context, filter Filter, change models.Change) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return err
	}
	return f.Redis.Publish(ctx, redisChannelPrefix+filter.Key(), payload).Err()
}

func (f *RedisFeed) Subscribe(ctx context.Context, filter Filter) (Subscription, error) {
	pubsub := f.Redis.Subscribe(ctx, redisChannelPrefix+filter.Key())

	// Wait for the subscribe confirmation, otherwise a publish made right
	// after we return could be missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		out:    make(chan models.Change, 64),
		done:   make(chan struct{}),
		logger: f.logger,
	}
	go sub.listen()
	return sub, nil
}

// Close is a no-op: the client is owned by the caller.
func (f *RedisFeed) Close() error { return nil }

type redisSubscription struct {
	pubsub *redis.PubSub
	out    chan models.Change
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func (s *redisSubscription) listen() {
	defer close(s.out)
	for msg := range s.pubsub.Channel() {
		var change models.Change
		if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
			s.logger.Warn("dropping malformed change", "channel", msg.Channel, "error", err)
			continue
		}
		select {
		case s.out <- change:
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Changes() <-chan models.Change { return s.out }

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}
