package storage

import (
	"context"
	"fmt"
	"log/slog"

	"senvo/backend/internal/config"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Open builds the Store selected by cfg.Feed and migrates its tables. The
// returned func releases the database and feed connections.
//
// The memory backend keeps everything in process and is only meant for
// local development; separate processes do not see each other's rows.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Store, func() error, error) {
	if cfg.Feed == config.FeedMemory {
		m := NewMemoryStore()
		logger.Warn("using in-memory store; state is lost on exit")
		return m, m.Feed.Close, nil
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}

	var feed Feed
	switch cfg.Feed {
	case config.FeedRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		feed = &closingRedisFeed{RedisFeed: NewRedisFeed(rdb, logger), client: rdb}
	case config.FeedPostgres:
		feed = NewPQFeed(cfg.DatabaseURL, db, logger)
	default:
		return nil, nil, fmt.Errorf("unknown feed backend %q", cfg.Feed)
	}

	svc := NewStorageService(db, feed, logger)
	if err := svc.Migrate(); err != nil {
		svc.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Info("store ready", "feed", cfg.Feed)
	return svc, svc.Close, nil
}

// closingRedisFeed also closes the client Open created.
type closingRedisFeed struct {
	*RedisFeed
	client *redis.Client
}

func (f *closingRedisFeed) Close() error {
	return f.client.Close()
}
