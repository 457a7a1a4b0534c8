package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/redis/go-redis/v9"
)

// RosterUpdatedTopic receives a notification every time a presence roster key
// is rewritten, when publishing is enabled.
const RosterUpdatedTopic = "PresenceChannelUpdated"

var presenceRosterKey = regexp.MustCompile(`^presence-.*:members$`)

// RedisStorage persists values as JSON strings and doubles as the shared bus
// for cross-process notifications.
type RedisStorage struct {
	client          *redis.Client
	publishPresence bool
	log             *slog.Logger
}

func NewRedisStorage(url string, publishPresence bool, log *slog.Logger) (*RedisStorage, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info("Redis connection established", "addr", opts.Addr, "db", opts.DB)

	return &RedisStorage{
		client:          rdb,
		publishPresence: publishPresence,
		log:             log,
	}, nil
}

func (s *RedisStorage) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(data), dest)
}

func (s *RedisStorage) Set(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return err
	}

	// Other processes can watch roster rewrites without polling the key.
	if s.publishPresence && presenceRosterKey.MatchString(key) {
		update := map[string]interface{}{
			"event": map[string]interface{}{
				"channel": key,
				"members": json.RawMessage(data),
			},
		}
		if err := s.Publish(ctx, RosterUpdatedTopic, update); err != nil {
			s.log.Warn("Failed to publish roster update", "key", key, "error", err)
		}
	}

	return nil
}

func (s *RedisStorage) Publish(ctx context.Context, topic string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := s.client.Publish(ctx, topic, data).Err(); err != nil {
		s.log.Error("Failed to publish message", "topic", topic, "error", err)
		return err
	}

	s.log.Debug("Published message", "topic", topic)
	return nil
}

func (s *RedisStorage) Close() error {
	return s.client.Close()
}
