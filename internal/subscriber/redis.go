package subscriber

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"relay-service/internal/channel"
)

// RedisSubscriber pattern-subscribes to every key under the configured
// namespace prefix. The key with the prefix stripped is the target channel
// name. It holds its own connection because a subscribed Redis connection
// cannot issue other commands.
type RedisSubscriber struct {
	client     *redis.Client
	pubsub     *redis.PubSub
	dispatcher channel.Dispatcher
	keyPrefix  string
	log        *slog.Logger
}

func NewRedisSubscriber(url, keyPrefix string, dispatcher channel.Dispatcher, log *slog.Logger) (*RedisSubscriber, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisSubscriber{
		client:     client,
		dispatcher: dispatcher,
		keyPrefix:  keyPrefix,
		log:        log,
	}, nil
}

func (s *RedisSubscriber) Subscribe(ctx context.Context) error {
	pattern := s.keyPrefix + "*"
	s.pubsub = s.client.PSubscribe(ctx, pattern)

	// Receive confirms the subscription before we report success.
	if _, err := s.pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %q: %w", pattern, err)
	}

	go func() {
		for msg := range s.pubsub.Channel() {
			name := strings.TrimPrefix(msg.Channel, s.keyPrefix)

			req, err := decodeEnvelope([]byte(msg.Payload), name)
			if err != nil {
				s.log.Debug("Dropping undecodable bus message", "key", msg.Channel, "error", err)
				continue
			}

			s.log.Debug("Bus event received", "channel", name, "event", req.Event)
			s.dispatcher.Dispatch(req)
		}
	}()

	s.log.Info("Listening for redis events", "pattern", pattern)
	return nil
}

func (s *RedisSubscriber) Close() error {
	if s.pubsub != nil {
		s.pubsub.Close()
	}
	return s.client.Close()
}
