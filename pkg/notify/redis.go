package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethpandaops/runwatch/pkg/config"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisNotifier publishes events as JSON on Redis pub/sub channels.
type RedisNotifier struct {
	log    logrus.FieldLogger
	client redis.UniversalClient
	prefix string
}

// Compile-time interface check.
var _ Notifier = (*RedisNotifier)(nil)

// NewRedisNotifier connects to the configured Redis server.
func NewRedisNotifier(
	log logrus.FieldLogger,
	cfg *config.RedisNotifierConfig,
) *RedisNotifier {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &RedisNotifier{
		log:    log.WithField("component", "redis-notifier"),
		client: client,
		prefix: cfg.ChannelPrefix,
	}
}

// Ping verifies connectivity to Redis.
func (n *RedisNotifier) Ping(ctx context.Context) error {
	if err := n.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("pinging redis: %w", err)
	}

	return nil
}

// Channel returns the Redis channel used for topic.
func (n *RedisNotifier) Channel(topic string) string {
	if n.prefix == "" {
		return topic
	}

	return n.prefix + ":" + topic
}

// Publish implements Notifier.
func (n *RedisNotifier) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	receivers, err := n.client.Publish(ctx, n.Channel(event.Topic), data).Result()
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", n.Channel(event.Topic), err)
	}

	n.log.WithField("topic", event.Topic).
		WithField("receivers", receivers).
		Debug("Event published to redis")

	return nil
}

// Close releases the Redis connection pool.
func (n *RedisNotifier) Close() error {
	return n.client.Close()
}
