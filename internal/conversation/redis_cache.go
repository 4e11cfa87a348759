package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/weiawesome/wes-io-live/messenger-client/internal/config"
	"github.com/weiawesome/wes-io-live/messenger-client/internal/domain"
	"github.com/weiawesome/wes-io-live/messenger-client/pkg/pubsub"
)

// RedisListCache shares conversation lists between client processes.
type RedisListCache struct {
	client *redis.Client
	prefix string
}

func NewRedisListCache(ctx context.Context, cfg config.RedisConfig, prefix string) (*RedisListCache, error) {
	client := pubsub.NewRedisClient(pubsub.RedisConfig{
		Address:  cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return newRedisListCache(client, prefix), nil
}

func newRedisListCache(client *redis.Client, prefix string) *RedisListCache {
	if prefix == "" {
		prefix = config.DefaultDirectory().Prefix
	}
	return &RedisListCache{client: client, prefix: prefix}
}

func (c *RedisListCache) BuildKey(userID string) string {
	return buildKey(c.prefix, userID)
}

func (c *RedisListCache) Get(ctx context.Context, key string) ([]domain.Conversation, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to get from redis: %w", err)
	}

	var convs []domain.Conversation
	if err := json.Unmarshal(data, &convs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cache data: %w", err)
	}
	return convs, nil
}

func (c *RedisListCache) Set(ctx context.Context, key string, convs []domain.Conversation, ttl time.Duration) error {
	data, err := json.Marshal(convs)
	if err != nil {
		return fmt.Errorf("failed to marshal cache data: %w", err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set in redis: %w", err)
	}
	return nil
}

func (c *RedisListCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete from redis: %w", err)
	}
	return nil
}

func (c *RedisListCache) Close() error {
	return c.client.Close()
}
