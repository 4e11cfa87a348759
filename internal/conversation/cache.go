package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/weiawesome/wes-io-live/messenger-client/internal/config"
	"github.com/weiawesome/wes-io-live/messenger-client/internal/domain"
)

var ErrCacheMiss = errors.New("cache miss")

// ListCache holds one user's conversation list per key.
type ListCache interface {
	Get(ctx context.Context, key string) ([]domain.Conversation, error)
	Set(ctx context.Context, key string, convs []domain.Conversation, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	BuildKey(userID string) string
	Close() error
}

// NewListCache builds the cache named by cfg.Driver ("memory" or "redis").
func NewListCache(ctx context.Context, cfg config.DirectoryConfig) (ListCache, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryListCache(cfg.Prefix), nil
	case "redis":
		return NewRedisListCache(ctx, cfg.Redis, cfg.Prefix)
	default:
		return nil, fmt.Errorf("unknown directory cache driver %q", cfg.Driver)
	}
}

func buildKey(prefix, userID string) string {
	if userID == "" {
		userID = "_"
	}
	return fmt.Sprintf("%s:list:%s", prefix, userID)
}
