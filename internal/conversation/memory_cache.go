package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/weiawesome/wes-io-live/messenger-client/internal/config"
	"github.com/weiawesome/wes-io-live/messenger-client/internal/domain"
)

type memoryEntry struct {
	convs     []domain.Conversation
	expiresAt time.Time
}

// MemoryListCache keeps lists in process memory. Expired entries are
// dropped when read.
type MemoryListCache struct {
	prefix string
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]memoryEntry
}

func NewMemoryListCache(prefix string) *MemoryListCache {
	if prefix == "" {
		prefix = config.DefaultDirectory().Prefix
	}
	return &MemoryListCache{
		prefix:  prefix,
		now:     time.Now,
		entries: make(map[string]memoryEntry),
	}
}

func (c *MemoryListCache) BuildKey(userID string) string {
	return buildKey(c.prefix, userID)
}

func (c *MemoryListCache) Get(_ context.Context, key string) ([]domain.Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		return nil, ErrCacheMiss
	}
	return append([]domain.Conversation(nil), e.convs...), nil
}

func (c *MemoryListCache) Set(_ context.Context, key string, convs []domain.Conversation, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{
		convs:     append([]domain.Conversation(nil), convs...),
		expiresAt: c.now().Add(ttl),
	}
	return nil
}

func (c *MemoryListCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
	return nil
}

func (c *MemoryListCache) Close() error { return nil }
