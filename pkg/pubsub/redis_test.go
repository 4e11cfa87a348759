package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unreachable(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisPubSub_ErrorsNameTheChannel(t *testing.T) {
	bus := NewRedisPubSub(unreachable(t))
	defer bus.Close()
	ctx := context.Background()

	err := bus.Publish(ctx, ChannelCredentials, NewEvent(EventCredentialSet, "u1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), ChannelCredentials)

	_, err = bus.Subscribe(ctx, ChannelCredentials)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ChannelCredentials)
}

func TestRedisPubSub_ClosedRejectsSubscribe(t *testing.T) {
	bus := NewRedisPubSub(unreachable(t))
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	_, err := bus.Subscribe(context.Background(), "c")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = bus.SubscribePattern(context.Background(), "c:*")
	assert.ErrorIs(t, err, ErrClosed)
}
