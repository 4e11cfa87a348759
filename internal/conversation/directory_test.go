package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-live/messenger-client/internal/domain"
	"github.com/weiawesome/wes-io-live/messenger-client/pkg/log"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type fakeAPI struct {
	convs []domain.Conversation
	err   error
	lists atomic.Int32
}

func (f *fakeAPI) ListConversations(context.Context) ([]domain.Conversation, error) {
	f.lists.Add(1)
	return append([]domain.Conversation(nil), f.convs...), f.err
}

func (f *fakeAPI) CreateConversation(_ context.Context, peerID string) (domain.Conversation, error) {
	return domain.Conversation{ID: "c-" + peerID, UserAID: "me", UserBID: peerID, CreatedAt: t0.Add(time.Hour)}, nil
}

func conv(id string, sec int) domain.Conversation {
	return domain.Conversation{
		ID: id, UserAID: "me", UserBID: "peer-" + id,
		UserB:     &domain.UserSummary{ID: "peer-" + id, Username: "user-" + id},
		CreatedAt: t0.Add(time.Duration(sec) * time.Second),
	}
}

func ids(convs []domain.Conversation) []string {
	out := make([]string, len(convs))
	for i, c := range convs {
		out[i] = c.ID
	}
	return out
}

func newDirectory(f *fakeAPI) (*Directory, *MemoryListCache) {
	cache := NewMemoryListCache("test")
	return NewDirectory(f, cache, time.Minute, log.Nop()), cache
}

// brokenCache fails every call.
type brokenCache struct{}

func (brokenCache) Get(context.Context, string) ([]domain.Conversation, error) {
	return nil, errors.New("redis down")
}
func (brokenCache) Set(context.Context, string, []domain.Conversation, time.Duration) error {
	return errors.New("redis down")
}
func (brokenCache) Delete(context.Context, ...string) error { return errors.New("redis down") }
func (brokenCache) BuildKey(userID string) string           { return userID }
func (brokenCache) Close() error                            { return nil }

func TestList_SortedAndCached(t *testing.T) {
	f := &fakeAPI{convs: []domain.Conversation{conv("a", 1), conv("c", 3), conv("b", 3)}}
	d, cache := newDirectory(f)
	clock := t0
	cache.now = func() time.Time { return clock }
	ctx := context.Background()

	got, err := d.List(ctx, "me")
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, ids(got))

	_, err = d.List(ctx, "me")
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.lists.Load())

	_, err = d.List(ctx, "someone-else")
	require.NoError(t, err)
	assert.EqualValues(t, 2, f.lists.Load())

	clock = t0.Add(2 * time.Minute)
	_, err = d.List(ctx, "me")
	require.NoError(t, err)
	assert.EqualValues(t, 3, f.lists.Load())
}

func TestList_CacheFailureFallsBack(t *testing.T) {
	f := &fakeAPI{convs: []domain.Conversation{conv("a", 1)}}
	d := NewDirectory(f, brokenCache{}, time.Minute, log.Nop())

	got, err := d.List(context.Background(), "me")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(got))

	_, err = d.CreateOrGet(context.Background(), "me", "u9")
	assert.NoError(t, err)
}

func TestInvalidate(t *testing.T) {
	f := &fakeAPI{convs: []domain.Conversation{conv("a", 1)}}
	d, _ := newDirectory(f)
	ctx := context.Background()

	_, err := d.List(ctx, "me")
	require.NoError(t, err)
	require.NoError(t, d.Invalidate(ctx, "me"))
	_, err = d.List(ctx, "me")
	require.NoError(t, err)
	assert.EqualValues(t, 2, f.lists.Load())
}

func TestEntries_Peer(t *testing.T) {
	d, _ := newDirectory(&fakeAPI{convs: []domain.Conversation{conv("a", 1)}})
	entries, err := d.Entries(context.Background(), "me")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "peer-a", entries[0].PeerID)
	assert.Equal(t, "user-a", entries[0].Peer.Username)
}

func TestCreateOrGet(t *testing.T) {
	f := &fakeAPI{convs: []domain.Conversation{conv("a", 1)}}
	d, _ := newDirectory(f)
	ctx := context.Background()
	_, err := d.List(ctx, "me")
	require.NoError(t, err)

	c, err := d.CreateOrGet(ctx, "me", " u9 ")
	require.NoError(t, err)
	assert.Equal(t, "c-u9", c.ID)

	got, err := d.List(ctx, "me")
	require.NoError(t, err)
	assert.Equal(t, []string{"c-u9", "a"}, ids(got))
	assert.EqualValues(t, 1, f.lists.Load())

	_, err = d.CreateOrGet(ctx, "me", "  ")
	assert.ErrorIs(t, err, domain.ErrInvalidTarget)
}

func TestGet(t *testing.T) {
	d, _ := newDirectory(&fakeAPI{convs: []domain.Conversation{conv("a", 1)}})
	c, err := d.Get(context.Background(), "me", "a")
	require.NoError(t, err)
	assert.Equal(t, "a", c.ID)

	_, err = d.Get(context.Background(), "me", "zzz")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestList_Error(t *testing.T) {
	d, _ := newDirectory(&fakeAPI{err: &domain.APIError{StatusCode: 401}})
	_, err := d.List(context.Background(), "me")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	var apiErr *domain.APIError
	assert.True(t, errors.As(err, &apiErr))
}

func TestMemoryListCache(t *testing.T) {
	c := NewMemoryListCache("")
	clock := t0
	c.now = func() time.Time { return clock }
	ctx := context.Background()
	key := c.BuildKey("me")
	assert.Equal(t, "messenger:conversations:list:me", key)
	assert.Equal(t, "messenger:conversations:list:_", c.BuildKey(""))

	_, err := c.Get(ctx, key)
	assert.ErrorIs(t, err, ErrCacheMiss)

	in := []domain.Conversation{conv("a", 1)}
	require.NoError(t, c.Set(ctx, key, in, time.Second))
	in[0].ID = "mutated"
	got, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(got))

	clock = t0.Add(time.Second)
	_, err = c.Get(ctx, key)
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, c.Set(ctx, key, in, time.Minute))
	require.NoError(t, c.Delete(ctx, key))
	_, err = c.Get(ctx, key)
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestRedisListCache_KeysAndEncoding(t *testing.T) {
	c := newRedisListCache(nil, "p")
	assert.Equal(t, "p:list:me", c.BuildKey("me"))
	require.NoError(t, c.Delete(context.Background()))

	// The cached form must read back through Conversation's wire decoder.
	data, err := json.Marshal([]domain.Conversation{conv("a", 1)})
	require.NoError(t, err)
	var back []domain.Conversation
	require.NoError(t, json.Unmarshal(data, &back), string(data))
	assert.Equal(t, []string{"a"}, ids(back))
	assert.True(t, back[0].CreatedAt.Equal(t0.Add(time.Second)))
	assert.Equal(t, "user-a", back[0].UserB.Username)
}
