// Package conversation lists the caller's conversations, most recent first.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/weiawesome/wes-io-live/messenger-client/internal/domain"
)

type API interface {
	ListConversations(ctx context.Context) ([]domain.Conversation, error)
	CreateConversation(ctx context.Context, peerID string) (domain.Conversation, error)
}

// Entry is a conversation seen from the current user.
type Entry struct {
	domain.Conversation
	PeerID string              `json:"peer_id"`
	Peer   *domain.UserSummary `json:"peer,omitempty"`
}

// Directory serves conversation lists through a ListCache keyed by user.
// A cache failure falls back to the server.
type Directory struct {
	api    API
	cache  ListCache
	ttl    time.Duration
	sf     singleflight.Group
	logger zerolog.Logger
}

func NewDirectory(api API, cache ListCache, ttl time.Duration, logger zerolog.Logger) *Directory {
	return &Directory{
		api:    api,
		cache:  cache,
		ttl:    ttl,
		logger: logger.With().Str("component", "directory").Logger(),
	}
}

// Sort orders conversations by creation time descending, ties by id descending.
func Sort(convs []domain.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		if !convs[i].CreatedAt.Equal(convs[j].CreatedAt) {
			return convs[i].CreatedAt.After(convs[j].CreatedAt)
		}
		return convs[i].ID > convs[j].ID
	})
}

// List returns userID's sorted conversations, fetching on a cache miss.
func (d *Directory) List(ctx context.Context, userID string) ([]domain.Conversation, error) {
	convs, err := d.cache.Get(ctx, d.cache.BuildKey(userID))
	if err == nil {
		return convs, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		d.logger.Warn().Err(err).Msg("conversation cache read failed")
	}
	return d.Refresh(ctx, userID)
}

// Refresh always fetches. Concurrent calls for one user share one request.
func (d *Directory) Refresh(ctx context.Context, userID string) ([]domain.Conversation, error) {
	key := d.cache.BuildKey(userID)
	v, err, _ := d.sf.Do(key, func() (interface{}, error) {
		convs, err := d.api.ListConversations(ctx)
		if err != nil {
			return nil, fmt.Errorf("list conversations: %w", err)
		}
		Sort(convs)
		d.store(ctx, key, convs)
		return convs, nil
	})
	if err != nil {
		return nil, err
	}
	return append([]domain.Conversation(nil), v.([]domain.Conversation)...), nil
}

func (d *Directory) store(ctx context.Context, key string, convs []domain.Conversation) {
	if err := d.cache.Set(ctx, key, convs, d.ttl); err != nil {
		d.logger.Warn().Err(err).Msg("conversation cache write failed")
	}
}

// Entries returns List with the peer resolved for userID.
func (d *Directory) Entries(ctx context.Context, userID string) ([]Entry, error) {
	convs, err := d.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, len(convs))
	for i := range convs {
		peerID, peer := convs[i].Peer(userID)
		out[i] = Entry{Conversation: convs[i], PeerID: peerID, Peer: peer}
	}
	return out, nil
}

// Get returns one of userID's conversations by id.
func (d *Directory) Get(ctx context.Context, userID, id string) (domain.Conversation, error) {
	convs, err := d.List(ctx, userID)
	if err != nil {
		return domain.Conversation{}, err
	}
	for _, c := range convs {
		if c.ID == id {
			return c, nil
		}
	}
	return domain.Conversation{}, fmt.Errorf("conversation %s: %w", id, domain.ErrNotFound)
}

// CreateOrGet returns the conversation with peerID, creating it if needed.
// A cached list gains the conversation.
func (d *Directory) CreateOrGet(ctx context.Context, userID, peerID string) (domain.Conversation, error) {
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return domain.Conversation{}, &domain.ValidationError{Field: "peer_id", Reason: "required", Err: domain.ErrInvalidTarget}
	}
	conv, err := d.api.CreateConversation(ctx, peerID)
	if err != nil {
		return domain.Conversation{}, err
	}

	key := d.cache.BuildKey(userID)
	convs, err := d.cache.Get(ctx, key)
	if err != nil {
		return conv, nil
	}
	found := false
	for i := range convs {
		if convs[i].ID == conv.ID {
			convs[i] = conv
			found = true
			break
		}
	}
	if !found {
		convs = append(convs, conv)
		Sort(convs)
	}
	d.store(ctx, key, convs)
	return conv, nil
}

// Invalidate drops userID's cached list.
func (d *Directory) Invalidate(ctx context.Context, userID string) error {
	return d.cache.Delete(ctx, d.cache.BuildKey(userID))
}
