// Package credentials holds the process-wide session token. Components
// read it; only login and logout paths write it.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/weiawesome/wes-io-live/messenger-client/internal/config"
	"github.com/weiawesome/wes-io-live/messenger-client/pkg/jwt"
	"github.com/weiawesome/wes-io-live/messenger-client/pkg/pubsub"
)

// Change describes the credential after a Set or Clear. Token is empty
// after logout.
type Change struct {
	Token   string
	Subject string
}

// Source is the read side used by the API client and views.
type Source interface {
	Token(ctx context.Context) (string, error)
	Watch(fn func(Change)) (cancel func())
}

// backend persists the token.
type backend interface {
	get(ctx context.Context) (string, error)
	put(ctx context.Context, token string) error
	del(ctx context.Context) error
}

type memoryBackend struct {
	mu    sync.RWMutex
	token string
}

func (b *memoryBackend) get(context.Context) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.token, nil
}

func (b *memoryBackend) put(_ context.Context, token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.token = token
	return nil
}

func (b *memoryBackend) del(context.Context) error {
	return b.put(context.Background(), "")
}

type redisBackend struct {
	client *redis.Client
	key    string
}

func (b *redisBackend) get(ctx context.Context) (string, error) {
	tok, err := b.client.Get(ctx, b.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return tok, err
}

func (b *redisBackend) put(ctx context.Context, token string) error {
	return b.client.Set(ctx, b.key, token, 0).Err()
}

func (b *redisBackend) del(ctx context.Context) error {
	return b.client.Del(ctx, b.key).Err()
}

// Store is the credential store. Changes are announced on a pub/sub
// channel so every process sharing the backend sees them.
type Store struct {
	backend backend
	bus     pubsub.PubSub
	channel string
	logger  zerolog.Logger
	closers []func() error

	mu       sync.Mutex
	watchers map[uint64]func(Change)
	nextID   uint64
	cancel   context.CancelFunc
}

func newStore(b backend, bus pubsub.PubSub, channel string, logger zerolog.Logger) *Store {
	return &Store{
		backend:  b,
		bus:      bus,
		channel:  channel,
		logger:   logger.With().Str("component", "credentials").Logger(),
		watchers: make(map[uint64]func(Change)),
	}
}

// NewMemory returns a process-local store seeded with token.
func NewMemory(token string, logger zerolog.Logger) *Store {
	bus := pubsub.NewMemoryPubSub()
	s := newStore(&memoryBackend{token: token}, bus, pubsub.ChannelCredentials, logger)
	s.closers = append(s.closers, bus.Close)
	return s
}

// NewRedis keeps the token under cfg.Redis.Key and announces changes on
// cfg.Redis.Channel. A non-empty cfg.Token seeds the key.
func NewRedis(ctx context.Context, cfg config.CredentialsConfig, logger zerolog.Logger) (*Store, error) {
	client := pubsub.NewRedisClient(pubsub.RedisConfig{
		Address:  cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	channel := cfg.Redis.Channel
	if channel == "" {
		channel = pubsub.ChannelCredentials
	}
	bus := pubsub.NewRedisPubSub(client)
	s := newStore(&redisBackend{client: client, key: cfg.Redis.Key}, bus, channel, logger)
	s.closers = append(s.closers, bus.Close, client.Close)
	if cfg.Token != "" {
		if err := s.backend.put(ctx, cfg.Token); err != nil {
			s.Close()
			return nil, fmt.Errorf("seed token: %w", err)
		}
	}
	return s, nil
}

// New builds the store named by cfg.Driver.
func New(ctx context.Context, cfg config.CredentialsConfig, logger zerolog.Logger) (*Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(cfg.Token, logger), nil
	case "redis":
		return NewRedis(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown credentials driver %q", cfg.Driver)
	}
}

// Start listens for change announcements until ctx ends or Close.
func (s *Store) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	events, err := s.bus.Subscribe(ctx, s.channel)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe credentials: %w", err)
	}
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	go s.listen(ctx, events)
	return nil
}

func (s *Store) listen(ctx context.Context, events <-chan *pubsub.Event) {
	for ev := range events {
		switch ev.Type {
		case pubsub.EventCredentialSet, pubsub.EventCredentialCleared:
		default:
			continue
		}
		tok, err := s.backend.get(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("read token after change")
			continue
		}
		s.dispatch(Change{Token: tok, Subject: subject(tok)})
	}
}

func (s *Store) dispatch(c Change) {
	s.mu.Lock()
	fns := make([]func(Change), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error().Interface("panic", r).Msg("credential watcher panicked")
				}
			}()
			fn(c)
		}()
	}
}

// Token returns the current token, empty when logged out.
func (s *Store) Token(ctx context.Context) (string, error) {
	return s.backend.get(ctx)
}

// Subject returns the user id of the current token, or "" when unknown.
func (s *Store) Subject(ctx context.Context) string {
	tok, err := s.backend.get(ctx)
	if err != nil {
		return ""
	}
	return subject(tok)
}

func subject(token string) string {
	if token == "" {
		return ""
	}
	sub, err := jwt.Subject(token)
	if err != nil {
		return ""
	}
	return sub
}

// Set stores token and announces the change.
func (s *Store) Set(ctx context.Context, token string) error {
	if token == "" {
		return s.Clear(ctx)
	}
	if err := s.backend.put(ctx, token); err != nil {
		return fmt.Errorf("store token: %w", err)
	}
	return s.announce(ctx, pubsub.EventCredentialSet, subject(token))
}

// Clear logs out and announces the change.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.backend.del(ctx); err != nil {
		return fmt.Errorf("clear token: %w", err)
	}
	return s.announce(ctx, pubsub.EventCredentialCleared, "")
}

func (s *Store) announce(ctx context.Context, eventType, sub string) error {
	if err := s.bus.Publish(ctx, s.channel, pubsub.NewEvent(eventType, sub)); err != nil {
		return fmt.Errorf("announce credential change: %w", err)
	}
	return nil
}

// Watch registers fn for every change. fn runs on the listener goroutine.
func (s *Store) Watch(fn func(Change)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.watchers, id)
	}
}

func (s *Store) Close() error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	var errs []error
	for _, c := range s.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
