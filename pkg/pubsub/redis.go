package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

const redisBuffer = 100

// RedisPubSub carries events between processes that share one Redis.
// The client is owned by the caller; Close ends subscriptions only.
type RedisPubSub struct {
	client *redis.Client

	mu     sync.Mutex
	subs   map[string][]*redis.PubSub
	closed bool
}

func NewRedisPubSub(client *redis.Client) *RedisPubSub {
	return &RedisPubSub{
		client: client,
		subs:   make(map[string][]*redis.PubSub),
	}
}

func (r *RedisPubSub) Publish(ctx context.Context, channel string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := r.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns once Redis has confirmed the subscription, so an event
// published after it returns is delivered.
func (r *RedisPubSub) Subscribe(ctx context.Context, channel string) (<-chan *Event, error) {
	return r.subscribe(ctx, channel, r.client.Subscribe)
}

// SubscribePattern uses PSUBSCRIBE glob syntax.
func (r *RedisPubSub) SubscribePattern(ctx context.Context, pattern string) (<-chan *Event, error) {
	return r.subscribe(ctx, pattern, r.client.PSubscribe)
}

func (r *RedisPubSub) subscribe(ctx context.Context, key string, open func(context.Context, ...string) *redis.PubSub) (<-chan *Event, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.mu.Unlock()

	ps := open(ctx, key)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", key, err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		ps.Close()
		return nil, ErrClosed
	}
	r.subs[key] = append(r.subs[key], ps)
	r.mu.Unlock()

	out := make(chan *Event, redisBuffer)
	go r.forward(ctx, key, ps, out)
	return out, nil
}

// forward decodes messages into out until ctx ends or the subscription is
// closed. Undecodable payloads are skipped and a full out drops the event.
func (r *RedisPubSub) forward(ctx context.Context, key string, ps *redis.PubSub, out chan<- *Event) {
	defer close(out)
	defer r.drop(key, ps)

	msgs := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			select {
			case out <- &ev:
			default:
			}
		}
	}
}

func (r *RedisPubSub) drop(key string, target *redis.PubSub) {
	r.mu.Lock()
	list := r.subs[key]
	for i, ps := range list {
		if ps == target {
			r.subs[key] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(r.subs[key]) == 0 {
		delete(r.subs, key)
	}
	r.mu.Unlock()
	target.Close()
}

// Unsubscribe ends every subscription registered under channel.
func (r *RedisPubSub) Unsubscribe(_ context.Context, channel string) error {
	r.mu.Lock()
	list := r.subs[channel]
	delete(r.subs, channel)
	r.mu.Unlock()
	for _, ps := range list {
		if err := ps.Close(); err != nil {
			return err
		}
	}
	return nil
}

func (r *RedisPubSub) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := r.subs
	r.subs = make(map[string][]*redis.PubSub)
	r.mu.Unlock()

	for _, list := range subs {
		for _, ps := range list {
			ps.Close()
		}
	}
	return nil
}
