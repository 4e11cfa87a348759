package pubsub

import (
	"context"
	"errors"
	"path"
	"sync"
)

// ErrClosed is returned by operations on a closed MemoryPubSub.
var ErrClosed = errors.New("pubsub: closed")

const memoryBuffer = 100

type memorySub struct {
	pattern bool
	match   string
	ch      chan *Event
	once    sync.Once
}

func (s *memorySub) close() {
	s.once.Do(func() { close(s.ch) })
}

// MemoryPubSub is an in-process bus for a single client process.
type MemoryPubSub struct {
	mu     sync.Mutex
	subs   map[string][]*memorySub
	closed bool
}

func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{subs: make(map[string][]*memorySub)}
}

func (m *MemoryPubSub) Publish(_ context.Context, channel string, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, list := range m.subs {
		for _, sub := range list {
			if !sub.matches(channel) {
				continue
			}
			select {
			case sub.ch <- event:
			default:
			}
		}
	}
	return nil
}

func (s *memorySub) matches(channel string) bool {
	if !s.pattern {
		return s.match == channel
	}
	ok, err := path.Match(s.match, channel)
	return err == nil && ok
}

func (m *MemoryPubSub) Subscribe(ctx context.Context, channel string) (<-chan *Event, error) {
	return m.subscribe(ctx, channel, false)
}

// SubscribePattern matches channels with path.Match glob syntax.
func (m *MemoryPubSub) SubscribePattern(ctx context.Context, pattern string) (<-chan *Event, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, err
	}
	return m.subscribe(ctx, pattern, true)
}

func (m *MemoryPubSub) subscribe(ctx context.Context, key string, pattern bool) (<-chan *Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	sub := &memorySub{pattern: pattern, match: key, ch: make(chan *Event, memoryBuffer)}
	m.subs[key] = append(m.subs[key], sub)

	go func() {
		<-ctx.Done()
		m.remove(key, sub)
	}()
	return sub.ch, nil
}

func (m *MemoryPubSub) remove(key string, target *memorySub) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.subs[key]
	for i, sub := range list {
		if sub == target {
			m.subs[key] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(m.subs[key]) == 0 {
		delete(m.subs, key)
	}
	target.close()
}

// Unsubscribe closes every subscription registered under channel.
func (m *MemoryPubSub) Unsubscribe(_ context.Context, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subs[channel] {
		sub.close()
	}
	delete(m.subs, channel)
	return nil
}

func (m *MemoryPubSub) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, list := range m.subs {
		for _, sub := range list {
			sub.close()
		}
	}
	m.subs = make(map[string][]*memorySub)
	return nil
}
