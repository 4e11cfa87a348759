package pubsub

import (
	"context"
	"time"
)

// Event is one notification on the bus.
type Event struct {
	Type      string    `json:"type"`
	Key       string    `json:"key,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent stamps an event with the current time.
func NewEvent(eventType, key string) *Event {
	return &Event{Type: eventType, Key: key, Timestamp: time.Now()}
}

type Publisher interface {
	Publish(ctx context.Context, channel string, event *Event) error
}

// Subscriber delivers events until ctx ends or the channel is unsubscribed,
// then closes the returned channel. Slow consumers lose events.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (<-chan *Event, error)
	SubscribePattern(ctx context.Context, pattern string) (<-chan *Event, error)
	Unsubscribe(ctx context.Context, channel string) error
}

type PubSub interface {
	Publisher
	Subscriber
	Close() error
}
