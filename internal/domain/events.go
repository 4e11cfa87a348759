package domain

import "time"

// Frame types on the live channel.
const (
	FrameTypePing          = "ping"
	FrameTypePong          = "pong"
	FrameTypeMessageNew    = "message:new"
	FrameTypeMessageUpdate = "message:update"
	FrameTypeMessageDelete = "message:delete"
)

// EventKind enumerates the closed set of decoded events.
type EventKind int

const (
	KindMessageCreated EventKind = iota + 1
	KindMessageUpdated
	KindMessageDeleted
	KindKeepalivePing
)

func (k EventKind) String() string {
	switch k {
	case KindMessageCreated:
		return FrameTypeMessageNew
	case KindMessageUpdated:
		return FrameTypeMessageUpdate
	case KindMessageDeleted:
		return FrameTypeMessageDelete
	case KindKeepalivePing:
		return FrameTypePing
	default:
		return "unknown"
	}
}

// Event is a decoded live-channel event. The set of implementations is
// closed to this package.
type Event interface {
	Kind() EventKind
	isEvent()
}

// MessageCreated announces a new message. Message is nil when the server
// only sent the id; the full record must then be fetched.
type MessageCreated struct {
	ID      string
	Message *Message
}

// MessageUpdated carries the authoritative post-edit content.
type MessageUpdated struct {
	ID       string
	Content  *string
	EditedAt time.Time
}

// MessageDeleted carries the tombstone timestamp.
type MessageDeleted struct {
	ID        string
	DeletedAt time.Time
}

// KeepalivePing is a server probe. It never leaves the connection layer.
type KeepalivePing struct{}

func (MessageCreated) Kind() EventKind { return KindMessageCreated }
func (MessageUpdated) Kind() EventKind { return KindMessageUpdated }
func (MessageDeleted) Kind() EventKind { return KindMessageDeleted }
func (KeepalivePing) Kind() EventKind  { return KindKeepalivePing }

func (MessageCreated) isEvent() {}
func (MessageUpdated) isEvent() {}
func (MessageDeleted) isEvent() {}
func (KeepalivePing) isEvent()  {}

// HasBody reports whether the creation event carries the full record.
func (e MessageCreated) HasBody() bool {
	return e.Message != nil
}
