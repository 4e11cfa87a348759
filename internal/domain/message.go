package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Message is one record of a conversation. ID is stable across edits.
// Once DeletedAt is set it is never cleared.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	SenderID       string       `json:"sender_id"`
	Sender         *UserSummary `json:"sender,omitempty"`
	Content        *string      `json:"content"`
	CreatedAt      time.Time    `json:"created_at"`
	EditedAt       *time.Time   `json:"edited_at"`
	DeletedAt      *time.Time   `json:"deleted_at"`
	Attachments    []Attachment `json:"attachments"`
}

// Attachment is immutable and owned by exactly one message.
type Attachment struct {
	ID         string    `json:"id"`
	Filename   string    `json:"filename"`
	MIME       string    `json:"mime"`
	SizeBytes  int64     `json:"size_bytes"`
	StorageKey string    `json:"storage_key"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
}

// IsImage reports whether the attachment can be previewed inline.
func (a Attachment) IsImage() bool {
	return strings.HasPrefix(a.MIME, "image/")
}

// IsDeleted reports whether the message carries a tombstone.
func (m *Message) IsDeleted() bool {
	return m.DeletedAt != nil
}

// IsEdited reports whether a visible edit marker applies.
func (m *Message) IsEdited() bool {
	return m.EditedAt != nil && m.DeletedAt == nil
}

// Text returns the renderable content. Deleted messages render nothing.
func (m *Message) Text() string {
	if m.DeletedAt != nil || m.Content == nil {
		return ""
	}
	return *m.Content
}

// Clone returns a copy that shares no mutable state with m.
func (m *Message) Clone() *Message {
	c := *m
	if m.Attachments != nil {
		c.Attachments = make([]Attachment, len(m.Attachments))
		copy(c.Attachments, m.Attachments)
	}
	if m.Sender != nil {
		s := *m.Sender
		c.Sender = &s
	}
	return &c
}

// Visible returns a copy fit for display: content and attachments of a
// deleted message are withheld.
func (m *Message) Visible() Message {
	c := *m.Clone()
	if c.DeletedAt != nil {
		c.Content = nil
		c.Attachments = nil
	}
	return c
}

// Before reports whether m sorts before o: creation time ascending, ties
// broken by id.
func (m *Message) Before(o *Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

// messageWire mirrors Message with string timestamps, so naive server
// timestamps (no zone) decode as UTC.
type messageWire struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	SenderID       string       `json:"sender_id"`
	Sender         *UserSummary `json:"sender,omitempty"`
	Content        *string      `json:"content"`
	CreatedAt      string       `json:"created_at"`
	EditedAt       *string      `json:"edited_at"`
	DeletedAt      *string      `json:"deleted_at"`
	Attachments    []Attachment `json:"attachments"`
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w messageWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	created, err := ParseTime(w.CreatedAt)
	if err != nil {
		return fmt.Errorf("created_at: %w", err)
	}
	edited, err := parseOptionalTime(w.EditedAt)
	if err != nil {
		return fmt.Errorf("edited_at: %w", err)
	}
	deleted, err := parseOptionalTime(w.DeletedAt)
	if err != nil {
		return fmt.Errorf("deleted_at: %w", err)
	}

	*m = Message{
		ID:             w.ID,
		ConversationID: w.ConversationID,
		SenderID:       w.SenderID,
		Sender:         w.Sender,
		Content:        w.Content,
		CreatedAt:      created,
		EditedAt:       edited,
		DeletedAt:      deleted,
		Attachments:    w.Attachments,
	}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *Attachment) UnmarshalJSON(data []byte) error {
	var w struct {
		ID         string `json:"id"`
		Filename   string `json:"filename"`
		MIME       string `json:"mime"`
		SizeBytes  int64  `json:"size_bytes"`
		StorageKey string `json:"storage_key"`
		CreatedAt  string `json:"created_at"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	*a = Attachment{
		ID:         w.ID,
		Filename:   w.Filename,
		MIME:       w.MIME,
		SizeBytes:  w.SizeBytes,
		StorageKey: w.StorageKey,
	}
	if w.CreatedAt != "" {
		t, err := ParseTime(w.CreatedAt)
		if err != nil {
			return fmt.Errorf("created_at: %w", err)
		}
		a.CreatedAt = t
	}
	return nil
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time {
	return &t
}
