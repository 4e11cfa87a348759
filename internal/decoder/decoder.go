// Package decoder turns raw live-channel frames into domain events.
// Frames that fail validation are dropped; Decode never returns an error.
package decoder

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/weiawesome/wes-io-live/messenger-client/internal/domain"
)

// frame is the union of every field a recognised frame may carry.
type frame struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	MessageID string          `json:"message_id"`
	Message   json.RawMessage `json:"message"`
	Content   json.RawMessage `json:"content"`
	EditedAt  *string         `json:"edited_at"`
	DeletedAt *string         `json:"deleted_at"`
	CreatedAt *string         `json:"created_at"`
}

// Decode classifies raw. The second result is false when the frame is
// malformed or of an unknown type.
func Decode(raw []byte) (domain.Event, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, false
	}

	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, false
	}

	switch f.Type {
	case domain.FrameTypePing:
		return domain.KeepalivePing{}, true
	case domain.FrameTypeMessageNew:
		return decodeCreated(raw, &f)
	case domain.FrameTypeMessageUpdate:
		return decodeUpdated(&f)
	case domain.FrameTypeMessageDelete:
		return decodeDeleted(&f)
	default:
		return nil, false
	}
}

// decodeCreated accepts a nested "message" object, inline message fields,
// or a bare "message_id".
func decodeCreated(raw []byte, f *frame) (domain.Event, bool) {
	if len(f.Message) > 0 && !isNull(f.Message) {
		var m domain.Message
		if err := json.Unmarshal(f.Message, &m); err != nil || !validMessage(&m) {
			return nil, false
		}
		return domain.MessageCreated{ID: m.ID, Message: &m}, true
	}

	if f.CreatedAt != nil {
		var m domain.Message
		if err := json.Unmarshal(raw, &m); err != nil || !validMessage(&m) {
			return nil, false
		}
		return domain.MessageCreated{ID: m.ID, Message: &m}, true
	}

	id := firstNonEmpty(f.ID, f.MessageID)
	if id == "" {
		return nil, false
	}
	return domain.MessageCreated{ID: id}, true
}

func decodeUpdated(f *frame) (domain.Event, bool) {
	if strings.TrimSpace(f.ID) == "" || f.EditedAt == nil || f.Content == nil {
		return nil, false
	}

	editedAt, err := domain.ParseTime(*f.EditedAt)
	if err != nil {
		return nil, false
	}

	var content *string
	if !isNull(f.Content) {
		var s string
		if err := json.Unmarshal(f.Content, &s); err != nil {
			return nil, false
		}
		content = &s
	}

	return domain.MessageUpdated{ID: f.ID, Content: content, EditedAt: editedAt}, true
}

func decodeDeleted(f *frame) (domain.Event, bool) {
	if strings.TrimSpace(f.ID) == "" || f.DeletedAt == nil {
		return nil, false
	}

	deletedAt, err := domain.ParseTime(*f.DeletedAt)
	if err != nil {
		return nil, false
	}
	return domain.MessageDeleted{ID: f.ID, DeletedAt: deletedAt}, true
}

func validMessage(m *domain.Message) bool {
	return strings.TrimSpace(m.ID) != "" && !m.CreatedAt.IsZero()
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// Pong is the acknowledgement frame for a keepalive ping.
var Pong = []byte(`{"type":"pong"}`)
