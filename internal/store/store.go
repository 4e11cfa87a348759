// Package store holds the ordered, id-deduplicated message collection of
// one conversation view.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/weiawesome/wes-io-live/messenger-client/internal/domain"
)

// Store keeps messages sorted by creation time ascending, ties broken by id.
// Records are never removed; deletion is a tombstone. Mutations are
// serialised by the owning view; the lock only makes Snapshot safe to call
// from any goroutine.
type Store struct {
	conversationID string

	mu      sync.RWMutex
	byID    map[string]*domain.Message
	ordered []*domain.Message
	dropped int
}

// New creates an empty store for conversationID.
func New(conversationID string) *Store {
	return &Store{
		conversationID: conversationID,
		byID:           make(map[string]*domain.Message),
	}
}

// ConversationID returns the conversation the store belongs to.
func (s *Store) ConversationID() string {
	return s.conversationID
}

// UpsertPage merges a fetched page. Page records replace stored ones, except
// that a stored tombstone and a newer stored edit survive. It returns the
// number of ids that were not held before.
func (s *Store) UpsertPage(page []domain.Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for i := range page {
		if s.upsertLocked(&page[i]) {
			inserted++
		}
	}
	return inserted
}

// ApplyCreated upserts one message by id. Applying the same record twice
// leaves exactly one entry. It reports whether the id was new.
func (s *Store) ApplyCreated(m domain.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertLocked(&m)
}

// ApplyUpdated sets content and edited-at of a held message. Unknown ids
// are dropped, deleted messages are left untouched and edits older than the
// stored one are ignored. It reports whether the record changed.
func (s *Store) ApplyUpdated(id string, content *string, editedAt time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[id]
	if !ok {
		s.dropped++
		return false
	}
	if m.DeletedAt != nil {
		return false
	}
	if m.EditedAt != nil && editedAt.Before(*m.EditedAt) {
		return false
	}

	m.Content = copyString(content)
	m.EditedAt = domain.TimePtr(editedAt)
	return true
}

// ApplyDeleted sets the tombstone of a held message. Deletion is terminal;
// the first tombstone wins. Unknown ids are dropped.
func (s *Store) ApplyDeleted(id string, deletedAt time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[id]
	if !ok {
		s.dropped++
		return false
	}
	if m.DeletedAt != nil {
		return false
	}

	m.DeletedAt = domain.TimePtr(deletedAt)
	return true
}

// Snapshot returns the ordered messages as independent copies.
func (s *Store) Snapshot() []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Message, len(s.ordered))
	for i, m := range s.ordered {
		out[i] = *m.Clone()
	}
	return out
}

// Get returns a copy of the message with id.
func (s *Store) Get(id string) (domain.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.byID[id]
	if !ok {
		return domain.Message{}, false
	}
	return *m.Clone(), true
}

// Oldest returns the earliest held message.
func (s *Store) Oldest() (domain.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.ordered) == 0 {
		return domain.Message{}, false
	}
	return *s.ordered[0].Clone(), true
}

// Newest returns the latest held message.
func (s *Store) Newest() (domain.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.ordered) == 0 {
		return domain.Message{}, false
	}
	return *s.ordered[len(s.ordered)-1].Clone(), true
}

// Len returns the number of held messages, tombstones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ordered)
}

// Dropped returns how many update/delete events targeted unknown ids.
func (s *Store) Dropped() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dropped
}

func (s *Store) upsertLocked(in *domain.Message) bool {
	if in.ID == "" {
		return false
	}
	if in.ConversationID != "" && s.conversationID != "" && in.ConversationID != s.conversationID {
		return false
	}

	incoming := in.Clone()
	if incoming.ConversationID == "" {
		incoming.ConversationID = s.conversationID
	}

	existing, ok := s.byID[incoming.ID]
	if !ok {
		s.byID[incoming.ID] = incoming
		s.insertLocked(incoming)
		return true
	}

	merged := merge(existing, incoming)
	s.byID[merged.ID] = merged
	if merged.CreatedAt.Equal(existing.CreatedAt) {
		s.ordered[s.indexLocked(existing)] = merged
		return false
	}

	s.removeLocked(existing)
	s.insertLocked(merged)
	return false
}

// merge lets incoming replace existing without undoing a tombstone or
// rolling back to an older edit.
func merge(existing, incoming *domain.Message) *domain.Message {
	if existing.DeletedAt != nil && incoming.DeletedAt == nil {
		incoming.DeletedAt = existing.DeletedAt
	}
	if existing.EditedAt != nil && (incoming.EditedAt == nil || existing.EditedAt.After(*incoming.EditedAt)) {
		incoming.Content = existing.Content
		incoming.EditedAt = existing.EditedAt
	}
	if len(incoming.Attachments) == 0 && len(existing.Attachments) > 0 {
		incoming.Attachments = existing.Attachments
	}
	if incoming.Sender == nil {
		incoming.Sender = existing.Sender
	}
	return incoming
}

func (s *Store) insertLocked(m *domain.Message) {
	i := sort.Search(len(s.ordered), func(i int) bool {
		return m.Before(s.ordered[i])
	})
	s.ordered = append(s.ordered, nil)
	copy(s.ordered[i+1:], s.ordered[i:])
	s.ordered[i] = m
}

func (s *Store) indexLocked(m *domain.Message) int {
	i := sort.Search(len(s.ordered), func(i int) bool {
		return !s.ordered[i].Before(m)
	})
	for ; i < len(s.ordered); i++ {
		if s.ordered[i] == m {
			return i
		}
	}
	// Unreachable while byID and ordered agree.
	for j, o := range s.ordered {
		if o == m {
			return j
		}
	}
	return -1
}

func (s *Store) removeLocked(m *domain.Message) {
	i := s.indexLocked(m)
	if i < 0 {
		return
	}
	s.ordered = append(s.ordered[:i], s.ordered[i+1:]...)
}

func copyString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
