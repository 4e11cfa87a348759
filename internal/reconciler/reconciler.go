// Package reconciler merges REST results and live events into one
// conversation's message store. Nothing is applied optimistically: the
// store changes only on server-confirmed data.
package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/weiawesome/wes-io-live/messenger-client/internal/api"
	"github.com/weiawesome/wes-io-live/messenger-client/internal/domain"
	"github.com/weiawesome/wes-io-live/messenger-client/internal/store"
	"github.com/weiawesome/wes-io-live/messenger-client/pkg/log"
)

// maxHealPages bounds how far back a refresh walks to close a gap.
const maxHealPages = 10

// MessagesAPI is the REST surface the reconciler needs.
type MessagesAPI interface {
	ListMessages(ctx context.Context, conversationID string, cursor *time.Time, limit int) ([]domain.Message, error)
	SendMessage(ctx context.Context, conversationID string, content *string, files []domain.Upload) (api.SendResult, error)
	EditMessage(ctx context.Context, messageID, content string) (domain.Message, error)
	DeleteMessage(ctx context.Context, messageID string) (domain.Message, error)
}

// Outcome reports what Apply did with an event.
type Outcome int

const (
	Ignored Outcome = iota
	Applied
	// NeedsRefresh means the event named a message without carrying it; the
	// caller should Refresh.
	NeedsRefresh
)

type Options struct {
	PageSize int
	// CurrentUser returns the signed-in user id, or "" when unknown.
	CurrentUser func() string
	Logger      zerolog.Logger
}

type Reconciler struct {
	store       *store.Store
	api         MessagesAPI
	pageSize    int
	currentUser func() string
	logger      zerolog.Logger

	// ctx bounds page fetches; it ends at Close.
	ctx    context.Context
	cancel context.CancelFunc
	sf     singleflight.Group

	// mu serialises store mutations with Close.
	mu        sync.Mutex
	closed    bool
	loaded    bool
	exhausted bool
}

func New(st *store.Store, client MessagesAPI, opts Options) *Reconciler {
	if opts.PageSize <= 0 || opts.PageSize > api.MaxPageSize {
		opts.PageSize = 50
	}
	if opts.CurrentUser == nil {
		opts.CurrentUser = func() string { return "" }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		store:       st,
		api:         client,
		pageSize:    opts.PageSize,
		currentUser: opts.CurrentUser,
		logger: opts.Logger.With().
			Str(log.FieldConversationID, st.ConversationID()).
			Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (r *Reconciler) Store() *store.Store { return r.store }

// Close discards every result that settles afterwards.
func (r *Reconciler) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()
}

func (r *Reconciler) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Loaded reports whether the first page has been applied.
func (r *Reconciler) Loaded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loaded
}

// HasOlder reports whether LoadOlder may return more messages.
func (r *Reconciler) HasOlder() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.exhausted
}

// mutate runs fn under the store lock unless the view has closed.
func (r *Reconciler) mutate(fn func()) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return domain.ErrViewClosed
	}
	fn()
	return nil
}

// Apply merges one live event. Keepalive pings never get here.
func (r *Reconciler) Apply(ev domain.Event) Outcome {
	var out Outcome
	err := r.mutate(func() {
		switch e := ev.(type) {
		case domain.MessageCreated:
			if !e.HasBody() {
				if _, held := r.store.Get(e.ID); !held {
					out = NeedsRefresh
				}
				return
			}
			r.store.ApplyCreated(*e.Message)
			out = Applied
		case domain.MessageUpdated:
			if r.store.ApplyUpdated(e.ID, e.Content, e.EditedAt) {
				out = Applied
			}
		case domain.MessageDeleted:
			if r.store.ApplyDeleted(e.ID, e.DeletedAt) {
				out = Applied
			}
		}
	})
	if err != nil {
		return Ignored
	}
	r.logger.Debug().Str(log.FieldEventType, ev.Kind().String()).Int("outcome", int(out)).Msg("event")
	return out
}

// Refresh fetches the latest page. Once a page has been loaded it walks
// back until it overlaps held messages, healing any gap left by a dropped
// channel; the first load fetches one page and leaves older history to
// LoadOlder. Concurrent calls share one fetch.
func (r *Reconciler) Refresh(ctx context.Context) (int, error) {
	ch := r.sf.DoChan("latest", func() (interface{}, error) {
		return r.refresh(r.ctx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return 0, res.Err
		}
		return res.Val.(int), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (r *Reconciler) refresh(ctx context.Context) (int, error) {
	var (
		cursor  *time.Time
		pages   [][]domain.Message
		overlap bool
		short   bool
	)
	limit := 1
	if r.Loaded() && r.store.Len() > 0 {
		limit = maxHealPages
	}
	for i := 0; i < limit && !overlap && !short; i++ {
		page, err := r.api.ListMessages(ctx, r.store.ConversationID(), cursor, r.pageSize)
		if err != nil {
			return 0, fmt.Errorf("fetch messages: %w", err)
		}
		pages = append(pages, page)
		short = len(page) < r.pageSize
		for j := range page {
			if _, held := r.store.Get(page[j].ID); held {
				overlap = true
				break
			}
		}
		if len(page) == 0 {
			break
		}
		oldest := oldestOf(page)
		cursor = &oldest
	}

	inserted := 0
	err := r.mutate(func() {
		for _, page := range pages {
			inserted += r.store.UpsertPage(page)
		}
		if !r.loaded {
			r.loaded = true
			r.exhausted = short
		}
	})
	if err != nil {
		return 0, err
	}
	r.logger.Debug().Int("pages", len(pages)).Int("inserted", inserted).Msg("refreshed")
	return inserted, nil
}

// LoadOlder fetches the page before the oldest held message.
func (r *Reconciler) LoadOlder(ctx context.Context) (int, error) {
	oldest, ok := r.store.Oldest()
	if !ok {
		return r.Refresh(ctx)
	}
	if !r.HasOlder() {
		return 0, nil
	}
	ch := r.sf.DoChan("older", func() (interface{}, error) {
		return r.loadBefore(r.ctx, oldest.CreatedAt)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return 0, res.Err
		}
		return res.Val.(int), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (r *Reconciler) loadBefore(ctx context.Context, cursor time.Time) (int, error) {
	page, err := r.api.ListMessages(ctx, r.store.ConversationID(), &cursor, r.pageSize)
	if err != nil {
		return 0, fmt.Errorf("fetch older messages: %w", err)
	}
	inserted := 0
	err = r.mutate(func() {
		inserted = r.store.UpsertPage(page)
		if len(page) < r.pageSize {
			r.exhausted = true
		}
	})
	return inserted, err
}

func oldestOf(page []domain.Message) time.Time {
	oldest := page[0].CreatedAt
	for _, m := range page[1:] {
		if m.CreatedAt.Before(oldest) {
			oldest = m.CreatedAt
		}
	}
	return oldest
}

// Send posts a message. The store changes only once the server confirms.
// When the server answers with the id alone, the latest page is fetched and
// the stored record returned.
func (r *Reconciler) Send(ctx context.Context, content *string, files []domain.Upload) (domain.Message, error) {
	if r.Closed() {
		return domain.Message{}, domain.ErrViewClosed
	}
	res, err := r.api.SendMessage(ctx, r.store.ConversationID(), content, files)
	if err != nil {
		return domain.Message{}, err
	}

	if res.Message != nil {
		if err := r.mutate(func() { r.store.ApplyCreated(*res.Message) }); err != nil {
			return domain.Message{}, err
		}
		m, _ := r.store.Get(res.ID)
		return m, nil
	}

	if m, held := r.store.Get(res.ID); held {
		return m, nil
	}
	if _, err := r.Refresh(ctx); err != nil {
		if r.Closed() {
			return domain.Message{}, domain.ErrViewClosed
		}
		r.logger.Warn().Err(err).Str(log.FieldMessageID, res.ID).Msg("refresh after send failed")
		return domain.Message{ID: res.ID, ConversationID: r.store.ConversationID()}, nil
	}
	if m, held := r.store.Get(res.ID); held {
		return m, nil
	}
	return domain.Message{ID: res.ID, ConversationID: r.store.ConversationID()}, nil
}

// Edit replaces the content of one of the caller's messages.
func (r *Reconciler) Edit(ctx context.Context, messageID, content string) (domain.Message, error) {
	if _, err := r.Target(messageID); err != nil {
		return domain.Message{}, err
	}
	m, err := r.api.EditMessage(ctx, messageID, content)
	if err != nil {
		return domain.Message{}, err
	}
	return r.applyResult(m)
}

// Delete tombstones one of the caller's messages.
func (r *Reconciler) Delete(ctx context.Context, messageID string) (domain.Message, error) {
	if _, err := r.Target(messageID); err != nil {
		return domain.Message{}, err
	}
	m, err := r.api.DeleteMessage(ctx, messageID)
	if err != nil {
		return domain.Message{}, err
	}
	if m.ID == "" {
		m.ID = messageID
	}
	if m.DeletedAt == nil {
		m.DeletedAt = domain.TimePtr(time.Now().UTC())
	}
	return r.applyResult(m)
}

func (r *Reconciler) applyResult(m domain.Message) (domain.Message, error) {
	if m.ConversationID == "" {
		m.ConversationID = r.store.ConversationID()
	}
	err := r.mutate(func() {
		r.store.ApplyCreated(m)
		if m.DeletedAt != nil {
			r.store.ApplyDeleted(m.ID, *m.DeletedAt)
		}
	})
	if err != nil {
		return domain.Message{}, err
	}
	stored, _ := r.store.Get(m.ID)
	return stored, nil
}

// Target checks that messageID may be edited or deleted by the current
// user, without any network call.
func (r *Reconciler) Target(messageID string) (domain.Message, error) {
	if r.Closed() {
		return domain.Message{}, domain.ErrViewClosed
	}
	m, ok := r.store.Get(messageID)
	if !ok {
		return domain.Message{}, &domain.ValidationError{Field: "message_id", Reason: "unknown message", Err: domain.ErrInvalidTarget}
	}
	if m.IsDeleted() {
		return domain.Message{}, &domain.ValidationError{Field: "message_id", Reason: "message deleted", Err: domain.ErrInvalidTarget}
	}
	if user := r.currentUser(); user != "" && m.SenderID != "" && m.SenderID != user {
		return domain.Message{}, &domain.ValidationError{Field: "message_id", Reason: "not your message", Err: domain.ErrInvalidTarget}
	}
	return m, nil
}
