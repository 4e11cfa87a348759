// Package view binds one open conversation to its live session, message
// store, reconciler and composer.
package view

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/weiawesome/wes-io-live/messenger-client/internal/api"
	"github.com/weiawesome/wes-io-live/messenger-client/internal/composer"
	"github.com/weiawesome/wes-io-live/messenger-client/internal/config"
	"github.com/weiawesome/wes-io-live/messenger-client/internal/conn"
	"github.com/weiawesome/wes-io-live/messenger-client/internal/domain"
	"github.com/weiawesome/wes-io-live/messenger-client/internal/reconciler"
	"github.com/weiawesome/wes-io-live/messenger-client/internal/store"
	"github.com/weiawesome/wes-io-live/messenger-client/pkg/jwt"
	"github.com/weiawesome/wes-io-live/messenger-client/pkg/log"
)

const defaultEventBuffer = 256

// Opener starts live sessions. *conn.Manager implements it.
type Opener interface {
	Open(conversationID, credential string, obs conn.Observer) (*conn.Session, error)
}

// Deps are shared by every view.
type Deps struct {
	Sessions    Opener
	API         reconciler.MessagesAPI
	Tokens      api.TokenSource
	Composer    config.ComposerConfig
	PageSize    int
	EventBuffer int
	Logger      zerolog.Logger
}

// Status is the view state shown next to the message list.
type Status struct {
	ViewID         string                  `json:"view_id"`
	ConversationID string                  `json:"conversation_id"`
	Connection     domain.ConnectionStatus `json:"connection"`
	Loaded         bool                    `json:"loaded"`
	HasOlder       bool                    `json:"has_older"`
	Messages       int                     `json:"messages"`
	Dropped        int                     `json:"dropped"`
	Sending        bool                    `json:"sending"`
	Editing        string                  `json:"editing,omitempty"`
	Unauthorized   bool                    `json:"unauthorized"`
	LastError      string                  `json:"last_error,omitempty"`
}

// View is the context of one open conversation. Live events are queued in
// arrival order and applied by a single goroutine; a second goroutine runs
// refreshes so a slow fetch never stalls event application.
type View struct {
	id             string
	conversationID string
	credential     string
	userID         string

	store    *store.Store
	rec      *reconciler.Reconciler
	composer *composer.Composer
	session  *conn.Session

	inbox chan domain.Event
	kick  chan struct{}
	ctx   context.Context
	stop  context.CancelFunc
	wg    sync.WaitGroup

	closed    atomic.Bool
	closeOnce sync.Once

	mu           sync.RWMutex
	connection   domain.ConnectionStatus
	unauthorized bool
	lastErr      error

	logger zerolog.Logger
}

// Mount opens conversationID: it starts the live session, then loads the
// latest page. Events that arrive during the load are queued and merged
// afterwards. On a load failure the view is torn down.
func Mount(ctx context.Context, conversationID string, deps Deps) (*View, error) {
	if deps.Tokens == nil {
		return nil, domain.ErrNoCredential
	}
	token, err := deps.Tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("read credential: %w", err)
	}
	if token == "" {
		return nil, domain.ErrNoCredential
	}

	v := newView(conversationID, token, deps)
	v.start()

	session, err := deps.Sessions.Open(conversationID, token, v)
	if err != nil {
		v.Close()
		return nil, err
	}
	v.mu.Lock()
	v.session = session
	v.mu.Unlock()

	if _, err := v.rec.Refresh(ctx); err != nil {
		v.Close()
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	v.logger.Info().Int("messages", v.store.Len()).Msg("view mounted")
	return v, nil
}

func newView(conversationID, token string, deps Deps) *View {
	if deps.EventBuffer <= 0 {
		deps.EventBuffer = defaultEventBuffer
	}
	userID, _ := jwt.Subject(token)
	id := uuid.NewString()
	logger := deps.Logger.With().
		Str(log.FieldViewID, id).
		Str(log.FieldConversationID, conversationID).
		Logger()

	st := store.New(conversationID)
	rec := reconciler.New(st, deps.API, reconciler.Options{
		PageSize:    deps.PageSize,
		CurrentUser: func() string { return userID },
		Logger:      logger,
	})
	ctx, stop := context.WithCancel(context.Background())
	return &View{
		id:             id,
		conversationID: conversationID,
		credential:     token,
		userID:         userID,
		store:          st,
		rec:            rec,
		composer:       composer.New(deps.Composer, rec),
		inbox:          make(chan domain.Event, deps.EventBuffer),
		kick:           make(chan struct{}, 1),
		ctx:            ctx,
		stop:           stop,
		connection:     domain.StatusConnecting,
		logger:         logger,
	}
}

func (v *View) start() {
	v.wg.Add(2)
	go v.applyLoop()
	go v.refreshLoop()
}

func (v *View) applyLoop() {
	defer v.wg.Done()
	for {
		select {
		case <-v.ctx.Done():
			return
		case ev := <-v.inbox:
			if v.rec.Apply(ev) == reconciler.NeedsRefresh {
				v.requestRefresh()
			}
		}
	}
}

func (v *View) refreshLoop() {
	defer v.wg.Done()
	for {
		select {
		case <-v.ctx.Done():
			return
		case <-v.kick:
			if _, err := v.rec.Refresh(v.ctx); err != nil && v.ctx.Err() == nil {
				v.logger.Warn().Err(err).Msg("refresh failed")
				v.recordError(err)
			}
		}
	}
}

// requestRefresh schedules one refresh; requests made while one is pending
// collapse into it.
func (v *View) requestRefresh() {
	select {
	case v.kick <- struct{}{}:
	default:
	}
}

// HandleEvent queues ev. When the queue is full the event is dropped and a
// refresh is scheduled to recover it.
func (v *View) HandleEvent(ev domain.Event) {
	if v.closed.Load() {
		return
	}
	select {
	case v.inbox <- ev:
	default:
		v.logger.Warn().Str(log.FieldEventType, ev.Kind().String()).Msg("event queue full, refreshing")
		v.requestRefresh()
	}
}

// HandleStatus records the connection indicator. A reopened channel may
// have missed events, so it triggers a refresh.
func (v *View) HandleStatus(status domain.ConnectionStatus, reconnected bool) {
	if v.closed.Load() {
		return
	}
	v.mu.Lock()
	v.connection = status
	if status == domain.StatusConnected {
		v.unauthorized = false
	}
	v.mu.Unlock()
	if status == domain.StatusConnected && reconnected {
		v.logger.Info().Msg("channel reopened, refreshing")
		v.requestRefresh()
	}
}

func (v *View) HandleError(err error) {
	if v.closed.Load() {
		return
	}
	v.recordError(err)
}

func (v *View) recordError(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lastErr = err
	if errors.Is(err, domain.ErrUnauthorized) {
		v.unauthorized = true
	}
}

// Close tears the view down. Results that settle afterwards are discarded.
func (v *View) Close() {
	v.closeOnce.Do(func() {
		v.closed.Store(true)
		v.rec.Close()
		v.mu.Lock()
		session := v.session
		v.connection = domain.StatusStopped
		v.mu.Unlock()
		if session != nil {
			session.Close()
		}
		v.stop()
		v.wg.Wait()
		v.logger.Info().Msg("view closed")
	})
}

func (v *View) Closed() bool { return v.closed.Load() }

func (v *View) ID() string { return v.id }

func (v *View) ConversationID() string { return v.conversationID }

// Credential returns the token the view was mounted with.
func (v *View) Credential() string { return v.credential }

// UserID is the subject of the mount credential, empty when unreadable.
func (v *View) UserID() string { return v.userID }

func (v *View) Composer() *composer.Composer { return v.composer }

// Messages returns the ordered message list with tombstoned content hidden.
func (v *View) Messages() []domain.Message {
	snap := v.store.Snapshot()
	for i := range snap {
		snap[i] = snap[i].Visible()
	}
	return snap
}

func (v *View) Status() Status {
	v.mu.RLock()
	st := Status{
		ViewID:         v.id,
		ConversationID: v.conversationID,
		Connection:     v.connection,
		Unauthorized:   v.unauthorized,
	}
	if v.lastErr != nil {
		st.LastError = v.lastErr.Error()
	}
	v.mu.RUnlock()

	st.Loaded = v.rec.Loaded()
	st.HasOlder = v.rec.HasOlder()
	st.Messages = v.store.Len()
	st.Dropped = v.store.Dropped()
	st.Sending = v.composer.Sending()
	st.Editing, _ = v.composer.Editing()
	return st
}

// Refresh fetches the latest page now.
func (v *View) Refresh(ctx context.Context) (int, error) {
	if v.closed.Load() {
		return 0, domain.ErrViewClosed
	}
	return v.rec.Refresh(ctx)
}

// LoadOlder fetches the page before the oldest held message.
func (v *View) LoadOlder(ctx context.Context) (int, error) {
	if v.closed.Load() {
		return 0, domain.ErrViewClosed
	}
	return v.rec.LoadOlder(ctx)
}

// DraftCheck is the length feedback shown while typing.
type DraftCheck struct {
	Chars     int    `json:"chars"`
	Limit     int    `json:"limit"`
	NearLimit bool   `json:"near_limit"`
	Error     string `json:"error,omitempty"`
}

// CheckDraft reports how text measures against the message length limit.
func (v *View) CheckDraft(text string) DraftCheck {
	dc := DraftCheck{
		Chars:     utf8.RuneCountInString(text),
		Limit:     v.composer.Limits().MaxMessageChars,
		NearLimit: v.composer.NearLimit(text),
	}
	if err := v.composer.ValidateDraft(text); err != nil {
		dc.Error = err.Error()
	}
	return dc
}

// Send submits text and files as one new message. Oversized files are
// rejected before any network call and nothing is sent.
func (v *View) Send(ctx context.Context, text string, files []domain.Upload) (domain.Message, []composer.Rejection, error) {
	if v.closed.Load() {
		return domain.Message{}, nil, domain.ErrViewClosed
	}
	if err := v.composer.Reset(); err != nil {
		return domain.Message{}, nil, err
	}
	v.composer.SetDraft(text)
	if _, rejected := v.composer.StageFiles(files); len(rejected) > 0 {
		_ = v.composer.Reset()
		return domain.Message{}, rejected, &domain.ValidationError{
			Field:  "files",
			Reason: rejected[0].Message,
			Err:    domain.ErrFileTooLarge,
		}
	}
	m, err := v.composer.Submit(ctx)
	if err != nil {
		return domain.Message{}, nil, err
	}
	return m.Visible(), nil, nil
}

// Edit replaces the content of one of the user's messages.
func (v *View) Edit(ctx context.Context, messageID, content string) (domain.Message, error) {
	if v.closed.Load() {
		return domain.Message{}, domain.ErrViewClosed
	}
	target, err := v.rec.Target(messageID)
	if err != nil {
		return domain.Message{}, err
	}
	if err := v.composer.BeginEdit(target); err != nil {
		return domain.Message{}, err
	}
	v.composer.SetDraft(content)
	m, err := v.composer.Submit(ctx)
	if err != nil {
		v.composer.CancelEdit()
		return domain.Message{}, err
	}
	return m.Visible(), nil
}

// Delete tombstones one of the user's messages.
func (v *View) Delete(ctx context.Context, messageID string) (domain.Message, error) {
	if v.closed.Load() {
		return domain.Message{}, domain.ErrViewClosed
	}
	m, err := v.rec.Delete(ctx, messageID)
	if err != nil {
		return domain.Message{}, err
	}
	return m.Visible(), nil
}
