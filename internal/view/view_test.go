package view

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-live/messenger-client/internal/api"
	"github.com/weiawesome/wes-io-live/messenger-client/internal/config"
	"github.com/weiawesome/wes-io-live/messenger-client/internal/conn"
	"github.com/weiawesome/wes-io-live/messenger-client/internal/credentials"
	"github.com/weiawesome/wes-io-live/messenger-client/internal/domain"
	"github.com/weiawesome/wes-io-live/messenger-client/internal/reconciler"
	"github.com/weiawesome/wes-io-live/messenger-client/pkg/log"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func msg(id, sender, content string, sec int) domain.Message {
	return domain.Message{
		ID:             id,
		ConversationID: "c1",
		SenderID:       sender,
		Content:        domain.StringPtr(content),
		CreatedAt:      t0.Add(time.Duration(sec) * time.Second),
	}
}

func token(t *testing.T, sub string) string {
	t.Helper()
	tok, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.RegisteredClaims{Subject: sub}).
		SignedString([]byte("k"))
	require.NoError(t, err)
	return tok
}

// hub is a live channel server that hands every accepted connection to the
// test.
type hub struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newHub(t *testing.T) *hub {
	h := &hub{conns: make(chan *websocket.Conn, 8)}
	upgrader := websocket.Upgrader{}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		h.conns <- ws
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *hub) next(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case ws := <-h.conns:
		return ws
	case <-time.After(2 * time.Second):
		t.Fatal("no live connection")
		return nil
	}
}

func push(t *testing.T, ws *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(frame)))
}

type fakeAPI struct {
	mu      sync.Mutex
	history []domain.Message
	listErr error
	sendRes *domain.Message
	lists   atomic.Int32
	sends   atomic.Int32
	edits   atomic.Int32
	deletes atomic.Int32
}

func (f *fakeAPI) add(m domain.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = append(f.history, m)
}

func (f *fakeAPI) find(id string) (domain.Message, bool) {
	for _, m := range f.history {
		if m.ID == id {
			return m, true
		}
	}
	return domain.Message{}, false
}

func (f *fakeAPI) ListMessages(_ context.Context, _ string, cursor *time.Time, limit int) ([]domain.Message, error) {
	f.lists.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	all := append([]domain.Message(nil), f.history...)
	sort.Slice(all, func(i, j int) bool { return all[j].Before(&all[i]) })
	var out []domain.Message
	for _, m := range all {
		if cursor != nil && !m.CreatedAt.Before(*cursor) {
			continue
		}
		out = append(out, *m.Clone())
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeAPI) SendMessage(_ context.Context, _ string, content *string, _ []domain.Upload) (api.SendResult, error) {
	f.sends.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	m := *f.sendRes
	m.Content = content
	f.history = append(f.history, m)
	return api.SendResult{ID: m.ID, Message: &m}, nil
}

func (f *fakeAPI) EditMessage(_ context.Context, id, content string) (domain.Message, error) {
	f.edits.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.find(id)
	if !ok {
		return domain.Message{}, &domain.APIError{StatusCode: http.StatusNotFound}
	}
	m.Content = &content
	m.EditedAt = domain.TimePtr(t0.Add(time.Hour))
	return m, nil
}

func (f *fakeAPI) DeleteMessage(_ context.Context, id string) (domain.Message, error) {
	f.deletes.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.find(id)
	if !ok {
		return domain.Message{}, &domain.APIError{StatusCode: http.StatusNotFound}
	}
	m.DeletedAt = domain.TimePtr(t0.Add(time.Hour))
	return m, nil
}

func fastWS() config.WebSocketConfig {
	cfg := config.DefaultWebSocket()
	cfg.BaseDelay = 10 * time.Millisecond
	cfg.MaxDelay = 40 * time.Millisecond
	cfg.PingInterval = 0
	cfg.HandshakeTimeout = time.Second
	return cfg
}

func newDeps(h *hub, f *fakeAPI, tokens api.TokenSource) Deps {
	return Deps{
		Sessions: conn.NewManager(h.srv.URL, fastWS(), nil, log.Nop()),
		API:      f,
		Tokens:   tokens,
		Composer: config.ComposerConfig{MaxMessageChars: 20, MaxFileBytes: 10},
		PageSize: 50,
		Logger:   log.Nop(),
	}
}

type staticTokens string

func (s staticTokens) Token(context.Context) (string, error) { return string(s), nil }

func messageIDs(v *View) []string {
	msgs := v.Messages()
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func mount(t *testing.T, h *hub, f *fakeAPI) *View {
	t.Helper()
	v, err := Mount(context.Background(), "c1", newDeps(h, f, staticTokens(token(t, "u1"))))
	require.NoError(t, err)
	t.Cleanup(v.Close)
	return v
}

func TestMount_LoadsAndAppliesLiveEvents(t *testing.T) {
	h := newHub(t)
	f := &fakeAPI{history: []domain.Message{msg("m1", "u1", "one", 1), msg("m2", "u2", "two", 2)}}
	v := mount(t, h, f)
	ws := h.next(t)

	assert.Equal(t, []string{"m1", "m2"}, messageIDs(v))
	assert.Equal(t, "u1", v.UserID())

	push(t, ws, `{"type":"message:new","message":{"id":"m3","conversation_id":"c1","sender_id":"u2","content":"three","created_at":"2024-05-01T10:00:03Z"}}`)
	push(t, ws, `{"type":"message:update","id":"m1","content":"uno","edited_at":"2024-05-01T11:00:00Z"}`)
	push(t, ws, `{"type":"message:delete","id":"m2","deleted_at":"2024-05-01T11:00:00Z"}`)

	require.Eventually(t, func() bool {
		msgs := v.Messages()
		return len(msgs) == 3 && msgs[0].Text() == "uno" && msgs[1].IsDeleted()
	}, 2*time.Second, 5*time.Millisecond)
	msgs := v.Messages()
	assert.Equal(t, []string{"m1", "m2", "m3"}, messageIDs(v))
	assert.Nil(t, msgs[1].Content)

	require.Eventually(t, func() bool { return v.Status().Connection == domain.StatusConnected }, 2*time.Second, 5*time.Millisecond)
	st := v.Status()
	assert.True(t, st.Loaded)
	assert.False(t, st.HasOlder)
	assert.Equal(t, 3, st.Messages)
}

func TestMount_ReconnectHealsGap(t *testing.T) {
	h := newHub(t)
	f := &fakeAPI{history: []domain.Message{msg("m1", "u1", "one", 1)}}
	v := mount(t, h, f)
	ws := h.next(t)
	before := f.lists.Load()

	f.add(msg("m2", "u2", "missed", 2))
	require.NoError(t, ws.Close())
	h.next(t)

	require.Eventually(t, func() bool { return len(v.Messages()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Greater(t, f.lists.Load(), before)
	assert.Equal(t, []string{"m1", "m2"}, messageIDs(v))
}

func TestMount_IDOnlyCreationRefreshes(t *testing.T) {
	h := newHub(t)
	f := &fakeAPI{}
	v := mount(t, h, f)
	ws := h.next(t)

	f.add(msg("m5", "u2", "hi", 5))
	push(t, ws, `{"type":"message:new","message_id":"m5"}`)

	require.Eventually(t, func() bool { return len(v.Messages()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "hi", v.Messages()[0].Text())
}

func TestMount_Failures(t *testing.T) {
	h := newHub(t)

	_, err := Mount(context.Background(), "c1", newDeps(h, &fakeAPI{}, staticTokens("")))
	assert.ErrorIs(t, err, domain.ErrNoCredential)

	f := &fakeAPI{listErr: &domain.APIError{StatusCode: http.StatusForbidden}}
	_, err = Mount(context.Background(), "c1", newDeps(h, f, staticTokens(token(t, "u1"))))
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestView_SendRejectsOversizedFile(t *testing.T) {
	h := newHub(t)
	f := &fakeAPI{}
	v := mount(t, h, f)

	_, rejected, err := v.Send(context.Background(), "look", []domain.Upload{
		domain.BytesUpload("ok.txt", "text/plain", []byte("abc")),
		domain.BytesUpload("big.bin", "", make([]byte, 11)),
	})
	assert.ErrorIs(t, err, domain.ErrFileTooLarge)
	require.Len(t, rejected, 1)
	assert.Equal(t, "big.bin", rejected[0].Filename)
	assert.Equal(t, int32(0), f.sends.Load())
	assert.Empty(t, v.Composer().Pending())
}

func TestView_SendDedupsEcho(t *testing.T) {
	h := newHub(t)
	echo := msg("m9", "u1", "", 9)
	f := &fakeAPI{sendRes: &echo}
	v := mount(t, h, f)
	ws := h.next(t)

	m, rejected, err := v.Send(context.Background(), "  hello  ", nil)
	require.NoError(t, err)
	assert.Empty(t, rejected)
	assert.Equal(t, "m9", m.ID)
	assert.Equal(t, "hello", m.Text())

	push(t, ws, `{"type":"message:new","message":{"id":"m9","conversation_id":"c1","sender_id":"u1","content":"hello","created_at":"2024-05-01T10:00:09Z"}}`)
	push(t, ws, `{"type":"message:new","message":{"id":"m10","conversation_id":"c1","sender_id":"u2","content":"later","created_at":"2024-05-01T10:00:10Z"}}`)

	require.Eventually(t, func() bool { return len(v.Messages()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"m9", "m10"}, messageIDs(v))
	assert.Empty(t, v.Composer().Draft())
}

func TestView_SendValidation(t *testing.T) {
	h := newHub(t)
	f := &fakeAPI{}
	v := mount(t, h, f)

	_, _, err := v.Send(context.Background(), "   ", nil)
	assert.ErrorIs(t, err, domain.ErrEmptyMessage)
	_, _, err = v.Send(context.Background(), "this draft is far too long to send", nil)
	assert.ErrorIs(t, err, domain.ErrMessageTooLong)
	assert.Equal(t, int32(0), f.sends.Load())
}

func TestView_EditAndDelete(t *testing.T) {
	h := newHub(t)
	f := &fakeAPI{history: []domain.Message{msg("m1", "u1", "mine", 1), msg("m2", "u2", "theirs", 2)}}
	v := mount(t, h, f)

	_, err := v.Edit(context.Background(), "m2", "nope")
	assert.ErrorIs(t, err, domain.ErrInvalidTarget)
	_, err = v.Edit(context.Background(), "missing", "nope")
	assert.ErrorIs(t, err, domain.ErrInvalidTarget)
	_, err = v.Edit(context.Background(), "m1", "   ")
	assert.ErrorIs(t, err, domain.ErrEmptyMessage)
	assert.Equal(t, int32(0), f.edits.Load())
	_, editing := v.Composer().Editing()
	assert.False(t, editing)

	m, err := v.Edit(context.Background(), "m1", "changed")
	require.NoError(t, err)
	assert.Equal(t, "changed", m.Text())
	assert.True(t, m.IsEdited())

	_, err = v.Delete(context.Background(), "m2")
	assert.ErrorIs(t, err, domain.ErrInvalidTarget)

	m, err = v.Delete(context.Background(), "m1")
	require.NoError(t, err)
	assert.True(t, m.IsDeleted())
	assert.Nil(t, m.Content)
	assert.Equal(t, int32(1), f.deletes.Load())

	_, err = v.Edit(context.Background(), "m1", "again")
	assert.ErrorIs(t, err, domain.ErrInvalidTarget)
}

func TestView_CloseIsFinal(t *testing.T) {
	h := newHub(t)
	f := &fakeAPI{history: []domain.Message{msg("m1", "u1", "one", 1)}}
	v := mount(t, h, f)
	h.next(t)

	v.Close()
	v.Close()
	assert.True(t, v.Closed())
	assert.Equal(t, domain.StatusStopped, v.Status().Connection)

	v.HandleEvent(domain.MessageDeleted{ID: "m1", DeletedAt: t0})
	assert.False(t, v.Messages()[0].IsDeleted())

	_, _, err := v.Send(context.Background(), "hi", nil)
	assert.ErrorIs(t, err, domain.ErrViewClosed)
	_, err = v.Delete(context.Background(), "m1")
	assert.ErrorIs(t, err, domain.ErrViewClosed)
	_, err = v.LoadOlder(context.Background())
	assert.ErrorIs(t, err, domain.ErrViewClosed)
}

func TestView_QueueOverflowSchedulesRefresh(t *testing.T) {
	deps := Deps{API: &fakeAPI{}, EventBuffer: 1, Logger: log.Nop()}
	v := newView("c1", "tok", deps)

	v.HandleEvent(domain.MessageDeleted{ID: "a", DeletedAt: t0})
	assert.Len(t, v.kick, 0)
	v.HandleEvent(domain.MessageDeleted{ID: "b", DeletedAt: t0})
	v.HandleEvent(domain.MessageDeleted{ID: "c", DeletedAt: t0})
	assert.Len(t, v.inbox, 1)
	assert.Len(t, v.kick, 1)
}

func TestView_UnauthorizedRecorded(t *testing.T) {
	v := newView("c1", "tok", Deps{API: &fakeAPI{}, Logger: log.Nop()})
	v.HandleError(domain.ErrUnauthorized)
	st := v.Status()
	assert.True(t, st.Unauthorized)
	assert.NotEmpty(t, st.LastError)

	v.HandleStatus(domain.StatusConnected, false)
	assert.False(t, v.Status().Unauthorized)
}

func TestRegistry_MountOnce(t *testing.T) {
	h := newHub(t)
	f := &fakeAPI{}
	r := NewRegistry(newDeps(h, f, staticTokens(token(t, "u1"))))
	defer r.CloseAll()

	a, err := r.Mount(context.Background(), "c1")
	require.NoError(t, err)
	b, err := r.Mount(context.Background(), "c1")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Len(t, r.List(), 1)

	assert.True(t, r.Unmount("c1"))
	assert.False(t, r.Unmount("c1"))
	assert.True(t, a.Closed())
	_, ok := r.Get("c1")
	assert.False(t, ok)
}

func TestRegistry_FollowClosesViewsOnCredentialChange(t *testing.T) {
	ctx := context.Background()
	h := newHub(t)
	creds := credentials.NewMemory(token(t, "u1"), log.Nop())
	defer creds.Close()
	require.NoError(t, creds.Start(ctx))

	r := NewRegistry(newDeps(h, &fakeAPI{}, creds))
	defer r.CloseAll()
	stop := r.Follow(creds)
	defer stop()

	v, err := r.Mount(ctx, "c1")
	require.NoError(t, err)

	require.NoError(t, creds.Set(ctx, token(t, "u2")))
	require.Eventually(t, v.Closed, 2*time.Second, 5*time.Millisecond)
	_, ok := r.Get("c1")
	assert.False(t, ok)

	v2, err := r.Mount(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "u2", v2.UserID())

	require.NoError(t, creds.Clear(ctx))
	require.Eventually(t, v2.Closed, 2*time.Second, 5*time.Millisecond)
	_, err = r.Mount(ctx, "c1")
	assert.ErrorIs(t, err, domain.ErrNoCredential)
}

func TestView_CheckDraft(t *testing.T) {
	v := newView("c1", "tok", Deps{
		API:      &fakeAPI{},
		Composer: config.ComposerConfig{MaxMessageChars: 20},
		Logger:   log.Nop(),
	})

	dc := v.CheckDraft("héllo")
	assert.Equal(t, 5, dc.Chars)
	assert.Equal(t, 20, dc.Limit)
	assert.False(t, dc.NearLimit)
	assert.Empty(t, dc.Error)

	dc = v.CheckDraft(strings.Repeat("é", 20))
	assert.True(t, dc.NearLimit)
	assert.Empty(t, dc.Error)

	dc = v.CheckDraft(strings.Repeat("a", 21))
	assert.NotEmpty(t, dc.Error)
}

func TestView_CloseRejectsLateEvents(t *testing.T) {
	v := newView("c1", "tok", Deps{API: &fakeAPI{}, Logger: log.Nop()})
	v.Close()

	assert.True(t, v.rec.Closed())
	late := msg("m1", "u2", "late", 1)
	assert.Equal(t, reconciler.Ignored, v.rec.Apply(domain.MessageCreated{ID: "m1", Message: &late}))
	assert.Zero(t, v.store.Len())

	v.HandleEvent(domain.MessageCreated{ID: "m2"})
	assert.Zero(t, len(v.inbox))
}

// rotatingTokens returns its tokens in order, repeating the last.
type rotatingTokens struct {
	mu     sync.Mutex
	tokens []string
}

func (r *rotatingTokens) Token(context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tok := r.tokens[0]
	if len(r.tokens) > 1 {
		r.tokens = r.tokens[1:]
	}
	return tok, nil
}

func TestRegistry_MountDropsViewWhenCredentialChanges(t *testing.T) {
	h := newHub(t)
	tokens := &rotatingTokens{tokens: []string{token(t, "u1"), token(t, "u2")}}
	r := NewRegistry(newDeps(h, &fakeAPI{}, tokens))
	defer r.CloseAll()

	_, err := r.Mount(context.Background(), "c1")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	_, ok := r.Get("c1")
	assert.False(t, ok)
	assert.Empty(t, r.List())

	v, err := r.Mount(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "u2", v.UserID())
}
