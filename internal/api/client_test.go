package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-live/messenger-client/internal/config"
	"github.com/weiawesome/wes-io-live/messenger-client/internal/domain"
	"github.com/weiawesome/wes-io-live/messenger-client/pkg/log"
)

type staticTokens string

func (s staticTokens) Token(context.Context) (string, error) { return string(s), nil }

func newTestClient(t *testing.T, h http.Handler, token string) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(config.APIConfig{BaseURL: srv.URL + "/", PageSize: 20}, staticTokens(token), log.Nop())
}

func TestListMessages_CursorAndAuth(t *testing.T) {
	cursor := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/conversations/c1/messages", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		assert.Equal(t, "100", r.URL.Query().Get("limit"))
		assert.Equal(t, "2024-05-01T10:00:00Z", r.URL.Query().Get("cursor"))
		_, _ = io.WriteString(w, `[
			{"id":"m2","sender_id":"u1","content":"b","created_at":"2024-05-01T09:00:02","edited_at":null,"deleted_at":null,"attachments":[]},
			{"id":"m1","conversation_id":"c1","sender_id":"u2","content":null,"created_at":"2024-05-01T09:00:01.5","edited_at":null,"deleted_at":"2024-05-01T09:30:00","attachments":[]}
		]`)
	}), "tok")

	msgs, err := c.ListMessages(context.Background(), "c1", &cursor, 500)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "c1", msgs[0].ConversationID)
	assert.Equal(t, time.Date(2024, 5, 1, 9, 0, 2, 0, time.UTC), msgs[0].CreatedAt)
	assert.True(t, msgs[1].IsDeleted())
}

func TestListMessages_DefaultPage(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "20", r.URL.Query().Get("limit"))
		assert.False(t, r.URL.Query().Has("cursor"))
		_, _ = io.WriteString(w, `[]`)
	}), "tok")

	msgs, err := c.ListMessages(context.Background(), "c1", nil, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestClient_NoCredentialSkipsNetwork(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		hits.Add(1)
	}), "")

	_, err := c.ListConversations(context.Background())
	assert.ErrorIs(t, err, domain.ErrNoCredential)
	assert.Zero(t, hits.Load())
}

func TestClient_ErrorDetail(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPatch:
			w.WriteHeader(http.StatusConflict)
			_, _ = io.WriteString(w, `{"detail":"Message deleted"}`)
		case http.MethodDelete:
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = io.WriteString(w, `{"detail":[{"loc":["body"],"msg":"field required"}]}`)
		default:
			w.WriteHeader(http.StatusBadGateway)
			_, _ = io.WriteString(w, `upstream down`)
		}
	}), "tok")

	_, err := c.EditMessage(context.Background(), "m1", "x")
	var apiErr *domain.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "Message deleted", apiErr.Detail)
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = c.DeleteMessage(context.Background(), "m1")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "field required", apiErr.Detail)

	_, err = c.Me(context.Background())
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "upstream down", apiErr.Detail)
}

func TestSendMessage_Multipart(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/conversations/c1/messages", r.URL.Path)
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		assert.Equal(t, "hello", r.FormValue("content"))
		files := r.MultipartForm.File["files"]
		if !assert.Len(t, files, 1) {
			return
		}
		assert.Equal(t, "a.txt", files[0].Filename)
		assert.Equal(t, "text/plain", files[0].Header.Get("Content-Type"))
		_, _ = io.WriteString(w, `{"id":"m9"}`)
	}), "tok")

	res, err := c.SendMessage(context.Background(), "c1", domain.StringPtr("hello"),
		[]domain.Upload{domain.BytesUpload("a.txt", "text/plain", []byte("abc"))})
	require.NoError(t, err)
	assert.Equal(t, "m9", res.ID)
	assert.Nil(t, res.Message)
}

func TestSendMessage_FullEcho(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		_, hasContent := r.MultipartForm.Value["content"]
		assert.False(t, hasContent)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "m1", "sender_id": "u1", "content": nil,
			"created_at": "2024-05-01T10:00:00Z", "attachments": []any{},
		})
	}), "tok")

	res, err := c.SendMessage(context.Background(), "c1", nil,
		[]domain.Upload{domain.BytesUpload("b.bin", "", []byte{1})})
	require.NoError(t, err)
	require.NotNil(t, res.Message)
	assert.Equal(t, "c1", res.Message.ConversationID)
	assert.Equal(t, "m1", res.Message.ID)
}

func TestConversations(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var body map[string]string
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "u2", body["peer_id"])
			_, _ = io.WriteString(w, `{"id":"c1","user_a_id":"u1","user_b_id":"u2","created_at":"2024-05-01T10:00:00"}`)
		default:
			_, _ = io.WriteString(w, `[{"id":"c1","user_a_id":"u1","user_b_id":"u2","created_at":"2024-05-01T10:00:00"}]`)
		}
	}), "tok")

	conv, err := c.CreateConversation(context.Background(), "u2")
	require.NoError(t, err)
	assert.Equal(t, "c1", conv.ID)

	list, err := c.ListConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "u2", list[0].UserBID)
}

func TestLoginAndRegister(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/auth/token":
			assert.Equal(t, "alice", r.URL.Query().Get("username"))
			assert.Equal(t, "pw", r.URL.Query().Get("password"))
			_, _ = io.WriteString(w, `{"access_token":"t1","token_type":"bearer"}`)
		case "/auth/register":
			w.WriteHeader(http.StatusCreated)
			_, _ = io.WriteString(w, `{"access_token":"t2","token_type":"bearer"}`)
		}
	}), "")

	tok, err := c.Login(context.Background(), "alice", "pw")
	require.NoError(t, err)
	assert.Equal(t, "t1", tok)

	tok, err = c.Register(context.Background(), "a@example.com", "alice", "pw")
	require.NoError(t, err)
	assert.Equal(t, "t2", tok)
}
