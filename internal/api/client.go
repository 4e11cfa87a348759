// Package api is the REST client for the messenger server.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/weiawesome/wes-io-live/messenger-client/internal/config"
	"github.com/weiawesome/wes-io-live/messenger-client/internal/domain"
	"github.com/weiawesome/wes-io-live/messenger-client/pkg/log"
)

// MaxPageSize is the largest page the server returns.
const MaxPageSize = 100

// TokenSource supplies the current bearer token. An empty token means
// logged out.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Client talks to the messenger REST API.
type Client struct {
	baseURL    string
	pageSize   int
	tokens     TokenSource
	httpClient *http.Client
}

func New(cfg config.APIConfig, tokens TokenSource, logger zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 || pageSize > MaxPageSize {
		pageSize = 50
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		pageSize: pageSize,
		tokens:   tokens,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: log.NewTransport(http.DefaultTransport, logger),
		},
	}
}

// HTTPClient exposes the underlying client for authenticated downloads.
func (c *Client) HTTPClient() *http.Client { return c.httpClient }

// PageSize is the default page length used by ListMessages.
func (c *Client) PageSize() int { return c.pageSize }

// Token returns the current bearer token or domain.ErrNoCredential.
func (c *Client) Token(ctx context.Context) (string, error) {
	if c.tokens == nil {
		return "", domain.ErrNoCredential
	}
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return "", err
	}
	if tok == "" {
		return "", domain.ErrNoCredential
	}
	return tok, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader, auth bool) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if auth {
		tok, err := c.Token(ctx)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return req, nil
}

func jsonBody(payload any) (io.Reader, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	return bytes.NewReader(data), nil
}

func (c *Client) newJSONRequest(ctx context.Context, method, path string, payload any) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		var err error
		if body, err = jsonBody(payload); err != nil {
			return nil, err
		}
	}
	req, err := c.newRequest(ctx, method, path, body, true)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// do sends req and decodes a 2xx JSON body into out, if out is non-nil.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// decodeError builds an *APIError from the server's {"detail": ...} body.
// Validation failures carry a list of detail objects.
func decodeError(resp *http.Response) error {
	apiErr := &domain.APIError{StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var body struct {
		Detail json.RawMessage `json:"detail"`
	}
	if json.Unmarshal(data, &body) == nil && len(body.Detail) > 0 {
		var s string
		if json.Unmarshal(body.Detail, &s) == nil {
			apiErr.Detail = s
			return apiErr
		}
		var items []struct {
			Msg string `json:"msg"`
		}
		if json.Unmarshal(body.Detail, &items) == nil {
			msgs := make([]string, 0, len(items))
			for _, it := range items {
				if it.Msg != "" {
					msgs = append(msgs, it.Msg)
				}
			}
			apiErr.Detail = strings.Join(msgs, "; ")
			return apiErr
		}
		apiErr.Detail = string(body.Detail)
		return apiErr
	}
	apiErr.Detail = strings.TrimSpace(string(data))
	return apiErr
}

// ListConversations returns the caller's conversations in server order.
func (c *Client) ListConversations(ctx context.Context) ([]domain.Conversation, error) {
	req, err := c.newJSONRequest(ctx, http.MethodGet, "/conversations", nil)
	if err != nil {
		return nil, err
	}
	var out []domain.Conversation
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateConversation returns the conversation with peerID, creating it if needed.
func (c *Client) CreateConversation(ctx context.Context, peerID string) (domain.Conversation, error) {
	req, err := c.newJSONRequest(ctx, http.MethodPost, "/conversations", map[string]string{"peer_id": peerID})
	if err != nil {
		return domain.Conversation{}, err
	}
	var out domain.Conversation
	if err := c.do(req, &out); err != nil {
		return domain.Conversation{}, err
	}
	return out, nil
}

// ListMessages returns up to limit messages created strictly before cursor,
// newest first. A nil cursor fetches the latest page.
func (c *Client) ListMessages(ctx context.Context, conversationID string, cursor *time.Time, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = c.pageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if cursor != nil {
		q.Set("cursor", domain.FormatCursor(*cursor))
	}
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages?" + q.Encode()

	req, err := c.newJSONRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var out []domain.Message
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].ConversationID == "" {
			out[i].ConversationID = conversationID
		}
	}
	return out, nil
}

// SendResult is the answer to a send. Message is nil when the server only
// echoed the new id.
type SendResult struct {
	ID      string
	Message *domain.Message
}

// SendMessage posts a multipart message with optional content and files.
func (c *Client) SendMessage(ctx context.Context, conversationID string, content *string, files []domain.Upload) (SendResult, error) {
	body, contentType, err := encodeMultipart(content, files)
	if err != nil {
		return SendResult{}, err
	}
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	req, err := c.newRequest(ctx, http.MethodPost, path, body, true)
	if err != nil {
		return SendResult{}, err
	}
	req.Header.Set("Content-Type", contentType)

	var raw json.RawMessage
	if err := c.do(req, &raw); err != nil {
		return SendResult{}, err
	}
	return decodeSendResult(raw, conversationID)
}

func decodeSendResult(raw json.RawMessage, conversationID string) (SendResult, error) {
	var probe struct {
		ID        string  `json:"id"`
		CreatedAt *string `json:"created_at"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return SendResult{}, fmt.Errorf("failed to decode response: %w", err)
	}
	if probe.ID == "" {
		return SendResult{}, errors.New("send response has no id")
	}
	res := SendResult{ID: probe.ID}
	if probe.CreatedAt == nil {
		return res, nil
	}
	var m domain.Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return SendResult{}, fmt.Errorf("failed to decode message: %w", err)
	}
	if m.ConversationID == "" {
		m.ConversationID = conversationID
	}
	res.Message = &m
	return res, nil
}

func encodeMultipart(content *string, files []domain.Upload) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if content != nil {
		if err := w.WriteField("content", *content); err != nil {
			return nil, "", err
		}
	}
	for _, f := range files {
		if err := writeFilePart(w, f); err != nil {
			return nil, "", fmt.Errorf("attach %s: %w", f.Filename, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func writeFilePart(w *multipart.Writer, f domain.Upload) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename="%s"`, quoteEscaper.Replace(f.Filename)))
	ct := f.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h.Set("Content-Type", ct)
	part, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(part, rc)
	return err
}

// EditMessage replaces the content of messageID and returns the stored record.
func (c *Client) EditMessage(ctx context.Context, messageID, content string) (domain.Message, error) {
	req, err := c.newJSONRequest(ctx, http.MethodPatch, "/messages/"+url.PathEscape(messageID), map[string]string{"content": content})
	if err != nil {
		return domain.Message{}, err
	}
	var out domain.Message
	if err := c.do(req, &out); err != nil {
		return domain.Message{}, err
	}
	return out, nil
}

// DeleteMessage tombstones messageID and returns the stored record.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) (domain.Message, error) {
	req, err := c.newJSONRequest(ctx, http.MethodDelete, "/messages/"+url.PathEscape(messageID), nil)
	if err != nil {
		return domain.Message{}, err
	}
	var out domain.Message
	if err := c.do(req, &out); err != nil {
		return domain.Message{}, err
	}
	return out, nil
}

// Me returns the authenticated user.
func (c *Client) Me(ctx context.Context) (domain.UserSummary, error) {
	req, err := c.newJSONRequest(ctx, http.MethodGet, "/users/me", nil)
	if err != nil {
		return domain.UserSummary{}, err
	}
	var out domain.UserSummary
	if err := c.do(req, &out); err != nil {
		return domain.UserSummary{}, err
	}
	return out, nil
}
