package conn

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/weiawesome/wes-io-live/messenger-client/internal/domain"
)

// Conn is the subset of *websocket.Conn the session drives.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Dialer opens one live channel.
type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Conn, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
}

func NewWebsocketDialer(handshakeTimeout time.Duration) *WebsocketDialer {
	d := *websocket.DefaultDialer
	if handshakeTimeout > 0 {
		d.HandshakeTimeout = handshakeTimeout
	}
	return &WebsocketDialer{Dialer: &d}
}

// Dial maps a 401/403 handshake rejection to domain.ErrUnauthorized.
func (d *WebsocketDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	c, resp, err := d.Dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden:
				return nil, fmt.Errorf("%w: handshake status %d", domain.ErrUnauthorized, resp.StatusCode)
			}
			return nil, fmt.Errorf("handshake status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}
	return c, nil
}

// BuildURL derives the channel URL for one conversation. http and https
// bases are rewritten to ws and wss.
func BuildURL(base, token, conversationID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse ws url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported ws url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("ws url %q has no host", base)
	}
	q := u.Query()
	q.Set("token", token)
	q.Set("conversation_id", conversationID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// DeriveWSURL turns an API base such as http://host:8000 into ws://host:8000/ws.
func DeriveWSURL(apiBase string) string {
	u, err := url.Parse(apiBase)
	if err != nil || u.Host == "" {
		return apiBase
	}
	if strings.EqualFold(u.Scheme, "https") {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	u.RawQuery = ""
	return u.String()
}
