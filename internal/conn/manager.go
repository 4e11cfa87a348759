// Package conn owns the live event channel of each mounted conversation
// view: connect, keepalive, reconnect with backoff, and teardown.
package conn

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/weiawesome/wes-io-live/messenger-client/internal/config"
	"github.com/weiawesome/wes-io-live/messenger-client/internal/domain"
	"github.com/weiawesome/wes-io-live/messenger-client/pkg/log"
)

// Observer receives what a session produces. Calls come from session
// goroutines and must return quickly; a panic is recovered and logged.
type Observer interface {
	// HandleEvent receives decoded application events in server-send order.
	HandleEvent(ev domain.Event)
	// HandleStatus reports status changes. reconnected is true when the
	// channel opened after an earlier open, which means events may be missing.
	HandleStatus(status domain.ConnectionStatus, reconnected bool)
	// HandleError reports dial and channel failures. Reconnect continues.
	HandleError(err error)
}

// Manager opens sessions against one live channel endpoint.
type Manager struct {
	baseURL string
	cfg     config.WebSocketConfig
	dialer  Dialer
	logger  zerolog.Logger
}

func NewManager(baseURL string, cfg config.WebSocketConfig, dialer Dialer, logger zerolog.Logger) *Manager {
	def := config.DefaultWebSocket()
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if dialer == nil {
		dialer = NewWebsocketDialer(cfg.HandshakeTimeout)
	}
	return &Manager{
		baseURL: baseURL,
		cfg:     cfg,
		dialer:  dialer,
		logger:  logger.With().Str("component", "conn").Logger(),
	}
}

// Open starts a session for conversationID authenticated with credential.
// The first dial runs asynchronously.
func (m *Manager) Open(conversationID, credential string, obs Observer) (*Session, error) {
	if strings.TrimSpace(credential) == "" {
		return nil, domain.ErrNoCredential
	}
	if strings.TrimSpace(conversationID) == "" {
		return nil, &domain.ValidationError{Field: "conversation_id", Reason: "required", Err: domain.ErrInvalidTarget}
	}
	u, err := BuildURL(m.baseURL, credential, conversationID)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	s := &Session{
		id:             id,
		conversationID: conversationID,
		url:            u,
		mgr:            m,
		obs:            obs,
		ctx:            ctx,
		cancel:         cancel,
		state:          StateConnecting,
		logger: m.logger.With().
			Str(log.FieldSessionID, id).
			Str(log.FieldConversationID, conversationID).
			Logger(),
	}
	s.logger.Debug().Msg("session opened")
	go s.connect()
	return s, nil
}

// Close stops the session. It is equivalent to s.Close.
func (m *Manager) Close(s *Session) {
	if s != nil {
		s.Close()
	}
}
