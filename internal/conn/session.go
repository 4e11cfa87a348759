package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/weiawesome/wes-io-live/messenger-client/internal/decoder"
	"github.com/weiawesome/wes-io-live/messenger-client/internal/domain"
	"github.com/weiawesome/wes-io-live/messenger-client/pkg/log"
)

// CloseUnauthorized is the close code the server uses for a rejected token.
const CloseUnauthorized = 4401

const sendBuffer = 16

type State int

const (
	StateConnecting State = iota
	StateOpen
	StateBackoff
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateBackoff:
		return "backoff"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Session is the per-view connection state machine:
// Connecting -> Open -> Backoff -> Connecting ... until Stopped.
type Session struct {
	id             string
	conversationID string
	url            string
	mgr            *Manager
	obs            Observer
	logger         zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// notifyMu orders status callbacks with the state they report.
	notifyMu sync.Mutex

	mu         sync.Mutex
	state      State
	retry      int
	everOpened bool
	timer      *time.Timer
	conn       Conn
	out        chan []byte
	connDone   chan struct{}
	gen        uint64
	lastStatus domain.ConnectionStatus
}

func (s *Session) ID() string { return s.id }

func (s *Session) ConversationID() string { return s.conversationID }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Retry returns the current retry counter.
func (s *Session) Retry() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retry
}

func (s *Session) Status() domain.ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Session) statusLocked() domain.ConnectionStatus {
	switch s.state {
	case StateOpen:
		return domain.StatusConnected
	case StateStopped:
		return domain.StatusStopped
	case StateConnecting:
		if !s.everOpened && s.retry == 0 {
			return domain.StatusConnecting
		}
	}
	return domain.StatusReconnecting
}

// Close sets Stopped, cancels any pending reconnect and closes the channel.
// Nothing is emitted for this session afterwards except the stopped status.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	s.state = StateStopped
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.cancel()
	s.teardownLocked(true)
	s.mu.Unlock()

	s.logger.Debug().Msg("session closed")
	s.notifyStatus(false)
}

// teardownLocked releases the current channel, if any.
func (s *Session) teardownLocked(graceful bool) {
	if s.conn == nil {
		return
	}
	if graceful {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.mgr.cfg.WriteWait))
	}
	close(s.connDone)
	_ = s.conn.Close()
	s.conn = nil
	s.out = nil
	s.connDone = nil
}

// connect performs one dial attempt. It runs on its own goroutine for the
// first attempt and on the timer goroutine for reconnects.
func (s *Session) connect() {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	s.state = StateConnecting
	s.timer = nil
	s.mu.Unlock()
	s.notifyStatus(false)

	ctx := s.ctx
	if t := s.mgr.cfg.HandshakeTimeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	c, err := s.mgr.dialer.Dial(ctx, s.url)

	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		if c != nil {
			_ = c.Close()
		}
		return
	}
	if err != nil {
		delay := s.scheduleLocked()
		s.mu.Unlock()
		s.logger.Warn().Err(err).Int64(log.FieldDelay, delay.Milliseconds()).Msg("dial failed")
		s.notifyError(err)
		s.notifyStatus(false)
		return
	}

	s.gen++
	gen := s.gen
	reconnected := s.everOpened
	s.everOpened = true
	s.retry = 0
	s.state = StateOpen
	s.conn = c
	s.out = make(chan []byte, sendBuffer)
	s.connDone = make(chan struct{})
	out, done := s.out, s.connDone
	s.mu.Unlock()

	s.logger.Info().Bool("reconnected", reconnected).Msg("channel open")
	s.notifyStatus(reconnected)

	go s.writePump(c, out, done)
	go s.readPump(c, gen)
}

// scheduleLocked arms the reconnect timer and returns its delay.
func (s *Session) scheduleLocked() time.Duration {
	delay := Backoff(s.retry, s.mgr.cfg.BaseDelay, s.mgr.cfg.MaxDelay)
	s.retry++
	s.state = StateBackoff
	s.timer = time.AfterFunc(delay, s.connect)
	return delay
}

// drop handles the end of channel generation gen.
func (s *Session) drop(gen uint64, cause error) {
	s.mu.Lock()
	if s.state == StateStopped || gen != s.gen || s.conn == nil {
		s.mu.Unlock()
		return
	}
	s.teardownLocked(false)
	delay := s.scheduleLocked()
	s.mu.Unlock()

	ev := s.logger.Info()
	if websocket.IsUnexpectedCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		ev = s.logger.Warn()
	}
	ev.Err(cause).Int(log.FieldRetry, s.Retry()).Int64(log.FieldDelay, delay.Milliseconds()).Msg("channel dropped")

	if websocket.IsCloseError(cause, CloseUnauthorized) {
		s.notifyError(fmt.Errorf("%w: channel closed by server", domain.ErrUnauthorized))
	} else {
		s.notifyError(cause)
	}
	s.notifyStatus(false)
}

// live reports whether gen is still the current open channel.
func (s *Session) live(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateOpen && s.gen == gen
}

// send queues a frame on generation gen without blocking.
func (s *Session) send(gen uint64, msg []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen || s.gen != gen || s.out == nil {
		return false
	}
	select {
	case s.out <- msg:
		return true
	default:
		return false
	}
}

func (s *Session) readPump(c Conn, gen uint64) {
	cfg := s.mgr.cfg
	c.SetReadLimit(cfg.MaxMessageSize)
	if cfg.PongWait > 0 {
		_ = c.SetReadDeadline(time.Now().Add(cfg.PongWait))
		c.SetPongHandler(func(string) error {
			return c.SetReadDeadline(time.Now().Add(cfg.PongWait))
		})
	}

	for {
		_, raw, err := c.ReadMessage()
		if err != nil {
			s.drop(gen, err)
			return
		}
		if cfg.PongWait > 0 {
			_ = c.SetReadDeadline(time.Now().Add(cfg.PongWait))
		}

		ev, ok := decoder.Decode(raw)
		if !ok {
			s.logger.Debug().Int("bytes", len(raw)).Msg("dropped frame")
			continue
		}
		if ev.Kind() == domain.KindKeepalivePing {
			if !s.send(gen, decoder.Pong) {
				s.logger.Debug().Msg("pong not queued")
			}
			continue
		}
		if !s.live(gen) {
			return
		}
		s.notifyEvent(ev)
	}
}

func (s *Session) writePump(c Conn, out <-chan []byte, done <-chan struct{}) {
	cfg := s.mgr.cfg
	var tick <-chan time.Time
	if cfg.PingInterval > 0 {
		ticker := time.NewTicker(cfg.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-done:
			return
		case msg := <-out:
			_ = c.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
				_ = c.Close()
				return
			}
		case <-tick:
			_ = c.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}

func (s *Session) notifyEvent(ev domain.Event) {
	s.guard("event", func() { s.obs.HandleEvent(ev) })
}

func (s *Session) notifyError(err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	s.guard("error", func() { s.obs.HandleError(err) })
}

// notifyStatus reports the current status when it differs from the last
// one reported. A reconnected open is always reported.
func (s *Session) notifyStatus(reconnected bool) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	st := s.statusLocked()
	if st == s.lastStatus && !reconnected {
		s.mu.Unlock()
		return
	}
	s.lastStatus = st
	s.mu.Unlock()

	s.logger.Debug().Str(log.FieldState, string(st)).Msg("status")
	s.guard("status", func() { s.obs.HandleStatus(st, reconnected) })
}

func (s *Session) guard(what string, fn func()) {
	if s.obs == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("callback", what).Msg("observer panicked")
		}
	}()
	fn()
}
