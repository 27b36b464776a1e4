// Package client implements the persistent streaming connection to the chat
// gateway: connection lifecycle, heartbeat, bounded-backoff reconnection,
// inbound frame dispatch, and outbound message sending.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	perrors "github.com/marketmind/chatstream/internal/errors"
	"github.com/marketmind/chatstream/internal/metrics"
	"github.com/marketmind/chatstream/internal/protocol"
	"github.com/marketmind/chatstream/internal/session"
	"github.com/marketmind/chatstream/internal/stream"
	"github.com/marketmind/chatstream/pkg/token"
)

// Config holds streaming client configuration.
type Config struct {
	// GatewayURL is the WebSocket URL, e.g. "ws://localhost:8080/ws/chat".
	// The bearer credential is appended as a query parameter on dial.
	GatewayURL string

	// HeartbeatInterval is the ping cadence on an open connection.
	HeartbeatInterval time.Duration

	// HandshakeTimeout bounds the WebSocket dial.
	HandshakeTimeout time.Duration

	// Reconnect is the backoff policy for unexpected closes.
	Reconnect ReconnectPolicy
}

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{
		GatewayURL:        "ws://localhost:8080/ws/chat",
		HeartbeatInterval: 30 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		Reconnect:         DefaultReconnectPolicy(),
	}
}

// Client owns the single live gateway connection and its timers. No other
// component holds the transport handle; all mutation funnels through
// Connect, Disconnect, and SendMessage.
type Client struct {
	cfg       Config
	tokens    token.Provider
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	assembler *stream.Assembler
	state     *session.Tracker

	mu             sync.Mutex
	conn           *websocket.Conn
	open           bool
	gen            int // connection generation; stale callbacks check it and bail
	attempts       int
	stopHeartbeat  chan struct{}
	reconnectTimer *time.Timer
	turnStart      time.Time
	onMessage      func(stream.Message)

	writeMu sync.Mutex
}

// New creates a streaming client. The token provider supplies the opaque
// bearer credential; acquisition and refresh stay outside this package.
func New(cfg Config, tokens token.Provider, m *metrics.Metrics, logger zerolog.Logger) *Client {
	if cfg.GatewayURL == "" {
		cfg.GatewayURL = DefaultConfig().GatewayURL
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Reconnect.MaxAttempts == 0 {
		cfg.Reconnect = DefaultReconnectPolicy()
	}

	c := &Client{
		cfg:       cfg,
		tokens:    tokens,
		logger:    logger.With().Str("component", "stream-client").Logger(),
		metrics:   m,
		assembler: stream.NewAssembler(logger),
		state:     session.NewTracker(),
	}
	c.assembler.OnUpdate(c.publishTools)
	return c
}

// OnMessage registers the completion callback invoked with each finalized
// assistant message.
func (c *Client) OnMessage(fn func(stream.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

// Subscribe registers a session state subscriber.
func (c *Client) Subscribe(fn func(session.State)) {
	c.state.Subscribe(fn)
}

// State returns the current session snapshot.
func (c *Client) State() session.State {
	return c.state.Snapshot()
}

// IsConnected reports whether the connection is open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Connect establishes a fresh gateway connection. Any live connection and any
// pending timers are torn down first, so at most one connection exists per
// logical session. A dial failure schedules a reconnect per the backoff
// policy and is also returned to the caller.
func (c *Client) Connect(ctx context.Context) error {
	return c.connect(ctx, -1)
}

// connect is the single dial path. A non-negative expect pins the call to one
// connection generation: the teardown only proceeds while the generation still
// matches, re-checked under the lock, so a reconnect timer that lost the race
// with Disconnect can never revive the session.
func (c *Client) connect(ctx context.Context, expect int) error {
	c.mu.Lock()
	if expect >= 0 && expect != c.gen {
		c.mu.Unlock()
		return perrors.ErrClosed
	}
	c.cancelReconnectLocked()
	c.stopHeartbeatLocked()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.open = false
	}
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	c.state.Update(func(s *session.State) {
		s.Status = session.StatusConnecting
		s.Connected = false
	})

	tok, err := c.tokens.Token(ctx)
	if err != nil {
		c.state.Update(func(s *session.State) {
			s.Status = session.StatusClosed
			s.LastError = "credential unavailable"
		})
		return fmt.Errorf("fetching credential: %w", err)
	}

	u, err := url.Parse(c.cfg.GatewayURL)
	if err != nil {
		return fmt.Errorf("parsing gateway URL: %w", err)
	}
	q := u.Query()
	q.Set("token", tok)
	u.RawQuery = q.Encode()

	c.logger.Info().Str("url", c.cfg.GatewayURL).Int("gen", gen).Msg("connecting to gateway")

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		c.logger.Warn().Err(err).Msg("ws dial failed")
		c.scheduleReconnect(gen)
		return fmt.Errorf("ws dial failed: %w", err)
	}

	c.mu.Lock()
	if gen != c.gen {
		// A Disconnect or newer Connect superseded this dial.
		c.mu.Unlock()
		_ = conn.Close()
		return perrors.ErrClosed
	}
	c.conn = conn
	c.open = true
	c.attempts = 0
	c.stopHeartbeat = make(chan struct{})
	stop := c.stopHeartbeat
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ConnectionOpen.Set(1)
	}
	c.state.Update(func(s *session.State) {
		s.Status = session.StatusOpen
		s.Connected = true
		s.LastError = ""
		s.CloseCode = 0
		s.CloseReason = ""
	})

	go c.heartbeatLoop(stop)
	go c.readLoop(gen, conn)

	c.logger.Info().Msg("connected to gateway")
	return nil
}

// Disconnect performs a clean close: it synchronously cancels the heartbeat
// and any pending reconnect timer, closes the socket with code 1000, and
// clears transient buffers. The client can Connect again afterwards.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.gen++
	c.cancelReconnectLocked()
	c.stopHeartbeatLocked()
	conn := c.conn
	c.conn = nil
	c.open = false
	c.attempts = 0
	c.mu.Unlock()

	if conn != nil {
		c.state.Update(func(s *session.State) {
			s.Status = session.StatusClosing
			s.Streaming = false
		})
		_ = conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
		)
		_ = conn.Close()
	}

	c.assembler.Reset()
	if c.metrics != nil {
		c.metrics.ConnectionOpen.Set(0)
	}
	c.state.Update(func(s *session.State) {
		s.Status = session.StatusClosed
		s.Connected = false
		s.Streaming = false
		s.Content = ""
		s.Tools = nil
		s.CloseCode = protocol.CloseNormal
		s.CloseReason = "client disconnect"
	})
	c.logger.Info().Msg("disconnected from gateway")
}

// SendMessage transmits a user message for the given chat. Preconditions: an
// open connection and a non-empty chat id. Violations are rejected with
// sentinel errors and cause no state mutation. On success the assembler is
// reset for the new turn and streaming state is published.
func (c *Client) SendMessage(chatID, text string) error {
	if chatID == "" {
		return perrors.ErrMissingChatID
	}

	c.mu.Lock()
	if !c.open || c.conn == nil {
		c.mu.Unlock()
		return perrors.ErrNotConnected
	}
	conn := c.conn
	c.mu.Unlock()

	raw, err := protocol.EncodeMessage(chatID, text)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	// Arm the turn before the frame leaves, so a reply chunk racing in on the
	// read loop always lands in the new buffer.
	c.assembler.Begin()
	c.mu.Lock()
	c.turnStart = time.Now()
	c.mu.Unlock()
	c.state.Update(func(s *session.State) {
		s.Streaming = true
		s.Content = ""
		s.Tools = nil
		s.LastError = ""
	})

	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, raw)
	c.writeMu.Unlock()
	if err != nil {
		c.assembler.Reset()
		c.mu.Lock()
		c.turnStart = time.Time{}
		c.mu.Unlock()
		c.state.Update(func(s *session.State) {
			s.Streaming = false
			s.Content = ""
			s.Tools = nil
		})
		return fmt.Errorf("sending message: %w", err)
	}

	if c.metrics != nil {
		c.metrics.MessagesSent.Inc()
	}

	c.logger.Debug().Str("chat_id", chatID).Msg("message sent")
	return nil
}

// --- internal lifecycle ---

func (c *Client) readLoop(gen int, conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			code, reason := closeInfo(err)
			c.handleClose(gen, code, reason, err)
			return
		}
		c.apply(raw)
	}
}

// handleClose runs transport-close effects exactly once per connection
// generation; a Disconnect or newer Connect makes this a no-op.
func (c *Client) handleClose(gen, code int, reason string, cause error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.stopHeartbeatLocked()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.open = false
	c.mu.Unlock()

	c.assembler.Reset()
	if c.metrics != nil {
		c.metrics.ConnectionOpen.Set(0)
	}

	c.logger.Warn().Err(cause).Int("code", code).Str("reason", reason).Msg("connection closed")

	if !protocol.RetryableClose(code) {
		lastErr := ""
		switch code {
		case protocol.CloseUnauthenticated:
			lastErr = perrors.ErrUnauthorized.Error()
		case protocol.CloseForbidden:
			lastErr = perrors.ErrForbidden.Error()
		}
		c.state.Update(func(s *session.State) {
			s.Status = session.StatusClosed
			s.Connected = false
			s.Streaming = false
			s.Content = ""
			s.Tools = nil
			s.CloseCode = code
			s.CloseReason = reason
			s.LastError = lastErr
		})
		return
	}

	c.state.Update(func(s *session.State) {
		s.Connected = false
		s.Streaming = false
		s.Content = ""
		s.Tools = nil
		s.CloseCode = code
		s.CloseReason = reason
	})
	c.scheduleReconnect(gen)
}

// scheduleReconnect arms one reconnect timer per failed attempt. Exhausted
// attempts surface a terminal error and schedule nothing further.
func (c *Client) scheduleReconnect(gen int) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.attempts++
	attempt := c.attempts
	if !c.cfg.Reconnect.Eligible(attempt) {
		c.mu.Unlock()
		c.logger.Error().Int("attempts", attempt-1).Msg("reconnection attempts exhausted")
		c.state.Update(func(s *session.State) {
			s.Status = session.StatusClosed
			s.Connected = false
			s.LastError = perrors.ErrReconnectFailed.Error()
		})
		return
	}
	delay := c.cfg.Reconnect.Delay(attempt)
	c.reconnectTimer = time.AfterFunc(delay, func() {
		_ = c.connect(context.Background(), gen)
	})
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ReconnectsTotal.Inc()
	}
	c.state.Update(func(s *session.State) {
		s.Status = session.StatusReconnecting
		s.Connected = false
	})
	c.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnect scheduled")
}

func (c *Client) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.sendRaw(protocol.EncodePing()); err != nil {
				// The read loop observes the broken conn and drives recovery.
				c.logger.Warn().Err(err).Msg("heartbeat send failed")
			}
		}
	}
}

func (c *Client) sendRaw(raw []byte) error {
	c.mu.Lock()
	conn := c.conn
	open := c.open
	c.mu.Unlock()
	if !open || conn == nil {
		return perrors.ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func (c *Client) cancelReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Client) stopHeartbeatLocked() {
	if c.stopHeartbeat != nil {
		close(c.stopHeartbeat)
		c.stopHeartbeat = nil
	}
}

func (c *Client) publishTools() {
	tools := c.assembler.Tools()
	c.state.Update(func(s *session.State) {
		s.Tools = tools
	})
}

// closeInfo extracts the close code and reason from a read error. Errors
// without a close frame count as abnormal closure (1006), which is retryable.
func closeInfo(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return websocket.CloseAbnormalClosure, err.Error()
}
