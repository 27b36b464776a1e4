package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/marketmind/chatstream/internal/protocol"
)

// Limits enforced per streaming session.
type Limits struct {
	Burst   int
	PerChat int
	Hourly  int
	Daily   int
}

// DefaultLimits mirrors the production gateway's advertised counters.
func DefaultLimits() Limits {
	return Limits{Burst: 5, PerChat: 20, Hourly: 50, Daily: 200}
}

// WSHandler serves the streaming endpoint with scripted assistant replies.
type WSHandler struct {
	store    *Store
	secret   string
	limits   Limits
	chunkGap time.Duration
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewWSHandler creates the streaming endpoint handler.
func NewWSHandler(store *Store, secret string, limits Limits, logger zerolog.Logger) *WSHandler {
	return &WSHandler{
		store:    store,
		secret:   secret,
		limits:   limits,
		chunkGap: 40 * time.Millisecond,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.With().Str("component", "gateway-ws").Logger(),
	}
}

// SetChunkGap overrides the delay between streamed chunks (tests).
func (h *WSHandler) SetChunkGap(d time.Duration) {
	h.chunkGap = d
}

// ServeHTTP upgrades the connection and runs the session. Authentication
// failures are reported through the reserved close codes so clients can
// distinguish them from transport faults.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("upgrade failed")
		return
	}

	id, err := VerifyToken(h.secret, r.URL.Query().Get("token"))
	if err != nil {
		h.closeWith(conn, protocol.CloseUnauthenticated, "invalid token")
		return
	}
	if !id.HasScope(ScopeChat) {
		h.closeWith(conn, protocol.CloseForbidden, "missing chat scope")
		return
	}

	sess := &wsSession{
		handler: h,
		conn:    conn,
		user:    id,
		burst:   rate.NewLimiter(rate.Every(10*time.Second), h.limits.Burst),
		logger:  h.logger.With().Str("user_id", id.UserID).Logger(),
	}
	sess.run()
}

func (h *WSHandler) closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}

// wsSession is one authenticated streaming connection.
type wsSession struct {
	handler *WSHandler
	conn    *websocket.Conn
	user    Identity
	burst   *rate.Limiter
	logger  zerolog.Logger

	writeMu  sync.Mutex
	messages int
}

func (s *wsSession) run() {
	defer s.conn.Close()

	s.send(map[string]any{"type": protocol.TypeConnection, "user_id": s.user.UserID})
	s.sendRateLimits()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame struct {
			Type    string `json:"type"`
			ChatID  string `json:"chat_id"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.logger.Warn().Err(err).Msg("dropping malformed client frame")
			continue
		}

		switch frame.Type {
		case "ping":
			s.send(map[string]any{"type": protocol.TypePong})
		case "pong":
			// Heartbeat ack, nothing to do.
		case "message":
			s.handleMessage(frame.ChatID, frame.Message)
		default:
			s.logger.Warn().Str("frame_type", frame.Type).Msg("dropping unknown client frame")
		}
	}
}

func (s *wsSession) handleMessage(chatID, text string) {
	if !s.burst.Allow() {
		s.send(map[string]any{
			"type":    protocol.TypeRateLimitExceeded,
			"message": "too many messages, slow down",
		})
		return
	}
	s.messages++
	s.handler.store.AppendMessage(chatID, "user", text)

	s.send(map[string]any{"type": protocol.TypeMessageReceived, "message_id": chatID + "-ack"})
	s.sendRateLimits()

	reply := scriptReply(text)

	var tools []string
	if reply.tool != "" {
		tools = append(tools, reply.tool)
		s.send(map[string]any{
			"type":      protocol.TypeToolExecuting,
			"tool_name": reply.tool,
			"tool_id":   "t-" + reply.tool,
			"timestamp": time.Now().UnixMilli(),
		})
		time.Sleep(s.handler.chunkGap)
		s.send(map[string]any{"type": protocol.TypeToolComplete, "tool_name": reply.tool})
	}

	for _, chunk := range reply.chunks {
		s.send(map[string]any{"type": protocol.TypeTextChunk, "content": chunk})
		time.Sleep(s.handler.chunkGap)
	}

	if reply.symbol != "" {
		s.send(map[string]any{
			"type":            protocol.TypeChartGenerated,
			"chart_available": true,
			"chart_url":       "https://charts.local/" + reply.symbol + ".png",
			"stock_symbol":    reply.symbol,
		})
	}

	full := strings.Join(reply.chunks, "")
	s.handler.store.AppendMessage(chatID, "assistant", full)

	s.send(map[string]any{
		"type":        protocol.TypeMessageComplete,
		"tokens_used": len(strings.Fields(full)),
		"tools_used":  tools,
	})
}

func (s *wsSession) sendRateLimits() {
	limits := s.handler.limits
	s.send(map[string]any{
		"type": protocol.TypeRateLimitInfo,
		"current_usage": map[string]int{
			"burst":    s.handler.limits.Burst - int(s.burst.Tokens()),
			"per_chat": s.messages,
			"hourly":   s.messages,
			"daily":    s.messages,
		},
		"limits": map[string]int{
			"burst":    limits.Burst,
			"per_chat": limits.PerChat,
			"hourly":   limits.Hourly,
			"daily":    limits.Daily,
		},
	})
}

func (s *wsSession) send(v any) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(v); err != nil {
		s.logger.Warn().Err(err).Msg("write failed")
	}
}

// scripted reply content

type reply struct {
	tool   string
	symbol string
	chunks []string
}

var knownSymbols = []string{"TCS", "INFY", "RELIANCE", "HDFCBANK", "NIFTY"}

// scriptReply fakes the assistant: symbol questions run a price lookup and
// attach a chart, everything else gets a canned answer.
func scriptReply(text string) reply {
	upper := strings.ToUpper(text)
	for _, sym := range knownSymbols {
		if strings.Contains(upper, sym) {
			return reply{
				tool:   "lookup_price",
				symbol: sym,
				chunks: []string{sym + " is trading at ", "₹100 today. ", "See the chart below."},
			}
		}
	}
	return reply{
		chunks: []string{"I can help with Indian equities. ", "Ask about a symbol like TCS or INFY."},
	}
}
