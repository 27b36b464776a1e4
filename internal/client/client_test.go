package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/marketmind/chatstream/internal/errors"
	"github.com/marketmind/chatstream/internal/metrics"
	"github.com/marketmind/chatstream/internal/session"
	"github.com/marketmind/chatstream/internal/stream"
	"github.com/marketmind/chatstream/pkg/token"
)

// mockGateway simulates the chat gateway WS endpoint.
type mockGateway struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  []*gatewayConn
	tokens []string
}

// gatewayConn is one accepted client connection.
type gatewayConn struct {
	conn    *websocket.Conn
	inbound chan map[string]any
}

func newMockGateway(t *testing.T) *mockGateway {
	mg := &mockGateway{
		t: t,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/chat", mg.handleWS)
	mg.server = httptest.NewServer(mux)
	return mg
}

func (mg *mockGateway) url() string {
	return "ws" + strings.TrimPrefix(mg.server.URL, "http") + "/ws/chat"
}

func (mg *mockGateway) close() {
	mg.mu.Lock()
	for _, gc := range mg.conns {
		gc.conn.Close()
	}
	mg.mu.Unlock()
	mg.server.Close()
}

func (mg *mockGateway) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := mg.upgrader.Upgrade(w, r, nil)
	if err != nil {
		mg.t.Logf("upgrade error: %v", err)
		return
	}

	gc := &gatewayConn{conn: conn, inbound: make(chan map[string]any, 32)}
	mg.mu.Lock()
	mg.conns = append(mg.conns, gc)
	mg.tokens = append(mg.tokens, r.URL.Query().Get("token"))
	mg.mu.Unlock()

	go func() {
		defer close(gc.inbound)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var m map[string]any
			if json.Unmarshal(raw, &m) == nil {
				gc.inbound <- m
			}
		}
	}()
}

// waitConn blocks until the gateway has accepted n connections and returns
// the n-th.
func (mg *mockGateway) waitConn(t *testing.T, n int) *gatewayConn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mg.mu.Lock()
		if len(mg.conns) >= n {
			gc := mg.conns[n-1]
			mg.mu.Unlock()
			return gc
		}
		mg.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("gateway never accepted connection %d", n)
	return nil
}

func (mg *mockGateway) connCount() int {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	return len(mg.conns)
}

func (gc *gatewayConn) send(t *testing.T, v string) {
	t.Helper()
	require.NoError(t, gc.conn.WriteMessage(websocket.TextMessage, []byte(v)))
}

func (gc *gatewayConn) closeWith(code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = gc.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = gc.conn.Close()
}

// expectFrame waits for an inbound frame of the given type.
func (gc *gatewayConn) expectFrame(t *testing.T, frameType string) map[string]any {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m, ok := <-gc.inbound:
			if !ok {
				t.Fatalf("connection closed waiting for %q frame", frameType)
			}
			if m["type"] == frameType {
				return m
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q frame", frameType)
		}
	}
}

func newTestClient(t *testing.T, gatewayURL string, cfg Config) *Client {
	t.Helper()
	cfg.GatewayURL = gatewayURL
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = time.Minute // quiet unless a test wants pings
	}
	if cfg.Reconnect.MaxAttempts == 0 {
		cfg.Reconnect = ReconnectPolicy{MaxAttempts: 5, BaseDelay: 20 * time.Millisecond, MaxDelay: 100 * time.Millisecond}
	}
	c := New(cfg, token.Static("test-token"), metrics.New(), zerolog.Nop())
	t.Cleanup(c.Disconnect)
	return c
}

func requireEventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func TestClient_ConnectSendsCredential(t *testing.T) {
	mg := newMockGateway(t)
	defer mg.close()

	c := newTestClient(t, mg.url(), Config{})
	require.NoError(t, c.Connect(context.Background()))
	mg.waitConn(t, 1)

	assert.True(t, c.IsConnected())
	assert.Equal(t, session.StatusOpen, c.State().Status)

	mg.mu.Lock()
	tok := mg.tokens[0]
	mg.mu.Unlock()
	assert.Equal(t, "test-token", tok)
}

func TestClient_SendMessagePreconditions(t *testing.T) {
	mg := newMockGateway(t)
	defer mg.close()

	c := newTestClient(t, mg.url(), Config{})

	// Not connected: rejected, no state mutation.
	before := c.State()
	err := c.SendMessage("chat-1", "hello")
	assert.ErrorIs(t, err, perrors.ErrNotConnected)
	assert.Equal(t, before, c.State())

	require.NoError(t, c.Connect(context.Background()))
	mg.waitConn(t, 1)

	err = c.SendMessage("", "hello")
	assert.ErrorIs(t, err, perrors.ErrMissingChatID)
	assert.False(t, c.State().Streaming)
}

func TestClient_SendMessageWireShape(t *testing.T) {
	mg := newMockGateway(t)
	defer mg.close()

	c := newTestClient(t, mg.url(), Config{})
	require.NoError(t, c.Connect(context.Background()))
	gc := mg.waitConn(t, 1)

	require.NoError(t, c.SendMessage("chat-1", "What is TCS trading at?"))
	assert.True(t, c.State().Streaming)

	m := gc.expectFrame(t, "message")
	assert.Equal(t, "chat-1", m["chat_id"])
	assert.Equal(t, "What is TCS trading at?", m["message"])
}

func TestClient_StreamingTurn(t *testing.T) {
	mg := newMockGateway(t)
	defer mg.close()

	c := newTestClient(t, mg.url(), Config{})

	var (
		msgMu sync.Mutex
		msgs  []stream.Message
	)
	c.OnMessage(func(m stream.Message) {
		msgMu.Lock()
		msgs = append(msgs, m)
		msgMu.Unlock()
	})

	require.NoError(t, c.Connect(context.Background()))
	gc := mg.waitConn(t, 1)
	require.NoError(t, c.SendMessage("chat-1", "price of lookup"))

	gc.send(t, `{"type":"tool_executing","tool_name":"lookup_price","tool_id":"t1","timestamp":1718000000000}`)
	requireEventually(t, func() bool { return len(c.State().Tools) == 1 }, "tool never appeared")

	gc.send(t, `{"type":"tool_complete","tool_name":"lookup_price"}`)
	gc.send(t, `{"type":"text_chunk","content":"Price is "}`)
	gc.send(t, `{"type":"text_chunk","content":"₹100"}`)
	requireEventually(t, func() bool { return c.State().Content == "Price is ₹100" }, "chunks never accumulated")

	gc.send(t, `{"type":"message_complete","tokens_used":12,"tools_used":["lookup_price"]}`)
	requireEventually(t, func() bool {
		msgMu.Lock()
		defer msgMu.Unlock()
		return len(msgs) == 1
	}, "completion callback never fired")

	msgMu.Lock()
	final := msgs[0]
	msgMu.Unlock()
	assert.Equal(t, "Price is ₹100", final.Content)
	assert.Equal(t, []string{"lookup_price"}, final.ToolsUsed)
	assert.Equal(t, 12, final.TokensUsed)

	st := c.State()
	assert.False(t, st.Streaming)
	assert.Empty(t, st.Content)
	assert.Empty(t, st.Tools)
	assert.True(t, st.Connected)
}

func TestClient_RateLimitExceededMidStream(t *testing.T) {
	mg := newMockGateway(t)
	defer mg.close()

	c := newTestClient(t, mg.url(), Config{})
	require.NoError(t, c.Connect(context.Background()))
	gc := mg.waitConn(t, 1)
	require.NoError(t, c.SendMessage("chat-1", "spam"))

	gc.send(t, `{"type":"text_chunk","content":"partial"}`)
	requireEventually(t, func() bool { return c.State().Content == "partial" }, "chunk never applied")

	gc.send(t, `{"type":"rate_limit_exceeded","message":"slow down"}`)
	requireEventually(t, func() bool { return !c.State().Streaming }, "streaming never reset")

	st := c.State()
	assert.Equal(t, "slow down", st.LastError)
	assert.True(t, st.Connected, "application errors do not close the connection")
}

func TestClient_RateLimitInfoReplacesSnapshot(t *testing.T) {
	mg := newMockGateway(t)
	defer mg.close()

	c := newTestClient(t, mg.url(), Config{})
	require.NoError(t, c.Connect(context.Background()))
	gc := mg.waitConn(t, 1)

	gc.send(t, `{"type":"rate_limit_info","current_usage":{"burst":1,"per_chat":2,"hourly":3,"daily":4},"limits":{"burst":5,"per_chat":20,"hourly":50,"daily":200}}`)
	requireEventually(t, func() bool { return c.State().RateLimits.Daily.Limit == 200 }, "rate limits never applied")

	assert.Equal(t, session.Counter{Current: 1, Limit: 5}, c.State().RateLimits.Burst)
}

func TestClient_MalformedFramesIgnored(t *testing.T) {
	mg := newMockGateway(t)
	defer mg.close()

	c := newTestClient(t, mg.url(), Config{})
	require.NoError(t, c.Connect(context.Background()))
	gc := mg.waitConn(t, 1)

	gc.send(t, `{{{not json`)
	gc.send(t, `{"content":"no type"}`)
	gc.send(t, `{"type":"mystery_frame"}`)
	gc.send(t, `{"type":"text_chunk","content":"still alive"}`)

	requireEventually(t, func() bool { return c.State().Content == "still alive" }, "connection did not survive malformed frames")
	assert.True(t, c.IsConnected())
	assert.Empty(t, c.State().LastError)
}

func TestClient_IntentionalCloseNeverReconnects(t *testing.T) {
	mg := newMockGateway(t)
	defer mg.close()

	c := newTestClient(t, mg.url(), Config{
		Reconnect: ReconnectPolicy{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond},
	})
	require.NoError(t, c.Connect(context.Background()))
	gc := mg.waitConn(t, 1)

	gc.closeWith(websocket.CloseNormalClosure, "bye")
	requireEventually(t, func() bool { return c.State().Status == session.StatusClosed }, "close never observed")

	time.Sleep(100 * time.Millisecond) // several backoff windows
	assert.Equal(t, 1, mg.connCount(), "code 1000 must not schedule a reconnect")
	assert.Empty(t, c.State().LastError)
}

func TestClient_UnauthenticatedCloseIsTerminal(t *testing.T) {
	mg := newMockGateway(t)
	defer mg.close()

	c := newTestClient(t, mg.url(), Config{
		Reconnect: ReconnectPolicy{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond},
	})
	require.NoError(t, c.Connect(context.Background()))
	gc := mg.waitConn(t, 1)

	gc.closeWith(4001, "bad token")
	requireEventually(t, func() bool { return c.State().Status == session.StatusClosed }, "close never observed")

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, mg.connCount())
	assert.Equal(t, perrors.ErrUnauthorized.Error(), c.State().LastError)
	assert.Equal(t, 4001, c.State().CloseCode)
}

func TestClient_RetryableCloseReconnectsOnce(t *testing.T) {
	mg := newMockGateway(t)
	defer mg.close()

	c := newTestClient(t, mg.url(), Config{
		Reconnect: ReconnectPolicy{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond},
	})
	require.NoError(t, c.Connect(context.Background()))
	gc := mg.waitConn(t, 1)

	gc.closeWith(websocket.CloseInternalServerErr, "restarting")
	mg.waitConn(t, 2)

	requireEventually(t, func() bool { return c.IsConnected() }, "client never reconnected")
	assert.Equal(t, session.StatusOpen, c.State().Status)
	assert.Equal(t, 2, mg.connCount(), "exactly one reconnect attempt expected")
}

func TestClient_AttemptCounterResetsOnOpen(t *testing.T) {
	mg := newMockGateway(t)
	defer mg.close()

	// One allowed attempt: only a reset counter lets the second disconnect
	// recover too.
	c := newTestClient(t, mg.url(), Config{
		Reconnect: ReconnectPolicy{MaxAttempts: 1, BaseDelay: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond},
	})
	require.NoError(t, c.Connect(context.Background()))
	gc := mg.waitConn(t, 1)

	gc.closeWith(websocket.CloseInternalServerErr, "restart one")
	gc2 := mg.waitConn(t, 2)
	requireEventually(t, func() bool { return c.IsConnected() }, "first reconnect failed")

	gc2.closeWith(websocket.CloseInternalServerErr, "restart two")
	mg.waitConn(t, 3)
	requireEventually(t, func() bool { return c.IsConnected() }, "second reconnect failed, counter was not reset")
}

func TestClient_ExhaustedAttemptsSurfaceTerminalError(t *testing.T) {
	mg := newMockGateway(t)

	c := newTestClient(t, mg.url(), Config{
		Reconnect: ReconnectPolicy{MaxAttempts: 2, BaseDelay: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond},
	})
	require.NoError(t, c.Connect(context.Background()))
	mg.waitConn(t, 1)

	// Kill the gateway entirely so every retry dial fails.
	mg.close()

	requireEventually(t, func() bool {
		st := c.State()
		return st.Status == session.StatusClosed && st.LastError == perrors.ErrReconnectFailed.Error()
	}, "terminal reconnect failure never surfaced")
}

func TestClient_DisconnectCancelsPendingReconnect(t *testing.T) {
	mg := newMockGateway(t)
	defer mg.close()

	c := newTestClient(t, mg.url(), Config{
		Reconnect: ReconnectPolicy{MaxAttempts: 5, BaseDelay: 150 * time.Millisecond, MaxDelay: 300 * time.Millisecond},
	})
	require.NoError(t, c.Connect(context.Background()))
	gc := mg.waitConn(t, 1)

	gc.closeWith(websocket.CloseInternalServerErr, "restarting")
	requireEventually(t, func() bool { return c.State().Status == session.StatusReconnecting }, "reconnect never scheduled")

	c.Disconnect()
	assert.Equal(t, session.StatusClosed, c.State().Status)

	time.Sleep(400 * time.Millisecond) // past the pending backoff
	assert.Equal(t, 1, mg.connCount(), "cancelled reconnect timer must not fire")
}

func TestClient_StaleReconnectCannotReviveSession(t *testing.T) {
	mg := newMockGateway(t)
	defer mg.close()

	c := newTestClient(t, mg.url(), Config{})
	require.NoError(t, c.Connect(context.Background()))
	mg.waitConn(t, 1)

	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	c.Disconnect()

	// A reconnect timer that raced past its staleness check just as
	// Disconnect completed ends up here: its dial is pinned to the old
	// generation and must refuse to supersede the teardown.
	err := c.connect(context.Background(), gen)
	assert.ErrorIs(t, err, perrors.ErrClosed)

	time.Sleep(50 * time.Millisecond)
	assert.False(t, c.IsConnected())
	assert.Equal(t, session.StatusClosed, c.State().Status)
	assert.Equal(t, 1, mg.connCount(), "stale reconnect must not dial")
}

func TestClient_TurnArmedBeforeMessageLeaves(t *testing.T) {
	mg := newMockGateway(t)
	defer mg.close()

	c := newTestClient(t, mg.url(), Config{})

	var (
		msgMu sync.Mutex
		msgs  []stream.Message
	)
	c.OnMessage(func(m stream.Message) {
		msgMu.Lock()
		msgs = append(msgs, m)
		msgMu.Unlock()
	})

	require.NoError(t, c.Connect(context.Background()))
	gc := mg.waitConn(t, 1)

	require.NoError(t, c.SendMessage("chat-1", "quick one"))
	assert.True(t, c.State().Streaming, "turn must be armed by the time SendMessage returns")

	// Reply the instant the message frame arrives; the chunk must land in
	// the new turn's buffer, never in a stale one.
	gc.expectFrame(t, "message")
	gc.send(t, `{"type":"text_chunk","content":"fast reply"}`)
	gc.send(t, `{"type":"message_complete","tokens_used":2}`)

	requireEventually(t, func() bool {
		msgMu.Lock()
		defer msgMu.Unlock()
		return len(msgs) == 1
	}, "completion callback never fired")

	msgMu.Lock()
	final := msgs[0]
	msgMu.Unlock()
	assert.Equal(t, "fast reply", final.Content)
}

func TestClient_DisconnectPassesThroughClosing(t *testing.T) {
	mg := newMockGateway(t)
	defer mg.close()

	c := newTestClient(t, mg.url(), Config{})

	var (
		mu     sync.Mutex
		states []session.Status
	)
	c.Subscribe(func(s session.State) {
		mu.Lock()
		states = append(states, s.Status)
		mu.Unlock()
	})

	require.NoError(t, c.Connect(context.Background()))
	mg.waitConn(t, 1)
	c.Disconnect()

	mu.Lock()
	defer mu.Unlock()
	closingIdx, closedIdx := -1, -1
	for i, st := range states {
		if st == session.StatusClosing && closingIdx == -1 {
			closingIdx = i
		}
		if st == session.StatusClosed {
			closedIdx = i
		}
	}
	require.NotEqual(t, -1, closingIdx, "closing status never published")
	require.NotEqual(t, -1, closedIdx, "closed status never published")
	assert.Less(t, closingIdx, closedIdx)
}

func TestClient_HeartbeatAndServerPing(t *testing.T) {
	mg := newMockGateway(t)
	defer mg.close()

	c := newTestClient(t, mg.url(), Config{HeartbeatInterval: 20 * time.Millisecond})
	require.NoError(t, c.Connect(context.Background()))
	gc := mg.waitConn(t, 1)

	gc.expectFrame(t, "ping")

	gc.send(t, `{"type":"ping"}`)
	gc.expectFrame(t, "pong")

	// An inbound pong is a liveness ack only.
	gc.send(t, `{"type":"pong"}`)
	assert.True(t, c.IsConnected())
}

func TestClient_ConnectReplacesLiveConnection(t *testing.T) {
	mg := newMockGateway(t)
	defer mg.close()

	c := newTestClient(t, mg.url(), Config{})
	require.NoError(t, c.Connect(context.Background()))
	mg.waitConn(t, 1)

	require.NoError(t, c.Connect(context.Background()))
	mg.waitConn(t, 2)

	requireEventually(t, func() bool { return c.IsConnected() }, "second connect never opened")
	assert.Equal(t, 2, mg.connCount())
}

func TestClient_DisconnectSendsNormalClose(t *testing.T) {
	mg := newMockGateway(t)
	defer mg.close()

	c := newTestClient(t, mg.url(), Config{})
	require.NoError(t, c.Connect(context.Background()))
	gc := mg.waitConn(t, 1)

	c.Disconnect()

	requireEventually(t, func() bool {
		select {
		case _, ok := <-gc.inbound:
			return !ok
		default:
			return false
		}
	}, "server never observed the close")

	st := c.State()
	assert.Equal(t, session.StatusClosed, st.Status)
	assert.Equal(t, websocket.CloseNormalClosure, st.CloseCode)
	assert.False(t, st.Streaming)
}
