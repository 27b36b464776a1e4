// Package protocol defines the wire frames exchanged with the chat gateway
// and the decoder that classifies inbound payloads.
//
// Every frame is a JSON object with a mandatory "type" discriminator. The
// inbound set is closed: anything that does not parse, or parses to a type we
// do not know, decodes to Unknown and is dropped by the caller.
package protocol

import "encoding/json"

// Inbound frame type discriminators.
const (
	TypeConnection        = "connection"
	TypeRateLimitInfo     = "rate_limit_info"
	TypeMessageReceived   = "message_received"
	TypeToolExecuting     = "tool_executing"
	TypeToolComplete      = "tool_complete"
	TypeToolError         = "tool_error"
	TypeTextChunk         = "text_chunk"
	TypeChartGenerated    = "chart_generated"
	TypeMessageComplete   = "message_complete"
	TypeRateLimitExceeded = "rate_limit_exceeded"
	TypeError             = "error"
	TypePing              = "ping"
	TypePong              = "pong"
)

// Frame is an inbound protocol frame. The variant set is closed; switch
// statements over Frame should handle every concrete type below plus Unknown.
type Frame interface {
	frame()
}

// Connection announces a successful gateway handshake.
type Connection struct {
	UserID string `json:"user_id"`
}

// Usage holds the four rate-limit counters reported by the gateway.
type Usage struct {
	Burst   int `json:"burst"`
	PerChat int `json:"per_chat"`
	Hourly  int `json:"hourly"`
	Daily   int `json:"daily"`
}

// RateLimitInfo replaces the client's rate-limit snapshot wholesale.
type RateLimitInfo struct {
	CurrentUsage Usage `json:"current_usage"`
	Limits       Usage `json:"limits"`
}

// MessageReceived acknowledges an outbound chat message.
type MessageReceived struct {
	MessageID string `json:"message_id"`
}

// ToolExecuting reports a server-side tool starting.
type ToolExecuting struct {
	ToolName  string `json:"tool_name"`
	ToolID    string `json:"tool_id"`
	Timestamp int64  `json:"timestamp"`
}

// ToolComplete reports a tool finishing successfully.
type ToolComplete struct {
	ToolName string `json:"tool_name"`
}

// ToolError reports a tool failing.
type ToolError struct {
	ToolName string `json:"tool_name"`
	Error    string `json:"error"`
}

// TextChunk carries one content delta of the streamed assistant reply.
type TextChunk struct {
	Content string `json:"content"`
}

// ChartGenerated reports a chart artifact produced during the turn.
type ChartGenerated struct {
	ChartAvailable bool   `json:"chart_available"`
	ChartURL       string `json:"chart_url"`
	StockSymbol    string `json:"stock_symbol"`
}

// MessageComplete terminates the streaming turn.
type MessageComplete struct {
	TokensUsed int      `json:"tokens_used"`
	ToolsUsed  []string `json:"tools_used"`
}

// RateLimitExceeded is an application-level throttle signal; the connection
// stays open.
type RateLimitExceeded struct {
	Message string `json:"message"`
}

// ErrorFrame is an application-level error signal; the connection stays open.
type ErrorFrame struct {
	Message string `json:"message"`
}

// Ping is a liveness probe.
type Ping struct{}

// Pong acknowledges a Ping.
type Pong struct{}

// Unknown is the fallback for malformed payloads and unrecognized types.
type Unknown struct {
	Raw  []byte
	Type string // discriminator if one parsed, empty otherwise
	Err  error  // parse error if the payload was malformed
}

func (Connection) frame()        {}
func (RateLimitInfo) frame()     {}
func (MessageReceived) frame()   {}
func (ToolExecuting) frame()     {}
func (ToolComplete) frame()      {}
func (ToolError) frame()         {}
func (TextChunk) frame()         {}
func (ChartGenerated) frame()    {}
func (MessageComplete) frame()   {}
func (RateLimitExceeded) frame() {}
func (ErrorFrame) frame()        {}
func (Ping) frame()              {}
func (Pong) frame()              {}
func (Unknown) frame()           {}

// TypeOf returns the wire discriminator for a decoded frame. Unknown frames
// report their parsed discriminator when one was present.
func TypeOf(f Frame) string {
	switch v := f.(type) {
	case Connection:
		return TypeConnection
	case RateLimitInfo:
		return TypeRateLimitInfo
	case MessageReceived:
		return TypeMessageReceived
	case ToolExecuting:
		return TypeToolExecuting
	case ToolComplete:
		return TypeToolComplete
	case ToolError:
		return TypeToolError
	case TextChunk:
		return TypeTextChunk
	case ChartGenerated:
		return TypeChartGenerated
	case MessageComplete:
		return TypeMessageComplete
	case RateLimitExceeded:
		return TypeRateLimitExceeded
	case ErrorFrame:
		return TypeError
	case Ping:
		return TypePing
	case Pong:
		return TypePong
	case Unknown:
		return v.Type
	default:
		return ""
	}
}

// --- Outbound frames ---

// ChatMessage is the outbound user message frame.
type ChatMessage struct {
	Type    string `json:"type"` // always "message"
	ChatID  string `json:"chat_id"`
	Message string `json:"message"`
}

// EncodeMessage builds the outbound chat message payload.
func EncodeMessage(chatID, text string) ([]byte, error) {
	return json.Marshal(ChatMessage{Type: "message", ChatID: chatID, Message: text})
}

// EncodePing builds the outbound heartbeat payload.
func EncodePing() []byte {
	return []byte(`{"type":"ping"}`)
}

// EncodePong builds the reply to an inbound Ping.
func EncodePong() []byte {
	return []byte(`{"type":"pong"}`)
}
