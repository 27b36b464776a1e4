package protocol

import (
	"encoding/json"
	"fmt"
)

// envelope extracts the discriminator before variant-specific decoding.
type envelope struct {
	Type string `json:"type"`
}

// Decode classifies a raw inbound payload into exactly one Frame variant.
// Decoding is total: it never returns an error or panics. Malformed JSON,
// payloads without a "type", and unrecognized types all decode to Unknown.
func Decode(raw []byte) Frame {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Unknown{Raw: raw, Err: fmt.Errorf("parsing frame: %w", err)}
	}
	if env.Type == "" {
		return Unknown{Raw: raw, Err: fmt.Errorf("frame missing type discriminator")}
	}

	switch env.Type {
	case TypeConnection:
		return decodeAs[Connection](raw, env.Type)
	case TypeRateLimitInfo:
		return decodeAs[RateLimitInfo](raw, env.Type)
	case TypeMessageReceived:
		return decodeAs[MessageReceived](raw, env.Type)
	case TypeToolExecuting:
		return decodeAs[ToolExecuting](raw, env.Type)
	case TypeToolComplete:
		return decodeAs[ToolComplete](raw, env.Type)
	case TypeToolError:
		return decodeAs[ToolError](raw, env.Type)
	case TypeTextChunk:
		return decodeAs[TextChunk](raw, env.Type)
	case TypeChartGenerated:
		return decodeAs[ChartGenerated](raw, env.Type)
	case TypeMessageComplete:
		return decodeAs[MessageComplete](raw, env.Type)
	case TypeRateLimitExceeded:
		return decodeAs[RateLimitExceeded](raw, env.Type)
	case TypeError:
		return decodeAs[ErrorFrame](raw, env.Type)
	case TypePing:
		return Ping{}
	case TypePong:
		return Pong{}
	default:
		return Unknown{Raw: raw, Type: env.Type}
	}
}

// decodeAs unmarshals the full payload into the variant for the already
// matched discriminator. A payload that names a known type but carries a
// mistyped body is still malformed, so it falls back to Unknown.
func decodeAs[T Frame](raw []byte, frameType string) Frame {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return Unknown{Raw: raw, Type: frameType, Err: fmt.Errorf("parsing %s frame: %w", frameType, err)}
	}
	return v
}
