package protocol

import "github.com/gorilla/websocket"

// Reserved close codes. 1000 is the standard intentional close; the 4xxx
// codes are gateway-assigned and terminal.
const (
	CloseNormal          = websocket.CloseNormalClosure
	CloseUnauthenticated = 4001
	CloseForbidden       = 4003
)

// RetryableClose reports whether a close code permits automatic reconnection.
// Intentional closes and authentication rejections are terminal; everything
// else is treated as a transient transport failure.
func RetryableClose(code int) bool {
	switch code {
	case CloseNormal, CloseUnauthenticated, CloseForbidden:
		return false
	}
	return true
}
