// Package session holds the externally observable snapshot of a chat
// streaming session: connection status, the in-flight reply projection,
// rate-limit counters, and the last visible error.
package session

import (
	"sync"

	"github.com/marketmind/chatstream/internal/protocol"
	"github.com/marketmind/chatstream/internal/stream"
)

// Status is the connection lifecycle state as seen by the caller.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusOpen
	StatusReconnecting
	StatusClosing
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusOpen:
		return "open"
	case StatusReconnecting:
		return "reconnecting"
	case StatusClosing:
		return "closing"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Counter pairs a usage value with its limit.
type Counter struct {
	Current int
	Limit   int
}

// RateLimits holds the four independent rate-limit counters. The snapshot is
// replaced wholesale on every rate_limit_info frame, never merged.
type RateLimits struct {
	Burst   Counter
	PerChat Counter
	Hourly  Counter
	Daily   Counter
}

// RateLimitsFromFrame converts a rate_limit_info frame into a snapshot.
func RateLimitsFromFrame(f protocol.RateLimitInfo) RateLimits {
	return RateLimits{
		Burst:   Counter{Current: f.CurrentUsage.Burst, Limit: f.Limits.Burst},
		PerChat: Counter{Current: f.CurrentUsage.PerChat, Limit: f.Limits.PerChat},
		Hourly:  Counter{Current: f.CurrentUsage.Hourly, Limit: f.Limits.Hourly},
		Daily:   Counter{Current: f.CurrentUsage.Daily, Limit: f.Limits.Daily},
	}
}

// State is one immutable snapshot of the session. A fresh copy is published
// after every processed frame or transport event.
type State struct {
	Status      Status
	Connected   bool
	Streaming   bool
	UserID      string
	Content     string
	Tools       []stream.ToolExecution
	RateLimits  RateLimits
	LastError   string
	CloseCode   int
	CloseReason string
}

// Tracker owns the current State and notifies subscribers on every update.
type Tracker struct {
	mu    sync.Mutex
	state State
	subs  []func(State)
}

// NewTracker creates a tracker in the idle state.
func NewTracker() *Tracker {
	return &Tracker{state: State{Status: StatusIdle}}
}

// Subscribe registers a callback invoked with a copy of the state after each
// update. Callbacks run synchronously on the updating goroutine; subscribers
// must not block.
func (t *Tracker) Subscribe(fn func(State)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs = append(t.subs, fn)
}

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.clone()
}

// Update applies fn to the state and publishes the resulting snapshot.
func (t *Tracker) Update(fn func(*State)) {
	t.mu.Lock()
	fn(&t.state)
	snap := t.state.clone()
	subs := t.subs
	t.mu.Unlock()

	for _, s := range subs {
		s(snap)
	}
}

func (s State) clone() State {
	out := s
	if s.Tools != nil {
		out.Tools = make([]stream.ToolExecution, len(s.Tools))
		copy(out.Tools, s.Tools)
	}
	return out
}
