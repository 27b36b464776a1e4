// Package stream assembles the single in-flight assistant reply from its
// protocol frames: text deltas, tool side events, and chart artifacts.
package stream

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultToolExpiry is how long a finished tool stays in the visible set.
// Cosmetic only; completion clears the set regardless.
const DefaultToolExpiry = 2 * time.Second

// ToolStatus is the lifecycle state of a reported tool execution.
type ToolStatus int

const (
	ToolExecuting ToolStatus = iota
	ToolComplete
	ToolErrored
)

func (s ToolStatus) String() string {
	switch s {
	case ToolExecuting:
		return "executing"
	case ToolComplete:
		return "complete"
	case ToolErrored:
		return "error"
	default:
		return "unknown"
	}
}

// ToolExecution is one server-side tool invocation observed during a turn.
type ToolExecution struct {
	ID     string
	Name   string
	Status ToolStatus
	Error  string
}

// ChartInfo is metadata for a chart artifact generated during a turn.
type ChartInfo struct {
	URL    string
	Symbol string
}

// Message is the finalized assistant reply handed to the completion callback.
type Message struct {
	Content    string
	ToolsUsed  []string
	Chart      *ChartInfo
	TokensUsed int
}

// Assembler owns the lifecycle of the in-flight assistant message. At most
// one turn is in flight at a time; Finish is the single exit point that
// packages and clears all transient state.
type Assembler struct {
	mu     sync.Mutex
	logger zerolog.Logger

	streaming bool
	buf       strings.Builder
	tools     []ToolExecution
	toolsUsed []string
	chart     *ChartInfo

	toolExpiry time.Duration
	expiryMu   sync.Mutex
	timers     []*time.Timer

	// onUpdate fires after an asynchronous change (tool expiry) so the
	// owner can republish its snapshot. Frame-driven changes are reported
	// through return values instead.
	onUpdate func()
}

// NewAssembler creates an assembler with the default tool expiry window.
func NewAssembler(logger zerolog.Logger) *Assembler {
	return &Assembler{
		logger:     logger.With().Str("component", "assembler").Logger(),
		toolExpiry: DefaultToolExpiry,
	}
}

// SetToolExpiry overrides the visible-tool expiry window (tests).
func (a *Assembler) SetToolExpiry(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.toolExpiry = d
}

// OnUpdate registers the asynchronous-change callback.
func (a *Assembler) OnUpdate(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onUpdate = fn
}

// Begin prepares the assembler for a new turn, discarding any unfinished
// state. An unfinished previous turn is a protocol anomaly: it is logged and
// overwritten rather than merged.
func (a *Assembler) Begin() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.streaming || a.buf.Len() > 0 {
		a.logger.Warn().
			Int("discarded_bytes", a.buf.Len()).
			Msg("new turn started before previous completed, discarding buffer")
	}
	a.clearLocked()
}

// AppendChunk applies one text delta and returns the accumulated content.
// The first chunk of a turn moves the assembler into the streaming state.
func (a *Assembler) AppendChunk(content string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.streaming = true
	a.buf.WriteString(content)
	return a.buf.String()
}

// ToolStarted records a tool invocation in executing status. Tool events may
// arrive before the first text chunk; they do not flip the streaming flag.
func (a *Assembler) ToolStarted(name, id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tools = append(a.tools, ToolExecution{ID: id, Name: name, Status: ToolExecuting})
	a.toolsUsed = append(a.toolsUsed, name)
}

// ToolFinished marks the matching tool complete, or errored when errMsg is
// non-empty. Unmatched names are ignored: tool identity is by name and may
// race with expiry. Finished tools leave the visible set after the expiry
// window.
func (a *Assembler) ToolFinished(name, errMsg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.tools {
		if a.tools[i].Name != name || a.tools[i].Status != ToolExecuting {
			continue
		}
		if errMsg != "" {
			a.tools[i].Status = ToolErrored
			a.tools[i].Error = errMsg
		} else {
			a.tools[i].Status = ToolComplete
		}
		a.scheduleExpiryLocked(name)
		return
	}
	a.logger.Debug().Str("tool", name).Msg("tool finish for unknown tool, ignoring")
}

// ChartReady records chart metadata for the turn. Unavailable charts are
// ignored.
func (a *Assembler) ChartReady(url, symbol string, available bool) {
	if !available {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.chart = &ChartInfo{URL: url, Symbol: symbol}
}

// Finish terminates the turn: the buffer, observed tool names, and chart
// metadata are packaged into the final Message and every piece of transient
// state is cleared. Returns false when nothing was in flight, which keeps an
// unsolicited completion from emitting an empty message.
func (a *Assembler) Finish(tokensUsed int) (Message, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.streaming && a.buf.Len() == 0 && len(a.tools) == 0 && a.chart == nil {
		return Message{}, false
	}
	msg := Message{
		Content:    a.buf.String(),
		ToolsUsed:  a.toolsUsed,
		Chart:      a.chart,
		TokensUsed: tokensUsed,
	}
	a.clearLocked()
	return msg, true
}

// Reset discards all transient state without emitting a message. Used on
// disconnect and on application-level errors that abort the turn.
func (a *Assembler) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.clearLocked()
}

// Streaming reports whether a turn is in flight.
func (a *Assembler) Streaming() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.streaming
}

// Content returns the accumulated content of the in-flight turn.
func (a *Assembler) Content() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buf.String()
}

// Tools returns a copy of the visible tool set.
func (a *Assembler) Tools() []ToolExecution {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ToolExecution, len(a.tools))
	copy(out, a.tools)
	return out
}

func (a *Assembler) clearLocked() {
	a.streaming = false
	a.buf.Reset()
	a.tools = nil
	a.toolsUsed = nil
	a.chart = nil
	a.stopTimers()
}

// scheduleExpiryLocked arms the cosmetic removal of a finished tool.
func (a *Assembler) scheduleExpiryLocked(name string) {
	timer := time.AfterFunc(a.toolExpiry, func() {
		a.mu.Lock()
		kept := a.tools[:0]
		removed := false
		for _, t := range a.tools {
			if t.Name == name && t.Status != ToolExecuting {
				removed = true
				continue
			}
			kept = append(kept, t)
		}
		a.tools = kept
		fn := a.onUpdate
		a.mu.Unlock()
		if removed && fn != nil {
			fn()
		}
	})
	a.expiryMu.Lock()
	a.timers = append(a.timers, timer)
	a.expiryMu.Unlock()
}

func (a *Assembler) stopTimers() {
	a.expiryMu.Lock()
	for _, t := range a.timers {
		t.Stop()
	}
	a.timers = nil
	a.expiryMu.Unlock()
}
