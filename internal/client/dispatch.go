package client

import (
	"time"

	"github.com/marketmind/chatstream/internal/protocol"
	"github.com/marketmind/chatstream/internal/session"
)

// apply processes one inbound payload to completion. The read loop calls it
// sequentially, so protocol effects land in network-delivery order.
func (c *Client) apply(raw []byte) {
	frame := protocol.Decode(raw)

	if u, ok := frame.(protocol.Unknown); ok {
		if c.metrics != nil {
			c.metrics.FramesDropped.Inc()
		}
		c.logger.Warn().Err(u.Err).Str("frame_type", u.Type).Msg("dropping unrecognized frame")
		return
	}

	if c.metrics != nil {
		c.metrics.FramesReceived.WithLabelValues(protocol.TypeOf(frame)).Inc()
	}

	switch f := frame.(type) {
	case protocol.Connection:
		c.state.Update(func(s *session.State) {
			s.UserID = f.UserID
		})

	case protocol.RateLimitInfo:
		limits := session.RateLimitsFromFrame(f)
		c.state.Update(func(s *session.State) {
			s.RateLimits = limits
		})

	case protocol.MessageReceived:
		c.logger.Debug().Str("message_id", f.MessageID).Msg("message acknowledged")

	case protocol.ToolExecuting:
		c.assembler.ToolStarted(f.ToolName, f.ToolID)
		c.publishTools()

	case protocol.ToolComplete:
		c.assembler.ToolFinished(f.ToolName, "")
		c.publishTools()

	case protocol.ToolError:
		c.assembler.ToolFinished(f.ToolName, f.Error)
		c.publishTools()

	case protocol.TextChunk:
		content := c.assembler.AppendChunk(f.Content)
		c.state.Update(func(s *session.State) {
			s.Streaming = true
			s.Content = content
		})

	case protocol.ChartGenerated:
		c.assembler.ChartReady(f.ChartURL, f.StockSymbol, f.ChartAvailable)

	case protocol.MessageComplete:
		msg, ok := c.assembler.Finish(f.TokensUsed)
		c.mu.Lock()
		start := c.turnStart
		c.turnStart = time.Time{}
		onMessage := c.onMessage
		c.mu.Unlock()
		c.state.Update(func(s *session.State) {
			s.Streaming = false
			s.Content = ""
			s.Tools = nil
		})
		if !ok {
			c.logger.Debug().Msg("completion with no turn in flight, ignoring")
			return
		}
		if c.metrics != nil && !start.IsZero() {
			c.metrics.TurnDuration.Observe(time.Since(start).Seconds())
		}
		if onMessage != nil {
			onMessage(msg)
		}

	case protocol.RateLimitExceeded:
		c.assembler.Reset()
		c.state.Update(func(s *session.State) {
			s.Streaming = false
			s.Content = ""
			s.Tools = nil
			s.LastError = f.Message
		})

	case protocol.ErrorFrame:
		c.assembler.Reset()
		c.state.Update(func(s *session.State) {
			s.Streaming = false
			s.Content = ""
			s.Tools = nil
			s.LastError = f.Message
		})

	case protocol.Ping:
		if err := c.sendRaw(protocol.EncodePong()); err != nil {
			c.logger.Warn().Err(err).Msg("pong send failed")
		}

	case protocol.Pong:
		// Liveness acknowledgment only.
		c.logger.Trace().Msg("pong received")
	}
}
