package client

import "time"

// ReconnectPolicy computes retry eligibility and delay for reconnection
// attempts. It is pure: given the same attempt number it always returns the
// same answer, so it is testable without a live transport.
type ReconnectPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultReconnectPolicy matches the gateway's expected pacing: 3s, 6s, 12s,
// 24s, then capped at 30s.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts: 5,
		BaseDelay:   3 * time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Eligible reports whether the given attempt (1-based) may run.
func (p ReconnectPolicy) Eligible(attempt int) bool {
	return attempt >= 1 && attempt <= p.MaxAttempts
}

// Delay returns the backoff before the given attempt (1-based):
// min(base << (attempt-1), max). Attempts past the cap threshold all wait the
// capped delay.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
