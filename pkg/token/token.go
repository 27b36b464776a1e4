// Package token supplies the opaque bearer credential the streaming client
// presents to the gateway. Acquisition and refresh belong to the caller; the
// client only consumes a Provider.
package token

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrNoToken      = errors.New("no token available")
	ErrTokenExpired = errors.New("token expired")
)

// Provider yields the current bearer credential.
type Provider interface {
	Token(ctx context.Context) (string, error)
}

// Static is a fixed credential, useful for development and tests.
type Static string

func (s Static) Token(_ context.Context) (string, error) {
	if s == "" {
		return "", ErrNoToken
	}
	return string(s), nil
}

// Store holds a credential with an expiry, refreshed externally. It
// implements Provider and rejects expired credentials instead of presenting
// them to the gateway.
type Store struct {
	mu        sync.RWMutex
	value     string
	expiresAt time.Time
}

// NewStore creates an empty credential store.
func NewStore() *Store {
	return &Store{}
}

// Set replaces the stored credential. A zero ttl stores it without expiry.
func (s *Store) Set(value string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = value
	if ttl > 0 {
		s.expiresAt = time.Now().Add(ttl)
	} else {
		s.expiresAt = time.Time{}
	}
}

// Clear removes the stored credential.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = ""
	s.expiresAt = time.Time{}
}

// Token returns the stored credential, or an error when absent or expired.
func (s *Store) Token(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.value == "" {
		return "", ErrNoToken
	}
	if !s.expiresAt.IsZero() && time.Now().After(s.expiresAt) {
		return "", ErrTokenExpired
	}
	return s.value, nil
}
