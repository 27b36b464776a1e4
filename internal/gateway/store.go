// Package gateway is a local development stand-in for the chat backend: a
// REST API for chat resources and a WebSocket endpoint speaking the
// streaming frame protocol with scripted assistant replies.
package gateway

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	perrors "github.com/marketmind/chatstream/internal/errors"
	"github.com/marketmind/chatstream/internal/history"
)

// Store is an in-memory chat store keyed by owner.
type Store struct {
	mu    sync.RWMutex
	chats map[string]*history.ChatWithMessages
	owner map[string]string // chat id → user id
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		chats: make(map[string]*history.ChatWithMessages),
		owner: make(map[string]string),
	}
}

// CreateChat creates a chat owned by userID.
func (s *Store) CreateChat(userID, title string) history.Chat {
	now := time.Now().UTC()
	chat := history.Chat{
		ID:        uuid.New().String(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	s.chats[chat.ID] = &history.ChatWithMessages{Chat: chat}
	s.owner[chat.ID] = userID
	s.mu.Unlock()
	return chat
}

// ListChats returns the user's chats, newest first.
func (s *Store) ListChats(userID string) []history.Chat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []history.Chat
	for id, chat := range s.chats {
		if s.owner[id] == userID {
			out = append(out, chat.Chat)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// GetChat returns a chat with messages, or ErrNotFound.
func (s *Store) GetChat(userID, chatID string) (*history.ChatWithMessages, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chat, ok := s.chats[chatID]
	if !ok || s.owner[chatID] != userID {
		return nil, perrors.ErrNotFound
	}
	cp := *chat
	cp.Messages = make([]history.Message, len(chat.Messages))
	copy(cp.Messages, chat.Messages)
	return &cp, nil
}

// RenameChat updates a chat title.
func (s *Store) RenameChat(userID, chatID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[chatID]
	if !ok || s.owner[chatID] != userID {
		return perrors.ErrNotFound
	}
	chat.Title = title
	chat.UpdatedAt = time.Now().UTC()
	return nil
}

// DeleteChat removes a chat and its messages.
func (s *Store) DeleteChat(userID, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[chatID]; !ok || s.owner[chatID] != userID {
		return perrors.ErrNotFound
	}
	delete(s.chats, chatID)
	delete(s.owner, chatID)
	return nil
}

// AppendMessage stores one message on a chat. Unknown chats are ignored so a
// streaming session can outlive a deleted chat.
func (s *Store) AppendMessage(chatID, role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[chatID]
	if !ok {
		return
	}
	chat.Messages = append(chat.Messages, history.Message{
		ID:        uuid.New().String(),
		ChatID:    chatID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	})
	chat.UpdatedAt = time.Now().UTC()
}
