// Package history wraps the chat-resource REST API. It seeds chat history
// before and between streaming sessions; the streaming core itself only ever
// needs a chat id.
package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/marketmind/chatstream/internal/errors"
	"github.com/marketmind/chatstream/internal/retry"
	"github.com/marketmind/chatstream/pkg/token"
)

// HTTPClient abstracts HTTP calls for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Chat is one conversation resource.
type Chat struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one stored chat message.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ChatWithMessages is a chat plus its full message history.
type ChatWithMessages struct {
	Chat
	Messages []Message `json:"messages"`
}

// Client wraps the chat history REST API.
type Client struct {
	baseURL    string
	httpClient HTTPClient
	tokens     token.Provider
	retryCfg   retry.Config
	cache      *chatCache
	logger     zerolog.Logger
}

// NewClient creates a new history API client.
func NewClient(baseURL string, tokens token.Provider, logger zerolog.Logger) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		tokens:     tokens,
		retryCfg:   retry.DefaultConfig(),
		cache:      newChatCache(16),
		logger:     logger.With().Str("component", "history").Logger(),
	}
	c.retryCfg.Logger = &c.logger
	return c
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(hc HTTPClient) {
	c.httpClient = hc
}

// SetRetryConfig overrides the retry policy (for testing).
func (c *Client) SetRetryConfig(cfg retry.Config) {
	c.retryCfg = cfg
}

// ListChats returns all chats for the authenticated user.
func (c *Client) ListChats(ctx context.Context) ([]Chat, error) {
	var chats []Chat
	err := retry.Do(ctx, c.retryCfg, func(ctx context.Context) error {
		resp, err := c.do(ctx, http.MethodGet, "/api/chats", nil)
		if err != nil {
			return err
		}
		return decodeResponse(resp, &chats)
	})
	if err != nil {
		return nil, err
	}
	return chats, nil
}

// GetChat returns one chat with its messages. Results are served from a
// small LRU; mutations through this client invalidate the entry.
func (c *Client) GetChat(ctx context.Context, chatID string) (*ChatWithMessages, error) {
	if chatID == "" {
		return nil, perrors.ErrMissingChatID
	}
	if cached, ok := c.cache.get(chatID); ok {
		return cached, nil
	}

	var chat ChatWithMessages
	err := retry.Do(ctx, c.retryCfg, func(ctx context.Context) error {
		resp, err := c.do(ctx, http.MethodGet, "/api/chats/"+chatID, nil)
		if err != nil {
			return err
		}
		return decodeResponse(resp, &chat)
	})
	if err != nil {
		return nil, err
	}
	c.cache.put(chatID, &chat)
	return &chat, nil
}

// CreateChat creates a new chat. Not retried: creation is not idempotent.
func (c *Client) CreateChat(ctx context.Context, title string) (*Chat, error) {
	body, err := json.Marshal(map[string]string{"title": title})
	if err != nil {
		return nil, fmt.Errorf("marshaling chat: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, "/api/chats", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	var chat Chat
	if err := decodeResponse(resp, &chat); err != nil {
		return nil, err
	}
	return &chat, nil
}

// RenameChat updates a chat title.
func (c *Client) RenameChat(ctx context.Context, chatID, title string) error {
	if chatID == "" {
		return perrors.ErrMissingChatID
	}
	body, err := json.Marshal(map[string]string{"title": title})
	if err != nil {
		return fmt.Errorf("marshaling rename: %w", err)
	}
	err = retry.Do(ctx, c.retryCfg, func(ctx context.Context) error {
		resp, err := c.do(ctx, http.MethodPatch, "/api/chats/"+chatID, bytes.NewReader(body))
		if err != nil {
			return err
		}
		return drain(resp)
	})
	if err != nil {
		return err
	}
	c.cache.invalidate(chatID)
	return nil
}

// DeleteChat removes a chat and its messages.
func (c *Client) DeleteChat(ctx context.Context, chatID string) error {
	if chatID == "" {
		return perrors.ErrMissingChatID
	}
	err := retry.Do(ctx, c.retryCfg, func(ctx context.Context) error {
		resp, err := c.do(ctx, http.MethodDelete, "/api/chats/"+chatID, nil)
		if err != nil {
			return err
		}
		return drain(resp)
	})
	if err != nil {
		return err
	}
	c.cache.invalidate(chatID)
	return nil
}

// do executes an authenticated API request.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching credential: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, perrors.NewAPIError("history", resp.StatusCode, string(respBody))
	}

	return resp, nil
}

// decodeResponse reads and decodes a JSON response.
func decodeResponse(resp *http.Response, v interface{}) error {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// drain discards the response body so the connection can be reused.
func drain(resp *http.Response) error {
	defer resp.Body.Close()
	_, err := io.Copy(io.Discard, resp.Body)
	return err
}
