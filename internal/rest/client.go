// Package rest is the HTTP client for the chat backend. It covers the
// endpoints the daemon needs for backfill and identity; the real-time path
// lives in internal/conn.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jamie/blinkchat/internal/protocol"
	"go.uber.org/zap"
)

// TokenSource supplies the bearer credential for authenticated requests.
type TokenSource interface {
	Current() (string, bool)
}

// APIError is a non-2xx response with a decoded error body.
type APIError struct {
	Status  int
	Message string
	Details string
}

func (e *APIError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("api error %d: %s (%s)", e.Status, e.Message, e.Details)
	}
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// Client talks to the REST API. Safe for concurrent use.
type Client struct {
	baseURL string
	tokens  TokenSource
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a REST client rooted at baseURL (no trailing slash).
func NewClient(baseURL string, tokens TokenSource, logger *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		tokens:  tokens,
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

// SendMessageRequest is the POST /messages body. Exactly one of ChatID and
// ReceiverID is set: ReceiverID establishes a new chat.
type SendMessageRequest struct {
	ChatID     string `json:"chatId,omitempty"`
	ReceiverID string `json:"receiverId,omitempty"`
	Content    string `json:"content"`
}

// Chat is one entry of the GET /chats response.
type Chat struct {
	ID                string                         `json:"id"`
	CreatedAt         string                         `json:"createdAt"`
	OtherParticipants []protocol.UserPayload         `json:"otherParticipants"`
	LastMessage       *protocol.ServerMessagePayload `json:"lastMessage,omitempty"`
	UnreadCount       int                            `json:"unreadCount"`
}

// AuthSuccess is the login/register response.
type AuthSuccess struct {
	Message string               `json:"message"`
	Token   string               `json:"token"`
	User    protocol.UserPayload `json:"user"`
}

// SendMessage posts a message over REST. The server responds with the
// authoritative message row.
func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (*protocol.ServerMessagePayload, error) {
	var out protocol.ServerMessagePayload
	if err := c.do(ctx, http.MethodPost, "/messages", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Messages fetches one page of a chat's history, newest-first per the
// server's ordering. offset counts rows, not pages.
func (c *Client) Messages(ctx context.Context, chatID string, limit, offset int) ([]protocol.ServerMessagePayload, error) {
	q := url.Values{"chatId": {chatID}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	var out []protocol.ServerMessagePayload
	if err := c.do(ctx, http.MethodGet, "/messages", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Chats fetches the chat list with per-chat last message and unread count.
func (c *Client) Chats(ctx context.Context, limit, offset int) ([]Chat, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	var out []Chat
	if err := c.do(ctx, http.MethodGet, "/chats", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Me returns the authenticated user.
func (c *Client) Me(ctx context.Context) (*protocol.UserPayload, error) {
	var out protocol.UserPayload
	if err := c.do(ctx, http.MethodGet, "/auth/me", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SearchUsers finds users by username or email fragment. This is how a
// receiver for a chat-establishing first message is discovered.
func (c *Client) SearchUsers(ctx context.Context, query string) ([]protocol.UserPayload, error) {
	q := url.Values{"search": {query}}
	var out []protocol.UserPayload
	if err := c.do(ctx, http.MethodGet, "/users", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UserByID fetches one user's public profile.
func (c *Client) UserByID(ctx context.Context, id string) (*protocol.UserPayload, error) {
	var out protocol.UserPayload
	if err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Login exchanges credentials for a token.
func (c *Client) Login(ctx context.Context, email, password string) (*AuthSuccess, error) {
	body := map[string]string{"email": email, "password": password}
	var out AuthSuccess
	if err := c.do(ctx, http.MethodPost, "/auth/login", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Register creates an account and returns a token.
func (c *Client) Register(ctx context.Context, username, email, password string) (*AuthSuccess, error) {
	body := map[string]string{"username": username, "email": email, "password": password}
	var out AuthSuccess
	if err := c.do(ctx, http.MethodPost, "/auth/register", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s %s body: %w", method, path, err)
		}
		rdr = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token, ok := c.tokens.Current(); ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.decodeError(method, path, resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func (c *Client) decodeError(method, path string, resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode, Message: resp.Status}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err == nil && len(raw) > 0 {
		var body struct {
			Error   string `json:"error"`
			Details string `json:"details"`
		}
		if json.Unmarshal(raw, &body) == nil && body.Error != "" {
			apiErr.Message = body.Error
			apiErr.Details = body.Details
		}
	}
	c.logger.Debug("api request failed",
		zap.String("method", method), zap.String("path", path),
		zap.Int("status", apiErr.Status), zap.String("message", apiErr.Message))
	return apiErr
}
