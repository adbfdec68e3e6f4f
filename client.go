// Package chatcore keeps a client-side view of chat conversations consistent
// while REST fetches, push-channel events and optimistic user actions
// interleave.
//
// Example:
//
//	api := chatcore.NewClient(token, chatcore.WithBaseURL("https://learn.example.com"))
//	coord := chatcore.NewCoordinator(api, nil, chatcore.CoordinatorConfig{SelfID: "42"})
//	push := chatcore.NewPushClient(api.PushURL(), &chatcore.PushConfig{Token: token}, coord.Apply)
//	coord.SetPush(push)
//
//	coord.Start(ctx)
//	defer coord.Stop()
//	_ = push.Connect(ctx)
//	_ = coord.RefreshConversations(ctx)
//	_, _ = coord.Send(ctx, "conv-1", "hello", nil)
package chatcore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Environment
// ============================================================================

type Environment string

const (
	Production Environment = "production"
	Staging    Environment = "staging"
	Local      Environment = "local"
)

var environments = map[Environment]string{
	Production: "https://learn.coursemgmt.io",
	Staging:    "https://staging.learn.coursemgmt.io",
	Local:      "http://localhost:8080",
}

const (
	DefaultBaseURL = "https://learn.coursemgmt.io"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// ChatAPI
// ============================================================================

// ChatAPI is the REST contract the Coordinator depends on.
type ChatAPI interface {
	ListConversations(ctx context.Context) ([]Conversation, error)
	ListMessages(ctx context.Context, conversationID string, page, size int) (*MessagePage, error)
	SendMessage(ctx context.Context, req *SendMessageRequest) (*Message, error)
	EditMessage(ctx context.Context, messageID, content string) (*Message, error)
	DeleteMessage(ctx context.Context, messageID string) error
	MarkRead(ctx context.Context, conversationID string) error
}

// ============================================================================
// Client
// ============================================================================

// Client is the HTTP implementation of ChatAPI.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
}

var _ ChatAPI = (*Client)(nil)

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithEnvironment(env Environment) ClientOption {
	return func(c *Client) {
		if u, ok := environments[env]; ok {
			c.baseURL = u
		}
	}
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.log = l }
}

// NewClient creates a REST client authenticated with a bearer token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token, e.g. after a session refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the REST base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// PushURL derives the WebSocket endpoint from the REST base URL.
func (c *Client) PushURL() string {
	u := strings.Replace(c.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws/chat"
}

// ============================================================================
// Endpoints
// ============================================================================

// ListConversations fetches every conversation of the current user.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	var out []Conversation
	if err := c.call(ctx, http.MethodGet, "/api/chat/conversations", nil, nil, &out); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return out, nil
}

// ListMessages fetches one page of history. Page 0 holds the newest messages.
func (c *Client) ListMessages(ctx context.Context, conversationID string, page, size int) (*MessagePage, error) {
	query := map[string]string{
		"page": strconv.Itoa(page),
		"size": strconv.Itoa(size),
	}
	var out MessagePage
	path := "/api/chat/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.call(ctx, http.MethodGet, path, nil, query, &out); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return &out, nil
}

// SendMessage posts a message. The correlation token is echoed back on the
// push channel's message.created event.
func (c *Client) SendMessage(ctx context.Context, req *SendMessageRequest) (*Message, error) {
	if req.Type == "" {
		req.Type = TypeText
	}
	var out Message
	if err := c.call(ctx, http.MethodPost, "/api/chat/messages", req, nil, &out); err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	return &out, nil
}

// EditMessage replaces the content of one of the user's messages.
func (c *Client) EditMessage(ctx context.Context, messageID, content string) (*Message, error) {
	var out Message
	body := map[string]string{"content": content}
	if err := c.call(ctx, http.MethodPut, "/api/chat/messages/"+url.PathEscape(messageID), body, nil, &out); err != nil {
		return nil, fmt.Errorf("edit message: %w", err)
	}
	return &out, nil
}

// DeleteMessage tombstones a message on the server.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	if err := c.call(ctx, http.MethodDelete, "/api/chat/messages/"+url.PathEscape(messageID), nil, nil, nil); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// MarkRead acknowledges every message of a conversation as read.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	path := "/api/chat/conversations/" + url.PathEscape(conversationID) + "/read"
	if err := c.call(ctx, http.MethodPost, path, nil, nil, nil); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) call(ctx context.Context, method, path string, body interface{}, query map[string]string, out interface{}) error {
	status, data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return err
	}

	var res Result
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &res); err != nil {
			if status >= 300 {
				return &APIError{Code: "HTTP_ERROR", Message: http.StatusText(status), Status: status}
			}
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	} else {
		res.OK = status < 300
	}

	if !res.OK || status >= 300 {
		apiErr := res.Error
		if apiErr == nil {
			apiErr = &APIError{Code: "HTTP_ERROR", Message: http.StatusText(status)}
		}
		apiErr.Status = status
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := res.Decode(out); err != nil {
		return fmt.Errorf("failed to decode data: %w", err)
	}
	return nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) (int, []byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response: %w", err)
	}
	c.log.Debug("chat api request", "method", method, "path", path, "status", resp.StatusCode, "duration", time.Since(start))
	return resp.StatusCode, data, nil
}
