// Package roomchat keeps a chat room timeline consistent while messages are
// sent optimistically, queued offline, streamed by an AI assistant and
// delivered by a realtime channel.
//
// Example:
//
//	client := roomchat.NewClient("token", roomchat.WithBaseURL("https://chat.example.com"))
//	room, err := roomchat.NewRoom(client, client.Realtime(roomchat.ChannelConfig{}), roomchat.RoomConfig{
//		RoomID: "general",
//		User:   roomchat.Author{ID: "u1", DisplayName: "Ada"},
//	})
//	if err != nil {
//		return err
//	}
//	room.Join(ctx)
//	go room.Run(ctx)
//	room.Send(ctx, "hello", false)
package roomchat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://localhost:3000"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the chat server's HTTP API. It implements Sender,
// StreamSource and Prober.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	// streamClient has no overall timeout; AI streams are bounded upstream.
	streamClient *http.Client
	logger       *slog.Logger
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
		c.streamClient = &http.Client{Transport: client.Transport}
	}
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a client. token may be empty for servers without auth.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		streamClient: &http.Client{},
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "client")
	return c
}

// SetToken sets or updates the auth token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the server address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Realtime returns a websocket channel bound to the client's server and token.
func (c *Client) Realtime(config ChannelConfig) *WSChannel {
	if config.Token == "" {
		config.Token = c.token
	}
	if config.HTTPClient == nil {
		config.HTTPClient = c.streamClient
	}
	return NewWSChannel(c.baseURL, config)
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) newRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) (*http.Request, error) {
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
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	req, err := c.newRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return decodeResult(resp.StatusCode, data)
}

// decodeResult turns a response into a Result, mapping failures to *APIError.
func decodeResult(status int, data []byte) (*Result, error) {
	result, err := decodeJSON[Result](data)
	if err != nil {
		if status >= 300 {
			return nil, &APIError{Code: fmt.Sprintf("HTTP_%d", status), Message: strings.TrimSpace(string(data))}
		}
		return nil, err
	}
	if status >= 300 || !result.OK {
		if result.Error != nil {
			return nil, result.Error
		}
		return nil, &APIError{Code: fmt.Sprintf("HTTP_%d", status), Message: http.StatusText(status)}
	}
	return result, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func roomPath(roomID string, parts ...string) string {
	p := "/api/rooms/" + url.PathEscape(roomID)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

// ============================================================================
// Room API
// ============================================================================

// FetchHistory returns the messages userID missed in roomID.
func (c *Client) FetchHistory(ctx context.Context, roomID, userID string) (*HistoryResult, error) {
	res, err := c.doRequest(ctx, http.MethodGet, roomPath(roomID, "messages", "missed"), nil, map[string]string{"userId": userID})
	if err != nil {
		return nil, fmt.Errorf("fetch history %s: %w", roomID, err)
	}
	var history HistoryResult
	if err := res.Decode(&history); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	return &history, nil
}

// SendMessage sends a message. The client message id makes retries idempotent.
func (c *Client) SendMessage(ctx context.Context, req *SendRequest) (*SendResult, error) {
	res, err := c.doRequest(ctx, http.MethodPost, roomPath(req.RoomID, "messages"), req, nil)
	if err != nil {
		return nil, err
	}
	var out SendResult
	if err := res.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode send result: %w", err)
	}
	return &out, nil
}

// UnsendMessage soft-deletes a message.
func (c *Client) UnsendMessage(ctx context.Context, roomID, messageID, userID string) error {
	_, err := c.doRequest(ctx, http.MethodPost, roomPath(roomID, "messages", messageID, "unsend"), map[string]string{"userId": userID}, nil)
	return err
}

// MarkReceived acknowledges delivery of messageID to userID.
func (c *Client) MarkReceived(ctx context.Context, userID, roomID, messageID string) error {
	_, err := c.doRequest(ctx, http.MethodPost, roomPath(roomID, "receipts"), map[string]string{
		"userId":    userID,
		"messageId": messageID,
	}, nil)
	return err
}

// StreamAIMessage requests an AI reply and calls fn for every stream event.
func (c *Client) StreamAIMessage(ctx context.Context, req *AIRequest, fn func(StreamEvent)) error {
	httpReq, err := c.newRequest(ctx, http.MethodPost, roomPath(req.RoomID, "ai"), req, nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("AI stream connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		_, err := decodeResult(resp.StatusCode, data)
		if err == nil {
			err = &APIError{Code: fmt.Sprintf("HTTP_%d", resp.StatusCode), Message: "unexpected response"}
		}
		return err
	}
	return ReadStreamEvents(resp.Body, fn)
}

// Probe checks the server health endpoint.
func (c *Client) Probe(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodGet, "/api/health", nil, nil)
	return err
}
