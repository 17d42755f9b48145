package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Client calls the chat REST API: conversation list, message history and
// read marks. Identity is a caller-supplied user id and bearer token; the
// client does not manage authentication.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewClient creates a REST client for the given base URL, e.g.
// http://localhost:8080.
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL:    baseURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type conversationsResponse struct {
	Success bool           `json:"success"`
	Data    []Conversation `json:"data"`
	Error   string         `json:"error,omitempty"`
}

type messagesResponse struct {
	Success bool      `json:"success"`
	Data    []Message `json:"data"`
	Error   string    `json:"error,omitempty"`
}

type ackResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Conversations fetches the conversation list with preview data for a user.
func (c *Client) Conversations(ctx context.Context, userID string) ([]Conversation, error) {
	var resp conversationsResponse
	if err := c.get(ctx, "/api/messages/chats/"+url.PathEscape(userID), &resp); err != nil {
		return nil, &FetchError{Op: "conversations", Err: err}
	}
	if !resp.Success {
		return nil, &FetchError{Op: "conversations", Err: errors.New(orUnknown(resp.Error))}
	}
	return resp.Data, nil
}

// Messages fetches the message history for a room. Server order is not
// guaranteed; callers must sort by creation time.
func (c *Client) Messages(ctx context.Context, roomID string) ([]Message, error) {
	var resp messagesResponse
	if err := c.get(ctx, "/api/messages/"+url.PathEscape(roomID), &resp); err != nil {
		return nil, &FetchError{Op: "messages", Err: err}
	}
	if !resp.Success {
		return nil, &FetchError{Op: "messages", Err: errors.New(orUnknown(resp.Error))}
	}
	return resp.Data, nil
}

// MarkRead marks every message addressed to userID in the room as seen.
func (c *Client) MarkRead(ctx context.Context, roomID, userID string) error {
	path := "/api/messages/" + url.PathEscape(roomID) + "/read?userId=" + url.QueryEscape(userID)
	var resp ackResponse
	if err := c.do(ctx, http.MethodPatch, path, &resp); err != nil {
		return &FetchError{Op: "mark read", Err: err}
	}
	if !resp.Success {
		return &FetchError{Op: "mark read", Err: errors.New(orUnknown(resp.Error))}
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, out)
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func orUnknown(msg string) string {
	if msg == "" {
		return "request failed"
	}
	return msg
}
