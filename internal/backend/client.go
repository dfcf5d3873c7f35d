// Package backend is the client for the durable-write REST contract the
// conversation engine depends on.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/servicehub/chatcore/internal/types"
)

const defaultTimeout = 15 * time.Second

// Client talks to the chat REST API with a bearer token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a REST client. A zero timeout uses 15s.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// CreateMessageRequest is the body of a durable message write.
type CreateMessageRequest struct {
	ClientID       string            `json:"client_id"`
	ConversationID string            `json:"conversation_id"`
	Content        string            `json:"content"`
	ContentType    types.Kind        `json:"content_type"`
	Media          *types.Media      `json:"media,omitempty"`
	Location       *types.Location   `json:"location,omitempty"`
	Call           *types.CallRecord `json:"call,omitempty"`
}

// CreateMessageResponse carries the server assigned identity.
type CreateMessageResponse struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorResponse is the error body returned by the API.
type ErrorResponse struct {
	Error string `json:"error"`
}

// CreateMessage persists a message and returns its server id. The write is
// idempotent on ClientID.
func (c *Client) CreateMessage(ctx context.Context, req *CreateMessageRequest) (*CreateMessageResponse, error) {
	path := "/api/conversations/" + url.PathEscape(req.ConversationID) + "/messages"
	var resp CreateMessageResponse
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	return &resp, nil
}

// MarkRead clears the caller's unread counter for a conversation.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/read"
	if err := c.do(ctx, http.MethodPut, path, nil, nil); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// DeleteMessage deletes a message the caller sent.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	if err := c.do(ctx, http.MethodDelete, "/api/messages/"+url.PathEscape(messageID), nil, nil); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// RecallMessage recalls a message the caller sent.
func (c *Client) RecallMessage(ctx context.Context, messageID string) error {
	if err := c.do(ctx, http.MethodPut, "/api/messages/"+url.PathEscape(messageID)+"/recall", nil, nil); err != nil {
		return fmt.Errorf("recall message: %w", err)
	}
	return nil
}

// FetchPage returns one history page, newest first. Page numbers start at 1.
func (c *Client) FetchPage(ctx context.Context, conversationID string, page, limit int) (*types.Page, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages?" + q.Encode()
	var resp types.Page
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("fetch page %d: %w", page, err)
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return newAPIError(resp.StatusCode, respBody)
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
