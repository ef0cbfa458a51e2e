// Package eventra provides the Go client SDK for the Eventra marketplace
// chat backend.
//
// It maintains a live, ordered, de-duplicated view of conversations and
// messages across a websocket connection, reconciled against REST snapshots
// and an optimistic local send queue.
//
// Example:
//
//	client := eventra.NewClient("jwt-token")
//	rt := client.Realtime(nil)
//	session := eventra.NewChatSession(client, rt, "user-1", eventra.RoleCustomer, nil)
//
//	rt.Connect(ctx, client.Token())
//	session.Refresh(ctx)
//	session.SelectConversation(ctx, convID)
//	session.SendText(ctx, "Hello!")
package eventra

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Self roles, used to parameterize which side of a conversation this
// client represents.
const (
	RoleCustomer = "customer"
	RoleVendor   = "vendor"
)

const (
	DefaultBaseURL = "https://api.eventra.market"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST client for the Eventra backend. All requests carry the
// bearer token; the same token authenticates the live channel.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	chat       *ChatClient
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a new Eventra client authenticated by a bearer token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	c.chat = newChatClient(c)
	return c
}

// SetToken sets or updates the auth token, e.g. after a session refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Token returns the current auth token.
func (c *Client) Token() string {
	return c.token
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Chat returns the chat API sub-client.
func (c *Client) Chat() *ChatClient {
	return c.chat
}

// Realtime creates a live-channel client bound to this client's base URL.
// Call Connect on it to establish the connection.
func (c *Client) Realtime(config *RealtimeConfig) *RealtimeClient {
	return NewRealtimeClient(c.baseURL, config)
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
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

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Chat Client (orchestrates sub-modules)
// ============================================================================

// ChatClient provides access to the chat API via sub-modules.
type ChatClient struct {
	client *Client

	Conversations *ConversationsClient
	Messages      *MessagesClient
}

func newChatClient(c *Client) *ChatClient {
	ch := &ChatClient{client: c}
	ch.Conversations = &ConversationsClient{chat: ch}
	ch.Messages = &MessagesClient{chat: ch}
	return ch
}

func (ch *ChatClient) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*ChatResult, error) {
	data, err := ch.client.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[ChatResult](data)
}

// Health checks chat service health.
func (ch *ChatClient) Health(ctx context.Context) (*ChatResult, error) {
	return ch.do(ctx, "GET", "/api/chat/health", nil, nil)
}

// ============================================================================
// Conversations
// ============================================================================

// ConversationsClient handles conversation list, history, read state and
// deletion.
type ConversationsClient struct{ chat *ChatClient }

// List fetches the conversation summaries for the sidebar.
func (cv *ConversationsClient) List(ctx context.Context) (*ChatResult, error) {
	return cv.chat.do(ctx, "GET", "/api/chat/conversations", nil, nil)
}

// History fetches the ordered message history for an event-scoped
// conversation with another user.
func (cv *ConversationsClient) History(ctx context.Context, eventID, otherUserID string) (*ChatResult, error) {
	return cv.chat.do(ctx, "GET", "/api/chat/conversation/"+eventID+"/"+otherUserID, nil, nil)
}

// VendorHistory fetches the unscoped conversation a customer has with a
// vendor.
func (cv *ConversationsClient) VendorHistory(ctx context.Context, vendorID string) (*ChatResult, error) {
	return cv.chat.do(ctx, "GET", "/api/chat/conversation/vendor/"+vendorID, nil, nil)
}

// CustomerHistory fetches the unscoped conversation a vendor has with a
// customer.
func (cv *ConversationsClient) CustomerHistory(ctx context.Context, customerID string) (*ChatResult, error) {
	return cv.chat.do(ctx, "GET", "/api/chat/conversation/customer/"+customerID, nil, nil)
}

// MarkRead marks every message in a conversation as read.
func (cv *ConversationsClient) MarkRead(ctx context.Context, conversationID string) (*ChatResult, error) {
	return cv.chat.do(ctx, "PATCH", "/api/chat/messages/read/"+conversationID, nil, nil)
}

// Delete removes a conversation and its messages.
func (cv *ConversationsClient) Delete(ctx context.Context, conversationID string) (*ChatResult, error) {
	return cv.chat.do(ctx, "DELETE", "/api/chat/messages/conversation/"+conversationID, nil, nil)
}

// ============================================================================
// Messages
// ============================================================================

// MessagesClient handles the REST send fallback.
type MessagesClient struct{ chat *ChatClient }

// Send posts a text message via the REST fallback and returns the created
// message.
func (m *MessagesClient) Send(ctx context.Context, req *SendMessageRequest) (*ChatResult, error) {
	return m.chat.do(ctx, "POST", "/api/chat/messages/send", req, nil)
}

// SendAttachments posts file attachments as a multipart form. Binary
// payloads never ride the live channel; this is the only delivery path for
// them.
func (m *MessagesClient) SendAttachments(ctx context.Context, req *SendAttachmentsRequest) (*ChatResult, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	_ = w.WriteField("receiverId", req.ReceiverID)
	if req.EventID != "" {
		_ = w.WriteField("eventId", req.EventID)
	}
	if req.Content != "" {
		_ = w.WriteField("content", req.Content)
	}
	if req.ClientID != "" {
		_ = w.WriteField("clientId", req.ClientID)
	}

	for _, f := range req.Files {
		part, err := w.CreateFormFile("files", f.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to create form file: %w", err)
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, fmt.Errorf("failed to write file data: %w", err)
		}
	}
	_ = w.Close()

	httpReq, err := http.NewRequestWithContext(ctx, "POST", m.chat.client.baseURL+"/api/chat/messages/send", &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())
	if m.chat.client.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+m.chat.client.token)
	}

	resp, err := m.chat.client.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload response: %w", err)
	}
	return decodeJSON[ChatResult](data)
}
