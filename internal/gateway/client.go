// Package gateway is the client side of the remote conversation gateway:
// CRUD on conversations and messages plus buffered and streamed sends, over
// HTTP with a bearer credential.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/wellspring-kb/session-controller/internal/model"
	"github.com/wellspring-kb/session-controller/pkg/logger"
	"github.com/wellspring-kb/session-controller/pkg/metrics"
)

// Client is the gateway contract the controller consumes.
type Client interface {
	ListConversations(ctx context.Context) ([]model.Conversation, error)
	CreateConversation(ctx context.Context) (*model.CreateConversationResponse, error)
	DeleteConversation(ctx context.Context, conversationID string) error
	Messages(ctx context.Context, conversationID string) ([]model.Message, error)
	SendMessage(ctx context.Context, conversationID string, req model.SendMessageRequest) (*model.SendMessageResponse, error)
	StreamMessage(ctx context.Context, conversationID string, req model.SendMessageRequest, onEvent func(model.StreamEvent) error) error
}

// CredentialSource supplies the bearer credential attached to every request.
type CredentialSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticCredential is a fixed bearer token.
type StaticCredential string

// Token returns the fixed token.
func (s StaticCredential) Token(context.Context) (string, error) {
	return string(s), nil
}

// HTTPClient implements Client against the REST surface.
type HTTPClient struct {
	baseURL    string
	http       *http.Client
	creds      CredentialSource
	onAuthFail func()
	log        *logger.Logger
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient overrides the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) { c.http = hc }
}

// WithAuthFailureHandler installs the session-collaborator hook invoked on a
// 401/403 response.
func WithAuthFailureHandler(fn func()) Option {
	return func(c *HTTPClient) { c.onAuthFail = fn }
}

// WithLogger overrides the logger.
func WithLogger(log *logger.Logger) Option {
	return func(c *HTTPClient) { c.log = log }
}

// NewHTTPClient creates a gateway client rooted at baseURL (for example
// "http://localhost:8080/api/v1").
func NewHTTPClient(baseURL string, creds CredentialSource, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 120 * time.Second},
		creds:   creds,
		log:     logger.Global(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ Client = (*HTTPClient)(nil)

// ListConversations fetches the conversation list, ordered by last activity
// descending.
func (c *HTTPClient) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	var resp model.ListConversationsResponse
	if err := c.doJSON(ctx, "list_conversations", http.MethodGet, "/conversations", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

// CreateConversation creates a conversation and returns its initial message
// set.
func (c *HTTPClient) CreateConversation(ctx context.Context) (*model.CreateConversationResponse, error) {
	var resp model.CreateConversationResponse
	if err := c.doJSON(ctx, "create_conversation", http.MethodPost, "/conversations", struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteConversation deletes a conversation. A 404 surfaces as ErrNotFound;
// the caller treats it as idempotent success.
func (c *HTTPClient) DeleteConversation(ctx context.Context, conversationID string) error {
	return c.doJSON(ctx, "delete_conversation", http.MethodDelete, "/conversations/"+conversationID, nil, nil)
}

// Messages fetches a conversation's authoritative message sequence.
func (c *HTTPClient) Messages(ctx context.Context, conversationID string) ([]model.Message, error) {
	var resp model.ListMessagesResponse
	if err := c.doJSON(ctx, "list_messages", http.MethodGet, "/conversations/"+conversationID+"/messages", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// SendMessage submits a query in buffered mode and returns the persisted
// user message and the generated assistant message.
func (c *HTTPClient) SendMessage(ctx context.Context, conversationID string, req model.SendMessageRequest) (*model.SendMessageResponse, error) {
	var resp model.SendMessageResponse
	if err := c.doJSON(ctx, "send_message", http.MethodPost, "/conversations/"+conversationID+"/messages", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StreamMessage submits a query in streamed mode and delivers each
// reassembled server-sent event to onEvent until the terminal end event,
// after which it stops reading and returns.
func (c *HTTPClient) StreamMessage(ctx context.Context, conversationID string, req model.SendMessageRequest, onEvent func(model.StreamEvent) error) error {
	start := time.Now()

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := c.newRequest(ctx, http.MethodPost, "/conversations/"+conversationID+"/messages", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		metrics.RecordGatewayRequest("stream_message", "transport_error", time.Since(start).Seconds())
		return fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	metrics.RecordGatewayRequest("stream_message", strconv.Itoa(resp.StatusCode), time.Since(start).Seconds())

	if err := c.classifyStatus(resp); err != nil {
		return err
	}

	return readEvents(resp.Body, onEvent)
}

func (c *HTTPClient) doJSON(ctx context.Context, operation, method, path string, in, out interface{}) error {
	start := time.Now()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordGatewayRequest(operation, "transport_error", time.Since(start).Seconds())
		return fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	metrics.RecordGatewayRequest(operation, strconv.Itoa(resp.StatusCode), time.Since(start).Seconds())

	if err := c.classifyStatus(resp); err != nil {
		return err
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("malformed gateway response: %w", err)
	}
	return nil
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	token, err := c.creds.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain credential: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *HTTPClient) classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.log.Warn("gateway auth failure", "status", resp.StatusCode)
		if c.onAuthFail != nil {
			c.onAuthFail()
		}
		return fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, resp.Request.URL.Path)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}
}
