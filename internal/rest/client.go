package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/nmtri/vichat/internal/chat"
	"github.com/nmtri/vichat/internal/credential"
	"go.uber.org/zap"
)

// APIError is a non-2xx response from the backend.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status %d: %s", e.Status, e.Body)
}

// Client is the typed HTTP client for the storefront chat API. It carries
// the bearer credential on every request; the backend is authoritative for
// all history it serves.
type Client struct {
	base   string
	creds  credential.Provider
	http   *http.Client
	logger *zap.Logger
}

// New creates a REST client for the given API base URL.
func New(base string, creds credential.Provider, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:   base,
		creds:  creds,
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

// ListConversations fetches the caller's conversation summaries, optionally
// filtered by scope (e.g. "shop").
func (c *Client) ListConversations(ctx context.Context, scope string) ([]chat.Conversation, error) {
	endpoint := c.base + "/conversations"
	if scope != "" {
		endpoint += "?scope=" + url.QueryEscape(scope)
	}
	var convs []chat.Conversation
	if err := c.getJSON(ctx, endpoint, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// MessageHistory fetches one page of a conversation's messages in
// chronological order.
func (c *Client) MessageHistory(ctx context.Context, conversationID string, page, limit int) ([]chat.Message, error) {
	endpoint := fmt.Sprintf("%s/conversations/%s/messages?page=%d&limit=%d",
		c.base, url.PathEscape(conversationID), page, limit)
	var msgs []chat.Message
	if err := c.getJSON(ctx, endpoint, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// CreateMessage persists a message. The response echoes it back settled,
// carrying both the server id and the client temp id.
func (c *Client) CreateMessage(ctx context.Context, req chat.CreateMessageRequest) (chat.Message, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return chat.Message{}, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := c.newRequest(ctx, http.MethodPost, c.base+"/messages", bytes.NewReader(body))
	if err != nil {
		return chat.Message{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var msg chat.Message
	if err := c.do(httpReq, &msg); err != nil {
		return chat.Message{}, err
	}
	return msg, nil
}

// UploadFiles posts the files as one multipart form and returns their
// descriptors in the same order.
func (c *Client) UploadFiles(ctx context.Context, files []chat.Upload) ([]chat.Attachment, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, f := range files {
		part, err := w.CreateFormFile("files[]", f.Name)
		if err != nil {
			return nil, fmt.Errorf("create form file: %w", err)
		}
		if _, err := io.Copy(part, f.Reader); err != nil {
			return nil, fmt.Errorf("copy %s: %w", f.Name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, c.base+"/uploads", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var descriptors []chat.Attachment
	if err := c.do(req, &descriptors); err != nil {
		return nil, err
	}
	return descriptors, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	token, err := c.creds.Token()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Status: resp.StatusCode, Body: string(body)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
