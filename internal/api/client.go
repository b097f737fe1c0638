// Package api is the HTTP client for the chat backend. It speaks the
// backend's streaming protocol: server-sent events for replies, a cancel
// endpoint that persists partial content, and a recovery endpoint that
// returns buffered content for interrupted generations.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	// defaultTimeout bounds unary calls (cancel, recovery probe). Streaming
	// requests are bounded by their context instead.
	defaultTimeout = 15 * time.Second

	// maxErrorBodySize caps how much of an error response body is read for
	// diagnostics.
	maxErrorBodySize = 8 * 1024
)

// ErrNoBufferedContent is returned by StreamingContent when the backend has
// nothing buffered for the subtask.
var ErrNoBufferedContent = errors.New("no buffered content for subtask")

// StatusError is returned when the backend answers with a non-success HTTP
// status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend returned status %d", e.Code)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.Code, e.Body)
}

// Config holds the settings for a backend client.
type Config struct {
	// BaseURL is the backend root, e.g. "http://localhost:8000/api/chat".
	BaseURL string
	// TeamID selects the agent team every message is addressed to.
	TeamID int64
	// Token is the bearer token attached to every request. Empty disables
	// the Authorization header.
	Token string
	// Timeout bounds unary calls. Zero selects defaultTimeout.
	Timeout time.Duration
	// HTTPClient overrides the transport, mainly for tests. Nil selects a
	// plain http.Client without a global timeout (streams are long-lived).
	HTTPClient *http.Client
	// Logger receives request diagnostics. Nil disables logging.
	Logger *slog.Logger
}

// Client talks to the chat backend. It is safe for concurrent use; the
// backend address and credentials can be swapped at runtime with
// UpdateConfig.
type Client struct {
	// mu guards baseURL, teamID, and token. The transport settings are
	// fixed at construction.
	mu      sync.RWMutex
	baseURL string
	teamID  int64
	token   string

	timeout time.Duration
	http    *http.Client
	logger  *slog.Logger
}

// New creates a backend client from cfg.
func New(cfg Config) (*Client, error) {
	base, err := normalizeBaseURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Client{
		baseURL: base,
		teamID:  cfg.TeamID,
		token:   cfg.Token,
		timeout: timeout,
		http:    httpClient,
		logger:  cfg.Logger,
	}, nil
}

// normalizeBaseURL validates a backend root URL and strips trailing slashes.
func normalizeBaseURL(raw string) (string, error) {
	base := strings.TrimRight(raw, "/")
	if base == "" {
		return "", errors.New("api: base URL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return "", fmt.Errorf("api: invalid base URL: %w", err)
	}
	return base, nil
}

// UpdateConfig swaps the backend address and credentials, typically after a
// config file reload. In-flight requests finish against the old values; new
// requests pick up the new ones.
func (c *Client) UpdateConfig(baseURL, token string, teamID int64) error {
	base, err := normalizeBaseURL(baseURL)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.baseURL = base
	c.token = token
	c.teamID = teamID
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.Info("Backend configuration updated", "base_url", base, "team_id", teamID)
	}
	return nil
}

// SendRequest describes one outgoing user message.
type SendRequest struct {
	// Message is the user's text.
	Message string `json:"message"`
	// TeamID is filled in by the client from its config when zero.
	TeamID int64 `json:"team_id"`
	// ConversationID continues an existing conversation when non-zero.
	ConversationID int64 `json:"task_id,omitempty"`
	// ModelID overrides the agent's configured model.
	ModelID string `json:"model_id,omitempty"`
	// ForceModelOverride applies ModelID even when the agent pins a model.
	ForceModelOverride bool `json:"force_override_bot_model,omitempty"`
	// AttachmentID references a previously uploaded file.
	AttachmentID int64 `json:"attachment_id,omitempty"`
	// WebSearch lets the agent search the web for this message.
	WebSearch bool `json:"enable_web_search,omitempty"`
	// SearchEngine selects the engine when WebSearch is set.
	SearchEngine string `json:"search_engine,omitempty"`
	// Clarification asks the agent to raise structured follow-up questions
	// before executing.
	Clarification bool `json:"enable_clarification,omitempty"`
}

// Send opens a streaming exchange for req. The returned stream carries the
// abort capability; cancelling ctx or calling Stream.Abort stops consumption.
func (c *Client) Send(ctx context.Context, req SendRequest) (*Stream, error) {
	c.mu.RLock()
	base := c.baseURL
	if req.TeamID == 0 {
		req.TeamID = c.teamID
	}
	c.mu.RUnlock()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("api: encode send request: %w", err)
	}
	return c.openStream(ctx, http.MethodPost, base+"/stream", bytes.NewReader(body))
}

// Resume re-attaches to an interrupted exchange from a character offset.
// The backend first replays its buffered content past offset (marked Cached),
// then relays the live tail if the generation is still running.
func (c *Client) Resume(ctx context.Context, subtaskID int64, offset int) (*Stream, error) {
	endpoint := fmt.Sprintf("%s/resume-stream/%d?offset=%d", c.base(), subtaskID, offset)
	return c.openStream(ctx, http.MethodGet, endpoint, nil)
}

// cancelRequest is the cancel endpoint's body.
type cancelRequest struct {
	SubtaskID      int64  `json:"subtask_id"`
	PartialContent string `json:"partial_content,omitempty"`
}

// cancelResponse is the cancel endpoint's reply.
type cancelResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Cancel asks the backend to stop the generation for subtaskID and persist
// partialContent as its final result. A nil return means the backend
// confirmed the stop.
func (c *Client) Cancel(ctx context.Context, subtaskID int64, partialContent string) error {
	body, err := json.Marshal(cancelRequest{SubtaskID: subtaskID, PartialContent: partialContent})
	if err != nil {
		return fmt.Errorf("api: encode cancel request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodPost, c.base()+"/cancel", bytes.NewReader(body), "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}

	var cr cancelResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return fmt.Errorf("api: decode cancel response: %w", err)
	}
	if !cr.Success {
		return fmt.Errorf("api: backend refused cancel: %s", cr.Message)
	}
	return nil
}

// StreamingContent is the recovery endpoint's reply for one subtask.
type StreamingContent struct {
	// Content is the accumulated partial text.
	Content string `json:"content"`
	// Source is "redis" for the live streaming buffer or "database" for
	// the persisted fallback.
	Source string `json:"source"`
	// Streaming reports whether the generation is still producing output.
	Streaming bool `json:"streaming"`
	// Status is the backend's subtask status, e.g. "RUNNING".
	Status string `json:"status"`
	// Incomplete marks content cut short by a client disconnect.
	Incomplete bool `json:"incomplete"`
}

// StreamingContent fetches buffered partial content for subtaskID. It
// returns ErrNoBufferedContent when the backend holds nothing for it.
func (c *Client) StreamingContent(ctx context.Context, subtaskID int64) (StreamingContent, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/streaming-content/%d", c.base(), subtaskID)
	resp, err := c.do(ctx, http.MethodGet, endpoint, nil, "")
	if err != nil {
		return StreamingContent{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return StreamingContent{}, ErrNoBufferedContent
	}
	if err := checkStatus(resp); err != nil {
		return StreamingContent{}, err
	}

	var sc StreamingContent
	if err := json.NewDecoder(resp.Body).Decode(&sc); err != nil {
		return StreamingContent{}, fmt.Errorf("api: decode streaming content: %w", err)
	}
	if sc.Content == "" && !sc.Streaming {
		return StreamingContent{}, ErrNoBufferedContent
	}
	return sc, nil
}

func (c *Client) base() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseURL
}

// do builds and executes one request with the client's standard headers.
func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("api: build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api: %s %s: %w", method, endpoint, err)
	}
	return resp, nil
}

// checkStatus converts a non-2xx response into a StatusError, consuming a
// bounded amount of the body for the message.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
