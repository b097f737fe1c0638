package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

const (
	// sseInitialBufferSize is the scanner's starting buffer.
	sseInitialBufferSize = 64 * 1024
	// sseMaxLineSize caps a single SSE line; chunks are small but a resume
	// replay can deliver the whole buffered reply in one frame.
	sseMaxLineSize = 1024 * 1024
)

// Stream is one open streaming exchange. Events arrive on Events in receipt
// order; the channel is closed after the terminal event. Abort stops
// consumption immediately without a terminal event.
type Stream struct {
	events chan StreamEvent
	cancel context.CancelFunc
}

// Events returns the stream's event channel.
func (s *Stream) Events() <-chan StreamEvent {
	return s.events
}

// Abort stops reading the underlying response. The event channel closes
// without a terminal event; the caller owns the terminal transition.
func (s *Stream) Abort() {
	s.cancel()
}

// frame is one decoded SSE data payload from the backend.
type frame struct {
	TaskID    *int64          `json:"task_id"`
	SubtaskID *int64          `json:"subtask_id"`
	Offset    *int            `json:"offset"`
	Content   string          `json:"content"`
	Done      bool            `json:"done"`
	Cached    bool            `json:"cached"`
	Result    json.RawMessage `json:"result"`
	Error     string          `json:"error"`
}

// openStream performs the request and hands the response body to a consumer
// goroutine that decodes SSE frames into StreamEvents.
func (c *Client) openStream(ctx context.Context, method, endpoint string, body io.Reader) (*Stream, error) {
	ctx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("api: build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("api: %s %s: %w", method, endpoint, err)
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		cancel()
		return nil, err
	}

	s := &Stream{
		events: make(chan StreamEvent, 16),
		cancel: cancel,
	}
	go c.consume(ctx, resp, s)
	return s, nil
}

// consume reads SSE lines from resp until a terminal frame, an abort, or a
// transport failure. It owns closing the event channel and the body.
func (c *Client) consume(ctx context.Context, resp *http.Response, s *Stream) {
	defer close(s.events)
	defer s.cancel()
	defer resp.Body.Close()

	emit := func(ev StreamEvent) bool {
		select {
		case s.events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	resolved := false
	// The backend mirrors the ids into response headers so clients learn
	// them before the first frame arrives.
	if convID, subID, ok := idsFromHeaders(resp.Header); ok {
		if !emit(Resolved{ConversationID: convID, SubtaskID: subID}) {
			return
		}
		resolved = true
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, sseInitialBufferSize), sseMaxLineSize)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		var f frame
		if err := json.Unmarshal([]byte(data), &f); err != nil {
			if c.logger != nil {
				c.logger.Debug("Skipping malformed stream frame", "error", err)
			}
			continue
		}

		if f.Error != "" {
			emit(Failed{Err: fmt.Errorf("backend stream error: %s", f.Error)})
			return
		}
		if !resolved && f.TaskID != nil && f.SubtaskID != nil {
			if !emit(Resolved{ConversationID: *f.TaskID, SubtaskID: *f.SubtaskID}) {
				return
			}
			resolved = true
		}
		if f.Content != "" {
			offset := 0
			if f.Offset != nil {
				offset = *f.Offset
			}
			if !emit(Delta{Content: f.Content, Offset: offset, Cached: f.Cached}) {
				return
			}
		}
		if f.Done {
			emit(Completed{Result: f.Result})
			return
		}
	}

	// The loop only falls through when the body ended without a terminal
	// frame. A local abort is not an error; anything else is.
	if ctx.Err() != nil {
		return
	}
	if err := scanner.Err(); err != nil {
		emit(Failed{Err: fmt.Errorf("read stream: %w", err)})
		return
	}
	emit(Failed{Err: fmt.Errorf("stream ended early: %w", io.ErrUnexpectedEOF)})
}

// idsFromHeaders extracts the conversation and subtask ids the backend
// mirrors into X-Task-Id / X-Subtask-Id.
func idsFromHeaders(h http.Header) (conversationID, subtaskID int64, ok bool) {
	taskHeader := h.Get("X-Task-Id")
	subtaskHeader := h.Get("X-Subtask-Id")
	if taskHeader == "" || subtaskHeader == "" {
		return 0, 0, false
	}
	conversationID, err := strconv.ParseInt(taskHeader, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	subtaskID, err = strconv.ParseInt(subtaskHeader, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return conversationID, subtaskID, true
}
