package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/parley-ai/parley/internal/web"
)

// ExchangeResult contains the outcome of one message exchange.
type ExchangeResult struct {
	// ConversationID is the backend-confirmed conversation id.
	ConversationID int64

	// SubtaskID identifies the backend exchange behind the reply.
	SubtaskID int64

	// Session is the final session state, including the full reply
	// content and its analysis.
	Session web.SessionPayload
}

// SendAndWait sends one message and waits for the reply to finish.
// It opens a dedicated connection with capturing callbacks, sends the
// message, waits for completion, and returns the final session state.
// The connection is closed when the function returns.
func (c *Client) SendAndWait(ctx context.Context, req web.StartPayload) (*ExchangeResult, error) {
	var (
		mu     sync.Mutex
		latest = make(map[int64]web.SessionPayload)
		result ExchangeResult
	)
	done := make(chan error, 1)
	connected := make(chan struct{})

	finish := func(err error) {
		select {
		case done <- err:
		default:
		}
	}

	// Connect with capturing callbacks. The terminal update for a session
	// always precedes its complete frame, so latest[id] is the final state
	// by the time OnComplete runs.
	conn, err := c.Connect(ctx, Callbacks{
		OnConnected: func(string) {
			close(connected)
		},
		OnUpdate: func(s web.SessionPayload) {
			mu.Lock()
			latest[s.ID] = s
			mu.Unlock()
		},
		OnComplete: func(id, subtaskID int64) {
			mu.Lock()
			result.ConversationID = id
			result.SubtaskID = subtaskID
			result.Session = latest[id]
			mu.Unlock()
			finish(nil)
		},
		OnServerError: func(id int64, message string) {
			finish(fmt.Errorf("gateway error: %s", message))
		},
		OnDisconnected: func(err error) {
			finish(fmt.Errorf("connection lost: %w", err))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	// Wait for connection
	select {
	case <-connected:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// Send the message
	if err := conn.Start(req); err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}

	// Wait for completion or context cancellation
	select {
	case err := <-done:
		if err != nil {
			return nil, err
		}
		return &result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
