package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/parley-ai/parley/internal/web"
)

// Callbacks defines handlers for gateway frames.
// All callbacks are optional; nil callbacks are ignored.
type Callbacks struct {
	// OnConnected is called when the gateway confirms the connection.
	OnConnected func(clientID string)

	// OnSnapshot is called with a session's current state when a
	// subscription attaches to it.
	OnSnapshot func(s web.SessionPayload)

	// OnUpdate is called with a fresh session state after any change.
	OnUpdate func(s web.SessionPayload)

	// OnResolved is called when a provisional id is replaced by the
	// backend-confirmed conversation id.
	OnResolved func(provisionalID, id int64)

	// OnComplete is called when an exchange finishes and the backend
	// holds its durable state.
	OnComplete func(id, subtaskID int64)

	// OnDeleted is called when a session entry is removed.
	OnDeleted func(id int64)

	// OnRecovered is called with the outcome of a recover probe.
	OnRecovered func(r web.RecoveredPayload)

	// OnServerError is called when the gateway reports an error. The id
	// is zero when the error is not tied to a conversation.
	OnServerError func(id int64, message string)

	// OnDisconnected is called when the WebSocket connection is closed.
	OnDisconnected func(err error)
}

// Conn represents an active WebSocket connection to the gateway.
// It is safe for concurrent use.
type Conn struct {
	conn      *websocket.Conn
	callbacks Callbacks

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	clientID string
	closed   bool
}

// Connect establishes a WebSocket connection to the gateway.
func (c *Client) Connect(ctx context.Context, callbacks Callbacks) (*Conn, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}

	// Convert http(s) to ws(s)
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws"

	wsConn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("websocket connect: %w", err)
	}

	connCtx, cancel := context.WithCancel(ctx)
	s := &Conn{
		conn:      wsConn,
		callbacks: callbacks,
		ctx:       connCtx,
		cancel:    cancel,
	}

	// Start reading frames
	go s.readLoop()

	return s, nil
}

// ClientID returns the id assigned by the gateway, empty until the
// connected frame arrives.
func (s *Conn) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

// Start sends a user message, starting or continuing a conversation. The
// gateway auto-subscribes this connection to the resulting session.
func (s *Conn) Start(req web.StartPayload) error {
	return s.send(web.WSMsgTypeStart, req)
}

// Stop cancels the conversation's streaming reply, keeping the partial
// content.
func (s *Conn) Stop(conversationID int64) error {
	return s.send(web.WSMsgTypeStop, web.ConversationRef{ConversationID: conversationID})
}

// Reset discards a finished session's gateway-side state.
func (s *Conn) Reset(conversationID int64) error {
	return s.send(web.WSMsgTypeReset, web.ConversationRef{ConversationID: conversationID})
}

// Subscribe asks for a snapshot plus updates of one conversation.
// A zero id subscribes to every session.
func (s *Conn) Subscribe(conversationID int64) error {
	return s.send(web.WSMsgTypeSubscribe, web.ConversationRef{ConversationID: conversationID})
}

// Unsubscribe removes a subscription.
func (s *Conn) Unsubscribe(conversationID int64) error {
	return s.send(web.WSMsgTypeUnsubscribe, web.ConversationRef{ConversationID: conversationID})
}

// Recover probes a conversation's unfinished exchanges for buffered
// content after a reconnect.
func (s *Conn) Recover(req web.RecoverPayload) error {
	return s.send(web.WSMsgTypeRecover, req)
}

// Close closes the WebSocket connection.
func (s *Conn) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	return s.conn.Close()
}

// send writes one frame in the gateway's envelope format.
func (s *Conn) send(msgType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msgType, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("connection closed")
	}
	return s.conn.WriteJSON(web.WSMessage{Type: msgType, Data: data})
}

// readLoop reads frames from the WebSocket connection.
func (s *Conn) readLoop() {
	defer func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		var msg web.WSMessage
		err := s.conn.ReadJSON(&msg)
		if err != nil {
			if s.callbacks.OnDisconnected != nil {
				s.callbacks.OnDisconnected(err)
			}
			return
		}

		s.handleMessage(msg)
	}
}

// handleMessage dispatches a received frame to its callback.
func (s *Conn) handleMessage(msg web.WSMessage) {
	switch msg.Type {
	case web.WSMsgTypeConnected:
		var data web.ConnectedPayload
		if json.Unmarshal(msg.Data, &data) == nil {
			s.mu.Lock()
			s.clientID = data.ClientID
			s.mu.Unlock()
			if s.callbacks.OnConnected != nil {
				s.callbacks.OnConnected(data.ClientID)
			}
		}

	case web.WSMsgTypeSnapshot:
		var data web.SessionPayload
		if json.Unmarshal(msg.Data, &data) == nil && s.callbacks.OnSnapshot != nil {
			s.callbacks.OnSnapshot(data)
		}

	case web.WSMsgTypeUpdate:
		var data web.SessionPayload
		if json.Unmarshal(msg.Data, &data) == nil && s.callbacks.OnUpdate != nil {
			s.callbacks.OnUpdate(data)
		}

	case web.WSMsgTypeResolved:
		var data web.ResolvedPayload
		if json.Unmarshal(msg.Data, &data) == nil && s.callbacks.OnResolved != nil {
			s.callbacks.OnResolved(data.ProvisionalID, data.ID)
		}

	case web.WSMsgTypeComplete:
		var data web.CompletePayload
		if json.Unmarshal(msg.Data, &data) == nil && s.callbacks.OnComplete != nil {
			s.callbacks.OnComplete(data.ID, data.SubtaskID)
		}

	case web.WSMsgTypeDeleted:
		var data web.DeletedPayload
		if json.Unmarshal(msg.Data, &data) == nil && s.callbacks.OnDeleted != nil {
			s.callbacks.OnDeleted(data.ID)
		}

	case web.WSMsgTypeRecovered:
		var data web.RecoveredPayload
		if json.Unmarshal(msg.Data, &data) == nil && s.callbacks.OnRecovered != nil {
			s.callbacks.OnRecovered(data)
		}

	case web.WSMsgTypeError:
		var data web.ErrorPayload
		if json.Unmarshal(msg.Data, &data) == nil && s.callbacks.OnServerError != nil {
			s.callbacks.OnServerError(data.ID, data.Message)
		}
	}
}
