package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/parley-ai/parley/internal/chat"
	"github.com/parley-ai/parley/internal/logging"
)

// ChatClient is one WebSocket client attached to the gateway. Frames from
// the hub reach it only for sessions it subscribed to.
type ChatClient struct {
	id     string
	conn   *WSConn
	svc    *chat.Service
	hub    *sessionHub
	logger *slog.Logger

	mu   sync.Mutex
	subs map[chat.SessionID]struct{}
	all  bool
}

// subscribe adds a subscription. Id 0 subscribes to every session.
func (c *ChatClient) subscribe(id chat.SessionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id == 0 {
		c.all = true
		return
	}
	c.subs[id] = struct{}{}
}

// unsubscribe removes a subscription. Id 0 removes the subscribe-to-all
// subscription, individual ones stay.
func (c *ChatClient) unsubscribe(id chat.SessionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id == 0 {
		c.all = false
		return
	}
	delete(c.subs, id)
}

func (c *ChatClient) subscribedTo(id chat.SessionID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.all {
		return true
	}
	_, ok := c.subs[id]
	return ok
}

// moveSubscription renames a per-id subscription, reporting whether the
// client actually held one under from.
func (c *ChatClient) moveSubscription(from, to chat.SessionID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[from]; !ok {
		return false
	}
	delete(c.subs, from)
	c.subs[to] = struct{}{}
	return true
}

// dropSubscription removes a per-id subscription without touching the
// subscribe-to-all flag.
func (c *ChatClient) dropSubscription(id chat.SessionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, id)
}

func originLogger(logger *slog.Logger) OriginCheckLogger {
	return func(origin, host string, allowed bool, reason string) {
		if allowed {
			logger.Debug("WebSocket origin accepted", "origin", origin, "reason", reason)
		} else {
			logger.Warn("WebSocket origin rejected", "origin", origin, "host", host, "reason", reason)
		}
	}
}

// handleChatWS upgrades the connection and runs the client's read loop
// until the peer disconnects or the server shuts down.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)
	if !s.tracker.TryAdd(ip) {
		s.logger.Warn("Connection limit reached", "ip", ip)
		http.Error(w, "Too many connections from this address", http.StatusServiceUnavailable)
		return
	}

	upgrader := newUpgrader(s.wsConfig, originLogger(s.logger))
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.tracker.Remove(ip)
		s.logger.Warn("WebSocket upgrade failed", "ip", ip, "error", err)
		return
	}

	client := &ChatClient{
		id:   uuid.New().String(),
		svc:  s.svc,
		hub:  s.hub,
		subs: make(map[chat.SessionID]struct{}),
	}
	client.logger = logging.WithClient(s.logger, client.id)
	client.conn = NewWSConn(WSConnConfig{
		Conn:     conn,
		Config:   s.wsConfig,
		Logger:   client.logger,
		ClientIP: ip,
		Tracker:  s.tracker,
	})

	client.conn.SendMessage(WSMsgTypeConnected, ConnectedPayload{ClientID: client.id})
	s.hub.addClient(client)

	ctx, cancel := context.WithCancel(r.Context())
	go client.conn.WritePump(ctx)
	client.readPump(ctx, cancel)
}

// readPump consumes client frames until the connection dies. It owns the
// client's teardown.
func (c *ChatClient) readPump(ctx context.Context, cancel context.CancelFunc) {
	defer func() {
		cancel()
		c.hub.removeClient(c)
		c.conn.ReleaseConnectionSlot()
		c.conn.Close()
	}()

	for {
		data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("WebSocket read failed", "error", err)
			}
			return
		}
		c.handleMessage(ctx, data)
	}
}

func (c *ChatClient) handleMessage(ctx context.Context, data []byte) {
	msg, err := ParseMessage(data)
	if err != nil {
		c.logger.Warn("Malformed message", "error", err)
		c.conn.SendError("invalid message format")
		return
	}

	switch msg.Type {
	case WSMsgTypeSubscribe:
		c.handleSubscribe(msg.Data)
	case WSMsgTypeUnsubscribe:
		c.handleUnsubscribe(msg.Data)
	case WSMsgTypeStart:
		c.handleStart(msg.Data)
	case WSMsgTypeStop:
		c.handleStop(ctx, msg.Data)
	case WSMsgTypeReset:
		c.handleReset(msg.Data)
	case WSMsgTypeRecover:
		c.handleRecover(ctx, msg.Data)
	default:
		c.logger.Warn("Unknown message type", "type", msg.Type)
		c.conn.SendError("unknown message type: " + msg.Type)
	}
}

func (c *ChatClient) handleSubscribe(data json.RawMessage) {
	var ref ConversationRef
	if err := json.Unmarshal(data, &ref); err != nil {
		c.conn.SendError("invalid subscribe payload")
		return
	}

	id := chat.SessionID(ref.ConversationID)
	c.subscribe(id)

	if id == 0 {
		for _, s := range c.svc.Sessions() {
			c.conn.SendMessage(WSMsgTypeSnapshot, newSessionPayload(s, c.hub.parser))
		}
		return
	}
	// A subscription to an id the registry does not track yet is fine;
	// updates start flowing once the session appears.
	if s, ok := c.svc.Get(id); ok {
		c.conn.SendMessage(WSMsgTypeSnapshot, newSessionPayload(s, c.hub.parser))
	}
}

func (c *ChatClient) handleUnsubscribe(data json.RawMessage) {
	var ref ConversationRef
	if err := json.Unmarshal(data, &ref); err != nil {
		c.conn.SendError("invalid unsubscribe payload")
		return
	}
	c.unsubscribe(chat.SessionID(ref.ConversationID))
}

func (c *ChatClient) handleStart(data json.RawMessage) {
	var p StartPayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.conn.SendError("invalid start payload")
		return
	}
	if p.Message == "" {
		c.conn.SendError("start requires a message")
		return
	}

	req := chat.Request{
		ConversationID:     chat.SessionID(p.ConversationID),
		Message:            p.Message,
		ModelID:            p.ModelID,
		ForceModelOverride: p.ForceModelOverride,
		AttachmentID:       p.AttachmentID,
		WebSearch:          p.WebSearch,
		SearchEngine:       p.SearchEngine,
		Clarification:      p.Clarification,
	}

	// The terminal callbacks need the session's current id, which Start
	// returns only after they are already registered. They wait on
	// idReady so the id is visible to them.
	var cur atomic.Int64
	idReady := make(chan struct{})
	cb := chat.Callbacks{
		OnIDResolved: func(realID chat.SessionID) {
			<-idReady
			prov := chat.SessionID(cur.Swap(int64(realID)))
			// The hub moves subscriptions when the registry reports
			// the remap; this covers the window where this client
			// subscribed after the remap already happened.
			if c.moveSubscription(prov, realID) {
				c.conn.SendMessage(WSMsgTypeResolved, ResolvedPayload{
					ProvisionalID: int64(prov),
					ID:            int64(realID),
				})
			}
		},
		OnComplete: func(id chat.SessionID, subtaskID int64) {
			metricSessionsCompleted.Inc()
			c.hub.sessionComplete(id, subtaskID)
		},
		OnError: func(err error) {
			<-idReady
			metricSessionsFailed.Inc()
			c.hub.sessionFailed(chat.SessionID(cur.Load()), err)
		},
	}

	id, err := c.svc.Start(req, cb)
	if err != nil {
		c.logger.Warn("Start rejected", "error", err)
		c.conn.SendError(err.Error())
		return
	}
	cur.Store(int64(id))
	c.subscribe(id)
	close(idReady)

	metricSessionsStarted.Inc()
	c.logger.Info("Session started",
		"id", int64(id), "conversation_id", p.ConversationID, "web_search", p.WebSearch)
}

func (c *ChatClient) handleStop(ctx context.Context, data json.RawMessage) {
	var ref ConversationRef
	if err := json.Unmarshal(data, &ref); err != nil {
		c.conn.SendError("invalid stop payload")
		return
	}

	id := chat.SessionID(ref.ConversationID)
	snap, ok := c.svc.Get(id)
	if !ok {
		c.conn.SendMessage(WSMsgTypeError, ErrorPayload{ID: ref.ConversationID, Message: "session not found"})
		return
	}
	if !snap.Streaming {
		return
	}

	metricSessionsStopped.Inc()
	// Stop blocks on the remote cancel call; keep the read loop free.
	go c.svc.Stop(ctx, id)
}

func (c *ChatClient) handleReset(data json.RawMessage) {
	var ref ConversationRef
	if err := json.Unmarshal(data, &ref); err != nil {
		c.conn.SendError("invalid reset payload")
		return
	}

	id := chat.SessionID(ref.ConversationID)
	if err := c.svc.Reset(id); err != nil {
		c.conn.SendMessage(WSMsgTypeError, ErrorPayload{ID: ref.ConversationID, Message: err.Error()})
	}
}

func (c *ChatClient) handleRecover(ctx context.Context, data json.RawMessage) {
	var p RecoverPayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.conn.SendError("invalid recover payload")
		return
	}
	if p.ConversationID <= 0 {
		c.conn.SendError("recover requires a backend conversation id")
		return
	}

	convID := chat.SessionID(p.ConversationID)
	descs := make([]chat.SubtaskDescriptor, 0, len(p.Subtasks))
	for _, st := range p.Subtasks {
		descs = append(descs, chat.SubtaskDescriptor{
			SubtaskID: st.ID,
			Status:    st.Status,
			Role:      st.Role,
		})
	}

	// Subscribe first so a re-attached live stream's updates are not
	// missed between the probe and the recovered frame.
	c.subscribe(convID)

	cb := chat.Callbacks{
		OnComplete: func(id chat.SessionID, subtaskID int64) {
			metricSessionsCompleted.Inc()
			c.hub.sessionComplete(id, subtaskID)
		},
		OnError: func(err error) {
			metricSessionsFailed.Inc()
			c.hub.sessionFailed(convID, err)
		},
	}

	// Probes call the backend once per running subtask; keep the read
	// loop free.
	go func() {
		results := c.svc.Recover(ctx, convID, descs, cb)
		metricRecoveryProbes.Add(float64(len(results)))

		sessions := make([]RecoveredSessionPayload, 0, len(results))
		for _, rec := range results {
			sessions = append(sessions, RecoveredSessionPayload{
				SubtaskID:  rec.SubtaskID,
				Recovered:  rec.Recovered,
				Content:    rec.Content,
				Streaming:  rec.Streaming,
				Incomplete: rec.Incomplete,
			})
		}
		c.conn.SendMessage(WSMsgTypeRecovered, RecoveredPayload{
			ConversationID: p.ConversationID,
			Sessions:       sessions,
		})
		c.logger.Info("Recovery probe finished",
			"conversation_id", p.ConversationID, "subtasks", len(descs), "probed", len(results))
	}()
}
