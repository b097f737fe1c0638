package web

import (
	"log/slog"
	"sync"

	"github.com/parley-ai/parley/internal/chat"
	"github.com/parley-ai/parley/internal/clarify"
)

// sessionHub fans chat registry events out to connected WebSocket clients.
// It is registered as a single chat.Observer for the lifetime of the server;
// each client filters the stream through its own subscription set.
type sessionHub struct {
	svc    *chat.Service
	parser *clarify.Parser
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*ChatClient]struct{}
}

func newSessionHub(svc *chat.Service, parser *clarify.Parser, logger *slog.Logger) *sessionHub {
	return &sessionHub{
		svc:     svc,
		parser:  parser,
		logger:  logger,
		clients: make(map[*ChatClient]struct{}),
	}
}

func (h *sessionHub) addClient(c *ChatClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	metricWSClients.Set(float64(count))
	h.logger.Debug("Chat client connected", "client_id", c.id, "clients", count)
}

func (h *sessionHub) removeClient(c *ChatClient) {
	h.mu.Lock()
	_, present := h.clients[c]
	delete(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()

	if present {
		metricWSClients.Set(float64(count))
		h.logger.Debug("Chat client disconnected", "client_id", c.id, "clients", count)
	}
}

// closeAll force-closes every client connection. Used on shutdown; the
// read pumps observe the close and unregister themselves.
func (h *sessionHub) closeAll() {
	h.mu.RLock()
	clients := make([]*ChatClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.conn.Close()
	}
}

func (h *sessionHub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SessionUpdated implements chat.Observer. The payload is built once and
// shared across all interested clients; SendMessage never blocks, so slow
// clients drop frames rather than stalling the stream goroutine.
func (h *sessionHub) SessionUpdated(s chat.Session) {
	metricSessionsActive.Set(float64(len(h.svc.Sessions())))

	payload := newSessionPayload(s, h.parser)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.subscribedTo(s.ID) {
			c.conn.SendMessage(WSMsgTypeUpdate, payload)
		}
	}
}

// SessionResolved implements chat.Observer. Client subscriptions on the
// provisional id follow the session to its resolved id, so no update is
// ever missed across the rename.
func (h *sessionHub) SessionResolved(oldID chat.SessionID, s chat.Session) {
	resolved := ResolvedPayload{ProvisionalID: int64(oldID), ID: int64(s.ID)}
	update := newSessionPayload(s, h.parser)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		interested := c.subscribedTo(oldID) || c.subscribedTo(s.ID)
		c.moveSubscription(oldID, s.ID)
		if interested {
			c.conn.SendMessage(WSMsgTypeResolved, resolved)
			c.conn.SendMessage(WSMsgTypeUpdate, update)
		}
	}
}

// SessionDeleted implements chat.Observer.
func (h *sessionHub) SessionDeleted(id chat.SessionID) {
	metricSessionsActive.Set(float64(len(h.svc.Sessions())))

	payload := DeletedPayload{ID: int64(id)}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.subscribedTo(id) {
			c.conn.SendMessage(WSMsgTypeDeleted, payload)
			c.dropSubscription(id)
		}
	}
}

// sessionComplete fans a terminal completion out to subscribed clients.
// Driven by the per-start callbacks rather than the registry, which has no
// notion of exchange completion beyond the Streaming flag.
func (h *sessionHub) sessionComplete(id chat.SessionID, subtaskID int64) {
	payload := CompletePayload{ID: int64(id), SubtaskID: subtaskID}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.subscribedTo(id) {
			c.conn.SendMessage(WSMsgTypeComplete, payload)
		}
	}
}

// sessionFailed fans a terminal failure out to subscribed clients.
func (h *sessionHub) sessionFailed(id chat.SessionID, err error) {
	payload := ErrorPayload{ID: int64(id), Message: err.Error()}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.subscribedTo(id) {
			c.conn.SendMessage(WSMsgTypeError, payload)
		}
	}
}
