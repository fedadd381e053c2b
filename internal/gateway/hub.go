package gateway

import (
	"log/slog"
	"sync"

	"senvo/backend/internal/session"

	"github.com/gorilla/websocket"
)

// Hub tracks the live browser connections by session id. A session id has at
// most one connection; a reconnect replaces the older one.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		logger:  logger,
	}
}

// Attach binds conn to sess, registers the client and starts its pumps.
func (h *Hub) Attach(conn *websocket.Conn, sess *session.Session) *Client {
	c := newClient(h, conn, sess, h.logger)

	h.mu.Lock()
	old := h.clients[c.SessionID]
	h.clients[c.SessionID] = c
	h.mu.Unlock()

	if old != nil {
		h.logger.Info("replacing connection", "session", c.SessionID)
		old.Close()
	}
	c.Run()
	return c
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.SessionID] == c {
		delete(h.clients, c.SessionID)
	}
}

// Lookup returns the live client for a session id.
func (h *Hub) Lookup(sessionID string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[sessionID]
	return c, ok
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll disconnects every client, ending their sessions.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.Close()
	}
}
