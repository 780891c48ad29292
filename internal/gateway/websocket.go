// ABOUTME: Websocket hub pushing every lifecycle event to connected clients
// ABOUTME: Each client has its own send queue and writer; slow clients are dropped

package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/conclave/internal/events"
)

const (
	// writeWait bounds a single websocket write.
	writeWait = 10 * time.Second

	// clientBuffer is how many events may queue for one client before it
	// is considered stalled and dropped.
	clientBuffer = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsClient is one connected listener. Only its writer goroutine touches conn
// for writes; send is closed by the hub when the client is removed.
type wsClient struct {
	conn   *websocket.Conn
	remote string
	send   chan []byte
}

// Hub fans events out to websocket clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[*wsClient]bool
	closed  bool
	logger  *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[*wsClient]bool),
		logger:  logger.With("component", "websocket"),
	}
}

// Forward sends every event from ch to all clients until ch closes or ctx
// is done.
func (h *Hub) Forward(ctx context.Context, ch <-chan *events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			h.Broadcast(ev)
		}
	}
}

// Broadcast queues ev for every client without blocking. A client whose
// queue is full is dropped.
func (h *Hub) Broadcast(ev *events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to marshal event", "type", ev.Type, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("dropping stalled websocket client", "remote", c.remote)
			h.removeLocked(c)
		}
	}
}

// register adds a client. It reports false once the hub is closed.
func (h *Hub) register(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = true
	return true
}

// unregister removes a client if it is still registered.
func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *wsClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.removeLocked(c)
	}
	h.closed = true
}

// ServeWS upgrades the request and keeps the client registered until it
// disconnects. Messages from the client are ignored.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	c := &wsClient{
		conn:   conn,
		remote: conn.RemoteAddr().String(),
		send:   make(chan []byte, clientBuffer),
	}
	if !h.register(c) {
		_ = conn.Close()
		return
	}
	h.logger.Debug("websocket client connected", "remote", c.remote)

	go h.writePump(c)

	defer func() {
		h.unregister(c)
		_ = conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump drains c.send onto the connection. It closes the connection when
// the queue is closed or a write fails, which also ends the read loop.
func (h *Hub) writePump(c *wsClient) {
	defer c.conn.Close()
	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Debug("websocket write failed", "remote", c.remote, "error", err)
			return
		}
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
}
