// Package ws streams dispatched decisions to WebSocket subscribers.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/smartsensor/smartsensor-ai/internal/metrics"
	"github.com/smartsensor/smartsensor-ai/internal/models"
)

// Message types sent to subscribers.
const (
	MessageTypeDecision  = "decision"
	MessageTypeHeartbeat = "heartbeat"
)

const (
	writeTimeout      = 10 * time.Second
	heartbeatInterval = 30 * time.Second
	pongWait          = 2 * heartbeatInterval
	sendBuffer        = 64
)

var defaultOrigins = []string{"http://localhost:3000", "http://localhost:5173"}

// Message is the envelope written to every subscriber.
type Message struct {
	Type      string           `json:"type"`
	Decision  *models.Decision `json:"decision,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Hub fans decisions out to connected clients. A client whose send buffer is
// full is disconnected rather than allowed to stall the dispatcher.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	device string
	once   sync.Once
	done   chan struct{}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// NewHub creates a hub accepting connections from allowedOrigins. An empty
// list allows the local development origins; "*" allows any origin.
func NewHub(allowedOrigins []string, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		upgrader: newUpgrader(allowedOrigins),
		logger:   logger.Named("ws"),
		clients:  make(map[*client]struct{}),
	}
}

func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	origins := allowedOrigins
	if len(origins) == 0 {
		origins = defaultOrigins
	}
	allowed := make(map[string]struct{}, len(origins))
	wildcard := false
	for _, o := range origins {
		if o == "*" {
			wildcard = true
		}
		allowed[strings.ToLower(strings.TrimSpace(o))] = struct{}{}
	}
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || wildcard {
				return true
			}
			_, ok := allowed[strings.ToLower(origin)]
			return ok
		},
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastDecision queues d for every subscriber interested in its device.
func (h *Hub) BroadcastDecision(d *models.Decision) {
	data, err := json.Marshal(Message{Type: MessageTypeDecision, Decision: d, Timestamp: time.Now().UTC()})
	if err != nil {
		h.logger.Error("encode decision", zap.String("decision_id", d.ID), zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.device != "" && c.device != d.DeviceID {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.logger.Warn("dropping slow subscriber", zap.String("remote", c.conn.RemoteAddr().String()))
			c.close()
		}
	}
}

// ServeHTTP upgrades the request and streams decisions until the client
// disconnects or the hub is closed. The optional device_id query parameter
// restricts the stream to one device.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("upgrade failed", zap.Error(err))
		return
	}
	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		device: r.URL.Query().Get("device_id"),
		done:   make(chan struct{}),
	}
	if !h.register(c) {
		conn.Close()
		return
	}
	defer h.unregister(c)

	go h.readLoop(c)
	h.writeLoop(c)
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	metrics.WebSocketConnections.Inc()
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		metrics.WebSocketConnections.Dec()
	}
	h.mu.Unlock()
	c.close()
	c.conn.Close()
}

// readLoop discards client frames; it exists to process control messages
// and notice disconnects.
func (h *Hub) readLoop(c *client) {
	defer c.close()
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("subscriber read error", zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case data := <-c.send:
			if err := h.write(c, websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			hb, _ := json.Marshal(Message{Type: MessageTypeHeartbeat, Timestamp: time.Now().UTC()})
			if err := h.write(c, websocket.TextMessage, hb); err != nil {
				return
			}
			if err := h.write(c, websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (h *Hub) write(c *client, kind int, data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(kind, data)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		c.close()
	}
	h.mu.Unlock()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for h.Len() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
