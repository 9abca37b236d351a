package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"control_plane/internal/core"
	"control_plane/internal/models"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsSendBuffer   = 32
)

// wsEvent is one pushed frame.
type wsEvent struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Hub pushes alert events to connected operator sessions. A slow client
// is dropped rather than allowed to block the publishers.
type Hub struct {
	logger   core.ILogger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	conn *websocket.Conn
	send chan wsEvent
}

// NewHub builds the event hub.
func NewHub(logger core.ILogger) *Hub {
	return &Hub{
		logger: logger.WithField("component", "ws_hub"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
	}
}

// PublishAlert fans one alert out to every connected client.
func (h *Hub) PublishAlert(alert *models.SystemAlert) {
	h.publish(wsEvent{Type: "alert", Payload: alert})
}

// PublishBroadcast pushes the outcome of one order fan-out.
func (h *Hub) PublishBroadcast(result *core.BroadcastResult) {
	h.publish(wsEvent{Type: "broadcast", Payload: result})
}

func (h *Hub) publish(ev wsEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			// Client is not draining, cut it loose.
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// ServeHTTP upgrades the connection and starts the write pump.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", "error", err)
		return
	}
	c := &wsClient{conn: conn, send: make(chan wsEvent, wsSendBuffer)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) writePump(c *wsClient) {
	defer c.conn.Close()
	for ev := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := c.conn.WriteJSON(ev); err != nil {
			h.remove(c)
			return
		}
	}
}

// readPump discards inbound frames and detects disconnects.
func (h *Hub) readPump(c *wsClient) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.remove(c)
			return
		}
	}
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Close drops every client, used on shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}
