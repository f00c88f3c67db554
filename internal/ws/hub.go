// Package ws is the realtime broadcast collaborator: connected dashboard
// clients receive metric_update and data_quality pushes from the ETL and
// strategy events from the analyzer.
package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chrlshc/ofm-social-os-sub001/internal/events"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second // must be < pongWait
	writeWait  = 10 * time.Second
	maxMsgSize = 64 * 1024
	sendBuffer = 256
)

// In production (KPI_ENV=production), only origins listed in
// KPI_ALLOWED_ORIGINS are accepted. Dev and staging allow all origins.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     buildCheckOrigin(),
}

func buildCheckOrigin() func(r *http.Request) bool {
	env := os.Getenv("KPI_ENV")
	allowedRaw := os.Getenv("KPI_ALLOWED_ORIGINS")

	if env == "production" && allowedRaw != "" {
		allowed := make(map[string]bool)
		for _, origin := range strings.Split(allowedRaw, ",") {
			allowed[strings.TrimSpace(origin)] = true
		}
		slog.Info("[WS] origin allowlist active", "count", len(allowed))
		return func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if allowed[origin] {
				return true
			}
			slog.Warn("[WS] rejected origin", "origin", origin)
			return false
		}
	}

	if env == "production" && allowedRaw == "" {
		slog.Warn("[WS] KPI_ALLOWED_ORIGINS not set in production — allowing all origins (INSECURE)")
	}
	return func(*http.Request) bool { return true }
}

// client is one connected dashboard. All writes go through the Send channel
// into writePump; readPump owns all reads. That split keeps ping, broadcast,
// and close writes from racing on the connection.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// Hub fans broadcast frames out to every connected client.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	dropped atomic.Uint64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// HandleWebSocket upgrades the request and registers the client.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[WS] upgrade failed", "error", err)
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	slog.Info("[WS] client connected", "clients", n)

	go c.writePump()
	go c.readPump()
}

// Broadcast sends a typed event envelope to every connected client. A full
// client buffer drops the frame for that client rather than blocking the
// ETL flush path.
func (h *Hub) Broadcast(eventType string, data interface{}) {
	frame, err := json.Marshal(map[string]interface{}{
		"type": eventType,
		"time": time.Now().UTC(),
		"data": data,
	})
	if err != nil {
		slog.Warn("[WS] broadcast marshal failed", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- frame:
		default:
			h.dropped.Add(1)
		}
	}
}

// ClientCount reports connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// EventPump forwards control-plane bus events to connected clients until
// the channel closes. Run it in its own goroutine per subscription.
func (h *Hub) EventPump(ch <-chan *events.Event) {
	for ev := range ch {
		h.Broadcast(ev.Type, ev.Data)
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.hub.mu.Lock()
		delete(c.hub.clients, c)
		c.hub.mu.Unlock()
		c.conn.Close()
	})
}

// writePump is the only goroutine that writes to the connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
			// Drain what queued up while we were writing.
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// readPump is the only goroutine that reads. Clients are broadcast-only;
// inbound frames are discarded but keep the pong deadline fresh.
func (c *client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("[WS] read error", "error", err)
			}
			return
		}
	}
}
