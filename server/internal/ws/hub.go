package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ospulse/ospulse/server/internal/summary"
)

const (
	// writeTimeout is the deadline for a single write to a client.
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong response before treating the
	// connection as dead.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// sendBufSize is the per-client outgoing message buffer depth.
	sendBufSize = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// CORS is applied at the reverse proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Source is the summary the hub streams. *summary.Cache satisfies it.
type Source interface {
	Get(ctx context.Context, force bool) ([]summary.Item, error)
	BuiltAt() time.Time
}

// Message is the JSON envelope sent to clients.
type Message struct {
	Event string  `json:"event"`
	Data  Summary `json:"data"`
}

// Summary is the payload of a "summary" event.
type Summary struct {
	Projects []summary.Item `json:"projects"`
	BuiltAt  string         `json:"built_at,omitempty"`
}

// Hub streams the project summary to WebSocket clients. A client receives
// the current summary on connect and every rebuilt summary after that.
type Hub struct {
	source   Source
	interval time.Duration
	updates  chan []summary.Item

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// New creates a Hub over src. Every interval Run asks src for the summary,
// which rebuilds it once its TTL has passed.
func New(src Source, interval time.Duration) *Hub {
	return &Hub{
		source:   src,
		interval: interval,
		updates:  make(chan []summary.Item, 1),
		clients:  make(map[*client]struct{}),
	}
}

// Notify queues items for broadcast. It never blocks; when a broadcast is
// already pending it is replaced by the newer summary. Register it with
// summary.Cache.OnRebuild.
func (h *Hub) Notify(items []summary.Item) {
	for {
		select {
		case h.updates <- items:
			return
		default:
		}
		select {
		case <-h.updates:
		default:
		}
	}
}

// Run broadcasts queued summaries until ctx is cancelled, then closes all
// connections.
func (h *Hub) Run(ctx context.Context) {
	t := time.NewTicker(h.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case items := <-h.updates:
			h.broadcast(items)
		case <-t.C:
			if h.Count() == 0 {
				continue
			}
			// A rebuild triggered here arrives through Notify.
			if _, err := h.source.Get(ctx, false); err != nil && !errors.Is(err, summary.ErrNoData) {
				slog.Warn("ws: summary refresh failed", "err", err)
			}
		}
	}
}

// ServeHTTP upgrades the connection and serves the client until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, sendBufSize),
	}
	h.register(c)
	defer h.unregister(c)

	items, err := h.source.Get(r.Context(), false)
	if err != nil && !errors.Is(err, summary.ErrNoData) {
		slog.Warn("ws: initial summary failed", "err", err)
	}
	if data, err := h.encode(items); err == nil {
		select {
		case c.send <- data:
		default:
		}
	}

	go c.writePump()
	c.readPump()
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *Hub) broadcast(items []summary.Item) {
	data, err := h.encode(items)
	if err != nil {
		slog.Error("ws: encode summary", "err", err)
		return
	}

	// Sends happen under the read lock so unregister cannot close a channel
	// mid-send.
	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		slog.Debug("ws: dropping slow client", "remote", c.conn.RemoteAddr().String())
		h.unregister(c)
	}
}

func (h *Hub) encode(items []summary.Item) ([]byte, error) {
	if items == nil {
		items = []summary.Item{}
	}
	msg := Message{Event: "summary", Data: Summary{Projects: items}}
	if at := h.source.BuiltAt(); !at.IsZero() {
		msg.Data.BuiltAt = at.UTC().Format(time.RFC3339)
	}
	return json.Marshal(msg)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// writePump forwards queued messages and sends pings. One goroutine per client.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump handles control frames and detects disconnects. Blocks until the
// connection closes.
func (c *client) readPump() {
	defer c.conn.Close()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
