package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nestlog/nestlog/server/internal/api"
	"github.com/nestlog/nestlog/server/internal/config"
	"github.com/nestlog/nestlog/server/internal/store"
)

const (
	// writeTimeout is the deadline for a single write to a client.
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong response before treating the
	// connection as dead.
	pongWait = 60 * time.Second

	// pingPeriod controls how often the server sends WebSocket ping frames.
	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// sendBufSize is the per-client outgoing message buffer depth.
	sendBufSize = 16

	// listTimeout bounds one store read during a broadcast.
	listTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Allow all origins; apply CORS at the reverse proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Message is the JSON envelope sent to clients.
type Message struct {
	Event string  `json:"event"`
	Data  Payload `json:"data"`
}

// Payload is one page of outcomes, newest first.
type Payload struct {
	Nudges      []api.NudgeResponse `json:"nudges"`
	GeneratedAt string              `json:"generated_at"` // RFC3339
}

// Hub manages WebSocket client connections. Each client subscribes to one
// page of outcomes (?caregiver=&limit=) and receives it again whenever it
// changes.
type Hub struct {
	outcomes  store.Outcomes
	reporting config.ReportingConfig
	interval  time.Duration

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// client represents one connected WebSocket client.
type client struct {
	conn  *websocket.Conn
	send  chan []byte
	query store.Query

	// page is the nudge list last sent, compared to suppress unchanged pages.
	// Only the broadcast loop touches it after registration.
	page []byte
}

// New creates a Hub that reads from outcomes and checks for changes every
// interval.
func New(outcomes store.Outcomes, reporting config.ReportingConfig, interval time.Duration) *Hub {
	return &Hub{
		outcomes:  outcomes,
		reporting: reporting,
		interval:  interval,
		clients:   make(map[*client]struct{}),
	}
}

// Run starts the broadcast ticker loop. Run blocks until ctx is cancelled,
// then closes all active connections.
func (h *Hub) Run(ctx context.Context) {
	t := time.NewTicker(h.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-t.C:
			h.broadcast(ctx)
		}
	}
}

// ServeHTTP upgrades the HTTP connection to WebSocket and serves the client.
// The requested page is sent immediately on connect. Blocks until the
// connection closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q, err := api.ParseQuery(r.URL.Query(), h.reporting)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		return
	}

	c := &client{
		conn:  conn,
		send:  make(chan []byte, sendBufSize),
		query: q,
	}
	if page, err := h.page(r.Context(), q); err == nil {
		c.page = page
		if data, err := envelope(page); err == nil {
			c.send <- data
		}
	}
	h.register(c)
	defer h.unregister(c)

	go c.writePump()
	c.readPump() // blocks until connection closes
}

// Count returns the number of currently connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// --- internal ---------------------------------------------------------------

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

// broadcast reads each distinct subscribed page once and sends it to the
// clients whose last page differs. Sends happen under the read lock so
// unregister cannot close a channel mid-send.
func (h *Hub) broadcast(ctx context.Context) {
	h.mu.RLock()
	queries := make(map[store.Query]struct{}, len(h.clients))
	for c := range h.clients {
		queries[c.query] = struct{}{}
	}
	h.mu.RUnlock()

	pages := make(map[store.Query][]byte, len(queries))
	for q := range queries {
		page, err := h.page(ctx, q)
		if err != nil {
			slog.Warn("ws: list outcomes failed", "caregiver", q.CaregiverKey, "err", err)
			continue
		}
		pages[q] = page
	}

	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		page, ok := pages[c.query]
		if !ok || bytes.Equal(page, c.page) {
			continue
		}
		data, err := envelope(page)
		if err != nil {
			continue
		}
		select {
		case c.send <- data:
			c.page = page
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	// Client's outgoing buffer is full; disconnect it.
	for _, c := range slow {
		h.unregister(c)
	}
}

// page returns the JSON encoding of the nudge list selected by q.
func (h *Hub) page(ctx context.Context, q store.Query) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()
	recs, err := h.outcomes.List(ctx, q)
	if err != nil {
		return nil, err
	}
	return json.Marshal(api.ToNudgeResponses(recs))
}

func envelope(page []byte) ([]byte, error) {
	var nudges []api.NudgeResponse
	if err := json.Unmarshal(page, &nudges); err != nil {
		return nil, err
	}
	return json.Marshal(Message{
		Event: "nudges",
		Data: Payload{
			Nudges:      nudges,
			GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		},
	})
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// writePump drains the client's send channel and forwards messages to the
// WebSocket connection. It also sends periodic ping frames. Runs in its own
// goroutine per client.
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
				// Channel was closed (hub is shutting down or client removed).
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

// readPump reads frames from the connection to process control messages (pong,
// close) and detect disconnects. Blocks until the connection closes.
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
