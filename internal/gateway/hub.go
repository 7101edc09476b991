// Package gateway streams alert events to WebSocket clients. A client that
// reconnects with ?after=<event id> is backfilled from the event log before
// it receives live events. Live frames reach a client in id order: when a
// frame skips ahead of the client's position, the gap is read from the log
// first.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"cryptoalerts/internal/model"
)

const (
	sendBuffer   = 256
	backfillMax  = 500
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

// EventSource is the durable log clients are backfilled from.
type EventSource interface {
	EventsAfter(ctx context.Context, afterID int64, limit int) ([]model.AlertEvent, error)
	LastEventID(ctx context.Context) (int64, error)
}

// Envelope is the frame sent for every event. Seq is the event id, so a
// client resumes by reconnecting with after=<last seq>.
type Envelope struct {
	Type     string           `json:"type"`
	Seq      int64            `json:"seq"`
	Event    model.AlertEvent `json:"event"`
	Backfill bool             `json:"backfill,omitempty"`
}

type frame struct {
	id   int64
	data []byte
}

// Hub fans alert events out to connected clients.
type Hub struct {
	source   EventSource
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu      sync.RWMutex
	clients map[*Client]struct{}
}

// NewHub creates a Hub backed by source.
func NewHub(source EventSource, logger zerolog.Logger) *Hub {
	return &Hub{
		source: source,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:  logger.With().Str("component", "gateway").Logger(),
		clients: make(map[*Client]struct{}),
	}
}

// Run broadcasts events until ctx is cancelled or events is closed.
func (h *Hub) Run(ctx context.Context, events <-chan model.AlertEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.Broadcast(ev)
		}
	}
}

// Broadcast sends ev to every client whose filters match. Slow clients
// drop frames rather than block the hub.
func (h *Hub) Broadcast(ev model.AlertEvent) {
	data, err := json.Marshal(Envelope{Type: "alert", Seq: ev.ID, Event: ev})
	if err != nil {
		h.logger.Error().Err(err).Int64("event_id", ev.ID).Msg("encode envelope")
		return
	}
	f := frame{id: ev.ID, data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.filters.match(ev) {
			continue
		}
		select {
		case c.send <- f:
		default:
			h.logger.Warn().Str("remote", c.remote).Int64("event_id", ev.ID).Msg("client send buffer full, frame dropped")
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and registers the client. Query
// parameters: after (event id), symbols (comma list), min_severity.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var after int64
	if v := q.Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			http.Error(w, "invalid after", http.StatusBadRequest)
			return
		}
		after = n
	}
	minSev, err := model.ParseSeverity(q.Get("min_severity"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	filters := Filters{MinSeverity: minSev}
	for _, s := range strings.Split(q.Get("symbols"), ",") {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			if filters.Symbols == nil {
				filters.Symbols = make(map[string]bool)
			}
			filters.Symbols[s] = true
		}
	}

	// a fresh client starts at the head of the log; anything committed after
	// this point reaches it live or through the gap backfill
	if after == 0 {
		head, err := h.source.LastEventID(r.Context())
		if err != nil {
			h.logger.Warn().Err(err).Msg("read event log head")
			http.Error(w, "event log unavailable", http.StatusServiceUnavailable)
			return
		}
		after = head
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &Client{
		conn:    conn,
		send:    make(chan frame, sendBuffer),
		hub:     h,
		filters: filters,
		remote:  r.RemoteAddr,
		lastID:  after,
	}

	// Register before backfilling so nothing published meanwhile is lost;
	// the write pump skips frames the backfill already covered.
	h.mu.Lock()
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Info().Str("remote", c.remote).Int64("after", after).Int("clients", count).Msg("client connected")

	if err := c.backfill(r.Context(), h.source, 0); err != nil {
		h.logger.Warn().Err(err).Str("remote", c.remote).Msg("backfill failed")
		h.remove(c)
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Info().Str("remote", c.remote).Int("clients", count).Msg("client disconnected")
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}
