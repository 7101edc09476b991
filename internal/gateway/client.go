package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"cryptoalerts/internal/model"
)

// Filters select the events a client receives. Empty Symbols means all.
type Filters struct {
	Symbols     map[string]bool
	MinSeverity model.Severity
}

func (f Filters) match(ev model.AlertEvent) bool {
	if len(f.Symbols) > 0 && !f.Symbols[ev.Symbol] {
		return false
	}
	return ev.Severity.AtLeast(f.MinSeverity)
}

// Client is a single WebSocket peer.
type Client struct {
	conn    *websocket.Conn
	send    chan frame
	hub     *Hub
	filters Filters
	remote  string

	// Highest event id written; only the write pump touches it after
	// backfill.
	lastID int64
}

// backfill writes logged events after lastID directly to the connection,
// stopping before id before (0 = no bound). It runs before the write pump
// starts or from inside it, so it is always the only writer.
func (c *Client) backfill(ctx context.Context, source EventSource, before int64) error {
	for {
		evs, err := source.EventsAfter(ctx, c.lastID, backfillMax)
		if err != nil {
			return err
		}
		for _, ev := range evs {
			if before > 0 && ev.ID >= before {
				return nil
			}
			c.lastID = ev.ID
			if !c.filters.match(ev) {
				continue
			}
			data, err := json.Marshal(Envelope{Type: "alert", Seq: ev.ID, Event: ev, Backfill: true})
			if err != nil {
				return err
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return err
			}
		}
		if len(evs) < backfillMax {
			return nil
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case f, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if f.id > c.lastID+1 {
				// frames can be published out of id order; catch up from the log
				ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
				err := c.backfill(ctx, c.hub.source, f.id)
				cancel()
				if err != nil {
					c.hub.logger.Warn().Err(err).Str("remote", c.remote).Msg("gap backfill failed")
					return
				}
			}
			if f.id <= c.lastID {
				continue
			}
			c.lastID = f.id
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, f.data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only services control frames; client messages are ignored.
func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
