// Package wsfeed is a WebSocket market-data client. It reads JSON ticks or
// closed base bars and hands them to the pipeline, reconnecting with
// exponential backoff.
//
// A message is one object or an array of objects:
//
//	{"symbol":"BTCUSDT","price":64250.5,"qty":0.01,"ts":"2024-05-01T12:00:03Z"}
//	{"symbol":"BTCUSDT","tf":"1m","open_time":"2024-05-01T12:00:00Z","open":1,"high":2,"low":1,"close":2,"volume":3}
package wsfeed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"cryptoalerts/internal/backoff"
	"cryptoalerts/internal/model"
	"cryptoalerts/internal/pipeline"
)

const (
	KindTick = "tick"
	KindBar  = "bar"
)

// Config holds the feed endpoint and reconnect policy.
type Config struct {
	URL          string
	Kind         string        // tick (default) or bar
	ReconnectMin time.Duration // default 1s
	ReconnectMax time.Duration // default 30s
	Subscribe    []byte        // optional message sent after each connect
}

func (c *Config) defaults() {
	if c.Kind == "" {
		c.Kind = KindTick
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
}

// Feed streams market data from one WebSocket endpoint.
type Feed struct {
	cfg    Config
	logger zerolog.Logger

	// Optional hooks
	OnReconnect func()
	OnConnected func(connected bool)
}

// New validates cfg and creates a Feed.
func New(cfg Config, logger zerolog.Logger) (*Feed, error) {
	cfg.defaults()
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("wsfeed: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("wsfeed: unsupported scheme %q", u.Scheme)
	}
	if cfg.Kind != KindTick && cfg.Kind != KindBar {
		return nil, fmt.Errorf("wsfeed: unknown kind %q", cfg.Kind)
	}
	return &Feed{
		cfg:    cfg,
		logger: logger.With().Str("component", "wsfeed").Logger(),
	}, nil
}

// Start connects and streams inputs into out until ctx is cancelled.
// Disconnects are retried forever with exponential backoff; the attempt
// counter resets after a connection delivered data.
func (f *Feed) Start(ctx context.Context, out chan<- pipeline.Input) error {
	policy := backoff.Policy{Base: f.cfg.ReconnectMin, Max: f.cfg.ReconnectMax}
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		received, err := f.runOnce(ctx, out)
		if err == nil {
			return nil
		}
		if received > 0 {
			attempt = 0
		}
		attempt++
		delay := policy.Delay(attempt)

		f.logger.Warn().Err(err).Dur("retry_in", delay).Msg("feed disconnected")
		if f.OnReconnect != nil {
			f.OnReconnect()
		}
		if backoff.Sleep(ctx, delay) != nil {
			return nil
		}
	}
}

// runOnce makes one connection and reads until it drops or ctx ends. A nil
// error means ctx was cancelled.
func (f *Feed) runOnce(ctx context.Context, out chan<- pipeline.Input) (int, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil
		}
		return 0, err
	}
	defer conn.Close()

	f.logger.Info().Str("url", f.cfg.URL).Str("kind", f.cfg.Kind).Msg("feed connected")
	f.connected(true)
	defer f.connected(false)

	if len(f.cfg.Subscribe) > 0 {
		if err := conn.WriteMessage(websocket.TextMessage, f.cfg.Subscribe); err != nil {
			return 0, fmt.Errorf("subscribe: %w", err)
		}
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
			conn.Close()
		case <-done:
		}
	}()

	received := 0
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return received, nil
			}
			return received, err
		}

		items, err := f.decode(raw)
		if err != nil {
			f.logger.Warn().Err(err).Bytes("raw", truncate(raw, 256)).Msg("skipping unparseable message")
			continue
		}
		for _, item := range items {
			select {
			case out <- item:
				received++
			case <-ctx.Done():
				return received, nil
			}
		}
	}
}

func (f *Feed) connected(v bool) {
	if f.OnConnected != nil {
		f.OnConnected(v)
	}
}

func (f *Feed) decode(raw []byte) ([]pipeline.Input, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty message")
	}
	batch := raw[0] == '['

	switch f.cfg.Kind {
	case KindBar:
		var bars []model.Bar
		if batch {
			if err := json.Unmarshal(raw, &bars); err != nil {
				return nil, err
			}
		} else {
			var b model.Bar
			if err := json.Unmarshal(raw, &b); err != nil {
				return nil, err
			}
			bars = []model.Bar{b}
		}
		out := make([]pipeline.Input, 0, len(bars))
		for i := range bars {
			b := bars[i]
			if b.Symbol == "" {
				f.logger.Debug().Msg("skipping bar without symbol")
				continue
			}
			b.OpenTime = b.OpenTime.UTC()
			b.Closed = true
			out = append(out, pipeline.Input{Bar: &b})
		}
		return out, nil

	default:
		var ticks []model.Tick
		if batch {
			if err := json.Unmarshal(raw, &ticks); err != nil {
				return nil, err
			}
		} else {
			var t model.Tick
			if err := json.Unmarshal(raw, &t); err != nil {
				return nil, err
			}
			ticks = []model.Tick{t}
		}
		out := make([]pipeline.Input, 0, len(ticks))
		for i := range ticks {
			t := ticks[i]
			if t.Symbol == "" {
				f.logger.Debug().Msg("skipping tick without symbol")
				continue
			}
			t.TS = t.TS.UTC()
			out = append(out, pipeline.Input{Tick: &t})
		}
		return out, nil
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
