package wsfeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"cryptoalerts/internal/model"
	"cryptoalerts/internal/pipeline"
)

// serve starts a WebSocket server; script runs once per connection with
// the connection index.
func serve(t *testing.T, script func(n int, conn *websocket.Conn)) string {
	t.Helper()
	var conns atomic.Int32
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		script(int(conns.Add(1)), conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func collect(t *testing.T, f *Feed, want int) []pipeline.Input {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out := make(chan pipeline.Input, 16)
	done := make(chan error, 1)
	go func() { done <- f.Start(ctx, out) }()

	var got []pipeline.Input
	for len(got) < want {
		select {
		case in := <-out:
			got = append(got, in)
		case <-ctx.Done():
			t.Fatalf("timed out after %d of %d inputs", len(got), want)
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Start: %v", err)
	}
	return got
}

func TestFeed_TicksWithReconnect(t *testing.T) {
	url := serve(t, func(n int, conn *websocket.Conn) {
		switch n {
		case 1:
			conn.WriteMessage(websocket.TextMessage, []byte(`{"symbol":"BTCUSDT","price":100.5,"qty":1,"ts":"2024-05-01T12:00:01Z"}`))
			conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
			conn.WriteMessage(websocket.TextMessage, []byte(`{"price":1}`))
			conn.WriteMessage(websocket.TextMessage, []byte(`[{"symbol":"ETHUSDT","price":3000,"qty":2,"ts":"2024-05-01T12:00:02Z"}]`))
			// drop the connection
		default:
			conn.WriteMessage(websocket.TextMessage, []byte(`{"symbol":"BTCUSDT","price":101,"qty":1,"ts":"2024-05-01T12:00:03Z"}`))
			conn.ReadMessage() // hold until the client goes away
		}
	})

	f, err := New(Config{URL: url, ReconnectMin: 10 * time.Millisecond, ReconnectMax: 50 * time.Millisecond}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var reconnects atomic.Int32
	f.OnReconnect = func() { reconnects.Add(1) }

	got := collect(t, f, 3)
	wantSyms := []string{"BTCUSDT", "ETHUSDT", "BTCUSDT"}
	for i, in := range got {
		if in.Tick == nil || in.Bar != nil {
			t.Fatalf("input %d: expected a tick, got %+v", i, in)
		}
		if in.Tick.Symbol != wantSyms[i] {
			t.Errorf("input %d: symbol %s, want %s", i, in.Tick.Symbol, wantSyms[i])
		}
	}
	if got[2].Tick.Price != 101 || !got[2].Tick.TS.Equal(time.Date(2024, 5, 1, 12, 0, 3, 0, time.UTC)) {
		t.Errorf("unexpected tick %+v", got[2].Tick)
	}
	if reconnects.Load() < 1 {
		t.Error("expected at least one reconnect")
	}
}

func TestFeed_Bars(t *testing.T) {
	url := serve(t, func(_ int, conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`[
			{"symbol":"BTCUSDT","tf":"1m","open_time":"2024-05-01T12:00:00Z","open":1,"high":3,"low":1,"close":2,"volume":10},
			{"symbol":"BTCUSDT","tf":"1m","open_time":"2024-05-01T12:01:00Z","open":2,"high":2,"low":1,"close":1,"volume":4}
		]`))
		conn.ReadMessage()
	})

	f, err := New(Config{URL: url, Kind: KindBar}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var connected atomic.Bool
	f.OnConnected = func(v bool) {
		if v {
			connected.Store(true)
		}
	}

	got := collect(t, f, 2)
	b := got[1].Bar
	if b == nil || b.Timeframe != model.TF1m || !b.Closed || b.Close != 1 || b.Volume != 4 {
		t.Fatalf("unexpected bar %+v", b)
	}
	if !connected.Load() {
		t.Error("OnConnected not called")
	}
}

func TestNew_Validation(t *testing.T) {
	for name, cfg := range map[string]Config{
		"http scheme": {URL: "http://localhost/ws"},
		"bad kind":    {URL: "ws://localhost/ws", Kind: "trades"},
		"bad url":     {URL: "ws://%zz"},
	} {
		if _, err := New(cfg, zerolog.Nop()); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
