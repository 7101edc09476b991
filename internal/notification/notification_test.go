package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"cryptoalerts/internal/model"
)

func testLogger() zerolog.Logger { return zerolog.Nop() }

func testEvent(id int64) model.AlertEvent {
	return model.AlertEvent{
		ID:        id,
		RuleID:    "btc-100",
		Symbol:    "BTCUSDT",
		Timeframe: model.TF1m,
		TS:        time.Date(2024, 3, 1, 12, 5, 0, 0, time.UTC),
		Severity:  model.SeverityWarning,
		Kind:      "threshold",
		Message:   "BTCUSDT closed above 100 on 1m",
		Payload:   json.RawMessage(`{"close":101.123456,"direction":"above","level":100}`),
	}
}

func TestFormatPrice(t *testing.T) {
	cases := map[float64]string{
		64321.123:      "64321.12",
		1.234567:       "1.2346",
		0.000012345678: "0.00001235",
		100:            "100",
		-2500.555:      "-2500.56",
	}
	for in, want := range cases {
		if got := FormatPrice(in); got != want {
			t.Errorf("FormatPrice(%v)=%q, want %q", in, got, want)
		}
	}
}

func TestNewMessage(t *testing.T) {
	m := NewMessage(testEvent(7))
	if m.Title != "[WARNING] BTCUSDT btc-100" {
		t.Errorf("title %q", m.Title)
	}
	if !strings.Contains(m.Markdown, "2024-03-01 12:05:00") {
		t.Errorf("markdown missing time: %s", m.Markdown)
	}
	if !strings.Contains(m.Markdown, "close: 101.1235, direction: above, level: 100") {
		t.Errorf("markdown details: %s", m.Markdown)
	}
	if len(m.Details) != 3 || m.Details[0].Key != "close" {
		t.Errorf("details %+v", m.Details)
	}

	bad := testEvent(8)
	bad.Payload = json.RawMessage(`[1,2]`)
	if d := NewMessage(bad).Details; len(d) != 1 || d[0].Key != "payload" {
		t.Errorf("non-object payload should be kept raw, got %+v", d)
	}
}

func TestWebhook_Signed(t *testing.T) {
	const secret = "s3cret"
	var got map[string]any
	var query map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL+"/robot/send?access_token=abc", secret, time.Second, testLogger())
	n.now = func() time.Time { return time.UnixMilli(1_700_000_000_123) }
	if err := n.Send(context.Background(), NewMessage(testEvent(1))); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if query["timestamp"][0] != "1700000000123" {
		t.Errorf("timestamp %v", query["timestamp"])
	}
	if query["access_token"][0] != "abc" {
		t.Errorf("existing query lost: %v", query)
	}
	if query["sign"][0] != Sign(secret, 1_700_000_000_123) {
		t.Errorf("sign mismatch")
	}
	if got["msgtype"] != "markdown" {
		t.Errorf("body %v", got)
	}
}

func TestSign_KnownVector(t *testing.T) {
	// different timestamps must give different signatures of stable length
	a, b := Sign("k", 1), Sign("k", 2)
	if a == b || len(a) != 44 {
		t.Fatalf("unexpected signatures %q %q", a, b)
	}
	if Sign("k", 1) != a {
		t.Fatal("signature not deterministic")
	}
}

func TestWebhook_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	n := NewWebhookNotifier(srv.URL, "", time.Second, testLogger())
	if err := n.Send(context.Background(), NewMessage(testEvent(1))); err == nil {
		t.Fatal("expected error on 502")
	}
}

func TestWebhook_Disabled(t *testing.T) {
	n := NewWebhookNotifier("", "", 0, testLogger())
	if n.Enabled() {
		t.Fatal("webhook without url must be disabled")
	}
	if err := n.Send(context.Background(), Message{}); !errors.Is(err, model.ErrChannelDisabled) {
		t.Fatalf("expected ErrChannelDisabled, got %v", err)
	}
}

func TestTelegram(t *testing.T) {
	var received map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/bottoken/sendMessage") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	n := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := n.Send(context.Background(), NewMessage(testEvent(1))); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if received["chat_id"] != "chat" || received["parse_mode"] != "MarkdownV2" {
		t.Fatalf("unexpected request %v", received)
	}
	if !strings.Contains(received["text"], `\[WARNING\]`) {
		t.Errorf("text not escaped: %s", received["text"])
	}

	if NewTelegramNotifier("token", "", "", 0, testLogger()).Enabled() {
		t.Error("telegram without chat id must be disabled")
	}
}

func TestTelegram_NotOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "chat not found"})
	}))
	defer srv.Close()
	n := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := n.Send(context.Background(), NewMessage(testEvent(1))); err == nil {
		t.Fatal("ok=false should be an error")
	}
}

func TestEscapeMarkdown(t *testing.T) {
	if got := escapeMarkdown("a_b.c!"); got != `a\_b\.c\!` {
		t.Fatalf("got %q", got)
	}
}

func TestSound(t *testing.T) {
	var bell bytes.Buffer
	n := NewSoundNotifier(true, "aplay", []string{"alert.wav"}, testLogger())
	n.bell = &bell
	var ran []string
	n.run = func(_ context.Context, name string, args ...string) error {
		ran = append([]string{name}, args...)
		return nil
	}
	if err := n.Send(context.Background(), NewMessage(testEvent(1))); err != nil {
		t.Fatal(err)
	}
	if strings.Join(ran, " ") != "aplay alert.wav" || bell.Len() != 0 {
		t.Fatalf("expected player run only, got %v bell=%q", ran, bell.String())
	}

	n.run = func(context.Context, string, ...string) error { return errors.New("no player") }
	if err := n.Send(context.Background(), NewMessage(testEvent(1))); err != nil {
		t.Fatal(err)
	}
	if bell.String() != "\a" {
		t.Fatalf("expected bell fallback, got %q", bell.String())
	}

	if NewSoundNotifier(false, "", nil, testLogger()).Enabled() {
		t.Fatal("disabled sound notifier reports enabled")
	}
}

type fakeStream struct {
	stream string
	values map[string]interface{}
	err    error
}

func (f *fakeStream) AddToStream(_ context.Context, stream string, _ int64, values map[string]interface{}) (string, error) {
	f.stream, f.values = stream, values
	return "1-0", f.err
}

func TestRedisNotifier(t *testing.T) {
	fs := &fakeStream{}
	n := NewRedisNotifier(fs, "alerts", 1000)
	if err := n.Send(context.Background(), NewMessage(testEvent(42))); err != nil {
		t.Fatal(err)
	}
	if fs.stream != "alerts" || fs.values["event_id"] != int64(42) || fs.values["severity"] != "warning" {
		t.Fatalf("unexpected xadd %s %v", fs.stream, fs.values)
	}
	if NewRedisNotifier(nil, "alerts", 0).Enabled() {
		t.Fatal("nil writer must disable the channel")
	}
	fs.err = errors.New("breaker open")
	if err := n.Send(context.Background(), NewMessage(testEvent(1))); err == nil {
		t.Fatal("expected error")
	}
}
