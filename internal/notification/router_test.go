package notification

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"cryptoalerts/internal/model"
	"cryptoalerts/internal/store/sqlite"
)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(sqlite.Config{DBPath: filepath.Join(t.TempDir(), "alerts.db")}, testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// appendEvent logs testEvent one bar after the previous call, so each call is
// a distinct event.
func appendEvent(t *testing.T, s *sqlite.Store) model.AlertEvent {
	t.Helper()
	ev := testEvent(0)
	ev.TS = ev.TS.Add(time.Duration(eventSeq.Add(1)) * time.Minute)
	return appendAt(t, s, ev)
}

var eventSeq atomic.Int64

func appendAt(t *testing.T, s *sqlite.Store, ev model.AlertEvent) model.AlertEvent {
	t.Helper()
	id, err := s.Append(context.Background(), ev)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	ev.ID = id
	return ev
}

func newTestRouter(t *testing.T, s *sqlite.Store, ns ...Notifier) *Router {
	t.Helper()
	r, err := NewRouter(Config{MaxAttempts: 3, AttemptTimeout: time.Second, BatchSize: 10}, s, ns, testLogger())
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	r.sleep = func(context.Context, time.Duration) error { return nil }
	return r
}

// countingNotifier fails the first failures sends.
type countingNotifier struct {
	name     string
	failures int32
	calls    atomic.Int32
}

func (c *countingNotifier) Name() string  { return c.name }
func (c *countingNotifier) Enabled() bool { return true }
func (c *countingNotifier) Send(context.Context, Message) error {
	if n := c.calls.Add(1); n <= c.failures {
		return errors.New("boom")
	}
	return nil
}

func statusOf(recs []model.DeliveryRecord, channel string) model.DeliveryRecord {
	for _, r := range recs {
		if r.Channel == channel {
			return r
		}
	}
	return model.DeliveryRecord{}
}

func TestDispatch_SkippedAndDelivered(t *testing.T) {
	s := openStore(t)
	ev := appendEvent(t, s)
	r := newTestRouter(t, s,
		NewWebhookNotifier("", "", time.Second, testLogger()),
		NewLogNotifier(testLogger()),
	)

	var outcomes []model.DeliveryStatus
	r.OnDelivery = func(_ string, st model.DeliveryStatus, _ int) { outcomes = append(outcomes, st) }

	recs, err := r.Dispatch(context.Background(), ev)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if st := statusOf(recs, "webhook"); st.Status != model.DeliverySkipped || st.Attempts != 0 {
		t.Errorf("webhook: %+v", st)
	}
	if st := statusOf(recs, "log"); st.Status != model.DeliveryDelivered || st.Attempts != 1 {
		t.Errorf("log: %+v", st)
	}
	if len(outcomes) != 2 {
		t.Errorf("OnDelivery called %d times", len(outcomes))
	}

	stored, err := s.ListDeliveries(context.Background(), "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 2 {
		t.Fatalf("expected 2 persisted records, got %d", len(stored))
	}
}

func TestDispatch_RetriesThenDelivers(t *testing.T) {
	s := openStore(t)
	ev := appendEvent(t, s)
	flaky := &countingNotifier{name: "flaky", failures: 2}
	r := newTestRouter(t, s, flaky)

	var waits []time.Duration
	r.backoff.Base, r.backoff.Max = 100*time.Millisecond, time.Second
	r.sleep = func(_ context.Context, d time.Duration) error { waits = append(waits, d); return nil }

	recs, err := r.Dispatch(context.Background(), ev)
	if err != nil {
		t.Fatal(err)
	}
	if rec := recs[0]; rec.Status != model.DeliveryDelivered || rec.Attempts != 3 || rec.LastError != "" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if len(waits) != 2 || waits[0] != 100*time.Millisecond || waits[1] != 200*time.Millisecond {
		t.Fatalf("unexpected backoff %v", waits)
	}
}

func TestDispatch_FailsAfterMaxAttempts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := openStore(t)
	ev := appendEvent(t, s)
	r := newTestRouter(t, s, NewWebhookNotifier(srv.URL, "", time.Second, testLogger()))

	recs, err := r.Dispatch(context.Background(), ev)
	if err != nil {
		t.Fatal(err)
	}
	if rec := recs[0]; rec.Status != model.DeliveryFailed || rec.Attempts != 3 || rec.LastError == "" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if hits.Load() != 3 {
		t.Fatalf("expected 3 attempts, server saw %d", hits.Load())
	}

	// final records are not re-sent
	if _, err := r.Dispatch(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if hits.Load() != 3 {
		t.Fatalf("re-dispatch contacted a failed channel again (%d hits)", hits.Load())
	}
}

func TestDispatch_Idempotent(t *testing.T) {
	s := openStore(t)
	ev := appendEvent(t, s)
	c := &countingNotifier{name: "c"}
	r := newTestRouter(t, s, c)
	for i := 0; i < 3; i++ {
		if _, err := r.Dispatch(context.Background(), ev); err != nil {
			t.Fatal(err)
		}
	}
	if c.calls.Load() != 1 {
		t.Fatalf("expected one send, got %d", c.calls.Load())
	}
}

func TestRetryFailed(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	s := openStore(t)
	ev := appendEvent(t, s)
	r := newTestRouter(t, s, NewWebhookNotifier(srv.URL, "", time.Second, testLogger()), NewLogNotifier(testLogger()))
	if _, err := r.Dispatch(context.Background(), ev); err != nil {
		t.Fatal(err)
	}

	healthy.Store(true)
	n, err := r.RetryFailed(context.Background(), "webhook")
	if err != nil || n != 1 {
		t.Fatalf("RetryFailed: n=%d err=%v", n, err)
	}
	failed, err := s.ListDeliveries(context.Background(), model.DeliveryFailed, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 0 {
		t.Fatalf("expected no failed records after retry, got %+v", failed)
	}
}

func TestDrainOnce_ResumesFromCursor(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	appendEvent(t, s)
	appendEvent(t, s)

	c := &countingNotifier{name: "c"}
	n, err := newTestRouter(t, s, c).DrainOnce(ctx)
	if err != nil || n != 2 {
		t.Fatalf("first drain: n=%d err=%v", n, err)
	}

	// a restarted router only sees what was appended afterwards
	appendEvent(t, s)
	c2 := &countingNotifier{name: "c"}
	r2 := newTestRouter(t, s, c2)
	if n, err = r2.Drain(ctx); err != nil || n != 1 {
		t.Fatalf("second drain: n=%d err=%v", n, err)
	}
	if c2.calls.Load() != 1 {
		t.Fatalf("expected 1 send after restart, got %d", c2.calls.Load())
	}
	cur, err := s.LoadCursor(ctx, DefaultCursorID)
	if err != nil || cur.LastAckedID != 3 {
		t.Fatalf("cursor %+v err=%v", cur, err)
	}
}

func TestNewRouter_DuplicateChannel(t *testing.T) {
	s := openStore(t)
	if _, err := NewRouter(Config{}, s, []Notifier{NewLogNotifier(testLogger()), NewLogNotifier(testLogger())}, testLogger()); err == nil {
		t.Fatal("expected duplicate channel error")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	s := openStore(t)
	appendEvent(t, s)
	c := &countingNotifier{name: "c"}
	r := newTestRouter(t, s, c)
	ctx, cancel := context.WithCancel(context.Background())
	r.sleep = func(ctx context.Context, _ time.Duration) error { cancel(); return ctx.Err() }
	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if c.calls.Load() != 1 {
		t.Fatalf("expected the pending event to be dispatched, got %d", c.calls.Load())
	}
}

func TestRun_WakeOn(t *testing.T) {
	s := openStore(t)
	c := &countingNotifier{name: "c"}
	r, err := NewRouter(Config{PollInterval: time.Hour, BatchSize: 10}, s, []Notifier{c}, testLogger())
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	wake := make(chan model.AlertEvent, 1)
	r.WakeOn(wake)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	ev := appendEvent(t, s)
	wake <- ev
	for c.calls.Load() == 0 {
		select {
		case <-ctx.Done():
			t.Fatal("event not dispatched after wake-up")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestDrainOnce_FailingChannelDoesNotHoldBackOthers(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	appendEvent(t, s)

	down := &countingNotifier{name: "down", failures: 1 << 20}
	up := &countingNotifier{name: "up"}
	r := newTestRouter(t, s, down, up)
	r.backoff.Base, r.backoff.Max = time.Minute, time.Hour
	now := time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	r.sleep = func(context.Context, time.Duration) error {
		t.Error("drain must not wait between attempts")
		return nil
	}

	if n, err := r.DrainOnce(ctx); err != nil || n != 1 {
		t.Fatalf("first drain: n=%d err=%v", n, err)
	}
	// the next event reaches the healthy channel at once
	appendEvent(t, s)
	if n, err := r.DrainOnce(ctx); err != nil || n != 1 {
		t.Fatalf("second drain: n=%d err=%v", n, err)
	}
	if up.calls.Load() != 2 {
		t.Fatalf("healthy channel got %d sends, want 2", up.calls.Load())
	}
	if down.calls.Load() != 2 {
		t.Fatalf("failing channel got %d sends before backoff, want 2", down.calls.Load())
	}

	pending, err := s.ListDeliveries(ctx, model.DeliveryPending, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 || pending[0].Channel != "down" || pending[0].Attempts != 1 {
		t.Fatalf("unexpected pending records %+v", pending)
	}

	// retries follow the backoff and end in failed
	now = now.Add(time.Minute)
	if _, err := r.DrainOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if down.calls.Load() != 4 {
		t.Fatalf("expected a retry per event after 1m, got %d sends", down.calls.Load())
	}
	now = now.Add(time.Minute)
	if _, err := r.DrainOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if down.calls.Load() != 4 {
		t.Fatalf("retried before the 2m backoff elapsed (%d sends)", down.calls.Load())
	}
	now = now.Add(time.Minute)
	if _, err := r.DrainOnce(ctx); err != nil {
		t.Fatal(err)
	}
	failed, err := s.ListDeliveries(ctx, model.DeliveryFailed, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 2 || failed[0].Attempts != 3 {
		t.Fatalf("expected both events failed after 3 attempts, got %+v", failed)
	}
	if up.calls.Load() != 2 {
		t.Fatalf("healthy channel re-sent: %d", up.calls.Load())
	}
}

func TestDrainOnce_RateLimitPerRuleSymbolTimeframe(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := testEvent(0)
	at := func(ruleID string, offset time.Duration) model.AlertEvent {
		ev := base
		ev.RuleID = ruleID
		ev.TS = base.TS.Add(offset)
		return appendAt(t, s, ev)
	}
	first := at("btc-100", 0)
	limited := at("btc-100", time.Minute)
	other := at("btc-200", time.Minute)
	later := at("btc-100", 5*time.Minute)

	c := &countingNotifier{name: "c"}
	r, err := NewRouter(Config{MaxAttempts: 3, AttemptTimeout: time.Second, BatchSize: 10, RateLimit: 5 * time.Minute},
		s, []Notifier{c}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if n, err := r.Drain(ctx); err != nil || n != 4 {
		t.Fatalf("Drain: n=%d err=%v", n, err)
	}
	if c.calls.Load() != 3 {
		t.Fatalf("expected 3 sends, got %d", c.calls.Load())
	}

	recs, err := s.ListDeliveries(ctx, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	byEvent := make(map[int64]model.DeliveryRecord)
	for _, rec := range recs {
		byEvent[rec.EventID] = rec
	}
	for _, ev := range []model.AlertEvent{first, other, later} {
		if st := byEvent[ev.ID].Status; st != model.DeliveryDelivered {
			t.Errorf("event %d: status %s, want delivered", ev.ID, st)
		}
	}
	if rec := byEvent[limited.ID]; rec.Status != model.DeliverySkipped || rec.Attempts != 0 || rec.LastError != "rate limited" {
		t.Errorf("rate-limited event: %+v", rec)
	}
}

func TestDispatch_RateLimitOnlyCountsSuccessfulSends(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := testEvent(0)
	ev1 := appendAt(t, s, base)
	base.TS = base.TS.Add(time.Minute)
	ev2 := appendAt(t, s, base)

	down := &countingNotifier{name: "c", failures: 3}
	r, err := NewRouter(Config{MaxAttempts: 3, AttemptTimeout: time.Second, RateLimit: time.Hour}, s, []Notifier{down}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	r.sleep = func(context.Context, time.Duration) error { return nil }

	if recs, err := r.Dispatch(ctx, ev1); err != nil || recs[0].Status != model.DeliveryFailed {
		t.Fatalf("first dispatch: %+v err=%v", recs, err)
	}
	recs, err := r.Dispatch(ctx, ev2)
	if err != nil {
		t.Fatal(err)
	}
	if recs[0].Status != model.DeliveryDelivered {
		t.Fatalf("a failed send must not start the rate window: %+v", recs[0])
	}
}
