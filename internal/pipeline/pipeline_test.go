package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"cryptoalerts/internal/indicator"
	"cryptoalerts/internal/logger"
	"cryptoalerts/internal/model"
	"cryptoalerts/internal/rules"
	"cryptoalerts/internal/store/sqlite"
)

func openStore(t *testing.T, path string) *sqlite.Store {
	t.Helper()
	if path == "" {
		path = filepath.Join(t.TempDir(), "alerts.db")
	}
	s, err := sqlite.Open(sqlite.Config{DBPath: path}, zerolog.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newPipeline(t *testing.T, store Store, cfg Config, defs ...rules.Definition) *Pipeline {
	t.Helper()
	rs, err := rules.Load(defs)
	if err != nil {
		t.Fatalf("rules.Load: %v", err)
	}
	_, rc := NewRunContext(context.Background(), store, zerolog.Nop())
	p, err := New(cfg, rs, rc)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func above(id, symbol, tf string, level float64, cooldown time.Duration) rules.Definition {
	return rules.Definition{ID: id, Symbol: symbol, Timeframe: tf, Kind: rules.KindThreshold,
		Direction: "above", Level: level, Cooldown: cooldown, Severity: "warning"}
}

func minuteBar(symbol string, minute int, close float64) model.Bar {
	return model.Bar{
		Symbol:    symbol,
		Timeframe: model.TF1m,
		OpenTime:  time.Unix(int64(minute)*60, 0).UTC(),
		Open:      close,
		High:      close,
		Low:       close,
		Close:     close,
		Volume:    1,
		Count:     1,
		Closed:    true,
	}
}

func ingestAll(t *testing.T, p *Pipeline, symbol string, first int, closes ...float64) []model.AlertEvent {
	t.Helper()
	var out []model.AlertEvent
	for i, c := range closes {
		evs, err := p.IngestBar(context.Background(), minuteBar(symbol, first+i, c))
		if err != nil {
			t.Fatalf("IngestBar %d: %v", first+i, err)
		}
		out = append(out, evs...)
	}
	return out
}

func TestPipeline_CrossingScenario(t *testing.T) {
	store := openStore(t, "")
	p := newPipeline(t, store, Config{}, above("btc-100", "BTCUSDT", "1m", 100, 0))

	evs := ingestAll(t, p, "BTCUSDT", 0, 99, 100, 101, 99, 102)
	if len(evs) != 2 {
		t.Fatalf("expected 2 events, got %d", len(evs))
	}
	if evs[0].ID != 1 || evs[1].ID != 2 {
		t.Errorf("expected ids 1,2, got %d,%d", evs[0].ID, evs[1].ID)
	}

	stored, err := store.EventsAfter(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("EventsAfter: %v", err)
	}
	if len(stored) != 2 || !stored[0].TS.Equal(time.Unix(180, 0)) || !stored[1].TS.Equal(time.Unix(300, 0)) {
		t.Fatalf("unexpected stored events %+v", stored)
	}

	states, err := store.LoadRuleStates(context.Background())
	if err != nil {
		t.Fatalf("LoadRuleStates: %v", err)
	}
	if len(states) != 1 || states[0].Phase != model.PhaseCooldown || !states[0].LastFiredAt.Equal(time.Unix(300, 0)) {
		t.Errorf("unexpected rule states %+v", states)
	}
}

type recordingMirror struct {
	mu     sync.Mutex
	bars   []model.Bar
	values int
}

func (m *recordingMirror) MirrorBar(_ context.Context, b model.Bar) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bars = append(m.bars, b)
	return nil
}

func (m *recordingMirror) MirrorIndicators(_ context.Context, v []model.IndicatorValue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values += len(v)
	return nil
}

func TestPipeline_RollupRule(t *testing.T) {
	store := openStore(t, "")
	cfg := Config{
		Timeframes: []model.Timeframe{model.TF5m},
		Indicators: []indicator.Spec{{Type: indicator.TypeSMA, Period: 2}},
	}
	p := newPipeline(t, store, cfg, above("btc-5m", "BTCUSDT", "5m", 100, 0))
	mirror := &recordingMirror{}
	p.rc.Mirror = mirror

	evs := ingestAll(t, p, "BTCUSDT", 0, 99, 99, 99, 99, 99)
	if len(evs) != 0 {
		t.Fatalf("first window should only arm, got %d events", len(evs))
	}
	evs = ingestAll(t, p, "BTCUSDT", 5, 101, 101, 101, 101)
	if len(evs) != 0 {
		t.Fatalf("rollup must not fire before its window closes, got %d", len(evs))
	}
	evs = ingestAll(t, p, "BTCUSDT", 9, 101)
	if len(evs) != 1 {
		t.Fatalf("expected 1 event when the second 5m bar closes, got %d", len(evs))
	}
	if evs[0].Timeframe != model.TF5m || !evs[0].TS.Equal(time.Unix(600, 0)) {
		t.Errorf("unexpected event %+v", evs[0])
	}

	rolled, err := store.ReadBars(context.Background(), "BTCUSDT", model.TF5m, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(rolled) != 2 || rolled[1].Close != 101 || rolled[1].Volume != 5 {
		t.Fatalf("unexpected 5m bars %+v", rolled)
	}

	if len(mirror.bars) != 12 {
		t.Errorf("expected 12 mirrored bars (10 base + 2 rollups), got %d", len(mirror.bars))
	}
	if mirror.values == 0 {
		t.Error("expected mirrored indicator values")
	}

	vals, err := store.LoadIndicators(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("LoadIndicators: %v", err)
	}
	found := false
	for _, v := range vals {
		if v.Timeframe == model.TF5m && v.Name == "SMA_2" {
			found = true
			if !v.Defined || v.Value != 100 {
				t.Errorf("5m SMA_2 = %v (defined=%v), want 100", v.Value, v.Defined)
			}
		}
	}
	if !found {
		t.Error("5m SMA_2 not persisted")
	}
}

func TestPipeline_RunOnceDeterministic(t *testing.T) {
	defs := []rules.Definition{
		above("eth-100", "ETHUSDT", "1m", 100, 0),
		above("btc-100", "BTCUSDT", "1m", 100, 0),
	}
	var bars []model.Bar
	for i, c := range []float64{99, 101, 99, 101} {
		bars = append(bars, minuteBar("ETHUSDT", i, c), minuteBar("BTCUSDT", i, c))
	}

	run := func() []byte {
		store := openStore(t, "")
		p := newPipeline(t, store, Config{Parallelism: 4}, defs...)
		evs, err := p.RunOnce(context.Background(), bars)
		if err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
		if len(evs) != 4 {
			t.Fatalf("expected 4 events, got %d", len(evs))
		}
		if evs[0].Symbol != "BTCUSDT" || evs[1].Symbol != "ETHUSDT" || evs[0].ID != 1 {
			t.Fatalf("events not ordered by (time, symbol): %+v", evs[:2])
		}
		out, err := json.Marshal(evs)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		return out
	}

	a, b := run(), run()
	if string(a) != string(b) {
		t.Fatalf("runs differ:\n%s\n%s", a, b)
	}
}

func TestPipeline_OutOfOrderSkipped(t *testing.T) {
	store := openStore(t, "")
	p := newPipeline(t, store, Config{}, above("btc-100", "BTCUSDT", "1m", 100, 0))
	ctx := context.Background()

	if _, err := p.IngestBar(ctx, minuteBar("BTCUSDT", 2, 99)); err != nil {
		t.Fatalf("IngestBar: %v", err)
	}
	for _, minute := range []int{1, 2} {
		_, err := p.IngestBar(ctx, minuteBar("BTCUSDT", minute, 150))
		if !errors.Is(err, model.ErrOutOfOrderInput) {
			t.Fatalf("minute %d: expected ErrOutOfOrderInput, got %v", minute, err)
		}
	}
	evs, err := p.IngestBar(ctx, minuteBar("BTCUSDT", 3, 101))
	if err != nil || len(evs) != 1 {
		t.Fatalf("expected the pipeline to continue, got %d events, err %v", len(evs), err)
	}

	// RunOnce skips the late bar instead of failing.
	evs, err = p.RunOnce(ctx, []model.Bar{minuteBar("BTCUSDT", 1, 99), minuteBar("BTCUSDT", 4, 99)})
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(evs) != 0 {
		t.Errorf("unexpected events %+v", evs)
	}
}

func TestPipeline_ResumeAfterRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.db")
	cfg := Config{Indicators: []indicator.Spec{{Type: indicator.TypeSMA, Period: 3}}}
	def := above("btc-100", "BTCUSDT", "1m", 100, 10*time.Minute)
	ctx := context.Background()

	store := openStore(t, path)
	p := newPipeline(t, store, cfg, def)
	if evs := ingestAll(t, p, "BTCUSDT", 0, 99, 101); len(evs) != 1 {
		t.Fatalf("expected 1 event before restart, got %d", len(evs))
	}
	p.rc.Close()
	store.Close()

	store = openStore(t, path)
	p = newPipeline(t, store, cfg, def)
	if err := p.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	// The last bar before the restart is a duplicate now.
	if _, err := p.IngestBar(ctx, minuteBar("BTCUSDT", 1, 101)); !errors.Is(err, model.ErrOutOfOrderInput) {
		t.Fatalf("expected duplicate to be rejected, got %v", err)
	}
	// Still cooling down: a fresh rule would arm on 99 and fire on 102.
	if evs := ingestAll(t, p, "BTCUSDT", 2, 99, 102); len(evs) != 0 {
		t.Fatalf("expected no events during restored cooldown, got %d", len(evs))
	}

	all, err := store.EventsAfter(ctx, 0, 10)
	if err != nil {
		t.Fatalf("EventsAfter: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 stored event, got %d", len(all))
	}

	vals, err := store.LoadIndicators(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("LoadIndicators: %v", err)
	}
	if len(vals) != 1 || !vals[0].Defined {
		t.Fatalf("unexpected indicator values %+v", vals)
	}
	want := (101.0 + 99 + 102) / 3
	if math.Abs(vals[0].Value-want) > 1e-9 {
		t.Errorf("SMA_3 = %v after restart, want %v", vals[0].Value, want)
	}
}

func TestPipeline_ResumeWarmsColdIndicators(t *testing.T) {
	store := openStore(t, "")
	ctx := context.Background()
	var bars []model.Bar
	for i, c := range []float64{10, 20, 30, 40} {
		bars = append(bars, minuteBar("ETHUSDT", i, c))
	}
	if err := store.AppendBars(ctx, bars); err != nil {
		t.Fatalf("AppendBars: %v", err)
	}

	cfg := Config{Indicators: []indicator.Spec{{Type: indicator.TypeSMA, Period: 2}}, WarmupBars: 2}
	p := newPipeline(t, store, cfg)
	if err := p.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	vals, err := store.LoadIndicators(ctx, "ETHUSDT")
	if err != nil {
		t.Fatalf("LoadIndicators: %v", err)
	}
	if len(vals) != 1 || !vals[0].Defined || vals[0].Value != 35 {
		t.Fatalf("expected SMA_2 = 35 from the last two bars, got %+v", vals)
	}
	if _, err := p.IngestBar(ctx, minuteBar("ETHUSDT", 3, 40)); !errors.Is(err, model.ErrOutOfOrderInput) {
		t.Fatalf("builder not primed: %v", err)
	}
}

func tick(symbol string, sec int64, price float64) model.Tick {
	return model.Tick{Symbol: symbol, Price: price, Qty: 0.5, TS: time.Unix(sec, 0).UTC()}
}

func TestPipeline_IngestTicks(t *testing.T) {
	store := openStore(t, "")
	p := newPipeline(t, store, Config{}, above("btc-100", "BTCUSDT", "1m", 100, 0))
	ctx := context.Background()

	var got []model.AlertEvent
	for _, tk := range []model.Tick{
		tick("BTCUSDT", 1, 99),
		tick("BTCUSDT", 30, 99.5),
		tick("BTCUSDT", 61, 101),
		tick("BTCUSDT", 121, 102),
	} {
		evs, err := p.IngestTick(ctx, tk)
		if err != nil {
			t.Fatalf("IngestTick: %v", err)
		}
		got = append(got, evs...)
	}
	if len(got) != 1 || !got[0].TS.Equal(time.Unix(120, 0)) {
		t.Fatalf("expected one event at 120s, got %+v", got)
	}

	if _, err := p.IngestTick(ctx, tick("BTCUSDT", 59, 200)); !errors.Is(err, model.ErrOutOfOrderInput) {
		t.Errorf("expected late tick to be rejected, got %v", err)
	}

	base, err := store.ReadBars(ctx, "BTCUSDT", model.TF1m, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(base) != 2 || base[0].Close != 99.5 || base[0].Volume != 1 {
		t.Fatalf("unexpected base bars %+v", base)
	}
}

func TestPipeline_RunLive(t *testing.T) {
	store := openStore(t, "")
	p := newPipeline(t, store, Config{Workers: 3},
		above("btc-100", "BTCUSDT", "1m", 100, 0),
		above("eth-100", "ETHUSDT", "1m", 100, 0),
	)
	var (
		mu  sync.Mutex
		got []model.AlertEvent
	)
	p.OnEvents = func(evs []model.AlertEvent) {
		mu.Lock()
		got = append(got, evs...)
		mu.Unlock()
	}

	in := make(chan Input, 16)
	for i, c := range []float64{99, 101} {
		b := minuteBar("ETHUSDT", i, c)
		in <- Input{Bar: &b}
	}
	// BTC arrives as ticks; its last bar closes when the input ends.
	for _, tk := range []model.Tick{tick("BTCUSDT", 5, 99), tick("BTCUSDT", 65, 101)} {
		tk := tk
		in <- Input{Tick: &tk}
	}
	close(in)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.Run(ctx, in); err != nil {
		t.Fatalf("Run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %+v", got)
	}
	seen := map[string]bool{}
	for _, ev := range got {
		seen[ev.Symbol] = true
	}
	if !seen["BTCUSDT"] || !seen["ETHUSDT"] {
		t.Errorf("expected one event per symbol, got %+v", got)
	}
}

func TestNew_RejectsUnaggregatedRuleTimeframe(t *testing.T) {
	store := openStore(t, "")
	rs, err := rules.Load([]rules.Definition{above("btc-1h", "BTCUSDT", "1h", 100, 0)})
	if err != nil {
		t.Fatalf("rules.Load: %v", err)
	}
	_, rc := NewRunContext(context.Background(), store, zerolog.Nop())
	_, err = New(Config{Timeframes: []model.Timeframe{model.TF5m}}, rs, rc)
	if !errors.Is(err, model.ErrInvalidRuleDefinition) {
		t.Fatalf("expected ErrInvalidRuleDefinition, got %v", err)
	}
}

func TestRunContext(t *testing.T) {
	store := openStore(t, "")
	ctx, rc := NewRunContext(context.Background(), store, zerolog.Nop())
	_, rc2 := NewRunContext(context.Background(), store, zerolog.Nop())
	if rc.RunID == "" || rc.RunID == rc2.RunID {
		t.Fatalf("run ids must be unique, got %q and %q", rc.RunID, rc2.RunID)
	}
	if got := logger.RunID(ctx); got != rc.RunID {
		t.Fatalf("context run id %q, want %q", got, rc.RunID)
	}
	if err := rc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

// flakyStore fails the next failures commits with ErrStoreUnavailable.
type flakyStore struct {
	*sqlite.Store
	failures atomic.Int32
}

func (s *flakyStore) Commit(ctx context.Context, c model.Commit) ([]model.AlertEvent, error) {
	if s.failures.Add(-1) >= 0 {
		return nil, fmt.Errorf("sqlite commit: %w", model.ErrStoreUnavailable)
	}
	return s.Store.Commit(ctx, c)
}

func TestPipeline_FailedCommitLeavesNoTrace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.db")
	store := &flakyStore{Store: openStore(t, path)}
	def := above("btc-100", "BTCUSDT", "1m", 100, 0)
	p := newPipeline(t, store, Config{}, def)
	ctx := context.Background()

	ingestAll(t, p, "BTCUSDT", 0, 99)
	store.failures.Store(1)
	if _, err := p.IngestBar(ctx, minuteBar("BTCUSDT", 1, 101)); !errors.Is(err, model.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}

	evs, err := store.EventsAfter(ctx, 0, 10)
	if err != nil || len(evs) != 0 {
		t.Fatalf("events after failed commit: %+v err=%v", evs, err)
	}
	bars, err := store.ReadBars(ctx, "BTCUSDT", model.TF1m, time.Time{}, time.Time{})
	if err != nil || len(bars) != 1 {
		t.Fatalf("bars after failed commit: %+v err=%v", bars, err)
	}
	states, err := store.LoadRuleStates(ctx)
	if err != nil || len(states) != 1 || states[0].Phase != model.PhaseArmed || !states[0].LastFiredAt.IsZero() {
		t.Fatalf("rule state advanced by a failed commit: %+v err=%v", states, err)
	}

	// the same bar goes through once the store is back
	got, err := p.IngestBar(ctx, minuteBar("BTCUSDT", 1, 101))
	if err != nil || len(got) != 1 || got[0].ID != 1 {
		t.Fatalf("retry: %+v err=%v", got, err)
	}
}

func TestPipeline_FailedCommitRefiresAfterRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.db")
	def := above("btc-100", "BTCUSDT", "1m", 100, 0)
	ctx := context.Background()

	store := &flakyStore{Store: openStore(t, path)}
	p := newPipeline(t, store, Config{}, def)
	ingestAll(t, p, "BTCUSDT", 0, 99)
	store.failures.Store(1)
	if _, err := p.IngestBar(ctx, minuteBar("BTCUSDT", 1, 101)); !errors.Is(err, model.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	p.rc.Close()
	store.Close()

	restarted := openStore(t, path)
	p = newPipeline(t, restarted, Config{}, def)
	if err := p.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if evs := ingestAll(t, p, "BTCUSDT", 1, 101); len(evs) != 1 {
		t.Fatalf("expected the lost alert to fire after restart, got %d", len(evs))
	}
}

func TestPipeline_FailedCommitKeepsRollupAndIndicators(t *testing.T) {
	store := &flakyStore{Store: openStore(t, "")}
	cfg := Config{
		Timeframes: []model.Timeframe{model.TF5m},
		Indicators: []indicator.Spec{{Type: indicator.TypeSMA, Period: 2}},
	}
	p := newPipeline(t, store, cfg)
	ctx := context.Background()

	ingestAll(t, p, "BTCUSDT", 0, 10, 20, 30, 40)
	store.failures.Store(1)
	if _, err := p.IngestBar(ctx, minuteBar("BTCUSDT", 4, 50)); !errors.Is(err, model.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	sma := func() float64 {
		t.Helper()
		vals, err := store.LoadIndicators(ctx, "BTCUSDT")
		if err != nil {
			t.Fatalf("LoadIndicators: %v", err)
		}
		for _, v := range vals {
			if v.Timeframe == model.TF1m {
				return v.Value
			}
		}
		t.Fatalf("no 1m indicator in %+v", vals)
		return 0
	}
	if got := sma(); got != 35 {
		t.Fatalf("SMA_2 after failed commit = %v, want 35", got)
	}

	ingestAll(t, p, "BTCUSDT", 4, 50)
	rolled, err := store.ReadBars(ctx, "BTCUSDT", model.TF5m, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(rolled) != 1 || rolled[0].Open != 10 || rolled[0].Close != 50 || rolled[0].Volume != 5 {
		t.Fatalf("unexpected 5m bars after retry %+v", rolled)
	}
	if got := sma(); got != 45 {
		t.Fatalf("SMA_2 after retry = %v, want 45", got)
	}
}

func TestPipeline_RunOnceFailureIsAllOrNothing(t *testing.T) {
	store := &flakyStore{Store: openStore(t, "")}
	p := newPipeline(t, store, Config{Parallelism: 2},
		above("eth-100", "ETHUSDT", "1m", 100, 0),
		above("btc-100", "BTCUSDT", "1m", 100, 0),
	)
	var bars []model.Bar
	for i, c := range []float64{99, 101, 99, 101} {
		bars = append(bars, minuteBar("ETHUSDT", i, c), minuteBar("BTCUSDT", i, c))
	}
	ctx := context.Background()

	store.failures.Store(1)
	if _, err := p.RunOnce(ctx, bars); !errors.Is(err, model.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	for _, sym := range []string{"BTCUSDT", "ETHUSDT"} {
		if b, err := store.LatestBar(ctx, sym, model.TF1m); err != nil || b != nil {
			t.Fatalf("%s: bar persisted by a failed batch: %+v err=%v", sym, b, err)
		}
	}

	evs, err := p.RunOnce(ctx, bars)
	if err != nil {
		t.Fatalf("RunOnce retry: %v", err)
	}
	if len(evs) != 4 || evs[0].ID != 1 {
		t.Fatalf("expected the retried batch to log 4 events from id 1, got %+v", evs)
	}
}

func TestPipeline_RunStopsOnStoreFailure(t *testing.T) {
	store := &flakyStore{Store: openStore(t, "")}
	store.failures.Store(1 << 20)
	p := newPipeline(t, store, Config{Workers: 2}, above("btc-100", "BTCUSDT", "1m", 100, 0))

	in := make(chan Input, 4)
	for i, c := range []float64{99, 101} {
		b := minuteBar("BTCUSDT", i, c)
		in <- Input{Bar: &b}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.Run(ctx, in); !errors.Is(err, model.ErrStoreUnavailable) {
		t.Fatalf("expected Run to stop with ErrStoreUnavailable, got %v", err)
	}
}

func TestPipeline_RunLiveOrderingAcrossShards(t *testing.T) {
	symbols := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "XRPUSDT", "ADAUSDT", "BNBUSDT"}
	var defs []rules.Definition
	for _, sym := range symbols {
		defs = append(defs, above(sym+"-100", sym, "1m", 100, 0))
	}
	store := openStore(t, "")
	p := newPipeline(t, store, Config{Workers: 4}, defs...)

	var (
		mu    sync.Mutex
		calls [][]model.AlertEvent
	)
	p.OnEvents = func(evs []model.AlertEvent) {
		mu.Lock()
		calls = append(calls, append([]model.AlertEvent(nil), evs...))
		mu.Unlock()
	}

	closes := []float64{99, 101, 99, 101, 99, 101}
	in := make(chan Input, len(symbols)*len(closes))
	for i, c := range closes {
		for _, sym := range symbols {
			b := minuteBar(sym, i, c)
			in <- Input{Bar: &b}
		}
	}
	close(in)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.Run(ctx, in); err != nil {
		t.Fatalf("Run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	seen := make(map[int64]bool)
	lastTS := make(map[string]time.Time)
	lastID := make(map[string]int64)
	for _, evs := range calls {
		for _, ev := range evs {
			if seen[ev.ID] {
				t.Fatalf("event id %d published twice", ev.ID)
			}
			seen[ev.ID] = true
			if !ev.TS.After(lastTS[ev.Symbol]) || ev.ID <= lastID[ev.Symbol] {
				t.Fatalf("%s: event %d at %s published out of order", ev.Symbol, ev.ID, ev.TS)
			}
			lastTS[ev.Symbol], lastID[ev.Symbol] = ev.TS, ev.ID
		}
	}
	want := len(symbols) * 3
	if len(seen) != want {
		t.Fatalf("expected %d published events, got %d", want, len(seen))
	}

	logged, err := store.EventsAfter(ctx, 0, 100)
	if err != nil {
		t.Fatalf("EventsAfter: %v", err)
	}
	if len(logged) != want {
		t.Fatalf("expected %d logged events, got %d", want, len(logged))
	}
	for i, ev := range logged {
		if ev.ID != int64(i+1) || !seen[ev.ID] {
			t.Fatalf("log position %d holds id %d", i, ev.ID)
		}
	}
}
