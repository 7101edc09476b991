// Package pipeline wires the aggregator, indicator engine and rule engine
// into a per-symbol processing pipeline backed by the event log.
//
// Work is partitioned by symbol: everything for one symbol runs
// sequentially, different symbols run in parallel. The closed bars of a
// batch, the events they fire, the rule states those events moved and the
// latest indicator state are committed in one transaction before anyone is
// told about them. When that commit fails the in-memory state of the
// affected symbols is discarded and rebuilt from the store before their
// next input, so retrying the same input reproduces the lost events.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"cryptoalerts/internal/indicator"
	"cryptoalerts/internal/marketdata/agg"
	"cryptoalerts/internal/marketdata/tfbuilder"
	"cryptoalerts/internal/model"
	"cryptoalerts/internal/rules"
)

// Config controls aggregation, indicators and concurrency.
type Config struct {
	Base        model.Timeframe   // base bar timeframe (default 1m)
	Timeframes  []model.Timeframe // rollup targets, multiples of Base
	Symbols     []string          // symbols resumed even without rules
	Indicators  []indicator.Spec  // computed on every timeframe
	Parallelism int               // RunOnce symbol concurrency
	Workers     int               // Run shard goroutines
	QueueSize   int               // per-shard queue length
	WarmupBars  int               // bars replayed into cold indicators on Resume
	FlushEvery  time.Duration     // live flush of quiet symbols
	FlushGrace  time.Duration     // wall-clock slack before a quiet bar is flushed
	LargeGap    int               // gap length (base bars) logged as a feed outage; 0 = never
}

func (c *Config) withDefaults() {
	if c.Base == 0 {
		c.Base = model.TF1m
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 1
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.WarmupBars <= 0 {
		c.WarmupBars = 500
	}
	if c.FlushEvery <= 0 {
		c.FlushEvery = time.Second
	}
	if c.FlushGrace < 0 {
		c.FlushGrace = 0
	}
}

// Input is one live-mode item: a tick or an already closed base bar.
type Input struct {
	Tick *model.Tick
	Bar  *model.Bar
}

// symbolWorker owns the stateful engines of one symbol. stale is set when
// a commit of its state failed; the worker is reloaded from the store
// before it processes anything else.
type symbolWorker struct {
	mu    sync.Mutex
	ind   *indicator.Engine
	rules *rules.Engine
	stale bool
}

// Pipeline turns ticks or base bars into alert events.
type Pipeline struct {
	cfg     Config
	rc      *RunContext
	rules   []rules.Rule
	owner   map[string]string // rule id -> symbol
	indCfg  []indicator.TFConfig
	agg     *agg.Aggregator
	builder *tfbuilder.Builder

	mu      sync.Mutex
	workers map[string]*symbolWorker

	// OnEvents is called with committed events (ids assigned), in order.
	OnEvents func(events []model.AlertEvent)
	// OnClosedBar is called for every persisted closed bar.
	OnClosedBar func(bar model.Bar)
}

// New validates cfg against rs and builds a pipeline writing through rc.
func New(cfg Config, rs []rules.Rule, rc *RunContext) (*Pipeline, error) {
	cfg.withDefaults()
	if !cfg.Base.Valid() {
		return nil, fmt.Errorf("pipeline: invalid base timeframe %s", cfg.Base)
	}
	all := map[model.Timeframe]bool{cfg.Base: true}
	for _, tf := range cfg.Timeframes {
		if tf <= cfg.Base || tf.Seconds()%cfg.Base.Seconds() != 0 {
			return nil, fmt.Errorf("pipeline: timeframe %s is not a multiple of base %s", tf, cfg.Base)
		}
		all[tf] = true
	}
	for _, r := range rs {
		if !all[r.Timeframe] {
			return nil, fmt.Errorf("pipeline: rule %s uses timeframe %s which is not aggregated: %w",
				r.ID, r.Timeframe, model.ErrInvalidRuleDefinition)
		}
	}

	required, err := rules.RequiredIndicators(rs)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	tfs := make([]model.Timeframe, 0, len(all))
	for tf := range all {
		tfs = append(tfs, tf)
	}
	sort.Slice(tfs, func(i, j int) bool { return tfs[i] < tfs[j] })

	var indCfg []indicator.TFConfig
	for _, tf := range tfs {
		specs := mergeSpecs(cfg.Indicators, required[tf])
		if len(specs) > 0 {
			indCfg = append(indCfg, indicator.TFConfig{Timeframe: tf, Specs: specs})
		}
	}

	owner := make(map[string]string, len(rs))
	for _, r := range rs {
		owner[r.ID] = r.Symbol
	}

	p := &Pipeline{
		cfg:     cfg,
		rc:      rc,
		rules:   rs,
		owner:   owner,
		indCfg:  indCfg,
		agg:     agg.New(cfg.Base),
		builder: tfbuilder.New(cfg.Base, cfg.Timeframes),
		workers: make(map[string]*symbolWorker),
	}
	p.builder.LargeGap = cfg.LargeGap
	p.builder.OnGapFill = rc.Metrics.GapFill
	p.builder.OnLargeGap = func(symbol string, n int) {
		rc.Logger.Warn().Str("symbol", symbol).Int("bars", n).Msg("large gap in base series, carrying forward")
	}
	return p, nil
}

func mergeSpecs(a, b []indicator.Spec) []indicator.Spec {
	seen := make(map[string]bool, len(a)+len(b))
	var out []indicator.Spec
	for _, list := range [][]indicator.Spec{a, b} {
		for _, s := range list {
			if !seen[s.Name()] {
				seen[s.Name()] = true
				out = append(out, s)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Timeframes returns every aggregated timeframe, base first.
func (p *Pipeline) Timeframes() []model.Timeframe {
	return append([]model.Timeframe{p.cfg.Base}, p.builder.TFs()...)
}

func (p *Pipeline) worker(symbol string) *symbolWorker {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[symbol]
	if !ok {
		w = &symbolWorker{}
		p.fresh(w, symbol)
		p.workers[symbol] = w
	}
	return w
}

// fresh gives w cold engines for symbol.
func (p *Pipeline) fresh(w *symbolWorker, symbol string) {
	w.ind = indicator.NewEngine(p.indCfg, p.rc.Logger)
	w.rules = rules.NewEngine(rules.ForSymbol(p.rules, symbol), p.rc.Logger)
}

// invalidate discards the in-memory state of symbols after a failed commit.
// w.mu of each symbol's worker must be held by the caller or unreachable.
func (p *Pipeline) invalidate(w *symbolWorker, symbol string) {
	p.fresh(w, symbol)
	p.builder.Reset(symbol)
	w.stale = true
	p.rc.Logger.Warn().Str("symbol", symbol).Msg("commit failed, state will be reloaded from the store")
}

// ready reloads a stale worker. w.mu must be held.
func (p *Pipeline) ready(ctx context.Context, w *symbolWorker, symbol string) error {
	if !w.stale {
		return nil
	}
	states, err := p.rc.Store.LoadRuleStates(ctx)
	if err != nil {
		return fmt.Errorf("pipeline reload %s: %w", symbol, err)
	}
	var own []model.RuleState
	for _, s := range states {
		if p.owner[s.RuleID] == symbol {
			own = append(own, s)
		}
	}
	p.fresh(w, symbol)
	p.builder.Reset(symbol)
	if err := p.resumeLocked(ctx, w, symbol, own); err != nil {
		return err
	}
	w.stale = false
	return nil
}

// batch is the output of processing one or more base bars.
type batch struct {
	bars   []model.Bar
	values []model.IndicatorValue
	events []model.AlertEvent
	states []model.RuleState
}

func (b *batch) merge(o *batch) {
	b.bars = append(b.bars, o.bars...)
	b.values = append(b.values, o.values...)
	b.events = append(b.events, o.events...)
	b.states = append(b.states, o.states...)
}

// process runs one base bar of w's symbol through the builder, the
// indicator engine and the rule engine. w.mu must be held.
func (p *Pipeline) process(w *symbolWorker, bar model.Bar, out *batch) error {
	closed, err := p.builder.Ingest(bar)
	if err != nil {
		return err
	}
	for _, c := range closed {
		p.rc.Metrics.ClosedBar(c)
		out.bars = append(out.bars, c)

		var values map[string]model.IndicatorValue
		if w.ind.Configured(c.Timeframe) {
			start := time.Now()
			vals := w.ind.Update(c)
			p.rc.Metrics.Indicators(len(vals), time.Since(start))
			out.values = append(out.values, vals...)
			values = make(map[string]model.IndicatorValue, len(vals))
			for _, v := range vals {
				values[v.Name] = v
			}
		}

		if !w.rules.Bound(c.Symbol, c.Timeframe) {
			w.rules.Prime(c)
			continue
		}
		start := time.Now()
		events, states := w.rules.Evaluate(c, values)
		p.rc.Metrics.RuleEval(time.Since(start))
		out.events = append(out.events, events...)
		out.states = append(out.states, states...)
	}
	return nil
}

// commit writes b in one transaction, then publishes to the mirror and
// OnEvents. b.events is narrowed to the events that were not already
// logged.
func (p *Pipeline) commit(ctx context.Context, b *batch) error {
	values := latestValues(b.values)
	fresh, err := p.rc.Store.Commit(ctx, model.Commit{
		Bars:       b.bars,
		Events:     b.events,
		States:     b.states,
		Indicators: values,
	})
	if err != nil {
		return fmt.Errorf("pipeline commit: %w", err)
	}
	if dup := len(b.events) - len(fresh); dup > 0 {
		p.rc.Logger.Debug().Int("events", dup).Msg("events already logged")
	}
	b.events = fresh
	p.rc.Metrics.Events(b.events)
	for _, ev := range b.events {
		p.rc.Logger.Info().Int64("event_id", ev.ID).Str("rule", ev.RuleID).Str("symbol", ev.Symbol).
			Stringer("tf", ev.Timeframe).Str("severity", string(ev.Severity)).Msg(ev.Message)
	}
	p.mirror(ctx, b.bars, values)
	if p.OnClosedBar != nil {
		for _, bar := range b.bars {
			p.OnClosedBar(bar)
		}
	}
	if p.OnEvents != nil && len(b.events) > 0 {
		p.OnEvents(b.events)
	}
	return nil
}

func (p *Pipeline) mirror(ctx context.Context, bars []model.Bar, values []model.IndicatorValue) {
	m := p.rc.Mirror
	if m == nil {
		return
	}
	for _, b := range bars {
		if err := m.MirrorBar(ctx, b); err != nil {
			p.rc.Metrics.MirrorError()
			p.rc.Logger.Debug().Err(err).Str("symbol", b.Symbol).Msg("bar mirror failed")
			return
		}
	}
	if len(values) > 0 {
		if err := m.MirrorIndicators(ctx, values); err != nil {
			p.rc.Metrics.MirrorError()
			p.rc.Logger.Debug().Err(err).Msg("indicator mirror failed")
		}
	}
}

// latestValues keeps the last value of every (symbol, tf, name) series,
// preserving first-seen order.
func latestValues(in []model.IndicatorValue) []model.IndicatorValue {
	if len(in) == 0 {
		return nil
	}
	idx := make(map[string]int, len(in))
	out := make([]model.IndicatorValue, 0, len(in))
	for _, v := range in {
		key := model.SeriesKey(v.Symbol, v.Timeframe) + "|" + v.Name
		if i, ok := idx[key]; ok {
			out[i] = v
			continue
		}
		idx[key] = len(out)
		out = append(out, v)
	}
	return out
}

// skip logs and counts a dropped input. It reports whether err is one the
// caller may ignore.
func (p *Pipeline) skip(err error, symbol string) bool {
	switch {
	case errors.Is(err, model.ErrOutOfOrderInput):
		p.rc.Metrics.Dropped("out_of_order")
		p.rc.Logger.Warn().Err(err).Str("symbol", symbol).Msg("dropping out-of-order input")
		return true
	case errors.Is(err, model.ErrStoreUnavailable):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	default:
		p.rc.Metrics.Dropped("invalid")
		p.rc.Logger.Warn().Err(err).Str("symbol", symbol).Msg("dropping invalid input")
		return true
	}
}

// IngestBar processes one closed base bar and commits the resulting events.
// Out-of-order bars are logged, counted and returned as ErrOutOfOrderInput.
// On ErrStoreUnavailable nothing of the bar is durable and the same bar may
// be retried.
func (p *Pipeline) IngestBar(ctx context.Context, bar model.Bar) ([]model.AlertEvent, error) {
	w := p.worker(bar.Symbol)
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := p.ready(ctx, w, bar.Symbol); err != nil {
		return nil, err
	}

	var b batch
	if err := p.process(w, bar, &b); err != nil {
		p.skip(err, bar.Symbol)
		return nil, err
	}
	b.values = w.ind.WithState(latestValues(b.values))
	if err := p.commit(ctx, &b); err != nil {
		p.invalidate(w, bar.Symbol)
		return nil, err
	}
	return b.events, nil
}

// IngestTick folds a tick into its symbol's base bar and processes the bar
// it closes, if any.
func (p *Pipeline) IngestTick(ctx context.Context, tick model.Tick) ([]model.AlertEvent, error) {
	bar, err := p.agg.Ingest(tick)
	if err != nil {
		p.skip(err, tick.Symbol)
		return nil, err
	}
	p.rc.Metrics.Tick()
	if bar == nil {
		return nil, nil
	}
	return p.IngestBar(ctx, *bar)
}

// RunOnce processes a finite set of base bars. Symbols run in parallel up to
// Parallelism; bars of one symbol are processed in input order. All events
// are committed in one transaction ordered by (time, symbol, timeframe,
// rule id), so the result does not depend on scheduling.
func (p *Pipeline) RunOnce(ctx context.Context, bars []model.Bar) ([]model.AlertEvent, error) {
	bySymbol := make(map[string][]model.Bar)
	var order []string
	for _, b := range bars {
		if _, ok := bySymbol[b.Symbol]; !ok {
			order = append(order, b.Symbol)
		}
		bySymbol[b.Symbol] = append(bySymbol[b.Symbol], b)
	}

	results := make([]batch, len(order))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Parallelism)
	for i, sym := range order {
		i, sym := i, sym
		g.Go(func() error {
			w := p.worker(sym)
			w.mu.Lock()
			defer w.mu.Unlock()
			if err := p.ready(gctx, w, sym); err != nil {
				return err
			}
			for _, bar := range bySymbol[sym] {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := p.process(w, bar, &results[i]); err != nil {
					if p.skip(err, sym) {
						continue
					}
					return err
				}
			}
			results[i].values = w.ind.WithState(latestValues(results[i].values))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		p.invalidateAll(order)
		return nil, err
	}

	var all batch
	for i := range results {
		all.merge(&results[i])
	}
	sortEvents(all.events)
	all.states = lastStates(all.states)
	if err := p.commit(ctx, &all); err != nil {
		p.invalidateAll(order)
		return nil, err
	}
	p.rc.Logger.Info().Int("bars", len(bars)).Int("symbols", len(order)).
		Int("events", len(all.events)).Msg("batch processed")
	return all.events, nil
}

// invalidateAll discards the state of every symbol of an aborted batch.
func (p *Pipeline) invalidateAll(symbols []string) {
	for _, sym := range symbols {
		w := p.worker(sym)
		w.mu.Lock()
		p.invalidate(w, sym)
		w.mu.Unlock()
	}
}

func sortEvents(evs []model.AlertEvent) {
	sort.SliceStable(evs, func(i, j int) bool {
		a, b := evs[i], evs[j]
		if !a.TS.Equal(b.TS) {
			return a.TS.Before(b.TS)
		}
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		if a.Timeframe != b.Timeframe {
			return a.Timeframe < b.Timeframe
		}
		return a.RuleID < b.RuleID
	})
}

// lastStates keeps the final state of each rule, sorted by rule id.
func lastStates(in []model.RuleState) []model.RuleState {
	last := make(map[string]model.RuleState, len(in))
	for _, s := range in {
		last[s.RuleID] = s
	}
	out := make([]model.RuleState, 0, len(last))
	for _, s := range last {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RuleID < out[j].RuleID })
	return out
}

// Run is live mode: it consumes in until it is closed or ctx is cancelled.
// Symbols are sharded onto Workers goroutines so each symbol stays
// sequential. Quiet symbols get their base bar flushed once its window has
// passed on the wall clock; when in is closed every open bar is flushed.
// Only store failures stop the run.
func (p *Pipeline) Run(ctx context.Context, in <-chan Input) error {
	g, gctx := errgroup.WithContext(ctx)
	var ended atomic.Bool
	shards := make([]chan Input, p.cfg.Workers)
	for i := range shards {
		shards[i] = make(chan Input, p.cfg.QueueSize)
		ch := shards[i]
		g.Go(func() error { return p.runShard(gctx, ch, &ended) })
	}

	g.Go(func() error {
		defer func() {
			for _, ch := range shards {
				close(ch)
			}
		}()
		route := func(item Input) bool {
			sym := ""
			if item.Tick != nil {
				sym = item.Tick.Symbol
			} else if item.Bar != nil {
				sym = item.Bar.Symbol
			}
			select {
			case shards[shardOf(sym, len(shards))] <- item:
				return true
			case <-gctx.Done():
				return false
			}
		}
		flush := func(bars []model.Bar) bool {
			for i := range bars {
				if !route(Input{Bar: &bars[i]}) {
					return false
				}
			}
			return true
		}

		ticker := time.NewTicker(p.cfg.FlushEvery)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case item, ok := <-in:
				if !ok {
					ended.Store(true)
					return nil
				}
				if !route(item) {
					return nil
				}
			case now := <-ticker.C:
				if !flush(p.agg.FlushBefore(now.Add(-p.cfg.FlushGrace))) {
					return nil
				}
			}
		}
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// runShard processes one shard's queue in order. When the input ended
// (rather than ctx), the open base bars of the shard's symbols are closed.
func (p *Pipeline) runShard(ctx context.Context, ch <-chan Input, ended *atomic.Bool) error {
	symbols := make(map[string]bool)
	for item := range ch {
		var err error
		switch {
		case item.Tick != nil:
			symbols[item.Tick.Symbol] = true
			_, err = p.IngestTick(ctx, *item.Tick)
		case item.Bar != nil:
			_, err = p.IngestBar(ctx, *item.Bar)
		}
		if errors.Is(err, model.ErrStoreUnavailable) {
			return err
		}
	}
	if !ended.Load() {
		return nil
	}
	names := make([]string, 0, len(symbols))
	for sym := range symbols {
		names = append(names, sym)
	}
	sort.Strings(names)
	for _, sym := range names {
		if bar := p.agg.Flush(sym); bar != nil {
			if _, err := p.IngestBar(ctx, *bar); errors.Is(err, model.ErrStoreUnavailable) {
				return err
			}
		}
	}
	return nil
}

func shardOf(symbol string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return int(h.Sum32() % uint32(n))
}

// Resume restores indicator and rule state from the store, rebuilds the
// forming rollups and primes previous closes, so a restarted pipeline
// continues where it stopped without emitting duplicate events.
func (p *Pipeline) Resume(ctx context.Context) error {
	states, err := p.rc.Store.LoadRuleStates(ctx)
	if err != nil {
		return fmt.Errorf("pipeline resume: %w", err)
	}
	bySymbol := make(map[string][]model.RuleState)
	for _, s := range states {
		if sym, ok := p.owner[s.RuleID]; ok {
			bySymbol[sym] = append(bySymbol[sym], s)
		}
	}

	symbols, err := p.knownSymbols(ctx)
	if err != nil {
		return err
	}
	for _, sym := range symbols {
		if err := p.resumeSymbol(ctx, sym, bySymbol[sym]); err != nil {
			return err
		}
	}
	p.rc.Logger.Info().Int("symbols", len(symbols)).Int("rule_states", len(states)).Msg("pipeline resumed")
	return nil
}

func (p *Pipeline) knownSymbols(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	add := func(list []string) {
		for _, s := range list {
			if s != "" && !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	add(rules.Symbols(p.rules))
	add(p.cfg.Symbols)
	stored, err := p.rc.Store.Symbols(ctx, p.cfg.Base)
	if err != nil {
		return nil, fmt.Errorf("pipeline resume: %w", err)
	}
	add(stored)
	sort.Strings(out)
	return out, nil
}

func (p *Pipeline) resumeSymbol(ctx context.Context, sym string, states []model.RuleState) error {
	w := p.worker(sym)
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := p.resumeLocked(ctx, w, sym, states); err != nil {
		return err
	}
	w.stale = false
	return nil
}

// resumeLocked loads sym's durable state into w and the builder. w.mu must
// be held and w's engines must be cold.
func (p *Pipeline) resumeLocked(ctx context.Context, w *symbolWorker, sym string, states []model.RuleState) error {
	log := p.rc.Logger.With().Str("symbol", sym).Logger()

	w.rules.Restore(states)

	saved, err := p.rc.Store.LoadIndicators(ctx, sym)
	if err != nil {
		return fmt.Errorf("pipeline resume %s: %w", sym, err)
	}
	restored, skipped := w.ind.Restore(saved)
	savedTS := make(map[model.Timeframe]time.Time)
	for _, v := range saved {
		if len(v.State) > 0 && v.TS.After(savedTS[v.Timeframe]) {
			savedTS[v.Timeframe] = v.TS
		}
	}

	latest, err := p.rc.Store.LatestBar(ctx, sym, p.cfg.Base)
	if err != nil {
		return fmt.Errorf("pipeline resume %s: %w", sym, err)
	}
	if latest == nil {
		log.Debug().Msg("no stored bars")
		return nil
	}

	// Rebuild forming rollups from the start of the widest open window.
	tfs := p.builder.TFs()
	from := latest.OpenTime
	if len(tfs) > 0 {
		from = tfs[len(tfs)-1].Align(latest.OpenTime)
	}
	base, err := p.rc.Store.ReadBars(ctx, sym, p.cfg.Base, from, time.Time{})
	if err != nil {
		return fmt.Errorf("pipeline resume %s: %w", sym, err)
	}
	for _, b := range base {
		if err := p.builder.Prime(b); err != nil {
			return fmt.Errorf("pipeline resume %s: %w", sym, err)
		}
	}

	var caught []model.IndicatorValue
	replayed := 0
	for _, tf := range p.Timeframes() {
		last, err := p.rc.Store.LatestBar(ctx, sym, tf)
		if err != nil {
			return fmt.Errorf("pipeline resume %s: %w", sym, err)
		}
		if last == nil {
			continue
		}
		w.rules.Prime(*last)
		if !w.ind.Configured(tf) {
			continue
		}

		// Warm cold series from history, or catch restored ones up on bars
		// written after their last persisted update.
		start := last.OpenTime.Add(-time.Duration(p.cfg.WarmupBars-1) * tf.Duration())
		if ts, ok := savedTS[tf]; ok {
			start = ts.Add(tf.Duration())
		}
		bars, err := p.rc.Store.ReadBars(ctx, sym, tf, start, time.Time{})
		if err != nil {
			return fmt.Errorf("pipeline resume %s: %w", sym, err)
		}
		for _, b := range bars {
			caught = append(caught, w.ind.Update(b)...)
		}
		replayed += len(bars)
	}
	if vals := w.ind.WithState(latestValues(caught)); len(vals) > 0 {
		if err := p.rc.Store.UpsertIndicators(ctx, vals); err != nil {
			return fmt.Errorf("pipeline resume %s: %w", sym, err)
		}
	}
	log.Info().Int("indicators_restored", restored).Int("indicators_skipped", skipped).
		Int("bars_replayed", replayed).Int("rule_states", len(states)).
		Time("last_bar", latest.OpenTime).Msg("symbol resumed")
	return nil
}
