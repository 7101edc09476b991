package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"cryptoalerts/internal/marketdata/replay"
	"cryptoalerts/internal/model"
	"cryptoalerts/internal/pipeline"
	"cryptoalerts/internal/store/sqlite"
)

// Once ingests a JSON array of closed base bars into the live store,
// evaluates rules over them and dispatches the resulting events.
func (a *App) Once(ctx context.Context, in io.Reader) error {
	var bars []model.Bar
	if err := json.NewDecoder(in).Decode(&bars); err != nil {
		return fmt.Errorf("decode bars: %w", err)
	}

	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	rs, err := a.loadRules()
	if err != nil {
		return err
	}
	pcfg, err := a.pipelineConfig()
	if err != nil {
		return err
	}

	ctx, rc := pipeline.NewRunContext(ctx, store, a.Logger)
	defer rc.Close()
	p, err := pipeline.New(pcfg, rs, rc)
	if err != nil {
		return err
	}
	if err := p.Resume(ctx); err != nil {
		return err
	}
	events, err := p.RunOnce(ctx, bars)
	if err != nil {
		return err
	}

	router, err := a.newRouter(store, nil, nil)
	if err != nil {
		return err
	}
	dispatched, err := router.Drain(ctx)
	if err != nil {
		return err
	}
	a.Logger.Info().Int("bars", len(bars)).Int("events", len(events)).Int("dispatched", dispatched).Msg("batch done")
	return nil
}

// RetryFailed re-dispatches failed deliveries of channel ("" = all).
func (a *App) RetryFailed(ctx context.Context, channel string) (int, error) {
	store, err := a.openStore()
	if err != nil {
		return 0, err
	}
	defer store.Close()

	router, err := a.newRouter(store, nil, nil)
	if err != nil {
		return 0, err
	}
	n, err := router.RetryFailed(ctx, channel)
	if err != nil {
		return n, err
	}
	a.Logger.Info().Int("events", n).Str("channel", channel).Msg("failed deliveries retried")
	return n, nil
}

// Deliveries writes delivery records with status ("" = all) as JSON lines.
func (a *App) Deliveries(ctx context.Context, status model.DeliveryStatus, limit int, w io.Writer) error {
	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	recs, err := store.ListDeliveries(ctx, status, limit)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	for _, r := range recs {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

// BacktestOptions selects the history a backtest replays.
type BacktestOptions struct {
	Symbols []string
	From    time.Time
	To      time.Time
	Speed   float64 // > 0 streams bars through the live-mode pipeline
	Out     io.Writer
}

// Backtest replays stored base bars against the configured rules on a
// scratch store and exports the events as JSON.
func (a *App) Backtest(ctx context.Context, opts BacktestOptions) error {
	source, err := a.openStore()
	if err != nil {
		return err
	}
	defer source.Close()

	rs, err := a.loadRules()
	if err != nil {
		return err
	}
	pcfg, err := a.pipelineConfig()
	if err != nil {
		return err
	}
	r := replay.New(source, pcfg, rs, a.Logger)

	var events []model.AlertEvent
	if opts.Speed > 0 {
		events, err = a.streamBacktest(ctx, r, pcfg, opts)
	} else {
		events, err = r.Run(ctx, opts.Symbols, pcfg.Base, opts.From, opts.To)
	}
	if err != nil {
		return err
	}
	return replay.Export(opts.Out, events)
}

// streamBacktest paces bars through pipeline.Run, logging events as they
// fire.
func (a *App) streamBacktest(ctx context.Context, r *replay.Replayer, pcfg pipeline.Config, opts BacktestOptions) ([]model.AlertEvent, error) {
	scratch, err := sqlite.Open(sqlite.Config{DBPath: ":memory:"}, zerolog.Nop())
	if err != nil {
		return nil, err
	}
	defer scratch.Close()

	rs, err := a.loadRules()
	if err != nil {
		return nil, err
	}
	ctx, rc := pipeline.NewRunContext(ctx, scratch, a.Logger)
	defer rc.Close()
	p, err := pipeline.New(pcfg, rs, rc)
	if err != nil {
		return nil, err
	}

	var (
		mu     sync.Mutex
		events []model.AlertEvent
	)
	p.OnEvents = func(evs []model.AlertEvent) {
		mu.Lock()
		events = append(events, evs...)
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	in := make(chan pipeline.Input, 64)
	streamErr := make(chan error, 1)
	go func() {
		defer close(in)
		streamErr <- r.Stream(ctx, opts.Symbols, pcfg.Base, opts.From, opts.To, opts.Speed, in)
	}()
	if err := p.Run(ctx, in); err != nil {
		return nil, err
	}
	if err := <-streamErr; err != nil {
		return nil, err
	}
	mu.Lock()
	defer mu.Unlock()
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.TS.Equal(b.TS) {
			return a.TS.Before(b.TS)
		}
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		return a.RuleID < b.RuleID
	})
	return events, nil
}
