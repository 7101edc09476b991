// Package agg builds base-timeframe bars (default 1m) from a stream of ticks.
package agg

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"cryptoalerts/internal/model"
)

// barState holds the in-progress bar for one symbol in the current bucket.
type barState struct {
	bucket int64 // Unix second of the bucket start
	bar    model.Bar
}

// Aggregator builds base bars from ticks, one open bar per symbol. Ingest
// for a given symbol must be called sequentially; different symbols may be
// ingested from different goroutines.
type Aggregator struct {
	mu         sync.Mutex
	tf         model.Timeframe
	states     map[string]*barState
	lastClosed map[string]int64 // bucket of the last emitted bar per symbol

	// Metrics hooks (optional, set externally)
	OnDroppedTick func()
}

// New creates an Aggregator producing bars of timeframe tf.
func New(tf model.Timeframe) *Aggregator {
	return &Aggregator{
		tf:         tf,
		states:     make(map[string]*barState),
		lastClosed: make(map[string]int64),
	}
}

// Timeframe returns the bar timeframe produced.
func (a *Aggregator) Timeframe() model.Timeframe { return a.tf }

// Ingest folds a tick into its symbol's open bar. When the tick opens a new
// bucket the previous bar is closed and returned. A tick older than the open
// bucket (or any already-closed bucket) is dropped with ErrOutOfOrderInput.
func (a *Aggregator) Ingest(t model.Tick) (*model.Bar, error) {
	if t.Symbol == "" || !(t.Price > 0) || math.IsInf(t.Price, 0) || t.Qty < 0 || math.IsNaN(t.Qty) {
		return nil, fmt.Errorf("agg: invalid tick %+v", t)
	}
	bucket := a.tf.Align(t.TS).Unix()

	a.mu.Lock()
	defer a.mu.Unlock()

	state, exists := a.states[t.Symbol]
	last, closedBefore := a.lastClosed[t.Symbol]

	if (exists && bucket < state.bucket) || (closedBefore && bucket <= last) {
		if a.OnDroppedTick != nil {
			a.OnDroppedTick()
		}
		return nil, fmt.Errorf("agg: tick %s at %s: %w", t.Symbol, t.TS.Format(time.RFC3339Nano), model.ErrOutOfOrderInput)
	}

	var closed *model.Bar
	if exists && bucket > state.bucket {
		b := a.close(t.Symbol, state)
		closed = &b
		exists = false
	}

	if !exists {
		a.states[t.Symbol] = &barState{
			bucket: bucket,
			bar: model.Bar{
				Symbol:    t.Symbol,
				Timeframe: a.tf,
				OpenTime:  time.Unix(bucket, 0).UTC(),
				Open:      t.Price,
				High:      t.Price,
				Low:       t.Price,
				Close:     t.Price,
				Volume:    t.Qty,
				Count:     1,
			},
		}
		return closed, nil
	}

	b := &state.bar
	if t.Price > b.High {
		b.High = t.Price
	}
	if t.Price < b.Low {
		b.Low = t.Price
	}
	b.Close = t.Price
	b.Volume += t.Qty
	b.Count++
	return closed, nil
}

// FlushBefore closes every open bar whose close time is at or before now,
// ordered by (open time, symbol). Used by live mode when a symbol goes quiet.
func (a *Aggregator) FlushBefore(now time.Time) []model.Bar {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []model.Bar
	for sym, state := range a.states {
		if !state.bar.CloseTime().After(now) {
			out = append(out, a.close(sym, state))
		}
	}
	sortBars(out)
	return out
}

// Flush closes the open bar of symbol, if any.
func (a *Aggregator) Flush(symbol string) *model.Bar {
	a.mu.Lock()
	defer a.mu.Unlock()

	state, ok := a.states[symbol]
	if !ok {
		return nil
	}
	b := a.close(symbol, state)
	return &b
}

// FlushAll closes all open bars regardless of bucket (shutdown).
func (a *Aggregator) FlushAll() []model.Bar {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]model.Bar, 0, len(a.states))
	for sym, state := range a.states {
		out = append(out, a.close(sym, state))
	}
	sortBars(out)
	return out
}

// close must be called with a.mu held.
func (a *Aggregator) close(symbol string, state *barState) model.Bar {
	b := state.bar
	b.Closed = true
	a.lastClosed[symbol] = state.bucket
	delete(a.states, symbol)
	return b
}

func sortBars(bars []model.Bar) {
	sort.Slice(bars, func(i, j int) bool {
		if !bars[i].OpenTime.Equal(bars[j].OpenTime) {
			return bars[i].OpenTime.Before(bars[j].OpenTime)
		}
		return bars[i].Symbol < bars[j].Symbol
	})
}
