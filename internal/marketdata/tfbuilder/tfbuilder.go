// Package tfbuilder rolls base-timeframe bars up into higher timeframes.
// Each (symbol, timeframe) keeps one forming bar updated in O(1) per base
// bar. Gaps in the base series are always filled with carried-forward bars,
// so a series never has a timestamp discontinuity. The builder does no I/O:
// the caller persists the closed bars it returns and calls Reset when that
// fails.
package tfbuilder

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"cryptoalerts/internal/model"
)

// symbolState holds the forming rollups for one symbol.
type symbolState struct {
	last    *model.Bar   // last applied base bar
	forming []*model.Bar // indexed like Builder.tfs; nil when no bar is forming
}

// Builder resamples base bars into the configured target timeframes.
// Ingest for one symbol must be sequential; symbols are independent.
type Builder struct {
	base  model.Timeframe
	tfs   []model.Timeframe // ascending

	mu      sync.Mutex
	symbols map[string]*symbolState

	// LargeGap is the gap length (in base bars) from which OnLargeGap is
	// called. The gap is filled either way. 0 disables the hook.
	LargeGap int

	// Metrics hooks (optional)
	OnClosedBar  func(b model.Bar)
	OnGapFill    func(n int)
	OnLargeGap   func(symbol string, n int)
	OnOutOfOrder func()
}

// New creates a builder for base bars of timeframe base, rolling up into
// tfs. Each target must be a multiple of base; others are ignored.
func New(base model.Timeframe, tfs []model.Timeframe) *Builder {
	targets := make([]model.Timeframe, 0, len(tfs))
	for _, tf := range tfs {
		if tf > base && tf.Seconds()%base.Seconds() == 0 {
			targets = append(targets, tf)
		}
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })
	return &Builder{
		base:    base,
		tfs:     targets,
		symbols: make(map[string]*symbolState, 64),
	}
}

// Base returns the base timeframe.
func (b *Builder) Base() model.Timeframe { return b.base }

// TFs returns the rollup timeframes, ascending.
func (b *Builder) TFs() []model.Timeframe { return b.tfs }

// Ingest applies one closed base bar. It returns every bar closed as a
// consequence (gap fills, the base bar itself and completed rollups),
// ordered by (close time, timeframe).
func (b *Builder) Ingest(bar model.Bar) ([]model.Bar, error) {
	closed, err := b.apply(bar, true)
	if err != nil {
		return nil, err
	}
	if b.OnClosedBar != nil {
		for _, c := range closed {
			b.OnClosedBar(c)
		}
	}
	return closed, nil
}

// Prime replays a stored base bar into the accumulators without writing or
// emitting anything. Used at restart to rebuild forming rollups.
func (b *Builder) Prime(bar model.Bar) error {
	_, err := b.apply(bar, false)
	return err
}

// Reset forgets everything about symbol. The next bar starts a fresh
// series; Prime can rebuild it from stored bars first.
func (b *Builder) Reset(symbol string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.symbols, symbol)
}

// Last returns the last applied base bar of symbol.
func (b *Builder) Last(symbol string) (model.Bar, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.symbols[symbol]
	if !ok || st.last == nil {
		return model.Bar{}, false
	}
	return *st.last, true
}

func (b *Builder) apply(bar model.Bar, fill bool) ([]model.Bar, error) {
	if bar.Timeframe == 0 {
		bar.Timeframe = b.base
	}
	if bar.Timeframe != b.base {
		return nil, fmt.Errorf("tfbuilder: bar %s has timeframe %s, want %s", bar.Symbol, bar.Timeframe, b.base)
	}
	if err := bar.Validate(); err != nil {
		return nil, fmt.Errorf("tfbuilder: %w", err)
	}
	bar.OpenTime = bar.OpenTime.UTC()
	bar.Closed = true

	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.symbols[bar.Symbol]
	if !ok {
		st = &symbolState{forming: make([]*model.Bar, len(b.tfs))}
		b.symbols[bar.Symbol] = st
	}

	if st.last != nil && !bar.OpenTime.After(st.last.OpenTime) {
		if b.OnOutOfOrder != nil {
			b.OnOutOfOrder()
		}
		return nil, fmt.Errorf("tfbuilder: bar %s at %s not after %s: %w",
			bar.Symbol, bar.OpenTime.Format(time.RFC3339), st.last.OpenTime.Format(time.RFC3339), model.ErrOutOfOrderInput)
	}

	var out []model.Bar
	if st.last != nil {
		next := st.last.CloseTime()
		gap := int(bar.OpenTime.Sub(next) / b.base.Duration())
		if gap > 0 && fill {
			if b.LargeGap > 0 && gap >= b.LargeGap && b.OnLargeGap != nil {
				b.OnLargeGap(bar.Symbol, gap)
			}
			prevClose := st.last.Close
			for t := next; t.Before(bar.OpenTime); t = t.Add(b.base.Duration()) {
				out = b.step(st, model.CarryForward(bar.Symbol, b.base, t, prevClose), out)
			}
			if b.OnGapFill != nil {
				b.OnGapFill(gap)
			}
		}
	}
	out = b.step(st, bar, out)

	sort.SliceStable(out, func(i, j int) bool {
		ci, cj := out[i].CloseTime(), out[j].CloseTime()
		if !ci.Equal(cj) {
			return ci.Before(cj)
		}
		return out[i].Timeframe < out[j].Timeframe
	})
	return out, nil
}

// step applies one base bar to every rollup of st and appends the closed bars.
func (b *Builder) step(st *symbolState, bar model.Bar, out []model.Bar) []model.Bar {
	for i, tf := range b.tfs {
		open := tf.Align(bar.OpenTime)
		f := st.forming[i]

		// A later bar crossed the boundary of an unfinished window.
		if f != nil && !f.OpenTime.Equal(open) {
			c := *f
			c.Closed = true
			out = append(out, c)
			st.forming[i] = nil
			f = nil
		}

		if f == nil {
			nb := bar
			nb.Timeframe = tf
			nb.OpenTime = open
			nb.Count = 1
			nb.Closed = false
			st.forming[i] = &nb
			f = &nb
		} else {
			filled := f.Filled && bar.Filled
			f.Merge(bar)
			f.Filled = filled
		}

		// The base bar ending this window completes it.
		if !bar.CloseTime().Before(f.CloseTime()) {
			c := *f
			c.Closed = true
			out = append(out, c)
			st.forming[i] = nil
		}
	}
	out = append(out, bar)
	last := bar
	st.last = &last
	return out
}
