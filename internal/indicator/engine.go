package indicator

import (
	"time"

	"github.com/rs/zerolog"

	"cryptoalerts/internal/model"
)

// TFConfig groups the indicators computed for one timeframe.
type TFConfig struct {
	Timeframe model.Timeframe
	Specs     []Spec
}

// seriesIndicators holds live indicator instances for one (symbol, tf).
type seriesIndicators struct {
	indicators []Indicator
}

// Engine computes the configured indicators for every (symbol, timeframe)
// series it is fed. Designed for single-goroutine usage; the pipeline gives
// each symbol worker its own engine.
type Engine struct {
	specs  map[model.Timeframe][]Spec
	state  map[string]*seriesIndicators
	logger zerolog.Logger
}

// NewEngine creates an indicator engine with the given per-TF configs.
func NewEngine(configs []TFConfig, logger zerolog.Logger) *Engine {
	specs := make(map[model.Timeframe][]Spec, len(configs))
	for _, c := range configs {
		specs[c.Timeframe] = append(specs[c.Timeframe], c.Specs...)
	}
	return &Engine{
		specs:  specs,
		state:  make(map[string]*seriesIndicators, 16),
		logger: logger.With().Str("component", "indicator").Logger(),
	}
}

// Configured reports whether any indicator runs on tf.
func (e *Engine) Configured(tf model.Timeframe) bool {
	return len(e.specs[tf]) > 0
}

// Update feeds a closed bar and returns every indicator value of its series,
// undefined ones included. Values carry no state blob; see WithState.
func (e *Engine) Update(bar model.Bar) []model.IndicatorValue {
	si := e.series(bar.Symbol, bar.Timeframe)
	if si == nil {
		return nil
	}
	out := make([]model.IndicatorValue, 0, len(si.indicators))
	for _, ind := range si.indicators {
		ind.Update(bar)
		out = append(out, valueOf(bar.Symbol, bar.Timeframe, bar.OpenTime, ind))
	}
	return out
}

// WithState attaches the encoded current state of the matching indicator to
// each value. Only the latest value of a series matches the current state,
// so callers pass the values they are about to persist.
func (e *Engine) WithState(values []model.IndicatorValue) []model.IndicatorValue {
	out := make([]model.IndicatorValue, 0, len(values))
	for _, v := range values {
		if si := e.state[model.SeriesKey(v.Symbol, v.Timeframe)]; si != nil {
			for _, ind := range si.indicators {
				if ind.Name() == v.Name {
					v.State = ind.Snapshot().Encode()
					break
				}
			}
		}
		out = append(out, v)
	}
	return out
}

// Values returns the current values of a series without updating it.
func (e *Engine) Values(symbol string, tf model.Timeframe) map[string]model.IndicatorValue {
	si := e.state[model.SeriesKey(symbol, tf)]
	if si == nil {
		return nil
	}
	out := make(map[string]model.IndicatorValue, len(si.indicators))
	for _, ind := range si.indicators {
		v, ok := ind.Value()
		out[ind.Name()] = model.IndicatorValue{Symbol: symbol, Timeframe: tf, Name: ind.Name(), Value: v, Defined: ok}
	}
	return out
}

// Restore loads persisted state blobs. Values are matched by series name;
// indicators no longer configured are skipped, newly configured ones start
// cold. Returns how many were restored and how many were skipped.
func (e *Engine) Restore(values []model.IndicatorValue) (restored, skipped int) {
	for _, v := range values {
		si := e.series(v.Symbol, v.Timeframe)
		if si == nil || len(v.State) == 0 {
			skipped++
			continue
		}
		var target Indicator
		for _, ind := range si.indicators {
			if ind.Name() == v.Name {
				target = ind
				break
			}
		}
		if target == nil {
			skipped++
			continue
		}
		snap, err := DecodeSnapshot(v.State)
		if err == nil {
			err = target.Restore(snap)
		}
		if err != nil {
			e.logger.Warn().Err(err).Str("series", v.Name).Str("symbol", v.Symbol).
				Stringer("tf", v.Timeframe).Msg("cold-starting indicator")
			skipped++
			continue
		}
		restored++
	}
	return restored, skipped
}

func (e *Engine) series(symbol string, tf model.Timeframe) *seriesIndicators {
	key := model.SeriesKey(symbol, tf)
	if si, ok := e.state[key]; ok {
		return si
	}
	specs := e.specs[tf]
	if len(specs) == 0 {
		return nil
	}
	si := &seriesIndicators{indicators: make([]Indicator, 0, len(specs))}
	for _, s := range specs {
		ind, err := New(s)
		if err != nil {
			// Specs are validated by ParseSpec; an invalid one here is skipped.
			e.logger.Error().Err(err).Msg("skipping indicator")
			continue
		}
		si.indicators = append(si.indicators, ind)
	}
	e.state[key] = si
	return si
}

func valueOf(symbol string, tf model.Timeframe, ts time.Time, ind Indicator) model.IndicatorValue {
	v, ok := ind.Value()
	if !ok {
		v = 0
	}
	return model.IndicatorValue{
		Symbol:    symbol,
		Timeframe: tf,
		Name:      ind.Name(),
		TS:        ts,
		Value:     v,
		Defined:   ok,
	}
}
