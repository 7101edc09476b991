package model

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Bar is a fixed-interval OHLCV summary for one symbol and timeframe.
// OpenTime is always aligned to the timeframe. A bar is owned by the
// aggregator while open and becomes immutable once Closed is set.
type Bar struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"tf"`
	OpenTime  time.Time `json:"open_time"` // UTC, timeframe-aligned
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Count     int       `json:"count"`  // number of inputs merged
	Closed    bool      `json:"closed"` // immutable once true
	Filled    bool      `json:"filled"` // carried-forward gap bar
}

// CloseTime is the exclusive end of the bar window.
func (b *Bar) CloseTime() time.Time {
	return b.OpenTime.Add(b.Timeframe.Duration())
}

// Key returns "symbol|tf", the identity of the series this bar belongs to.
func (b *Bar) Key() string {
	return SeriesKey(b.Symbol, b.Timeframe)
}

// Validate checks that the bar is internally consistent: a symbol, a valid
// aligned timeframe, finite prices with low <= open, close <= high and a
// non-negative volume. Errors wrap ErrInvalidBar.
func (b *Bar) Validate() error {
	switch {
	case b.Symbol == "":
		return fmt.Errorf("%w: missing symbol", ErrInvalidBar)
	case !b.Timeframe.Valid():
		return fmt.Errorf("%w: %s has invalid timeframe %s", ErrInvalidBar, b.Symbol, b.Timeframe)
	case !b.Timeframe.Aligned(b.OpenTime):
		return fmt.Errorf("%w: %s open time %s not aligned to %s", ErrInvalidBar, b.Key(), b.OpenTime, b.Timeframe)
	}
	for _, v := range [...]float64{b.Open, b.High, b.Low, b.Close, b.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s@%s has a non-finite value", ErrInvalidBar, b.Key(), b.OpenTime)
		}
	}
	if b.High < b.Low || b.Open > b.High || b.Open < b.Low || b.Close > b.High || b.Close < b.Low {
		return fmt.Errorf("%w: %s@%s OHLC %v/%v/%v/%v out of range", ErrInvalidBar, b.Key(), b.OpenTime,
			b.Open, b.High, b.Low, b.Close)
	}
	if b.Volume < 0 || b.Count < 0 {
		return fmt.Errorf("%w: %s@%s negative volume or count", ErrInvalidBar, b.Key(), b.OpenTime)
	}
	return nil
}

// JSON returns the JSON-encoded bar (ignoring errors for hot-path usage).
func (b *Bar) JSON() []byte {
	out, _ := json.Marshal(b)
	return out
}

// SeriesKey identifies a (symbol, timeframe) series.
func SeriesKey(symbol string, tf Timeframe) string {
	return symbol + "|" + tf.String()
}

// Merge folds a lower-timeframe bar that lies inside this bar's window.
func (b *Bar) Merge(in Bar) {
	if in.High > b.High {
		b.High = in.High
	}
	if in.Low < b.Low {
		b.Low = in.Low
	}
	b.Close = in.Close
	b.Volume += in.Volume
	b.Count++
}

// CarryForward builds a zero-volume bar at openTime whose OHLC all equal the
// previous close.
func CarryForward(symbol string, tf Timeframe, openTime time.Time, prevClose float64) Bar {
	return Bar{
		Symbol:    symbol,
		Timeframe: tf,
		OpenTime:  openTime,
		Open:      prevClose,
		High:      prevClose,
		Low:       prevClose,
		Close:     prevClose,
		Closed:    true,
		Filled:    true,
	}
}
