package model

import "time"

// IndicatorValue is the latest value of one derived series, keyed by
// (symbol, timeframe, name). Defined=false is the "undefined" state: the
// indicator is not warmed up or its formula has no value (e.g. zero
// variance). State carries the opaque incremental accumulator.
type IndicatorValue struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"tf"`
	Name      string    `json:"name"` // e.g. "EMA_20", "VOLMEAN_30"
	TS        time.Time `json:"ts"`   // open time of the bar that produced it
	Value     float64   `json:"value"`
	Defined   bool      `json:"defined"`
	State     []byte    `json:"state,omitempty"`
}
