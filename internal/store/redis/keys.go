package redis

import (
	"encoding/json"

	"cryptoalerts/internal/model"
)

// BarStreamKey is the stream of closed bars of a series, e.g. "bars:5m:BTCUSDT".
func BarStreamKey(symbol string, tf model.Timeframe) string {
	return "bars:" + tf.String() + ":" + symbol
}

// BarLatestKey holds the last closed bar of a series.
func BarLatestKey(symbol string, tf model.Timeframe) string {
	return "bar:" + tf.String() + ":latest:" + symbol
}

// BarChannel is the pub/sub channel for closed bars of a series.
func BarChannel(symbol string, tf model.Timeframe) string {
	return "pub:bar:" + tf.String() + ":" + symbol
}

func IndicatorStreamKey(symbol string, tf model.Timeframe, name string) string {
	return "ind:" + name + ":" + tf.String() + ":" + symbol
}

func IndicatorLatestKey(symbol string, tf model.Timeframe, name string) string {
	return "ind:" + name + ":" + tf.String() + ":latest:" + symbol
}

// IndicatorChannel carries every indicator of a series.
func IndicatorChannel(symbol string, tf model.Timeframe) string {
	return "pub:ind:" + tf.String() + ":" + symbol
}

type indicatorDTO struct {
	Symbol string  `json:"symbol"`
	TF     string  `json:"tf"`
	Name   string  `json:"name"`
	TS     int64   `json:"ts"`
	Value  float64 `json:"value"`
}

func indicatorJSON(v *model.IndicatorValue) string {
	b, _ := json.Marshal(indicatorDTO{
		Symbol: v.Symbol,
		TF:     v.Timeframe.String(),
		Name:   v.Name,
		TS:     v.TS.UnixMilli(),
		Value:  v.Value,
	})
	return string(b)
}
