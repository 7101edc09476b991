package model

import "time"

// Tick is a single trade/price print for one symbol as handed over by a
// market-data connector.
type Tick struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Qty    float64   `json:"qty"`
	TS     time.Time `json:"ts"` // UTC
}
