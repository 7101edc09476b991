// Package indicator provides incremental technical indicators over closed bars.
//
// Every indicator is O(1) per bar, carries its own explicit state and can be
// snapshotted and restored exactly. A value that is not warmed up or has no
// numeric meaning (zero variance, zero denominator) is reported as undefined.
package indicator

import (
	"math"
	"strconv"

	"cryptoalerts/internal/model"
)

// Indicator is the interface for all technical indicators.
type Indicator interface {
	// Name returns the series name, e.g. "EMA_20".
	Name() string

	// Update feeds the next closed bar.
	Update(bar model.Bar)

	// Value returns the current value and whether it is defined.
	Value() (float64, bool)

	// Snapshot captures the incremental state.
	Snapshot() Snapshot

	// Restore replaces the state with a snapshot of the same type.
	Restore(snap Snapshot) error
}

func seriesName(typ string, period int) string {
	return typ + "_" + strconv.Itoa(period)
}

// finite reports whether v is a usable number.
func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
