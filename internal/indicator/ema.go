package indicator

import "cryptoalerts/internal/model"

// EMA calculates Exponential Moving Average of closes, seeded with the SMA
// of the first period closes. O(1) per update, no window storage.
type EMA struct {
	period     int
	multiplier float64
	current    float64
	count      int
	sum        float64
}

// NewEMA creates a new EMA indicator with the given period.
func NewEMA(period int) *EMA {
	return &EMA{
		period:     period,
		multiplier: 2.0 / float64(period+1),
	}
}

func (e *EMA) Name() string { return seriesName(TypeEMA, e.period) }

func (e *EMA) Update(bar model.Bar) {
	price := bar.Close
	e.count++

	if e.count <= e.period {
		// Accumulate for initial SMA seed
		e.sum += price
		if e.count == e.period {
			e.current = e.sum / float64(e.period)
		}
		return
	}

	e.current = (price * e.multiplier) + (e.current * (1 - e.multiplier))
}

func (e *EMA) Value() (float64, bool) {
	return e.current, e.count >= e.period && finite(e.current)
}

func (e *EMA) Snapshot() Snapshot {
	return Snapshot{Type: TypeEMA, Period: e.period, Current: e.current, Count: e.count, Sum: e.sum}
}

func (e *EMA) Restore(snap Snapshot) error {
	if err := snap.check(TypeEMA, e.period); err != nil {
		return err
	}
	e.current = snap.Current
	e.count = snap.Count
	e.sum = snap.Sum
	return nil
}
