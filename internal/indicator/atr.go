package indicator

import (
	"math"

	"cryptoalerts/internal/model"
)

// ATR is the Average True Range with Wilder smoothing. The first true range
// is high-low; the first ATR is the mean of the first period true ranges.
type ATR struct {
	period    int
	count     int
	prevClose float64
	sum       float64
	current   float64
}

// NewATR creates a new ATR indicator with the given period (typically 14).
func NewATR(period int) *ATR {
	return &ATR{period: period}
}

func (a *ATR) Name() string { return seriesName(TypeATR, a.period) }

func (a *ATR) Update(bar model.Bar) {
	tr := bar.High - bar.Low
	if a.count > 0 {
		tr = math.Max(tr, math.Max(math.Abs(bar.High-a.prevClose), math.Abs(bar.Low-a.prevClose)))
	}
	a.prevClose = bar.Close
	a.count++

	if a.count <= a.period {
		a.sum += tr
		if a.count == a.period {
			a.current = a.sum / float64(a.period)
		}
		return
	}
	p := float64(a.period)
	a.current = (a.current*(p-1) + tr) / p
}

func (a *ATR) Value() (float64, bool) {
	return a.current, a.count >= a.period && finite(a.current)
}

func (a *ATR) Snapshot() Snapshot {
	return Snapshot{Type: TypeATR, Period: a.period, Count: a.count, PrevClose: a.prevClose, Sum: a.sum, Current: a.current}
}

func (a *ATR) Restore(snap Snapshot) error {
	if err := snap.check(TypeATR, a.period); err != nil {
		return err
	}
	a.count = snap.Count
	a.prevClose = snap.PrevClose
	a.sum = snap.Sum
	a.current = snap.Current
	return nil
}
