package indicator

import (
	"math"

	"cryptoalerts/internal/model"
	"cryptoalerts/internal/ringbuf"
)

// Regression is a least-squares line through the last period closes against
// their index, oldest first at x = 0. Σx and Σx² are constants, so only Σy,
// Σxy and Σy² are maintained. One type serves four series:
//
//	SLOPE_n   slope in price units per bar
//	R2_n      coefficient of determination of the fit
//	LINREG_n  fitted value at the newest bar (the channel midline)
//	RESID_n   standard deviation of the residuals (the channel half-width)
type Regression struct {
	typ    string
	period int
	win    *ringbuf.Window
	sumY   float64
	sumXY  float64
	sumYY  float64
}

// NewSlope creates a regression slope indicator. period must be >= 2.
func NewSlope(period int) *Regression { return newRegression(TypeSlope, period) }

// NewR2 creates a regression R² indicator. period must be >= 2.
func NewR2(period int) *Regression { return newRegression(TypeR2, period) }

// NewLinReg creates a regression midline indicator. period must be >= 2.
func NewLinReg(period int) *Regression { return newRegression(TypeLinReg, period) }

// NewResid creates a residual standard deviation indicator. period must be >= 2.
func NewResid(period int) *Regression { return newRegression(TypeResid, period) }

func newRegression(typ string, period int) *Regression {
	return &Regression{typ: typ, period: period, win: ringbuf.New(period)}
}

func (r *Regression) Name() string { return seriesName(r.typ, r.period) }

func (r *Regression) Update(bar model.Bar) {
	y := bar.Close
	if !r.win.Full() {
		r.sumXY += float64(r.win.Len()) * y
		r.sumY += y
		r.sumYY += y * y
		r.win.Push(y)
		return
	}
	// Shift every x down by one and append y at x = period-1.
	old, _ := r.win.Push(y)
	r.sumXY = r.sumXY - (r.sumY - old) + float64(r.period-1)*y
	r.sumY = r.sumY - old + y
	r.sumYY = r.sumYY - old*old + y*y
}

// regFit is the solved line over a full window. flat means the closes have
// zero variance, where R² has no meaning.
type regFit struct {
	slope float64
	mid   float64
	r2    float64
	resid float64
	flat  bool
}

func (r *Regression) fit() (regFit, bool) {
	if !r.win.Full() || r.period < 2 {
		return regFit{}, false
	}
	n := float64(r.period)
	sumX := n * (n - 1) / 2
	sumXX := (n - 1) * n * (2*n - 1) / 6
	sxx := sumXX - sumX*sumX/n
	sxy := r.sumXY - sumX*r.sumY/n
	syy := r.sumYY - r.sumY*r.sumY/n

	var f regFit
	f.slope = sxy / sxx
	f.mid = (r.sumY-f.slope*sumX)/n + f.slope*(n-1)
	ssRes := syy - f.slope*sxy
	if ssRes < 0 {
		ssRes = 0 // rounding on a perfect fit
	}
	f.resid = math.Sqrt(ssRes / n)
	if syy > 0 {
		f.r2 = 1 - ssRes/syy
	} else {
		f.flat = true
	}
	return f, true
}

func (r *Regression) Value() (float64, bool) {
	f, ok := r.fit()
	if !ok {
		return 0, false
	}
	var v float64
	switch r.typ {
	case TypeSlope:
		v = f.slope
	case TypeR2:
		if f.flat {
			return 0, false
		}
		v = f.r2
	case TypeLinReg:
		v = f.mid
	default:
		v = f.resid
	}
	return v, finite(v)
}

func (r *Regression) Snapshot() Snapshot {
	return Snapshot{Type: r.typ, Period: r.period, Buf: r.win.Values(), Count: r.win.Len(),
		Sum: r.sumY, SumXY: r.sumXY, SumSq: r.sumYY}
}

func (r *Regression) Restore(snap Snapshot) error {
	if err := snap.check(r.typ, r.period); err != nil {
		return err
	}
	r.win = ringbuf.Restore(r.period, snap.Buf)
	r.sumY = snap.Sum
	r.sumXY = snap.SumXY
	r.sumYY = snap.SumSq
	return nil
}
