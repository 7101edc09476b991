package indicator

import (
	"math"

	"cryptoalerts/internal/model"
	"cryptoalerts/internal/ringbuf"
)

// VolMean is the mean volume of the period bars preceding the current one.
// The current bar is excluded so it can be compared against its baseline.
type VolMean struct {
	period  int
	win     *ringbuf.Window
	sum     float64
	current float64
	ready   bool
}

// NewVolMean creates a new volume baseline over period previous bars.
func NewVolMean(period int) *VolMean {
	return &VolMean{period: period, win: ringbuf.New(period)}
}

func (v *VolMean) Name() string { return seriesName(TypeVolMean, v.period) }

func (v *VolMean) Update(bar model.Bar) {
	v.ready = v.win.Full()
	if v.ready {
		v.current = v.sum / float64(v.period)
	}
	if old, ok := v.win.Push(bar.Volume); ok {
		v.sum -= old
	}
	v.sum += bar.Volume
}

func (v *VolMean) Value() (float64, bool) {
	return v.current, v.ready && finite(v.current)
}

func (v *VolMean) Snapshot() Snapshot {
	return Snapshot{Type: TypeVolMean, Period: v.period, Buf: v.win.Values(), Count: v.win.Len(),
		Sum: v.sum, Current: v.current, Ready: v.ready}
}

func (v *VolMean) Restore(snap Snapshot) error {
	if err := snap.check(TypeVolMean, v.period); err != nil {
		return err
	}
	v.win = ringbuf.Restore(v.period, snap.Buf)
	v.sum = snap.Sum
	v.current = snap.Current
	v.ready = snap.Ready
	return nil
}

// VolZ is the z-score of the current bar's volume against the population
// mean and standard deviation of the period bars before it. Undefined while
// warming up or when the baseline has zero variance.
type VolZ struct {
	period  int
	win     *ringbuf.Window
	sum     float64
	sumSq   float64
	current float64
	ready   bool
}

// NewVolZ creates a new volume z-score over period previous bars.
func NewVolZ(period int) *VolZ {
	return &VolZ{period: period, win: ringbuf.New(period)}
}

func (z *VolZ) Name() string { return seriesName(TypeVolZ, z.period) }

func (z *VolZ) Update(bar model.Bar) {
	z.ready = false
	if z.win.Full() && z.period >= 2 {
		n := float64(z.period)
		mean := z.sum / n
		variance := z.sumSq/n - mean*mean
		// Running sums leave rounding residue; treat it as zero variance.
		if variance > 1e-12*math.Max(1, mean*mean) {
			z.current = (bar.Volume - mean) / math.Sqrt(variance)
			z.ready = finite(z.current)
		}
	}
	if old, ok := z.win.Push(bar.Volume); ok {
		z.sum -= old
		z.sumSq -= old * old
	}
	z.sum += bar.Volume
	z.sumSq += bar.Volume * bar.Volume
}

func (z *VolZ) Value() (float64, bool) {
	return z.current, z.ready
}

func (z *VolZ) Snapshot() Snapshot {
	return Snapshot{Type: TypeVolZ, Period: z.period, Buf: z.win.Values(), Count: z.win.Len(),
		Sum: z.sum, SumSq: z.sumSq, Current: z.current, Ready: z.ready}
}

func (z *VolZ) Restore(snap Snapshot) error {
	if err := snap.check(TypeVolZ, z.period); err != nil {
		return err
	}
	z.win = ringbuf.Restore(z.period, snap.Buf)
	z.sum = snap.Sum
	z.sumSq = snap.SumSq
	z.current = snap.Current
	z.ready = snap.Ready
	return nil
}
