package indicator

import (
	"cryptoalerts/internal/model"
	"cryptoalerts/internal/ringbuf"
)

// SMA calculates Simple Moving Average of closes over a rolling window.
type SMA struct {
	period int
	win    *ringbuf.Window
	sum    float64
}

// NewSMA creates a new SMA indicator with the given period.
func NewSMA(period int) *SMA {
	return &SMA{period: period, win: ringbuf.New(period)}
}

func (s *SMA) Name() string { return seriesName(TypeSMA, s.period) }

func (s *SMA) Update(bar model.Bar) {
	if old, ok := s.win.Push(bar.Close); ok {
		s.sum -= old
	}
	s.sum += bar.Close
}

func (s *SMA) Value() (float64, bool) {
	if !s.win.Full() {
		return 0, false
	}
	v := s.sum / float64(s.period)
	return v, finite(v)
}

func (s *SMA) Snapshot() Snapshot {
	return Snapshot{Type: TypeSMA, Period: s.period, Buf: s.win.Values(), Count: s.win.Len(), Sum: s.sum}
}

func (s *SMA) Restore(snap Snapshot) error {
	if err := snap.check(TypeSMA, s.period); err != nil {
		return err
	}
	s.win = ringbuf.Restore(s.period, snap.Buf)
	s.sum = snap.Sum
	return nil
}
