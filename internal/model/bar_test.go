package model

import (
	"errors"
	"math"
	"testing"
	"time"
)

func validBar() Bar {
	return Bar{
		Symbol: "BTCUSDT", Timeframe: TF1m, OpenTime: time.Unix(600, 0).UTC(),
		Open: 100, High: 105, Low: 95, Close: 101, Volume: 3, Count: 2, Closed: true,
	}
}

func TestBar_Validate(t *testing.T) {
	b := validBar()
	if err := b.Validate(); err != nil {
		t.Fatalf("valid bar rejected: %v", err)
	}

	cases := map[string]func(*Bar){
		"no symbol":      func(b *Bar) { b.Symbol = "" },
		"zero tf":        func(b *Bar) { b.Timeframe = 0 },
		"misaligned":     func(b *Bar) { b.OpenTime = b.OpenTime.Add(time.Second) },
		"nan close":      func(b *Bar) { b.Close = math.NaN() },
		"inf volume":     func(b *Bar) { b.Volume = math.Inf(1) },
		"high below low": func(b *Bar) { b.High, b.Low = 90, 95 },
		"open above":     func(b *Bar) { b.Open = 106 },
		"close below":    func(b *Bar) { b.Close = 94 },
		"negative vol":   func(b *Bar) { b.Volume = -1 },
		"negative count": func(b *Bar) { b.Count = -1 },
	}
	for name, mutate := range cases {
		b := validBar()
		mutate(&b)
		if err := b.Validate(); !errors.Is(err, ErrInvalidBar) {
			t.Errorf("%s: expected ErrInvalidBar, got %v", name, err)
		}
	}
}
