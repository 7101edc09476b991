package agg

import (
	"errors"
	"testing"
	"time"

	"cryptoalerts/internal/model"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func tick(sym string, offset time.Duration, price, qty float64) model.Tick {
	return model.Tick{Symbol: sym, Price: price, Qty: qty, TS: base.Add(offset)}
}

func TestAggregator_BasicBar(t *testing.T) {
	a := New(model.TF1m)

	for _, tk := range []model.Tick{
		tick("BTCUSDT", 0, 50000, 1),
		tick("BTCUSDT", 10*time.Second, 50500, 2),
		tick("BTCUSDT", 40*time.Second, 49800, 0.5),
	} {
		closed, err := a.Ingest(tk)
		if err != nil || closed != nil {
			t.Fatalf("unexpected close/err within bucket: %v %v", closed, err)
		}
	}

	closed, err := a.Ingest(tick("BTCUSDT", 61*time.Second, 50100, 1))
	if err != nil {
		t.Fatal(err)
	}
	if closed == nil {
		t.Fatal("expected the first bar to close")
	}
	c := *closed
	if c.Open != 50000 || c.High != 50500 || c.Low != 49800 || c.Close != 49800 {
		t.Errorf("unexpected OHLC %+v", c)
	}
	if c.Volume != 3.5 || c.Count != 3 || !c.Closed {
		t.Errorf("unexpected volume/count/closed %+v", c)
	}
	if !c.OpenTime.Equal(base) || c.Timeframe != model.TF1m {
		t.Errorf("unexpected open time %s", c.OpenTime)
	}
}

func TestAggregator_LateTickDropped(t *testing.T) {
	a := New(model.TF1m)
	dropped := 0
	a.OnDroppedTick = func() { dropped++ }

	a.Ingest(tick("ETHUSDT", 2*time.Minute, 3000, 1))
	_, err := a.Ingest(tick("ETHUSDT", 30*time.Second, 2990, 1))
	if !errors.Is(err, model.ErrOutOfOrderInput) {
		t.Fatalf("expected ErrOutOfOrderInput, got %v", err)
	}
	if dropped != 1 {
		t.Errorf("expected dropped=1, got %d", dropped)
	}

	// A late tick for an already flushed bucket is also rejected.
	a.Flush("ETHUSDT")
	if _, err := a.Ingest(tick("ETHUSDT", 2*time.Minute+5*time.Second, 3001, 1)); !errors.Is(err, model.ErrOutOfOrderInput) {
		t.Errorf("expected ErrOutOfOrderInput after flush, got %v", err)
	}
}

func TestAggregator_InvalidTick(t *testing.T) {
	a := New(model.TF1m)
	if _, err := a.Ingest(model.Tick{Symbol: "X", Price: 0, TS: base}); err == nil {
		t.Error("expected error for zero price")
	}
	if _, err := a.Ingest(model.Tick{Symbol: "X", Price: 1, Qty: -1, TS: base}); err == nil {
		t.Error("expected error for negative qty")
	}
}

func TestAggregator_FlushBefore(t *testing.T) {
	a := New(model.TF1m)
	a.Ingest(tick("B", 0, 1, 1))
	a.Ingest(tick("A", 0, 2, 1))
	a.Ingest(tick("C", time.Minute, 3, 1))

	out := a.FlushBefore(base.Add(time.Minute))
	if len(out) != 2 || out[0].Symbol != "A" || out[1].Symbol != "B" {
		t.Fatalf("unexpected flushed bars %+v", out)
	}
	if rest := a.FlushAll(); len(rest) != 1 || rest[0].Symbol != "C" {
		t.Errorf("unexpected remaining bars %+v", rest)
	}
}
