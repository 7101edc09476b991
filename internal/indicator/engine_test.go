package indicator

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"cryptoalerts/internal/model"
)

func nopLogger() zerolog.Logger { return zerolog.Nop() }

func seriesBar(symbol string, tf model.Timeframe, i int, close, volume float64) model.Bar {
	return model.Bar{
		Symbol:    symbol,
		Timeframe: tf,
		OpenTime:  time.Unix(int64(i)*tf.Seconds(), 0).UTC(),
		Open:      close,
		High:      close + 1,
		Low:       close - 1,
		Close:     close,
		Volume:    volume,
		Closed:    true,
	}
}

func allSpecs() []Spec {
	return []Spec{{TypeSMA, 5}, {TypeEMA, 5}, {TypeSMMA, 5}, {TypeRSI, 5}, {TypeATR, 5}, {TypeVolMean, 5}, {TypeVolZ, 5}, {TypeSlope, 5}}
}

func TestEngine_MultiIndicator(t *testing.T) {
	e := NewEngine([]TFConfig{{Timeframe: model.TF1m, Specs: allSpecs()}}, nopLogger())

	for i := 0; i < 20; i++ {
		vals := e.Update(seriesBar("BTCUSDT", model.TF1m, i, 100+float64(i%4), 10+float64(i%3)))
		if len(vals) != 8 {
			t.Fatalf("bar %d: expected 8 values, got %d", i, len(vals))
		}
		for _, v := range vals {
			if v.Symbol != "BTCUSDT" || v.Timeframe != model.TF1m || len(v.State) != 0 {
				t.Fatalf("bar %d: malformed value %+v", i, v)
			}
			if i == 19 && !v.Defined {
				t.Errorf("%s still undefined after 20 bars", v.Name)
			}
		}
	}
}

func TestEngine_UnconfiguredTFIgnored(t *testing.T) {
	e := NewEngine([]TFConfig{{Timeframe: model.TF5m, Specs: []Spec{{TypeEMA, 3}}}}, nopLogger())
	if vals := e.Update(seriesBar("X", model.TF1m, 0, 1, 1)); vals != nil {
		t.Errorf("expected nil for unconfigured timeframe, got %v", vals)
	}
	if e.Configured(model.TF1m) || !e.Configured(model.TF5m) {
		t.Error("Configured mismatch")
	}
}

func TestEngine_SeriesAreIndependent(t *testing.T) {
	e := NewEngine([]TFConfig{
		{Timeframe: model.TF1m, Specs: []Spec{{TypeSMA, 2}}},
		{Timeframe: model.TF5m, Specs: []Spec{{TypeSMA, 2}}},
	}, nopLogger())

	e.Update(seriesBar("A", model.TF1m, 0, 10, 0))
	e.Update(seriesBar("A", model.TF1m, 1, 20, 0))
	e.Update(seriesBar("B", model.TF1m, 0, 100, 0))
	e.Update(seriesBar("A", model.TF5m, 0, 50, 0))

	if v := e.Values("A", model.TF1m)["SMA_2"]; !v.Defined || v.Value != 15 {
		t.Errorf("A 1m: %+v", v)
	}
	if v := e.Values("B", model.TF1m)["SMA_2"]; v.Defined {
		t.Errorf("B 1m should be undefined: %+v", v)
	}
	if v := e.Values("A", model.TF5m)["SMA_2"]; v.Defined {
		t.Errorf("A 5m should be undefined: %+v", v)
	}
}

func TestEngine_RestoreContinuesIdentically(t *testing.T) {
	cfg := []TFConfig{{Timeframe: model.TF1m, Specs: allSpecs()}}
	a := NewEngine(cfg, nopLogger())

	var last []model.IndicatorValue
	for i := 0; i < 9; i++ {
		last = a.Update(seriesBar("ETHUSDT", model.TF1m, i, 50+float64(i*i%7), float64(5+i%4)))
	}

	b := NewEngine(cfg, nopLogger())
	restored, skipped := b.Restore(a.WithState(last))
	if restored != 8 || skipped != 0 {
		t.Fatalf("restored=%d skipped=%d", restored, skipped)
	}

	for i := 9; i < 25; i++ {
		bar := seriesBar("ETHUSDT", model.TF1m, i, 50+float64(i*i%7), float64(5+i%4))
		va := a.Update(bar)
		vb := b.Update(bar)
		for j := range va {
			if va[j].Value != vb[j].Value || va[j].Defined != vb[j].Defined {
				t.Fatalf("bar %d %s: original=%v/%v restored=%v/%v",
					i, va[j].Name, va[j].Value, va[j].Defined, vb[j].Value, vb[j].Defined)
			}
		}
	}
}

func TestEngine_WithStateEncodesCurrentSnapshot(t *testing.T) {
	e := NewEngine([]TFConfig{{Timeframe: model.TF1m, Specs: []Spec{{TypeSMA, 3}}}}, nopLogger())
	for i := 0; i < 4; i++ {
		e.Update(seriesBar("X", model.TF1m, i, float64(10+i), 1))
	}
	vals := e.WithState([]model.IndicatorValue{
		{Symbol: "X", Timeframe: model.TF1m, Name: "SMA_3"},
		{Symbol: "X", Timeframe: model.TF1m, Name: "EMA_3"},
		{Symbol: "Y", Timeframe: model.TF1m, Name: "SMA_3"},
	})
	snap, err := DecodeSnapshot(vals[0].State)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Type != TypeSMA || snap.Count != 3 || snap.Sum != 11+12+13 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	if vals[1].State != nil || vals[2].State != nil {
		t.Error("unknown series must not get a state blob")
	}
}

func TestEngine_RestoreSkipsUnknownSeries(t *testing.T) {
	e := NewEngine([]TFConfig{{Timeframe: model.TF1m, Specs: []Spec{{TypeEMA, 3}}}}, nopLogger())
	restored, skipped := e.Restore([]model.IndicatorValue{
		{Symbol: "X", Timeframe: model.TF1m, Name: "SMA_3", State: NewSMA(3).Snapshot().Encode()},
		{Symbol: "X", Timeframe: model.TF5m, Name: "EMA_3", State: NewEMA(3).Snapshot().Encode()},
		{Symbol: "X", Timeframe: model.TF1m, Name: "EMA_3", State: []byte("not json")},
	})
	if restored != 0 || skipped != 3 {
		t.Errorf("restored=%d skipped=%d", restored, skipped)
	}
}

func TestSnapshot_TypeMismatchRejected(t *testing.T) {
	if err := NewEMA(3).Restore(NewSMA(3).Snapshot()); err == nil {
		t.Error("expected error restoring SMA snapshot into EMA")
	}
	if err := NewEMA(3).Restore(NewEMA(4).Snapshot()); err == nil {
		t.Error("expected error restoring EMA_4 snapshot into EMA_3")
	}
}
