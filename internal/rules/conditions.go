package rules

import (
	"fmt"
	"math"

	"cryptoalerts/internal/indicator"
	"cryptoalerts/internal/model"
)

// input is everything a condition may read for one bar.
type input struct {
	bar       model.Bar
	prevClose float64
	hasPrev   bool
	ind       map[string]model.IndicatorValue
}

func (in *input) value(name string) (float64, bool) {
	v, ok := in.ind[name]
	if !ok || !v.Defined {
		return 0, false
	}
	return v.Value, true
}

// condition is the closed set of rule predicates. ok=false means undefined:
// the engine makes no transition on an undefined condition.
type condition interface {
	check(in *input, st *model.RuleState) (hit, ok bool)
	cleared(in *input, st *model.RuleState) (clear, ok bool)
	arm(in *input, st *model.RuleState)
	indicators() []string
	describe(in *input, st *model.RuleState) (string, map[string]any)
}

// plain provides the default re-arm behaviour: clear when the condition is false.
type plain struct{ self condition }

func (p plain) cleared(in *input, st *model.RuleState) (bool, bool) {
	hit, ok := p.self.check(in, st)
	return !hit, ok
}

func (plain) arm(*input, *model.RuleState) {}

// ── threshold ──

type threshold struct {
	above         bool
	level         float64
	ind           string
	hysteresis    float64
	hysteresisPct float64
}

func newThreshold(d Definition, level float64) (*threshold, error) {
	c := &threshold{level: level, hysteresis: d.Hysteresis, hysteresisPct: d.HysteresisPct}
	switch d.Direction {
	case "above":
		c.above = true
	case "below":
	default:
		return nil, fmt.Errorf("direction must be above or below, got %q", d.Direction)
	}
	if d.Indicator != "" {
		spec, err := indicator.ParseSpec(d.Indicator)
		if err != nil {
			return nil, err
		}
		c.ind = spec.Name()
	} else if !(level > 0) || math.IsInf(level, 0) {
		return nil, fmt.Errorf("level must be positive")
	}
	if c.hysteresis < 0 || c.hysteresisPct < 0 || c.hysteresisPct >= 1 {
		return nil, fmt.Errorf("hysteresis must be >= 0 and hysteresis_pct in [0, 1)")
	}
	return c, nil
}

func (c *threshold) ref(in *input) (float64, bool) {
	if c.ind != "" {
		return in.value(c.ind)
	}
	return c.level, true
}

func (c *threshold) check(in *input, _ *model.RuleState) (bool, bool) {
	ref, ok := c.ref(in)
	if !ok {
		return false, false
	}
	if c.above {
		return in.bar.Close > ref, true
	}
	return in.bar.Close < ref, true
}

func (c *threshold) cleared(in *input, _ *model.RuleState) (bool, bool) {
	ref, ok := c.ref(in)
	if !ok {
		return false, false
	}
	margin := c.hysteresis
	if c.hysteresisPct > 0 {
		margin = ref * c.hysteresisPct
	}
	if c.above {
		return in.bar.Close <= ref-margin, true
	}
	return in.bar.Close >= ref+margin, true
}

func (c *threshold) arm(*input, *model.RuleState) {}

func (c *threshold) indicators() []string {
	if c.ind == "" {
		return nil
	}
	return []string{c.ind}
}

func (c *threshold) describe(in *input, _ *model.RuleState) (string, map[string]any) {
	ref, _ := c.ref(in)
	dir := "below"
	if c.above {
		dir = "above"
	}
	target := formatFloat(ref)
	if c.ind != "" {
		target = c.ind + " (" + target + ")"
	}
	p := map[string]any{"close": in.bar.Close, "level": ref, "direction": dir}
	if c.ind != "" {
		p["indicator"] = c.ind
	}
	return fmt.Sprintf("%s closed %s %s on %s", in.bar.Symbol, dir, target, in.bar.Timeframe), p
}

// ── pct_move ──

type pctMove struct {
	up  bool
	pct float64
}

func newPctMove(d Definition) (*pctMove, error) {
	c := &pctMove{pct: d.Pct}
	switch d.Direction {
	case "up":
		c.up = true
	case "down":
	default:
		return nil, fmt.Errorf("direction must be up or down, got %q", d.Direction)
	}
	if !(c.pct > 0) || c.pct >= 10 {
		return nil, fmt.Errorf("pct must be a positive fraction, e.g. 0.02")
	}
	if !c.up && c.pct >= 1 {
		return nil, fmt.Errorf("pct for a down move must be below 1")
	}
	return c, nil
}

func (c *pctMove) check(in *input, st *model.RuleState) (bool, bool) {
	if st.Baseline <= 0 {
		return false, false
	}
	if c.up {
		return in.bar.Close >= st.Baseline*(1+c.pct), true
	}
	return in.bar.Close <= st.Baseline*(1-c.pct), true
}

func (c *pctMove) cleared(in *input, st *model.RuleState) (bool, bool) {
	if st.Baseline <= 0 {
		return true, true
	}
	hit, ok := c.check(in, st)
	return !hit, ok
}

// arm captures the reference price the move is measured from.
func (c *pctMove) arm(in *input, st *model.RuleState) { st.Baseline = in.bar.Close }

// fire moves the reference to the price that triggered, so the next alert
// needs a fresh move.
func (c *pctMove) fire(in *input, st *model.RuleState) { st.Baseline = in.bar.Close }

func (c *pctMove) indicators() []string { return nil }

func (c *pctMove) describe(in *input, st *model.RuleState) (string, map[string]any) {
	change := 0.0
	if st.Baseline > 0 {
		change = in.bar.Close/st.Baseline - 1
	}
	dir := "down"
	if c.up {
		dir = "up"
	}
	return fmt.Sprintf("%s moved %s %.2f%% from %s to %s on %s", in.bar.Symbol, dir, change*100,
			formatFloat(st.Baseline), formatFloat(in.bar.Close), in.bar.Timeframe),
		map[string]any{"close": in.bar.Close, "baseline": st.Baseline, "change": change, "pct": c.pct}
}

// ── volume_spike ──

type volumeSpike struct {
	plain
	zscore       bool
	series       string
	multiplier   float64
	zThreshold   float64
	minAbsReturn float64
	minNotional  float64
}

func newVolumeSpike(d Definition) (*volumeSpike, error) {
	lookback := d.Lookback
	if lookback == 0 {
		lookback = 96
	}
	if lookback < 2 {
		return nil, fmt.Errorf("lookback must be >= 2")
	}
	c := &volumeSpike{
		multiplier:   d.Multiplier,
		zThreshold:   d.ZThreshold,
		minAbsReturn: d.MinAbsReturn,
		minNotional:  d.MinNotional,
	}
	c.plain = plain{self: c}
	switch d.Mode {
	case "", "multiplier":
		if c.multiplier == 0 {
			c.multiplier = 1.5
		}
		if c.multiplier <= 0 {
			return nil, fmt.Errorf("multiplier must be positive")
		}
		c.series = indicator.Spec{Type: indicator.TypeVolMean, Period: lookback}.Name()
	case "zscore":
		c.zscore = true
		if c.zThreshold == 0 {
			c.zThreshold = 3.0
		}
		c.series = indicator.Spec{Type: indicator.TypeVolZ, Period: lookback}.Name()
	default:
		return nil, fmt.Errorf("mode must be multiplier or zscore, got %q", d.Mode)
	}
	if c.minAbsReturn < 0 || c.minNotional < 0 {
		return nil, fmt.Errorf("min_abs_return and min_notional must be >= 0")
	}
	return c, nil
}

func (c *volumeSpike) check(in *input, _ *model.RuleState) (bool, bool) {
	v, ok := in.value(c.series)
	if !ok {
		return false, false
	}
	var spike bool
	if c.zscore {
		spike = v >= c.zThreshold
	} else {
		if v <= 0 {
			return false, false
		}
		spike = in.bar.Volume > c.multiplier*v
	}
	if !spike {
		return false, true
	}
	if c.minAbsReturn > 0 {
		if !in.hasPrev || in.prevClose <= 0 {
			return false, false
		}
		if math.Abs(in.bar.Close/in.prevClose-1) < c.minAbsReturn {
			return false, true
		}
	}
	if c.minNotional > 0 && in.bar.Close*in.bar.Volume < c.minNotional {
		return false, true
	}
	return true, true
}

func (c *volumeSpike) indicators() []string { return []string{c.series} }

func (c *volumeSpike) describe(in *input, _ *model.RuleState) (string, map[string]any) {
	v, _ := in.value(c.series)
	p := map[string]any{"volume": in.bar.Volume, "close": in.bar.Close, "notional": in.bar.Close * in.bar.Volume}
	if in.hasPrev && in.prevClose > 0 {
		p["return"] = in.bar.Close/in.prevClose - 1
	}
	if c.zscore {
		p["mode"] = "zscore"
		p["z"] = v
		return fmt.Sprintf("%s volume spike on %s: z=%.2f", in.bar.Symbol, in.bar.Timeframe, v), p
	}
	p["mode"] = "multiplier"
	p["baseline_mean"] = v
	p["ratio"] = in.bar.Volume / v
	return fmt.Sprintf("%s volume spike on %s: %.2fx baseline", in.bar.Symbol, in.bar.Timeframe, in.bar.Volume/v), p
}

// ── trend ──

// Trend modes. The default only looks at the regression slope and fit;
// sustain and breakout also place the close against a channel of
// LINREG ± ATR multiples.
const (
	trendSlope    = "slope"
	trendSustain  = "sustain"
	trendBreakout = "breakout"
)

type trend struct {
	plain
	mode      string
	direction string // up | down | any
	minSlope  float64
	maxSlope  float64 // 0 = unbounded
	normalize bool
	r2Min     float64

	residATRMax float64 // channel too wide when RESID > residATRMax*ATR (0 = off)
	pullbackATR float64 // sustain: |close-LINREG| <= pullbackATR*ATR
	breakoutATR float64 // breakout: |close-LINREG| >= breakoutATR*ATR
	volZ        float64 // breakout: VOLZ >= volZ

	slope, r2, mid, resid, atr, vz string
}

func newTrend(d Definition) (*trend, error) {
	window := d.Window
	if window == 0 {
		window = 30
	}
	if window < 2 {
		return nil, fmt.Errorf("window must be >= 2")
	}
	c := &trend{
		mode:        d.Mode,
		direction:   d.Direction,
		minSlope:    d.MinSlope,
		maxSlope:    d.MaxSlope,
		normalize:   d.Normalize,
		r2Min:       d.R2Min,
		residATRMax: d.ResidATRMax,
		pullbackATR: d.PullbackATR,
		breakoutATR: d.BreakoutATR,
		volZ:        d.VolConfirmZ,
		slope:       indicator.Spec{Type: indicator.TypeSlope, Period: window}.Name(),
	}
	c.plain = plain{self: c}
	if c.direction == "" {
		c.direction = "any"
	}
	switch c.direction {
	case "up", "down", "any":
	default:
		return nil, fmt.Errorf("direction must be up, down or any, got %q", d.Direction)
	}
	if !(c.minSlope > 0) {
		return nil, fmt.Errorf("min_slope must be positive")
	}
	if c.maxSlope != 0 && c.maxSlope < c.minSlope {
		return nil, fmt.Errorf("max_slope must be >= min_slope")
	}
	if c.r2Min < 0 || c.r2Min > 1 {
		return nil, fmt.Errorf("r2_min must be in [0, 1]")
	}
	if c.r2Min > 0 {
		c.r2 = indicator.Spec{Type: indicator.TypeR2, Period: window}.Name()
	}

	switch c.mode {
	case "", trendSlope:
		c.mode = trendSlope
		return c, nil
	case trendSustain, trendBreakout:
	default:
		return nil, fmt.Errorf("mode must be slope, sustain or breakout, got %q", d.Mode)
	}
	atrP, volP := d.ATRPeriod, d.Lookback
	if atrP == 0 {
		atrP = 14
	}
	if volP == 0 {
		volP = window
	}
	if atrP < 1 || volP < 2 {
		return nil, fmt.Errorf("atr_period must be positive and lookback >= 2")
	}
	if c.pullbackATR == 0 {
		c.pullbackATR = 0.5
	}
	if c.breakoutATR == 0 {
		c.breakoutATR = 1.5
	}
	if c.volZ == 0 {
		c.volZ = 2.0
	}
	if c.residATRMax < 0 || c.pullbackATR < 0 || c.breakoutATR < 0 {
		return nil, fmt.Errorf("resid_atr_max, pullback_atr and breakout_atr must be >= 0")
	}
	c.mid = indicator.Spec{Type: indicator.TypeLinReg, Period: window}.Name()
	c.atr = indicator.Spec{Type: indicator.TypeATR, Period: atrP}.Name()
	if c.residATRMax > 0 {
		c.resid = indicator.Spec{Type: indicator.TypeResid, Period: window}.Name()
	}
	if c.mode == trendBreakout {
		c.vz = indicator.Spec{Type: indicator.TypeVolZ, Period: volP}.Name()
	}
	return c, nil
}

// trendReading is what one bar says about the trend.
type trendReading struct {
	slope     float64
	r2        float64
	mid       float64
	atr       float64
	resid     float64
	z         float64
	deviation float64
}

func (c *trend) read(in *input) (trendReading, bool) {
	var r trendReading
	s, ok := in.value(c.slope)
	if !ok {
		return r, false
	}
	if c.normalize {
		if in.bar.Close <= 0 {
			return r, false
		}
		s /= in.bar.Close
	}
	r.slope = s
	for _, f := range []struct {
		name string
		dst  *float64
	}{{c.r2, &r.r2}, {c.mid, &r.mid}, {c.atr, &r.atr}, {c.resid, &r.resid}, {c.vz, &r.z}} {
		if f.name == "" {
			continue
		}
		v, ok := in.value(f.name)
		if !ok {
			return r, false
		}
		*f.dst = v
	}
	r.deviation = in.bar.Close - r.mid
	return r, true
}

// along reports whether v points the configured direction.
func (c *trend) along(v float64) bool {
	switch c.direction {
	case "up":
		return v > 0
	case "down":
		return v < 0
	default:
		return v != 0
	}
}

func (c *trend) check(in *input, _ *model.RuleState) (bool, bool) {
	r, ok := c.read(in)
	if !ok {
		return false, false
	}
	mag := math.Abs(r.slope)
	if !c.along(r.slope) || mag < c.minSlope || (c.maxSlope > 0 && mag > c.maxSlope) {
		return false, true
	}
	if c.r2 != "" && r.r2 < c.r2Min {
		return false, true
	}
	if c.mode == trendSlope {
		return true, true
	}
	if c.resid != "" && r.resid > c.residATRMax*r.atr {
		return false, true
	}
	if c.mode == trendSustain {
		return math.Abs(r.deviation) <= c.pullbackATR*r.atr, true
	}
	if r.z < c.volZ {
		return false, true
	}
	return math.Abs(r.deviation) >= c.breakoutATR*r.atr && c.along(r.deviation), true
}

func (c *trend) indicators() []string {
	var out []string
	for _, n := range []string{c.slope, c.r2, c.mid, c.atr, c.resid, c.vz} {
		if n != "" {
			out = append(out, n)
		}
	}
	return out
}

func (c *trend) describe(in *input, _ *model.RuleState) (string, map[string]any) {
	r, _ := c.read(in)
	dir := "up"
	if r.slope < 0 {
		dir = "down"
	}
	p := map[string]any{"slope": r.slope, "normalized": c.normalize, "close": in.bar.Close,
		"direction": dir, "mode": c.mode}
	if c.r2 != "" {
		p["r2"] = r.r2
	}
	if c.mode == trendSlope {
		return fmt.Sprintf("%s trending %s on %s: slope %.6g per bar", in.bar.Symbol, dir, in.bar.Timeframe, r.slope), p
	}
	p["mid"] = r.mid
	p["atr"] = r.atr
	p["deviation"] = r.deviation
	if c.resid != "" {
		p["resid_std"] = r.resid
	}
	if c.mode == trendSustain {
		return fmt.Sprintf("%s trend channel %s sustained on %s: %.2f ATR from midline", in.bar.Symbol, dir,
			in.bar.Timeframe, r.deviation/r.atr), p
	}
	bdir := "up"
	if r.deviation < 0 {
		bdir = "down"
	}
	p["breakout"] = bdir
	p["z_vol"] = r.z
	return fmt.Sprintf("%s trend channel breakout %s on %s: %.2f ATR, volume z=%.2f", in.bar.Symbol, bdir,
		in.bar.Timeframe, r.deviation/r.atr, r.z), p
}

// ── atr_breakout ──

type atrBreakout struct {
	plain
	ema       string
	atr       string
	mult      float64
	direction string // above | below | any
}

func newATRBreakout(d Definition) (*atrBreakout, error) {
	emaP, atrP := d.EMAPeriod, d.ATRPeriod
	if emaP == 0 {
		emaP = 20
	}
	if atrP == 0 {
		atrP = 14
	}
	if emaP < 1 || atrP < 1 {
		return nil, fmt.Errorf("ema_period and atr_period must be positive")
	}
	c := &atrBreakout{
		ema:       indicator.Spec{Type: indicator.TypeEMA, Period: emaP}.Name(),
		atr:       indicator.Spec{Type: indicator.TypeATR, Period: atrP}.Name(),
		mult:      d.ATRMult,
		direction: d.Direction,
	}
	c.plain = plain{self: c}
	if c.mult == 0 {
		c.mult = 1.0
	}
	if c.mult < 0 {
		return nil, fmt.Errorf("atr_mult must be positive")
	}
	if c.direction == "" {
		c.direction = "above"
	}
	switch c.direction {
	case "above", "below", "any":
	default:
		return nil, fmt.Errorf("direction must be above, below or any, got %q", d.Direction)
	}
	return c, nil
}

func (c *atrBreakout) check(in *input, _ *model.RuleState) (bool, bool) {
	e, ok1 := in.value(c.ema)
	a, ok2 := in.value(c.atr)
	if !ok1 || !ok2 {
		return false, false
	}
	band := c.mult * a
	switch c.direction {
	case "above":
		return in.bar.Close >= e+band, true
	case "below":
		return in.bar.Close <= e-band, true
	default:
		return math.Abs(in.bar.Close-e) >= band, true
	}
}

func (c *atrBreakout) indicators() []string { return []string{c.ema, c.atr} }

func (c *atrBreakout) describe(in *input, _ *model.RuleState) (string, map[string]any) {
	e, _ := in.value(c.ema)
	a, _ := in.value(c.atr)
	return fmt.Sprintf("%s broke %.2f ATR from %s on %s", in.bar.Symbol, c.mult, c.ema, in.bar.Timeframe),
		map[string]any{"close": in.bar.Close, "ema": e, "atr": a, "atr_mult": c.mult}
}
