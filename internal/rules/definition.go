package rules

import "time"

// Confirmation modes.
const (
	ConfirmBarClose = "bar_close"
	ConfirmSamples  = "samples"
	ConfirmTime     = "time"
)

// Rule kinds.
const (
	KindThreshold   = "threshold"
	KindMultiLevel  = "multi_level"
	KindPctMove     = "pct_move"
	KindVolumeSpike = "volume_spike"
	KindTrend       = "trend"
	KindATRBreakout = "atr_breakout"
)

// Definition is a rule as written in configuration. Only the parameters of
// its Kind are read.
type Definition struct {
	ID        string        `mapstructure:"id"`
	Symbol    string        `mapstructure:"symbol"`
	Timeframe string        `mapstructure:"tf"`
	Kind      string        `mapstructure:"kind"`
	Severity  string        `mapstructure:"severity"`
	Cooldown  time.Duration `mapstructure:"cooldown"`
	Message   string        `mapstructure:"message"`
	Disabled  bool          `mapstructure:"disabled"`
	Confirm   Confirm       `mapstructure:"confirm"`

	// threshold, multi_level, pct_move, trend, atr_breakout
	Direction string `mapstructure:"direction"`

	// threshold / multi_level
	Level         float64   `mapstructure:"level"`
	Levels        []float64 `mapstructure:"levels"`
	Indicator     string    `mapstructure:"indicator"` // e.g. "EMA_20" instead of a constant level
	Hysteresis    float64   `mapstructure:"hysteresis"`
	HysteresisPct float64   `mapstructure:"hysteresis_pct"`

	// pct_move
	Pct float64 `mapstructure:"pct"`

	// volume_spike, trend
	Mode         string  `mapstructure:"mode"`     // volume_spike: multiplier | zscore; trend: slope | sustain | breakout
	Lookback     int     `mapstructure:"lookback"` // volume window (VOLMEAN / VOLZ period)
	Multiplier   float64 `mapstructure:"multiplier"`
	ZThreshold   float64 `mapstructure:"z_threshold"`
	MinAbsReturn float64 `mapstructure:"min_abs_return"`
	MinNotional  float64 `mapstructure:"min_notional"`

	// trend
	Window      int     `mapstructure:"window"`
	MinSlope    float64 `mapstructure:"min_slope"`
	MaxSlope    float64 `mapstructure:"max_slope"`
	Normalize   bool    `mapstructure:"normalize"` // compare |slope/close| instead of raw slope
	R2Min       float64 `mapstructure:"r2_min"`
	ResidATRMax float64 `mapstructure:"resid_atr_max"`
	PullbackATR float64 `mapstructure:"pullback_atr"`
	BreakoutATR float64 `mapstructure:"breakout_atr"`
	VolConfirmZ float64 `mapstructure:"vol_confirm_z"`

	// atr_breakout, trend (sustain | breakout)
	EMAPeriod int     `mapstructure:"ema_period"`
	ATRPeriod int     `mapstructure:"atr_period"`
	ATRMult   float64 `mapstructure:"atr_mult"`
}

// Confirm delays a fire until the condition is confirmed. bar_close (the
// default) fires on the first closed bar that satisfies the condition.
// samples fires when the current bar satisfies it and at least Pass of the
// last Total armed evaluations did (Pass defaults to Total, so N consecutive
// bars). time fires once the condition has held for For, measured between
// bar close times.
type Confirm struct {
	Mode  string        `mapstructure:"mode"`
	Total int           `mapstructure:"total"`
	Pass  int           `mapstructure:"pass"`
	For   time.Duration `mapstructure:"for"`
}
