// Package rules evaluates alert rules against closed bars and their
// indicator values. Each rule instance runs a small dedup state machine:
//
//	idle --(condition false)--> armed --(condition true)--> fired --> cooldown
//	cooldown --(cooldown elapsed and condition false)--> idle --> armed
//
// so a rule fires once per crossing and re-arms only after the condition has
// cleared. Time is the close time of the bar being evaluated, never the wall
// clock, so replaying a range reproduces the same events.
package rules

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"cryptoalerts/internal/indicator"
	"cryptoalerts/internal/model"
)

// Rule is a validated, compiled rule instance.
type Rule struct {
	ID        string
	Symbol    string
	Timeframe model.Timeframe
	Kind      string
	Severity  model.Severity
	Cooldown  time.Duration
	Message   string
	Confirm   Confirm

	cond condition
}

// Indicators returns the indicator series this rule reads.
func (r *Rule) Indicators() []string { return r.cond.indicators() }

// Load validates definitions and compiles them into rule instances sorted by
// id. multi_level definitions expand into one threshold instance per level,
// named "<id>@<level>". Any malformed definition fails the whole load.
func Load(defs []Definition) ([]Rule, error) {
	var out []Rule
	seen := make(map[string]bool, len(defs))
	for i, d := range defs {
		if d.Disabled {
			continue
		}
		rs, err := compile(d)
		if err != nil {
			id := d.ID
			if id == "" {
				id = "#" + strconv.Itoa(i)
			}
			return nil, fmt.Errorf("rule %s: %w: %v", id, model.ErrInvalidRuleDefinition, err)
		}
		for _, r := range rs {
			if seen[r.ID] {
				return nil, fmt.Errorf("rule %s: %w: duplicate id", r.ID, model.ErrInvalidRuleDefinition)
			}
			seen[r.ID] = true
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func compile(d Definition) ([]Rule, error) {
	if strings.TrimSpace(d.ID) == "" {
		return nil, fmt.Errorf("missing id")
	}
	if strings.ContainsAny(d.ID, "@ ") {
		return nil, fmt.Errorf("id must not contain '@' or spaces")
	}
	if d.Symbol == "" {
		return nil, fmt.Errorf("missing symbol")
	}
	tf, err := model.ParseTimeframe(d.Timeframe)
	if err != nil {
		return nil, err
	}
	sev, err := model.ParseSeverity(d.Severity)
	if err != nil {
		return nil, err
	}
	if d.Cooldown < 0 {
		return nil, fmt.Errorf("negative cooldown")
	}

	confirm, err := compileConfirm(d.Confirm)
	if err != nil {
		return nil, err
	}

	r := Rule{
		ID:        d.ID,
		Symbol:    strings.ToUpper(d.Symbol),
		Timeframe: tf,
		Kind:      d.Kind,
		Severity:  sev,
		Cooldown:  d.Cooldown,
		Message:   d.Message,
		Confirm:   confirm,
	}

	switch d.Kind {
	case KindThreshold:
		c, err := newThreshold(d, d.Level)
		if err != nil {
			return nil, err
		}
		r.cond = c
		return []Rule{r}, nil

	case KindMultiLevel:
		if len(d.Levels) == 0 {
			return nil, fmt.Errorf("multi_level needs levels")
		}
		if d.Indicator != "" {
			return nil, fmt.Errorf("multi_level does not take an indicator")
		}
		out := make([]Rule, 0, len(d.Levels))
		seen := make(map[float64]bool, len(d.Levels))
		for _, lvl := range d.Levels {
			if seen[lvl] {
				return nil, fmt.Errorf("duplicate level %v", lvl)
			}
			seen[lvl] = true
			c, err := newThreshold(d, lvl)
			if err != nil {
				return nil, err
			}
			inst := r
			inst.ID = d.ID + "@" + formatFloat(lvl)
			inst.Kind = KindThreshold
			inst.cond = c
			out = append(out, inst)
		}
		return out, nil

	case KindPctMove:
		c, err := newPctMove(d)
		if err != nil {
			return nil, err
		}
		r.cond = c
		return []Rule{r}, nil

	case KindVolumeSpike:
		c, err := newVolumeSpike(d)
		if err != nil {
			return nil, err
		}
		r.cond = c
		return []Rule{r}, nil

	case KindTrend:
		c, err := newTrend(d)
		if err != nil {
			return nil, err
		}
		r.cond = c
		return []Rule{r}, nil

	case KindATRBreakout:
		c, err := newATRBreakout(d)
		if err != nil {
			return nil, err
		}
		r.cond = c
		return []Rule{r}, nil

	default:
		return nil, fmt.Errorf("unknown kind %q", d.Kind)
	}
}

func compileConfirm(c Confirm) (Confirm, error) {
	switch c.Mode {
	case "", ConfirmBarClose:
		return Confirm{Mode: ConfirmBarClose}, nil
	case ConfirmSamples:
		if c.Total < 1 || c.Total > 64 {
			return c, fmt.Errorf("confirm.total must be in [1, 64]")
		}
		if c.Pass == 0 {
			c.Pass = c.Total
		}
		if c.Pass < 1 || c.Pass > c.Total {
			return c, fmt.Errorf("confirm.pass must be in [1, total]")
		}
		return Confirm{Mode: c.Mode, Total: c.Total, Pass: c.Pass}, nil
	case ConfirmTime:
		if c.For <= 0 {
			return c, fmt.Errorf("confirm.for must be positive")
		}
		return Confirm{Mode: c.Mode, For: c.For}, nil
	default:
		return c, fmt.Errorf("confirm.mode must be bar_close, samples or time, got %q", c.Mode)
	}
}

// RequiredIndicators returns, per timeframe, the sorted indicator specs the
// given rules read.
func RequiredIndicators(rs []Rule) (map[model.Timeframe][]indicator.Spec, error) {
	names := make(map[model.Timeframe][]string)
	for i := range rs {
		names[rs[i].Timeframe] = append(names[rs[i].Timeframe], rs[i].Indicators()...)
	}
	out := make(map[model.Timeframe][]indicator.Spec, len(names))
	for tf, ns := range names {
		specs, err := indicator.ParseSpecs(ns)
		if err != nil {
			return nil, err
		}
		if len(specs) > 0 {
			out[tf] = specs
		}
	}
	return out, nil
}

// ForSymbol returns the rules bound to symbol, keeping their order.
func ForSymbol(rs []Rule, symbol string) []Rule {
	var out []Rule
	for _, r := range rs {
		if r.Symbol == symbol {
			out = append(out, r)
		}
	}
	return out
}

// Symbols returns the sorted distinct symbols referenced by rs.
func Symbols(rs []Rule) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range rs {
		if !seen[r.Symbol] {
			seen[r.Symbol] = true
			out = append(out, r.Symbol)
		}
	}
	sort.Strings(out)
	return out
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
