package rules

import (
	"encoding/json"
	"math/bits"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"cryptoalerts/internal/model"
)

// firer is implemented by conditions that keep state across a fire.
type firer interface {
	fire(in *input, st *model.RuleState)
}

// Engine runs the state machines of a set of rule instances. It is not safe
// for concurrent use; the pipeline gives each symbol worker its own engine.
type Engine struct {
	bySeries map[string][]*Rule
	states   map[string]*model.RuleState
	prev     map[string]float64
	logger   zerolog.Logger
}

// NewEngine builds an engine over rs. Every instance starts idle until
// Restore is called.
func NewEngine(rs []Rule, logger zerolog.Logger) *Engine {
	e := &Engine{
		bySeries: make(map[string][]*Rule),
		states:   make(map[string]*model.RuleState, len(rs)),
		prev:     make(map[string]float64),
		logger:   logger.With().Str("component", "rules").Logger(),
	}
	for i := range rs {
		r := rs[i]
		key := model.SeriesKey(r.Symbol, r.Timeframe)
		e.bySeries[key] = append(e.bySeries[key], &r)
		e.states[r.ID] = &model.RuleState{RuleID: r.ID, Phase: model.PhaseIdle}
	}
	for _, list := range e.bySeries {
		sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	}
	return e
}

// Bound reports whether any rule listens to (symbol, tf).
func (e *Engine) Bound(symbol string, tf model.Timeframe) bool {
	return len(e.bySeries[model.SeriesKey(symbol, tf)]) > 0
}

// Restore loads persisted states. States of rules no longer configured are
// ignored; the count of applied states is returned.
func (e *Engine) Restore(states []model.RuleState) int {
	n := 0
	for _, s := range states {
		cur, ok := e.states[s.RuleID]
		if !ok {
			e.logger.Debug().Str("rule", s.RuleID).Msg("dropping state of unknown rule")
			continue
		}
		switch s.Phase {
		case model.PhaseIdle, model.PhaseArmed, model.PhaseCooldown:
		case model.PhaseFired:
			// the event was committed with this state; finish the transition
			s.Phase = model.PhaseCooldown
		default:
			e.logger.Warn().Str("rule", s.RuleID).Str("phase", string(s.Phase)).Msg("unknown phase, resetting to idle")
			s = model.RuleState{RuleID: s.RuleID, Phase: model.PhaseIdle}
		}
		*cur = s
		n++
	}
	return n
}

// Prime records the last close of a series without evaluating any rule, so
// return-based filters work on the first bar after a restart.
func (e *Engine) Prime(bar model.Bar) {
	e.prev[model.SeriesKey(bar.Symbol, bar.Timeframe)] = bar.Close
}

// Evaluate runs every rule bound to the bar's series, in rule-id order, and
// returns the fired events plus the states that changed. indicators is keyed
// by series name (e.g. "EMA_20") for the same (symbol, tf).
func (e *Engine) Evaluate(bar model.Bar, indicators map[string]model.IndicatorValue) ([]model.AlertEvent, []model.RuleState) {
	key := model.SeriesKey(bar.Symbol, bar.Timeframe)
	prev, hasPrev := e.prev[key]
	e.prev[key] = bar.Close

	list := e.bySeries[key]
	if len(list) == 0 {
		return nil, nil
	}
	in := &input{bar: bar, prevClose: prev, hasPrev: hasPrev, ind: indicators}
	now := bar.CloseTime()

	var (
		events  []model.AlertEvent
		changed []model.RuleState
	)
	for _, r := range list {
		st := e.states[r.ID]
		before := *st
		if ev, fired := e.step(r, st, in, now); fired {
			events = append(events, ev)
		}
		if *st != before {
			st.UpdatedAt = now
			changed = append(changed, *st)
		}
	}
	return events, changed
}

func (e *Engine) step(r *Rule, st *model.RuleState, in *input, now time.Time) (model.AlertEvent, bool) {
	switch st.Phase {
	case model.PhaseCooldown:
		if now.Before(st.CooldownUntil) {
			return model.AlertEvent{}, false
		}
		clear, ok := r.cond.cleared(in, st)
		if !ok || !clear {
			return model.AlertEvent{}, false
		}
		st.Phase = model.PhaseIdle
		e.arm(r, st, in)

	case model.PhaseArmed:
		hit, ok := r.cond.check(in, st)
		if !ok || !confirmed(r.Confirm, hit, st, now) {
			return model.AlertEvent{}, false
		}
		ev := e.event(r, st, in, now)
		if f, ok := r.cond.(firer); ok {
			f.fire(in, st)
		}
		resetConfirm(st)
		st.LastFiredAt = now
		st.CooldownUntil = now.Add(r.Cooldown)
		st.Phase = model.PhaseCooldown
		return ev, true

	default:
		clear, ok := r.cond.cleared(in, st)
		if !ok || !clear {
			return model.AlertEvent{}, false
		}
		e.arm(r, st, in)
	}
	return model.AlertEvent{}, false
}

func (e *Engine) arm(r *Rule, st *model.RuleState, in *input) {
	r.cond.arm(in, st)
	resetConfirm(st)
	st.Phase = model.PhaseArmed
}

// confirmed records one defined armed evaluation and reports whether the
// rule may fire on it.
func confirmed(c Confirm, hit bool, st *model.RuleState, now time.Time) bool {
	switch c.Mode {
	case ConfirmSamples:
		st.Samples <<= 1
		if hit {
			st.Samples |= 1
		}
		if c.Total < 64 {
			st.Samples &= 1<<uint(c.Total) - 1
		}
		if st.SampleCount < c.Total {
			st.SampleCount++
		}
		return hit && st.SampleCount >= c.Total && bits.OnesCount64(st.Samples) >= c.Pass
	case ConfirmTime:
		if !hit {
			st.ConfirmSince = time.Time{}
			return false
		}
		if st.ConfirmSince.IsZero() {
			st.ConfirmSince = now
		}
		return now.Sub(st.ConfirmSince) >= c.For
	default:
		return hit
	}
}

func resetConfirm(st *model.RuleState) {
	st.Samples = 0
	st.SampleCount = 0
	st.ConfirmSince = time.Time{}
}

func (e *Engine) event(r *Rule, st *model.RuleState, in *input, now time.Time) model.AlertEvent {
	summary, payload := r.cond.describe(in, st)
	payload["rule_id"] = r.ID
	payload["bar_open"] = in.bar.OpenTime.UTC().Format(time.RFC3339)
	raw, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error().Err(err).Str("rule", r.ID).Msg("payload encode failed")
		raw = json.RawMessage(`{}`)
	}
	msg := summary
	if r.Message != "" {
		msg = r.Message + ": " + summary
	}
	return model.AlertEvent{
		RuleID:    r.ID,
		Symbol:    r.Symbol,
		Timeframe: r.Timeframe,
		TS:        now,
		Severity:  r.Severity,
		Kind:      r.Kind,
		Message:   msg,
		Payload:   raw,
	}
}

// State returns a copy of one rule's state.
func (e *Engine) State(ruleID string) (model.RuleState, bool) {
	st, ok := e.states[ruleID]
	if !ok {
		return model.RuleState{}, false
	}
	return *st, true
}

// States returns a copy of every rule state, sorted by rule id.
func (e *Engine) States() []model.RuleState {
	out := make([]model.RuleState, 0, len(e.states))
	for _, st := range e.states {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RuleID < out[j].RuleID })
	return out
}
