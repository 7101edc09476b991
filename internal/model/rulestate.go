package model

import "time"

// RulePhase is the per-rule dedup state machine position.
type RulePhase string

const (
	PhaseIdle     RulePhase = "idle"
	PhaseArmed    RulePhase = "armed"
	PhaseFired    RulePhase = "fired"
	PhaseCooldown RulePhase = "cooldown"
)

// RuleState is mutated only by the rule engine. Baseline is the reference
// price captured at arming time for relative-move rules. Samples and
// SampleCount hold the recent armed evaluations of a samples-confirmed rule
// (bit 0 is the newest, 1 = condition held); ConfirmSince is when a
// time-confirmed condition started holding.
type RuleState struct {
	RuleID        string    `json:"rule_id"`
	Phase         RulePhase `json:"phase"`
	CooldownUntil time.Time `json:"cooldown_until"`
	LastFiredAt   time.Time `json:"last_fired_at"`
	Baseline      float64   `json:"baseline,omitempty"`
	Samples       uint64    `json:"samples,omitempty"`
	SampleCount   int       `json:"sample_count,omitempty"`
	ConfirmSince  time.Time `json:"confirm_since,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}
