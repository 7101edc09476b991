package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Severity orders alert importance: info < warning < error < critical.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityWarning:  1,
	SeverityError:    2,
	SeverityCritical: 3,
}

// ParseSeverity parses a severity name case-insensitively. Empty means info.
func ParseSeverity(s string) (Severity, error) {
	if s == "" {
		return SeverityInfo, nil
	}
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := severityRank[sev]; !ok {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// Rank returns the numeric order of s (unknown severities rank as info).
func (s Severity) Rank() int { return severityRank[s] }

// AtLeast reports whether s is as severe as min or more.
func (s Severity) AtLeast(min Severity) bool { return s.Rank() >= min.Rank() }

// AlertEvent is an immutable fired-rule record. ID is assigned by the event
// log on append and is strictly increasing.
type AlertEvent struct {
	ID        int64           `json:"id"`
	RuleID    string          `json:"rule_id"`
	Symbol    string          `json:"symbol"`
	Timeframe Timeframe       `json:"tf"`
	TS        time.Time       `json:"ts"` // close time of the triggering bar
	Severity  Severity        `json:"severity"`
	Kind      string          `json:"kind"`
	Message   string          `json:"message"`
	Payload   json.RawMessage `json:"payload"`
}

// Title renders a short one-line summary, e.g. "[WARNING] BTCUSDT volume_spike 5m".
func (e *AlertEvent) Title() string {
	return "[" + strings.ToUpper(string(e.Severity)) + "] " + e.Symbol + " " + e.Kind + " " + e.Timeframe.String()
}
