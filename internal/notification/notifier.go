// Package notification renders alert events and delivers them to external
// channels (webhook, Telegram, Redis stream, local sound, log), tracking one
// delivery record per (event, channel).
package notification

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"cryptoalerts/internal/model"
)

// Notifier is one delivery channel. A disabled notifier is missing required
// configuration; the router records it as skipped without calling Send.
type Notifier interface {
	Name() string
	Enabled() bool
	Send(ctx context.Context, msg Message) error
}

// Message is the channel-neutral rendering of an alert event.
type Message struct {
	EventID  int64
	RuleID   string
	Symbol   string
	TF       string
	Severity model.Severity
	Kind     string
	TS       time.Time
	Title    string
	Text     string // plain one-liner
	Markdown string
	Details  []Detail
	Payload  json.RawMessage
}

// Detail is one rendered payload field.
type Detail struct {
	Key   string
	Value string
}

// NewMessage renders ev.
func NewMessage(ev model.AlertEvent) Message {
	m := Message{
		EventID:  ev.ID,
		RuleID:   ev.RuleID,
		Symbol:   ev.Symbol,
		TF:       ev.Timeframe.String(),
		Severity: ev.Severity,
		Kind:     ev.Kind,
		TS:       ev.TS.UTC(),
		Payload:  ev.Payload,
		Details:  renderDetails(ev.Payload),
	}
	sev := strings.ToUpper(string(ev.Severity))
	m.Title = "[" + sev + "] " + ev.Symbol + " " + ev.RuleID
	m.Text = m.Title + " " + m.TF + ": " + ev.Message

	var b strings.Builder
	b.WriteString("# " + m.Title + " " + m.TF + "\n")
	b.WriteString("- time (UTC): " + m.TS.Format("2006-01-02 15:04:05") + "\n")
	if len(m.Details) > 0 {
		parts := make([]string, len(m.Details))
		for i, d := range m.Details {
			parts[i] = d.Key + ": " + d.Value
		}
		b.WriteString("- details: " + strings.Join(parts, ", ") + "\n")
	}
	b.WriteString("- message: " + ev.Message)
	m.Markdown = b.String()
	return m
}

// renderDetails flattens a JSON object payload into sorted key/value pairs.
// Numbers are formatted as prices.
func renderDetails(raw json.RawMessage) []Detail {
	if len(raw) == 0 {
		return nil
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return []Detail{{Key: "payload", Value: string(raw)}}
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Detail, 0, len(keys))
	for _, k := range keys {
		var v string
		switch x := fields[k].(type) {
		case float64:
			v = FormatPrice(x)
		case string:
			v = x
		case bool:
			if x {
				v = "true"
			} else {
				v = "false"
			}
		default:
			b, _ := json.Marshal(x)
			v = string(b)
		}
		out = append(out, Detail{Key: k, Value: v})
	}
	return out
}

// FormatPrice rounds v to a precision that suits its magnitude and drops
// trailing zeros: 64321.123 -> "64321.12", 1.234567 -> "1.2346",
// 0.000012345678 -> "0.00001235".
func FormatPrice(v float64) string {
	d := decimal.NewFromFloat(v)
	abs := d.Abs()
	var places int32
	switch {
	case abs.GreaterThanOrEqual(decimal.NewFromInt(1000)):
		places = 2
	case abs.GreaterThanOrEqual(decimal.NewFromInt(1)):
		places = 4
	default:
		places = 8
	}
	return d.Round(places).String()
}

// LogNotifier writes alerts to the structured log. It is always enabled.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notify_log").Logger()}
}

func (n *LogNotifier) Name() string  { return "log" }
func (n *LogNotifier) Enabled() bool { return true }

func (n *LogNotifier) Send(_ context.Context, msg Message) error {
	n.logger.Info().
		Int64("event_id", msg.EventID).
		Str("rule", msg.RuleID).
		Str("severity", string(msg.Severity)).
		Str("symbol", msg.Symbol).
		Str("tf", msg.TF).
		Msg(msg.Text)
	return nil
}

var _ Notifier = (*LogNotifier)(nil)
