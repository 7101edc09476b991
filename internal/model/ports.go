package model

import (
	"context"
	"time"
)

// ── Storage port interfaces ──
// Business logic depends on these; internal/store/sqlite implements all of
// them. Writes are serialized by the implementation (single writer).

// BarStore is the durable append-only store of closed bars.
type BarStore interface {
	// AppendBars persists closed bars. Re-appending an identical bar is a no-op.
	AppendBars(ctx context.Context, bars []Bar) error

	// ReadBars returns closed bars with from <= open_time < to, ascending.
	ReadBars(ctx context.Context, symbol string, tf Timeframe, from, to time.Time) ([]Bar, error)

	// LatestBar returns the most recent closed bar, or nil if none exists.
	LatestBar(ctx context.Context, symbol string, tf Timeframe) (*Bar, error)
}

// IndicatorStore persists the latest value and incremental state per series.
type IndicatorStore interface {
	UpsertIndicators(ctx context.Context, values []IndicatorValue) error
	LoadIndicators(ctx context.Context, symbol string) ([]IndicatorValue, error)
}

// EventLog is the append-only alert event log ordered by id.
type EventLog interface {
	// Append durably stores the event and returns its assigned id.
	Append(ctx context.Context, ev AlertEvent) (int64, error)

	// AppendWithStates appends events and upserts rule states atomically.
	// Events are assigned ids in slice order; the input slice is updated.
	AppendWithStates(ctx context.Context, events []AlertEvent, states []RuleState) error

	// EventsAfter returns up to limit events with id > afterID, ascending.
	EventsAfter(ctx context.Context, afterID int64, limit int) ([]AlertEvent, error)
}

// Commit is the durable output of processing one or more bars: closed bars,
// fired events, the rule states they moved, and the latest indicator values
// with their state blobs.
type Commit struct {
	Bars       []Bar
	Events     []AlertEvent
	States     []RuleState
	Indicators []IndicatorValue
}

// Empty reports whether c has nothing to write.
func (c *Commit) Empty() bool {
	return len(c.Bars) == 0 && len(c.Events) == 0 && len(c.States) == 0 && len(c.Indicators) == 0
}

// Committer writes a Commit atomically: either all of it is durable or none.
type Committer interface {
	// Commit assigns ids to c.Events in slice order (the slice is updated).
	// An event already logged for the same (rule, symbol, tf, ts) keeps its
	// existing id and is left out of the returned fresh events.
	Commit(ctx context.Context, c Commit) (fresh []AlertEvent, err error)
}

// CursorStore persists durable consumer positions.
type CursorStore interface {
	// LoadCursor returns the cursor for consumerID (zero value if absent).
	LoadCursor(ctx context.Context, consumerID string) (ConsumerCursor, error)

	// SaveCursor upserts the cursor. It never moves a cursor backwards.
	SaveCursor(ctx context.Context, c ConsumerCursor) error
}

// DeliveryStore tracks per-(event, channel) delivery outcomes.
type DeliveryStore interface {
	// EnsureDeliveries creates pending records for channels that have none
	// and returns the current record for every requested channel.
	EnsureDeliveries(ctx context.Context, eventID int64, channels []string) ([]DeliveryRecord, error)

	// UpdateDelivery writes the record's status, attempts and error.
	UpdateDelivery(ctx context.Context, rec DeliveryRecord) error

	// ListDeliveries returns records filtered by status ("" = all), newest first.
	ListDeliveries(ctx context.Context, status DeliveryStatus, limit int) ([]DeliveryRecord, error)

	// ResetFailed moves failed records of channel ("" = all) back to pending
	// and returns the affected event ids.
	ResetFailed(ctx context.Context, channel string) ([]int64, error)
}

// RuleStateStore persists rule engine state across restarts.
type RuleStateStore interface {
	LoadRuleStates(ctx context.Context) ([]RuleState, error)
	SaveRuleStates(ctx context.Context, states []RuleState) error
}
