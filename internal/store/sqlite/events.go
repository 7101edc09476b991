package sqlite

import (
	"context"
	"database/sql"
	"time"

	"cryptoalerts/internal/model"
)

const insertEventSQL = `
	INSERT INTO events (rule_id, symbol, tf, ts, severity, kind, message, payload, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(rule_id, symbol, tf, ts) DO NOTHING
`

// Append durably stores ev and returns its id. Appending an event that is
// already logged returns the existing id.
func (s *Store) Append(ctx context.Context, ev model.AlertEvent) (int64, error) {
	events := []model.AlertEvent{ev}
	if err := s.AppendWithStates(ctx, events, nil); err != nil {
		return 0, err
	}
	return events[0].ID, nil
}

// AppendWithStates appends events in slice order and upserts rule states in
// the same transaction. Assigned ids are written back into events.
func (s *Store) AppendWithStates(ctx context.Context, events []model.AlertEvent, states []model.RuleState) error {
	_, err := s.Commit(ctx, model.Commit{Events: events, States: states})
	return err
}

// EventsAfter returns up to limit events with id > afterID in id order.
func (s *Store) EventsAfter(ctx context.Context, afterID int64, limit int) ([]model.AlertEvent, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.rdb.QueryContext(ctx, `
		SELECT id, rule_id, symbol, tf, ts, severity, kind, message, payload
		FROM events
		WHERE id > ?
		ORDER BY id ASC
		LIMIT ?
	`, afterID, limit)
	if err != nil {
		return nil, unavailable("query events", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// EventsBetween returns events whose ts lies in [from, to), ordered by id.
// Used by replay to export a window.
func (s *Store) EventsBetween(ctx context.Context, from, to time.Time) ([]model.AlertEvent, error) {
	rows, err := s.rdb.QueryContext(ctx, `
		SELECT id, rule_id, symbol, tf, ts, severity, kind, message, payload
		FROM events
		WHERE ts >= ? AND ts < ?
		ORDER BY id ASC
	`, from.Unix(), to.Unix())
	if err != nil {
		return nil, unavailable("query events", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// EventByID returns one event, or nil if it does not exist.
func (s *Store) EventByID(ctx context.Context, id int64) (*model.AlertEvent, error) {
	rows, err := s.rdb.QueryContext(ctx, `
		SELECT id, rule_id, symbol, tf, ts, severity, kind, message, payload
		FROM events WHERE id = ?
	`, id)
	if err != nil {
		return nil, unavailable("query event", err)
	}
	defer rows.Close()
	evs, err := scanEvents(rows)
	if err != nil || len(evs) == 0 {
		return nil, err
	}
	return &evs[0], nil
}

// LastEventID returns the highest logged event id, 0 for an empty log.
func (s *Store) LastEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.rdb.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM events`).Scan(&id); err != nil {
		return 0, unavailable("query last event id", err)
	}
	return id, nil
}

func scanEvents(rows *sql.Rows) ([]model.AlertEvent, error) {
	var out []model.AlertEvent
	for rows.Next() {
		var ev model.AlertEvent
		var tfSec, ts int64
		var sev, payload string
		if err := rows.Scan(&ev.ID, &ev.RuleID, &ev.Symbol, &tfSec, &ts, &sev, &ev.Kind, &ev.Message, &payload); err != nil {
			return nil, unavailable("scan events", err)
		}
		ev.Timeframe = model.Timeframe(time.Duration(tfSec) * time.Second)
		ev.TS = time.Unix(ts, 0).UTC()
		ev.Severity = model.Severity(sev)
		ev.Payload = []byte(payload)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate events", err)
	}
	return out, nil
}
