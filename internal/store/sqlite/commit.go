package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"cryptoalerts/internal/model"
)

var _ model.Committer = (*Store)(nil)

// Commit writes bars, events, rule states and indicator values in a single
// transaction, so a failure leaves the store exactly as it was before the
// batch. Events already present under the dedup key keep their id and are
// not returned as fresh.
func (s *Store) Commit(ctx context.Context, c model.Commit) ([]model.AlertEvent, error) {
	if c.Empty() {
		return nil, nil
	}
	for i := range c.Bars {
		if !c.Bars[i].Closed {
			return nil, fmt.Errorf("sqlite commit: bar %s@%s is not closed", c.Bars[i].Key(), c.Bars[i].OpenTime)
		}
	}
	ids := make([]int64, len(c.Events))
	fresh := make([]bool, len(c.Events))
	err := s.write(ctx, "commit", func(tx *sql.Tx) error {
		if err := insertBars(ctx, tx, c.Bars); err != nil {
			return err
		}
		if err := insertEvents(ctx, tx, c.Events, ids, fresh); err != nil {
			return err
		}
		if err := upsertRuleStates(ctx, tx, c.States); err != nil {
			return err
		}
		return upsertIndicators(ctx, tx, c.Indicators)
	})
	if err != nil {
		return nil, err
	}
	var out []model.AlertEvent
	for i := range c.Events {
		c.Events[i].ID = ids[i]
		if fresh[i] {
			out = append(out, c.Events[i])
		}
	}
	return out, nil
}

// insertEvents appends events in slice order. A conflict on the dedup key
// resolves to the id already logged; fresh[i] reports a new row.
func insertEvents(ctx context.Context, tx *sql.Tx, events []model.AlertEvent, ids []int64, fresh []bool) error {
	if len(events) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, insertEventSQL)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for i, ev := range events {
		payload := string(ev.Payload)
		if payload == "" {
			payload = "{}"
		}
		res, err := stmt.ExecContext(ctx, ev.RuleID, ev.Symbol, ev.Timeframe.Seconds(), ev.TS.Unix(),
			string(ev.Severity), ev.Kind, ev.Message, payload, now)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			if err := tx.QueryRowContext(ctx,
				`SELECT id FROM events WHERE rule_id = ? AND symbol = ? AND tf = ? AND ts = ?`,
				ev.RuleID, ev.Symbol, ev.Timeframe.Seconds(), ev.TS.Unix()).Scan(&ids[i]); err != nil {
				return err
			}
			continue
		}
		if ids[i], err = res.LastInsertId(); err != nil {
			return err
		}
		fresh[i] = true
	}
	return nil
}
