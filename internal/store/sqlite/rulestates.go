package sqlite

import (
	"context"
	"database/sql"

	"cryptoalerts/internal/model"
)

// LoadRuleStates returns all persisted rule states ordered by rule id.
func (s *Store) LoadRuleStates(ctx context.Context) ([]model.RuleState, error) {
	rows, err := s.rdb.QueryContext(ctx, `
		SELECT rule_id, phase, cooldown_until, last_fired_at, baseline, updated_at,
		       samples, sample_count, confirm_since
		FROM rule_states
		ORDER BY rule_id
	`)
	if err != nil {
		return nil, unavailable("query rule states", err)
	}
	defer rows.Close()

	var out []model.RuleState
	for rows.Next() {
		var st model.RuleState
		var phase string
		var until, fired, updated, samples, since int64
		if err := rows.Scan(&st.RuleID, &phase, &until, &fired, &st.Baseline, &updated,
			&samples, &st.SampleCount, &since); err != nil {
			return nil, unavailable("scan rule states", err)
		}
		st.Phase = model.RulePhase(phase)
		st.CooldownUntil = timeOrZero(until)
		st.LastFiredAt = timeOrZero(fired)
		st.UpdatedAt = timeOrZero(updated)
		st.Samples = uint64(samples)
		st.ConfirmSince = timeOrZero(since)
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate rule states", err)
	}
	return out, nil
}

// SaveRuleStates upserts states in one transaction.
func (s *Store) SaveRuleStates(ctx context.Context, states []model.RuleState) error {
	if len(states) == 0 {
		return nil
	}
	return s.write(ctx, "save_rule_states", func(tx *sql.Tx) error {
		return upsertRuleStates(ctx, tx, states)
	})
}

func upsertRuleStates(ctx context.Context, tx *sql.Tx, states []model.RuleState) error {
	if len(states) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO rule_states (rule_id, phase, cooldown_until, last_fired_at, baseline, updated_at,
			samples, sample_count, confirm_since)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(rule_id) DO UPDATE SET
			phase = excluded.phase,
			cooldown_until = excluded.cooldown_until,
			last_fired_at = excluded.last_fired_at,
			baseline = excluded.baseline,
			updated_at = excluded.updated_at,
			samples = excluded.samples,
			sample_count = excluded.sample_count,
			confirm_since = excluded.confirm_since
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, st := range states {
		if _, err := stmt.ExecContext(ctx, st.RuleID, string(st.Phase),
			unixOrZero(st.CooldownUntil), unixOrZero(st.LastFiredAt), st.Baseline, unixOrZero(st.UpdatedAt),
			int64(st.Samples), st.SampleCount, unixOrZero(st.ConfirmSince)); err != nil {
			return err
		}
	}
	return nil
}
