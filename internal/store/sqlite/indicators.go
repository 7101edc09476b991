package sqlite

import (
	"context"
	"database/sql"
	"time"

	"cryptoalerts/internal/model"
)

// UpsertIndicators stores the latest value and state per (symbol, tf, name).
func (s *Store) UpsertIndicators(ctx context.Context, values []model.IndicatorValue) error {
	if len(values) == 0 {
		return nil
	}
	return s.write(ctx, "upsert_indicators", func(tx *sql.Tx) error {
		return upsertIndicators(ctx, tx, values)
	})
}

func upsertIndicators(ctx context.Context, tx *sql.Tx, values []model.IndicatorValue) error {
	if len(values) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO indicator_values (symbol, tf, name, ts, value, defined, state)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, tf, name) DO UPDATE SET
			ts = excluded.ts,
			value = excluded.value,
			defined = excluded.defined,
			state = excluded.state
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, v := range values {
		if _, err := stmt.ExecContext(ctx, v.Symbol, v.Timeframe.Seconds(), v.Name,
			v.TS.Unix(), v.Value, boolInt(v.Defined), v.State); err != nil {
			return err
		}
	}
	return nil
}

// LoadIndicators returns every stored indicator value for symbol, ordered by
// timeframe then name.
func (s *Store) LoadIndicators(ctx context.Context, symbol string) ([]model.IndicatorValue, error) {
	rows, err := s.rdb.QueryContext(ctx, `
		SELECT tf, name, ts, value, defined, state
		FROM indicator_values
		WHERE symbol = ?
		ORDER BY tf, name
	`, symbol)
	if err != nil {
		return nil, unavailable("query indicators", err)
	}
	defer rows.Close()

	var out []model.IndicatorValue
	for rows.Next() {
		v := model.IndicatorValue{Symbol: symbol}
		var tfSec, ts int64
		var defined int
		if err := rows.Scan(&tfSec, &v.Name, &ts, &v.Value, &defined, &v.State); err != nil {
			return nil, unavailable("scan indicators", err)
		}
		v.Timeframe = model.Timeframe(time.Duration(tfSec) * time.Second)
		v.TS = time.Unix(ts, 0).UTC()
		v.Defined = defined == 1
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate indicators", err)
	}
	return out, nil
}
