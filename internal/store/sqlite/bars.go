package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cryptoalerts/internal/model"
)

// AppendBars inserts closed bars in a single transaction. Bars are immutable
// once closed, so a bar already present for (symbol, tf, open_time) is kept.
func (s *Store) AppendBars(ctx context.Context, bars []model.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	for i := range bars {
		if !bars[i].Closed {
			return fmt.Errorf("sqlite append bars: bar %s@%s is not closed", bars[i].Key(), bars[i].OpenTime)
		}
	}
	return s.write(ctx, "append_bars", func(tx *sql.Tx) error {
		return insertBars(ctx, tx, bars)
	})
}

func insertBars(ctx context.Context, tx *sql.Tx, bars []model.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO bars (symbol, tf, open_time, open, high, low, close, volume, count, filled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, tf, open_time) DO NOTHING
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, b := range bars {
		if _, err := stmt.ExecContext(ctx, b.Symbol, b.Timeframe.Seconds(), b.OpenTime.Unix(),
			b.Open, b.High, b.Low, b.Close, b.Volume, b.Count, boolInt(b.Filled)); err != nil {
			return err
		}
	}
	return nil
}

// ReadBars returns closed bars for symbol/tf with from <= open_time < to,
// ordered by open time. A zero `to` means no upper bound.
func (s *Store) ReadBars(ctx context.Context, symbol string, tf model.Timeframe, from, to time.Time) ([]model.Bar, error) {
	upper := int64(1<<62 - 1)
	if !to.IsZero() {
		upper = to.Unix()
	}
	rows, err := s.rdb.QueryContext(ctx, `
		SELECT open_time, open, high, low, close, volume, count, filled
		FROM bars
		WHERE symbol = ? AND tf = ? AND open_time >= ? AND open_time < ?
		ORDER BY open_time ASC
	`, symbol, tf.Seconds(), unixOrZero(from), upper)
	if err != nil {
		return nil, unavailable("query bars", err)
	}
	defer rows.Close()

	var bars []model.Bar
	for rows.Next() {
		b := model.Bar{Symbol: symbol, Timeframe: tf, Closed: true}
		var openUnix int64
		var filled int
		if err := rows.Scan(&openUnix, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.Count, &filled); err != nil {
			return nil, unavailable("scan bars", err)
		}
		b.OpenTime = time.Unix(openUnix, 0).UTC()
		b.Filled = filled == 1
		bars = append(bars, b)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate bars", err)
	}
	return bars, nil
}

// LatestBar returns the most recent closed bar for symbol/tf, or nil.
func (s *Store) LatestBar(ctx context.Context, symbol string, tf model.Timeframe) (*model.Bar, error) {
	b := model.Bar{Symbol: symbol, Timeframe: tf, Closed: true}
	var openUnix int64
	var filled int
	err := s.rdb.QueryRowContext(ctx, `
		SELECT open_time, open, high, low, close, volume, count, filled
		FROM bars
		WHERE symbol = ? AND tf = ?
		ORDER BY open_time DESC
		LIMIT 1
	`, symbol, tf.Seconds()).Scan(&openUnix, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.Count, &filled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("latest bar", err)
	}
	b.OpenTime = time.Unix(openUnix, 0).UTC()
	b.Filled = filled == 1
	return &b, nil
}

// Symbols lists the distinct symbols that have bars on tf.
func (s *Store) Symbols(ctx context.Context, tf model.Timeframe) ([]string, error) {
	rows, err := s.rdb.QueryContext(ctx, `SELECT DISTINCT symbol FROM bars WHERE tf = ? ORDER BY symbol`, tf.Seconds())
	if err != nil {
		return nil, unavailable("query symbols", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, unavailable("scan symbols", err)
		}
		out = append(out, sym)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate symbols", err)
	}
	return out, nil
}
