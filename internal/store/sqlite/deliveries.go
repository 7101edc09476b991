package sqlite

import (
	"context"
	"database/sql"
	"time"

	"cryptoalerts/internal/model"
)

// EnsureDeliveries inserts a pending record for every channel of eventID that
// has none yet, then returns the records for the requested channels in the
// order given.
func (s *Store) EnsureDeliveries(ctx context.Context, eventID int64, channels []string) ([]model.DeliveryRecord, error) {
	if len(channels) == 0 {
		return nil, nil
	}
	out := make([]model.DeliveryRecord, 0, len(channels))
	err := s.write(ctx, "ensure_deliveries", func(tx *sql.Tx) error {
		ins, err := tx.PrepareContext(ctx, `
			INSERT INTO deliveries (event_id, channel, status)
			VALUES (?, ?, ?)
			ON CONFLICT(event_id, channel) DO NOTHING
		`)
		if err != nil {
			return err
		}
		defer ins.Close()

		sel, err := tx.PrepareContext(ctx, `
			SELECT status, attempts, last_attempt_at, last_error
			FROM deliveries WHERE event_id = ? AND channel = ?
		`)
		if err != nil {
			return err
		}
		defer sel.Close()

		for _, ch := range channels {
			if _, err := ins.ExecContext(ctx, eventID, ch, string(model.DeliveryPending)); err != nil {
				return err
			}
			rec := model.DeliveryRecord{EventID: eventID, Channel: ch}
			var status string
			var last int64
			if err := sel.QueryRowContext(ctx, eventID, ch).Scan(&status, &rec.Attempts, &last, &rec.LastError); err != nil {
				return err
			}
			rec.Status = model.DeliveryStatus(status)
			rec.LastAttemptAt = millisOrZero(last)
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateDelivery writes the record's status, attempts and last error.
func (s *Store) UpdateDelivery(ctx context.Context, rec model.DeliveryRecord) error {
	var last int64
	if !rec.LastAttemptAt.IsZero() {
		last = rec.LastAttemptAt.UnixMilli()
	}
	return s.write(ctx, "update_delivery", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO deliveries (event_id, channel, status, attempts, last_attempt_at, last_error)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(event_id, channel) DO UPDATE SET
				status = excluded.status,
				attempts = excluded.attempts,
				last_attempt_at = excluded.last_attempt_at,
				last_error = excluded.last_error
		`, rec.EventID, rec.Channel, string(rec.Status), rec.Attempts, last, rec.LastError)
		return err
	})
}

// ListDeliveries returns records with the given status ("" for all), newest
// event first.
func (s *Store) ListDeliveries(ctx context.Context, status model.DeliveryStatus, limit int) ([]model.DeliveryRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.rdb.QueryContext(ctx, `
		SELECT event_id, channel, status, attempts, last_attempt_at, last_error
		FROM deliveries
		WHERE (? = '' OR status = ?)
		ORDER BY event_id DESC, channel ASC
		LIMIT ?
	`, string(status), string(status), limit)
	if err != nil {
		return nil, unavailable("query deliveries", err)
	}
	defer rows.Close()

	var out []model.DeliveryRecord
	for rows.Next() {
		var rec model.DeliveryRecord
		var st string
		var last int64
		if err := rows.Scan(&rec.EventID, &rec.Channel, &st, &rec.Attempts, &last, &rec.LastError); err != nil {
			return nil, unavailable("scan deliveries", err)
		}
		rec.Status = model.DeliveryStatus(st)
		rec.LastAttemptAt = millisOrZero(last)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate deliveries", err)
	}
	return out, nil
}

// ResetFailed moves failed records (of one channel, or all when channel is
// empty) back to pending with zero attempts and returns the distinct event ids.
func (s *Store) ResetFailed(ctx context.Context, channel string) ([]int64, error) {
	var ids []int64
	err := s.write(ctx, "reset_failed", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT DISTINCT event_id FROM deliveries
			WHERE status = ? AND (? = '' OR channel = ?)
			ORDER BY event_id
		`, string(model.DeliveryFailed), channel, channel)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE deliveries SET status = ?, attempts = 0
			WHERE status = ? AND (? = '' OR channel = ?)
		`, string(model.DeliveryPending), string(model.DeliveryFailed), channel, channel)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func millisOrZero(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
