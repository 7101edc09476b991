package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"cryptoalerts/internal/model"
)

// LoadCursor returns the cursor for consumerID, or a zero cursor at id 0.
func (s *Store) LoadCursor(ctx context.Context, consumerID string) (model.ConsumerCursor, error) {
	c := model.ConsumerCursor{ConsumerID: consumerID}
	var updated int64
	err := s.rdb.QueryRowContext(ctx, `
		SELECT last_acked_id, updated_at FROM cursors WHERE consumer_id = ?
	`, consumerID).Scan(&c.LastAckedID, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return c, nil
	}
	if err != nil {
		return c, unavailable("load cursor", err)
	}
	c.UpdatedAt = timeOrZero(updated)
	return c, nil
}

// SaveCursor upserts the cursor, keeping the larger of the stored and the
// new position.
func (s *Store) SaveCursor(ctx context.Context, c model.ConsumerCursor) error {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	return s.write(ctx, "save_cursor", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO cursors (consumer_id, last_acked_id, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(consumer_id) DO UPDATE SET
				last_acked_id = MAX(cursors.last_acked_id, excluded.last_acked_id),
				updated_at = excluded.updated_at
		`, c.ConsumerID, c.LastAckedID, c.UpdatedAt.Unix())
		return err
	})
}
