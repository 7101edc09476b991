// Package sqlite is the durable store of the alert pipeline: closed bars,
// indicator state, the alert event log, per-channel delivery records,
// consumer cursors and rule state. All writes go through one connection
// guarded by a mutex (single writer); reads use a separate pool.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"cryptoalerts/internal/model"
)

const memoryPath = ":memory:"

// Config configures the SQLite store.
type Config struct {
	DBPath    string // path to the database file, e.g. "data/alerts.db"; ":memory:" for scratch
	ReadConns int    // reader pool size (default 4)
}

// Store implements every storage port in internal/model.
type Store struct {
	mu  sync.Mutex // serializes writers
	wdb *sql.DB
	rdb *sql.DB

	logger zerolog.Logger

	// OnWrite is called after each committed write with the operation name
	// and its duration (optional, for metrics).
	OnWrite func(op string, d time.Duration)
}

var (
	_ model.BarStore       = (*Store)(nil)
	_ model.IndicatorStore = (*Store)(nil)
	_ model.EventLog       = (*Store)(nil)
	_ model.CursorStore    = (*Store)(nil)
	_ model.DeliveryStore  = (*Store)(nil)
	_ model.RuleStateStore = (*Store)(nil)
)

// Open opens (or creates) the database, applies WAL settings and the schema.
func Open(cfg Config, logger zerolog.Logger) (*Store, error) {
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("sqlite: empty db path")
	}
	if cfg.ReadConns <= 0 {
		cfg.ReadConns = 4
	}
	logger = logger.With().Str("component", "sqlite").Logger()

	if cfg.DBPath == memoryPath {
		db, err := sql.Open("sqlite3", "file::memory:?_busy_timeout=5000")
		if err != nil {
			return nil, unavailable("open", err)
		}
		// One connection keeps the in-memory database alive and shared.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		if err := createSchema(db); err != nil {
			db.Close()
			return nil, unavailable("schema", err)
		}
		return &Store{wdb: db, rdb: db, logger: logger}, nil
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, unavailable("mkdir", err)
		}
	}

	dsn := cfg.DBPath + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	wdb, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, unavailable("open writer", err)
	}
	wdb.SetMaxOpenConns(1)
	wdb.SetMaxIdleConns(1)

	if err := createSchema(wdb); err != nil {
		wdb.Close()
		return nil, unavailable("schema", err)
	}

	rdb, err := sql.Open("sqlite3", dsn)
	if err != nil {
		wdb.Close()
		return nil, unavailable("open reader", err)
	}
	rdb.SetMaxOpenConns(cfg.ReadConns)
	rdb.SetMaxIdleConns(cfg.ReadConns)

	logger.Info().Str("path", cfg.DBPath).Msg("opened database")
	return &Store{wdb: wdb, rdb: rdb, logger: logger}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS bars (
			symbol    TEXT    NOT NULL,
			tf        INTEGER NOT NULL,
			open_time INTEGER NOT NULL,
			open      REAL    NOT NULL,
			high      REAL    NOT NULL,
			low       REAL    NOT NULL,
			close     REAL    NOT NULL,
			volume    REAL    NOT NULL,
			count     INTEGER NOT NULL DEFAULT 0,
			filled    INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (symbol, tf, open_time)
		);

		CREATE TABLE IF NOT EXISTS indicator_values (
			symbol  TEXT    NOT NULL,
			tf      INTEGER NOT NULL,
			name    TEXT    NOT NULL,
			ts      INTEGER NOT NULL,
			value   REAL    NOT NULL,
			defined INTEGER NOT NULL,
			state   BLOB,
			PRIMARY KEY (symbol, tf, name)
		);

		CREATE TABLE IF NOT EXISTS events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			rule_id    TEXT    NOT NULL,
			symbol     TEXT    NOT NULL,
			tf         INTEGER NOT NULL,
			ts         INTEGER NOT NULL,
			severity   TEXT    NOT NULL,
			kind       TEXT    NOT NULL,
			message    TEXT    NOT NULL,
			payload    TEXT    NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_symbol_ts ON events(symbol, ts);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_events_dedup ON events(rule_id, symbol, tf, ts);

		CREATE TABLE IF NOT EXISTS deliveries (
			event_id        INTEGER NOT NULL REFERENCES events(id),
			channel         TEXT    NOT NULL,
			status          TEXT    NOT NULL,
			attempts        INTEGER NOT NULL DEFAULT 0,
			last_attempt_at INTEGER NOT NULL DEFAULT 0,
			last_error      TEXT    NOT NULL DEFAULT '',
			PRIMARY KEY (event_id, channel)
		);
		CREATE INDEX IF NOT EXISTS idx_deliveries_status ON deliveries(status);

		CREATE TABLE IF NOT EXISTS cursors (
			consumer_id   TEXT    PRIMARY KEY,
			last_acked_id INTEGER NOT NULL,
			updated_at    INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS rule_states (
			rule_id        TEXT    PRIMARY KEY,
			phase          TEXT    NOT NULL,
			cooldown_until INTEGER NOT NULL DEFAULT 0,
			last_fired_at  INTEGER NOT NULL DEFAULT 0,
			baseline       REAL    NOT NULL DEFAULT 0,
			updated_at     INTEGER NOT NULL DEFAULT 0
		);
	`)
	if err != nil {
		return err
	}
	return addColumns(db, "rule_states", map[string]string{
		"samples":       "INTEGER NOT NULL DEFAULT 0",
		"sample_count":  "INTEGER NOT NULL DEFAULT 0",
		"confirm_since": "INTEGER NOT NULL DEFAULT 0",
	})
}

// addColumns adds the named columns to table when an older database lacks
// them.
func addColumns(db *sql.DB, table string, cols map[string]string) error {
	rows, err := db.Query(`SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return err
	}
	have := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		have[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	names := make([]string, 0, len(cols))
	for name := range cols {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if have[name] {
			continue
		}
		if _, err := db.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, name, cols[name])); err != nil {
			return err
		}
	}
	return nil
}

// DB returns the writer handle for health checks.
func (s *Store) DB() *sql.DB { return s.wdb }

// Ping checks that both pools are reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.wdb.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	if s.rdb != s.wdb {
		if err := s.rdb.PingContext(ctx); err != nil {
			return unavailable("ping reader", err)
		}
	}
	return nil
}

// Close closes both pools.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rdb != s.wdb {
		s.rdb.Close()
	}
	return s.wdb.Close()
}

// write runs fn inside a transaction on the single writer connection.
// Local writes are never subject to caller deadlines: the context is
// detached from cancellation so a commit is either complete or not started.
func (s *Store) write(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	ctx = context.WithoutCancel(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	tx, err := s.wdb.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(op+" begin", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return unavailable(op, err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable(op+" commit", err)
	}
	if s.OnWrite != nil {
		s.OnWrite(op, time.Since(start))
	}
	return nil
}

// unavailable wraps a driver error so callers can test for ErrStoreUnavailable.
func unavailable(op string, err error) error {
	return fmt.Errorf("sqlite %s: %w: %w", op, model.ErrStoreUnavailable, err)
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
