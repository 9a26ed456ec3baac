// SQLite-backed store: connection setup, schema migrations, rate-limiter
// state persistence, and queue statistics. The queue operations live in
// inbound_sqlite.go and outbound_sqlite.go.

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/ReplyPipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is the primary single-node backend for the dual queue.
type SQLiteStore struct {
	db         *sql.DB
	maxRetries int
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given options. The DSN
// is a file path to the database file; its directory is created if missing.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = models.DefaultMaxRetries
	}

	slog.Debug("SQLite store ready", "maxRetries", maxRetries)
	return &SQLiteStore{db: db, maxRetries: maxRetries}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}

// LoadRateState returns the persisted token-bucket state, or nil if none.
func (s *SQLiteStore) LoadRateState() (*models.RateState, error) {
	var st models.RateState
	err := s.db.QueryRow(
		`SELECT tokens, last_refill_at, total_calls, blocked_calls FROM rate_limiter_state WHERE id = 1`,
	).Scan(&st.Tokens, &st.LastRefillAt, &st.TotalCalls, &st.BlockedCalls)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore.LoadRateState: no persisted state")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load rate state failed: %w", err)
	}
	return &st, nil
}

// SaveRateState replaces the persisted token-bucket state.
func (s *SQLiteStore) SaveRateState(st models.RateState) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO rate_limiter_state (id, tokens, last_refill_at, total_calls, blocked_calls)
		 VALUES (1, ?, ?, ?, ?)`,
		st.Tokens, st.LastRefillAt, st.TotalCalls, st.BlockedCalls,
	)
	if err != nil {
		return fmt.Errorf("save rate state failed: %w", err)
	}
	return nil
}

// QueueStats reports per-status row counts for both queues.
func (s *SQLiteStore) QueueStats() (models.QueueStats, error) {
	var stats models.QueueStats

	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM inbound_items GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("inbound stats query failed: %w", err)
	}
	if err := collectInboundStats(rows, &stats); err != nil {
		return stats, err
	}

	rows, err = s.db.Query(`SELECT status, COUNT(*) FROM outbound_items GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("outbound stats query failed: %w", err)
	}
	if err := collectOutboundStats(rows, &stats); err != nil {
		return stats, err
	}

	return stats, nil
}

// now is split out so the SQLite and Postgres files share one timestamp idiom.
func now() time.Time {
	return time.Now().UTC()
}
