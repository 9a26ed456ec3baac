// PostgreSQL-backed store mirroring the SQLite backend. Claims use
// FOR UPDATE SKIP LOCKED so a stray concurrent process cannot double-claim
// rows even without the tick lock.

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/BTreeMap/ReplyPipe/internal/util"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is the PostgreSQL backend for the dual queue.
type PostgresStore struct {
	db         *sql.DB
	maxRetries int
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = models.DefaultMaxRetries
	}

	return &PostgresStore{db: db, maxRetries: maxRetries}, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}

func (s *PostgresStore) EnqueueInbound(item models.InboundItem) (bool, error) {
	if item.ID == "" {
		return false, models.ErrEmptyID
	}
	refs, err := encodeRefs(item.AttachmentRefs)
	if err != nil {
		return false, err
	}
	ts := now()
	enqueuedAt := item.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = ts
	}

	res, err := s.db.Exec(
		`INSERT INTO inbound_items (id, conversation_id, thread_id, actor_id, body, has_attachments, attachment_refs, enqueued_at, status, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending', $9)
		 ON CONFLICT (id) DO NOTHING`,
		item.ID, item.ConversationID, item.ThreadID, item.ActorID, item.Text,
		item.HasAttachments, nilIfEmpty(refs), enqueuedAt, ts,
	)
	if err != nil {
		return false, fmt.Errorf("enqueue inbound item failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		slog.Debug("PostgresStore.EnqueueInbound: duplicate ignored", "id", item.ID)
		return false, nil
	}
	return true, nil
}

func (s *PostgresStore) ClaimPendingInbound(limit int) ([]models.InboundItem, error) {
	rows, err := s.db.Query(
		`SELECT `+inboundColumns+` FROM inbound_items
		 WHERE status = 'pending' ORDER BY enqueued_at ASC LIMIT $1
		 FOR UPDATE SKIP LOCKED`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim pending inbound failed: %w", err)
	}
	defer rows.Close()

	var items []models.InboundItem
	for rows.Next() {
		it, err := scanInboundItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim inbound iteration failed: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) SetInboundStatus(id string, status models.InboundStatus, lastError string) error {
	from, ok := inboundTransitionFrom(status)
	if !ok {
		return fmt.Errorf("%w: inbound item %s cannot move to %q", ErrIllegalTransition, id, status)
	}
	ts := now()

	var res sql.Result
	var err error
	switch status {
	case models.InboundStatusProcessed, models.InboundStatusError:
		res, err = s.db.Exec(
			`UPDATE inbound_items SET status = $1, processed_at = $2, last_error = $3, updated_at = $2
			 WHERE id = $4 AND status = $5`,
			status, ts, nilIfEmpty(lastError), id, from,
		)
	default:
		res, err = s.db.Exec(
			`UPDATE inbound_items SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
			status, ts, id, from,
		)
	}
	if err != nil {
		return fmt.Errorf("set inbound status failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return s.explainInboundTransition(id, status)
	}
	return nil
}

func (s *PostgresStore) RequeueStaleInbound(staleBefore time.Time) (int, error) {
	res, err := s.db.Exec(
		`UPDATE inbound_items SET status = 'pending', updated_at = $1
		 WHERE status = 'processing' AND updated_at < $2`,
		now(), staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale inbound failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.RequeueStaleInbound", "requeued", n)
	}
	return int(n), nil
}

func (s *PostgresStore) EnqueueOutbound(sourceItemID, conversationID, threadID, actorID, replyText string) (string, error) {
	if conversationID == "" {
		return "", models.ErrEmptyConversationID
	}
	if replyText == "" {
		return "", models.ErrEmptyReplyText
	}
	id := util.GenerateOutboundID()
	ts := now()

	_, err := s.db.Exec(
		`INSERT INTO outbound_items (id, source_item_id, conversation_id, thread_id, actor_id, reply_text, created_at, status, retry_count, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', 0, $8)`,
		id, sourceItemID, conversationID, threadID, actorID, replyText, ts, ts,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue outbound item failed: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) ClaimPendingOutbound(limit int) ([]models.OutboundItem, error) {
	rows, err := s.db.Query(
		`SELECT `+outboundColumns+` FROM outbound_items
		 WHERE status = 'pending' AND retry_count < $1 ORDER BY created_at ASC LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		s.maxRetries, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim pending outbound failed: %w", err)
	}
	defer rows.Close()

	var items []models.OutboundItem
	for rows.Next() {
		it, err := scanOutboundItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim outbound iteration failed: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) SetOutboundStatus(id string, status models.OutboundStatus, lastError string) error {
	ts := now()

	var res sql.Result
	var err error
	switch status {
	case models.OutboundStatusSending:
		res, err = s.db.Exec(
			`UPDATE outbound_items SET status = 'sending', updated_at = $1 WHERE id = $2 AND status = 'pending'`,
			ts, id,
		)
	case models.OutboundStatusSent:
		res, err = s.db.Exec(
			`UPDATE outbound_items SET status = 'sent', sent_at = $1, updated_at = $1 WHERE id = $2 AND status = 'sending'`,
			ts, id,
		)
	case models.OutboundStatusPending:
		res, err = s.db.Exec(
			`UPDATE outbound_items SET status = 'pending', last_error = $1, updated_at = $2 WHERE id = $3 AND status = 'sending'`,
			nilIfEmpty(lastError), ts, id,
		)
	case models.OutboundStatusError:
		res, err = s.db.Exec(
			`UPDATE outbound_items SET retry_count = retry_count + 1, last_error = $1,
			        status = CASE WHEN retry_count + 1 >= $2 THEN 'error' ELSE 'pending' END,
			        updated_at = $3
			 WHERE id = $4 AND status = 'sending'`,
			lastError, s.maxRetries, ts, id,
		)
	default:
		return fmt.Errorf("%w: outbound item %s cannot move to %q", ErrIllegalTransition, id, status)
	}
	if err != nil {
		return fmt.Errorf("set outbound status failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return s.explainOutboundTransition(id, status)
	}
	return nil
}

func (s *PostgresStore) RequeueStaleOutbound(staleBefore time.Time) (int, error) {
	res, err := s.db.Exec(
		`UPDATE outbound_items SET status = 'pending', updated_at = $1
		 WHERE status = 'sending' AND updated_at < $2`,
		now(), staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbound failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.RequeueStaleOutbound", "requeued", n)
	}
	return int(n), nil
}

func (s *PostgresStore) ThreadHistory(conversationID, threadID string, limit int) ([]models.ThreadMessage, error) {
	rows, err := s.db.Query(
		`SELECT body, FALSE AS from_self, enqueued_at AS at FROM inbound_items
		   WHERE conversation_id = $1 AND thread_id = $2
		 UNION ALL
		 SELECT reply_text, TRUE, sent_at FROM outbound_items
		   WHERE conversation_id = $1 AND thread_id = $2 AND status = 'sent'
		 ORDER BY at DESC LIMIT $3`,
		conversationID, threadID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("thread history query failed: %w", err)
	}
	defer rows.Close()

	var history []models.ThreadMessage
	for rows.Next() {
		var m models.ThreadMessage
		if err := rows.Scan(&m.Text, &m.FromSelf, &m.At); err != nil {
			return nil, fmt.Errorf("scan thread history failed: %w", err)
		}
		history = append(history, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("thread history iteration failed: %w", err)
	}

	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}
	return history, nil
}

func (s *PostgresStore) RecentReplies(since time.Time) ([]models.ReplyRecord, error) {
	rows, err := s.db.Query(
		`SELECT conversation_id, thread_id, actor_id, sent_at FROM outbound_items
		 WHERE status = 'sent' AND sent_at >= $1 ORDER BY sent_at ASC`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("recent replies query failed: %w", err)
	}
	defer rows.Close()

	var records []models.ReplyRecord
	for rows.Next() {
		var r models.ReplyRecord
		if err := rows.Scan(&r.ConversationID, &r.ThreadID, &r.ActorID, &r.SentAt); err != nil {
			return nil, fmt.Errorf("scan reply record failed: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recent replies iteration failed: %w", err)
	}
	return records, nil
}

func (s *PostgresStore) LoadRateState() (*models.RateState, error) {
	var st models.RateState
	err := s.db.QueryRow(
		`SELECT tokens, last_refill_at, total_calls, blocked_calls FROM rate_limiter_state WHERE id = 1`,
	).Scan(&st.Tokens, &st.LastRefillAt, &st.TotalCalls, &st.BlockedCalls)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load rate state failed: %w", err)
	}
	return &st, nil
}

func (s *PostgresStore) SaveRateState(st models.RateState) error {
	_, err := s.db.Exec(
		`INSERT INTO rate_limiter_state (id, tokens, last_refill_at, total_calls, blocked_calls)
		 VALUES (1, $1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET tokens = $1, last_refill_at = $2, total_calls = $3, blocked_calls = $4`,
		st.Tokens, st.LastRefillAt, st.TotalCalls, st.BlockedCalls,
	)
	if err != nil {
		return fmt.Errorf("save rate state failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) QueueStats() (models.QueueStats, error) {
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

// explainInboundTransition distinguishes a missing row from an illegal
// transition after a zero-row status update.
func (s *PostgresStore) explainInboundTransition(id string, to models.InboundStatus) error {
	var current string
	err := s.db.QueryRow(`SELECT status FROM inbound_items WHERE id = $1`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: inbound item %s", ErrItemNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("inbound status lookup failed: %w", err)
	}
	return fmt.Errorf("%w: inbound item %s is %q, cannot move to %q", ErrIllegalTransition, id, current, to)
}

// explainOutboundTransition distinguishes a missing row from an illegal
// transition after a zero-row status update.
func (s *PostgresStore) explainOutboundTransition(id string, to models.OutboundStatus) error {
	var current string
	err := s.db.QueryRow(`SELECT status FROM outbound_items WHERE id = $1`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: outbound item %s", ErrItemNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("outbound status lookup failed: %w", err)
	}
	return fmt.Errorf("%w: outbound item %s is %q, cannot move to %q", ErrIllegalTransition, id, current, to)
}
