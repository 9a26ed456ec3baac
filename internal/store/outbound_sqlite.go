package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/BTreeMap/ReplyPipe/internal/util"
)

// Compile-time checks that SQLiteStore implements the outbound interfaces.
var (
	_ OutboundRepo = (*SQLiteStore)(nil)
	_ HistoryRepo  = (*SQLiteStore)(nil)
)

const outboundColumns = `id, source_item_id, conversation_id, thread_id, actor_id, reply_text, created_at, status, sent_at, last_error, retry_count, updated_at`

func (s *SQLiteStore) EnqueueOutbound(sourceItemID, conversationID, threadID, actorID, replyText string) (string, error) {
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
		 VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', 0, ?)`,
		id, sourceItemID, conversationID, threadID, actorID, replyText, ts, ts,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue outbound item failed: %w", err)
	}
	slog.Debug("SQLiteStore.EnqueueOutbound", "id", id, "sourceItemID", sourceItemID, "conversationID", conversationID)
	return id, nil
}

func (s *SQLiteStore) ClaimPendingOutbound(limit int) ([]models.OutboundItem, error) {
	rows, err := s.db.Query(
		`SELECT `+outboundColumns+` FROM outbound_items
		 WHERE status = 'pending' AND retry_count < ? ORDER BY created_at ASC LIMIT ?`,
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

func (s *SQLiteStore) SetOutboundStatus(id string, status models.OutboundStatus, lastError string) error {
	ts := now()

	var res sql.Result
	var err error
	switch status {
	case models.OutboundStatusSending:
		res, err = s.db.Exec(
			`UPDATE outbound_items SET status = 'sending', updated_at = ? WHERE id = ? AND status = 'pending'`,
			ts, id,
		)
	case models.OutboundStatusSent:
		res, err = s.db.Exec(
			`UPDATE outbound_items SET status = 'sent', sent_at = ?, updated_at = ? WHERE id = ? AND status = 'sending'`,
			ts, ts, id,
		)
	case models.OutboundStatusPending:
		// Rate-limited send: requeue without consuming a retry.
		res, err = s.db.Exec(
			`UPDATE outbound_items SET status = 'pending', last_error = ?, updated_at = ? WHERE id = ? AND status = 'sending'`,
			nilIfEmpty(lastError), ts, id,
		)
	case models.OutboundStatusError:
		// Consume one retry; park as error once the budget is spent.
		res, err = s.db.Exec(
			`UPDATE outbound_items SET retry_count = retry_count + 1, last_error = ?,
			        status = CASE WHEN retry_count + 1 >= ? THEN 'error' ELSE 'pending' END,
			        updated_at = ?
			 WHERE id = ? AND status = 'sending'`,
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
	slog.Debug("SQLiteStore.SetOutboundStatus", "id", id, "status", status)
	return nil
}

func (s *SQLiteStore) RequeueStaleOutbound(staleBefore time.Time) (int, error) {
	res, err := s.db.Exec(
		`UPDATE outbound_items SET status = 'pending', updated_at = ?
		 WHERE status = 'sending' AND updated_at < ?`,
		now(), staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbound failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.RequeueStaleOutbound", "requeued", n)
	}
	return int(n), nil
}

// ThreadHistory merges inbound events and delivered replies for one thread,
// newest-last, capped at limit.
func (s *SQLiteStore) ThreadHistory(conversationID, threadID string, limit int) ([]models.ThreadMessage, error) {
	rows, err := s.db.Query(
		`SELECT body, 0 AS from_self, enqueued_at AS at FROM inbound_items
		   WHERE conversation_id = ? AND thread_id = ?
		 UNION ALL
		 SELECT reply_text, 1, sent_at FROM outbound_items
		   WHERE conversation_id = ? AND thread_id = ? AND status = 'sent'
		 ORDER BY at DESC LIMIT ?`,
		conversationID, threadID, conversationID, threadID, limit,
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

	// Newest first out of the query; flip to chronological order.
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}
	return history, nil
}

// RecentReplies returns all replies delivered since the given time.
func (s *SQLiteStore) RecentReplies(since time.Time) ([]models.ReplyRecord, error) {
	rows, err := s.db.Query(
		`SELECT conversation_id, thread_id, actor_id, sent_at FROM outbound_items
		 WHERE status = 'sent' AND sent_at >= ? ORDER BY sent_at ASC`,
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

// explainOutboundTransition distinguishes a missing row from an illegal
// transition after a zero-row status update.
func (s *SQLiteStore) explainOutboundTransition(id string, to models.OutboundStatus) error {
	var current string
	err := s.db.QueryRow(`SELECT status FROM outbound_items WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: outbound item %s", ErrItemNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("outbound status lookup failed: %w", err)
	}
	return fmt.Errorf("%w: outbound item %s is %q, cannot move to %q", ErrIllegalTransition, id, current, to)
}
