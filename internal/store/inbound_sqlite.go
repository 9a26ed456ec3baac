package store

import (
	"database/sql"
	"fmt"
	"log/slog"

	"time"

	"github.com/BTreeMap/ReplyPipe/internal/models"
)

// Compile-time check that SQLiteStore implements InboundRepo.
var _ InboundRepo = (*SQLiteStore)(nil)

const inboundColumns = `id, conversation_id, thread_id, actor_id, body, has_attachments, attachment_refs, enqueued_at, status, processed_at, last_error, updated_at`

func (s *SQLiteStore) EnqueueInbound(item models.InboundItem) (bool, error) {
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
		`INSERT OR IGNORE INTO inbound_items (id, conversation_id, thread_id, actor_id, body, has_attachments, attachment_refs, enqueued_at, status, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?)`,
		item.ID, item.ConversationID, item.ThreadID, item.ActorID, item.Text,
		item.HasAttachments, nilIfEmpty(refs), enqueuedAt, ts,
	)
	if err != nil {
		return false, fmt.Errorf("enqueue inbound item failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		slog.Debug("SQLiteStore.EnqueueInbound: duplicate ignored", "id", item.ID)
		return false, nil
	}
	slog.Debug("SQLiteStore.EnqueueInbound", "id", item.ID, "conversationID", item.ConversationID)
	return true, nil
}

func (s *SQLiteStore) ClaimPendingInbound(limit int) ([]models.InboundItem, error) {
	rows, err := s.db.Query(
		`SELECT `+inboundColumns+` FROM inbound_items
		 WHERE status = 'pending' ORDER BY enqueued_at ASC LIMIT ?`,
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

func (s *SQLiteStore) SetInboundStatus(id string, status models.InboundStatus, lastError string) error {
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
			`UPDATE inbound_items SET status = ?, processed_at = ?, last_error = ?, updated_at = ?
			 WHERE id = ? AND status = ?`,
			status, ts, nilIfEmpty(lastError), ts, id, from,
		)
	default:
		res, err = s.db.Exec(
			`UPDATE inbound_items SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
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
	slog.Debug("SQLiteStore.SetInboundStatus", "id", id, "status", status)
	return nil
}

func (s *SQLiteStore) RequeueStaleInbound(staleBefore time.Time) (int, error) {
	res, err := s.db.Exec(
		`UPDATE inbound_items SET status = 'pending', updated_at = ?
		 WHERE status = 'processing' AND updated_at < ?`,
		now(), staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale inbound failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.RequeueStaleInbound", "requeued", n)
	}
	return int(n), nil
}

// inboundTransitionFrom returns the only status an item may hold before
// moving to the target status.
func inboundTransitionFrom(to models.InboundStatus) (models.InboundStatus, bool) {
	switch to {
	case models.InboundStatusProcessing:
		return models.InboundStatusPending, true
	case models.InboundStatusProcessed, models.InboundStatusError:
		return models.InboundStatusProcessing, true
	default:
		return "", false
	}
}

// explainInboundTransition distinguishes a missing row from an illegal
// transition after a zero-row status update.
func (s *SQLiteStore) explainInboundTransition(id string, to models.InboundStatus) error {
	var current string
	err := s.db.QueryRow(`SELECT status FROM inbound_items WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: inbound item %s", ErrItemNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("inbound status lookup failed: %w", err)
	}
	return fmt.Errorf("%w: inbound item %s is %q, cannot move to %q", ErrIllegalTransition, id, current, to)
}
