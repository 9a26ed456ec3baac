package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/ReplyPipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// encodeRefs marshals attachment refs to a JSON array string, empty for none.
func encodeRefs(refs []string) (string, error) {
	if len(refs) == 0 {
		return "", nil
	}
	data, err := json.Marshal(refs)
	if err != nil {
		return "", fmt.Errorf("marshal attachment refs failed: %w", err)
	}
	return string(data), nil
}

// decodeRefs unmarshals a JSON array string of attachment refs.
func decodeRefs(raw string) []string {
	if raw == "" {
		return nil
	}
	var refs []string
	if err := json.Unmarshal([]byte(raw), &refs); err != nil {
		// A malformed column is not worth failing a claim over.
		return nil
	}
	return refs
}

// scanInboundItem scans an InboundItem from sql.Rows.
func scanInboundItem(rows *sql.Rows) (models.InboundItem, error) {
	var it models.InboundItem
	var refs, lastError sql.NullString
	var processedAt sql.NullTime
	var updatedAt sql.NullTime
	err := rows.Scan(
		&it.ID, &it.ConversationID, &it.ThreadID, &it.ActorID, &it.Text,
		&it.HasAttachments, &refs, &it.EnqueuedAt, &it.Status, &processedAt,
		&lastError, &updatedAt,
	)
	if err != nil {
		return it, fmt.Errorf("scan inbound item failed: %w", err)
	}
	it.AttachmentRefs = decodeRefs(refs.String)
	it.LastError = lastError.String
	if processedAt.Valid {
		it.ProcessedAt = &processedAt.Time
	}
	return it, nil
}

// scanOutboundItem scans an OutboundItem from sql.Rows.
func scanOutboundItem(rows *sql.Rows) (models.OutboundItem, error) {
	var it models.OutboundItem
	var actorID, lastError sql.NullString
	var sentAt sql.NullTime
	var updatedAt sql.NullTime
	err := rows.Scan(
		&it.ID, &it.SourceItemID, &it.ConversationID, &it.ThreadID, &actorID,
		&it.ReplyText, &it.CreatedAt, &it.Status, &sentAt, &lastError,
		&it.RetryCount, &updatedAt,
	)
	if err != nil {
		return it, fmt.Errorf("scan outbound item failed: %w", err)
	}
	it.ActorID = actorID.String
	it.LastError = lastError.String
	if sentAt.Valid {
		it.SentAt = &sentAt.Time
	}
	return it, nil
}

// collectInboundStats folds a status/count result set into stats.
func collectInboundStats(rows *sql.Rows, stats *models.QueueStats) error {
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return fmt.Errorf("scan inbound stats failed: %w", err)
		}
		switch models.InboundStatus(status) {
		case models.InboundStatusPending:
			stats.InboundPending = count
		case models.InboundStatusProcessing:
			stats.InboundProcessing = count
		case models.InboundStatusProcessed:
			stats.InboundProcessed = count
		case models.InboundStatusError:
			stats.InboundError = count
		}
	}
	return rows.Err()
}

// collectOutboundStats folds a status/count result set into stats.
func collectOutboundStats(rows *sql.Rows, stats *models.QueueStats) error {
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return fmt.Errorf("scan outbound stats failed: %w", err)
		}
		switch models.OutboundStatus(status) {
		case models.OutboundStatusPending:
			stats.OutboundPending = count
		case models.OutboundStatusSending:
			stats.OutboundSending = count
		case models.OutboundStatusSent:
			stats.OutboundSent = count
		case models.OutboundStatusError:
			stats.OutboundError = count
		}
	}
	return rows.Err()
}
