// Package models defines the core data structures for ReplyPipe.
//
// It includes the inbound and outbound queue item types, their status
// lifecycles, and the raw event shape handed over by the chat platform.
// These types are shared across the store, guard, and orchestrator modules.
package models

import (
	"errors"
	"time"
)

// InboundStatus is the lifecycle state of an inbound queue item.
type InboundStatus string

const (
	// InboundStatusPending marks an item awaiting processing.
	InboundStatusPending InboundStatus = "pending"
	// InboundStatusProcessing marks an item currently being worked on.
	InboundStatusProcessing InboundStatus = "processing"
	// InboundStatusProcessed marks an item finished (replied or deliberately skipped).
	InboundStatusProcessed InboundStatus = "processed"
	// InboundStatusError marks an item whose processing failed permanently.
	InboundStatusError InboundStatus = "error"
)

// OutboundStatus is the lifecycle state of an outbound queue item.
type OutboundStatus string

const (
	// OutboundStatusPending marks a reply awaiting delivery.
	OutboundStatusPending OutboundStatus = "pending"
	// OutboundStatusSending marks a reply currently being delivered.
	OutboundStatusSending OutboundStatus = "sending"
	// OutboundStatusSent marks a reply confirmed delivered.
	OutboundStatusSent OutboundStatus = "sent"
	// OutboundStatusError marks a failed delivery attempt.
	OutboundStatusError OutboundStatus = "error"
)

// DefaultMaxRetries is the number of delivery failures after which an
// outbound item is parked (excluded from scheduling, never deleted).
const DefaultMaxRetries = 3

// Error variables for better error handling and testability
var (
	ErrEmptyID             = errors.New("item id cannot be empty")
	ErrEmptyConversationID = errors.New("conversation id cannot be empty")
	ErrEmptyReplyText      = errors.New("reply text cannot be empty")
)

// RawEvent is one newly observed external chat event as handed over by the
// Fetch collaborator. ExternalID is platform-assigned and stable across
// re-fetches of the same event.
type RawEvent struct {
	ExternalID     string   `json:"external_id"`
	ConversationID string   `json:"conversation_id"`
	ThreadID       string   `json:"thread_id,omitempty"` // empty means top-level, no thread
	ActorID        string   `json:"actor_id"`
	Text           string   `json:"text"`
	AttachmentRefs []string `json:"attachment_refs,omitempty"`
}

// InboundItem represents one external event awaiting a reply.
// ID is the platform-assigned external event ID, so re-fetching the same
// event never creates a duplicate row.
type InboundItem struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	ThreadID       string        `json:"thread_id,omitempty"`
	ActorID        string        `json:"actor_id"`
	Text           string        `json:"text"`
	HasAttachments bool          `json:"has_attachments"`
	AttachmentRefs []string      `json:"attachment_refs,omitempty"`
	EnqueuedAt     time.Time     `json:"enqueued_at"`
	Status         InboundStatus `json:"status"`
	ProcessedAt    *time.Time    `json:"processed_at,omitempty"`
	LastError      string        `json:"last_error,omitempty"`
}

// NewInboundItem builds a pending InboundItem from a raw platform event.
func NewInboundItem(ev RawEvent, enqueuedAt time.Time) InboundItem {
	return InboundItem{
		ID:             ev.ExternalID,
		ConversationID: ev.ConversationID,
		ThreadID:       ev.ThreadID,
		ActorID:        ev.ActorID,
		Text:           ev.Text,
		HasAttachments: len(ev.AttachmentRefs) > 0,
		AttachmentRefs: ev.AttachmentRefs,
		EnqueuedAt:     enqueuedAt,
		Status:         InboundStatusPending,
	}
}

// OutboundItem represents one generated reply awaiting delivery.
type OutboundItem struct {
	ID             string         `json:"id"`
	SourceItemID   string         `json:"source_item_id"`
	ConversationID string         `json:"conversation_id"`
	ThreadID       string         `json:"thread_id,omitempty"`
	ActorID        string         `json:"actor_id,omitempty"`
	ReplyText      string         `json:"reply_text"`
	CreatedAt      time.Time      `json:"created_at"`
	Status         OutboundStatus `json:"status"`
	SentAt         *time.Time     `json:"sent_at,omitempty"`
	LastError      string         `json:"last_error,omitempty"`
	RetryCount     int            `json:"retry_count"`
}

// ThreadMessage is one entry of a thread's recent history, merged across the
// inbound and outbound queues. FromSelf marks the system's own replies.
type ThreadMessage struct {
	Text     string    `json:"text"`
	FromSelf bool      `json:"from_self"`
	At       time.Time `json:"at"`
}

// ReplyRecord is one confirmed-delivered reply, scoped by conversation,
// thread, and triggering actor. The loop guard rebuilds its sliding windows
// from these at startup.
type ReplyRecord struct {
	ConversationID string    `json:"conversation_id"`
	ThreadID       string    `json:"thread_id,omitempty"`
	ActorID        string    `json:"actor_id"`
	SentAt         time.Time `json:"sent_at"`
}

// QueueStats summarizes queue depths per status for the admin surface.
type QueueStats struct {
	InboundPending    int `json:"inbound_pending"`
	InboundProcessing int `json:"inbound_processing"`
	InboundProcessed  int `json:"inbound_processed"`
	InboundError      int `json:"inbound_error"`
	OutboundPending   int `json:"outbound_pending"`
	OutboundSending   int `json:"outbound_sending"`
	OutboundSent      int `json:"outbound_sent"`
	OutboundError     int `json:"outbound_error"`
}

// RateState is the persisted token-bucket state of the rate limiter. It is
// owned exclusively by the limiter and reloaded at startup so a crash can
// never make the bucket appear fuller than it was.
type RateState struct {
	Tokens       float64   `json:"tokens"`
	LastRefillAt time.Time `json:"last_refill_at"`
	TotalCalls   int64     `json:"total_calls"`
	BlockedCalls int64     `json:"blocked_calls"`
}
