// Package store provides storage backends for ReplyPipe.
//
// It implements the durable dual-queue (inbound events, outbound replies)
// with atomic status transitions, plus persistence for the rate limiter's
// token-bucket state. SQLite is the primary backend; a PostgreSQL variant
// implements the same interfaces.
package store

import (
	"errors"
	"strings"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/models"
)

// Error variables for status transition and lookup failures.
var (
	// ErrIllegalTransition reports a status transition outside the allowed
	// lifecycle. This is a programming-error class failure: callers must
	// abort the current tick rather than correct it silently.
	ErrIllegalTransition = errors.New("illegal status transition")
	// ErrItemNotFound reports a status update against an unknown item id.
	ErrItemNotFound = errors.New("queue item not found")
)

// InboundRepo is the durable inbound event queue.
type InboundRepo interface {
	// EnqueueInbound inserts a new inbound item. The insert is idempotent by
	// item ID: a duplicate is a silent no-op and returns inserted=false.
	EnqueueInbound(item models.InboundItem) (inserted bool, err error)

	// ClaimPendingInbound returns up to limit pending items, FIFO by
	// enqueue time. It does not transition status; callers must mark each
	// claimed item processing before doing external work.
	ClaimPendingInbound(limit int) ([]models.InboundItem, error)

	// SetInboundStatus applies one monotonic status transition
	// (pending→processing, processing→processed, processing→error) and
	// records lastError on error transitions. Any other transition returns
	// ErrIllegalTransition.
	SetInboundStatus(id string, status models.InboundStatus, lastError string) error

	// RequeueStaleInbound resets items stuck in processing since before
	// staleBefore back to pending (crash recovery). Returns the count reset.
	RequeueStaleInbound(staleBefore time.Time) (int, error)
}

// OutboundRepo is the durable outbound reply queue.
type OutboundRepo interface {
	// EnqueueOutbound inserts a new pending reply and returns its ID.
	EnqueueOutbound(sourceItemID, conversationID, threadID, actorID, replyText string) (string, error)

	// ClaimPendingOutbound returns up to limit pending items whose retry
	// budget is not exhausted, FIFO by creation time. No status transition.
	ClaimPendingOutbound(limit int) ([]models.OutboundItem, error)

	// SetOutboundStatus applies one status transition. pending→sending and
	// sending→sent (stamping sentAt) are plain moves; sending→pending
	// requeues without penalty (rate-limited send); sending→error consumes
	// one retry and requeues as pending while retries remain, parking the
	// item as error once the retry budget is spent.
	SetOutboundStatus(id string, status models.OutboundStatus, lastError string) error

	// RequeueStaleOutbound resets items stuck in sending since before
	// staleBefore back to pending (crash recovery). Returns the count reset.
	RequeueStaleOutbound(staleBefore time.Time) (int, error)
}

// HistoryRepo exposes read-only views over the queues for the loop guard.
type HistoryRepo interface {
	// ThreadHistory returns the last limit messages of a thread in
	// chronological order, merging inbound events and delivered replies.
	ThreadHistory(conversationID, threadID string, limit int) ([]models.ThreadMessage, error)

	// RecentReplies returns all replies delivered since the given time.
	RecentReplies(since time.Time) ([]models.ReplyRecord, error)
}

// RateStateRepo persists the rate limiter's token-bucket state.
type RateStateRepo interface {
	// LoadRateState returns the persisted bucket state, or nil if none has
	// been saved yet.
	LoadRateState() (*models.RateState, error)

	// SaveRateState replaces the persisted bucket state.
	SaveRateState(state models.RateState) error
}

// Store is the full storage contract consumed by the orchestrator.
type Store interface {
	InboundRepo
	OutboundRepo
	HistoryRepo
	RateStateRepo

	// QueueStats reports per-status row counts for both queues.
	QueueStats() (models.QueueStats, error)

	// Close releases the underlying database connection.
	Close() error
}

// Opts holds configuration options shared by the store backends.
type Opts struct {
	// DSN is the database connection string (file path for SQLite).
	DSN string
	// MaxRetries caps delivery attempts per outbound item; items at the cap
	// are parked and excluded from claiming. Zero means the default.
	MaxRetries int
}

// Option defines a configuration option for a store backend.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithMaxRetries sets the outbound delivery retry cap.
func WithMaxRetries(n int) Option {
	return func(o *Opts) { o.MaxRetries = n }
}

// DetectDSNType reports "postgres" for PostgreSQL-style connection strings
// and "sqlite" for anything else (treated as a file path).
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(dsn)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") || strings.Contains(lower, "host=") {
		return "postgres"
	}
	return "sqlite"
}
