// Package recovery restores engine state after a restart.
//
// A crash can leave inbound rows stuck in 'processing', outbound rows stuck
// in 'sending', and the loop guard with empty sliding windows. Recovery runs
// once at startup, before the first tick, and puts all three back into a
// consistent shape.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/guard"
	"github.com/BTreeMap/ReplyPipe/internal/store"
)

// DefaultStaleGrace is how long a row may sit in an in-flight status before
// the startup sweep treats it as abandoned by a dead process.
const DefaultStaleGrace = 5 * time.Minute

// Recoverable defines a component that can restore its state at startup.
type Recoverable interface {
	RecoverState(ctx context.Context) error
}

// Manager runs all registered recovery steps in order.
type Manager struct {
	recoverables []Recoverable
}

// NewManager creates an empty recovery manager.
func NewManager() *Manager {
	return &Manager{recoverables: make([]Recoverable, 0)}
}

// Register adds a component that can be recovered.
func (m *Manager) Register(r Recoverable) {
	m.recoverables = append(m.recoverables, r)
}

// RecoverAll performs recovery of all registered components.
func (m *Manager) RecoverAll(ctx context.Context) error {
	slog.Info("Starting application recovery", "components", len(m.recoverables))

	recoveredCount := 0
	errorCount := 0

	for _, r := range m.recoverables {
		if err := r.RecoverState(ctx); err != nil {
			slog.Error("Component recovery failed", "error", err, "component", fmt.Sprintf("%T", r))
			errorCount++
			continue
		}
		recoveredCount++
	}

	slog.Info("Application recovery completed", "recovered", recoveredCount, "errors", errorCount)

	if errorCount > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", errorCount, len(m.recoverables))
	}
	return nil
}

// QueueSweeper returns abandoned in-flight rows to 'pending'. Items swept
// back may be worked twice across a crash; delivery is at-least-once.
type QueueSweeper struct {
	store store.Store
	grace time.Duration
	now   func() time.Time
}

// NewQueueSweeper creates a sweeper over the given store. A zero grace
// falls back to DefaultStaleGrace; a negative grace treats every in-flight
// row as stale.
func NewQueueSweeper(st store.Store, grace time.Duration) *QueueSweeper {
	if grace == 0 {
		grace = DefaultStaleGrace
	}
	return &QueueSweeper{store: st, grace: grace, now: time.Now}
}

// RecoverState requeues inbound rows stuck in 'processing' and outbound rows
// stuck in 'sending' whose last update predates the grace window.
func (s *QueueSweeper) RecoverState(ctx context.Context) error {
	staleBefore := s.now().UTC().Add(-s.grace)

	inbound, err := s.store.RequeueStaleInbound(staleBefore)
	if err != nil {
		return fmt.Errorf("requeue stale inbound: %w", err)
	}
	outbound, err := s.store.RequeueStaleOutbound(staleBefore)
	if err != nil {
		return fmt.Errorf("requeue stale outbound: %w", err)
	}

	if inbound > 0 || outbound > 0 {
		slog.Info("QueueSweeper.RecoverState: stale rows requeued", "inbound", inbound, "outbound", outbound, "staleBefore", staleBefore)
	} else {
		slog.Debug("QueueSweeper.RecoverState: no stale rows found")
	}
	return nil
}

// GuardRebuilder reloads the loop guard's sliding windows from the store's
// confirmed-delivery history, so guard caps survive restarts.
type GuardRebuilder struct {
	store  store.HistoryRepo
	guard  *guard.Guard
	window time.Duration
}

// NewGuardRebuilder creates a rebuilder. The window should cover the longest
// sliding window the guard inspects.
func NewGuardRebuilder(st store.HistoryRepo, g *guard.Guard, window time.Duration) *GuardRebuilder {
	return &GuardRebuilder{store: st, guard: g, window: window}
}

// RecoverState loads recent confirmed replies and replays them into the guard.
func (r *GuardRebuilder) RecoverState(ctx context.Context) error {
	since := time.Now().UTC().Add(-r.window)
	records, err := r.store.RecentReplies(since)
	if err != nil {
		return fmt.Errorf("load recent replies: %w", err)
	}
	r.guard.Rebuild(records)
	slog.Info("GuardRebuilder.RecoverState: guard windows rebuilt", "records", len(records), "since", since)
	return nil
}

var (
	_ Recoverable = (*QueueSweeper)(nil)
	_ Recoverable = (*GuardRebuilder)(nil)
)
