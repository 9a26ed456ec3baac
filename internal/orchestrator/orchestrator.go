// Package orchestrator implements the priority scheduler composing the
// queue store, rate limiter, loop guard, and the external collaborators
// into one control loop.
//
// One tick is one full decision cycle. The central policy: a backlog of
// un-delivered replies must never grow because the system kept admitting
// new inbound work, so every tick drains the outbound queue unconditionally
// before polling for new events.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/guard"
	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/BTreeMap/ReplyPipe/internal/ratelimit"
	"github.com/BTreeMap/ReplyPipe/internal/store"
)

// ErrTickInProgress is returned when a tick is requested while another tick
// is still running. Callers must not block on it; the next scheduled
// trigger will retry.
var ErrTickInProgress = errors.New("tick already in progress")

// Fetcher polls the chat platform for newly observed events. The
// orchestrator acquires a rate-limiter slot before each poll, so
// implementations make their platform call directly.
type Fetcher interface {
	Poll(ctx context.Context) ([]models.RawEvent, error)
}

// Generator produces reply text for one inbound item given the thread's
// recent history. It must respect the context deadline and must not touch
// the rate-limited platform boundary.
type Generator interface {
	Generate(ctx context.Context, item models.InboundItem, history []models.ThreadMessage) (string, error)
}

// EmitResult reports a delivery attempt. RateLimited distinguishes a
// platform rate-limit rejection from other failures so the orchestrator can
// retry it without penalty.
type EmitResult struct {
	Delivered   bool
	RateLimited bool
}

// Emitter delivers one reply to the chat platform.
type Emitter interface {
	Emit(ctx context.Context, item models.OutboundItem) (EmitResult, error)
}

// Config holds orchestrator tuning. Zero values mean defaults.
type Config struct {
	// BatchSize caps how many rows one tick claims from either queue.
	BatchSize int
	// HistoryDepth is how many trailing thread messages are loaded for the
	// guard's inspection.
	HistoryDepth int
	// FetchTimeout, GenerateTimeout, and EmitTimeout bound each collaborator
	// call. A timeout is a transient failure, never a hang.
	FetchTimeout    time.Duration
	GenerateTimeout time.Duration
	EmitTimeout     time.Duration
	// TimeoutReply is the canned user-facing reply queued when generation
	// times out, so the user sees an explanation instead of silence.
	TimeoutReply string
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.HistoryDepth <= 0 {
		c.HistoryDepth = 12
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
	if c.GenerateTimeout <= 0 {
		c.GenerateTimeout = 60 * time.Second
	}
	if c.EmitTimeout <= 0 {
		c.EmitTimeout = 30 * time.Second
	}
	if c.TimeoutReply == "" {
		c.TimeoutReply = "Sorry, generating a reply took too long. Please try again."
	}
}

// Orchestrator drives the queue-and-guard engine.
type Orchestrator struct {
	store     store.Store
	limiter   *ratelimit.Limiter
	guard     *guard.Guard
	fetcher   Fetcher
	generator Generator
	emitter   Emitter
	cfg       Config

	tickMu sync.Mutex
}

// New wires an Orchestrator from its dependencies.
func New(st store.Store, limiter *ratelimit.Limiter, g *guard.Guard, fetcher Fetcher, generator Generator, emitter Emitter, cfg Config) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		store:     st,
		limiter:   limiter,
		guard:     g,
		fetcher:   fetcher,
		generator: generator,
		emitter:   emitter,
		cfg:       cfg,
	}
}

// Tick runs one full decision cycle: drain pending outbound replies if any
// exist, otherwise poll for new events and process pending inbound items.
// Only one tick runs at a time; a tick that cannot start returns
// ErrTickInProgress immediately instead of queueing. Row-level failures
// never abort the batch; store-level failures abort the tick without
// partial progress.
func (o *Orchestrator) Tick(ctx context.Context) error {
	if !o.tickMu.TryLock() {
		return ErrTickInProgress
	}
	defer o.tickMu.Unlock()

	outbound, err := o.store.ClaimPendingOutbound(o.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("claim outbound: %w", err)
	}
	if len(outbound) > 0 {
		// Priority branch: no fetch happens while replies are waiting.
		slog.Debug("Orchestrator.Tick: draining outbound queue", "count", len(outbound))
		return o.send(ctx, outbound)
	}

	if err := o.fetchInbound(ctx); err != nil {
		// Store-level: ingestion could not be persisted. Abort before
		// claiming so no partial progress is made on top of lost events.
		return err
	}

	inbound, err := o.store.ClaimPendingInbound(o.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("claim inbound: %w", err)
	}
	if len(inbound) == 0 {
		return nil
	}
	slog.Debug("Orchestrator.Tick: processing inbound batch", "count", len(inbound))
	return o.process(ctx, inbound)
}

// fetchInbound polls the platform under the rate limiter and enqueues every
// observed event. Duplicate events are silent no-ops at insert. A poll
// failure is transient and absorbed here; an enqueue failure is store-level
// and returned, but only after every drained event has been attempted, since
// the fetcher hands each event out exactly once.
func (o *Orchestrator) fetchInbound(ctx context.Context) error {
	if err := o.limiter.AwaitSlot(ctx); err != nil {
		return fmt.Errorf("await fetch slot: %w", err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, o.cfg.FetchTimeout)
	defer cancel()
	events, err := o.fetcher.Poll(fetchCtx)
	if err != nil {
		// The pending backlog is still worked this tick.
		slog.Warn("Orchestrator.fetchInbound: poll failed", "error", err)
		return nil
	}

	var firstErr error
	inserted := 0
	for _, ev := range events {
		ok, err := o.store.EnqueueInbound(models.NewInboundItem(ev, time.Now().UTC()))
		if err != nil {
			slog.Error("Orchestrator.fetchInbound: enqueue failed", "externalID", ev.ExternalID, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("enqueue inbound %s: %w", ev.ExternalID, err)
			}
			continue
		}
		if ok {
			inserted++
		}
	}
	if firstErr != nil {
		return firstErr
	}
	if len(events) > 0 {
		slog.Info("Orchestrator.fetchInbound: events ingested", "observed", len(events), "new", inserted)
	}
	return nil
}

// send delivers one batch of pending replies. Each row's transition is
// atomic and failures are attributed per row. On cancellation the current
// row's in-flight transition is finished before stopping.
func (o *Orchestrator) send(ctx context.Context, items []models.OutboundItem) error {
	for _, item := range items {
		if ctx.Err() != nil {
			slog.Info("Orchestrator.send: shutdown requested, stopping batch", "remaining", len(items))
			return nil
		}

		if err := o.store.SetOutboundStatus(item.ID, models.OutboundStatusSending, ""); err != nil {
			if errors.Is(err, store.ErrIllegalTransition) {
				return fmt.Errorf("mark sending: %w", err)
			}
			return fmt.Errorf("mark sending %s: %w", item.ID, err)
		}

		if err := o.limiter.AwaitSlot(ctx); err != nil {
			// Undo the claim so the reply is retried next tick without penalty.
			if reqErr := o.store.SetOutboundStatus(item.ID, models.OutboundStatusPending, "send aborted before delivery"); reqErr != nil {
				slog.Error("Orchestrator.send: requeue on shutdown failed", "id", item.ID, "error", reqErr)
			}
			return fmt.Errorf("await emit slot: %w", err)
		}

		emitCtx, cancel := context.WithTimeout(ctx, o.cfg.EmitTimeout)
		result, err := o.emitter.Emit(emitCtx, item)
		cancel()

		switch {
		case err == nil && result.Delivered:
			if err := o.store.SetOutboundStatus(item.ID, models.OutboundStatusSent, ""); err != nil {
				return fmt.Errorf("mark sent %s: %w", item.ID, err)
			}
			// Recording happens only on confirmed delivery, so failed sends
			// never count against the guard caps.
			o.guard.RecordReply(item.ConversationID, item.ThreadID, item.ActorID)
			slog.Info("Orchestrator.send: reply delivered", "id", item.ID, "conversationID", item.ConversationID)

		case result.RateLimited:
			// Platform rate limit: retry without penalty.
			o.limiter.RecordBlocked()
			if err := o.store.SetOutboundStatus(item.ID, models.OutboundStatusPending, "platform rate limited"); err != nil {
				return fmt.Errorf("requeue rate-limited %s: %w", item.ID, err)
			}
			slog.Warn("Orchestrator.send: platform rate limited, requeued", "id", item.ID)

		default:
			msg := "delivery not confirmed"
			if err != nil {
				msg = err.Error()
			}
			if err := o.store.SetOutboundStatus(item.ID, models.OutboundStatusError, msg); err != nil {
				return fmt.Errorf("mark error %s: %w", item.ID, err)
			}
			slog.Error("Orchestrator.send: delivery failed", "id", item.ID, "retryCount", item.RetryCount+1, "error", msg)
		}
	}
	return nil
}

// process handles one batch of claimed inbound items: guard decision,
// generation, sanitization, and outbound enqueue. Every claimed item is
// marked processing before any external call is made, so a crash mid-batch
// never silently re-claims an item already answered.
func (o *Orchestrator) process(ctx context.Context, items []models.InboundItem) error {
	for _, item := range items {
		if err := o.store.SetInboundStatus(item.ID, models.InboundStatusProcessing, ""); err != nil {
			return fmt.Errorf("mark processing %s: %w", item.ID, err)
		}
	}

	for _, item := range items {
		if ctx.Err() != nil {
			// Rows already marked processing are reset by the startup sweep
			// if the process dies before the next tick.
			slog.Info("Orchestrator.process: shutdown requested, stopping batch")
			return nil
		}
		if err := o.processOne(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

// processOne runs guard and generation for a single item. Returned errors
// are store-level and abort the tick; collaborator failures are absorbed
// into the item's own status.
func (o *Orchestrator) processOne(ctx context.Context, item models.InboundItem) error {
	history, err := o.store.ThreadHistory(item.ConversationID, item.ThreadID, o.cfg.HistoryDepth)
	if err != nil {
		return fmt.Errorf("thread history %s: %w", item.ID, err)
	}

	decision := o.guard.ShouldAllow(item, history)
	if !decision.Allowed {
		// A veto is a deliberate silence, not an error.
		if err := o.store.SetInboundStatus(item.ID, models.InboundStatusProcessed, ""); err != nil {
			return fmt.Errorf("mark vetoed %s: %w", item.ID, err)
		}
		return nil
	}

	genCtx, cancel := context.WithTimeout(ctx, o.cfg.GenerateTimeout)
	text, err := o.generator.Generate(genCtx, item, history)
	cancel()

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// Route the timeout through the normal outbound pipeline with a
			// canned explanation rather than disappearing silently.
			slog.Warn("Orchestrator.processOne: generation timed out", "id", item.ID)
			if _, err := o.store.EnqueueOutbound(item.ID, item.ConversationID, item.ThreadID, item.ActorID, o.cfg.TimeoutReply); err != nil {
				return fmt.Errorf("enqueue timeout reply %s: %w", item.ID, err)
			}
			if err := o.store.SetInboundStatus(item.ID, models.InboundStatusProcessed, ""); err != nil {
				return fmt.Errorf("mark processed %s: %w", item.ID, err)
			}
			return nil
		}
		slog.Error("Orchestrator.processOne: generation failed", "id", item.ID, "error", err)
		if err := o.store.SetInboundStatus(item.ID, models.InboundStatusError, err.Error()); err != nil {
			return fmt.Errorf("mark error %s: %w", item.ID, err)
		}
		return nil
	}

	if text == "" {
		// An empty result is a row-level generation failure; queueing it
		// would be rejected by the store.
		slog.Error("Orchestrator.processOne: generator returned empty reply", "id", item.ID)
		if err := o.store.SetInboundStatus(item.ID, models.InboundStatusError, "generator returned empty reply"); err != nil {
			return fmt.Errorf("mark error %s: %w", item.ID, err)
		}
		return nil
	}

	sanitized, maskedAny := o.guard.SanitizeReply(text)
	if maskedAny {
		slog.Info("Orchestrator.processOne: trigger phrases masked in reply", "id", item.ID)
	}

	if _, err := o.store.EnqueueOutbound(item.ID, item.ConversationID, item.ThreadID, item.ActorID, sanitized); err != nil {
		return fmt.Errorf("enqueue outbound %s: %w", item.ID, err)
	}
	if err := o.store.SetInboundStatus(item.ID, models.InboundStatusProcessed, ""); err != nil {
		return fmt.Errorf("mark processed %s: %w", item.ID, err)
	}
	return nil
}

// Run drives Tick on a fixed interval until the context is cancelled.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) {
	slog.Info("Orchestrator.Run: starting tick loop", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Orchestrator.Run: stopping")
			return
		case <-ticker.C:
			if err := o.Tick(ctx); err != nil && !errors.Is(err, ErrTickInProgress) {
				slog.Error("Orchestrator.Run: tick failed", "error", err)
			}
		}
	}
}
