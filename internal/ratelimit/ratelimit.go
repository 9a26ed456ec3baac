// Package ratelimit implements the persistent token bucket guarding every
// call across the chat-platform boundary.
//
// The bucket allows bursts up to its capacity while bounding the long-run
// average rate, and its entire state is two values (tokens, last refill
// time), which makes it trivially restart-safe: the state is persisted
// synchronously after every acquire that consumes a token, so a crash can
// never make the bucket appear fuller than it was.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/models"
)

// Default bucket parameters. The refill rate of one token per 65 seconds
// stays under a one-call-per-minute platform ceiling with margin.
const (
	DefaultBucketSize = 5.0
	DefaultRefillRate = 1.0 / 65.0 // tokens per second
)

// StateRepo persists the bucket state across restarts.
type StateRepo interface {
	LoadRateState() (*models.RateState, error)
	SaveRateState(state models.RateState) error
}

// Config holds the bucket parameters.
type Config struct {
	// BucketSize is the burst capacity. Zero means the default.
	BucketSize float64
	// RefillRate is the steady refill in tokens per second. Zero means the default.
	RefillRate float64
}

// Limiter is a persistent token bucket. It is safe for concurrent use via
// its own internal locking, independent of the orchestrator's tick lock.
type Limiter struct {
	mu    sync.Mutex
	cfg   Config
	state models.RateState
	repo  StateRepo

	nowFunc   func() time.Time
	sleepFunc func(context.Context, time.Duration) error
}

// New creates a Limiter, reloading any persisted state. With no persisted
// state the bucket starts full.
func New(cfg Config, repo StateRepo) (*Limiter, error) {
	if cfg.BucketSize <= 0 {
		cfg.BucketSize = DefaultBucketSize
	}
	if cfg.RefillRate <= 0 {
		cfg.RefillRate = DefaultRefillRate
	}

	l := &Limiter{
		cfg:       cfg,
		repo:      repo,
		nowFunc:   time.Now,
		sleepFunc: sleepCtx,
	}

	persisted, err := repo.LoadRateState()
	if err != nil {
		return nil, fmt.Errorf("load rate limiter state: %w", err)
	}
	if persisted != nil {
		l.state = *persisted
		if l.state.Tokens > cfg.BucketSize {
			l.state.Tokens = cfg.BucketSize
		}
		slog.Info("Limiter: restored persisted state", "tokens", l.state.Tokens, "totalCalls", l.state.TotalCalls)
	} else {
		l.state = models.RateState{Tokens: cfg.BucketSize, LastRefillAt: l.nowFunc()}
		slog.Debug("Limiter: starting with full bucket", "bucketSize", cfg.BucketSize)
	}

	return l, nil
}

// TryAcquire attempts to consume one token. When denied it reports how long
// until a token becomes available. Consuming acquires are persisted before
// returning.
func (l *Limiter) TryAcquire() (allowed bool, wait time.Duration, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()

	if l.state.Tokens >= 1 {
		l.state.Tokens--
		l.state.TotalCalls++
		if err := l.repo.SaveRateState(l.state); err != nil {
			// Undo the reservation: an unpersisted consume could over-spend
			// the budget after a crash.
			l.state.Tokens++
			l.state.TotalCalls--
			return false, 0, fmt.Errorf("persist rate limiter state: %w", err)
		}
		return true, 0, nil
	}

	deficit := 1 - l.state.Tokens
	wait = time.Duration(deficit / l.cfg.RefillRate * float64(time.Second))
	return false, wait, nil
}

// AwaitSlot blocks until a token is available: it tries once, sleeps out the
// reported wait if denied, and retries. Refill is monotonic, so the retry
// succeeds barring clock skew.
func (l *Limiter) AwaitSlot(ctx context.Context) error {
	allowed, wait, err := l.TryAcquire()
	if err != nil {
		return err
	}
	if allowed {
		return nil
	}

	l.RecordBlocked()
	slog.Debug("Limiter.AwaitSlot: waiting for token", "wait", wait)
	if err := l.sleepFunc(ctx, wait); err != nil {
		return err
	}

	allowed, wait, err = l.TryAcquire()
	if err != nil {
		return err
	}
	if !allowed {
		return fmt.Errorf("rate limiter: no token after waiting (clock skew?), retry in %s", wait)
	}
	return nil
}

// RecordBlocked increments the blocked-call counter. Observability only.
func (l *Limiter) RecordBlocked() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state.BlockedCalls++
}

// Stats returns a snapshot of the bucket state with refill applied.
func (l *Limiter) Stats() models.RateState {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill()
	return l.state
}

// refill lazily adds tokens for the elapsed time. Caller must hold l.mu.
func (l *Limiter) refill() {
	now := l.nowFunc()
	elapsed := now.Sub(l.state.LastRefillAt).Seconds()
	if elapsed <= 0 {
		return
	}
	l.state.Tokens += elapsed * l.cfg.RefillRate
	if l.state.Tokens > l.cfg.BucketSize {
		l.state.Tokens = l.cfg.BucketSize
	}
	l.state.LastRefillAt = now
}

// sleepCtx sleeps for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
