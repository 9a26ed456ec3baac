package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/models"
)

// memRepo is an in-memory StateRepo for tests.
type memRepo struct {
	state   *models.RateState
	saves   int
	saveErr error
}

func (r *memRepo) LoadRateState() (*models.RateState, error) {
	if r.state == nil {
		return nil, nil
	}
	st := *r.state
	return &st, nil
}

func (r *memRepo) SaveRateState(state models.RateState) error {
	if r.saveErr != nil {
		return r.saveErr
	}
	st := state
	r.state = &st
	r.saves++
	return nil
}

func newTestLimiter(t *testing.T, cfg Config, repo *memRepo) (*Limiter, *time.Time) {
	t.Helper()
	l, err := New(cfg, repo)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	l.nowFunc = func() time.Time { return now }
	l.state.LastRefillAt = now
	return l, &now
}

func TestTryAcquireBurstThenDeny(t *testing.T) {
	repo := &memRepo{}
	l, _ := newTestLimiter(t, Config{BucketSize: 3, RefillRate: 1.0 / 60.0}, repo)

	for i := 0; i < 3; i++ {
		allowed, _, err := l.TryAcquire()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !allowed {
			t.Fatalf("acquire %d should be allowed within burst capacity", i+1)
		}
	}

	allowed, wait, err := l.TryAcquire()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Fatal("bucket should be empty")
	}
	// Empty bucket, one token per minute: a full token is one minute away.
	if wait != time.Minute {
		t.Errorf("expected 1m wait, got %v", wait)
	}
}

func TestRefillRestoresTokens(t *testing.T) {
	repo := &memRepo{}
	l, now := newTestLimiter(t, Config{BucketSize: 2, RefillRate: 1.0 / 60.0}, repo)

	for i := 0; i < 2; i++ {
		if allowed, _, err := l.TryAcquire(); err != nil || !allowed {
			t.Fatalf("drain acquire failed: allowed=%v err=%v", allowed, err)
		}
	}

	*now = now.Add(time.Minute)
	allowed, _, err := l.TryAcquire()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !allowed {
		t.Error("one minute of refill should allow one acquire")
	}

	// Refill never exceeds the bucket size.
	*now = now.Add(24 * time.Hour)
	stats := l.Stats()
	if stats.Tokens > 2 {
		t.Errorf("tokens must be capped at bucket size, got %v", stats.Tokens)
	}
}

func TestConsumingAcquirePersists(t *testing.T) {
	repo := &memRepo{}
	l, _ := newTestLimiter(t, Config{BucketSize: 2, RefillRate: 1.0 / 60.0}, repo)

	if allowed, _, err := l.TryAcquire(); err != nil || !allowed {
		t.Fatalf("acquire failed: allowed=%v err=%v", allowed, err)
	}
	if repo.saves != 1 {
		t.Errorf("consuming acquire must persist, got %d saves", repo.saves)
	}

	// A denied acquire consumes nothing and persists nothing.
	if allowed, _, err := l.TryAcquire(); err != nil || !allowed {
		t.Fatalf("acquire failed: allowed=%v err=%v", allowed, err)
	}
	if allowed, _, _ := l.TryAcquire(); allowed {
		t.Fatal("bucket should be empty")
	}
	if repo.saves != 2 {
		t.Errorf("denied acquire must not persist, got %d saves", repo.saves)
	}
}

func TestPersistFailureRollsBack(t *testing.T) {
	repo := &memRepo{}
	l, _ := newTestLimiter(t, Config{BucketSize: 2, RefillRate: 1.0 / 60.0}, repo)

	repo.saveErr = errors.New("disk full")
	allowed, _, err := l.TryAcquire()
	if err == nil || allowed {
		t.Fatalf("expected persist failure, got allowed=%v err=%v", allowed, err)
	}

	// The failed reservation is rolled back; both tokens are still spendable.
	repo.saveErr = nil
	for i := 0; i < 2; i++ {
		if allowed, _, err := l.TryAcquire(); err != nil || !allowed {
			t.Fatalf("acquire %d after rollback failed: allowed=%v err=%v", i+1, allowed, err)
		}
	}
}

func TestStateRestoredAcrossRestart(t *testing.T) {
	repo := &memRepo{}
	l, _ := newTestLimiter(t, Config{BucketSize: 3, RefillRate: 1.0 / 60.0}, repo)

	for i := 0; i < 2; i++ {
		if allowed, _, err := l.TryAcquire(); err != nil || !allowed {
			t.Fatalf("acquire failed: allowed=%v err=%v", allowed, err)
		}
	}

	// A second limiter over the same repo sees the spent tokens, never a
	// fresh full bucket. Pin its clock so no refill happens between the
	// two limiters.
	l2, err := New(Config{BucketSize: 3, RefillRate: 1.0 / 60.0}, repo)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	l2.nowFunc = l.nowFunc
	stats := l2.Stats()
	if stats.Tokens > 1.01 {
		t.Errorf("restarted limiter should hold ~1 token, got %v", stats.Tokens)
	}
	if stats.TotalCalls != 2 {
		t.Errorf("expected 2 total calls restored, got %d", stats.TotalCalls)
	}
}

func TestRestoredTokensCappedAtBucketSize(t *testing.T) {
	repo := &memRepo{state: &models.RateState{Tokens: 50, LastRefillAt: time.Now()}}
	l, err := New(Config{BucketSize: 3, RefillRate: 1.0 / 60.0}, repo)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if l.state.Tokens > 3 {
		t.Errorf("restored tokens must be capped at bucket size, got %v", l.state.Tokens)
	}
}

func TestAwaitSlotSleepsOutTheWait(t *testing.T) {
	repo := &memRepo{}
	l, now := newTestLimiter(t, Config{BucketSize: 1, RefillRate: 1.0 / 60.0}, repo)

	var slept time.Duration
	l.sleepFunc = func(ctx context.Context, d time.Duration) error {
		slept = d
		// Sleeping advances the fake clock, refilling the bucket.
		*now = now.Add(d)
		return nil
	}

	if err := l.AwaitSlot(context.Background()); err != nil {
		t.Fatalf("first slot should be immediate: %v", err)
	}
	if slept != 0 {
		t.Fatalf("first slot should not sleep, slept %v", slept)
	}

	if err := l.AwaitSlot(context.Background()); err != nil {
		t.Fatalf("second slot should succeed after waiting: %v", err)
	}
	if slept != time.Minute {
		t.Errorf("expected 1m sleep, got %v", slept)
	}
	if l.Stats().BlockedCalls != 1 {
		t.Errorf("blocked call should be counted, got %d", l.Stats().BlockedCalls)
	}
}

func TestAwaitSlotCancelled(t *testing.T) {
	repo := &memRepo{}
	l, _ := newTestLimiter(t, Config{BucketSize: 1, RefillRate: 1.0 / 60.0}, repo)

	if err := l.AwaitSlot(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.AwaitSlot(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
