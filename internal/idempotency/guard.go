package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// GuardConfig configures a Guard.
type GuardConfig struct {
	// Lease bounds how long a claim blocks other callers if its owner disappears.
	Lease time.Duration
	// Poll is how often a waiting caller re-checks a claimed key.
	Poll  time.Duration
	Now   func() time.Time
	Sleep func(context.Context, time.Duration) error
	Logf  func(string, ...any)
}

// Guard runs a side-effecting call at most once per key.
type Guard struct {
	store Store
	lease time.Duration
	poll  time.Duration
	now   func() time.Time
	sleep func(context.Context, time.Duration) error
	logf  func(string, ...any)
}

// NewGuard wraps store.
func NewGuard(store Store, cfg GuardConfig) *Guard {
	if cfg.Lease <= 0 {
		cfg.Lease = 2 * time.Minute
	}
	if cfg.Poll <= 0 {
		cfg.Poll = 250 * time.Millisecond
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepWithContext
	}
	if cfg.Logf == nil {
		cfg.Logf = log.Printf
	}
	return &Guard{
		store: store,
		lease: cfg.Lease,
		poll:  cfg.Poll,
		now:   cfg.Now,
		sleep: cfg.Sleep,
		logf:  cfg.Logf,
	}
}

// Do claims key and runs fn, recording its outcome. If the key already completed, the
// recorded outcome is returned with replayed=true and fn is not called. If another
// caller holds the key, Do waits for that caller's outcome.
func (g *Guard) Do(ctx context.Context, key, orderID, step string, fn func(context.Context) (Outcome, error)) (Outcome, bool, error) {
	owner := uuid.NewString()
	for {
		now := g.now()
		existing, claimed, err := g.store.Claim(ctx, Record{
			Key:        key,
			OrderID:    orderID,
			Step:       step,
			State:      StatePending,
			Owner:      owner,
			LeaseUntil: now.Add(g.lease),
			CreatedAt:  now,
		}, now)
		if err != nil {
			return Outcome{}, false, fmt.Errorf("idempotency: claim %s: %w", key, err)
		}
		if claimed {
			return g.run(ctx, key, owner, fn)
		}
		if existing.State == StateCompleted {
			return existing.Outcome, true, nil
		}
		if err := g.sleep(ctx, g.poll); err != nil {
			return Outcome{}, false, err
		}
	}
}

func (g *Guard) run(ctx context.Context, key, owner string, fn func(context.Context) (Outcome, error)) (Outcome, bool, error) {
	detached := context.WithoutCancel(ctx)
	out, err := fn(ctx)
	if err != nil {
		if relErr := g.store.Release(detached, key, owner); relErr != nil && !errors.Is(relErr, ErrNotOwner) {
			g.logf("idempotency: release %s: %v", key, relErr)
		}
		return Outcome{}, false, err
	}
	if err := g.store.Complete(detached, key, owner, out, g.now()); err != nil {
		// The ledger applied the call; its own key dedup still protects a replay.
		g.logf("idempotency: complete %s: %v", key, err)
	}
	return out, false, nil
}

// Lookup returns the completed outcome for key, if any.
func (g *Guard) Lookup(ctx context.Context, key string) (Outcome, bool, error) {
	rec, err := g.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return Outcome{}, false, nil
	}
	if err != nil {
		return Outcome{}, false, err
	}
	if rec.State != StateCompleted {
		return Outcome{}, false, nil
	}
	return rec.Outcome, true, nil
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
