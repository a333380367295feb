package reliability

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync/atomic"
	"time"
)

// RetryPolicy controls retry behavior for outbound calls.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64
	MaxDelay    time.Duration
	Jitter      func(time.Duration) time.Duration
	Sleep       func(context.Context, time.Duration) error
	ShouldRetry func(error) bool
	// DelayHint returns a server-imposed lower bound for the next delay, such as Retry-After.
	DelayHint func(error) time.Duration
	// OnRetry is called after a failed attempt and before sleeping.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultRetryPolicy returns exponential backoff with jitter: 500ms base, factor 2,
// 3 attempts, 8s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		Factor:      2,
		MaxDelay:    8 * time.Second,
	}
}

// Do executes the function with retries according to the policy.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepWithContext
	}
	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = func(err error) bool {
			return !errors.Is(err, context.Canceled) &&
				!errors.Is(err, context.DeadlineExceeded) &&
				!errors.Is(err, ErrCircuitOpen)
		}
	}
	jitter := p.Jitter
	if jitter == nil {
		jitter = defaultJitter
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return abandon(lastErr, err)
		}
		err := fn()
		if err == nil {
			return nil
		}
		if attempt == attempts || !shouldRetry(err) {
			return err
		}
		lastErr = err

		delay := jitter(p.backoff(attempt))
		if p.DelayHint != nil {
			if hint := p.DelayHint(err); hint > delay {
				delay = hint
			}
		}
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}

		countRetry(ctx)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if delay > 0 {
			if err := sleep(ctx, delay); err != nil {
				return abandon(lastErr, err)
			}
		}
	}
	return nil
}

// abandon keeps the failed attempt's error next to the context error, since that
// attempt may still have been applied.
func abandon(lastErr, ctxErr error) error {
	if lastErr == nil {
		return ctxErr
	}
	return errors.Join(lastErr, ctxErr)
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	factor := p.Factor
	if factor <= 1 {
		factor = 2
	}
	delay := float64(p.BaseDelay) * math.Pow(factor, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

type attemptsKey struct{}

// Attempts counts retries performed by every RetryPolicy that runs under its context.
type Attempts struct {
	retries atomic.Int64
}

// WithAttempts returns a context that records retries into the returned counter.
func WithAttempts(ctx context.Context) (context.Context, *Attempts) {
	a := &Attempts{}
	return context.WithValue(ctx, attemptsKey{}, a), a
}

// AttemptsFrom returns the counter carried by ctx, or nil.
func AttemptsFrom(ctx context.Context) *Attempts {
	a, _ := ctx.Value(attemptsKey{}).(*Attempts)
	return a
}

// Retries reports how many retries were scheduled.
func (a *Attempts) Retries() int {
	if a == nil {
		return 0
	}
	return int(a.retries.Load())
}

func countRetry(ctx context.Context) {
	if a := AttemptsFrom(ctx); a != nil {
		a.retries.Add(1)
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func defaultJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
