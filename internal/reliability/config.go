package reliability

import (
	"errors"
	"time"
)

// Config holds the tunables shared by every ledger call wrapper.
type Config struct {
	RetryMaxAttempts    int
	RetryBaseDelay      time.Duration
	RetryFactor         float64
	RetryMaxDelay       time.Duration
	BreakerMaxFailures  int
	BreakerWindow       time.Duration
	BreakerResetTimeout time.Duration
	BreakerMaxReset     time.Duration
	RateLimitInterval   time.Duration
	RateLimitBurst      int
}

// DefaultConfig mirrors the documented defaults for ledger traffic.
func DefaultConfig() Config {
	retry := DefaultRetryPolicy()
	return Config{
		RetryMaxAttempts:    retry.MaxAttempts,
		RetryBaseDelay:      retry.BaseDelay,
		RetryFactor:         retry.Factor,
		RetryMaxDelay:       retry.MaxDelay,
		BreakerMaxFailures:  5,
		BreakerWindow:       60 * time.Second,
		BreakerResetTimeout: 30 * time.Second,
		BreakerMaxReset:     5 * time.Minute,
		RateLimitInterval:   100 * time.Millisecond,
		RateLimitBurst:      10,
	}
}

// Validate rejects settings that would disable retries or the breaker by accident.
func (c Config) Validate() error {
	var errs []error
	if c.RetryMaxAttempts < 1 {
		errs = append(errs, errors.New("retry max attempts must be >= 1"))
	}
	if c.RetryFactor < 1 {
		errs = append(errs, errors.New("retry factor must be >= 1"))
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		errs = append(errs, errors.New("retry max delay must be >= base delay"))
	}
	if c.BreakerMaxFailures < 1 {
		errs = append(errs, errors.New("breaker max failures must be >= 1"))
	}
	if c.BreakerMaxReset < c.BreakerResetTimeout {
		errs = append(errs, errors.New("breaker max reset must be >= reset timeout"))
	}
	if c.RateLimitBurst < 0 {
		errs = append(errs, errors.New("rate limit burst must be >= 0"))
	}
	return errors.Join(errs...)
}

// RetryPolicy builds the retry policy described by the config.
func (c Config) RetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: c.RetryMaxAttempts,
		BaseDelay:   c.RetryBaseDelay,
		Factor:      c.RetryFactor,
		MaxDelay:    c.RetryMaxDelay,
	}
}

// BreakerConfig builds the circuit breaker settings described by the config.
func (c Config) BreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:     c.BreakerMaxFailures,
		Window:          c.BreakerWindow,
		ResetTimeout:    c.BreakerResetTimeout,
		MaxResetTimeout: c.BreakerMaxReset,
	}
}
