package reliability

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen indicates the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	// MaxFailures consecutive tripping failures inside Window open the breaker.
	MaxFailures int
	Window      time.Duration
	// ResetTimeout is the initial cooldown. It doubles on every failed half-open
	// trial up to MaxResetTimeout.
	ResetTimeout    time.Duration
	MaxResetTimeout time.Duration
	// ShouldTrip decides whether an error counts against the breaker.
	ShouldTrip    func(error) bool
	Now           func() time.Time
	OnStateChange func(from, to State)
}

// CircuitBreaker stops calls after repeated failures.
type CircuitBreaker struct {
	mu            sync.Mutex
	maxFails      int
	window        time.Duration
	baseCooldown  time.Duration
	maxCooldown   time.Duration
	shouldTrip    func(error) bool
	now           func() time.Time
	onStateChange func(from, to State)

	state          State
	failures       []time.Time
	openedAt       time.Time
	cooldown       time.Duration
	halfOpenFlight bool
}

// NewCircuitBreaker constructs a circuit breaker with sane defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	maxFails := cfg.MaxFailures
	if maxFails < 1 {
		maxFails = 5
	}
	window := cfg.Window
	if window <= 0 {
		window = 60 * time.Second
	}
	resetAfter := cfg.ResetTimeout
	if resetAfter <= 0 {
		resetAfter = 30 * time.Second
	}
	maxReset := cfg.MaxResetTimeout
	if maxReset < resetAfter {
		maxReset = 10 * resetAfter
	}
	shouldTrip := cfg.ShouldTrip
	if shouldTrip == nil {
		shouldTrip = func(err error) bool { return !errors.Is(err, ErrCircuitOpen) }
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{
		maxFails:      maxFails,
		window:        window,
		baseCooldown:  resetAfter,
		maxCooldown:   maxReset,
		shouldTrip:    shouldTrip,
		now:           now,
		onStateChange: cfg.OnStateChange,
		state:         StateClosed,
		cooldown:      resetAfter,
	}
}

// Execute runs the given function while enforcing breaker state.
func (c *CircuitBreaker) Execute(fn func() error) error {
	if c == nil {
		return fn()
	}

	c.mu.Lock()
	now := c.now()
	switch c.state {
	case StateOpen:
		if now.Sub(c.openedAt) < c.cooldown {
			c.mu.Unlock()
			return ErrCircuitOpen
		}
		c.transition(StateHalfOpen)
	case StateHalfOpen:
		if c.halfOpenFlight {
			c.mu.Unlock()
			return ErrCircuitOpen
		}
	}
	trial := c.state == StateHalfOpen
	if trial {
		c.halfOpenFlight = true
	}
	c.mu.Unlock()

	err := fn()

	c.mu.Lock()
	defer c.mu.Unlock()

	end := c.now()
	tripped := err != nil && c.shouldTrip(err)

	if trial {
		c.halfOpenFlight = false
		if tripped {
			c.cooldown *= 2
			if c.cooldown > c.maxCooldown {
				c.cooldown = c.maxCooldown
			}
			c.open(end)
			return err
		}
		c.cooldown = c.baseCooldown
		c.failures = c.failures[:0]
		c.transition(StateClosed)
		return err
	}

	if c.state != StateClosed {
		return err
	}
	if !tripped {
		c.failures = c.failures[:0]
		return err
	}
	c.recordFailure(end)
	if len(c.failures) >= c.maxFails {
		c.open(end)
	}
	return err
}

// recordFailure appends at and drops failures that slid out of the window.
func (c *CircuitBreaker) recordFailure(at time.Time) {
	cutoff := at.Add(-c.window)
	keep := c.failures[:0]
	for _, t := range c.failures {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	c.failures = append(keep, at)
}

// State reports the current breaker position.
func (c *CircuitBreaker) State() State {
	if c == nil {
		return StateClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateOpen && c.now().Sub(c.openedAt) >= c.cooldown {
		return StateHalfOpen
	}
	return c.state
}

// Cooldown reports the current open duration.
func (c *CircuitBreaker) Cooldown() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cooldown
}

func (c *CircuitBreaker) open(at time.Time) {
	c.openedAt = at
	c.failures = c.failures[:0]
	c.transition(StateOpen)
}

func (c *CircuitBreaker) transition(to State) {
	from := c.state
	c.state = to
	if from != to && c.onStateChange != nil {
		c.onStateChange(from, to)
	}
}
