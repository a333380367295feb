package observability

import (
	"context"
	"sync"
	"time"

	"orderflow/internal/reliability"
	"orderflow/internal/saga"
)

type MethodSnapshot struct {
	Count         int64   `json:"count"`
	Errors        int64   `json:"errors"`
	InFlight      int64   `json:"in_flight"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	LastLatencyMs float64 `json:"last_latency_ms"`
}

// StepSnapshot counts forward and compensation outcomes of one saga step.
type StepSnapshot struct {
	Succeeded            int64   `json:"succeeded"`
	Failed               int64   `json:"failed"`
	Skipped              int64   `json:"skipped"`
	Compensated          int64   `json:"compensated"`
	CompensationFailures int64   `json:"compensation_failures"`
	Retries              int64   `json:"retries"`
	AvgLatencyMs         float64 `json:"avg_latency_ms"`
}

// LedgerSnapshot counts calls to one ledger operation by error class.
type LedgerSnapshot struct {
	Calls        int64            `json:"calls"`
	Retries      int64            `json:"retries"`
	Classes      map[string]int64 `json:"classes,omitempty"`
	AvgLatencyMs float64          `json:"avg_latency_ms"`
}

type BreakerSnapshot struct {
	State       string `json:"state"`
	Transitions int64  `json:"transitions"`
	Opened      int64  `json:"opened"`
}

type Snapshot struct {
	UptimeSec       int64                     `json:"uptime_sec"`
	TotalRequests   int64                     `json:"total_requests"`
	TotalErrors     int64                     `json:"total_errors"`
	InFlight        int64                     `json:"in_flight"`
	RateLimitWaits  int64                     `json:"rate_limit_waits"`
	RateLimitWaitMs int64                     `json:"rate_limit_wait_ms"`
	Lifecycle       *LifecycleSnapshot        `json:"lifecycle,omitempty"`
	Methods         map[string]MethodSnapshot `json:"methods"`
	Runs            map[string]int64          `json:"runs"`
	Steps           map[string]StepSnapshot   `json:"steps"`
	Ledger          map[string]LedgerSnapshot `json:"ledger"`
	Breaker         BreakerSnapshot           `json:"breaker"`
}

type methodStats struct {
	count        int64
	errors       int64
	inFlight     int64
	totalLatency time.Duration
	maxLatency   time.Duration
	lastLatency  time.Duration
}

type stepStats struct {
	StepSnapshot
	forward      int64
	totalLatency time.Duration
}

type ledgerStats struct {
	calls        int64
	retries      int64
	classes      map[string]int64
	totalLatency time.Duration
}

// Metrics is an in-process snapshot of server, saga and ledger activity.
// It implements saga.Sink and ledger.Observer.
type Metrics struct {
	mu             sync.Mutex
	start          time.Time
	methods        map[string]*methodStats
	rateLimitWaits int64
	rateLimitWait  time.Duration
	lifecycle      lifecycleStats
	runs           map[string]int64
	steps          map[string]*stepStats
	ledger         map[string]*ledgerStats
	breaker        BreakerSnapshot
}

type CallSpan struct {
	metrics *Metrics
	method  string
	start   time.Time
}

type lifecycleStats struct {
	shutdownAt time.Time
	inflight   int64
}

type LifecycleSnapshot struct {
	ShutdownAt         time.Time `json:"shutdown_at"`
	InFlightAtShutdown int64     `json:"inflight_at_shutdown"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		start:   time.Now(),
		methods: make(map[string]*methodStats),
		runs:    make(map[string]int64),
		steps:   make(map[string]*stepStats),
		ledger:  make(map[string]*ledgerStats),
		breaker: BreakerSnapshot{State: reliability.StateClosed.String()},
	}
}

func (m *Metrics) Start(method string) *CallSpan {
	if m == nil {
		return &CallSpan{}
	}
	m.mu.Lock()
	stats := m.ensureMethod(method)
	stats.inFlight++
	m.mu.Unlock()
	return &CallSpan{
		metrics: m,
		method:  method,
		start:   time.Now(),
	}
}

func (s *CallSpan) End(err error) {
	if s == nil || s.metrics == nil {
		return
	}
	dur := time.Since(s.start)
	s.metrics.finish(s.method, dur, err != nil)
}

func (m *Metrics) AddRateLimitWait(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.mu.Lock()
	m.rateLimitWaits++
	m.rateLimitWait += d
	m.mu.Unlock()
}

// Emit records a saga event.
func (m *Metrics) Emit(ctx context.Context, ev saga.Event) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if ev.Phase == saga.PhaseRun {
		if saga.State(ev.Outcome).Terminal() {
			m.runs[ev.Outcome]++
		}
		return nil
	}

	stats, ok := m.steps[ev.Step]
	if !ok {
		stats = &stepStats{}
		m.steps[ev.Step] = stats
	}
	stats.Retries += int64(ev.Retries)
	switch {
	case ev.Phase == saga.PhaseCompensate && ev.Outcome == saga.OutcomeSucceeded:
		stats.Compensated++
	case ev.Phase == saga.PhaseCompensate:
		stats.CompensationFailures++
	case ev.Outcome == saga.OutcomeSucceeded:
		stats.Succeeded++
	case ev.Outcome == saga.OutcomeSkipped:
		stats.Skipped++
	default:
		stats.Failed++
	}
	if ev.Phase == saga.PhaseForward {
		stats.forward++
		stats.totalLatency += ev.Latency
	}
	return nil
}

// LedgerCall records one ledger attempt. class is empty on success.
func (m *Metrics) LedgerCall(op string, latency time.Duration, class string) {
	if m == nil {
		return
	}
	if class == "" {
		class = "ok"
	}
	m.mu.Lock()
	stats := m.ensureLedger(op)
	stats.calls++
	stats.classes[class]++
	stats.totalLatency += latency
	m.mu.Unlock()
}

func (m *Metrics) LedgerRetry(op string, class string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.ensureLedger(op).retries++
	m.mu.Unlock()
}

// BreakerStateChange is a reliability.CircuitBreakerConfig.OnStateChange hook.
func (m *Metrics) BreakerStateChange(from, to reliability.State) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.breaker.State = to.String()
	m.breaker.Transitions++
	if to == reliability.StateOpen {
		m.breaker.Opened++
	}
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	snap := Snapshot{
		UptimeSec:       int64(now.Sub(m.start).Seconds()),
		Methods:         make(map[string]MethodSnapshot),
		RateLimitWaits:  m.rateLimitWaits,
		RateLimitWaitMs: int64(m.rateLimitWait / time.Millisecond),
		Runs:            make(map[string]int64, len(m.runs)),
		Steps:           make(map[string]StepSnapshot, len(m.steps)),
		Ledger:          make(map[string]LedgerSnapshot, len(m.ledger)),
		Breaker:         m.breaker,
	}

	for method, stats := range m.methods {
		avg := 0.0
		if stats.count > 0 {
			avg = float64(stats.totalLatency.Milliseconds()) / float64(stats.count)
		}
		snap.Methods[method] = MethodSnapshot{
			Count:         stats.count,
			Errors:        stats.errors,
			InFlight:      stats.inFlight,
			AvgLatencyMs:  avg,
			MaxLatencyMs:  float64(stats.maxLatency.Milliseconds()),
			LastLatencyMs: float64(stats.lastLatency.Milliseconds()),
		}
		snap.TotalRequests += stats.count
		snap.TotalErrors += stats.errors
		snap.InFlight += stats.inFlight
	}

	for state, n := range m.runs {
		snap.Runs[state] = n
	}
	for step, stats := range m.steps {
		out := stats.StepSnapshot
		if stats.forward > 0 {
			out.AvgLatencyMs = float64(stats.totalLatency.Milliseconds()) / float64(stats.forward)
		}
		snap.Steps[step] = out
	}
	for op, stats := range m.ledger {
		classes := make(map[string]int64, len(stats.classes))
		for class, n := range stats.classes {
			classes[class] = n
		}
		avg := 0.0
		if stats.calls > 0 {
			avg = float64(stats.totalLatency.Milliseconds()) / float64(stats.calls)
		}
		snap.Ledger[op] = LedgerSnapshot{Calls: stats.calls, Retries: stats.retries, Classes: classes, AvgLatencyMs: avg}
	}

	if !m.lifecycle.shutdownAt.IsZero() {
		snap.Lifecycle = &LifecycleSnapshot{
			ShutdownAt:         m.lifecycle.shutdownAt,
			InFlightAtShutdown: m.lifecycle.inflight,
		}
	}

	return snap
}

func (m *Metrics) ensureMethod(method string) *methodStats {
	stats, ok := m.methods[method]
	if !ok {
		stats = &methodStats{}
		m.methods[method] = stats
	}
	return stats
}

func (m *Metrics) ensureLedger(op string) *ledgerStats {
	stats, ok := m.ledger[op]
	if !ok {
		stats = &ledgerStats{classes: make(map[string]int64)}
		m.ledger[op] = stats
	}
	return stats
}

func (m *Metrics) finish(method string, dur time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	stats := m.ensureMethod(method)
	stats.inFlight--
	stats.count++
	if failed {
		stats.errors++
	}
	stats.totalLatency += dur
	if dur > stats.maxLatency {
		stats.maxLatency = dur
	}
	stats.lastLatency = dur
	m.mu.Unlock()
}

func (m *Metrics) MarkShutdown(inflight int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.lifecycle.shutdownAt = time.Now()
	m.lifecycle.inflight = inflight
	m.mu.Unlock()
}
