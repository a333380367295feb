package saga

import (
	"context"
	"time"
)

// Phase distinguishes forward actions, compensations and run transitions.
type Phase string

const (
	PhaseForward    Phase = "forward"
	PhaseCompensate Phase = "compensate"
	PhaseRun        Phase = "run"
)

// Step event outcomes.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// Event is a structured record of one step attempt or run transition.
type Event struct {
	RunID   string        `json:"run_id"`
	OrderID string        `json:"order_id"`
	Epoch   int           `json:"epoch"`
	Step    string        `json:"step,omitempty"`
	Phase   Phase         `json:"phase"`
	Outcome string        `json:"outcome"`
	State   State         `json:"state"`
	Class   string        `json:"class,omitempty"`
	Error   string        `json:"error,omitempty"`
	Latency time.Duration `json:"latency"`
	Retries int           `json:"retries"`
	At      time.Time     `json:"at"`
}

// Sink receives step events. Emit must be safe for concurrent use.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Emit(ctx context.Context, ev Event) error { return f(ctx, ev) }

// emitEvent calls the sink, catching panics so a broken sink never breaks a run.
func (m *Manager) emitEvent(ctx context.Context, ev Event) {
	if m.sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logf("saga: event sink panicked for run %s step %s: %v", ev.RunID, ev.Step, r)
		}
	}()
	if err := m.sink.Emit(context.WithoutCancel(ctx), ev); err != nil {
		m.logf("saga: emit event for run %s step %s: %v", ev.RunID, ev.Step, err)
	}
}
