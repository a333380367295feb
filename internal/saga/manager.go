package saga

import (
	"context"
	"errors"
	"log"
	"time"

	"orderflow/internal/reliability"
)

// Config configures a Manager.
type Config struct {
	// Checkpoint persists the run after every non-terminal transition. Failures are
	// logged. Persisting the terminal run is the caller's job.
	Checkpoint func(ctx context.Context, run *Run) error
	Sink       Sink
	// Classify labels step errors in events, e.g. "retryable" or "terminal".
	Classify func(error) string
	Now      func() time.Time
	Logf     func(string, ...any)
}

// Manager executes ordered steps and unwinds completed ones on failure.
type Manager struct {
	checkpoint func(context.Context, *Run) error
	sink       Sink
	classify   func(error) string
	now        func() time.Time
	logf       func(string, ...any)
}

// NewManager constructs a Manager.
func NewManager(cfg Config) *Manager {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logf == nil {
		cfg.Logf = log.Printf
	}
	if cfg.Classify == nil {
		cfg.Classify = func(err error) string {
			if err == nil {
				return ""
			}
			return "error"
		}
	}
	return &Manager{
		checkpoint: cfg.Checkpoint,
		sink:       cfg.Sink,
		classify:   cfg.Classify,
		now:        cfg.Now,
		logf:       cfg.Logf,
	}
}

type frame struct {
	step   Step
	result StepResult
}

// Execute runs steps in order. A terminal run is returned unchanged.
//
// A forward success pushes its compensation before the next step starts. A critical
// failure, or a deadline on ctx elapsing between steps, unwinds the pushed
// compensations in reverse order under a context detached from ctx. The first
// compensation failure stops unwinding.
func (m *Manager) Execute(ctx context.Context, run *Run, steps []Step) *Run {
	if run.State.Terminal() {
		return run
	}

	run.StartedAt = m.now()
	run.Completed = nil
	run.Reversed = nil
	run.FailedCompensations = nil
	m.transition(ctx, run, StateRunning)

	var (
		stack   []frame
		failure error
	)
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			failure = NewDeadlineExceededError(run.ID, step.Name, err)
			m.logf("saga: run %s order %s: %v", run.ID, run.OrderID, failure)
			break
		}

		stepCtx, attempts := reliability.WithAttempts(ctx)
		start := m.now()
		res, err := step.Action(stepCtx)
		ev := m.event(run, step.Name, PhaseForward)
		ev.Latency = m.now().Sub(start)
		ev.Retries = attempts.Retries()

		if err == nil {
			stack = append(stack, frame{step: step, result: res})
			run.Completed = append(run.Completed, CompletedStep{Name: step.Name, Result: res, CompletedAt: m.now()})
			ev.Outcome = OutcomeSucceeded
			m.emitEvent(ctx, ev)
			m.save(ctx, run)
			continue
		}

		ev.Class = m.classify(err)
		ev.Error = TruncateError(err, 512)
		if step.BestEffort {
			ev.Outcome = OutcomeSkipped
			m.logf("saga: run %s order %s: best-effort step %s failed (%s), continuing: %v",
				run.ID, run.OrderID, step.Name, ev.Class, err)
			m.emitEvent(ctx, ev)
			continue
		}

		ev.Outcome = OutcomeFailed
		m.logf("saga: run %s order %s: step %s failed (%s): %v", run.ID, run.OrderID, step.Name, ev.Class, err)
		m.emitEvent(ctx, ev)
		if step.Compensate != nil && step.Uncertain != nil && step.Uncertain(err) {
			stack = append(stack, frame{step: step, result: res})
		}
		run.FailedStep = step.Name
		failure = NewStepFailedError(run.ID, step.Name, err)
		break
	}

	if failure == nil {
		return m.finish(ctx, run, StateCommitted, nil)
	}
	return m.compensate(ctx, run, stack, failure)
}

func (m *Manager) compensate(ctx context.Context, run *Run, stack []frame, failure error) *Run {
	m.transition(ctx, run, StateCompensating)
	cctx := context.WithoutCancel(ctx)

	for i := len(stack) - 1; i >= 0; i-- {
		f := stack[i]
		if f.step.Compensate == nil {
			continue
		}

		stepCtx, attempts := reliability.WithAttempts(cctx)
		start := m.now()
		err := f.step.Compensate(stepCtx, f.result)
		ev := m.event(run, f.step.Name, PhaseCompensate)
		ev.Latency = m.now().Sub(start)
		ev.Retries = attempts.Retries()

		if err != nil {
			ev.Outcome = OutcomeFailed
			ev.Class = m.classify(err)
			ev.Error = TruncateError(err, 512)
			m.emitEvent(cctx, ev)

			unreversed := []string{f.step.Name}
			for j := i - 1; j >= 0; j-- {
				if stack[j].step.Compensate != nil {
					unreversed = append(unreversed, stack[j].step.Name)
				}
			}
			run.FailedCompensations = unreversed
			m.logf("saga: run %s order %s: compensation of %s failed (%s), unreversed %v: %v",
				run.ID, run.OrderID, f.step.Name, ev.Class, unreversed, err)
			return m.finish(cctx, run, StateCompensationFailed,
				NewCompensationFailedError(run.ID, f.step.Name, unreversed, failure, err))
		}

		ev.Outcome = OutcomeSucceeded
		m.emitEvent(cctx, ev)
		run.Reversed = append(run.Reversed, f.step.Name)
		m.save(cctx, run)
	}

	return m.finish(cctx, run, StateRolledBack, failure)
}

func (m *Manager) finish(ctx context.Context, run *Run, state State, err error) *Run {
	run.Err = err
	run.Reason = reason(err)
	run.EndedAt = m.now()
	run.State = state
	ev := m.event(run, "", PhaseRun)
	ev.Outcome = string(state)
	ev.Latency = run.EndedAt.Sub(run.StartedAt)
	m.emitEvent(ctx, ev)
	return run
}

func (m *Manager) transition(ctx context.Context, run *Run, state State) {
	run.State = state
	ev := m.event(run, "", PhaseRun)
	ev.Outcome = string(state)
	m.emitEvent(ctx, ev)
	m.save(ctx, run)
}

func (m *Manager) save(ctx context.Context, run *Run) {
	if m.checkpoint == nil {
		return
	}
	if err := m.checkpoint(context.WithoutCancel(ctx), run.Clone()); err != nil {
		m.logf("saga: checkpoint run %s state %s: %v", run.ID, run.State, err)
	}
}

func (m *Manager) event(run *Run, step string, phase Phase) Event {
	return Event{
		RunID:   run.ID,
		OrderID: run.OrderID,
		Epoch:   run.Epoch,
		Step:    step,
		Phase:   phase,
		State:   run.State,
		At:      m.now(),
	}
}

func reason(err error) string {
	if err == nil {
		return ""
	}
	var cf *CompensationFailedError
	if errors.As(err, &cf) {
		return cf.Message + ": " + TruncateError(cf.CompensationError, 256)
	}
	var sf *StepFailedError
	if errors.As(err, &sf) {
		return sf.Message + ": " + TruncateError(sf.Cause, 256)
	}
	var de *DeadlineExceededError
	if errors.As(err, &de) {
		return de.Message
	}
	return TruncateError(err, 512)
}
