package saga

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// State captures the lifecycle position of a saga run.
type State string

const (
	StatePending            State = "PENDING"
	StateRunning            State = "RUNNING"
	StateCommitted          State = "COMMITTED"
	StateCompensating       State = "COMPENSATING"
	StateRolledBack         State = "ROLLED_BACK"
	StateCompensationFailed State = "COMPENSATION_FAILED"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateCommitted, StateRolledBack, StateCompensationFailed:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateRunning, StateCommitted, StateCompensating, StateRolledBack, StateCompensationFailed:
		return true
	default:
		return false
	}
}

// StepResult is what a forward action produced.
type StepResult struct {
	ObjectID string `json:"object_id,omitempty"`
	Status   string `json:"status,omitempty"`
	Replayed bool   `json:"replayed,omitempty"`
}

// Step is one (action, compensation) pair.
type Step struct {
	Name   string
	Action func(ctx context.Context) (StepResult, error)
	// Compensate undoes a successful Action. Nil means the step has nothing to undo.
	Compensate func(ctx context.Context, res StepResult) error
	// BestEffort steps log and continue on failure instead of rolling back.
	BestEffort bool
	// Uncertain reports whether a failed Action may still have taken effect.
	// When it does, Compensate runs during rollback with the partial result.
	Uncertain func(err error) bool
}

// CompletedStep records a forward success.
type CompletedStep struct {
	Name        string     `json:"name"`
	Result      StepResult `json:"result"`
	CompletedAt time.Time  `json:"completed_at"`
}

// Run is a single attempt of a saga. Immutable once terminal.
type Run struct {
	ID                  string          `json:"id"`
	OrderID             string          `json:"order_id"`
	Epoch               int             `json:"epoch"`
	State               State           `json:"state"`
	Completed           []CompletedStep `json:"completed,omitempty"`
	Reversed            []string        `json:"reversed,omitempty"`
	FailedCompensations []string        `json:"failed_compensations,omitempty"`
	FailedStep          string          `json:"failed_step,omitempty"`
	Reason              string          `json:"reason,omitempty"`
	StartedAt           time.Time       `json:"started_at"`
	EndedAt             time.Time       `json:"ended_at,omitempty"`

	// Err is the typed failure behind Reason. It is not persisted.
	Err error `json:"-"`
}

// NewRun returns a pending run for orderID.
func NewRun(orderID string, epoch int) *Run {
	return &Run{
		ID:      uuid.NewString(),
		OrderID: orderID,
		Epoch:   epoch,
		State:   StatePending,
	}
}

// Result returns the recorded result of a completed step.
func (r *Run) Result(step string) (StepResult, bool) {
	for _, c := range r.Completed {
		if c.Name == step {
			return c.Result, true
		}
	}
	return StepResult{}, false
}

// Clone returns a deep copy safe to hand to another goroutine.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	out := *r
	out.Completed = append([]CompletedStep(nil), r.Completed...)
	out.Reversed = append([]string(nil), r.Reversed...)
	out.FailedCompensations = append([]string(nil), r.FailedCompensations...)
	return &out
}
