package saga

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for errors.Is() support
var (
	ErrStepFailed         = errors.New("step failed")
	ErrCompensationFailed = errors.New("compensation failed")
	ErrDeadlineExceeded   = errors.New("saga deadline exceeded")
)

// Error codes for saga errors
const (
	ErrCodeStepFailed         = "STEP_FAILED"
	ErrCodeCompensationFailed = "COMPENSATION_FAILED"
	ErrCodeDeadlineExceeded   = "DEADLINE_EXCEEDED"
)

// SagaError is the base error type for all saga errors.
type SagaError struct {
	Code    string
	Message string
	Cause   error
}

func (e *SagaError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *SagaError) Unwrap() error {
	return e.Cause
}

// StepFailedError is returned when a critical forward action fails.
type StepFailedError struct {
	SagaError
	RunID string
	Step  string
}

// NewStepFailedError creates a new StepFailedError.
func NewStepFailedError(runID, step string, cause error) *StepFailedError {
	return &StepFailedError{
		SagaError: SagaError{
			Code:    ErrCodeStepFailed,
			Message: fmt.Sprintf("step '%s' failed", step),
			Cause:   cause,
		},
		RunID: runID,
		Step:  step,
	}
}

func (e *StepFailedError) Is(target error) bool {
	return target == ErrStepFailed
}

// DeadlineExceededError is returned when the run deadline elapsed before a step started.
type DeadlineExceededError struct {
	SagaError
	RunID    string
	NextStep string
}

// NewDeadlineExceededError creates a new DeadlineExceededError.
func NewDeadlineExceededError(runID, nextStep string, cause error) *DeadlineExceededError {
	return &DeadlineExceededError{
		SagaError: SagaError{
			Code:    ErrCodeDeadlineExceeded,
			Message: fmt.Sprintf("deadline elapsed before step '%s'", nextStep),
			Cause:   cause,
		},
		RunID:    runID,
		NextStep: nextStep,
	}
}

func (e *DeadlineExceededError) Is(target error) bool {
	return target == ErrDeadlineExceeded
}

// CompensationFailedError is returned when a rollback action fails.
type CompensationFailedError struct {
	SagaError
	RunID             string
	FailedStep        string
	Unreversed        []string
	OriginalError     error
	CompensationError error
}

// NewCompensationFailedError creates a new CompensationFailedError.
func NewCompensationFailedError(runID, step string, unreversed []string, originalErr, compErr error) *CompensationFailedError {
	return &CompensationFailedError{
		SagaError: SagaError{
			Code: ErrCodeCompensationFailed,
			Message: fmt.Sprintf("compensation failed for step '%s' in run '%s'; unreversed: %s",
				step, runID, strings.Join(unreversed, ", ")),
			Cause: compErr,
		},
		RunID:             runID,
		FailedStep:        step,
		Unreversed:        unreversed,
		OriginalError:     originalErr,
		CompensationError: compErr,
	}
}

func (e *CompensationFailedError) Is(target error) bool {
	return target == ErrCompensationFailed
}

// TruncateError shortens an error message to max bytes for storage.
func TruncateError(err error, max int) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if max <= 3 || len(msg) <= max {
		return msg
	}
	return msg[:max-3] + "..."
}
