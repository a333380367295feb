package ledger

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"orderflow/internal/reliability"
)

var (
	// ErrIdempotencyKeyRequired is returned when a mutating call has no idempotency key.
	ErrIdempotencyKeyRequired = errors.New("ledger: idempotency key required for mutating call")
	// ErrInvalidRequest is returned when a request payload fails validation before dispatch.
	ErrInvalidRequest = errors.New("ledger: invalid request")
)

// Class tells callers how to react to a failed ledger call.
type Class int

const (
	// ClassRetryable covers 429, 5xx and transport failures.
	ClassRetryable Class = iota + 1
	// ClassTerminal covers every other 4xx. Retrying will not help.
	ClassTerminal
	// ClassAmbiguous means the request may or may not have been applied (timeout).
	ClassAmbiguous
)

func (c Class) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassTerminal:
		return "terminal"
	case ClassAmbiguous:
		return "ambiguous"
	default:
		return "unknown"
	}
}

// Error is the classified failure of a single ledger request.
type Error struct {
	Class      Class
	Op         string
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("ledger ")
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(e.Class.String())
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " status=%d", e.StatusCode)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " code=%s", e.Code)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, " message=%q", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// ClassOf returns the classification of err if it carries one.
func ClassOf(err error) (Class, bool) {
	var le *Error
	if errors.As(err, &le) {
		return le.Class, true
	}
	return 0, false
}

// IsRetryable reports whether another attempt of the same request may succeed.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, reliability.ErrCircuitOpen) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	class, ok := ClassOf(err)
	if !ok {
		return false
	}
	return class == ClassRetryable || class == ClassAmbiguous
}

// TripsBreaker reports whether err should count against the circuit breaker.
// Terminal errors prove the ledger is up, so they never count.
func TripsBreaker(err error) bool {
	class, ok := ClassOf(err)
	return ok && (class == ClassRetryable || class == ClassAmbiguous)
}

// IsTerminal reports whether err is a non-retryable ledger rejection.
func IsTerminal(err error) bool {
	class, ok := ClassOf(err)
	return ok && class == ClassTerminal
}

// MayHaveApplied reports whether a failed request could still have been applied by
// the ledger. Throttled, rejected and never-dispatched requests were not.
func MayHaveApplied(err error) bool {
	var le *Error
	if !errors.As(err, &le) {
		return false
	}
	switch {
	case le.Class == ClassAmbiguous:
		return true
	case le.Class == ClassTerminal:
		return false
	case le.StatusCode == http.StatusTooManyRequests:
		return false
	case le.Code == codeTokenRefresh:
		return false
	default:
		return true
	}
}

// IsNotFound reports whether the ledger answered 404.
func IsNotFound(err error) bool {
	var le *Error
	return errors.As(err, &le) && le.StatusCode == http.StatusNotFound
}

// RetryAfter returns the server-requested delay carried by err, or zero.
func RetryAfter(err error) time.Duration {
	var le *Error
	if errors.As(err, &le) {
		return le.RetryAfter
	}
	return 0
}

func classifyStatus(op string, status int, body apiError, retryAfter time.Duration) *Error {
	class := ClassTerminal
	if status == http.StatusTooManyRequests || status >= 500 {
		class = ClassRetryable
	}
	return &Error{
		Class:      class,
		Op:         op,
		StatusCode: status,
		Code:       body.Code,
		Message:    body.Message,
		RetryAfter: retryAfter,
	}
}

func classifyTransport(op string, err error) *Error {
	class := ClassRetryable
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		class = ClassAmbiguous
	}
	return &Error{Class: class, Op: op, Err: err}
}

func parseRetryAfter(raw string, now time.Time) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// codeTokenRefresh marks failures to obtain a token; the request was never sent.
const codeTokenRefresh = "token_refresh"

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
