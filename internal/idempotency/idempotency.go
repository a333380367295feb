// Package idempotency records the outcome of each mutating ledger call so that a
// retried or duplicated request replays the first result instead of calling again.
package idempotency

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// namespace seeds deterministic keys. Changing it orphans every stored record.
var namespace = uuid.MustParse("6f1c2b8e-4d0a-5b7e-9c3f-2a1d8e7b6c50")

// State is the lifecycle position of a record.
type State string

const (
	StatePending   State = "pending"
	StateCompleted State = "completed"
)

// ErrNotFound is returned by Get when no record exists for a key.
var ErrNotFound = errors.New("idempotency: record not found")

// ErrNotOwner is returned when completing or releasing a record held by someone else.
var ErrNotOwner = errors.New("idempotency: record not owned by caller")

// Outcome is what the ledger returned for the keyed request.
type Outcome struct {
	ObjectID string `json:"object_id"`
	Status   string `json:"status"`
}

// Record is one (key → outcome) entry. Immutable once completed.
type Record struct {
	Key         string    `json:"key"`
	OrderID     string    `json:"order_id"`
	Step        string    `json:"step"`
	State       State     `json:"state"`
	Owner       string    `json:"owner,omitempty"`
	LeaseUntil  time.Time `json:"lease_until"`
	Outcome     Outcome   `json:"outcome"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// Key derives the idempotency key for one step of one run epoch.
// The same inputs always produce the same key.
func Key(orderID, step string, epoch int) string {
	name := orderID + "\x00" + step + "\x00" + strconv.Itoa(epoch)
	return uuid.NewSHA1(namespace, []byte(name)).String()
}

// Store persists idempotency records. Implementations must make Claim atomic.
type Store interface {
	// Claim creates a pending record owned by rec.Owner, or takes over a pending record
	// whose lease has expired. When the key is completed or held under a live lease it
	// returns the existing record and false.
	Claim(ctx context.Context, rec Record, now time.Time) (Record, bool, error)
	// Complete stores the outcome of a claimed key.
	Complete(ctx context.Context, key, owner string, out Outcome, now time.Time) error
	// Release drops a pending claim so another caller may retry.
	Release(ctx context.Context, key, owner string) error
	// Get returns the record for key or ErrNotFound.
	Get(ctx context.Context, key string) (Record, error)
}
