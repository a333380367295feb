package saga

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrRunNotFound is returned when no run exists for an order.
var ErrRunNotFound = errors.New("saga: run not found")

// RunStore persists runs. Save must be durable before it returns.
type RunStore interface {
	Save(ctx context.Context, run *Run) error
	// Latest returns the most recent run for orderID, or ErrRunNotFound.
	Latest(ctx context.Context, orderID string) (*Run, error)
}

// RunLister lists runs for reconciliation.
type RunLister interface {
	// List returns up to limit runs in state, newest first. An empty state matches all.
	List(ctx context.Context, state State, limit int) ([]*Run, error)
}

// MemoryStore keeps runs in process memory.
type MemoryStore struct {
	mu   sync.Mutex
	runs map[string]*Run
	// latest maps order id to the newest run id.
	latest map[string]string
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:   make(map[string]*Run),
		latest: make(map[string]string),
	}
}

func (m *MemoryStore) Save(ctx context.Context, run *Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = run.Clone()
	if cur, ok := m.latest[run.OrderID]; !ok || cur == run.ID || newer(run, m.runs[cur]) {
		m.latest[run.OrderID] = run.ID
	}
	return nil
}

func (m *MemoryStore) Latest(ctx context.Context, orderID string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.latest[orderID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return m.runs[id].Clone(), nil
}

func (m *MemoryStore) List(ctx context.Context, state State, limit int) ([]*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Run
	for _, run := range m.runs {
		if state == "" || run.State == state {
			out = append(out, run.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func newer(a, b *Run) bool {
	if b == nil {
		return true
	}
	if a.Epoch != b.Epoch {
		return a.Epoch > b.Epoch
	}
	return !a.StartedAt.Before(b.StartedAt)
}
