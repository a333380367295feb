package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (m *MemoryStore) Claim(ctx context.Context, rec Record, now time.Time) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.records[rec.Key]; ok {
		if cur.State == StateCompleted || cur.LeaseUntil.After(now) {
			return cur, false, nil
		}
		rec.CreatedAt = cur.CreatedAt
	}
	rec.State = StatePending
	m.records[rec.Key] = rec
	return rec, true, nil
}

func (m *MemoryStore) Complete(ctx context.Context, key, owner string, out Outcome, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.records[key]
	if !ok {
		return ErrNotFound
	}
	if cur.State != StatePending || cur.Owner != owner {
		return ErrNotOwner
	}
	cur.State = StateCompleted
	cur.Outcome = out
	cur.CompletedAt = now
	cur.LeaseUntil = time.Time{}
	m.records[key] = cur
	return nil
}

func (m *MemoryStore) Release(ctx context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.records[key]
	if !ok {
		return nil
	}
	if cur.State != StatePending || cur.Owner != owner {
		return ErrNotOwner
	}
	delete(m.records, key)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.records[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cur, nil
}

// Purge drops completed records older than cutoff and returns how many were removed.
func (m *MemoryStore) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key, rec := range m.records {
		if rec.State == StateCompleted && rec.CompletedAt.Before(cutoff) {
			delete(m.records, key)
			n++
		}
	}
	return n, nil
}
