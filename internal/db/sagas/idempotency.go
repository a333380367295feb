package sagasdb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"orderflow/internal/idempotency"
)

// IdempotencyStore keeps idempotency records in ledger_idempotency.
type IdempotencyStore struct {
	db *sql.DB
}

// NewIdempotencyStore constructs an IdempotencyStore backed by Postgres.
func NewIdempotencyStore(db *sql.DB) *IdempotencyStore {
	return &IdempotencyStore{db: db}
}

// Claim inserts a pending record, or takes over a pending one whose lease expired.
func (s *IdempotencyStore) Claim(ctx context.Context, rec idempotency.Record, now time.Time) (idempotency.Record, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_idempotency (key, order_id, step, state, owner, lease_until, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (key) DO UPDATE
		SET owner = EXCLUDED.owner, lease_until = EXCLUDED.lease_until
		WHERE ledger_idempotency.state = 'pending' AND ledger_idempotency.lease_until <= $8`,
		rec.Key, rec.OrderID, rec.Step, string(idempotency.StatePending), rec.Owner, rec.LeaseUntil, rec.CreatedAt, now,
	)
	if err != nil {
		return idempotency.Record{}, false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return idempotency.Record{}, false, err
	}

	cur, err := s.Get(ctx, rec.Key)
	if err != nil {
		return idempotency.Record{}, false, err
	}
	return cur, affected == 1 && cur.Owner == rec.Owner, nil
}

// Complete records the outcome of a key held by owner.
func (s *IdempotencyStore) Complete(ctx context.Context, key, owner string, out idempotency.Outcome, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE ledger_idempotency
		SET state = $3, object_id = $4, status = $5, completed_at = $6, owner = NULL, lease_until = NULL
		WHERE key = $1 AND owner = $2 AND state = 'pending'`,
		key, owner, string(idempotency.StateCompleted), out.ObjectID, out.Status, now,
	)
	return ownedUpdate(res, err)
}

// Release deletes a pending claim held by owner.
func (s *IdempotencyStore) Release(ctx context.Context, key, owner string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM ledger_idempotency
		WHERE key = $1 AND owner = $2 AND state = 'pending'`,
		key, owner,
	)
	return ownedUpdate(res, err)
}

// Get returns the record for key.
func (s *IdempotencyStore) Get(ctx context.Context, key string) (idempotency.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, order_id, step, state, COALESCE(owner, ''), lease_until, COALESCE(object_id, ''),
			COALESCE(status, ''), created_at, completed_at
		FROM ledger_idempotency
		WHERE key = $1`,
		key,
	)
	var (
		rec       idempotency.Record
		state     string
		lease     sql.NullTime
		completed sql.NullTime
	)
	err := row.Scan(&rec.Key, &rec.OrderID, &rec.Step, &state, &rec.Owner, &lease,
		&rec.Outcome.ObjectID, &rec.Outcome.Status, &rec.CreatedAt, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return idempotency.Record{}, idempotency.ErrNotFound
	}
	if err != nil {
		return idempotency.Record{}, err
	}
	rec.State = idempotency.State(state)
	rec.LeaseUntil = lease.Time
	rec.CompletedAt = completed.Time
	return rec, nil
}

// Purge deletes completed records older than cutoff.
func (s *IdempotencyStore) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM ledger_idempotency
		WHERE state = 'completed' AND completed_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func ownedUpdate(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return idempotency.ErrNotOwner
	}
	return nil
}
