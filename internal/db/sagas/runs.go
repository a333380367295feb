// Package sagasdb persists saga runs, step events and idempotency records in Postgres.
package sagasdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"orderflow/internal/saga"
)

// RunStore persists saga runs in order_saga_runs. A terminal row is never overwritten.
type RunStore struct {
	db *sql.DB
}

// NewRunStore constructs a RunStore backed by Postgres.
func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

// NewRunStoreWithSchema initializes the schema then returns the store.
func NewRunStoreWithSchema(ctx context.Context, db *sql.DB) (*RunStore, error) {
	if err := InitSchema(ctx, db); err != nil {
		return nil, err
	}
	return NewRunStore(db), nil
}

// InitSchema creates every table used by this package if it does not exist.
func InitSchema(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS order_saga_runs (
			run_id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL,
			epoch INTEGER NOT NULL,
			state TEXT NOT NULL,
			failed_step TEXT,
			reason TEXT,
			payload JSONB NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS order_saga_runs_order_idx
			ON order_saga_runs (order_id, epoch DESC, started_at DESC)`,
		`CREATE TABLE IF NOT EXISTS order_saga_steps (
			id BIGSERIAL PRIMARY KEY,
			run_id TEXT NOT NULL,
			order_id TEXT NOT NULL,
			epoch INTEGER NOT NULL,
			step TEXT NOT NULL,
			phase TEXT NOT NULL,
			outcome TEXT NOT NULL,
			class TEXT,
			detail TEXT,
			latency_ms BIGINT NOT NULL,
			retries INTEGER NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS ledger_idempotency (
			key TEXT PRIMARY KEY,
			order_id TEXT NOT NULL,
			step TEXT NOT NULL,
			state TEXT NOT NULL,
			owner TEXT,
			lease_until TIMESTAMPTZ,
			object_id TEXT,
			status TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		)`,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Save upserts run. Updates to a row already in a terminal state are ignored.
func (s *RunStore) Save(ctx context.Context, run *saga.Run) error {
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", run.ID, err)
	}
	var ended any
	if !run.EndedAt.IsZero() {
		ended = run.EndedAt
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO order_saga_runs (run_id, order_id, epoch, state, failed_step, reason, payload, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (run_id) DO UPDATE
		SET state = EXCLUDED.state,
			failed_step = EXCLUDED.failed_step,
			reason = EXCLUDED.reason,
			payload = EXCLUDED.payload,
			ended_at = EXCLUDED.ended_at,
			updated_at = NOW()
		WHERE order_saga_runs.state NOT IN ('COMMITTED', 'ROLLED_BACK', 'COMPENSATION_FAILED')`,
		run.ID, run.OrderID, run.Epoch, string(run.State), run.FailedStep, run.Reason, payload, run.StartedAt, ended,
	)
	return err
}

// Latest returns the newest run for orderID.
func (s *RunStore) Latest(ctx context.Context, orderID string) (*saga.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT payload
		FROM order_saga_runs
		WHERE order_id = $1
		ORDER BY epoch DESC, started_at DESC
		LIMIT 1`,
		orderID,
	)
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, saga.ErrRunNotFound
		}
		return nil, err
	}
	return decodeRun(payload)
}

// List returns up to limit runs in state, newest first. An empty state matches all.
func (s *RunStore) List(ctx context.Context, state saga.State, limit int) ([]*saga.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload
		FROM order_saga_runs
		WHERE $1 = '' OR state = $1
		ORDER BY started_at DESC
		LIMIT $2`,
		string(state), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*saga.Run
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		run, err := decodeRun(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func decodeRun(payload []byte) (*saga.Run, error) {
	var run saga.Run
	if err := json.Unmarshal(payload, &run); err != nil {
		return nil, fmt.Errorf("decode run: %w", err)
	}
	return &run, nil
}
