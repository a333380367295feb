package sagasdb

import (
	"context"
	"database/sql"
	"time"

	"orderflow/internal/saga"
)

// StepLog appends every saga event to order_saga_steps.
type StepLog struct {
	db *sql.DB
}

// NewStepLog constructs a StepLog backed by Postgres.
func NewStepLog(db *sql.DB) *StepLog {
	return &StepLog{db: db}
}

// Emit implements saga.Sink.
func (l *StepLog) Emit(ctx context.Context, ev saga.Event) error {
	step := ev.Step
	if step == "" {
		step = "-"
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO order_saga_steps (run_id, order_id, epoch, step, phase, outcome, class, detail, latency_ms, retries)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ev.RunID, ev.OrderID, ev.Epoch, step, string(ev.Phase), ev.Outcome, ev.Class, ev.Error,
		ev.Latency.Milliseconds(), ev.Retries,
	)
	return err
}

// Steps returns the logged events of runID in insertion order.
func (l *StepLog) Steps(ctx context.Context, runID string) ([]saga.Event, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT run_id, order_id, epoch, step, phase, outcome, COALESCE(class, ''), COALESCE(detail, ''), latency_ms, retries, created_at
		FROM order_saga_steps
		WHERE run_id = $1
		ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []saga.Event
	for rows.Next() {
		var (
			ev      saga.Event
			phase   string
			latency int64
		)
		if err := rows.Scan(&ev.RunID, &ev.OrderID, &ev.Epoch, &ev.Step, &phase, &ev.Outcome,
			&ev.Class, &ev.Error, &latency, &ev.Retries, &ev.At); err != nil {
			return nil, err
		}
		ev.Phase = saga.Phase(phase)
		ev.Latency = msDuration(latency)
		if ev.Step == "-" {
			ev.Step = ""
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func msDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
