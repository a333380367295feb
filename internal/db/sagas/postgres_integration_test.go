//go:build integration

package sagasdb

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"orderflow/internal/idempotency"
	"orderflow/internal/saga"
)

// openPostgres uses SAGAS_TEST_PG_DSN when set, otherwise starts a Postgres 16 container.
func openPostgres(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	dsn := os.Getenv("SAGAS_TEST_PG_DSN")
	if dsn == "" {
		pg, err := postgres.Run(ctx,
			"postgres:16",
			postgres.WithDatabase("sagas"),
			postgres.WithUsername("sagas"),
			postgres.WithPassword("sagas"),
			postgres.BasicWaitStrategies(),
		)
		if err != nil {
			t.Skipf("postgres container unavailable: %v", err)
		}
		t.Cleanup(func() { _ = pg.Terminate(context.Background()) })
		dsn, err = pg.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			t.Fatalf("connection string: %v", err)
		}
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := InitSchema(ctx, db); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
	return db
}

func TestPostgres_TerminalRunIsNotOverwritten(t *testing.T) {
	db := openPostgres(t)
	ctx := context.Background()
	store := NewRunStore(db)

	run := saga.NewRun("order-int-1", 0)
	run.State = saga.StateRunning
	run.StartedAt = time.Now().UTC()
	if err := store.Save(ctx, run); err != nil {
		t.Fatalf("save running: %v", err)
	}
	run.State = saga.StateCommitted
	run.EndedAt = time.Now().UTC()
	if err := store.Save(ctx, run); err != nil {
		t.Fatalf("save committed: %v", err)
	}
	run.State = saga.StateCompensating
	if err := store.Save(ctx, run); err != nil {
		t.Fatalf("save after terminal: %v", err)
	}

	got, err := store.Latest(ctx, "order-int-1")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if got.State != saga.StateCommitted {
		t.Fatalf("terminal run overwritten: %s", got.State)
	}
}

func TestPostgres_IdempotencyClaimIsExclusive(t *testing.T) {
	db := openPostgres(t)
	ctx := context.Background()
	store := NewIdempotencyStore(db)
	now := time.Now().UTC().Truncate(time.Millisecond)
	key := idempotency.Key("order-int-2", "post-invoice", 0)

	claim := func(owner string, at time.Time) (idempotency.Record, bool) {
		rec, ok, err := store.Claim(ctx, idempotency.Record{
			Key: key, OrderID: "order-int-2", Step: "post-invoice", Owner: owner,
			LeaseUntil: at.Add(time.Minute), CreatedAt: at,
		}, at)
		if err != nil {
			t.Fatalf("claim %s: %v", owner, err)
		}
		return rec, ok
	}

	if _, ok := claim("a", now); !ok {
		t.Fatalf("first claim should win")
	}
	if _, ok := claim("b", now); ok {
		t.Fatalf("live lease must block a second owner")
	}
	if _, ok := claim("b", now.Add(2*time.Minute)); !ok {
		t.Fatalf("expired lease should be taken over")
	}
	if err := store.Complete(ctx, key, "a", idempotency.Outcome{ObjectID: "inv-1"}, now); err == nil {
		t.Fatalf("previous owner must not complete")
	}
	if err := store.Complete(ctx, key, "b", idempotency.Outcome{ObjectID: "inv-1", Status: "posted"}, now); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	rec, ok := claim("c", now.Add(time.Hour))
	if ok || rec.Outcome.ObjectID != "inv-1" {
		t.Fatalf("completed key should replay, got claimed=%v %+v", ok, rec)
	}
}
