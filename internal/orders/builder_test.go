package orders

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"orderflow/internal/idempotency"
	"orderflow/internal/journal"
	"orderflow/internal/saga"
)

func TestBuildStores_MemoryFallback(t *testing.T) {
	stores, cleanup, err := BuildStores(context.Background(), StoreConfig{}, t.Logf)
	if err != nil {
		t.Fatalf("BuildStores: %v", err)
	}
	defer cleanup()

	if stores.Backend != "memory" {
		t.Fatalf("expected memory backend, got %q", stores.Backend)
	}
	if _, ok := stores.Runs.(*saga.MemoryStore); !ok {
		t.Fatalf("unexpected run store %T", stores.Runs)
	}
	if _, ok := stores.Idempotency.(*idempotency.MemoryStore); !ok {
		t.Fatalf("unexpected idempotency store %T", stores.Idempotency)
	}
	if err := stores.Ping(context.Background()); err != nil {
		t.Fatalf("ping without database should succeed: %v", err)
	}
}

func TestBuildStores_JournalFallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.jsonl")
	stores, cleanup, err := BuildStores(context.Background(), StoreConfig{JournalPath: path}, t.Logf)
	if err != nil {
		t.Fatalf("BuildStores: %v", err)
	}
	defer cleanup()

	if _, ok := stores.Runs.(*journal.Journal); !ok {
		t.Fatalf("unexpected run store %T", stores.Runs)
	}

	run := saga.NewRun("order-1", 1)
	run.State = saga.StateCommitted
	if err := stores.Runs.Save(context.Background(), run); err != nil {
		t.Fatalf("Save: %v", err)
	}
	listed, err := stores.Lister.List(context.Background(), saga.StateCommitted, 0)
	if err != nil || len(listed) != 1 {
		t.Fatalf("expected the saved run, got %d (%v)", len(listed), err)
	}
}

func TestBuildStores_JournalOpenFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "runs.jsonl")
	if _, _, err := BuildStores(context.Background(), StoreConfig{JournalPath: path}, t.Logf); err == nil {
		t.Fatalf("expected error for unwritable journal path")
	}
}

func TestBuildStores_RedisIdempotency(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	stores, cleanup, err := BuildStores(context.Background(), StoreConfig{Redis: client, IdempotencyRetention: time.Hour}, t.Logf)
	if err != nil {
		t.Fatalf("BuildStores: %v", err)
	}
	defer cleanup()

	if _, ok := stores.Idempotency.(*idempotency.RedisStore); !ok {
		t.Fatalf("unexpected idempotency store %T", stores.Idempotency)
	}
	if _, err := stores.PurgeIdempotency(context.Background(), time.Hour, time.Now()); !errors.Is(err, ErrPurgeUnsupported) {
		t.Fatalf("expected ErrPurgeUnsupported, got %v", err)
	}
}

func TestStores_PurgeIdempotency(t *testing.T) {
	stores, cleanup, err := BuildStores(context.Background(), StoreConfig{}, t.Logf)
	if err != nil {
		t.Fatalf("BuildStores: %v", err)
	}
	defer cleanup()

	ctx := context.Background()
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	key := idempotency.Key("order-1", StepPostInvoice, 1)
	if _, ok, err := stores.Idempotency.Claim(ctx, idempotency.Record{Key: key, OrderID: "order-1", Step: StepPostInvoice, Owner: "a", LeaseUntil: old.Add(time.Minute)}, old); err != nil || !ok {
		t.Fatalf("Claim: ok=%v err=%v", ok, err)
	}
	if err := stores.Idempotency.Complete(ctx, key, "a", idempotency.Outcome{ObjectID: "inv-1"}, old); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	n, err := stores.PurgeIdempotency(ctx, 24*time.Hour, old.Add(48*time.Hour))
	if err != nil {
		t.Fatalf("PurgeIdempotency: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged record, got %d", n)
	}
}
