package orders

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	sagasdb "orderflow/internal/db/sagas"
	"orderflow/internal/idempotency"
	"orderflow/internal/journal"
	"orderflow/internal/saga"
)

// StoreConfig selects the backing stores for runs, step events and idempotency keys.
type StoreConfig struct {
	// DatabaseURL enables Postgres for runs, the step log and idempotency keys.
	DatabaseURL string
	// JournalPath is the run store used when Postgres is not available.
	JournalPath string
	// Redis, when set, holds idempotency keys instead of Postgres.
	Redis                idempotency.RedisClient
	IdempotencyRetention time.Duration
}

// Stores bundles the durable pieces an Orchestrator runs on.
type Stores struct {
	Runs        saga.RunStore
	Lister      saga.RunLister
	Idempotency idempotency.Store
	// StepLog is nil unless Postgres is enabled.
	StepLog *sagasdb.StepLog
	// DB is nil unless Postgres is enabled.
	DB *sql.DB
	// Backend names the run store for logs.
	Backend string
}

// Ping checks the database when one is configured.
func (s Stores) Ping(ctx context.Context) error {
	if s.DB == nil {
		return nil
	}
	return s.DB.PingContext(ctx)
}

// BuildStores wires Stores from config. If the DSN is empty or initialization fails,
// it falls back to the file journal, or to memory when no journal path is set.
// The returned cleanup closes any external resources.
func BuildStores(ctx context.Context, cfg StoreConfig, logf func(format string, args ...any)) (Stores, func(), error) {
	if logf == nil {
		logf = log.Printf
	}

	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logf("close store: %v", err)
			}
		}
	}

	var stores Stores
	if cfg.DatabaseURL != "" {
		sqlDB, err := sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			logf("postgres open failed, falling back: %v", err)
		} else {
			setupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			runs, err := sagasdb.NewRunStoreWithSchema(setupCtx, sqlDB)
			cancel()
			if err != nil {
				logf("postgres init failed, falling back: %v", err)
				_ = sqlDB.Close()
			} else {
				logf("postgres saga store enabled")
				closers = append(closers, sqlDB.Close)
				stores = Stores{
					Runs:        runs,
					Lister:      runs,
					Idempotency: sagasdb.NewIdempotencyStore(sqlDB),
					StepLog:     sagasdb.NewStepLog(sqlDB),
					DB:          sqlDB,
					Backend:     "postgres",
				}
			}
		}
	}

	if stores.Runs == nil {
		if cfg.JournalPath != "" {
			j, err := journal.Open(cfg.JournalPath)
			if err != nil {
				cleanup()
				return Stores{}, func() {}, err
			}
			logf("file journal %s enabled", cfg.JournalPath)
			closers = append(closers, j.Close)
			stores = Stores{Runs: j, Lister: j, Backend: "journal"}
		} else {
			logf("no durable run store configured, runs are kept in memory")
			mem := saga.NewMemoryStore()
			stores = Stores{Runs: mem, Lister: mem, Backend: "memory"}
		}
	}

	switch {
	case cfg.Redis != nil:
		logf("redis idempotency store enabled")
		stores.Idempotency = idempotency.NewRedisStore(cfg.Redis, cfg.IdempotencyRetention)
	case stores.Idempotency == nil:
		stores.Idempotency = idempotency.NewMemoryStore()
	}

	return stores, cleanup, nil
}

// Purger drops completed idempotency records older than a cutoff.
type Purger interface {
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
}

// ErrPurgeUnsupported is returned for stores that expire records on their own.
var ErrPurgeUnsupported = errors.New("idempotency store expires records itself")

// PurgeIdempotency removes completed records older than retention.
func (s Stores) PurgeIdempotency(ctx context.Context, retention time.Duration, now time.Time) (int64, error) {
	p, ok := s.Idempotency.(Purger)
	if !ok {
		return 0, ErrPurgeUnsupported
	}
	return p.Purge(ctx, now.Add(-retention))
}
