// Command sagactl inspects saga runs and maintains the idempotency store.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout, openStores).ExecuteContext(ctx); err != nil {
		log.Fatalf("sagactl: %v", err)
	}
}
