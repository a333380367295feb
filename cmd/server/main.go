package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"orderflow/cmd/server/config"
	"orderflow/internal/adapters/admin"
	"orderflow/internal/adapters/grpc"
	"orderflow/internal/idempotency"
	"orderflow/internal/observability"
	"orderflow/internal/orders"
	"orderflow/internal/realtime"
	"orderflow/internal/reliability"
	"orderflow/internal/saga"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func run(ctx context.Context) error {
	obsCfg, err := config.LoadObservability()
	if err != nil {
		return err
	}
	grpcCfg, err := config.LoadGRPC()
	if err != nil {
		return err
	}
	ledgerCfg, err := config.LoadLedger()
	if err != nil {
		return err
	}
	sagaCfg, err := config.LoadSaga()
	if err != nil {
		return err
	}
	redisCfg, err := config.LoadRedis()
	if err != nil {
		return err
	}

	shutdownTelemetry, err := observability.InitTelemetry(ctx, obsCfg.OTLPEndpoint, obsCfg.ServiceName, version)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Printf("telemetry shutdown: %v", err)
		}
	}()

	redisClient, closeRedis, err := buildRedisClient(ctx, redisCfg)
	if err != nil {
		return err
	}
	defer closeRedis()

	storeCfg := orders.StoreConfig{
		DatabaseURL:          config.DatabaseURL(),
		JournalPath:          sagaCfg.JournalPath,
		IdempotencyRetention: sagaCfg.IdempotencyRetention,
	}
	if redisClient != nil {
		storeCfg.Redis = redisClient
	}
	stores, cleanupStores, err := orders.BuildStores(ctx, storeCfg, log.Printf)
	if err != nil {
		return err
	}
	defer cleanupStores()

	metrics := observability.NewMetrics()
	hub := realtime.NewHub(log.Printf)
	otelSink, err := observability.NewOTelSink()
	if err != nil {
		return err
	}
	sinks := []saga.Sink{metrics, hub, otelSink}
	if stores.StepLog != nil {
		sinks = append(sinks, stores.StepLog)
	}

	api, err := buildLedger(ledgerCfg, sagaCfg.Reliability, metrics, log.Printf)
	if err != nil {
		return err
	}
	guard := idempotency.NewGuard(stores.Idempotency, idempotency.GuardConfig{Lease: sagaCfg.IdempotencyLease})
	orchestrator := orders.NewOrchestrator(api, guard, stores.Runs, orders.Config{
		DefaultDeadline: sagaCfg.DefaultDeadline,
		Sink:            observability.NewMultiSink(sinks...),
	})

	limiter := reliability.NewRateLimiter(grpcCfg.RateLimitInterval, grpcCfg.RateLimitBurst, metrics.AddRateLimitWait)
	server := grpcpkg.NewServer(
		grpcpkg.UnaryInterceptor(unaryInterceptor(limiter, metrics, log.Printf)),
		grpcpkg.StreamInterceptor(streamInterceptor(limiter, metrics, log.Printf)),
	)
	grpc.RegisterFulfillmentServiceServer(server, grpc.NewFulfillmentServer(orchestrator, stores.Runs, sagaCfg.MaxLineItems))

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus(grpc.FulfillmentServiceName, healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	if !config.Production() {
		reflection.Register(server)
		log.Printf("gRPC reflection enabled (APP_ENV=%q)", os.Getenv("APP_ENV"))
	}

	adminSrv := &http.Server{
		Addr: obsCfg.Addr,
		Handler: admin.NewRouter(admin.Dependencies{
			ServiceName: obsCfg.ServiceName,
			Metrics:     metrics,
			Runs:        stores.Runs,
			Lister:      stores.Lister,
			Steps:       stepReader(stores),
			Events:      hub.ServeWS,
			Ready:       stores.Ping,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	lis, err := net.Listen("tcp", grpcCfg.Addr)
	if err != nil {
		return err
	}
	log.Printf("orderflow %s: gRPC on %s, admin on %s, run store %s", version, grpcCfg.Addr, obsCfg.Addr, stores.Backend)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return server.Serve(lis)
	})
	g.Go(func() error {
		if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		healthServer.SetServingStatus(grpc.FulfillmentServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		metrics.MarkShutdown(metrics.Snapshot().InFlight)
		server.GracefulStop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return adminSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// stepReader avoids handing the router a typed nil when Postgres is disabled.
func stepReader(stores orders.Stores) admin.StepReader {
	if stores.StepLog == nil {
		return nil
	}
	return stores.StepLog
}
